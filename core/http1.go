package core

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"time"

	"flowproxy/models"
)

const maxLineLength = 64 << 10

var (
	errLineTooLong   = errors.New("header line too long")
	errBodyTooLarge  = errors.New("body exceeds size limit")
	errNoHeaderColon = errors.New("header line without colon")
)

// readLine returns one CRLF or LF terminated line without its terminator.
func readLine(br *bufio.Reader) (string, error) {
	var buf []byte
	for {
		chunk, err := br.ReadSlice('\n')
		buf = append(buf, chunk...)
		if len(buf) > maxLineLength {
			return "", errLineTooLong
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		if err != nil {
			if err == io.EOF && len(buf) > 0 {
				return "", io.ErrUnexpectedEOF
			}
			return "", err
		}
		break
	}
	return strings.TrimRight(string(buf), "\r\n"), nil
}

func readHeaders(br *bufio.Reader) (models.Headers, error) {
	var h models.Headers
	for {
		line, err := readLine(br)
		if err != nil {
			return nil, err
		}
		if line == "" {
			return h, nil
		}
		if (line[0] == ' ' || line[0] == '\t') && len(h) > 0 {
			// obs-fold continuation
			h[len(h)-1].Value += " " + strings.TrimSpace(line)
			continue
		}
		i := strings.IndexByte(line, ':')
		if i <= 0 {
			return nil, errNoHeaderColon
		}
		h.Add(strings.TrimSpace(line[:i]), strings.TrimSpace(line[i+1:]))
	}
}

// awaitFirstByte blocks until at least one byte is buffered and returns the
// time it arrived.
func awaitFirstByte(br *bufio.Reader) (time.Time, error) {
	if _, err := br.Peek(1); err != nil {
		return time.Time{}, err
	}
	return time.Now(), nil
}

func isChunked(h models.Headers) bool {
	te := h.Values("Transfer-Encoding")
	if len(te) == 0 {
		return false
	}
	last := strings.TrimSpace(te[len(te)-1])
	if i := strings.LastIndexByte(last, ','); i >= 0 {
		last = strings.TrimSpace(last[i+1:])
	}
	return strings.EqualFold(last, "chunked")
}

// contentLength returns the declared length, -1 when absent.
func contentLength(h models.Headers) (int64, error) {
	v := h.Values("Content-Length")
	if len(v) == 0 {
		return -1, nil
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v[0]), 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid Content-Length %q", v[0])
	}
	for _, other := range v[1:] {
		if strings.TrimSpace(other) != strings.TrimSpace(v[0]) {
			return 0, fmt.Errorf("conflicting Content-Length values")
		}
	}
	return n, nil
}

// readBody reads a message body framed by h. With until set and no framing
// headers, the body runs to EOF. limit <= 0 disables the size check.
func readBody(br *bufio.Reader, h models.Headers, until bool, limit int64) ([]byte, error) {
	var r io.Reader
	switch {
	case isChunked(h):
		r = httputil.NewChunkedReader(br)
	default:
		n, err := contentLength(h)
		if err != nil {
			return nil, err
		}
		switch {
		case n >= 0:
			if limit > 0 && n > limit {
				return nil, errBodyTooLarge
			}
			body := make([]byte, n)
			if _, err := io.ReadFull(br, body); err != nil {
				if err == io.EOF {
					err = io.ErrUnexpectedEOF
				}
				return nil, err
			}
			return body, nil
		case until:
			r = br
		default:
			return nil, nil
		}
	}
	if limit > 0 {
		r = io.LimitReader(r, limit+1)
	}
	body, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if limit > 0 && int64(len(body)) > limit {
		return nil, errBodyTooLarge
	}
	if isChunked(h) {
		// The chunked reader stops at the terminating chunk; drain trailers.
		if _, err := readHeaders(br); err != nil {
			return nil, err
		}
	}
	return body, nil
}

func defaultPort(scheme string) int {
	if scheme == "https" {
		return 443
	}
	return 80
}

// splitHostPort parses an authority. A missing port yields def; def < 0 makes
// the port mandatory. Only the port's syntax is checked here; a number out of
// range is left for the dialer to reject as a connect failure.
func splitHostPort(authority string, def int) (string, int, error) {
	host, portStr, err := net.SplitHostPort(authority)
	if err != nil {
		if def < 0 || strings.Count(authority, ":") > 1 && !strings.HasPrefix(authority, "[") {
			return "", 0, err
		}
		host, portStr = strings.TrimSuffix(strings.TrimPrefix(authority, "["), "]"), strconv.Itoa(def)
	}
	if host == "" || strings.ContainsAny(host, " /\\@") {
		return "", 0, fmt.Errorf("invalid host %q", host)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 {
		return "", 0, fmt.Errorf("invalid port %q", portStr)
	}
	return host, port, nil
}

func parseRequestLine(line string, req *models.Request) error {
	parts := strings.Split(line, " ")
	if len(parts) != 3 {
		return badRequest("bad HTTP request line: %q", line)
	}
	method, target, version := parts[0], parts[1], parts[2]
	if method == "" || target == "" || !strings.HasPrefix(version, "HTTP/1.") {
		return badRequest("bad HTTP request line: %q", line)
	}
	req.Method, req.HTTPVersion = method, version

	switch {
	case method == http.MethodConnect:
		host, port, err := splitHostPort(target, -1)
		if err == nil && (port == 0 || port > 65535) {
			err = fmt.Errorf("invalid port %d", port)
		}
		if err != nil {
			return badRequest("bad CONNECT target %q: %v", target, err)
		}
		req.Form, req.Host, req.Port = models.FormAuthority, host, port
		req.Path = ""
	case strings.HasPrefix(target, "/") || target == "*":
		req.Form, req.Path = models.FormRelative, target
	case strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://"):
		u, err := url.Parse(target)
		if err != nil || u.Host == "" {
			return badRequest("bad absolute URL %q", target)
		}
		host, port, err := splitHostPort(u.Host, defaultPort(u.Scheme))
		if err != nil {
			return badRequest("bad absolute URL %q: %v", target, err)
		}
		req.Form, req.Scheme, req.Host, req.Port = models.FormAbsolute, u.Scheme, host, port
		req.Path = u.RequestURI()
		if u.ForceQuery && !strings.Contains(req.Path, "?") {
			req.Path += "?"
		}
	default:
		return badRequest("bad request target %q", target)
	}
	return nil
}

// readRequest parses one request from br. io.EOF means the client closed the
// connection cleanly between requests.
func readRequest(br *bufio.Reader, limit int64) (*models.Request, error) {
	start, err := awaitFirstByte(br)
	if err != nil {
		return nil, err
	}
	line, err := readLine(br)
	if err != nil {
		if err == errLineTooLong {
			return nil, badRequest("request line too long")
		}
		return nil, err
	}
	req := &models.Request{TimestampStart: start}
	if err := parseRequestLine(line, req); err != nil {
		return nil, err
	}
	req.Headers, err = readHeaders(br)
	if err != nil {
		if err == errLineTooLong || err == errNoHeaderColon {
			return nil, badRequest("invalid headers: %v", err)
		}
		return nil, err
	}
	if req.Method != http.MethodConnect {
		req.Content, err = readBody(br, req.Headers, false, limit)
		if err != nil {
			if err == errBodyTooLarge {
				return nil, &ProtocolError{Code: http.StatusRequestEntityTooLarge, Msg: "request body exceeds size limit"}
			}
			if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, badRequest("invalid request body: %v", err)
		}
	}
	req.TimestampEnd = time.Now()
	return req, nil
}

func responseHasBody(method string, code int) bool {
	if method == http.MethodHead {
		return false
	}
	return !(code >= 100 && code < 200 || code == http.StatusNoContent || code == http.StatusNotModified)
}

// readResponse parses the response to a request with the given method.
// Interim 1xx responses are skipped. untilClose reports a body delimited by
// connection close.
func readResponse(br *bufio.Reader, method string, limit int64) (resp *models.Response, untilClose bool, err error) {
	for {
		start, err := awaitFirstByte(br)
		if err != nil {
			return nil, false, err
		}
		line, err := readLine(br)
		if err != nil {
			return nil, false, err
		}
		resp = &models.Response{TimestampStart: start}
		parts := strings.SplitN(line, " ", 3)
		if len(parts) < 2 || !strings.HasPrefix(parts[0], "HTTP/1.") {
			return nil, false, fmt.Errorf("invalid server response: %q", line)
		}
		resp.HTTPVersion = parts[0]
		resp.StatusCode, err = strconv.Atoi(parts[1])
		if err != nil || resp.StatusCode < 100 || resp.StatusCode > 999 {
			return nil, false, fmt.Errorf("invalid server response status: %q", line)
		}
		if len(parts) == 3 {
			resp.Reason = parts[2]
		}
		resp.Headers, err = readHeaders(br)
		if err != nil {
			return nil, false, err
		}
		if resp.StatusCode >= 100 && resp.StatusCode < 200 && resp.StatusCode != http.StatusSwitchingProtocols {
			continue
		}
		break
	}

	if responseHasBody(method, resp.StatusCode) {
		untilClose = !isChunked(resp.Headers) && !resp.Headers.Has("Content-Length")
		resp.Content, err = readBody(br, resp.Headers, true, limit)
		if err != nil {
			return nil, false, err
		}
	}
	resp.TimestampEnd = time.Now()
	return resp, untilClose, nil
}

// frameHeaders prepares headers for re-serialisation of a fully buffered
// body: chunked coding is dropped and Content-Length describes content.
func frameHeaders(h models.Headers, content []byte, withBody bool) models.Headers {
	h = h.Clone()
	if !withBody {
		return h
	}
	if isChunked(h) {
		h.Del("Transfer-Encoding")
	}
	if len(content) > 0 || h.Has("Content-Length") {
		h.Set("Content-Length", strconv.Itoa(len(content)))
	}
	return h
}

func writeHeaderBlock(buf *bytes.Buffer, h models.Headers) {
	for _, f := range h {
		buf.WriteString(f.Name)
		buf.WriteString(": ")
		buf.WriteString(f.Value)
		buf.WriteString("\r\n")
	}
	buf.WriteString("\r\n")
}

// assembleRequest renders req in origin form for an upstream server.
func assembleRequest(req *models.Request) []byte {
	var buf bytes.Buffer
	path := req.Path
	if path == "" {
		path = "/"
	}
	version := req.HTTPVersion
	if version == "" {
		version = "HTTP/1.1"
	}
	fmt.Fprintf(&buf, "%s %s %s\r\n", req.Method, path, version)
	h := frameHeaders(req.Headers, req.Content, true)
	if !h.Has("Host") {
		host := req.Host
		if req.Port != defaultPort(req.Scheme) {
			host = net.JoinHostPort(req.Host, strconv.Itoa(req.Port))
		}
		h = append(models.Headers{{Name: "Host", Value: host}}, h...)
	}
	writeHeaderBlock(&buf, h)
	buf.Write(req.Content)
	return buf.Bytes()
}

// assembleResponse renders resp. For HEAD requests and bodyless statuses the
// headers are passed through untouched and no body is written.
func assembleResponse(resp *models.Response, method string) []byte {
	var buf bytes.Buffer
	version := resp.HTTPVersion
	if version == "" {
		version = "HTTP/1.1"
	}
	reason := resp.Reason
	if reason == "" {
		reason = http.StatusText(resp.StatusCode)
	}
	fmt.Fprintf(&buf, "%s %d %s\r\n", version, resp.StatusCode, reason)
	withBody := responseHasBody(method, resp.StatusCode)
	h := frameHeaders(resp.Headers, resp.Content, withBody)
	if withBody && !h.Has("Content-Length") {
		h.Set("Content-Length", "0")
	}
	writeHeaderBlock(&buf, h)
	if withBody {
		buf.Write(resp.Content)
	}
	return buf.Bytes()
}

// simpleResponse builds a proxy-generated response.
func simpleResponse(code int, body string) *models.Response {
	now := time.Now()
	resp := &models.Response{
		StatusCode:     code,
		Reason:         http.StatusText(code),
		HTTPVersion:    "HTTP/1.1",
		Content:        []byte(body),
		TimestampStart: now,
		TimestampEnd:   now,
	}
	resp.Headers.Add("Content-Type", "text/plain; charset=utf-8")
	resp.Headers.Add("Content-Length", strconv.Itoa(len(body)))
	return resp
}

// wantsClose reports whether the connection must close after this exchange.
func wantsClose(version string, h models.Headers) bool {
	if h.HasToken("Connection", "close") {
		return true
	}
	if version == "HTTP/1.0" {
		return !h.HasToken("Connection", "keep-alive")
	}
	return false
}
