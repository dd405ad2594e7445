package core

import (
	"bufio"
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"flowproxy/models"

	"github.com/stretchr/testify/require"
)

// stubServer is an upstream test server. Requests to /p/<code> are answered with
// that status, shaped by query knobs:
//
//	size=N       body of N bytes
//	pause=N,D    sleep D after writing N bytes of the response
//	disconnect=1 close without answering
//	close=1      send Connection: close and hang up
//	dropidle=1   hang up after answering, without announcing it
//	chunked=1    chunked body
//	noframe=1    no framing headers, body ends at close
//	header=K:V   extra response header
type stubServer struct {
	t     *testing.T
	ln    net.Listener
	mu    sync.Mutex
	log   []string
	conns atomic.Int64
	wg    sync.WaitGroup
}

func startStub(t *testing.T, useTLS bool) *stubServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	if useTLS {
		store := NewCertStore(testCA(t))
		cert, err := store.GetCert("127.0.0.1")
		require.NoError(t, err)
		ln = tls.NewListener(ln, &tls.Config{Certificates: []tls.Certificate{*cert}})
	}
	p := &stubServer{t: t, ln: ln}
	go p.serve()
	t.Cleanup(p.Close)
	return p
}

func (p *stubServer) Port() int {
	return p.ln.Addr().(*net.TCPAddr).Port
}

func (p *stubServer) Addr() string {
	return p.ln.Addr().String()
}

func (p *stubServer) Close() {
	p.ln.Close()
	p.wg.Wait()
}

// Log returns the request lines received so far.
func (p *stubServer) Log() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.log...)
}

// Conns is the number of accepted connections.
func (p *stubServer) Conns() int {
	return int(p.conns.Load())
}

func (p *stubServer) serve() {
	for {
		c, err := p.ln.Accept()
		if err != nil {
			return
		}
		p.conns.Add(1)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			defer c.Close()
			p.serveConn(c)
		}()
	}
}

func (p *stubServer) serveConn(c net.Conn) {
	br := bufio.NewReader(c)
	for {
		req, err := http.ReadRequest(br)
		if err != nil {
			return
		}
		io.Copy(io.Discard, req.Body)
		p.mu.Lock()
		p.log = append(p.log, req.Method+" "+req.URL.RequestURI())
		p.mu.Unlock()
		if !p.respond(c, req) {
			return
		}
	}
}

func (p *stubServer) respond(c net.Conn, req *http.Request) bool {
	q := req.URL.Query()
	if q.Get("disconnect") == "1" {
		return false
	}
	code := http.StatusOK
	if strings.HasPrefix(req.URL.Path, "/p/") {
		if n, err := strconv.Atoi(strings.TrimPrefix(req.URL.Path, "/p/")); err == nil {
			code = n
		}
	}
	size, _ := strconv.Atoi(q.Get("size"))
	body := bytes.Repeat([]byte("x"), size)

	var head bytes.Buffer
	fmt.Fprintf(&head, "HTTP/1.1 %d %s\r\n", code, http.StatusText(code))
	if h := q.Get("header"); h != "" {
		kv := strings.SplitN(h, ":", 2)
		fmt.Fprintf(&head, "%s: %s\r\n", kv[0], kv[1])
	}
	switch {
	case q.Get("noframe") == "1":
	case q.Get("chunked") == "1":
		head.WriteString("Transfer-Encoding: chunked\r\n")
	default:
		fmt.Fprintf(&head, "Content-Length: %d\r\n", len(body))
	}
	closeAfter := q.Get("close") == "1" || q.Get("noframe") == "1"
	if q.Get("close") == "1" {
		head.WriteString("Connection: close\r\n")
	}
	head.WriteString("\r\n")

	payload := head.Bytes()
	if q.Get("chunked") == "1" {
		var cb bytes.Buffer
		for rest := body; len(rest) > 0; {
			n := len(rest)
			if n > 1000 {
				n = 1000
			}
			fmt.Fprintf(&cb, "%x\r\n%s\r\n", n, rest[:n])
			rest = rest[n:]
		}
		cb.WriteString("0\r\n\r\n")
		payload = append(payload, cb.Bytes()...)
	} else {
		payload = append(payload, body...)
	}

	if pv := q.Get("pause"); pv != "" {
		parts := strings.SplitN(pv, ",", 2)
		at, _ := strconv.Atoi(parts[0])
		d, _ := time.ParseDuration(parts[1])
		at += len(head.Bytes())
		if at > len(payload) {
			at = len(payload)
		}
		if _, err := c.Write(payload[:at]); err != nil {
			return false
		}
		time.Sleep(d)
		payload = payload[at:]
	}
	if _, err := c.Write(payload); err != nil {
		return false
	}
	return !closeAfter && q.Get("dropidle") != "1"
}

var (
	testCAOnce sync.Once
	testCACert *tls.Certificate
	testCAErr  error
)

// testCA is a throwaway root shared by all tests in the package.
func testCA(t *testing.T) *tls.Certificate {
	t.Helper()
	testCAOnce.Do(func() {
		cert, key, err := generateCA("flowproxy test CA")
		if err != nil {
			testCAErr = err
			return
		}
		testCACert = &tls.Certificate{Certificate: [][]byte{cert.Raw}, PrivateKey: key, Leaf: cert}
	})
	require.NoError(t, testCAErr)
	return testCACert
}

func testCAPool(t *testing.T) *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(testCA(t).Leaf)
	return pool
}

type testProxy struct {
	srv     *Server
	session *Session
	addr    string
}

func testOptions() Options {
	return Options{
		Mode:     ModeRegular,
		Upstream: UpstreamOptions{ConnectTimeout: 2 * time.Second, SkipTLSVerify: true},
	}
}

func startProxy(t *testing.T, opts Options, ctrl Controller) *testProxy {
	t.Helper()
	session := NewSession(opts, NewCertStore(testCA(t)), ctrl)
	srv := NewServer(session)
	require.NoError(t, srv.Listen("127.0.0.1:0"))
	go srv.Serve()
	t.Cleanup(func() { srv.Close() })
	return &testProxy{srv: srv, session: session, addr: srv.Addr().String()}
}

// client is a raw keep-alive connection to the proxy.
type client struct {
	t  *testing.T
	c  net.Conn
	br *bufio.Reader
}

func (tp *testProxy) dial(t *testing.T) *client {
	t.Helper()
	c, err := net.DialTimeout("tcp", tp.addr, 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return &client{t: t, c: c, br: bufio.NewReader(c)}
}

func (cl *client) send(raw string) {
	cl.t.Helper()
	cl.c.SetDeadline(time.Now().Add(10 * time.Second))
	_, err := io.WriteString(cl.c, raw)
	require.NoError(cl.t, err)
}

// get sends an absolute-form GET and reads the response.
func (cl *client) get(url string, extra ...string) (*http.Response, []byte, error) {
	cl.send(fmt.Sprintf("GET %s HTTP/1.1\r\nHost: test\r\n%s\r\n", url, strings.Join(extra, "")))
	return cl.read("GET")
}

func (cl *client) read(method string) (*http.Response, []byte, error) {
	resp, err := http.ReadResponse(cl.br, &http.Request{Method: method})
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	return resp, body, err
}

// readConnectReply reads the proxy's answer to CONNECT: a status line and
// headers with no body, after which the tunnel begins.
func (cl *client) readConnectReply() (int, error) {
	line, err := cl.br.ReadString('\n')
	if err != nil {
		return 0, err
	}
	var minor, code int
	if _, err := fmt.Sscanf(line, "HTTP/1.%d %d", &minor, &code); err != nil {
		return 0, fmt.Errorf("bad CONNECT status line %q: %w", line, err)
	}
	for {
		h, err := cl.br.ReadString('\n')
		if err != nil {
			return 0, err
		}
		if strings.TrimRight(h, "\r\n") == "" {
			return code, nil
		}
	}
}

// closed reports whether the proxy hung up on the client.
func (cl *client) closed() bool {
	cl.c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := cl.br.ReadByte()
	return err == io.EOF
}

// startTLS upgrades the client connection, verifying the proxy's leaf
// against the test CA.
func (cl *client) startTLS(serverName string) *tls.Conn {
	cl.t.Helper()
	tc := tls.Client(cl.c, &tls.Config{ServerName: serverName, RootCAs: testCAPool(cl.t)})
	require.NoError(cl.t, tc.Handshake())
	cl.c = tc
	cl.br = bufio.NewReader(tc)
	return tc
}

func (p *stubServer) url(path string) string {
	return fmt.Sprintf("http://127.0.0.1:%d%s", p.Port(), path)
}

func onlyFlow(t *testing.T, s *Session) *models.Flow {
	t.Helper()
	require.Equal(t, 1, s.View.Len())
	return s.View.At(0).Snapshot()
}

// freePort returns a port nothing listens on.
func freePort(t *testing.T) int {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}
