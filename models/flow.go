package models

import (
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"
)

// Request forms as they arrived on the wire.
const (
	FormRelative  = "relative"  // GET /path HTTP/1.1
	FormAbsolute  = "absolute"  // GET http://host/path HTTP/1.1
	FormAuthority = "authority" // CONNECT host:port HTTP/1.1
)

type Request struct {
	Method         string    `json:"method" example:"GET"`
	Scheme         string    `json:"scheme" example:"https"`
	Host           string    `json:"host" example:"example.com"`
	Port           int       `json:"port" example:"443"`
	Path           string    `json:"path" example:"/api/data?id=123"`
	HTTPVersion    string    `json:"http_version" example:"HTTP/1.1"`
	Form           string    `json:"form,omitempty"`
	Headers        Headers   `json:"headers"`
	Content        []byte    `json:"content,omitempty"`
	TimestampStart time.Time `json:"timestamp_start"`
	TimestampEnd   time.Time `json:"timestamp_end"`
}

// Address is the host:port destination of the request.
func (r *Request) Address() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
}

// URL renders the absolute URL, omitting the port when it is the scheme default.
func (r *Request) URL() string {
	host := r.Host
	if (r.Scheme == "http" && r.Port != 80) || (r.Scheme == "https" && r.Port != 443) {
		host = net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
	} else if ip := net.ParseIP(host); ip != nil && ip.To4() == nil {
		host = "[" + host + "]"
	}
	return fmt.Sprintf("%s://%s%s", r.Scheme, host, r.Path)
}

// Clone returns a deep copy.
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	c := *r
	c.Headers = r.Headers.Clone()
	if r.Content != nil {
		c.Content = append([]byte(nil), r.Content...)
	}
	return &c
}

// Duration is the time spent reading the message, zero until it is complete.
func (r *Request) Duration() time.Duration {
	if r.TimestampEnd.IsZero() {
		return 0
	}
	return r.TimestampEnd.Sub(r.TimestampStart)
}

type Response struct {
	StatusCode     int       `json:"status_code" example:"200"`
	Reason         string    `json:"reason" example:"OK"`
	HTTPVersion    string    `json:"http_version" example:"HTTP/1.1"`
	Headers        Headers   `json:"headers"`
	Content        []byte    `json:"content,omitempty"`
	TimestampStart time.Time `json:"timestamp_start"`
	TimestampEnd   time.Time `json:"timestamp_end"`
}

func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	c := *r
	c.Headers = r.Headers.Clone()
	if r.Content != nil {
		c.Content = append([]byte(nil), r.Content...)
	}
	return &c
}

func (r *Response) Duration() time.Duration {
	if r.TimestampEnd.IsZero() {
		return 0
	}
	return r.TimestampEnd.Sub(r.TimestampStart)
}

// CertInfo summarises a certificate seen during a handshake.
type CertInfo struct {
	Subject  string    `json:"subject"`
	Issuer   string    `json:"issuer,omitempty"`
	KeyInfo  string    `json:"keyinfo" example:"RSA 2048"`
	Serial   string    `json:"serial,omitempty"`
	NotAfter time.Time `json:"not_after"`
}

type ClientConnection struct {
	ID             string    `json:"id"`
	Address        string    `json:"address" example:"127.0.0.1:51234"`
	TLSEstablished bool      `json:"tls_established"`
	SNI            string    `json:"sni,omitempty"`
	Cert           *CertInfo `json:"cert,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

type ServerConnection struct {
	Address        string    `json:"address" example:"93.184.216.34:443"`
	Reused         bool      `json:"reused"`
	TLSEstablished bool      `json:"tls_established"`
	Cert           *CertInfo `json:"cert,omitempty"`
	ClientCertSent bool      `json:"client_cert_sent,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

type ErrorKind string

const (
	ErrorConnect    ErrorKind = "connect"
	ErrorDisconnect ErrorKind = "disconnect"
	ErrorTLS        ErrorKind = "tls"
	ErrorKilled     ErrorKind = "killed"
	ErrorProtocol   ErrorKind = "protocol"
)

// ErrKilled is the message recorded on flows ended by a kill verdict.
const ErrKilled = "Connection killed"

// FlowError records why a flow ended abnormally.
type FlowError struct {
	Kind      ErrorKind `json:"kind"`
	Msg       string    `json:"msg"`
	Timestamp time.Time `json:"timestamp"`
}

func (e *FlowError) Error() string {
	return e.Msg
}

// Flow is one captured exchange. Fields are written by a single owner at a
// time (its handler, later a replay); the embedded mutex orders those writes
// against concurrent readers such as the control API.
type Flow struct {
	mu sync.Mutex

	ID         string            `json:"id"`
	ClientConn *ClientConnection `json:"client_conn"`
	ServerConn *ServerConnection `json:"server_conn,omitempty"`
	Request    *Request          `json:"request"`
	Response   *Response         `json:"response,omitempty"`
	Error      *FlowError        `json:"error,omitempty"`
	Killed     bool              `json:"killed"`
}

func NewFlow(id string, client *ClientConnection, req *Request) *Flow {
	return &Flow{ID: id, ClientConn: client, Request: req}
}

func (f *Flow) SetRequest(r *Request) {
	f.mu.Lock()
	f.Request = r
	f.mu.Unlock()
}

func (f *Flow) SetServerConn(sc *ServerConnection) {
	f.mu.Lock()
	f.ServerConn = sc
	f.mu.Unlock()
}

// SetResponse attaches a completed response and clears any earlier error or
// kill mark.
func (f *Flow) SetResponse(r *Response) {
	f.mu.Lock()
	f.Response = r
	f.Error = nil
	f.Killed = false
	f.mu.Unlock()
}

// SetError records a terminal error. An earlier response is left in place.
func (f *Flow) SetError(kind ErrorKind, msg string) {
	f.mu.Lock()
	f.Error = &FlowError{Kind: kind, Msg: msg, Timestamp: time.Now()}
	f.mu.Unlock()
}

// Kill marks the flow as killed by the controller. A response that had been
// read is dropped.
func (f *Flow) Kill() {
	f.mu.Lock()
	f.Killed = true
	f.Response = nil
	f.Error = &FlowError{Kind: ErrorKilled, Msg: ErrKilled, Timestamp: time.Now()}
	f.mu.Unlock()
}

// Live reports whether the flow has reached neither terminal state.
func (f *Flow) Live() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Response == nil && f.Error == nil
}

// Snapshot returns a copy of the flow taken under its lock. Messages are
// deep-copied so the caller may read them while the owner keeps writing.
func (f *Flow) Snapshot() *Flow {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := &Flow{
		ID:       f.ID,
		Request:  f.Request.Clone(),
		Response: f.Response.Clone(),
		Killed:   f.Killed,
	}
	if f.ClientConn != nil {
		cc := *f.ClientConn
		c.ClientConn = &cc
	}
	if f.ServerConn != nil {
		sc := *f.ServerConn
		c.ServerConn = &sc
	}
	if f.Error != nil {
		e := *f.Error
		c.Error = &e
	}
	return c
}
