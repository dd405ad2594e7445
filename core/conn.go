package core

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"flowproxy/logger"
	"flowproxy/models"
)

// Destination is the (scheme, host, port) tuple upstream connections are
// keyed by.
type Destination struct {
	Scheme string
	Host   string
	Port   int
}

func (d Destination) Address() string {
	return net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
}

func (d Destination) String() string {
	return d.Scheme + "://" + d.Address()
}

func (d Destination) IsZero() bool {
	return d.Host == ""
}

func destinationOf(req *models.Request) Destination {
	return Destination{Scheme: req.Scheme, Host: req.Host, Port: req.Port}
}

// countingConn counts bytes moved in each direction.
type countingConn struct {
	net.Conn
	read    atomic.Int64
	written atomic.Int64
}

func (c *countingConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	c.read.Add(int64(n))
	return n, err
}

func (c *countingConn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	c.written.Add(int64(n))
	return n, err
}

type readCounter struct {
	r io.Reader
	n *atomic.Int64
}

func (rc readCounter) Read(p []byte) (int, error) {
	n, err := rc.r.Read(p)
	rc.n.Add(int64(n))
	return n, err
}

// prefixConn serves reads from a buffered reader that may already hold bytes
// taken off the underlying connection.
type prefixConn struct {
	net.Conn
	r io.Reader
}

func (c *prefixConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

// Conn is one side of a proxied exchange: a byte stream, plain or TLS, with a
// buffered reader for HTTP message parsing and lifecycle bookkeeping.
type Conn struct {
	raw     *countingConn
	conn    net.Conn
	br      *bufio.Reader
	Dest    Destination
	TLS     *tls.ConnectionState
	Created time.Time

	ClientCertSent bool

	// payload bytes read above the TLS layer
	plainRead atomic.Int64

	mu       sync.Mutex
	closed   bool
	uses     int
	lastUsed time.Time
}

func newConn(nc net.Conn) *Conn {
	raw := &countingConn{Conn: nc}
	now := time.Now()
	c := &Conn{
		raw:      raw,
		Created:  now,
		lastUsed: now,
	}
	c.setStream(raw)
	return c
}

func (c *Conn) setStream(nc net.Conn) {
	c.conn = nc
	c.br = bufio.NewReader(readCounter{r: nc, n: &c.plainRead})
}

func (c *Conn) RemoteAddr() string {
	return c.raw.RemoteAddr().String()
}

func (c *Conn) BytesRead() int64    { return c.raw.read.Load() }
func (c *Conn) BytesWritten() int64 { return c.raw.written.Load() }

// Uses is how many exchanges have completed on the connection.
func (c *Conn) Uses() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.uses
}

func (c *Conn) markUsed() {
	c.mu.Lock()
	c.uses++
	c.lastUsed = time.Now()
	c.mu.Unlock()
}

func (c *Conn) LastUsed() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastUsed
}

func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.conn.Close()
}

func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Write sends raw bytes.
func (c *Conn) Write(p []byte) (int, error) {
	return c.conn.Write(p)
}

// closeWriteAndDrain half-closes the connection and discards what the peer
// still sends for up to d, so unread input does not turn the close into a
// reset that destroys the last response.
func (c *Conn) closeWriteAndDrain(d time.Duration) {
	cw, ok := c.raw.Conn.(interface{ CloseWrite() error })
	if !ok {
		return
	}
	if err := cw.CloseWrite(); err != nil {
		return
	}
	c.raw.SetReadDeadline(time.Now().Add(d))
	io.Copy(io.Discard, c.raw)
}

// upgradeServer performs the client-facing TLS handshake. Bytes already
// buffered from the client are fed to the handshake.
func (c *Conn) upgradeServer(cfg *tls.Config) error {
	tc := tls.Server(&prefixConn{Conn: c.raw, r: c.br}, cfg)
	if err := tc.Handshake(); err != nil {
		return err
	}
	state := tc.ConnectionState()
	c.TLS = &state
	c.setStream(tc)
	return nil
}

// peek returns the next byte without consuming it.
func (c *Conn) peek() (byte, error) {
	b, err := c.br.Peek(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// ReadRequest reads the next client request.
func (c *Conn) ReadRequest(limit int64) (*models.Request, error) {
	return readRequest(c.br, limit)
}

// WriteRequest sends req upstream in origin form.
func (c *Conn) WriteRequest(req *models.Request) error {
	if _, err := c.conn.Write(assembleRequest(req)); err != nil {
		return &DisconnectError{Addr: c.Dest.Address(), Err: err}
	}
	return nil
}

// ReadResponse reads the upstream answer to a request with the given method.
func (c *Conn) ReadResponse(method string, limit int64) (*models.Response, bool, error) {
	before, pending := c.plainRead.Load(), c.br.Buffered()
	resp, untilClose, err := readResponse(c.br, method, limit)
	if err != nil {
		received := pending > 0 || c.plainRead.Load() > before
		if err == errBodyTooLarge {
			return nil, false, &ProtocolError{Code: http.StatusBadGateway, Msg: "response body exceeds size limit"}
		}
		var ne net.Error
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.As(err, &ne) || errors.Is(err, net.ErrClosed) {
			return nil, false, &DisconnectError{Addr: c.Dest.Address(), Received: received, Err: err}
		}
		return nil, false, &ProtocolError{Code: http.StatusBadGateway, Msg: err.Error()}
	}
	return resp, untilClose, nil
}

// WriteResponse sends resp to the client.
func (c *Conn) WriteResponse(resp *models.Response, method string) error {
	_, err := c.conn.Write(assembleResponse(resp, method))
	return err
}

// UpstreamOptions controls how upstream connections are opened.
type UpstreamOptions struct {
	ConnectTimeout time.Duration
	SkipTLSVerify  bool
	RootCAs        *x509.CertPool
	// ClientCertsDir holds <host>.pem files (certificate and key) presented
	// to the matching upstream server.
	ClientCertsDir string
}

func clientCertFor(dir, host string) (*tls.Certificate, error) {
	if dir == "" {
		return nil, nil
	}
	path := filepath.Join(dir, normalizeHost(host)+".pem")
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return LoadFixedCert(path)
}

// dialUpstream opens a fresh connection to dest, negotiating TLS for https.
func dialUpstream(ctx context.Context, dest Destination, opts UpstreamOptions) (*Conn, error) {
	if dest.Port <= 0 || dest.Port > 65535 {
		return nil, &ConnectError{Addr: dest.Address(), Err: fmt.Errorf("invalid port %d", dest.Port)}
	}
	d := net.Dialer{Timeout: opts.ConnectTimeout}
	nc, err := d.DialContext(ctx, "tcp", dest.Address())
	if err != nil {
		return nil, &ConnectError{Addr: dest.Address(), Err: err}
	}
	c := newConn(nc)
	c.Dest = dest
	if dest.Scheme != "https" {
		return c, nil
	}

	cfg := &tls.Config{
		InsecureSkipVerify: opts.SkipTLSVerify,
		RootCAs:            opts.RootCAs,
		NextProtos:         []string{"http/1.1"},
	}
	if net.ParseIP(dest.Host) == nil {
		cfg.ServerName = dest.Host
	}
	cert, err := clientCertFor(opts.ClientCertsDir, dest.Host)
	if err != nil {
		logger.ProxyWarn("Client certificate for %s unusable: %v", dest.Host, err)
	}
	if cert != nil {
		cfg.GetClientCertificate = func(*tls.CertificateRequestInfo) (*tls.Certificate, error) {
			c.ClientCertSent = true
			return cert, nil
		}
	}

	tc := tls.Client(c.raw, cfg)
	if opts.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.ConnectTimeout)
		defer cancel()
	}
	if err := tc.HandshakeContext(ctx); err != nil {
		nc.Close()
		return nil, &TLSError{Addr: dest.Address(), Err: err}
	}
	state := tc.ConnectionState()
	c.TLS = &state
	c.setStream(tc)
	return c, nil
}

// serverConnection describes c for a flow record.
func (c *Conn) serverConnection(reused bool) *models.ServerConnection {
	sc := &models.ServerConnection{
		Address:        c.RemoteAddr(),
		Reused:         reused,
		TLSEstablished: c.TLS != nil,
		ClientCertSent: c.ClientCertSent,
		Timestamp:      c.Created,
	}
	if c.TLS != nil && len(c.TLS.PeerCertificates) > 0 {
		sc.Cert = certInfo(c.TLS.PeerCertificates[0])
	}
	return sc
}
