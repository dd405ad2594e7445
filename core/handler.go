package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"flowproxy/logger"
	"flowproxy/models"
)

const tlsHandshakeRecord = 0x16

// clientHandler drives one accepted client connection.
type clientHandler struct {
	s      *Session
	ctx    context.Context
	client *Conn
	info   *models.ClientConnection

	// fixed is the destination every request goes to in reverse and
	// transparent modes, tunnel the CONNECT target once one is established.
	fixed    *Destination
	tunnel   *Destination
	lastDest Destination
}

func (s *Session) handle(ctx context.Context, nc net.Conn) {
	id := newFlowID()
	h := &clientHandler{
		s:      s,
		ctx:    ctx,
		client: newConn(nc),
		info: &models.ClientConnection{
			ID:        id,
			Address:   nc.RemoteAddr().String(),
			Timestamp: time.Now(),
		},
	}
	s.Events.Add(EventClientConnect, id, "%s", h.info.Address)

	defer func() {
		if r := recover(); r != nil {
			logger.ProxyError("Handler for %s panicked: %v", h.info.Address, r)
		}
		s.Pool.DiscardOwner(id)
		h.client.Close()
		s.Events.Add(EventClientDisconnect, id, "%s", h.info.Address)
	}()

	if err := h.setup(nc); err != nil {
		logger.ProxyWarn("Client %s: %v", h.info.Address, err)
		return
	}
	for h.handleOne() {
	}
}

// setup resolves the fixed destination for reverse and transparent modes and
// terminates client TLS when the first byte starts a handshake.
func (h *clientHandler) setup(nc net.Conn) error {
	opts := h.s.Options
	switch opts.Mode {
	case ModeReverse:
		d := opts.ReverseTarget
		h.fixed = &d
	case ModeTransparent:
		if opts.Resolver == nil {
			return errors.New("transparent mode without a destination resolver")
		}
		host, port, err := opts.Resolver.OriginalDestination(nc)
		if err != nil {
			return fmt.Errorf("resolving original destination: %w", err)
		}
		h.fixed = &Destination{Scheme: "http", Host: host, Port: port}
	default:
		return nil
	}

	b, err := h.client.peek()
	if err != nil {
		return err
	}
	if b != tlsHandshakeRecord {
		return nil
	}
	if err := h.startTLS(h.fixed.Host); err != nil {
		return err
	}
	if opts.Mode == ModeTransparent {
		h.fixed.Scheme = "https"
	}
	return nil
}

// startTLS terminates TLS from the client with a leaf for host, or for the
// SNI name the client sends.
func (h *clientHandler) startTLS(host string) error {
	if h.s.Certs == nil {
		return errors.New("TLS interception requires a certificate store")
	}
	if err := h.client.upgradeServer(h.s.Certs.ServerConfig(host)); err != nil {
		return fmt.Errorf("client TLS handshake: %w", err)
	}
	st := h.client.TLS
	h.info.TLSEstablished = true
	h.info.SNI = st.ServerName
	if len(st.PeerCertificates) > 0 {
		h.info.Cert = certInfo(st.PeerCertificates[0])
	}
	return nil
}

// sendError answers the client with a proxy-generated error and asks it to
// close the connection.
func (h *clientHandler) sendError(code int, msg string) {
	resp := simpleResponse(code, fmt.Sprintf("%s\n%s\n", http.StatusText(code), msg))
	resp.Headers.Add("Connection", "close")
	if err := h.client.WriteResponse(resp, ""); err != nil {
		logger.ProxyDebug("Writing %d to %s failed: %v", code, h.info.Address, err)
		return
	}
	h.client.closeWriteAndDrain(500 * time.Millisecond)
}

// readRequest reads the next request and fills in its destination. ok is
// false when the connection should close.
func (h *clientHandler) readRequest() (req *models.Request, ok bool) {
	req, err := h.client.ReadRequest(h.s.Options.BodySizeLimit)
	if err != nil {
		var pe *ProtocolError
		if errors.As(err, &pe) {
			logger.ProxyWarn("Client %s: %v", h.info.Address, pe)
			h.sendError(pe.Code, pe.Msg)
		} else if err != io.EOF {
			logger.ProxyDebug("Client %s went away: %v", h.info.Address, err)
		}
		return nil, false
	}

	switch {
	case req.Method == http.MethodConnect:
		if h.fixed != nil || h.tunnel != nil {
			h.sendError(http.StatusBadRequest, "CONNECT not allowed here")
			return nil, false
		}
	case h.fixed != nil:
		req.Scheme, req.Host, req.Port = h.fixed.Scheme, h.fixed.Host, h.fixed.Port
	case h.tunnel != nil:
		req.Scheme, req.Host, req.Port = h.tunnel.Scheme, h.tunnel.Host, h.tunnel.Port
	case req.Form != models.FormAbsolute:
		h.sendError(http.StatusBadRequest, "Invalid request: proxy requests must use an absolute URL")
		return nil, false
	}
	return req, true
}

// connect answers a CONNECT and intercepts the tunnel.
func (h *clientHandler) connect(req *models.Request) bool {
	if _, err := h.client.Write([]byte("HTTP/1.1 200 Connection established\r\n\r\n")); err != nil {
		return false
	}
	if err := h.startTLS(req.Host); err != nil {
		logger.ProxyWarn("Client %s, CONNECT %s: %v", h.info.Address, req.Address(), err)
		return false
	}
	h.tunnel = &Destination{Scheme: "https", Host: req.Host, Port: req.Port}
	return true
}

// handleOne runs one request/response cycle. It reports whether the client
// connection stays open.
func (h *clientHandler) handleOne() bool {
	req, ok := h.readRequest()
	if !ok {
		return false
	}
	if req.Method == http.MethodConnect {
		return h.connect(req)
	}

	if app := h.s.app(req.Host); app != nil && h.tunnel == nil {
		resp := serveApp(app, req)
		if err := h.client.WriteResponse(resp, req.Method); err != nil {
			return false
		}
		return !wantsClose(req.HTTPVersion, req.Headers)
	}

	cc := *h.info
	f := models.NewFlow(newFlowID(), &cc, req)
	h.s.addFlow(f)
	logger.ProxyDebug("Flow %s: %s %s", f.ID, req.Method, req.URL())

	v := h.s.checkpoint(PhaseRequest, f)
	switch v.Kind {
	case VerdictKill:
		f.Kill()
		h.s.save(f)
		return false
	case VerdictReplace:
		if v.Response != nil {
			f.SetResponse(v.Response)
			h.s.save(f)
			if err := h.client.WriteResponse(v.Response, req.Method); err != nil {
				return false
			}
			return !wantsClose(req.HTTPVersion, req.Headers) && !wantsClose(v.Response.HTTPVersion, v.Response.Headers)
		}
		if v.Request != nil {
			req = v.Request
			f.SetRequest(req)
		}
	}

	resp, server, reusable, err := h.exchange(f, req)
	if err != nil {
		kind := classify(err)
		logger.ProxyWarn("Flow %s: %v", f.ID, err)
		f.SetError(kind, err.Error())
		h.s.save(f)
		var pe *ProtocolError
		switch {
		case kind == models.ErrorConnect:
			h.sendError(http.StatusBadGateway, err.Error())
		case kind == models.ErrorTLS:
			h.sendError(http.StatusBadRequest, err.Error())
		case errors.As(err, &pe):
			h.sendError(pe.Code, pe.Msg)
		}
		return false
	}

	// The controller inspects the upstream response on the flow.
	f.SetResponse(resp)
	v = h.s.checkpoint(PhaseResponse, f)
	switch v.Kind {
	case VerdictKill:
		f.Kill()
		h.s.save(f)
		h.s.Pool.Discard(server)
		return false
	case VerdictReplace:
		if v.Response != nil {
			resp = v.Response
			f.SetResponse(resp)
		} else {
			logger.ProxyWarn("Flow %s: request replacement at response checkpoint ignored", f.ID)
		}
	}
	h.s.save(f)

	if err := h.client.WriteResponse(resp, req.Method); err != nil {
		logger.ProxyDebug("Flow %s: writing response to client failed: %v", f.ID, err)
		h.s.Pool.Discard(server)
		return false
	}
	if reusable {
		h.s.Pool.Release(h.info.ID, server)
	} else {
		h.s.Pool.Discard(server)
	}
	return !wantsClose(req.HTTPVersion, req.Headers) && !wantsClose(resp.HTTPVersion, resp.Headers)
}

// exchange sends req upstream and reads the response. A pooled connection that
// turns out dead before answering is replaced once by a fresh one. reusable
// reports whether the returned connection can go back to the pool.
func (h *clientHandler) exchange(f *models.Flow, req *models.Request) (*models.Response, *Conn, bool, error) {
	dest := destinationOf(req)
	owner := h.info.ID
	if !h.lastDest.IsZero() && h.lastDest != dest {
		h.s.Events.Add(EventSwitching, owner, "%s -> %s", h.lastDest, dest)
	}
	h.lastDest = dest

	conn := h.s.Pool.Acquire(owner, dest)
	reused := conn != nil
	if conn == nil {
		var err error
		if conn, err = h.dial(dest); err != nil {
			return nil, nil, false, err
		}
	}

	for attempt := 0; ; attempt++ {
		f.SetServerConn(conn.serverConnection(reused))
		err := conn.WriteRequest(req)
		if err == nil {
			var (
				resp       *models.Response
				untilClose bool
			)
			resp, untilClose, err = conn.ReadResponse(req.Method, h.s.Options.BodySizeLimit)
			if err == nil {
				conn.markUsed()
				reusable := !untilClose && !wantsClose(resp.HTTPVersion, resp.Headers)
				return resp, conn, reusable, nil
			}
		}
		h.s.Pool.Discard(conn)

		var de *DisconnectError
		if reused && attempt == 0 && errors.As(err, &de) && !de.Received {
			h.s.Events.Add(EventReconnect, owner, "%s: %v", dest, err)
			if conn, err = h.dial(dest); err != nil {
				return nil, nil, false, err
			}
			reused = false
			continue
		}
		return nil, nil, false, err
	}
}

func (h *clientHandler) dial(dest Destination) (*Conn, error) {
	conn, err := dialUpstream(h.ctx, dest, h.s.Options.Upstream)
	if err != nil {
		return nil, err
	}
	h.s.Events.Add(EventServerConnect, h.info.ID, "%s", dest)
	return conn, nil
}
