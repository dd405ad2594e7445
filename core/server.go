package core

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"flowproxy/logger"
)

// Server accepts client connections and runs a handler goroutine for each.
type Server struct {
	Session *Session

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	ln     net.Listener
	conns  map[net.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

func NewServer(s *Session) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		Session: s,
		ctx:     ctx,
		cancel:  cancel,
		conns:   make(map[net.Conn]struct{}),
	}
}

// Listen binds addr without serving yet, so callers can learn the port.
func (srv *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv.mu.Lock()
	srv.ln = ln
	srv.mu.Unlock()
	return nil
}

// Addr is the bound address, nil before Listen.
func (srv *Server) Addr() net.Addr {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.ln == nil {
		return nil
	}
	return srv.ln.Addr()
}

func (srv *Server) ListenAndServe(addr string) error {
	if err := srv.Listen(addr); err != nil {
		return err
	}
	return srv.Serve()
}

// Serve runs the accept loop until Close.
func (srv *Server) Serve() error {
	srv.mu.Lock()
	ln := srv.ln
	srv.mu.Unlock()
	if ln == nil {
		return errors.New("proxy server is not listening")
	}
	logger.ProxyInfo("Proxy listening on %s (%s mode)", ln.Addr(), srv.Session.Options.Mode)

	var delay time.Duration
	for {
		nc, err := ln.Accept()
		if err != nil {
			if srv.isClosed() {
				return ErrServerClosed
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				if delay == 0 {
					delay = 5 * time.Millisecond
				} else if delay *= 2; delay > time.Second {
					delay = time.Second
				}
				logger.ProxyWarn("Accept error: %v; retrying in %v", err, delay)
				time.Sleep(delay)
				continue
			}
			return err
		}
		delay = 0
		if !srv.track(nc) {
			nc.Close()
			return ErrServerClosed
		}
		go func() {
			defer srv.untrack(nc)
			srv.Session.handle(srv.ctx, nc)
		}()
	}
}

func (srv *Server) isClosed() bool {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return srv.closed
}

func (srv *Server) track(nc net.Conn) bool {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.closed {
		return false
	}
	srv.conns[nc] = struct{}{}
	srv.wg.Add(1)
	return true
}

func (srv *Server) untrack(nc net.Conn) {
	srv.mu.Lock()
	delete(srv.conns, nc)
	srv.mu.Unlock()
	srv.wg.Done()
}

// Close stops accepting, drops every client connection and waits for the
// handlers to return.
func (srv *Server) Close() error {
	srv.mu.Lock()
	if srv.closed {
		srv.mu.Unlock()
		return nil
	}
	srv.closed = true
	var err error
	if srv.ln != nil {
		err = srv.ln.Close()
	}
	for nc := range srv.conns {
		nc.Close()
	}
	srv.mu.Unlock()

	srv.cancel()
	srv.wg.Wait()
	srv.Session.Close()
	return err
}

// Shutdown is Close bounded by ctx.
func (srv *Server) Shutdown(ctx context.Context) error {
	done := make(chan error, 1)
	go func() { done <- srv.Close() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
