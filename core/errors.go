package core

import (
	"errors"
	"fmt"
	"net/http"

	"flowproxy/models"
)

var (
	// ErrFlowLive is returned when replaying a flow that has not finished.
	ErrFlowLive = errors.New("flow is still live")
	// ErrReplayInProgress is returned when the flow is already being replayed.
	ErrReplayInProgress = errors.New("flow is already being replayed")
	// ErrAlreadyReplied is returned by Checkpoint.Reply on a second verdict.
	ErrAlreadyReplied = errors.New("checkpoint already has a verdict")
	// ErrServerClosed is returned by Serve after Close.
	ErrServerClosed = errors.New("proxy server closed")
)

// ProtocolError is malformed or unacceptable client input. Code is the status
// sent back before the connection is closed.
type ProtocolError struct {
	Code int
	Msg  string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.Code, http.StatusText(e.Code), e.Msg)
}

func badRequest(format string, v ...interface{}) *ProtocolError {
	return &ProtocolError{Code: http.StatusBadRequest, Msg: fmt.Sprintf(format, v...)}
}

// ConnectError means no connection to the destination could be made, so
// nothing of the request was sent.
type ConnectError struct {
	Addr string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("failed to connect to %s: %v", e.Addr, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// TLSError is a failed TLS negotiation with the upstream server.
type TLSError struct {
	Addr string
	Err  error
}

func (e *TLSError) Error() string {
	return fmt.Sprintf("TLS handshake with %s failed: %v", e.Addr, e.Err)
}

func (e *TLSError) Unwrap() error { return e.Err }

// DisconnectError is an I/O failure on an active exchange. Received records
// whether any response byte was read in the failing attempt.
type DisconnectError struct {
	Addr     string
	Received bool
	Err      error
}

func (e *DisconnectError) Error() string {
	return fmt.Sprintf("server disconnect (%s): %v", e.Addr, e.Err)
}

func (e *DisconnectError) Unwrap() error { return e.Err }

// classify maps an upstream failure onto the flow error taxonomy.
func classify(err error) models.ErrorKind {
	var (
		ce *ConnectError
		te *TLSError
		pe *ProtocolError
	)
	switch {
	case errors.As(err, &ce):
		return models.ErrorConnect
	case errors.As(err, &te):
		return models.ErrorTLS
	case errors.As(err, &pe):
		return models.ErrorProtocol
	default:
		return models.ErrorDisconnect
	}
}
