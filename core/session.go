package core

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"flowproxy/logger"
	"flowproxy/models"

	"github.com/google/uuid"
)

// Mode selects how the proxy learns a request's destination.
type Mode string

const (
	ModeRegular     Mode = "regular"
	ModeReverse     Mode = "reverse"
	ModeTransparent Mode = "transparent"
)

func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "", ModeRegular:
		return ModeRegular, nil
	case ModeReverse, ModeTransparent:
		return m, nil
	}
	return "", fmt.Errorf("unknown proxy mode %q", s)
}

// ParseReverseTarget turns a URL such as https://backend:8443 into a
// destination.
func ParseReverseTarget(raw string) (Destination, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Destination{}, fmt.Errorf("invalid reverse target %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return Destination{}, fmt.Errorf("invalid reverse target %q: scheme must be http or https", raw)
	}
	port := defaultPort(u.Scheme)
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return Destination{}, fmt.Errorf("invalid reverse target port %q", p)
		}
	}
	if u.Hostname() == "" {
		return Destination{}, fmt.Errorf("invalid reverse target %q: missing host", raw)
	}
	return Destination{Scheme: u.Scheme, Host: u.Hostname(), Port: port}, nil
}

// Options is the engine configuration.
type Options struct {
	Mode          Mode
	ReverseTarget Destination
	Upstream      UpstreamOptions
	BodySizeLimit int64
	Pool          PoolOptions
	EventLogSize  int
	// Resolver recovers original destinations in transparent mode.
	Resolver DestinationResolver
}

// FlowSink receives flows as they change state.
type FlowSink interface {
	SaveFlow(f *models.Flow) error
}

// Session is the shared state of one proxy instance: the flow view, the
// controller and everything reused across client connections.
type Session struct {
	View       *models.View
	Controller Controller
	Certs      *CertStore
	Pool       *Pool
	Events     *EventLog
	Sink       FlowSink
	Options    Options

	appsMu sync.RWMutex
	apps   map[string]http.Handler

	replayMu  sync.Mutex
	replaying map[string]bool
}

// NewSession builds a session. A nil controller forwards everything.
func NewSession(opts Options, certs *CertStore, ctrl Controller) *Session {
	if ctrl == nil {
		ctrl = Passthrough
	}
	if opts.Mode == "" {
		opts.Mode = ModeRegular
	}
	s := &Session{
		View:       models.NewView(),
		Controller: ctrl,
		Certs:      certs,
		Pool:       NewPool(opts.Pool),
		Events:     NewEventLog(opts.EventLogSize),
		Options:    opts,
		apps:       make(map[string]http.Handler),
		replaying:  make(map[string]bool),
	}
	s.MountApp(ErrAppHost, ErrApp())
	return s
}

// MountApp serves h for requests addressed to host through the proxy.
func (s *Session) MountApp(host string, h http.Handler) {
	s.appsMu.Lock()
	s.apps[strings.ToLower(host)] = h
	s.appsMu.Unlock()
}

func (s *Session) app(host string) http.Handler {
	if s.Options.Mode != ModeRegular {
		return nil
	}
	s.appsMu.RLock()
	defer s.appsMu.RUnlock()
	return s.apps[strings.ToLower(host)]
}

func newFlowID() string {
	return uuid.New().String()
}

// addFlow appends f to the view and journals it.
func (s *Session) addFlow(f *models.Flow) {
	s.View.Append(f)
	s.save(f)
}

func (s *Session) save(f *models.Flow) {
	if s.Sink == nil {
		return
	}
	if err := s.Sink.SaveFlow(f); err != nil {
		logger.ProxyError("Saving flow %s failed: %v", f.ID, err)
	}
}

// checkpoint runs the controller for one phase. A panicking controller kills
// the flow.
func (s *Session) checkpoint(phase Phase, f *models.Flow) (v Verdict) {
	defer func() {
		if r := recover(); r != nil {
			logger.ProxyError("Controller panicked at %s checkpoint of flow %s: %v", phase, f.ID, r)
			v = Kill()
		}
	}()
	if phase == PhaseRequest {
		return s.Controller.OnRequest(f)
	}
	return s.Controller.OnResponse(f)
}

// Close releases pooled connections.
func (s *Session) Close() {
	s.Pool.Close()
}

// Event kinds recorded in the session event log.
const (
	EventClientConnect    = "client connect"
	EventClientDisconnect = "client disconnect"
	EventServerConnect    = "server connect"
	EventSwitching        = "connection switching"
	EventReconnect        = "reconnect"
	EventReplay           = "replay"
)

type Event struct {
	Time   time.Time `json:"time"`
	Kind   string    `json:"kind"`
	Client string    `json:"client,omitempty"`
	Detail string    `json:"detail,omitempty"`
}

// EventLog is a bounded ring of connection lifecycle events.
type EventLog struct {
	mu     sync.Mutex
	events []Event
	next   int
	full   bool
}

func NewEventLog(size int) *EventLog {
	if size <= 0 {
		size = 1024
	}
	return &EventLog{events: make([]Event, size)}
}

func (l *EventLog) Add(kind, client, format string, v ...interface{}) {
	e := Event{Time: time.Now(), Kind: kind, Client: client, Detail: fmt.Sprintf(format, v...)}
	l.mu.Lock()
	l.events[l.next] = e
	l.next = (l.next + 1) % len(l.events)
	if l.next == 0 {
		l.full = true
	}
	l.mu.Unlock()
	logger.ProxyDebug("[%s] %s %s", client, kind, e.Detail)
}

// List returns events oldest first.
func (l *EventLog) List() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.full {
		return append([]Event(nil), l.events[:l.next]...)
	}
	out := make([]Event, 0, len(l.events))
	out = append(out, l.events[l.next:]...)
	return append(out, l.events[:l.next]...)
}

// Count returns how many retained events have the given kind.
func (l *EventLog) Count(kind string) int {
	n := 0
	for _, e := range l.List() {
		if e.Kind == kind {
			n++
		}
	}
	return n
}
