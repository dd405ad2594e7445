package core

import (
	"sync"

	"flowproxy/models"
)

type VerdictKind int

const (
	VerdictForward VerdictKind = iota
	VerdictReplace
	VerdictKill
)

func (k VerdictKind) String() string {
	switch k {
	case VerdictForward:
		return "forward"
	case VerdictReplace:
		return "replace"
	case VerdictKill:
		return "kill"
	}
	return "unknown"
}

// Verdict is a controller decision at one checkpoint. Replace carries either a
// Request (request phase only) or a Response. A Response at the request phase
// answers the client without contacting upstream.
type Verdict struct {
	Kind     VerdictKind
	Request  *models.Request
	Response *models.Response
}

func Forward() Verdict { return Verdict{Kind: VerdictForward} }

func Kill() Verdict { return Verdict{Kind: VerdictKill} }

func ReplaceRequest(r *models.Request) Verdict {
	return Verdict{Kind: VerdictReplace, Request: r}
}

func ReplaceResponse(r *models.Response) Verdict {
	return Verdict{Kind: VerdictReplace, Response: r}
}

type Phase string

const (
	PhaseRequest  Phase = "request"
	PhaseResponse Phase = "response"
)

// Controller decides the fate of each flow. Both methods block the flow's
// connection until they return and must return exactly once per call.
type Controller interface {
	OnRequest(f *models.Flow) Verdict
	OnResponse(f *models.Flow) Verdict
}

// Funcs adapts plain functions to Controller. A nil function forwards.
type Funcs struct {
	Request  func(f *models.Flow) Verdict
	Response func(f *models.Flow) Verdict
}

func (fs Funcs) OnRequest(f *models.Flow) Verdict {
	if fs.Request == nil {
		return Forward()
	}
	return fs.Request(f)
}

func (fs Funcs) OnResponse(f *models.Flow) Verdict {
	if fs.Response == nil {
		return Forward()
	}
	return fs.Response(f)
}

// Passthrough forwards everything unchanged.
var Passthrough Controller = Funcs{}

// Checkpoint is one pending decision delivered by ChannelController.
type Checkpoint struct {
	Phase Phase
	Flow  *models.Flow

	reply chan Verdict
	mu    sync.Mutex
	done  bool
}

// Reply delivers the verdict. Only the first call counts.
func (c *Checkpoint) Reply(v Verdict) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done {
		return ErrAlreadyReplied
	}
	c.done = true
	c.reply <- v
	return nil
}

// ChannelController hands each checkpoint to whoever receives from C and
// blocks the connection until that receiver replies.
type ChannelController struct {
	C chan *Checkpoint
}

func NewChannelController(buffer int) *ChannelController {
	return &ChannelController{C: make(chan *Checkpoint, buffer)}
}

func (cc *ChannelController) wait(phase Phase, f *models.Flow) Verdict {
	cp := &Checkpoint{Phase: phase, Flow: f, reply: make(chan Verdict, 1)}
	cc.C <- cp
	return <-cp.reply
}

func (cc *ChannelController) OnRequest(f *models.Flow) Verdict {
	return cc.wait(PhaseRequest, f)
}

func (cc *ChannelController) OnResponse(f *models.Flow) Verdict {
	return cc.wait(PhaseResponse, f)
}
