package models

import "sync"

// View is the session's append-only flow log. Flows keep their insertion
// order and are never removed; they are mutated in place through their own
// setters.
type View struct {
	mu    sync.RWMutex
	flows []*Flow
	index map[string]*Flow
}

func NewView() *View {
	return &View{index: make(map[string]*Flow)}
}

// Append adds f at the end of the log. Appending a flow already present is a
// no-op.
func (v *View) Append(f *Flow) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.index[f.ID]; ok {
		return
	}
	v.flows = append(v.flows, f)
	v.index[f.ID] = f
}

func (v *View) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.flows)
}

// At returns the i-th flow in insertion order, or nil when out of range.
func (v *View) At(i int) *Flow {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if i < 0 || i >= len(v.flows) {
		return nil
	}
	return v.flows[i]
}

func (v *View) Get(id string) (*Flow, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	f, ok := v.index[id]
	return f, ok
}

// List returns the flows in insertion order. The slice is a copy; the flows
// are shared.
func (v *View) List() []*Flow {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]*Flow, len(v.flows))
	copy(out, v.flows)
	return out
}
