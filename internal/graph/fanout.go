package graph

import (
	"fmt"
	"sync"

	"github.com/irdkwmnsb/webrtc-grabber/packages/ssrc-relay/internal/domain"
)

// Fanout duplicates every packet of its path to the attached outputs.
// Outputs that are not linked do not stall the path.
type Fanout struct {
	id    string
	path  *Path
	graph *Graph

	mu      sync.RWMutex
	outputs []*Output
	closed  bool
}

var _ domain.Fanout = (*Fanout)(nil)

func (f *Fanout) ID() string {
	return f.id
}

func (f *Fanout) push(pkt []byte) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	for _, out := range f.outputs {
		out.push(pkt)
	}
}

func (f *Fanout) Attach(out domain.Output) error {
	o, ok := out.(*Output)
	if !ok || o.graph != f.graph {
		return fmt.Errorf("output %s does not belong to the %s graph", out.ID(), f.graph.kind)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return fmt.Errorf("fanout %s: %w", f.id, domain.ErrElementClosed)
	}
	if o.closed.Load() {
		return fmt.Errorf("output %s: %w", o.id, domain.ErrElementClosed)
	}
	if !o.attached.CompareAndSwap(false, true) {
		return fmt.Errorf("output %s is already attached", o.id)
	}

	f.outputs = append(f.outputs, o)
	return nil
}

func (f *Fanout) Detach(out domain.Output) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i, o := range f.outputs {
		if o.ID() == out.ID() {
			f.outputs = append(f.outputs[:i], f.outputs[i+1:]...)
			o.attached.Store(false)
			return nil
		}
	}
	return fmt.Errorf("output %s on fanout %s: %w", out.ID(), f.id, domain.ErrNotAttached)
}

// Activate starts delivery: packets held since the path was first seen go
// out to the outputs attached so far, then the fanout receives live traffic.
func (f *Fanout) Activate() error {
	f.mu.RLock()
	closed := f.closed
	f.mu.RUnlock()
	if closed || !f.path.activate(f) {
		return fmt.Errorf("fanout %s: %w", f.id, domain.ErrElementClosed)
	}
	return nil
}

func (f *Fanout) OutputCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.outputs)
}

// Close unbinds the fanout from its path. It refuses while outputs remain.
func (f *Fanout) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	if len(f.outputs) > 0 {
		n := len(f.outputs)
		f.mu.Unlock()
		return fmt.Errorf("fanout %s has %d outputs: %w", f.id, n, domain.ErrFanoutBusy)
	}
	f.closed = true
	f.mu.Unlock()

	f.path.unsetSink(f)
	f.graph.forget(f.id)
	return nil
}

// shutdown drops every output reference and unbinds the fanout regardless of
// how many outputs are still attached.
func (f *Fanout) shutdown() {
	f.mu.Lock()
	for _, o := range f.outputs {
		o.attached.Store(false)
	}
	f.outputs = nil
	f.mu.Unlock()
	_ = f.Close()
}
