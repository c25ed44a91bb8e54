package router

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/irdkwmnsb/webrtc-grabber/packages/ssrc-relay/internal/domain"
)

var errInjected = errors.New("injected failure")

// fakeGraph records every element it creates and destroys so tests can check
// that each one is destroyed exactly once.
type fakeGraph struct {
	kind domain.MediaKind

	mu        sync.Mutex
	handler   domain.ClaimHandler
	seq       int
	events    []string
	closes    map[string]int
	released  []uint32
	failPorts map[int]bool
	failClose map[int]bool
	failFan   bool
}

func newFakeGraph(kind domain.MediaKind) *fakeGraph {
	return &fakeGraph{
		kind:      kind,
		closes:    make(map[string]int),
		failPorts: make(map[int]bool),
		failClose: make(map[int]bool),
	}
}

func (g *fakeGraph) Kind() domain.MediaKind { return g.kind }

func (g *fakeGraph) SetClaimHandler(h domain.ClaimHandler) {
	g.mu.Lock()
	g.handler = h
	g.mu.Unlock()
}

// announce simulates the first packet of ssrc reaching the demuxer.
func (g *fakeGraph) announce(ssrc uint32) *fakePath {
	p := &fakePath{ssrc: ssrc, kind: g.kind}
	g.claim(p)
	return p
}

func (g *fakeGraph) claim(p *fakePath) {
	g.mu.Lock()
	h := g.handler
	g.mu.Unlock()
	h(p.ssrc, g.kind, p)
}

func (g *fakeGraph) record(format string, args ...any) {
	g.events = append(g.events, fmt.Sprintf(format, args...))
}

func (g *fakeGraph) nextID(prefix string) string {
	g.seq++
	return fmt.Sprintf("%s-%d", prefix, g.seq)
}

func (g *fakeGraph) AttachDangling(path domain.Path) (domain.DanglingSink, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	d := &fakeDangling{id: g.nextID("dangling"), g: g, path: path.(*fakePath), last: time.Now()}
	g.closes[d.id] = 0
	g.record("dangling %d", path.SSRC())
	return d, nil
}

func (g *fakeGraph) NewFanout(path domain.Path) (domain.Fanout, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.failFan {
		return nil, errInjected
	}
	if path.Released() {
		return nil, domain.ErrPathReleased
	}
	f := &fakeFanout{id: g.nextID("fanout"), g: g, path: path.(*fakePath)}
	g.closes[f.id] = 0
	g.record("fanout %d", path.SSRC())
	return f, nil
}

func (g *fakeGraph) NewOutput(host string, port int) (domain.Output, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.failPorts[port] {
		return nil, errInjected
	}
	o := &fakeOutput{id: g.nextID("output"), g: g, host: host, port: port, failClose: g.failClose[port]}
	g.closes[o.id] = 0
	return o, nil
}

func (g *fakeGraph) ReleasePath(path domain.Path) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	path.(*fakePath).released.Store(true)
	g.released = append(g.released, path.SSRC())
	g.record("release %d", path.SSRC())
	return nil
}

func (g *fakeGraph) destroyed(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closes[id]++
}

// live returns the ids of elements that were never destroyed.
func (g *fakeGraph) live() []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	var ids []string
	for id, n := range g.closes {
		if n == 0 {
			ids = append(ids, id)
		}
	}
	return ids
}

// overDestroyed returns the ids of elements destroyed more than once.
func (g *fakeGraph) overDestroyed() []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	var ids []string
	for id, n := range g.closes {
		if n > 1 {
			ids = append(ids, id)
		}
	}
	return ids
}

func (g *fakeGraph) eventLog() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.events...)
}

func (g *fakeGraph) count(prefix string) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	n := 0
	for id := range g.closes {
		if len(id) > len(prefix) && id[:len(prefix)] == prefix {
			n++
		}
	}
	return n
}

type fakePath struct {
	ssrc     uint32
	kind     domain.MediaKind
	released atomic.Bool
}

func (p *fakePath) SSRC() uint32           { return p.ssrc }
func (p *fakePath) Kind() domain.MediaKind { return p.kind }
func (p *fakePath) Released() bool         { return p.released.Load() }

type fakeDangling struct {
	id        string
	g         *fakeGraph
	path      *fakePath
	last      time.Time
	discarded uint64
}

func (d *fakeDangling) ID() string              { return d.id }
func (d *fakeDangling) LastActivity() time.Time { return d.last }
func (d *fakeDangling) Discarded() uint64       { return d.discarded }

func (d *fakeDangling) Close() error {
	d.g.destroyed(d.id)
	return nil
}

type fakeFanout struct {
	id      string
	g       *fakeGraph
	path    *fakePath
	outputs []*fakeOutput
}

func (f *fakeFanout) ID() string { return f.id }

func (f *fakeFanout) Attach(out domain.Output) error {
	f.g.mu.Lock()
	defer f.g.mu.Unlock()

	o := out.(*fakeOutput)
	f.outputs = append(f.outputs, o)
	f.g.record("attach %s:%d", o.host, o.port)
	return nil
}

func (f *fakeFanout) Detach(out domain.Output) error {
	f.g.mu.Lock()
	defer f.g.mu.Unlock()

	for i, o := range f.outputs {
		if o.id == out.ID() {
			f.outputs = append(f.outputs[:i], f.outputs[i+1:]...)
			f.g.record("detach %s:%d", o.host, o.port)
			return nil
		}
	}
	return domain.ErrNotAttached
}

func (f *fakeFanout) Activate() error {
	f.g.mu.Lock()
	defer f.g.mu.Unlock()
	f.g.record("activate %d", f.path.SSRC())
	return nil
}

func (f *fakeFanout) OutputCount() int {
	f.g.mu.Lock()
	defer f.g.mu.Unlock()
	return len(f.outputs)
}

func (f *fakeFanout) Close() error {
	if n := f.OutputCount(); n > 0 {
		return fmt.Errorf("%d outputs: %w", n, domain.ErrFanoutBusy)
	}
	f.g.destroyed(f.id)
	return nil
}

type fakeOutput struct {
	id        string
	g         *fakeGraph
	host      string
	port      int
	failClose bool
}

func (o *fakeOutput) ID() string   { return o.id }
func (o *fakeOutput) Host() string { return o.host }
func (o *fakeOutput) Port() int    { return o.port }

func (o *fakeOutput) Close() error {
	o.g.destroyed(o.id)
	if o.failClose {
		return errInjected
	}
	return nil
}
