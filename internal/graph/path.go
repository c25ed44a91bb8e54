package graph

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/irdkwmnsb/webrtc-grabber/packages/ssrc-relay/internal/domain"
	"github.com/irdkwmnsb/webrtc-grabber/packages/ssrc-relay/internal/metrics"
)

// sink receives the packets of a Path. Implementations must not retain pkt
// after push returns.
type sink interface {
	push(pkt []byte)
}

type sinkRef struct {
	s sink
}

// pendingLimit bounds how many packets a path holds while it has no live
// sink. They are replayed into the next sink that goes live.
const pendingLimit = 32

// Path is the demux output for one SSRC. Its sink is swapped atomically so
// the read loop never takes a lock on the hot path.
type Path struct {
	ssrc      uint32
	kind      domain.MediaKind
	firstSeen time.Time

	sink     atomic.Pointer[sinkRef]
	released atomic.Bool
	received atomic.Uint64

	// mu orders the pending replay against packets arriving meanwhile.
	mu      sync.Mutex
	pending [][]byte
	staged  sink
}

var _ domain.Path = (*Path)(nil)

func newPath(ssrc uint32, kind domain.MediaKind) *Path {
	return &Path{
		ssrc:      ssrc,
		kind:      kind,
		firstSeen: time.Now(),
	}
}

func (p *Path) SSRC() uint32 {
	return p.ssrc
}

func (p *Path) Kind() domain.MediaKind {
	return p.kind
}

func (p *Path) Released() bool {
	return p.released.Load()
}

// Received returns the number of packets demuxed onto this path.
func (p *Path) Received() uint64 {
	return p.received.Load()
}

func (p *Path) push(pkt []byte) {
	p.received.Add(1)
	if ref := p.sink.Load(); ref != nil {
		ref.s.push(pkt)
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	// the sink may have gone live while waiting for the lock
	if ref := p.sink.Load(); ref != nil {
		ref.s.push(pkt)
		return
	}
	if p.released.Load() || len(p.pending) >= pendingLimit {
		metrics.PacketsDropped.WithLabelValues(p.kind.String(), "no_sink").Inc()
		return
	}
	p.pending = append(p.pending, getBuffer(pkt))
}

// setSink makes s live immediately, replaying held packets into it first.
func (p *Path) setSink(s sink) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.staged = nil
	p.goLive(s)
}

// stage binds s without making it live. Packets are held until activate so
// that s can be wired up before it sees the first one.
func (p *Path) stage(s sink) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.staged = s
	p.sink.Store(nil)
}

// activate makes the staged sink s live. It reports false if s is no longer
// staged on this path.
func (p *Path) activate(s sink) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.staged != s {
		return false
	}
	p.staged = nil
	p.goLive(s)
	return true
}

func (p *Path) goLive(s sink) {
	for _, pkt := range p.pending {
		s.push(pkt)
		putBuffer(pkt)
	}
	p.pending = nil
	p.sink.Store(&sinkRef{s: s})
}

// clearSink drops the sink and anything still held.
func (p *Path) clearSink() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, pkt := range p.pending {
		putBuffer(pkt)
	}
	p.pending = nil
	p.staged = nil
	p.sink.Store(nil)
}

// Pending returns the number of packets held for the next live sink.
func (p *Path) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// unsetSink detaches s, live or staged, only if it is still bound here.
func (p *Path) unsetSink(s sink) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.staged == s {
		p.staged = nil
		return true
	}
	ref := p.sink.Load()
	if ref == nil || ref.s != s {
		return false
	}
	p.sink.Store(nil)
	return true
}

// currentSink returns the live sink, or the staged one if none is live.
func (p *Path) currentSink() sink {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ref := p.sink.Load(); ref != nil {
		return ref.s
	}
	return p.staged
}
