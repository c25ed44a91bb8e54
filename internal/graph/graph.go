package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/irdkwmnsb/webrtc-grabber/packages/ssrc-relay/internal/domain"
	"github.com/irdkwmnsb/webrtc-grabber/packages/ssrc-relay/internal/metrics"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

const claimQueueSize = 1024

type Config struct {
	Kind       domain.MediaKind
	ListenAddr string
	// Port 0 binds an ephemeral port, see Graph.Addr.
	Port            int
	ReadBufferSize  int
	OutputQueueSize int

	// When FilterPayloadType is set, RTP packets whose payload type differs
	// from Codec.PayloadType are dropped before demux.
	FilterPayloadType bool
	Codec             webrtc.RTPCodecParameters
}

// Graph receives one kind of RTP on a single UDP port and demultiplexes it by
// SSRC. Each first-seen SSRC becomes a Path that is announced through the
// claim handler from a dedicated goroutine; the read loop never waits on it.
type Graph struct {
	cfg  Config
	kind domain.MediaKind

	conn    *net.UDPConn
	handler atomic.Pointer[domain.ClaimHandler]
	claims  chan *Path

	mu       sync.Mutex
	paths    map[uint32]*Path
	elements map[string]domain.Element

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

var _ domain.MediaGraph = (*Graph)(nil)

func New(cfg Config) *Graph {
	ctx, cancel := context.WithCancel(context.Background())
	return &Graph{
		cfg:      cfg,
		kind:     cfg.Kind,
		claims:   make(chan *Path, claimQueueSize),
		paths:    make(map[uint32]*Path),
		elements: make(map[string]domain.Element),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (g *Graph) Kind() domain.MediaKind {
	return g.kind
}

func (g *Graph) SetClaimHandler(h domain.ClaimHandler) {
	g.handler.Store(&h)
}

// Start binds the ingest socket and starts the read and claim loops. The
// graph runs until ctx is cancelled or Stop is called.
func (g *Graph) Start(ctx context.Context) error {
	lc := net.ListenConfig{Control: listenControl(g.cfg.ReadBufferSize)}
	addr := net.JoinHostPort(g.cfg.ListenAddr, strconv.Itoa(g.cfg.Port))

	pc, err := lc.ListenPacket(ctx, "udp", addr)
	if err != nil {
		return fmt.Errorf("listen %s on %s: %w", g.kind, addr, err)
	}
	conn := pc.(*net.UDPConn)
	if g.cfg.ReadBufferSize > 0 {
		if err := conn.SetReadBuffer(g.cfg.ReadBufferSize); err != nil {
			slog.Warn("failed to set receive buffer", "kind", g.kind, "size", g.cfg.ReadBufferSize, "error", err)
		}
	}
	g.conn = conn

	g.wg.Add(2)
	go g.readLoop()
	go g.claimLoop()
	go func() {
		select {
		case <-ctx.Done():
			g.Stop()
		case <-g.ctx.Done():
		}
	}()

	slog.Info("media graph listening", "kind", g.kind, "addr", conn.LocalAddr().String())
	return nil
}

// Addr returns the bound ingest address, or nil before Start.
func (g *Graph) Addr() *net.UDPAddr {
	if g.conn == nil {
		return nil
	}
	return g.conn.LocalAddr().(*net.UDPAddr)
}

func (g *Graph) readLoop() {
	defer g.wg.Done()

	buf := make([]byte, maxDatagramSize)
	kind := g.kind.String()

	for {
		n, _, err := g.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || g.ctx.Err() != nil {
				return
			}
			slog.Warn("error reading from ingest socket", "kind", kind, "error", err)
			continue
		}

		metrics.PacketsReceived.WithLabelValues(kind).Inc()
		metrics.BytesReceived.WithLabelValues(kind).Add(float64(n))

		g.handlePacket(buf[:n])
	}
}

func (g *Graph) handlePacket(pkt []byte) {
	if isRTCP(pkt) {
		g.routeRTCP(pkt)
		return
	}

	var header rtp.Header
	if _, err := header.Unmarshal(pkt); err != nil || header.Version != 2 {
		metrics.PacketsDropped.WithLabelValues(g.kind.String(), "malformed").Inc()
		return
	}
	if g.cfg.FilterPayloadType && webrtc.PayloadType(header.PayloadType) != g.cfg.Codec.PayloadType {
		metrics.PacketsDropped.WithLabelValues(g.kind.String(), "payload_type").Inc()
		return
	}

	path := g.lookupOrCreate(header.SSRC)
	if path == nil {
		return
	}
	path.push(pkt)
}

func (g *Graph) lookupOrCreate(ssrc uint32) *Path {
	g.mu.Lock()
	defer g.mu.Unlock()

	if p, ok := g.paths[ssrc]; ok {
		return p
	}

	p := newPath(ssrc, g.kind)
	select {
	case g.claims <- p:
		g.paths[ssrc] = p
		return p
	default:
		// retried on the next packet of this ssrc
		metrics.PacketsDropped.WithLabelValues(g.kind.String(), "claim_backlog").Inc()
		return nil
	}
}

func (g *Graph) lookup(ssrc uint32) *Path {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.paths[ssrc]
}

func (g *Graph) claimLoop() {
	defer g.wg.Done()

	for {
		select {
		case <-g.ctx.Done():
			return
		case p := <-g.claims:
			g.dispatchClaim(p)
		}
	}
}

func (g *Graph) dispatchClaim(p *Path) {
	if p.Released() {
		return
	}
	h := g.handler.Load()
	if h == nil || *h == nil {
		slog.Warn("no claim handler, ssrc left unrouted", "kind", g.kind, "ssrc", p.ssrc)
		return
	}

	(*h)(p.ssrc, g.kind, p)
	metrics.ClaimLatency.WithLabelValues(g.kind.String()).Observe(time.Since(p.firstSeen).Seconds())
}

func (g *Graph) ownPath(path domain.Path) (*Path, error) {
	p, ok := path.(*Path)
	if !ok || p.kind != g.kind {
		return nil, fmt.Errorf("path for ssrc %d does not belong to the %s graph", path.SSRC(), g.kind)
	}
	if p.Released() {
		return nil, fmt.Errorf("ssrc %d: %w", p.ssrc, domain.ErrPathReleased)
	}
	return p, nil
}

func (g *Graph) newID(element string) string {
	return fmt.Sprintf("%s-%s-%s", g.kind, element, uuid.NewString()[:8])
}

func (g *Graph) track(e domain.Element) {
	g.mu.Lock()
	g.elements[e.ID()] = e
	g.mu.Unlock()
}

func (g *Graph) forget(id string) {
	g.mu.Lock()
	delete(g.elements, id)
	g.mu.Unlock()
}

func (g *Graph) AttachDangling(path domain.Path) (domain.DanglingSink, error) {
	p, err := g.ownPath(path)
	if err != nil {
		return nil, err
	}
	if _, ok := p.currentSink().(*Fanout); ok {
		return nil, fmt.Errorf("ssrc %d is already fanned out", p.ssrc)
	}

	d := &DanglingSink{id: g.newID("dangling"), path: p, graph: g}
	d.lastActivity.Store(time.Now().UnixNano())
	g.track(d)
	p.setSink(d)
	return d, nil
}

// NewFanout binds a fan-out point to path, replacing any dangling sink. The
// fan-out receives nothing until Activate; packets arriving meanwhile are
// held on the path and replayed then.
func (g *Graph) NewFanout(path domain.Path) (domain.Fanout, error) {
	p, err := g.ownPath(path)
	if err != nil {
		return nil, err
	}
	if _, ok := p.currentSink().(*Fanout); ok {
		return nil, fmt.Errorf("ssrc %d is already fanned out", p.ssrc)
	}

	f := &Fanout{id: g.newID("fanout"), path: p, graph: g}
	g.track(f)
	p.stage(f)
	return f, nil
}

func (g *Graph) NewOutput(host string, port int) (domain.Output, error) {
	if g.ctx.Err() != nil {
		return nil, fmt.Errorf("%s graph: %w", g.kind, domain.ErrElementClosed)
	}
	o, err := newOutput(g, g.newID("output"), host, port, g.cfg.OutputQueueSize)
	if err != nil {
		return nil, err
	}
	g.track(o)
	return o, nil
}

// ReleasePath forgets the ssrc so that its next packet is announced again.
// Releasing an already released path is a no-op.
func (g *Graph) ReleasePath(path domain.Path) error {
	p, ok := path.(*Path)
	if !ok || p.kind != g.kind {
		return fmt.Errorf("path for ssrc %d does not belong to the %s graph", path.SSRC(), g.kind)
	}
	if !p.released.CompareAndSwap(false, true) {
		return nil
	}
	p.clearSink()

	g.mu.Lock()
	if g.paths[p.ssrc] == p {
		delete(g.paths, p.ssrc)
	}
	g.mu.Unlock()
	return nil
}

// Stop closes the ingest socket, waits for the loops and destroys every
// element still alive. Safe to call more than once.
func (g *Graph) Stop() {
	g.stopOnce.Do(func() {
		g.cancel()
		if g.conn != nil {
			_ = g.conn.Close()
		}
		g.wg.Wait()

		g.mu.Lock()
		var outputs []*Output
		var fanouts []*Fanout
		var rest []domain.Element
		for _, e := range g.elements {
			switch e := e.(type) {
			case *Output:
				outputs = append(outputs, e)
			case *Fanout:
				fanouts = append(fanouts, e)
			default:
				rest = append(rest, e)
			}
		}
		g.mu.Unlock()

		for _, f := range fanouts {
			f.shutdown()
		}
		for _, o := range outputs {
			_ = o.Close()
		}
		for _, e := range rest {
			_ = e.Close()
		}
		slog.Info("media graph stopped", "kind", g.kind, "leftoverElements", len(outputs)+len(fanouts)+len(rest))
	})
}
