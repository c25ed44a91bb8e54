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

	"github.com/irdkwmnsb/webrtc-grabber/packages/ssrc-relay/internal/domain"
	"github.com/irdkwmnsb/webrtc-grabber/packages/ssrc-relay/internal/metrics"
)

const (
	rtpBufferSize = 1500
	// maxDatagramSize is the largest UDP payload; reads never truncate.
	maxDatagramSize = 65535
)

var bufferPool = sync.Pool{
	New: func() any {
		return make([]byte, rtpBufferSize)
	},
}

// getBuffer returns a buffer holding a copy of pkt. Packets larger than the
// pooled size get their own allocation.
func getBuffer(pkt []byte) []byte {
	if len(pkt) > rtpBufferSize {
		return append([]byte(nil), pkt...)
	}
	buf := bufferPool.Get().([]byte)
	return buf[:copy(buf[:cap(buf)], pkt)]
}

func putBuffer(buf []byte) {
	if cap(buf) == rtpBufferSize {
		bufferPool.Put(buf[:cap(buf)])
	}
}

// Output is a bounded leaky queue feeding a UDP sender for one target and
// one kind. When the queue is full the oldest packet is dropped.
type Output struct {
	id    string
	host  string
	port  int
	kind  domain.MediaKind
	graph *Graph

	conn  *net.UDPConn
	queue chan []byte

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	closed    atomic.Bool
	attached  atomic.Bool
	closeOnce sync.Once
	sent      atomic.Uint64
	dropped   atomic.Uint64
}

var _ domain.Output = (*Output)(nil)

func newOutput(g *Graph, id, host string, port, queueSize int) (*Output, error) {
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("resolve %s:%d: %w", host, port, err)
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	if queueSize < 1 {
		queueSize = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	o := &Output{
		id:     id,
		host:   host,
		port:   port,
		kind:   g.kind,
		graph:  g,
		conn:   conn,
		queue:  make(chan []byte, queueSize),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go o.writeLoop()
	return o, nil
}

func (o *Output) ID() string {
	return o.id
}

func (o *Output) Host() string {
	return o.host
}

func (o *Output) Port() int {
	return o.port
}

// Sent returns the number of packets written to the socket.
func (o *Output) Sent() uint64 {
	return o.sent.Load()
}

func (o *Output) push(pkt []byte) {
	if o.closed.Load() {
		return
	}

	buf := getBuffer(pkt)

	for {
		select {
		case o.queue <- buf:
			return
		default:
		}
		select {
		case old := <-o.queue:
			putBuffer(old)
			o.dropped.Add(1)
			metrics.PacketsDropped.WithLabelValues(o.kind.String(), "queue_full").Inc()
		default:
		}
	}
}

func (o *Output) writeLoop() {
	defer close(o.done)

	for {
		select {
		case <-o.ctx.Done():
			return
		case pkt := <-o.queue:
			n, err := o.conn.Write(pkt)
			putBuffer(pkt)
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return
				}
				metrics.PacketsDropped.WithLabelValues(o.kind.String(), "write_error").Inc()
				slog.Debug("error writing to target", "output", o.id, "host", o.host, "port", o.port, "error", err)
				continue
			}
			o.sent.Add(1)
			metrics.PacketsForwarded.WithLabelValues(o.kind.String()).Inc()
			metrics.BytesForwarded.WithLabelValues(o.kind.String()).Add(float64(n))
		}
	}
}

// Close stops the writer and releases the socket. Packets still queued are
// discarded. Safe to call more than once.
func (o *Output) Close() error {
	var err error
	o.closeOnce.Do(func() {
		o.closed.Store(true)
		o.cancel()
		<-o.done
		err = o.conn.Close()
		o.drain()
		o.graph.forget(o.id)
	})
	return err
}

func (o *Output) drain() {
	for {
		select {
		case pkt := <-o.queue:
			putBuffer(pkt)
		default:
			return
		}
	}
}
