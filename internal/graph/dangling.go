package graph

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/irdkwmnsb/webrtc-grabber/packages/ssrc-relay/internal/domain"
	"github.com/irdkwmnsb/webrtc-grabber/packages/ssrc-relay/internal/metrics"
)

// DanglingSink discards the packets of an SSRC nobody has claimed yet.
type DanglingSink struct {
	id    string
	path  *Path
	graph *Graph

	discarded    atomic.Uint64
	lastActivity atomic.Int64
	closeOnce    sync.Once
}

var _ domain.DanglingSink = (*DanglingSink)(nil)

func (d *DanglingSink) ID() string {
	return d.id
}

func (d *DanglingSink) push(pkt []byte) {
	d.discarded.Add(1)
	d.lastActivity.Store(time.Now().UnixNano())
	metrics.PacketsDropped.WithLabelValues(d.path.kind.String(), "unclaimed").Inc()
}

func (d *DanglingSink) Discarded() uint64 {
	return d.discarded.Load()
}

func (d *DanglingSink) LastActivity() time.Time {
	return time.Unix(0, d.lastActivity.Load())
}

// Close detaches the sink from its path if it is still attached there.
func (d *DanglingSink) Close() error {
	d.closeOnce.Do(func() {
		d.path.unsetSink(d)
		d.graph.forget(d.id)
	})
	return nil
}
