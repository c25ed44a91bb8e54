package domain

import (
	"time"

	"github.com/pion/webrtc/v4"
)

// MediaKind selects one of the two independent processing graphs.
type MediaKind = webrtc.RTPCodecType

const (
	KindAudio = webrtc.RTPCodecTypeAudio
	KindVideo = webrtc.RTPCodecTypeVideo
)

// MediaKinds lists the kinds in the order they are processed.
var MediaKinds = []MediaKind{KindAudio, KindVideo}

// ClaimHandler is invoked by a MediaGraph the first time it sees an SSRC.
type ClaimHandler func(ssrc uint32, kind MediaKind, path Path)

// Path is the demultiplexed data path of a single SSRC inside a MediaGraph.
type Path interface {
	SSRC() uint32
	Kind() MediaKind
	Released() bool
}

type Element interface {
	ID() string
	Close() error
}

// DanglingSink absorbs packets of an SSRC that no session has claimed yet.
type DanglingSink interface {
	Element
	LastActivity() time.Time
	Discarded() uint64
}

// Output is the per-target egress pair (queue + udp sink) for one kind.
type Output interface {
	Element
	Host() string
	Port() int
}

// Fanout duplicates the packets of one Path to every attached Output.
// Close fails with ErrFanoutBusy while outputs remain attached.
type Fanout interface {
	Element
	Attach(out Output) error
	Detach(out Output) error
	// Activate starts delivery once the initial outputs are attached.
	Activate() error
	OutputCount() int
}

// MediaGraph is the packet execution engine for one media kind. The router
// drives it one-way; the graph only calls back through the ClaimHandler.
type MediaGraph interface {
	Kind() MediaKind
	SetClaimHandler(h ClaimHandler)

	AttachDangling(path Path) (DanglingSink, error)
	NewFanout(path Path) (Fanout, error)
	NewOutput(host string, port int) (Output, error)

	// ReleasePath clears the SSRC's routing state so that its next packet
	// is treated as first-seen again.
	ReleasePath(path Path) error
}
