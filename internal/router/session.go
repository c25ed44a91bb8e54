package router

import (
	"context"
	"time"

	"github.com/irdkwmnsb/webrtc-grabber/packages/ssrc-relay/internal/domain"
	"github.com/looplab/fsm"
)

// Fan-out slot states. A slot is claimed at most once; after release the
// session is on its way out and the slot is never reused.
const (
	slotAwaiting = "awaiting"
	slotReady    = "ready"
	slotReleased = "released"

	eventClaim   = "claim"
	eventRelease = "release"
)

// mediaSlot is the per-kind half of a session: the SSRC it claims and, once
// packets were observed, the demux path and the fan-out point bound to it.
type mediaSlot struct {
	kind   domain.MediaKind
	ssrc   uint32
	state  *fsm.FSM
	path   domain.Path
	fanout domain.Fanout
}

func newMediaSlot(kind domain.MediaKind, ssrc uint32) *mediaSlot {
	return &mediaSlot{
		kind: kind,
		ssrc: ssrc,
		state: fsm.NewFSM(
			slotAwaiting,
			fsm.Events{
				{Name: eventClaim, Src: []string{slotAwaiting}, Dst: slotReady},
				{Name: eventRelease, Src: []string{slotAwaiting, slotReady}, Dst: slotReleased},
			},
			fsm.Callbacks{},
		),
	}
}

func (s *mediaSlot) ready() bool {
	return s.state.Is(slotReady)
}

func (s *mediaSlot) claimable() bool {
	return s.state.Can(eventClaim)
}

func (s *mediaSlot) claim(path domain.Path, fanout domain.Fanout) error {
	if err := s.state.Event(context.Background(), eventClaim); err != nil {
		return err
	}
	s.path = path
	s.fanout = fanout
	return nil
}

func (s *mediaSlot) release() {
	_ = s.state.Event(context.Background(), eventRelease)
	s.path = nil
	s.fanout = nil
}

type target struct {
	id        string
	host      string
	audioPort int
	videoPort int
	outputs   map[domain.MediaKind]domain.Output
}

func newTarget(id, host string, audioPort, videoPort int) *target {
	return &target{
		id:        id,
		host:      host,
		audioPort: audioPort,
		videoPort: videoPort,
		outputs:   make(map[domain.MediaKind]domain.Output, 2),
	}
}

func (t *target) port(kind domain.MediaKind) int {
	if kind == domain.KindAudio {
		return t.audioPort
	}
	return t.videoPort
}

func (t *target) linked(kind domain.MediaKind) bool {
	return t.outputs[kind] != nil
}

func (t *target) sameDestination(host string, audioPort, videoPort int) bool {
	return t.host == host && t.audioPort == audioPort && t.videoPort == videoPort
}

type session struct {
	id      string
	created time.Time
	slots   map[domain.MediaKind]*mediaSlot

	// targets keeps registration order; fan-out creation links them in it.
	targets []*target
	byID    map[string]*target
}

func newSession(id string, audioSSRC, videoSSRC uint32, now time.Time) *session {
	return &session{
		id:      id,
		created: now,
		slots: map[domain.MediaKind]*mediaSlot{
			domain.KindAudio: newMediaSlot(domain.KindAudio, audioSSRC),
			domain.KindVideo: newMediaSlot(domain.KindVideo, videoSSRC),
		},
		byID: make(map[string]*target),
	}
}

func (s *session) addTarget(t *target) {
	s.targets = append(s.targets, t)
	s.byID[t.id] = t
}

func (s *session) removeTarget(id string) {
	delete(s.byID, id)
	for i, t := range s.targets {
		if t.id == id {
			s.targets = append(s.targets[:i], s.targets[i+1:]...)
			return
		}
	}
}

func (s *session) snapshot() domain.SessionSnapshot {
	out := domain.SessionSnapshot{
		SessionID:     s.id,
		AudioSSRC:     s.slots[domain.KindAudio].ssrc,
		VideoSSRC:     s.slots[domain.KindVideo].ssrc,
		TargetCount:   len(s.targets),
		AudioTeeReady: s.slots[domain.KindAudio].ready(),
		VideoTeeReady: s.slots[domain.KindVideo].ready(),
		Targets:       make([]domain.TargetSnapshot, 0, len(s.targets)),
	}
	for _, t := range s.targets {
		out.Targets = append(out.Targets, domain.TargetSnapshot{
			TargetID:    t.id,
			Host:        t.host,
			AudioPort:   t.audioPort,
			VideoPort:   t.videoPort,
			AudioLinked: t.linked(domain.KindAudio),
			VideoLinked: t.linked(domain.KindVideo),
		})
	}
	return out
}
