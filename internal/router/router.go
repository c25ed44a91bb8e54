package router

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/irdkwmnsb/webrtc-grabber/packages/ssrc-relay/internal/domain"
	"github.com/irdkwmnsb/webrtc-grabber/packages/ssrc-relay/internal/metrics"
	"github.com/irdkwmnsb/webrtc-grabber/packages/ssrc-relay/internal/utils"
)

type Limits struct {
	MaxSessions int
	MaxTargets  int
	// UnclaimedTTL bounds how long an unclaimed SSRC may stay idle on its
	// dangling sink. Zero or negative keeps markers forever.
	UnclaimedTTL time.Duration
}

type ssrcKey struct {
	ssrc uint32
	kind domain.MediaKind
}

// Router owns the session/target registry and drives the media graphs.
// Control commands and packet claims are serialized by a single mutex; graph
// mutations run while it is held so no other operation can observe a
// half-linked target.
type Router struct {
	mu     sync.Mutex
	graphs map[domain.MediaKind]domain.MediaGraph
	limits Limits

	sessions  map[string]*session
	order     []*session
	bySSRC    map[ssrcKey]*session
	unclaimed map[ssrcKey]*unclaimedPath
	targets   int

	closed    bool
	closeOnce sync.Once
	sweeper   utils.IntervalTimer

	now func() time.Time
}

// New creates a router and registers it as the claim handler of every graph.
func New(limits Limits, graphs ...domain.MediaGraph) *Router {
	r := &Router{
		graphs:    make(map[domain.MediaKind]domain.MediaGraph, len(graphs)),
		limits:    limits,
		sessions:  make(map[string]*session),
		bySSRC:    make(map[ssrcKey]*session),
		unclaimed: make(map[ssrcKey]*unclaimedPath),
		now:       time.Now,
	}
	for _, g := range graphs {
		r.graphs[g.Kind()] = g
		g.SetClaimHandler(r.OnPacketClaim)
	}
	return r
}

// StartSweeper expires idle unclaimed SSRCs every interval until Close.
func (r *Router) StartSweeper(interval time.Duration) {
	if interval <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sweeper != nil || r.closed {
		return
	}
	r.sweeper = utils.SetIntervalTimer(interval, r.SweepUnclaimed)
}

func (r *Router) SetLimits(limits Limits) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if limits == r.limits {
		return
	}
	slog.Info("router limits updated",
		"maxSessions", limits.MaxSessions,
		"maxTargets", limits.MaxTargets,
		"unclaimedTtl", limits.UnclaimedTTL,
	)
	r.limits = limits
}

func (r *Router) Limits() Limits {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.limits
}

func (r *Router) AddSession(sessionID string, audioSSRC, videoSSRC uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return fmt.Errorf("router: %w", domain.ErrElementClosed)
	}
	if _, ok := r.sessions[sessionID]; ok {
		return domain.ErrSessionExists
	}
	if len(r.sessions) >= r.limits.MaxSessions {
		return domain.ErrMaxSessions
	}

	s := newSession(sessionID, audioSSRC, videoSSRC, r.now())
	for kind, slot := range s.slots {
		key := ssrcKey{ssrc: slot.ssrc, kind: kind}
		if other, ok := r.bySSRC[key]; ok {
			slog.Warn("ssrc already claimed by another session",
				"sessionId", sessionID, "otherSessionId", other.id, "kind", kind, "ssrc", slot.ssrc)
		}
		r.bySSRC[key] = s
	}
	r.sessions[sessionID] = s
	r.order = append(r.order, s)

	metrics.ActiveSessions.Set(float64(len(r.sessions)))
	metrics.SessionsCreatedTotal.Inc()
	slog.Info("session added", "sessionId", sessionID, "audioSsrc", audioSSRC, "videoSsrc", videoSSRC)

	for _, kind := range domain.MediaKinds {
		r.recoverDangling(s, s.slots[kind])
	}
	return nil
}

// AddRoute registers a target. Targets of a kind whose fan-out point does
// not exist yet stay unlinked until the first packet of that kind is claimed.
// Re-adding an existing target is a no-op.
func (r *Router) AddRoute(sessionID, targetID, host string, audioPort, videoPort int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return domain.ErrSessionNotFound
	}
	if t, ok := s.byID[targetID]; ok {
		if !t.sameDestination(host, audioPort, videoPort) {
			slog.Warn("duplicate route with different destination ignored",
				"sessionId", sessionID, "targetId", targetID,
				"host", t.host, "audioPort", t.audioPort, "videoPort", t.videoPort,
				"requestedHost", host, "requestedAudioPort", audioPort, "requestedVideoPort", videoPort,
			)
		}
		return nil
	}
	if len(s.targets) >= r.limits.MaxTargets {
		return domain.ErrMaxTargets
	}

	t := newTarget(targetID, host, audioPort, videoPort)
	s.addTarget(t)
	r.targets++
	metrics.ActiveTargets.Set(float64(r.targets))

	var errs []error
	for _, kind := range domain.MediaKinds {
		slot := s.slots[kind]
		if !slot.ready() {
			continue
		}
		if err := r.linkTarget(slot, t); err != nil {
			errs = append(errs, err)
		}
	}

	slog.Info("route added",
		"sessionId", sessionID, "targetId", targetID, "host", host,
		"audioPort", audioPort, "videoPort", videoPort,
		"audioLinked", t.linked(domain.KindAudio), "videoLinked", t.linked(domain.KindVideo),
	)
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", domain.ErrLinkFailed, errors.Join(errs...))
	}
	return nil
}

func (r *Router) RemoveRoute(sessionID, targetID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return domain.ErrSessionNotFound
	}
	t, ok := s.byID[targetID]
	if !ok {
		return domain.ErrTargetNotFound
	}

	r.unlinkTarget(s, t)
	s.removeTarget(targetID)
	r.targets--
	metrics.ActiveTargets.Set(float64(r.targets))

	slog.Info("route removed", "sessionId", sessionID, "targetId", targetID)
	return nil
}

// RemoveSession detaches every target, destroys both fan-out points and
// releases the SSRC claims so the same SSRCs can be registered again.
func (r *Router) RemoveSession(sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return domain.ErrSessionNotFound
	}
	r.teardownSession(s)

	slog.Info("session removed", "sessionId", sessionID)
	return nil
}

// List returns a point-in-time copy of the registry, sessions and targets in
// registration order.
func (r *Router) List() domain.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := domain.Snapshot{Sessions: make([]domain.SessionSnapshot, 0, len(r.order))}
	for _, s := range r.order {
		snap.Sessions = append(snap.Sessions, s.snapshot())
	}
	return snap
}

// Close tears down every session and unclaimed path. Safe to call more than
// once.
func (r *Router) Close() {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		sweeper := r.sweeper
		r.mu.Unlock()

		// Stop waits for an in-flight sweep, which needs the lock.
		if sweeper != nil {
			sweeper.Stop()
		}

		r.mu.Lock()
		defer r.mu.Unlock()

		for len(r.order) > 0 {
			r.teardownSession(r.order[0])
		}
		for key, u := range r.unclaimed {
			r.dropUnclaimed(key, u)
		}
		slog.Info("router closed")
	})
}

func (r *Router) teardownSession(s *session) {
	for _, t := range s.targets {
		r.unlinkTarget(s, t)
	}
	r.targets -= len(s.targets)
	s.targets = nil
	s.byID = make(map[string]*target)

	for _, kind := range domain.MediaKinds {
		slot := s.slots[kind]
		if slot.fanout != nil {
			if err := slot.fanout.Close(); err != nil {
				metrics.TeardownFailuresTotal.WithLabelValues("fanout").Inc()
				slog.Error("failed to destroy fan-out point", "sessionId", s.id, "kind", kind, "fanout", slot.fanout.ID(), "error", err)
			}
			metrics.ActiveFanouts.WithLabelValues(kind.String()).Dec()
		}
		if slot.path != nil {
			if err := r.graphs[kind].ReleasePath(slot.path); err != nil {
				metrics.TeardownFailuresTotal.WithLabelValues("path").Inc()
				slog.Error("failed to release ssrc", "sessionId", s.id, "kind", kind, "ssrc", slot.ssrc, "error", err)
			}
		}
		slot.release()

		key := ssrcKey{ssrc: slot.ssrc, kind: kind}
		if r.bySSRC[key] == s {
			delete(r.bySSRC, key)
		}
	}

	delete(r.sessions, s.id)
	for i, o := range r.order {
		if o == s {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}

	metrics.ActiveSessions.Set(float64(len(r.sessions)))
	metrics.ActiveTargets.Set(float64(r.targets))
}

// linkTarget creates the target's output for the slot's kind and attaches it
// to the fan-out point. A failed attach destroys the new output again.
func (r *Router) linkTarget(slot *mediaSlot, t *target) error {
	if t.linked(slot.kind) {
		return nil
	}
	kind := slot.kind

	out, err := r.graphs[kind].NewOutput(t.host, t.port(kind))
	if err != nil {
		metrics.LinkFailuresTotal.WithLabelValues(kind.String()).Inc()
		slog.Error("failed to create target output", "targetId", t.id, "kind", kind, "error", err)
		return fmt.Errorf("%s output %s:%d: %w", kind, t.host, t.port(kind), err)
	}
	if err := slot.fanout.Attach(out); err != nil {
		metrics.LinkFailuresTotal.WithLabelValues(kind.String()).Inc()
		slog.Error("failed to attach target output", "targetId", t.id, "kind", kind, "fanout", slot.fanout.ID(), "error", err)
		if cerr := out.Close(); cerr != nil {
			metrics.TeardownFailuresTotal.WithLabelValues("output").Inc()
		}
		return fmt.Errorf("attach %s output to %s: %w", kind, slot.fanout.ID(), err)
	}

	t.outputs[kind] = out
	metrics.LinkedOutputs.WithLabelValues(kind.String()).Inc()
	return nil
}

// unlinkTarget releases the fan-out slot before destroying the output. Each
// kind is handled on its own; failures are logged and never keep the target.
func (r *Router) unlinkTarget(s *session, t *target) {
	for _, kind := range domain.MediaKinds {
		out := t.outputs[kind]
		if out == nil {
			continue
		}
		if fanout := s.slots[kind].fanout; fanout != nil {
			if err := fanout.Detach(out); err != nil {
				metrics.TeardownFailuresTotal.WithLabelValues("output").Inc()
				slog.Error("failed to detach target output", "sessionId", s.id, "targetId", t.id, "kind", kind, "error", err)
			}
		}
		if err := out.Close(); err != nil {
			metrics.TeardownFailuresTotal.WithLabelValues("output").Inc()
			slog.Error("failed to destroy target output", "sessionId", s.id, "targetId", t.id, "kind", kind, "error", err)
		}
		delete(t.outputs, kind)
		metrics.LinkedOutputs.WithLabelValues(kind.String()).Dec()
	}
}

// createFanout binds a new fan-out point to path and links every registered
// target in registration order. Targets that fail to link stay registered.
func (r *Router) createFanout(s *session, slot *mediaSlot, path domain.Path) error {
	g := r.graphs[slot.kind]

	fanout, err := g.NewFanout(path)
	if err != nil {
		return fmt.Errorf("create %s fan-out for ssrc %d: %w", slot.kind, slot.ssrc, err)
	}
	if err := slot.claim(path, fanout); err != nil {
		_ = fanout.Close()
		return err
	}
	metrics.ActiveFanouts.WithLabelValues(slot.kind.String()).Inc()

	linked := 0
	for _, t := range s.targets {
		if err := r.linkTarget(slot, t); err != nil {
			continue
		}
		linked++
	}
	if err := fanout.Activate(); err != nil {
		slog.Error("failed to activate fan-out point", "sessionId", s.id, "kind", slot.kind, "fanout", fanout.ID(), "error", err)
	}

	slog.Info("fan-out point created",
		"sessionId", s.id, "kind", slot.kind, "ssrc", slot.ssrc,
		"fanout", fanout.ID(), "linkedTargets", linked, "targets", len(s.targets),
	)
	return nil
}
