package router

import (
	"cmp"
	"log/slog"
	"slices"
	"time"

	"github.com/irdkwmnsb/webrtc-grabber/packages/ssrc-relay/internal/domain"
	"github.com/irdkwmnsb/webrtc-grabber/packages/ssrc-relay/internal/metrics"
)

// unclaimedPath parks the data path of an SSRC no session has claimed yet.
type unclaimedPath struct {
	path  domain.Path
	sink  domain.DanglingSink
	since time.Time
}

// OnPacketClaim is called by a media graph the first time it sees an SSRC.
// An SSRC without a session is parked on a dangling sink; an SSRC of a
// registered session gets its fan-out point, and the session's targets are
// linked to it. Repeated notifications are no-ops.
func (r *Router) OnPacketClaim(ssrc uint32, kind domain.MediaKind, path domain.Path) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed || path.Released() {
		return
	}

	key := ssrcKey{ssrc: ssrc, kind: kind}
	s, ok := r.bySSRC[key]
	if !ok {
		r.parkUnclaimed(key, path)
		return
	}

	slot := s.slots[kind]
	if !slot.claimable() {
		return
	}
	if err := r.createFanout(s, slot, path); err != nil {
		slog.Error("failed to claim ssrc", "sessionId", s.id, "kind", kind, "ssrc", ssrc, "error", err)
		r.releasePath(kind, path)
	}
}

func (r *Router) parkUnclaimed(key ssrcKey, path domain.Path) {
	if _, ok := r.unclaimed[key]; ok {
		return
	}

	sink, err := r.graphs[key.kind].AttachDangling(path)
	if err != nil {
		slog.Error("failed to attach dangling sink", "kind", key.kind, "ssrc", key.ssrc, "error", err)
		return
	}
	r.unclaimed[key] = &unclaimedPath{path: path, sink: sink, since: r.now()}
	metrics.UnclaimedPaths.WithLabelValues(key.kind.String()).Inc()

	slog.Debug("ssrc parked until claimed", "kind", key.kind, "ssrc", key.ssrc, "sink", sink.ID())
}

// recoverDangling promotes a path whose packets arrived before the session
// was registered into the session's fan-out point.
func (r *Router) recoverDangling(s *session, slot *mediaSlot) {
	key := ssrcKey{ssrc: slot.ssrc, kind: slot.kind}
	u, ok := r.unclaimed[key]
	if !ok {
		return
	}

	delete(r.unclaimed, key)
	metrics.UnclaimedPaths.WithLabelValues(slot.kind.String()).Dec()
	if err := u.sink.Close(); err != nil {
		metrics.TeardownFailuresTotal.WithLabelValues("dangling").Inc()
		slog.Error("failed to destroy dangling sink", "kind", slot.kind, "ssrc", slot.ssrc, "error", err)
	}

	if err := r.createFanout(s, slot, u.path); err != nil {
		// The next packet of this ssrc is announced again and retried.
		slog.Error("dangling recovery failed", "sessionId", s.id, "kind", slot.kind, "ssrc", slot.ssrc, "error", err)
		r.releasePath(slot.kind, u.path)
		return
	}
	metrics.DanglingRecoveriesTotal.WithLabelValues(slot.kind.String()).Inc()
	slog.Info("recovered dangling ssrc", "sessionId", s.id, "kind", slot.kind, "ssrc", slot.ssrc, "discarded", u.sink.Discarded())
}

// SweepUnclaimed destroys dangling sinks idle for longer than the unclaimed
// TTL and releases their SSRCs.
func (r *Router) SweepUnclaimed() {
	r.mu.Lock()
	defer r.mu.Unlock()

	ttl := r.limits.UnclaimedTTL
	if ttl <= 0 || r.closed {
		return
	}

	now := r.now()
	for key, u := range r.unclaimed {
		idle := now.Sub(u.sink.LastActivity())
		if idle <= ttl {
			continue
		}
		r.dropUnclaimed(key, u)
		metrics.UnclaimedExpiredTotal.WithLabelValues(key.kind.String()).Inc()
		slog.Info("unclaimed ssrc expired", "kind", key.kind, "ssrc", key.ssrc, "idle", idle, "discarded", u.sink.Discarded())
	}
}

func (r *Router) dropUnclaimed(key ssrcKey, u *unclaimedPath) {
	delete(r.unclaimed, key)
	metrics.UnclaimedPaths.WithLabelValues(key.kind.String()).Dec()

	if err := u.sink.Close(); err != nil {
		metrics.TeardownFailuresTotal.WithLabelValues("dangling").Inc()
		slog.Error("failed to destroy dangling sink", "kind", key.kind, "ssrc", key.ssrc, "error", err)
	}
	r.releasePath(key.kind, u.path)
}

func (r *Router) releasePath(kind domain.MediaKind, path domain.Path) {
	if err := r.graphs[kind].ReleasePath(path); err != nil {
		metrics.TeardownFailuresTotal.WithLabelValues("path").Inc()
		slog.Error("failed to release ssrc", "kind", kind, "ssrc", path.SSRC(), "error", err)
	}
}

// Unclaimed lists the parked SSRCs ordered by kind, then SSRC.
func (r *Router) Unclaimed() []domain.UnclaimedSnapshot {
	r.mu.Lock()
	out := make([]domain.UnclaimedSnapshot, 0, len(r.unclaimed))
	for key, u := range r.unclaimed {
		out = append(out, domain.UnclaimedSnapshot{
			SSRC:         key.ssrc,
			Kind:         key.kind.String(),
			Since:        u.since,
			LastActivity: u.sink.LastActivity(),
			Discarded:    u.sink.Discarded(),
		})
	}
	r.mu.Unlock()

	slices.SortFunc(out, func(a, b domain.UnclaimedSnapshot) int {
		if c := cmp.Compare(a.Kind, b.Kind); c != 0 {
			return c
		}
		return cmp.Compare(a.SSRC, b.SSRC)
	})
	return out
}
