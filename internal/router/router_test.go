package router

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/irdkwmnsb/webrtc-grabber/packages/ssrc-relay/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testLimits = Limits{MaxSessions: 10, MaxTargets: 10, UnclaimedTTL: time.Minute}

func newTestRouter(t *testing.T, limits Limits) (*Router, *fakeGraph, *fakeGraph) {
	t.Helper()
	audio := newFakeGraph(domain.KindAudio)
	video := newFakeGraph(domain.KindVideo)
	r := New(limits, audio, video)
	t.Cleanup(r.Close)
	return r, audio, video
}

func mustSession(t *testing.T, r *Router, id string) domain.SessionSnapshot {
	t.Helper()
	s, ok := r.List().Session(id)
	require.True(t, ok, "session %s not listed", id)
	return s
}

func assertAllDestroyedOnce(t *testing.T, graphs ...*fakeGraph) {
	t.Helper()
	for _, g := range graphs {
		assert.Empty(t, g.live(), "%s elements left alive", g.kind)
		assert.Empty(t, g.overDestroyed(), "%s elements destroyed twice", g.kind)
	}
}

func TestRouter_Scenario(t *testing.T) {
	r, audio, video := newTestRouter(t, testLimits)

	require.NoError(t, r.AddSession("bx", 10, 20))
	require.NoError(t, r.AddRoute("bx", "t1", "host-a", 5000, 5002))

	s := mustSession(t, r, "bx")
	tgt, ok := s.Target("t1")
	require.True(t, ok)
	assert.False(t, tgt.AudioLinked)
	assert.False(t, s.AudioTeeReady)

	audio.announce(10)

	s = mustSession(t, r, "bx")
	assert.True(t, s.AudioTeeReady)
	assert.False(t, s.VideoTeeReady)
	assert.Equal(t, 1, s.TargetCount)
	tgt, ok = s.Target("t1")
	require.True(t, ok)
	assert.True(t, tgt.AudioLinked)
	assert.False(t, tgt.VideoLinked)
	assert.Equal(t, 5000, tgt.AudioPort)
	assert.Equal(t, "host-a", tgt.Host)

	require.NoError(t, r.RemoveRoute("bx", "t1"))
	s = mustSession(t, r, "bx")
	assert.NotNil(t, s.Targets)
	assert.Empty(t, s.Targets)
	assert.True(t, s.AudioTeeReady)

	require.NoError(t, r.RemoveSession("bx"))
	assert.Empty(t, r.List().Sessions)

	assertAllDestroyedOnce(t, audio, video)
	assert.Equal(t, []uint32{10}, audio.released)
	assert.Empty(t, video.released)
}

func TestRouter_AddSessionErrors(t *testing.T) {
	r, _, _ := newTestRouter(t, Limits{MaxSessions: 2, MaxTargets: 2})

	require.NoError(t, r.AddSession("a", 1, 2))
	assert.ErrorIs(t, r.AddSession("a", 3, 4), domain.ErrSessionExists)
	require.NoError(t, r.AddSession("b", 3, 4))

	assert.ErrorIs(t, r.AddSession("c", 5, 6), domain.ErrMaxSessions)
	snap := r.List()
	require.Len(t, snap.Sessions, 2)
	assert.Equal(t, "a", snap.Sessions[0].SessionID)
	assert.Equal(t, "b", snap.Sessions[1].SessionID)
}

func TestRouter_AddRouteErrors(t *testing.T) {
	r, _, _ := newTestRouter(t, Limits{MaxSessions: 2, MaxTargets: 2})

	assert.ErrorIs(t, r.AddRoute("nope", "t1", "h", 1, 2), domain.ErrSessionNotFound)

	require.NoError(t, r.AddSession("a", 1, 2))
	require.NoError(t, r.AddRoute("a", "t1", "h", 1000, 1002))
	require.NoError(t, r.AddRoute("a", "t2", "h", 2000, 2002))
	assert.ErrorIs(t, r.AddRoute("a", "t3", "h", 3000, 3002), domain.ErrMaxTargets)

	assert.Equal(t, 2, mustSession(t, r, "a").TargetCount)
}

func TestRouter_DuplicateRouteKeepsFirst(t *testing.T) {
	r, audio, _ := newTestRouter(t, testLimits)

	require.NoError(t, r.AddSession("a", 1, 2))
	audio.announce(1)
	require.NoError(t, r.AddRoute("a", "t1", "host-a", 5000, 5002))

	require.NoError(t, r.AddRoute("a", "t1", "host-a", 5000, 5002))
	require.NoError(t, r.AddRoute("a", "t1", "host-b", 6000, 6002))

	s := mustSession(t, r, "a")
	require.Len(t, s.Targets, 1)
	assert.Equal(t, "host-a", s.Targets[0].Host)
	assert.Equal(t, 5000, s.Targets[0].AudioPort)
	assert.Equal(t, 1, audio.count("output"))
}

func TestRouter_RemoveErrors(t *testing.T) {
	r, _, _ := newTestRouter(t, testLimits)

	assert.ErrorIs(t, r.RemoveSession("nope"), domain.ErrSessionNotFound)
	assert.ErrorIs(t, r.RemoveRoute("nope", "t1"), domain.ErrSessionNotFound)

	require.NoError(t, r.AddSession("a", 1, 2))
	assert.ErrorIs(t, r.RemoveRoute("a", "t1"), domain.ErrTargetNotFound)

	require.NoError(t, r.AddRoute("a", "t1", "h", 1, 2))
	require.NoError(t, r.RemoveRoute("a", "t1"))
	assert.ErrorIs(t, r.RemoveRoute("a", "t1"), domain.ErrTargetNotFound)
}

func TestRouter_ClaimIsIdempotent(t *testing.T) {
	r, audio, _ := newTestRouter(t, testLimits)

	require.NoError(t, r.AddSession("s", 1111, 2222))
	p := audio.announce(1111)
	audio.claim(p)
	r.OnPacketClaim(1111, domain.KindAudio, p)

	assert.Equal(t, 1, audio.count("fanout"))
	assert.Equal(t, 0, audio.count("dangling"))
	assert.True(t, mustSession(t, r, "s").AudioTeeReady)
}

func TestRouter_LinksTargetsInRegistrationOrder(t *testing.T) {
	r, audio, _ := newTestRouter(t, testLimits)

	require.NoError(t, r.AddSession("s", 1, 2))
	for i, port := range []int{5000, 5010, 5020} {
		require.NoError(t, r.AddRoute("s", fmt.Sprintf("t%d", i), "h", port, port+2))
	}
	audio.announce(1)

	assert.Equal(t, []string{
		"fanout 1",
		"attach h:5000",
		"attach h:5010",
		"attach h:5020",
		"activate 1",
	}, audio.eventLog())

	for _, tgt := range mustSession(t, r, "s").Targets {
		assert.True(t, tgt.AudioLinked, tgt.TargetID)
		assert.False(t, tgt.VideoLinked, tgt.TargetID)
	}
}

func TestRouter_UnclaimedSSRCIsParked(t *testing.T) {
	r, audio, video := newTestRouter(t, testLimits)

	audio.announce(10)
	video.announce(10)

	unclaimed := r.Unclaimed()
	require.Len(t, unclaimed, 2)
	assert.Equal(t, "audio", unclaimed[0].Kind)
	assert.Equal(t, "video", unclaimed[1].Kind)
	assert.Equal(t, uint32(10), unclaimed[0].SSRC)
	assert.Empty(t, r.List().Sessions)
	assert.Equal(t, 1, audio.count("dangling"))
}

func TestRouter_DanglingRecovery(t *testing.T) {
	r, audio, video := newTestRouter(t, testLimits)

	early := audio.announce(10)
	require.Len(t, r.Unclaimed(), 1)

	require.NoError(t, r.AddSession("bx", 10, 20))
	assert.Empty(t, r.Unclaimed())
	assert.Equal(t, []string{"fanout-2"}, audio.live())

	s := mustSession(t, r, "bx")
	assert.True(t, s.AudioTeeReady)
	assert.False(t, s.VideoTeeReady)
	assert.Equal(t, []string{"dangling 10", "fanout 10", "activate 10"}, audio.eventLog())
	assert.False(t, early.Released())

	require.NoError(t, r.AddRoute("bx", "t1", "h", 5000, 5002))
	tgt, _ := mustSession(t, r, "bx").Target("t1")
	assert.True(t, tgt.AudioLinked)

	require.NoError(t, r.RemoveSession("bx"))
	assertAllDestroyedOnce(t, audio, video)
}

func TestRouter_RemoveSessionReleasesAndAllowsReRegister(t *testing.T) {
	r, audio, video := newTestRouter(t, testLimits)

	require.NoError(t, r.AddSession("s", 1, 2))
	for i := 0; i < 3; i++ {
		require.NoError(t, r.AddRoute("s", fmt.Sprintf("t%d", i), "h", 5000+i*10, 6000+i*10))
	}
	oldAudio := audio.announce(1)
	video.announce(2)

	s := mustSession(t, r, "s")
	for _, tgt := range s.Targets {
		assert.True(t, tgt.AudioLinked && tgt.VideoLinked, tgt.TargetID)
	}

	require.NoError(t, r.RemoveSession("s"))
	assertAllDestroyedOnce(t, audio, video)
	assert.True(t, oldAudio.Released())
	assert.Equal(t, []uint32{1}, audio.released)
	assert.Equal(t, []uint32{2}, video.released)

	// a stale notification for the released path must not park it
	r.OnPacketClaim(1, domain.KindAudio, oldAudio)
	assert.Equal(t, 0, audio.count("dangling"))

	require.NoError(t, r.AddSession("s", 1, 2))
	require.NoError(t, r.AddRoute("s", "t0", "h", 5000, 6000))
	audio.announce(1)
	video.announce(2)

	s = mustSession(t, r, "s")
	assert.True(t, s.AudioTeeReady)
	assert.True(t, s.VideoTeeReady)
	assert.True(t, s.Targets[0].AudioLinked)
	assert.Equal(t, 2, audio.count("fanout"))
}

func TestRouter_PartialLinkFailureKeepsWorkingSide(t *testing.T) {
	r, audio, video := newTestRouter(t, testLimits)
	video.failPorts[5002] = true

	require.NoError(t, r.AddSession("s", 1, 2))
	audio.announce(1)
	video.announce(2)

	err := r.AddRoute("s", "t1", "h", 5000, 5002)
	require.ErrorIs(t, err, domain.ErrLinkFailed)
	assert.ErrorIs(t, err, errInjected)

	s := mustSession(t, r, "s")
	require.Equal(t, 1, s.TargetCount)
	assert.True(t, s.Targets[0].AudioLinked)
	assert.False(t, s.Targets[0].VideoLinked)

	require.NoError(t, r.RemoveRoute("s", "t1"))
	require.NoError(t, r.RemoveSession("s"))
	assertAllDestroyedOnce(t, audio, video)
}

func TestRouter_FanoutCreationSkipsFailingTarget(t *testing.T) {
	r, audio, _ := newTestRouter(t, testLimits)
	audio.failPorts[5010] = true

	require.NoError(t, r.AddSession("s", 1, 2))
	require.NoError(t, r.AddRoute("s", "t0", "h", 5000, 6000))
	require.NoError(t, r.AddRoute("s", "t1", "h", 5010, 6010))
	require.NoError(t, r.AddRoute("s", "t2", "h", 5020, 6020))
	audio.announce(1)

	s := mustSession(t, r, "s")
	assert.True(t, s.Targets[0].AudioLinked)
	assert.False(t, s.Targets[1].AudioLinked)
	assert.True(t, s.Targets[2].AudioLinked)
	assert.Equal(t, 3, s.TargetCount)
}

func TestRouter_FanoutFailureReleasesPathForRetry(t *testing.T) {
	r, audio, _ := newTestRouter(t, testLimits)
	audio.failFan = true

	require.NoError(t, r.AddSession("s", 1, 2))
	first := audio.announce(1)
	assert.True(t, first.Released())
	assert.False(t, mustSession(t, r, "s").AudioTeeReady)

	audio.failFan = false
	audio.announce(1)
	assert.True(t, mustSession(t, r, "s").AudioTeeReady)
}

func TestRouter_TeardownFailureDoesNotKeepTarget(t *testing.T) {
	r, audio, _ := newTestRouter(t, testLimits)
	audio.failClose[5000] = true

	require.NoError(t, r.AddSession("s", 1, 2))
	audio.announce(1)
	require.NoError(t, r.AddRoute("s", "t1", "h", 5000, 5002))

	require.NoError(t, r.RemoveRoute("s", "t1"))
	assert.Empty(t, mustSession(t, r, "s").Targets)
	assert.Empty(t, audio.overDestroyed())
}

func TestRouter_SweepExpiresIdleUnclaimed(t *testing.T) {
	r, audio, _ := newTestRouter(t, testLimits)

	p := audio.announce(99)
	u := r.unclaimed[ssrcKey{ssrc: 99, kind: domain.KindAudio}]
	require.NotNil(t, u)
	last := u.sink.LastActivity()

	r.now = func() time.Time { return last.Add(30 * time.Second) }
	r.SweepUnclaimed()
	require.Len(t, r.Unclaimed(), 1)
	assert.False(t, p.Released())

	r.now = func() time.Time { return last.Add(2 * time.Minute) }
	r.SweepUnclaimed()
	assert.Empty(t, r.Unclaimed())
	assert.True(t, p.Released())
	assertAllDestroyedOnce(t, audio)

	audio.announce(99)
	assert.Len(t, r.Unclaimed(), 1)
}

func TestRouter_SweepDisabled(t *testing.T) {
	r, audio, _ := newTestRouter(t, Limits{MaxSessions: 1, MaxTargets: 1, UnclaimedTTL: -1})

	audio.announce(99)
	r.now = func() time.Time { return time.Now().Add(24 * time.Hour) }
	r.SweepUnclaimed()
	assert.Len(t, r.Unclaimed(), 1)
}

func TestRouter_StartSweeper(t *testing.T) {
	r, audio, _ := newTestRouter(t, Limits{MaxSessions: 1, MaxTargets: 1, UnclaimedTTL: time.Millisecond})

	audio.announce(99)
	r.unclaimed[ssrcKey{ssrc: 99, kind: domain.KindAudio}].sink.(*fakeDangling).last = time.Now().Add(-time.Hour)

	r.StartSweeper(5 * time.Millisecond)
	require.Eventually(t, func() bool { return len(r.Unclaimed()) == 0 }, time.Second, 5*time.Millisecond)
}

func TestRouter_SetLimitsAppliesToNewAdmissions(t *testing.T) {
	r, _, _ := newTestRouter(t, Limits{MaxSessions: 2, MaxTargets: 2})

	require.NoError(t, r.AddSession("a", 1, 2))
	require.NoError(t, r.AddSession("b", 3, 4))

	r.SetLimits(Limits{MaxSessions: 1, MaxTargets: 2})
	assert.Equal(t, 1, r.Limits().MaxSessions)
	assert.Len(t, r.List().Sessions, 2)
	assert.ErrorIs(t, r.AddSession("c", 5, 6), domain.ErrMaxSessions)

	require.NoError(t, r.RemoveSession("a"))
	require.NoError(t, r.RemoveSession("b"))
	assert.NoError(t, r.AddSession("c", 5, 6))
}

func TestRouter_CloseTearsDownEverything(t *testing.T) {
	r, audio, video := newTestRouter(t, testLimits)

	require.NoError(t, r.AddSession("a", 1, 2))
	require.NoError(t, r.AddSession("b", 3, 4))
	require.NoError(t, r.AddRoute("a", "t1", "h", 5000, 5002))
	require.NoError(t, r.AddRoute("b", "t1", "h", 5010, 5012))
	audio.announce(1)
	video.announce(4)
	audio.announce(77)

	r.Close()
	assert.NotPanics(t, r.Close)

	assertAllDestroyedOnce(t, audio, video)
	assert.Empty(t, r.List().Sessions)
	assert.Empty(t, r.Unclaimed())
	assert.Error(t, r.AddSession("c", 5, 6))

	audio.announce(78)
	assert.Equal(t, 1, audio.count("dangling"))
}

func TestRouter_ConcurrentCommandsAndClaims(t *testing.T) {
	r, audio, video := newTestRouter(t, Limits{MaxSessions: 64, MaxTargets: 4})

	const n = 16
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("s%d", i)
			audioSSRC, videoSSRC := uint32(100+i), uint32(200+i)

			if i%2 == 0 {
				audio.announce(audioSSRC)
			}
			assert.NoError(t, r.AddSession(id, audioSSRC, videoSSRC))
			assert.NoError(t, r.AddRoute(id, "t", "h", 6000+i, 7000+i))
			video.announce(videoSSRC)
			_ = r.List()
			if i%2 == 0 {
				audio.announce(audioSSRC)
			}
		}(i)
	}
	wg.Wait()

	snap := r.List()
	require.Len(t, snap.Sessions, n)
	for _, s := range snap.Sessions {
		require.Len(t, s.Targets, 1, s.SessionID)
		assert.True(t, s.VideoTeeReady, s.SessionID)
		assert.True(t, s.Targets[0].VideoLinked, s.SessionID)
		assert.Equal(t, s.AudioTeeReady, s.Targets[0].AudioLinked, s.SessionID)
	}
	assert.Empty(t, r.Unclaimed())
	assert.Equal(t, n/2, audio.count("fanout"))
	assert.Equal(t, n, video.count("fanout"))
}
