package rtprecv

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestAnnouncementCreatesSession(t *testing.T) {
	h := newHarness(t)
	s := h.announce(t, "alice", 46000)

	require.Equal(t, "alice", s.Origin())
	require.Equal(t, stereo48k, s.Format())
	require.Equal(t, uint32(48000), s.currentRate)
	require.Equal(t, h.clock.Now(), s.LastSeen())
	require.Equal(t, h.clock.Now(), s.lastRateUpdate)

	inputs := h.sink.Inputs()
	require.Len(t, inputs, 1)

	cfg := inputs[0].Config()
	require.Equal(t, "RTP Stream (alice's stream)", cfg.MediaName)
	require.Equal(t, 250*time.Millisecond, cfg.RequestedLatency)
	require.Equal(t, map[string]string{
		"rtp.session": "alice's stream",
		"rtp.origin":  "alice",
		"rtp.payload": "96",
		"media.role":  "stream",
	}, cfg.Properties)

	require.Equal(t, 250*time.Millisecond, s.downstreamLatency)
	require.Equal(t, 500*time.Millisecond, s.intendedLatency)

	// not readable until the prebuffer is filled
	require.False(t, s.queue.IsReadable())
	require.Equal(t, float64(1), testutil.ToFloat64(h.receiver.metrics.sessionsActive))
}

func TestAnnouncementRaisesIntendedLatency(t *testing.T) {
	h := newHarness(t)
	h.engine.AddSink("slow", 400*time.Millisecond, 0)
	h.receiver.configMan.current.Sink = "slow"

	s := h.announce(t, "alice", 46000)

	require.Equal(t, 400*time.Millisecond, s.downstreamLatency)
	require.Equal(t, 800*time.Millisecond, s.intendedLatency)
}

func TestAnnouncementKeepAlive(t *testing.T) {
	h := newHarness(t)
	s := h.announce(t, "alice", 46000)

	h.clock.Advance(5 * time.Second)
	again := h.announce(t, "alice", 46000)

	require.Same(t, s, again)
	require.Equal(t, h.clock.Now(), s.LastSeen())
	require.Equal(t, 1, h.sockets.count())
	require.Len(t, h.sink.Inputs(), 1)
}

func TestRegistryNeverExceedsCapacity(t *testing.T) {
	h := newHarness(t)

	for i, origin := range origins(maxSessions + 4) {
		h.receiver.handleAnnouncement(announcement(origin, 46000+i))
		require.LessOrEqual(t, h.receiver.registry.Len(), maxSessions)
	}

	require.Equal(t, maxSessions, h.receiver.registry.Len())
	require.Equal(t, maxSessions, h.sockets.count())
	require.Len(t, h.sink.Inputs(), maxSessions)
	require.Equal(t, float64(4), testutil.ToFloat64(h.receiver.metrics.sessionsRefused.WithLabelValues("capacity")))
}

func TestGoodbyeForUnknownOriginIsNoop(t *testing.T) {
	h := newHarness(t)
	h.announce(t, "alice", 46000)

	bye := announcement("bob", 46002)
	bye.Goodbye = true
	h.receiver.handleAnnouncement(bye)

	require.Equal(t, 1, h.receiver.registry.Len())
	_, ok := h.receiver.registry.Get("alice")
	require.True(t, ok)
}

func TestGoodbyeDestroysSession(t *testing.T) {
	h := newHarness(t)
	s := h.announce(t, "alice", 46000)
	in := h.input(t, s)

	bye := announcement("alice", 46000)
	bye.Goodbye = true
	h.receiver.handleAnnouncement(bye)

	_, ok := h.receiver.registry.Get("alice")
	require.False(t, ok)
	require.True(t, h.sockets.conn(bye.Address).IsClosed())
	require.True(t, in.Destroyed())
	require.Empty(t, h.sink.Inputs())

	select {
	case <-s.Released():
	case <-time.After(5 * time.Second):
		t.Fatal("session state never released")
	}
}

func TestDestinationNotFound(t *testing.T) {
	h := newHarness(t)
	h.receiver.configMan.current.Sink = "headphones"

	h.receiver.handleAnnouncement(announcement("alice", 46000))

	require.Equal(t, 0, h.receiver.registry.Len())
	require.Equal(t, 0, h.sockets.count())
	require.Equal(t, float64(1), testutil.ToFloat64(h.receiver.metrics.sessionsRefused.WithLabelValues("destination")))
}

func TestSocketErrorLeavesNothingBehind(t *testing.T) {
	h := newHarness(t)
	h.sockets.err = errNetworkDown

	_, err := h.receiver.createSession(announcement("alice", 46000))
	require.ErrorIs(t, err, ErrSocket)

	require.Equal(t, 0, h.receiver.registry.Len())
	require.Empty(t, h.sink.Inputs())
}

func TestSessionPicksUpReloadedSink(t *testing.T) {
	h := newHarness(t)
	other := h.engine.AddSink("headphones", 20*time.Millisecond, 0)

	h.announce(t, "alice", 46000)
	h.receiver.configMan.current.Sink = "headphones"
	h.announce(t, "bob", 46002)

	require.Len(t, h.sink.Inputs(), 1)
	require.Len(t, other.Inputs(), 1)
}

func TestDeathSweep(t *testing.T) {
	h := newHarness(t)
	stale := h.announce(t, "alice", 46000)
	fresh := h.announce(t, "bob", 46002)

	h.clock.Advance(15 * time.Second)
	h.announce(t, "bob", 46002)

	h.clock.Advance(10 * time.Second)
	h.receiver.sweep(h.clock.Now())

	_, ok := h.receiver.registry.Get("alice")
	require.False(t, ok)
	require.True(t, h.input(t, stale).Destroyed())

	_, ok = h.receiver.registry.Get("bob")
	require.True(t, ok)
	require.False(t, h.input(t, fresh).Destroyed())

	require.Equal(t, float64(1), testutil.ToFloat64(h.receiver.metrics.sessionsDestroyed.WithLabelValues("timeout")))
}

func TestDeathSweepKeepsSessionAtTimeout(t *testing.T) {
	h := newHarness(t)
	h.announce(t, "alice", 46000)

	h.clock.Advance(deathTimeout)
	h.receiver.sweep(h.clock.Now())

	require.Equal(t, 1, h.receiver.registry.Len())
}
