package rtprecv

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestRateCorrection(t *testing.T) {
	tests := []struct {
		name    string
		latency time.Duration
		current uint32
		want    uint32
		anomaly bool
	}{
		{"on target", 500 * time.Millisecond, 48000, 48000, false},
		{"below target slows down", 400 * time.Millisecond, 48000, 47040, false},
		{"above target speeds up", 600 * time.Millisecond, 48000, 48960, false},
		{"keeps accumulated rate", 500 * time.Millisecond, 48123, 48123, false},
		{"too large to be drift", 2 * time.Second, 48000, 48000, true},
		{"would leave the band", 600 * time.Millisecond, 57000, 57000, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rate, err := rateCorrection(tt.latency, 500*time.Millisecond, rateUpdateInterval, 48000, tt.current)
			require.Equal(t, tt.want, rate)

			if tt.anomaly {
				require.ErrorIs(t, err, ErrRateCorrectionAnomaly)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestUpdateRateOnTarget(t *testing.T) {
	h := newHarness(t)
	h.sink.SetOutputLatency(0)
	s := h.announce(t, "alice", 46000)
	in := h.input(t, s)

	require.Equal(t, 500*time.Millisecond, s.intendedLatency)

	now := h.clock.Now()
	s.smoother.Put(now, 500*time.Millisecond)

	require.Equal(t, 500*time.Millisecond, s.measuredLatency(now))
	require.NoError(t, s.updateRate(now))

	require.Equal(t, uint32(48000), s.currentRate)
	require.Equal(t, uint32(48000), in.Rate())
	require.Equal(t, now, s.lastRateUpdate)
	require.Equal(t, float64(1), testutil.ToFloat64(h.receiver.metrics.rateUpdates))
}

func TestUpdateRateAccountsForDownstreamDelay(t *testing.T) {
	h := newHarness(t)
	h.sink.SetOutputLatency(0)
	s := h.announce(t, "alice", 46000)
	in := h.input(t, s)

	s.queue.SetPrebuf(0)
	require.NoError(t, s.queue.Push(frames(4800, 1)))
	require.Len(t, in.Pull(4800*4), 4800*4)

	now := h.clock.Now()
	s.smoother.Put(now, 600*time.Millisecond)

	// 100ms was read but is still sitting in the engine
	in.SetPendingRender(100 * time.Millisecond)
	require.Equal(t, 600*time.Millisecond, s.measuredLatency(now))

	in.SetPendingRender(0)
	require.Equal(t, 500*time.Millisecond, s.measuredLatency(now))
}

func TestUpdateRateSkipsAnomaly(t *testing.T) {
	h := newHarness(t)
	h.sink.SetOutputLatency(0)
	s := h.announce(t, "alice", 46000)
	in := h.input(t, s)

	in.SetRate(47000)
	s.currentRate = 47000

	now := h.clock.Now()
	s.smoother.Put(now, 5*time.Second)

	err := s.updateRate(now)
	require.ErrorIs(t, err, ErrRateCorrectionAnomaly)

	require.Equal(t, uint32(47000), s.currentRate)
	require.Equal(t, uint32(47000), in.Rate())
	require.Equal(t, now, s.lastRateUpdate)
	require.Equal(t, float64(1), testutil.ToFloat64(h.receiver.metrics.rateAnomalies))
	require.Equal(t, float64(0), testutil.ToFloat64(h.receiver.metrics.rateUpdates))
}
