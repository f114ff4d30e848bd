package smoother

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGetBeforePut(t *testing.T) {
	s := New(5*time.Second, 2*time.Second, true, 10)
	s.SetTimeOffset(time.Now())

	require.Equal(t, time.Duration(0), s.Get(time.Now()))
}

func TestSteadyProgress(t *testing.T) {
	t0 := time.Unix(1000, 0)

	s := New(5*time.Second, 2*time.Second, true, 10)
	s.SetTimeOffset(t0)

	for i := 0; i < 300; i++ {
		d := time.Duration(i) * 10 * time.Millisecond
		s.Put(t0.Add(d), d)
	}

	got := s.Get(t0.Add(3 * time.Second))
	require.InDelta(t, float64(3*time.Second), float64(got), float64(time.Millisecond))
}

func TestBurstyArrivalsAreSmoothed(t *testing.T) {
	t0 := time.Unix(1000, 0)

	s := New(5*time.Second, 2*time.Second, true, 10)
	s.SetTimeOffset(t0)

	// three 10ms packets land in the same scheduler tick every 30ms
	var now time.Time
	for k := 0; k < 200; k++ {
		now = t0.Add(time.Duration(k) * 30 * time.Millisecond)
		for j := 1; j <= 3; j++ {
			s.Put(now, now.Sub(t0)+time.Duration(j)*10*time.Millisecond)
		}
	}

	at := now.Add(15 * time.Millisecond)
	want := at.Sub(t0) + 20*time.Millisecond

	require.InDelta(t, float64(want), float64(s.Get(at)), float64(15*time.Millisecond))
}

func TestMonotonic(t *testing.T) {
	t0 := time.Unix(1000, 0)

	s := New(time.Second, 2*time.Second, true, 2)
	s.SetTimeOffset(t0)

	s.Put(t0, time.Second)
	first := s.Get(t0.Add(100 * time.Millisecond))

	// the writer jumped backwards, the estimate must not
	s.Put(t0.Add(200*time.Millisecond), 0)
	second := s.Get(t0.Add(210 * time.Millisecond))

	require.GreaterOrEqual(t, second, first)
}
