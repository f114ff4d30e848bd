// Package smoother estimates a steadily advancing position from bursty
// observations of it.
//
// Each observation maps a wall clock instant to a position expressed in
// playback time. The estimate is a least-squares line over a sliding history
// window. When a new observation moves that line, the estimate glides from
// the old line to the new one over the adjust time instead of jumping.
package smoother

import (
	"time"

	"github.com/gammazero/deque"
)

type point struct {
	x, y float64 // seconds since the time offset
}

type line struct {
	x, y  float64
	slope float64
}

func (l line) at(x float64) float64 {
	return l.y + l.slope*(x-l.x)
}

type Smoother struct {
	adjustTime  float64
	historyTime float64
	monotonic   bool
	minHistory  int

	timeOffset time.Time
	history    *deque.Deque[point]

	from, to  line
	blendFrom float64
	valid     bool

	last float64
}

// New creates a smoother keeping historyTime worth of observations, at least
// minHistory of them for a regression, and gliding between estimates over
// adjustTime. A monotonic smoother never returns a smaller value than before
func New(adjustTime, historyTime time.Duration, monotonic bool, minHistory int) *Smoother {
	if minHistory < 2 {
		minHistory = 2
	}

	return &Smoother{
		adjustTime:  adjustTime.Seconds(),
		historyTime: historyTime.Seconds(),
		monotonic:   monotonic,
		minHistory:  minHistory,
		history:     deque.New[point](),
	}
}

// SetTimeOffset sets the wall clock instant all observations are relative to
func (s *Smoother) SetTimeOffset(t time.Time) {
	s.timeOffset = t
}

func (s *Smoother) seconds(t time.Time) float64 {
	return t.Sub(s.timeOffset).Seconds()
}

// Put records that the observed position was y at instant t
func (s *Smoother) Put(t time.Time, y time.Duration) {
	x := s.seconds(t)
	p := point{x: x, y: y.Seconds()}

	current, ok := s.estimate(x)

	s.history.PushBack(p)
	for s.history.Len() > s.minHistory && s.history.Front().x < x-s.historyTime {
		s.history.PopFront()
	}

	target := s.regression(p)

	if !ok {
		s.from = target
	} else {
		s.from = line{x: x, y: current, slope: s.slopeAt(x)}
	}

	s.to = target
	s.blendFrom = x
	s.valid = true
}

// regression fits the history, falling back to a unit slope through the
// newest point while there are too few observations
func (s *Smoother) regression(newest point) line {
	n := s.history.Len()
	if n < s.minHistory {
		return line{x: newest.x, y: newest.y, slope: 1}
	}

	var mx, my float64
	for i := 0; i < n; i++ {
		p := s.history.At(i)
		mx += p.x
		my += p.y
	}
	mx /= float64(n)
	my /= float64(n)

	var num, den float64
	for i := 0; i < n; i++ {
		p := s.history.At(i)
		num += (p.x - mx) * (p.y - my)
		den += (p.x - mx) * (p.x - mx)
	}

	slope := 1.0
	if den > 0 {
		slope = num / den
	}

	if s.monotonic && slope < 0 {
		slope = 0
	}

	return line{x: newest.x, y: my + slope*(newest.x-mx), slope: slope}
}

func (s *Smoother) weight(x float64) float64 {
	if s.adjustTime <= 0 || x >= s.blendFrom+s.adjustTime {
		return 1
	}

	if x <= s.blendFrom {
		return 0
	}

	return (x - s.blendFrom) / s.adjustTime
}

func (s *Smoother) estimate(x float64) (float64, bool) {
	if !s.valid {
		return 0, false
	}

	w := s.weight(x)
	return (1-w)*s.from.at(x) + w*s.to.at(x), true
}

func (s *Smoother) slopeAt(x float64) float64 {
	w := s.weight(x)
	return (1-w)*s.from.slope + w*s.to.slope
}

// Get returns the estimated position at instant t, or zero before the first Put
func (s *Smoother) Get(t time.Time) time.Duration {
	x := s.seconds(t)

	y, ok := s.estimate(x)
	if !ok {
		return 0
	}

	if s.monotonic {
		if y < s.last {
			y = s.last
		}
		s.last = y
	}

	if y < 0 {
		y = 0
	}

	return time.Duration(y * float64(time.Second))
}
