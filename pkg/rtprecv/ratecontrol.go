package rtprecv

import (
	"fmt"
	"time"
)

const (
	rateUpdateInterval = 5 * time.Second

	// corrections beyond this share of the nominal rate are treated as bad measurements
	maxRateDeviation = 0.20
)

// rateCorrection computes the new playback rate for a buffered latency.
// Below the target the rate drops so the consumer drains slower; above it
// the rate rises. An out of bounds correction returns the current rate
// unchanged with ErrRateCorrectionAnomaly
func rateCorrection(latency, intended, interval time.Duration, nominal, current uint32) (uint32, error) {
	fix := latency - intended
	if fix < 0 {
		fix = -fix
	}

	fixFrames := int64(fix) * int64(nominal) / int64(interval)

	bound := int64(float64(nominal) * maxRateDeviation)
	if fixFrames > bound {
		return current, fmt.Errorf("%w: %d Hz", ErrRateCorrectionAnomaly, fixFrames)
	}

	rate := int64(current)
	if latency < intended {
		rate -= fixFrames
	} else {
		rate += fixFrames
	}

	// keep the accumulated rate inside the band around nominal
	if rate < int64(nominal)-bound || rate > int64(nominal)+bound {
		return current, fmt.Errorf("%w: rate %d Hz outside band around %d Hz", ErrRateCorrectionAnomaly, rate, nominal)
	}

	return uint32(rate), nil
}

// measuredLatency is how much audio sits between the smoothed write
// position and what the engine is actually playing
func (s *Session) measuredLatency(now time.Time) time.Duration {
	written := s.smoother.Get(now)

	read := s.format.BytesToDuration(s.queue.ReadIndex())
	delay := s.input.OutputLatency() + s.input.PendingRender()

	if read > delay {
		read -= delay
	} else {
		read = 0
	}

	if written < read {
		return 0
	}

	return written - read
}

// updateRate runs the adaptive latency controller. last_rate_update is
// recorded even when the correction is skipped, so an anomaly is looked at
// again one interval later rather than on every packet
func (s *Session) updateRate(now time.Time) error {
	latency := s.measuredLatency(now)
	s.lastRateUpdate = now

	rate, err := rateCorrection(latency, s.intendedLatency, rateUpdateInterval, s.format.Rate, s.currentRate)
	if err != nil {
		s.metrics.rateAnomalies.Inc()
		s.logger.Debugw("Rate fix is too large, not applying",
			"latency", latency,
			"intendedLatency", s.intendedLatency,
			"error", err)

		return err
	}

	if rate != s.currentRate {
		s.logger.Debugw("Updated playback rate",
			"latency", latency,
			"intendedLatency", s.intendedLatency,
			"from", s.currentRate,
			"to", rate)
	}

	s.currentRate = rate
	s.input.SetRate(rate)
	s.metrics.rateUpdates.Inc()

	return nil
}
