package rtprecv

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/atomic"

	"github.com/MixyLabs/rtprecv/pkg/rtprecv/engine"
	"github.com/MixyLabs/rtprecv/pkg/rtprecv/jitter"
	"github.com/MixyLabs/rtprecv/pkg/rtprecv/sap"
	"github.com/MixyLabs/rtprecv/pkg/rtprecv/smoother"
)

// handleAnnouncement applies one decoded SAP announcement to the registry
func (r *Receiver) handleAnnouncement(a *sap.Announcement) {
	if a.Goodbye {
		if s, ok := r.registry.Get(a.Origin); ok {
			r.destroySession(s, "goodbye")
		}

		return
	}

	if s, ok := r.registry.Get(a.Origin); ok {
		s.touch(r.now())
		return
	}

	s, err := r.createSession(a)
	if err != nil {
		r.metrics.sessionsRefused.WithLabelValues(refusalReason(err)).Inc()
		r.logger.Warnw("Failed to create session", "origin", a.Origin, "label", a.Label, "error", err)
		return
	}

	r.logger.Infow("New session", "session", s, "sessions", r.registry)
}

func refusalReason(err error) string {
	switch {
	case errors.Is(err, ErrCapacityExceeded):
		return "capacity"
	case errors.Is(err, ErrDestinationNotFound):
		return "destination"
	case errors.Is(err, ErrSocket):
		return "socket"
	}

	return "engine"
}

func (r *Receiver) createSession(a *sap.Announcement) (*Session, error) {
	if r.registry.Full() {
		return nil, fmt.Errorf("%w: %d sessions", ErrCapacityExceeded, maxSessions)
	}

	cfg := r.configMan.Current()

	sink, err := r.engine.Sink(cfg.Sink)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDestinationNotFound, err)
	}

	conn, err := r.openSocket(a.Address)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSocket, err)
	}

	now := r.now()

	sm := smoother.New(smootherAdjustTime, smootherHistoryTime, true, smootherMinHistory)
	sm.SetTimeOffset(now)

	s := &Session{
		logger:          r.logger.Named("session").With("origin", a.Origin),
		metrics:         r.metrics,
		origin:          a.Origin,
		label:           a.Label,
		format:          a.Format,
		payloadType:     a.PayloadType,
		cookie:          r.cookie,
		smoother:        sm,
		lastRateUpdate:  now,
		currentRate:     a.Format.Rate,
		intendedLatency: cfg.IntendedLatency(),
		lastSeen:        atomic.NewTime(now),
		refs:            atomic.NewInt32(1),
		destroyed:       atomic.NewBool(false),
		released:        make(chan struct{}),
		conn:            conn,
		now:             r.now,
		verbose:         r.verbose,
	}

	// the prebuffer is only known once the engine grants its latency
	s.queue = jitter.New(jitter.Config{
		MaxLength: maxQueueLength,
		Base:      a.Format.FrameSize(),
		Silence:   a.Format.Silence(),
	})

	input, err := sink.CreateInput(engine.InputConfig{
		Format:           a.Format,
		RequestedLatency: s.intendedLatency / 2,
		MediaName:        fmt.Sprintf("RTP Stream (%s)", a.Label),
		Properties: map[string]string{
			"rtp.session": a.Label,
			"rtp.origin":  a.Origin,
			"rtp.payload": strconv.Itoa(int(a.PayloadType)),
			"media.role":  "stream",
		},
		Source: s.queue,
		OnKill: func() { r.requestKill(s, "killed") },
	})
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("create engine input: %w", err)
	}

	s.input = input

	s.downstreamLatency = input.GrantedLatency()
	if s.intendedLatency < s.downstreamLatency*2 {
		s.intendedLatency = s.downstreamLatency * 2
	}

	s.queue.SetPrebuf(a.Format.DurationToBytes(s.intendedLatency - s.downstreamLatency))

	if err := r.registry.Add(s); err != nil {
		input.Destroy()
		_ = conn.Close()
		return nil, err
	}

	r.metrics.sessionsCreated.Inc()
	r.metrics.sessionsActive.Set(float64(r.registry.Len()))

	s.refs.Inc()
	go s.run(func(s *Session) { r.requestKill(s, "hangup") })

	s.logger.Debugw("Session latency",
		"intendedLatency", s.intendedLatency,
		"downstreamLatency", s.downstreamLatency)

	return s, nil
}

// destroySession removes s from the registry and detaches it from its
// socket and input. Its buffers go away once the reader has let go too
func (r *Receiver) destroySession(s *Session, reason string) {
	if !r.registry.Remove(s) {
		return
	}

	s.destroy()

	r.metrics.sessionsDestroyed.WithLabelValues(reason).Inc()
	r.metrics.sessionsActive.Set(float64(r.registry.Len()))

	r.logger.Infow("Freed session", "session", s, "reason", reason, "sessions", r.registry)
}

// sweep destroys every session not heard from within the death timeout
func (r *Receiver) sweep(now time.Time) {
	for _, s := range r.registry.Sessions() {
		if now.Sub(s.LastSeen()) > deathTimeout {
			r.logger.Infow("Session timed out", "session", s, "lastSeen", s.LastSeen())
			r.destroySession(s, "timeout")
		}
	}
}
