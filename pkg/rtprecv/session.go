package rtprecv

import (
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/MixyLabs/rtprecv/pkg/rtprecv/audio"
	"github.com/MixyLabs/rtprecv/pkg/rtprecv/engine"
	"github.com/MixyLabs/rtprecv/pkg/rtprecv/jitter"
	"github.com/MixyLabs/rtprecv/pkg/rtprecv/rtpcodec"
	"github.com/MixyLabs/rtprecv/pkg/rtprecv/smoother"
)

const (
	// maxDatagram is the largest UDP payload a session reads in one go
	maxDatagram = 65536

	smootherAdjustTime  = 5 * time.Second
	smootherHistoryTime = 2 * time.Second
	smootherMinHistory  = 10
)

// Readiness is one event from a session socket, as delivered to Work
type Readiness struct {
	// Data is one datagram; empty means nothing was readable
	Data []byte

	// Hangup is set when the socket failed
	Hangup bool
}

// Session is one announced RTP stream being played into an engine input
type Session struct {
	logger  *zap.SugaredLogger
	metrics *Metrics

	origin      string
	label       string
	format      audio.Spec
	payloadType uint8
	cookie      uint32

	// owned by the reader goroutine
	bound             bool
	streamID          uint32
	expectedTimestamp uint32
	smoother          *smoother.Smoother
	lastRateUpdate    time.Time
	currentRate       uint32

	queue *jitter.Queue

	intendedLatency   time.Duration
	downstreamLatency time.Duration

	lastSeen  *atomic.Time
	refs      *atomic.Int32
	destroyed *atomic.Bool
	released  chan struct{}

	conn  net.PacketConn
	input engine.Input

	now     func() time.Time
	verbose bool
}

func (s *Session) Origin() string {
	return s.origin
}

func (s *Session) Format() audio.Spec {
	return s.format
}

func (s *Session) LastSeen() time.Time {
	return s.lastSeen.Load()
}

// touch records activity; the death sweep reads it from the control loop
func (s *Session) touch(t time.Time) {
	s.lastSeen.Store(t)
}

func (s *Session) String() string {
	return fmt.Sprintf("<session %q %s pt=%d>", s.label, s.format, s.payloadType)
}

// Work runs the ingestion pipeline for one readiness event. It reports
// whether a packet was consumed; dropped packets come back as an error
// wrapping one of the package sentinels, and only ErrHangup is fatal
func (s *Session) Work(ev Readiness) (bool, error) {
	if ev.Hangup {
		return false, ErrHangup
	}

	if len(ev.Data) == 0 {
		return false, nil
	}

	frameSize := s.format.FrameSize()

	pkt, err := rtpcodec.Decode(ev.Data, frameSize)
	if err != nil {
		s.metrics.packetsDropped.WithLabelValues("malformed").Inc()
		return true, fmt.Errorf("%w: %v", ErrMalformedPacket, err)
	}

	if pkt.PayloadType != s.payloadType {
		s.metrics.packetsDropped.WithLabelValues("payload_type").Inc()
		return true, fmt.Errorf("%w: got %d, want %d", ErrPayloadMismatch, pkt.PayloadType, s.payloadType)
	}

	if !s.bound {
		s.bound = true
		s.streamID = pkt.SSRC
		s.expectedTimestamp = pkt.Timestamp

		if pkt.SSRC == s.cookie {
			s.logger.Warnw("Found our own stream, possible loop", "ssrc", pkt.SSRC)
		}
	} else if pkt.SSRC != s.streamID {
		s.metrics.packetsDropped.WithLabelValues("foreign_stream").Inc()
		return true, fmt.Errorf("%w: ssrc %d, bound to %d", ErrForeignStream, pkt.SSRC, s.streamID)
	}

	if delta := timestampDelta(s.expectedTimestamp, pkt.Timestamp); delta != 0 {
		s.queue.SeekWrite(delta * int64(frameSize))
	}

	now := s.now()

	s.smoother.Put(now, s.format.BytesToDuration(s.queue.WriteIndex()))

	var dropped error
	if err := s.queue.Push(pkt.Payload); err != nil {
		// keep later packets where they belong even though this one is lost
		s.queue.SeekWrite(int64(len(pkt.Payload)))
		s.metrics.queueOverruns.Inc()
		s.logger.Warnw("Queue overrun", "bytes", len(pkt.Payload), "error", err)

		dropped = fmt.Errorf("%w: %v", ErrQueueOverrun, err)
	} else {
		s.metrics.packetsReceived.Inc()
	}

	s.expectedTimestamp = pkt.Timestamp + pkt.Frames(frameSize)

	s.touch(now)

	if now.Sub(s.lastRateUpdate) >= rateUpdateInterval {
		if err := s.updateRate(now); err != nil && !errors.Is(err, ErrRateCorrectionAnomaly) {
			s.logger.Warnw("Failed to update playback rate", "error", err)
		}
	}

	if s.queue.IsReadable() && s.input.Underrun() {
		s.input.RequestRewind()
	}

	return true, dropped
}

// timestampDelta is how far ts lies ahead of expected in sample frames,
// taking whichever of the direct and the wrapped distance is shorter
func timestampDelta(expected, ts uint32) int64 {
	direct := int64(ts) - int64(expected)

	var wrapped int64
	if direct < 0 {
		wrapped = direct + 1<<32
	} else {
		wrapped = direct - 1<<32
	}

	if abs64(wrapped) < abs64(direct) {
		return wrapped
	}

	return direct
}

func abs64(n int64) int64 {
	if n < 0 {
		return -n
	}

	return n
}

// run is the session's real-time context: it turns socket reads into
// readiness events until the socket is closed
func (s *Session) run(kill func(*Session)) {
	defer s.release()

	buf := make([]byte, maxDatagram)

	for {
		n, _, err := s.conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || s.destroyed.Load() {
				return
			}

			if _, werr := s.Work(Readiness{Hangup: true}); errors.Is(werr, ErrHangup) {
				s.logger.Warnw("Session socket failed", "error", err)
				kill(s)
			}

			return
		}

		if _, err := s.Work(Readiness{Data: buf[:n]}); err != nil && s.verbose {
			if errors.Is(err, ErrForeignStream) || errors.Is(err, ErrPayloadMismatch) {
				s.logger.Debugw("Dropped packet", "reason", err)
			}
		}
	}
}

// destroy detaches the session from its socket and engine input and drops
// the control loop's reference. It is safe to call more than once
func (s *Session) destroy() {
	if s.destroyed.Swap(true) {
		return
	}

	if err := s.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.logger.Debugw("Failed to close session socket", "error", err)
	}

	s.input.Destroy()
	s.release()
}

// release drops one reference; the last one frees the ingestion state
func (s *Session) release() {
	if s.refs.Dec() > 0 {
		return
	}

	s.queue = nil
	s.smoother = nil
	close(s.released)

	s.logger.Debug("Released session state")
}

// Released is closed once neither the control loop nor the reader holds the session
func (s *Session) Released() <-chan struct{} {
	return s.released
}
