package rtprecv

import "errors"

var (
	// ErrCapacityExceeded is returned when an announcement arrives while the registry is full
	ErrCapacityExceeded = errors.New("session limit reached")

	// ErrDestinationNotFound is returned when the configured sink does not exist
	ErrDestinationNotFound = errors.New("destination sink not found")

	// ErrSocket covers every failure to open, join or bind a session socket
	ErrSocket = errors.New("session socket error")

	ErrMalformedPacket = errors.New("malformed RTP packet")
	ErrForeignStream   = errors.New("packet from foreign stream")
	ErrPayloadMismatch = errors.New("payload type mismatch")
	ErrQueueOverrun    = errors.New("jitter queue overrun")

	// ErrRateCorrectionAnomaly is returned when a computed rate fix is too large to be real drift
	ErrRateCorrectionAnomaly = errors.New("rate correction out of bounds")

	// ErrHangup means the session socket failed and the session has to go
	ErrHangup = errors.New("session socket hangup")
)
