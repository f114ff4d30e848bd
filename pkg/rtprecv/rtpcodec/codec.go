// Package rtpcodec decodes the RTP datagrams carrying raw audio frames.
package rtpcodec

import (
	"errors"
	"fmt"

	"github.com/pion/rtp"
)

const rtpVersion = 2

var (
	ErrVersion     = errors.New("unsupported rtp version")
	ErrEmpty       = errors.New("empty rtp payload")
	ErrFrameLength = errors.New("rtp payload is not a whole number of frames")
)

// Packet is a decoded RTP audio packet. Payload never aliases the datagram
type Packet struct {
	SSRC           uint32
	Timestamp      uint32
	SequenceNumber uint16
	PayloadType    uint8
	Payload        []byte
}

// Frames returns the number of sample frames in the payload
func (p *Packet) Frames(frameSize int) uint32 {
	if frameSize <= 0 {
		return 0
	}

	return uint32(len(p.Payload) / frameSize)
}

// Decode parses one datagram. The payload must hold a whole number of frames
// of frameSize bytes
func Decode(datagram []byte, frameSize int) (*Packet, error) {
	var pkt rtp.Packet
	if err := pkt.Unmarshal(datagram); err != nil {
		return nil, fmt.Errorf("unmarshal rtp packet: %w", err)
	}

	if pkt.Version != rtpVersion {
		return nil, fmt.Errorf("%w: %d", ErrVersion, pkt.Version)
	}

	if len(pkt.Payload) == 0 {
		return nil, ErrEmpty
	}

	if frameSize > 0 && len(pkt.Payload)%frameSize != 0 {
		return nil, fmt.Errorf("%w: %d bytes, frame size %d", ErrFrameLength, len(pkt.Payload), frameSize)
	}

	payload := make([]byte, len(pkt.Payload))
	copy(payload, pkt.Payload)

	return &Packet{
		SSRC:           pkt.SSRC,
		Timestamp:      pkt.Timestamp,
		SequenceNumber: pkt.SequenceNumber,
		PayloadType:    pkt.PayloadType,
		Payload:        payload,
	}, nil
}
