// Package audio describes the raw sample formats an RTP session can carry
// and converts between buffer byte counts and playback time.
package audio

import (
	"fmt"
	"strings"
	"time"
)

// Encoding identifies how a single sample is laid out on the wire
type Encoding int

const (
	EncodingInvalid Encoding = iota
	EncodingS16BE            // L16
	EncodingU8               // L8
	EncodingULaw             // PCMU
	EncodingALaw             // PCMA
)

func (e Encoding) String() string {
	switch e {
	case EncodingS16BE:
		return "s16be"
	case EncodingU8:
		return "u8"
	case EncodingULaw:
		return "ulaw"
	case EncodingALaw:
		return "alaw"
	}

	return "invalid"
}

// SampleSize returns the size of one sample in bytes
func (e Encoding) SampleSize() int {
	switch e {
	case EncodingS16BE:
		return 2
	case EncodingU8, EncodingULaw, EncodingALaw:
		return 1
	}

	return 0
}

// Silence returns the byte value that encodes a zero sample
func (e Encoding) Silence() byte {
	switch e {
	case EncodingU8:
		return 0x80
	case EncodingULaw:
		return 0xff
	case EncodingALaw:
		return 0xd5
	}

	return 0x00
}

const (
	maxChannels = 32
	maxRate     = 384000
)

// Spec is a sample specification: encoding, rate and channel count
type Spec struct {
	Encoding Encoding
	Rate     uint32
	Channels uint8
}

func (s Spec) Valid() bool {
	return s.Encoding != EncodingInvalid &&
		s.Rate > 0 && s.Rate <= maxRate &&
		s.Channels > 0 && s.Channels <= maxChannels
}

// FrameSize is the number of bytes holding one sample for every channel
func (s Spec) FrameSize() int {
	return s.Encoding.SampleSize() * int(s.Channels)
}

func (s Spec) Silence() byte {
	return s.Encoding.Silence()
}

// BytesToDuration converts a byte count to playback time, ignoring any partial frame
func (s Spec) BytesToDuration(n int64) time.Duration {
	fs := int64(s.FrameSize())
	if fs == 0 || s.Rate == 0 {
		return 0
	}

	// split whole seconds off so long running streams cannot overflow
	frames := n / fs
	rate := int64(s.Rate)
	return time.Duration(frames/rate)*time.Second + time.Duration(frames%rate*int64(time.Second)/rate)
}

// DurationToBytes converts playback time to a whole number of frames in bytes
func (s Spec) DurationToBytes(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}

	rate := int64(s.Rate)
	frames := int64(d/time.Second)*rate + int64(d%time.Second)*rate/int64(time.Second)
	return frames * int64(s.FrameSize())
}

func (s Spec) String() string {
	return fmt.Sprintf("%s %dch %dHz", s.Encoding, s.Channels, s.Rate)
}

// FromPayloadType resolves the static RTP/AVP audio payload types (RFC 3551)
func FromPayloadType(pt uint8) (Spec, bool) {
	switch pt {
	case 0:
		return Spec{Encoding: EncodingULaw, Rate: 8000, Channels: 1}, true
	case 8:
		return Spec{Encoding: EncodingALaw, Rate: 8000, Channels: 1}, true
	case 10:
		return Spec{Encoding: EncodingS16BE, Rate: 44100, Channels: 2}, true
	case 11:
		return Spec{Encoding: EncodingS16BE, Rate: 44100, Channels: 1}, true
	}

	return Spec{}, false
}

// FromRTPMap resolves an a=rtpmap encoding name with its clock rate and channels
func FromRTPMap(name string, rate uint32, channels int) (Spec, bool) {
	if channels <= 0 {
		channels = 1
	}

	var enc Encoding
	switch strings.ToUpper(name) {
	case "L16":
		enc = EncodingS16BE
	case "L8":
		enc = EncodingU8
	case "PCMU":
		enc = EncodingULaw
	case "PCMA":
		enc = EncodingALaw
	default:
		return Spec{}, false
	}

	if channels > maxChannels {
		return Spec{}, false
	}

	spec := Spec{Encoding: enc, Rate: rate, Channels: uint8(channels)}
	return spec, spec.Valid()
}
