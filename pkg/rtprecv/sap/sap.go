// Package sap decodes Session Announcement Protocol (RFC 2974) datagrams
// carrying SDP descriptions of multicast RTP audio streams.
package sap

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"

	"github.com/MixyLabs/rtprecv/pkg/rtprecv/audio"
)

const (
	// Port is the well-known SAP port
	Port = 9875

	// DefaultAddress is the announcement group listened on when none is configured
	DefaultAddress = "224.0.0.56"

	sapVersion = 1
	sdpMIME    = "application/sdp"

	flagIPv6       = 0x10
	flagGoodbye    = 0x04
	flagEncrypted  = 0x02
	flagCompressed = 0x01
)

var (
	ErrShort       = errors.New("sap datagram too short")
	ErrVersion     = errors.New("unsupported sap version")
	ErrEncrypted   = errors.New("encrypted sap announcements are not supported")
	ErrCompressed  = errors.New("compressed sap announcements are not supported")
	ErrPayloadType = errors.New("sap payload is not sdp")
	ErrNoOrigin    = errors.New("sdp has no origin")
	ErrNoMedia     = errors.New("sdp has no rtp audio media")
	ErrNoAddress   = errors.New("sdp has no usable connection address")
	ErrFormat      = errors.New("unsupported sdp audio format")
)

// Announcement is one decoded SAP message
type Announcement struct {
	// Origin is the full SDP o= value and identifies the announcing endpoint
	Origin string

	// Label is the human-readable SDP session name, possibly empty
	Label string

	Address     *net.UDPAddr
	PayloadType uint8
	Format      audio.Spec

	Goodbye bool
}

// Decode parses a SAP datagram. Goodbye announcements only require an origin
func Decode(datagram []byte) (*Announcement, error) {
	if len(datagram) < 4 {
		return nil, ErrShort
	}

	flags := datagram[0]
	if flags>>5 != sapVersion {
		return nil, fmt.Errorf("%w: %d", ErrVersion, flags>>5)
	}

	if flags&flagEncrypted != 0 {
		return nil, ErrEncrypted
	}

	if flags&flagCompressed != 0 {
		return nil, ErrCompressed
	}

	sourceLen := net.IPv4len
	if flags&flagIPv6 != 0 {
		sourceLen = net.IPv6len
	}

	offset := 4 + sourceLen + int(datagram[1])*4
	if len(datagram) < offset {
		return nil, ErrShort
	}

	body := datagram[offset:]

	// the payload type field is optional when the body is plain sdp
	if !bytes.HasPrefix(body, []byte("v=0")) {
		end := bytes.IndexByte(body, 0)
		if end < 0 || string(body[:end]) != sdpMIME {
			return nil, ErrPayloadType
		}

		body = body[end+1:]
	}

	return parseSDP(body, flags&flagGoodbye != 0)
}

func parseSDP(body []byte, goodbye bool) (*Announcement, error) {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal(body); err != nil {
		return nil, fmt.Errorf("unmarshal sdp: %w", err)
	}

	if desc.Origin.Username == "" && desc.Origin.UnicastAddress == "" {
		return nil, ErrNoOrigin
	}

	a := &Announcement{
		Origin:  desc.Origin.String(),
		Label:   strings.TrimSpace(string(desc.SessionName)),
		Goodbye: goodbye,
	}

	if goodbye {
		return a, nil
	}

	media := findAudioMedia(&desc)
	if media == nil {
		return nil, ErrNoMedia
	}

	pt, err := strconv.ParseUint(media.MediaName.Formats[0], 10, 8)
	if err != nil {
		return nil, fmt.Errorf("%w: payload type %q", ErrFormat, media.MediaName.Formats[0])
	}
	a.PayloadType = uint8(pt)

	addr, err := connectionAddress(&desc, media)
	if err != nil {
		return nil, err
	}
	a.Address = addr

	format, err := resolveFormat(&desc, a.PayloadType)
	if err != nil {
		return nil, err
	}
	a.Format = format

	return a, nil
}

func findAudioMedia(desc *sdp.SessionDescription) *sdp.MediaDescription {
	for _, md := range desc.MediaDescriptions {
		if md.MediaName.Media != "audio" || len(md.MediaName.Formats) == 0 {
			continue
		}

		if strings.Join(md.MediaName.Protos, "/") != "RTP/AVP" {
			continue
		}

		if md.MediaName.Port.Value <= 0 || md.MediaName.Port.Value > 0xffff {
			continue
		}

		return md
	}

	return nil
}

func connectionAddress(desc *sdp.SessionDescription, media *sdp.MediaDescription) (*net.UDPAddr, error) {
	conn := media.ConnectionInformation
	if conn == nil || conn.Address == nil {
		conn = desc.ConnectionInformation
	}

	if conn == nil || conn.Address == nil {
		return nil, ErrNoAddress
	}

	// c=IN IP4 224.0.0.56/255 normally leaves the ttl in Address.TTL
	host := conn.Address.Address
	if i := strings.IndexByte(host, '/'); i >= 0 {
		host = host[:i]
	}

	ip := net.ParseIP(host)
	if ip == nil {
		return nil, fmt.Errorf("%w: %q", ErrNoAddress, conn.Address.Address)
	}

	return &net.UDPAddr{IP: ip, Port: media.MediaName.Port.Value}, nil
}

func resolveFormat(desc *sdp.SessionDescription, pt uint8) (audio.Spec, error) {
	codec, err := desc.GetCodecForPayloadType(pt)
	if err == nil && codec.Name != "" {
		channels := 1
		if codec.EncodingParameters != "" {
			if channels, err = strconv.Atoi(codec.EncodingParameters); err != nil {
				return audio.Spec{}, fmt.Errorf("%w: channels %q", ErrFormat, codec.EncodingParameters)
			}
		}

		if spec, ok := audio.FromRTPMap(codec.Name, codec.ClockRate, channels); ok {
			return spec, nil
		}

		return audio.Spec{}, fmt.Errorf("%w: %s", ErrFormat, codec.Name)
	}

	if spec, ok := audio.FromPayloadType(pt); ok {
		return spec, nil
	}

	return audio.Spec{}, fmt.Errorf("%w: payload type %d", ErrFormat, pt)
}
