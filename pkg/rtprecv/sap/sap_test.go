package sap

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/MixyLabs/rtprecv/pkg/rtprecv/audio"
)

const aliceSDP = "v=0\n" +
	"o=alice 3724394400 0 IN IP4 192.168.1.20\n" +
	"s=Living room\n" +
	"c=IN IP4 224.0.0.56/255\n" +
	"t=2873397496 0\n" +
	"a=recvonly\n" +
	"m=audio 46000 RTP/AVP 99\n" +
	"a=rtpmap:99 L16/48000/2\n" +
	"a=type:broadcast\n"

func datagram(goodbye bool, withMIME bool, body string) []byte {
	flags := byte(0x20)
	if goodbye {
		flags |= flagGoodbye
	}

	buf := []byte{flags, 0, 0x12, 0x34, 192, 168, 1, 20}
	if withMIME {
		buf = append(buf, []byte(sdpMIME)...)
		buf = append(buf, 0)
	}

	return append(buf, []byte(body)...)
}

func TestDecodeAnnouncement(t *testing.T) {
	a, err := Decode(datagram(false, true, aliceSDP))
	require.NoError(t, err)

	require.Equal(t, "alice 3724394400 0 IN IP4 192.168.1.20", a.Origin)
	require.Equal(t, "Living room", a.Label)
	require.False(t, a.Goodbye)
	require.Equal(t, uint8(99), a.PayloadType)
	require.Equal(t, audio.Spec{Encoding: audio.EncodingS16BE, Rate: 48000, Channels: 2}, a.Format)
	require.True(t, a.Address.IP.Equal(net.ParseIP("224.0.0.56")))
	require.Equal(t, 46000, a.Address.Port)
}

func TestDecodeWithoutMIMEType(t *testing.T) {
	a, err := Decode(datagram(false, false, aliceSDP))
	require.NoError(t, err)
	require.Equal(t, uint8(99), a.PayloadType)
}

func TestDecodeStaticPayloadType(t *testing.T) {
	body := "v=0\n" +
		"o=bob 1 0 IN IP4 10.0.0.2\n" +
		"s=-\n" +
		"t=0 0\n" +
		"m=audio 5004 RTP/AVP 10\n" +
		"c=IN IP4 239.255.0.1/32\n"

	a, err := Decode(datagram(false, true, body))
	require.NoError(t, err)
	require.Equal(t, audio.Spec{Encoding: audio.EncodingS16BE, Rate: 44100, Channels: 2}, a.Format)
	require.True(t, a.Address.IP.Equal(net.ParseIP("239.255.0.1")))
	require.Equal(t, 5004, a.Address.Port)
}

func TestDecodeGoodbye(t *testing.T) {
	body := "v=0\n" +
		"o=alice 3724394400 0 IN IP4 192.168.1.20\n" +
		"s=Living room\n" +
		"t=0 0\n"

	a, err := Decode(datagram(true, true, body))
	require.NoError(t, err)
	require.True(t, a.Goodbye)
	require.Equal(t, "alice 3724394400 0 IN IP4 192.168.1.20", a.Origin)
	require.Nil(t, a.Address)
}

func TestDecodeSkipsAuthAndIPv6Source(t *testing.T) {
	buf := []byte{0x20 | flagIPv6, 1, 0, 1}
	buf = append(buf, net.ParseIP("ff02::1")...)
	buf = append(buf, 0xaa, 0xbb, 0xcc, 0xdd)
	buf = append(buf, []byte(aliceSDP)...)

	a, err := Decode(buf)
	require.NoError(t, err)
	require.Equal(t, uint8(99), a.PayloadType)
}

func TestDecodeRejects(t *testing.T) {
	cases := map[string]struct {
		datagram []byte
		err      error
	}{
		"short":      {[]byte{0x20, 0}, ErrShort},
		"version":    {append([]byte{0x40, 0, 0, 0, 1, 2, 3, 4}, aliceSDP...), ErrVersion},
		"encrypted":  {append([]byte{0x20 | flagEncrypted, 0, 0, 0, 1, 2, 3, 4}, aliceSDP...), ErrEncrypted},
		"compressed": {append([]byte{0x20 | flagCompressed, 0, 0, 0, 1, 2, 3, 4}, aliceSDP...), ErrCompressed},
		"mime":       {append([]byte{0x20, 0, 0, 0, 1, 2, 3, 4}, "text/plain\x00v=0\n"...), ErrPayloadType},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(tc.datagram)
			require.ErrorIs(t, err, tc.err)
		})
	}
}

func TestDecodeRejectsVideoOnly(t *testing.T) {
	body := "v=0\n" +
		"o=carol 1 0 IN IP4 10.0.0.3\n" +
		"s=cam\n" +
		"c=IN IP4 239.255.0.2\n" +
		"t=0 0\n" +
		"m=video 5006 RTP/AVP 96\n" +
		"a=rtpmap:96 H264/90000\n"

	_, err := Decode(datagram(false, true, body))
	require.ErrorIs(t, err, ErrNoMedia)
}

func TestDecodeRejectsUnsupportedCodec(t *testing.T) {
	body := "v=0\n" +
		"o=dave 1 0 IN IP4 10.0.0.4\n" +
		"s=opus\n" +
		"c=IN IP4 239.255.0.3\n" +
		"t=0 0\n" +
		"m=audio 5008 RTP/AVP 111\n" +
		"a=rtpmap:111 opus/48000/2\n"

	_, err := Decode(datagram(false, true, body))
	require.ErrorIs(t, err, ErrFormat)
}
