package sap

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestListenerPublishesAnnouncements(t *testing.T) {
	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)

	l := NewListener(zap.NewNop().Sugar(), conn)
	announcements := l.SubscribeToAnnouncements()
	l.Start()

	sender, err := net.Dial("udp4", conn.LocalAddr().String())
	require.NoError(t, err)
	defer sender.Close()

	// garbage is dropped without stopping the listener
	_, err = sender.Write([]byte{0xff, 0x00})
	require.NoError(t, err)
	_, err = sender.Write(datagram(false, true, aliceSDP))
	require.NoError(t, err)

	select {
	case a := <-announcements:
		require.Equal(t, "Living room", a.Label)
	case <-time.After(5 * time.Second):
		t.Fatal("no announcement received")
	}

	l.Stop()

	_, ok := <-announcements
	require.False(t, ok)
}
