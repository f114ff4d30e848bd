package rtprecv

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/MixyLabs/rtprecv/pkg/rtprecv/audio"
	"github.com/MixyLabs/rtprecv/pkg/rtprecv/engine"
	"github.com/MixyLabs/rtprecv/pkg/rtprecv/sap"
)

const testSinkName = "speakers"

var stereo48k = audio.Spec{Encoding: audio.EncodingS16BE, Rate: 48000, Channels: 2}

// fakeConn is a packet socket fed by the test
type fakeConn struct {
	addr    *net.UDPAddr
	packets chan []byte
	fail    chan error
	closed  chan struct{}
	once    sync.Once
}

func newFakeConn(addr *net.UDPAddr) *fakeConn {
	return &fakeConn{
		addr:    addr,
		packets: make(chan []byte, 64),
		fail:    make(chan error, 1),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) ReadFrom(p []byte) (int, net.Addr, error) {
	select {
	case <-c.closed:
		return 0, nil, net.ErrClosed
	default:
	}

	select {
	case b := <-c.packets:
		return copy(p, b), c.addr, nil
	case err := <-c.fail:
		return 0, nil, err
	case <-c.closed:
		return 0, nil, net.ErrClosed
	}
}

func (c *fakeConn) WriteTo(p []byte, _ net.Addr) (int, error) { return len(p), nil }

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) IsClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) LocalAddr() net.Addr                { return c.addr }
func (c *fakeConn) SetDeadline(_ time.Time) error      { return nil }
func (c *fakeConn) SetReadDeadline(_ time.Time) error  { return nil }
func (c *fakeConn) SetWriteDeadline(_ time.Time) error { return nil }

type socketFactory struct {
	lock  sync.Mutex
	conns map[string]*fakeConn
	err   error
}

func (f *socketFactory) open(addr *net.UDPAddr) (net.PacketConn, error) {
	f.lock.Lock()
	defer f.lock.Unlock()

	if f.err != nil {
		return nil, f.err
	}

	c := newFakeConn(addr)
	f.conns[addr.String()] = c

	return c, nil
}

func (f *socketFactory) conn(addr *net.UDPAddr) *fakeConn {
	f.lock.Lock()
	defer f.lock.Unlock()

	return f.conns[addr.String()]
}

func (f *socketFactory) count() int {
	f.lock.Lock()
	defer f.lock.Unlock()

	return len(f.conns)
}

type testClock struct {
	lock sync.Mutex
	t    time.Time
}

func (c *testClock) Now() time.Time {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.t = c.t.Add(d)
}

type harness struct {
	receiver *Receiver
	engine   *engine.MemoryEngine
	sink     *engine.MemorySink
	sockets  *socketFactory
	clock    *testClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	// session goroutines may still log after the test returns
	logger := zap.NewNop().Sugar()

	config, err := NewConfig(logger, "")
	require.NoError(t, err)
	config.current = Config{
		Sink:        testSinkName,
		SAPAddress:  sap.DefaultAddress,
		Engine:      engineNameNull,
		LatencyMsec: defaultLatencyMsec,
	}

	eng := engine.NewMemory(logger)
	sink := eng.AddSink(testSinkName, 20*time.Millisecond, 0)

	h := &harness{
		receiver: newReceiver(logger, config, true),
		engine:   eng,
		sink:     sink,
		sockets:  &socketFactory{conns: map[string]*fakeConn{}},
		clock:    &testClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)},
	}

	h.receiver.engine = eng
	h.receiver.openSocket = h.sockets.open
	h.receiver.now = h.clock.Now

	t.Cleanup(func() {
		for _, s := range h.receiver.registry.Sessions() {
			h.receiver.destroySession(s, "test")
		}
	})

	return h
}

func announcement(origin string, port int) *sap.Announcement {
	return &sap.Announcement{
		Origin:      origin,
		Label:       origin + "'s stream",
		Address:     &net.UDPAddr{IP: net.ParseIP("224.0.0.56"), Port: port},
		PayloadType: 96,
		Format:      stereo48k,
	}
}

// announce creates a session and returns it, failing the test if that did not work
func (h *harness) announce(t *testing.T, origin string, port int) *Session {
	t.Helper()

	h.receiver.handleAnnouncement(announcement(origin, port))

	s, ok := h.receiver.registry.Get(origin)
	require.True(t, ok, "session %q not registered", origin)

	return s
}

func (h *harness) input(t *testing.T, s *Session) *engine.MemoryInput {
	t.Helper()

	in, ok := s.input.(*engine.MemoryInput)
	require.True(t, ok)

	return in
}

func packet(t *testing.T, pt uint8, ssrc, ts uint32, payload []byte) []byte {
	t.Helper()

	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:     2,
			PayloadType: pt,
			Timestamp:   ts,
			SSRC:        ssrc,
		},
		Payload: payload,
	}

	buf, err := pkt.Marshal()
	require.NoError(t, err)

	return buf
}

// frames returns n stereo frames filled with b
func frames(n int, b byte) []byte {
	p := make([]byte, n*stereo48k.FrameSize())
	for i := range p {
		p[i] = b
	}

	return p
}

var errNetworkDown = errors.New("network is down")

func origins(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("sender%02d 1 0 IN IP4 10.0.0.%d", i, i+1)
	}

	return out
}
