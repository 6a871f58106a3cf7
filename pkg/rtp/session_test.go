package rtp

import (
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newLoopbackPair(t *testing.T) (*Session, *Session) {
	t.Helper()
	reg := NewRegistry()
	reg.Register(NewFixedRateFormat(0, "PCMU", 8000, 20))
	reg.Register(NewTelephoneEventFormat(101, 8000))

	cfg1 := SessionConfig{
		Transport: TransportConfig{LocalAddr: "127.0.0.1:0", SymmetricRTP: true},
		ClockRate: 8000, JitterBuf: DefaultJitterBufferConfig(),
		LocalSSRC: 0x1111, PayloadType: 0,
	}
	s1, err := NewSession(cfg1, reg, zerolog.Nop())
	require.NoError(t, err)

	cfg2 := SessionConfig{
		Transport: TransportConfig{LocalAddr: "127.0.0.1:0", RemoteAddr: s1.LocalAddr().String()},
		ClockRate: 8000, JitterBuf: DefaultJitterBufferConfig(),
		LocalSSRC: 0x2222, PayloadType: 0,
	}
	s2, err := NewSession(cfg2, reg, zerolog.Nop())
	require.NoError(t, err)

	s1.SetRemoteAddr(mustResolveUDP(t, s2.LocalAddr().String()))
	return s1, s2
}

func mustResolveUDP(t *testing.T, addr string) *net.UDPAddr {
	t.Helper()
	a, err := net.ResolveUDPAddr("udp", addr)
	require.NoError(t, err)
	return a
}

func TestSessionSendReceiveFrame(t *testing.T) {
	s1, s2 := newLoopbackPair(t)
	defer s1.Close()
	defer s2.Close()

	// A new SSRC stays on probation until MinSequential packets arrive in
	// sequence, so the first frame is consumed by probation.
	for i := 0; i < MinSequential; i++ {
		require.NoError(t, s2.SendFrame(&MediaFrame{PayloadType: 0, Data: []byte{1, 2, 3, 4}}))
	}

	select {
	case f := <-s1.Frames():
		require.Equal(t, []byte{1, 2, 3, 4}, f.Data)
		require.Equal(t, uint8(0), f.PayloadType)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
	}
}

func TestSessionDTMFDedup(t *testing.T) {
	s1, s2 := newLoopbackPair(t)
	defer s1.Close()
	defer s2.Close()

	require.NoError(t, s2.SendDTMF(101, 5, 160))

	select {
	case ev := <-s1.DTMF():
		require.Equal(t, uint8(5), ev.Event)
		require.True(t, ev.End)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dtmf event")
	}

	select {
	case <-s1.DTMF():
		t.Fatal("received duplicate dtmf event for redundant end packets")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestClassifyRTCPRange(t *testing.T) {
	rtcp := []byte{0x80, 200, 0, 0}
	require.Equal(t, ChannelRTCP, Classify(rtcp))
	rtp := []byte{0x80, 0, 0, 0}
	require.Equal(t, ChannelRTP, Classify(rtp))
}
