package transport

import (
	"bufio"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUDPTransportSendReceive(t *testing.T) {
	cfg := DefaultConfig()
	s1, err := NewUDPTransport("127.0.0.1:0", cfg)
	require.NoError(t, err)
	defer s1.Close()
	s2, err := NewUDPTransport("127.0.0.1:0", cfg)
	require.NoError(t, err)
	defer s2.Close()

	received := make(chan IncomingMessage, 1)
	s2.OnMessage(func(msg IncomingMessage) { received <- msg })

	go s1.Listen()
	go s2.Listen()
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, s1.Send(s2.LocalAddr().String(), []byte("hello sip")))

	select {
	case msg := <-received:
		assert.Equal(t, []byte("hello sip"), msg.Data)
		assert.Equal(t, "udp", msg.Protocol)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for udp message")
	}
}

func TestReadFramedMessageUsesContentLength(t *testing.T) {
	raw := "REGISTER sip:example.com SIP/2.0\r\n" +
		"Content-Length: 5\r\n" +
		"\r\n" +
		"hello" +
		"INVITE sip:next SIP/2.0\r\n" + // next message in the stream, must not be consumed
		"Content-Length: 0\r\n\r\n"
	r := bufio.NewReader(strings.NewReader(raw))

	msg, err := readFramedMessage(r)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(string(msg), "hello"))
	assert.False(t, strings.Contains(string(msg), "INVITE"))

	msg2, err := readFramedMessage(r)
	require.NoError(t, err)
	assert.Contains(t, string(msg2), "INVITE")
}

func TestUDPSendRejectsOversizedPayload(t *testing.T) {
	s, err := NewUDPTransport("127.0.0.1:0", DefaultConfig())
	require.NoError(t, err)
	defer s.Close()
	err = s.Send(s.LocalAddr().String(), make([]byte, MaxUDPPayload+1))
	assert.ErrorIs(t, err, ErrMessageTooLarge)
}
