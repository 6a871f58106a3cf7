package rtp

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// TransportConfig configures a UDP RTP/RTCP transport (spec.md §4.2, §6).
type TransportConfig struct {
	LocalAddr        string
	RemoteAddr       string
	BufferSize       int
	RTCPMux          bool // RFC 5761 single-port mux
	SymmetricRTP     bool // learn remote address from first received packet
	SocketBufferSize int  // SO_RCVBUF/SO_SNDBUF size hint
}

// DefaultTransportConfig matches the module-wide defaults (spec.md §6).
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{BufferSize: 1500, SocketBufferSize: 1 << 20}
}

// Channel identifies which logical stream a received datagram belongs to,
// per spec.md §4.2's RTP/RTCP demux classification.
type Channel int

const (
	ChannelRTP Channel = iota
	ChannelRTCP
	ChannelDTLS
)

// Event is the transport-level notification surfaced to a Session, mirroring
// spec.md §4.2's TransportEvent::{DataReceived, ConnectionClosed, Error}.
type Event struct {
	Source  net.Addr
	Data    []byte
	Channel Channel
	Err     error
	Closed  bool
}

// ErrQueueFull is returned by Send when the outbound queue's soft limit has
// been exceeded (spec.md §4.2: "drops with Error::QueueFull").
type ErrQueueFull struct{}

func (ErrQueueFull) Error() string { return "rtp: outbound queue full" }

const outboundQueueLimit = 512

// UDPTransport is a single UDP socket shared between RTP and (when muxed)
// RTCP, with RFC 5761 classification and optional symmetric-RTP learning.
type UDPTransport struct {
	conn   *net.UDPConn
	cfg    TransportConfig
	remote atomic.Pointer[net.UDPAddr]

	events chan Event
	outbox chan outboundPacket
	closed chan struct{}
	once   sync.Once
}

type outboundPacket struct {
	data []byte
	addr *net.UDPAddr
}

// NewUDPTransport binds a UDP socket and starts its receive/send loops.
func NewUDPTransport(cfg TransportConfig) (*UDPTransport, error) {
	if cfg.BufferSize == 0 {
		cfg.BufferSize = 1500
	}
	laddr, err := net.ResolveUDPAddr("udp", cfg.LocalAddr)
	if err != nil {
		return nil, fmt.Errorf("rtp: resolve local addr: %w", err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("rtp: listen udp: %w", err)
	}
	if cfg.SocketBufferSize > 0 {
		_ = conn.SetReadBuffer(cfg.SocketBufferSize)
		_ = conn.SetWriteBuffer(cfg.SocketBufferSize)
	}

	t := &UDPTransport{
		conn:   conn,
		cfg:    cfg,
		events: make(chan Event, 256),
		outbox: make(chan outboundPacket, outboundQueueLimit),
		closed: make(chan struct{}),
	}
	if cfg.RemoteAddr != "" {
		raddr, err := net.ResolveUDPAddr("udp", cfg.RemoteAddr)
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("rtp: resolve remote addr: %w", err)
		}
		t.remote.Store(raddr)
	}

	go t.receiveLoop()
	go t.sendLoop()
	return t, nil
}

// LocalAddr returns the bound local address.
func (t *UDPTransport) LocalAddr() net.Addr { return t.conn.LocalAddr() }

// RemoteAddr returns the current remote address, nil if not yet known.
func (t *UDPTransport) RemoteAddr() net.Addr {
	if r := t.remote.Load(); r != nil {
		return r
	}
	return nil
}

// SetRemoteAddr overrides the remote endpoint explicitly (e.g. from SDP).
func (t *UDPTransport) SetRemoteAddr(addr *net.UDPAddr) { t.remote.Store(addr) }

// Events returns the channel of inbound DataReceived/Error/ConnectionClosed
// notifications.
func (t *UDPTransport) Events() <-chan Event { return t.events }

// Send enqueues a datagram to the current remote address (or to addr if
// non-nil), never blocking the receive loop (spec.md §4.2 backpressure
// rule); returns ErrQueueFull past the soft limit.
func (t *UDPTransport) Send(data []byte, addr *net.UDPAddr) error {
	if addr == nil {
		addr = t.remote.Load()
		if addr == nil {
			return fmt.Errorf("rtp: no remote address set")
		}
	}
	select {
	case t.outbox <- outboundPacket{data: data, addr: addr}:
		return nil
	default:
		return ErrQueueFull{}
	}
}

func (t *UDPTransport) sendLoop() {
	for {
		select {
		case <-t.closed:
			return
		case pkt := <-t.outbox:
			_, _ = t.conn.WriteToUDP(pkt.data, pkt.addr)
		}
	}
}

func (t *UDPTransport) receiveLoop() {
	buf := make([]byte, max(t.cfg.BufferSize, 1500))
	for {
		n, src, err := t.conn.ReadFromUDP(buf)
		select {
		case <-t.closed:
			return
		default:
		}
		if err != nil {
			t.emit(Event{Err: err})
			continue
		}
		data := append([]byte(nil), buf[:n]...)

		if t.cfg.SymmetricRTP && t.remote.Load() == nil {
			t.remote.Store(src)
		}

		t.emit(Event{Source: src, Data: data, Channel: Classify(data)})
	}
}

func (t *UDPTransport) emit(ev Event) {
	select {
	case t.events <- ev:
	default:
		// Drop rather than block the receive loop; a full event channel
		// means the session isn't keeping up and counters (not buffering
		// more) are the right signal.
	}
}

// Classify implements the combined RFC 5761 §4 / RFC 5764 §5.1.2 single-port
// mux heuristic: a first byte in [20,63] is a DTLS record, a payload type in
// [64,95] (after masking the marker bit) is RTCP, everything else is RTP
// (spec.md §4.2, E6; spec.md §4.8's DTLS-SRTP shares the RTP 5-tuple).
func Classify(data []byte) Channel {
	if len(data) == 0 {
		return ChannelRTP
	}
	if data[0] >= 20 && data[0] <= 63 {
		return ChannelDTLS
	}
	if len(data) < 2 {
		return ChannelRTP
	}
	pt := data[1] & 0x7f
	if pt >= 64 && pt <= 95 {
		return ChannelRTCP
	}
	return ChannelRTP
}

// Close stops the transport's loops and releases the socket.
func (t *UDPTransport) Close() error {
	t.once.Do(func() { close(t.closed) })
	return t.conn.Close()
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// tuneSocket applies SO_REUSEPORT where supported, matching the teacher's
// platform-specific socket tuning (spec.md §5 notes media transports must
// not hold locks on the hot path; letting the kernel load-balance across
// listeners achieves the same without userspace fan-out).
func tuneSocket(fd int) error {
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
}
