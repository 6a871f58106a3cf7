// Package transport implements the SIP transport layer (spec component
// C2's SIP half): UDP/TCP/TLS delivery, Content-Length-framed TCP/TLS
// streams, and a bounded outbound queue with QueueFull backpressure.
// Grounded on arzzra-soft_phone/pkg/sip/transport's Transport/Manager
// interface shape and its UDPTransport worker-pool design (see
// DESIGN.md).
package transport

import (
	"errors"
	"net"
)

var (
	ErrTransportClosed    = errors.New("transport: closed")
	ErrMessageTooLarge    = errors.New("transport: message exceeds maximum size")
	ErrQueueFull          = errors.New("transport: outbound queue full")
	ErrUnknownProtocol    = errors.New("transport: no transport registered for protocol")
)

// MaxUDPPayload is RFC 3261 §18.1.1's practical UDP datagram ceiling.
const MaxUDPPayload = 65507

// MessageHandler receives one framed SIP message from a given remote
// address and the protocol/local address it arrived on.
type MessageHandler func(msg IncomingMessage)

// IncomingMessage is a fully framed, not-yet-parsed SIP message.
type IncomingMessage struct {
	Data       []byte
	RemoteAddr string
	LocalAddr  string
	Protocol   string
}

// Transport is implemented by each concrete protocol binding (UDP, TCP,
// TLS). UDP's Send enqueues data for addr and returns; the stream
// transports' Send dials first if needed and writes synchronously.
type Transport interface {
	Listen() error
	Send(addr string, data []byte) error
	Close() error
	OnMessage(handler MessageHandler)
	Protocol() string
	LocalAddr() net.Addr
}

// Config holds settings shared by every Transport implementation (spec.md
// §6's transport section).
type Config struct {
	ReadBufferSize    int
	WriteBufferSize   int
	UDPWorkers        int
	MaxConnections    int
	OutboundQueueSize int
}

// DefaultConfig matches spec.md §6's transport defaults.
func DefaultConfig() *Config {
	return &Config{
		ReadBufferSize:    2 * 1024 * 1024,
		WriteBufferSize:   2 * 1024 * 1024,
		UDPWorkers:        4,
		MaxConnections:    1000,
		OutboundQueueSize: 1024,
	}
}

// Manager multiplexes several protocol bindings behind one lookup by
// protocol name (Get/Send); it does not inspect a Via or Request-URI to
// choose that name (spec.md §4.2).
type Manager struct {
	transports map[string]Transport
}

// NewManager returns an empty Manager.
func NewManager() *Manager { return &Manager{transports: make(map[string]Transport)} }

// Register adds a transport under protocol (lowercased: "udp", "tcp", "tls").
func (m *Manager) Register(protocol string, t Transport) { m.transports[protocol] = t }

// Get returns the transport registered for protocol.
func (m *Manager) Get(protocol string) (Transport, bool) {
	t, ok := m.transports[protocol]
	return t, ok
}

// Send routes data to addr over the named protocol.
func (m *Manager) Send(protocol, addr string, data []byte) error {
	t, ok := m.transports[protocol]
	if !ok {
		return ErrUnknownProtocol
	}
	return t.Send(addr, data)
}

// Close closes every registered transport, returning the first error.
func (m *Manager) Close() error {
	var first error
	for _, t := range m.transports {
		if err := t.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
