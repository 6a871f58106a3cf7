package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
)

// UDPTransport is a worker-pooled UDP SIP transport, grounded directly on
// arzzra-soft_phone/pkg/sip/transport/udp.go's UDPTransport.
type UDPTransport struct {
	conn    *net.UDPConn
	addr    *net.UDPAddr
	handler MessageHandler
	cfg     *Config

	workerPool chan struct{}

	outbox chan outboundDatagram

	closed int32
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	received uint64
	sent     uint64
	errors   uint64
}

type outboundDatagram struct {
	addr *net.UDPAddr
	data []byte
}

// NewUDPTransport binds addr and prepares (but does not yet start) the
// receive/send loops; call Listen to start them.
func NewUDPTransport(addr string, cfg *Config) (*UDPTransport, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: invalid udp address: %w", err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen udp: %w", err)
	}
	if err := conn.SetReadBuffer(cfg.ReadBufferSize); err != nil {
		conn.Close()
		return nil, fmt.Errorf("transport: set read buffer: %w", err)
	}
	if err := conn.SetWriteBuffer(cfg.WriteBufferSize); err != nil {
		conn.Close()
		return nil, fmt.Errorf("transport: set write buffer: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	workers := cfg.UDPWorkers
	if workers <= 0 {
		workers = 4
	}
	queueSize := cfg.OutboundQueueSize
	if queueSize <= 0 {
		queueSize = 1024
	}

	t := &UDPTransport{
		conn:       conn,
		addr:       conn.LocalAddr().(*net.UDPAddr),
		cfg:        cfg,
		workerPool: make(chan struct{}, workers),
		outbox:     make(chan outboundDatagram, queueSize),
		ctx:        ctx,
		cancel:     cancel,
	}
	for i := 0; i < workers; i++ {
		t.workerPool <- struct{}{}
	}
	return t, nil
}

// Listen starts the receive and send loops; it blocks until Close.
func (t *UDPTransport) Listen() error {
	t.wg.Add(1)
	go t.sendLoop()

	buffer := make([]byte, 65535)
	for {
		select {
		case <-t.ctx.Done():
			return t.ctx.Err()
		default:
		}

		n, remoteAddr, err := t.conn.ReadFromUDP(buffer)
		if err != nil {
			if t.isOpen() {
				atomic.AddUint64(&t.errors, 1)
				if isTemporary(err) {
					continue
				}
			}
			return err
		}
		atomic.AddUint64(&t.received, 1)

		select {
		case <-t.workerPool:
			t.wg.Add(1)
			data := append([]byte(nil), buffer[:n]...)
			go t.processMessage(data, remoteAddr)
		default:
			atomic.AddUint64(&t.errors, 1) // pool exhausted, drop
		}
	}
}

func (t *UDPTransport) processMessage(data []byte, remoteAddr *net.UDPAddr) {
	defer func() {
		t.workerPool <- struct{}{}
		t.wg.Done()
	}()
	if t.handler != nil {
		t.handler(IncomingMessage{Data: data, RemoteAddr: remoteAddr.String(), LocalAddr: t.addr.String(), Protocol: "udp"})
	}
}

// Send enqueues data for addr, returning ErrQueueFull if the outbound
// queue is saturated rather than blocking the caller (spec.md §4.2).
func (t *UDPTransport) Send(addr string, data []byte) error {
	if !t.isOpen() {
		return ErrTransportClosed
	}
	if len(data) > MaxUDPPayload {
		return ErrMessageTooLarge
	}
	remoteAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("transport: invalid address %s: %w", addr, err)
	}
	select {
	case t.outbox <- outboundDatagram{addr: remoteAddr, data: data}:
		return nil
	default:
		return ErrQueueFull
	}
}

func (t *UDPTransport) sendLoop() {
	defer t.wg.Done()
	for {
		select {
		case <-t.ctx.Done():
			return
		case dgram := <-t.outbox:
			if _, err := t.conn.WriteToUDP(dgram.data, dgram.addr); err != nil {
				atomic.AddUint64(&t.errors, 1)
			} else {
				atomic.AddUint64(&t.sent, 1)
			}
		}
	}
}

// Close stops both loops and releases the socket.
func (t *UDPTransport) Close() error {
	if !atomic.CompareAndSwapInt32(&t.closed, 0, 1) {
		return nil
	}
	t.cancel()
	err := t.conn.Close()
	t.wg.Wait()
	return err
}

// OnMessage registers the callback invoked for each received datagram.
func (t *UDPTransport) OnMessage(handler MessageHandler) { t.handler = handler }

// Protocol returns "udp".
func (t *UDPTransport) Protocol() string { return "udp" }

// LocalAddr returns the bound local address.
func (t *UDPTransport) LocalAddr() net.Addr { return t.addr }

func (t *UDPTransport) isOpen() bool { return atomic.LoadInt32(&t.closed) == 0 }

// Stats returns received/sent/error datagram counters.
func (t *UDPTransport) Stats() (received, sent, errs uint64) {
	return atomic.LoadUint64(&t.received), atomic.LoadUint64(&t.sent), atomic.LoadUint64(&t.errors)
}

func isTemporary(err error) bool {
	if err == nil {
		return false
	}
	if netErr, ok := err.(interface{ Temporary() bool }); ok {
		return netErr.Temporary()
	}
	return false
}
