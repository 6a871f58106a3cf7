package rtp

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/arzzra/corevoip/pkg/metrics"
	"github.com/rs/zerolog"
)

// SessionConfig parameterizes a Session (spec.md §4.5 / C5).
type SessionConfig struct {
	Transport   TransportConfig
	ClockRate   uint32
	JitterBuf   JitterBufferConfig
	LocalSSRC   uint32
	PayloadType uint8
}

// Session is the C5 RTP session: one local SSRC for sending, a set of
// per-remote-SSRC Streams for receiving, a shared PayloadFormat Registry,
// and send/receive statistics (spec.md §4.5).
type Session struct {
	log zerolog.Logger

	transport *UDPTransport
	registry  *Registry
	jbCfg     JitterBufferConfig
	clockRate uint32

	localSSRC   uint32
	seq         uint16
	ts          uint32
	payloadType uint8

	mu      sync.RWMutex
	streams map[uint32]*Stream

	stats Stats

	frames chan *MediaFrame
	dtmf   chan DTMFEvent
	rtcp   chan Event
	dtls   chan Event

	lastDTMFEvent map[uint32]uint8 // SSRC -> last delivered event, for once-per-event dedup

	secureMu sync.RWMutex
	secure   SecureContext

	metricsMu sync.RWMutex
	metrics   *metrics.Registry
}

// SecureContext is the narrow surface a pkg/srtp.Context (or an equivalent)
// exposes to a Session once SRTP keys are established, either from SDES
// a=crypto or a completed DTLS-SRTP handshake. Kept as an interface here so
// this package never imports pkg/srtp directly (spec.md §4.5/§4.7/§4.8).
type SecureContext interface {
	ProtectRTP(header, payload []byte, ssrc uint32, seq uint16) ([]byte, error)
	UnprotectRTP(packet []byte, headerLen int, ssrc uint32, seq uint16) ([]byte, error)
}

// SetSecureContext arms SRTP protection for every subsequent send and
// decryption for every subsequent receive. Passing nil reverts to plain RTP.
func (s *Session) SetSecureContext(ctx SecureContext) {
	s.secureMu.Lock()
	s.secure = ctx
	s.secureMu.Unlock()
}

func (s *Session) secureContext() SecureContext {
	s.secureMu.RLock()
	defer s.secureMu.RUnlock()
	return s.secure
}

// Stats accumulates the send/receive counters surfaced via metrics
// (spec.md §4.5, §9).
type Stats struct {
	PacketsSent     uint64
	OctetsSent      uint64
	PacketsReceived uint64
	PacketsLost     uint64
}

// NewSession creates a Session bound to cfg.Transport and starts its
// receive-dispatch loop.
func NewSession(cfg SessionConfig, registry *Registry, log zerolog.Logger) (*Session, error) {
	t, err := NewUDPTransport(cfg.Transport)
	if err != nil {
		return nil, fmt.Errorf("rtp: new session: %w", err)
	}
	s := &Session{
		log:           log.With().Str("component", "rtp.session").Logger(),
		transport:     t,
		registry:      registry,
		jbCfg:         cfg.JitterBuf,
		clockRate:     cfg.ClockRate,
		localSSRC:     cfg.LocalSSRC,
		payloadType:   cfg.PayloadType,
		streams:       make(map[uint32]*Stream),
		frames:        make(chan *MediaFrame, 256),
		dtmf:          make(chan DTMFEvent, 32),
		rtcp:          make(chan Event, 64),
		dtls:          make(chan Event, 64),
		lastDTMFEvent: make(map[uint32]uint8),
		metrics:       metrics.Disabled(),
	}
	go s.dispatchLoop()
	return s, nil
}

// SetMetrics attaches the registry this session reports packet and jitter
// counters through. Pass nil to disable.
func (s *Session) SetMetrics(r *metrics.Registry) {
	if r == nil {
		r = metrics.Disabled()
	}
	s.metricsMu.Lock()
	s.metrics = r
	s.metricsMu.Unlock()
}

func (s *Session) metricsRegistry() *metrics.Registry {
	s.metricsMu.RLock()
	defer s.metricsMu.RUnlock()
	return s.metrics
}

// Frames returns the channel of decoded, jitter-released media frames.
func (s *Session) Frames() <-chan *MediaFrame { return s.frames }

// DTMF returns the channel of deduplicated DTMF events (spec.md §4.9:
// delivered once per event, media-path DTMF takes precedence over SIP INFO).
func (s *Session) DTMF() <-chan DTMFEvent { return s.dtmf }

// RTCPEvents returns raw RTCP datagrams classified off the shared transport
// (RFC 5761 mux), for a session owner's RTCP reporter to decode.
func (s *Session) RTCPEvents() <-chan Event { return s.rtcp }

// DTLSEvents returns raw DTLS records classified off the shared transport
// (RFC 5764 mux), for a session owner driving a DTLS-SRTP handshake.
func (s *Session) DTLSEvents() <-chan Event { return s.dtls }

// SendRaw writes data to the current remote endpoint without RTP framing,
// used by a session owner to send RTCP compound packets and DTLS records
// over the same shared transport.
func (s *Session) SendRaw(data []byte) error { return s.transport.Send(data, nil) }

// LocalAddr returns the bound local transport address.
func (s *Session) LocalAddr() net.Addr { return s.transport.LocalAddr() }

// SetRemoteAddr sets the negotiated remote media endpoint (from SDP).
func (s *Session) SetRemoteAddr(addr *net.UDPAddr) { s.transport.SetRemoteAddr(addr) }

// SendFrame encodes and transmits one media frame using the format
// registered for f.PayloadType, advancing the session's sequence and
// timestamp state.
func (s *Session) SendFrame(f *MediaFrame) error {
	format := s.registry.Lookup(f.PayloadType)
	if format == nil {
		return fmt.Errorf("rtp: no payload format registered for pt %d", f.PayloadType)
	}
	payload, tsIncrement := format.Pack(f.Data)

	s.mu.Lock()
	hdr := Header{
		Version:        2,
		Marker:         f.Marker,
		PayloadType:    f.PayloadType,
		SequenceNumber: s.seq,
		Timestamp:      s.ts,
		SSRC:           s.localSSRC,
	}
	s.seq++
	s.ts += tsIncrement
	s.mu.Unlock()

	pkt := &Packet{Header: hdr, Payload: payload}
	buf, err := pkt.Marshal()
	if err != nil {
		return fmt.Errorf("rtp: marshal outgoing packet: %w", err)
	}
	if secure := s.secureContext(); secure != nil {
		buf, err = secure.ProtectRTP(buf[:12], buf[12:], hdr.SSRC, hdr.SequenceNumber)
		if err != nil {
			return fmt.Errorf("rtp: protect outgoing packet: %w", err)
		}
	}
	if err := s.transport.Send(buf, nil); err != nil {
		return err
	}
	s.mu.Lock()
	s.stats.PacketsSent++
	s.stats.OctetsSent += uint64(len(payload))
	s.mu.Unlock()
	s.metricsRegistry().RTPPacketSent()
	return nil
}

// SendDTMF transmits an RFC 4733 telephone-event for a single digit,
// including the redundant trailing end packets recommended by RFC 4733 §2.5.3.
func (s *Session) SendDTMF(pt uint8, digit uint8, durationTicks uint16) error {
	format := s.registry.Lookup(pt)
	if format == nil {
		return fmt.Errorf("rtp: no telephone-event format registered for pt %d", pt)
	}
	_ = format

	s.mu.Lock()
	ts := s.ts
	baseSeq := s.seq
	ssrc := s.localSSRC
	s.mu.Unlock()

	secure := s.secureContext()
	send := func(seqOff uint16, end bool, marker bool) error {
		payload := EncodeDTMFEvent(DTMFEvent{Event: digit, End: end, Volume: 0, Duration: durationTicks})
		seq := baseSeq + seqOff
		hdr := Header{
			Version: 2, Marker: marker, PayloadType: pt,
			SequenceNumber: seq, Timestamp: ts, SSRC: ssrc,
		}
		pkt := &Packet{Header: hdr, Payload: payload}
		buf, err := pkt.Marshal()
		if err != nil {
			return err
		}
		if secure != nil {
			buf, err = secure.ProtectRTP(buf[:12], buf[12:], ssrc, seq)
			if err != nil {
				return err
			}
		}
		return s.transport.Send(buf, nil)
	}

	if err := send(0, false, true); err != nil {
		return err
	}
	const endRepeats = 3
	for i := uint16(0); i < endRepeats; i++ {
		if err := send(1+i, true, false); err != nil {
			return err
		}
	}

	s.mu.Lock()
	s.seq = baseSeq + 1 + endRepeats
	s.ts += uint32(durationTicks)
	s.mu.Unlock()
	return nil
}

// Stats returns a snapshot of send/receive counters.
func (s *Session) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}

// Stream returns the receive state for ssrc, creating it on first sight.
func (s *Session) Stream(ssrc uint32) *Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamLocked(ssrc)
}

func (s *Session) streamLocked(ssrc uint32) *Stream {
	st, ok := s.streams[ssrc]
	if !ok {
		st = NewStream(ssrc, s.clockRate, s.jbCfg)
		s.streams[ssrc] = st
	}
	return st
}

// Streams returns a snapshot of all known remote SSRCs' receive state, used
// by the RTCP reporter to build per-source RR blocks (spec.md §4.6).
func (s *Session) Streams() map[uint32]*Stream {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[uint32]*Stream, len(s.streams))
	for k, v := range s.streams {
		out[k] = v
	}
	return out
}

func (s *Session) dispatchLoop() {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case ev, ok := <-s.transport.Events():
			if !ok {
				return
			}
			s.handleEvent(ev)
		case <-ticker.C:
			s.releaseReady()
		}
	}
}

func (s *Session) handleEvent(ev Event) {
	if ev.Err != nil {
		s.log.Warn().Err(ev.Err).Msg("transport read error")
		return
	}
	switch ev.Channel {
	case ChannelRTCP:
		select {
		case s.rtcp <- ev:
		default:
			s.log.Warn().Msg("rtcp event channel full, dropping datagram")
		}
		return
	case ChannelDTLS:
		select {
		case s.dtls <- ev:
		default:
			s.log.Warn().Msg("dtls event channel full, dropping record")
		}
		return
	}

	pkt, err := Unmarshal(ev.Data)
	if err != nil {
		s.log.Debug().Err(err).Msg("dropping malformed rtp packet")
		return
	}

	if secure := s.secureContext(); secure != nil {
		headerLen := len(ev.Data) - len(pkt.Payload)
		plain, err := secure.UnprotectRTP(ev.Data, headerLen, pkt.Header.SSRC, pkt.Header.SequenceNumber)
		if err != nil {
			s.log.Debug().Err(err).Msg("dropping unauthenticated srtp packet")
			return
		}
		pkt.Payload = plain
	}

	st := s.Stream(pkt.Header.SSRC)
	accept := st.Observe(pkt.Header.SequenceNumber)

	s.mu.Lock()
	s.stats.PacketsReceived++
	s.mu.Unlock()
	s.metricsRegistry().RTPPacketReceived()

	if !accept {
		return
	}
	if isTelephoneEvent(s.registry, pkt.Header.PayloadType) {
		s.handleDTMF(pkt)
		return
	}
	st.JitterBuf.Push(pkt, time.Now())
	s.metricsRegistry().RTPJitter(st.JitterBuf.JitterEstimate())
}

func isTelephoneEvent(r *Registry, pt uint8) bool {
	f := r.Lookup(pt)
	return f != nil && f.Name() == "telephone-event"
}

func (s *Session) handleDTMF(pkt *Packet) {
	ev, ok := ParseDTMFEvent(pkt.Payload)
	if !ok {
		return
	}
	if !ev.End {
		return // only the end packet marks a completed digit press
	}
	s.mu.Lock()
	last, seen := s.lastDTMFEvent[pkt.Header.SSRC]
	if seen && last == ev.Event {
		s.mu.Unlock()
		return // duplicate end-packet retransmission, already delivered
	}
	s.lastDTMFEvent[pkt.Header.SSRC] = ev.Event
	s.mu.Unlock()

	select {
	case s.dtmf <- ev:
	default:
		s.log.Warn().Msg("dtmf channel full, dropping event")
	}
}

func (s *Session) releaseReady() {
	now := time.Now()
	s.mu.RLock()
	streams := make([]*Stream, 0, len(s.streams))
	for _, st := range s.streams {
		streams = append(streams, st)
	}
	s.mu.RUnlock()

	for _, st := range streams {
		for {
			pkt, lost, ok := st.JitterBuf.Pop(now)
			if !ok {
				break
			}
			if lost {
				s.mu.Lock()
				s.stats.PacketsLost++
				s.mu.Unlock()
				s.metricsRegistry().RTPPacketsLost(1)
				continue
			}
			format := s.registry.Lookup(pkt.Header.PayloadType)
			var data []byte
			if format != nil {
				data, _ = format.Unpack(pkt.Payload)
			} else {
				data = pkt.Payload
			}
			frame := &MediaFrame{
				SSRC: pkt.Header.SSRC, PayloadType: pkt.Header.PayloadType,
				Timestamp: pkt.Header.Timestamp, Marker: pkt.Header.Marker, Data: data,
			}
			select {
			case s.frames <- frame:
			default:
				s.log.Warn().Msg("frame channel full, dropping frame")
			}
		}
	}
}

// Close releases the session's transport and stops its loops.
func (s *Session) Close() error { return s.transport.Close() }

// RunUntil blocks until ctx is cancelled, then closes the session. Useful
// for tying a session's lifetime to a dialog's context.
func (s *Session) RunUntil(ctx context.Context) {
	<-ctx.Done()
	_ = s.Close()
}
