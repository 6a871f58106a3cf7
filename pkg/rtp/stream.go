package rtp

import (
	"sync"
	"time"
)

// MinSequential is the number of consecutive, correctly-sequenced packets
// required before a new SSRC is taken out of probation (RFC 3550 §A.1).
const MinSequential = 2

// probationState tracks sequence continuity while a new SSRC is on probation.
type probationState struct {
	maxSeq       uint16
	probation    int
	initialized  bool
}

// Stream is the per-SSRC receive state described in spec.md §3: highest
// sequence (with wrap count), expected/received counts, cumulative loss,
// interarrival jitter, last SR for RTT, and the negotiated payload format.
type Stream struct {
	mu sync.Mutex

	SSRC uint32

	probation probationState
	accepted  bool

	baseSeq      uint32 // first accepted sequence, for expected-packet math
	maxSeq       uint16
	cycles       uint32 // wrap count, shifted into bits 16-31 of the extended seq
	received     uint64
	lastSRNTP    uint64 // middle 32 bits used directly for LSR
	lastSRRecv   time.Time

	JitterBuf *JitterBuffer
	Format    PayloadFormat
}

// NewStream creates receive state for a newly observed SSRC, starting in
// probation.
func NewStream(ssrc uint32, clockRate uint32, jbCfg JitterBufferConfig) *Stream {
	return &Stream{
		SSRC:      ssrc,
		probation: probationState{probation: MinSequential},
		JitterBuf: NewJitterBuffer(jbCfg, clockRate),
	}
}

// Observe updates sequence-continuity state for an incoming packet and
// reports whether the packet is accepted: false while the SSRC is still on
// probation, true once probation has cleared (duplicates and reordered
// packets included).
//
// Mirrors the RFC 3550 Appendix A.1 update_seq algorithm, simplified to the
// single-probation-then-steady-state case this module needs.
func (s *Stream) Observe(seq uint16) (accept bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.probation.initialized {
		s.probation.initialized = true
		s.probation.maxSeq = seq
		s.maxSeq = seq
		s.baseSeq = uint32(seq)
		if s.probation.probation > 0 {
			s.probation.probation--
			return false
		}
		s.accepted = true
		s.received++
		return true
	}

	delta := int16(seq - s.probation.maxSeq)
	if !s.accepted {
		if delta == 1 {
			s.probation.maxSeq = seq
			s.probation.probation--
			if s.probation.probation <= 0 {
				s.accepted = true
				s.maxSeq = seq
				s.received++
				return true
			}
			return false
		}
		// Sequence broke continuity; restart probation from this packet.
		s.probation.probation = MinSequential - 1
		s.probation.maxSeq = seq
		return false
	}

	// Steady state: track wraps and update the running max.
	if delta >= 0 {
		if seq < s.maxSeq {
			s.cycles += 1 << 16
		}
		s.maxSeq = seq
	}
	s.received++
	return true
}

// ExtendedSeq returns the 32-bit extended sequence number (cycles<<16 | seq)
// used by SRTP indexing and RTCP extended-highest-seq reporting.
func (s *Stream) ExtendedSeq() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cycles | uint32(s.maxSeq)
}

// RecordSR stores the NTP middle-32 and local receive time of an incoming
// SR, for DLSR computation in the next RR (spec.md §4.6).
func (s *Stream) RecordSR(ntpMiddle32 uint64, recvTime time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSRNTP = ntpMiddle32
	s.lastSRRecv = recvTime
}

// LSRAndElapsed returns the LSR field and elapsed time since the last SR was
// received, for DLSR computation (spec.md §4.6). ok is false if no SR has
// been seen yet.
func (s *Stream) LSRAndElapsed(now time.Time) (lsr uint32, elapsed time.Duration, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastSRRecv.IsZero() {
		return 0, 0, false
	}
	return uint32(s.lastSRNTP), now.Sub(s.lastSRRecv), true
}

// Received returns the count of accepted (post-probation) packets.
func (s *Stream) Received() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.received
}
