package session

import "time"

// EventType enumerates the unified call-lifecycle notifications a Session
// emits on its event bus (spec.md §4.9).
type EventType int

const (
	EventIncoming EventType = iota
	EventRinging
	EventAnswered
	EventMediaFlowing
	EventMediaQuality
	EventDTMF
	EventTransferred
	EventWarning
	EventEnded
)

func (t EventType) String() string {
	switch t {
	case EventIncoming:
		return "Incoming"
	case EventRinging:
		return "Ringing"
	case EventAnswered:
		return "Answered"
	case EventMediaFlowing:
		return "MediaFlowing"
	case EventMediaQuality:
		return "MediaQuality"
	case EventDTMF:
		return "Dtmf"
	case EventTransferred:
		return "Transferred"
	case EventWarning:
		return "Warning"
	case EventEnded:
		return "Ended"
	default:
		return "Unknown"
	}
}

// Event is one entry on a Session's event bus. Data holds the payload for
// types that carry one (MediaQuality, Dtmf, Transferred, Warning, Ended);
// it is nil for Incoming/Ringing/Answered/MediaFlowing.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      any
}

// MediaQuality is EventMediaQuality's payload, computed by sendRTCPReport
// from this call's own receive counters (spec.md §4.6, §4.9). Only MOS and
// Loss are filled in; Jitter and RTT are left zero.
type MediaQuality struct {
	MOS    float64
	Loss   float64 // fraction, 0..1
	Jitter time.Duration
	RTT    time.Duration
}

// DTMFDigit is EventDTMF's payload. Source distinguishes which path
// delivered it, since media-path (RFC 4733) takes precedence over SIP INFO
// (spec.md §4.9; HandleSIPInfoDTMF describes when a SIP INFO digit is
// dropped).
type DTMFDigit struct {
	Digit    byte
	Duration time.Duration
	Source   string // "rtp" or "sip-info"
}

// Transferred is EventTransferred's payload, emitted once a REFER this
// session initiated or received completes.
type Transferred struct {
	Target string
}

// WarningKind enumerates the non-fatal conditions EventWarning can report.
type WarningKind int

const (
	WarningMediaInactive WarningKind = iota
	WarningJitterHigh
	WarningPacketLoss
)

// Warning is EventWarning's payload.
type Warning struct {
	Kind WarningKind
	Msg  string
}

// EndReason enumerates why a Session ended, EventEnded's payload.
type EndReason int

const (
	EndReasonNormalClearing EndReason = iota
	EndReasonRejected
	EndReasonNoAnswer
	EndReasonMediaTimeout
	EndReasonError
	EndReasonLocalClose
)

// Ended is EventEnded's payload.
type Ended struct {
	Reason EndReason
	Err    error
}

func (s *Session) emit(ev Event) {
	ev.Timestamp = time.Now()
	select {
	case s.events <- ev:
	default:
		s.log.Warn().Str("event", ev.Type.String()).Msg("session event channel full, dropping")
	}
}

// Events returns the channel of this Session's lifecycle notifications.
func (s *Session) Events() <-chan Event { return s.events }
