// Package transaction implements the SIP transaction layer (component C3):
// the four RFC 3261 §17 state machines (INVITE/non-INVITE, client/server),
// their Timer A-K retransmission schedules, and branch-based transaction
// matching. Grounded on arzzra-soft_phone/pkg/sip/transaction; unlike the
// teacher's client/server subpackages this module keeps one flat package,
// matching the rest of this repo's pkg/* layout (see DESIGN.md).
package transaction

import "time"

// TimerID names one of the RFC 3261 §17 transaction timers.
type TimerID int

const (
	TimerA TimerID = iota // INVITE client request retransmit
	TimerB                // INVITE client transaction timeout
	TimerD                // INVITE client response-retransmit wait
	TimerE                // non-INVITE client request retransmit
	TimerF                // non-INVITE client transaction timeout
	TimerG                // INVITE server response retransmit
	TimerH                // INVITE server wait-for-ACK timeout
	TimerI                // INVITE server Confirmed linger
	TimerJ                // non-INVITE server Completed linger
	TimerK                // non-INVITE client Completed linger
)

func (id TimerID) String() string {
	switch id {
	case TimerA:
		return "A"
	case TimerB:
		return "B"
	case TimerD:
		return "D"
	case TimerE:
		return "E"
	case TimerF:
		return "F"
	case TimerG:
		return "G"
	case TimerH:
		return "H"
	case TimerI:
		return "I"
	case TimerJ:
		return "J"
	case TimerK:
		return "K"
	default:
		return "?"
	}
}

// Timers holds every timer duration for one transaction, already resolved
// from T1/T2/T4 (RFC 3261 §17.1.1.2). Values of 0 disable that timer, used
// for reliable transports per AdjustForReliableTransport.
type Timers struct {
	T1 time.Duration
	T2 time.Duration
	T4 time.Duration

	TimerA time.Duration
	TimerB time.Duration
	TimerD time.Duration
	TimerE time.Duration
	TimerF time.Duration
	TimerG time.Duration
	TimerH time.Duration
	TimerI time.Duration
	TimerJ time.Duration
	TimerK time.Duration
}

// DefaultTimers returns the RFC 3261 §17.1.1.2 defaults (T1=500ms, T2=4s,
// T4=5s) for an unreliable (UDP) transport.
func DefaultTimers() Timers {
	t1 := 500 * time.Millisecond
	t2 := 4 * time.Second
	t4 := 5 * time.Second
	return Timers{
		T1: t1, T2: t2, T4: t4,
		TimerA: t1,
		TimerB: 64 * t1,
		TimerD: 32 * time.Second,
		TimerE: t1,
		TimerF: 64 * t1,
		TimerG: t1,
		TimerH: 64 * t1,
		TimerI: t4,
		TimerJ: 64 * t1,
		TimerK: t4,
	}
}

// AdjustForReliableTransport zeroes the retransmission-only timers (A, D, E,
// G, I, J, K) for TCP/TLS, per RFC 3261 §17.1.1.2/§17.1.2.2/§17.2.1.
func (t Timers) AdjustForReliableTransport() Timers {
	t.TimerA = 0
	t.TimerD = 0
	t.TimerE = 0
	t.TimerG = 0
	t.TimerI = 0
	t.TimerJ = 0
	t.TimerK = 0
	return t
}

func (t Timers) duration(id TimerID) time.Duration {
	switch id {
	case TimerA:
		return t.TimerA
	case TimerB:
		return t.TimerB
	case TimerD:
		return t.TimerD
	case TimerE:
		return t.TimerE
	case TimerF:
		return t.TimerF
	case TimerG:
		return t.TimerG
	case TimerH:
		return t.TimerH
	case TimerI:
		return t.TimerI
	case TimerJ:
		return t.TimerJ
	case TimerK:
		return t.TimerK
	default:
		return 0
	}
}

// NextRetransmitInterval doubles current, capped at t2 (RFC 3261 §17.1.1.2's
// backoff used by Timer A/E/G).
func NextRetransmitInterval(current, t2 time.Duration) time.Duration {
	next := current * 2
	if next > t2 {
		return t2
	}
	return next
}

// timer wraps time.AfterFunc with Stop/Reset.
type timer struct {
	t *time.Timer
}

func newTimer(d time.Duration, fn func()) *timer {
	return &timer{t: time.AfterFunc(d, fn)}
}

func (t *timer) Stop() { t.t.Stop() }

func (t *timer) Reset(d time.Duration) { t.t.Reset(d) }

// timerManager owns the named timers for one transaction.
type timerManager struct {
	timers map[TimerID]*timer
}

func newTimerManager() *timerManager {
	return &timerManager{timers: make(map[TimerID]*timer)}
}

func (m *timerManager) Start(id TimerID, d time.Duration, fn func()) {
	if existing, ok := m.timers[id]; ok {
		existing.Stop()
	}
	m.timers[id] = newTimer(d, fn)
}

func (m *timerManager) Stop(id TimerID) {
	if t, ok := m.timers[id]; ok {
		t.Stop()
		delete(m.timers, id)
	}
}

func (m *timerManager) Reset(id TimerID, d time.Duration, fn func()) {
	if t, ok := m.timers[id]; ok {
		t.Reset(d)
		return
	}
	m.timers[id] = newTimer(d, fn)
}

func (m *timerManager) IsActive(id TimerID) bool {
	_, ok := m.timers[id]
	return ok
}

func (m *timerManager) StopAll() {
	for id, t := range m.timers {
		t.Stop()
		delete(m.timers, id)
	}
}
