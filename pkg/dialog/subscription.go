package dialog

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/looplab/fsm"
)

// SubState is the RFC 6665 subscription state exposed by the
// Subscription-State header: None (no subscription), Pending (subscription
// requested but not yet authorized), Active{Expires}, Terminated{Reason}.
type SubState int

const (
	SubStateNone SubState = iota
	SubStatePending
	SubStateActive
	SubStateTerminated
)

func (s SubState) String() string {
	switch s {
	case SubStateNone:
		return "none"
	case SubStatePending:
		return "pending"
	case SubStateActive:
		return "active"
	case SubStateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// referSubscriptionDefaultExpires is the Subscription-State expiry used
// for a REFER-created subscription when the REFER carries no Expires
// header of its own (RFC 3515 names no default for the refer event
// package; 60 seconds is the conventional value, matching spec.md §4.4's
// example NOTIFY "Subscription-State: active;expires=60").
const referSubscriptionDefaultExpires = 60

// Subscription is the implicit event subscription a REFER creates inside a
// dialog (RFC 3515 §2.4.4, RFC 6665). One dialog may hold several —
// attended transfer can REFER more than once before the first completes.
type Subscription struct {
	mu sync.Mutex

	ID      string
	Event   string // always "refer" for the subscriptions this package creates
	state   *fsm.FSM
	expires int
	reason  string

	progress *fsm.FSM // sipfrag status-code progression, see refer.go

	notifyCSeq uint32
}

// newSubscription creates a subscription already in Active state: a
// received/sent REFER establishes the subscription immediately (RFC 3515
// §2.4.4 — "the REFER itself establishes a subscription"); Refer-Sub:false
// (RFC 4488) callers should call Terminate right away instead.
func newSubscription(id, event string, expires int) *Subscription {
	s := &Subscription{ID: id, Event: event, expires: expires, progress: newReferProgressFSM()}
	s.state = fsm.NewFSM(
		SubStateActive.String(),
		fsm.Events{
			{Name: "pend", Src: []string{SubStateActive.String()}, Dst: SubStatePending.String()},
			{Name: "reactivate", Src: []string{SubStatePending.String()}, Dst: SubStateActive.String()},
			{Name: "terminate", Src: []string{SubStateActive.String(), SubStatePending.String()}, Dst: SubStateTerminated.String()},
		},
		nil,
	)
	return s
}

func (s *Subscription) State() SubState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return parseSubState(s.state.Current())
}

func (s *Subscription) Terminate(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reason = reason
	_ = s.state.Event(context.Background(), "terminate")
}

func (s *Subscription) IsTerminated() bool { return s.State() == SubStateTerminated }

// SubscriptionStateHeader formats the Subscription-State header value per
// RFC 6665 §4.1.3.
func (s *Subscription) SubscriptionStateHeader() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch parseSubState(s.state.Current()) {
	case SubStateActive:
		if s.expires > 0 {
			return "active;expires=" + strconv.Itoa(s.expires)
		}
		return "active"
	case SubStatePending:
		return "pending"
	case SubStateTerminated:
		if s.reason != "" {
			return "terminated;reason=" + s.reason
		}
		return "terminated"
	default:
		return "terminated"
	}
}

func parseSubState(s string) SubState {
	switch s {
	case SubStateActive.String():
		return SubStateActive
	case SubStatePending.String():
		return SubStatePending
	case SubStateTerminated.String():
		return SubStateTerminated
	default:
		return SubStateNone
	}
}

// ParseSubscriptionStateHeader parses an incoming Subscription-State value,
// e.g. "active;expires=60" or "terminated;reason=noresource".
func ParseSubscriptionStateHeader(value string) (state string, expires int, reason string, err error) {
	parts := strings.Split(value, ";")
	if len(parts) == 0 || parts[0] == "" {
		return "", 0, "", fmt.Errorf("dialog: empty Subscription-State")
	}
	state = strings.TrimSpace(parts[0])
	for _, p := range parts[1:] {
		name, val, has := strings.Cut(strings.TrimSpace(p), "=")
		if !has {
			continue
		}
		switch strings.ToLower(name) {
		case "expires":
			expires, _ = strconv.Atoi(val)
		case "reason":
			reason = val
		}
	}
	return state, expires, reason, nil
}

// referProgress tracks the sipfrag status code carried by NOTIFYs for a
// REFER we initiated, independent of the RFC 6665 subscription lifecycle
// above. Grounded on arzzra-soft_phone/pkg/dialog's ReferFSM.
const (
	referProgressPending    = "pending"
	referProgressTrying     = "trying"
	referProgressProceeding = "proceeding"
	referProgressCompleted  = "completed"
	referProgressFailed     = "failed"
)

func newReferProgressFSM() *fsm.FSM {
	return fsm.NewFSM(
		referProgressPending,
		fsm.Events{
			{Name: "notify_100", Src: []string{referProgressPending}, Dst: referProgressTrying},
			{Name: "notify_1xx", Src: []string{referProgressPending, referProgressTrying}, Dst: referProgressProceeding},
			{Name: "notify_success", Src: []string{referProgressPending, referProgressTrying, referProgressProceeding}, Dst: referProgressCompleted},
			{Name: "notify_failure", Src: []string{referProgressPending, referProgressTrying, referProgressProceeding}, Dst: referProgressFailed},
		},
		nil,
	)
}

// onSipfragStatus feeds a status code parsed from a NOTIFY's sipfrag body
// into the progress FSM and reports whether it was a final (>=200) code.
func (s *Subscription) onSipfragStatus(code int) (final bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case code == 100:
		_ = s.progress.Event(context.Background(), "notify_100")
	case code >= 101 && code < 200:
		_ = s.progress.Event(context.Background(), "notify_1xx")
	case code >= 200 && code < 300:
		_ = s.progress.Event(context.Background(), "notify_success")
		return true
	case code >= 300:
		_ = s.progress.Event(context.Background(), "notify_failure")
		return true
	}
	return false
}
