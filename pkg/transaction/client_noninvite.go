package transaction

import (
	"fmt"
	"time"

	"github.com/arzzra/corevoip/pkg/message"
)

// NonInviteClientTransaction is a non-INVITE client transaction (NICT), RFC
// 3261 §17.1.2, Figure 6: Trying -> Proceeding -> Completed -> Terminated.
type NonInviteClientTransaction struct {
	base
	currentRetransmit time.Duration
	lastResponse      *message.Response
	responseHandlers  []ResponseFunc
}

// NewNonInviteClientTransaction constructs and starts a NICT.
func NewNonInviteClientTransaction(id string, key Key, req *message.Request, sender Sender, timers Timers, target string) (*NonInviteClientTransaction, error) {
	b := newBase(id, key, req, sender, timers, target)
	b.state = StateTrying
	nict := &NonInviteClientTransaction{base: b}

	data := []byte(req.String())
	if err := nict.send(data); err != nil {
		nict.notifyTransportError(nict, err)
		nict.Terminate()
		return nict, err
	}

	if !nict.reliable && nict.timers.TimerE > 0 {
		nict.currentRetransmit = nict.timers.TimerE
		nict.startTimer(nict, TimerE, func() { nict.onTimerE(data) })
	}
	nict.startTimer(nict, TimerF, nict.onTimerF)
	return nict, nil
}

func (t *NonInviteClientTransaction) IsClient() bool { return true }
func (t *NonInviteClientTransaction) IsInvite() bool { return false }

func (t *NonInviteClientTransaction) LastResponse() *message.Response { return t.lastResponse }

func (t *NonInviteClientTransaction) OnResponse(fn ResponseFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.responseHandlers = append(t.responseHandlers, fn)
}

func (t *NonInviteClientTransaction) notifyResponse(resp *message.Response) {
	t.mu.RLock()
	handlers := append([]ResponseFunc(nil), t.responseHandlers...)
	t.mu.RUnlock()
	for _, h := range handlers {
		h(t, resp)
	}
}

func (t *NonInviteClientTransaction) onTimerE(data []byte) {
	state := t.State()
	if state != StateTrying && state != StateProceeding {
		return
	}
	if err := t.send(data); err != nil {
		t.notifyTransportError(t, err)
		t.Terminate()
		return
	}
	var next time.Duration
	if state == StateTrying {
		next = NextRetransmitInterval(t.currentRetransmit, t.timers.T2)
	} else {
		next = t.timers.T2
	}
	t.currentRetransmit = next
	t.resetTimer(TimerE, next, func() { t.onTimerE(data) })
}

func (t *NonInviteClientTransaction) onTimerF() {
	if s := t.State(); s == StateTrying || s == StateProceeding {
		t.notifyTimeout(t, TimerF)
		t.Terminate()
	}
}

// HandleResponse processes an inbound response per RFC 3261 §17.1.2.2.
func (t *NonInviteClientTransaction) HandleResponse(resp *message.Response) error {
	t.mu.Lock()
	t.lastResponse = resp
	t.mu.Unlock()

	switch t.State() {
	case StateTrying, StateProceeding:
		sc := resp.StatusCode
		if sc >= 100 && sc <= 199 {
			t.transition(t, StateProceeding)
			t.notifyResponse(resp)
			return nil
		}
		if sc >= 200 && sc <= 699 {
			t.transition(t, StateCompleted)
			t.stopTimer(TimerE)
			t.stopTimer(TimerF)
			if t.reliable || t.timers.TimerK <= 0 {
				t.Terminate()
			} else {
				t.startTimer(t, TimerK, t.onTimerK)
			}
			t.notifyResponse(resp)
			return nil
		}
		return fmt.Errorf("transaction: invalid status code %d", sc)
	case StateCompleted:
		return nil // absorb retransmitted final responses
	default:
		return fmt.Errorf("transaction: unexpected response in state %s", t.State())
	}
}

func (t *NonInviteClientTransaction) onTimerK() {
	if t.State() == StateCompleted {
		t.Terminate()
	}
}

// Cancel is invalid for non-INVITE transactions (RFC 3261 §9.1: CANCEL only
// applies to INVITE).
func (t *NonInviteClientTransaction) Cancel(sender Sender) error {
	return fmt.Errorf("transaction: cannot cancel a non-INVITE transaction")
}

func (t *NonInviteClientTransaction) Terminate() {
	t.transition(t, StateTerminated)
	t.manager.StopAll()
}
