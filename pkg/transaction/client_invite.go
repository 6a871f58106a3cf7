package transaction

import (
	"fmt"
	"time"

	"github.com/arzzra/corevoip/pkg/message"
)

// InviteClientTransaction is an INVITE client transaction (ICT), RFC 3261
// §17.1.1, Figure 5: Calling -> Proceeding -> Completed -> Terminated, with
// 2xx final responses skipping Completed (ACK for 2xx is the dialog layer's
// responsibility, not the transaction's — RFC 3261 §13.2.2.4).
type InviteClientTransaction struct {
	base
	currentRetransmit time.Duration
	finalResponse     *message.Response
	lastResponse      *message.Response
	responseHandlers  []ResponseFunc
	cancelSent        bool
}

// NewInviteClientTransaction constructs and starts an ICT: it sends req
// immediately and arms Timer A (unreliable only) and Timer B.
func NewInviteClientTransaction(id string, key Key, req *message.Request, sender Sender, timers Timers, target string) (*InviteClientTransaction, error) {
	b := newBase(id, key, req, sender, timers, target)
	b.state = StateCalling
	ict := &InviteClientTransaction{base: b}

	data := []byte(req.String())
	if err := ict.send(data); err != nil {
		ict.notifyTransportError(ict, err)
		ict.Terminate()
		return ict, err
	}

	if !ict.reliable && ict.timers.TimerA > 0 {
		ict.currentRetransmit = ict.timers.TimerA
		ict.startTimer(ict, TimerA, func() { ict.onTimerA(data) })
	}
	ict.startTimer(ict, TimerB, ict.onTimerB)
	return ict, nil
}

func (t *InviteClientTransaction) IsClient() bool { return true }
func (t *InviteClientTransaction) IsInvite() bool { return true }

func (t *InviteClientTransaction) LastResponse() *message.Response { return t.lastResponse }

func (t *InviteClientTransaction) OnResponse(fn ResponseFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.responseHandlers = append(t.responseHandlers, fn)
}

func (t *InviteClientTransaction) notifyResponse(resp *message.Response) {
	t.mu.RLock()
	handlers := append([]ResponseFunc(nil), t.responseHandlers...)
	t.mu.RUnlock()
	for _, h := range handlers {
		h(t, resp)
	}
}

func (t *InviteClientTransaction) onTimerA(data []byte) {
	if t.State() != StateCalling {
		return
	}
	if err := t.send(data); err != nil {
		t.notifyTransportError(t, err)
		t.Terminate()
		return
	}
	next := NextRetransmitInterval(t.currentRetransmit, t.timers.T2)
	t.currentRetransmit = next
	t.resetTimer(TimerA, next, func() { t.onTimerA(data) })
}

func (t *InviteClientTransaction) onTimerB() {
	if s := t.State(); s == StateCalling || s == StateProceeding {
		t.notifyTimeout(t, TimerB)
		t.Terminate()
	}
}

// HandleResponse processes an inbound response per RFC 3261 §17.1.1.2.
func (t *InviteClientTransaction) HandleResponse(resp *message.Response) error {
	t.mu.Lock()
	t.lastResponse = resp
	t.mu.Unlock()

	switch t.State() {
	case StateCalling:
		return t.handleInCalling(resp)
	case StateProceeding:
		return t.handleInProceeding(resp)
	case StateCompleted:
		return t.handleInCompleted(resp)
	default:
		return fmt.Errorf("transaction: unexpected response in state %s", t.State())
	}
}

func (t *InviteClientTransaction) handleInCalling(resp *message.Response) error {
	sc := resp.StatusCode
	switch {
	case sc >= 100 && sc <= 199:
		t.transition(t, StateProceeding)
		t.stopTimer(TimerA)
		t.notifyResponse(resp)
		return nil
	case sc >= 200 && sc <= 299:
		t.transition(t, StateTerminated)
		t.notifyResponse(resp)
		return nil
	case sc >= 300 && sc <= 699:
		return t.completeWithACK(resp)
	default:
		return fmt.Errorf("transaction: invalid status code %d", sc)
	}
}

func (t *InviteClientTransaction) handleInProceeding(resp *message.Response) error {
	sc := resp.StatusCode
	switch {
	case sc >= 100 && sc <= 199:
		t.notifyResponse(resp)
		return nil
	case sc >= 200 && sc <= 299:
		t.transition(t, StateTerminated)
		t.notifyResponse(resp)
		return nil
	case sc >= 300 && sc <= 699:
		t.stopTimer(TimerB)
		return t.completeWithACK(resp)
	default:
		return fmt.Errorf("transaction: invalid status code %d", sc)
	}
}

func (t *InviteClientTransaction) completeWithACK(resp *message.Response) error {
	t.mu.Lock()
	t.finalResponse = resp
	t.mu.Unlock()
	t.transition(t, StateCompleted)
	t.stopTimer(TimerA)

	ack, err := buildACKForNon2xx(t.request, resp)
	if err != nil {
		return fmt.Errorf("transaction: build ACK: %w", err)
	}
	if err := t.send([]byte(ack.String())); err != nil {
		return fmt.Errorf("transaction: send ACK: %w", err)
	}
	t.startTimer(t, TimerD, t.onTimerD)
	t.notifyResponse(resp)
	return nil
}

// handleInCompleted retransmits ACK for a retransmitted non-2xx final
// response (RFC 3261 §17.1.1.2).
func (t *InviteClientTransaction) handleInCompleted(resp *message.Response) error {
	if resp.StatusCode < 300 {
		return nil
	}
	ack, err := buildACKForNon2xx(t.request, resp)
	if err != nil {
		return fmt.Errorf("transaction: rebuild ACK: %w", err)
	}
	return t.send([]byte(ack.String()))
}

func (t *InviteClientTransaction) onTimerD() {
	if t.State() == StateCompleted {
		t.Terminate()
	}
}

// Cancel sends CANCEL while the INVITE transaction is in Proceeding, per
// RFC 3261 §9.1 (CANCEL may only be sent once a provisional has arrived, or
// racing-with-INVITE implementations send it as soon as Calling and let the
// transaction layer retry — this implementation requires Proceeding, matching
// the common case of CANCEL triggered after a 1xx).
func (t *InviteClientTransaction) Cancel(sender Sender) error {
	t.mu.Lock()
	if t.cancelSent {
		t.mu.Unlock()
		return nil
	}
	if t.State() != StateProceeding {
		t.mu.Unlock()
		return fmt.Errorf("transaction: CANCEL requires Proceeding state, got %s", t.State())
	}
	t.cancelSent = true
	t.mu.Unlock()

	cancel, err := buildCANCEL(t.request)
	if err != nil {
		t.mu.Lock()
		t.cancelSent = false
		t.mu.Unlock()
		return fmt.Errorf("transaction: build CANCEL: %w", err)
	}
	if err := sender.Send(t.target, []byte(cancel.String())); err != nil {
		t.mu.Lock()
		t.cancelSent = false
		t.mu.Unlock()
		return fmt.Errorf("transaction: send CANCEL: %w", err)
	}
	return nil
}

func (t *InviteClientTransaction) Terminate() {
	t.transition(t, StateTerminated)
	t.manager.StopAll()
}
