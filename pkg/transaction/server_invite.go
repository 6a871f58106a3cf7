package transaction

import (
	"fmt"

	"github.com/arzzra/corevoip/pkg/message"
)

// InviteServerTransaction is an INVITE server transaction (IST), RFC 3261
// §17.2.1, Figure 7: Proceeding -> Completed -> Confirmed -> Terminated, with
// 2xx responses skipping Completed/Confirmed (the dialog layer owns 2xx
// retransmission until ACK, since those ACKs carry their own transaction).
type InviteServerTransaction struct {
	base
	finalResponse   *message.Response
	requestHandlers []RequestFunc
}

// NewInviteServerTransaction constructs an IST already in Proceeding (RFC
// 3261 §17.2.1: a 100 Trying is sent automatically by the core for INVITE
// over unreliable transports, but this constructor leaves that to the
// caller so it can skip it when not wanted).
func NewInviteServerTransaction(id string, key Key, req *message.Request, sender Sender, timers Timers, target string) *InviteServerTransaction {
	b := newBase(id, key, req, sender, timers, target)
	b.state = StateProceeding
	return &InviteServerTransaction{base: b}
}

func (t *InviteServerTransaction) IsClient() bool { return false }
func (t *InviteServerTransaction) IsInvite() bool { return true }

func (t *InviteServerTransaction) OnRequest(fn RequestFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.requestHandlers = append(t.requestHandlers, fn)
}

func (t *InviteServerTransaction) notifyRequest(req *message.Request) {
	t.mu.RLock()
	handlers := append([]RequestFunc(nil), t.requestHandlers...)
	t.mu.RUnlock()
	for _, h := range handlers {
		h(t, req)
	}
}

// SendResponse sends resp per RFC 3261 §17.2.1.
func (t *InviteServerTransaction) SendResponse(resp *message.Response) error {
	switch t.State() {
	case StateProceeding:
		return t.sendInProceeding(resp)
	case StateCompleted:
		return t.sendInCompleted(resp)
	default:
		return fmt.Errorf("transaction: cannot send response in state %s", t.State())
	}
}

func (t *InviteServerTransaction) sendInProceeding(resp *message.Response) error {
	if err := t.send([]byte(resp.String())); err != nil {
		return err
	}
	sc := resp.StatusCode
	switch {
	case sc >= 100 && sc <= 199:
		return nil
	case sc >= 200 && sc <= 299:
		t.transition(t, StateTerminated)
		t.manager.StopAll()
		return nil
	case sc >= 300 && sc <= 699:
		t.mu.Lock()
		t.finalResponse = resp
		t.mu.Unlock()
		t.transition(t, StateCompleted)
		if !t.reliable && t.timers.TimerG > 0 {
			t.startTimer(t, TimerG, func() { t.onTimerG(resp) })
		}
		t.startTimer(t, TimerH, t.onTimerH)
		return nil
	default:
		return fmt.Errorf("transaction: invalid status code %d", sc)
	}
}

func (t *InviteServerTransaction) sendInCompleted(resp *message.Response) error {
	t.mu.RLock()
	final := t.finalResponse
	t.mu.RUnlock()
	if final == nil || resp.StatusCode != final.StatusCode {
		return fmt.Errorf("transaction: can only retransmit the original final response in Completed")
	}
	return t.send([]byte(resp.String()))
}

func (t *InviteServerTransaction) onTimerG(resp *message.Response) {
	if t.State() != StateCompleted {
		return
	}
	if err := t.send([]byte(resp.String())); err != nil {
		t.notifyTransportError(t, err)
		return
	}
	next := NextRetransmitInterval(t.timers.TimerG, t.timers.T2)
	t.resetTimer(TimerG, next, func() { t.onTimerG(resp) })
}

func (t *InviteServerTransaction) onTimerH() {
	if t.State() == StateCompleted {
		t.notifyTimeout(t, TimerH)
		t.Terminate()
	}
}

// HandleRequest processes a retransmitted INVITE (retransmit the last
// response) or the ACK that confirms a non-2xx final response (RFC 3261
// §17.2.1).
func (t *InviteServerTransaction) HandleRequest(req *message.Request) error {
	if req.Method == message.MethodAck {
		return t.handleACK(req)
	}
	if req.Method != message.MethodInvite {
		return fmt.Errorf("transaction: expected INVITE or ACK, got %s", req.Method)
	}
	switch t.State() {
	case StateProceeding:
		t.notifyRequest(req)
		return nil
	case StateCompleted:
		t.mu.RLock()
		final := t.finalResponse
		t.mu.RUnlock()
		if final != nil {
			return t.send([]byte(final.String()))
		}
		return nil
	default:
		return nil
	}
}

func (t *InviteServerTransaction) handleACK(ack *message.Request) error {
	switch t.State() {
	case StateCompleted:
		t.transition(t, StateConfirmed)
		t.stopTimer(TimerG)
		t.stopTimer(TimerH)
		if t.reliable || t.timers.TimerI <= 0 {
			t.Terminate()
		} else {
			t.startTimer(t, TimerI, t.onTimerI)
		}
		return nil
	case StateConfirmed:
		return nil // duplicate ACK, ignore
	default:
		return fmt.Errorf("transaction: unexpected ACK in state %s", t.State())
	}
}

func (t *InviteServerTransaction) onTimerI() {
	if t.State() == StateConfirmed {
		t.Terminate()
	}
}

func (t *InviteServerTransaction) Terminate() {
	t.transition(t, StateTerminated)
	t.manager.StopAll()
}
