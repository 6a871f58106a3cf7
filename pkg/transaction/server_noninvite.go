package transaction

import (
	"fmt"

	"github.com/arzzra/corevoip/pkg/message"
)

// NonInviteServerTransaction is a non-INVITE server transaction (NIST), RFC
// 3261 §17.2.2, Figure 8: Trying -> Completed -> Terminated (no 1xx-only
// Proceeding wait is mandatory, but a provisional still moves it there).
type NonInviteServerTransaction struct {
	base
	finalResponse   *message.Response
	requestHandlers []RequestFunc
}

// NewNonInviteServerTransaction constructs a NIST in Trying.
func NewNonInviteServerTransaction(id string, key Key, req *message.Request, sender Sender, timers Timers, target string) *NonInviteServerTransaction {
	b := newBase(id, key, req, sender, timers, target)
	b.state = StateTrying
	return &NonInviteServerTransaction{base: b}
}

func (t *NonInviteServerTransaction) IsClient() bool { return false }
func (t *NonInviteServerTransaction) IsInvite() bool { return false }

func (t *NonInviteServerTransaction) OnRequest(fn RequestFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.requestHandlers = append(t.requestHandlers, fn)
}

func (t *NonInviteServerTransaction) notifyRequest(req *message.Request) {
	t.mu.RLock()
	handlers := append([]RequestFunc(nil), t.requestHandlers...)
	t.mu.RUnlock()
	for _, h := range handlers {
		h(t, req)
	}
}

// SendResponse sends resp per RFC 3261 §17.2.2.
func (t *NonInviteServerTransaction) SendResponse(resp *message.Response) error {
	switch t.State() {
	case StateTrying, StateProceeding:
		if err := t.send([]byte(resp.String())); err != nil {
			return err
		}
		sc := resp.StatusCode
		if sc >= 100 && sc <= 199 {
			t.transition(t, StateProceeding)
			return nil
		}
		if sc >= 200 && sc <= 699 {
			t.mu.Lock()
			t.finalResponse = resp
			t.mu.Unlock()
			t.transition(t, StateCompleted)
			if t.reliable || t.timers.TimerJ <= 0 {
				t.Terminate()
			} else {
				t.startTimer(t, TimerJ, t.onTimerJ)
			}
			return nil
		}
		return fmt.Errorf("transaction: invalid status code %d", sc)
	case StateCompleted:
		t.mu.RLock()
		final := t.finalResponse
		t.mu.RUnlock()
		if final == nil || resp.StatusCode != final.StatusCode {
			return fmt.Errorf("transaction: can only retransmit the original final response in Completed")
		}
		return t.send([]byte(resp.String()))
	default:
		return fmt.Errorf("transaction: cannot send response in state %s", t.State())
	}
}

func (t *NonInviteServerTransaction) onTimerJ() {
	if t.State() == StateCompleted {
		t.Terminate()
	}
}

// HandleRequest retransmits the last response for a duplicate request (RFC
// 3261 §17.2.2).
func (t *NonInviteServerTransaction) HandleRequest(req *message.Request) error {
	if req.Method != t.request.Method {
		return fmt.Errorf("transaction: method mismatch, expected %s got %s", t.request.Method, req.Method)
	}
	switch t.State() {
	case StateTrying:
		t.notifyRequest(req)
		return nil
	case StateProceeding, StateCompleted:
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

func (t *NonInviteServerTransaction) Terminate() {
	t.transition(t, StateTerminated)
	t.manager.StopAll()
}
