package transaction

import (
	"sync"
	"time"

	"github.com/arzzra/corevoip/pkg/message"
)

// State is one of the RFC 3261 §17 transaction states. Client and server
// transactions share the enum but not every state: Trying is used by both
// non-INVITE transactions, Confirmed only by the INVITE server transaction,
// and Calling only by the INVITE client transaction.
type State int

const (
	StateCalling State = iota
	StateTrying
	StateProceeding
	StateCompleted
	StateConfirmed
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateCalling:
		return "Calling"
	case StateTrying:
		return "Trying"
	case StateProceeding:
		return "Proceeding"
	case StateCompleted:
		return "Completed"
	case StateConfirmed:
		return "Confirmed"
	case StateTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// Sender is the minimal transport surface a transaction needs: enqueue one
// message to addr, and report whether retransmission timers should run.
type Sender interface {
	Send(addr string, data []byte) error
	Protocol() string
}

// StateChangeFunc, ResponseFunc, TimeoutFunc, and TransportErrorFunc are the
// event callbacks a caller can register on a transaction.
type (
	StateChangeFunc    func(tx Transaction, old, next State)
	ResponseFunc       func(tx Transaction, resp *message.Response)
	RequestFunc        func(tx Transaction, req *message.Request)
	TimeoutFunc        func(tx Transaction, timer TimerID)
	TransportErrorFunc func(tx Transaction, err error)
)

// Transaction is the surface shared by client and server transactions.
type Transaction interface {
	ID() string
	Key() Key
	IsClient() bool
	IsInvite() bool
	State() State
	Request() *message.Request
	Terminate()
	OnStateChange(fn StateChangeFunc)
	OnTimeout(fn TimeoutFunc)
	OnTransportError(fn TransportErrorFunc)
}

// ClientTransaction is a transaction that sent a request and awaits
// responses (RFC 3261 §17.1).
type ClientTransaction interface {
	Transaction
	HandleResponse(resp *message.Response) error
	LastResponse() *message.Response
	OnResponse(fn ResponseFunc)
	// Cancel sends CANCEL for an INVITE transaction still in Proceeding.
	// Non-INVITE transactions return an error.
	Cancel(sender Sender) error
}

// ServerTransaction is a transaction that received a request and sends
// responses (RFC 3261 §17.2).
type ServerTransaction interface {
	Transaction
	HandleRequest(req *message.Request) error
	SendResponse(resp *message.Response) error
	OnRequest(fn RequestFunc)
}

// base holds the fields and event plumbing shared by every transaction
// implementation (client and server, INVITE and non-INVITE).
type base struct {
	mu sync.RWMutex

	id       string
	key      Key
	state    State
	request  *message.Request
	reliable bool

	sender Sender
	target string

	timers  Timers
	manager *timerManager

	stateChangeHandlers []StateChangeFunc
	timeoutHandlers     []TimeoutFunc
	transportErrHandlers []TransportErrorFunc
}

func newBase(id string, key Key, req *message.Request, sender Sender, timers Timers, target string) base {
	reliable := isReliableProtocol(sender.Protocol())
	if reliable {
		timers = timers.AdjustForReliableTransport()
	}
	return base{
		id:      id,
		key:     key,
		request: req,
		sender:  sender,
		target:  target,
		timers:  timers,
		reliable: reliable,
		manager: newTimerManager(),
	}
}

func (b *base) ID() string         { return b.id }
func (b *base) Key() Key           { return b.key }
func (b *base) Request() *message.Request { return b.request }

func (b *base) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

func (b *base) OnStateChange(fn StateChangeFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stateChangeHandlers = append(b.stateChangeHandlers, fn)
}

func (b *base) OnTimeout(fn TimeoutFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.timeoutHandlers = append(b.timeoutHandlers, fn)
}

func (b *base) OnTransportError(fn TransportErrorFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transportErrHandlers = append(b.transportErrHandlers, fn)
}

func (b *base) notifyTimeout(tx Transaction, id TimerID) {
	b.mu.RLock()
	handlers := append([]TimeoutFunc(nil), b.timeoutHandlers...)
	b.mu.RUnlock()
	for _, h := range handlers {
		h(tx, id)
	}
}

func (b *base) notifyTransportError(tx Transaction, err error) {
	b.mu.RLock()
	handlers := append([]TransportErrorFunc(nil), b.transportErrHandlers...)
	b.mu.RUnlock()
	for _, h := range handlers {
		h(tx, err)
	}
}

func (b *base) notifyStateChange(tx Transaction, old, next State) {
	b.mu.RLock()
	handlers := append([]StateChangeFunc(nil), b.stateChangeHandlers...)
	b.mu.RUnlock()
	for _, h := range handlers {
		h(tx, old, next)
	}
}

func (b *base) transition(tx Transaction, s State) {
	b.mu.Lock()
	old := b.state
	if old == s {
		b.mu.Unlock()
		return
	}
	b.state = s
	b.mu.Unlock()
	b.notifyStateChange(tx, old, s)
}

func (b *base) startTimer(tx Transaction, id TimerID, fn func()) {
	d := b.timers.duration(id)
	if d <= 0 {
		return
	}
	b.manager.Start(id, d, fn)
}

func (b *base) stopTimer(id TimerID) { b.manager.Stop(id) }

func (b *base) resetTimer(id TimerID, d time.Duration, fn func()) {
	b.manager.Reset(id, d, fn)
}

func (b *base) send(data []byte) error {
	return b.sender.Send(b.target, data)
}
