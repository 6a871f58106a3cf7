package transaction

import (
	"fmt"
	"sync"
	"time"

	"github.com/arzzra/corevoip/pkg/message"
	"github.com/arzzra/corevoip/pkg/metrics"
	"github.com/google/uuid"
)

// Manager owns every active transaction, keyed by branch+method+direction,
// and routes inbound requests/responses to the transaction responsible for
// them (creating a new server transaction on first sight of a request).
// Grounded on arzzra-soft_phone/pkg/sip/transaction's TransactionManager
// interface, adapted to this package's flat client/server split.
type Manager struct {
	mu      sync.RWMutex
	clients map[Key]ClientTransaction
	servers map[Key]ServerTransaction
	timers  Timers
	metrics *metrics.Registry

	onNewServer func(tx ServerTransaction)
}

// NewManager returns an empty Manager using the given default timer set,
// with metrics recording disabled.
func NewManager(timers Timers) *Manager {
	return &Manager{
		clients: make(map[Key]ClientTransaction),
		servers: make(map[Key]ServerTransaction),
		timers:  timers,
		metrics: metrics.Disabled(),
	}
}

// SetMetrics attaches the registry the manager reports transaction
// completions and timer expirations through. Pass nil to disable.
func (m *Manager) SetMetrics(r *metrics.Registry) {
	if r == nil {
		r = metrics.Disabled()
	}
	m.mu.Lock()
	m.metrics = r
	m.mu.Unlock()
}

// OnNewServerTransaction registers the callback invoked whenever HandleRequest
// creates a brand new server transaction (i.e. the request wasn't a
// retransmission); the callback is where a dialog/core layer picks up the
// request to act on it.
func (m *Manager) OnNewServerTransaction(fn func(tx ServerTransaction)) {
	m.onNewServer = fn
}

// NewClientTransaction creates and starts a client transaction for req,
// registering it in the table under its Via branch. target is the resolved
// destination address to hand to sender.Send.
func (m *Manager) NewClientTransaction(req *message.Request, sender Sender, target string) (ClientTransaction, error) {
	if req.Method == message.MethodAck {
		// ACK for a 2xx is sent directly by the dialog layer, outside any
		// transaction (RFC 3261 §13.2.2.4); ACK for a non-2xx is built and
		// sent internally by the owning InviteClientTransaction.
		return nil, fmt.Errorf("transaction: ACK is not sent as its own client transaction")
	}
	key, err := RequestKey(req, true)
	if err != nil {
		return nil, err
	}
	id := uuid.NewString()
	start := time.Now()

	var tx ClientTransaction
	if req.Method == message.MethodInvite {
		ict, err := NewInviteClientTransaction(id, key, req, sender, m.timers, target)
		if err != nil {
			return ict, err
		}
		tx = ict
	} else {
		nict, err := NewNonInviteClientTransaction(id, key, req, sender, m.timers, target)
		if err != nil {
			return nict, err
		}
		tx = nict
	}

	tx.OnStateChange(func(inner Transaction, old, next State) {
		if next == StateTerminated {
			m.metricsRegistry().TransactionCompleted(req.Method, "client", time.Since(start))
			m.mu.Lock()
			delete(m.clients, inner.Key())
			m.mu.Unlock()
		}
	})
	tx.OnTimeout(func(inner Transaction, timerID TimerID) {
		m.metricsRegistry().TransactionTimedOut(timerID.String())
	})

	m.mu.Lock()
	m.clients[key] = tx
	m.mu.Unlock()
	return tx, nil
}

// metricsRegistry returns the currently-attached metrics registry (never
// nil — defaults to a disabled no-op registry).
func (m *Manager) metricsRegistry() *metrics.Registry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.metrics
}

// HandleResponse routes resp to its client transaction, identified by the
// branch+CSeq-method of its topmost Via (RFC 3261 §17.1.3).
func (m *Manager) HandleResponse(resp *message.Response) error {
	key, err := ResponseKey(resp)
	if err != nil {
		return err
	}
	m.mu.RLock()
	tx, ok := m.clients[key]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("transaction: no client transaction for %s", key)
	}
	return tx.HandleResponse(resp)
}

// HandleRequest routes req to its server transaction, creating one (and
// invoking the OnNewServerTransaction callback) the first time a given
// branch+method is seen, per RFC 3261 §17.2.3.
func (m *Manager) HandleRequest(req *message.Request, sender Sender, remoteAddr string) (ServerTransaction, error) {
	key, err := RequestKey(req, false)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	tx, ok := m.servers[key]
	m.mu.RUnlock()
	if ok {
		return tx, tx.HandleRequest(req)
	}

	id := uuid.NewString()
	start := time.Now()
	var newTx ServerTransaction
	switch req.Method {
	case message.MethodInvite:
		newTx = NewInviteServerTransaction(id, key, req, sender, m.timers, remoteAddr)
	case message.MethodAck:
		// A standalone ACK with no matching INVITE server transaction is a
		// stray 2xx ACK: it belongs to the dialog layer, not a transaction.
		return nil, fmt.Errorf("transaction: ACK does not match any INVITE server transaction")
	case message.MethodCancel:
		// CANCEL matches the INVITE it cancels by branch, not by method
		// (RFC 3261 §9.2), so it never shares a transaction with that
		// INVITE; it gets its own non-INVITE server transaction here, and
		// cancelMatchingInvite (called below, outside the table lock)
		// finds and terminates the INVITE transaction it targets.
		newTx = NewNonInviteServerTransaction(id, key, req, sender, m.timers, remoteAddr)
	default:
		newTx = NewNonInviteServerTransaction(id, key, req, sender, m.timers, remoteAddr)
	}

	m.mu.Lock()
	m.servers[key] = newTx
	m.mu.Unlock()

	newTx.OnStateChange(func(tx Transaction, old, next State) {
		if next == StateTerminated {
			m.metricsRegistry().TransactionCompleted(req.Method, "server", time.Since(start))
			m.mu.Lock()
			delete(m.servers, tx.Key())
			m.mu.Unlock()
		}
	})
	newTx.OnTimeout(func(tx Transaction, timerID TimerID) {
		m.metricsRegistry().TransactionTimedOut(timerID.String())
	})

	if req.Method == message.MethodCancel {
		m.cancelMatchingInvite(req)
	}

	if m.onNewServer != nil {
		m.onNewServer(newTx)
	}
	return newTx, nil
}

// cancelMatchingInvite finds the INVITE server transaction sharing cancel's
// branch (RFC 3261 §9.2: CANCEL is matched to the request it cancels by
// branch, never by method) and, if it is still awaiting a final response,
// sends the 487 Request Terminated that closes it out. A CANCEL that
// arrives after the INVITE has already been answered finds nothing to
// cancel and is silently ignored here — the caller still owes the CANCEL
// itself a 200 response regardless of whether anything was found.
func (m *Manager) cancelMatchingInvite(cancel *message.Request) {
	vias, err := cancel.Vias()
	if err != nil || len(vias) == 0 {
		return
	}
	branch, ok := vias[0].Branch()
	if !ok {
		return
	}

	m.mu.RLock()
	tx, ok := m.servers[Key{Branch: branch, Method: message.MethodInvite, IsClient: false}]
	m.mu.RUnlock()
	if !ok {
		return
	}
	invTx, ok := tx.(*InviteServerTransaction)
	if !ok || invTx.State() != StateProceeding {
		return
	}
	_ = invTx.SendResponse(message.NewResponse(487, "Request Terminated"))
}

// FindClientTransaction looks up a client transaction by key.
func (m *Manager) FindClientTransaction(key Key) (ClientTransaction, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tx, ok := m.clients[key]
	return tx, ok
}

// FindServerTransaction looks up a server transaction by key.
func (m *Manager) FindServerTransaction(key Key) (ServerTransaction, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tx, ok := m.servers[key]
	return tx, ok
}

// Close terminates every active transaction.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tx := range m.clients {
		tx.Terminate()
	}
	for _, tx := range m.servers {
		tx.Terminate()
	}
	m.clients = make(map[Key]ClientTransaction)
	m.servers = make(map[Key]ServerTransaction)
}
