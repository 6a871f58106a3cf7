package dialog

import (
	"sync"
	"time"

	"github.com/arzzra/corevoip/pkg/message"
	"github.com/arzzra/corevoip/pkg/metrics"
	"github.com/arzzra/corevoip/pkg/transaction"
)

// Manager owns every active dialog, keyed by (Call-ID, local-tag,
// remote-tag). Both NewUACDialog and NewUASDialog already require a
// resolved remote tag before a Dialog exists (the first reliable response
// or the original INVITE's From-tag), so the full key is known from
// construction — unlike the teacher's manager.go, which re-keys dialogs
// created before any response arrived.
// Grounded on arzzra-soft_phone/pkg/sip/dialog's manager.go (map-based
// dialog store) generalized to this package's Early/Confirmed/Terminated
// model and lingering-481 period.
type Manager struct {
	mu      sync.RWMutex
	dialogs map[Key]*Dialog

	txManager *transaction.Manager
	metrics   *metrics.Registry

	onIncoming func(d *Dialog, invite *message.Request)
}

// NewManager returns an empty dialog table wired to txManager, with
// metrics recording disabled.
func NewManager(txManager *transaction.Manager) *Manager {
	m := &Manager{
		dialogs:   make(map[Key]*Dialog),
		txManager: txManager,
		metrics:   metrics.Disabled(),
	}
	return m
}

// SetMetrics attaches the registry the manager reports dialog lifecycle
// events through. Pass nil to disable.
func (m *Manager) SetMetrics(r *metrics.Registry) {
	if r == nil {
		r = metrics.Disabled()
	}
	m.mu.Lock()
	m.metrics = r
	m.mu.Unlock()
}

func (m *Manager) metricsRegistry() *metrics.Registry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.metrics
}

// OnIncomingDialog registers the callback invoked when an inbound INVITE
// establishes a brand-new UAS dialog (no existing dialog matched it).
func (m *Manager) OnIncomingDialog(fn func(d *Dialog, invite *message.Request)) {
	m.onIncoming = fn
}

func (m *Manager) register(d *Dialog) {
	created := time.Now()
	d.SetMetrics(m.metricsRegistry())
	d.OnStateChange(func(d *Dialog, old, next State) {
		m.metricsRegistry().DialogStateTransition(old.String(), next.String())
		if next == StateTerminated {
			m.metricsRegistry().DialogTerminated(time.Since(created))
			m.lingerThenForget(d)
		}
	})
	m.mu.Lock()
	m.dialogs[d.Key()] = d
	m.mu.Unlock()
	m.metricsRegistry().DialogCreated()
}

// CreateUACDialog builds and registers a dialog for an INVITE this side
// sent, given the first reliable response.
func (m *Manager) CreateUACDialog(invite *message.Request, resp *message.Response, sender transaction.Sender, target string) (*Dialog, error) {
	d, err := NewUACDialog(invite, resp, sender, target, m.txManager)
	if err != nil {
		return nil, err
	}
	m.register(d)
	return d, nil
}

// CreateUASDialog builds and registers a dialog for an INVITE this side
// received, generating the local tag.
func (m *Manager) CreateUASDialog(invite *message.Request, sender transaction.Sender, target string) (*Dialog, error) {
	d, err := NewUASDialog(invite, sender, target, m.txManager)
	if err != nil {
		return nil, err
	}
	m.register(d)
	if m.onIncoming != nil {
		m.onIncoming(d, invite)
	}
	return d, nil
}

// Find looks up a dialog by full identity.
func (m *Manager) Find(key Key) (*Dialog, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.dialogs[key]
	return d, ok
}

// HandleRequest routes an in-dialog request to its dialog, or 481s it if
// none matches (including the lingering period right after termination).
func (m *Manager) HandleRequest(req *message.Request) (*message.Response, *Dialog, error) {
	key, err := RequestKey(req, true)
	if err != nil {
		return message.NewResponse(400, "Malformed dialog headers"), nil, nil
	}
	d, ok := m.Find(key)
	if !ok {
		return message.NewResponse(481, "Call/Transaction Does Not Exist"), nil, nil
	}
	if d.IsLingering() {
		return message.NewResponse(481, "Call/Transaction Does Not Exist"), d, nil
	}
	resp, err := d.ProcessRequest(req)
	return resp, d, err
}

// HandleResponse routes a response to its dialog by (Call-ID, From-tag,
// To-tag).
func (m *Manager) HandleResponse(resp *message.Response) (*Dialog, bool) {
	key, err := ResponseKey(resp)
	if err != nil {
		return nil, false
	}
	return m.Find(key)
}

// lingerThenForget keeps a terminated dialog reachable (for 481 responses
// to straggling in-dialog retransmissions) for lingerPeriod, then drops it.
func (m *Manager) lingerThenForget(d *Dialog) {
	time.AfterFunc(lingerPeriod, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		key := d.Key()
		if cur, ok := m.dialogs[key]; ok && cur == d {
			delete(m.dialogs, key)
		}
	})
}

// Dialogs returns every dialog the manager currently tracks (including
// ones in their lingering period).
func (m *Manager) Dialogs() []*Dialog {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Dialog, 0, len(m.dialogs))
	for _, d := range m.dialogs {
		out = append(out, d)
	}
	return out
}

// Close terminates every tracked dialog immediately, without lingering.
func (m *Manager) Close() {
	m.mu.Lock()
	dialogs := make([]*Dialog, 0, len(m.dialogs))
	for _, d := range m.dialogs {
		dialogs = append(dialogs, d)
	}
	m.dialogs = make(map[Key]*Dialog)
	m.mu.Unlock()

	for _, d := range dialogs {
		d.Terminate()
	}
}
