// Package dialog implements the SIP dialog layer (component C4): dialog
// identity and the Early/Confirmed/Terminated lifecycle of RFC 3261 §12,
// route-set and remote-target tracking, in-dialog request construction
// (re-INVITE, UPDATE, BYE, REFER, NOTIFY), and the implicit event
// subscription a REFER creates (RFC 3515/6665). Grounded on
// arzzra-soft_phone's pkg/dialog (the looplab/fsm-based dialog state
// machine and REFER subscription tracking) and pkg/sip/dialog (the
// RFC-3261-direct route-set/target/CSeq mechanics).
package dialog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/arzzra/corevoip/pkg/message"
	"github.com/arzzra/corevoip/pkg/metrics"
	"github.com/arzzra/corevoip/pkg/transaction"
	"github.com/looplab/fsm"
)

// State is one of the RFC 3261 §12.1 dialog states. Unlike the teacher's
// five-state Init/Trying/Ringing/Established/Terminated machine, a Dialog
// value here is only constructed once a dialog actually exists (first
// reliable 1xx with a To-tag, or a 2xx) — so there is no pre-dialog state.
type State int

const (
	StateEarly State = iota
	StateConfirmed
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateEarly:
		return "Early"
	case StateConfirmed:
		return "Confirmed"
	case StateTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// lingerPeriod is how long a terminated dialog keeps answering in-dialog
// retransmissions with 481 before the Manager forgets it entirely (spec's
// "brief lingering period").
const lingerPeriod = 30 * time.Second

// RequestHandler builds the response for an in-dialog request the Dialog
// doesn't fully own the semantics of (re-INVITE/UPDATE carry SDP the
// session coordinator interprets; REFER/NOTIFY carry transfer state the
// caller drives). Returning a nil response with a nil error asks the
// Dialog to send its own default response.
type RequestHandler func(d *Dialog, req *message.Request) (*message.Response, error)

// Dialog is one SIP dialog: identity, route set, remote target, CSeq
// counters, state, and its REFER subscriptions.
type Dialog struct {
	mu sync.RWMutex

	key   Key
	isUAC bool

	localURI, remoteURI *message.Address
	localContact        *message.Address
	remoteTarget        *message.URI
	routeSet            *RouteSet
	routeSetFixed       bool

	localSeq     uint32
	remoteSeq    uint32
	remoteSeqSet bool

	fsm   *fsm.FSM
	state State

	txManager *transaction.Manager
	sender    transaction.Sender
	target    string
	metrics   *metrics.Registry

	subscriptions map[string]*Subscription

	handlers map[string]RequestHandler

	stateChangeHandlers []StateChangeFunc

	lingerTimer  *time.Timer
	terminatedAt time.Time
}

// StateChangeFunc is the callback registered via OnStateChange.
type StateChangeFunc func(d *Dialog, old, next State)

func newDialog(key Key, isUAC bool, localURI, remoteURI *message.Address, localContact *message.Address, sender transaction.Sender, target string, txManager *transaction.Manager) *Dialog {
	d := &Dialog{
		key:           key,
		isUAC:         isUAC,
		localURI:      localURI,
		remoteURI:     remoteURI,
		localContact:  localContact,
		routeSet:      &RouteSet{},
		sender:        sender,
		target:        target,
		txManager:     txManager,
		subscriptions: make(map[string]*Subscription),
		handlers:      make(map[string]RequestHandler),
		state:         StateEarly,
		metrics:       metrics.Disabled(),
	}
	d.fsm = fsm.NewFSM(
		StateEarly.String(),
		fsm.Events{
			{Name: "confirm", Src: []string{StateEarly.String()}, Dst: StateConfirmed.String()},
			{Name: "fail", Src: []string{StateEarly.String()}, Dst: StateTerminated.String()},
			{Name: "terminate", Src: []string{StateConfirmed.String()}, Dst: StateTerminated.String()},
		},
		fsm.Callbacks{
			"after_event": func(ctx context.Context, e *fsm.Event) {
				d.setState(parseState(e.Dst))
			},
		},
	)
	return d
}

// NewUACDialog builds an early dialog for an INVITE this side sent, given
// the first reliable response carrying a To-tag. resp may be a provisional
// (dialog stays Early) or a 2xx (dialog starts Confirmed).
func NewUACDialog(invite *message.Request, resp *message.Response, sender transaction.Sender, target string, txManager *transaction.Manager) (*Dialog, error) {
	from, err := invite.From()
	if err != nil {
		return nil, err
	}
	to, err := resp.To()
	if err != nil {
		return nil, err
	}
	if to.Tag() == "" {
		return nil, fmt.Errorf("dialog: response has no To tag, cannot create dialog")
	}
	key := Key{CallID: invite.CallID(), LocalTag: from.Tag(), RemoteTag: to.Tag()}

	d := newDialog(key, true, from, to, localContactOf(invite), sender, target, txManager)
	cseq, err := invite.CSeq()
	if err == nil {
		d.localSeq = cseq.Seq
	}
	d.applyRemoteTargetAndRoutes(resp, message.MethodInvite)
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		d.state = StateConfirmed
		d.fsm.SetState(StateConfirmed.String())
	}
	return d, nil
}

// NewUASDialog builds an early dialog for an INVITE this side received,
// generating the local tag the eventual response's To header must carry.
func NewUASDialog(invite *message.Request, sender transaction.Sender, target string, txManager *transaction.Manager) (*Dialog, error) {
	from, err := invite.From()
	if err != nil {
		return nil, err
	}
	to, err := invite.To()
	if err != nil {
		return nil, err
	}
	if from.Tag() == "" {
		return nil, fmt.Errorf("dialog: INVITE has no From tag")
	}
	localTag := GenerateTag()
	to = to.Clone()
	to.SetParam("tag", localTag)

	key := Key{CallID: invite.CallID(), LocalTag: localTag, RemoteTag: from.Tag()}
	d := newDialog(key, false, to, from, nil, sender, target, txManager)
	cseq, err := invite.CSeq()
	if err == nil {
		d.remoteSeq = cseq.Seq
		d.remoteSeqSet = true
	}
	d.applyRemoteTargetAndRoutes(invite, message.MethodInvite)
	return d, nil
}

func localContactOf(req *message.Request) *message.Address {
	contacts, err := req.Contact()
	if err != nil || len(contacts) == 0 {
		return nil
	}
	return contacts[0]
}

// applyRemoteTargetAndRoutes updates remoteTarget from msg's Contact and,
// once (and only once — the route set is immutable after it is first set,
// per RFC 3261 §12.1.2), the route set from msg's Record-Route headers.
func (d *Dialog) applyRemoteTargetAndRoutes(msg message.Message, method string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var contacts []*message.Address
	switch m := msg.(type) {
	case *message.Request:
		contacts, _ = m.Contact()
	case *message.Response:
		contacts, _ = m.Contact()
	}
	if len(contacts) > 0 {
		d.remoteTarget = contacts[0].URI
	}

	if d.routeSetFixed {
		return
	}
	var recordRoutes []*message.Address
	switch m := msg.(type) {
	case *message.Request:
		recordRoutes, _ = m.RecordRouteSet()
	case *message.Response:
		recordRoutes, _ = m.RecordRouteSet()
	}
	if len(recordRoutes) > 0 || method == message.MethodInvite {
		d.routeSet = BuildRouteSet(recordRoutes, d.isUAC)
		d.routeSetFixed = true
	}
}

func parseState(s string) State {
	switch s {
	case StateEarly.String():
		return StateEarly
	case StateConfirmed.String():
		return StateConfirmed
	case StateTerminated.String():
		return StateTerminated
	default:
		return StateTerminated
	}
}

func (d *Dialog) setState(s State) {
	d.mu.Lock()
	old := d.state
	d.state = s
	if s == StateTerminated {
		d.terminatedAt = timeNow()
	}
	handlers := append([]StateChangeFunc(nil), d.stateChangeHandlers...)
	d.mu.Unlock()
	if old == s {
		return
	}
	for _, h := range handlers {
		h(d, old, s)
	}
}

var timeNow = time.Now

func (d *Dialog) Key() Key {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.key
}

func (d *Dialog) State() State {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

func (d *Dialog) IsUAC() bool { return d.isUAC }

func (d *Dialog) OnStateChange(fn StateChangeFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stateChangeHandlers = append(d.stateChangeHandlers, fn)
}

// SetMetrics attaches the registry this dialog reports REFER/NOTIFY
// transfer operations through. Pass nil to disable.
func (d *Dialog) SetMetrics(r *metrics.Registry) {
	if r == nil {
		r = metrics.Disabled()
	}
	d.mu.Lock()
	d.metrics = r
	d.mu.Unlock()
}

func (d *Dialog) metricsRegistry() *metrics.Registry {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.metrics
}

// OnRequest registers the handler consulted for in-dialog requests of the
// given method (e.g. message.MethodInvite for re-INVITE, MethodRefer).
// BYE and ACK are handled internally and never dispatched; NOTIFY is
// answered by ProcessNotify, which does not consult these handlers.
func (d *Dialog) OnRequest(method string, fn RequestHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[method] = fn
}

// ConfirmUAS transitions an Early UAS dialog to Confirmed once its 2xx has
// been sent. The route set is left as it is: NewUASDialog already fixed it
// from the INVITE's Record-Route headers.
func (d *Dialog) ConfirmUAS() error {
	return d.fsm.Event(context.Background(), "confirm")
}

// RejectUAS terminates an Early UAS dialog that will not be confirmed.
func (d *Dialog) RejectUAS() error {
	return d.fsm.Event(context.Background(), "fail")
}

// ProcessProvisional records route-set/target updates carried by a 1xx to
// the original INVITE (UAC side); the dialog stays Early.
func (d *Dialog) ProcessProvisional(resp *message.Response) {
	d.applyRemoteTargetAndRoutes(resp, message.MethodInvite)
}

// ProcessFinal handles the final response to the original INVITE (UAC
// side): 2xx confirms the dialog and returns the ACK to send (RFC 3261
// §13.2.2.4 — sent directly by this layer, outside any transaction);
// 3xx-6xx terminates the dialog with no ACK of its own (the owning INVITE
// client transaction sends that ACK internally).
func (d *Dialog) ProcessFinal(invite *message.Request, resp *message.Response) (*message.Request, error) {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		d.applyRemoteTargetAndRoutes(resp, message.MethodInvite)
		if err := d.fsm.Event(context.Background(), "confirm"); err != nil {
			return nil, err
		}
		return d.buildAck2xx(invite, resp)
	}
	_ = d.fsm.Event(context.Background(), "fail")
	return nil, nil
}

func (d *Dialog) buildAck2xx(invite *message.Request, resp *message.Response) (*message.Request, error) {
	d.mu.RLock()
	reqURI := d.routeSet.RequestURI(d.remoteTarget)
	routes := d.routeSet.RouteHeaders(d.remoteTarget)
	d.mu.RUnlock()

	ack := message.NewRequest(message.MethodAck, reqURI)
	ack.Headers().Add("Via", "SIP/2.0/"+d.sender.Protocol()+" "+d.localContactHostPort()+";branch="+transaction.GenerateBranch())
	ack.Headers().Set("From", invite.Headers().Get("From"))
	ack.Headers().Set("To", resp.Headers().Get("To"))
	ack.Headers().Set("Call-ID", invite.CallID())
	cseq, err := invite.CSeq()
	if err != nil {
		return nil, err
	}
	ack.Headers().Set("CSeq", fmt.Sprintf("%d %s", cseq.Seq, message.MethodAck))
	for _, r := range routes {
		ack.Headers().Add("Route", r)
	}
	ack.Headers().Set("Max-Forwards", "70")
	ack.Headers().Set("Content-Length", "0")
	return ack, nil
}

func (d *Dialog) localContactHostPort() string {
	if d.localContact != nil {
		return d.localContact.URI.HostPort()
	}
	return d.target
}

// SendAck2xx builds and transmits the ACK for a 2xx final response,
// bypassing the transaction layer per RFC 3261 §13.2.2.4.
func (d *Dialog) SendAck2xx(invite *message.Request, resp *message.Response) error {
	ack, err := d.buildAck2xx(invite, resp)
	if err != nil {
		return err
	}
	return d.sender.Send(d.target, []byte(ack.String()))
}

// buildRequest constructs an in-dialog request: fresh Via/branch, CSeq
// incremented from the local sequence, Request-URI/Route from the route
// set, and dialog identity headers (RFC 3261 §12.2.1.1).
func (d *Dialog) buildRequest(method string) (*message.Request, error) {
	d.mu.Lock()
	d.localSeq++
	seq := d.localSeq
	reqURI := d.routeSet.RequestURI(d.remoteTarget)
	routes := d.routeSet.RouteHeaders(d.remoteTarget)
	local := d.localURI
	remote := d.remoteURI
	contact := d.localContact
	d.mu.Unlock()

	if reqURI == nil {
		return nil, fmt.Errorf("dialog: no remote target to route request to")
	}

	req := message.NewRequest(method, reqURI)
	req.Headers().Add("Via", "SIP/2.0/"+d.sender.Protocol()+" "+d.localContactHostPort()+";branch="+transaction.GenerateBranch())
	req.Headers().Set("From", local.String())
	req.Headers().Set("To", remote.String())
	req.Headers().Set("Call-ID", d.key.CallID)
	req.Headers().Set("CSeq", fmt.Sprintf("%d %s", seq, method))
	for _, r := range routes {
		req.Headers().Add("Route", r)
	}
	if contact != nil {
		req.Headers().Set("Contact", contact.String())
	}
	req.Headers().Set("Max-Forwards", "70")
	return req, nil
}

// sendAndAwait sends req as a new client transaction and blocks for its
// final response (or ctx cancellation, or transaction timeout).
func (d *Dialog) sendAndAwait(ctx context.Context, req *message.Request) (*message.Response, error) {
	d.mu.RLock()
	txManager, sender, target := d.txManager, d.sender, d.target
	d.mu.RUnlock()

	tx, err := txManager.NewClientTransaction(req, sender, target)
	if err != nil {
		return nil, err
	}
	respCh := make(chan *message.Response, 1)
	tx.OnResponse(func(_ transaction.Transaction, resp *message.Response) {
		if resp.StatusCode >= 200 {
			select {
			case respCh <- resp:
			default:
			}
		}
	})
	tx.OnTimeout(func(_ transaction.Transaction, _ transaction.TimerID) {
		select {
		case respCh <- nil:
		default:
		}
	})
	select {
	case resp := <-respCh:
		if resp == nil {
			return nil, fmt.Errorf("dialog: %s timed out", req.Method)
		}
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Bye sends BYE and terminates the dialog once a final response arrives,
// regardless of its status (the dialog is being torn down either way).
func (d *Dialog) Bye(ctx context.Context) error {
	if d.State() != StateConfirmed {
		return fmt.Errorf("dialog: cannot BYE in state %s", d.State())
	}
	req, err := d.buildRequest(message.MethodBye)
	if err != nil {
		return err
	}
	_, err = d.sendAndAwait(ctx, req)
	_ = d.fsm.Event(context.Background(), "terminate")
	return err
}

// ReInvite sends a re-INVITE carrying body, and on a 2xx sends the ACK and
// refreshes the remote target (RFC 3261 §12.2.1.2 — the route set itself
// stays fixed). The dialog does not interpret body; the caller (session
// coordinator) reads the final response's body for the answer.
func (d *Dialog) ReInvite(ctx context.Context, body []byte, contentType string) (*message.Response, error) {
	if d.State() != StateConfirmed {
		return nil, fmt.Errorf("dialog: cannot re-INVITE in state %s", d.State())
	}
	req, err := d.buildRequest(message.MethodInvite)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.SetBody(body, contentType)
	}
	resp, err := d.sendAndAwait(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		d.applyRemoteTargetAndRoutes(resp, message.MethodInvite)
		if err := d.SendAck2xx(req, resp); err != nil {
			return resp, err
		}
	} else {
		ack, err := buildAckForNon2xxReInvite(req, resp)
		if err == nil {
			_ = d.sender.Send(d.target, []byte(ack.String()))
		}
	}
	return resp, nil
}

func buildAckForNon2xxReInvite(req *message.Request, resp *message.Response) (*message.Request, error) {
	ack := message.NewRequest(message.MethodAck, req.RequestURI)
	vias, err := req.Vias()
	if err != nil || len(vias) == 0 {
		return nil, fmt.Errorf("dialog: re-INVITE missing Via")
	}
	ack.Headers().Add("Via", vias[0].String())
	ack.Headers().Set("From", req.Headers().Get("From"))
	ack.Headers().Set("To", resp.Headers().Get("To"))
	ack.Headers().Set("Call-ID", req.CallID())
	cseq, err := req.CSeq()
	if err != nil {
		return nil, err
	}
	ack.Headers().Set("CSeq", fmt.Sprintf("%d %s", cseq.Seq, message.MethodAck))
	for _, r := range req.Headers().GetAll("Route") {
		ack.Headers().Add("Route", r)
	}
	ack.Headers().Set("Content-Length", "0")
	return ack, nil
}

// Update sends an UPDATE carrying body (RFC 3311); unlike re-INVITE there
// is no ACK to send.
func (d *Dialog) Update(ctx context.Context, body []byte, contentType string) (*message.Response, error) {
	if d.State() != StateConfirmed {
		return nil, fmt.Errorf("dialog: cannot UPDATE in state %s", d.State())
	}
	req, err := d.buildRequest(message.MethodUpdate)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.SetBody(body, contentType)
	}
	resp, err := d.sendAndAwait(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		d.applyRemoteTargetAndRoutes(resp, message.MethodUpdate)
	}
	return resp, nil
}

// Terminate force-closes the dialog without a BYE exchange (e.g. on a
// transport error or local shutdown) and begins the lingering period.
func (d *Dialog) Terminate() {
	if d.State() == StateTerminated {
		return
	}
	switch d.State() {
	case StateEarly:
		_ = d.fsm.Event(context.Background(), "fail")
	case StateConfirmed:
		_ = d.fsm.Event(context.Background(), "terminate")
	}
}

// IsLingering reports whether the dialog terminated less than lingerPeriod
// ago — the window in which in-dialog retransmissions still get 481
// instead of being treated as addressing an unknown dialog.
func (d *Dialog) IsLingering() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state == StateTerminated && timeNow().Sub(d.terminatedAt) < lingerPeriod
}
