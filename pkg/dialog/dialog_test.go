package dialog

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/arzzra/corevoip/pkg/message"
	"github.com/arzzra/corevoip/pkg/transaction"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSender records every datagram sent, mirroring pkg/transaction's
// fakeSender; it never answers on its own.
type fakeSender struct {
	mu       sync.Mutex
	protocol string
	sent     [][]byte
}

func (f *fakeSender) Send(addr string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, append([]byte(nil), data...))
	return nil
}

func (f *fakeSender) Protocol() string { return f.protocol }

func (f *fakeSender) last() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return nil
	}
	return f.sent[len(f.sent)-1]
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func fastTimers() transaction.Timers {
	t := transaction.DefaultTimers()
	t.T1 = 10 * time.Millisecond
	t.T2 = 40 * time.Millisecond
	t.T4 = 50 * time.Millisecond
	t.TimerA = t.T1
	t.TimerB = 8 * t.T1
	t.TimerD = 20 * time.Millisecond
	t.TimerE = t.T1
	t.TimerF = 8 * t.T1
	t.TimerG = t.T1
	t.TimerH = 8 * t.T1
	t.TimerI = t.T4
	t.TimerJ = 8 * t.T1
	t.TimerK = t.T4
	return t
}

func newInvite(t *testing.T, localTag string) *message.Request {
	t.Helper()
	uri, err := message.ParseURI("sip:bob@example.com")
	require.NoError(t, err)
	req := message.NewRequest(message.MethodInvite, uri)
	req.Headers().Set("Via", "SIP/2.0/UDP 127.0.0.1:5060;branch="+transaction.GenerateBranch())
	req.Headers().Set("From", "Alice <sip:alice@example.com>;tag="+localTag)
	req.Headers().Set("To", "Bob <sip:bob@example.com>")
	req.Headers().Set("Call-ID", "call-1@example.com")
	req.Headers().Set("CSeq", "1 INVITE")
	req.Headers().Set("Contact", "<sip:alice@127.0.0.1:5060>")
	req.Headers().Set("Max-Forwards", "70")
	req.Headers().Set("Content-Length", "0")
	return req
}

func respondTo(req *message.Request, status, remoteTag string) *message.Response {
	resp := message.NewResponse(parseStatus(status), "")
	vias, _ := req.Vias()
	resp.Headers().Set("Via", vias[0].String())
	resp.Headers().Set("From", req.Headers().Get("From"))
	to := req.Headers().Get("To")
	if remoteTag != "" {
		to += ";tag=" + remoteTag
	}
	resp.Headers().Set("To", to)
	resp.Headers().Set("Call-ID", req.CallID())
	resp.Headers().Set("CSeq", req.Headers().Get("CSeq"))
	resp.Headers().Set("Contact", "<sip:bob@127.0.0.1:5061>")
	resp.Headers().Set("Content-Length", "0")
	return resp
}

func parseStatus(s string) int {
	n := 0
	for _, c := range s {
		n = n*10 + int(c-'0')
	}
	return n
}

func newTxManager() *transaction.Manager {
	return transaction.NewManager(fastTimers())
}

func TestNewUACDialogConfirmedOn2xx(t *testing.T) {
	invite := newInvite(t, "a1")
	sender := &fakeSender{protocol: "udp"}
	resp := respondTo(invite, "200", "b1")

	d, err := NewUACDialog(invite, resp, sender, "127.0.0.1:5061", newTxManager())
	require.NoError(t, err)
	assert.Equal(t, StateConfirmed, d.State())
	assert.Equal(t, "a1", d.Key().LocalTag)
	assert.Equal(t, "b1", d.Key().RemoteTag)
}

func TestNewUACDialogEarlyOnProvisional(t *testing.T) {
	invite := newInvite(t, "a1")
	sender := &fakeSender{protocol: "udp"}
	resp := respondTo(invite, "180", "b1")

	d, err := NewUACDialog(invite, resp, sender, "127.0.0.1:5061", newTxManager())
	require.NoError(t, err)
	assert.Equal(t, StateEarly, d.State())

	final := respondTo(invite, "200", "b1")
	ack, err := d.ProcessFinal(invite, final)
	require.NoError(t, err)
	require.NotNil(t, ack)
	assert.Equal(t, message.MethodAck, ack.Method)
	assert.Equal(t, StateConfirmed, d.State())
}

func TestNewUACDialogTerminatesOnFailure(t *testing.T) {
	invite := newInvite(t, "a1")
	sender := &fakeSender{protocol: "udp"}
	resp := respondTo(invite, "180", "b1")

	d, err := NewUACDialog(invite, resp, sender, "127.0.0.1:5061", newTxManager())
	require.NoError(t, err)

	failure := respondTo(invite, "486", "b1")
	ack, err := d.ProcessFinal(invite, failure)
	require.NoError(t, err)
	assert.Nil(t, ack, "non-2xx ACK is the INVITE client transaction's job, not the dialog's")
	assert.Equal(t, StateTerminated, d.State())
}

func TestNewUASDialogRequiresFromTag(t *testing.T) {
	uri, _ := message.ParseURI("sip:bob@example.com")
	req := message.NewRequest(message.MethodInvite, uri)
	req.Headers().Set("From", "Alice <sip:alice@example.com>")
	req.Headers().Set("To", "Bob <sip:bob@example.com>")
	req.Headers().Set("Call-ID", "call-2@example.com")
	req.Headers().Set("CSeq", "1 INVITE")

	_, err := NewUASDialog(req, &fakeSender{protocol: "udp"}, "127.0.0.1:5060", newTxManager())
	assert.Error(t, err)
}

func TestUASDialogGeneratesLocalTagConfirmsAndAbsorbsAck(t *testing.T) {
	invite := newInvite(t, "a1")
	sender := &fakeSender{protocol: "udp"}
	d, err := NewUASDialog(invite, sender, "127.0.0.1:5060", newTxManager())
	require.NoError(t, err)
	assert.NotEmpty(t, d.Key().LocalTag)
	assert.Equal(t, "a1", d.Key().RemoteTag)
	assert.Equal(t, StateEarly, d.State())

	require.NoError(t, d.ConfirmUAS())
	assert.Equal(t, StateConfirmed, d.State())

	ack := message.NewRequest(message.MethodAck, invite.RequestURI)
	ack.Headers().Set("From", invite.Headers().Get("From"))
	ack.Headers().Set("To", invite.Headers().Get("To")+";tag="+d.Key().LocalTag)
	ack.Headers().Set("Call-ID", invite.CallID())
	ack.Headers().Set("CSeq", "1 ACK")
	resp, err := d.ProcessRequest(ack)
	require.NoError(t, err)
	assert.Nil(t, resp, "ACK produces no response")
}

func TestRouteSetLooseRouting(t *testing.T) {
	a, _ := message.ParseAddress("<sip:proxy1.example.com;lr>")
	b, _ := message.ParseAddress("<sip:proxy2.example.com;lr>")
	rs := BuildRouteSet([]*message.Address{a, b}, true)
	assert.True(t, rs.IsLooseRouting())

	target, _ := message.ParseURI("sip:bob@127.0.0.1:5061")
	assert.Equal(t, target, rs.RequestURI(target))
	headers := rs.RouteHeaders(target)
	require.Len(t, headers, 2)
	assert.Contains(t, headers[0], "proxy1.example.com")
	assert.Contains(t, headers[1], "proxy2.example.com")
}

func TestRouteSetUASReversesRecordRoute(t *testing.T) {
	a, _ := message.ParseAddress("<sip:proxy1.example.com;lr>")
	b, _ := message.ParseAddress("<sip:proxy2.example.com;lr>")
	rs := BuildRouteSet([]*message.Address{a, b}, false)
	headers := rs.RouteHeaders(nil)
	require.Len(t, headers, 2)
	assert.Contains(t, headers[0], "proxy2.example.com")
	assert.Contains(t, headers[1], "proxy1.example.com")
}

func TestRouteSetStrictRoutingAppendsTarget(t *testing.T) {
	a, _ := message.ParseAddress("<sip:proxy1.example.com>")
	rs := BuildRouteSet([]*message.Address{a}, true)
	assert.False(t, rs.IsLooseRouting())

	target, _ := message.ParseURI("sip:bob@127.0.0.1:5061")
	assert.Equal(t, "proxy1.example.com", rs.RequestURI(target).Host)
	headers := rs.RouteHeaders(target)
	assert.Len(t, headers, 1)
	assert.Contains(t, headers[0], "127.0.0.1:5061")
}

func TestValidateRemoteCSeqAcceptsRetransmissionButRejectsLower(t *testing.T) {
	invite := newInvite(t, "a1")
	d, err := NewUASDialog(invite, &fakeSender{protocol: "udp"}, "127.0.0.1:5060", newTxManager())
	require.NoError(t, err)

	assert.True(t, d.validateRemoteCSeq(1), "same CSeq as the dialog-creating INVITE is a retransmission")
	assert.True(t, d.validateRemoteCSeq(2))
	assert.True(t, d.validateRemoteCSeq(2), "retransmission of the last seen CSeq")
	assert.False(t, d.validateRemoteCSeq(1), "CSeq must not go backwards")
}

func TestByeTerminatesConfirmedDialog(t *testing.T) {
	invite := newInvite(t, "a1")
	sender := &fakeSender{protocol: "udp"}
	d, err := NewUASDialog(invite, sender, "127.0.0.1:5060", newTxManager())
	require.NoError(t, err)
	require.NoError(t, d.ConfirmUAS())

	bye := message.NewRequest(message.MethodBye, invite.RequestURI)
	bye.Headers().Set("From", invite.Headers().Get("From"))
	bye.Headers().Set("To", invite.Headers().Get("To")+";tag="+d.Key().LocalTag)
	bye.Headers().Set("Call-ID", invite.CallID())
	bye.Headers().Set("CSeq", "2 BYE")
	resp, err := d.ProcessRequest(bye)
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, StateTerminated, d.State())
}

func TestDialogLingersAfterTerminationThenExpires(t *testing.T) {
	invite := newInvite(t, "a1")
	d, err := NewUASDialog(invite, &fakeSender{protocol: "udp"}, "127.0.0.1:5060", newTxManager())
	require.NoError(t, err)
	require.NoError(t, d.ConfirmUAS())
	d.Terminate()

	assert.True(t, d.IsLingering())
	timeNow = func() time.Time { return time.Now().Add(lingerPeriod + time.Second) }
	defer func() { timeNow = time.Now }()
	assert.False(t, d.IsLingering())
}

func TestReferSubscriptionNotifyCarriesSipfragAndTerminatesOnFinalStatus(t *testing.T) {
	invite := newInvite(t, "a1")
	sender := &fakeSender{protocol: "udp"}
	resp := respondTo(invite, "200", "b1")
	d, err := NewUACDialog(invite, resp, sender, "127.0.0.1:5061", newTxManager())
	require.NoError(t, err)

	sub := newSubscription("test-sub", "refer", 0)
	d.mu.Lock()
	d.subscriptions[sub.ID] = sub
	d.mu.Unlock()

	assert.Equal(t, "active", sub.SubscriptionStateHeader())

	notify, err := d.NotifyRefer(sub, 200, "OK")
	require.NoError(t, err)
	assert.Equal(t, "message/sipfrag", notify.Headers().Get("Content-Type"))
	assert.Contains(t, string(notify.Body()), "SIP/2.0 200 OK")
	assert.True(t, sub.IsTerminated(), "a final sipfrag status terminates the subscription")
}

func TestProcessReferDefaultsSubscriptionExpiresTo60(t *testing.T) {
	invite := newInvite(t, "a1")
	sender := &fakeSender{protocol: "udp"}
	resp := respondTo(invite, "200", "b1")
	d, err := NewUACDialog(invite, resp, sender, "127.0.0.1:5061", newTxManager())
	require.NoError(t, err)

	refer := message.NewRequest(message.MethodRefer, invite.RequestURI)
	refer.Headers().Set("Refer-To", "<sip:carol@example.com>")
	refer.Headers().Set("CSeq", "2 REFER")

	_, sub, err := d.ProcessRefer(refer)
	require.NoError(t, err)
	require.NotNil(t, sub)
	assert.Equal(t, "active;expires=60", sub.SubscriptionStateHeader())
}

func TestProcessReferHonorsExpiresHeader(t *testing.T) {
	invite := newInvite(t, "a1")
	sender := &fakeSender{protocol: "udp"}
	resp := respondTo(invite, "200", "b1")
	d, err := NewUACDialog(invite, resp, sender, "127.0.0.1:5061", newTxManager())
	require.NoError(t, err)

	refer := message.NewRequest(message.MethodRefer, invite.RequestURI)
	refer.Headers().Set("Refer-To", "<sip:carol@example.com>")
	refer.Headers().Set("CSeq", "2 REFER")
	refer.Headers().Set("Expires", "30")

	_, sub, err := d.ProcessRefer(refer)
	require.NoError(t, err)
	require.NotNil(t, sub)
	assert.Equal(t, "active;expires=30", sub.SubscriptionStateHeader())
}

func TestProcessNotifyRejectsMissingHeaders(t *testing.T) {
	invite := newInvite(t, "a1")
	sender := &fakeSender{protocol: "udp"}
	resp := respondTo(invite, "200", "b1")
	d, err := NewUACDialog(invite, resp, sender, "127.0.0.1:5061", newTxManager())
	require.NoError(t, err)

	notify := message.NewRequest(message.MethodNotify, invite.RequestURI)
	notify.Headers().Set("From", resp.Headers().Get("To"))
	notify.Headers().Set("To", resp.Headers().Get("From"))
	notify.Headers().Set("Call-ID", invite.CallID())
	notify.Headers().Set("CSeq", "1 NOTIFY")

	out, err := d.ProcessNotify(notify)
	require.NoError(t, err)
	assert.Equal(t, 400, out.StatusCode)
}

func TestManagerRoutesInDialogRequestToRegisteredDialog(t *testing.T) {
	txm := newTxManager()
	m := NewManager(txm)
	invite := newInvite(t, "a1")
	sender := &fakeSender{protocol: "udp"}

	d, err := m.CreateUASDialog(invite, sender, "127.0.0.1:5060")
	require.NoError(t, err)
	assert.Equal(t, "a1", d.Key().RemoteTag, "UAS dialogs know the remote tag from the INVITE's From header")

	bye := message.NewRequest(message.MethodBye, invite.RequestURI)
	bye.Headers().Set("From", invite.Headers().Get("From"))
	bye.Headers().Set("To", invite.Headers().Get("To")+";tag="+d.Key().LocalTag)
	bye.Headers().Set("Call-ID", invite.CallID())
	bye.Headers().Set("CSeq", "2 BYE")

	resp, found, err := m.HandleRequest(bye)
	require.NoError(t, err)
	require.NotNil(t, found)
	require.NotNil(t, resp)
	assert.Equal(t, 200, resp.StatusCode)
}

func TestManagerReturns481ForUnknownDialog(t *testing.T) {
	m := NewManager(newTxManager())
	invite := newInvite(t, "zz")
	bye := message.NewRequest(message.MethodBye, invite.RequestURI)
	bye.Headers().Set("From", invite.Headers().Get("From"))
	bye.Headers().Set("To", "Bob <sip:bob@example.com>;tag=nope")
	bye.Headers().Set("Call-ID", "unknown-call@example.com")
	bye.Headers().Set("CSeq", "2 BYE")

	resp, d, err := m.HandleRequest(bye)
	require.NoError(t, err)
	assert.Nil(t, d)
	require.NotNil(t, resp)
	assert.Equal(t, 481, resp.StatusCode)
}

func TestManagerInvokesOnIncomingDialogCallback(t *testing.T) {
	txm := newTxManager()
	m := NewManager(txm)
	var got *Dialog
	m.OnIncomingDialog(func(d *Dialog, invite *message.Request) { got = d })

	invite := newInvite(t, "a1")
	d, err := m.CreateUASDialog(invite, &fakeSender{protocol: "udp"}, "127.0.0.1:5060")
	require.NoError(t, err)
	assert.Same(t, d, got)
}

func TestManagerClosesAllDialogs(t *testing.T) {
	m := NewManager(newTxManager())
	invite := newInvite(t, "a1")
	d, err := m.CreateUASDialog(invite, &fakeSender{protocol: "udp"}, "127.0.0.1:5060")
	require.NoError(t, err)
	require.NoError(t, d.ConfirmUAS())

	m.Close()
	assert.Equal(t, StateTerminated, d.State())
	assert.Empty(t, m.Dialogs())
}

func TestBuildAck2xxUsesFreshBranch(t *testing.T) {
	invite := newInvite(t, "a1")
	sender := &fakeSender{protocol: "udp"}
	provisional := respondTo(invite, "180", "b1")
	d, err := NewUACDialog(invite, provisional, sender, "127.0.0.1:5061", newTxManager())
	require.NoError(t, err)

	final := respondTo(invite, "200", "b1")
	ack, err := d.ProcessFinal(invite, final)
	require.NoError(t, err)

	inviteVias, _ := invite.Vias()
	ackVias, _ := ack.Vias()
	assert.NotEqual(t, inviteVias[0].String(), ackVias[0].String(), "2xx ACK must carry its own branch, not reuse the INVITE's")
}

func TestSendAck2xxGoesStraightToSenderBypassingTransactions(t *testing.T) {
	invite := newInvite(t, "a1")
	sender := &fakeSender{protocol: "udp"}
	provisional := respondTo(invite, "180", "b1")
	d, err := NewUACDialog(invite, provisional, sender, "127.0.0.1:5061", newTxManager())
	require.NoError(t, err)

	final := respondTo(invite, "200", "b1")
	require.NoError(t, d.SendAck2xx(invite, final))
	assert.Contains(t, string(sender.last()), fmt.Sprintf("%s ", message.MethodAck))
}
