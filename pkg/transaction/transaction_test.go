package transaction

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/arzzra/corevoip/pkg/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSender records every datagram sent through it and lets a test push
// back an error for the next Send call.
type fakeSender struct {
	mu       sync.Mutex
	protocol string
	sent     [][]byte
	failNext error
}

func (f *fakeSender) Send(addr string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext != nil {
		err := f.failNext
		f.failNext = nil
		return err
	}
	f.sent = append(f.sent, append([]byte(nil), data...))
	return nil
}

func (f *fakeSender) Protocol() string { return f.protocol }

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeSender) last() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return nil
	}
	return f.sent[len(f.sent)-1]
}

func newInviteRequest(branch string) *message.Request {
	uri, _ := message.ParseURI("sip:bob@example.com")
	req := message.NewRequest(message.MethodInvite, uri)
	req.Headers().Set("Via", fmt.Sprintf("SIP/2.0/UDP 127.0.0.1:5060;branch=%s", branch))
	req.Headers().Set("From", "Alice <sip:alice@example.com>;tag=a1")
	req.Headers().Set("To", "Bob <sip:bob@example.com>")
	req.Headers().Set("Call-ID", "call-1@example.com")
	req.Headers().Set("CSeq", "1 INVITE")
	req.Headers().Set("Max-Forwards", "70")
	req.Headers().Set("Content-Length", "0")
	return req
}

func newRegisterRequest(branch string) *message.Request {
	uri, _ := message.ParseURI("sip:example.com")
	req := message.NewRequest(message.MethodRegister, uri)
	req.Headers().Set("Via", fmt.Sprintf("SIP/2.0/UDP 127.0.0.1:5060;branch=%s", branch))
	req.Headers().Set("From", "Alice <sip:alice@example.com>;tag=a1")
	req.Headers().Set("To", "Alice <sip:alice@example.com>")
	req.Headers().Set("Call-ID", "call-2@example.com")
	req.Headers().Set("CSeq", "1 REGISTER")
	req.Headers().Set("Max-Forwards", "70")
	req.Headers().Set("Content-Length", "0")
	return req
}

func responseTo(req *message.Request, status int) *message.Response {
	resp := message.NewResponse(status, "")
	vias, _ := req.Vias()
	resp.Headers().Set("Via", vias[0].String())
	resp.Headers().Set("From", req.Headers().Get("From"))
	resp.Headers().Set("To", req.Headers().Get("To")+";tag=b1")
	resp.Headers().Set("Call-ID", req.CallID())
	resp.Headers().Set("CSeq", req.Headers().Get("CSeq"))
	resp.Headers().Set("Content-Length", "0")
	return resp
}

func fastTimers() Timers {
	t := DefaultTimers()
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

func TestInviteClientTransaction2xxGoesStraightToTerminated(t *testing.T) {
	req := newInviteRequest(GenerateBranch())
	sender := &fakeSender{protocol: "udp"}
	key, _ := RequestKey(req, true)
	ict, err := NewInviteClientTransaction("id1", key, req, sender, fastTimers(), "127.0.0.1:5060")
	require.NoError(t, err)
	assert.Equal(t, StateCalling, ict.State())
	assert.Equal(t, 1, sender.count())

	require.NoError(t, ict.HandleResponse(responseTo(req, 200)))
	assert.Equal(t, StateTerminated, ict.State())
}

func TestInviteClientTransactionNon2xxSendsACKAndWaitsTimerD(t *testing.T) {
	req := newInviteRequest(GenerateBranch())
	sender := &fakeSender{protocol: "udp"}
	key, _ := RequestKey(req, true)
	ict, err := NewInviteClientTransaction("id2", key, req, sender, fastTimers(), "127.0.0.1:5060")
	require.NoError(t, err)

	require.NoError(t, ict.HandleResponse(responseTo(req, 486)))
	assert.Equal(t, StateCompleted, ict.State())
	assert.Contains(t, string(sender.last()), "ACK")

	require.Eventually(t, func() bool { return ict.State() == StateTerminated }, time.Second, time.Millisecond)
}

func TestInviteClientTransactionRetransmitsOnTimerA(t *testing.T) {
	req := newInviteRequest(GenerateBranch())
	sender := &fakeSender{protocol: "udp"}
	key, _ := RequestKey(req, true)
	ict, err := NewInviteClientTransaction("id3", key, req, sender, fastTimers(), "127.0.0.1:5060")
	require.NoError(t, err)
	assert.Equal(t, StateCalling, ict.State())

	require.Eventually(t, func() bool { return sender.count() >= 3 }, 500*time.Millisecond, time.Millisecond)
}

func TestInviteClientTransactionReliableSkipsTimerA(t *testing.T) {
	req := newInviteRequest(GenerateBranch())
	sender := &fakeSender{protocol: "tcp"}
	key, _ := RequestKey(req, true)
	ict, err := NewInviteClientTransaction("id4", key, req, sender, fastTimers(), "127.0.0.1:5060")
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, sender.count(), "reliable transport must not retransmit")
}

func TestInviteClientTransactionTimerBTimesOut(t *testing.T) {
	req := newInviteRequest(GenerateBranch())
	sender := &fakeSender{protocol: "udp"}
	key, _ := RequestKey(req, true)
	ict, err := NewInviteClientTransaction("id5", key, req, sender, fastTimers(), "127.0.0.1:5060")
	require.NoError(t, err)

	var timedOut bool
	ict.OnTimeout(func(tx Transaction, id TimerID) {
		if id == TimerB {
			timedOut = true
		}
	})

	require.Eventually(t, func() bool { return ict.State() == StateTerminated }, time.Second, time.Millisecond)
	assert.True(t, timedOut)
}

func TestInviteClientCancelOnlyFromProceeding(t *testing.T) {
	req := newInviteRequest(GenerateBranch())
	sender := &fakeSender{protocol: "udp"}
	key, _ := RequestKey(req, true)
	ict, err := NewInviteClientTransaction("id6", key, req, sender, fastTimers(), "127.0.0.1:5060")
	require.NoError(t, err)

	assert.Error(t, ict.Cancel(sender), "cannot CANCEL before a provisional arrives")

	require.NoError(t, ict.HandleResponse(responseTo(req, 180)))
	assert.Equal(t, StateProceeding, ict.State())
	require.NoError(t, ict.Cancel(sender))
	assert.Contains(t, string(sender.last()), "CANCEL")
}

func TestNonInviteClientTransactionTryingToCompleted(t *testing.T) {
	req := newRegisterRequest(GenerateBranch())
	sender := &fakeSender{protocol: "udp"}
	key, _ := RequestKey(req, true)
	nict, err := NewNonInviteClientTransaction("id7", key, req, sender, fastTimers(), "127.0.0.1:5060")
	require.NoError(t, err)
	assert.Equal(t, StateTrying, nict.State())

	require.NoError(t, nict.HandleResponse(responseTo(req, 200)))
	assert.Equal(t, StateCompleted, nict.State())

	require.Eventually(t, func() bool { return nict.State() == StateTerminated }, time.Second, time.Millisecond)
}

func TestNonInviteClientTransactionCancelIsRejected(t *testing.T) {
	req := newRegisterRequest(GenerateBranch())
	sender := &fakeSender{protocol: "udp"}
	key, _ := RequestKey(req, true)
	nict, err := NewNonInviteClientTransaction("id8", key, req, sender, fastTimers(), "127.0.0.1:5060")
	require.NoError(t, err)
	assert.Error(t, nict.Cancel(sender))
}

func TestInviteServerTransactionSends1xxThen2xx(t *testing.T) {
	req := newInviteRequest(GenerateBranch())
	sender := &fakeSender{protocol: "udp"}
	key, _ := RequestKey(req, false)
	ist := NewInviteServerTransaction("sid1", key, req, sender, fastTimers(), "127.0.0.1:5060")
	assert.Equal(t, StateProceeding, ist.State())

	require.NoError(t, ist.SendResponse(message.NewResponse(180, "")))
	assert.Equal(t, StateProceeding, ist.State())

	resp := message.NewResponse(200, "")
	require.NoError(t, ist.SendResponse(resp))
	assert.Equal(t, StateTerminated, ist.State())
}

func TestInviteServerTransactionNon2xxRetransmitsUntilACK(t *testing.T) {
	req := newInviteRequest(GenerateBranch())
	sender := &fakeSender{protocol: "udp"}
	key, _ := RequestKey(req, false)
	ist := NewInviteServerTransaction("sid2", key, req, sender, fastTimers(), "127.0.0.1:5060")

	resp := message.NewResponse(486, "")
	require.NoError(t, ist.SendResponse(resp))
	assert.Equal(t, StateCompleted, ist.State())

	require.Eventually(t, func() bool { return sender.count() >= 2 }, 300*time.Millisecond, time.Millisecond)

	ack := message.NewRequest(message.MethodAck, req.RequestURI)
	require.NoError(t, ist.HandleRequest(ack))
	assert.Equal(t, StateConfirmed, ist.State())

	require.Eventually(t, func() bool { return ist.State() == StateTerminated }, time.Second, time.Millisecond)
}

func TestNonInviteServerTransactionRetransmitsFinalResponse(t *testing.T) {
	req := newRegisterRequest(GenerateBranch())
	sender := &fakeSender{protocol: "udp"}
	key, _ := RequestKey(req, false)
	nist := NewNonInviteServerTransaction("sid3", key, req, sender, fastTimers(), "127.0.0.1:5060")

	resp := message.NewResponse(200, "")
	require.NoError(t, nist.SendResponse(resp))
	assert.Equal(t, StateCompleted, nist.State())

	require.NoError(t, nist.HandleRequest(req))
	assert.Equal(t, 2, sender.count(), "retransmitted request must re-send the cached final response")
}

func TestManagerRoutesResponseToClientTransaction(t *testing.T) {
	mgr := NewManager(fastTimers())
	req := newInviteRequest(GenerateBranch())
	sender := &fakeSender{protocol: "udp"}

	tx, err := mgr.NewClientTransaction(req, sender, "127.0.0.1:5060")
	require.NoError(t, err)

	var gotResp *message.Response
	tx.OnResponse(func(_ Transaction, resp *message.Response) { gotResp = resp })

	require.NoError(t, mgr.HandleResponse(responseTo(req, 200)))
	assert.NotNil(t, gotResp)
	assert.Equal(t, StateTerminated, tx.State())
}

func TestManagerDedupesRetransmittedServerRequest(t *testing.T) {
	mgr := NewManager(fastTimers())
	sender := &fakeSender{protocol: "udp"}
	var created int
	mgr.OnNewServerTransaction(func(tx ServerTransaction) { created++ })

	req := newRegisterRequest(GenerateBranch())
	_, err := mgr.HandleRequest(req, sender, "127.0.0.1:5060")
	require.NoError(t, err)
	_, err = mgr.HandleRequest(req, sender, "127.0.0.1:5060")
	require.NoError(t, err)

	assert.Equal(t, 1, created, "same branch+method must reuse the existing server transaction")
}

func TestManagerRejectsACKAsNewClientTransaction(t *testing.T) {
	mgr := NewManager(fastTimers())
	sender := &fakeSender{protocol: "udp"}
	ack := newInviteRequest(GenerateBranch())
	ack.Method = message.MethodAck
	_, err := mgr.NewClientTransaction(ack, sender, "127.0.0.1:5060")
	assert.Error(t, err)
}

func TestManagerCancelSends487ToMatchingInvite(t *testing.T) {
	mgr := NewManager(fastTimers())
	sender := &fakeSender{protocol: "udp"}
	branch := GenerateBranch()
	invite := newInviteRequest(branch)

	invTx, err := mgr.HandleRequest(invite, sender, "127.0.0.1:5060")
	require.NoError(t, err)
	require.Equal(t, StateProceeding, invTx.State())

	cancel := newInviteRequest(branch)
	cancel.Method = message.MethodCancel
	cancel.Headers().Set("CSeq", "1 CANCEL")
	cancelTx, err := mgr.HandleRequest(cancel, sender, "127.0.0.1:5060")
	require.NoError(t, err)
	require.NotSame(t, invTx, cancelTx, "CANCEL must not share the INVITE's transaction")

	assert.Equal(t, StateCompleted, invTx.State(), "the INVITE transaction should have received its 487")

	var sawFinal bool
	for _, sent := range sender.sent {
		if bytesContain(sent, "487 Request Terminated") {
			sawFinal = true
		}
	}
	assert.True(t, sawFinal, "expected a 487 Request Terminated to have been sent")
}

func TestManagerCancelAfterFinalResponseIsIgnored(t *testing.T) {
	mgr := NewManager(fastTimers())
	sender := &fakeSender{protocol: "udp"}
	branch := GenerateBranch()
	invite := newInviteRequest(branch)

	invTx, err := mgr.HandleRequest(invite, sender, "127.0.0.1:5060")
	require.NoError(t, err)
	ist := invTx.(*InviteServerTransaction)
	require.NoError(t, ist.SendResponse(message.NewResponse(200, "OK")))
	require.Equal(t, StateTerminated, ist.State())

	cancel := newInviteRequest(branch)
	cancel.Method = message.MethodCancel
	cancel.Headers().Set("CSeq", "1 CANCEL")
	_, err = mgr.HandleRequest(cancel, sender, "127.0.0.1:5060")
	require.NoError(t, err, "a late CANCEL must not error even though nothing is left to cancel")
}

func bytesContain(data []byte, substr string) bool {
	return strings.Contains(string(data), substr)
}

func TestNextRetransmitIntervalCapsAtT2(t *testing.T) {
	t2 := 4 * time.Second
	cur := 500 * time.Millisecond
	for i := 0; i < 10; i++ {
		cur = NextRetransmitInterval(cur, t2)
	}
	assert.Equal(t, t2, cur)
}

func TestAdjustForReliableTransportZeroesRetransmitTimers(t *testing.T) {
	timers := DefaultTimers().AdjustForReliableTransport()
	assert.Zero(t, timers.TimerA)
	assert.Zero(t, timers.TimerD)
	assert.Zero(t, timers.TimerE)
	assert.Zero(t, timers.TimerG)
	assert.Zero(t, timers.TimerI)
	assert.Zero(t, timers.TimerJ)
	assert.Zero(t, timers.TimerK)
	assert.NotZero(t, timers.TimerB)
	assert.NotZero(t, timers.TimerF)
	assert.NotZero(t, timers.TimerH)
}
