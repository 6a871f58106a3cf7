package session

import (
	"sync"
	"testing"
	"time"

	"github.com/arzzra/corevoip/pkg/dialog"
	"github.com/arzzra/corevoip/pkg/message"
	"github.com/arzzra/corevoip/pkg/rtp"
	"github.com/arzzra/corevoip/pkg/transaction"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// fakeSender mirrors pkg/dialog's fakeSender: records every datagram sent
// and never actually delivers it over a socket.
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

func testRegistry() *rtp.Registry {
	reg := rtp.NewRegistry()
	reg.Register(rtp.NewFixedRateFormat(0, "PCMU", 8000, 20))
	reg.Register(rtp.NewTelephoneEventFormat(101, 8000))
	return reg
}

func newTestSession(t *testing.T, cfg Config) *Session {
	t.Helper()
	if cfg.Registry == nil {
		cfg.Registry = testRegistry()
	}
	if cfg.MediaBindAddr == "" {
		cfg.MediaBindAddr = "127.0.0.1:0"
	}
	cfg = cfg.withDefaults()
	media, err := newMediaSession(cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = media.Close() })
	return &Session{
		log: zerolog.Nop(), cfg: cfg, media: media,
		events: make(chan Event, 8),
	}
}

func respondTo(req *message.Request, status int, remoteTag string) *message.Response {
	resp := message.NewResponse(status, "")
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

func TestBuildOfferAdvertisesRegisteredFormats(t *testing.T) {
	s := newTestSession(t, Config{})
	offer, err := s.buildOffer()
	require.NoError(t, err)
	require.Len(t, offer.MediaDescs, 1)
	md := offer.MediaDescs[0]
	require.Equal(t, "RTP/AVP", md.Proto)
	require.ElementsMatch(t, []string{"0", "101"}, md.Formats)
}

func TestNegotiateAnswerPicksMutualCodec(t *testing.T) {
	offerer := newTestSession(t, Config{})
	answerer := newTestSession(t, Config{})

	offer, err := offerer.buildOffer()
	require.NoError(t, err)

	answer, chosen, err := answerer.negotiateAnswer(offer)
	require.NoError(t, err)
	require.Equal(t, 0, chosen.PayloadType)
	require.Equal(t, "PCMU", chosen.Name)
	require.Len(t, answer.MediaDescs, 1)
	require.Equal(t, SecurityNone, answerer.negotiatedSecurity)
}

func TestNegotiateAnswerArmsSDES(t *testing.T) {
	offerer := newTestSession(t, Config{Security: SecuritySDES})
	answerer := newTestSession(t, Config{})

	offer, err := offerer.buildOffer()
	require.NoError(t, err)
	require.Equal(t, "RTP/SAVP", offer.MediaDescs[0].Proto)

	answer, _, err := answerer.negotiateAnswer(offer)
	require.NoError(t, err)
	require.Equal(t, SecuritySDES, answerer.negotiatedSecurity)
	require.NotEmpty(t, answerer.remoteSDES)
	cryptos, err := answer.MediaDescs[0].CryptoAttrs()
	require.NoError(t, err)
	require.Len(t, cryptos, 1)
}

func TestNegotiateAnswerFallsBackWhenSAVPHasNoKeyMaterial(t *testing.T) {
	offerer := newTestSession(t, Config{})
	answerer := newTestSession(t, Config{})

	offer, err := offerer.buildOffer()
	require.NoError(t, err)
	offer.MediaDescs[0].Proto = "RTP/SAVP" // no a=crypto, no a=fingerprint

	answer, _, err := answerer.negotiateAnswer(offer)
	require.NoError(t, err)
	require.Equal(t, SecurityNone, answerer.negotiatedSecurity)
	require.Equal(t, "RTP/AVP", answer.MediaDescs[0].Proto)
}

func TestHandleSIPInfoDTMFSuppressedAfterRecentMediaActivity(t *testing.T) {
	s := newTestSession(t, Config{})
	s.lastActivity = time.Now()

	s.HandleSIPInfoDTMF('5', 100*time.Millisecond)
	select {
	case <-s.Events():
		t.Fatal("expected sip-info dtmf to be suppressed by recent media activity")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHandleSIPInfoDTMFDeliveredWithoutRecentMediaActivity(t *testing.T) {
	s := newTestSession(t, Config{})
	s.lastActivity = time.Now().Add(-time.Second)

	s.HandleSIPInfoDTMF('5', 100*time.Millisecond)
	select {
	case ev := <-s.Events():
		require.Equal(t, EventDTMF, ev.Type)
		digit, ok := ev.Data.(DTMFDigit)
		require.True(t, ok)
		require.Equal(t, byte('5'), digit.Digit)
		require.Equal(t, "sip-info", digit.Source)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for sip-info dtmf event")
	}
}

func TestDialSendsInviteWithSDPOffer(t *testing.T) {
	txManager := transaction.NewManager(fastTimers())
	dm := dialog.NewManager(txManager)
	sender := &fakeSender{protocol: "udp"}

	from, err := message.ParseAddress("Alice <sip:alice@example.com>")
	require.NoError(t, err)
	to, err := message.ParseAddress("Bob <sip:bob@example.com>")
	require.NoError(t, err)
	contact, err := message.ParseAddress("<sip:alice@127.0.0.1:5060>")
	require.NoError(t, err)

	cfg := Config{Registry: testRegistry(), MediaBindAddr: "127.0.0.1:0"}
	s, err := Dial(t.Context(), cfg, dm, txManager, sender, "127.0.0.1:5061", from, to, contact, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(s.Close)

	require.Eventually(t, func() bool { return sender.count() > 0 }, time.Second, 5*time.Millisecond)
	require.Contains(t, string(s.invite.Body()), "m=audio")
}

func TestHandleUACResponseSendsAckOnImmediate2xx(t *testing.T) {
	txManager := transaction.NewManager(fastTimers())
	dm := dialog.NewManager(txManager)
	sender := &fakeSender{protocol: "udp"}

	from, err := message.ParseAddress("Alice <sip:alice@example.com>")
	require.NoError(t, err)
	to, err := message.ParseAddress("Bob <sip:bob@example.com>")
	require.NoError(t, err)
	contact, err := message.ParseAddress("<sip:alice@127.0.0.1:5060>")
	require.NoError(t, err)

	cfg := Config{Registry: testRegistry(), MediaBindAddr: "127.0.0.1:0"}
	s, err := Dial(t.Context(), cfg, dm, txManager, sender, "127.0.0.1:5061", from, to, contact, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(s.Close)

	answerer := newTestSession(t, Config{})
	answer, _, err := answerer.negotiateAnswer(s.localSDP)
	require.NoError(t, err)
	resp := respondTo(s.invite, 200, "b1")
	resp.SetBody([]byte(answer.String()), "application/sdp")

	require.NoError(t, txManager.HandleResponse(resp))

	var ev Event
	require.Eventually(t, func() bool {
		select {
		case ev = <-s.Events():
			return ev.Type == EventAnswered
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)

	require.NotNil(t, s.dialog)
	require.Equal(t, dialog.StateConfirmed, s.dialog.State())
}

func TestGetStatisticsReflectsDialogState(t *testing.T) {
	s := newTestSession(t, Config{})
	s.createdAt = time.Now()
	s.lastActivity = time.Now()

	stats := s.GetStatistics()
	require.Equal(t, dialog.StateEarly, stats.DialogState)
	require.GreaterOrEqual(t, stats.Duration, time.Duration(0))
}
