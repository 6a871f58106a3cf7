// Package session implements the call-level coordinator (component C9):
// one SIP dialog plus one RTP media transport per call, SDP offer/answer
// negotiation, SRTP/DTLS-SRTP activation, DTMF precedence between the
// media path and SIP INFO, and a unified event stream covering ringing,
// answer, media quality, transfer, and teardown. Grounded on
// arzzra-soft_phone's pkg/ua_media (ua_media.go/ua_session.go), adapted
// from its sipgo-backed dialog/media wrapper onto this module's own
// pkg/dialog, pkg/transaction, and pkg/rtp.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/arzzra/corevoip/pkg/dialog"
	"github.com/arzzra/corevoip/pkg/message"
	"github.com/arzzra/corevoip/pkg/metrics"
	"github.com/arzzra/corevoip/pkg/rtp"
	sdppkg "github.com/arzzra/corevoip/pkg/sdp"
	"github.com/arzzra/corevoip/pkg/transaction"
	"github.com/rs/zerolog"
)

// Role distinguishes which side originated the call.
type Role int

const (
	RoleUAC Role = iota
	RoleUAS
)

// Config parameterizes a Session's media and housekeeping behavior
// (spec.md §4.9, §6).
type Config struct {
	Registry               *rtp.Registry
	Security                SecurityMode
	ClockRate               uint32
	LocalSSRC               uint32
	MediaBindAddr           string // "ip:0" to let the kernel pick a port
	MaxCallDuration         time.Duration // 0 disables
	MediaInactivityTimeout  time.Duration // 0 defaults to 3m
	RTCPInterval            time.Duration // 0 defaults to 5s
	JitterBuffer            rtp.JitterBufferConfig // zero value defaults to rtp.DefaultJitterBufferConfig()
	Metrics                 *metrics.Registry // nil records nothing
}

func (c Config) withDefaults() Config {
	if c.ClockRate == 0 {
		c.ClockRate = 8000
	}
	if c.RTCPInterval == 0 {
		c.RTCPInterval = 5 * time.Second
	}
	if c.MediaInactivityTimeout == 0 {
		c.MediaInactivityTimeout = 3 * time.Minute
	}
	if c.JitterBuffer.K == 0 {
		c.JitterBuffer = rtp.DefaultJitterBufferConfig()
	}
	if c.Metrics == nil {
		c.Metrics = metrics.Disabled()
	}
	return c
}

// Session is one call: its dialog, its media transport, and the
// negotiated state between them.
type Session struct {
	log zerolog.Logger
	cfg Config

	role Role

	mu     sync.RWMutex
	dialog *dialog.Dialog
	invite *message.Request // the original INVITE, UAC- or UAS-side
	srvTx  transaction.ServerTransaction // set for RoleUAS only, until Accept/Reject
	sender transaction.Sender
	target string

	media *rtp.Session

	localSDP  *sdppkg.Session
	remoteSDP *sdppkg.Session

	localSDES          string
	remoteSDES         string
	negotiatedSecurity SecurityMode

	chosenFormat sdppkg.PayloadFormat

	events chan Event

	createdAt    time.Time
	lastActivity time.Time
	errs         []error

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
}

// Statistics is a snapshot of a Session's call and media counters
// (spec.md §4.9, mirrors the teacher's SessionStatistics).
type Statistics struct {
	DialogState    dialog.State
	CreatedAt      time.Time
	LastActivity   time.Time
	Duration       time.Duration
	RTPPacketsSent uint64
	RTPOctetsSent  uint64
	RTPPacketsRecv uint64
	RTPPacketsLost uint64
	Errors         []error
}

func newMediaSession(cfg Config, log zerolog.Logger) (*rtp.Session, error) {
	bindAddr := cfg.MediaBindAddr
	if bindAddr == "" {
		bindAddr = "0.0.0.0:0"
	}
	mcfg := rtp.SessionConfig{
		Transport: rtp.TransportConfig{LocalAddr: bindAddr, RTCPMux: true, SymmetricRTP: true},
		ClockRate: cfg.ClockRate,
		LocalSSRC: cfg.LocalSSRC,
		JitterBuf: cfg.JitterBuffer,
	}
	media, err := rtp.NewSession(mcfg, cfg.Registry, log)
	if err != nil {
		return nil, err
	}
	media.SetMetrics(cfg.Metrics)
	return media, nil
}

// Dial originates an outgoing call: builds and sends the initial INVITE
// carrying an SDP offer, then drives the response handling that creates
// the dialog, sends the ACK for a 2xx, and negotiates media (spec.md §4.9,
// grounded on ua_media.go's NewOutgoingCall / WaitAnswer split).
func Dial(ctx context.Context, cfg Config, dm *dialog.Manager, txManager *transaction.Manager, sender transaction.Sender, target string, from, to *message.Address, contact *message.Address, log zerolog.Logger) (*Session, error) {
	cfg = cfg.withDefaults()
	media, err := newMediaSession(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("session: create media transport: %w", err)
	}

	s := &Session{
		log: log, cfg: cfg, role: RoleUAC,
		sender: sender, target: target,
		media:     media,
		events:    make(chan Event, 64),
		createdAt: time.Now(), lastActivity: time.Now(),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	offer, err := s.buildOffer()
	if err != nil {
		_ = media.Close()
		return nil, err
	}
	s.localSDP = offer

	toURI := to.URI.Clone()
	invite := message.NewRequest(message.MethodInvite, toURI)
	invite.Headers().Add("Via", "SIP/2.0/"+sender.Protocol()+" "+contact.URI.HostPort()+";branch="+transaction.GenerateBranch())
	fromTagged := from.Clone()
	fromTagged.SetParam("tag", dialog.GenerateTag())
	invite.Headers().Set("From", fromTagged.String())
	invite.Headers().Set("To", to.String())
	invite.Headers().Set("Call-ID", generateCallID())
	invite.Headers().Set("CSeq", "1 "+message.MethodInvite)
	invite.Headers().Set("Contact", contact.String())
	invite.Headers().Set("Max-Forwards", "70")
	invite.SetBody([]byte(offer.String()), "application/sdp")
	s.invite = invite

	tx, err := txManager.NewClientTransaction(invite, sender, target)
	if err != nil {
		_ = media.Close()
		return nil, err
	}

	tx.OnResponse(func(_ transaction.Transaction, resp *message.Response) {
		s.handleUACResponse(dm, invite, resp)
	})
	tx.OnTimeout(func(_ transaction.Transaction, _ transaction.TimerID) {
		s.emit(Event{Type: EventEnded, Data: Ended{Reason: EndReasonNoAnswer}})
	})

	go s.runHousekeeping()
	return s, nil
}

func (s *Session) handleUACResponse(dm *dialog.Manager, invite *message.Request, resp *message.Response) {
	s.mu.Lock()
	d := s.dialog
	wasNew := d == nil
	if wasNew {
		var err error
		d, err = dm.CreateUACDialog(invite, resp, s.sender, s.target)
		if err != nil {
			s.mu.Unlock()
			s.log.Warn().Err(err).Msg("failed to create dialog from response")
			return
		}
		s.dialog = d
	}
	s.mu.Unlock()

	if resp.StatusCode < 200 {
		if !wasNew {
			d.ProcessProvisional(resp)
		}
		if resp.StatusCode == 180 || resp.StatusCode == 183 {
			s.emit(Event{Type: EventRinging})
		}
		return
	}

	if resp.StatusCode >= 300 {
		if !wasNew {
			_, _ = d.ProcessFinal(invite, resp)
		}
		s.emit(Event{Type: EventEnded, Data: Ended{Reason: EndReasonRejected}})
		return
	}

	// 2xx: a dialog freshly created from this very response is already
	// Confirmed by construction (NewUACDialog), so send the ACK directly
	// instead of routing through ProcessFinal's Early->Confirmed transition.
	if wasNew {
		if err := d.SendAck2xx(invite, resp); err != nil {
			s.log.Warn().Err(err).Msg("failed to send ACK")
		}
	} else {
		ack, err := d.ProcessFinal(invite, resp)
		if err != nil {
			s.log.Warn().Err(err).Msg("dialog rejected final response")
		} else if ack != nil {
			if err := s.sender.Send(s.target, []byte(ack.String())); err != nil {
				s.log.Warn().Err(err).Msg("failed to send ACK")
			}
		}
	}

	answerSDP, err := sdppkg.Parse(resp.Body())
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to parse SDP answer")
		s.emit(Event{Type: EventEnded, Data: Ended{Reason: EndReasonError, Err: err}})
		return
	}
	s.mu.Lock()
	s.remoteSDP = answerSDP
	s.mu.Unlock()
	if err := s.applyRemoteMedia(answerSDP, true); err != nil {
		s.log.Warn().Err(err).Msg("failed to apply remote media")
	}
	s.emit(Event{Type: EventAnswered})
	s.emit(Event{Type: EventMediaFlowing})
}

// NewIncoming wraps an inbound INVITE, its still-open server transaction,
// and the UAS dialog the dialog.Manager has already created for it, and
// emits EventIncoming. The call stays in the dialog's Early state until
// Accept, Reject, or Redirect decides it (spec.md §4.9's deferred-decision
// hooks).
func NewIncoming(cfg Config, d *dialog.Dialog, invite *message.Request, srvTx transaction.ServerTransaction, sender transaction.Sender, target string, log zerolog.Logger) (*Session, error) {
	cfg = cfg.withDefaults()
	media, err := newMediaSession(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("session: create media transport: %w", err)
	}

	s := &Session{
		log: log, cfg: cfg, role: RoleUAS,
		dialog: d, invite: invite, srvTx: srvTx,
		sender: sender, target: target,
		media:     media,
		events:    make(chan Event, 64),
		createdAt: time.Now(), lastActivity: time.Now(),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	if len(invite.Body()) > 0 {
		offer, err := sdppkg.Parse(invite.Body())
		if err != nil {
			s.log.Warn().Err(err).Msg("failed to parse SDP offer")
		} else {
			s.remoteSDP = offer
		}
	}

	go s.runHousekeeping()
	s.emit(Event{Type: EventIncoming})
	return s, nil
}

// Accept answers an incoming call with a 200 OK carrying the negotiated
// SDP answer (spec.md §4.9).
func (s *Session) Accept(ctx context.Context) error {
	s.mu.Lock()
	if s.role != RoleUAS {
		s.mu.Unlock()
		return fmt.Errorf("session: Accept is only valid for an incoming call")
	}
	d, invite, srvTx, offer := s.dialog, s.invite, s.srvTx, s.remoteSDP
	s.mu.Unlock()

	if offer == nil {
		return fmt.Errorf("session: no SDP offer to answer")
	}
	answer, chosen, err := s.negotiateAnswer(offer)
	if err != nil {
		return fmt.Errorf("session: negotiate answer: %w", err)
	}

	s.mu.Lock()
	s.localSDP = answer
	s.chosenFormat = chosen
	s.mu.Unlock()

	resp := message.NewResponse(200, "OK")
	copyDialogResponseHeaders(resp, invite)
	resp.SetBody([]byte(answer.String()), "application/sdp")
	if err := srvTx.SendResponse(resp); err != nil {
		return fmt.Errorf("session: send 200 OK: %w", err)
	}
	if err := d.ConfirmUAS(); err != nil {
		return fmt.Errorf("session: confirm dialog: %w", err)
	}
	s.mu.Lock()
	s.srvTx = nil
	s.mu.Unlock()

	if err := s.applyRemoteMedia(offer, false); err != nil {
		s.log.Warn().Err(err).Msg("failed to apply remote media")
	}
	s.emit(Event{Type: EventAnswered})
	s.emit(Event{Type: EventMediaFlowing})
	return nil
}

// Reject declines an incoming call with a final non-2xx response.
func (s *Session) Reject(code int, reason string) error {
	s.mu.Lock()
	if s.role != RoleUAS {
		s.mu.Unlock()
		return fmt.Errorf("session: Reject is only valid for an incoming call")
	}
	d, invite, srvTx := s.dialog, s.invite, s.srvTx
	s.mu.Unlock()

	resp := message.NewResponse(code, reason)
	copyDialogResponseHeaders(resp, invite)
	if err := srvTx.SendResponse(resp); err != nil {
		return fmt.Errorf("session: send rejection: %w", err)
	}
	_ = d.RejectUAS()
	s.emit(Event{Type: EventEnded, Data: Ended{Reason: EndReasonRejected}})
	s.Close()
	return nil
}

// Redirect declines an incoming call with a 3xx carrying contacts.
func (s *Session) Redirect(code int, reason string, contacts []*message.URI) error {
	s.mu.Lock()
	if s.role != RoleUAS {
		s.mu.Unlock()
		return fmt.Errorf("session: Redirect is only valid for an incoming call")
	}
	d, invite, srvTx := s.dialog, s.invite, s.srvTx
	s.mu.Unlock()

	resp := message.NewResponse(code, reason)
	copyDialogResponseHeaders(resp, invite)
	for _, c := range contacts {
		resp.Headers().Add("Contact", (&message.Address{URI: c}).String())
	}
	if err := srvTx.SendResponse(resp); err != nil {
		return fmt.Errorf("session: send redirect: %w", err)
	}
	_ = d.RejectUAS()
	s.emit(Event{Type: EventEnded, Data: Ended{Reason: EndReasonRejected}})
	s.Close()
	return nil
}

func copyDialogResponseHeaders(resp *message.Response, invite *message.Request) {
	for _, v := range invite.Headers().GetAll("Via") {
		resp.Headers().Add("Via", v)
	}
	resp.Headers().Set("From", invite.Headers().Get("From"))
	resp.Headers().Set("To", invite.Headers().Get("To"))
	resp.Headers().Set("Call-ID", invite.CallID())
}

// Bye terminates an established call.
func (s *Session) Bye(ctx context.Context) error {
	s.mu.RLock()
	d := s.dialog
	s.mu.RUnlock()
	if d == nil {
		return fmt.Errorf("session: no dialog established")
	}
	err := d.Bye(ctx)
	s.emit(Event{Type: EventEnded, Data: Ended{Reason: EndReasonLocalClose, Err: err}})
	s.Close()
	return err
}

// SendFrame sends one encoded media frame over the call's RTP session.
func (s *Session) SendFrame(f *rtp.MediaFrame) error {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
	return s.media.SendFrame(f)
}

// SendDTMF sends a DTMF digit on the media path (RFC 4733), the
// precedence path spec.md §4.9 designates over SIP INFO.
func (s *Session) SendDTMF(pt, digit uint8, durationTicks uint16) error {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
	return s.media.SendDTMF(pt, digit, durationTicks)
}

// HandleSIPInfoDTMF surfaces a DTMF digit that arrived via SIP INFO
// (RFC 2976). The digit is dropped if any media activity was recorded in
// the last 200ms, taken as a sign that the media path already delivered
// it; the digit itself is not compared (spec.md §4.9's DTMF precedence).
func (s *Session) HandleSIPInfoDTMF(digit byte, duration time.Duration) {
	s.mu.Lock()
	recent := time.Since(s.lastActivity) < 200*time.Millisecond
	s.mu.Unlock()
	if recent {
		return
	}
	s.emit(Event{Type: EventDTMF, Data: DTMFDigit{Digit: digit, Duration: duration, Source: "sip-info"}})
}

// GetStatistics returns a snapshot of the call's dialog and media state.
func (s *Session) GetStatistics() Statistics {
	s.mu.RLock()
	d := s.dialog
	createdAt, lastActivity := s.createdAt, s.lastActivity
	errs := append([]error(nil), s.errs...)
	s.mu.RUnlock()

	stats := Statistics{CreatedAt: createdAt, LastActivity: lastActivity, Errors: errs}
	if d != nil {
		stats.DialogState = d.State()
	}
	if d != nil && d.State() == dialog.StateTerminated {
		stats.Duration = lastActivity.Sub(createdAt)
	} else {
		stats.Duration = time.Since(createdAt)
	}
	rs := s.media.Stats()
	stats.RTPPacketsSent, stats.RTPOctetsSent = rs.PacketsSent, rs.OctetsSent
	stats.RTPPacketsRecv, stats.RTPPacketsLost = rs.PacketsReceived, rs.PacketsLost
	return stats
}

// Close tears down the session's media transport and housekeeping
// goroutines. Safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		_ = s.media.Close()
	})
}

func generateCallID() string {
	return dialog.GenerateTag() + "@corevoip"
}
