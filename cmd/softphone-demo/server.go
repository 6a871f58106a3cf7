package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/arzzra/corevoip/pkg/dialog"
	"github.com/arzzra/corevoip/pkg/message"
	"github.com/arzzra/corevoip/pkg/session"
	"github.com/arzzra/corevoip/pkg/transaction"
	"github.com/rs/zerolog"
)

// demoServer dispatches parsed SIP messages to the transaction and dialog
// layers and answers fresh incoming calls. It covers new INVITE, in-dialog
// BYE/re-INVITE, standalone ACK, OPTIONS, and CANCEL of a still-ringing
// INVITE (the transaction layer sends the 487 to the INVITE; this just
// owes the CANCEL itself its 200).
type demoServer struct {
	log        zerolog.Logger
	txManager  *transaction.Manager
	dm         *dialog.Manager
	sender     transaction.Sender
	sessionCfg session.Config
	ctx        context.Context

	inviteSourcesMu sync.Mutex
	inviteSources   map[string]string // Call-ID -> UDP source address, until acceptNewCall consumes it
}

func (d *demoServer) handleRequest(req *message.Request, remoteAddr string) {
	if req.Method == message.MethodAck {
		// A 2xx ACK is consumed directly by the dialog, never a transaction
		// (RFC 3261 §13.2.2.4).
		if _, _, err := d.dm.HandleRequest(req); err != nil {
			d.log.Debug().Err(err).Msg("ACK did not match any dialog")
		}
		return
	}

	tx, err := d.txManager.HandleRequest(req, d.sender, remoteAddr)
	if err != nil {
		d.log.Debug().Err(err).Str("method", req.Method).Msg("request rejected by transaction layer")
		return
	}
	if tx != nil && req.Method == message.MethodInvite {
		d.inviteSourcesMu.Lock()
		d.inviteSources[req.CallID()] = remoteAddr
		d.inviteSourcesMu.Unlock()
	}
}

// takeInviteSource returns (and forgets) the UDP source address the given
// INVITE arrived from, used as the dialog's initial remote target absent a
// usable Contact header.
func (d *demoServer) takeInviteSource(callID string) (string, bool) {
	d.inviteSourcesMu.Lock()
	defer d.inviteSourcesMu.Unlock()
	addr, ok := d.inviteSources[callID]
	delete(d.inviteSources, callID)
	return addr, ok
}

func (d *demoServer) handleResponse(resp *message.Response) {
	if err := d.txManager.HandleResponse(resp); err != nil {
		d.log.Debug().Err(err).Int("status", resp.StatusCode).Msg("response did not match any client transaction")
	}
}

func (d *demoServer) handleNewServerTransaction(tx transaction.ServerTransaction) {
	req := tx.Request()

	switch req.Method {
	case message.MethodInvite:
		to, err := req.To()
		if err == nil && to.Tag() != "" {
			d.routeInDialog(tx, req)
			return
		}
		d.acceptNewCall(tx, req)
	case message.MethodCancel:
		// The matching INVITE transaction (if any) was already sent its
		// 487 by the transaction manager (RFC 3261 §9.2); this CANCEL's
		// own transaction still owes a 200 regardless of whether one was
		// found.
		if err := tx.SendResponse(message.NewResponse(200, "OK")); err != nil {
			d.log.Warn().Err(err).Msg("send 200 for CANCEL")
		}
	default:
		d.routeInDialog(tx, req)
	}
}

// routeInDialog handles everything that isn't a brand new INVITE: BYE,
// re-INVITE, OPTIONS, INFO, and so on, by asking the dialog manager for the
// response and sending it back on the matched server transaction.
func (d *demoServer) routeInDialog(tx transaction.ServerTransaction, req *message.Request) {
	resp, _, err := d.dm.HandleRequest(req)
	if err != nil {
		d.log.Warn().Err(err).Str("method", req.Method).Msg("dialog layer error handling request")
		return
	}
	if resp == nil {
		return
	}
	if err := tx.SendResponse(resp); err != nil {
		d.log.Warn().Err(err).Msg("send response")
	}
}

// acceptNewCall builds a UAS dialog and session for a fresh INVITE and
// auto-accepts it, mirroring arzzra-soft_phone/cmd/test_sip's auto-answer
// demo flow.
func (d *demoServer) acceptNewCall(tx transaction.ServerTransaction, invite *message.Request) {
	target := remoteTargetOf(invite)
	if target == "" {
		if addr, ok := d.takeInviteSource(invite.CallID()); ok {
			target = addr
		}
	}
	if target == "" {
		d.log.Warn().Msg("incoming INVITE has neither a usable Contact nor a known source address")
		_ = tx.SendResponse(message.NewResponse(400, "Bad Request"))
		return
	}

	dlg, err := d.dm.CreateUASDialog(invite, d.sender, target)
	if err != nil {
		d.log.Warn().Err(err).Msg("create UAS dialog")
		_ = tx.SendResponse(message.NewResponse(500, "Server Internal Error"))
		return
	}

	sess, err := session.NewIncoming(d.sessionCfg, dlg, invite, tx, d.sender, target, d.log)
	if err != nil {
		d.log.Warn().Err(err).Msg("create incoming session")
		_ = tx.SendResponse(message.NewResponse(500, "Server Internal Error"))
		return
	}

	go d.watchEvents(sess)

	d.log.Info().Str("call-id", invite.CallID()).Msg("incoming call, auto-accepting")
	if err := sess.Accept(d.ctx); err != nil {
		d.log.Warn().Err(err).Msg("accept call")
	}
}

// watchEvents logs a session's lifecycle events; a real integration would
// forward these to whatever owns the call (a CLI UI, a REST webhook, ...).
func (d *demoServer) watchEvents(sess *session.Session) {
	for ev := range sess.Events() {
		d.log.Info().Str("event", ev.Type.String()).Msg("session event")
	}
}

// remoteTargetOf derives the address to route in-dialog requests to from
// the INVITE's Contact header (RFC 3261 §12.1.1's remote target), the
// conventional source when one is present.
func remoteTargetOf(invite *message.Request) string {
	contacts, err := invite.Contact()
	if err != nil || len(contacts) == 0 {
		return ""
	}
	uri := contacts[0].URI
	if uri == nil || uri.Host == "" {
		return ""
	}
	port := uri.Port
	if port == 0 {
		port = 5060
	}
	return fmt.Sprintf("%s:%d", uri.Host, port)
}
