package dialog

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/arzzra/corevoip/pkg/message"
)

// ReferOpts configures an outgoing REFER.
type ReferOpts struct {
	// NoReferSub suppresses the implicit subscription (RFC 4488): the
	// Refer-Sub header is sent as "false" and no Subscription is created.
	NoReferSub bool
	// Replaces, if set, is attached as the Replaces header on the
	// Refer-To URI for attended transfer (RFC 3891).
	Replaces string
	Headers  map[string]string
}

// Refer sends REFER with Refer-To target, creating an implicit "refer"
// event subscription on acceptance (RFC 3515 §2.4.4) unless opts.NoReferSub
// is set.
func (d *Dialog) Refer(ctx context.Context, target *message.URI, opts ReferOpts) (*Subscription, error) {
	if d.State() != StateConfirmed {
		return nil, fmt.Errorf("dialog: cannot REFER in state %s", d.State())
	}
	req, err := d.buildRequest(message.MethodRefer)
	if err != nil {
		return nil, err
	}
	referTo := "<" + target.String()
	if opts.Replaces != "" {
		referTo += "?Replaces=" + escapeReplaces(opts.Replaces)
	}
	referTo += ">"
	req.Headers().Set("Refer-To", referTo)
	if opts.NoReferSub {
		req.Headers().Set("Refer-Sub", "false")
	}
	for name, value := range opts.Headers {
		req.Headers().Set(name, value)
	}

	resp, err := d.sendAndAwait(ctx, req)
	if err != nil {
		d.metricsRegistry().ReferOperation("refer", "error")
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		d.metricsRegistry().ReferOperation("refer", "rejected")
		return nil, fmt.Errorf("dialog: REFER rejected with %d %s", resp.StatusCode, resp.ReasonPhrase)
	}
	d.metricsRegistry().ReferOperation("refer", "accepted")
	if opts.NoReferSub {
		return nil, nil
	}

	sub := newSubscription(d.key.CallID+"-refer-"+req.Headers().Get("CSeq"), "refer", referExpires(req))
	d.mu.Lock()
	d.subscriptions[sub.ID] = sub
	d.mu.Unlock()
	return sub, nil
}

// referExpires returns the subscription expiry a REFER establishes: its own
// Expires header if present, otherwise referSubscriptionDefaultExpires.
func referExpires(req *message.Request) int {
	if v := req.Headers().Get("Expires"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
	}
	return referSubscriptionDefaultExpires
}

func escapeReplaces(r string) string {
	return strings.ReplaceAll(strings.ReplaceAll(r, " ", "%20"), ";", "%3B")
}

// ProcessRefer handles an inbound REFER: creates the inbound subscription
// (unless the peer asked for Refer-Sub: false) and returns the 202
// Accepted response, or the caller's handler response if one is
// registered for message.MethodRefer.
func (d *Dialog) ProcessRefer(req *message.Request) (*message.Response, *Subscription, error) {
	referTo := req.Headers().Get("Refer-To")
	if referTo == "" {
		d.metricsRegistry().ReferOperation("refer-in", "missing-refer-to")
		return message.NewResponse(400, "Missing Refer-To"), nil, nil
	}

	var sub *Subscription
	noSub := strings.EqualFold(req.Headers().Get("Refer-Sub"), "false")
	if !noSub {
		sub = newSubscription(d.key.CallID+"-refer-in-"+req.Headers().Get("CSeq"), "refer", referExpires(req))
		d.mu.Lock()
		d.subscriptions[sub.ID] = sub
		d.mu.Unlock()
	}
	d.metricsRegistry().ReferOperation("refer-in", "accepted")

	d.mu.RLock()
	handler := d.handlers[message.MethodRefer]
	d.mu.RUnlock()
	if handler != nil {
		resp, err := handler(d, req)
		if err != nil || resp != nil {
			return resp, sub, err
		}
	}
	resp := message.NewResponse(202, "Accepted")
	return resp, sub, nil
}

// NotifyRefer builds the NOTIFY that reports sipfrag status for sub's
// transfer progress, and terminates sub once the status is final (RFC
// 3515 §2.4.5). The caller sends the returned request as a new client
// transaction.
func (d *Dialog) NotifyRefer(sub *Subscription, statusCode int, reason string) (*message.Request, error) {
	final := sub.onSipfragStatus(statusCode)

	d.mu.Lock()
	d.localSeq++
	seq := d.localSeq
	d.mu.Unlock()

	if final {
		sub.Terminate("noresource")
	}

	notify, err := d.buildNotify(sub, seq, statusCode, reason)
	if err != nil {
		return nil, err
	}
	if final {
		d.mu.Lock()
		delete(d.subscriptions, sub.ID)
		d.mu.Unlock()
	}
	return notify, nil
}

func (d *Dialog) buildNotify(sub *Subscription, seq uint32, statusCode int, reason string) (*message.Request, error) {
	d.mu.RLock()
	reqURI := d.routeSet.RequestURI(d.remoteTarget)
	routes := d.routeSet.RouteHeaders(d.remoteTarget)
	local, remote := d.localURI, d.remoteURI
	d.mu.RUnlock()

	if reqURI == nil {
		return nil, fmt.Errorf("dialog: no remote target for NOTIFY")
	}
	req := message.NewRequest(message.MethodNotify, reqURI)
	req.Headers().Add("Via", "SIP/2.0/"+d.sender.Protocol()+" "+d.localContactHostPort()+";branch=z9hG4bK"+sub.ID)
	req.Headers().Set("From", local.String())
	req.Headers().Set("To", remote.String())
	req.Headers().Set("Call-ID", d.key.CallID)
	req.Headers().Set("CSeq", fmt.Sprintf("%d %s", seq, message.MethodNotify))
	req.Headers().Set("Event", sub.Event)
	req.Headers().Set("Subscription-State", sub.SubscriptionStateHeader())
	for _, r := range routes {
		req.Headers().Add("Route", r)
	}
	req.Headers().Set("Max-Forwards", "70")
	req.SetBody([]byte(fmt.Sprintf("SIP/2.0 %d %s", statusCode, reason)), "message/sipfrag")
	return req, nil
}

// ProcessNotify validates and applies an inbound NOTIFY for a REFER
// subscription this side holds. RFC 6665 requires both Event and
// Subscription-State; requests lacking either are rejected with 400.
func (d *Dialog) ProcessNotify(req *message.Request) (*message.Response, error) {
	event := req.Headers().Get("Event")
	subState := req.Headers().Get("Subscription-State")
	if event == "" || subState == "" {
		return message.NewResponse(400, "Missing Event or Subscription-State"), nil
	}
	if !strings.HasPrefix(strings.ToLower(event), "refer") {
		return message.NewResponse(489, "Bad Event"), nil
	}

	d.mu.RLock()
	var sub *Subscription
	for _, s := range d.subscriptions {
		if s.Event == "refer" && !s.IsTerminated() {
			sub = s
			break
		}
	}
	d.mu.RUnlock()
	if sub == nil {
		return message.NewResponse(481, "Subscription Does Not Exist"), nil
	}

	state, _, reason, err := ParseSubscriptionStateHeader(subState)
	if err != nil {
		return message.NewResponse(400, "Malformed Subscription-State"), nil
	}

	if ct := req.Headers().Get("Content-Type"); strings.EqualFold(ct, "message/sipfrag") {
		if code := parseSipfragStatus(req.Body()); code != 0 {
			sub.onSipfragStatus(code)
		}
	}
	if state == SubStateTerminated.String() {
		sub.Terminate(reason)
		d.mu.Lock()
		delete(d.subscriptions, sub.ID)
		d.mu.Unlock()
	}

	return message.NewResponse(200, "OK"), nil
}

func parseSipfragStatus(body []byte) int {
	const prefix = "SIP/2.0 "
	s := string(body)
	idx := strings.Index(s, prefix)
	if idx < 0 {
		return 0
	}
	idx += len(prefix)
	code := 0
	for idx < len(s) && s[idx] >= '0' && s[idx] <= '9' {
		code = code*10 + int(s[idx]-'0')
		idx++
	}
	return code
}

// Subscriptions returns the dialog's currently active subscriptions.
func (d *Dialog) Subscriptions() []*Subscription {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*Subscription, 0, len(d.subscriptions))
	for _, s := range d.subscriptions {
		out = append(out, s)
	}
	return out
}
