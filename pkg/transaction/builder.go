package transaction

import (
	"strconv"

	"github.com/arzzra/corevoip/pkg/message"
)

// buildACKForNon2xx builds the ACK for a non-2xx final response to req, per
// RFC 3261 §17.1.1.3: same Request-URI/Call-ID/From/single Via (the INVITE's
// top Via, same branch so it stays within the INVITE client transaction)/
// CSeq number with method ACK, To with the tag from resp, and Route copied
// from the INVITE if it had one.
func buildACKForNon2xx(req *message.Request, resp *message.Response) (*message.Request, error) {
	ack := message.NewRequest(message.MethodAck, req.RequestURI)

	vias, err := req.Vias()
	if err != nil || len(vias) == 0 {
		return nil, headerMissing("Via")
	}
	ack.Headers().Add("Via", vias[0].String())

	from := req.Headers().Get("From")
	ack.Headers().Set("From", from)

	to := resp.Headers().Get("To")
	ack.Headers().Set("To", to)

	ack.Headers().Set("Call-ID", req.CallID())

	cseq, err := req.CSeq()
	if err != nil {
		return nil, headerMissing("CSeq")
	}
	ack.Headers().Set("CSeq", strconv.FormatUint(uint64(cseq.Seq), 10)+" "+message.MethodAck)

	if mf, ok := req.MaxForwards(); ok {
		ack.Headers().Set("Max-Forwards", strconv.Itoa(mf))
	} else {
		ack.Headers().Set("Max-Forwards", "70")
	}

	for _, route := range req.Headers().GetAll("Route") {
		ack.Headers().Add("Route", route)
	}
	ack.Headers().Set("Content-Length", "0")
	return ack, nil
}

// buildCANCEL builds the CANCEL for req, per RFC 3261 §9.1: same
// Request-URI/Call-ID/From/To/single Via (same branch as the INVITE) and a
// CSeq with the same number but method CANCEL.
func buildCANCEL(req *message.Request) (*message.Request, error) {
	cancel := message.NewRequest(message.MethodCancel, req.RequestURI)

	vias, err := req.Vias()
	if err != nil || len(vias) == 0 {
		return nil, headerMissing("Via")
	}
	cancel.Headers().Add("Via", vias[0].String())
	cancel.Headers().Set("From", req.Headers().Get("From"))
	cancel.Headers().Set("To", req.Headers().Get("To"))
	cancel.Headers().Set("Call-ID", req.CallID())

	cseq, err := req.CSeq()
	if err != nil {
		return nil, headerMissing("CSeq")
	}
	cancel.Headers().Set("CSeq", strconv.FormatUint(uint64(cseq.Seq), 10)+" "+message.MethodCancel)

	for _, route := range req.Headers().GetAll("Route") {
		cancel.Headers().Add("Route", route)
	}
	cancel.Headers().Set("Max-Forwards", "70")
	cancel.Headers().Set("Content-Length", "0")
	return cancel, nil
}

func headerMissing(name string) error {
	return &missingHeaderError{name: name}
}

type missingHeaderError struct{ name string }

func (e *missingHeaderError) Error() string { return "transaction: request missing " + e.name }
