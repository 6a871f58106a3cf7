package dialog

import (
	"github.com/arzzra/corevoip/pkg/message"
)

// ProcessRequest validates CSeq ordering and routes req to the method's
// handling: BYE terminates the dialog, ACK confirms an Early UAS dialog,
// REFER/NOTIFY go through their subscription-aware handling, and
// everything else dispatches to a registered RequestHandler (re-INVITE,
// UPDATE, INFO, MESSAGE, ...). A nil response with a nil error means: send
// nothing (used for ACK).
func (d *Dialog) ProcessRequest(req *message.Request) (*message.Response, error) {
	cseq, err := req.CSeq()
	if err != nil {
		return message.NewResponse(400, "Malformed CSeq"), nil
	}
	if req.Method != message.MethodAck {
		if ok := d.validateRemoteCSeq(cseq.Seq); !ok {
			return message.NewResponse(500, "CSeq Out Of Order"), nil
		}
	}

	switch req.Method {
	case message.MethodAck:
		if d.State() == StateEarly {
			_ = d.ConfirmUAS()
		}
		return nil, nil

	case message.MethodBye:
		if d.State() != StateConfirmed && d.State() != StateEarly {
			return message.NewResponse(481, "Call/Transaction Does Not Exist"), nil
		}
		d.Terminate()
		return message.NewResponse(200, "OK"), nil

	case message.MethodRefer:
		resp, _, err := d.ProcessRefer(req)
		return resp, err

	case message.MethodNotify:
		return d.ProcessNotify(req)

	default:
		d.applyRemoteTargetAndRoutes(req, req.Method)
		d.mu.RLock()
		handler := d.handlers[req.Method]
		d.mu.RUnlock()
		if handler == nil {
			return message.NewResponse(501, "Not Implemented"), nil
		}
		resp, err := handler(d, req)
		if err != nil {
			return nil, err
		}
		if resp == nil {
			resp = message.NewResponse(200, "OK")
		}
		return resp, nil
	}
}

// validateRemoteCSeq enforces RFC 3261 §12.2.2: requests in a dialog must
// carry a strictly increasing CSeq, except retransmissions which repeat
// the last one seen.
func (d *Dialog) validateRemoteCSeq(seq uint32) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.remoteSeqSet {
		d.remoteSeq = seq
		d.remoteSeqSet = true
		return true
	}
	if seq == d.remoteSeq {
		return true // retransmission
	}
	if seq > d.remoteSeq {
		d.remoteSeq = seq
		return true
	}
	return false
}
