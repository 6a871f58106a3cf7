package dialog

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/arzzra/corevoip/pkg/message"
)

// Key identifies a dialog by RFC 3261 §12: Call-ID plus the local and
// remote tags. An early dialog (before the remote tag is learned) matches
// on Call-ID + local tag alone — see EarlyKey.
type Key struct {
	CallID    string
	LocalTag  string
	RemoteTag string
}

// EarlyKey returns the fallback identity used before a remote tag exists.
func (k Key) EarlyKey() Key { return Key{CallID: k.CallID, LocalTag: k.LocalTag} }

func (k Key) String() string {
	return k.CallID + ";local=" + k.LocalTag + ";remote=" + k.RemoteTag
}

// RequestKey derives the dialog key a message would match against, given
// which side of the dialog owns it. For requests received in-dialog,
// isUAS indicates the receiver originally acted as UAS (so the local tag
// lives in To, the remote tag in From) — mirroring UpdateFromResponse /
// GenerateDialogKey in arzzra-soft_phone's pkg/sip/dialog.
func RequestKey(req *message.Request, isUAS bool) (Key, error) {
	from, err := req.From()
	if err != nil {
		return Key{}, err
	}
	to, err := req.To()
	if err != nil {
		return Key{}, err
	}
	callID := req.CallID()
	if callID == "" {
		return Key{}, errMissingDialogHeader("Call-ID")
	}
	fromTag := from.Tag()
	if fromTag == "" {
		return Key{}, errMissingDialogHeader("From tag")
	}
	toTag := to.Tag()

	if isUAS {
		return Key{CallID: callID, LocalTag: toTag, RemoteTag: fromTag}, nil
	}
	return Key{CallID: callID, LocalTag: fromTag, RemoteTag: toTag}, nil
}

// ResponseKey derives the dialog key for a response to a request this UA
// sent (so the local tag is always in From).
func ResponseKey(resp *message.Response) (Key, error) {
	from, err := resp.From()
	if err != nil {
		return Key{}, err
	}
	to, err := resp.To()
	if err != nil {
		return Key{}, err
	}
	callID := resp.CallID()
	if callID == "" {
		return Key{}, errMissingDialogHeader("Call-ID")
	}
	fromTag := from.Tag()
	if fromTag == "" {
		return Key{}, errMissingDialogHeader("From tag")
	}
	return Key{CallID: callID, LocalTag: fromTag, RemoteTag: to.Tag()}, nil
}

// GenerateTag returns a fresh random local tag (RFC 3261 §19.3: at least
// 32 bits of randomness).
func GenerateTag() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

type missingDialogHeaderError struct{ header string }

func errMissingDialogHeader(h string) error { return &missingDialogHeaderError{header: h} }

func (e *missingDialogHeaderError) Error() string { return "dialog: missing " + e.header }
