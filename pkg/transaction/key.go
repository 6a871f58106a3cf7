package transaction

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/arzzra/corevoip/pkg/message"
)

// MagicCookie marks a branch as usable for transaction matching, RFC 3261 §8.1.1.7.
const MagicCookie = message.MagicCookie

// Key identifies a transaction by branch, method, and direction (RFC 3261
// §17.1.3/§17.2.3); the Via sent-by is not part of the key. An ACK for a
// non-2xx shares its INVITE's branch, so on arrival it is routed to that
// INVITE's server transaction rather than spawning a new one.
type Key struct {
	Branch   string
	Method   string
	IsClient bool
}

func (k Key) String() string {
	dir := "server"
	if k.IsClient {
		dir = "client"
	}
	return k.Branch + "|" + k.Method + "|" + dir
}

// GenerateBranch returns a fresh RFC 3261-compliant branch parameter.
func GenerateBranch() string {
	b := make([]byte, 16)
	rand.Read(b)
	return MagicCookie + hex.EncodeToString(b)
}

// RequestKey returns the matching key a transaction layer uses to look up
// (or create) the transaction responsible for req. isClient selects which
// side's transaction table to consult: true when req is about to be sent
// (a new client transaction), false when req just arrived (find/create a
// server transaction).
func RequestKey(req *message.Request, isClient bool) (Key, error) {
	vias, err := req.Vias()
	if err != nil || len(vias) == 0 {
		return Key{}, fmt.Errorf("transaction: request has no Via")
	}
	branch, ok := vias[0].Branch()
	if !ok {
		return Key{}, fmt.Errorf("transaction: Via branch missing RFC 3261 magic cookie")
	}
	method := req.Method
	// An ACK for a non-2xx final response is matched to its INVITE's server
	// transaction by branch, using method "INVITE" not "ACK" (RFC 3261
	// §17.2.3). Such an ACK already carries the INVITE's branch, so only
	// the method needs mapping.
	if method == message.MethodAck {
		method = message.MethodInvite
	}
	return Key{Branch: branch, Method: method, IsClient: isClient}, nil
}

// ResponseKey returns the client transaction key a response should be
// routed to: its CSeq method and the branch from its (single, topmost) Via.
func ResponseKey(resp *message.Response) (Key, error) {
	vias, err := resp.Vias()
	if err != nil || len(vias) == 0 {
		return Key{}, fmt.Errorf("transaction: response has no Via")
	}
	branch, ok := vias[0].Branch()
	if !ok {
		return Key{}, fmt.Errorf("transaction: Via branch missing RFC 3261 magic cookie")
	}
	cseq, err := resp.CSeq()
	if err != nil {
		return Key{}, fmt.Errorf("transaction: response has no CSeq: %w", err)
	}
	return Key{Branch: branch, Method: cseq.Method, IsClient: true}, nil
}

func isReliableProtocol(protocol string) bool {
	return !strings.EqualFold(protocol, "udp")
}
