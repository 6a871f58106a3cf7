package session

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/arzzra/corevoip/pkg/dtls"
	"github.com/arzzra/corevoip/pkg/rtp"
	"github.com/arzzra/corevoip/pkg/srtp"
)

// dualSRTP satisfies rtp.SecureContext by pairing one Context that
// encrypts this side's sends with a second that decrypts the peer's sends
// — SDES and DTLS-SRTP both negotiate independent keys per direction (RFC
// 3711 §8.1, RFC 5764 §4.2), so a single Context is never enough.
type dualSRTP struct {
	out *srtp.Context
	in  *srtp.Context
}

func (d *dualSRTP) ProtectRTP(header, payload []byte, ssrc uint32, seq uint16) ([]byte, error) {
	return d.out.EncryptRTP(header, payload, ssrc, seq)
}

func (d *dualSRTP) UnprotectRTP(packet []byte, headerLen int, ssrc uint32, seq uint16) ([]byte, error) {
	return d.in.DecryptRTP(packet, headerLen, ssrc, seq)
}

var _ rtp.SecureContext = (*dualSRTP)(nil)

// sdesKeyPair generates a fresh local SDES (RFC 4568) master key/salt and
// returns the base64 inline string to place on our own a=crypto line.
func sdesKeyPair() (masterKey, masterSalt []byte, inlineB64 string, err error) {
	buf := make([]byte, 30)
	if _, err := rand.Read(buf); err != nil {
		return nil, nil, "", fmt.Errorf("session: generate srtp key material: %w", err)
	}
	return buf[:16], buf[16:30], base64.StdEncoding.EncodeToString(buf), nil
}

func decodeSDESInline(inlineB64 string) (masterKey, masterSalt []byte, err error) {
	raw, err := base64.StdEncoding.DecodeString(inlineB64)
	if err != nil {
		return nil, nil, fmt.Errorf("session: decode sdes key: %w", err)
	}
	if len(raw) < 30 {
		return nil, nil, fmt.Errorf("session: sdes key material too short")
	}
	return raw[:16], raw[16:30], nil
}

// localCert is this process's self-signed DTLS identity certificate, lazily
// generated once: the handshake (pkg/dtls) never validates the peer's
// certificate, so a single long-lived key pair per process is sufficient
// (spec.md §4.8's "self-signed supported").
var (
	localCertOnce    sync.Once
	localFingerprint string
)

func ensureLocalCertificate() string {
	localCertOnce.Do(func() {
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return
		}
		tmpl := &x509.Certificate{
			SerialNumber: big.NewInt(1),
			Subject:      pkix.Name{CommonName: "corevoip"},
			NotBefore:    time.Now().Add(-time.Hour),
			NotAfter:     time.Now().Add(24 * time.Hour),
		}
		der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
		if err != nil {
			return
		}
		sum := sha256.Sum256(der)
		localFingerprint = fingerprintHex(sum[:])
	})
	return localFingerprint
}

func fingerprintHex(sum []byte) string {
	hexStr := hex.EncodeToString(sum)
	parts := make([]string, len(sum))
	for i := 0; i < len(sum); i++ {
		parts[i] = strings.ToUpper(hexStr[i*2 : i*2+2])
	}
	return strings.Join(parts, ":")
}

// runDTLSClient drives the DTLS-SRTP handshake to completion as the DTLS
// client, the only role pkg/dtls implements (see DESIGN.md): this module
// always takes the client role for DTLS-SRTP regardless of the negotiated
// a=setup direction. It returns the keying material split into the local
// (client write) and remote (server write) SRTP master key/salt pairs.
func runDTLSClient(media *rtp.Session) (*dtls.SRTPKeys, error) {
	h, err := dtls.NewHandshake(dtls.RoleClient, []dtls.SRTPProtectionProfile{dtls.ProfileAES128CMHMACSHA1_80})
	if err != nil {
		return nil, err
	}

	hello, err := h.ClientHello()
	if err != nil {
		return nil, err
	}
	if err := media.SendRaw(marshalDTLSRecord(22, hello)); err != nil {
		return nil, err
	}

	for {
		ev, ok := <-media.DTLSEvents()
		if !ok {
			return nil, fmt.Errorf("session: dtls transport closed before handshake completed")
		}
		if ev.Err != nil {
			return nil, ev.Err
		}
		contentType, payload, err := parseDTLSRecord(ev.Data)
		if err != nil {
			continue // malformed/partial record, wait for the next
		}
		if contentType == 20 {
			continue // ChangeCipherSpec marker, no action needed
		}
		f, err := parseHandshakeFragment(payload)
		if err != nil {
			continue
		}

		switch f.msgType {
		case dtls.MsgHelloVerifyRequest:
			cookie, cerr := parseHelloVerifyCookie(f.body)
			if cerr != nil {
				return nil, cerr
			}
			next, herr := h.OnHelloVerifyRequest(cookie)
			if herr != nil {
				return nil, herr
			}
			if err := media.SendRaw(marshalDTLSRecord(22, next)); err != nil {
				return nil, err
			}
		case dtls.MsgServerHello:
			if err := h.OnServerHello(f.body); err != nil {
				return nil, err
			}
		case dtls.MsgCertificate:
			// not validated by this reduced handshake
		case dtls.MsgServerKeyExchange:
			if err := h.OnServerKeyExchange(f.body); err != nil {
				return nil, err
			}
		case dtls.MsgServerHelloDone:
			flight, ferr := h.OnServerHelloDone(f.body)
			if ferr != nil {
				return nil, ferr
			}
			if err := media.SendRaw(marshalDTLSRecord(22, flight[0])); err != nil {
				return nil, err
			}
			if err := media.SendRaw(marshalDTLSRecord(20, flight[1])); err != nil {
				return nil, err
			}
			if err := media.SendRaw(marshalDTLSRecord(22, flight[2])); err != nil {
				return nil, err
			}
		case dtls.MsgFinished:
			if err := h.OnPeerFinished(f.body); err != nil {
				return nil, err
			}
			return h.DeriveSRTPKeys()
		}
	}
}

// marshalDTLSRecord wraps an already-fragment-encoded handshake message (or
// the single-byte ChangeCipherSpec body) in this driver's minimal record
// framing: contentType(1) || length(2, big-endian) || payload. pkg/dtls
// only models the handshake message layer, so the outer record layer lives
// here at the transport-driving edge (spec.md §4.8's record-layer bullet).
func marshalDTLSRecord(contentType byte, payload []byte) []byte {
	buf := make([]byte, 3+len(payload))
	buf[0] = contentType
	buf[1] = byte(len(payload) >> 8)
	buf[2] = byte(len(payload))
	copy(buf[3:], payload)
	return buf
}

func parseDTLSRecord(buf []byte) (contentType byte, payload []byte, err error) {
	if len(buf) < 3 {
		return 0, nil, fmt.Errorf("session: dtls record too short")
	}
	length := int(buf[1])<<8 | int(buf[2])
	if 3+length > len(buf) {
		return 0, nil, fmt.Errorf("session: dtls record length exceeds buffer")
	}
	return buf[0], buf[3 : 3+length], nil
}

// handshakeFragment mirrors pkg/dtls's unexported fragment wire format
// (RFC 6347 §4.2.2: msgType(1) || length(3) || messageSeq(2) ||
// fragmentOffset(3) || fragmentLength(3) || body) so this driver can read
// msgType/body off the wire without pkg/dtls exporting its internals. This
// driver only ever sees complete, unfragmented messages (the handshake
// bodies here all fit in one UDP datagram), so reassembly is left to
// pkg/dtls's own (unused, single-shot) reassembler.
type handshakeFragment struct {
	msgType dtls.HandshakeMessageType
	body    []byte
}

func parseHandshakeFragment(buf []byte) (handshakeFragment, error) {
	if len(buf) < 12 {
		return handshakeFragment{}, fmt.Errorf("session: dtls handshake fragment too short")
	}
	length := int(buf[1])<<16 | int(buf[2])<<8 | int(buf[3])
	fragLen := int(buf[9])<<16 | int(buf[10])<<8 | int(buf[11])
	if length != fragLen || 12+fragLen > len(buf) {
		return handshakeFragment{}, fmt.Errorf("session: dtls handshake fragment incomplete")
	}
	return handshakeFragment{msgType: dtls.HandshakeMessageType(buf[0]), body: buf[12 : 12+fragLen]}, nil
}

// parseHelloVerifyCookie extracts the cookie from a HelloVerifyRequest
// body: server_version(2) || cookie_length(1) || cookie (RFC 6347 §4.2.1).
func parseHelloVerifyCookie(body []byte) ([]byte, error) {
	if len(body) < 3 {
		return nil, fmt.Errorf("session: HelloVerifyRequest too short")
	}
	n := int(body[2])
	if 3+n > len(body) {
		return nil, fmt.Errorf("session: HelloVerifyRequest cookie truncated")
	}
	return body[3 : 3+n], nil
}
