// Package srtp implements RFC 3711 SRTP/SRTCP: AES-CM encryption,
// HMAC-SHA1 message authentication, session-key derivation from a master
// key/salt, rollover-counter tracking, and replay protection (spec
// component C7). Grounded directly on the key-derivation and AES-CM/HMAC
// primitives of a pion/webrtc-derived SRTP context implementation found in
// the example pack (see DESIGN.md) — there is no teacher SRTP
// implementation to build from, since the teacher treats DTLS/SRTP as an
// opaque pion-provided tunnel rather than building the protocol itself.
package srtp

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/arzzra/corevoip/pkg/metrics"
)

// RFC 3711 §4.3.2 key-derivation labels.
const (
	labelSRTPEncryption  byte = 0x00
	labelSRTPAuth        byte = 0x01
	labelSRTPSalt        byte = 0x02
	labelSRTCPEncryption byte = 0x03
	labelSRTCPAuth       byte = 0x04
	labelSRTCPSalt       byte = 0x05
)

const (
	masterKeyLen  = 16
	masterSaltLen = 14
	authTagSize   = 10 // HMAC-SHA1-80, the mandatory-to-implement profile

	// maxROCDisorder bounds how far a sequence number may appear to run
	// "backwards" before a rollover is inferred (RFC 3711 §3.3.1's guard
	// against index-estimation ambiguity near a ROC boundary).
	maxROCDisorder = 100

	replayWindowSize = 64
)

var (
	ErrBadKeyLen      = errors.New("srtp: master key must be 16 bytes")
	ErrBadSaltLen     = errors.New("srtp: master salt must be 14 bytes")
	ErrAuthFailed     = errors.New("srtp: authentication tag mismatch")
	ErrReplay         = errors.New("srtp: packet replayed or too old")
	ErrPacketTooShort = errors.New("srtp: packet shorter than header + auth tag")
)

// ssrcState is the per-SSRC rollover/replay state, RFC 3711 §3.3.1.
type ssrcState struct {
	rolloverCounter uint32
	initialized     bool
	highestSeq      uint16
	replayWindow    uint64 // bit i set means (highestSeq - i) has been seen
}

// estimateIndex computes the 48-bit packet index (ROC<<16 | seq) for seq
// against the current rollover/replay state, per RFC 3711 §3.3.1's
// estimation procedure, and reports whether the packet is new enough to
// be a replay-check candidate. It does not mutate state — RFC 3711 §3.3
// only updates ROC/replay state after the packet authenticates, so the
// caller must verify the MAC first and call commit with this same index
// only on success. Computing (and discarding) the index for a
// never-authenticated packet must never be allowed to slide the window.
func (s *ssrcState) estimateIndex(seq uint16) (index uint64, ok bool) {
	if !s.initialized {
		return uint64(seq), true
	}

	roc := s.rolloverCounter
	delta := int32(seq) - int32(s.highestSeq)
	switch {
	case delta > 0 && delta < 1<<15:
		// forward, no wrap
	case delta <= -(1 << 15) || (delta > 0 && seq < s.highestSeq && delta > maxROCDisorder):
		roc++
	case delta < 0 && -delta < 1<<15:
		// small step backward within the current ROC, handled by replay check below
	case s.highestSeq > 0xffff-maxROCDisorder && seq < maxROCDisorder:
		roc++
	}

	idx := uint64(roc)<<16 | uint64(seq)
	highIdx := uint64(s.rolloverCounter)<<16 | uint64(s.highestSeq)

	if idx > highIdx {
		return idx, true
	}

	back := highIdx - idx
	if back >= replayWindowSize {
		return idx, false
	}
	bit := uint64(1) << back
	if s.replayWindow&bit != 0 {
		return idx, false
	}
	return idx, true
}

// commit records a packet at index/seq as received, advancing the
// rollover counter, highest-seen sequence number, and replay window.
// Call only once that packet has passed authentication.
func (s *ssrcState) commit(seq uint16, index uint64) {
	if !s.initialized {
		s.initialized = true
		s.highestSeq = seq
		s.replayWindow = 1
		return
	}

	roc := uint32(index >> 16)
	highIdx := uint64(s.rolloverCounter)<<16 | uint64(s.highestSeq)

	if index > highIdx {
		shift := index - highIdx
		if shift >= replayWindowSize {
			s.replayWindow = 1
		} else {
			s.replayWindow = (s.replayWindow << shift) | 1
		}
		s.highestSeq = seq
		s.rolloverCounter = roc
		return
	}

	back := highIdx - index
	if back < replayWindowSize {
		s.replayWindow |= uint64(1) << back
	}
}

// Context holds one direction's (encrypt-only or decrypt-only) derived
// session keys for both SRTP and SRTCP, plus per-SSRC rollover/replay
// state (RFC 3711 §3.2, §3.3).
type Context struct {
	mu sync.Mutex

	masterKey  []byte
	masterSalt []byte

	srtpBlock    cipher.Block
	srtpSalt     []byte
	srtpAuthKey  []byte

	srtcpBlock   cipher.Block
	srtcpSalt    []byte
	srtcpAuthKey []byte
	srtcpIndex   uint32

	ssrcStates map[uint32]*ssrcState

	metrics *metrics.Registry
}

// NewContext derives SRTP/SRTCP session keys from a 16-byte master key and
// 14-byte master salt (as produced by SDES or the DTLS-SRTP exporter).
func NewContext(masterKey, masterSalt []byte) (*Context, error) {
	c := &Context{ssrcStates: make(map[uint32]*ssrcState), metrics: metrics.Disabled()}
	if err := c.Rekey(masterKey, masterSalt); err != nil {
		return nil, err
	}
	return c, nil
}

// SetMetrics attaches the registry this context reports authentication
// failures and replay drops through. Pass nil to disable.
func (c *Context) SetMetrics(r *metrics.Registry) {
	if r == nil {
		r = metrics.Disabled()
	}
	c.mu.Lock()
	c.metrics = r
	c.mu.Unlock()
}

func (c *Context) metricsRegistry() *metrics.Registry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

// Rekey replaces the session's master key/salt and re-derives every SRTP
// and SRTCP subkey from them (RFC 3711 §8.1's key-derivation function run
// against a fresh master key, used here for application-driven rekeying
// rather than the KDR-based automatic rollover RFC 3711 also allows,
// which this package does not implement — spec.md §4.7 names
// time/packet-count-triggered rekeying as a session-layer decision, not a
// per-packet one). Per-SSRC rollover counters and replay windows are
// reset, since a new master key starts a new cryptographic context and
// the old sequence-number history no longer applies to it.
func (c *Context) Rekey(masterKey, masterSalt []byte) error {
	if len(masterKey) != masterKeyLen {
		return ErrBadKeyLen
	}
	if len(masterSalt) != masterSaltLen {
		return ErrBadSaltLen
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.masterKey = append([]byte(nil), masterKey...)
	c.masterSalt = append([]byte(nil), masterSalt...)

	srtpKey, err := c.deriveKey(labelSRTPEncryption, masterKeyLen)
	if err != nil {
		return err
	}
	if c.srtpBlock, err = aes.NewCipher(srtpKey); err != nil {
		return err
	}
	if c.srtpSalt, err = c.deriveKey(labelSRTPSalt, masterSaltLen); err != nil {
		return err
	}
	if c.srtpAuthKey, err = c.deriveAuthKey(labelSRTPAuth); err != nil {
		return err
	}

	srtcpKey, err := c.deriveKey(labelSRTCPEncryption, masterKeyLen)
	if err != nil {
		return err
	}
	if c.srtcpBlock, err = aes.NewCipher(srtcpKey); err != nil {
		return err
	}
	if c.srtcpSalt, err = c.deriveKey(labelSRTCPSalt, masterSaltLen); err != nil {
		return err
	}
	if c.srtcpAuthKey, err = c.deriveAuthKey(labelSRTCPAuth); err != nil {
		return err
	}
	c.srtcpIndex = 0
	c.ssrcStates = make(map[uint32]*ssrcState)

	return nil
}

// deriveKey implements RFC 3711 Appendix B.3's AES-CM key derivation:
// r=0 (no key-derivation-rate rollover tracked; spec.md treats KDR as
// always-zero, matching the session-key-per-handshake model), so the
// input block is simply master_salt XOR (label || zeros), zero-padded to
// 16 bytes and AES-encrypted under the master key.
func (c *Context) deriveKey(label byte, outLen int) ([]byte, error) {
	block, err := aes.NewCipher(c.masterKey)
	if err != nil {
		return nil, err
	}
	in := make([]byte, 16)
	copy(in, c.masterSalt)
	in[7] ^= label
	out := make([]byte, 16)
	block.Encrypt(out, in)
	if outLen > len(out) {
		return nil, fmt.Errorf("srtp: derived key shorter than requested %d bytes", outLen)
	}
	return out[:outLen], nil
}

// deriveAuthKey derives the 20-byte HMAC-SHA1 key, which needs two AES
// blocks since it's longer than one cipher block (RFC 3711 Appendix B.3).
func (c *Context) deriveAuthKey(label byte) ([]byte, error) {
	block, err := aes.NewCipher(c.masterKey)
	if err != nil {
		return nil, err
	}
	mk := func(index uint16) []byte {
		in := make([]byte, 16)
		copy(in, c.masterSalt)
		in[7] ^= label
		in[14] ^= byte(index >> 8)
		in[15] ^= byte(index)
		out := make([]byte, 16)
		block.Encrypt(out, in)
		return out
	}
	first := mk(0)
	second := mk(1)
	return append(first, second[:4]...), nil
}

// counterIV builds the 16-byte AES-CM initial counter block for a given
// SSRC and packet index, RFC 3711 §4.1.1: IV = (salt << 16) XOR (ssrc <<
// 64) XOR (index << 16).
func counterIV(salt []byte, ssrc uint32, index uint64) []byte {
	iv := make([]byte, 16)
	binary.BigEndian.PutUint32(iv[4:8], ssrc)
	binary.BigEndian.PutUint32(iv[8:12], uint32(index>>16))
	binary.BigEndian.PutUint16(iv[12:14], uint16(index))
	for i, b := range salt {
		iv[i] ^= b
	}
	return iv
}

func aesCTR(block cipher.Block, iv, data []byte) []byte {
	out := make([]byte, len(data))
	stream := cipher.NewCTR(block, iv)
	stream.XORKeyStream(out, data)
	return out
}

func hmacTag(key, data []byte) []byte {
	mac := hmac.New(sha1.New, key)
	mac.Write(data)
	return mac.Sum(nil)[:authTagSize]
}

// EncryptRTP encrypts and authenticates one RTP packet (header
// unencrypted, payload encrypted, ROC-aware auth tag appended), returning
// the full SRTP packet bytes. header must be the already-marshaled 12+
// byte RTP header/CSRC/extension prefix; payload is the cleartext RTP
// payload (RFC 3711 §3.1, §4.2).
func (c *Context) EncryptRTP(header, payload []byte, ssrc uint32, seq uint16) ([]byte, error) {
	c.mu.Lock()
	st := c.ssrcState(ssrc)
	index, _ := st.estimateIndex(seq)
	st.commit(seq, index)
	c.mu.Unlock()

	iv := counterIV(c.srtpSalt, ssrc, index)
	cipherText := aesCTR(c.srtpBlock, iv, payload)

	out := make([]byte, 0, len(header)+len(cipherText)+4+authTagSize)
	out = append(out, header...)
	out = append(out, cipherText...)

	roc := make([]byte, 4)
	binary.BigEndian.PutUint32(roc, uint32(index>>16))
	tag := hmacTag(c.srtpAuthKey, append(append([]byte(nil), out...), roc...))
	out = append(out, tag...)
	return out, nil
}

// DecryptRTP verifies and decrypts an SRTP packet, given its already-parsed
// header length (the offset where the encrypted payload begins).
func (c *Context) DecryptRTP(packet []byte, headerLen int, ssrc uint32, seq uint16) (payload []byte, err error) {
	if len(packet) < headerLen+authTagSize {
		return nil, ErrPacketTooShort
	}
	body := packet[:len(packet)-authTagSize]
	gotTag := packet[len(packet)-authTagSize:]

	c.mu.Lock()
	st := c.ssrcState(ssrc)
	index, ok := st.estimateIndex(seq)
	c.mu.Unlock()
	if !ok {
		c.metricsRegistry().SRTPReplayDrop()
		return nil, ErrReplay
	}

	roc := make([]byte, 4)
	binary.BigEndian.PutUint32(roc, uint32(index>>16))
	wantTag := hmacTag(c.srtpAuthKey, append(append([]byte(nil), body...), roc...))
	if !bytes.Equal(gotTag, wantTag) {
		c.metricsRegistry().SRTPAuthFailure()
		return nil, ErrAuthFailed
	}

	c.mu.Lock()
	st.commit(seq, index)
	c.mu.Unlock()

	iv := counterIV(c.srtpSalt, ssrc, index)
	return aesCTR(c.srtpBlock, iv, body[headerLen:]), nil
}

// EncryptRTCP encrypts an SRTCP packet per RFC 3711 §3.4/§4.3.2: an
// encrypted flag bit and 31-bit index are appended before the auth tag,
// which covers the compound packet plus that trailing E-flag/index word.
func (c *Context) EncryptRTCP(compound []byte, ssrc uint32) ([]byte, error) {
	c.mu.Lock()
	index := c.srtcpIndex
	c.srtcpIndex++
	c.mu.Unlock()

	iv := counterIV(c.srtcpSalt, ssrc, uint64(index))
	// First 8 bytes (header + SSRC) stay in the clear, matching RFC
	// 3711's requirement that the RTCP header remain unencrypted.
	cipherText := aesCTR(c.srtcpBlock, iv, compound[8:])

	out := make([]byte, 0, len(compound)+4+authTagSize)
	out = append(out, compound[:8]...)
	out = append(out, cipherText...)

	indexWord := make([]byte, 4)
	binary.BigEndian.PutUint32(indexWord, index|0x80000000) // E=1
	out = append(out, indexWord...)

	tag := hmacTag(c.srtcpAuthKey, out)
	return append(out, tag...), nil
}

// DecryptRTCP verifies and decrypts an SRTCP packet built by EncryptRTCP.
func (c *Context) DecryptRTCP(packet []byte, ssrc uint32) ([]byte, error) {
	if len(packet) < 8+4+authTagSize {
		return nil, ErrPacketTooShort
	}
	body := packet[:len(packet)-authTagSize]
	gotTag := packet[len(packet)-authTagSize:]
	wantTag := hmacTag(c.srtcpAuthKey, body)
	if !bytes.Equal(gotTag, wantTag) {
		c.metricsRegistry().SRTPAuthFailure()
		return nil, ErrAuthFailed
	}

	indexWord := binary.BigEndian.Uint32(body[len(body)-4:])
	index := indexWord &^ 0x80000000
	encrypted := indexWord&0x80000000 != 0
	cipherPart := body[8 : len(body)-4]

	if !encrypted {
		out := append([]byte(nil), packet[:8]...)
		return append(out, cipherPart...), nil
	}
	iv := counterIV(c.srtcpSalt, ssrc, uint64(index))
	plain := aesCTR(c.srtcpBlock, iv, cipherPart)
	out := append([]byte(nil), packet[:8]...)
	return append(out, plain...), nil
}

func (c *Context) ssrcState(ssrc uint32) *ssrcState {
	st, ok := c.ssrcStates[ssrc]
	if !ok {
		st = &ssrcState{}
		c.ssrcStates[ssrc] = st
	}
	return st
}
