package sdp

import (
	"fmt"
	"strconv"
	"strings"
)

// PayloadFormat describes a negotiated codec: clock rate, channel count, and
// nominal packet duration (spec.md §4.1, §4.5).
type PayloadFormat struct {
	PayloadType int
	Name        string // "PCMU", "PCMA", "G722", "opus", "telephone-event", ...
	ClockRate   int
	Channels    int // 0 or 1 means mono
	PacketMS    int // from a=ptime, 0 if unspecified
	FMTP        string
}

// staticPayloadTypes is the RFC 3551 static PT assignment table used when an
// m= line references a PT with no matching a=rtpmap (legal for 0-34).
var staticPayloadTypes = map[int]PayloadFormat{
	0:  {PayloadType: 0, Name: "PCMU", ClockRate: 8000, Channels: 1},
	3:  {PayloadType: 3, Name: "GSM", ClockRate: 8000, Channels: 1},
	4:  {PayloadType: 4, Name: "G723", ClockRate: 8000, Channels: 1},
	8:  {PayloadType: 8, Name: "PCMA", ClockRate: 8000, Channels: 1},
	9:  {PayloadType: 9, Name: "G722", ClockRate: 8000, Channels: 1},
	18: {PayloadType: 18, Name: "G729", ClockRate: 8000, Channels: 1},
}

// PayloadFormats extracts the PayloadFormat for every format listed on the
// m= line, consulting a=rtpmap/a=fmtp/a=ptime and falling back to the
// RFC 3551 static table.
func (m *MediaDescription) PayloadFormats() ([]PayloadFormat, error) {
	rtpmaps := map[int]PayloadFormat{}
	for _, v := range m.AttrAll("rtpmap") {
		pf, pt, err := parseRtpmap(v)
		if err != nil {
			return nil, err
		}
		rtpmaps[pt] = pf
	}
	for _, v := range m.AttrAll("fmtp") {
		fields := strings.SplitN(v, " ", 2)
		if len(fields) != 2 {
			continue
		}
		pt, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		if pf, ok := rtpmaps[pt]; ok {
			pf.FMTP = fields[1]
			rtpmaps[pt] = pf
		}
	}
	ptimeMS := 0
	if v, ok := m.Attr("ptime"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			ptimeMS = n
		}
	}

	out := make([]PayloadFormat, 0, len(m.Formats))
	for _, f := range m.Formats {
		pt, err := strconv.Atoi(f)
		if err != nil {
			continue // telephone-event etc. always arrive as numeric PTs; a
			// non-numeric entry here would indicate a malformed m= line.
		}
		pf, ok := rtpmaps[pt]
		if !ok {
			pf, ok = staticPayloadTypes[pt]
			if !ok {
				return nil, fmt.Errorf("sdp: no rtpmap or static assignment for payload type %d", pt)
			}
		}
		pf.PayloadType = pt
		if pf.PacketMS == 0 {
			pf.PacketMS = ptimeMS
		}
		out = append(out, pf)
	}
	return out, nil
}

func parseRtpmap(v string) (PayloadFormat, int, error) {
	fields := strings.SplitN(v, " ", 2)
	if len(fields) != 2 {
		return PayloadFormat{}, 0, fmt.Errorf("sdp: malformed rtpmap %q", v)
	}
	pt, err := strconv.Atoi(fields[0])
	if err != nil {
		return PayloadFormat{}, 0, fmt.Errorf("sdp: bad rtpmap payload type: %w", err)
	}
	parts := strings.Split(fields[1], "/")
	pf := PayloadFormat{PayloadType: pt, Name: parts[0], Channels: 1}
	if len(parts) >= 2 {
		rate, err := strconv.Atoi(parts[1])
		if err != nil {
			return PayloadFormat{}, 0, fmt.Errorf("sdp: bad rtpmap clock rate: %w", err)
		}
		pf.ClockRate = rate
	}
	if len(parts) >= 3 {
		ch, err := strconv.Atoi(parts[2])
		if err == nil {
			pf.Channels = ch
		}
	}
	// RFC 3551 erratum: G.722 is clocked at 16kHz but RTP timestamps it at
	// 8kHz, a deliberate historical mismatch we must preserve rather than
	// "fix".
	if strings.EqualFold(pf.Name, "G722") && pf.ClockRate == 0 {
		pf.ClockRate = 8000
	}
	return pf, pt, nil
}

// Crypto is a parsed SDES-SRTP "a=crypto" attribute (RFC 4568).
type Crypto struct {
	Tag       int
	Suite     string // "AES_CM_128_HMAC_SHA1_80", ...
	KeyMethod string // "inline"
	KeyB64    string
	Lifetime  string
	MKI       string
}

// CryptoAttrs parses every a=crypto attribute on the media description.
func (m *MediaDescription) CryptoAttrs() ([]Crypto, error) {
	var out []Crypto
	for _, v := range m.AttrAll("crypto") {
		fields := strings.Fields(v)
		if len(fields) < 3 {
			return nil, fmt.Errorf("sdp: malformed crypto attribute %q", v)
		}
		tag, err := strconv.Atoi(fields[0])
		if err != nil {
			return nil, fmt.Errorf("sdp: bad crypto tag: %w", err)
		}
		c := Crypto{Tag: tag, Suite: fields[1]}
		keyParams := strings.SplitN(fields[2], ":", 2)
		if len(keyParams) != 2 {
			return nil, fmt.Errorf("sdp: malformed crypto key-params %q", fields[2])
		}
		c.KeyMethod = keyParams[0]
		keyAndLifetime := strings.Split(keyParams[1], "|")
		c.KeyB64 = keyAndLifetime[0]
		if len(keyAndLifetime) > 1 {
			c.Lifetime = keyAndLifetime[1]
		}
		if len(fields) > 3 {
			c.MKI = strings.Join(fields[3:], " ")
		}
		out = append(out, c)
	}
	return out, nil
}

// Fingerprint is a parsed DTLS-SRTP "a=fingerprint" attribute (RFC 5763).
type Fingerprint struct {
	HashFunc string // "sha-256", ...
	Hex      string
}

// FingerprintAttr returns the first a=fingerprint attribute, if present.
func (m *MediaDescription) FingerprintAttr() (Fingerprint, bool) {
	v, ok := m.Attr("fingerprint")
	if !ok {
		return Fingerprint{}, false
	}
	fields := strings.SplitN(v, " ", 2)
	if len(fields) != 2 {
		return Fingerprint{}, false
	}
	return Fingerprint{HashFunc: fields[0], Hex: fields[1]}, true
}

// SetupRole is the DTLS "a=setup" attribute (RFC 4145 / 5763): active,
// passive, or actpass.
func (m *MediaDescription) SetupRole() (string, bool) {
	return m.Attr("setup")
}

// UsesSRTP reports whether this media description negotiates SRTP, either
// via SDES (a=crypto) or DTLS-SRTP (a=fingerprint + RTP/SAVP-family proto).
func (m *MediaDescription) UsesSRTP() bool {
	if strings.Contains(m.Proto, "SAVP") || strings.Contains(m.Proto, "SAVPF") {
		return true
	}
	if _, hasCrypto := m.Attr("crypto"); hasCrypto {
		return true
	}
	_, hasFingerprint := m.FingerprintAttr()
	return hasFingerprint
}
