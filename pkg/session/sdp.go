package session

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	sdppkg "github.com/arzzra/corevoip/pkg/sdp"
	"github.com/arzzra/corevoip/pkg/srtp"
)

// SecurityMode records how (if at all) a negotiated media stream is secured.
type SecurityMode int

const (
	SecurityNone SecurityMode = iota
	SecuritySDES
	SecurityDTLS
)

func sessionOrigin(host string) sdppkg.Origin {
	return sdppkg.Origin{
		Username: "-", SessionID: "0", SessionVersion: "0",
		NetType: "IN", AddrType: "IP4", Address: host,
	}
}

// buildOffer constructs this session's own initial SDP offer, advertising
// every registered format and (per cfg.Security) a security attribute the
// answerer may accept (spec.md §4.9).
func (s *Session) buildOffer() (*sdppkg.Session, error) {
	host, port, err := splitHostPort(s.media.LocalAddr().String())
	if err != nil {
		return nil, err
	}

	md := &sdppkg.MediaDescription{
		Type: "audio", Port: port, Proto: "RTP/AVP",
	}
	for _, f := range s.cfg.Registry.Formats() {
		md.Formats = append(md.Formats, strconv.Itoa(int(f.PayloadType())))
		md.Attributes = append(md.Attributes, sdppkg.Attribute{
			Name: "rtpmap", Value: fmt.Sprintf("%d %s/%d", f.PayloadType(), f.Name(), f.ClockRate()),
		})
	}
	md.Attributes = append(md.Attributes, sdppkg.Attribute{Name: "sendrecv"})

	switch s.cfg.Security {
	case SecuritySDES:
		_, _, inline, err := sdesKeyPair()
		if err != nil {
			return nil, err
		}
		s.localSDES = inline
		md.Proto = "RTP/SAVP"
		md.Attributes = append(md.Attributes, sdppkg.Attribute{
			Name: "crypto", Value: "1 AES_CM_128_HMAC_SHA1_80 inline:" + inline,
		})
	case SecurityDTLS:
		md.Proto = "RTP/SAVP"
		md.Attributes = append(md.Attributes, sdppkg.Attribute{Name: "setup", Value: "actpass"})
		md.Attributes = append(md.Attributes, sdppkg.Attribute{Name: "fingerprint", Value: "sha-256 " + ensureLocalCertificate()})
	}

	sess := &sdppkg.Session{
		Version:    0,
		Origin:     sessionOrigin(host),
		Name:       "corevoip",
		Connection: &sdppkg.Connection{NetType: "IN", AddrType: "IP4", Address: host},
		MediaDescs: []*sdppkg.MediaDescription{md},
	}
	return sess, nil
}

// negotiateAnswer picks a single mutually-supported codec from offer,
// decides whether SRTP is required, and builds the matching answer SDP
// (spec.md §4.9: computes an answer selecting a single codec, configuring
// SRTP if the offer carried a=crypto or a=fingerprint).
func (s *Session) negotiateAnswer(offer *sdppkg.Session) (*sdppkg.Session, sdppkg.PayloadFormat, error) {
	if len(offer.MediaDescs) == 0 {
		return nil, sdppkg.PayloadFormat{}, fmt.Errorf("session: offer has no media descriptions")
	}
	om := offer.MediaDescs[0]

	offered, err := om.PayloadFormats()
	if err != nil {
		return nil, sdppkg.PayloadFormat{}, fmt.Errorf("session: parse offered formats: %w", err)
	}

	var chosen *sdppkg.PayloadFormat
	var teleEvent *sdppkg.PayloadFormat
	for i := range offered {
		if offered[i].Name == "telephone-event" {
			teleEvent = &offered[i]
			continue
		}
		if chosen == nil && s.cfg.Registry.Lookup(uint8(offered[i].PayloadType)) != nil {
			chosen = &offered[i]
		}
	}
	if chosen == nil {
		return nil, sdppkg.PayloadFormat{}, fmt.Errorf("session: no mutually supported codec in offer")
	}

	host, port, err := splitHostPort(s.media.LocalAddr().String())
	if err != nil {
		return nil, sdppkg.PayloadFormat{}, err
	}

	md := &sdppkg.MediaDescription{
		Type: "audio", Port: port, Proto: om.Proto,
		Formats: []string{strconv.Itoa(chosen.PayloadType)},
	}
	md.Attributes = append(md.Attributes, sdppkg.Attribute{
		Name: "rtpmap", Value: fmt.Sprintf("%d %s/%d", chosen.PayloadType, chosen.Name, chosen.ClockRate),
	})
	if teleEvent != nil {
		md.Formats = append(md.Formats, strconv.Itoa(teleEvent.PayloadType))
		md.Attributes = append(md.Attributes, sdppkg.Attribute{
			Name: "rtpmap", Value: fmt.Sprintf("%d telephone-event/%d", teleEvent.PayloadType, teleEvent.ClockRate),
		})
	}
	md.Attributes = append(md.Attributes, sdppkg.Attribute{Name: "sendrecv"})

	security := SecurityNone
	if fp, ok := om.FingerprintAttr(); ok {
		_ = fp
		security = SecurityDTLS
		md.Attributes = append(md.Attributes, sdppkg.Attribute{Name: "setup", Value: "active"})
		md.Attributes = append(md.Attributes, sdppkg.Attribute{Name: "fingerprint", Value: "sha-256 " + ensureLocalCertificate()})
	} else if cryptos, cerr := om.CryptoAttrs(); cerr == nil && len(cryptos) > 0 {
		security = SecuritySDES
		_, _, inline, kerr := sdesKeyPair()
		if kerr != nil {
			return nil, sdppkg.PayloadFormat{}, kerr
		}
		s.localSDES = inline
		s.remoteSDES = cryptos[0].KeyB64
		md.Attributes = append(md.Attributes, sdppkg.Attribute{
			Name: "crypto", Value: fmt.Sprintf("%d AES_CM_128_HMAC_SHA1_80 inline:%s", cryptos[0].Tag, inline),
		})
	} else if strings.Contains(om.Proto, "SAVP") {
		// RTP/SAVP offered with neither a=crypto nor a=fingerprint: nothing
		// to key SRTP from, so fall back to plain RTP in the answer.
		md.Proto = "RTP/AVP"
	}
	s.negotiatedSecurity = security

	answer := &sdppkg.Session{
		Version:    0,
		Origin:     sessionOrigin(host),
		Name:       "corevoip",
		Connection: &sdppkg.Connection{NetType: "IN", AddrType: "IP4", Address: host},
		MediaDescs: []*sdppkg.MediaDescription{md},
	}
	return answer, *chosen, nil
}

// applyRemoteMedia binds the negotiated remote endpoint and, once both
// sides' security attributes are known, arms SRTP (SDES) or starts the
// DTLS-SRTP handshake.
func (s *Session) applyRemoteMedia(remote *sdppkg.Session, isAnswer bool) error {
	if len(remote.MediaDescs) == 0 {
		return fmt.Errorf("session: remote SDP has no media descriptions")
	}
	rm := remote.MediaDescs[0]
	host := remote.Origin.Address
	if remote.Connection != nil {
		host = remote.Connection.Address
	}
	if rm.Connection != nil {
		host = rm.Connection.Address
	}
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, strconv.Itoa(rm.Port)))
	if err != nil {
		return fmt.Errorf("session: resolve remote media address: %w", err)
	}
	s.media.SetRemoteAddr(addr)

	if isAnswer {
		if _, ok := rm.FingerprintAttr(); ok {
			s.negotiatedSecurity = SecurityDTLS
		} else if cryptos, cerr := rm.CryptoAttrs(); cerr == nil && len(cryptos) > 0 {
			s.negotiatedSecurity = SecuritySDES
			s.remoteSDES = cryptos[0].KeyB64
		} else {
			s.negotiatedSecurity = SecurityNone
		}
	}

	switch s.negotiatedSecurity {
	case SecuritySDES:
		return s.armSDES()
	case SecurityDTLS:
		go s.runDTLSAndArm()
	}
	return nil
}

func (s *Session) armSDES() error {
	localKey, localSalt, err := decodeSDESInline(s.localSDES)
	if err != nil {
		return err
	}
	remoteKey, remoteSalt, err := decodeSDESInline(s.remoteSDES)
	if err != nil {
		return err
	}
	out, err := srtp.NewContext(localKey, localSalt)
	if err != nil {
		return err
	}
	in, err := srtp.NewContext(remoteKey, remoteSalt)
	if err != nil {
		return err
	}
	out.SetMetrics(s.cfg.Metrics)
	in.SetMetrics(s.cfg.Metrics)
	s.media.SetSecureContext(&dualSRTP{out: out, in: in})
	return nil
}

// runDTLSAndArm drives the client-role DTLS-SRTP handshake to completion
// and installs the resulting keys, logging and emitting a Warning on
// failure rather than tearing down the call outright (spec.md §4.9: DTLS
// failures degrade to an observable condition, not a hard media loss).
func (s *Session) runDTLSAndArm() {
	start := time.Now()
	keys, err := runDTLSClient(s.media)
	if err != nil {
		s.cfg.Metrics.DTLSHandshakeCompleted(false, time.Since(start))
		s.log.Warn().Err(err).Msg("dtls-srtp handshake failed")
		s.emit(Event{Type: EventWarning, Data: Warning{Kind: WarningMediaInactive, Msg: "dtls-srtp handshake failed: " + err.Error()}})
		return
	}
	s.cfg.Metrics.DTLSHandshakeCompleted(true, time.Since(start))
	out, err := srtp.NewContext(keys.ClientWriteKey, keys.ClientWriteSalt)
	if err != nil {
		s.log.Warn().Err(err).Msg("dtls-srtp derive local srtp context failed")
		return
	}
	in, err := srtp.NewContext(keys.ServerWriteKey, keys.ServerWriteSalt)
	if err != nil {
		s.log.Warn().Err(err).Msg("dtls-srtp derive remote srtp context failed")
		return
	}
	out.SetMetrics(s.cfg.Metrics)
	in.SetMetrics(s.cfg.Metrics)
	s.media.SetSecureContext(&dualSRTP{out: out, in: in})
}

func splitHostPort(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, fmt.Errorf("session: split local media address: %w", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("session: parse local media port: %w", err)
	}
	return host, port, nil
}
