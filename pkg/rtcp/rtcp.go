// Package rtcp implements the RFC 3550 control protocol: Sender/Receiver
// Reports, Source Description, Goodbye, Application-Defined, and the RFC
// 3611 Extended Report VoIP Metrics block, plus compound-packet
// construction and the randomized transmission interval of §6.2 and
// Appendix A.7; timer reconsideration is not implemented (spec component C6). Hand-rolled rather than github.com/pion/rtcp for
// the same reason as pkg/rtp: this wire codec is the deliverable, not a
// dependency-wrapping exercise (see DESIGN.md).
package rtcp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Packet types, RFC 3550 §6.1 plus RFC 3611's Extended Report.
const (
	TypeSR   uint8 = 200
	TypeRR   uint8 = 201
	TypeSDES uint8 = 202
	TypeBYE  uint8 = 203
	TypeAPP  uint8 = 204
	TypeXR   uint8 = 207
)

// SDES item types, RFC 3550 §6.5.
const (
	SDESCNAME uint8 = 1
	SDESName  uint8 = 2
	SDESEmail uint8 = 3
	SDESPhone uint8 = 4
	SDESLoc   uint8 = 5
	SDESTool  uint8 = 6
	SDESNote  uint8 = 7
	SDESPriv  uint8 = 8
)

var (
	ErrPacketTooShort = errors.New("rtcp: packet shorter than its declared length")
	ErrWrongType      = errors.New("rtcp: packet type mismatch")
	ErrBadVersion     = errors.New("rtcp: unsupported version")
)

// Header is the common 4-byte RTCP header (RFC 3550 §6.1).
type Header struct {
	Padding bool
	Count   uint8 // reception report count or source count
	Type    uint8
	Length  uint16 // in 32-bit words, minus one
}

func decodeHeader(b []byte) (Header, error) {
	if len(b) < 4 {
		return Header{}, ErrPacketTooShort
	}
	if b[0]>>6 != 2 {
		return Header{}, ErrBadVersion
	}
	return Header{
		Padding: (b[0]>>5)&1 == 1,
		Count:   b[0] & 0x1f,
		Type:    b[1],
		Length:  binary.BigEndian.Uint16(b[2:4]),
	}, nil
}

func encodeHeader(buf []byte, count uint8, typ uint8, lengthWords uint16) {
	buf[0] = (2 << 6) | (count & 0x1f)
	buf[1] = typ
	binary.BigEndian.PutUint16(buf[2:4], lengthWords)
}

// ReceptionReport is one RFC 3550 §6.4.1 report block, shared by SR and RR.
type ReceptionReport struct {
	SSRC             uint32
	FractionLost     uint8
	CumulativeLost   uint32 // 24-bit value
	HighestSeqNum    uint32 // extended highest sequence number received
	Jitter           uint32
	LastSR           uint32
	DelaySinceLastSR uint32
}

const reportBlockLen = 24

func marshalReportBlock(buf []byte, r ReceptionReport) {
	binary.BigEndian.PutUint32(buf[0:4], r.SSRC)
	buf[4] = r.FractionLost
	lost := r.CumulativeLost & 0x00ffffff
	buf[5] = byte(lost >> 16)
	buf[6] = byte(lost >> 8)
	buf[7] = byte(lost)
	binary.BigEndian.PutUint32(buf[8:12], r.HighestSeqNum)
	binary.BigEndian.PutUint32(buf[12:16], r.Jitter)
	binary.BigEndian.PutUint32(buf[16:20], r.LastSR)
	binary.BigEndian.PutUint32(buf[20:24], r.DelaySinceLastSR)
}

func unmarshalReportBlock(buf []byte) ReceptionReport {
	return ReceptionReport{
		SSRC:             binary.BigEndian.Uint32(buf[0:4]),
		FractionLost:     buf[4],
		CumulativeLost:   uint32(buf[5])<<16 | uint32(buf[6])<<8 | uint32(buf[7]),
		HighestSeqNum:    binary.BigEndian.Uint32(buf[8:12]),
		Jitter:           binary.BigEndian.Uint32(buf[12:16]),
		LastSR:           binary.BigEndian.Uint32(buf[16:20]),
		DelaySinceLastSR: binary.BigEndian.Uint32(buf[20:24]),
	}
}

// SenderReport is RFC 3550 §6.4.1.
type SenderReport struct {
	SSRC          uint32
	NTPTime       uint64
	RTPTime       uint32
	PacketCount   uint32
	OctetCount    uint32
	Reports       []ReceptionReport
}

func (sr *SenderReport) Marshal() ([]byte, error) {
	if len(sr.Reports) > 31 {
		return nil, fmt.Errorf("rtcp: too many reception reports (%d > 31)", len(sr.Reports))
	}
	length := 24 + len(sr.Reports)*reportBlockLen
	buf := make([]byte, 4+length)
	encodeHeader(buf, uint8(len(sr.Reports)), TypeSR, uint16((4+length)/4-1))
	binary.BigEndian.PutUint32(buf[4:8], sr.SSRC)
	binary.BigEndian.PutUint64(buf[8:16], sr.NTPTime)
	binary.BigEndian.PutUint32(buf[16:20], sr.RTPTime)
	binary.BigEndian.PutUint32(buf[20:24], sr.PacketCount)
	binary.BigEndian.PutUint32(buf[24:28], sr.OctetCount)
	offset := 28
	for _, r := range sr.Reports {
		marshalReportBlock(buf[offset:offset+reportBlockLen], r)
		offset += reportBlockLen
	}
	return buf, nil
}

func UnmarshalSenderReport(buf []byte) (*SenderReport, error) {
	h, err := decodeHeader(buf)
	if err != nil {
		return nil, err
	}
	if h.Type != TypeSR {
		return nil, ErrWrongType
	}
	if len(buf) < 28 {
		return nil, ErrPacketTooShort
	}
	sr := &SenderReport{
		SSRC:        binary.BigEndian.Uint32(buf[4:8]),
		NTPTime:     binary.BigEndian.Uint64(buf[8:16]),
		RTPTime:     binary.BigEndian.Uint32(buf[16:20]),
		PacketCount: binary.BigEndian.Uint32(buf[20:24]),
		OctetCount:  binary.BigEndian.Uint32(buf[24:28]),
	}
	offset := 28
	for i := 0; i < int(h.Count); i++ {
		if offset+reportBlockLen > len(buf) {
			return nil, ErrPacketTooShort
		}
		sr.Reports = append(sr.Reports, unmarshalReportBlock(buf[offset:offset+reportBlockLen]))
		offset += reportBlockLen
	}
	return sr, nil
}

// ReceiverReport is RFC 3550 §6.4.2.
type ReceiverReport struct {
	SSRC    uint32
	Reports []ReceptionReport
}

func (rr *ReceiverReport) Marshal() ([]byte, error) {
	if len(rr.Reports) > 31 {
		return nil, fmt.Errorf("rtcp: too many reception reports (%d > 31)", len(rr.Reports))
	}
	length := 4 + len(rr.Reports)*reportBlockLen
	buf := make([]byte, 4+length)
	encodeHeader(buf, uint8(len(rr.Reports)), TypeRR, uint16((4+length)/4-1))
	binary.BigEndian.PutUint32(buf[4:8], rr.SSRC)
	offset := 8
	for _, r := range rr.Reports {
		marshalReportBlock(buf[offset:offset+reportBlockLen], r)
		offset += reportBlockLen
	}
	return buf, nil
}

func UnmarshalReceiverReport(buf []byte) (*ReceiverReport, error) {
	h, err := decodeHeader(buf)
	if err != nil {
		return nil, err
	}
	if h.Type != TypeRR {
		return nil, ErrWrongType
	}
	if len(buf) < 8 {
		return nil, ErrPacketTooShort
	}
	rr := &ReceiverReport{SSRC: binary.BigEndian.Uint32(buf[4:8])}
	offset := 8
	for i := 0; i < int(h.Count); i++ {
		if offset+reportBlockLen > len(buf) {
			return nil, ErrPacketTooShort
		}
		rr.Reports = append(rr.Reports, unmarshalReportBlock(buf[offset:offset+reportBlockLen]))
		offset += reportBlockLen
	}
	return rr, nil
}

// SDESItem is one RFC 3550 §6.5 source description item.
type SDESItem struct {
	Type uint8
	Text []byte
}

// SDESChunk groups items under one SSRC/CSRC.
type SDESChunk struct {
	Source uint32
	Items  []SDESItem
}

// SourceDescription is RFC 3550 §6.5.
type SourceDescription struct {
	Chunks []SDESChunk
}

func (s *SourceDescription) Marshal() ([]byte, error) {
	if len(s.Chunks) > 31 {
		return nil, fmt.Errorf("rtcp: too many sdes chunks (%d > 31)", len(s.Chunks))
	}
	var body []byte
	for _, c := range s.Chunks {
		chunkStart := len(body)
		b4 := make([]byte, 4)
		binary.BigEndian.PutUint32(b4, c.Source)
		body = append(body, b4...)
		for _, item := range c.Items {
			body = append(body, item.Type, byte(len(item.Text)))
			body = append(body, item.Text...)
		}
		body = append(body, 0) // NULL terminator
		for (len(body)-chunkStart)%4 != 0 {
			body = append(body, 0)
		}
	}
	buf := make([]byte, 4+len(body))
	encodeHeader(buf, uint8(len(s.Chunks)), TypeSDES, uint16(len(buf)/4-1))
	copy(buf[4:], body)
	return buf, nil
}

func UnmarshalSourceDescription(buf []byte) (*SourceDescription, error) {
	h, err := decodeHeader(buf)
	if err != nil {
		return nil, err
	}
	if h.Type != TypeSDES {
		return nil, ErrWrongType
	}
	s := &SourceDescription{}
	offset := 4
	for i := 0; i < int(h.Count); i++ {
		if offset+4 > len(buf) {
			return nil, ErrPacketTooShort
		}
		chunk := SDESChunk{Source: binary.BigEndian.Uint32(buf[offset : offset+4])}
		chunkStart := offset
		offset += 4
		for offset < len(buf) {
			if buf[offset] == 0 {
				offset++
				break
			}
			if offset+2 > len(buf) {
				return nil, ErrPacketTooShort
			}
			typ, length := buf[offset], int(buf[offset+1])
			offset += 2
			if offset+length > len(buf) {
				return nil, ErrPacketTooShort
			}
			chunk.Items = append(chunk.Items, SDESItem{Type: typ, Text: append([]byte(nil), buf[offset:offset+length]...)})
			offset += length
		}
		for (offset-chunkStart)%4 != 0 && offset < len(buf) {
			offset++
		}
		s.Chunks = append(s.Chunks, chunk)
	}
	return s, nil
}

// Goodbye is RFC 3550 §6.6.
type Goodbye struct {
	Sources []uint32
	Reason  string
}

func (g *Goodbye) Marshal() ([]byte, error) {
	if len(g.Sources) > 31 {
		return nil, fmt.Errorf("rtcp: too many bye sources (%d > 31)", len(g.Sources))
	}
	body := make([]byte, len(g.Sources)*4)
	for i, s := range g.Sources {
		binary.BigEndian.PutUint32(body[i*4:i*4+4], s)
	}
	if g.Reason != "" {
		reason := []byte(g.Reason)
		if len(reason) > 255 {
			reason = reason[:255]
		}
		body = append(body, byte(len(reason)))
		body = append(body, reason...)
		for len(body)%4 != 0 {
			body = append(body, 0)
		}
	}
	buf := make([]byte, 4+len(body))
	encodeHeader(buf, uint8(len(g.Sources)), TypeBYE, uint16(len(buf)/4-1))
	copy(buf[4:], body)
	return buf, nil
}

func UnmarshalGoodbye(buf []byte) (*Goodbye, error) {
	h, err := decodeHeader(buf)
	if err != nil {
		return nil, err
	}
	if h.Type != TypeBYE {
		return nil, ErrWrongType
	}
	g := &Goodbye{}
	offset := 4
	for i := 0; i < int(h.Count); i++ {
		if offset+4 > len(buf) {
			return nil, ErrPacketTooShort
		}
		g.Sources = append(g.Sources, binary.BigEndian.Uint32(buf[offset:offset+4]))
		offset += 4
	}
	if offset < len(buf) {
		length := int(buf[offset])
		offset++
		if offset+length <= len(buf) {
			g.Reason = string(buf[offset : offset+length])
		}
	}
	return g, nil
}

// App is RFC 3550 §6.7's Application-Defined packet.
type App struct {
	Subtype uint8
	SSRC    uint32
	Name    [4]byte
	Data    []byte
}

func (a *App) Marshal() ([]byte, error) {
	data := a.Data
	for len(data)%4 != 0 {
		data = append(data, 0)
	}
	buf := make([]byte, 12+len(data))
	encodeHeader(buf, a.Subtype&0x1f, TypeAPP, uint16(len(buf)/4-1))
	binary.BigEndian.PutUint32(buf[4:8], a.SSRC)
	copy(buf[8:12], a.Name[:])
	copy(buf[12:], data)
	return buf, nil
}

func UnmarshalApp(buf []byte) (*App, error) {
	h, err := decodeHeader(buf)
	if err != nil {
		return nil, err
	}
	if h.Type != TypeAPP {
		return nil, ErrWrongType
	}
	if len(buf) < 12 {
		return nil, ErrPacketTooShort
	}
	a := &App{Subtype: h.Count, SSRC: binary.BigEndian.Uint32(buf[4:8])}
	copy(a.Name[:], buf[8:12])
	a.Data = append([]byte(nil), buf[12:]...)
	return a, nil
}

// VoIPMetrics is the RFC 3611 §4.7 VoIP Metrics Report Block (block type 7).
type VoIPMetrics struct {
	SSRC                      uint32
	LossRate                  uint8
	DiscardRate               uint8
	BurstDensity              uint8
	GapDensity                uint8
	BurstDuration             uint16
	GapDuration               uint16
	RoundTripDelay            uint16
	EndSystemDelay            uint16
	SignalLevel               uint8
	NoiseLevel                uint8
	RERL                      uint8
	Gmin                      uint8
	RFactor                   uint8
	ExternalRFactor           uint8
	MOSLQ                     uint8 // listening quality, fixed-point *10
	MOSCQ                     uint8 // conversational quality, fixed-point *10
	RXConfig                  uint8
	JitterBufferNominal       uint16
	JitterBufferMaximum       uint16
	JitterBufferAbsoluteMax   uint16
}

const voipMetricsBlockLen = 36

// ExtendedReport is RFC 3611's XR packet, restricted to the one VoIP
// Metrics block this module produces (spec.md §4.6/§4.10).
type ExtendedReport struct {
	SSRC    uint32
	Metrics *VoIPMetrics
}

func (xr *ExtendedReport) Marshal() ([]byte, error) {
	if xr.Metrics == nil {
		buf := make([]byte, 8)
		encodeHeader(buf, 0, TypeXR, 1)
		binary.BigEndian.PutUint32(buf[4:8], xr.SSRC)
		return buf, nil
	}
	buf := make([]byte, 8+voipMetricsBlockLen)
	encodeHeader(buf, 0, TypeXR, uint16(len(buf)/4-1))
	binary.BigEndian.PutUint32(buf[4:8], xr.SSRC)

	m := xr.Metrics
	block := buf[8:]
	block[0] = 7 // block type
	block[1] = 0 // reserved
	binary.BigEndian.PutUint16(block[2:4], 8)
	binary.BigEndian.PutUint32(block[4:8], m.SSRC)
	block[8] = m.LossRate
	block[9] = m.DiscardRate
	block[10] = m.BurstDensity
	block[11] = m.GapDensity
	binary.BigEndian.PutUint16(block[12:14], m.BurstDuration)
	binary.BigEndian.PutUint16(block[14:16], m.GapDuration)
	binary.BigEndian.PutUint16(block[16:18], m.RoundTripDelay)
	binary.BigEndian.PutUint16(block[18:20], m.EndSystemDelay)
	block[20] = m.SignalLevel
	block[21] = m.NoiseLevel
	block[22] = m.RERL
	block[23] = m.Gmin
	block[24] = m.RFactor
	block[25] = m.ExternalRFactor
	block[26] = m.MOSLQ
	block[27] = m.MOSCQ
	block[28] = m.RXConfig
	block[29] = 0 // reserved
	binary.BigEndian.PutUint16(block[30:32], m.JitterBufferNominal)
	binary.BigEndian.PutUint16(block[32:34], m.JitterBufferMaximum)
	binary.BigEndian.PutUint16(block[34:36], m.JitterBufferAbsoluteMax)
	return buf, nil
}

func UnmarshalExtendedReport(buf []byte) (*ExtendedReport, error) {
	h, err := decodeHeader(buf)
	if err != nil {
		return nil, err
	}
	if h.Type != TypeXR {
		return nil, ErrWrongType
	}
	if len(buf) < 8 {
		return nil, ErrPacketTooShort
	}
	xr := &ExtendedReport{SSRC: binary.BigEndian.Uint32(buf[4:8])}
	if len(buf) < 8+voipMetricsBlockLen {
		return xr, nil
	}
	block := buf[8 : 8+voipMetricsBlockLen]
	if block[0] != 7 {
		return xr, nil
	}
	xr.Metrics = &VoIPMetrics{
		SSRC:                    binary.BigEndian.Uint32(block[4:8]),
		LossRate:                block[8],
		DiscardRate:             block[9],
		BurstDensity:            block[10],
		GapDensity:              block[11],
		BurstDuration:           binary.BigEndian.Uint16(block[12:14]),
		GapDuration:             binary.BigEndian.Uint16(block[14:16]),
		RoundTripDelay:          binary.BigEndian.Uint16(block[16:18]),
		EndSystemDelay:          binary.BigEndian.Uint16(block[18:20]),
		SignalLevel:             block[20],
		NoiseLevel:              block[21],
		RERL:                    block[22],
		Gmin:                    block[23],
		RFactor:                 block[24],
		ExternalRFactor:         block[25],
		MOSLQ:                   block[26],
		MOSCQ:                   block[27],
		RXConfig:                block[28],
		JitterBufferNominal:     binary.BigEndian.Uint16(block[30:32]),
		JitterBufferMaximum:     binary.BigEndian.Uint16(block[32:34]),
		JitterBufferAbsoluteMax: binary.BigEndian.Uint16(block[34:36]),
	}
	return xr, nil
}

// CompoundPacket concatenates marshaled RTCP packets and rejects a first
// packet that is not an SR or RR (RFC 3550 §6.1). It does not check that
// an SDES with CNAME follows.
func CompoundPacket(first []byte, rest ...[]byte) ([]byte, error) {
	if len(first) == 0 {
		return nil, errors.New("rtcp: compound packet requires an SR or RR first")
	}
	h, err := decodeHeader(first)
	if err != nil {
		return nil, err
	}
	if h.Type != TypeSR && h.Type != TypeRR {
		return nil, fmt.Errorf("rtcp: compound packet must start with SR or RR, got type %d", h.Type)
	}
	out := append([]byte(nil), first...)
	for _, pkt := range rest {
		out = append(out, pkt...)
	}
	return out, nil
}

// NTPTimestamp converts t to the 64-bit NTP format used by Sender Reports.
func NTPTimestamp(t time.Time) uint64 {
	ntpEpoch := time.Date(1900, 1, 1, 0, 0, 0, 0, time.UTC)
	d := t.Sub(ntpEpoch)
	seconds := uint64(d / time.Second)
	frac := uint64((d % time.Second).Nanoseconds()) << 32 / uint64(time.Second)
	return seconds<<32 | frac
}

// FractionLost computes the RFC 3550 Appendix A.3 8-bit fraction-lost value
// from the packets expected/received deltas since the last report.
func FractionLost(expectedDelta, receivedDelta int32) uint8 {
	if expectedDelta <= 0 || receivedDelta >= expectedDelta {
		return 0
	}
	lost := expectedDelta - receivedDelta
	frac := (lost << 8) / expectedDelta
	if frac > 255 {
		frac = 255
	}
	return uint8(frac)
}

// Interval implements RFC 3550 Appendix A.7's randomized RTCP transmission
// interval: T = max(Tmin, avgSize*n/bandwidth) * rand(0.5, 1.5), further
// divided by the e-3/2 compensation constant (about 1.218) for the very
// first report only, so the group doesn't wait a full interval before any
// feedback appears.
func Interval(members, senders int, rtcpBandwidth float64, weSent bool, avgPacketSize float64, initial bool) time.Duration {
	const (
		minInterval        = 5 * time.Second
		compensation       = 2.71828 - 1.5 // RFC 3550's "reduced by e" constant
	)
	if rtcpBandwidth <= 0 {
		rtcpBandwidth = 1
	}
	n := float64(members)
	if senders > 0 && float64(senders) <= float64(members)*0.25 {
		if weSent {
			n = float64(senders)
		} else {
			n = float64(members - senders)
		}
	}
	t := avgPacketSize * n / rtcpBandwidth
	interval := time.Duration(t * float64(time.Second))
	if interval < minInterval {
		interval = minInterval
	}
	interval = time.Duration(float64(interval) * (0.5 + rand.Float64()))
	if initial {
		interval = time.Duration(float64(interval) / compensation)
	}
	return interval
}

// RFactorToMOS approximates the ITU-T G.107 E-model mapping from an
// R-factor (0-100) to a Mean Opinion Score (1.0-4.5) (spec.md §4.10).
// Nothing in the module writes its result into VoIPMetrics.MOSCQ;
// pkg/session uses it for the MediaQuality event's MOS.
func RFactorToMOS(r float64) float64 {
	switch {
	case r < 0:
		return 1.0
	case r > 100:
		return 4.5
	}
	mos := 1 + 0.035*r + r*(r-60)*(100-r)*7e-6
	return math.Max(1.0, math.Min(4.5, mos))
}
