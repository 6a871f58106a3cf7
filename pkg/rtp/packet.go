// Package rtp implements the RTP wire codec, session/stream management,
// jitter buffering, and SSRC demultiplexing (spec components C1's RTP
// half and C5). The packet type and its Marshal/Unmarshal pair are
// hand-rolled — not github.com/pion/rtp — because spec.md §1 names the
// RTP/RTCP packet-level engine as part of THE CORE this module delivers
// (see DESIGN.md).
package rtp

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	headerMinLen = 12
	version      = 2
)

var (
	// ErrPacketTooShort is returned when a buffer is smaller than the
	// minimum 12-byte fixed header (spec.md §4.1).
	ErrPacketTooShort = errors.New("rtp: packet shorter than fixed header")
	ErrBadVersion     = errors.New("rtp: unsupported RTP version")
	ErrExtensionOOB   = errors.New("rtp: declared extension length exceeds buffer")
	ErrCSRCCountOOB   = errors.New("rtp: CSRC count exceeds buffer")
)

// Extension is a single RFC 8285 header extension element. OneByte uses a
// 4-bit id (1-14) and a 1-16 byte payload; TwoByte uses an 8-bit id and an
// 8-bit length, for extensions needing more than 16 bytes.
type Extension struct {
	ID      uint8
	Payload []byte
}

// Header is the fixed 12-byte RTP header plus the variable CSRC list and
// optional extension (RFC 3550 §5.1).
type Header struct {
	Version        uint8
	Padding        bool
	Extension      bool
	Marker         bool
	PayloadType    uint8
	SequenceNumber uint16
	Timestamp      uint32
	SSRC           uint32
	CSRC           []uint32

	ExtensionProfile uint16 // raw "defined by profile" field when Extension is set
	ExtensionTwoByte bool   // RFC 8285 two-byte header form (profile 0x1000)
	Extensions       []Extension
}

// Packet is a full RTP packet: header plus opaque payload bytes, plus any
// trailing padding octets (the last of which states the pad length).
type Packet struct {
	Header  Header
	Payload []byte
	padding uint8 // 0 if Header.Padding is false
}

// Unmarshal parses an RTP packet from the wire, validating per spec.md
// §4.1: V=2, CC extent within buffer, X flag consistent with a present
// extension block, buffer at least 12 bytes.
func Unmarshal(buf []byte) (*Packet, error) {
	if len(buf) < headerMinLen {
		return nil, ErrPacketTooShort
	}
	b0, b1 := buf[0], buf[1]
	h := Header{
		Version:     b0 >> 6,
		Padding:     (b0>>5)&0x01 == 1,
		Extension:   (b0>>4)&0x01 == 1,
		Marker:      (b1>>7)&0x01 == 1,
		PayloadType: b1 & 0x7f,
	}
	if h.Version != version {
		return nil, ErrBadVersion
	}
	cc := int(b0 & 0x0f)
	h.SequenceNumber = binary.BigEndian.Uint16(buf[2:4])
	h.Timestamp = binary.BigEndian.Uint32(buf[4:8])
	h.SSRC = binary.BigEndian.Uint32(buf[8:12])

	offset := headerMinLen
	if offset+cc*4 > len(buf) {
		return nil, ErrCSRCCountOOB
	}
	h.CSRC = make([]uint32, cc)
	for i := 0; i < cc; i++ {
		h.CSRC[i] = binary.BigEndian.Uint32(buf[offset : offset+4])
		offset += 4
	}

	if h.Extension {
		if offset+4 > len(buf) {
			return nil, ErrExtensionOOB
		}
		h.ExtensionProfile = binary.BigEndian.Uint16(buf[offset : offset+2])
		extLenWords := int(binary.BigEndian.Uint16(buf[offset+2 : offset+4]))
		offset += 4
		extEnd := offset + extLenWords*4
		if extLenWords < 0 || extEnd > len(buf) {
			return nil, ErrExtensionOOB
		}
		h.ExtensionTwoByte = h.ExtensionProfile == 0x1000
		exts, err := parseExtensions(buf[offset:extEnd], h.ExtensionTwoByte)
		if err != nil {
			return nil, err
		}
		h.Extensions = exts
		offset = extEnd
	}

	p := &Packet{Header: h}
	if h.Padding {
		if offset >= len(buf) {
			return nil, ErrPacketTooShort
		}
		pad := buf[len(buf)-1]
		if int(pad) == 0 || offset+int(pad) > len(buf) {
			return nil, fmt.Errorf("rtp: invalid padding length %d", pad)
		}
		p.padding = pad
		p.Payload = buf[offset : len(buf)-int(pad)]
	} else {
		p.Payload = buf[offset:]
	}
	return p, nil
}

func parseExtensions(buf []byte, twoByte bool) ([]Extension, error) {
	var exts []Extension
	i := 0
	if twoByte {
		for i+2 <= len(buf) {
			id, length := buf[i], buf[i+1]
			i += 2
			if id == 0 { // padding
				continue
			}
			if i+int(length) > len(buf) {
				return nil, ErrExtensionOOB
			}
			exts = append(exts, Extension{ID: id, Payload: append([]byte(nil), buf[i:i+int(length)]...)})
			i += int(length)
		}
		return exts, nil
	}
	for i < len(buf) {
		b := buf[i]
		if b == 0 { // padding byte
			i++
			continue
		}
		id := b >> 4
		length := int(b&0x0f) + 1
		i++
		if i+length > len(buf) {
			return nil, ErrExtensionOOB
		}
		exts = append(exts, Extension{ID: id, Payload: append([]byte(nil), buf[i:i+length]...)})
		i += length
	}
	return exts, nil
}

// Marshal serializes the packet back to wire bytes.
func (p *Packet) Marshal() ([]byte, error) {
	h := p.Header
	if len(h.CSRC) > 15 {
		return nil, ErrCSRCCountOOB
	}
	size := headerMinLen + len(h.CSRC)*4
	var extBytes []byte
	if h.Extension {
		var err error
		extBytes, err = marshalExtensions(h.Extensions, h.ExtensionTwoByte)
		if err != nil {
			return nil, err
		}
		size += 4 + len(extBytes)
	}
	size += len(p.Payload)
	if p.Header.Padding {
		size += int(p.padding)
	}

	buf := make([]byte, size)
	b0 := byte(version<<6) | byte(len(h.CSRC)&0x0f)
	if h.Padding {
		b0 |= 1 << 5
	}
	if h.Extension {
		b0 |= 1 << 4
	}
	buf[0] = b0
	b1 := h.PayloadType & 0x7f
	if h.Marker {
		b1 |= 1 << 7
	}
	buf[1] = b1
	binary.BigEndian.PutUint16(buf[2:4], h.SequenceNumber)
	binary.BigEndian.PutUint32(buf[4:8], h.Timestamp)
	binary.BigEndian.PutUint32(buf[8:12], h.SSRC)

	offset := headerMinLen
	for _, csrc := range h.CSRC {
		binary.BigEndian.PutUint32(buf[offset:offset+4], csrc)
		offset += 4
	}
	if h.Extension {
		profile := h.ExtensionProfile
		if profile == 0 {
			if h.ExtensionTwoByte {
				profile = 0x1000
			} else {
				profile = 0xBEDE
			}
		}
		binary.BigEndian.PutUint16(buf[offset:offset+2], profile)
		binary.BigEndian.PutUint16(buf[offset+2:offset+4], uint16(len(extBytes)/4))
		offset += 4
		copy(buf[offset:], extBytes)
		offset += len(extBytes)
	}
	offset += copy(buf[offset:], p.Payload)
	if h.Padding {
		for i := 0; i < int(p.padding)-1; i++ {
			buf[offset+i] = 0
		}
		buf[offset+int(p.padding)-1] = p.padding
	}
	return buf, nil
}

func marshalExtensions(exts []Extension, twoByte bool) ([]byte, error) {
	if len(exts) == 0 {
		return nil, nil
	}
	var buf []byte
	if twoByte {
		for _, e := range exts {
			if len(e.Payload) > 255 {
				return nil, fmt.Errorf("rtp: two-byte extension payload too long")
			}
			buf = append(buf, e.ID, byte(len(e.Payload)))
			buf = append(buf, e.Payload...)
		}
	} else {
		for _, e := range exts {
			if e.ID == 0 || e.ID > 14 || len(e.Payload) == 0 || len(e.Payload) > 16 {
				return nil, fmt.Errorf("rtp: one-byte extension id/length out of range")
			}
			buf = append(buf, (e.ID<<4)|byte(len(e.Payload)-1))
			buf = append(buf, e.Payload...)
		}
	}
	for len(buf)%4 != 0 {
		buf = append(buf, 0)
	}
	return buf, nil
}

// SeqDiff returns the forward distance from a to b on the 16-bit sequence
// number space, treating wrap-around as a small positive step (spec.md §3,
// "sequence increments by 1 per packet modulo 2^16").
func SeqDiff(a, b uint16) int16 {
	return int16(b - a)
}
