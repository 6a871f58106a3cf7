package rtp

// MediaFrame abstracts a codec payload independent of its RTP framing
// (spec.md §4.5).
type MediaFrame struct {
	SSRC        uint32
	PayloadType uint8
	Timestamp   uint32
	Marker      bool
	Data        []byte
	EndOfSeq    bool
}

// PayloadFormat packs/unpacks MediaFrames to/from RTP payload bytes for one
// payload type. Implementations are looked up by PT in a Registry (spec.md
// §4.5: "Conversion to/from RTP is delegated to a PayloadFormat trait keyed
// by PT").
type PayloadFormat interface {
	PayloadType() uint8
	Name() string
	ClockRate() uint32
	// Pack returns the RTP payload bytes and timestamp increment (in clock
	// units) for one encoded frame.
	Pack(encoded []byte) (payload []byte, tsIncrement uint32)
	// Unpack returns the encoded bytes and nominal frame duration.
	Unpack(payload []byte) (encoded []byte, durationMS int)
}

// Registry maps payload types to formats, populated from SDP negotiation.
type Registry struct {
	formats map[uint8]PayloadFormat
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry { return &Registry{formats: make(map[uint8]PayloadFormat)} }

// Register adds or replaces the format for its PayloadType().
func (r *Registry) Register(f PayloadFormat) { r.formats[f.PayloadType()] = f }

// Lookup returns the format for pt, or nil if none is registered.
func (r *Registry) Lookup(pt uint8) PayloadFormat { return r.formats[pt] }

// Formats returns every registered format, for building an SDP offer.
func (r *Registry) Formats() []PayloadFormat {
	out := make([]PayloadFormat, 0, len(r.formats))
	for _, f := range r.formats {
		out = append(out, f)
	}
	return out
}

// genericFormat is a fixed-rate codec (G.711, G.729, ...) where one input
// byte's worth of samples maps directly to RTP timestamp ticks.
type genericFormat struct {
	pt         uint8
	name       string
	clockRate  uint32
	ptimeMS    int
	samplesPerByte uint32
}

// NewFixedRateFormat builds a PayloadFormat for simple byte-per-sample (or
// fixed-ratio) codecs: PCMU, PCMA, G.729. ptimeMS drives Unpack's reported
// duration; the timestamp increment is derived from payload length assuming
// one RTP clock tick per encoded sample.
func NewFixedRateFormat(pt uint8, name string, clockRate uint32, ptimeMS int) PayloadFormat {
	return &genericFormat{pt: pt, name: name, clockRate: clockRate, ptimeMS: ptimeMS, samplesPerByte: 1}
}

func (f *genericFormat) PayloadType() uint8 { return f.pt }
func (f *genericFormat) Name() string       { return f.name }
func (f *genericFormat) ClockRate() uint32  { return f.clockRate }

func (f *genericFormat) Pack(encoded []byte) ([]byte, uint32) {
	return encoded, uint32(len(encoded)) * f.samplesPerByte
}

func (f *genericFormat) Unpack(payload []byte) ([]byte, int) {
	return payload, f.ptimeMS
}

// g722Format implements the RFC 3551 erratum: encoded at a 16kHz sample
// rate but clocked on the wire at 8kHz, so the RTP timestamp increment is
// half the encoded sample count (spec.md §4.5).
type g722Format struct{ ptimeMS int }

// NewG722Format returns the G.722 PayloadFormat honoring the 16kHz/8kHz
// clock-rate erratum.
func NewG722Format(ptimeMS int) PayloadFormat { return &g722Format{ptimeMS: ptimeMS} }

func (g *g722Format) PayloadType() uint8 { return 9 }
func (g *g722Format) Name() string       { return "G722" }
func (g *g722Format) ClockRate() uint32  { return 8000 }

func (g *g722Format) Pack(encoded []byte) ([]byte, uint32) {
	// One encoded byte carries two 16kHz samples -> one 8kHz RTP tick per byte.
	return encoded, uint32(len(encoded))
}

func (g *g722Format) Unpack(payload []byte) ([]byte, int) {
	return payload, g.ptimeMS
}

// opusFormat encodes variable frame durations into the RTP timestamp
// increment at its fixed 48kHz clock rate (spec.md §4.5).
type opusFormat struct {
	pt      uint8
	frameMS int
}

// NewOpusFormat returns an Opus PayloadFormat for a fixed frame duration in
// milliseconds (2.5/5/10/20/40/60 are the standard Opus frame sizes).
func NewOpusFormat(pt uint8, frameMS int) PayloadFormat { return &opusFormat{pt: pt, frameMS: frameMS} }

func (o *opusFormat) PayloadType() uint8 { return o.pt }
func (o *opusFormat) Name() string       { return "opus" }
func (o *opusFormat) ClockRate() uint32  { return 48000 }

func (o *opusFormat) Pack(encoded []byte) ([]byte, uint32) {
	return encoded, uint32(o.frameMS) * 48
}

func (o *opusFormat) Unpack(payload []byte) ([]byte, int) {
	return payload, o.frameMS
}

// telephoneEventFormat implements RFC 4733/2833 DTMF relay payloads.
type telephoneEventFormat struct {
	pt        uint8
	clockRate uint32
}

// NewTelephoneEventFormat returns the RFC 4733 "telephone-event" format.
func NewTelephoneEventFormat(pt uint8, clockRate uint32) PayloadFormat {
	return &telephoneEventFormat{pt: pt, clockRate: clockRate}
}

func (t *telephoneEventFormat) PayloadType() uint8 { return t.pt }
func (t *telephoneEventFormat) Name() string       { return "telephone-event" }
func (t *telephoneEventFormat) ClockRate() uint32  { return t.clockRate }

// Pack returns an already-encoded RFC 4733 §2.3 payload (event, E/R/volume
// octet, duration; see EncodeDTMFEvent) unchanged.
func (t *telephoneEventFormat) Pack(event []byte) ([]byte, uint32) {
	return event, 0 // duration/timestamp handling is driven by the DTMF sender state machine, not Pack
}

func (t *telephoneEventFormat) Unpack(payload []byte) ([]byte, int) {
	return payload, 0
}

// DTMFEvent decodes an RFC 4733 telephone-event payload.
type DTMFEvent struct {
	Event    uint8 // 0-15 digits/letters, 16 = flash
	End      bool
	Volume   uint8 // dBm0, 0-63
	Duration uint16 // in RTP clock ticks
}

// ParseDTMFEvent decodes a 4-byte telephone-event payload.
func ParseDTMFEvent(payload []byte) (DTMFEvent, bool) {
	if len(payload) < 4 {
		return DTMFEvent{}, false
	}
	return DTMFEvent{
		Event:    payload[0],
		End:      payload[1]&0x80 != 0,
		Volume:   payload[1] & 0x3f,
		Duration: uint16(payload[2])<<8 | uint16(payload[3]),
	}, true
}

// EncodeDTMFEvent serializes an RFC 4733 telephone-event payload.
func EncodeDTMFEvent(e DTMFEvent) []byte {
	b1 := e.Volume & 0x3f
	if e.End {
		b1 |= 0x80
	}
	return []byte{e.Event, b1, byte(e.Duration >> 8), byte(e.Duration)}
}
