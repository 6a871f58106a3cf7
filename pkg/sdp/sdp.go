// Package sdp implements the subset of SDP (RFC 4566) that SIP offer/answer
// needs: session- and media-level descriptions with attributes, and a
// registry mapping rtpmap names to PayloadFormat descriptors (spec.md
// §4.1, §6). It is hand-rolled rather than built on pion/sdp because SDP
// parsing is named explicitly as part of the C1 message codec this module
// exists to deliver (see DESIGN.md).
package sdp

import (
	"fmt"
	"strconv"
	"strings"
)

// Attribute is a single "a=" line, split into its name and optional value.
type Attribute struct {
	Name  string
	Value string
}

// Session is a parsed SDP session description.
type Session struct {
	Version        int    // v=
	Origin         Origin // o=
	Name           string // s=
	Connection     *Connection
	TimeStart      uint64 // t= start
	TimeStop       uint64 // t= stop
	Attributes     []Attribute
	MediaDescs     []*MediaDescription
}

// Origin is the "o=" line.
type Origin struct {
	Username       string
	SessionID      string
	SessionVersion string
	NetType        string
	AddrType       string
	Address        string
}

// Connection is the "c=" line.
type Connection struct {
	NetType  string
	AddrType string
	Address  string
}

// MediaDescription is one "m=" block and its attributes.
type MediaDescription struct {
	Type       string // "audio", "video", ...
	Port       int
	PortCount  int // 0 means "not present"
	Proto      string // "RTP/AVP", "RTP/SAVP", ...
	Formats    []string // payload type numbers as they appear on the m= line
	Connection *Connection
	Attributes []Attribute
}

// String renders the attribute as it appears after "a=": name, or name:value.
func (a Attribute) String() string {
	if a.Value == "" {
		return a.Name
	}
	return a.Name + ":" + a.Value
}

// Attr returns the first attribute value matching name, and whether found.
func (m *MediaDescription) Attr(name string) (string, bool) {
	for _, a := range m.Attributes {
		if a.Name == name {
			return a.Value, true
		}
	}
	return "", false
}

func (m *MediaDescription) AttrAll(name string) []string {
	var out []string
	for _, a := range m.Attributes {
		if a.Name == name {
			out = append(out, a.Value)
		}
	}
	return out
}

// Direction reports the negotiated media direction from sendrecv / sendonly
// / recvonly / inactive attribute flags, defaulting to sendrecv.
func (m *MediaDescription) Direction() string {
	for _, flag := range []string{"sendrecv", "sendonly", "recvonly", "inactive"} {
		if _, ok := m.Attr(flag); ok {
			return flag
		}
	}
	return "sendrecv"
}

// Parse parses an SDP session description.
func Parse(body []byte) (*Session, error) {
	sess := &Session{}
	var cur *MediaDescription

	lines := strings.Split(string(body), "\n")
	for _, raw := range lines {
		line := strings.TrimRight(raw, "\r")
		if line == "" {
			continue
		}
		if len(line) < 2 || line[1] != '=' {
			return nil, fmt.Errorf("sdp: malformed line %q", line)
		}
		typ, value := line[0], line[2:]
		switch typ {
		case 'v':
			n, err := strconv.Atoi(value)
			if err != nil {
				return nil, fmt.Errorf("sdp: bad version: %w", err)
			}
			sess.Version = n
		case 'o':
			o, err := parseOrigin(value)
			if err != nil {
				return nil, err
			}
			sess.Origin = o
		case 's':
			sess.Name = value
		case 'c':
			c, err := parseConnection(value)
			if err != nil {
				return nil, err
			}
			if cur != nil {
				cur.Connection = &c
			} else {
				sess.Connection = &c
			}
		case 't':
			fields := strings.Fields(value)
			if len(fields) == 2 {
				sess.TimeStart, _ = strconv.ParseUint(fields[0], 10, 64)
				sess.TimeStop, _ = strconv.ParseUint(fields[1], 10, 64)
			}
		case 'm':
			md, err := parseMediaLine(value)
			if err != nil {
				return nil, err
			}
			sess.MediaDescs = append(sess.MediaDescs, md)
			cur = md
		case 'a':
			attr := parseAttribute(value)
			if cur != nil {
				cur.Attributes = append(cur.Attributes, attr)
			} else {
				sess.Attributes = append(sess.Attributes, attr)
			}
		default:
			// Unknown line types (b=, k=, u=, e=, p=, z=, r=, i=) are
			// preserved only insofar as spec.md requires — silently
			// ignored here since offer/answer in this module never
			// inspects them.
		}
	}
	if sess.Version != 0 && len(sess.MediaDescs) == 0 {
		// not an error: a session with only session-level info is valid
	}
	return sess, nil
}

func parseOrigin(v string) (Origin, error) {
	f := strings.Fields(v)
	if len(f) != 6 {
		return Origin{}, fmt.Errorf("sdp: malformed o= line")
	}
	return Origin{
		Username: f[0], SessionID: f[1], SessionVersion: f[2],
		NetType: f[3], AddrType: f[4], Address: f[5],
	}, nil
}

func parseConnection(v string) (Connection, error) {
	f := strings.Fields(v)
	if len(f) != 3 {
		return Connection{}, fmt.Errorf("sdp: malformed c= line")
	}
	return Connection{NetType: f[0], AddrType: f[1], Address: f[2]}, nil
}

func parseMediaLine(v string) (*MediaDescription, error) {
	f := strings.Fields(v)
	if len(f) < 4 {
		return nil, fmt.Errorf("sdp: malformed m= line")
	}
	md := &MediaDescription{Type: f[0], Proto: f[2], Formats: f[3:]}
	portSpec := f[1]
	if slash := strings.IndexByte(portSpec, '/'); slash >= 0 {
		p, err := strconv.Atoi(portSpec[:slash])
		if err != nil {
			return nil, fmt.Errorf("sdp: bad port: %w", err)
		}
		c, err := strconv.Atoi(portSpec[slash+1:])
		if err != nil {
			return nil, fmt.Errorf("sdp: bad port count: %w", err)
		}
		md.Port, md.PortCount = p, c
	} else {
		p, err := strconv.Atoi(portSpec)
		if err != nil {
			return nil, fmt.Errorf("sdp: bad port: %w", err)
		}
		md.Port = p
	}
	return md, nil
}

func parseAttribute(v string) Attribute {
	if colon := strings.IndexByte(v, ':'); colon >= 0 {
		return Attribute{Name: v[:colon], Value: v[colon+1:]}
	}
	return Attribute{Name: v}
}

// String serializes the session description deterministically.
func (s *Session) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "v=%d\r\n", s.Version)
	fmt.Fprintf(&b, "o=%s %s %s %s %s %s\r\n", s.Origin.Username, s.Origin.SessionID,
		s.Origin.SessionVersion, s.Origin.NetType, s.Origin.AddrType, s.Origin.Address)
	fmt.Fprintf(&b, "s=%s\r\n", orDefault(s.Name, "-"))
	if s.Connection != nil {
		fmt.Fprintf(&b, "c=%s %s %s\r\n", s.Connection.NetType, s.Connection.AddrType, s.Connection.Address)
	}
	fmt.Fprintf(&b, "t=%d %d\r\n", s.TimeStart, s.TimeStop)
	for _, a := range s.Attributes {
		fmt.Fprintf(&b, "a=%s\r\n", a.String())
	}
	for _, m := range s.MediaDescs {
		if m.PortCount > 0 {
			fmt.Fprintf(&b, "m=%s %d/%d %s %s\r\n", m.Type, m.Port, m.PortCount, m.Proto, strings.Join(m.Formats, " "))
		} else {
			fmt.Fprintf(&b, "m=%s %d %s %s\r\n", m.Type, m.Port, m.Proto, strings.Join(m.Formats, " "))
		}
		if m.Connection != nil {
			fmt.Fprintf(&b, "c=%s %s %s\r\n", m.Connection.NetType, m.Connection.AddrType, m.Connection.Address)
		}
		for _, a := range m.Attributes {
			fmt.Fprintf(&b, "a=%s\r\n", a.String())
		}
	}
	return b.String()
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
