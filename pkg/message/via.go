package message

import (
	"fmt"
	"strconv"
	"strings"
)

// MagicCookie is the RFC 3261 §8.1.1.7 branch prefix that marks a Via
// branch as usable for transaction matching.
const MagicCookie = "z9hG4bK"

// Via represents one Via header field value:
//
//	SIP/2.0/UDP host:port;branch=...;received=...;rport=...
type Via struct {
	Protocol string // "UDP", "TCP", "TLS", "WS", "WSS"
	Host     string
	Port     int // 0 = protocol default
	Params   []Param
}

// ParseVia parses a single Via header value (not a comma-joined list; split
// that with splitTopLevelComma first).
func ParseVia(value string) (*Via, error) {
	value = strings.TrimSpace(value)
	parts := strings.SplitN(value, " ", 2)
	if len(parts) != 2 {
		return nil, headerInvalid("Via", "missing sent-by")
	}
	sentProtocol := parts[0]
	sp := strings.Split(sentProtocol, "/")
	if len(sp) != 3 || !strings.EqualFold(sp[0], "SIP") || sp[1] != "2.0" {
		return nil, headerInvalid("Via", "bad sent-protocol")
	}
	v := &Via{Protocol: strings.ToUpper(sp[2])}

	rest := strings.TrimSpace(parts[1])
	sentBy := rest
	if semi := strings.IndexByte(rest, ';'); semi >= 0 {
		sentBy = rest[:semi]
		for _, kv := range strings.Split(rest[semi+1:], ";") {
			if kv == "" {
				continue
			}
			name, val, has := strings.Cut(kv, "=")
			if !has {
				v.Params = append(v.Params, Param{Name: name})
			} else {
				v.Params = append(v.Params, Param{Name: name, Value: val})
			}
		}
	}
	sentBy = strings.TrimSpace(sentBy)
	if strings.HasPrefix(sentBy, "[") {
		end := strings.IndexByte(sentBy, ']')
		if end < 0 {
			return nil, headerInvalid("Via", "unterminated IPv6 literal")
		}
		v.Host = sentBy[:end+1]
		if rem := sentBy[end+1:]; strings.HasPrefix(rem, ":") {
			p, err := strconv.Atoi(rem[1:])
			if err != nil {
				return nil, headerInvalid("Via", "bad port")
			}
			v.Port = p
		}
	} else if c := strings.LastIndexByte(sentBy, ':'); c >= 0 {
		p, err := strconv.Atoi(sentBy[c+1:])
		if err != nil {
			return nil, headerInvalid("Via", "bad port")
		}
		v.Host, v.Port = sentBy[:c], p
	} else {
		v.Host = sentBy
	}
	return v, nil
}

// Param returns a Via parameter's value.
func (v *Via) Param(name string) (string, bool) {
	for _, p := range v.Params {
		if strings.EqualFold(p.Name, name) {
			return p.Value, true
		}
	}
	return "", false
}

// SetParam sets (or replaces) a Via parameter.
func (v *Via) SetParam(name, value string) {
	for i, p := range v.Params {
		if strings.EqualFold(p.Name, name) {
			v.Params[i].Value = value
			return
		}
	}
	v.Params = append(v.Params, Param{Name: name, Value: value})
}

// Branch returns the branch parameter, and whether it carries the RFC 3261
// §8.1.1.7 magic cookie required for transaction matching.
func (v *Via) Branch() (branch string, isCookie bool) {
	b, _ := v.Param("branch")
	return b, strings.HasPrefix(b, MagicCookie)
}

// String serializes the Via value (without the leading "Via: ").
func (v *Via) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "SIP/2.0/%s %s", v.Protocol, v.Host)
	if v.Port != 0 {
		fmt.Fprintf(&b, ":%d", v.Port)
	}
	for _, p := range v.Params {
		b.WriteByte(';')
		b.WriteString(p.Name)
		if p.Value != "" {
			b.WriteByte('=')
			b.WriteString(p.Value)
		}
	}
	return b.String()
}
