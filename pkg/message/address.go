package message

import (
	"strings"
)

// Address represents a name-addr header value shared by From, To, Contact,
// Route, Record-Route and Refer-To:
//
//	"Display Name" <sip:user@host>;tag=...
type Address struct {
	DisplayName string
	URI         *URI
	Params      []Param
}

// ParseAddress parses one address-spec value.
func ParseAddress(value string) (*Address, error) {
	value = strings.TrimSpace(value)
	a := &Address{}

	rest := value
	if lt := strings.IndexByte(rest, '<'); lt >= 0 {
		a.DisplayName = strings.Trim(strings.TrimSpace(rest[:lt]), `"`)
		gt := strings.IndexByte(rest, '>')
		if gt < 0 || gt < lt {
			return nil, headerInvalid("address", "unterminated name-addr")
		}
		uriPart := rest[lt+1 : gt]
		u, err := ParseURI(uriPart)
		if err != nil {
			return nil, err
		}
		a.URI = u
		for _, kv := range splitParams(rest[gt+1:]) {
			name, val, has := strings.Cut(kv, "=")
			if !has {
				a.Params = append(a.Params, Param{Name: name})
			} else {
				a.Params = append(a.Params, Param{Name: name, Value: val})
			}
		}
		return a, nil
	}

	// bare addr-spec, optionally followed by header params (only legal
	// when the URI itself has no ';' ambiguity — handled by ParseURI which
	// consumes URI params greedily, so split any trailing header params
	// heuristically is unnecessary: treat the whole value as the URI and
	// pull header-level params that ParseURI attached to URI.Params is
	// acceptable for a bare addr-spec per RFC 3261 grammar).
	u, err := ParseURI(rest)
	if err != nil {
		return nil, err
	}
	a.URI = u
	return a, nil
}

func splitParams(s string) []string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, ";")
	if s == "" {
		return nil
	}
	return strings.Split(s, ";")
}

// Param returns a header-level parameter (e.g. "tag").
func (a *Address) Param(name string) (string, bool) {
	for _, p := range a.Params {
		if strings.EqualFold(p.Name, name) {
			return p.Value, true
		}
	}
	return "", false
}

// SetParam sets (or replaces) a header-level parameter.
func (a *Address) SetParam(name, value string) {
	for i, p := range a.Params {
		if strings.EqualFold(p.Name, name) {
			a.Params[i].Value = value
			return
		}
	}
	a.Params = append(a.Params, Param{Name: name, Value: value})
}

// Tag is a convenience accessor for the "tag" parameter used by From/To.
func (a *Address) Tag() string {
	t, _ := a.Param("tag")
	return t
}

// String serializes the address-spec.
func (a *Address) String() string {
	var b strings.Builder
	if a.DisplayName != "" {
		b.WriteByte('"')
		b.WriteString(a.DisplayName)
		b.WriteString(`" `)
	}
	b.WriteByte('<')
	b.WriteString(a.URI.String())
	b.WriteByte('>')
	for _, p := range a.Params {
		b.WriteByte(';')
		b.WriteString(p.Name)
		if p.Value != "" {
			b.WriteByte('=')
			b.WriteString(p.Value)
		}
	}
	return b.String()
}

// Clone deep-copies the address.
func (a *Address) Clone() *Address {
	c := &Address{DisplayName: a.DisplayName, URI: a.URI.Clone()}
	c.Params = append([]Param(nil), a.Params...)
	return c
}
