package message

import "strings"

// compactForms maps the RFC 3261 §7.3.3 compact header names to their long form.
var compactForms = map[string]string{
	"i": "call-id",
	"m": "contact",
	"f": "from",
	"t": "to",
	"v": "via",
	"c": "content-type",
	"l": "content-length",
	"k": "supported",
	"s": "subject",
	"e": "event",
}

func canonicalKey(name string) string {
	lower := strings.ToLower(name)
	if long, ok := compactForms[lower]; ok {
		return long
	}
	return lower
}

// Headers is an ordered, case-insensitive multimap of SIP headers. Unknown
// headers are kept as opaque name/value pairs; known ones are additionally
// exposed through typed accessors on Message that parse the raw value.
//
// Add stores each header line as received, comma-joined values included:
// a Via or address-family header arriving as one comma-separated line (RFC
// 3261 §7.3.1 folding) is kept as a single raw entry here and only split into
// distinct values lazily, by splitTopLevelComma inside the typed accessors
// (parseVias, parseAddressList) when a caller actually asks for them.
type Headers struct {
	values map[string][]string // canonical key -> ordered values
	names  map[string]string   // canonical key -> first-seen display name
	order  []string            // canonical keys in first-seen order
}

// NewHeaders returns an empty header set.
func NewHeaders() *Headers {
	return &Headers{values: make(map[string][]string), names: make(map[string]string)}
}

// Add appends a value, preserving any existing values under the same name.
func (h *Headers) Add(name, value string) {
	key := canonicalKey(name)
	if _, ok := h.values[key]; !ok {
		h.order = append(h.order, key)
		h.names[key] = name
	}
	h.values[key] = append(h.values[key], value)
}

// Set replaces all values for name with a single value.
func (h *Headers) Set(name, value string) {
	key := canonicalKey(name)
	if _, ok := h.values[key]; !ok {
		h.order = append(h.order, key)
	}
	h.names[key] = name
	h.values[key] = []string{value}
}

// Get returns the first value for name, or "" if absent.
func (h *Headers) Get(name string) string {
	vs := h.values[canonicalKey(name)]
	if len(vs) == 0 {
		return ""
	}
	return vs[0]
}

// GetAll returns every value for name in arrival order.
func (h *Headers) GetAll(name string) []string {
	return h.values[canonicalKey(name)]
}

// Has reports whether at least one value is present for name.
func (h *Headers) Has(name string) bool {
	return len(h.values[canonicalKey(name)]) > 0
}

// Remove deletes every value for name.
func (h *Headers) Remove(name string) {
	key := canonicalKey(name)
	if _, ok := h.values[key]; !ok {
		return
	}
	delete(h.values, key)
	delete(h.names, key)
	for i, k := range h.order {
		if k == key {
			h.order = append(h.order[:i], h.order[i+1:]...)
			break
		}
	}
}

// Clone deep-copies the header set.
func (h *Headers) Clone() *Headers {
	c := NewHeaders()
	c.order = append([]string(nil), h.order...)
	for k, v := range h.values {
		c.values[k] = append([]string(nil), v...)
	}
	for k, v := range h.names {
		c.names[k] = v
	}
	return c
}

// Each calls fn for every (display-name, value) pair in wire order.
func (h *Headers) Each(fn func(name, value string)) {
	for _, key := range h.order {
		name := h.names[key]
		for _, v := range h.values[key] {
			fn(name, v)
		}
	}
}
