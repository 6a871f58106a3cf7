// Package message implements the SIP wire codec (spec component C1): typed
// header parsing/serialization for requests and responses, URI parsing, and
// a deterministic re-serializer. Header parsing is tolerant — unknown
// headers survive as opaque name/value pairs — and known headers are
// additionally exposed through typed accessors (Via, From, To, CSeq, ...).
package message

import (
	"fmt"
	"strconv"
	"strings"
)

// Method name constants for the requests this stack builds and dispatches.
const (
	MethodInvite    = "INVITE"
	MethodAck       = "ACK"
	MethodBye       = "BYE"
	MethodCancel    = "CANCEL"
	MethodOptions   = "OPTIONS"
	MethodRegister  = "REGISTER"
	MethodUpdate    = "UPDATE"
	MethodInfo      = "INFO"
	MethodRefer     = "REFER"
	MethodNotify    = "NOTIFY"
	MethodSubscribe = "SUBSCRIBE"
	MethodMessage   = "MESSAGE"
	MethodPrack     = "PRACK"
)

// Message is the common surface shared by Request and Response.
type Message interface {
	IsRequest() bool
	Headers() *Headers
	Body() []byte
	SetBody(body []byte, contentType string)
	CallID() string
	CSeq() (*CSeq, error)
	From() (*Address, error)
	To() (*Address, error)
	Vias() ([]*Via, error)
	String() string
}

// Request is a SIP request message.
type Request struct {
	Method     string
	RequestURI *URI
	headers    *Headers
	body       []byte
}

// Response is a SIP response message.
type Response struct {
	StatusCode   int
	ReasonPhrase string
	headers      *Headers
	body         []byte
}

// NewRequest builds a request with no headers and no body.
func NewRequest(method string, requestURI *URI) *Request {
	return &Request{Method: method, RequestURI: requestURI, headers: NewHeaders()}
}

// NewResponse builds an empty response.
func NewResponse(statusCode int, reason string) *Response {
	if reason == "" {
		reason = ReasonPhrase(statusCode)
	}
	return &Response{StatusCode: statusCode, ReasonPhrase: reason, headers: NewHeaders()}
}

func (r *Request) IsRequest() bool   { return true }
func (r *Response) IsRequest() bool  { return false }
func (r *Request) Headers() *Headers  { return r.headers }
func (r *Response) Headers() *Headers { return r.headers }
func (r *Request) Body() []byte       { return r.body }
func (r *Response) Body() []byte      { return r.body }

func (r *Request) SetBody(body []byte, contentType string) {
	r.body = body
	if contentType != "" {
		r.headers.Set("Content-Type", contentType)
	}
	r.headers.Set("Content-Length", strconv.Itoa(len(body)))
}

func (r *Response) SetBody(body []byte, contentType string) {
	r.body = body
	if contentType != "" {
		r.headers.Set("Content-Type", contentType)
	}
	r.headers.Set("Content-Length", strconv.Itoa(len(body)))
}

func (r *Request) CallID() string  { return r.headers.Get("call-id") }
func (r *Response) CallID() string { return r.headers.Get("call-id") }

func (r *Request) CSeq() (*CSeq, error)  { return ParseCSeq(r.headers.Get("cseq")) }
func (r *Response) CSeq() (*CSeq, error) { return ParseCSeq(r.headers.Get("cseq")) }

func (r *Request) From() (*Address, error)  { return ParseAddress(r.headers.Get("from")) }
func (r *Response) From() (*Address, error) { return ParseAddress(r.headers.Get("from")) }

func (r *Request) To() (*Address, error)  { return ParseAddress(r.headers.Get("to")) }
func (r *Response) To() (*Address, error) { return ParseAddress(r.headers.Get("to")) }

func (r *Request) Vias() ([]*Via, error)  { return parseVias(r.headers) }
func (r *Response) Vias() ([]*Via, error) { return parseVias(r.headers) }

func parseVias(h *Headers) ([]*Via, error) {
	raw := h.GetAll("via")
	vias := make([]*Via, 0, len(raw))
	for _, line := range raw {
		for _, one := range splitTopLevelComma(line) {
			v, err := ParseVia(strings.TrimSpace(one))
			if err != nil {
				return nil, err
			}
			vias = append(vias, v)
		}
	}
	return vias, nil
}

// Contact parses the (possibly multi-valued, possibly "*") Contact header.
func (r *Request) Contact() ([]*Address, error)  { return parseAddressList(r.headers, "contact") }
func (r *Response) Contact() ([]*Address, error) { return parseAddressList(r.headers, "contact") }

// RouteSet parses Route headers in order.
func (r *Request) RouteSet() ([]*Address, error) { return parseAddressList(r.headers, "route") }

// RecordRouteSet parses Record-Route headers in order.
func (r *Response) RecordRouteSet() ([]*Address, error) {
	return parseAddressList(r.headers, "record-route")
}
func (r *Request) RecordRouteSet() ([]*Address, error) {
	return parseAddressList(r.headers, "record-route")
}

func parseAddressList(h *Headers, name string) ([]*Address, error) {
	raw := h.GetAll(name)
	var out []*Address
	for _, line := range raw {
		if strings.TrimSpace(line) == "*" {
			continue
		}
		for _, one := range splitTopLevelComma(line) {
			a, err := ParseAddress(strings.TrimSpace(one))
			if err != nil {
				return nil, err
			}
			out = append(out, a)
		}
	}
	return out, nil
}

// MaxForwards returns the header's integer value and whether it was present.
func (r *Request) MaxForwards() (int, bool) {
	v := r.headers.Get("max-forwards")
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// DecrementMaxForwards mutates Max-Forwards per RFC 3261 §16.6's
// decrement-at-each-hop rule, used to stop forwarding loops.
func (r *Request) DecrementMaxForwards() {
	n, ok := r.MaxForwards()
	if !ok {
		n = 70
	}
	r.headers.Set("Max-Forwards", strconv.Itoa(n-1))
}

// splitTopLevelComma splits on commas that are not inside angle brackets or
// quoted strings, per RFC 3261's header-value folding grammar.
func splitTopLevelComma(s string) []string {
	var out []string
	depth := 0
	inQuotes := false
	start := 0
	for i, r := range s {
		switch r {
		case '"':
			inQuotes = !inQuotes
		case '<':
			if !inQuotes {
				depth++
			}
		case '>':
			if !inQuotes && depth > 0 {
				depth--
			}
		case ',':
			if !inQuotes && depth == 0 {
				out = append(out, s[start:i])
				start = i + 1
			}
		}
	}
	out = append(out, s[start:])
	return out
}

func (r *Request) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s SIP/2.0\r\n", r.Method, r.RequestURI.String())
	writeHeaders(&b, r.headers)
	b.WriteString("\r\n")
	b.Write(r.body)
	return b.String()
}

func (r *Response) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "SIP/2.0 %d %s\r\n", r.StatusCode, r.ReasonPhrase)
	writeHeaders(&b, r.headers)
	b.WriteString("\r\n")
	b.Write(r.body)
	return b.String()
}

func writeHeaders(b *strings.Builder, h *Headers) {
	h.Each(func(name, value string) {
		b.WriteString(name)
		b.WriteString(": ")
		b.WriteString(value)
		b.WriteString("\r\n")
	})
}

// Serialize returns the wire bytes for a message (alias of String(), kept
// distinct so callers working with []byte don't allocate a throwaway string
// conversion at call sites).
func Serialize(m Message) []byte { return []byte(m.String()) }
