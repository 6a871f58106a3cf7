package message

import (
	"bytes"
	"strconv"
	"strings"
)

const (
	maxMessageSize = 65536
	maxHeaderLine  = 8192
	maxHeaderCount = 200
)

// Parser parses SIP messages from bytes. Strict mode rejects messages
// missing mandatory headers (To, From, Call-ID, CSeq, Via); non-strict mode
// (the default for a proxy-ish consumer that must forward malformed-but-
// parseable messages) tolerates their absence.
type Parser struct {
	Strict bool
}

// NewParser returns a tolerant parser; set Strict on the returned value for
// RFC-conformance checks.
func NewParser() *Parser { return &Parser{} }

// ParseMessage parses one SIP message. It does not consume trailing bytes
// beyond Content-Length for bodies with a known length; callers framing a
// stream (TCP/TLS) should slice exactly one message's bytes first.
func (p *Parser) ParseMessage(data []byte) (Message, error) {
	if len(data) == 0 {
		return nil, &ParseError{At: 0, Reason: "empty input", Err: ErrTruncated}
	}
	if len(data) > maxMessageSize {
		return nil, &ParseError{At: 0, Reason: "message exceeds maximum size", Err: ErrMessageTooLarge}
	}

	sep := []byte("\r\n\r\n")
	headerEnd := bytes.Index(data, sep)
	sepLen := 4
	if headerEnd < 0 {
		sep = []byte("\n\n")
		headerEnd = bytes.Index(data, sep)
		sepLen = 2
		if headerEnd < 0 {
			return nil, &ParseError{At: len(data), Reason: "no end of headers found", Err: ErrTruncated}
		}
	}
	headerBlock := data[:headerEnd]
	body := data[headerEnd+sepLen:]

	lines := splitLines(headerBlock)
	if len(lines) == 0 {
		return nil, &ParseError{At: 0, Reason: "empty start line", Err: ErrInvalidStartLine}
	}
	startLine := strings.TrimSpace(string(lines[0]))

	headers, err := p.parseHeaders(lines[1:])
	if err != nil {
		return nil, err
	}

	// Content-Length governs how much of `body` belongs to this message;
	// tolerate its absence (common on UDP) by taking everything that's left.
	if cl := headers.Get("content-length"); cl != "" {
		n, err := strconv.Atoi(strings.TrimSpace(cl))
		if err != nil {
			return nil, headerInvalid("Content-Length", "not numeric")
		}
		if n < 0 || n > len(body) {
			return nil, &ParseError{At: headerEnd, Reason: "body shorter than Content-Length", Err: ErrTruncated}
		}
		body = body[:n]
	}

	if strings.HasPrefix(startLine, "SIP/") {
		return p.parseStatusLine(startLine, headers, body)
	}
	return p.parseRequestLine(startLine, headers, body)
}

func (p *Parser) parseRequestLine(line string, headers *Headers, body []byte) (*Request, error) {
	fields := strings.Fields(line)
	if len(fields) != 3 {
		return nil, malformed(0, "request line must have 3 fields")
	}
	method := strings.ToUpper(fields[0])
	uri, err := ParseURI(fields[1])
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(fields[2], "SIP/2.0") {
		return nil, &ParseError{At: 0, Reason: "unsupported SIP version", Err: ErrInvalidVersion}
	}
	req := &Request{Method: method, RequestURI: uri, headers: headers, body: body}
	if p.Strict {
		if err := requireHeaders(headers, "to", "from", "call-id", "cseq", "via"); err != nil {
			return nil, err
		}
	}
	return req, nil
}

func (p *Parser) parseStatusLine(line string, headers *Headers, body []byte) (*Response, error) {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 {
		return nil, malformed(0, "status line must have a version and status code")
	}
	if !strings.HasPrefix(parts[0], "SIP/2.0") {
		return nil, &ParseError{At: 0, Reason: "unsupported SIP version", Err: ErrInvalidVersion}
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil || code < 100 || code > 699 {
		return nil, &ParseError{At: 0, Reason: "status code out of range", Err: ErrInvalidStatus}
	}
	reason := ""
	if len(parts) == 3 {
		reason = parts[2]
	} else {
		reason = ReasonPhrase(code)
	}
	resp := &Response{StatusCode: code, ReasonPhrase: reason, headers: headers, body: body}
	if p.Strict {
		if err := requireHeaders(headers, "to", "from", "call-id", "cseq", "via"); err != nil {
			return nil, err
		}
	}
	return resp, nil
}

func (p *Parser) parseHeaders(lines [][]byte) (*Headers, error) {
	h := NewHeaders()
	count := 0
	for i := 0; i < len(lines); i++ {
		line := lines[i]
		if len(line) == 0 {
			continue
		}
		// RFC 3261 §7.3.1 line folding: a continuation line starts with
		// whitespace.
		for i+1 < len(lines) && len(lines[i+1]) > 0 && isWSP(lines[i+1][0]) {
			i++
			line = append(append(append([]byte{}, line...), ' '), bytes.TrimSpace(lines[i])...)
		}
		if len(line) > maxHeaderLine {
			return nil, &ParseError{At: -1, Reason: "header line too long", Err: ErrHeaderInvalid}
		}
		colon := bytes.IndexByte(line, ':')
		if colon < 0 {
			if p.Strict {
				return nil, malformed(-1, "header missing colon")
			}
			continue
		}
		name := string(bytes.TrimSpace(line[:colon]))
		value := string(bytes.TrimSpace(line[colon+1:]))
		if name == "" {
			continue
		}
		count++
		if count > maxHeaderCount {
			return nil, &ParseError{At: -1, Reason: "too many headers", Err: ErrHeaderInvalid}
		}
		h.Add(name, value)
	}
	return h, nil
}

func requireHeaders(h *Headers, names ...string) error {
	for _, n := range names {
		if !h.Has(n) {
			return headerInvalid(n, "mandatory header missing")
		}
	}
	return nil
}

func isWSP(b byte) bool { return b == ' ' || b == '\t' }

func splitLines(data []byte) [][]byte {
	if bytes.Contains(data, []byte("\r\n")) {
		return bytes.Split(data, []byte("\r\n"))
	}
	return bytes.Split(data, []byte("\n"))
}
