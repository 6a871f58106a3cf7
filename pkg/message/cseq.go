package message

import (
	"strconv"
	"strings"
)

// CSeq is the (sequence number, method) pair from RFC 3261 §8.1.1.5.
type CSeq struct {
	Seq    uint32
	Method string
}

// ParseCSeq parses a "1 INVITE" style value.
func ParseCSeq(value string) (*CSeq, error) {
	fields := strings.Fields(value)
	if len(fields) != 2 {
		return nil, headerInvalid("CSeq", "expected \"<seq> <method>\"")
	}
	n, err := strconv.ParseUint(fields[0], 10, 32)
	if err != nil {
		return nil, headerInvalid("CSeq", "non-numeric sequence")
	}
	return &CSeq{Seq: uint32(n), Method: strings.ToUpper(fields[1])}, nil
}

func (c *CSeq) String() string {
	return strconv.FormatUint(uint64(c.Seq), 10) + " " + c.Method
}
