package message

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseURIBasic(t *testing.T) {
	u, err := ParseURI("sip:alice@example.com:5060;transport=tcp")
	require.NoError(t, err)
	assert.Equal(t, "sip", u.Scheme)
	assert.Equal(t, "alice", u.User)
	assert.Equal(t, "example.com", u.Host)
	assert.Equal(t, 5060, u.Port)
	v, ok := u.Param("transport")
	assert.True(t, ok)
	assert.Equal(t, "tcp", v)
}

func TestParseURIIPv6(t *testing.T) {
	u, err := ParseURI("sip:bob@[2001:db8::1]:5061")
	require.NoError(t, err)
	assert.Equal(t, "[2001:db8::1]", u.Host)
	assert.Equal(t, 5061, u.Port)
}

func TestParseURITel(t *testing.T) {
	u, err := ParseURI("tel:+14155551234")
	require.NoError(t, err)
	assert.Equal(t, "tel", u.Scheme)
	assert.Equal(t, "+14155551234", u.User)
}

func TestURIRoundTrip(t *testing.T) {
	original := "sip:alice@example.com:5060;transport=tcp;lr"
	u, err := ParseURI(original)
	require.NoError(t, err)
	reparsed, err := ParseURI(u.String())
	require.NoError(t, err)
	assert.Equal(t, u.Host, reparsed.Host)
	assert.Equal(t, u.Port, reparsed.Port)
	lr, ok := reparsed.Param("lr")
	assert.True(t, ok)
	assert.Equal(t, "", lr)
}

func TestParseURINameAddrBrackets(t *testing.T) {
	u, err := ParseURI(`"Alice" <sip:alice@example.com>`)
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", u.User+"@"+u.Host)
}

func TestParseURIRejectsUnknownScheme(t *testing.T) {
	_, err := ParseURI("http://example.com")
	require.Error(t, err)
}
