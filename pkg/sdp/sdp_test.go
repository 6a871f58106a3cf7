package sdp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const offer = "v=0\r\n" +
	"o=- 1234 1234 IN IP4 198.51.100.1\r\n" +
	"s=-\r\n" +
	"c=IN IP4 198.51.100.1\r\n" +
	"t=0 0\r\n" +
	"m=audio 30000 RTP/AVP 0 8 101\r\n" +
	"a=rtpmap:101 telephone-event/8000\r\n" +
	"a=fmtp:101 0-16\r\n" +
	"a=ptime:20\r\n" +
	"a=sendrecv\r\n" +
	"a=crypto:1 AES_CM_128_HMAC_SHA1_80 inline:WVNfX19zZW1jdGwgGyogewo1ODQ0OTIy|2^31\r\n"

func TestParseOfferAndPayloadFormats(t *testing.T) {
	sess, err := Parse([]byte(offer))
	require.NoError(t, err)
	require.Len(t, sess.MediaDescs, 1)
	md := sess.MediaDescs[0]
	assert.Equal(t, "audio", md.Type)
	assert.Equal(t, 30000, md.Port)
	assert.Equal(t, "sendrecv", md.Direction())

	formats, err := md.PayloadFormats()
	require.NoError(t, err)
	require.Len(t, formats, 3)
	assert.Equal(t, "PCMU", formats[0].Name) // static assignment, no rtpmap
	assert.Equal(t, 8000, formats[0].ClockRate)
	assert.Equal(t, "telephone-event", formats[2].Name)
	assert.Equal(t, 20, formats[2].PacketMS)

	cryptos, err := md.CryptoAttrs()
	require.NoError(t, err)
	require.Len(t, cryptos, 1)
	assert.Equal(t, "AES_CM_128_HMAC_SHA1_80", cryptos[0].Suite)
	assert.Equal(t, "2^31", cryptos[0].Lifetime)
	assert.True(t, md.UsesSRTP())
}

func TestSessionRoundTripPreservesMediaCount(t *testing.T) {
	sess, err := Parse([]byte(offer))
	require.NoError(t, err)
	again, err := Parse([]byte(sess.String()))
	require.NoError(t, err)
	assert.Equal(t, len(sess.MediaDescs), len(again.MediaDescs))
	assert.Equal(t, sess.MediaDescs[0].Port, again.MediaDescs[0].Port)
}

func TestG722ClockRateErratum(t *testing.T) {
	md := &MediaDescription{Formats: []string{"9"}}
	formats, err := md.PayloadFormats()
	require.NoError(t, err)
	assert.Equal(t, 8000, formats[0].ClockRate)
}
