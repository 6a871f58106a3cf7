package dtls

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientHelloThenHelloVerifyRequestFlow(t *testing.T) {
	client, err := NewHandshake(RoleClient, []SRTPProtectionProfile{ProfileAES128CMHMACSHA1_80})
	require.NoError(t, err)

	ch1, err := client.ClientHello()
	require.NoError(t, err)
	require.Equal(t, StateSentClientHello, client.State())

	f1, err := unmarshalFragment(ch1)
	require.NoError(t, err)
	assert.Equal(t, MsgClientHello, f1.msgType)
	assert.Equal(t, byte(0), f1.body[35]) // no cookie yet: cookie-length byte is 0

	cookie := GenerateCookie([]byte("server-secret"), f1.body[2:34])
	ch2, err := client.OnHelloVerifyRequest(cookie)
	require.NoError(t, err)
	require.Equal(t, StateSentClientHello2, client.State())

	f2, err := unmarshalFragment(ch2)
	require.NoError(t, err)
	assert.Equal(t, cookie, f2.body[36:36+len(cookie)])
}

func TestOnServerHelloExtractsSRTPProfile(t *testing.T) {
	client, err := NewHandshake(RoleClient, []SRTPProtectionProfile{ProfileAES128CMHMACSHA1_80})
	require.NoError(t, err)
	client.state = StateSentClientHello2

	var serverRandom [32]byte
	// ServerHello body: version, random, empty session_id, the chosen
	// cipher suite, null compression, then the use_srtp extension.
	serverHello := append([]byte{0xfe, 0xfd}, serverRandom[:]...)
	serverHello = append(serverHello, 0, 0xc0, 0x2b, 0)
	ext := marshalUseSRTPExtension([]SRTPProtectionProfile{ProfileAES128CMHMACSHA1_80})
	serverHello = append(serverHello, byte(len(ext)>>8), byte(len(ext)))
	serverHello = append(serverHello, ext...)
	require.NoError(t, client.OnServerHello(serverHello))
	assert.Equal(t, ProfileAES128CMHMACSHA1_80, client.SelectedProfile())
	assert.Equal(t, StateWaitCertificate, client.State())
}

func TestOnServerHelloRejectsOutOfOrder(t *testing.T) {
	client, err := NewHandshake(RoleClient, nil)
	require.NoError(t, err)
	err = client.OnServerHello(make([]byte, 40))
	assert.ErrorIs(t, err, ErrUnexpectedMessage)
}

func TestPRF12Deterministic(t *testing.T) {
	out := prf12([]byte("secret"), []byte("label"), []byte("seed"), 48)
	assert.Len(t, out, 48)
	out2 := prf12([]byte("secret"), []byte("label"), []byte("seed"), 48)
	assert.Equal(t, out, out2, "PRF must be deterministic for identical inputs")

	out3 := prf12([]byte("secret"), []byte("label"), []byte("different-seed"), 48)
	assert.NotEqual(t, out, out3)
}

func TestGenerateCookieDeterministicAndKeyed(t *testing.T) {
	c1 := GenerateCookie([]byte("secret"), []byte("clientrandom"))
	c2 := GenerateCookie([]byte("secret"), []byte("clientrandom"))
	assert.Equal(t, c1, c2)
	c3 := GenerateCookie([]byte("other-secret"), []byte("clientrandom"))
	assert.NotEqual(t, c1, c3)
}

func TestDeriveSRTPKeysSplitsExportedMaterial(t *testing.T) {
	h := &Handshake{state: StateEstablished, masterSecret: make([]byte, 48)}
	for i := range h.masterSecret {
		h.masterSecret[i] = byte(i)
	}
	var cr, sr [32]byte
	h.clientRand, h.serverRand = cr, sr

	keys, err := h.DeriveSRTPKeys()
	require.NoError(t, err)
	assert.Len(t, keys.ClientWriteKey, 16)
	assert.Len(t, keys.ServerWriteKey, 16)
	assert.Len(t, keys.ClientWriteSalt, 14)
	assert.Len(t, keys.ServerWriteSalt, 14)
	assert.NotEqual(t, keys.ClientWriteKey, keys.ServerWriteKey)
}

func TestExportKeyingMaterialFailsBeforeEstablished(t *testing.T) {
	h := &Handshake{state: StateWaitFinished}
	_, err := h.ExportKeyingMaterial("label", nil, 16)
	assert.Error(t, err)
}

func TestUseSRTPExtensionLayout(t *testing.T) {
	ext := marshalUseSRTPExtension([]SRTPProtectionProfile{ProfileAES128CMHMACSHA1_80, ProfileAES128CMHMACSHA1_32})
	// extType(2) + extLen(2) + profileListLen(2) + profiles(4) + mki(1)
	require.Len(t, ext, 2+2+2+4+1)
}

func TestReassemblerAcrossTwoFragments(t *testing.T) {
	r := newReassembler()
	full := []byte("0123456789")
	f1 := fragment{msgType: MsgCertificate, messageSeq: 1, length: 10, fragmentOffset: 0, fragmentLength: 5, body: full[:5]}
	f2 := fragment{msgType: MsgCertificate, messageSeq: 1, length: 10, fragmentOffset: 5, fragmentLength: 5, body: full[5:]}

	assert.Nil(t, r.Add(f1))
	got := r.Add(f2)
	require.NotNil(t, got)
	assert.Equal(t, full, got)
}
