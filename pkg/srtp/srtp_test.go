package srtp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKeys() ([]byte, []byte) {
	key := make([]byte, masterKeyLen)
	salt := make([]byte, masterSaltLen)
	for i := range key {
		key[i] = byte(i + 1)
	}
	for i := range salt {
		salt[i] = byte(i + 100)
	}
	return key, salt
}

func TestRTPEncryptDecryptRoundTrip(t *testing.T) {
	key, salt := testKeys()
	enc, err := NewContext(key, salt)
	require.NoError(t, err)
	dec, err := NewContext(key, salt)
	require.NoError(t, err)

	header := []byte{0x80, 0, 0, 1, 0, 0, 0, 1, 0, 0, 0, 0xaa}
	payload := []byte("hello rtp payload")

	srtpPkt, err := enc.EncryptRTP(header, payload, 0xaa, 1)
	require.NoError(t, err)

	got, err := dec.DecryptRTP(srtpPkt, len(header), 0xaa, 1)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestRTPDecryptRejectsReplay(t *testing.T) {
	key, salt := testKeys()
	enc, err := NewContext(key, salt)
	require.NoError(t, err)
	dec, err := NewContext(key, salt)
	require.NoError(t, err)

	header := []byte{0x80, 0, 0, 1, 0, 0, 0, 1, 0, 0, 0, 0xaa}
	srtpPkt, err := enc.EncryptRTP(header, []byte("payload"), 0xaa, 5)
	require.NoError(t, err)

	_, err = dec.DecryptRTP(srtpPkt, len(header), 0xaa, 5)
	require.NoError(t, err)

	_, err = dec.DecryptRTP(srtpPkt, len(header), 0xaa, 5)
	assert.ErrorIs(t, err, ErrReplay)
}

func TestRTPDecryptRejectsTamperedAuthTag(t *testing.T) {
	key, salt := testKeys()
	enc, err := NewContext(key, salt)
	require.NoError(t, err)
	dec, err := NewContext(key, salt)
	require.NoError(t, err)

	header := []byte{0x80, 0, 0, 1, 0, 0, 0, 1, 0, 0, 0, 0xaa}
	srtpPkt, err := enc.EncryptRTP(header, []byte("payload"), 0xaa, 7)
	require.NoError(t, err)
	srtpPkt[len(srtpPkt)-1] ^= 0xff

	_, err = dec.DecryptRTP(srtpPkt, len(header), 0xaa, 7)
	assert.ErrorIs(t, err, ErrAuthFailed)
}

func TestRTPDecryptDoesNotAdvanceWindowOnAuthFailure(t *testing.T) {
	key, salt := testKeys()
	enc, err := NewContext(key, salt)
	require.NoError(t, err)
	dec, err := NewContext(key, salt)
	require.NoError(t, err)

	header := []byte{0x80, 0, 0, 1, 0, 0, 0, 1, 0, 0, 0, 0xaa}

	forged, err := enc.EncryptRTP(header, []byte("forged"), 0xaa, 9)
	require.NoError(t, err)
	forged[len(forged)-1] ^= 0xff
	_, err = dec.DecryptRTP(forged, len(header), 0xaa, 9)
	require.ErrorIs(t, err, ErrAuthFailed)

	// A legitimate packet at the same (never-committed) sequence number
	// must still be accepted: the forged packet's bad tag must not have
	// slid the replay window forward.
	genuine, err := enc.EncryptRTP(header, []byte("genuine"), 0xaa, 9)
	require.NoError(t, err)
	got, err := dec.DecryptRTP(genuine, len(header), 0xaa, 9)
	require.NoError(t, err)
	assert.Equal(t, []byte("genuine"), got)
}

func TestRTCPEncryptDecryptRoundTrip(t *testing.T) {
	key, salt := testKeys()
	enc, err := NewContext(key, salt)
	require.NoError(t, err)
	dec, err := NewContext(key, salt)
	require.NoError(t, err)

	compound := make([]byte, 8+20)
	compound[0] = 0x81
	compound[1] = 200
	copy(compound[4:8], []byte{0, 0, 0xaa, 0xbb})
	for i := 8; i < len(compound); i++ {
		compound[i] = byte(i)
	}

	encrypted, err := enc.EncryptRTCP(compound, 0xaabb)
	require.NoError(t, err)

	decrypted, err := dec.DecryptRTCP(encrypted, 0xaabb)
	require.NoError(t, err)
	assert.Equal(t, compound, decrypted)
}

func TestNewContextRejectsBadKeyLengths(t *testing.T) {
	_, err := NewContext(make([]byte, 10), make([]byte, masterSaltLen))
	assert.ErrorIs(t, err, ErrBadKeyLen)
	_, err = NewContext(make([]byte, masterKeyLen), make([]byte, 5))
	assert.ErrorIs(t, err, ErrBadSaltLen)
}

func TestRekeyChangesDerivedKeysAndResetsReplayState(t *testing.T) {
	key, salt := testKeys()
	enc, err := NewContext(key, salt)
	require.NoError(t, err)
	dec, err := NewContext(key, salt)
	require.NoError(t, err)

	header := []byte{0x80, 0, 0, 1, 0, 0, 0, 1, 0, 0, 0, 0xaa}
	first, err := enc.EncryptRTP(header, []byte("before rekey"), 0xaa, 1)
	require.NoError(t, err)
	_, err = dec.DecryptRTP(first, len(header), 0xaa, 1)
	require.NoError(t, err)

	newKey, newSalt := make([]byte, masterKeyLen), make([]byte, masterSaltLen)
	for i := range newKey {
		newKey[i] = byte(255 - i)
	}
	for i := range newSalt {
		newSalt[i] = byte(200 - i)
	}
	require.NoError(t, enc.Rekey(newKey, newSalt))
	require.NoError(t, dec.Rekey(newKey, newSalt))

	// A sequence number already consumed under the old key is accepted
	// again after Rekey, since the replay window belongs to the retired
	// cryptographic context.
	second, err := enc.EncryptRTP(header, []byte("after rekey"), 0xaa, 1)
	require.NoError(t, err)
	got, err := dec.DecryptRTP(second, len(header), 0xaa, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte("after rekey"), got)

	// The old key can no longer decrypt traffic encrypted under the new one.
	stale, err := NewContext(key, salt)
	require.NoError(t, err)
	_, err = stale.DecryptRTP(second, len(header), 0xaa, 1)
	assert.Error(t, err)
}
