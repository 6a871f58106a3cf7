package rtp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Invariant 2 (spec.md §8): for every 12-byte-header packet,
// parse(serialize(P)) == P.
func TestPacketRoundTrip(t *testing.T) {
	p := &Packet{
		Header: Header{
			Version:        2,
			Marker:         true,
			PayloadType:    0,
			SequenceNumber: 1000,
			Timestamp:      160000,
			SSRC:           0xdeadbeef,
			CSRC:           []uint32{1, 2},
		},
		Payload: []byte{0x01, 0x02, 0x03, 0x04},
	}
	buf, err := p.Marshal()
	require.NoError(t, err)

	got, err := Unmarshal(buf)
	require.NoError(t, err)
	assert.Equal(t, p.Header.SequenceNumber, got.Header.SequenceNumber)
	assert.Equal(t, p.Header.Timestamp, got.Header.Timestamp)
	assert.Equal(t, p.Header.SSRC, got.Header.SSRC)
	assert.Equal(t, p.Header.CSRC, got.Header.CSRC)
	assert.Equal(t, p.Payload, got.Payload)
	assert.True(t, got.Header.Marker)
}

func TestPacketWithExtension(t *testing.T) {
	p := &Packet{
		Header: Header{
			Version: 2, PayloadType: 96, SequenceNumber: 5, Timestamp: 8000, SSRC: 42,
			Extension:  true,
			Extensions: []Extension{{ID: 1, Payload: []byte{0xAA, 0xBB}}},
		},
		Payload: []byte{0xff},
	}
	buf, err := p.Marshal()
	require.NoError(t, err)
	got, err := Unmarshal(buf)
	require.NoError(t, err)
	require.Len(t, got.Header.Extensions, 1)
	assert.Equal(t, uint8(1), got.Header.Extensions[0].ID)
	assert.Equal(t, []byte{0xAA, 0xBB}, got.Header.Extensions[0].Payload)
}

func TestUnmarshalRejectsShortPacket(t *testing.T) {
	_, err := Unmarshal(make([]byte, 11))
	assert.ErrorIs(t, err, ErrPacketTooShort)
}

func TestUnmarshalRejectsBadVersion(t *testing.T) {
	buf := make([]byte, 12)
	buf[0] = 0x00 // version 0
	_, err := Unmarshal(buf)
	assert.ErrorIs(t, err, ErrBadVersion)
}

func TestUnmarshalRejectsExtensionOverrun(t *testing.T) {
	buf := make([]byte, 16)
	buf[0] = 0x90 // version 2, X=1
	buf[2], buf[3] = 0, 1
	// declared extension length 0xffff words, far beyond buffer
	buf[12], buf[13] = 0x00, 0x00
	buf[14], buf[15] = 0xff, 0xff
	_, err := Unmarshal(buf)
	assert.ErrorIs(t, err, ErrExtensionOOB)
}

func TestSeqDiffWrap(t *testing.T) {
	assert.Equal(t, int16(1), SeqDiff(65535, 0))
	assert.Equal(t, int16(1), SeqDiff(10, 11))
}
