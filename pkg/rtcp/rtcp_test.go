package rtcp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSenderReportRoundTrip(t *testing.T) {
	sr := &SenderReport{
		SSRC: 0x1234, NTPTime: NTPTimestamp(time.Now()), RTPTime: 8000,
		PacketCount: 100, OctetCount: 16000,
		Reports: []ReceptionReport{{SSRC: 0x5678, FractionLost: 12, CumulativeLost: 3, HighestSeqNum: 100, Jitter: 4, LastSR: 99, DelaySinceLastSR: 10}},
	}
	buf, err := sr.Marshal()
	require.NoError(t, err)

	got, err := UnmarshalSenderReport(buf)
	require.NoError(t, err)
	assert.Equal(t, sr.SSRC, got.SSRC)
	assert.Equal(t, sr.RTPTime, got.RTPTime)
	assert.Equal(t, sr.PacketCount, got.PacketCount)
	require.Len(t, got.Reports, 1)
	assert.Equal(t, sr.Reports[0], got.Reports[0])
}

func TestReceiverReportRoundTrip(t *testing.T) {
	rr := &ReceiverReport{
		SSRC: 0xaaaa,
		Reports: []ReceptionReport{
			{SSRC: 1, FractionLost: 1, CumulativeLost: 1, HighestSeqNum: 1, Jitter: 1, LastSR: 1, DelaySinceLastSR: 1},
			{SSRC: 2, FractionLost: 2, CumulativeLost: 2, HighestSeqNum: 2, Jitter: 2, LastSR: 2, DelaySinceLastSR: 2},
		},
	}
	buf, err := rr.Marshal()
	require.NoError(t, err)
	got, err := UnmarshalReceiverReport(buf)
	require.NoError(t, err)
	assert.Equal(t, rr.SSRC, got.SSRC)
	require.Len(t, got.Reports, 2)
	assert.Equal(t, rr.Reports, got.Reports)
}

func TestSourceDescriptionRoundTrip(t *testing.T) {
	sdes := &SourceDescription{Chunks: []SDESChunk{
		{Source: 42, Items: []SDESItem{{Type: SDESCNAME, Text: []byte("alice@example.com")}}},
	}}
	buf, err := sdes.Marshal()
	require.NoError(t, err)
	got, err := UnmarshalSourceDescription(buf)
	require.NoError(t, err)
	require.Len(t, got.Chunks, 1)
	assert.Equal(t, uint32(42), got.Chunks[0].Source)
	require.Len(t, got.Chunks[0].Items, 1)
	assert.Equal(t, []byte("alice@example.com"), got.Chunks[0].Items[0].Text)
}

func TestGoodbyeRoundTrip(t *testing.T) {
	bye := &Goodbye{Sources: []uint32{1, 2, 3}, Reason: "call ended"}
	buf, err := bye.Marshal()
	require.NoError(t, err)
	got, err := UnmarshalGoodbye(buf)
	require.NoError(t, err)
	assert.Equal(t, bye.Sources, got.Sources)
	assert.Equal(t, bye.Reason, got.Reason)
}

func TestExtendedReportVoIPMetricsRoundTrip(t *testing.T) {
	xr := &ExtendedReport{
		SSRC: 7,
		Metrics: &VoIPMetrics{
			SSRC: 7, LossRate: 1, RFactor: 90, MOSCQ: 42,
			JitterBufferNominal: 20, JitterBufferMaximum: 100, JitterBufferAbsoluteMax: 200,
		},
	}
	buf, err := xr.Marshal()
	require.NoError(t, err)
	got, err := UnmarshalExtendedReport(buf)
	require.NoError(t, err)
	require.NotNil(t, got.Metrics)
	assert.Equal(t, xr.Metrics.RFactor, got.Metrics.RFactor)
	assert.Equal(t, xr.Metrics.MOSCQ, got.Metrics.MOSCQ)
}

func TestCompoundPacketRequiresSRorRRFirst(t *testing.T) {
	sdes := &SourceDescription{Chunks: []SDESChunk{{Source: 1, Items: []SDESItem{{Type: SDESCNAME, Text: []byte("x")}}}}}
	sdesBuf, err := sdes.Marshal()
	require.NoError(t, err)
	_, err = CompoundPacket(sdesBuf)
	assert.Error(t, err)

	rr := &ReceiverReport{SSRC: 1}
	rrBuf, err := rr.Marshal()
	require.NoError(t, err)
	compound, err := CompoundPacket(rrBuf, sdesBuf)
	require.NoError(t, err)
	assert.Greater(t, len(compound), len(rrBuf))
}

func TestRFactorToMOSMonotonic(t *testing.T) {
	low := RFactorToMOS(50)
	high := RFactorToMOS(90)
	assert.Less(t, low, high)
	assert.GreaterOrEqual(t, RFactorToMOS(-10), 1.0)
	assert.LessOrEqual(t, RFactorToMOS(200), 4.5)
}

func TestFractionLostClampsToZeroWhenNoLoss(t *testing.T) {
	assert.Equal(t, uint8(0), FractionLost(100, 100))
	assert.Equal(t, uint8(0), FractionLost(0, 0))
}
