package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return New(DefaultConfig(), prometheus.NewRegistry())
}

func TestDisabledRegistryMethodsAreNoOps(t *testing.T) {
	r := Disabled()
	r.DialogCreated()
	r.DialogTerminated(time.Second)
	r.RTPPacketSent()
	r.ErrorOccurred("dialog", "TransactionError")
}

func TestRegistryRecordsWithoutPanicking(t *testing.T) {
	r := newTestRegistry(t)

	r.TransactionCompleted("INVITE", "client", 50*time.Millisecond)
	r.TransactionTimedOut("TimerB")
	r.DialogCreated()
	r.DialogStateTransition("Early", "Confirmed")
	r.DialogTerminated(10 * time.Second)
	r.ReferOperation("refer", "accepted")
	r.RTPPacketSent()
	r.RTPPacketReceived()
	r.RTPPacketsLost(3)
	r.RTPJitter(5 * time.Millisecond)
	r.RTCPReportSent()
	r.MediaQualityObserved(4.1)
	r.SRTPAuthFailure()
	r.SRTPReplayDrop()
	r.DTLSHandshakeCompleted(true, 120*time.Millisecond)
	r.PoolBytesInUse(4096)
	r.ErrorOccurred("rtp", "MediaError")
}

func TestHealthMonitorAggregatesCheckOutcomes(t *testing.T) {
	hm := NewHealthMonitor()
	hm.Register("always-healthy", func() (string, bool) { return "ok", true })
	hm.Register("always-failing", func() (string, bool) { return "down", false })

	result := hm.RunOnce()
	require.Equal(t, HealthDegraded, result.Status)
	assert.Equal(t, "ok", result.Components["always-healthy"])
	assert.Equal(t, "down", result.Components["always-failing"])
	assert.Equal(t, result, hm.Last())
}

func TestHealthMonitorAllHealthy(t *testing.T) {
	hm := NewHealthMonitor()
	hm.Register("a", func() (string, bool) { return "ok", true })
	hm.Register("b", func() (string, bool) { return "ok", true })

	result := hm.RunOnce()
	require.Equal(t, HealthHealthy, result.Status)
}

func TestHealthMonitorNoChecksIsUnknown(t *testing.T) {
	hm := NewHealthMonitor()
	result := hm.RunOnce()
	require.Equal(t, HealthUnknown, result.Status)
}

func TestHealthMonitorRunStopsOnContextCancel(t *testing.T) {
	hm := NewHealthMonitor()
	calls := 0
	hm.Register("counter", func() (string, bool) {
		calls++
		return "ok", true
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	hm.Run(ctx, 5*time.Millisecond)

	assert.Greater(t, calls, 0)
}
