package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigServerVsClientBindAddr(t *testing.T) {
	server := DefaultConfig(true)
	assert.Equal(t, "0.0.0.0:5060", server.LocalBindAddr)

	client := DefaultConfig(false)
	assert.Equal(t, "127.0.0.1:5060", client.LocalBindAddr)
}

func TestDefaultConfigValidates(t *testing.T) {
	require.NoError(t, DefaultConfig(true).Validate())
	require.NoError(t, DefaultConfig(false).Validate())
}

func TestLoadWithMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"), false)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(false).MediaPortRange, cfg.MediaPortRange)
	assert.Equal(t, []string{"AES_CM_128_HMAC_SHA1_80"}, cfg.SRTPProfiles)
}

func TestLoadOverridesFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "softphone.yaml")
	contents := `
local_bind_addr: "0.0.0.0:6060"
rtcp_mux: true
media_port_range:
  min: 30000
  max: 30100
dtls_role: server
jitter_buffer:
  min_ms: 10
  max_ms: 100
  base_ms: 10
  k_factor: 4
  tolerance_ms: 5
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	cfg, err := Load(path, true)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:6060", cfg.LocalBindAddr)
	assert.True(t, cfg.RTCPMux)
	assert.Equal(t, PortRange{Min: 30000, Max: 30100}, cfg.MediaPortRange)
	assert.Equal(t, DTLSRoleServer, cfg.DTLSRole)
	assert.Equal(t, 4.0, cfg.JitterBuffer.KFactor)
	require.NoError(t, cfg.Validate())
}

func TestLoadOverridesFromEnvironment(t *testing.T) {
	t.Setenv("COREVOIP_LOCAL_BIND_ADDR", "0.0.0.0:7060")
	t.Setenv("COREVOIP_RTCP_MUX", "true")

	cfg, err := Load("", true)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:7060", cfg.LocalBindAddr)
	assert.True(t, cfg.RTCPMux)
}

func TestValidateRejectsBadPortRange(t *testing.T) {
	cfg := DefaultConfig(false)
	cfg.MediaPortRange = PortRange{Min: 40000, Max: 30000}
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsUnknownDTLSRole(t *testing.T) {
	cfg := DefaultConfig(false)
	cfg.DTLSRole = "bogus"
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsInvertedJitterBounds(t *testing.T) {
	cfg := DefaultConfig(false)
	cfg.JitterBuffer.MinMS = 300
	cfg.JitterBuffer.MaxMS = 50
	require.Error(t, cfg.Validate())
}

func TestToDurationsConverts(t *testing.T) {
	j := JitterBufferConfig{MinMS: 20, MaxMS: 200, BaseMS: 20, ToleranceMS: 20}
	min, max, base, tol := j.ToDurations()
	assert.Equal(t, int64(20e6), min.Nanoseconds())
	assert.Equal(t, int64(200e6), max.Nanoseconds())
	assert.Equal(t, int64(20e6), base.Nanoseconds())
	assert.Equal(t, int64(20e6), tol.Nanoseconds())
}
