// Package config loads the module's externally-tunable options (spec.md
// §6) from file and environment via viper: SIP bind address, media port
// range, RTCP-mux default, SRTP profile order, transaction timer
// overrides, jitter buffer parameters, and DTLS role. Grounded on
// firestige-Otus's internal/otus/config/loader.go (viper.New, SetConfigName/
// AddConfigPath/SetEnvPrefix/AutomaticEnv, Unmarshal-then-apply-defaults)
// and arzzra-soft_phone's pkg/ua_media/config.go (DefaultConfig/Validate
// struct-literal pattern).
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DTLSRole mirrors pkg/dtls.Role plus the SDP-level "actpass" offer state,
// which this package only ever answers as Active (see pkg/session/secure.go's
// client-only DTLS scoping, DESIGN.md "DTLS client-only scoping").
type DTLSRole string

const (
	DTLSRoleClient  DTLSRole = "client"
	DTLSRoleServer  DTLSRole = "server"
	DTLSRoleActpass DTLSRole = "actpass"
)

// PortRange is an inclusive UDP range for RTP/RTCP allocation. Both ends
// zero means "auto-allocate" (spec.md §6's media_port_range semantics).
type PortRange struct {
	Min int `mapstructure:"min"`
	Max int `mapstructure:"max"`
}

// JitterBufferConfig mirrors pkg/rtp.JitterBufferConfig's field meanings;
// ToDurations converts it to the time.Duration values that package expects.
type JitterBufferConfig struct {
	MinMS     int     `mapstructure:"min_ms"`
	MaxMS     int     `mapstructure:"max_ms"`
	BaseMS    int     `mapstructure:"base_ms"`
	KFactor   float64 `mapstructure:"k_factor"`
	ToleranceMS int   `mapstructure:"tolerance_ms"`
}

// TransactionTimers carries overrides for RFC 3261 §17.1.1.2 T1/T2/T4; a
// zero field inherits transaction.DefaultTimers()'s value for it.
type TransactionTimers struct {
	T1 time.Duration `mapstructure:"t1"`
	T2 time.Duration `mapstructure:"t2"`
	T4 time.Duration `mapstructure:"t4"`
}

// Config is the full set of module options spec.md §6 names as
// "Configuration (selected options)".
type Config struct {
	LocalBindAddr     string            `mapstructure:"local_bind_addr"`
	MediaPortRange    PortRange         `mapstructure:"media_port_range"`
	RTCPMux           bool              `mapstructure:"rtcp_mux"`
	SRTPProfiles      []string          `mapstructure:"srtp_profiles"`
	TransactionTimers TransactionTimers `mapstructure:"transaction_timers"`
	JitterBuffer      JitterBufferConfig `mapstructure:"jitter_buffer"`
	DTLSRole          DTLSRole          `mapstructure:"dtls_role"`

	// Server reports whether this side binds for inbound calls (spec.md
	// §6's default differs: 0.0.0.0:5060 for servers, 127.0.0.1:5060 for
	// clients). DefaultConfig uses it to pick LocalBindAddr when the
	// caller hasn't set one explicitly.
	Server bool `mapstructure:"server"`
}

// DefaultConfig returns spec.md §6's stated defaults for the given
// server/client role.
func DefaultConfig(server bool) Config {
	bindAddr := "127.0.0.1:5060"
	if server {
		bindAddr = "0.0.0.0:5060"
	}
	return Config{
		LocalBindAddr:  bindAddr,
		MediaPortRange: PortRange{Min: 10000, Max: 20000},
		RTCPMux:        false,
		SRTPProfiles:   []string{"AES_CM_128_HMAC_SHA1_80"},
		JitterBuffer: JitterBufferConfig{
			MinMS:       20,
			MaxMS:       200,
			BaseMS:      20,
			KFactor:     3,
			ToleranceMS: 20,
		},
		DTLSRole: DTLSRoleActpass,
		Server:   server,
	}
}

// Load reads a config file at path (name/extension derived from it, as in
// firestige-Otus's loader), overlays environment variables prefixed
// COREVOIP_ (dots and dashes become underscores), and fills any field the
// file/environment left zero from DefaultConfig(server).
//
// A missing file is not an error: Load falls back to defaults plus
// whatever environment variables are set, since every option has a
// spec.md §6 default and none is mandatory.
func Load(path string, server bool) (Config, error) {
	cfg := DefaultConfig(server)

	v := viper.New()
	setDefaults(v, cfg)

	if path != "" {
		dir := filepath.Dir(path)
		filename := filepath.Base(path)
		ext := filepath.Ext(filename)
		name := strings.TrimSuffix(filename, ext)

		v.SetConfigName(name)
		v.SetConfigType(strings.TrimPrefix(ext, "."))
		v.AddConfigPath(dir)
	}

	v.SetEnvPrefix("COREVOIP")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	if path != "" {
		if err := v.ReadInConfig(); err != nil {
			if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
				return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
			}
		}
	}

	var loaded Config
	if err := v.Unmarshal(&loaded); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}

	return applyDefaults(loaded, cfg), nil
}

// setDefaults registers cfg's values with v so viper.Unmarshal fills
// unset keys from them rather than from Go zero values.
func setDefaults(v *viper.Viper, cfg Config) {
	v.SetDefault("local_bind_addr", cfg.LocalBindAddr)
	v.SetDefault("media_port_range.min", cfg.MediaPortRange.Min)
	v.SetDefault("media_port_range.max", cfg.MediaPortRange.Max)
	v.SetDefault("rtcp_mux", cfg.RTCPMux)
	v.SetDefault("srtp_profiles", cfg.SRTPProfiles)
	v.SetDefault("jitter_buffer.min_ms", cfg.JitterBuffer.MinMS)
	v.SetDefault("jitter_buffer.max_ms", cfg.JitterBuffer.MaxMS)
	v.SetDefault("jitter_buffer.base_ms", cfg.JitterBuffer.BaseMS)
	v.SetDefault("jitter_buffer.k_factor", cfg.JitterBuffer.KFactor)
	v.SetDefault("jitter_buffer.tolerance_ms", cfg.JitterBuffer.ToleranceMS)
	v.SetDefault("dtls_role", string(cfg.DTLSRole))
	v.SetDefault("server", cfg.Server)
}

// applyDefaults fills any field loaded left at its Go zero value from
// defaults, the way arzzra-soft_phone's ua_media.Config.Validate patches
// zero fields rather than rejecting them.
func applyDefaults(loaded, defaults Config) Config {
	if loaded.LocalBindAddr == "" {
		loaded.LocalBindAddr = defaults.LocalBindAddr
	}
	if loaded.MediaPortRange.Min == 0 && loaded.MediaPortRange.Max == 0 {
		loaded.MediaPortRange = defaults.MediaPortRange
	}
	if len(loaded.SRTPProfiles) == 0 {
		loaded.SRTPProfiles = defaults.SRTPProfiles
	}
	if loaded.JitterBuffer.KFactor == 0 {
		loaded.JitterBuffer = defaults.JitterBuffer
	}
	if loaded.DTLSRole == "" {
		loaded.DTLSRole = defaults.DTLSRole
	}
	return loaded
}

// Validate rejects a Config whose values can never produce a working
// stack, rather than a merely unusual one (ports out of order, no SRTP
// profile list when SDES/DTLS security is in play is left to the caller,
// since spec.md §6 lets srtp_profiles be configured independently of
// whether security is negotiated at all).
func (c Config) Validate() error {
	if c.LocalBindAddr == "" {
		return fmt.Errorf("config: local_bind_addr must not be empty")
	}
	if c.MediaPortRange.Min != 0 || c.MediaPortRange.Max != 0 {
		if c.MediaPortRange.Min > c.MediaPortRange.Max {
			return fmt.Errorf("config: media_port_range min %d > max %d", c.MediaPortRange.Min, c.MediaPortRange.Max)
		}
		if c.MediaPortRange.Min < 0 || c.MediaPortRange.Max > 65535 {
			return fmt.Errorf("config: media_port_range %d-%d out of UDP port bounds", c.MediaPortRange.Min, c.MediaPortRange.Max)
		}
	}
	switch c.DTLSRole {
	case DTLSRoleClient, DTLSRoleServer, DTLSRoleActpass:
	default:
		return fmt.Errorf("config: dtls_role %q must be one of client, server, actpass", c.DTLSRole)
	}
	if c.JitterBuffer.KFactor < 0 {
		return fmt.Errorf("config: jitter_buffer.k_factor must not be negative")
	}
	if c.JitterBuffer.MinMS > 0 && c.JitterBuffer.MaxMS > 0 && c.JitterBuffer.MinMS > c.JitterBuffer.MaxMS {
		return fmt.Errorf("config: jitter_buffer.min_ms %d > max_ms %d", c.JitterBuffer.MinMS, c.JitterBuffer.MaxMS)
	}
	return nil
}

// ToDurations converts to pkg/rtp.JitterBufferConfig's shape.
// Returned as plain fields (not importing pkg/rtp, to keep this package
// free of a dependency on the media stack it merely parameterizes) —
// callers construct the rtp.JitterBufferConfig literal from these.
func (j JitterBufferConfig) ToDurations() (min, max, base, tolerance time.Duration) {
	return time.Duration(j.MinMS) * time.Millisecond,
		time.Duration(j.MaxMS) * time.Millisecond,
		time.Duration(j.BaseMS) * time.Millisecond,
		time.Duration(j.ToleranceMS) * time.Millisecond
}
