// Package metrics wires Prometheus counters, gauges, and histograms into
// every layer of the stack — transaction, dialog, RTP, RTCP, SRTP, and
// DTLS — plus a HealthMonitor that periodically evaluates a set of
// pluggable component checks, generalizing arzzra-soft_phone's
// pkg/dialog/metrics.go (MetricsCollector, CounterVec-per-category,
// RunHealthCheck) and pkg/rtp/metrics.go (per-session quality metrics)
// from those two packages' bespoke collectors into one shared registry the
// whole module reports through.
package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds every Prometheus collector this module exports. A nil
// *Registry is not valid; construct with New, or use Disabled() to get a
// Registry whose methods are all safe no-ops (for tests and callers that
// don't want metrics wired at all).
type Registry struct {
	enabled bool

	// Transaction (component C3)
	transactionsTotal   *prometheus.CounterVec // method, kind(client|server)
	transactionDuration *prometheus.HistogramVec
	transactionTimeouts *prometheus.CounterVec // timer(A..K)

	// Dialog (component C4)
	dialogsTotal      prometheus.Counter
	dialogsActive     prometheus.Gauge
	dialogDuration    prometheus.Histogram
	stateTransitions  *prometheus.CounterVec // from, to
	referOperations   *prometheus.CounterVec // operation, status

	// RTP/RTCP (components C5/C6)
	rtpPacketsSent     prometheus.Counter
	rtpPacketsReceived prometheus.Counter
	rtpPacketsLost     prometheus.Counter
	rtpJitter          prometheus.Histogram
	rtcpReportsSent    prometheus.Counter
	mosScore           prometheus.Histogram

	// SRTP/DTLS (components C7/C8)
	srtpAuthFailures   prometheus.Counter
	srtpReplayDrops    prometheus.Counter
	dtlsHandshakes     *prometheus.CounterVec // outcome(success|failure)
	dtlsHandshakeTime  prometheus.Histogram

	// Buffer pool (component C10)
	poolBytesInUse prometheus.Gauge

	// Errors, module-wide
	errorsTotal *prometheus.CounterVec // component, kind
}

// Config parameterizes metric namespacing.
type Config struct {
	Namespace string // e.g. "corevoip"
	Subsystem string // e.g. "core"; may be empty
}

// DefaultConfig uses "corevoip" as the Prometheus namespace.
func DefaultConfig() Config { return Config{Namespace: "corevoip"} }

// Disabled returns a Registry whose recording methods are all no-ops,
// useful for tests and for callers that opt out of metrics entirely.
func Disabled() *Registry { return &Registry{enabled: false} }

// New registers every collector against registerer (pass
// prometheus.DefaultRegisterer for the process-wide default, or a fresh
// prometheus.NewRegistry() for tests and other isolated callers) and
// returns the resulting Registry.
func New(cfg Config, registerer prometheus.Registerer) *Registry {
	r := &Registry{enabled: true}
	ns, sub := cfg.Namespace, cfg.Subsystem
	factory := promauto.With(registerer)

	r.transactionsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub, Name: "transactions_total",
		Help: "Total SIP transactions processed, by method and kind.",
	}, []string{"method", "kind"})
	r.transactionDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns, Subsystem: sub, Name: "transaction_duration_seconds",
		Help:    "SIP transaction lifetime, by method.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 4, 32},
	}, []string{"method"})
	r.transactionTimeouts = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub, Name: "transaction_timeouts_total",
		Help: "Total transaction timer expirations, by timer name.",
	}, []string{"timer"})

	r.dialogsTotal = factory.NewCounter(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub, Name: "dialogs_total",
		Help: "Total SIP dialogs created.",
	})
	r.dialogsActive = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: sub, Name: "dialogs_active",
		Help: "Currently active SIP dialogs.",
	})
	r.dialogDuration = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: ns, Subsystem: sub, Name: "dialog_duration_seconds",
		Help:    "SIP dialog lifetime from creation to Terminated.",
		Buckets: []float64{0.5, 1, 5, 10, 30, 60, 300, 1800, 3600},
	})
	r.stateTransitions = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub, Name: "dialog_state_transitions_total",
		Help: "Dialog state machine transitions, by from/to state.",
	}, []string{"from", "to"})
	r.referOperations = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub, Name: "refer_operations_total",
		Help: "REFER/NOTIFY transfer operations, by operation and status.",
	}, []string{"operation", "status"})

	r.rtpPacketsSent = factory.NewCounter(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub, Name: "rtp_packets_sent_total",
		Help: "Total RTP packets sent.",
	})
	r.rtpPacketsReceived = factory.NewCounter(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub, Name: "rtp_packets_received_total",
		Help: "Total RTP packets received.",
	})
	r.rtpPacketsLost = factory.NewCounter(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub, Name: "rtp_packets_lost_total",
		Help: "Total RTP packets inferred lost (RFC 3550 Appendix A.1).",
	})
	r.rtpJitter = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: ns, Subsystem: sub, Name: "rtp_jitter_seconds",
		Help:    "Interarrival jitter estimate (RFC 3550 §6.4.1).",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 10),
	})
	r.rtcpReportsSent = factory.NewCounter(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub, Name: "rtcp_reports_sent_total",
		Help: "Total RTCP Sender Reports sent.",
	})
	r.mosScore = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: ns, Subsystem: sub, Name: "media_mos_score",
		Help:    "Estimated MOS (R-factor derived) per reporting interval.",
		Buckets: []float64{1, 1.5, 2, 2.5, 3, 3.5, 4, 4.5, 5},
	})

	r.srtpAuthFailures = factory.NewCounter(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub, Name: "srtp_auth_failures_total",
		Help: "SRTP/SRTCP HMAC authentication tag mismatches.",
	})
	r.srtpReplayDrops = factory.NewCounter(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub, Name: "srtp_replay_drops_total",
		Help: "Packets dropped by the SRTP replay window (RFC 3711 §3.3.2).",
	})
	r.dtlsHandshakes = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub, Name: "dtls_handshakes_total",
		Help: "DTLS-SRTP handshake attempts, by outcome.",
	}, []string{"outcome"})
	r.dtlsHandshakeTime = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: ns, Subsystem: sub, Name: "dtls_handshake_duration_seconds",
		Help:    "Time from ClientHello to a derived SRTP key.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	})

	r.poolBytesInUse = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: sub, Name: "pool_bytes_in_use",
		Help: "Bytes currently checked out of the buffer pool.",
	})

	r.errorsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub, Name: "errors_total",
		Help: "Total errors, by component and kind.",
	}, []string{"component", "kind"})

	return r
}

// TransactionCompleted records one finished transaction.
func (r *Registry) TransactionCompleted(method, kind string, d time.Duration) {
	if !r.enabled {
		return
	}
	r.transactionsTotal.WithLabelValues(method, kind).Inc()
	r.transactionDuration.WithLabelValues(method).Observe(d.Seconds())
}

// TransactionTimedOut records a transaction timer expiration.
func (r *Registry) TransactionTimedOut(timer string) {
	if !r.enabled {
		return
	}
	r.transactionTimeouts.WithLabelValues(timer).Inc()
}

// DialogCreated records a new dialog.
func (r *Registry) DialogCreated() {
	if !r.enabled {
		return
	}
	r.dialogsTotal.Inc()
	r.dialogsActive.Inc()
}

// DialogTerminated records a dialog's end and its total lifetime.
func (r *Registry) DialogTerminated(lifetime time.Duration) {
	if !r.enabled {
		return
	}
	r.dialogsActive.Dec()
	r.dialogDuration.Observe(lifetime.Seconds())
}

// DialogStateTransition records one FSM transition.
func (r *Registry) DialogStateTransition(from, to string) {
	if !r.enabled {
		return
	}
	r.stateTransitions.WithLabelValues(from, to).Inc()
}

// ReferOperation records one REFER/NOTIFY transfer step.
func (r *Registry) ReferOperation(operation, status string) {
	if !r.enabled {
		return
	}
	r.referOperations.WithLabelValues(operation, status).Inc()
}

// RTPPacketSent/RTPPacketsReceived/RTPPacketsLost record RTP counters.
func (r *Registry) RTPPacketSent() {
	if r.enabled {
		r.rtpPacketsSent.Inc()
	}
}
func (r *Registry) RTPPacketReceived() {
	if r.enabled {
		r.rtpPacketsReceived.Inc()
	}
}
func (r *Registry) RTPPacketsLost(n uint32) {
	if r.enabled {
		r.rtpPacketsLost.Add(float64(n))
	}
}

// RTPJitter records one jitter observation in seconds.
func (r *Registry) RTPJitter(d time.Duration) {
	if r.enabled {
		r.rtpJitter.Observe(d.Seconds())
	}
}

// RTCPReportSent records one Sender Report transmission.
func (r *Registry) RTCPReportSent() {
	if r.enabled {
		r.rtcpReportsSent.Inc()
	}
}

// MediaQualityObserved records one MOS sample.
func (r *Registry) MediaQualityObserved(mos float64) {
	if r.enabled {
		r.mosScore.Observe(mos)
	}
}

// SRTPAuthFailure/SRTPReplayDrop record SRTP integrity events.
func (r *Registry) SRTPAuthFailure() {
	if r.enabled {
		r.srtpAuthFailures.Inc()
	}
}
func (r *Registry) SRTPReplayDrop() {
	if r.enabled {
		r.srtpReplayDrops.Inc()
	}
}

// DTLSHandshakeCompleted records a handshake outcome and its duration.
func (r *Registry) DTLSHandshakeCompleted(success bool, d time.Duration) {
	if !r.enabled {
		return
	}
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	r.dtlsHandshakes.WithLabelValues(outcome).Inc()
	r.dtlsHandshakeTime.Observe(d.Seconds())
}

// PoolBytesInUse sets the current buffer pool gauge value.
func (r *Registry) PoolBytesInUse(n int64) {
	if r.enabled {
		r.poolBytesInUse.Set(float64(n))
	}
}

// ErrorOccurred records one error, by component and kind (e.g.
// "dialog"/"TransactionError").
func (r *Registry) ErrorOccurred(component, kind string) {
	if r.enabled {
		r.errorsTotal.WithLabelValues(component, kind).Inc()
	}
}

// HealthStatus is the aggregate result of a HealthMonitor pass.
type HealthStatus int32

const (
	HealthUnknown HealthStatus = iota
	HealthHealthy
	HealthDegraded
	HealthUnhealthy
)

func (s HealthStatus) String() string {
	switch s {
	case HealthHealthy:
		return "healthy"
	case HealthDegraded:
		return "degraded"
	case HealthUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// Checker reports this component's health, returning a human-readable
// detail string and whether the component is currently healthy.
type Checker func() (detail string, healthy bool)

// HealthCheck is one HealthMonitor pass's result.
type HealthCheck struct {
	Status     HealthStatus
	Timestamp  time.Time
	Duration   time.Duration
	Components map[string]string
}

// HealthMonitor runs a fixed set of named Checkers on a timer and keeps the
// most recent result, generalizing the teacher's Stack-specific
// RunHealthCheck into a registry of pluggable checks any component can
// contribute (transaction manager liveness, dialog table size, pool
// pressure, and so on).
type HealthMonitor struct {
	checks map[string]Checker

	mu    sync.RWMutex
	last  HealthCheck
}

// NewHealthMonitor returns a monitor with no checks registered; add them
// with Register before starting it.
func NewHealthMonitor() *HealthMonitor {
	return &HealthMonitor{checks: make(map[string]Checker)}
}

// Register adds (or replaces) a named health check.
func (h *HealthMonitor) Register(name string, check Checker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.checks == nil {
		h.checks = make(map[string]Checker)
	}
	h.checks[name] = check
}

// RunOnce evaluates every registered check and records the aggregate
// result: Healthy if every check passes, Degraded if at least one fails
// and at least one passes, Unhealthy if every check fails, Unknown if no
// check is registered.
func (h *HealthMonitor) RunOnce() HealthCheck {
	start := time.Now()

	h.mu.RLock()
	checks := make(map[string]Checker, len(h.checks))
	for name, c := range h.checks {
		checks[name] = c
	}
	h.mu.RUnlock()

	components := make(map[string]string, len(checks))
	failures := 0
	for name, c := range checks {
		detail, healthy := c()
		components[name] = detail
		if !healthy {
			failures++
		}
	}

	status := HealthHealthy
	switch {
	case len(checks) == 0:
		status = HealthUnknown
	case failures == 0:
		status = HealthHealthy
	case failures < len(checks):
		status = HealthDegraded
	default:
		status = HealthUnhealthy
	}

	result := HealthCheck{
		Status: status, Timestamp: start, Duration: time.Since(start),
		Components: components,
	}

	h.mu.Lock()
	h.last = result
	h.mu.Unlock()
	return result
}

// Last returns the most recent RunOnce result (zero value if none ran yet).
func (h *HealthMonitor) Last() HealthCheck {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.last
}

// Run evaluates every registered check once per interval until ctx is
// done.
func (h *HealthMonitor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h.RunOnce()
		case <-ctx.Done():
			return
		}
	}
}
