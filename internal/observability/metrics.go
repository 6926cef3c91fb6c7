// Package observability — metrics.go
//
// Prometheus metrics for the warden agent.
//
// Endpoint: GET /metrics on 127.0.0.1:9090 (configurable), separate from the
// peer protocol port.
// Format: Prometheus text exposition format (OpenMetrics compatible).
// Bind: loopback only — no external exposure.
//
// Metric naming convention: warden_<subsystem>_<name>_<unit>
//
// All metrics are registered on a dedicated prometheus.Registry (not the
// default global registry) to avoid collisions with other instrumented
// libraries in the same process.
//
// Cardinality control:
//   - node is used as a label on trust/quarantine gauges; the label set is
//     bounded by the configured peer list, never by case id or PID.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metric descriptors for warden.
type Metrics struct {
	registry *prometheus.Registry

	// ─── Coordinator / cases ──────────────────────────────────────────────────

	// CasesTotal counts case outcomes, by outcome (proposed, terminated, rejected).
	CasesTotal *prometheus.CounterVec

	// CaseWeightedSum observes the final weighted_sum of each decided case.
	CaseWeightedSum prometheus.Histogram

	// ActiveCases is the current number of in-flight pending cases.
	ActiveCases prometheus.Gauge

	// ─── Trust engine ─────────────────────────────────────────────────────────

	// TrustScore is the current trust scalar per known node.
	TrustScore *prometheus.GaugeVec

	// QuarantineTotal counts quarantine activations.
	QuarantineTotal prometheus.Counter

	// AdaptiveThreshold is the current computed quorum bar.
	AdaptiveThreshold prometheus.Gauge

	// ─── Peer RPC ─────────────────────────────────────────────────────────────

	// PeerRPCTotal counts outbound peer calls, by endpoint and outcome.
	PeerRPCTotal *prometheus.CounterVec

	// ─── Durability ───────────────────────────────────────────────────────────

	// CheckpointWritesTotal counts successful checkpoint writes.
	CheckpointWritesTotal prometheus.Counter

	// WALAppendsTotal counts WAL record appends, by kind.
	WALAppendsTotal *prometheus.CounterVec

	// StateVersion mirrors the node's current state_version.
	StateVersion prometheus.Gauge

	// ─── Agent ────────────────────────────────────────────────────────────────

	// AgentUptimeSeconds is the number of seconds since agent start.
	AgentUptimeSeconds prometheus.Gauge

	startTime time.Time
}

// NewMetrics creates and registers all warden Prometheus metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		CasesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "cases",
			Name:      "total",
			Help:      "Total incident cases, by outcome.",
		}, []string{"outcome"}),

		CaseWeightedSum: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "warden",
			Subsystem: "case",
			Name:      "weighted_sum",
			Help:      "Final weighted vote sum observed at case decision time.",
			Buckets:   []float64{0.5, 1, 1.5, 2, 2.5, 3, 4, 5, 8},
		}),

		ActiveCases: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "warden",
			Subsystem: "cases",
			Name:      "active",
			Help:      "Current number of pending cases awaiting quorum.",
		}),

		TrustScore: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "warden",
			Subsystem: "trust",
			Name:      "score",
			Help:      "Current trust scalar per known node.",
		}, []string{"node"}),

		QuarantineTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "quarantine",
			Name:      "total",
			Help:      "Total quarantine activations observed by this node.",
		}),

		AdaptiveThreshold: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "warden",
			Subsystem: "trust",
			Name:      "adaptive_threshold",
			Help:      "Current adaptive quorum threshold.",
		}),

		PeerRPCTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "peer_rpc",
			Name:      "total",
			Help:      "Total outbound peer RPC calls, by endpoint and outcome.",
		}, []string{"endpoint", "outcome"}),

		CheckpointWritesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "durability",
			Name:      "checkpoint_writes_total",
			Help:      "Total successful checkpoint file writes.",
		}),

		WALAppendsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "durability",
			Name:      "wal_appends_total",
			Help:      "Total WAL record appends, by entry kind.",
		}, []string{"kind"}),

		StateVersion: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "warden",
			Subsystem: "durability",
			Name:      "state_version",
			Help:      "Current state_version of the node's durable state.",
		}),

		AgentUptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "warden",
			Subsystem: "agent",
			Name:      "uptime_seconds",
			Help:      "Number of seconds since the agent started.",
		}),
	}

	reg.MustRegister(
		m.CasesTotal,
		m.CaseWeightedSum,
		m.ActiveCases,
		m.TrustScore,
		m.QuarantineTotal,
		m.AdaptiveThreshold,
		m.PeerRPCTotal,
		m.CheckpointWritesTotal,
		m.WALAppendsTotal,
		m.StateVersion,
		m.AgentUptimeSeconds,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// SetTrustScore updates the trust gauge for one node.
func (m *Metrics) SetTrustScore(node string, value float64) {
	m.TrustScore.WithLabelValues(node).Set(value)
}

// IncQuarantine increments the quarantine activation counter.
func (m *Metrics) IncQuarantine() {
	m.QuarantineTotal.Inc()
}

// SetAdaptiveThreshold updates the current adaptive quorum gauge.
func (m *Metrics) SetAdaptiveThreshold(v float64) {
	m.AdaptiveThreshold.Set(v)
}

// ObserveCase records a finished case's outcome and weighted sum.
func (m *Metrics) ObserveCase(outcome string, weightedSum float64) {
	m.CasesTotal.WithLabelValues(outcome).Inc()
	m.CaseWeightedSum.Observe(weightedSum)
}

// SetActiveCases updates the pending-case gauge.
func (m *Metrics) SetActiveCases(n int) {
	m.ActiveCases.Set(float64(n))
}

// ObservePeerRPC records one outbound peer call's outcome.
func (m *Metrics) ObservePeerRPC(endpoint, outcome string) {
	m.PeerRPCTotal.WithLabelValues(endpoint, outcome).Inc()
}

// IncCheckpointWrite increments the checkpoint write counter.
func (m *Metrics) IncCheckpointWrite() {
	m.CheckpointWritesTotal.Inc()
}

// ObserveWALAppend increments the WAL append counter for one entry kind.
func (m *Metrics) ObserveWALAppend(kind string) {
	m.WALAppendsTotal.WithLabelValues(kind).Inc()
}

// SetStateVersion mirrors the node's current state_version.
func (m *Metrics) SetStateVersion(v uint64) {
	m.StateVersion.Set(float64(v))
}

// ServeMetrics starts the Prometheus HTTP metrics server on the given
// address. Blocks until ctx is cancelled or the server fails.
func (m *Metrics) ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go m.updateUptime(ctx)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server on %s: %w", addr, err)
	}
	return nil
}

// updateUptime periodically updates the AgentUptimeSeconds gauge.
func (m *Metrics) updateUptime(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.AgentUptimeSeconds.Set(time.Since(m.startTime).Seconds())
		case <-ctx.Done():
			return
		}
	}
}
