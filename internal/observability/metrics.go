// Package observability — metrics.go
//
// Prometheus metrics for the ARCANOS daemon.
//
// Endpoint: GET /metrics on 127.0.0.1:9091 (configurable, bound loopback
// only alongside the debug transport).
// Format: Prometheus text exposition format (OpenMetrics compatible).
//
// Metric naming convention: arcanos_<subsystem>_<name>_<unit>
//
// All metrics are registered on a dedicated prometheus.Registry (not the
// default global registry), preserved from the teacher's metrics.go, so
// this daemon can be embedded alongside other instrumented libraries
// without collector collisions.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metric descriptors for ARCANOS.
type Metrics struct {
	registry *prometheus.Registry

	// ─── Routing (C7) ─────────────────────────────────────────────────────────

	// RoutedTotal counts conversation turns, by route (local, backend).
	RoutedTotal *prometheus.CounterVec

	// ConfidenceGateDowngradesTotal counts turns the confidence gate
	// downgraded from backend to local.
	ConfidenceGateDowngradesTotal prometheus.Counter

	// ─── Trust (C3) ───────────────────────────────────────────────────────────

	// TrustStateTransitionsTotal counts trust state transitions, by
	// from_state and to_state.
	TrustStateTransitionsTotal *prometheus.CounterVec

	// CurrentTrustState is 0/1/2 for FULL/DEGRADED/UNSAFE.
	CurrentTrustState prometheus.Gauge

	// ─── Governance (C4) ──────────────────────────────────────────────────────

	// GovernanceDenialsTotal counts actions denied by the governance gate.
	GovernanceDenialsTotal prometheus.Counter

	// ─── Idempotency (C5) ─────────────────────────────────────────────────────

	// DuplicateCommandsRejectedTotal counts commands rejected as
	// duplicates within the dedup window.
	DuplicateCommandsRejectedTotal prometheus.Counter

	// ─── Execution pipeline (C8) / ActionPlan (C9) ───────────────────────────

	// ExecutionsTotal counts execution attempts, by outcome (success,
	// failure, denied, duplicate).
	ExecutionsTotal *prometheus.CounterVec

	// ExecutionLatency records wall-clock duration of a governed action.
	ExecutionLatency prometheus.Histogram

	// ActionPlansHandledTotal counts plans processed, by disposition
	// (executed, blocked, expired, rejected_by_user).
	ActionPlansHandledTotal *prometheus.CounterVec

	// ─── Scheduler (C10) ──────────────────────────────────────────────────────

	// HeartbeatsSentTotal counts heartbeat requests sent, by status class
	// (ok, rate_limited, error).
	HeartbeatsSentTotal *prometheus.CounterVec

	// CommandsPolledTotal counts commands received via polling.
	CommandsPolledTotal prometheus.Counter

	// SchedulerBackoffSeconds records the backoff duration applied after a
	// 429 response.
	SchedulerBackoffSeconds prometheus.Histogram

	// ─── Backend client (C2) ──────────────────────────────────────────────────

	// BackendRequestsTotal counts backend HTTP requests, by kind (the
	// backendclient.Kind taxonomy). It has no circuit-breaker label.
	BackendRequestsTotal *prometheus.CounterVec

	// ─── Memory store ─────────────────────────────────────────────────────────

	// StorageWriteLatency records BoltDB write transaction latency.
	StorageWriteLatency prometheus.Histogram

	// ConversationTurnsStored is the current number of persisted turns.
	ConversationTurnsStored prometheus.Gauge

	// ─── Daemon ────────────────────────────────────────────────────────────────

	// AgentUptimeSeconds is the number of seconds since the daemon started.
	AgentUptimeSeconds prometheus.Gauge

	startTime time.Time
}

// NewMetrics creates and registers all ARCANOS Prometheus metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		RoutedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arcanos",
			Subsystem: "routing",
			Name:      "turns_total",
			Help:      "Total conversation turns routed, by route.",
		}, []string{"route"}),

		ConfidenceGateDowngradesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "arcanos",
			Subsystem: "routing",
			Name:      "confidence_downgrades_total",
			Help:      "Total turns downgraded from backend to local by the confidence gate.",
		}),

		TrustStateTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arcanos",
			Subsystem: "trust",
			Name:      "state_transitions_total",
			Help:      "Total trust state transitions, by from_state and to_state.",
		}, []string{"from_state", "to_state"}),

		CurrentTrustState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "arcanos",
			Subsystem: "trust",
			Name:      "current_state",
			Help:      "Current trust state: 0=FULL, 1=DEGRADED, 2=UNSAFE.",
		}),

		GovernanceDenialsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "arcanos",
			Subsystem: "governance",
			Name:      "denials_total",
			Help:      "Total actions denied by the governance gate.",
		}),

		DuplicateCommandsRejectedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "arcanos",
			Subsystem: "idempotency",
			Name:      "duplicates_rejected_total",
			Help:      "Total commands rejected as duplicates within the dedup window.",
		}),

		ExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arcanos",
			Subsystem: "execution",
			Name:      "attempts_total",
			Help:      "Total governed execution attempts, by outcome.",
		}, []string{"outcome"}),

		ExecutionLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "arcanos",
			Subsystem: "execution",
			Name:      "latency_seconds",
			Help:      "Wall-clock duration of a governed action, from attempt to result.",
			Buckets:   prometheus.DefBuckets,
		}),

		ActionPlansHandledTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arcanos",
			Subsystem: "actionplan",
			Name:      "handled_total",
			Help:      "Total ActionPlans handled, by disposition.",
		}, []string{"disposition"}),

		HeartbeatsSentTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arcanos",
			Subsystem: "scheduler",
			Name:      "heartbeats_total",
			Help:      "Total heartbeat requests sent, by status class.",
		}, []string{"status"}),

		CommandsPolledTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "arcanos",
			Subsystem: "scheduler",
			Name:      "commands_polled_total",
			Help:      "Total commands received via command polling.",
		}),

		SchedulerBackoffSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "arcanos",
			Subsystem: "scheduler",
			Name:      "backoff_seconds",
			Help:      "Backoff duration applied after a 429 response.",
			Buckets:   []float64{1, 2, 5, 10, 20, 40, 80, 120},
		}),

		BackendRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arcanos",
			Subsystem: "backend",
			Name:      "requests_total",
			Help:      "Total backend HTTP requests, by result kind.",
		}, []string{"kind"}),

		StorageWriteLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "arcanos",
			Subsystem: "storage",
			Name:      "write_latency_seconds",
			Help:      "BoltDB write transaction latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),

		ConversationTurnsStored: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "arcanos",
			Subsystem: "storage",
			Name:      "conversation_turns",
			Help:      "Current number of persisted conversation turns.",
		}),

		AgentUptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "arcanos",
			Subsystem: "daemon",
			Name:      "uptime_seconds",
			Help:      "Number of seconds since the daemon started.",
		}),
	}

	reg.MustRegister(
		m.RoutedTotal,
		m.ConfidenceGateDowngradesTotal,
		m.TrustStateTransitionsTotal,
		m.CurrentTrustState,
		m.GovernanceDenialsTotal,
		m.DuplicateCommandsRejectedTotal,
		m.ExecutionsTotal,
		m.ExecutionLatency,
		m.ActionPlansHandledTotal,
		m.HeartbeatsSentTotal,
		m.CommandsPolledTotal,
		m.SchedulerBackoffSeconds,
		m.BackendRequestsTotal,
		m.StorageWriteLatency,
		m.ConversationTurnsStored,
		m.AgentUptimeSeconds,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// ServeMetrics starts the Prometheus HTTP metrics server on addr. Blocks
// until ctx is cancelled or the server fails.
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
