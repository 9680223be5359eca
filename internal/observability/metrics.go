package observability

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/webpilot/internal/agent"
	"github.com/xkilldash9x/webpilot/internal/config"
)

const metricsNamespace = "webpilot"

// Metrics records loop measurements in a private Prometheus registry. It implements agent.Metrics.
type Metrics struct {
	registry *prometheus.Registry

	transitions      *prometheus.CounterVec
	activeSessions   prometheus.Gauge
	snapshotDuration *prometheus.HistogramVec
	decisions        *prometheus.CounterVec
	decisionDuration *prometheus.HistogramVec
	actions          *prometheus.CounterVec
	actionDuration   *prometheus.HistogramVec
}

var _ agent.Metrics = (*Metrics)(nil)

// NewMetrics registers the collectors, plus the Go runtime and process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "session_transitions_total",
			Help:      "Session state machine transitions.",
		}, []string{"from", "to"}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "sessions_active",
			Help:      "Sessions whose loop is running or awaiting approval.",
		}),
		snapshotDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "snapshot_duration_seconds",
			Help:      "Time spent capturing page snapshots.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"status"}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "decisions_total",
			Help:      "Decisions returned by the decision provider.",
		}, []string{"kind", "status"}),
		decisionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "decision_duration_seconds",
			Help:      "Decision provider latency.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40, 60, 120},
		}, []string{"kind"}),
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "actions_total",
			Help:      "Actions executed against the browser.",
		}, []string{"kind", "status"}),
		actionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "action_duration_seconds",
			Help:      "Action execution latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
	}

	reg.MustRegister(
		m.transitions, m.activeSessions, m.snapshotDuration,
		m.decisions, m.decisionDuration, m.actions, m.actionDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) SessionStateChanged(from, to agent.State) {
	m.transitions.WithLabelValues(string(from), string(to)).Inc()
	switch {
	case to.Active() && !from.Active():
		m.activeSessions.Inc()
	case from.Active() && !to.Active():
		m.activeSessions.Dec()
	}
}

func (m *Metrics) SnapshotObserved(status agent.Status, d time.Duration) {
	m.snapshotDuration.WithLabelValues(string(status)).Observe(d.Seconds())
}

func (m *Metrics) DecisionObserved(kind agent.ActionKind, status agent.Status, d time.Duration) {
	m.decisions.WithLabelValues(string(kind), string(status)).Inc()
	m.decisionDuration.WithLabelValues(string(kind)).Observe(d.Seconds())
}

func (m *Metrics) ActionObserved(kind agent.ActionKind, status agent.Status, d time.Duration) {
	m.actions.WithLabelValues(string(kind), string(status)).Inc()
	m.actionDuration.WithLabelValues(string(kind)).Observe(d.Seconds())
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// MetricsServer exposes Metrics over HTTP.
type MetricsServer struct {
	srv      *http.Server
	listener net.Listener
	logger   *zap.Logger
	done     chan error
}

// StartMetricsServer binds cfg.Address and serves the handler at cfg.Path in the background.
func StartMetricsServer(cfg config.MetricsConfig, m *Metrics, logger *zap.Logger) (*MetricsServer, error) {
	path := cfg.Path
	if path == "" {
		path = "/metrics"
	}
	ln, err := net.Listen("tcp", cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", cfg.Address, err)
	}

	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())
	s := &MetricsServer{
		srv:      &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		listener: ln,
		logger:   logger.Named("metrics"),
		done:     make(chan error, 1),
	}
	go func() {
		err := s.srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		s.done <- err
	}()
	s.logger.Info("Metrics endpoint listening.", zap.String("address", ln.Addr().String()), zap.String("path", path))
	return s, nil
}

// Addr returns the bound address, which differs from the configured one when port 0 was used.
func (s *MetricsServer) Addr() string { return s.listener.Addr().String() }

// Shutdown stops the server and waits for the serve loop to exit.
func (s *MetricsServer) Shutdown(ctx context.Context) error {
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("metrics server shutdown: %w", err)
	}
	return <-s.done
}
