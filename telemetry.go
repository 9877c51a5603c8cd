package vttd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pkt.systems/pslog"
)

// telemetryBundle owns the prometheus registry, the coordination counters,
// and the optional scrape listener. Counters always count; the listener
// only exists when MetricsListen is configured.
type telemetryBundle struct {
	listen   string
	logger   pslog.Logger
	registry *prometheus.Registry

	queriesRelayed     *prometheus.CounterVec
	queryFailures      *prometheus.CounterVec
	sessionsAdopted    prometheus.Counter
	sessionsSuperseded prometheus.Counter

	metricsServer *http.Server
	metricsLn     net.Listener
}

func newTelemetry(listen string, logger pslog.Logger) (*telemetryBundle, error) {
	registry := prometheus.NewRegistry()
	t := &telemetryBundle{
		listen:   listen,
		logger:   logger,
		registry: registry,
		queriesRelayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vttd_queries_relayed_total",
			Help: "Named queries forwarded over the bridge session.",
		}, []string{"name"}),
		queryFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vttd_query_failures_total",
			Help: "Relayed queries that resolved with an error, by code.",
		}, []string{"code"}),
		sessionsAdopted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vttd_bridge_sessions_adopted_total",
			Help: "Bridge sessions adopted as authoritative.",
		}),
		sessionsSuperseded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vttd_bridge_sessions_superseded_total",
			Help: "Bridge sessions torn down by a newer connection.",
		}),
	}
	for _, c := range []prometheus.Collector{
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		t.queriesRelayed,
		t.queryFailures,
		t.sessionsAdopted,
		t.sessionsSuperseded,
	} {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("telemetry: register collector: %w", err)
		}
	}
	return t, nil
}

// Start binds the scrape endpoint when one is configured.
func (t *telemetryBundle) Start() error {
	if t == nil || t.listen == "" {
		return nil
	}
	ln, err := net.Listen("tcp", t.listen)
	if err != nil {
		return fmt.Errorf("telemetry: metrics listen %s: %w", t.listen, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{}))
	t.metricsLn = ln
	t.metricsServer = &http.Server{Handler: mux}
	go func() {
		if err := t.metricsServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.logger.Warn("telemetry.metrics.serve_failed", "error", err)
		}
	}()
	t.logger.Info("telemetry.metrics.listening", "address", ln.Addr().String())
	return nil
}

// Shutdown stops the scrape endpoint, if any.
func (t *telemetryBundle) Shutdown(ctx context.Context) error {
	if t == nil || t.metricsServer == nil {
		return nil
	}
	if err := t.metricsServer.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("telemetry: metrics shutdown: %w", err)
	}
	if t.metricsLn != nil {
		_ = t.metricsLn.Close()
	}
	return nil
}

func (t *telemetryBundle) QueryRelayed(name string) {
	if t == nil {
		return
	}
	t.queriesRelayed.WithLabelValues(name).Inc()
}

func (t *telemetryBundle) QueryFailed(code string) {
	if t == nil {
		return
	}
	t.queryFailures.WithLabelValues(code).Inc()
}

func (t *telemetryBundle) SessionAdopted() {
	if t == nil {
		return
	}
	t.sessionsAdopted.Inc()
}

func (t *telemetryBundle) SessionSuperseded() {
	if t == nil {
		return
	}
	t.sessionsSuperseded.Inc()
}
