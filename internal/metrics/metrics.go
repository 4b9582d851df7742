// Package metrics exposes Prometheus counters for the pollers, the log
// streams and the authorizer. Every method is safe on a nil *Metrics so
// components can run without instrumentation.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Poll outcomes.
const (
	PollOK          = "ok"
	PollSkipped     = "skipped"
	PollUnreachable = "unreachable"
	PollError       = "error"
	PollUnknown     = "unrecognized"
)

// Metrics owns a private registry so tests and multiple engines never
// collide on the global one.
type Metrics struct {
	registry       *prometheus.Registry
	polls          *prometheus.CounterVec
	deliveries     *prometheus.CounterVec
	deliveryErrors *prometheus.CounterVec
	authCallbacks  *prometheus.CounterVec
	attachAttempts *prometheus.CounterVec
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mcwatch",
			Subsystem: "reconcile",
			Name:      "polls_total",
			Help:      "Application status polls by outcome",
		}, []string{"outcome"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mcwatch",
			Subsystem: "logs",
			Name:      "deliveries_total",
			Help:      "Log deliveries to consoles by source and kind (append or replace)",
		}, []string{"source", "kind"}),
		deliveryErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mcwatch",
			Subsystem: "logs",
			Name:      "delivery_errors_total",
			Help:      "Failed log deliveries by source",
		}, []string{"source"}),
		authCallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mcwatch",
			Subsystem: "auth",
			Name:      "callbacks_total",
			Help:      "Authorization callbacks by outcome",
		}, []string{"outcome"}),
		attachAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mcwatch",
			Subsystem: "debug",
			Name:      "attach_attempts_total",
			Help:      "Debugger attach attempts by result",
		}, []string{"result"}),
	}
	m.registry.MustRegister(m.polls, m.deliveries, m.deliveryErrors, m.authCallbacks, m.attachAttempts)
	return m
}

func (m *Metrics) ObservePoll(outcome string) {
	if m == nil {
		return
	}
	m.polls.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveDelivery(source, kind string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(source, kind).Inc()
}

func (m *Metrics) ObserveDeliveryError(source string) {
	if m == nil {
		return
	}
	m.deliveryErrors.WithLabelValues(source).Inc()
}

func (m *Metrics) ObserveAuthCallback(outcome string) {
	if m == nil {
		return
	}
	m.authCallbacks.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveAttach(result string) {
	if m == nil {
		return
	}
	m.attachAttempts.WithLabelValues(result).Inc()
}

// Registry exposes the private registry for gathering in tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	slog.Info("serving metrics", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
