// Package metrics exposes Prometheus instrumentation for the monitor.
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Metrics holds the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	TicksTotal         prometheus.Counter
	TickDuration       prometheus.Histogram
	EvaluationsTotal   *prometheus.CounterVec // labels: outcome
	DecisionsTotal     *prometheus.CounterVec // labels: action, reason
	NotificationsTotal *prometheus.CounterVec // labels: channel, result
	FetchDuration      *prometheus.HistogramVec
	PositionsMonitored prometheus.Gauge
	PositionsTriggered prometheus.Gauge
	MarketOpen         prometheus.Gauge
}

// New registers every collector on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		TicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "exitwatch", Name: "ticks_total", Help: "Scheduler ticks executed.",
		}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "exitwatch", Name: "tick_duration_seconds", Help: "Wall time of one tick.",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		EvaluationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "exitwatch", Name: "evaluations_total", Help: "Position evaluations by outcome.",
		}, []string{"outcome"}),
		DecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "exitwatch", Name: "decisions_total", Help: "Exit decisions by action and reason.",
		}, []string{"action", "reason"}),
		NotificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "exitwatch", Name: "notifications_total", Help: "Channel deliveries by result.",
		}, []string{"channel", "result"}),
		FetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "exitwatch", Name: "fetch_duration_seconds", Help: "Market data call latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		PositionsMonitored: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "exitwatch", Name: "positions_monitored", Help: "Enabled positions in the last tick.",
		}),
		PositionsTriggered: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "exitwatch", Name: "positions_triggered", Help: "Positions currently in TRIGGERED.",
		}),
		MarketOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "exitwatch", Name: "market_open", Help: "1 while the market hours gate is open.",
		}),
	}
	m.registry.MustRegister(
		m.TicksTotal, m.TickDuration, m.EvaluationsTotal, m.DecisionsTotal,
		m.NotificationsTotal, m.FetchDuration, m.PositionsMonitored, m.PositionsTriggered,
		m.MarketOpen,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the private registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveTick(d time.Duration) {
	if m == nil {
		return
	}
	m.TicksTotal.Inc()
	m.TickDuration.Observe(d.Seconds())
}

func (m *Metrics) ObserveEvaluation(outcome string) {
	if m == nil {
		return
	}
	m.EvaluationsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveDecision(action, reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "none"
	}
	m.DecisionsTotal.WithLabelValues(action, reason).Inc()
}

func (m *Metrics) ObserveDelivery(channel string, ok bool) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	m.NotificationsTotal.WithLabelValues(channel, result).Inc()
}

func (m *Metrics) ObserveFetch(op string, d time.Duration) {
	if m == nil {
		return
	}
	m.FetchDuration.WithLabelValues(op).Observe(d.Seconds())
}

func (m *Metrics) SetPositions(monitored, triggered int) {
	if m == nil {
		return
	}
	m.PositionsMonitored.Set(float64(monitored))
	m.PositionsTriggered.Set(float64(triggered))
}

func (m *Metrics) SetMarketOpen(open bool) {
	if m == nil {
		return
	}
	if open {
		m.MarketOpen.Set(1)
		return
	}
	m.MarketOpen.Set(0)
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	logger.Info().Str("addr", ln.Addr().String()).Msg("metrics endpoint listening")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
