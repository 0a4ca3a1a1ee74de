// Package observability exposes saga and transport metrics for Prometheus.
package observability

import (
	"context"
	"sync/atomic"
	"time"

	"ordersaga/internal/orders/saga"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "ordersaga"

// Metrics owns a private registry. All methods are safe on a nil receiver.
type Metrics struct {
	registry *prometheus.Registry

	calls          *prometheus.CounterVec
	callDuration   *prometheus.HistogramVec
	callsInFlight  *prometheus.GaugeVec
	rateLimitWaits prometheus.Counter
	rateLimitWait  prometheus.Counter

	sagaEvents    *prometheus.CounterVec
	sagasFinished *prometheus.CounterVec
	sagasInFlight prometheus.Gauge
	running       atomic.Int64

	shutdownAt       prometheus.Gauge
	inFlightShutdown prometheus.Gauge
}

// CallSpan measures one inbound call.
type CallSpan struct {
	metrics *Metrics
	method  string
	start   time.Time
}

// NewMetrics registers every collector on a registry of its own.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_total",
			Help:      "Inbound calls by method and result.",
		}, []string{"method", "result"}),
		callDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_duration_seconds",
			Help:      "Inbound call latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		callsInFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "calls_in_flight",
			Help:      "Inbound calls currently being served.",
		}, []string{"method"}),
		rateLimitWaits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_waits_total",
			Help:      "Times a caller was held back by a rate limiter.",
		}),
		rateLimitWait: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_wait_seconds_total",
			Help:      "Time spent waiting on rate limiters.",
		}),
		sagaEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "saga_events_total",
			Help:      "Saga events by kind, step and outcome.",
		}, []string{"kind", "step", "outcome"}),
		sagasFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sagas_finished_total",
			Help:      "Finished sagas by final order status.",
		}, []string{"status"}),
		sagasInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sagas_in_flight",
			Help:      "Sagas started and not yet finished.",
		}),
		shutdownAt: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "shutdown_timestamp_seconds",
			Help:      "Unix time graceful shutdown began.",
		}),
		inFlightShutdown: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "shutdown_in_flight",
			Help:      "Calls in flight when graceful shutdown began.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.calls, m.callDuration, m.callsInFlight,
		m.rateLimitWaits, m.rateLimitWait,
		m.sagaEvents, m.sagasFinished, m.sagasInFlight,
		m.shutdownAt, m.inFlightShutdown,
	)
	return m
}

// Registry returns the registry the metrics are registered with.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Start(method string) *CallSpan {
	if m == nil {
		return &CallSpan{}
	}
	m.callsInFlight.WithLabelValues(method).Inc()
	return &CallSpan{metrics: m, method: method, start: time.Now()}
}

func (s *CallSpan) End(err error) {
	if s == nil || s.metrics == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m := s.metrics
	m.callsInFlight.WithLabelValues(s.method).Dec()
	m.calls.WithLabelValues(s.method, result).Inc()
	m.callDuration.WithLabelValues(s.method).Observe(time.Since(s.start).Seconds())
}

func (m *Metrics) AddRateLimitWait(d time.Duration) {
	if m == nil || d <= 0 {
		return
	}
	m.rateLimitWaits.Inc()
	m.rateLimitWait.Add(d.Seconds())
}

// Record counts saga events. It never fails, so it can sit in front of
// sinks that do.
func (m *Metrics) Record(_ context.Context, e saga.Event) error {
	if m == nil {
		return nil
	}
	m.sagaEvents.WithLabelValues(string(e.Kind), string(e.Step), e.Outcome).Inc()
	switch e.Kind {
	case saga.EventSagaStarted:
		m.sagasInFlight.Inc()
		m.running.Add(1)
	case saga.EventSagaCompleted, saga.EventSagaFailed:
		m.sagasInFlight.Dec()
		m.running.Add(-1)
		m.sagasFinished.WithLabelValues(e.Status.String()).Inc()
	}
	return nil
}

// SagasInFlight reports sagas that started and have not finished.
func (m *Metrics) SagasInFlight() int64 {
	if m == nil {
		return 0
	}
	return m.running.Load()
}

func (m *Metrics) MarkShutdown(inflight int64) {
	if m == nil {
		return
	}
	m.shutdownAt.Set(float64(time.Now().Unix()))
	m.inFlightShutdown.Set(float64(inflight))
}
