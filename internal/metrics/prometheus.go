package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector implements Collector with Prometheus vectors.
type PrometheusCollector struct {
	turns           *prometheus.CounterVec
	turnLatency     *prometheus.HistogramVec
	toolCalls       *prometheus.CounterVec
	transfers       *prometheus.CounterVec
	biometrics      *prometheus.CounterVec
	reasoningCalls  *prometheus.CounterVec
	reasoningTiming *prometheus.HistogramVec
	httpRequests    *prometheus.CounterVec
	httpLatency     *prometheus.HistogramVec
	circuitState    *prometheus.GaugeVec
	sessionsSwept   prometheus.Counter
	sessionsActive  prometheus.Gauge
}

// NewPrometheusCollector creates the vectors under namespace. Call Register
// before serving them.
func NewPrometheusCollector(namespace string) *PrometheusCollector {
	return &PrometheusCollector{
		turns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "turns_total",
				Help:      "Conversation turns by outcome",
			},
			[]string{"outcome"},
		),
		turnLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "turn_duration_seconds",
				Help:      "Time to answer a conversation turn",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 4, 8, 16, 32},
			},
			[]string{"outcome"},
		),
		toolCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tool_calls_total",
				Help:      "Tool invocations by tool and result code",
			},
			[]string{"tool", "code"},
		),
		transfers: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transfers_total",
				Help:      "Ledger transfers by status and failure reason",
			},
			[]string{"status", "reason"},
		),
		biometrics: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "biometric_resolutions_total",
				Help:      "Biometric gate resolutions by outcome",
			},
			[]string{"outcome"},
		),
		reasoningCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reasoning_calls_total",
				Help:      "Reasoning engine calls by provider and result",
			},
			[]string{"provider", "result"},
		),
		reasoningTiming: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "reasoning_duration_seconds",
				Help:      "Reasoning engine latency",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"provider"},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "HTTP requests by method, route and status",
			},
			[]string{"method", "route", "status"},
		),
		httpLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latency by route",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"route"},
		),
		circuitState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_state",
				Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
			},
			[]string{"name"},
		),
		sessionsSwept: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_swept_total",
			Help:      "Idle sessions removed by the sweeper",
		}),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Live sessions at the last sweep",
		}),
	}
}

// Register adds every collector to registry.
func (pc *PrometheusCollector) Register(registry prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		pc.turns, pc.turnLatency, pc.toolCalls, pc.transfers, pc.biometrics,
		pc.reasoningCalls, pc.reasoningTiming, pc.httpRequests, pc.httpLatency,
		pc.circuitState, pc.sessionsSwept, pc.sessionsActive,
	}
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (pc *PrometheusCollector) RecordTurn(outcome string, duration time.Duration) {
	pc.turns.WithLabelValues(outcome).Inc()
	pc.turnLatency.WithLabelValues(outcome).Observe(duration.Seconds())
}

func (pc *PrometheusCollector) RecordToolCall(tool, code string) {
	pc.toolCalls.WithLabelValues(tool, code).Inc()
}

func (pc *PrometheusCollector) RecordTransfer(status, reason string) {
	pc.transfers.WithLabelValues(status, reason).Inc()
}

func (pc *PrometheusCollector) RecordBiometric(outcome string) {
	pc.biometrics.WithLabelValues(outcome).Inc()
}

func (pc *PrometheusCollector) RecordReasoning(provider string, success bool, duration time.Duration) {
	result := "ok"
	if !success {
		result = "error"
	}
	pc.reasoningCalls.WithLabelValues(provider, result).Inc()
	pc.reasoningTiming.WithLabelValues(provider).Observe(duration.Seconds())
}

func (pc *PrometheusCollector) RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	pc.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	pc.httpLatency.WithLabelValues(route).Observe(duration.Seconds())
}

func (pc *PrometheusCollector) RecordCircuitState(name string, state CircuitState) {
	pc.circuitState.WithLabelValues(name).Set(float64(state))
}

func (pc *PrometheusCollector) SessionsSwept(n int) {
	pc.sessionsSwept.Add(float64(n))
}

func (pc *PrometheusCollector) SessionsActive(n int) {
	pc.sessionsActive.Set(float64(n))
}
