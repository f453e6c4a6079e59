package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Run metrics
	activeRuns = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "triage_gateway_active_runs",
		Help: "Number of triage runs in flight",
	})

	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "triage_gateway_runs_total",
		Help: "Total number of triage runs processed",
	}, []string{"engine", "outcome"}) // outcome: "ok", "invalid" or "failed"

	runDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "triage_gateway_run_duration_seconds",
		Help:    "Wall-clock duration of triage runs in seconds",
		Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
	}, []string{"engine"})

	// Retrieval metrics
	retrievalLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "triage_gateway_retrieval_latency_seconds",
		Help:    "Knowledge-base retrieval latency in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
	})

	// Completion metrics
	completionAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "triage_gateway_completion_attempts_total",
		Help: "Total number of physical completion calls",
	}, []string{"model", "status"})

	completionLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "triage_gateway_completion_latency_seconds",
		Help:    "Latency of single completion calls in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0},
	}, []string{"model"})

	completionBackoffs = promauto.NewCounter(prometheus.CounterOpts{
		Name: "triage_gateway_completion_backoffs_total",
		Help: "Total number of backoff sleeps between completion attempts",
	})

	failovers = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "triage_gateway_failovers_total",
		Help: "Total number of model and credential switches",
	}, []string{"kind"}) // kind: "model" or "api_key"

	// Validation metrics
	validations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "triage_gateway_validations_total",
		Help: "Verdict schema validation results",
	}, []string{"result"})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "triage_gateway_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "triage_gateway_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "triage_gateway_circuit_breaker_failures_total",
		Help: "Total number of times a circuit breaker opened",
	}, []string{"service"})

	// Live feed metrics
	liveSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "triage_gateway_live_subscribers",
		Help: "Number of connected live run feed clients",
	})
)

// Metrics tracks metrics for a single triage run
type Metrics struct {
	engine         string
	startTime      time.Time
	retrievalStart time.Time
	mu             sync.Mutex
}

// NewRunMetrics creates a new metrics tracker for a run
func NewRunMetrics(engine string) *Metrics {
	return &Metrics{
		engine:    engine,
		startTime: time.Now(),
	}
}

// RecordRunStart records the start of a run
func (m *Metrics) RecordRunStart() {
	activeRuns.Inc()
}

// RecordRunEnd records the end of a run with its outcome
func (m *Metrics) RecordRunEnd(outcome string) {
	activeRuns.Dec()
	runsTotal.WithLabelValues(m.engine, outcome).Inc()
	runDuration.WithLabelValues(m.engine).Observe(time.Since(m.startTime).Seconds())
}

// RecordRetrievalStart records the start of knowledge retrieval
func (m *Metrics) RecordRetrievalStart() {
	m.mu.Lock()
	m.retrievalStart = time.Now()
	m.mu.Unlock()
}

// RecordRetrievalEnd records the end of knowledge retrieval
func (m *Metrics) RecordRetrievalEnd(success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.retrievalStart.IsZero() {
		retrievalLatency.Observe(time.Since(m.retrievalStart).Seconds())
	}
	if !success {
		errorsTotal.WithLabelValues("retrieval", "knowledge").Inc()
	}
}

// RecordAttempt records one physical completion call. status 0 means no HTTP response.
func (m *Metrics) RecordAttempt(model string, status int, latency time.Duration) {
	label := "none"
	if status != 0 {
		label = strconv.Itoa(status)
	}
	completionAttempts.WithLabelValues(model, label).Inc()
	completionLatency.WithLabelValues(model).Observe(latency.Seconds())
}

// RecordBackoff records a backoff sleep
func (m *Metrics) RecordBackoff() {
	completionBackoffs.Inc()
}

// RecordFailover records a model or credential switch
func (m *Metrics) RecordFailover(kind string) {
	failovers.WithLabelValues(kind).Inc()
}

// RecordValidation records whether the verdict passed schema validation
func (m *Metrics) RecordValidation(ok bool) {
	result := "valid"
	if !ok {
		result = "invalid"
	}
	validations.WithLabelValues(result).Inc()
}

// RecordError records an error
func (m *Metrics) RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}

// LiveSubscriberConnected tracks a live feed client joining
func LiveSubscriberConnected() {
	liveSubscribers.Inc()
}

// LiveSubscriberDisconnected tracks a live feed client leaving
func LiveSubscriberDisconnected() {
	liveSubscribers.Dec()
}
