package metrics

import "github.com/prometheus/client_golang/prometheus"

// IntakeMetrics exposes counters/histograms for intake conversations.
type IntakeMetrics struct {
	turnsTotal        *prometheus.CounterVec
	llmFailures       *prometheus.CounterVec
	addressAttempts   *prometheus.CounterVec
	bookingsTotal     *prometheus.CounterVec
	turnLatency       *prometheus.HistogramVec
	sessionsCompleted prometheus.Counter
}

func NewIntakeMetrics(reg prometheus.Registerer) *IntakeMetrics {
	m := &IntakeMetrics{
		turnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "intake",
			Subsystem: "conversation",
			Name:      "turns_total",
			Help:      "Total conversation turns processed",
		}, []string{"phase", "status"}),
		llmFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "intake",
			Subsystem: "llm",
			Name:      "degraded_total",
			Help:      "LLM calls that failed and degraded to a fallback",
		}, []string{"operation"}),
		addressAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "intake",
			Subsystem: "address",
			Name:      "validation_attempts_total",
			Help:      "Address validation attempts by outcome",
		}, []string{"outcome"}),
		bookingsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "intake",
			Subsystem: "scheduling",
			Name:      "bookings_total",
			Help:      "Appointment booking attempts by outcome",
		}, []string{"outcome"}),
		turnLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "intake",
			Subsystem: "conversation",
			Name:      "turn_latency_seconds",
			Help:      "Latency of one dispatched turn",
			Buckets:   prometheus.DefBuckets,
		}, []string{"phase"}),
		sessionsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "intake",
			Subsystem: "conversation",
			Name:      "sessions_completed_total",
			Help:      "Sessions that reached the terminal phase",
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.turnsTotal, m.llmFailures, m.addressAttempts, m.bookingsTotal, m.turnLatency, m.sessionsCompleted)
	return m
}

func (m *IntakeMetrics) ObserveTurn(phase, status string) {
	if m == nil {
		return
	}
	m.turnsTotal.WithLabelValues(phase, status).Inc()
}

func (m *IntakeMetrics) ObserveLLMDegraded(operation string) {
	if m == nil {
		return
	}
	m.llmFailures.WithLabelValues(operation).Inc()
}

func (m *IntakeMetrics) ObserveAddressValidation(outcome string) {
	if m == nil {
		return
	}
	m.addressAttempts.WithLabelValues(outcome).Inc()
}

func (m *IntakeMetrics) ObserveBooking(outcome string) {
	if m == nil {
		return
	}
	m.bookingsTotal.WithLabelValues(outcome).Inc()
}

func (m *IntakeMetrics) ObserveTurnLatency(phase string, seconds float64) {
	if m == nil {
		return
	}
	m.turnLatency.WithLabelValues(phase).Observe(seconds)
}

func (m *IntakeMetrics) ObserveSessionCompleted() {
	if m == nil {
		return
	}
	m.sessionsCompleted.Inc()
}
