package security

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Pipeline stages used as metric labels
const (
	StageRequest     = "request"
	StageRateLimit   = "rate_limit"
	StageCSRF        = "csrf"
	StageInspection  = "inspection"
	StageHandler     = "handler"
	StageInternal    = "internal"
	outcomeAllowed   = "allowed"
	outcomeBlocked   = "blocked"
	outcomeErrored   = "error"
	defaultNamespace = "secpipe"
)

// Metrics holds the pipeline's Prometheus collectors on a private registry.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	requests    *prometheus.CounterVec
	threats     *prometheus.CounterVec
	rateLimited *prometheus.CounterVec
	logFailures prometheus.Counter
	alerts      prometheus.Counter
	duration    prometheus.Histogram
	riskScore   prometheus.Histogram
}

// NewMetrics creates the collectors under namespace and registers them,
// together with the Go and process collectors, on a new registry.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = defaultNamespace
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Requests handled by the security pipeline by outcome and deciding stage.",
		}, []string{"outcome", "stage"}),
		threats: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "threats_detected_total",
			Help:      "Threat tags recorded on request security contexts.",
		}, []string{"type"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_rejections_total",
			Help:      "Requests rejected by the rate limiter by route class.",
		}, []string{"class"}),
		logFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "log_failures_total",
			Help:      "Security events that could not be logged or alerted.",
		}),
		alerts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Security alerts emitted.",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pipeline_duration_seconds",
			Help:      "Time spent in the security pipeline, downstream handler included.",
			Buckets:   prometheus.DefBuckets,
		}),
		riskScore: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_risk_score",
			Help:      "Final risk score of each request.",
			Buckets:   []float64{0, 15, 30, 40, 60, 80, 100},
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.requests,
		m.threats,
		m.rateLimited,
		m.logFailures,
		m.alerts,
		m.duration,
		m.riskScore,
	)
	return m
}

// Registry returns the private registry
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) recordRequest(outcome, stage string, elapsed time.Duration, score int) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(outcome, stage).Inc()
	m.duration.Observe(elapsed.Seconds())
	m.riskScore.Observe(float64(score))
}

func (m *Metrics) recordThreats(tags []ThreatTag) {
	if m == nil {
		return
	}
	for _, tag := range tags {
		m.threats.WithLabelValues(string(tag)).Inc()
	}
}

func (m *Metrics) recordRateLimited(class string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(class).Inc()
}

func (m *Metrics) recordLogFailure() {
	if m == nil {
		return
	}
	m.logFailures.Inc()
}

func (m *Metrics) recordAlert() {
	if m == nil {
		return
	}
	m.alerts.Inc()
}
