package telemetry

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the engine's Prometheus collectors. A nil *Metrics, or one
// created with metrics disabled, records nothing.
type Metrics struct {
	config   MetricsConfig
	registry *prometheus.Registry

	runsStarted   *prometheus.CounterVec
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	activeRuns    prometheus.Gauge

	resourcesFetched *prometheus.GaugeVec
	resourcesMatched *prometheus.GaugeVec

	providerCalls    *prometheus.CounterVec
	providerDuration *prometheus.HistogramVec
	providerErrors   *prometheus.CounterVec
	retries          *prometheus.CounterVec

	cacheLookups *prometheus.CounterVec
	cacheLoads   *prometheus.CounterVec

	actionOutcomes *prometheus.CounterVec

	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec
}

// collectors builds collectors under one namespace and registers each one
// as it is created.
type collectors struct {
	reg       *prometheus.Registry
	namespace string
	buckets   []float64
}

func (c collectors) counter(name, help string, labels ...string) *prometheus.CounterVec {
	v := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: c.namespace, Name: name, Help: help}, labels)
	c.reg.MustRegister(v)
	return v
}

func (c collectors) gauge(name, help string, labels ...string) *prometheus.GaugeVec {
	v := prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: c.namespace, Name: name, Help: help}, labels)
	c.reg.MustRegister(v)
	return v
}

func (c collectors) histogram(name, help string, labels ...string) *prometheus.HistogramVec {
	v := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: c.namespace,
		Name:      name,
		Help:      help,
		Buckets:   c.buckets,
	}, labels)
	c.reg.MustRegister(v)
	return v
}

// NewMetrics registers the engine collectors on a private registry.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	m := &Metrics{config: cfg}
	if !cfg.Enabled {
		return m, nil
	}

	c := collectors{
		reg:       prometheus.NewRegistry(),
		namespace: cfg.Namespace,
		buckets:   cfg.DefaultHistogramBuckets,
	}
	if len(c.buckets) == 0 {
		c.buckets = prometheus.DefBuckets
	}
	m.registry = c.reg

	m.runsStarted = c.counter("policy_runs_started_total", "Policy runs started.", "policy")
	m.runsCompleted = c.counter("policy_runs_completed_total", "Policy runs finished, by final status.", "policy", "status")
	m.runDuration = c.histogram("policy_run_duration_seconds", "Wall time of policy runs.", "policy", "status")
	m.activeRuns = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: cfg.Namespace,
		Name:      "active_runs",
		Help:      "Policy runs in progress.",
	})
	c.reg.MustRegister(m.activeRuns)

	m.resourcesFetched = c.gauge("resources_fetched", "Resources fetched by the last run of a policy.", "policy", "resource_type")
	m.resourcesMatched = c.gauge("resources_matched", "Resources matched by the last run of a policy.", "policy", "resource_type")

	m.providerCalls = c.counter("provider_calls_total", "Provider operations invoked.", "resource_type", "operation")
	m.providerDuration = c.histogram("provider_call_duration_seconds", "Latency of provider operations.", "resource_type", "operation")
	m.providerErrors = c.counter("provider_errors_total", "Failed provider operations, by error class.", "resource_type", "operation", "class")
	m.retries = c.counter("provider_retries_total", "Provider operations retried after a transient failure.", "operation", "class")

	m.cacheLookups = c.counter("cache_lookups_total", "Resource cache lookups, by hit or miss.", "result")
	m.cacheLoads = c.counter("cache_loads_total", "Resource cache loader invocations.", "status")

	m.actionOutcomes = c.counter("action_outcomes_total", "Per-resource action outcomes.", "action", "status")

	m.errorsByClass = c.counter("errors_by_class_total", "Run errors by error class.", "class")
	m.errorsByCode = c.counter("errors_by_code_total", "Run errors by provider error code.", "code")

	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

func (m *Metrics) RecordRunStarted(policy string) {
	if !m.enabled() {
		return
	}
	m.runsStarted.WithLabelValues(policy).Inc()
	m.activeRuns.Inc()
}

func (m *Metrics) RecordRunCompleted(policy, status string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.runsCompleted.WithLabelValues(policy, status).Inc()
	m.runDuration.WithLabelValues(policy, status).Observe(duration.Seconds())
	m.activeRuns.Dec()
}

// SetResourceCounts records the fetched and matched set sizes of a run.
func (m *Metrics) SetResourceCounts(policy, resourceType string, fetched, matched int) {
	if !m.enabled() {
		return
	}
	m.resourcesFetched.WithLabelValues(policy, resourceType).Set(float64(fetched))
	m.resourcesMatched.WithLabelValues(policy, resourceType).Set(float64(matched))
}

func (m *Metrics) RecordProviderCall(resourceType, operation string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.providerCalls.WithLabelValues(resourceType, operation).Inc()
	m.providerDuration.WithLabelValues(resourceType, operation).Observe(duration.Seconds())
}

func (m *Metrics) RecordProviderError(resourceType, operation, class string) {
	if !m.enabled() {
		return
	}
	m.providerErrors.WithLabelValues(resourceType, operation, class).Inc()
}

func (m *Metrics) RecordRetry(operation, class string) {
	if !m.enabled() {
		return
	}
	m.retries.WithLabelValues(operation, class).Inc()
}

func (m *Metrics) RecordCacheHit()  { m.cacheLookup("hit") }
func (m *Metrics) RecordCacheMiss() { m.cacheLookup("miss") }

func (m *Metrics) cacheLookup(result string) {
	if !m.enabled() {
		return
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

// RecordCacheLoad counts one loader invocation as ok or error.
func (m *Metrics) RecordCacheLoad(err error) {
	if !m.enabled() {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.cacheLoads.WithLabelValues(status).Inc()
}

func (m *Metrics) RecordActionOutcome(action, status string) {
	if !m.enabled() {
		return
	}
	m.actionOutcomes.WithLabelValues(action, status).Inc()
}

// RecordError counts a run error by class, and by code when it has one.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if !m.enabled() {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// Registry returns the private registry, or nil when disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Timer measures elapsed wall time.
type Timer struct {
	start time.Time
}

func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler serves the registry in the OpenMetrics format.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// StartMetricsServer serves Handler on the configured address and path. It
// returns nil when metrics or the listen address are off. Serve errors go
// to onError.
func (m *Metrics) StartMetricsServer(onError func(error)) *http.Server {
	if !m.enabled() || m.config.ListenAddress == "" {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	srv := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		err := srv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) && onError != nil {
			onError(err)
		}
	}()
	return srv
}
