package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	globalMetrics   *Metrics
	globalCollector *Collector
	globalMu        sync.RWMutex
)

// Pipeline stages used as the stage label of PipelineFailuresTotal
const (
	StageGenerate = "generate"
	StageCompile  = "compile"
	StageDeploy   = "deploy"
	StageVerify   = "verify_deployment"
	StageIssue    = "issue"
	StagePersist  = "persist"
	StageRevoke   = "revoke"
)

// Metrics holds all Prometheus metrics for chaindoc
type Metrics struct {
	// Pipeline counters
	TemplatesDeployedTotal prometheus.Counter
	PipelineFailuresTotal  *prometheus.CounterVec
	DocumentsIssuedTotal   prometheus.Counter
	DocumentsRevokedTotal  prometheus.Counter
	VerificationsTotal     *prometheus.CounterVec

	// Chain and compiler latency
	ChainCallDurationSeconds *prometheus.HistogramVec
	CompileDurationSeconds   prometheus.Histogram

	// API metrics
	APIRequestsTotal          *prometheus.CounterVec
	APIRequestDurationSeconds *prometheus.HistogramVec
	APIErrorsTotal            *prometheus.CounterVec

	// Rate limiting
	RateLimitExceededTotal *prometheus.CounterVec

	// Store gauges
	TemplatesStored prometheus.Gauge
	DocumentsStored prometheus.Gauge

	// System metrics
	UptimeSeconds    prometheus.Gauge
	Goroutines       prometheus.Gauge
	StorageUsedBytes prometheus.Gauge

	registry *prometheus.Registry
}

// New creates a new Metrics instance with all metrics registered
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		TemplatesDeployedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "chaindoc_templates_deployed_total",
				Help: "Total number of template contracts deployed and verified",
			},
		),
		PipelineFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chaindoc_pipeline_failures_total",
				Help: "Total number of pipeline failures by stage",
			},
			[]string{"stage"},
		),
		DocumentsIssuedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "chaindoc_documents_issued_total",
				Help: "Total number of documents recorded on-chain",
			},
		),
		DocumentsRevokedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "chaindoc_documents_revoked_total",
				Help: "Total number of documents revoked",
			},
		),
		VerificationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chaindoc_verifications_total",
				Help: "Total number of verifications by result",
			},
			[]string{"result"},
		),

		ChainCallDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chaindoc_chain_call_duration_seconds",
				Help:    "Duration of blockchain calls in seconds",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"op"},
		),
		CompileDurationSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "chaindoc_compile_duration_seconds",
				Help:    "Duration of contract compilation in seconds",
				Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
		),

		APIRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chaindoc_api_requests_total",
				Help: "Total number of API requests",
			},
			[]string{"method", "path", "status"},
		),
		APIRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chaindoc_api_request_duration_seconds",
				Help:    "API request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"method", "path"},
		),
		APIErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chaindoc_api_errors_total",
				Help: "Total number of API errors",
			},
			[]string{"error_type"},
		),

		RateLimitExceededTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chaindoc_ratelimit_exceeded_total",
				Help: "Total number of issuance requests denied by rate limiting",
			},
			[]string{"level"},
		),

		TemplatesStored: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "chaindoc_templates_stored",
				Help: "Number of templates in the store",
			},
		),
		DocumentsStored: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "chaindoc_documents_stored",
				Help: "Number of documents in the store",
			},
		),

		UptimeSeconds: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "chaindoc_uptime_seconds",
				Help: "Server uptime in seconds",
			},
		),
		Goroutines: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "chaindoc_goroutines",
				Help: "Number of active goroutines",
			},
		),
		StorageUsedBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "chaindoc_storage_used_bytes",
				Help: "BoltDB file size in bytes",
			},
		),

		registry: reg,
	}

	reg.MustRegister(
		m.TemplatesDeployedTotal,
		m.PipelineFailuresTotal,
		m.DocumentsIssuedTotal,
		m.DocumentsRevokedTotal,
		m.VerificationsTotal,
		m.ChainCallDurationSeconds,
		m.CompileDurationSeconds,
		m.APIRequestsTotal,
		m.APIRequestDurationSeconds,
		m.APIErrorsTotal,
		m.RateLimitExceededTotal,
		m.TemplatesStored,
		m.DocumentsStored,
		m.UptimeSeconds,
		m.Goroutines,
		m.StorageUsedBytes,
	)

	return m
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// SetGlobal sets the global metrics instance
func SetGlobal(m *Metrics) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalMetrics = m
}

// Global returns the global metrics instance
func Global() *Metrics {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalMetrics
}

// SetGlobalCollector routes the package-level counters through c so they
// survive restarts.
func SetGlobalCollector(c *Collector) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalCollector = c
}

func collector() *Collector {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalCollector
}

// IncTemplatesDeployed increments the deployed template counter
func IncTemplatesDeployed() {
	if c := collector(); c != nil {
		c.TrackTemplateDeployed()
	} else if m := Global(); m != nil {
		m.TemplatesDeployedTotal.Inc()
	}
}

// IncPipelineFailure increments the failure counter for a stage
func IncPipelineFailure(stage string) {
	if c := collector(); c != nil {
		c.TrackPipelineFailure(stage)
	} else if m := Global(); m != nil {
		m.PipelineFailuresTotal.WithLabelValues(stage).Inc()
	}
}

// IncDocumentsIssued increments the issued document counter
func IncDocumentsIssued() {
	if c := collector(); c != nil {
		c.TrackDocumentIssued()
	} else if m := Global(); m != nil {
		m.DocumentsIssuedTotal.Inc()
	}
}

// IncDocumentsRevoked increments the revoked document counter
func IncDocumentsRevoked() {
	if c := collector(); c != nil {
		c.TrackDocumentRevoked()
	} else if m := Global(); m != nil {
		m.DocumentsRevokedTotal.Inc()
	}
}

// IncVerifications increments the verification counter for a result
func IncVerifications(result string) {
	if c := collector(); c != nil {
		c.TrackVerification(result)
	} else if m := Global(); m != nil {
		m.VerificationsTotal.WithLabelValues(result).Inc()
	}
}

// IncRateLimitExceeded increments rate limit exceeded counter
func IncRateLimitExceeded(level string) {
	if c := collector(); c != nil {
		c.TrackRateLimitExceeded(level)
	} else if m := Global(); m != nil {
		m.RateLimitExceededTotal.WithLabelValues(level).Inc()
	}
}

// ObserveChainCall records the duration of a blockchain call
func ObserveChainCall(op string, start time.Time) {
	if m := Global(); m != nil {
		m.ChainCallDurationSeconds.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}

// ObserveCompile records the duration of a compilation
func ObserveCompile(start time.Time) {
	if m := Global(); m != nil {
		m.CompileDurationSeconds.Observe(time.Since(start).Seconds())
	}
}
