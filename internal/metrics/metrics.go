package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// CacheOperation identifies the cache method being instrumented.
type CacheOperation string

const (
	// CacheOperationLookup records response cache reads.
	CacheOperationLookup CacheOperation = "lookup"
	// CacheOperationStore records response cache writes.
	CacheOperationStore CacheOperation = "store"
	// CacheOperationInvalidate records eager deletions.
	CacheOperationInvalidate CacheOperation = "invalidate"
)

// CacheStoreOutcome captures the result of a cache store attempt.
type CacheStoreOutcome string

const (
	// CacheStoreStored indicates the entry was persisted.
	CacheStoreStored CacheStoreOutcome = "stored"
	// CacheStoreError indicates the store operation failed.
	CacheStoreError CacheStoreOutcome = "error"
)

// Recorder publishes Prometheus metrics for cache, prompt and prefilter
// activity. All methods are safe on a nil receiver.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	cacheOperations *prometheus.CounterVec
	cacheLatency    *prometheus.HistogramVec

	promptBuilds *prometheus.CounterVec

	prefilterCandidates *prometheus.CounterVec

	evidenceLookups *prometheus.CounterVec

	httpRequests *prometheus.CounterVec
	httpLatency  *prometheus.HistogramVec
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a dedicated
// registry is created so multiple recorders can coexist without conflicting with
// the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	cacheOperations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "contractcache",
		Subsystem: "cache",
		Name:      "operations_total",
		Help:      "Response cache operations by result.",
	}, []string{"operation", "result"})

	cacheLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "contractcache",
		Subsystem: "cache",
		Name:      "operation_duration_seconds",
		Help:      "Latency distribution for response cache operations.",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
	}, []string{"operation", "result"})

	promptBuilds := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "contractcache",
		Subsystem: "prompt",
		Name:      "builds_total",
		Help:      "Prompts assembled, by contract text source and output mode.",
	}, []string{"contract", "source", "mode"})

	prefilterCandidates := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "contractcache",
		Subsystem: "prefilter",
		Name:      "candidates_total",
		Help:      "Candidates screened by the prefilter, by outcome and rejection reason.",
	}, []string{"profile", "outcome", "reason"})

	evidenceLookups := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "contractcache",
		Subsystem: "evidence",
		Name:      "lookups_total",
		Help:      "Evidence cache lookups by result.",
	}, []string{"result"})

	httpRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "contractcache",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP API requests served.",
	}, []string{"route", "status_code"})

	httpLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "contractcache",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Latency distribution for HTTP API requests.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2},
	}, []string{"route"})

	reg.MustRegister(cacheOperations, cacheLatency, promptBuilds, prefilterCandidates, evidenceLookups, httpRequests, httpLatency)

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	return &Recorder{
		gatherer:            reg,
		handler:             handler,
		cacheOperations:     cacheOperations,
		cacheLatency:        cacheLatency,
		promptBuilds:        promptBuilds,
		prefilterCandidates: prefilterCandidates,
		evidenceLookups:     evidenceLookups,
		httpRequests:        httpRequests,
		httpLatency:         httpLatency,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer for tests and advanced
// integrations.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveCacheLookup records the outcome of a cache read (hit, miss, expired,
// disabled or corrupt).
func (r *Recorder) ObserveCacheLookup(result string, duration time.Duration) {
	if r == nil {
		return
	}
	r.observeCache(CacheOperationLookup, result, duration)
}

// ObserveCacheStore records the result of a cache store attempt.
func (r *Recorder) ObserveCacheStore(result CacheStoreOutcome, duration time.Duration) {
	if r == nil {
		return
	}
	resultLabel := string(result)
	if resultLabel == "" {
		resultLabel = string(CacheStoreError)
	}
	r.observeCache(CacheOperationStore, resultLabel, duration)
}

// ObserveCacheInvalidate records an eager deletion.
func (r *Recorder) ObserveCacheInvalidate(removed bool, err error, duration time.Duration) {
	if r == nil {
		return
	}
	result := "absent"
	switch {
	case err != nil:
		result = "error"
	case removed:
		result = "removed"
	}
	r.observeCache(CacheOperationInvalidate, result, duration)
}

func (r *Recorder) observeCache(operation CacheOperation, result string, duration time.Duration) {
	opLabel := string(operation)
	if opLabel == "" {
		opLabel = string(CacheOperationLookup)
	}
	resLabel := normalizeLabel(result)
	r.cacheOperations.WithLabelValues(opLabel, resLabel).Inc()
	r.cacheLatency.WithLabelValues(opLabel, resLabel).Observe(duration.Seconds())
}

// ObservePromptBuild counts an assembled prompt. source is override, store or
// placeholder; mode is full or patch.
func (r *Recorder) ObservePromptBuild(contract, source, mode string) {
	if r == nil {
		return
	}
	r.promptBuilds.WithLabelValues(normalizeLabel(contract), normalizeLabel(source), normalizeLabel(mode)).Inc()
}

// ObservePrefilter adds n candidates under the given outcome. reason is empty
// for accepted and dropped candidates.
func (r *Recorder) ObservePrefilter(profile, outcome, reason string, n int) {
	if r == nil || n <= 0 {
		return
	}
	reasonLabel := strings.TrimSpace(reason)
	if reasonLabel == "" {
		reasonLabel = "none"
	}
	r.prefilterCandidates.WithLabelValues(normalizeLabel(profile), normalizeLabel(outcome), reasonLabel).Add(float64(n))
}

// ObserveEvidenceLookup counts an evidence cache lookup.
func (r *Recorder) ObserveEvidenceLookup(result string) {
	if r == nil {
		return
	}
	r.evidenceLookups.WithLabelValues(normalizeLabel(result)).Inc()
}

// ObserveHTTP records a served API request.
func (r *Recorder) ObserveHTTP(route string, statusCode int, duration time.Duration) {
	if r == nil {
		return
	}
	statusLabel := strconv.Itoa(statusCode)
	if statusCode <= 0 {
		statusLabel = "unknown"
	}
	routeLabel := normalizeLabel(route)
	r.httpRequests.WithLabelValues(routeLabel, statusLabel).Inc()
	r.httpLatency.WithLabelValues(routeLabel).Observe(duration.Seconds())
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
