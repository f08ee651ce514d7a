package observability

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Metrics records the counters and histograms the engine emits. All
// methods are safe on the zero-value no-op.
type Metrics interface {
	RecordSearch(ctx context.Context, origin string, duration time.Duration, results int, err error)
	RecordCacheLookup(ctx context.Context, cache string, hit bool)
	RecordJobAttempt(ctx context.Context, jobType string, duration time.Duration, err error)
	RecordLockAcquire(ctx context.Context, ok bool, waited time.Duration)
	RecordCrawlPages(ctx context.Context, sourceType string, pages int)
	RecordAgentTurn(ctx context.Context, model string, duration time.Duration, inputTokens, outputTokens int, costUSD float64, err error)
	RecordHTTPRequest(ctx context.Context, method, route string, status int, duration time.Duration)
}

// PrometheusMetrics implements Metrics on OpenTelemetry instruments
// exported in Prometheus format.
type PrometheusMetrics struct {
	searchDuration metric.Float64Histogram
	searchResults  metric.Int64Counter
	searchErrors   metric.Int64Counter

	cacheHits   metric.Int64Counter
	cacheMisses metric.Int64Counter

	jobDuration metric.Float64Histogram
	jobAttempts metric.Int64Counter
	jobFailures metric.Int64Counter

	lockAcquires metric.Int64Counter
	lockTimeouts metric.Int64Counter
	lockWait     metric.Float64Histogram

	crawlPages metric.Int64Counter

	llmDuration metric.Float64Histogram
	agentTokens metric.Int64Counter
	agentCost   metric.Float64Counter
	agentErrors metric.Int64Counter

	httpDuration metric.Float64Histogram
	httpRequests metric.Int64Counter
}

func initMetrics(cfg MetricsConfig) (Metrics, error) {
	if !cfg.Enabled {
		return NoopMetrics{}, nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("create prometheus exporter: %w", err)
	}
	meter := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter)).Meter("sibyl")

	m := &PrometheusMetrics{}
	for _, inst := range []struct {
		dst  *metric.Float64Histogram
		name string
		desc string
	}{
		{&m.searchDuration, "sibyl_search_duration_seconds", "Hybrid search latency"},
		{&m.jobDuration, "sibyl_job_duration_seconds", "Background job run time"},
		{&m.lockWait, "sibyl_lock_wait_seconds", "Time spent waiting on entity locks"},
		{&m.llmDuration, "sibyl_llm_request_duration_seconds", "Model completion latency"},
		{&m.httpDuration, "sibyl_http_request_duration_seconds", "HTTP request latency"},
	} {
		h, err := meter.Float64Histogram(inst.name, metric.WithDescription(inst.desc))
		if err != nil {
			return nil, fmt.Errorf("create %s: %w", inst.name, err)
		}
		*inst.dst = h
	}

	for _, inst := range []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.searchResults, "sibyl_search_results_total", "Results returned by searches"},
		{&m.searchErrors, "sibyl_search_errors_total", "Failed searches"},
		{&m.cacheHits, "sibyl_cache_hits_total", "Cache hits"},
		{&m.cacheMisses, "sibyl_cache_misses_total", "Cache misses"},
		{&m.jobAttempts, "sibyl_job_attempts_total", "Background job attempts"},
		{&m.jobFailures, "sibyl_job_failures_total", "Background job failures"},
		{&m.lockAcquires, "sibyl_lock_acquisitions_total", "Entity locks acquired"},
		{&m.lockTimeouts, "sibyl_lock_timeouts_total", "Entity lock waits that timed out"},
		{&m.crawlPages, "sibyl_crawl_pages_total", "Pages ingested by crawls"},
		{&m.agentTokens, "sibyl_agent_tokens_total", "Tokens consumed by agent sessions"},
		{&m.agentErrors, "sibyl_agent_errors_total", "Failed agent turns"},
		{&m.httpRequests, "sibyl_http_requests_total", "HTTP requests served"},
	} {
		c, err := meter.Int64Counter(inst.name, metric.WithDescription(inst.desc))
		if err != nil {
			return nil, fmt.Errorf("create %s: %w", inst.name, err)
		}
		*inst.dst = c
	}

	cost, err := meter.Float64Counter("sibyl_agent_cost_usd_total",
		metric.WithDescription("Estimated model spend in USD"))
	if err != nil {
		return nil, fmt.Errorf("create sibyl_agent_cost_usd_total: %w", err)
	}
	m.agentCost = cost

	return m, nil
}

func (m *PrometheusMetrics) RecordSearch(ctx context.Context, origin string, duration time.Duration, results int, err error) {
	attrs := metric.WithAttributes(attribute.String("origin", origin))
	m.searchDuration.Record(ctx, duration.Seconds(), attrs)
	m.searchResults.Add(ctx, int64(results), attrs)
	if err != nil {
		m.searchErrors.Add(ctx, 1, attrs)
	}
}

func (m *PrometheusMetrics) RecordCacheLookup(ctx context.Context, cache string, hit bool) {
	attrs := metric.WithAttributes(attribute.String("cache", cache))
	if hit {
		m.cacheHits.Add(ctx, 1, attrs)
		return
	}
	m.cacheMisses.Add(ctx, 1, attrs)
}

func (m *PrometheusMetrics) RecordJobAttempt(ctx context.Context, jobType string, duration time.Duration, err error) {
	attrs := metric.WithAttributes(attribute.String("type", jobType))
	m.jobDuration.Record(ctx, duration.Seconds(), attrs)
	m.jobAttempts.Add(ctx, 1, attrs)
	if err != nil {
		m.jobFailures.Add(ctx, 1, attrs)
	}
}

func (m *PrometheusMetrics) RecordLockAcquire(ctx context.Context, ok bool, waited time.Duration) {
	m.lockWait.Record(ctx, waited.Seconds())
	if ok {
		m.lockAcquires.Add(ctx, 1)
		return
	}
	m.lockTimeouts.Add(ctx, 1)
}

func (m *PrometheusMetrics) RecordCrawlPages(ctx context.Context, sourceType string, pages int) {
	m.crawlPages.Add(ctx, int64(pages), metric.WithAttributes(attribute.String("source_type", sourceType)))
}

func (m *PrometheusMetrics) RecordAgentTurn(ctx context.Context, model string, duration time.Duration, inputTokens, outputTokens int, costUSD float64, err error) {
	attrs := metric.WithAttributes(attribute.String("model", model))
	m.llmDuration.Record(ctx, duration.Seconds(), attrs)
	m.agentTokens.Add(ctx, int64(inputTokens+outputTokens), attrs)
	m.agentCost.Add(ctx, costUSD, attrs)
	if err != nil {
		m.agentErrors.Add(ctx, 1, attrs)
	}
}

func (m *PrometheusMetrics) RecordHTTPRequest(ctx context.Context, method, route string, status int, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("route", route),
		attribute.Int("status", status),
	)
	m.httpDuration.Record(ctx, duration.Seconds(), attrs)
	m.httpRequests.Add(ctx, 1, attrs)
}

// NoopMetrics discards every record.
type NoopMetrics struct{}

func (NoopMetrics) RecordSearch(context.Context, string, time.Duration, int, error)    {}
func (NoopMetrics) RecordCacheLookup(context.Context, string, bool)                    {}
func (NoopMetrics) RecordJobAttempt(context.Context, string, time.Duration, error)     {}
func (NoopMetrics) RecordLockAcquire(context.Context, bool, time.Duration)             {}
func (NoopMetrics) RecordCrawlPages(context.Context, string, int)                      {}
func (NoopMetrics) RecordAgentTurn(context.Context, string, time.Duration, int, int, float64, error) {
}
func (NoopMetrics) RecordHTTPRequest(context.Context, string, string, int, time.Duration) {}

var (
	globalMetrics Metrics = NoopMetrics{}
	metricsMu     sync.RWMutex
)

// SetGlobalMetrics installs the process-wide recorder.
func SetGlobalMetrics(m Metrics) {
	metricsMu.Lock()
	defer metricsMu.Unlock()
	globalMetrics = m
}

// GetGlobalMetrics never returns nil.
func GetGlobalMetrics() Metrics {
	metricsMu.RLock()
	defer metricsMu.RUnlock()
	return globalMetrics
}
