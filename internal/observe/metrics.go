// Package observe provides application-wide observability primitives for
// CoachLens: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all CoachLens metrics.
const meterName = "github.com/coachlens/coachlens"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// JobDuration tracks end-to-end analysis job latency. Use with attributes:
	//   attribute.String("analysis_type", ...), attribute.String("status", ...)
	JobDuration metric.Float64Histogram

	// ProviderDuration tracks the latency of a single LLM provider call.
	// Use with attribute: attribute.String("provider", ...)
	ProviderDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("analysis_type", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// FallbackDepth counts accepted provider calls by their position in the
	// fallback chain, to surface how often primaries are being skipped.
	// Use with attributes:
	//   attribute.String("analysis_type", ...), attribute.Int("position", ...)
	FallbackDepth metric.Int64Counter

	// BreakerOpens counts circuit breaker open transitions by provider.
	BreakerOpens metric.Int64Counter

	// TokensUsed counts LLM tokens consumed. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("direction", "input"|"output")
	TokensUsed metric.Int64Counter

	// JobCostUSD accumulates the USD cost of completed jobs by provider.
	JobCostUSD metric.Float64Counter

	// --- Gauges ---

	// ActiveJobs tracks the number of jobs currently running in the executor.
	ActiveJobs metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// jobBuckets defines histogram bucket boundaries (in seconds) sized for
// analysis jobs, which run from a few seconds up to several minutes.
var jobBuckets = []float64{
	1, 2.5, 5, 10, 30, 60, 120, 300, 600,
}

// callBuckets defines histogram bucket boundaries (in seconds) for individual
// provider calls.
var callBuckets = []float64{
	0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.JobDuration, err = m.Float64Histogram("coachlens.job.duration",
		metric.WithDescription("End-to-end analysis job latency by type and final status."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(jobBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ProviderDuration, err = m.Float64Histogram("coachlens.provider.duration",
		metric.WithDescription("Latency of individual LLM provider calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(callBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("coachlens.provider.requests",
		metric.WithDescription("Total provider API requests by provider, analysis type, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("coachlens.provider.errors",
		metric.WithDescription("Total provider errors by provider and error kind."),
	); err != nil {
		return nil, err
	}
	if met.FallbackDepth, err = m.Int64Counter("coachlens.fallback.depth",
		metric.WithDescription("Accepted provider calls by chain position."),
	); err != nil {
		return nil, err
	}
	if met.BreakerOpens, err = m.Int64Counter("coachlens.breaker.opens",
		metric.WithDescription("Circuit breaker open transitions by provider."),
	); err != nil {
		return nil, err
	}
	if met.TokensUsed, err = m.Int64Counter("coachlens.tokens.used",
		metric.WithDescription("LLM tokens consumed by provider and direction."),
	); err != nil {
		return nil, err
	}
	if met.JobCostUSD, err = m.Float64Counter("coachlens.job.cost_usd",
		metric.WithDescription("Accumulated USD cost of completed jobs by provider."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveJobs, err = m.Int64UpDownCounter("coachlens.active_jobs",
		metric.WithDescription("Number of analysis jobs currently running."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("coachlens.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordProviderRequest records a provider request counter increment with the
// standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, analysisType, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("analysis_type", analysisType),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records a provider error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordTokens records token usage for a provider call.
func (m *Metrics) RecordTokens(ctx context.Context, provider string, input, output int) {
	m.TokensUsed.Add(ctx, int64(input),
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("direction", "input"),
		),
	)
	m.TokensUsed.Add(ctx, int64(output),
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("direction", "output"),
		),
	)
}

// RecordJobDuration records a finished job's duration with its type and
// final status.
func (m *Metrics) RecordJobDuration(ctx context.Context, analysisType, status string, seconds float64) {
	m.JobDuration.Record(ctx, seconds,
		metric.WithAttributes(
			attribute.String("analysis_type", analysisType),
			attribute.String("status", status),
		),
	)
}

// RecordFallbackDepth records which chain position ultimately served a job's
// accepted provider call.
func (m *Metrics) RecordFallbackDepth(ctx context.Context, analysisType string, position int) {
	m.FallbackDepth.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("analysis_type", analysisType),
			attribute.Int("position", position),
		),
	)
}
