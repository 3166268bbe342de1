// Package telemetry provides OpenTelemetry instrumentation for the refresh engine.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	// RefreshMetricsMeterName is the name used for the refresh metrics meter
	RefreshMetricsMeterName = "github.com/wesm/action-status/refresh"

	// CollectionMetricsMeterName is the name used for the collection metrics meter
	CollectionMetricsMeterName = "github.com/wesm/action-status/collection"
)

// Poll stream names
const (
	StreamEvents   = "events"
	StreamWorkflow = "workflow"
	StreamBadge    = "badge"
)

// RefreshMetrics holds the OpenTelemetry instruments for polling activity
type RefreshMetrics struct {
	pollsTotal    metric.Int64Counter
	rateRemaining metric.Int64Gauge
	sweepDuration metric.Float64Histogram
}

// NewRefreshMetrics creates a new RefreshMetrics instance with the given meter provider.
// If provider is nil, it returns nil (no-op metrics).
func NewRefreshMetrics(provider metric.MeterProvider) (*RefreshMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(RefreshMetricsMeterName)

	pollsTotal, err := meter.Int64Counter(
		"action_status_polls_total",
		metric.WithDescription("Number of poll requests by stream and outcome"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	rateRemaining, err := meter.Int64Gauge(
		"action_status_rate_limit_remaining",
		metric.WithDescription("Requests left in the current API rate limit window"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	sweepDuration, err := meter.Float64Histogram(
		"action_status_sweep_duration_seconds",
		metric.WithDescription("Duration of badge sweeps in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	)
	if err != nil {
		return nil, err
	}

	return &RefreshMetrics{
		pollsTotal:    pollsTotal,
		rateRemaining: rateRemaining,
		sweepDuration: sweepDuration,
	}, nil
}

// RecordPoll counts one poll of a stream with its outcome
func (m *RefreshMetrics) RecordPoll(ctx context.Context, stream, outcome string) {
	if m == nil || m.pollsTotal == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("stream", stream),
		attribute.String("outcome", outcome),
	}

	m.pollsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordRateRemaining records the last observed X-RateLimit-Remaining value.
// Negative values mean the header was absent and are ignored.
func (m *RefreshMetrics) RecordRateRemaining(ctx context.Context, remaining int) {
	if m == nil || m.rateRemaining == nil || remaining < 0 {
		return
	}
	m.rateRemaining.Record(ctx, int64(remaining))
}

// RecordSweepDuration records how long a badge sweep took
func (m *RefreshMetrics) RecordSweepDuration(ctx context.Context, duration time.Duration) {
	if m == nil || m.sweepDuration == nil {
		return
	}
	m.sweepDuration.Record(ctx, duration.Seconds())
}

// CollectionMetrics holds the OpenTelemetry instruments for the tracked collection
type CollectionMetrics struct {
	repositories metric.Int64Gauge
	updates      metric.Int64Counter
}

// NewCollectionMetrics creates a new CollectionMetrics instance with the given meter provider.
// If provider is nil, it returns nil (no-op metrics).
func NewCollectionMetrics(provider metric.MeterProvider) (*CollectionMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(CollectionMetricsMeterName)

	repositories, err := meter.Int64Gauge(
		"action_status_repositories",
		metric.WithDescription("Number of tracked repositories in each state"),
		metric.WithUnit("{repository}"),
	)
	if err != nil {
		return nil, err
	}

	updates, err := meter.Int64Counter(
		"action_status_updates_total",
		metric.WithDescription("Status updates received by the collection"),
		metric.WithUnit("{update}"),
	)
	if err != nil {
		return nil, err
	}

	return &CollectionMetrics{
		repositories: repositories,
		updates:      updates,
	}, nil
}

// RecordStateCount records the number of repositories in one state
func (m *CollectionMetrics) RecordStateCount(ctx context.Context, state string, count int) {
	if m == nil || m.repositories == nil {
		return
	}

	m.repositories.Record(ctx, int64(count), metric.WithAttributes(attribute.String("state", state)))
}

// RecordUpdate counts an incoming update, applied or dropped
func (m *CollectionMetrics) RecordUpdate(ctx context.Context, applied bool) {
	if m == nil || m.updates == nil {
		return
	}

	m.updates.Add(ctx, 1, metric.WithAttributes(attribute.Bool("applied", applied)))
}
