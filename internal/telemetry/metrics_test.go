package telemetry

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	found := map[string]metricdata.Metrics{}
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			found[m.Name] = m
		}
	}
	return found
}

func TestNilMetrics(t *testing.T) {
	t.Parallel()

	refresh, err := NewRefreshMetrics(nil)
	require.NoError(t, err)
	assert.Nil(t, refresh)

	collection, err := NewCollectionMetrics(nil)
	require.NoError(t, err)
	assert.Nil(t, collection)

	// Should not panic
	ctx := context.Background()
	refresh.RecordPoll(ctx, StreamEvents, "updated")
	refresh.RecordRateRemaining(ctx, 10)
	refresh.RecordSweepDuration(ctx, time.Second)
	collection.RecordStateCount(ctx, "passing", 1)
	collection.RecordUpdate(ctx, true)
}

func TestRefreshMetrics(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer func() { _ = mp.Shutdown(context.Background()) }()

	metrics, err := NewRefreshMetrics(mp)
	require.NoError(t, err)

	ctx := context.Background()
	metrics.RecordPoll(ctx, StreamWorkflow, "unchanged")
	metrics.RecordPoll(ctx, StreamWorkflow, "unchanged")
	metrics.RecordRateRemaining(ctx, 4998)
	metrics.RecordRateRemaining(ctx, -1)
	metrics.RecordSweepDuration(ctx, 250*time.Millisecond)
	metrics.RecordSweepDuration(ctx, 750*time.Millisecond)

	found := collect(t, reader)

	polls, ok := found["action_status_polls_total"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, polls.DataPoints, 1)
	assert.Equal(t, int64(2), polls.DataPoints[0].Value)

	rate, ok := found["action_status_rate_limit_remaining"].Data.(metricdata.Gauge[int64])
	require.True(t, ok)
	require.Len(t, rate.DataPoints, 1)
	assert.Equal(t, int64(4998), rate.DataPoints[0].Value)

	sweep, ok := found["action_status_sweep_duration_seconds"].Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, sweep.DataPoints, 1, "sweeps share one series")
	assert.Equal(t, uint64(2), sweep.DataPoints[0].Count)
	assert.Equal(t, 0, sweep.DataPoints[0].Attributes.Len())
}

func TestCollectionMetrics(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer func() { _ = mp.Shutdown(context.Background()) }()

	metrics, err := NewCollectionMetrics(mp)
	require.NoError(t, err)

	ctx := context.Background()
	metrics.RecordStateCount(ctx, "passing", 3)
	metrics.RecordStateCount(ctx, "failing", 1)
	metrics.RecordUpdate(ctx, true)
	metrics.RecordUpdate(ctx, false)

	found := collect(t, reader)

	repos, ok := found["action_status_repositories"].Data.(metricdata.Gauge[int64])
	require.True(t, ok)
	assert.Len(t, repos.DataPoints, 2)

	updates, ok := found["action_status_updates_total"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	assert.Len(t, updates.DataPoints, 2)
}

func TestNewMeterProvider(t *testing.T) {
	t.Parallel()

	provider, err := NewMeterProvider(context.Background(), "test")
	require.NoError(t, err)
	defer func() { _ = provider.Shutdown(context.Background()) }()

	metrics, err := NewRefreshMetrics(provider)
	require.NoError(t, err)
	metrics.RecordPoll(context.Background(), StreamBadge, "updated")

	srv := httptest.NewServer(provider.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "action_status_polls_total")
	assert.Contains(t, string(body), `stream="badge"`)
}
