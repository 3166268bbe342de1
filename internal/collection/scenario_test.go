package collection_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesm/action-status/internal/api"
	"github.com/wesm/action-status/internal/collection"
	"github.com/wesm/action-status/internal/db"
	"github.com/wesm/action-status/internal/models"
	"github.com/wesm/action-status/internal/refresh"
)

// Exercises the full path: conditional polling, state derivation, aggregation
// and persistence, for a run that goes queued, in progress, then succeeds.
func TestScenario_RunToSuccess(t *testing.T) {
	t.Parallel()

	runs := []string{
		`{"total_count":1,"workflow_runs":[{"run_number":1,"status":"queued"}]}`,
		`{"total_count":1,"workflow_runs":[{"run_number":1,"status":"in_progress"}]}`,
		`{"total_count":1,"workflow_runs":[{"run_number":1,"status":"completed","conclusion":"success"}]}`,
	}
	var runCalls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/repos/octo/cat/events" {
			_, _ = w.Write([]byte(`[]`))
			return
		}
		n := int(runCalls.Add(1)) - 1
		etag := `"run-` + string(rune('a'+min(n, len(runs)-1))) + `"`
		w.Header().Set("ETag", etag)
		if r.Header.Get("If-None-Match") == etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		_, _ = w.Write([]byte(runs[min(n, len(runs)-1)]))
	}))
	t.Cleanup(srv.Close)

	store, err := db.New(filepath.Join(t.TempDir(), "status.db"))
	require.NoError(t, err)
	require.NoError(t, store.Initialize())
	t.Cleanup(func() { _ = store.Close() })

	repo := models.NewRepository("octo", "cat", "Tests")
	require.NoError(t, store.SaveRepository(context.Background(), repo))

	var mu sync.Mutex
	var states []models.State
	c := collection.New(store, collection.Options{
		OnUpdate: func(r models.Repository) {
			mu.Lock()
			defer mu.Unlock()
			states = append(states, r.State)
		},
	})

	client, err := api.NewGitHubClient("token", api.WithBaseURL(srv.URL))
	require.NoError(t, err)
	ctrl := refresh.NewAuthenticatedController(client, refresh.ControllerConfig{
		Source: c,
		Sink:   c,
		Marks:  store,
		Options: refresh.Options{
			EventsInterval:   time.Hour,
			WorkflowInterval: 20 * time.Millisecond,
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, ctrl, nil) }()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(states) == 3
	}, 3*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []models.State{models.StateQueued, models.StateRunning, models.StatePassing}, states)
	mu.Unlock()

	snapshot := c.Snapshot()
	require.Len(t, snapshot, 1)
	assert.Equal(t, models.StatePassing, snapshot[0].State)
	require.NotNil(t, snapshot[0].LastSucceeded)
	assert.Nil(t, snapshot[0].LastFailed)
	assert.Equal(t, 1, c.Counts().Passing())

	// the workflow stream stops once the run completed
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, int32(3), runCalls.Load())

	cancel()
	require.NoError(t, <-done)
	assert.True(t, ctrl.State().Level > 0)

	stored, err := store.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, models.StatePassing, stored[0].State)
	require.NotNil(t, stored[0].LastSucceeded)
}
