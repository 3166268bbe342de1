package refresh_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wesm/action-status/internal/api"
	"github.com/wesm/action-status/internal/models"
	"github.com/wesm/action-status/internal/refresh"
)

// response is one scripted reply; the last reply of a script repeats
type response struct {
	status       int
	body         string
	etag         string
	pollInterval int
}

// fakeGitHub serves scripted events and workflow runs and answers 304 when
// the client sends the ETag of the reply it would return
type fakeGitHub struct {
	mu     sync.Mutex
	events []response
	runs   []response
	calls  []string
}

func (f *fakeGitHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	var (
		stream string
		script []response
	)
	switch {
	case strings.HasSuffix(r.URL.Path, "/events"):
		stream = "events"
		script = f.events
	case strings.HasSuffix(r.URL.Path, "/runs"):
		stream = "runs"
		script = f.runs
	default:
		f.mu.Unlock()
		http.NotFound(w, r)
		return
	}
	n := f.count(stream)
	f.calls = append(f.calls, stream)
	f.mu.Unlock()

	if len(script) == 0 {
		_, _ = w.Write([]byte(`[]`))
		return
	}
	resp := script[min(n, len(script)-1)]
	if resp.pollInterval > 0 {
		w.Header().Set("X-Poll-Interval", strconv.Itoa(resp.pollInterval))
	}
	w.Header().Set("X-RateLimit-Remaining", "4000")
	if resp.etag != "" {
		w.Header().Set("ETag", resp.etag)
		if r.Header.Get("If-None-Match") == resp.etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}
	}
	status := resp.status
	if status == 0 {
		status = http.StatusOK
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(resp.body))
}

func (f *fakeGitHub) count(stream string) int {
	n := 0
	for _, c := range f.calls {
		if c == stream {
			n++
		}
	}
	return n
}

// Calls returns the number of requests made to a stream
func (f *fakeGitHub) Calls(stream string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.count(stream)
}

// Log returns the order in which streams were requested
func (f *fakeGitHub) Log() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func newFakeClient(t *testing.T, f *fakeGitHub) *api.GitHubClient {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	client, err := api.NewGitHubClient("test-token", api.WithBaseURL(srv.URL))
	require.NoError(t, err)
	return client
}

func runsBody(runs ...string) string {
	return fmt.Sprintf(`{"total_count":%d,"workflow_runs":[%s]}`, len(runs), strings.Join(runs, ","))
}

func run(number int, status, conclusion string) string {
	if conclusion == "" {
		return fmt.Sprintf(`{"run_number":%d,"status":%q}`, number, status)
	}
	return fmt.Sprintf(`{"run_number":%d,"status":%q,"conclusion":%q}`, number, status, conclusion)
}

func event(typ string, at time.Time) string {
	return fmt.Sprintf(`{"id":"%d","type":%q,"created_at":%q}`, at.Unix(), typ, at.UTC().Format(time.RFC3339))
}

func eventsBody(events ...string) string {
	return "[" + strings.Join(events, ",") + "]"
}

// chanSink forwards every published update to a channel
type chanSink struct {
	ch chan refresh.Update
}

func newChanSink() *chanSink {
	return &chanSink{ch: make(chan refresh.Update, 64)}
}

func (s *chanSink) Publish(ctx context.Context, updates ...refresh.Update) bool {
	for _, u := range updates {
		select {
		case s.ch <- u:
		case <-ctx.Done():
			return false
		}
	}
	return true
}

func (s *chanSink) next(t *testing.T) refresh.Update {
	t.Helper()
	select {
	case u := <-s.ch:
		return u
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for update")
		return refresh.Update{}
	}
}

func (s *chanSink) drain() []refresh.Update {
	var out []refresh.Update
	for {
		select {
		case u := <-s.ch:
			out = append(out, u)
		default:
			return out
		}
	}
}

// staticSource returns a fixed repository list
type staticSource []models.Repository

func (s staticSource) Snapshot() []models.Repository {
	out := make([]models.Repository, len(s))
	for i, r := range s {
		out[i] = r.Clone()
	}
	return out
}
