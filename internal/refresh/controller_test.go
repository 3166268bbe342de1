package refresh_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesm/action-status/internal/api"
	"github.com/wesm/action-status/internal/credentials"
	"github.com/wesm/action-status/internal/models"
	"github.com/wesm/action-status/internal/refresh"
)

func trackedRepos() staticSource {
	noWorkflow := models.NewRepository("octo", "docs", "")
	noWorkflow.Workflow = ""
	return staticSource{
		models.NewRepository("octo", "cat", "Tests"),
		models.NewRepository("octo", "dog", "CI"),
		noWorkflow,
	}
}

func TestAuthenticatedController_NestedPause(t *testing.T) {
	t.Parallel()

	fake := &fakeGitHub{runs: []response{{body: runsBody(run(1, "in_progress", ""))}}}
	c := refresh.NewAuthenticatedController(newFakeClient(t, fake), refresh.ControllerConfig{
		Source: trackedRepos(),
		Sink:   newChanSink(),
		Options: refresh.Options{
			EventsInterval:   time.Hour,
			WorkflowInterval: time.Hour,
		},
	})
	t.Cleanup(func() {
		c.Pause()
		c.Wait()
	})

	assert.Equal(t, refresh.RunState{Level: 1}, c.State())
	assert.Equal(t, 0, c.Sessions())

	c.Resume()
	assert.True(t, c.State().Running())
	assert.Equal(t, 2, c.Sessions(), "repositories without a workflow are skipped")

	const n = 3
	for range n {
		c.Pause()
	}
	assert.Equal(t, 0, c.Sessions(), "the first pause stops work immediately")
	for range n - 1 {
		c.Resume()
		assert.False(t, c.State().Running())
		assert.Equal(t, 0, c.Sessions())
	}
	assert.Equal(t, refresh.RunState{Level: 1}, c.State())

	c.Resume()
	assert.True(t, c.State().Running())
	assert.Equal(t, 2, c.Sessions())
}

func TestAuthenticatedController_RejectsLateResults(t *testing.T) {
	t.Parallel()

	fake := &fakeGitHub{runs: []response{{body: runsBody(run(1, "queued", ""))}}}
	sink := newChanSink()
	repos := trackedRepos()[:1]
	c := refresh.NewAuthenticatedController(newFakeClient(t, fake), refresh.ControllerConfig{
		Source:  repos,
		Sink:    sink,
		Options: refresh.Options{EventsInterval: time.Hour, WorkflowInterval: time.Hour},
	})

	c.Resume()
	u := sink.next(t)
	assert.Equal(t, repos[0].ID, u.ID)
	assert.True(t, c.Accepts(u))

	c.Pause()
	c.Wait()
	assert.False(t, c.Accepts(u), "results of a paused run are discarded")

	c.Resume()
	fresh := sink.next(t)
	assert.True(t, c.Accepts(fresh))
	assert.False(t, c.Accepts(u))
	assert.Greater(t, fresh.Epoch, u.Epoch)

	c.Pause()
	c.Wait()
}

func TestAuthenticatedController_Remove(t *testing.T) {
	t.Parallel()

	fake := &fakeGitHub{runs: []response{{body: runsBody(run(1, "in_progress", ""))}}}
	repos := trackedRepos()
	c := refresh.NewAuthenticatedController(newFakeClient(t, fake), refresh.ControllerConfig{
		Source:  repos,
		Sink:    newChanSink(),
		Options: refresh.Options{EventsInterval: time.Hour, WorkflowInterval: time.Hour},
	})

	c.Resume()
	require.Equal(t, 2, c.Sessions())
	c.Remove(repos[0].ID)
	assert.Equal(t, 1, c.Sessions())
	c.Remove("unknown")
	assert.Equal(t, 1, c.Sessions())

	c.Pause()
	c.Wait()
}

type badgeServer struct {
	mu       sync.Mutex
	requests int
	release  chan struct{}
}

func (b *badgeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	b.requests++
	b.mu.Unlock()
	if b.release != nil {
		<-b.release
	}

	switch r.URL.Path + "?" + r.URL.RawQuery {
	case "/octo/cat/workflows/Tests/badge.svg?branch=main":
		_, _ = w.Write([]byte(`<svg><text>passing</text></svg>`))
	case "/octo/cat/workflows/Tests/badge.svg?branch=dev":
		_, _ = w.Write([]byte(`<svg><text>failing</text></svg>`))
	case "/octo/dog/workflows/CI/badge.svg?":
		_, _ = w.Write([]byte(`<svg><text>passing</text></svg>`))
	default:
		http.NotFound(w, r)
	}
}

func (b *badgeServer) Requests() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.requests
}

func TestBadgeController_Sweep(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(&badgeServer{})
	t.Cleanup(srv.Close)

	mixed := models.NewRepository("octo", "cat", "Tests", "main", "dev", "gone")
	green := models.NewRepository("octo", "cat", "Tests", "main", "main")
	defaultBranch := models.NewRepository("octo", "dog", "CI")
	missing := models.NewRepository("octo", "nope", "Tests")

	sink := newChanSink()
	c := refresh.NewBadgeController(api.NewBadgeClient(srv.URL, time.Second), refresh.ControllerConfig{
		Source:  staticSource{mixed, green, defaultBranch, missing},
		Sink:    sink,
		Options: refresh.Options{Workers: 2},
	})

	c.Sweep(context.Background())
	batch := sink.drain()
	require.Len(t, batch, 4)

	got := map[string]models.State{}
	for _, u := range batch {
		got[u.ID] = u.State
		assert.True(t, c.Accepts(u))
	}
	assert.Equal(t, models.StateFailing, got[mixed.ID])
	assert.Equal(t, models.StatePassing, got[green.ID])
	assert.Equal(t, models.StatePassing, got[defaultBranch.ID])
	assert.Equal(t, models.StateUnknown, got[missing.ID])
}

func TestBadgeController_PauseStopsTimer(t *testing.T) {
	t.Parallel()

	badges := &badgeServer{}
	srv := httptest.NewServer(badges)
	t.Cleanup(srv.Close)

	sink := newChanSink()
	c := refresh.NewBadgeController(api.NewBadgeClient(srv.URL, time.Second), refresh.ControllerConfig{
		Source:  staticSource{models.NewRepository("octo", "dog", "CI")},
		Sink:    sink,
		Options: refresh.Options{SweepInterval: 20 * time.Millisecond},
	})

	c.Resume()
	assert.Equal(t, models.StatePassing, sink.next(t).State, "first sweep runs immediately")
	sink.next(t)

	c.Pause()
	c.Wait()
	assert.Equal(t, refresh.RunState{Level: 1}, c.State())

	before := badges.Requests()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, before, badges.Requests())
}

func TestBadgeController_InFlightSweepStillApplies(t *testing.T) {
	t.Parallel()

	badges := &badgeServer{release: make(chan struct{})}
	srv := httptest.NewServer(badges)
	t.Cleanup(srv.Close)

	sink := newChanSink()
	c := refresh.NewBadgeController(api.NewBadgeClient(srv.URL, 5*time.Second), refresh.ControllerConfig{
		Source:  staticSource{models.NewRepository("octo", "dog", "CI")},
		Sink:    sink,
		Options: refresh.Options{SweepInterval: time.Hour},
	})

	c.Resume()
	require.Eventually(t, func() bool { return badges.Requests() == 1 }, time.Second, 5*time.Millisecond)
	c.Pause()
	close(badges.release)

	u := sink.next(t)
	assert.Equal(t, models.StatePassing, u.State)
	assert.True(t, c.Accepts(u))
	c.Wait()
}

type countingProvider struct {
	calls atomic.Int32
	token string
	err   error
}

func (p *countingProvider) GetToken(_, _ string) (string, error) {
	p.calls.Add(1)
	return p.token, p.err
}

func TestSelect(t *testing.T) {
	t.Parallel()

	cfg := refresh.ControllerConfig{Source: staticSource{}, Sink: newChanSink()}

	c, err := refresh.Select(credentials.Static("token"), "me", credentials.DefaultServer, refresh.Endpoints{}, cfg)
	require.NoError(t, err)
	assert.IsType(t, &refresh.AuthenticatedController{}, c)

	c, err = refresh.Select(credentials.Static(""), "me", credentials.DefaultServer, refresh.Endpoints{}, cfg)
	require.NoError(t, err)
	assert.IsType(t, &refresh.BadgeController{}, c)

	p := &countingProvider{err: errors.New("keychain exploded")}
	_, err = refresh.Select(p, "me", credentials.DefaultServer, refresh.Endpoints{}, cfg)
	require.Error(t, err)
	assert.Equal(t, int32(1), p.calls.Load())

	_, err = refresh.Select(credentials.Static("token"), "me", "", refresh.Endpoints{APIURL: "://bad"}, cfg)
	assert.Error(t, err)
}
