package refresh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/go-github/v57/github"

	"github.com/wesm/action-status/internal/api"
	"github.com/wesm/action-status/internal/models"
	"github.com/wesm/action-status/internal/status"
	"github.com/wesm/action-status/internal/telemetry"
)

// pushEvent is the activity feed type for new commits
const pushEvent = "PushEvent"

// GitHub is the part of the API client a session polls
type GitHub interface {
	Events(ctx context.Context, owner, name, etag string) ([]*github.Event, *api.FetchResult, error)
	WorkflowRuns(ctx context.Context, owner, name, workflow, etag string) (*github.WorkflowRuns, *api.FetchResult, error)
}

// SessionConfig holds what a session needs besides its repository
type SessionConfig struct {
	Client  GitHub
	Sink    Sink
	Marks   EventMarks
	Logger  *slog.Logger
	Metrics *telemetry.RefreshMetrics
	Options Options
	Epoch   uint64
}

// Session polls the events feed and the workflow runs of one repository.
// All fields below the config are owned by the Run goroutine.
type Session struct {
	repo   models.Repository
	cfg    SessionConfig
	logger *slog.Logger

	lastEvent    time.Time
	eventsETag   string
	workflowETag string
	// runCompleted records whether the newest run seen so far had finished
	runCompleted bool
	pendingPolls int
}

// NewSession creates a session for a repository snapshot
func NewSession(repo models.Repository, cfg SessionConfig) *Session {
	cfg.Options = cfg.Options.withDefaults()
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Session{
		repo:   repo.Clone(),
		cfg:    cfg,
		logger: logger.With("repo", repo.FullName()),
	}
}

// LastEvent returns the event high-water mark. Only safe once Run has returned.
func (s *Session) LastEvent() time.Time {
	return s.lastEvent
}

// Run polls both streams until ctx is cancelled.
// The events stream always repeats. The workflow stream repeats while a run is
// in flight and is restarted by pushes.
func (s *Session) Run(ctx context.Context) {
	s.loadLastEvent(ctx)

	eventsTimer := time.NewTimer(0)
	defer eventsTimer.Stop()
	workflowTimer := time.NewTimer(0)
	defer workflowTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("session stopped")
			return
		case <-eventsTimer.C:
			pushed, next := s.pollEvents(ctx)
			if pushed && ctx.Err() == nil {
				s.logger.Debug("push detected, polling workflow")
				workflowTimer.Stop()
				s.pendingPolls = maxPendingPolls
				s.schedule(workflowTimer, s.pollWorkflow(ctx))
			}
			eventsTimer.Reset(next)
		case <-workflowTimer.C:
			s.schedule(workflowTimer, s.pollWorkflow(ctx))
		}
	}
}

func (s *Session) schedule(timer *time.Timer, next time.Duration) {
	if next <= 0 {
		return
	}
	timer.Reset(next)
}

func (s *Session) loadLastEvent(ctx context.Context) {
	if s.cfg.Marks == nil {
		return
	}
	last, err := s.cfg.Marks.LastEvent(ctx, s.repo.ID)
	if err != nil {
		s.logger.Warn("failed to load last event", "error", err)
		return
	}
	s.lastEvent = last
}

// pollEvents fetches the activity feed and returns whether a new push was seen
// together with the delay before the next events poll
func (s *Session) pollEvents(ctx context.Context) (bool, time.Duration) {
	def := s.cfg.Options.EventsInterval

	events, result, err := s.cfg.Client.Events(ctx, s.repo.Owner, s.repo.Name, s.eventsETag)
	s.record(ctx, telemetry.StreamEvents, result)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("events poll failed", "error", err)
		}
		return false, def
	}
	s.eventsETag = result.ETag

	if result.Status != api.FetchUpdated {
		return false, result.Interval(def)
	}

	pushed := s.scanEvents(events)
	s.saveLastEvent(ctx)
	return pushed, result.Interval(def)
}

// scanEvents raises lastEvent to the newest event time and reports whether
// any push newer than the previous mark was present
func (s *Session) scanEvents(events []*github.Event) bool {
	mark := s.lastEvent
	newest := mark
	pushed := false
	for _, ev := range events {
		if ev == nil || ev.CreatedAt == nil {
			continue
		}
		created := ev.GetCreatedAt().Time
		if !created.After(mark) {
			continue
		}
		if ev.GetType() == pushEvent {
			pushed = true
		}
		if created.After(newest) {
			newest = created
		}
	}
	s.lastEvent = newest
	return pushed
}

func (s *Session) saveLastEvent(ctx context.Context) {
	if s.cfg.Marks == nil || s.lastEvent.IsZero() || ctx.Err() != nil {
		return
	}
	if err := s.cfg.Marks.SaveLastEvent(ctx, s.repo.ID, s.lastEvent); err != nil {
		s.logger.Warn("failed to save last event", "error", err)
	}
}

// pollWorkflow fetches the workflow runs, publishes the derived state and
// returns the delay before the next workflow poll, or zero to stop repeating
func (s *Session) pollWorkflow(ctx context.Context) time.Duration {
	def := s.cfg.Options.WorkflowInterval

	runs, result, err := s.cfg.Client.WorkflowRuns(ctx, s.repo.Owner, s.repo.Name, s.repo.Workflow, s.workflowETag)
	s.record(ctx, telemetry.StreamWorkflow, result)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("workflow poll failed", "workflow", s.repo.Workflow, "error", err)
		}
		return def
	}

	if result.Status == api.FetchUpdated {
		latest, err := latestRun(runs)
		if err != nil {
			s.logger.Warn("workflow poll returned malformed runs", "workflow", s.repo.Workflow, "error", err)
			return def
		}
		state := status.FromRun(latest)
		s.runCompleted = latest == nil || status.Completed(latest.GetStatus())
		if !s.runCompleted {
			s.pendingPolls = 0
		}
		s.logger.Debug("workflow run", "run", latest.GetRunNumber(), "status", latest.GetStatus(),
			"conclusion", latest.GetConclusion(), "state", state)
		s.publish(ctx, state)
	}
	s.workflowETag = result.ETag

	next := result.Interval(def)
	switch {
	case !s.runCompleted || s.cfg.Options.KeepPollingCompleted:
		return next
	case s.pendingPolls > 0:
		s.pendingPolls--
		return next
	default:
		return 0
	}
}

// latestRun picks the newest run of a decoded response. A body without the
// run list or count, or whose newest run has no status, is an error; an empty
// list yields a nil run.
func latestRun(runs *github.WorkflowRuns) (*github.WorkflowRun, error) {
	if runs == nil || runs.WorkflowRuns == nil || runs.TotalCount == nil {
		return nil, errors.New("missing workflow_runs or total_count")
	}
	latest := status.LatestRun(runs.WorkflowRuns)
	if latest != nil && latest.GetStatus() == "" {
		return nil, fmt.Errorf("run %d has no status", latest.GetRunNumber())
	}
	return latest, nil
}

func (s *Session) publish(ctx context.Context, state models.State) {
	if ctx.Err() != nil {
		return
	}
	s.cfg.Sink.Publish(ctx, Update{
		ID:    s.repo.ID,
		State: state,
		At:    time.Now(),
		Seq:   nextSeq(),
		Epoch: s.cfg.Epoch,
	})
}

func (s *Session) record(ctx context.Context, stream string, result *api.FetchResult) {
	if result == nil {
		s.cfg.Metrics.RecordPoll(ctx, stream, api.FetchFailed.String())
		return
	}
	s.cfg.Metrics.RecordPoll(ctx, stream, result.Status.String())
	s.cfg.Metrics.RecordRateRemaining(ctx, result.RateRemaining)
	if result.RateRemaining >= 0 {
		s.logger.Debug("poll", "stream", stream, "status", result.StatusCode, "rate_remaining", result.RateRemaining)
	}
}
