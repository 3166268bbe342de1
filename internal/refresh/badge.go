package refresh

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wesm/action-status/internal/models"
	"github.com/wesm/action-status/internal/status"
	"github.com/wesm/action-status/internal/telemetry"
)

// Badges fetches public workflow badge images
type Badges interface {
	Fetch(ctx context.Context, owner, name, workflow, branch string) ([]byte, error)
}

// BadgeController sweeps the public badge of every repository on a fixed timer.
// It is used when no API token is available.
type BadgeController struct {
	client  Badges
	source  Source
	sink    Sink
	logger  *slog.Logger
	metrics *telemetry.RefreshMetrics
	opts    Options

	mu     sync.Mutex
	gate   gate
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewBadgeController creates a paused badge sweep controller
func NewBadgeController(client Badges, cfg ControllerConfig) *BadgeController {
	return &BadgeController{
		client:  client,
		source:  cfg.Source,
		sink:    cfg.Sink,
		logger:  cfg.logger("badge"),
		metrics: cfg.Metrics,
		opts:    cfg.Options.withDefaults(),
		gate:    newGate(),
	}
}

// Resume starts the sweep loop once the outermost pause is lifted.
// The first sweep runs immediately.
func (c *BadgeController) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.gate.resume() {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.loop(ctx)
	}()
	c.logger.Info("badge sweep started", "interval", c.opts.SweepInterval, "workers", c.opts.Workers)
}

// Pause cancels the pending sweep timer. A sweep already running completes
// and its results are still published.
func (c *BadgeController) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.gate.pause() {
		return
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.logger.Info("badge sweep paused")
}

// Remove is a no-op; the next sweep reads the current repository set
func (c *BadgeController) Remove(string) {}

// State returns the current run state
func (c *BadgeController) State() RunState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gate.state()
}

// Accepts always holds: sweep results are applied even after a pause
func (c *BadgeController) Accepts(Update) bool {
	return true
}

// Wait blocks until the sweep loop and any in-flight sweep have returned
func (c *BadgeController) Wait() {
	c.wg.Wait()
}

func (c *BadgeController) loop(ctx context.Context) {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		c.Sweep(context.WithoutCancel(ctx))
		timer.Reset(c.opts.SweepInterval)
	}
}

// Sweep checks every tracked repository once and publishes the results as one batch
func (c *BadgeController) Sweep(ctx context.Context) {
	start := time.Now()
	repos := c.source.Snapshot()

	updates := make([]Update, len(repos))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.Workers)
	for i, repo := range repos {
		g.Go(func() error {
			updates[i] = Update{
				ID:    repo.ID,
				State: c.check(gctx, repo),
				At:    time.Now(),
			}
			return nil
		})
	}
	_ = g.Wait()

	batch := updates[:0]
	for _, u := range updates {
		if u.ID == "" {
			continue
		}
		u.Seq = nextSeq()
		batch = append(batch, u)
	}

	elapsed := time.Since(start)
	c.metrics.RecordSweepDuration(ctx, elapsed)
	c.logger.Debug("sweep finished", "repositories", len(repos), "duration", elapsed)

	if len(batch) > 0 {
		c.sink.Publish(ctx, batch...)
	}
}

// check aggregates the badge state of every configured branch
func (c *BadgeController) check(ctx context.Context, repo models.Repository) models.State {
	workflow := repo.Workflow
	if workflow == "" {
		workflow = models.DefaultWorkflow
	}
	branches := repo.Branches
	if len(branches) == 0 {
		branches = []string{""}
	}

	states := make([]models.State, 0, len(branches))
	for _, branch := range branches {
		body, err := c.client.Fetch(ctx, repo.Owner, repo.Name, workflow, branch)
		if err != nil {
			c.metrics.RecordPoll(ctx, telemetry.StreamBadge, "failed")
			c.logger.Warn("badge fetch failed", "repo", repo.FullName(), "branch", branch, "error", err)
			states = append(states, models.StateUnknown)
			continue
		}
		c.metrics.RecordPoll(ctx, telemetry.StreamBadge, "updated")
		states = append(states, status.FromBadge(body))
	}
	return status.Aggregate(states...)
}
