package refresh

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/wesm/action-status/internal/telemetry"
)

// AuthenticatedController runs one Session per tracked repository
type AuthenticatedController struct {
	client  GitHub
	source  Source
	sink    Sink
	marks   EventMarks
	logger  *slog.Logger
	metrics *telemetry.RefreshMetrics
	opts    Options

	mu       sync.Mutex
	gate     gate
	sessions map[string]context.CancelFunc
	epoch    atomic.Uint64
	wg       sync.WaitGroup
}

// ControllerConfig holds the collaborators shared by both controllers
type ControllerConfig struct {
	Source  Source
	Sink    Sink
	Marks   EventMarks
	Logger  *slog.Logger
	Metrics *telemetry.RefreshMetrics
	Options Options
}

func (cfg ControllerConfig) logger(component string) *slog.Logger {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return logger.With("component", component)
}

// NewAuthenticatedController creates a paused controller polling through client
func NewAuthenticatedController(client GitHub, cfg ControllerConfig) *AuthenticatedController {
	return &AuthenticatedController{
		client:   client,
		source:   cfg.Source,
		sink:     cfg.Sink,
		marks:    cfg.Marks,
		logger:   cfg.logger("authenticated"),
		metrics:  cfg.Metrics,
		opts:     cfg.Options.withDefaults(),
		gate:     newGate(),
		sessions: make(map[string]context.CancelFunc),
	}
}

// Resume starts sessions for every tracked repository once the outermost pause is lifted
func (c *AuthenticatedController) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.gate.resume() {
		c.logger.Debug("resume", "state", c.gate.state())
		return
	}

	epoch := c.epoch.Add(1)
	repos := c.source.Snapshot()
	for _, repo := range repos {
		if repo.Workflow == "" {
			c.logger.Debug("skipping repository without workflow", "repo", repo.FullName())
			continue
		}

		ctx, cancel := context.WithCancel(context.Background())
		c.sessions[repo.ID] = cancel

		session := NewSession(repo, SessionConfig{
			Client:  c.client,
			Sink:    c.sink,
			Marks:   c.marks,
			Logger:  c.logger,
			Metrics: c.metrics,
			Options: c.opts,
			Epoch:   epoch,
		})
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			session.Run(ctx)
		}()
	}
	c.logger.Info("refresh started", "sessions", len(c.sessions), "epoch", epoch)
}

// Pause cancels every session without waiting for in-flight requests.
// Their late results are rejected by Accepts.
func (c *AuthenticatedController) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.gate.pause() {
		c.logger.Debug("pause", "state", c.gate.state())
		return
	}

	c.epoch.Add(1)
	for id, cancel := range c.sessions {
		cancel()
		delete(c.sessions, id)
	}
	c.logger.Info("refresh paused")
}

// Remove cancels the session of one repository
func (c *AuthenticatedController) Remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cancel, ok := c.sessions[id]; ok {
		cancel()
		delete(c.sessions, id)
	}
}

// State returns the current run state
func (c *AuthenticatedController) State() RunState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gate.state()
}

// Sessions returns the number of active sessions
func (c *AuthenticatedController) Sessions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

// Accepts reports whether u came from the current run
func (c *AuthenticatedController) Accepts(u Update) bool {
	return u.Epoch == c.epoch.Load()
}

// Wait blocks until every cancelled session has returned
func (c *AuthenticatedController) Wait() {
	c.wg.Wait()
}
