// Package collection owns the tracked repositories and folds refresh updates into them.
package collection

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/wesm/action-status/internal/models"
	"github.com/wesm/action-status/internal/refresh"
	"github.com/wesm/action-status/internal/status"
	"github.com/wesm/action-status/internal/telemetry"
)

//go:generate mockgen -destination=mocks/mock_store.go -package=mocks -source=collection.go Store

// ErrStopped is returned when the collection loop is not running
var ErrStopped = errors.New("collection stopped")

// Store persists the tracked repositories
type Store interface {
	Load(ctx context.Context) ([]models.Repository, error)
	SaveRepository(ctx context.Context, repo models.Repository) error
	UpdateStatuses(ctx context.Context, repos []models.Repository) error
	DeleteRepository(ctx context.Context, id string) error
}

// Options configures a Collection
type Options struct {
	Logger  *slog.Logger
	Metrics *telemetry.CollectionMetrics
	// OnUpdate is called on the loop goroutine for every repository whose status changed
	OnUpdate func(repo models.Repository)
	// OnChange is called on the loop goroutine after the collection changed
	OnChange func(repos []models.Repository, counts models.Counts)
	// Buffer is the capacity of the update queue
	Buffer int
}

type command struct {
	apply func(ctx context.Context, ctrl refresh.Controller) error
	reply chan error
}

// Collection is the single owner of the tracked repositories.
// All mutation happens on the Run goroutine; readers receive copies.
type Collection struct {
	store    Store
	logger   *slog.Logger
	metrics  *telemetry.CollectionMetrics
	onUpdate func(models.Repository)
	onChange func([]models.Repository, models.Counts)

	mu     sync.RWMutex
	repos  []models.Repository
	counts models.Counts

	// owned by the Run goroutine
	lastSeq map[string]uint64

	updates  chan []refresh.Update
	commands chan command
	done     chan struct{}
}

// New creates a collection backed by store
func New(store Store, opts Options) *Collection {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 64
	}
	return &Collection{
		store:    store,
		logger:   logger.With("component", "collection"),
		metrics:  opts.Metrics,
		onUpdate: opts.OnUpdate,
		onChange: opts.OnChange,
		counts:   models.CountStates(nil),
		lastSeq:  make(map[string]uint64),
		updates:  make(chan []refresh.Update, buffer),
		commands: make(chan command),
		done:     make(chan struct{}),
	}
}

// Snapshot returns a copy of the tracked repositories in display order
func (c *Collection) Snapshot() []models.Repository {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]models.Repository, len(c.repos))
	for i, r := range c.repos {
		out[i] = r.Clone()
	}
	return out
}

// Counts returns the number of repositories in each state
func (c *Collection) Counts() models.Counts {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(models.Counts, len(c.counts))
	for k, v := range c.counts {
		out[k] = v
	}
	return out
}

// Publish queues a batch of updates for the loop
func (c *Collection) Publish(ctx context.Context, updates ...refresh.Update) bool {
	if len(updates) == 0 {
		return true
	}
	batch := append([]refresh.Update(nil), updates...)
	select {
	case c.updates <- batch:
		return true
	case <-ctx.Done():
		return false
	case <-c.done:
		return false
	}
}

// Load replaces the collection with the stored repositories.
// It must be called before Run or from the Run goroutine.
func (c *Collection) Load(ctx context.Context) error {
	repos, err := c.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load repositories: %w", err)
	}

	present := make(map[string]bool, len(repos))
	for _, r := range repos {
		present[r.ID] = true
	}
	for id := range c.lastSeq {
		if !present[id] {
			delete(c.lastSeq, id)
		}
	}
	c.replace(repos)
	return nil
}

// Run loads the stored repositories, starts ctrl and applies updates until ctx ends.
// A signal on changes reloads the store and restarts the controller's work.
func (c *Collection) Run(ctx context.Context, ctrl refresh.Controller, changes <-chan struct{}) error {
	if err := c.Load(ctx); err != nil {
		close(c.done)
		return err
	}
	c.notify()
	ctrl.Resume()
	defer func() {
		// unblock publishers before waiting for them
		close(c.done)
		ctrl.Pause()
		ctrl.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case batch := <-c.updates:
			c.apply(ctx, ctrl, batch)
		case cmd := <-c.commands:
			cmd.reply <- cmd.apply(ctx, ctrl)
		case _, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			c.reload(ctx, ctrl)
		}
	}
}

// reload picks up changes made by another process. Dropped repositories stop
// only their own session; sessions restart only when a repository was added or
// its workflow or branches changed.
func (c *Collection) reload(ctx context.Context, ctrl refresh.Controller) {
	c.logger.Info("store changed, reloading")
	before := c.Snapshot()
	if err := c.Load(ctx); err != nil {
		c.logger.Error("reload failed", "error", err)
		return
	}

	removed, restart := diff(before, c.Snapshot())
	for _, id := range removed {
		ctrl.Remove(id)
	}
	if restart {
		ctrl.Pause()
		ctrl.Resume()
	}
	c.notify()
}

// diff returns the ids missing from after and whether any repository in after
// is new or polls a different target than before
func diff(before, after []models.Repository) ([]string, bool) {
	prev := make(map[string]models.Repository, len(before))
	for _, r := range before {
		prev[r.ID] = r
	}

	restart := false
	for _, r := range after {
		old, ok := prev[r.ID]
		delete(prev, r.ID)
		if !ok || old.Owner != r.Owner || old.Name != r.Name ||
			old.Workflow != r.Workflow || !slices.Equal(old.Branches, r.Branches) {
			restart = true
		}
	}

	removed := make([]string, 0, len(prev))
	for id := range prev {
		removed = append(removed, id)
	}
	slices.Sort(removed)
	return removed, restart
}

// Add stores a new repository and starts refreshing it
func (c *Collection) Add(ctx context.Context, repo models.Repository) error {
	return c.do(ctx, func(ctx context.Context, ctrl refresh.Controller) error {
		for _, r := range c.repos {
			if r.ID == repo.ID || (r.Owner == repo.Owner && r.Name == repo.Name) {
				return fmt.Errorf("repository %s is already tracked", repo.FullName())
			}
		}
		if err := c.store.SaveRepository(ctx, repo); err != nil {
			return err
		}

		c.replace(append(c.Snapshot(), repo.Clone()))
		ctrl.Pause()
		ctrl.Resume()
		c.notify()
		return nil
	})
}

// Remove stops refreshing a repository and deletes it from the store
func (c *Collection) Remove(ctx context.Context, id string) error {
	return c.do(ctx, func(ctx context.Context, ctrl refresh.Controller) error {
		ctrl.Remove(id)
		if err := c.store.DeleteRepository(ctx, id); err != nil {
			return err
		}

		repos := slices.DeleteFunc(c.Snapshot(), func(r models.Repository) bool { return r.ID == id })
		delete(c.lastSeq, id)
		c.replace(repos)
		c.notify()
		return nil
	})
}

func (c *Collection) do(ctx context.Context, fn func(context.Context, refresh.Controller) error) error {
	cmd := command{apply: fn, reply: make(chan error, 1)}
	select {
	case c.commands <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrStopped
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// apply folds a batch into the collection. Each accepted update fully replaces
// the status fields of its repository.
func (c *Collection) apply(ctx context.Context, ctrl refresh.Controller, batch []refresh.Update) {
	repos := c.Snapshot()
	index := make(map[string]int, len(repos))
	for i, r := range repos {
		index[r.ID] = i
	}

	var changed []models.Repository
	for _, u := range batch {
		i, ok := index[u.ID]
		switch {
		case !ok:
			c.logger.Debug("dropping update for untracked repository", "id", u.ID)
		case !ctrl.Accepts(u):
			c.logger.Debug("dropping stale update", "repo", repos[i].FullName(), "epoch", u.Epoch)
			ok = false
		case u.Seq <= c.lastSeq[u.ID]:
			c.logger.Debug("dropping out of order update", "repo", repos[i].FullName(), "seq", u.Seq)
			ok = false
		}
		c.metrics.RecordUpdate(ctx, ok)
		if !ok {
			continue
		}

		c.lastSeq[u.ID] = u.Seq
		prev := repos[i]
		next := status.Transition(prev, u.State, u.At).Apply(prev)
		if next.State == prev.State {
			continue
		}
		c.logger.Info("status changed", "repo", prev.FullName(), "from", prev.State, "to", next.State)
		repos[i] = next
		changed = append(changed, next)
	}

	if len(changed) == 0 {
		return
	}

	c.replace(repos)
	if err := c.store.UpdateStatuses(ctx, changed); err != nil {
		c.logger.Error("failed to save statuses", "error", err)
	}
	if c.onUpdate != nil {
		for _, r := range changed {
			c.onUpdate(r.Clone())
		}
	}
	c.notify()
}

// replace sorts repos, recomputes the counts and swaps them in
func (c *Collection) replace(repos []models.Repository) {
	Sort(repos)
	counts := models.CountStates(repos)

	c.mu.Lock()
	c.repos = repos
	c.counts = counts
	c.mu.Unlock()
}

func (c *Collection) notify() {
	counts := c.Counts()
	for _, st := range models.States {
		c.metrics.RecordStateCount(context.Background(), string(st), counts[st])
	}
	if c.onChange != nil {
		c.onChange(c.Snapshot(), counts)
	}
}

// Sort orders repositories failing, running, queued, passing, unknown, then by name and owner
func Sort(repos []models.Repository) {
	slices.SortStableFunc(repos, func(a, b models.Repository) int {
		return cmp.Or(
			cmp.Compare(a.State.Rank(), b.State.Rank()),
			strings.Compare(strings.ToLower(a.Name), strings.ToLower(b.Name)),
			strings.Compare(strings.ToLower(a.Owner), strings.ToLower(b.Owner)),
		)
	})
}
