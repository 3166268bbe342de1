// Package refresh keeps repository CI states current, either through
// authenticated per-repository polling sessions or through a periodic sweep of
// public status badges.
package refresh

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/wesm/action-status/internal/models"
)

//go:generate mockgen -destination=mocks/mock_controller.go -package=mocks -source=controller.go Controller,Sink,Source,EventMarks

// Default scheduling values
const (
	DefaultEventsInterval   = 30 * time.Second
	DefaultWorkflowInterval = 60 * time.Second
	DefaultSweepInterval    = 10 * time.Second
	DefaultWorkers          = 5
	MaxWorkers              = 10

	// maxPendingPolls bounds how many extra workflow polls follow a push
	// while the newest run is still the previous, completed one
	maxPendingPolls = 5
)

// Controller drives status refreshes for the tracked repositories.
// Pause and Resume nest: after n pauses only the n-th resume starts work again.
type Controller interface {
	Resume()
	Pause()
	// Remove stops work for a single repository
	Remove(id string)
	State() RunState
	// Accepts reports whether an update is still current for this controller
	Accepts(u Update) bool
	// Wait blocks until all background work started so far has exited
	Wait()
}

// Update is one status observation for a repository
type Update struct {
	ID    string
	State models.State
	// At is when the observation was made; it becomes the transition time
	At time.Time
	// Seq increases across the process and orders updates for the same id
	Seq uint64
	// Epoch identifies the controller run that produced the update
	Epoch uint64
}

// Sink receives update batches. Publish reports false when the batch was not delivered.
type Sink interface {
	Publish(ctx context.Context, updates ...Update) bool
}

// Source lists the repositories currently tracked
type Source interface {
	Snapshot() []models.Repository
}

// EventMarks persists the newest event time seen per repository
type EventMarks interface {
	LastEvent(ctx context.Context, repositoryID string) (time.Time, error)
	SaveLastEvent(ctx context.Context, repositoryID string, lastEvent time.Time) error
}

var seq atomic.Uint64

func nextSeq() uint64 {
	return seq.Add(1)
}

// RunState is either running or paused with a nest level
type RunState struct {
	// Level is the pause nest count; zero means running
	Level int
}

// Running reports whether the controller is doing work
func (s RunState) Running() bool {
	return s.Level == 0
}

func (s RunState) String() string {
	if s.Running() {
		return "running"
	}
	return fmt.Sprintf("paused(%d)", s.Level)
}

// gate is the reference counted pause level. Callers hold their own lock.
type gate struct {
	level int
}

func newGate() gate {
	return gate{level: 1}
}

// pause reports whether work must stop now
func (g *gate) pause() bool {
	g.level++
	return g.level == 1
}

// resume reports whether work must start now
func (g *gate) resume() bool {
	if g.level == 0 {
		return false
	}
	g.level--
	return g.level == 0
}

func (g *gate) state() RunState {
	return RunState{Level: g.level}
}

// Options tunes the polling schedule
type Options struct {
	EventsInterval   time.Duration
	WorkflowInterval time.Duration
	SweepInterval    time.Duration
	Workers          int
	// KeepPollingCompleted keeps the workflow stream repeating after a run completes
	KeepPollingCompleted bool
}

func (o Options) withDefaults() Options {
	if o.EventsInterval <= 0 {
		o.EventsInterval = DefaultEventsInterval
	}
	if o.WorkflowInterval <= 0 {
		o.WorkflowInterval = DefaultWorkflowInterval
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = DefaultSweepInterval
	}
	if o.Workers <= 0 {
		o.Workers = DefaultWorkers
	}
	if o.Workers > MaxWorkers {
		o.Workers = MaxWorkers
	}
	return o
}
