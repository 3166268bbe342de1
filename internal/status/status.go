// Package status maps CI run results and badge images to repository display states.
package status

import (
	"bytes"
	"strings"
	"time"

	"github.com/google/go-github/v57/github"

	"github.com/wesm/action-status/internal/models"
)

// GitHub workflow run status and conclusion values
const (
	RunQueued     = "queued"
	RunInProgress = "in_progress"
	RunCompleted  = "completed"

	ConclusionSuccess = "success"
	ConclusionFailure = "failure"
)

// Derive maps a workflow run's status and conclusion to a display state.
// Every input has a defined result; anything unrecognised is unknown.
func Derive(status, conclusion string) models.State {
	switch strings.ToLower(status) {
	case RunQueued:
		return models.StateQueued
	case RunInProgress:
		return models.StateRunning
	case RunCompleted:
		switch strings.ToLower(conclusion) {
		case ConclusionSuccess:
			return models.StatePassing
		case ConclusionFailure:
			return models.StateFailing
		}
	}
	return models.StateUnknown
}

// FromRun derives the state for a single workflow run
func FromRun(run *github.WorkflowRun) models.State {
	if run == nil {
		return models.StateUnknown
	}
	return Derive(run.GetStatus(), run.GetConclusion())
}

// Completed reports whether a run status is terminal
func Completed(status string) bool {
	return strings.EqualFold(status, RunCompleted)
}

// LatestRun returns the run with the highest run number, ignoring response order
func LatestRun(runs []*github.WorkflowRun) *github.WorkflowRun {
	var latest *github.WorkflowRun
	for _, run := range runs {
		if run == nil {
			continue
		}
		if latest == nil || run.GetRunNumber() > latest.GetRunNumber() {
			latest = run
		}
	}
	return latest
}

// Change is the result of moving a repository into a new state
type Change struct {
	State         models.State
	LastSucceeded *time.Time
	LastFailed    *time.Time
}

// Transition computes the change for moving prev into next at now.
// Only a move into passing sets LastSucceeded and only a move into failing sets LastFailed;
// the other timestamp is carried over unchanged.
func Transition(prev models.Repository, next models.State, now time.Time) Change {
	c := Change{
		State:         next,
		LastSucceeded: prev.LastSucceeded,
		LastFailed:    prev.LastFailed,
	}
	if next == prev.State {
		return c
	}
	switch next {
	case models.StatePassing:
		c.LastSucceeded = &now
	case models.StateFailing:
		c.LastFailed = &now
	}
	return c
}

// Apply returns a copy of repo with the change applied
func (c Change) Apply(repo models.Repository) models.Repository {
	updated := repo.Clone()
	updated.State = c.State
	updated.LastSucceeded = c.LastSucceeded
	updated.LastFailed = c.LastFailed
	return updated
}

// FromBadge classifies the content of a workflow status badge image
func FromBadge(svg []byte) models.State {
	switch {
	case bytes.Contains(svg, []byte("failing")):
		return models.StateFailing
	case bytes.Contains(svg, []byte("passing")):
		return models.StatePassing
	default:
		return models.StateUnknown
	}
}

// Aggregate combines per-branch states: any failing branch fails the repository,
// otherwise the first known state wins.
func Aggregate(states ...models.State) models.State {
	result := models.StateUnknown
	for _, st := range states {
		if st == models.StateFailing {
			return models.StateFailing
		}
		if result == models.StateUnknown && st != models.StateUnknown {
			result = st
		}
	}
	return result
}
