package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultWorkflow is the workflow checked when none is configured
const DefaultWorkflow = "Tests"

// State is the display state of a tracked repository
type State string

const (
	StateUnknown State = "unknown"
	StateQueued  State = "queued"
	StateRunning State = "running"
	StatePassing State = "passing"
	StateFailing State = "failing"
)

// States lists every valid state in display order
var States = []State{StateFailing, StateRunning, StateQueued, StatePassing, StateUnknown}

// ParseState converts a stored string to a State, falling back to unknown
func ParseState(s string) State {
	switch st := State(strings.ToLower(strings.TrimSpace(s))); st {
	case StateQueued, StateRunning, StatePassing, StateFailing:
		return st
	default:
		return StateUnknown
	}
}

// Rank orders states for sorting: failing first, unknown last
func (s State) Rank() int {
	for i, st := range States {
		if st == s {
			return i
		}
	}
	return len(States)
}

// Repository represents a tracked GitHub repository and its CI status
type Repository struct {
	ID            string
	Name          string
	Owner         string
	Workflow      string
	Branches      []string
	State         State
	LastSucceeded *time.Time
	LastFailed    *time.Time
	// Paths holds opaque per-device local checkout locations
	Paths map[string]string
}

// NewRepository creates a repository with a fresh identity in the unknown state
func NewRepository(owner, name, workflow string, branches ...string) Repository {
	if workflow == "" {
		workflow = DefaultWorkflow
	}
	return Repository{
		ID:       uuid.NewString(),
		Owner:    owner,
		Name:     name,
		Workflow: workflow,
		Branches: branches,
		State:    StateUnknown,
		Paths:    map[string]string{},
	}
}

// FullName returns the "owner/name" form of the repository
func (r Repository) FullName() string {
	return r.Owner + "/" + r.Name
}

// Clone returns a deep copy so that callers never share slices or maps
func (r Repository) Clone() Repository {
	c := r
	if r.Branches != nil {
		c.Branches = append([]string(nil), r.Branches...)
	}
	if r.Paths != nil {
		c.Paths = make(map[string]string, len(r.Paths))
		for k, v := range r.Paths {
			c.Paths[k] = v
		}
	}
	if r.LastSucceeded != nil {
		t := *r.LastSucceeded
		c.LastSucceeded = &t
	}
	if r.LastFailed != nil {
		t := *r.LastFailed
		c.LastFailed = &t
	}
	return c
}

// Counts holds the number of repositories in each state
type Counts map[State]int

// CountStates tallies the states of the given repositories
func CountStates(repos []Repository) Counts {
	counts := make(Counts, len(States))
	for _, st := range States {
		counts[st] = 0
	}
	for _, r := range repos {
		counts[ParseState(string(r.State))]++
	}
	return counts
}

// Passing returns the number of passing repositories
func (c Counts) Passing() int { return c[StatePassing] }

// Failing returns the number of failing repositories
func (c Counts) Failing() int { return c[StateFailing] }

// Unreachable returns the number of repositories without a settled result.
// Queued and running repositories are included.
func (c Counts) Unreachable() int {
	return c[StateUnknown] + c[StateQueued] + c[StateRunning]
}

// ParseRepositoryString parses a repository string in the format "owner/name"
func ParseRepositoryString(repoStr string) (string, string, error) {
	parts := strings.Split(repoStr, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid repository format, expected 'owner/name', got '%s'", repoStr)
	}
	return parts[0], parts[1], nil
}
