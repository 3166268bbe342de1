package refresh

import (
	"testing"
	"time"

	"github.com/google/go-github/v57/github"
	"github.com/stretchr/testify/assert"

	"github.com/wesm/action-status/internal/models"
)

func TestGate(t *testing.T) {
	t.Parallel()

	g := newGate()
	assert.Equal(t, RunState{Level: 1}, g.state())
	assert.Equal(t, "paused(1)", g.state().String())

	assert.True(t, g.resume(), "paused(1) to running starts work")
	assert.Equal(t, "running", g.state().String())
	assert.False(t, g.resume(), "resume while running is a no-op")
	assert.True(t, g.state().Running())

	assert.True(t, g.pause(), "first pause stops work")
	assert.False(t, g.pause())
	assert.False(t, g.pause())
	assert.Equal(t, 3, g.state().Level)

	assert.False(t, g.resume())
	assert.False(t, g.resume())
	assert.True(t, g.resume())
}

func TestOptionsDefaults(t *testing.T) {
	t.Parallel()

	o := Options{}.withDefaults()
	assert.Equal(t, DefaultEventsInterval, o.EventsInterval)
	assert.Equal(t, DefaultWorkflowInterval, o.WorkflowInterval)
	assert.Equal(t, DefaultSweepInterval, o.SweepInterval)
	assert.Equal(t, DefaultWorkers, o.Workers)

	assert.Equal(t, MaxWorkers, Options{Workers: 50}.withDefaults().Workers)
}

func ev(typ string, at time.Time) *github.Event {
	return &github.Event{Type: github.String(typ), CreatedAt: &github.Timestamp{Time: at}}
}

func TestScanEvents(t *testing.T) {
	t.Parallel()

	base := time.Date(2020, 7, 28, 10, 0, 0, 0, time.UTC)
	at := func(m int) time.Time { return base.Add(time.Duration(m) * time.Minute) }

	tests := []struct {
		name    string
		mark    time.Time
		batches [][]*github.Event
		pushes  []bool
		want    time.Time
	}{
		{
			name:    "empty feed keeps mark",
			mark:    at(0),
			batches: [][]*github.Event{nil},
			pushes:  []bool{false},
			want:    at(0),
		},
		{
			name: "newer push escalates once",
			mark: at(0),
			batches: [][]*github.Event{
				{ev("PushEvent", at(5)), ev("IssuesEvent", at(3))},
				{ev("PushEvent", at(5)), ev("IssuesEvent", at(3))},
			},
			pushes: []bool{true, false},
			want:   at(5),
		},
		{
			name:    "push at the mark is ignored",
			mark:    at(5),
			batches: [][]*github.Event{{ev("PushEvent", at(5)), ev("PushEvent", at(1))}},
			pushes:  []bool{false},
			want:    at(5),
		},
		{
			name: "mark never decreases",
			mark: at(0),
			batches: [][]*github.Event{
				{ev("WatchEvent", at(10))},
				{ev("PushEvent", at(7)), nil, {Type: github.String("PushEvent")}},
				{ev("ForkEvent", at(12)), ev("PushEvent", at(11))},
			},
			pushes: []bool{false, false, true},
			want:   at(12),
		},
		{
			name:    "unordered feed uses the maximum",
			mark:    time.Time{},
			batches: [][]*github.Event{{ev("WatchEvent", at(2)), ev("WatchEvent", at(9)), ev("WatchEvent", at(4))}},
			pushes:  []bool{false},
			want:    at(9),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := NewSession(models.NewRepository("octo", "cat", ""), SessionConfig{})
			s.lastEvent = tt.mark
			for i, batch := range tt.batches {
				before := s.lastEvent
				assert.Equal(t, tt.pushes[i], s.scanEvents(batch), "batch %d", i)
				assert.False(t, s.lastEvent.Before(before), "batch %d", i)
			}
			assert.True(t, tt.want.Equal(s.lastEvent), "got %v", s.lastEvent)
		})
	}
}

func TestLatestRun(t *testing.T) {
	t.Parallel()

	wr := func(number int, status string) *github.WorkflowRun {
		r := &github.WorkflowRun{RunNumber: github.Int(number)}
		if status != "" {
			r.Status = github.String(status)
		}
		return r
	}

	tests := []struct {
		name    string
		runs    *github.WorkflowRuns
		want    int
		wantErr bool
	}{
		{name: "nil response", runs: nil, wantErr: true},
		{name: "empty object", runs: &github.WorkflowRuns{}, wantErr: true},
		{name: "missing count", runs: &github.WorkflowRuns{WorkflowRuns: []*github.WorkflowRun{wr(1, "queued")}}, wantErr: true},
		{name: "missing list", runs: &github.WorkflowRuns{TotalCount: github.Int(1)}, wantErr: true},
		{
			name:    "newest run without status",
			runs:    &github.WorkflowRuns{TotalCount: github.Int(2), WorkflowRuns: []*github.WorkflowRun{wr(1, "completed"), wr(2, "")}},
			wantErr: true,
		},
		{name: "empty list", runs: &github.WorkflowRuns{TotalCount: github.Int(0), WorkflowRuns: []*github.WorkflowRun{}}, want: 0},
		{
			name: "newest by run number",
			runs: &github.WorkflowRuns{TotalCount: github.Int(2), WorkflowRuns: []*github.WorkflowRun{wr(7, "completed"), wr(3, "")}},
			want: 7,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			latest, err := latestRun(tt.runs)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.want, latest.GetRunNumber())
		})
	}
}
