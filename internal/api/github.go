package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"
)

// DefaultAPIURL is the public GitHub REST endpoint
const DefaultAPIURL = "https://api.github.com/"

// FetchStatus describes the outcome of a conditional request
type FetchStatus int

const (
	// FetchFailed means the response carried no usable data
	FetchFailed FetchStatus = iota
	// FetchUpdated means the body is fresh (200)
	FetchUpdated
	// FetchUnchanged means the resource matches the supplied validator (304)
	FetchUnchanged
)

func (s FetchStatus) String() string {
	switch s {
	case FetchUpdated:
		return "updated"
	case FetchUnchanged:
		return "unchanged"
	default:
		return "failed"
	}
}

// FetchResult holds the response metadata of a conditional request
type FetchResult struct {
	Status     FetchStatus
	StatusCode int
	// ETag is the validator to send on the next request for the same resource
	ETag string
	// RateRemaining is X-RateLimit-Remaining, or -1 when the header is absent
	RateRemaining int
	// PollInterval is X-Poll-Interval, or zero when the header is absent
	PollInterval time.Duration
}

// Interval returns the server suggested poll interval, falling back to def
func (r *FetchResult) Interval(def time.Duration) time.Duration {
	if r == nil || r.PollInterval <= 0 {
		return def
	}
	return r.PollInterval
}

// GitHubClient represents a client for the GitHub API
type GitHubClient struct {
	client *github.Client
}

// Option configures a GitHubClient
type Option func(*GitHubClient) error

// WithBaseURL points the client at a different API root, such as GitHub Enterprise
func WithBaseURL(raw string) Option {
	return func(c *GitHubClient) error {
		if raw == "" {
			return nil
		}
		u, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("invalid API URL %q: %w", raw, err)
		}
		if !strings.HasSuffix(u.Path, "/") {
			u.Path += "/"
		}
		c.client.BaseURL = u
		return nil
	}
}

// NewGitHubClient creates a new GitHub API client
func NewGitHubClient(token string, opts ...Option) (*GitHubClient, error) {
	var tc *http.Client

	if token != "" {
		ts := oauth2.StaticTokenSource(
			&oauth2.Token{AccessToken: token},
		)
		tc = oauth2.NewClient(context.Background(), ts)
	}

	c := &GitHubClient{client: github.NewClient(tc)}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Fetch issues a conditional GET for an API path relative to the base URL.
// A 304 response is reported as FetchUnchanged with a nil error and v left untouched.
// Network failures return a nil result. No retries are made.
func (c *GitHubClient) Fetch(ctx context.Context, apiPath, etag string, v any) (*FetchResult, error) {
	req, err := c.client.NewRequest(http.MethodGet, apiPath, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}

	resp, err := c.client.Do(ctx, req, v)
	if resp == nil || resp.Response == nil {
		if err == nil {
			err = errors.New("no response")
		}
		return nil, fmt.Errorf("failed to fetch %s: %w", apiPath, err)
	}

	result := newFetchResult(resp)
	switch {
	case resp.StatusCode == http.StatusNotModified:
		result.Status = FetchUnchanged
		if result.ETag == "" {
			result.ETag = etag
		}
		return result, nil
	case err != nil:
		return result, fmt.Errorf("failed to fetch %s: %w", apiPath, err)
	case resp.StatusCode == http.StatusOK:
		result.Status = FetchUpdated
		return result, nil
	default:
		return result, NewHTTPError(resp.StatusCode, req.URL.String(), resp.Status)
	}
}

func newFetchResult(resp *github.Response) *FetchResult {
	result := &FetchResult{
		Status:        FetchFailed,
		StatusCode:    resp.StatusCode,
		ETag:          resp.Header.Get("ETag"),
		RateRemaining: -1,
	}
	if remaining, err := strconv.Atoi(resp.Header.Get("X-RateLimit-Remaining")); err == nil {
		result.RateRemaining = remaining
	}
	if seconds, err := strconv.Atoi(resp.Header.Get("X-Poll-Interval")); err == nil && seconds > 0 {
		result.PollInterval = time.Duration(seconds) * time.Second
	}
	return result
}

// Events fetches the activity feed of a repository
func (c *GitHubClient) Events(ctx context.Context, owner, name, etag string) ([]*github.Event, *FetchResult, error) {
	var events []*github.Event
	result, err := c.Fetch(ctx, fmt.Sprintf("repos/%v/%v/events", owner, name), etag, &events)
	if err != nil {
		return nil, result, err
	}
	return events, result, nil
}

// WorkflowRuns fetches the recent runs of a named workflow
func (c *GitHubClient) WorkflowRuns(ctx context.Context, owner, name, workflow, etag string) (*github.WorkflowRuns, *FetchResult, error) {
	runs := new(github.WorkflowRuns)
	apiPath := fmt.Sprintf("repos/%v/%v/actions/workflows/%v/runs", owner, name, url.PathEscape(WorkflowFile(workflow)))
	result, err := c.Fetch(ctx, apiPath, etag, runs)
	if err != nil {
		return nil, result, err
	}
	if result.Status != FetchUpdated {
		return nil, result, nil
	}
	return runs, result, nil
}

// WorkflowFile turns a workflow name into the identifier the API expects.
// Numeric ids and names that already carry an extension are used as is.
func WorkflowFile(workflow string) string {
	if _, err := strconv.ParseInt(workflow, 10, 64); err == nil {
		return workflow
	}
	if path.Ext(workflow) != "" {
		return workflow
	}
	return workflow + ".yml"
}

// RepositoryInfo describes a repository as reported by the API
type RepositoryInfo struct {
	ID            int64
	Owner         string
	Name          string
	FullName      string
	DefaultBranch string
	Private       bool
}

// GetRepository gets a repository by owner and name
func (c *GitHubClient) GetRepository(ctx context.Context, owner, name string) (*RepositoryInfo, error) {
	repo, _, err := c.client.Repositories.Get(ctx, owner, name)
	if err != nil {
		return nil, fmt.Errorf("failed to get repository: %w", err)
	}

	return ConvertGitHubRepository(repo), nil
}

// ConvertGitHubRepository converts a GitHub repository to our model
func ConvertGitHubRepository(repo *github.Repository) *RepositoryInfo {
	if repo == nil {
		return nil
	}

	return &RepositoryInfo{
		ID:            repo.GetID(),
		Owner:         repo.GetOwner().GetLogin(),
		Name:          repo.GetName(),
		FullName:      repo.GetFullName(),
		DefaultBranch: repo.GetDefaultBranch(),
		Private:       repo.GetPrivate(),
	}
}
