package api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	// DefaultWebURL is where public workflow badges are served from
	DefaultWebURL = "https://github.com"

	// DefaultBadgeTimeout bounds a single badge request
	DefaultBadgeTimeout = 10 * time.Second

	// MaxBadgeSize is the largest badge body read (1MB)
	MaxBadgeSize = 1 << 20

	// UserAgent is sent with unauthenticated requests
	UserAgent = "action-status/1.0"
)

// BadgeClient fetches public workflow status badges without credentials
type BadgeClient struct {
	client  *http.Client
	baseURL string
}

// NewBadgeClient creates a badge client for the given web root.
// Empty values fall back to DefaultWebURL and DefaultBadgeTimeout.
func NewBadgeClient(baseURL string, timeout time.Duration) *BadgeClient {
	if baseURL == "" {
		baseURL = DefaultWebURL
	}
	if timeout == 0 {
		timeout = DefaultBadgeTimeout
	}
	return &BadgeClient{
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimSuffix(baseURL, "/"),
	}
}

// URL returns the badge location for a workflow, optionally on a branch
func (c *BadgeClient) URL(owner, name, workflow, branch string) string {
	u := fmt.Sprintf("%s/%s/%s/workflows/%s/badge.svg",
		c.baseURL, url.PathEscape(owner), url.PathEscape(name), url.PathEscape(workflow))
	if branch != "" {
		u += "?branch=" + url.QueryEscape(branch)
	}
	return u
}

// Fetch downloads the badge image for a workflow
func (c *BadgeClient) Fetch(ctx context.Context, owner, name, workflow, branch string) ([]byte, error) {
	badgeURL := c.URL(owner, name, workflow, branch)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, badgeURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("Accept", "image/svg+xml")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, NewHTTPError(resp.StatusCode, badgeURL, resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxBadgeSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if len(body) > MaxBadgeSize {
		return nil, fmt.Errorf("badge exceeds maximum allowed size of %d bytes", MaxBadgeSize)
	}
	return body, nil
}
