package refresh

import (
	"errors"
	"fmt"
	"time"

	"github.com/wesm/action-status/internal/api"
	"github.com/wesm/action-status/internal/credentials"
)

// Endpoints locates the API and the public web host
type Endpoints struct {
	APIURL       string
	WebURL       string
	BadgeTimeout time.Duration
}

// Select picks the controller for the available credentials: a token yields an
// AuthenticatedController, ErrAuthUnavailable yields a BadgeController.
func Select(provider credentials.Provider, user, server string, endpoints Endpoints, cfg ControllerConfig) (Controller, error) {
	logger := cfg.logger("factory")

	token, err := provider.GetToken(user, server)
	if err != nil {
		if !errors.Is(err, credentials.ErrAuthUnavailable) {
			return nil, fmt.Errorf("failed to get token: %w", err)
		}
		logger.Info("no API token available, using badge sweep", "reason", err)
		return NewBadgeController(api.NewBadgeClient(endpoints.WebURL, endpoints.BadgeTimeout), cfg), nil
	}

	client, err := api.NewGitHubClient(token, api.WithBaseURL(endpoints.APIURL))
	if err != nil {
		return nil, fmt.Errorf("failed to create API client: %w", err)
	}
	logger.Info("using authenticated polling")
	return NewAuthenticatedController(client, cfg), nil
}
