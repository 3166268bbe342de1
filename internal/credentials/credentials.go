// Package credentials looks up the API token used for authenticated polling.
package credentials

import (
	"errors"
	"fmt"
	"strings"

	"github.com/zalando/go-keyring"
)

// DefaultServer is the keyring service the token is stored under
const DefaultServer = "api.github.com"

// ErrAuthUnavailable means no token is available and callers should fall back
// to unauthenticated operation
var ErrAuthUnavailable = errors.New("authentication unavailable")

// Provider returns the token for a user on a server
type Provider interface {
	GetToken(user, server string) (string, error)
}

// Static returns a fixed token, typically from configuration or the environment
type Static string

// GetToken returns the token or ErrAuthUnavailable when it is empty
func (s Static) GetToken(_, _ string) (string, error) {
	if strings.TrimSpace(string(s)) == "" {
		return "", ErrAuthUnavailable
	}
	return strings.TrimSpace(string(s)), nil
}

// Keyring reads tokens from the operating system keychain
type Keyring struct{}

// GetToken reads the secret stored for user under the server's service name
func (Keyring) GetToken(user, server string) (string, error) {
	if server == "" {
		server = DefaultServer
	}
	token, err := keyring.Get(server, user)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return "", ErrAuthUnavailable
		}
		return "", fmt.Errorf("%w: %v", ErrAuthUnavailable, err)
	}
	if token == "" {
		return "", ErrAuthUnavailable
	}
	return token, nil
}

// Store saves a token in the operating system keychain
func Store(user, server, token string) error {
	if server == "" {
		server = DefaultServer
	}
	if err := keyring.Set(server, user, token); err != nil {
		return fmt.Errorf("failed to store token: %w", err)
	}
	return nil
}

// Chain tries each provider in order and returns the first token found.
// Errors other than ErrAuthUnavailable stop the search.
type Chain []Provider

// GetToken returns the first available token
func (c Chain) GetToken(user, server string) (string, error) {
	for _, p := range c {
		token, err := p.GetToken(user, server)
		if err == nil {
			return token, nil
		}
		if !errors.Is(err, ErrAuthUnavailable) {
			return "", err
		}
	}
	return "", ErrAuthUnavailable
}
