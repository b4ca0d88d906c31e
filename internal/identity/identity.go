// Package identity talks to the external identity provider.
//
// The provider is exactly the kind of dependency the breaker exists for:
// it has outages, and a mockup request must not hang on it. Every call
// goes through the shared "identity" breaker; when the circuit is open the
// client degrades to its last-known-good profile cache instead of failing
// the request outright.
//
// Ledger accounts are created on first successful sync of a user, so the
// account table never needs out-of-band provisioning.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/rs/zerolog"

	"github.com/mockforge/engine/internal/breaker"
	"github.com/mockforge/engine/internal/ledger"
)

// ErrUserNotFound means the identity provider has no such user. A client
// error, never counted against the breaker.
var ErrUserNotFound = errors.New("user not found")

// Profile is the slice of the identity record this subsystem needs.
type Profile struct {
	UserID             string `json:"user_id"`
	Email              string `json:"email"`
	Plan               string `json:"plan"`
	SubscriptionActive bool   `json:"subscription_active"`
}

// AccountEnsurer is the ledger operation needed on first sync.
type AccountEnsurer interface {
	EnsureAccount(ctx context.Context, accountID string) (ledger.Balance, bool, error)
}

// Client fetches identity profiles with breaker protection and a cached
// fallback.
type Client struct {
	baseURL string
	http    *http.Client
	breaker *breaker.Breaker
	log     zerolog.Logger

	// last-known-good profiles, the documented fallback while the
	// breaker is open
	cache sync.Map
}

// NewClient creates a Client. The breaker is the shared per-dependency
// instance from the registry, not a private one.
func NewClient(baseURL string, b *breaker.Breaker, logger zerolog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{},
		breaker: b,
		log:     logger.With().Str("component", "identity").Logger(),
	}
}

// Profile fetches the user's profile. While the identity provider's
// breaker is open, a cached profile is returned with a warning; with no
// cache the OpenError propagates for the caller to map to a degraded
// response.
func (c *Client) Profile(ctx context.Context, userID string) (*Profile, error) {
	var p Profile

	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		return c.fetch(ctx, userID, &p)
	})
	if err == nil {
		c.cache.Store(userID, p)
		return &p, nil
	}

	if errors.Is(err, breaker.ErrCircuitOpen) {
		if cached, ok := c.cache.Load(userID); ok {
			cp := cached.(Profile)
			c.log.Warn().
				Str("user_id", userID).
				Msg("identity circuit open, serving cached profile")
			return &cp, nil
		}
	}
	return nil, err
}

// fetch performs one HTTP lookup. 5xx responses are marked as dependency
// failures so they count against the breaker; 4xx responses are the
// caller's problem and must not trip it.
func (c *Client) fetch(ctx context.Context, userID string, out *Profile) error {
	url := fmt.Sprintf("%s/v1/users/%s", c.baseURL, userID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return breaker.MarkDependencyFailure(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrUserNotFound
	case resp.StatusCode >= 500:
		return breaker.MarkDependencyFailure(fmt.Errorf("identity provider returned %d", resp.StatusCode))
	case resp.StatusCode >= 400:
		return fmt.Errorf("identity request rejected with %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return breaker.MarkDependencyFailure(fmt.Errorf("decode profile: %w", err))
	}
	return nil
}

// SyncAccount resolves the user's profile and guarantees a ledger account
// exists for them. Returns the profile and the current balance.
func (c *Client) SyncAccount(ctx context.Context, credits AccountEnsurer, userID string) (*Profile, ledger.Balance, error) {
	p, err := c.Profile(ctx, userID)
	if err != nil {
		return nil, ledger.Balance{}, err
	}

	balance, created, err := credits.EnsureAccount(ctx, p.UserID)
	if err != nil {
		return nil, ledger.Balance{}, err
	}
	if created {
		c.log.Info().
			Str("user_id", p.UserID).
			Str("plan", p.Plan).
			Msg("ledger account created on first identity sync")
	}
	return p, balance, nil
}
