// Package token manages per-account access-token lifecycle: expiry
// detection, refresh against the provider's OAuth endpoint, and stampede
// protection for concurrent refreshes.
package token

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/singleflight"

	gateway "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/storage"
)

// expiryMargin is how long before the JWT exp claim a token counts as stale.
const expiryMargin = 60 * time.Second

// fallbackTTL bounds the lifetime of tokens whose expiry cannot be read
// (opaque tokens, unparsable JWTs with a refresh stamp). Google issues
// 3599s tokens; staying just under avoids racing the upstream clock.
const fallbackTTL = 3500 * time.Second

// refreshResult is the outcome of one refresh call.
type refreshResult struct {
	AccessToken  string
	RefreshToken string // empty = not rotated
}

// refresher exchanges an account's refresh token for a fresh access token.
// Implementations return the status stamp to persist alongside an error.
type refresher interface {
	Refresh(ctx context.Context, a *gateway.Account) (*refreshResult, string, error)
}

// Manager supplies valid bearer tokens for accounts, refreshing on demand.
// Concurrent refreshes for the same account coalesce into a single upstream
// call; all waiters observe the same result.
type Manager struct {
	store  storage.AccountStore
	group  singleflight.Group
	aws    refresher
	google refresher
}

// NewManager creates a Manager using the given HTTP client for both OAuth
// endpoints. A nil client uses http.DefaultClient.
func NewManager(store storage.AccountStore, client *http.Client) *Manager {
	if client == nil {
		client = http.DefaultClient
	}
	return &Manager{
		store:  store,
		aws:    newAWSRefresher(client),
		google: newGoogleRefresher(client),
	}
}

// Token returns a valid access token for the account, refreshing when the
// cached token is absent or expires within the margin.
func (m *Manager) Token(ctx context.Context, a *gateway.Account) (string, error) {
	if a.AccessToken != "" && tokenFresh(a, time.Now()) {
		return a.AccessToken, nil
	}
	return m.refresh(ctx, a)
}

// ForceRefresh discards the cached token and refreshes immediately. Used on
// mid-request 401/403 responses.
func (m *Manager) ForceRefresh(ctx context.Context, a *gateway.Account) (string, error) {
	return m.refresh(ctx, a)
}

// AuthHeaders returns the headers carrying the account's bearer token.
func (m *Manager) AuthHeaders(ctx context.Context, a *gateway.Account) (http.Header, error) {
	tok, err := m.Token(ctx, a)
	if err != nil {
		return nil, err
	}
	h := http.Header{}
	h.Set("Authorization", "Bearer "+tok)
	return h, nil
}

func (m *Manager) refresh(ctx context.Context, a *gateway.Account) (string, error) {
	v, err, _ := m.group.Do(a.ID, func() (any, error) {
		return m.refreshLocked(ctx, a)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (m *Manager) refreshLocked(ctx context.Context, a *gateway.Account) (string, error) {
	if a.ClientID == "" || a.ClientSecret == "" || a.RefreshToken == "" {
		m.stamp(ctx, a, "failed_missing_credentials")
		return "", fmt.Errorf("%w: account %s has no refresh credentials", gateway.ErrTokenRefresh, a.ID)
	}

	var r refresher
	switch a.Type {
	case gateway.ChannelGemini:
		r = m.google
	default:
		r = m.aws
	}

	res, status, err := r.Refresh(ctx, a)
	if err != nil {
		m.stamp(ctx, a, status)
		slog.LogAttrs(ctx, slog.LevelWarn, "token refresh failed",
			slog.String("account", a.ID),
			slog.String("status", status),
			slog.String("error", err.Error()),
		)
		return "", fmt.Errorf("%w: %v", gateway.ErrTokenRefresh, err)
	}

	if err := m.store.UpdateTokens(ctx, a.ID, res.AccessToken, res.RefreshToken, "success"); err != nil {
		return "", fmt.Errorf("persist refreshed token: %w", err)
	}

	now := time.Now()
	a.AccessToken = res.AccessToken
	if res.RefreshToken != "" {
		a.RefreshToken = res.RefreshToken
	}
	a.LastRefreshTime = &now
	a.LastRefreshStatus = "success"

	slog.LogAttrs(ctx, slog.LevelInfo, "token refreshed",
		slog.String("account", a.ID),
		slog.String("channel", string(a.Type)),
	)
	return res.AccessToken, nil
}

// stamp records a failed refresh outcome without touching the stored tokens.
func (m *Manager) stamp(ctx context.Context, a *gateway.Account, status string) {
	if err := m.store.UpdateTokens(ctx, a.ID, a.AccessToken, "", status); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "stamp refresh status",
			slog.String("account", a.ID),
			slog.String("error", err.Error()),
		)
	}
	a.LastRefreshStatus = status
}

// tokenFresh reports whether the account's cached token is safe to use.
// JWT exp wins when readable; otherwise the refresh stamp plus the fallback
// TTL decides; with neither, the token is treated as stale.
func tokenFresh(a *gateway.Account, now time.Time) bool {
	if exp, ok := jwtExpiry(a.AccessToken); ok {
		return now.Add(expiryMargin).Before(exp)
	}
	if a.LastRefreshTime != nil {
		return now.Before(a.LastRefreshTime.Add(fallbackTTL))
	}
	return false
}
