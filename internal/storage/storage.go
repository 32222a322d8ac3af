// Package storage defines persistence interfaces for the gateway.
package storage

import (
	"context"
	"time"

	gateway "github.com/eugener/palantir/internal"
)

// AccountFilter narrows ListAccounts results.
type AccountFilter struct {
	Type        gateway.Channel // zero value = all channels
	EnabledOnly bool
}

// AccountStore manages provider-account persistence.
type AccountStore interface {
	CreateAccount(ctx context.Context, a *gateway.Account) error
	GetAccount(ctx context.Context, id string) (*gateway.Account, error)
	// ListAccounts returns accounts ordered by created_at descending.
	ListAccounts(ctx context.Context, f AccountFilter) ([]*gateway.Account, error)
	UpdateAccount(ctx context.Context, a *gateway.Account) error
	DeleteAccount(ctx context.Context, id string) error

	// UpdateTokens writes a refresh outcome: the new access token, optionally
	// a rotated refresh token (empty = keep), and the refresh status stamp.
	// last_refresh_time is set atomically with the token write.
	UpdateTokens(ctx context.Context, id, access, refresh, status string) error

	// MergeOther patches the account's other bag, preserving unknown keys.
	MergeOther(ctx context.Context, id string, patch map[string]any) error

	// SetCredits replaces the account's quota ledger.
	SetCredits(ctx context.Context, id string, ci gateway.CreditsInfo) error

	// MarkModelExhausted zeroes the ledger entry for model with the given reset instant.
	MarkModelExhausted(ctx context.Context, id, model string, resetTime time.Time) error

	// RestoreModelQuotaIfDue self-heals an exhausted entry whose reset instant
	// has passed, writing fraction 1.0 / percent 100. Returns true if restored.
	RestoreModelQuotaIfDue(ctx context.Context, id, model string) (bool, error)
}

// Store combines all storage interfaces.
type Store interface {
	AccountStore
	Ping(ctx context.Context) error
	Close() error
}
