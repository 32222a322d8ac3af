package worker

import (
	"context"
	"log/slog"
	"time"

	gateway "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/storage"
)

const refreshInterval = 15 * time.Minute

// TokenSource supplies valid access tokens. *token.Manager satisfies it.
type TokenSource interface {
	Token(ctx context.Context, a *gateway.Account) (string, error)
}

// TokenRefreshWorker keeps account access tokens warm so the first request
// after an idle period does not pay the refresh round trip. Manager-side
// freshness checks make the periodic call a no-op for live tokens.
type TokenRefreshWorker struct {
	store  storage.AccountStore
	tokens TokenSource
}

// NewTokenRefreshWorker creates a TokenRefreshWorker.
func NewTokenRefreshWorker(store storage.AccountStore, tokens TokenSource) *TokenRefreshWorker {
	return &TokenRefreshWorker{store: store, tokens: tokens}
}

// Name returns the worker identifier.
func (w *TokenRefreshWorker) Name() string { return "token_refresh" }

// Run warms tokens on a periodic schedule until ctx is cancelled.
func (w *TokenRefreshWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.warm(ctx)
		}
	}
}

func (w *TokenRefreshWorker) warm(ctx context.Context) {
	accounts, err := w.store.ListAccounts(ctx, storage.AccountFilter{EnabledOnly: true})
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "token warm list failed",
			slog.String("error", err.Error()),
		)
		return
	}

	for _, a := range accounts {
		if a.Suspended() {
			continue
		}
		if _, err := w.tokens.Token(ctx, a); err != nil {
			slog.LogAttrs(ctx, slog.LevelWarn, "token warm failed",
				slog.String("account", a.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}
