package worker

import (
	"context"
	"log/slog"
	"time"

	gateway "github.com/eugener/palantir/internal"
)

const defaultQuotaSyncInterval = 10 * time.Minute

// QuotaSource lists accounts and refreshes their persisted quota ledgers.
// *app.AccountService satisfies it.
type QuotaSource interface {
	List(ctx context.Context, channel gateway.Channel) ([]*gateway.Account, error)
	SyncQuota(ctx context.Context, id string) (gateway.CreditsInfo, error)
}

// QuotaSyncWorker periodically refreshes the quota ledger of every enabled
// Gemini account so routing decisions work from recent data instead of
// whatever the last 429 left behind.
type QuotaSyncWorker struct {
	accounts QuotaSource
	interval time.Duration
}

// NewQuotaSyncWorker creates a QuotaSyncWorker. A non-positive interval
// uses the default.
func NewQuotaSyncWorker(accounts QuotaSource, interval time.Duration) *QuotaSyncWorker {
	if interval <= 0 {
		interval = defaultQuotaSyncInterval
	}
	return &QuotaSyncWorker{accounts: accounts, interval: interval}
}

// Name returns the worker identifier.
func (w *QuotaSyncWorker) Name() string { return "quota_sync" }

// Run performs an initial sync, then syncs on a periodic schedule until ctx
// is cancelled.
func (w *QuotaSyncWorker) Run(ctx context.Context) error {
	w.syncAll(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.syncAll(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

func (w *QuotaSyncWorker) syncAll(ctx context.Context) {
	accounts, err := w.accounts.List(ctx, gateway.ChannelGemini)
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "quota sync list failed",
			slog.String("error", err.Error()),
		)
		return
	}

	synced := 0
	for _, a := range accounts {
		if !a.Enabled || a.Suspended() {
			continue
		}
		if _, err := w.accounts.SyncQuota(ctx, a.ID); err != nil {
			slog.LogAttrs(ctx, slog.LevelWarn, "quota sync failed",
				slog.String("account", a.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		synced++
	}
	if synced > 0 {
		slog.LogAttrs(ctx, slog.LevelInfo, "quota ledgers synced",
			slog.Int("accounts", synced),
		)
	}
}
