package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/eugener/palantir/internal/storage"
)

const restoreInterval = 5 * time.Minute

// QuotaRestoreWorker walks the persisted quota ledgers and restores entries
// whose reset instant has passed. Routing self-heals on read too; this
// keeps the stored ledgers honest for operators inspecting accounts.
type QuotaRestoreWorker struct {
	store storage.AccountStore
}

// NewQuotaRestoreWorker creates a QuotaRestoreWorker.
func NewQuotaRestoreWorker(store storage.AccountStore) *QuotaRestoreWorker {
	return &QuotaRestoreWorker{store: store}
}

// Name returns the worker identifier.
func (w *QuotaRestoreWorker) Name() string { return "quota_restore" }

// Run restores due ledger entries on a periodic schedule.
func (w *QuotaRestoreWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(restoreInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.restore(ctx)
		}
	}
}

func (w *QuotaRestoreWorker) restore(ctx context.Context) {
	accounts, err := w.store.ListAccounts(ctx, storage.AccountFilter{EnabledOnly: true})
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "quota restore list failed",
			slog.String("error", err.Error()),
		)
		return
	}

	restored := 0
	for _, a := range accounts {
		for model, q := range a.Credits().Models {
			if q.RemainingFraction > 0 {
				continue
			}
			ok, err := w.store.RestoreModelQuotaIfDue(ctx, a.ID, model)
			if err != nil {
				slog.LogAttrs(ctx, slog.LevelError, "quota restore failed",
					slog.String("account", a.ID),
					slog.String("model", model),
					slog.String("error", err.Error()),
				)
				continue
			}
			if ok {
				restored++
			}
		}
	}
	if restored > 0 {
		slog.LogAttrs(ctx, slog.LevelInfo, "quota entries restored",
			slog.Int("entries", restored),
		)
	}
}
