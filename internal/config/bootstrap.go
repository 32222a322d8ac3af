// Package config provides configuration loading and database bootstrapping.
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	gateway "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/storage"
)

// Bootstrap seeds provider accounts from the config file. Seeds are matched
// by label: an account whose label already exists is left untouched, so
// operator edits through the admin API survive restarts.
func Bootstrap(ctx context.Context, cfg *Config, store storage.AccountStore) error {
	if len(cfg.Accounts) == 0 {
		return nil
	}

	existing, err := store.ListAccounts(ctx, storage.AccountFilter{})
	if err != nil {
		return fmt.Errorf("list accounts: %w", err)
	}
	byLabel := make(map[string]bool, len(existing))
	for _, a := range existing {
		byLabel[a.Label] = true
	}

	for _, seed := range cfg.Accounts {
		if seed.Label == "" || byLabel[seed.Label] {
			continue
		}
		if seed.RefreshToken == "" {
			slog.LogAttrs(ctx, slog.LevelWarn, "skipping account seed without refresh token",
				slog.String("label", seed.Label),
			)
			continue
		}

		a := &gateway.Account{
			Label:        seed.Label,
			Type:         gateway.Channel(seed.Type),
			Enabled:      seed.IsEnabled(),
			ClientID:     seed.ClientID,
			ClientSecret: seed.ClientSecret,
			RefreshToken: seed.RefreshToken,
		}
		if a.Type == "" {
			a.Type = gateway.ChannelCodeWhisperer
		}
		if !a.Type.Valid() {
			return fmt.Errorf("account seed %q: unknown type %q", seed.Label, seed.Type)
		}
		if len(seed.Other) > 0 {
			other, err := json.Marshal(seed.Other)
			if err != nil {
				return fmt.Errorf("account seed %q: encode other bag: %w", seed.Label, err)
			}
			a.Other = other
		}

		if err := store.CreateAccount(ctx, a); err != nil {
			return fmt.Errorf("create account %q: %w", seed.Label, err)
		}
		slog.LogAttrs(ctx, slog.LevelInfo, "bootstrapped account",
			slog.String("label", a.Label),
			slog.String("channel", string(a.Type)),
		)
	}
	return nil
}
