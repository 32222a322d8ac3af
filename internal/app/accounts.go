package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	gateway "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/storage"
	"github.com/eugener/palantir/internal/token"
)

// AccountService implements the admin account operations: CRUD, manual
// refresh, quota snapshots, and OAuth-callback imports.
type AccountService struct {
	store  storage.AccountStore
	tokens *token.Manager
	router *RouterService
	gemini GeminiClient
	http   *http.Client
}

// NewAccountService returns an AccountService.
func NewAccountService(store storage.AccountStore, tokens *token.Manager, router *RouterService, gemini GeminiClient, client *http.Client) *AccountService {
	if client == nil {
		client = http.DefaultClient
	}
	return &AccountService{store: store, tokens: tokens, router: router, gemini: gemini, http: client}
}

// Create validates and persists a new account, then invalidates the routing
// cache for its channel.
func (s *AccountService) Create(ctx context.Context, a *gateway.Account) error {
	if a.Type == "" {
		a.Type = gateway.ChannelCodeWhisperer
	}
	if !a.Type.Valid() {
		return fmt.Errorf("%w: unknown account type %q", gateway.ErrBadRequest, a.Type)
	}
	if a.RefreshToken == "" {
		return fmt.Errorf("%w: refreshToken is required", gateway.ErrBadRequest)
	}
	if err := s.store.CreateAccount(ctx, a); err != nil {
		return err
	}
	s.router.Invalidate(a.Type)
	slog.LogAttrs(ctx, slog.LevelInfo, "account created",
		slog.String("account", a.ID),
		slog.String("channel", string(a.Type)),
	)
	return nil
}

// Get returns one account.
func (s *AccountService) Get(ctx context.Context, id string) (*gateway.Account, error) {
	return s.store.GetAccount(ctx, id)
}

// List returns accounts, optionally narrowed by channel.
func (s *AccountService) List(ctx context.Context, channel gateway.Channel) ([]*gateway.Account, error) {
	return s.store.ListAccounts(ctx, storage.AccountFilter{Type: channel})
}

// Update persists account changes and invalidates the routing cache.
func (s *AccountService) Update(ctx context.Context, a *gateway.Account) error {
	if a.Type != "" && !a.Type.Valid() {
		return fmt.Errorf("%w: unknown account type %q", gateway.ErrBadRequest, a.Type)
	}
	if err := s.store.UpdateAccount(ctx, a); err != nil {
		return err
	}
	s.router.Invalidate(a.Type)
	return nil
}

// Delete removes an account.
func (s *AccountService) Delete(ctx context.Context, id string) error {
	a, err := s.store.GetAccount(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.DeleteAccount(ctx, id); err != nil {
		return err
	}
	s.router.Invalidate(a.Type)
	return nil
}

// Refresh forces a token refresh for the account and returns its updated state.
func (s *AccountService) Refresh(ctx context.Context, id string) (*gateway.Account, error) {
	a, err := s.store.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := s.tokens.ForceRefresh(ctx, a); err != nil {
		return a, err
	}
	return a, nil
}

// Unsuspend clears the suspension markers set by upstream 403 responses.
func (s *AccountService) Unsuspend(ctx context.Context, id string) error {
	err := s.store.MergeOther(ctx, id, map[string]any{
		"suspended":      nil,
		"suspended_at":   nil,
		"suspend_reason": nil,
	})
	if err != nil {
		return err
	}
	if a, err := s.store.GetAccount(ctx, id); err == nil {
		s.router.Invalidate(a.Type)
	}
	return nil
}

// SyncQuota fetches the account's current model quotas from the upstream,
// persists the distilled ledger, and returns it. Only Gemini accounts carry
// a queryable quota API.
func (s *AccountService) SyncQuota(ctx context.Context, id string) (gateway.CreditsInfo, error) {
	a, err := s.store.GetAccount(ctx, id)
	if err != nil {
		return gateway.CreditsInfo{}, err
	}
	if a.Type != gateway.ChannelGemini {
		return gateway.CreditsInfo{}, fmt.Errorf("%w: quota sync is only available for gemini accounts", gateway.ErrBadRequest)
	}

	auth, err := s.tokens.AuthHeaders(ctx, a)
	if err != nil {
		return gateway.CreditsInfo{}, err
	}
	if err := s.ensureProject(ctx, a, auth); err != nil {
		return gateway.CreditsInfo{}, err
	}

	raw, err := s.gemini.FetchAvailableModels(ctx, a, auth)
	if err != nil {
		return gateway.CreditsInfo{}, err
	}
	ci := ExtractCredits(raw)
	if err := s.store.SetCredits(ctx, id, ci); err != nil {
		return gateway.CreditsInfo{}, err
	}
	s.router.Invalidate(a.Type)
	return ci, nil
}

// ImportFromOAuthCode exchanges a Gemini OAuth authorisation code and
// persists a new account with the resulting token set.
func (s *AccountService) ImportFromOAuthCode(ctx context.Context, label, clientID, clientSecret, code, redirectURI string) (*gateway.Account, error) {
	tok, err := token.ExchangeCode(ctx, s.http, clientID, clientSecret, code, redirectURI)
	if err != nil {
		return nil, err
	}
	if tok.RefreshToken == "" {
		return nil, fmt.Errorf("%w: authorisation grant returned no refresh token", gateway.ErrBadRequest)
	}

	now := time.Now()
	a := &gateway.Account{
		Label:             label,
		Type:              gateway.ChannelGemini,
		Enabled:           true,
		ClientID:          clientID,
		ClientSecret:      clientSecret,
		RefreshToken:      tok.RefreshToken,
		AccessToken:       tok.AccessToken,
		LastRefreshTime:   &now,
		LastRefreshStatus: "success",
	}
	if err := s.store.CreateAccount(ctx, a); err != nil {
		return nil, err
	}
	s.router.Invalidate(a.Type)
	slog.LogAttrs(ctx, slog.LevelInfo, "account imported via oauth callback",
		slog.String("account", a.ID),
	)
	return a, nil
}

// ensureProject discovers and persists the account's cloud project id when
// it is not yet known.
func (s *AccountService) ensureProject(ctx context.Context, a *gateway.Account, auth http.Header) error {
	if a.ProjectID() != "" {
		return nil
	}
	project, err := s.gemini.LoadProject(ctx, a, auth)
	if err != nil {
		return err
	}
	if err := s.store.MergeOther(ctx, a.ID, map[string]any{"projectId": project}); err != nil {
		return err
	}
	merged, err := gateway.MergeOther(a.Other, map[string]any{"projectId": project})
	if err != nil {
		return err
	}
	a.Other = merged
	return nil
}

// ExtractCredits distils a fetchAvailableModels listing into the quota
// ledger: one entry per model that reports a remaining fraction, plus an
// aggregate summary.
func ExtractCredits(modelsData json.RawMessage) gateway.CreditsInfo {
	ci := gateway.CreditsInfo{Models: map[string]gateway.ModelQuota{}}

	total := 0.0
	gjson.GetBytes(modelsData, "models").ForEach(func(key, model gjson.Result) bool {
		quota := model.Get("quotaInfo")
		frac := quota.Get("remainingFraction")
		if !frac.Exists() {
			return true
		}
		entry := gateway.ModelQuota{
			DisplayName:       model.Get("displayName").String(),
			RemainingFraction: frac.Float(),
			RemainingPercent:  float64(int(frac.Float() * 100)),
			ResetTime:         quota.Get("resetTime").String(),
			Recommended:       model.Get("recommended").Bool(),
		}
		if entry.DisplayName == "" {
			entry.DisplayName = key.String()
		}
		ci.Models[key.String()] = entry
		total += entry.RemainingFraction
		return true
	})

	ci.Summary.TotalModels = len(ci.Models)
	if n := len(ci.Models); n > 0 {
		ci.Summary.AverageRemaining = total / float64(n)
	}
	return ci
}
