package app

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/maypok86/otter/v2"

	gateway "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/storage"
)

// Claude variants only one upstream serves. Everything else that is not
// gemini-prefixed may go to either channel.
var (
	geminiOnlyModels = map[string]bool{
		"claude-sonnet-4-5-thinking": true,
	}
	codeWhispererOnlyModels = map[string]bool{
		"claude-sonnet-4":  true,
		"claude-haiku-4.5": true,
	}
)

// accountCacheTTL is how long the per-channel account list stays cached.
// Short enough to pick up admin changes quickly, long enough to keep the
// store off the hot path.
const accountCacheTTL = 10 * time.Second

// RouterService selects an account to serve a request: enabled accounts of
// the requested channel, minus suspended ones, minus those with an
// exhausted quota for the target model, sampled uniformly.
type RouterService struct {
	store storage.AccountStore
	cache *otter.Cache[string, []*gateway.Account]
	randN func(n int) int
}

// NewRouterService returns a RouterService backed by the given account store.
func NewRouterService(store storage.AccountStore) *RouterService {
	cache := otter.Must(&otter.Options[string, []*gateway.Account]{
		MaximumSize:      16,
		ExpiryCalculator: otter.ExpiryWriting[string, []*gateway.Account](accountCacheTTL),
	})
	return &RouterService{store: store, cache: cache, randN: rand.IntN}
}

// ChannelFor selects the channel that serves the model: gemini-prefixed
// ids and the Gemini-only set go to Gemini, the CodeWhisperer-only set to
// CodeWhisperer, and anything else is sampled with probability weighted by
// each channel's enabled-account count. A channel with no enabled accounts
// is never chosen; with both pools empty no channel can serve.
func (rs *RouterService) ChannelFor(ctx context.Context, model string) (gateway.Channel, error) {
	if strings.HasPrefix(model, "gemini") || geminiOnlyModels[model] {
		return gateway.ChannelGemini, nil
	}
	if codeWhispererOnlyModels[model] {
		return gateway.ChannelCodeWhisperer, nil
	}

	cw, err := rs.channelAccounts(ctx, gateway.ChannelCodeWhisperer)
	if err != nil {
		return "", err
	}
	gem, err := rs.channelAccounts(ctx, gateway.ChannelGemini)
	if err != nil {
		return "", err
	}
	switch {
	case len(cw) == 0 && len(gem) == 0:
		return "", fmt.Errorf("%w: no enabled accounts on any channel", gateway.ErrNoAccountAvailable)
	case len(gem) == 0:
		return gateway.ChannelCodeWhisperer, nil
	case len(cw) == 0:
		return gateway.ChannelGemini, nil
	}
	if rs.randN(len(cw)+len(gem)) < len(cw) {
		return gateway.ChannelCodeWhisperer, nil
	}
	return gateway.ChannelGemini, nil
}

// Pick returns a uniformly sampled eligible account for the channel and
// model. Accounts whose IDs appear in exclude are skipped, which is how
// failover walks through the pool without retrying a failed account.
func (rs *RouterService) Pick(ctx context.Context, channel gateway.Channel, model string, exclude map[string]bool) (*gateway.Account, error) {
	eligible, err := rs.Eligible(ctx, channel, model)
	if err != nil {
		return nil, err
	}
	candidates := eligible[:0:0]
	for _, a := range eligible {
		if !exclude[a.ID] {
			candidates = append(candidates, a)
		}
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: channel %s, model %s", gateway.ErrNoAccountAvailable, channel, model)
	}
	return candidates[rs.randN(len(candidates))], nil
}

// PickByID returns the forced account for requests that pin one explicitly.
// The account must exist and be enabled; quota and suspension filters are
// bypassed on purpose so operators can exercise a specific account.
func (rs *RouterService) PickByID(ctx context.Context, id string) (*gateway.Account, error) {
	a, err := rs.store.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	if !a.Enabled {
		return nil, fmt.Errorf("%w: account %s is disabled", gateway.ErrNoAccountAvailable, id)
	}
	return a, nil
}

// Eligible returns all accounts that could serve the channel and model.
func (rs *RouterService) Eligible(ctx context.Context, channel gateway.Channel, model string) ([]*gateway.Account, error) {
	accounts, err := rs.channelAccounts(ctx, channel)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	eligible := make([]*gateway.Account, 0, len(accounts))
	for _, a := range accounts {
		if a.Suspended() {
			continue
		}
		if !quotaAvailable(a, model, now) {
			continue
		}
		eligible = append(eligible, a)
	}
	return eligible, nil
}

// Invalidate drops the cached account list for a channel. Called after
// admin mutations and quota updates so routing sees them within a request.
func (rs *RouterService) Invalidate(channel gateway.Channel) {
	rs.cache.Invalidate(string(channel))
}

func (rs *RouterService) channelAccounts(ctx context.Context, channel gateway.Channel) ([]*gateway.Account, error) {
	if cached, ok := rs.cache.GetIfPresent(string(channel)); ok {
		return cached, nil
	}
	accounts, err := rs.store.ListAccounts(ctx, storage.AccountFilter{Type: channel, EnabledOnly: true})
	if err != nil {
		return nil, fmt.Errorf("list %s accounts: %w", channel, err)
	}
	rs.cache.Set(string(channel), accounts)
	return accounts, nil
}

// quotaAvailable reports whether the account's ledger permits the model.
// A missing ledger entry means no quota information, which counts as
// available. An exhausted entry becomes available again once its reset
// time passes, even before the background sync refreshes the ledger.
func quotaAvailable(a *gateway.Account, model string, now time.Time) bool {
	ci := a.Credits()
	q, ok := ci.Models[model]
	if !ok {
		return true
	}
	if q.RemainingFraction > 0 {
		return true
	}
	if reset, ok := q.ResetAt(); ok && !now.Before(reset) {
		return true
	}
	return false
}
