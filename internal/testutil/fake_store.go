// Package testutil provides configurable test fakes for gateway interfaces.
package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	gateway "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/storage"
)

// FakeStore is an in-memory implementation of storage.AccountStore.
type FakeStore struct {
	mu       sync.RWMutex
	accounts map[string]*gateway.Account
	seq      int

	// Err, when set, is returned by every method.
	Err error
}

// NewFakeStore returns an empty FakeStore.
func NewFakeStore() *FakeStore {
	return &FakeStore{accounts: make(map[string]*gateway.Account)}
}

// Add inserts an account directly, assigning an id when absent.
func (s *FakeStore) Add(a *gateway.Account) *gateway.Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	if a.ID == "" {
		a.ID = fmt.Sprintf("acc-%d", s.seq)
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC().Add(time.Duration(s.seq) * time.Millisecond)
	}
	s.accounts[a.ID] = a
	return a
}

func (s *FakeStore) CreateAccount(_ context.Context, a *gateway.Account) error {
	if s.Err != nil {
		return s.Err
	}
	s.Add(a)
	return nil
}

func (s *FakeStore) GetAccount(_ context.Context, id string) (*gateway.Account, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[id]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *FakeStore) ListAccounts(_ context.Context, f storage.AccountFilter) ([]*gateway.Account, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*gateway.Account
	for _, a := range s.accounts {
		if f.Type != "" && a.Type != f.Type {
			continue
		}
		if f.EnabledOnly && !a.Enabled {
			continue
		}
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *FakeStore) UpdateAccount(_ context.Context, a *gateway.Account) error {
	if s.Err != nil {
		return s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[a.ID]; !ok {
		return gateway.ErrNotFound
	}
	cp := *a
	s.accounts[a.ID] = &cp
	return nil
}

func (s *FakeStore) DeleteAccount(_ context.Context, id string) error {
	if s.Err != nil {
		return s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[id]; !ok {
		return gateway.ErrNotFound
	}
	delete(s.accounts, id)
	return nil
}

func (s *FakeStore) UpdateTokens(_ context.Context, id, access, refresh, status string) error {
	if s.Err != nil {
		return s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return gateway.ErrNotFound
	}
	a.AccessToken = access
	if refresh != "" {
		a.RefreshToken = refresh
	}
	now := time.Now().UTC()
	a.LastRefreshTime = &now
	a.LastRefreshStatus = status
	return nil
}

func (s *FakeStore) MergeOther(_ context.Context, id string, patch map[string]any) error {
	if s.Err != nil {
		return s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return gateway.ErrNotFound
	}
	merged, err := gateway.MergeOther(a.Other, patch)
	if err != nil {
		return err
	}
	a.Other = merged
	return nil
}

func (s *FakeStore) SetCredits(ctx context.Context, id string, ci gateway.CreditsInfo) error {
	return s.MergeOther(ctx, id, map[string]any{"creditsInfo": ci})
}

func (s *FakeStore) MarkModelExhausted(ctx context.Context, id, model string, resetTime time.Time) error {
	if s.Err != nil {
		return s.Err
	}
	ci, err := s.credits(id)
	if err != nil {
		return err
	}
	ci.Models[model] = gateway.ModelQuota{
		RemainingFraction: 0,
		RemainingPercent:  0,
		ResetTime:         resetTime.UTC().Format(time.RFC3339),
	}
	return s.SetCredits(ctx, id, ci)
}

func (s *FakeStore) RestoreModelQuotaIfDue(ctx context.Context, id, model string) (bool, error) {
	if s.Err != nil {
		return false, s.Err
	}
	ci, err := s.credits(id)
	if err != nil {
		return false, err
	}
	q, ok := ci.Models[model]
	if !ok || q.RemainingFraction > 0 {
		return false, nil
	}
	reset, ok := q.ResetAt()
	if !ok || time.Now().Before(reset) {
		return false, nil
	}
	q.RemainingFraction = 1.0
	q.RemainingPercent = 100
	ci.Models[model] = q
	return true, s.SetCredits(ctx, id, ci)
}

func (s *FakeStore) credits(id string) (gateway.CreditsInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[id]
	if !ok {
		return gateway.CreditsInfo{}, gateway.ErrNotFound
	}
	ci := a.Credits()
	if ci.Models == nil {
		ci.Models = map[string]gateway.ModelQuota{}
	}
	return ci, nil
}

// Other returns the raw other bag of a stored account, for assertions.
func (s *FakeStore) Other(id string) json.RawMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if a, ok := s.accounts[id]; ok {
		return a.Other
	}
	return nil
}
