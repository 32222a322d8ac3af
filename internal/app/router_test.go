package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	gateway "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/testutil"
)

func creditsBag(t *testing.T, models map[string]gateway.ModelQuota) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"creditsInfo": gateway.CreditsInfo{Models: models},
	})
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func TestChannelFor_ExclusiveModels(t *testing.T) {
	t.Parallel()
	store := testutil.NewFakeStore()
	// Only CodeWhisperer accounts exist; exclusive routing must still win.
	store.Add(&gateway.Account{ID: "cw1", Type: gateway.ChannelCodeWhisperer, Enabled: true})
	rs := NewRouterService(store)

	tests := []struct {
		model string
		want  gateway.Channel
	}{
		{"gemini-2.5-pro", gateway.ChannelGemini},
		{"gemini-3-pro-high", gateway.ChannelGemini},
		{"claude-sonnet-4-5-thinking", gateway.ChannelGemini},
		{"claude-sonnet-4", gateway.ChannelCodeWhisperer},
		{"claude-haiku-4.5", gateway.ChannelCodeWhisperer},
	}
	for _, tt := range tests {
		got, err := rs.ChannelFor(context.Background(), tt.model)
		if err != nil {
			t.Fatalf("%s: %v", tt.model, err)
		}
		if got != tt.want {
			t.Errorf("ChannelFor(%s) = %s, want %s", tt.model, got, tt.want)
		}
	}
}

func TestChannelFor_WeightedByAccountCounts(t *testing.T) {
	t.Parallel()
	store := testutil.NewFakeStore()
	store.Add(&gateway.Account{ID: "cw1", Type: gateway.ChannelCodeWhisperer, Enabled: true})
	store.Add(&gateway.Account{ID: "cw2", Type: gateway.ChannelCodeWhisperer, Enabled: true})
	store.Add(&gateway.Account{ID: "g1", Type: gateway.ChannelGemini, Enabled: true})

	rs := NewRouterService(store)
	var sizes []int
	rs.randN = func(n int) int {
		sizes = append(sizes, n)
		return n - 1 // land in the gemini slice
	}

	got, err := rs.ChannelFor(context.Background(), "claude-sonnet-4.5")
	if err != nil {
		t.Fatal(err)
	}
	if got != gateway.ChannelGemini {
		t.Errorf("channel = %s, want gemini", got)
	}
	if len(sizes) != 1 || sizes[0] != 3 {
		t.Errorf("randN called with %v, want [3] (total enabled accounts)", sizes)
	}

	rs.randN = func(int) int { return 0 } // land in the codewhisperer slice
	if got, _ := rs.ChannelFor(context.Background(), "claude-sonnet-4.5"); got != gateway.ChannelCodeWhisperer {
		t.Errorf("channel = %s, want codewhisperer", got)
	}
}

func TestChannelFor_EmptySideNeverChosen(t *testing.T) {
	t.Parallel()
	store := testutil.NewFakeStore()
	store.Add(&gateway.Account{ID: "g1", Type: gateway.ChannelGemini, Enabled: true})

	rs := NewRouterService(store)
	rs.randN = func(int) int {
		t.Fatal("randN must not run with one empty pool")
		return 0
	}
	got, err := rs.ChannelFor(context.Background(), "claude-sonnet-4.5")
	if err != nil {
		t.Fatal(err)
	}
	if got != gateway.ChannelGemini {
		t.Errorf("channel = %s, want gemini (only non-empty pool)", got)
	}
}

func TestChannelFor_NoAccountsAnywhere(t *testing.T) {
	t.Parallel()
	rs := NewRouterService(testutil.NewFakeStore())
	_, err := rs.ChannelFor(context.Background(), "claude-sonnet-4.5")
	if !errors.Is(err, gateway.ErrNoAccountAvailable) {
		t.Fatalf("err = %v, want ErrNoAccountAvailable", err)
	}
}

func TestPick_OnlyEligibleAccounts(t *testing.T) {
	t.Parallel()
	store := testutil.NewFakeStore()
	store.Add(&gateway.Account{ID: "ok", Type: gateway.ChannelCodeWhisperer, Enabled: true})
	store.Add(&gateway.Account{ID: "disabled", Type: gateway.ChannelCodeWhisperer, Enabled: false})
	store.Add(&gateway.Account{ID: "wrong-channel", Type: gateway.ChannelGemini, Enabled: true})
	store.Add(&gateway.Account{
		ID: "suspended", Type: gateway.ChannelCodeWhisperer, Enabled: true,
		Other: json.RawMessage(`{"suspended":true}`),
	})

	rs := NewRouterService(store)
	for range 10 {
		a, err := rs.Pick(context.Background(), gateway.ChannelCodeWhisperer, "claude-sonnet-4.5", nil)
		if err != nil {
			t.Fatal(err)
		}
		if a.ID != "ok" {
			t.Fatalf("picked %s, want ok", a.ID)
		}
	}
}

func TestPick_ExcludeSkipsTriedAccounts(t *testing.T) {
	t.Parallel()
	store := testutil.NewFakeStore()
	store.Add(&gateway.Account{ID: "a1", Type: gateway.ChannelCodeWhisperer, Enabled: true})
	store.Add(&gateway.Account{ID: "a2", Type: gateway.ChannelCodeWhisperer, Enabled: true})

	rs := NewRouterService(store)
	a, err := rs.Pick(context.Background(), gateway.ChannelCodeWhisperer, "m", map[string]bool{"a1": true})
	if err != nil {
		t.Fatal(err)
	}
	if a.ID != "a2" {
		t.Errorf("picked %s, want a2", a.ID)
	}

	_, err = rs.Pick(context.Background(), gateway.ChannelCodeWhisperer, "m",
		map[string]bool{"a1": true, "a2": true})
	if !errors.Is(err, gateway.ErrNoAccountAvailable) {
		t.Errorf("err = %v, want ErrNoAccountAvailable", err)
	}
}

func TestPick_SamplesAcrossCandidates(t *testing.T) {
	t.Parallel()
	store := testutil.NewFakeStore()
	for i := range 3 {
		store.Add(&gateway.Account{ID: fmt.Sprintf("a%d", i), Type: gateway.ChannelCodeWhisperer, Enabled: true})
	}

	rs := NewRouterService(store)
	var sizes []int
	rs.randN = func(n int) int {
		sizes = append(sizes, n)
		return 0
	}

	if _, err := rs.Pick(context.Background(), gateway.ChannelCodeWhisperer, "m", nil); err != nil {
		t.Fatal(err)
	}
	if len(sizes) != 1 || sizes[0] != 3 {
		t.Errorf("randN called with %v, want [3]", sizes)
	}
}

func TestPick_QuotaExhaustedModelFiltered(t *testing.T) {
	t.Parallel()
	future := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	store := testutil.NewFakeStore()
	exhausted := store.Add(&gateway.Account{ID: "exhausted", Type: gateway.ChannelGemini, Enabled: true})
	exhausted.Other = creditsBag(t, map[string]gateway.ModelQuota{
		"gemini-2.5-pro": {RemainingFraction: 0, ResetTime: future},
	})
	store.Add(&gateway.Account{ID: "fresh", Type: gateway.ChannelGemini, Enabled: true})

	rs := NewRouterService(store)

	// The exhausted model routes around the drained account.
	for range 10 {
		a, err := rs.Pick(context.Background(), gateway.ChannelGemini, "gemini-2.5-pro", nil)
		if err != nil {
			t.Fatal(err)
		}
		if a.ID != "fresh" {
			t.Fatalf("picked %s, want fresh", a.ID)
		}
	}

	// A different model is unaffected by the ledger entry.
	eligible, err := rs.Eligible(context.Background(), gateway.ChannelGemini, "gemini-2.5-flash")
	if err != nil {
		t.Fatal(err)
	}
	if len(eligible) != 2 {
		t.Errorf("eligible for other model = %d, want 2", len(eligible))
	}
}

func TestPick_QuotaSelfHealsAfterReset(t *testing.T) {
	t.Parallel()
	past := time.Now().Add(-time.Minute).UTC().Format(time.RFC3339)
	store := testutil.NewFakeStore()
	a := store.Add(&gateway.Account{ID: "healed", Type: gateway.ChannelGemini, Enabled: true})
	a.Other = creditsBag(t, map[string]gateway.ModelQuota{
		"gemini-2.5-pro": {RemainingFraction: 0, ResetTime: past},
	})

	rs := NewRouterService(store)
	picked, err := rs.Pick(context.Background(), gateway.ChannelGemini, "gemini-2.5-pro", nil)
	if err != nil {
		t.Fatal(err)
	}
	if picked.ID != "healed" {
		t.Errorf("picked %s, want healed", picked.ID)
	}
}

func TestPickByID(t *testing.T) {
	t.Parallel()
	store := testutil.NewFakeStore()
	store.Add(&gateway.Account{ID: "pinned", Type: gateway.ChannelCodeWhisperer, Enabled: true})
	store.Add(&gateway.Account{ID: "off", Type: gateway.ChannelCodeWhisperer, Enabled: false})
	// Suspension does not block a forced pick.
	store.Add(&gateway.Account{
		ID: "susp", Type: gateway.ChannelCodeWhisperer, Enabled: true,
		Other: json.RawMessage(`{"suspended":true}`),
	})

	rs := NewRouterService(store)

	if _, err := rs.PickByID(context.Background(), "pinned"); err != nil {
		t.Errorf("pinned: %v", err)
	}
	if _, err := rs.PickByID(context.Background(), "susp"); err != nil {
		t.Errorf("suspended should still be forceable: %v", err)
	}
	if _, err := rs.PickByID(context.Background(), "off"); !errors.Is(err, gateway.ErrNoAccountAvailable) {
		t.Errorf("disabled: err = %v, want ErrNoAccountAvailable", err)
	}
	if _, err := rs.PickByID(context.Background(), "absent"); !errors.Is(err, gateway.ErrNotFound) {
		t.Errorf("absent: err = %v, want ErrNotFound", err)
	}
}

func TestInvalidate_DropsCachedList(t *testing.T) {
	t.Parallel()
	store := testutil.NewFakeStore()
	store.Add(&gateway.Account{ID: "a1", Type: gateway.ChannelCodeWhisperer, Enabled: true})

	rs := NewRouterService(store)
	if _, err := rs.Pick(context.Background(), gateway.ChannelCodeWhisperer, "m", nil); err != nil {
		t.Fatal(err)
	}

	// A new account is invisible until the cache is invalidated.
	store.Add(&gateway.Account{ID: "a2", Type: gateway.ChannelCodeWhisperer, Enabled: true})
	eligible, err := rs.Eligible(context.Background(), gateway.ChannelCodeWhisperer, "m")
	if err != nil {
		t.Fatal(err)
	}
	if len(eligible) != 1 {
		t.Fatalf("eligible before invalidate = %d, want 1", len(eligible))
	}

	rs.Invalidate(gateway.ChannelCodeWhisperer)
	eligible, err = rs.Eligible(context.Background(), gateway.ChannelCodeWhisperer, "m")
	if err != nil {
		t.Fatal(err)
	}
	if len(eligible) != 2 {
		t.Errorf("eligible after invalidate = %d, want 2", len(eligible))
	}
}
