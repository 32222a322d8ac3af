package token

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	gateway "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/testutil"
)

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(bytes.NewReader([]byte(body))),
	}
}

// makeJWT builds an unsigned JWT carrying only an exp claim.
func makeJWT(exp time.Time) string {
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none"}`))
	claims := base64.RawURLEncoding.EncodeToString([]byte(fmt.Sprintf(`{"exp":%d}`, exp.Unix())))
	return header + "." + claims + ".sig"
}

func TestJWTExpiry(t *testing.T) {
	t.Parallel()
	exp := time.Now().Add(time.Hour).Truncate(time.Second)

	got, ok := jwtExpiry(makeJWT(exp))
	if !ok || !got.Equal(exp) {
		t.Errorf("jwtExpiry = %v, %v; want %v, true", got, ok, exp)
	}

	for _, tok := range []string{"", "opaque-token", "a.b", "a.!!!.c", "a." + base64.RawURLEncoding.EncodeToString([]byte(`{}`)) + ".c"} {
		if _, ok := jwtExpiry(tok); ok {
			t.Errorf("jwtExpiry(%q) ok, want false", tok)
		}
	}
}

func TestToken_CachedJWTNotRefreshed(t *testing.T) {
	t.Parallel()
	store := testutil.NewFakeStore()
	a := store.Add(&gateway.Account{
		ID: "a1", Type: gateway.ChannelCodeWhisperer, Enabled: true,
		AccessToken: makeJWT(time.Now().Add(10 * time.Minute)),
	})

	client := &http.Client{Transport: roundTripperFunc(func(*http.Request) (*http.Response, error) {
		t.Error("unexpected HTTP call for a fresh token")
		return nil, errors.New("no network")
	})}

	m := NewManager(store, client)
	tok, err := m.Token(context.Background(), a)
	if err != nil {
		t.Fatal(err)
	}
	if tok != a.AccessToken {
		t.Error("cached token not returned")
	}
}

func TestToken_ExpiringJWTRefreshed(t *testing.T) {
	t.Parallel()
	store := testutil.NewFakeStore()
	// Inside the 60s expiry margin: must refresh.
	a := store.Add(&gateway.Account{
		ID: "a1", Type: gateway.ChannelCodeWhisperer, Enabled: true,
		ClientID: "cid", ClientSecret: "csec", RefreshToken: "rt",
		AccessToken: makeJWT(time.Now().Add(30 * time.Second)),
	})

	client := &http.Client{Transport: roundTripperFunc(func(*http.Request) (*http.Response, error) {
		return jsonResponse(200, `{"accessToken":"fresh-aws-token","tokenType":"Bearer","expiresIn":3600}`), nil
	})}

	m := NewManager(store, client)
	tok, err := m.Token(context.Background(), a)
	if err != nil {
		t.Fatal(err)
	}
	if tok != "fresh-aws-token" {
		t.Errorf("token = %q, want fresh-aws-token", tok)
	}

	stored, err := store.GetAccount(context.Background(), "a1")
	if err != nil {
		t.Fatal(err)
	}
	if stored.AccessToken != "fresh-aws-token" || stored.LastRefreshStatus != "success" {
		t.Errorf("persisted token = %q status = %q", stored.AccessToken, stored.LastRefreshStatus)
	}
	// No rotation in the response keeps the stored refresh token.
	if stored.RefreshToken != "rt" {
		t.Errorf("refresh token = %q, want rt", stored.RefreshToken)
	}
}

func TestToken_OpaqueTokenFallbackTTL(t *testing.T) {
	t.Parallel()
	recent := time.Now().Add(-time.Minute).UTC()
	store := testutil.NewFakeStore()
	a := store.Add(&gateway.Account{
		ID: "a1", Type: gateway.ChannelGemini, Enabled: true,
		AccessToken: "ya29.opaque", LastRefreshTime: &recent,
	})

	client := &http.Client{Transport: roundTripperFunc(func(*http.Request) (*http.Response, error) {
		t.Error("unexpected HTTP call inside the fallback TTL")
		return nil, errors.New("no network")
	})}

	m := NewManager(store, client)
	if _, err := m.Token(context.Background(), a); err != nil {
		t.Fatal(err)
	}
}

func TestToken_GoogleRefreshRotatesToken(t *testing.T) {
	t.Parallel()
	stale := time.Now().Add(-2 * time.Hour).UTC()
	store := testutil.NewFakeStore()
	a := store.Add(&gateway.Account{
		ID: "g1", Type: gateway.ChannelGemini, Enabled: true,
		ClientID: "cid", ClientSecret: "csec", RefreshToken: "old-rt",
		AccessToken: "ya29.stale", LastRefreshTime: &stale,
	})

	client := &http.Client{Transport: roundTripperFunc(func(r *http.Request) (*http.Response, error) {
		return jsonResponse(200, `{"access_token":"ya29.fresh","refresh_token":"new-rt","token_type":"Bearer","expires_in":3599}`), nil
	})}

	m := NewManager(store, client)
	tok, err := m.Token(context.Background(), a)
	if err != nil {
		t.Fatal(err)
	}
	if tok != "ya29.fresh" {
		t.Errorf("token = %q", tok)
	}

	stored, err := store.GetAccount(context.Background(), "g1")
	if err != nil {
		t.Fatal(err)
	}
	if stored.RefreshToken != "new-rt" {
		t.Errorf("rotated refresh token not persisted: %q", stored.RefreshToken)
	}
}

func TestToken_MissingCredentialsStamped(t *testing.T) {
	t.Parallel()
	store := testutil.NewFakeStore()
	a := store.Add(&gateway.Account{ID: "a1", Type: gateway.ChannelCodeWhisperer, Enabled: true})

	m := NewManager(store, &http.Client{Transport: roundTripperFunc(func(*http.Request) (*http.Response, error) {
		return nil, errors.New("no network")
	})})

	_, err := m.Token(context.Background(), a)
	if !errors.Is(err, gateway.ErrTokenRefresh) {
		t.Fatalf("err = %v, want ErrTokenRefresh", err)
	}

	stored, gerr := store.GetAccount(context.Background(), "a1")
	if gerr != nil {
		t.Fatal(gerr)
	}
	if stored.LastRefreshStatus != "failed_missing_credentials" {
		t.Errorf("status = %q, want failed_missing_credentials", stored.LastRefreshStatus)
	}
}

func TestToken_RefreshFailureStamped(t *testing.T) {
	t.Parallel()
	stale := time.Now().Add(-2 * time.Hour).UTC()
	store := testutil.NewFakeStore()
	a := store.Add(&gateway.Account{
		ID: "g1", Type: gateway.ChannelGemini, Enabled: true,
		ClientID: "cid", ClientSecret: "csec", RefreshToken: "revoked",
		AccessToken: "ya29.stale", LastRefreshTime: &stale,
	})

	client := &http.Client{Transport: roundTripperFunc(func(*http.Request) (*http.Response, error) {
		return jsonResponse(400, `{"error":"invalid_grant"}`), nil
	})}

	m := NewManager(store, client)
	_, err := m.Token(context.Background(), a)
	if !errors.Is(err, gateway.ErrTokenRefresh) {
		t.Fatalf("err = %v, want ErrTokenRefresh", err)
	}

	stored, gerr := store.GetAccount(context.Background(), "g1")
	if gerr != nil {
		t.Fatal(gerr)
	}
	if stored.LastRefreshStatus != "failed_400" {
		t.Errorf("status = %q, want failed_400", stored.LastRefreshStatus)
	}
	// A failed refresh must not clobber the stored tokens.
	if stored.AccessToken != "ya29.stale" || stored.RefreshToken != "revoked" {
		t.Errorf("tokens clobbered: access=%q refresh=%q", stored.AccessToken, stored.RefreshToken)
	}
}

func TestForceRefresh_CoalescesConcurrentCalls(t *testing.T) {
	t.Parallel()
	store := testutil.NewFakeStore()
	a := store.Add(&gateway.Account{
		ID: "g1", Type: gateway.ChannelGemini, Enabled: true,
		ClientID: "cid", ClientSecret: "csec", RefreshToken: "rt",
	})

	var calls atomic.Int32
	arrived := make(chan struct{})
	client := &http.Client{Transport: roundTripperFunc(func(*http.Request) (*http.Response, error) {
		if calls.Add(1) == 1 {
			close(arrived)
		}
		// Hold the first request open long enough for the other callers
		// to join the in-flight group.
		time.Sleep(100 * time.Millisecond)
		return jsonResponse(200, `{"access_token":"ya29.shared","token_type":"Bearer","expires_in":3599}`), nil
	})}

	m := NewManager(store, client)

	const waiters = 5
	var wg sync.WaitGroup
	results := make([]string, waiters)
	errs := make([]error, waiters)
	for i := range waiters {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cp := *a
			results[i], errs[i] = m.ForceRefresh(context.Background(), &cp)
		}()
	}
	wg.Wait()

	for i := range waiters {
		if errs[i] != nil {
			t.Fatalf("waiter %d: %v", i, errs[i])
		}
		if results[i] != "ya29.shared" {
			t.Errorf("waiter %d token = %q", i, results[i])
		}
	}
	<-arrived
	if n := calls.Load(); n != 1 {
		t.Errorf("refresh calls = %d, want 1", n)
	}
}
