package token

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	gateway "github.com/eugener/palantir/internal"
)

// googleRefresher refreshes Gemini accounts via the standard Google OAuth
// refresh_token grant: form-encoded snake_case POST to oauth2.googleapis.com.
type googleRefresher struct {
	http *http.Client
}

func newGoogleRefresher(httpClient *http.Client) *googleRefresher {
	return &googleRefresher{http: httpClient}
}

// Refresh exchanges the account's refresh token for a fresh access token.
// Google may rotate the refresh token; the rotated value is returned when present.
func (r *googleRefresher) Refresh(ctx context.Context, a *gateway.Account) (*refreshResult, string, error) {
	cfg := &oauth2.Config{
		ClientID:     a.ClientID,
		ClientSecret: a.ClientSecret,
		Endpoint:     google.Endpoint,
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, r.http)

	tok, err := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: a.RefreshToken}).Token()
	if err != nil {
		return nil, googleRefreshStatus(err), fmt.Errorf("google token refresh: %w", err)
	}
	if tok.AccessToken == "" {
		return nil, "failed_empty_token", fmt.Errorf("google returned empty access token")
	}
	res := &refreshResult{AccessToken: tok.AccessToken}
	if tok.RefreshToken != "" && tok.RefreshToken != a.RefreshToken {
		res.RefreshToken = tok.RefreshToken
	}
	return res, "success", nil
}

func googleRefreshStatus(err error) string {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		return fmt.Sprintf("failed_%d", re.Response.StatusCode)
	}
	return "failed_network"
}

// ExchangeCode trades an OAuth authorisation code for a token set. Used by
// the Gemini OAuth-callback endpoint when importing a new account.
func ExchangeCode(ctx context.Context, client *http.Client, clientID, clientSecret, code, redirectURI string) (*oauth2.Token, error) {
	cfg := &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     google.Endpoint,
		RedirectURL:  redirectURI,
	}
	if client != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, client)
	}
	tok, err := cfg.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("%w: exchange auth code: %v", gateway.ErrBadRequest, err)
	}
	return tok, nil
}
