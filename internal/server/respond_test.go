package server

import (
	"fmt"
	"net/http"
	"testing"

	gateway "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/upstream"
)

func TestErrorStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want int
	}{
		{"unauthorized", gateway.ErrUnauthorized, http.StatusUnauthorized},
		{"forbidden", gateway.ErrForbidden, http.StatusForbidden},
		{"suspended", fmt.Errorf("%w: account a1", gateway.ErrAccountSuspended), http.StatusForbidden},
		{"not found", gateway.ErrNotFound, http.StatusNotFound},
		{"rate limited", fmt.Errorf("%w: slow down", gateway.ErrRateLimited), http.StatusTooManyRequests},
		{"all quota exhausted", fmt.Errorf("%w: model m", gateway.ErrQuotaExhausted), http.StatusTooManyRequests},
		{"bad request", gateway.ErrBadRequest, http.StatusBadRequest},
		{"no account", gateway.ErrNoAccountAvailable, http.StatusServiceUnavailable},
		{"token refresh", gateway.ErrTokenRefresh, http.StatusBadGateway},
		{"upstream unavailable", gateway.ErrUpstreamUnavailable, http.StatusBadGateway},
		// Translation bugs are server-side failures, not client mistakes.
		{"translation", fmt.Errorf("%w: bad alternation", gateway.ErrTranslation), http.StatusInternalServerError},
		// Raw provider errors that escaped classification keep a sensible
		// status instead of collapsing to 500.
		{"provider 429", &upstream.APIError{Upstream: "gemini", StatusCode: 429, Body: "quota"}, http.StatusTooManyRequests},
		{"provider 403", &upstream.APIError{Upstream: "codewhisperer", StatusCode: 403, Body: "denied"}, http.StatusForbidden},
		{"provider 500", &upstream.APIError{Upstream: "codewhisperer", StatusCode: 500, Body: "oops"}, http.StatusBadGateway},
		{"wrapped provider 429", fmt.Errorf("attempt: %w", &upstream.APIError{StatusCode: 429}), http.StatusTooManyRequests},
		{"unknown", fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := errorStatus(tt.err); got != tt.want {
			t.Errorf("%s: errorStatus = %d, want %d", tt.name, got, tt.want)
		}
	}
}
