package gateway

import "errors"

// Sentinel errors for the gateway domain.
var (
	ErrUnauthorized        = errors.New("unauthorized")
	ErrForbidden           = errors.New("forbidden")
	ErrNotFound            = errors.New("not found")
	ErrBadRequest          = errors.New("bad request")
	ErrRateLimited         = errors.New("rate limited")
	ErrQuotaExhausted      = errors.New("quota exhausted")
	ErrAccountSuspended    = errors.New("account suspended")
	ErrNoAccountAvailable  = errors.New("no account available")
	ErrTokenRefresh        = errors.New("token refresh failed")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrTranslation         = errors.New("translation failed")
)
