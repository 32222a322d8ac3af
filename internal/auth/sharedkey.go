// Package auth implements shared-secret authentication for the Palantir
// gateway. Clients present the configured key either as a Bearer token or
// in the x-api-key header.
package auth

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	gateway "github.com/eugener/palantir/internal"
)

// SharedKey authenticates requests against one configured secret. The
// gateway fronts pooled provider accounts, not per-user identities, so a
// single deployment-wide credential is the whole auth model.
type SharedKey struct {
	key []byte
}

// NewSharedKey returns an authenticator for the given secret. An empty
// secret disables the check entirely, for local single-user deployments.
func NewSharedKey(key string) *SharedKey {
	return &SharedKey{key: []byte(key)}
}

// Authenticate validates the request credential. It accepts either
// "Authorization: Bearer <key>" or "x-api-key: <key>".
func (s *SharedKey) Authenticate(_ context.Context, r *http.Request) error {
	if len(s.key) == 0 {
		return nil
	}

	presented := r.Header.Get("x-api-key")
	if presented == "" {
		authz := r.Header.Get("Authorization")
		presented = strings.TrimPrefix(authz, "Bearer ")
		if presented == authz {
			presented = ""
		}
	}
	if presented == "" {
		return gateway.ErrUnauthorized
	}

	if subtle.ConstantTimeCompare([]byte(presented), s.key) != 1 {
		return gateway.ErrUnauthorized
	}
	return nil
}
