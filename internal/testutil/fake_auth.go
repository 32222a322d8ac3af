package testutil

import (
	"context"
	"net/http"

	gateway "github.com/eugener/palantir/internal"
)

// FakeAuth always authenticates successfully.
type FakeAuth struct{}

// Authenticate accepts every request.
func (FakeAuth) Authenticate(context.Context, *http.Request) error { return nil }

// RejectAuth always rejects authentication.
type RejectAuth struct{}

// Authenticate always returns ErrUnauthorized.
func (RejectAuth) Authenticate(context.Context, *http.Request) error {
	return gateway.ErrUnauthorized
}
