// Package server implements the HTTP transport layer for the Palantir gateway.
package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	gateway "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/app"
	"github.com/eugener/palantir/internal/telemetry"
)

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// TokenCounter estimates input token counts for request messages.
type TokenCounter interface {
	EstimateRequest(req *gateway.MessagesRequest) int
}

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Auth         gateway.Authenticator // client API credential
	AdminAuth    gateway.Authenticator // management API credential
	Proxy        *app.ProxyService
	Accounts     *app.AccountService
	ReadyCheck   ReadyChecker          // nil = always ready (for tests)
	TokenCounter TokenCounter          // nil = fixed estimate
	Metrics      http.Handler          // nil = no /metrics endpoint
	Telemetry    *telemetry.Metrics    // nil = no request metrics

	// OAuthClientID/Secret/RedirectURI configure the Gemini OAuth-callback
	// account import.
	OAuthClientID     string
	OAuthClientSecret string
	OAuthRedirectURI  string
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	s := &server{deps: deps}

	r := chi.NewRouter()

	// Global middleware
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)
	if deps.Telemetry != nil {
		r.Use(metricsMiddleware(deps.Telemetry))
	}

	// System endpoints (no auth)
	r.Get("/health", s.handleHealth)
	r.Get("/readyz", s.handleReadyz)
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}

	// OAuth redirect target; carries its own one-time code, no API key.
	// Browsers arrive with GET; scripted imports may POST the code.
	r.Get("/api/gemini/oauth-callback", s.handleOAuthCallback)
	r.Post("/api/gemini/oauth-callback", s.handleOAuthCallback)

	// Client-facing API (auth required)
	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Post("/v1/messages", s.handleMessages)
		r.Post("/v1/gemini/messages", s.handleGeminiMessages)
		r.Post("/v1/chat/completions", s.handleChatCompletions)
		r.Get("/v1/models", s.handleListModels)
	})

	// Management API (admin auth required)
	r.Group(func(r chi.Router) {
		r.Use(s.adminOnly)
		r.Get("/v2/accounts", s.handleListAccounts)
		r.Post("/v2/accounts", s.handleCreateAccount)
		r.Get("/v2/accounts/{id}", s.handleGetAccount)
		r.Put("/v2/accounts/{id}", s.handleUpdateAccount)
		r.Delete("/v2/accounts/{id}", s.handleDeleteAccount)
		r.Post("/v2/accounts/{id}/refresh", s.handleRefreshAccount)
		r.Post("/v2/accounts/{id}/unsuspend", s.handleUnsuspendAccount)
		r.Post("/v2/accounts/{id}/quota", s.handleSyncQuota)
		r.Get("/v2/accounts/{id}/quota", s.handleSyncQuota)
	})

	return r
}

type server struct {
	deps Deps
}
