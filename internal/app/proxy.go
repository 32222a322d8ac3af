// Package app wires routing, token management, and upstream clients into
// the services the HTTP layer exposes.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	gateway "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/storage"
	"github.com/eugener/palantir/internal/stream"
	"github.com/eugener/palantir/internal/telemetry"
	"github.com/eugener/palantir/internal/token"
	"github.com/eugener/palantir/internal/upstream"
	"github.com/eugener/palantir/internal/upstream/codewhisperer"
	"github.com/eugener/palantir/internal/upstream/gemini"
)

// suspensionMarker appears in 403 bodies when the upstream has suspended
// the account rather than merely rejecting the token.
const suspensionMarker = "TEMPORARILY_SUSPENDED"

// rateLimitThreshold separates a per-minute rate limit from true quota
// exhaustion: a 429 with more than this fraction remaining is a rate limit.
const rateLimitThreshold = 0.03

// exhaustionFallback is the assumed reset horizon when the upstream gives
// no reset time for an exhausted model.
const exhaustionFallback = time.Hour

// CodeWhispererClient streams one translated request against an account.
type CodeWhispererClient interface {
	Stream(ctx context.Context, account *gateway.Account, auth http.Header, req *gateway.MessagesRequest, opts codewhisperer.Options) (<-chan gateway.StreamEvent, error)
}

// GeminiClient streams requests and exposes the project/quota discovery calls.
type GeminiClient interface {
	Stream(ctx context.Context, account *gateway.Account, auth http.Header, req *gateway.MessagesRequest) (<-chan gateway.StreamEvent, error)
	LoadProject(ctx context.Context, account *gateway.Account, auth http.Header) (string, error)
	FetchAvailableModels(ctx context.Context, account *gateway.Account, auth http.Header) (json.RawMessage, error)
}

// ProxyService orchestrates one chat request: account selection, token
// supply, the upstream call, and failover across the account pool.
type ProxyService struct {
	router  *RouterService
	tokens  *token.Manager
	store   storage.AccountStore
	cw      CodeWhispererClient
	gemini  GeminiClient
	metrics *telemetry.Metrics    // optional
	counter stream.TokenEstimator // optional output-usage fallback
}

// NewProxyService returns a ProxyService.
func NewProxyService(router *RouterService, tokens *token.Manager, store storage.AccountStore, cw CodeWhispererClient, gem GeminiClient) *ProxyService {
	return &ProxyService{router: router, tokens: tokens, store: store, cw: cw, gemini: gem}
}

// WithMetrics attaches Prometheus collectors to upstream calls and failovers.
func (ps *ProxyService) WithMetrics(m *telemetry.Metrics) *ProxyService {
	ps.metrics = m
	return ps
}

// WithTokenCounter attaches the estimator that fills in output usage when
// the upstream reports none.
func (ps *ProxyService) WithTokenCounter(c stream.TokenEstimator) *ProxyService {
	ps.counter = c
	return ps
}

// ChannelFor selects the channel serving the model id.
func (ps *ProxyService) ChannelFor(ctx context.Context, model string) (gateway.Channel, error) {
	return ps.router.ChannelFor(ctx, model)
}

// ChatParams carries per-request routing context.
type ChatParams struct {
	Channel   gateway.Channel
	AccountID string // non-empty pins the request to one account
	Origin    string // CodeWhisperer origin marker: "CLI" or "AI_EDITOR"
}

// Messages serves one chat request, driving the handler with assembled
// events. On retriable upstream failures (401, 403, 429) it moves to the
// next eligible account; each account is tried at most once per request.
func (ps *ProxyService) Messages(ctx context.Context, req *gateway.MessagesRequest, p ChatParams, h stream.Handler) error {
	upstreamModel := ps.upstreamModel(p.Channel, req.Model)

	if p.AccountID != "" {
		a, err := ps.router.PickByID(ctx, p.AccountID)
		if err != nil {
			return err
		}
		// The pinned account decides the upstream, not the route.
		p.Channel = a.Type
		return ps.attempt(ctx, a, req, p, h)
	}

	eligible, err := ps.router.Eligible(ctx, p.Channel, upstreamModel)
	if err != nil {
		return err
	}
	if len(eligible) == 0 {
		return fmt.Errorf("%w: channel %s, model %s", gateway.ErrNoAccountAvailable, p.Channel, upstreamModel)
	}

	tried := make(map[string]bool, len(eligible))
	var lastErr error
	for range eligible {
		a, err := ps.router.Pick(ctx, p.Channel, upstreamModel, tried)
		if err != nil {
			break
		}
		tried[a.ID] = true

		err = ps.attempt(ctx, a, req, p, h)
		if err == nil {
			return nil
		}
		err, retry := ps.classify(ctx, a, upstreamModel, err)
		if !retry {
			return err
		}
		lastErr = err
		if ps.metrics != nil {
			ps.metrics.FailoversTotal.WithLabelValues(string(p.Channel)).Inc()
		}
		slog.LogAttrs(ctx, slog.LevelWarn, "failing over to next account",
			slog.String("account", a.ID),
			slog.String("channel", string(p.Channel)),
			slog.String("error", err.Error()),
		)
	}
	if lastErr != nil {
		return lastErr
	}
	return fmt.Errorf("%w: channel %s, model %s", gateway.ErrNoAccountAvailable, p.Channel, upstreamModel)
}

// attempt runs the request against one account. A 401 or 403 means the
// bearer may have gone stale mid-flight: one forced token refresh and an
// immediate retry on the same account before the error propagates to the
// failover loop. A 403 carrying the suspension marker is not a token
// problem and skips the retry.
func (ps *ProxyService) attempt(ctx context.Context, a *gateway.Account, req *gateway.MessagesRequest, p ChatParams, h stream.Handler) error {
	start := time.Now()
	err := ps.stream(ctx, a, req, p, h)
	ps.observe(p.Channel, req.Model, start, err)
	if status, ok := upstreamStatus(err); ok && tokenStale(status, err) {
		if _, rerr := ps.tokens.ForceRefresh(ctx, a); rerr != nil {
			return err
		}
		start = time.Now()
		err = ps.stream(ctx, a, req, p, h)
		ps.observe(p.Channel, req.Model, start, err)
	}
	return err
}

func tokenStale(status int, err error) bool {
	if status != http.StatusUnauthorized && status != http.StatusForbidden {
		return false
	}
	return !strings.Contains(err.Error(), suspensionMarker)
}

// observe records upstream call duration and error counters.
func (ps *ProxyService) observe(channel gateway.Channel, model string, start time.Time, err error) {
	if ps.metrics == nil {
		return
	}
	ps.metrics.UpstreamDuration.WithLabelValues(string(channel), model).Observe(time.Since(start).Seconds())
	if status, ok := upstreamStatus(err); ok {
		ps.metrics.UpstreamErrors.WithLabelValues(string(channel), strconv.Itoa(status)).Inc()
	}
}

func (ps *ProxyService) stream(ctx context.Context, a *gateway.Account, req *gateway.MessagesRequest, p ChatParams, h stream.Handler) error {
	auth, err := ps.tokens.AuthHeaders(ctx, a)
	if err != nil {
		return err
	}

	var events <-chan gateway.StreamEvent
	switch p.Channel {
	case gateway.ChannelGemini:
		if err := ps.ensureProject(ctx, a, auth); err != nil {
			return err
		}
		events, err = ps.gemini.Stream(ctx, a, auth, req)
	default:
		events, err = ps.cw.Stream(ctx, a, auth, req, codewhisperer.Options{Origin: p.Origin})
	}
	if err != nil {
		return err
	}
	asm := stream.NewAssembler(h)
	if ps.counter != nil {
		asm.WithEstimator(ps.counter)
	}
	return asm.Consume(ctx, events)
}

// classify maps an attempt failure onto the gateway error taxonomy and
// applies its side effects: suspension records on marked 403s, quota ledger
// updates on 429. The returned flag tells the failover loop whether the
// next account may be tried; suspensions and plain rate limits end the
// request on the spot.
func (ps *ProxyService) classify(ctx context.Context, a *gateway.Account, upstreamModel string, err error) (error, bool) {
	if errors.Is(err, gateway.ErrTokenRefresh) {
		return err, true
	}
	status, ok := upstreamStatus(err)
	if !ok {
		return err, false
	}
	switch status {
	case http.StatusUnauthorized:
		return err, true
	case http.StatusForbidden:
		if strings.Contains(err.Error(), suspensionMarker) {
			ps.suspend(ctx, a)
			return fmt.Errorf("%w: account %s: %v", gateway.ErrAccountSuspended, a.ID, err), false
		}
		return err, true
	case http.StatusTooManyRequests:
		if rateLimited := ps.handleQuotaExceeded(ctx, a, upstreamModel); rateLimited {
			return fmt.Errorf("%w: %v", gateway.ErrRateLimited, err), false
		}
		return fmt.Errorf("%w: account %s, model %s", gateway.ErrQuotaExhausted, a.ID, upstreamModel), true
	default:
		return err, false
	}
}

// suspend records the upstream suspension and pulls the account out of the
// routing pool until an operator clears it.
func (ps *ProxyService) suspend(ctx context.Context, a *gateway.Account) {
	err := ps.store.MergeOther(ctx, a.ID, map[string]any{
		"suspended":      true,
		"suspended_at":   time.Now().UTC().Format(time.RFC3339),
		"suspend_reason": suspensionMarker,
	})
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "record account suspension",
			slog.String("account", a.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	if fresh, gerr := ps.store.GetAccount(ctx, a.ID); gerr == nil {
		fresh.Enabled = false
		if uerr := ps.store.UpdateAccount(ctx, fresh); uerr != nil {
			slog.LogAttrs(ctx, slog.LevelError, "disable suspended account",
				slog.String("account", a.ID),
				slog.String("error", uerr.Error()),
			)
		}
	}
	ps.router.Invalidate(a.Type)
	slog.LogAttrs(ctx, slog.LevelWarn, "account suspended by upstream",
		slog.String("account", a.ID),
	)
}

// handleQuotaExceeded reacts to a 429. Gemini accounts get a fresh quota
// snapshot first; if the model still shows capacity the 429 was a rate
// limit and the ledger is left alone. Otherwise the model is marked
// exhausted until its reset time, defaulting to one hour out. Returns true
// when the 429 was a rate limit rather than exhaustion.
func (ps *ProxyService) handleQuotaExceeded(ctx context.Context, a *gateway.Account, upstreamModel string) bool {
	remaining := 0.0
	resetTime := ""

	if a.Type == gateway.ChannelGemini {
		if auth, err := ps.tokens.AuthHeaders(ctx, a); err == nil {
			if raw, err := ps.gemini.FetchAvailableModels(ctx, a, auth); err == nil {
				ci := ExtractCredits(raw)
				if err := ps.store.SetCredits(ctx, a.ID, ci); err != nil {
					slog.LogAttrs(ctx, slog.LevelError, "persist quota snapshot",
						slog.String("account", a.ID),
						slog.String("error", err.Error()),
					)
				}
				if q, ok := ci.Models[upstreamModel]; ok {
					remaining = q.RemainingFraction
					resetTime = q.ResetTime
				}
			}
		}
	}

	if remaining > rateLimitThreshold {
		slog.LogAttrs(ctx, slog.LevelWarn, "rate limited with quota remaining",
			slog.String("account", a.ID),
			slog.String("model", upstreamModel),
			slog.Float64("remaining", remaining),
		)
		ps.router.Invalidate(a.Type)
		return true
	}

	reset, err := time.Parse(time.RFC3339, resetTime)
	if err != nil || resetTime == "" {
		reset = time.Now().UTC().Add(exhaustionFallback)
	}
	if err := ps.store.MarkModelExhausted(ctx, a.ID, upstreamModel, reset); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "mark model exhausted",
			slog.String("account", a.ID),
			slog.String("error", err.Error()),
		)
		return false
	}
	if ps.metrics != nil {
		ps.metrics.QuotaExhausted.WithLabelValues(string(a.Type), upstreamModel).Inc()
	}
	ps.router.Invalidate(a.Type)
	slog.LogAttrs(ctx, slog.LevelWarn, "model quota exhausted",
		slog.String("account", a.ID),
		slog.String("model", upstreamModel),
		slog.Time("reset", reset),
	)
	return false
}

func (ps *ProxyService) ensureProject(ctx context.Context, a *gateway.Account, auth http.Header) error {
	if a.ProjectID() != "" {
		return nil
	}
	project, err := ps.gemini.LoadProject(ctx, a, auth)
	if err != nil {
		return err
	}
	if err := ps.store.MergeOther(ctx, a.ID, map[string]any{"projectId": project}); err != nil {
		return err
	}
	merged, err := gateway.MergeOther(a.Other, map[string]any{"projectId": project})
	if err != nil {
		return err
	}
	a.Other = merged
	return nil
}

func (ps *ProxyService) upstreamModel(channel gateway.Channel, model string) string {
	if channel == gateway.ChannelGemini {
		return gemini.MapModel(model)
	}
	return codewhisperer.MapModel(model)
}

// upstreamStatus extracts the HTTP status from an upstream API error.
func upstreamStatus(err error) (int, bool) {
	var apiErr *upstream.APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode, true
	}
	return 0, false
}
