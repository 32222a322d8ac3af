package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	gateway "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/app"
	"github.com/eugener/palantir/internal/stream"
)

// keepAliveInterval paces SSE comment frames during upstream stalls.
const keepAliveInterval = 15 * time.Second

// accountHeader pins a request to a specific account, bypassing selection.
const accountHeader = "X-Account-Id"

func (s *server) handleMessages(w http.ResponseWriter, r *http.Request) {
	// Empty channel: the router decides from the model id.
	s.serveMessages(w, r, "")
}

// handleGeminiMessages serves the Claude dialect pinned to the Gemini channel.
func (s *server) handleGeminiMessages(w http.ResponseWriter, r *http.Request) {
	s.serveMessages(w, r, gateway.ChannelGemini)
}

func (s *server) serveMessages(w http.ResponseWriter, r *http.Request, channel gateway.Channel) {
	var req gateway.MessagesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid request body: "+err.Error()))
		return
	}
	if err := validateMessages(&req); err != nil {
		writeError(w, err)
		return
	}
	if channel == "" {
		ch, err := s.deps.Proxy.ChannelFor(r.Context(), req.Model)
		if err != nil {
			writeError(w, err)
			return
		}
		channel = ch
	}

	params := app.ChatParams{
		Channel:   channel,
		AccountID: r.Header.Get(accountHeader),
		Origin:    "CLI",
	}
	inputTokens := s.estimate(&req)

	if !req.Stream {
		collector := stream.NewClaudeCollector(req.Model, inputTokens)
		if err := s.deps.Proxy.Messages(r.Context(), &req, params, collector); err != nil {
			writeError(w, err)
			return
		}
		body, err := collector.Result()
		if err != nil {
			writeError(w, err)
			return
		}
		writeRawJSON(w, http.StatusOK, body)
		return
	}

	out := &lazySSE{w: w}
	defer out.stop()
	renderer := stream.NewClaudeRenderer(out.emit, req.Model, inputTokens)
	if err := s.deps.Proxy.Messages(r.Context(), &req, params, renderer); err != nil {
		s.streamError(r, out, err)
	}
}

func (s *server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var chatReq gateway.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&chatReq); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid request body: "+err.Error()))
		return
	}

	req, err := app.ClaudeFromChat(&chatReq)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := validateMessages(req); err != nil {
		writeError(w, err)
		return
	}

	channel, err := s.deps.Proxy.ChannelFor(r.Context(), req.Model)
	if err != nil {
		writeError(w, err)
		return
	}
	params := app.ChatParams{
		Channel:   channel,
		AccountID: r.Header.Get(accountHeader),
		Origin:    "AI_EDITOR",
	}
	inputTokens := s.estimate(req)

	if !chatReq.Stream {
		collector := stream.NewOpenAICollector(chatReq.Model, inputTokens)
		if err := s.deps.Proxy.Messages(r.Context(), req, params, collector); err != nil {
			writeError(w, err)
			return
		}
		body, err := collector.Result()
		if err != nil {
			writeError(w, err)
			return
		}
		writeRawJSON(w, http.StatusOK, body)
		return
	}

	out := &lazySSE{w: w}
	defer out.stop()
	renderer := stream.NewOpenAIRenderer(out.emit, chatReq.Model)
	if err := s.deps.Proxy.Messages(r.Context(), req, params, renderer); err != nil {
		s.streamError(r, out, err)
	}
}

// streamError reports a proxy failure. Before any frame has been written a
// regular JSON error still works; after that the error goes out as a
// terminal SSE event.
func (s *server) streamError(r *http.Request, out *lazySSE, err error) {
	slog.LogAttrs(r.Context(), slog.LevelError, "stream failed",
		slog.String("error", err.Error()),
		slog.String("request_id", gateway.RequestIDFromContext(r.Context())),
	)
	if !out.started() {
		writeError(out.w, err)
		return
	}
	data, _ := json.Marshal(map[string]any{
		"type": "error",
		"error": map[string]any{
			"type":    "api_error",
			"message": err.Error(),
		},
	})
	_ = out.emit("error", data)
}

func (s *server) estimate(req *gateway.MessagesRequest) int {
	if s.deps.TokenCounter == nil {
		return 1
	}
	return s.deps.TokenCounter.EstimateRequest(req)
}

func validateMessages(req *gateway.MessagesRequest) error {
	if req.Model == "" {
		return fmt.Errorf("%w: model is required", gateway.ErrBadRequest)
	}
	if len(req.Messages) == 0 {
		return fmt.Errorf("%w: messages must not be empty", gateway.ErrBadRequest)
	}
	if req.MaxTokens <= 0 {
		return fmt.Errorf("%w: max_tokens must be positive", gateway.ErrBadRequest)
	}
	return nil
}

// lazySSE defers the SSE response headers until the first frame so early
// failures can still produce a JSON error with a real status code.
type lazySSE struct {
	w        http.ResponseWriter
	sw       *sseWriter
	interval time.Duration // zero = keepAliveInterval
	done     chan struct{}
	stopped  chan struct{}
}

func (l *lazySSE) emit(event string, data []byte) error {
	if l.sw == nil {
		sw, ok := newSSEWriter(l.w)
		if !ok {
			return fmt.Errorf("response writer does not support streaming")
		}
		l.sw = sw
		l.done = make(chan struct{})
		l.stopped = make(chan struct{})
		go l.keepAlive()
	}
	return l.sw.Emit(event, data)
}

func (l *lazySSE) keepAlive() {
	defer close(l.stopped)
	iv := l.interval
	if iv == 0 {
		iv = keepAliveInterval
	}
	t := time.NewTicker(iv)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			l.sw.KeepAlive()
		case <-l.done:
			return
		}
	}
}

func (l *lazySSE) started() bool { return l.sw != nil }

// stop ends the keep-alive goroutine and waits for it, so no tick can touch
// the ResponseWriter after the handler returns.
func (l *lazySSE) stop() {
	if l.done != nil {
		close(l.done)
		<-l.stopped
	}
}
