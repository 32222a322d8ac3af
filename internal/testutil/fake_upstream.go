package testutil

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	gateway "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/upstream/codewhisperer"
)

// Events returns a closed channel pre-filled with the given events,
// mimicking a finished upstream stream.
func Events(events ...gateway.StreamEvent) <-chan gateway.StreamEvent {
	ch := make(chan gateway.StreamEvent, len(events))
	for _, ev := range events {
		ch <- ev
	}
	close(ch)
	return ch
}

// TextStream returns a minimal successful stream: message start, the given
// text fragments, assistant end.
func TextStream(fragments ...string) <-chan gateway.StreamEvent {
	events := []gateway.StreamEvent{{Kind: gateway.EventMessageStart, ConversationID: "conv-1"}}
	for _, f := range fragments {
		events = append(events, gateway.StreamEvent{Kind: gateway.EventTextDelta, Text: f})
	}
	events = append(events, gateway.StreamEvent{Kind: gateway.EventAssistantEnd})
	return Events(events...)
}

// FakeCodeWhisperer is a configurable app.CodeWhispererClient.
type FakeCodeWhisperer struct {
	mu       sync.Mutex
	StreamFn func(ctx context.Context, account *gateway.Account, auth http.Header, req *gateway.MessagesRequest, opts codewhisperer.Options) (<-chan gateway.StreamEvent, error)
	calls    []string
}

// Stream delegates to StreamFn or returns a canned single-text stream.
func (f *FakeCodeWhisperer) Stream(ctx context.Context, account *gateway.Account, auth http.Header, req *gateway.MessagesRequest, opts codewhisperer.Options) (<-chan gateway.StreamEvent, error) {
	f.mu.Lock()
	f.calls = append(f.calls, account.ID)
	f.mu.Unlock()
	if f.StreamFn != nil {
		return f.StreamFn(ctx, account, auth, req, opts)
	}
	return TextStream("hello"), nil
}

// Calls returns the account ids of every Stream invocation, in order.
func (f *FakeCodeWhisperer) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// FakeGemini is a configurable app.GeminiClient.
type FakeGemini struct {
	mu            sync.Mutex
	StreamFn      func(ctx context.Context, account *gateway.Account, auth http.Header, req *gateway.MessagesRequest) (<-chan gateway.StreamEvent, error)
	LoadProjectFn func(ctx context.Context, account *gateway.Account, auth http.Header) (string, error)
	FetchModelsFn func(ctx context.Context, account *gateway.Account, auth http.Header) (json.RawMessage, error)
	calls         []string
}

// Stream delegates to StreamFn or returns a canned single-text stream.
func (f *FakeGemini) Stream(ctx context.Context, account *gateway.Account, auth http.Header, req *gateway.MessagesRequest) (<-chan gateway.StreamEvent, error) {
	f.mu.Lock()
	f.calls = append(f.calls, account.ID)
	f.mu.Unlock()
	if f.StreamFn != nil {
		return f.StreamFn(ctx, account, auth, req)
	}
	return TextStream("hello"), nil
}

// LoadProject delegates to LoadProjectFn or returns a fixed project id.
func (f *FakeGemini) LoadProject(ctx context.Context, account *gateway.Account, auth http.Header) (string, error) {
	if f.LoadProjectFn != nil {
		return f.LoadProjectFn(ctx, account, auth)
	}
	return "projects/test-project", nil
}

// FetchAvailableModels delegates to FetchModelsFn or returns an empty listing.
func (f *FakeGemini) FetchAvailableModels(ctx context.Context, account *gateway.Account, auth http.Header) (json.RawMessage, error) {
	if f.FetchModelsFn != nil {
		return f.FetchModelsFn(ctx, account, auth)
	}
	return json.RawMessage(`{"models":{}}`), nil
}

// Calls returns the account ids of every Stream invocation, in order.
func (f *FakeGemini) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}
