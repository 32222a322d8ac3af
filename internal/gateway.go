// Package gateway defines domain types and interfaces for the Palantir gateway.
// This package has no project imports -- it is the dependency root.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/tidwall/gjson"
)

// --- Channels and accounts ---

// Channel identifies a provider family. Each account belongs to exactly one.
type Channel string

const (
	ChannelCodeWhisperer Channel = "codewhisperer"
	ChannelGemini        Channel = "gemini"
)

// Valid reports whether c is a known channel.
func (c Channel) Valid() bool {
	return c == ChannelCodeWhisperer || c == ChannelGemini
}

// Account is one provider identity registered in the account store.
// The Other bag holds provider-specific attributes (Gemini projectId,
// apiEndpoint, creditsInfo, suspension record) as raw JSON so that
// forward-compatible fields survive read-modify-write cycles.
type Account struct {
	ID                string          `json:"id"`
	Label             string          `json:"label"`
	Type              Channel         `json:"type"`
	Enabled           bool            `json:"enabled"`
	ClientID          string          `json:"clientId,omitempty"`
	ClientSecret      string          `json:"-"`
	RefreshToken      string          `json:"-"`
	AccessToken       string          `json:"-"`
	Other             json.RawMessage `json:"other,omitempty"`
	LastRefreshTime   *time.Time      `json:"last_refresh_time,omitempty"`
	LastRefreshStatus string          `json:"last_refresh_status,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// OtherString reads a string field from the Other bag by gjson path.
func (a *Account) OtherString(path string) string {
	if len(a.Other) == 0 {
		return ""
	}
	return gjson.GetBytes(a.Other, path).String()
}

// ProjectID returns the Gemini cloud project id discovered via loadCodeAssist.
func (a *Account) ProjectID() string { return a.OtherString("projectId") }

// APIEndpoint returns the per-account API endpoint override, if any.
func (a *Account) APIEndpoint() string { return a.OtherString("apiEndpoint") }

// ProfileARN returns the CodeWhisperer profile ARN for organisation accounts.
func (a *Account) ProfileARN() string { return a.OtherString("profileArn") }

// Suspended reports whether the upstream flagged this account as suspended.
func (a *Account) Suspended() bool {
	if len(a.Other) == 0 {
		return false
	}
	return gjson.GetBytes(a.Other, "suspended").Bool()
}

// Credits parses the quota ledger from the Other bag. A missing ledger
// yields a zero CreditsInfo with a nil Models map.
func (a *Account) Credits() CreditsInfo {
	var ci CreditsInfo
	if len(a.Other) == 0 {
		return ci
	}
	raw := gjson.GetBytes(a.Other, "creditsInfo")
	if !raw.Exists() {
		return ci
	}
	_ = json.Unmarshal([]byte(raw.Raw), &ci)
	return ci
}

// MergeOther applies patch on top of the other bag, preserving unknown keys.
// A nil value in patch deletes the key. The input is never mutated.
func MergeOther(other json.RawMessage, patch map[string]any) (json.RawMessage, error) {
	m := map[string]any{}
	if len(other) > 0 {
		if err := json.Unmarshal(other, &m); err != nil {
			return nil, fmt.Errorf("parse other bag: %w", err)
		}
	}
	for k, v := range patch {
		if v == nil {
			delete(m, k)
			continue
		}
		m[k] = v
	}
	return json.Marshal(m)
}

// --- Quota ledger ---

// ModelQuota is one ledger entry: remaining capacity for a model and the
// instant at which the provider resets it.
type ModelQuota struct {
	DisplayName       string  `json:"displayName,omitempty"`
	RemainingFraction float64 `json:"remainingFraction"`
	RemainingPercent  float64 `json:"remainingPercent"`
	ResetTime         string  `json:"resetTime,omitempty"` // RFC 3339
	Recommended       bool    `json:"recommended,omitempty"`
}

// ResetAt parses the entry's reset instant. ok is false when absent or malformed.
func (q ModelQuota) ResetAt() (time.Time, bool) {
	if q.ResetTime == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, q.ResetTime)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// CreditsInfo is the persisted per-account quota ledger.
type CreditsInfo struct {
	Models  map[string]ModelQuota `json:"models"`
	Summary CreditsSummary        `json:"summary"`
}

// CreditsSummary aggregates the ledger for display.
type CreditsSummary struct {
	TotalModels      int     `json:"totalModels"`
	AverageRemaining float64 `json:"averageRemaining"`
}

// --- Public message model (Claude dialect) ---

// MessagesRequest is a Claude Messages API request.
type MessagesRequest struct {
	Model       string          `json:"model"`
	Messages    []Message       `json:"messages"`
	MaxTokens   int             `json:"max_tokens"`
	Temperature *float64        `json:"temperature,omitempty"`
	System      json.RawMessage `json:"system,omitempty"` // string or []{type:text}
	Tools       []Tool          `json:"tools,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
}

// SystemText flattens the system field (string or block list) to plain text.
func (r *MessagesRequest) SystemText() string {
	if len(r.System) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(r.System, &s); err == nil {
		return s
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(r.System, &blocks); err != nil {
		return ""
	}
	out := ""
	for _, b := range blocks {
		if b.Type == "text" {
			if out != "" {
				out += "\n"
			}
			out += b.Text
		}
	}
	return out
}

// Message is one conversation turn. Content is either a JSON string or a
// list of tagged content blocks.
type Message struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// Blocks decodes the content into typed blocks. A bare string becomes a
// single text block. Unknown block types fail validation.
func (m Message) Blocks() ([]ContentBlock, error) {
	if len(m.Content) == 0 {
		return nil, nil
	}
	var s string
	if err := json.Unmarshal(m.Content, &s); err == nil {
		return []ContentBlock{{Type: "text", Text: s}}, nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(m.Content, &blocks); err != nil {
		return nil, fmt.Errorf("%w: message content is neither string nor block list", ErrBadRequest)
	}
	for _, b := range blocks {
		switch b.Type {
		case "text", "image", "tool_use", "tool_result":
		default:
			return nil, fmt.Errorf("%w: unknown content block type %q", ErrBadRequest, b.Type)
		}
	}
	return blocks, nil
}

// Text flattens the message's text blocks, joined by newlines.
func (m Message) Text() string {
	blocks, err := m.Blocks()
	if err != nil {
		return ""
	}
	out := ""
	for _, b := range blocks {
		if b.Type == "text" {
			if out != "" {
				out += "\n"
			}
			out += b.Text
		}
	}
	return out
}

// ContentBlock is a tagged union over the four public block kinds.
// Which fields are meaningful depends on Type.
type ContentBlock struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// image
	Source *ImageSource `json:"source,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// ImageSource carries a base64 image payload.
type ImageSource struct {
	Type      string `json:"type"` // "base64"
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// Tool is a public tool definition.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// --- Public message model (OpenAI dialect) ---

// ChatRequest is an OpenAI chat-completions request.
type ChatRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
	Tools       []ChatTool    `json:"tools,omitempty"`
}

// ChatMessage is one OpenAI-dialect turn.
type ChatMessage struct {
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content,omitempty"`
	Name       string          `json:"name,omitempty"`
	ToolCalls  []ToolCall      `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
}

// Text flattens the content field (string or {type:text} parts) to plain text.
func (m ChatMessage) Text() string {
	if len(m.Content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.Content, &s); err == nil {
		return s
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(m.Content, &parts); err != nil {
		return ""
	}
	out := ""
	for _, p := range parts {
		if p.Type == "text" {
			if out != "" {
				out += "\n"
			}
			out += p.Text
		}
	}
	return out
}

// ChatTool is an OpenAI function-tool definition.
type ChatTool struct {
	Type     string       `json:"type"`
	Function ChatFunction `json:"function"`
}

// ChatFunction describes the callable function.
type ChatFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// ToolCall is an OpenAI structured tool invocation.
type ToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function ToolCallFunction `json:"function"`
}

// ToolCallFunction carries the function name and JSON-encoded arguments.
type ToolCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// --- Upstream event vocabulary ---

// EventKind discriminates StreamEvent.
type EventKind uint8

const (
	// EventMessageStart opens the response; carries the conversation id.
	EventMessageStart EventKind = iota + 1
	// EventTextDelta carries a text fragment.
	EventTextDelta
	// EventToolUse carries one tool-use fragment (id/name on the first,
	// input fragments until Stop).
	EventToolUse
	// EventAssistantEnd closes the assistant turn; carries any complete
	// tool uses reported in the final assistant event.
	EventAssistantEnd
	// EventUsage carries provider-reported token usage.
	EventUsage
)

// ToolUseFragment is one step of a fragmented upstream tool call.
// Input is the verbatim fragment of the argument JSON.
type ToolUseFragment struct {
	ID    string
	Name  string
	Input string
	Stop  bool
}

// CompletedToolUse is a fully assembled tool invocation.
type CompletedToolUse struct {
	ID    string          `json:"toolUseId"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// Usage is provider-reported or estimated token accounting.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// StreamEvent is one typed event decoded from an upstream stream. Which
// fields are meaningful depends on Kind. A non-nil Err terminates the stream.
type StreamEvent struct {
	Kind           EventKind
	ConversationID string
	Text           string
	Fragment       *ToolUseFragment
	ToolUses       []CompletedToolUse
	Usage          *Usage
	Err            error
}

// --- Context keys ---

type contextKey int

const ctxKeyMeta contextKey = 0

// requestMeta bundles per-request values into a single context allocation.
type requestMeta struct {
	RequestID string
}

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if m, _ := ctx.Value(ctxKeyMeta).(*requestMeta); m != nil {
		return m.RequestID
	}
	return ""
}

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{RequestID: id})
}

// --- Authenticator interface ---

// Authenticator validates request credentials for client-facing endpoints.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) error
}
