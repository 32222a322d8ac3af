package app

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/tidwall/gjson"

	gateway "github.com/eugener/palantir/internal"
)

func TestClaudeFromChat_SystemAndDefaults(t *testing.T) {
	t.Parallel()
	req := &gateway.ChatRequest{
		Model: "claude-sonnet-4.5",
		Messages: []gateway.ChatMessage{
			{Role: "system", Content: json.RawMessage(`"Be terse."`)},
			{Role: "system", Content: json.RawMessage(`"Answer in English."`)},
			{Role: "user", Content: json.RawMessage(`"hello"`)},
		},
	}

	out, err := ClaudeFromChat(req)
	if err != nil {
		t.Fatal(err)
	}
	if out.MaxTokens != 4096 {
		t.Errorf("MaxTokens = %d, want default 4096", out.MaxTokens)
	}
	if got := out.SystemText(); got != "Be terse.\nAnswer in English." {
		t.Errorf("system = %q", got)
	}
	if len(out.Messages) != 1 || out.Messages[0].Role != "user" {
		t.Errorf("messages = %+v", out.Messages)
	}
}

func TestClaudeFromChat_ExplicitMaxTokens(t *testing.T) {
	t.Parallel()
	mt := 512
	req := &gateway.ChatRequest{
		Model:     "m",
		MaxTokens: &mt,
		Messages:  []gateway.ChatMessage{{Role: "user", Content: json.RawMessage(`"hi"`)}},
	}
	out, err := ClaudeFromChat(req)
	if err != nil {
		t.Fatal(err)
	}
	if out.MaxTokens != 512 {
		t.Errorf("MaxTokens = %d, want 512", out.MaxTokens)
	}
}

func TestClaudeFromChat_ToolRoundTrip(t *testing.T) {
	t.Parallel()
	req := &gateway.ChatRequest{
		Model: "m",
		Messages: []gateway.ChatMessage{
			{Role: "user", Content: json.RawMessage(`"weather in Oslo?"`)},
			{
				Role: "assistant",
				ToolCalls: []gateway.ToolCall{{
					ID:   "call_1",
					Type: "function",
					Function: gateway.ToolCallFunction{
						Name:      "get_weather",
						Arguments: `{"city":"Oslo"}`,
					},
				}},
			},
			{Role: "tool", ToolCallID: "call_1", Content: json.RawMessage(`"4 degrees, rain"`)},
		},
		Tools: []gateway.ChatTool{{
			Type: "function",
			Function: gateway.ChatFunction{
				Name:        "get_weather",
				Description: "Current weather",
				Parameters:  map[string]any{"type": "object"},
			},
		}},
	}

	out, err := ClaudeFromChat(req)
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Messages) != 3 {
		t.Fatalf("messages = %d, want 3", len(out.Messages))
	}

	// The assistant turn carries a tool_use block.
	asst := string(out.Messages[1].Content)
	if gjson.Get(asst, "0.type").String() != "tool_use" {
		t.Errorf("assistant content = %s", asst)
	}
	if gjson.Get(asst, "0.input.city").String() != "Oslo" {
		t.Errorf("tool input = %s", asst)
	}

	// The tool turn folds into a user tool_result block.
	toolMsg := out.Messages[2]
	if toolMsg.Role != "user" {
		t.Errorf("tool message role = %s, want user", toolMsg.Role)
	}
	result := string(toolMsg.Content)
	if gjson.Get(result, "0.type").String() != "tool_result" {
		t.Errorf("tool result = %s", result)
	}
	if gjson.Get(result, "0.tool_use_id").String() != "call_1" {
		t.Errorf("tool_use_id = %s", result)
	}

	if len(out.Tools) != 1 || out.Tools[0].Name != "get_weather" {
		t.Errorf("tools = %+v", out.Tools)
	}
}

func TestClaudeFromChat_InvalidToolArguments(t *testing.T) {
	t.Parallel()
	req := &gateway.ChatRequest{
		Model: "m",
		Messages: []gateway.ChatMessage{
			{
				Role: "assistant",
				ToolCalls: []gateway.ToolCall{{
					ID:       "call_1",
					Function: gateway.ToolCallFunction{Name: "f", Arguments: `{broken`},
				}},
			},
		},
	}
	out, err := ClaudeFromChat(req)
	if err != nil {
		t.Fatal(err)
	}
	// Unparsable arguments degrade to an empty object.
	if got := gjson.GetBytes(out.Messages[0].Content, "0.input").Raw; got != "{}" {
		t.Errorf("input = %s, want {}", got)
	}
}

func TestClaudeFromChat_ImageDataURL(t *testing.T) {
	t.Parallel()
	req := &gateway.ChatRequest{
		Model: "m",
		Messages: []gateway.ChatMessage{{
			Role: "user",
			Content: json.RawMessage(`[
				{"type":"text","text":"what is this?"},
				{"type":"image_url","image_url":{"url":"data:image/png;base64,iVBORw0KGgo="}},
				{"type":"image_url","image_url":{"url":"https://example.com/a.png"}}
			]`),
		}},
	}

	out, err := ClaudeFromChat(req)
	if err != nil {
		t.Fatal(err)
	}
	content := string(out.Messages[0].Content)
	if gjson.Get(content, "#").Int() != 2 {
		t.Fatalf("blocks = %s, want text + data-url image only", content)
	}
	if gjson.Get(content, "1.source.media_type").String() != "image/png" {
		t.Errorf("media_type = %s", content)
	}
	if gjson.Get(content, "1.source.data").String() != "iVBORw0KGgo=" {
		t.Errorf("data = %s", content)
	}
}

func TestClaudeFromChat_UnsupportedRole(t *testing.T) {
	t.Parallel()
	req := &gateway.ChatRequest{
		Model:    "m",
		Messages: []gateway.ChatMessage{{Role: "developer", Content: json.RawMessage(`"x"`)}},
	}
	_, err := ClaudeFromChat(req)
	if !errors.Is(err, gateway.ErrBadRequest) {
		t.Fatalf("err = %v, want ErrBadRequest", err)
	}
}

func TestClaudeFromChat_NonFunctionToolsSkipped(t *testing.T) {
	t.Parallel()
	req := &gateway.ChatRequest{
		Model:    "m",
		Messages: []gateway.ChatMessage{{Role: "user", Content: json.RawMessage(`"hi"`)}},
		Tools: []gateway.ChatTool{
			{Type: "web_search", Function: gateway.ChatFunction{Name: "search"}},
			{Type: "function", Function: gateway.ChatFunction{Name: "keep"}},
		},
	}
	out, err := ClaudeFromChat(req)
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Tools) != 1 || out.Tools[0].Name != "keep" {
		t.Errorf("tools = %+v", out.Tools)
	}
}
