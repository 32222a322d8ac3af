package app

import (
	"encoding/json"
	"fmt"
	"strings"

	gateway "github.com/eugener/palantir/internal"
)

// defaultMaxTokens applies when an OpenAI-dialect request omits max_tokens,
// which the Claude dialect requires.
const defaultMaxTokens = 4096

// ClaudeFromChat converts an OpenAI chat completion request into the Claude
// Messages form the upstream translators consume. System messages become
// the system prompt, tool calls and tool results become content blocks,
// tool-role messages fold into user turns.
func ClaudeFromChat(req *gateway.ChatRequest) (*gateway.MessagesRequest, error) {
	out := &gateway.MessagesRequest{
		Model:       req.Model,
		MaxTokens:   defaultMaxTokens,
		Temperature: req.Temperature,
		Stream:      req.Stream,
	}
	if req.MaxTokens != nil {
		out.MaxTokens = *req.MaxTokens
	}

	var systemParts []string
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			systemParts = append(systemParts, chatText(m.Content))
		case "user":
			content, err := userContent(m.Content)
			if err != nil {
				return nil, err
			}
			out.Messages = append(out.Messages, gateway.Message{Role: "user", Content: content})
		case "assistant":
			content, err := assistantContent(m)
			if err != nil {
				return nil, err
			}
			out.Messages = append(out.Messages, gateway.Message{Role: "assistant", Content: content})
		case "tool":
			block := map[string]any{
				"type":        "tool_result",
				"tool_use_id": m.ToolCallID,
				"content":     chatText(m.Content),
			}
			raw, err := json.Marshal([]map[string]any{block})
			if err != nil {
				return nil, fmt.Errorf("marshal tool result: %w", err)
			}
			out.Messages = append(out.Messages, gateway.Message{Role: "user", Content: raw})
		default:
			return nil, fmt.Errorf("%w: unsupported message role %q", gateway.ErrBadRequest, m.Role)
		}
	}

	if len(systemParts) > 0 {
		sys, err := json.Marshal(strings.Join(systemParts, "\n"))
		if err != nil {
			return nil, fmt.Errorf("marshal system prompt: %w", err)
		}
		out.System = sys
	}

	for _, t := range req.Tools {
		if t.Type != "" && t.Type != "function" {
			continue
		}
		out.Tools = append(out.Tools, gateway.Tool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			InputSchema: t.Function.Parameters,
		})
	}

	return out, nil
}

// userContent converts OpenAI user content (string or part list) into Claude
// content. Text parts pass through; image_url parts carrying data URLs
// become base64 image blocks.
func userContent(raw json.RawMessage) (json.RawMessage, error) {
	if len(raw) == 0 {
		return json.Marshal("")
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return raw, nil
	}

	var parts []struct {
		Type     string `json:"type"`
		Text     string `json:"text"`
		ImageURL struct {
			URL string `json:"url"`
		} `json:"image_url"`
	}
	if err := json.Unmarshal(raw, &parts); err != nil {
		return nil, fmt.Errorf("%w: user content is neither string nor part list", gateway.ErrBadRequest)
	}

	var blocks []map[string]any
	for _, p := range parts {
		switch p.Type {
		case "text":
			blocks = append(blocks, map[string]any{"type": "text", "text": p.Text})
		case "image_url":
			mediaType, data, ok := parseDataURL(p.ImageURL.URL)
			if !ok {
				continue
			}
			blocks = append(blocks, map[string]any{
				"type": "image",
				"source": map[string]any{
					"type":       "base64",
					"media_type": mediaType,
					"data":       data,
				},
			})
		}
	}
	return json.Marshal(blocks)
}

func assistantContent(m gateway.ChatMessage) (json.RawMessage, error) {
	var blocks []map[string]any
	if text := chatText(m.Content); text != "" {
		blocks = append(blocks, map[string]any{"type": "text", "text": text})
	}
	for _, tc := range m.ToolCalls {
		var input json.RawMessage
		if json.Valid([]byte(tc.Function.Arguments)) && tc.Function.Arguments != "" {
			input = json.RawMessage(tc.Function.Arguments)
		} else {
			input = json.RawMessage(`{}`)
		}
		blocks = append(blocks, map[string]any{
			"type":  "tool_use",
			"id":    tc.ID,
			"name":  tc.Function.Name,
			"input": input,
		})
	}
	if blocks == nil {
		blocks = []map[string]any{}
	}
	return json.Marshal(blocks)
}

// chatText flattens OpenAI message content (string or part list) to text.
func chatText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &parts); err != nil {
		return ""
	}
	var texts []string
	for _, p := range parts {
		if p.Type == "text" && p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// parseDataURL splits a data:<mediatype>;base64,<data> URL.
func parseDataURL(u string) (mediaType, data string, ok bool) {
	rest, found := strings.CutPrefix(u, "data:")
	if !found {
		return "", "", false
	}
	meta, payload, found := strings.Cut(rest, ",")
	if !found || !strings.HasSuffix(meta, ";base64") {
		return "", "", false
	}
	return strings.TrimSuffix(meta, ";base64"), payload, true
}
