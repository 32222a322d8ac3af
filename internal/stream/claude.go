package stream

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	gateway "github.com/eugener/palantir/internal"
)

// Emitter writes one wire frame to the client. For Claude SSE both the
// event name and data are set; OpenAI-style streams use data-only frames
// with an empty event name.
type Emitter func(event string, data []byte) error

// ClaudeRenderer renders assembly callbacks as Claude Messages SSE events.
type ClaudeRenderer struct {
	emit        Emitter
	model       string
	inputTokens int
	messageID   string
}

// NewClaudeRenderer returns a renderer for the given model. inputTokens is
// the request-side estimate reported in message_start.
func NewClaudeRenderer(emit Emitter, model string, inputTokens int) *ClaudeRenderer {
	return &ClaudeRenderer{
		emit:        emit,
		model:       model,
		inputTokens: inputTokens,
		messageID:   "msg_" + uuid.NewString(),
	}
}

func (r *ClaudeRenderer) send(event string, payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", event, err)
	}
	return r.emit(event, data)
}

func (r *ClaudeRenderer) OnMessageStart(string) error {
	err := r.send("message_start", map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id":            r.messageID,
			"type":          "message",
			"role":          "assistant",
			"content":       []any{},
			"model":         r.model,
			"stop_reason":   nil,
			"stop_sequence": nil,
			"usage":         map[string]int{"input_tokens": r.inputTokens, "output_tokens": 0},
		},
	})
	if err != nil {
		return err
	}
	return r.send("ping", map[string]any{"type": "ping"})
}

func (r *ClaudeRenderer) OnTextStart(index int) error {
	return r.send("content_block_start", map[string]any{
		"type":          "content_block_start",
		"index":         index,
		"content_block": map[string]any{"type": "text", "text": ""},
	})
}

func (r *ClaudeRenderer) OnTextDelta(index int, text string) error {
	return r.send("content_block_delta", map[string]any{
		"type":  "content_block_delta",
		"index": index,
		"delta": map[string]any{"type": "text_delta", "text": text},
	})
}

func (r *ClaudeRenderer) OnToolStart(index int, id, name string) error {
	return r.send("content_block_start", map[string]any{
		"type":  "content_block_start",
		"index": index,
		"content_block": map[string]any{
			"type":  "tool_use",
			"id":    id,
			"name":  name,
			"input": map[string]any{},
		},
	})
}

func (r *ClaudeRenderer) OnToolDelta(index int, partial string) error {
	return r.send("content_block_delta", map[string]any{
		"type":  "content_block_delta",
		"index": index,
		"delta": map[string]any{"type": "input_json_delta", "partial_json": partial},
	})
}

func (r *ClaudeRenderer) OnBlockStop(index int) error {
	return r.send("content_block_stop", map[string]any{
		"type":  "content_block_stop",
		"index": index,
	})
}

func (r *ClaudeRenderer) OnMessageEnd(stopReason string, usage gateway.Usage) error {
	in := usage.InputTokens
	if in == 0 {
		in = r.inputTokens
	}
	err := r.send("message_delta", map[string]any{
		"type":  "message_delta",
		"delta": map[string]any{"stop_reason": stopReason, "stop_sequence": nil},
		"usage": map[string]int{"input_tokens": in, "output_tokens": usage.OutputTokens},
	})
	if err != nil {
		return err
	}
	return r.send("message_stop", map[string]any{"type": "message_stop"})
}

// ClaudeCollector assembles a complete non-streaming Claude message.
type ClaudeCollector struct {
	model       string
	inputTokens int

	messageID  string
	content    []map[string]any
	toolInputs map[int]*jsonAccumulator
	stopReason string
	usage      gateway.Usage
}

type jsonAccumulator struct {
	buf []byte
}

// NewClaudeCollector returns a collector for the given model.
func NewClaudeCollector(model string, inputTokens int) *ClaudeCollector {
	return &ClaudeCollector{
		model:       model,
		inputTokens: inputTokens,
		messageID:   "msg_" + uuid.NewString(),
		toolInputs:  make(map[int]*jsonAccumulator),
	}
}

func (c *ClaudeCollector) OnMessageStart(string) error { return nil }

func (c *ClaudeCollector) OnTextStart(index int) error {
	c.content = append(c.content, map[string]any{"type": "text", "text": ""})
	return nil
}

func (c *ClaudeCollector) OnTextDelta(index int, text string) error {
	if index < len(c.content) {
		c.content[index]["text"] = c.content[index]["text"].(string) + text
	}
	return nil
}

func (c *ClaudeCollector) OnToolStart(index int, id, name string) error {
	c.content = append(c.content, map[string]any{
		"type":  "tool_use",
		"id":    id,
		"name":  name,
		"input": map[string]any{},
	})
	c.toolInputs[index] = &jsonAccumulator{}
	return nil
}

func (c *ClaudeCollector) OnToolDelta(index int, partial string) error {
	if acc, ok := c.toolInputs[index]; ok {
		acc.buf = append(acc.buf, partial...)
	}
	return nil
}

func (c *ClaudeCollector) OnBlockStop(index int) error {
	acc, ok := c.toolInputs[index]
	if !ok || index >= len(c.content) {
		return nil
	}
	var input map[string]any
	if err := json.Unmarshal(acc.buf, &input); err != nil || input == nil {
		input = map[string]any{}
	}
	c.content[index]["input"] = input
	return nil
}

func (c *ClaudeCollector) OnMessageEnd(stopReason string, usage gateway.Usage) error {
	c.stopReason = stopReason
	c.usage = usage
	return nil
}

// Result returns the final message body.
func (c *ClaudeCollector) Result() ([]byte, error) {
	in := c.usage.InputTokens
	if in == 0 {
		in = c.inputTokens
	}
	content := c.content
	if content == nil {
		content = []map[string]any{}
	}
	return json.Marshal(map[string]any{
		"id":            c.messageID,
		"type":          "message",
		"role":          "assistant",
		"content":       content,
		"model":         c.model,
		"stop_reason":   c.stopReason,
		"stop_sequence": nil,
		"usage":         map[string]int{"input_tokens": in, "output_tokens": c.usage.OutputTokens},
	})
}
