package stream

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	gateway "github.com/eugener/palantir/internal"
)

// OpenAIRenderer renders assembly callbacks as chat.completion.chunk SSE
// data frames, finishing with a [DONE] marker.
type OpenAIRenderer struct {
	emit    Emitter
	model   string
	id      string
	created int64

	toolIndex int // OpenAI tool_calls use their own zero-based numbering
	toolOpen  bool
}

// NewOpenAIRenderer returns a renderer for the given model.
func NewOpenAIRenderer(emit Emitter, model string) *OpenAIRenderer {
	return &OpenAIRenderer{
		emit:      emit,
		model:     model,
		id:        "chatcmpl-" + uuid.NewString(),
		created:   time.Now().Unix(),
		toolIndex: -1,
	}
}

func (r *OpenAIRenderer) chunk(delta map[string]any, finishReason any) error {
	data, err := json.Marshal(map[string]any{
		"id":      r.id,
		"object":  "chat.completion.chunk",
		"created": r.created,
		"model":   r.model,
		"choices": []map[string]any{{
			"index":         0,
			"delta":         delta,
			"finish_reason": finishReason,
		}},
	})
	if err != nil {
		return fmt.Errorf("marshal chunk: %w", err)
	}
	return r.emit("", data)
}

func (r *OpenAIRenderer) OnMessageStart(string) error {
	return r.chunk(map[string]any{"role": "assistant", "content": ""}, nil)
}

func (r *OpenAIRenderer) OnTextStart(int) error { return nil }

func (r *OpenAIRenderer) OnTextDelta(_ int, text string) error {
	return r.chunk(map[string]any{"content": text}, nil)
}

func (r *OpenAIRenderer) OnToolStart(_ int, id, name string) error {
	r.toolIndex++
	r.toolOpen = true
	return r.chunk(map[string]any{
		"tool_calls": []map[string]any{{
			"index": r.toolIndex,
			"id":    id,
			"type":  "function",
			"function": map[string]any{
				"name":      name,
				"arguments": "",
			},
		}},
	}, nil)
}

func (r *OpenAIRenderer) OnToolDelta(_ int, partial string) error {
	return r.chunk(map[string]any{
		"tool_calls": []map[string]any{{
			"index":    r.toolIndex,
			"function": map[string]any{"arguments": partial},
		}},
	}, nil)
}

func (r *OpenAIRenderer) OnBlockStop(int) error {
	r.toolOpen = false
	return nil
}

func (r *OpenAIRenderer) OnMessageEnd(stopReason string, usage gateway.Usage) error {
	finish := "stop"
	if stopReason == "tool_use" {
		finish = "tool_calls"
	}
	if err := r.chunk(map[string]any{}, finish); err != nil {
		return err
	}
	return r.emit("", []byte("[DONE]"))
}

// OpenAICollector assembles a complete non-streaming chat.completion body.
type OpenAICollector struct {
	model       string
	inputTokens int

	id        string
	created   int64
	text      []byte
	toolCalls []map[string]any
	toolArgs  map[int][]byte // keyed by block index
	stopAs    string
	usage     gateway.Usage
}

// NewOpenAICollector returns a collector for the given model.
func NewOpenAICollector(model string, inputTokens int) *OpenAICollector {
	return &OpenAICollector{
		model:       model,
		inputTokens: inputTokens,
		id:          "chatcmpl-" + uuid.NewString(),
		created:     time.Now().Unix(),
		toolArgs:    make(map[int][]byte),
	}
}

func (c *OpenAICollector) OnMessageStart(string) error { return nil }
func (c *OpenAICollector) OnTextStart(int) error       { return nil }

func (c *OpenAICollector) OnTextDelta(_ int, text string) error {
	c.text = append(c.text, text...)
	return nil
}

func (c *OpenAICollector) OnToolStart(index int, id, name string) error {
	c.toolCalls = append(c.toolCalls, map[string]any{
		"id":   id,
		"type": "function",
		"function": map[string]any{
			"name":      name,
			"arguments": "",
		},
	})
	c.toolArgs[index] = nil
	return nil
}

func (c *OpenAICollector) OnToolDelta(index int, partial string) error {
	if _, ok := c.toolArgs[index]; ok {
		c.toolArgs[index] = append(c.toolArgs[index], partial...)
	}
	return nil
}

func (c *OpenAICollector) OnBlockStop(int) error { return nil }

func (c *OpenAICollector) OnMessageEnd(stopReason string, usage gateway.Usage) error {
	c.stopAs = "stop"
	if stopReason == "tool_use" {
		c.stopAs = "tool_calls"
	}
	c.usage = usage
	return nil
}

// Result returns the final chat.completion body.
func (c *OpenAICollector) Result() ([]byte, error) {
	// Tool arguments arrive keyed by block index but tool_calls are
	// appended in block order, so pair them positionally.
	indices := make([]int, 0, len(c.toolArgs))
	for i := range c.toolArgs {
		indices = append(indices, i)
	}
	sort.Ints(indices)
	for pos, idx := range indices {
		if pos < len(c.toolCalls) {
			c.toolCalls[pos]["function"].(map[string]any)["arguments"] = string(c.toolArgs[idx])
		}
	}

	message := map[string]any{"role": "assistant", "content": string(c.text)}
	if len(c.toolCalls) > 0 {
		message["tool_calls"] = c.toolCalls
	}

	in := c.usage.InputTokens
	if in == 0 {
		in = c.inputTokens
	}
	return json.Marshal(map[string]any{
		"id":      c.id,
		"object":  "chat.completion",
		"created": c.created,
		"model":   c.model,
		"choices": []map[string]any{{
			"index":         0,
			"message":       message,
			"finish_reason": c.stopAs,
		}},
		"usage": map[string]int{
			"prompt_tokens":     in,
			"completion_tokens": c.usage.OutputTokens,
			"total_tokens":      in + c.usage.OutputTokens,
		},
	})
}
