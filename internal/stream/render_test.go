package stream

import (
	"encoding/json"
	"testing"

	"github.com/tidwall/gjson"

	gateway "github.com/eugener/palantir/internal"
)

type frame struct {
	event string
	data  string
}

func captureEmitter(frames *[]frame) Emitter {
	return func(event string, data []byte) error {
		*frames = append(*frames, frame{event: event, data: string(data)})
		return nil
	}
}

func TestClaudeRenderer_EventSequence(t *testing.T) {
	t.Parallel()
	var frames []frame
	r := NewClaudeRenderer(captureEmitter(&frames), "claude-sonnet-4.5", 42)

	drive := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
	}
	drive(r.OnMessageStart("conv"))
	drive(r.OnTextStart(0))
	drive(r.OnTextDelta(0, "hello"))
	drive(r.OnBlockStop(0))
	drive(r.OnToolStart(1, "toolu_1", "search"))
	drive(r.OnToolDelta(1, `{"q":"go"}`))
	drive(r.OnBlockStop(1))
	drive(r.OnMessageEnd("tool_use", gateway.Usage{OutputTokens: 9}))

	wantEvents := []string{
		"message_start", "ping",
		"content_block_start", "content_block_delta", "content_block_stop",
		"content_block_start", "content_block_delta", "content_block_stop",
		"message_delta", "message_stop",
	}
	if len(frames) != len(wantEvents) {
		t.Fatalf("got %d frames, want %d", len(frames), len(wantEvents))
	}
	for i, want := range wantEvents {
		if frames[i].event != want {
			t.Errorf("frame %d event = %s, want %s", i, frames[i].event, want)
		}
	}

	start := frames[0].data
	if got := gjson.Get(start, "message.usage.input_tokens").Int(); got != 42 {
		t.Errorf("message_start input_tokens = %d, want 42", got)
	}
	if got := gjson.Get(start, "message.model").String(); got != "claude-sonnet-4.5" {
		t.Errorf("message_start model = %s", got)
	}

	toolStart := frames[5].data
	if got := gjson.Get(toolStart, "content_block.name").String(); got != "search" {
		t.Errorf("tool block name = %s", got)
	}

	delta := frames[8].data
	if got := gjson.Get(delta, "delta.stop_reason").String(); got != "tool_use" {
		t.Errorf("stop_reason = %s", got)
	}
	// Upstream reported no input count; the request-side estimate stands in.
	if got := gjson.Get(delta, "usage.input_tokens").Int(); got != 42 {
		t.Errorf("message_delta input_tokens = %d, want 42", got)
	}
	if got := gjson.Get(delta, "usage.output_tokens").Int(); got != 9 {
		t.Errorf("message_delta output_tokens = %d, want 9", got)
	}
}

func TestClaudeCollector_Result(t *testing.T) {
	t.Parallel()
	c := NewClaudeCollector("claude-sonnet-4.5", 10)

	drive := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
	}
	drive(c.OnMessageStart("conv"))
	drive(c.OnTextStart(0))
	drive(c.OnTextDelta(0, "Let me check."))
	drive(c.OnBlockStop(0))
	drive(c.OnToolStart(1, "toolu_1", "get_weather"))
	drive(c.OnToolDelta(1, `{"city":`))
	drive(c.OnToolDelta(1, `"Oslo"}`))
	drive(c.OnBlockStop(1))
	drive(c.OnMessageEnd("tool_use", gateway.Usage{InputTokens: 20, OutputTokens: 5}))

	body, err := c.Result()
	if err != nil {
		t.Fatal(err)
	}

	if got := gjson.GetBytes(body, "content.#").Int(); got != 2 {
		t.Fatalf("content blocks = %d, want 2: %s", got, body)
	}
	if got := gjson.GetBytes(body, "content.0.text").String(); got != "Let me check." {
		t.Errorf("text block = %q", got)
	}
	if got := gjson.GetBytes(body, "content.1.input.city").String(); got != "Oslo" {
		t.Errorf("tool input = %s", gjson.GetBytes(body, "content.1.input").Raw)
	}
	if got := gjson.GetBytes(body, "stop_reason").String(); got != "tool_use" {
		t.Errorf("stop_reason = %s", got)
	}
	// Upstream usage wins over the request-side estimate when present.
	if got := gjson.GetBytes(body, "usage.input_tokens").Int(); got != 20 {
		t.Errorf("input_tokens = %d, want 20", got)
	}
}

func TestClaudeCollector_MalformedToolInput(t *testing.T) {
	t.Parallel()
	c := NewClaudeCollector("m", 1)
	_ = c.OnMessageStart("")
	_ = c.OnToolStart(0, "toolu_1", "broken")
	_ = c.OnToolDelta(0, `{"unclosed":`)
	_ = c.OnBlockStop(0)
	_ = c.OnMessageEnd("tool_use", gateway.Usage{})

	body, err := c.Result()
	if err != nil {
		t.Fatal(err)
	}
	// Unparsable accumulated input degrades to an empty object.
	if raw := gjson.GetBytes(body, "content.0.input").Raw; raw != "{}" {
		t.Errorf("input = %s, want {}", raw)
	}
}

func TestOpenAIRenderer_ChunkSequence(t *testing.T) {
	t.Parallel()
	var frames []frame
	r := NewOpenAIRenderer(captureEmitter(&frames), "claude-sonnet-4.5")

	drive := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
	}
	drive(r.OnMessageStart(""))
	drive(r.OnTextStart(0))
	drive(r.OnTextDelta(0, "hi"))
	drive(r.OnBlockStop(0))
	drive(r.OnToolStart(1, "call_1", "search"))
	drive(r.OnToolDelta(1, `{"q":"go"}`))
	drive(r.OnBlockStop(1))
	drive(r.OnMessageEnd("tool_use", gateway.Usage{}))

	last := frames[len(frames)-1]
	if last.data != "[DONE]" {
		t.Fatalf("final frame = %q, want [DONE]", last.data)
	}
	for _, f := range frames {
		if f.event != "" {
			t.Errorf("openai frames are data-only, got event %q", f.event)
		}
	}

	first := frames[0].data
	if got := gjson.Get(first, "choices.0.delta.role").String(); got != "assistant" {
		t.Errorf("first chunk role = %s", got)
	}
	if got := gjson.Get(first, "object").String(); got != "chat.completion.chunk" {
		t.Errorf("object = %s", got)
	}

	finish := frames[len(frames)-2].data
	if got := gjson.Get(finish, "choices.0.finish_reason").String(); got != "tool_calls" {
		t.Errorf("finish_reason = %s", got)
	}

	// OpenAI tool_calls numbering restarts at zero regardless of the
	// Claude-side block index.
	for _, f := range frames {
		if idx := gjson.Get(f.data, "choices.0.delta.tool_calls.0.index"); idx.Exists() && idx.Int() != 0 {
			t.Errorf("tool_calls index = %d, want 0", idx.Int())
		}
	}
}

func TestOpenAICollector_Result(t *testing.T) {
	t.Parallel()
	c := NewOpenAICollector("claude-sonnet-4.5", 15)

	drive := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
	}
	drive(c.OnMessageStart(""))
	drive(c.OnTextStart(0))
	drive(c.OnTextDelta(0, "Sure."))
	drive(c.OnBlockStop(0))
	drive(c.OnToolStart(1, "call_1", "get_weather"))
	drive(c.OnToolDelta(1, `{"city":"Oslo"}`))
	drive(c.OnBlockStop(1))
	drive(c.OnMessageEnd("tool_use", gateway.Usage{OutputTokens: 3}))

	body, err := c.Result()
	if err != nil {
		t.Fatal(err)
	}

	if got := gjson.GetBytes(body, "choices.0.message.content").String(); got != "Sure." {
		t.Errorf("content = %q", got)
	}
	if got := gjson.GetBytes(body, "choices.0.message.tool_calls.0.function.arguments").String(); got != `{"city":"Oslo"}` {
		t.Errorf("arguments = %q", got)
	}
	if got := gjson.GetBytes(body, "choices.0.finish_reason").String(); got != "tool_calls" {
		t.Errorf("finish_reason = %s", got)
	}
	if got := gjson.GetBytes(body, "usage.prompt_tokens").Int(); got != 15 {
		t.Errorf("prompt_tokens = %d, want 15", got)
	}
	if got := gjson.GetBytes(body, "usage.total_tokens").Int(); got != 18 {
		t.Errorf("total_tokens = %d, want 18", got)
	}

	var check map[string]any
	if err := json.Unmarshal(body, &check); err != nil {
		t.Fatalf("result is not valid JSON: %v", err)
	}
}
