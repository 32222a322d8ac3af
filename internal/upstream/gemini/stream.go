package gemini

import (
	"context"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	gateway "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/upstream/sseutil"
)

// readStream consumes the Cloud Assist SSE body and emits stream events.
// Function calls arrive whole, so each one becomes a single self-contained
// fragment with Stop set.
func readStream(ctx context.Context, body io.ReadCloser, ch chan<- gateway.StreamEvent) {
	defer close(ch)
	defer body.Close()

	emit := func(ev gateway.StreamEvent) bool {
		select {
		case ch <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	started := false
	scanner := sseutil.NewScanner(body)
	for scanner.Scan() {
		_, data, ok := sseutil.ParseSSELine(scanner.Text())
		if !ok || data == "" || data == "[DONE]" {
			continue
		}

		payload := gjson.Parse(data)
		// Responses arrive wrapped in a "response" envelope; tolerate the
		// bare form too.
		if r := payload.Get("response"); r.Exists() {
			payload = r
		}

		if !started {
			started = true
			if !emit(gateway.StreamEvent{Kind: gateway.EventMessageStart}) {
				return
			}
		}

		if um := payload.Get("usageMetadata"); um.Exists() {
			ev := gateway.StreamEvent{
				Kind: gateway.EventUsage,
				Usage: &gateway.Usage{
					InputTokens:  int(um.Get("promptTokenCount").Int()),
					OutputTokens: int(um.Get("candidatesTokenCount").Int()),
				},
			}
			if !emit(ev) {
				return
			}
		}

		ok = true
		payload.Get("candidates").ForEach(func(_, candidate gjson.Result) bool {
			candidate.Get("content.parts").ForEach(func(_, p gjson.Result) bool {
				if text := p.Get("text"); text.Exists() && text.String() != "" {
					ok = emit(gateway.StreamEvent{Kind: gateway.EventTextDelta, Text: text.String()})
					return ok
				}
				if fc := p.Get("functionCall"); fc.Exists() {
					id := fc.Get("id").String()
					if id == "" {
						id = "toolu_" + uuid.NewString()[:8]
					}
					args := fc.Get("args").Raw
					if args == "" {
						args = "{}"
					}
					ok = emit(gateway.StreamEvent{
						Kind: gateway.EventToolUse,
						Fragment: &gateway.ToolUseFragment{
							ID:    id,
							Name:  fc.Get("name").String(),
							Input: args,
							Stop:  true,
						},
					})
					return ok
				}
				return true
			})
			return ok
		})
		if !ok {
			return
		}
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		emit(gateway.StreamEvent{Err: fmt.Errorf("gemini: read stream: %w", err)})
		return
	}

	emit(gateway.StreamEvent{Kind: gateway.EventAssistantEnd})
}
