// Package stream assembles upstream events into client-facing responses.
// An Assembler runs the block-index state machine over the event channel
// and drives a Handler; handlers render Claude SSE, OpenAI chunks, or
// collect a complete non-streaming response.
package stream

import (
	"context"
	"strings"

	gateway "github.com/eugener/palantir/internal"
)

// Handler receives ordered assembly callbacks. Indices are content-block
// positions in the final message; a block is opened, fed deltas, then
// stopped before the next one opens.
type Handler interface {
	OnMessageStart(conversationID string) error
	OnTextStart(index int) error
	OnTextDelta(index int, text string) error
	OnToolStart(index int, id, name string) error
	OnToolDelta(index int, partial string) error
	OnBlockStop(index int) error
	OnMessageEnd(stopReason string, usage gateway.Usage) error
}

// TokenEstimator estimates token counts for emitted output text.
type TokenEstimator interface {
	CountText(text string) int
}

// Assembler folds a raw upstream event stream into well-formed message
// structure: exactly one open block at a time, text and tool blocks
// interleaved in arrival order, textual bracket calls recovered at the end.
// Text that forms a bracket call is withheld from the emitted deltas; the
// recovered tool block is its only representation.
type Assembler struct {
	h   Handler
	est TokenEstimator

	started  bool
	finished bool

	blockIndex int
	textOpen   bool
	toolOpen   bool
	toolID     string
	toolName   string
	toolInput  strings.Builder

	fullText strings.Builder
	textTail string // withheld text that may open a bracket call

	outText   strings.Builder // text actually delivered to the handler
	outTool   strings.Builder // tool-input JSON delivered to the handler
	toolCount int
	seen      map[string]bool
	usage     gateway.Usage
}

// NewAssembler returns an Assembler driving h.
func NewAssembler(h Handler) *Assembler {
	return &Assembler{h: h, blockIndex: -1, seen: make(map[string]bool)}
}

// WithEstimator supplies the fallback used to fill in output tokens when
// the upstream reports no usage.
func (a *Assembler) WithEstimator(e TokenEstimator) *Assembler {
	a.est = e
	return a
}

// Consume drains the event channel until it closes or the context ends.
// A nil return means a complete message was delivered to the handler; the
// closing callbacks run even when the upstream stops without a terminal
// event, so partial output is never silently dropped.
func (a *Assembler) Consume(ctx context.Context, events <-chan gateway.StreamEvent) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return a.finish()
			}
			if ev.Err != nil {
				return ev.Err
			}
			if err := a.handle(ev); err != nil {
				return err
			}
			if a.finished {
				return nil
			}
		}
	}
}

func (a *Assembler) handle(ev gateway.StreamEvent) error {
	switch ev.Kind {
	case gateway.EventMessageStart:
		return a.ensureStart(ev.ConversationID)
	case gateway.EventTextDelta:
		if ev.Text == "" {
			return nil
		}
		if err := a.ensureStart(""); err != nil {
			return err
		}
		a.fullText.WriteString(ev.Text)
		return a.emitPlain(a.splitBrackets(ev.Text))
	case gateway.EventToolUse:
		if ev.Fragment == nil {
			return nil
		}
		return a.handleTool(ev.Fragment)
	case gateway.EventUsage:
		if ev.Usage != nil {
			a.usage = *ev.Usage
		}
		return nil
	case gateway.EventAssistantEnd:
		if err := a.flushTail(); err != nil {
			return err
		}
		for _, tu := range ev.ToolUses {
			if err := a.completedTool(tu); err != nil {
				return err
			}
		}
		return a.finish()
	default:
		return nil
	}
}

// emitPlain delivers ready-to-emit text, opening a text block on demand.
func (a *Assembler) emitPlain(text string) error {
	if text == "" {
		return nil
	}
	if err := a.closeTool(); err != nil {
		return err
	}
	if !a.textOpen {
		a.blockIndex++
		a.textOpen = true
		if err := a.h.OnTextStart(a.blockIndex); err != nil {
			return err
		}
	}
	a.outText.WriteString(text)
	return a.h.OnTextDelta(a.blockIndex, text)
}

// splitBrackets returns the emittable portion of chunk. Complete bracket
// call spans are cut out; a trailing region that may still grow into one is
// withheld until more text arrives or the stream ends.
func (a *Assembler) splitBrackets(chunk string) string {
	s := a.textTail + chunk
	a.textTail = ""

	var out strings.Builder
	for s != "" {
		j := strings.Index(s, bracketMarker)
		if j < 0 {
			keep := markerSuffixLen(s)
			out.WriteString(s[:len(s)-keep])
			a.textTail = s[len(s)-keep:]
			break
		}
		out.WriteString(s[:j])
		s = s[j:]
		n, state := bracketSpanLen(s)
		switch state {
		case spanComplete:
			s = s[n:]
		case spanInvalid:
			out.WriteByte(s[0])
			s = s[1:]
		default:
			a.textTail = s
			s = ""
		}
	}
	return out.String()
}

// completedTool emits one fully assembled tool invocation reported in the
// terminal assistant event.
func (a *Assembler) completedTool(tu gateway.CompletedToolUse) error {
	input := string(tu.Input)
	if input == "" {
		input = "{}"
	}
	if a.seen[tu.Name+"\x00"+input] {
		return nil
	}
	if err := a.ensureStart(""); err != nil {
		return err
	}
	if err := a.closeText(); err != nil {
		return err
	}
	if err := a.closeTool(); err != nil {
		return err
	}
	a.seen[tu.Name+"\x00"+input] = true
	a.blockIndex++
	a.toolCount++
	if err := a.h.OnToolStart(a.blockIndex, tu.ID, tu.Name); err != nil {
		return err
	}
	a.outTool.WriteString(input)
	if err := a.h.OnToolDelta(a.blockIndex, input); err != nil {
		return err
	}
	return a.h.OnBlockStop(a.blockIndex)
}

func (a *Assembler) handleTool(f *gateway.ToolUseFragment) error {
	if err := a.ensureStart(""); err != nil {
		return err
	}
	if err := a.closeText(); err != nil {
		return err
	}

	// A fragment naming a different tool while one is open means the
	// upstream dropped the stop marker; close the current block first.
	if a.toolOpen && f.ID != "" && f.ID != a.toolID {
		if err := a.closeTool(); err != nil {
			return err
		}
	}

	if !a.toolOpen {
		a.toolOpen = true
		a.toolID = f.ID
		a.toolName = f.Name
		a.toolInput.Reset()
		a.blockIndex++
		if err := a.h.OnToolStart(a.blockIndex, f.ID, f.Name); err != nil {
			return err
		}
	}
	if f.Input != "" {
		a.toolInput.WriteString(f.Input)
		if err := a.h.OnToolDelta(a.blockIndex, f.Input); err != nil {
			return err
		}
	}
	if f.Stop {
		return a.closeTool()
	}
	return nil
}

func (a *Assembler) ensureStart(conversationID string) error {
	if a.started {
		return nil
	}
	a.started = true
	return a.h.OnMessageStart(conversationID)
}

func (a *Assembler) closeText() error {
	if !a.textOpen {
		return nil
	}
	a.textOpen = false
	return a.h.OnBlockStop(a.blockIndex)
}

func (a *Assembler) closeTool() error {
	if !a.toolOpen {
		return nil
	}
	a.toolOpen = false
	a.toolCount++
	a.outTool.WriteString(a.toolInput.String())
	a.seen[a.toolName+"\x00"+a.toolInput.String()] = true
	return a.h.OnBlockStop(a.blockIndex)
}

// flushTail resolves withheld text at stream end. A tail that opens a
// bracket call stays suppressed; the rescue pass re-emits it as a tool
// block. Anything else was ordinary prose and is delivered late.
func (a *Assembler) flushTail() error {
	tail := a.textTail
	if tail == "" {
		return nil
	}
	a.textTail = ""
	if loc := calledRe.FindStringIndex(tail); loc != nil && loc[0] == 0 {
		return nil
	}
	return a.emitPlain(tail)
}

// finish closes any open block, rescues bracket-notation tool calls from
// the accumulated text, and delivers the terminal callbacks.
func (a *Assembler) finish() error {
	if a.finished {
		return nil
	}
	a.finished = true

	if err := a.ensureStart(""); err != nil {
		return err
	}
	if err := a.flushTail(); err != nil {
		return err
	}
	if err := a.closeText(); err != nil {
		return err
	}
	if err := a.closeTool(); err != nil {
		return err
	}

	for _, call := range ParseBracketCalls(a.fullText.String()) {
		if a.seen[call.Name+"\x00"+call.Arguments] {
			continue
		}
		a.blockIndex++
		a.toolCount++
		if err := a.h.OnToolStart(a.blockIndex, call.ID, call.Name); err != nil {
			return err
		}
		a.outTool.WriteString(call.Arguments)
		if err := a.h.OnToolDelta(a.blockIndex, call.Arguments); err != nil {
			return err
		}
		if err := a.h.OnBlockStop(a.blockIndex); err != nil {
			return err
		}
	}

	if a.usage.OutputTokens == 0 && a.est != nil {
		if out := a.outText.String() + a.outTool.String(); out != "" {
			a.usage.OutputTokens = a.est.CountText(out)
		}
	}

	stopReason := "end_turn"
	if a.toolCount > 0 {
		stopReason = "tool_use"
	}
	return a.h.OnMessageEnd(stopReason, a.usage)
}

// Usage returns the usage reported by the upstream, if any.
func (a *Assembler) Usage() gateway.Usage { return a.usage }

// Text returns all assistant text accumulated so far.
func (a *Assembler) Text() string { return a.fullText.String() }
