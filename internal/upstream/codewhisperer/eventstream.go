package codewhisperer

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws/protocol/eventstream"
	"github.com/tidwall/gjson"

	gateway "github.com/eugener/palantir/internal"
)

const (
	// preludeLen is the fixed frame prelude: total length, headers length,
	// prelude CRC, four bytes each.
	preludeLen = 12
	// minFrameLen is a prelude plus the trailing message CRC.
	minFrameLen = 16
	// maxFrameLen bounds a single frame; anything larger means the scanner
	// lost sync and is reading garbage as a length word.
	maxFrameLen = 2_000_000
	// maxScanErrors is how many consecutive resync attempts are tolerated
	// before the buffered data is discarded wholesale.
	maxScanErrors = 5
)

// Parser incrementally decodes the Amazon Q binary event stream. Feed it raw
// chunks as they arrive; it buffers partial frames, isolates complete ones,
// and resynchronises after corruption by advancing one byte at a time.
type Parser struct {
	buf      []byte
	errCount int
	decoder  *eventstream.Decoder
}

// NewParser returns a Parser ready to consume a fresh stream.
func NewParser() *Parser {
	return &Parser{decoder: eventstream.NewDecoder()}
}

// Feed appends a chunk and returns all events completed by it. A corrupt
// region of the stream yields no events; decoding resumes at the next valid
// frame boundary.
func (p *Parser) Feed(chunk []byte) []gateway.StreamEvent {
	p.buf = append(p.buf, chunk...)

	var events []gateway.StreamEvent
	for len(p.buf) >= preludeLen {
		total := binary.BigEndian.Uint32(p.buf[:4])
		if total < minFrameLen || total > maxFrameLen {
			p.resync()
			continue
		}
		if uint32(len(p.buf)) < total {
			break
		}
		frame := p.buf[:total]
		msg, err := p.decoder.Decode(bytes.NewReader(frame), nil)
		if err != nil {
			p.resync()
			continue
		}
		p.buf = p.buf[total:]
		p.errCount = 0
		if ev, ok := p.event(msg); ok {
			events = append(events, ev)
		}
	}
	return events
}

// resync skips one byte so the scanner can hunt for the next plausible
// prelude. Past the error threshold the whole buffer is dropped; partial
// loss beats emitting garbage deltas.
func (p *Parser) resync() {
	p.errCount++
	if p.errCount > maxScanErrors {
		slog.Warn("event stream unrecoverable, discarding buffer", "buffered", len(p.buf))
		p.buf = p.buf[:0]
		p.errCount = 0
		return
	}
	p.buf = p.buf[1:]
}

// Flush scavenges whatever is still buffered when the stream ends. A
// connection cut mid-frame can leave complete JSON payloads stranded behind
// an undecodable prelude; a lenient scan recovers any event-shaped objects
// instead of dropping the tail.
func (p *Parser) Flush() []gateway.StreamEvent {
	buf := p.buf
	p.buf = nil
	p.errCount = 0

	var events []gateway.StreamEvent
	for i := 0; i < len(buf); {
		j := bytes.IndexByte(buf[i:], '{')
		if j < 0 {
			break
		}
		j += i
		end, closed := jsonObjectEnd(buf[j:])
		if !closed {
			i = j + 1
			continue
		}
		if ev, ok := rescueEvent(buf[j : j+end]); ok {
			events = append(events, ev)
			i = j + end
			continue
		}
		i = j + 1
	}
	if len(events) > 0 {
		slog.Warn("rescued events from undecodable stream tail",
			"events", len(events), "buffered", len(buf))
	}
	return events
}

// jsonObjectEnd returns the length of the balanced JSON object opening at
// b[0], with string and escape awareness.
func jsonObjectEnd(b []byte) (int, bool) {
	depth := 0
	inString := false
	escape := false
	for i := 0; i < len(b); i++ {
		c := b[i]
		if escape {
			escape = false
			continue
		}
		switch c {
		case '\\':
			if inString {
				escape = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return i + 1, true
				}
			}
		}
	}
	return 0, false
}

// rescueEvent maps one scavenged object onto the event vocabulary by its
// distinguishing fields.
func rescueEvent(obj []byte) (gateway.StreamEvent, bool) {
	if !gjson.ValidBytes(obj) {
		return gateway.StreamEvent{}, false
	}
	v := gjson.ParseBytes(obj)
	switch {
	case v.Get("toolUseId").Exists() && v.Get("name").Exists():
		return gateway.StreamEvent{
			Kind: gateway.EventToolUse,
			Fragment: &gateway.ToolUseFragment{
				ID:    v.Get("toolUseId").String(),
				Name:  v.Get("name").String(),
				Input: v.Get("input").String(),
				Stop:  true,
			},
		}, true
	case v.Get("content").Exists():
		return gateway.StreamEvent{
			Kind: gateway.EventTextDelta,
			Text: v.Get("content").String(),
		}, true
	case v.Get("conversationId").Exists():
		return gateway.StreamEvent{
			Kind:           gateway.EventMessageStart,
			ConversationID: v.Get("conversationId").String(),
		}, true
	default:
		return gateway.StreamEvent{}, false
	}
}

// event maps one decoded frame to a stream event. Frames that carry nothing
// the translator needs (code references, supplementary metadata) return
// ok=false.
func (p *Parser) event(msg eventstream.Message) (gateway.StreamEvent, bool) {
	if headerString(msg, ":message-type") == "exception" {
		kind := headerString(msg, ":exception-type")
		return gateway.StreamEvent{
			Err: fmt.Errorf("%w: upstream exception %s: %s", gateway.ErrUpstreamUnavailable, kind, msg.Payload),
		}, true
	}

	payload := gjson.ParseBytes(msg.Payload)
	switch headerString(msg, ":event-type") {
	// The service opens the stream with initial-response; older deployments
	// used messageMetadataEvent. Both carry the conversation id.
	case "initial-response", "messageMetadataEvent":
		return gateway.StreamEvent{
			Kind:           gateway.EventMessageStart,
			ConversationID: payload.Get("conversationId").String(),
		}, true
	case "assistantResponseEvent":
		// The final assistant event may carry completed tool invocations
		// instead of text.
		if tu := payload.Get("toolUses"); tu.IsArray() {
			var uses []gateway.CompletedToolUse
			if err := json.Unmarshal([]byte(tu.Raw), &uses); err == nil && len(uses) > 0 {
				return gateway.StreamEvent{
					Kind:     gateway.EventAssistantEnd,
					ToolUses: uses,
				}, true
			}
		}
		return gateway.StreamEvent{
			Kind: gateway.EventTextDelta,
			Text: payload.Get("content").String(),
		}, true
	case "toolUseEvent":
		return gateway.StreamEvent{
			Kind: gateway.EventToolUse,
			Fragment: &gateway.ToolUseFragment{
				ID:    payload.Get("toolUseId").String(),
				Name:  payload.Get("name").String(),
				Input: payload.Get("input").String(),
				Stop:  payload.Get("stop").Bool(),
			},
		}, true
	case "errorEvent", "invalidStateEvent":
		return gateway.StreamEvent{
			Err: fmt.Errorf("%w: %s", gateway.ErrUpstreamUnavailable, msg.Payload),
		}, true
	default:
		return gateway.StreamEvent{}, false
	}
}

func headerString(msg eventstream.Message, name string) string {
	for _, h := range msg.Headers {
		if h.Name == name {
			if s, ok := h.Value.(eventstream.StringValue); ok {
				return string(s)
			}
		}
	}
	return ""
}
