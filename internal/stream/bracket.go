package stream

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// calledRe matches the textual tool-call notation some models emit instead
// of (or in addition to) native tool-use events:
//
//	[Called tool_name with args: {...}]
var calledRe = regexp.MustCompile(`\[Called\s+(\w+)\s+with\s+args:`)

// bracketMarker is the literal opening of the notation; the streaming path
// uses it to decide how much tail text to hold back.
const bracketMarker = "[Called"

// maxBracketHeader bounds how much text past "[Called" may still turn into
// a call header. Longer than this without the full header means the bracket
// was ordinary prose.
const maxBracketHeader = 128

// BracketCall is one tool call recovered from assistant text.
type BracketCall struct {
	ID        string
	Name      string
	Arguments string
}

// ParseBracketCalls scans assistant text for bracket-notation tool calls and
// returns them in order of appearance. Truncated argument objects go through
// a repair pass before being dropped. Calls that repeat an earlier (name,
// arguments) pair are collapsed.
func ParseBracketCalls(text string) []BracketCall {
	var calls []BracketCall
	seen := make(map[string]bool)

	for _, loc := range calledRe.FindAllStringSubmatchIndex(text, -1) {
		name := text[loc[2]:loc[3]]
		rest := text[loc[1]:]
		start := strings.IndexByte(rest, '{')
		if start < 0 {
			continue
		}
		end, closed := jsonSpan(rest[start:])
		args := rest[start : start+end]
		if !closed {
			args = rest[start:]
		}
		if !json.Valid([]byte(args)) {
			repaired, ok := repairJSON(args)
			if !ok {
				continue
			}
			args = repaired
		}
		sig := name + "\x00" + args
		if seen[sig] {
			continue
		}
		seen[sig] = true
		calls = append(calls, BracketCall{
			ID:        "call_" + uuid.NewString()[:8],
			Name:      name,
			Arguments: args,
		})
	}
	return calls
}

// extractJSONObject returns the first balanced {...} region of s. Falls back
// to the widest first-{ to last-} slice when balancing never closes.
func extractJSONObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}
	end, closed := jsonSpan(s[start:])
	if closed {
		return s[start : start+end], true
	}
	last := strings.LastIndexByte(s, '}')
	if last <= start {
		return "", false
	}
	return s[start : last+1], true
}

// jsonSpan scans the object opening at s[0] and returns where it ends
// (exclusive). Brace depth is tracked with string and escape awareness so
// braces inside string values do not end the object early. closed reports
// whether depth returned to zero; an unclosed span runs to the end of s.
func jsonSpan(s string) (int, bool) {
	depth := 0
	inString := false
	escape := false
	for i := 0; i < len(s); i++ {
		c := s[i]
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
	return len(s), false
}

// repairJSON completes a truncated JSON object: closes an unterminated
// string, drops a dangling separator or key, and appends the missing
// closers. Returns false when no candidate parses.
func repairJSON(s string) (string, bool) {
	var stack []byte
	inString := false
	escape := false
	for i := 0; i < len(s); i++ {
		c := s[i]
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
		case '{', '[':
			if !inString {
				stack = append(stack, c)
			}
		case '}', ']':
			if !inString && len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		}
	}

	base := s
	if escape {
		base = base[:len(base)-1]
	}
	if inString {
		base += `"`
	}
	base = strings.TrimRight(base, " \t\r\n")
	switch {
	case strings.HasSuffix(base, ":"):
		base += "null"
	case strings.HasSuffix(base, ","):
		base = base[:len(base)-1]
	}

	var closers strings.Builder
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i] == '{' {
			closers.WriteByte('}')
		} else {
			closers.WriteByte(']')
		}
	}

	// A truncated key closes to `..."key"` which needs a value to parse.
	for _, candidate := range []string{base + closers.String(), base + ":null" + closers.String()} {
		if json.Valid([]byte(candidate)) {
			return candidate, true
		}
	}
	return "", false
}

// spanState classifies the text starting at a bracket marker.
type spanState int

const (
	spanPending  spanState = iota // could still become a complete call
	spanComplete                  // a full [Called ... {...}] span
	spanInvalid                   // provably not a call
)

// bracketSpanLen examines s, which starts with "[Called", and reports
// whether a complete call span opens there. The returned length covers the
// span including the closing bracket when state is spanComplete.
func bracketSpanLen(s string) (int, spanState) {
	loc := calledRe.FindStringSubmatchIndex(s)
	if loc == nil || loc[0] != 0 {
		if len(s) >= maxBracketHeader {
			return 0, spanInvalid
		}
		return 0, spanPending
	}

	rest := s[loc[1]:]
	start := 0
	for start < len(rest) && (rest[start] == ' ' || rest[start] == '\t') {
		start++
	}
	if start >= len(rest) {
		return 0, spanPending
	}
	if rest[start] != '{' {
		return 0, spanInvalid
	}
	end, closed := jsonSpan(rest[start:])
	if !closed {
		return 0, spanPending
	}
	k := loc[1] + start + end
	for k < len(s) && (s[k] == ' ' || s[k] == '\t' || s[k] == '\n' || s[k] == '\r') {
		k++
	}
	if k >= len(s) {
		return 0, spanPending
	}
	if s[k] == ']' {
		return k + 1, spanComplete
	}
	return 0, spanInvalid
}

// markerSuffixLen returns the length of the longest suffix of s that is a
// proper prefix of the bracket marker, i.e. text that might grow into
// "[Called" with the next chunk.
func markerSuffixLen(s string) int {
	limit := len(bracketMarker) - 1
	if len(s) < limit {
		limit = len(s)
	}
	for n := limit; n > 0; n-- {
		if strings.HasSuffix(s, bracketMarker[:n]) {
			return n
		}
	}
	return 0
}
