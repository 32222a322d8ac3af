// Package tokencount provides token estimation for reported usage.
// Uses a character-based heuristic (~4 chars per token for English) which is
// sufficient for client-side accounting; the upstreams do not report input
// token counts themselves.
package tokencount

import (
	"regexp"
	"strings"

	gateway "github.com/eugener/palantir/internal"
)

// Counter estimates token counts for requests and text. Models matching one
// of the zero-input keywords report zero input tokens; some clients select
// their cheap model by watching that figure.
type Counter struct {
	zeroPatterns []*regexp.Regexp
}

// NewCounter creates a Counter. zeroInputModels holds keywords (e.g.
// "haiku") matched as whole words within the model name, delimited by
// - or _ or the name's edges.
func NewCounter(zeroInputModels []string) *Counter {
	c := &Counter{}
	for _, kw := range zeroInputModels {
		kw = strings.TrimSpace(kw)
		if kw == "" {
			continue
		}
		c.zeroPatterns = append(c.zeroPatterns,
			regexp.MustCompile(`(^|[-_])`+regexp.QuoteMeta(strings.ToLower(kw))+`([-_]|$)`))
	}
	return c
}

// EstimateRequest estimates the input token count for a Messages request:
// system prompt, message content, and tool declarations all contribute.
// Zero-input models report zero regardless of content.
func (c *Counter) EstimateRequest(req *gateway.MessagesRequest) int {
	if c.ZeroInput(req.Model) {
		return 0
	}
	total := estimateTokens(req.SystemText())
	for _, m := range req.Messages {
		total += 4 // role and framing overhead
		total += estimateTokens(string(m.Content))
	}
	for _, t := range req.Tools {
		total += estimateTokens(t.Name) + estimateTokens(t.Description)
	}
	return max(total, 1)
}

// CountText estimates tokens for a plain text string.
func (c *Counter) CountText(text string) int {
	if text == "" {
		return 0
	}
	return max(estimateTokens(text), 1)
}

// ZeroInput reports whether the model's input tokens are reported as zero.
func (c *Counter) ZeroInput(model string) bool {
	m := strings.ToLower(model)
	for _, p := range c.zeroPatterns {
		if p.MatchString(m) {
			return true
		}
	}
	return false
}

// estimateTokens uses the ~4 characters per token heuristic; ceil division.
func estimateTokens(s string) int {
	if len(s) == 0 {
		return 0
	}
	return (len(s) + 3) / 4
}
