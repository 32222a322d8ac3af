package stream

import (
	"strings"
	"testing"
)

func TestParseBracketCalls(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		text string
		want []BracketCall
	}{
		{
			name: "single call",
			text: `Let me look that up. [Called get_weather with args: {"city":"Oslo"}]`,
			want: []BracketCall{{Name: "get_weather", Arguments: `{"city":"Oslo"}`}},
		},
		{
			name: "multiple calls in order",
			text: `[Called first with args: {"a":1}] then [Called second with args: {"b":2}]`,
			want: []BracketCall{
				{Name: "first", Arguments: `{"a":1}`},
				{Name: "second", Arguments: `{"b":2}`},
			},
		},
		{
			name: "repeated call collapsed",
			text: `[Called ping with args: {}] again [Called ping with args: {}]`,
			want: []BracketCall{{Name: "ping", Arguments: `{}`}},
		},
		{
			name: "braces inside string values",
			text: `[Called run with args: {"cmd":"echo {ok}"}]`,
			want: []BracketCall{{Name: "run", Arguments: `{"cmd":"echo {ok}"}`}},
		},
		{
			name: "escaped quotes",
			text: `[Called say with args: {"msg":"he said \"hi\""}]`,
			want: []BracketCall{{Name: "say", Arguments: `{"msg":"he said \"hi\""}`}},
		},
		{
			name: "nested objects",
			text: `[Called cfg with args: {"opts":{"deep":{"x":1}}}]`,
			want: []BracketCall{{Name: "cfg", Arguments: `{"opts":{"deep":{"x":1}}}`}},
		},
		{
			name: "invalid json skipped",
			text: `[Called broken with args: {not json}]`,
			want: nil,
		},
		{
			name: "no args object skipped",
			text: `[Called missing with args: none]`,
			want: nil,
		},
		{
			name: "plain text",
			text: `Nothing to call here.`,
			want: nil,
		},
		{
			name: "truncated args repaired",
			text: `[Called q with args: {"query":"abc`,
			want: []BracketCall{{Name: "q", Arguments: `{"query":"abc"}`}},
		},
		{
			name: "truncated nested args repaired",
			text: `[Called cfg with args: {"opts":{"deep":true,`,
			want: []BracketCall{{Name: "cfg", Arguments: `{"opts":{"deep":true}}`}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseBracketCalls(tt.text)
			if len(got) != len(tt.want) {
				t.Fatalf("got %d calls, want %d: %+v", len(got), len(tt.want), got)
			}
			for i := range tt.want {
				if got[i].Name != tt.want[i].Name {
					t.Errorf("call %d name = %q, want %q", i, got[i].Name, tt.want[i].Name)
				}
				if got[i].Arguments != tt.want[i].Arguments {
					t.Errorf("call %d args = %q, want %q", i, got[i].Arguments, tt.want[i].Arguments)
				}
				if got[i].ID == "" {
					t.Errorf("call %d has no generated id", i)
				}
			}
		})
	}
}

func TestRepairJSON(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{`{"a":1`, `{"a":1}`, true},
		{`{"s":"open`, `{"s":"open"}`, true},
		{`{"s":"tail\`, `{"s":"tail"}`, true},
		{`{"a":1,`, `{"a":1}`, true},
		{`{"a":`, `{"a":null}`, true},
		{`{"key"`, `{"key":null}`, true},
		{`{"list":[1,2`, `{"list":[1,2]}`, true},
		{`{"a":{"b":"c`, `{"a":{"b":"c"}}`, true},
		{`{not json`, "", false},
	}
	for _, tt := range tests {
		got, ok := repairJSON(tt.in)
		if ok != tt.ok || got != tt.want {
			t.Errorf("repairJSON(%q) = %q, %v; want %q, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestBracketSpanLen(t *testing.T) {
	t.Parallel()

	complete := `[Called ping with args: {"n":1}]`
	tests := []struct {
		name  string
		in    string
		n     int
		state spanState
	}{
		{"complete span", complete + " tail", len(complete), spanComplete},
		{"header still arriving", `[Called pi`, 0, spanPending},
		{"args still arriving", `[Called ping with args: {"n":`, 0, spanPending},
		{"closing bracket still arriving", `[Called ping with args: {"n":1}`, 0, spanPending},
		{"non-object args", `[Called ping with args: none]`, 0, spanInvalid},
		{"junk after args object", `[Called ping with args: {"n":1} x]`, 0, spanInvalid},
		{"oversized header", "[Called " + strings.Repeat("x", maxBracketHeader) + "(", 0, spanInvalid},
	}
	for _, tt := range tests {
		n, state := bracketSpanLen(tt.in)
		if n != tt.n || state != tt.state {
			t.Errorf("%s: bracketSpanLen = (%d, %d), want (%d, %d)", tt.name, n, state, tt.n, tt.state)
		}
	}
}

func TestMarkerSuffixLen(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want int
	}{
		{"some prose [Cal", 4},
		{"ends with [", 1},
		{"no marker here", 0},
		{"", 0},
	}
	for _, tt := range tests {
		if got := markerSuffixLen(tt.in); got != tt.want {
			t.Errorf("markerSuffixLen(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestExtractJSONObject(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{` {"a":1} tail`, `{"a":1}`, true},
		{`{"s":"}"}`, `{"s":"}"}`, true},
		{`no object`, "", false},
		// Unbalanced input falls back to the widest brace span.
		{`{"a": {"b": 1} trailing}`, `{"a": {"b": 1} trailing}`, true},
	}
	for _, tt := range tests {
		got, ok := extractJSONObject(tt.in)
		if ok != tt.ok || got != tt.want {
			t.Errorf("extractJSONObject(%q) = %q, %v; want %q, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}
