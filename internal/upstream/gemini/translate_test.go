package gemini

import (
	"encoding/json"
	"strings"
	"testing"

	gateway "github.com/eugener/palantir/internal"
)

func TestMapModel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want string
	}{
		{"gemini-2.5-pro", "gemini-2.5-pro"},
		{"claude-sonnet-4-5", "claude-sonnet-4-5"},
		{"claude-sonnet-4.5", "claude-sonnet-4-5"},
		{"claude-3-5-sonnet-20241022", "claude-sonnet-4-5"},
		{"claude-opus-4", "gemini-3-pro-high"},
		{"claude-3-haiku-20240307", "gemini-2.5-flash"},
		{"totally-unknown", defaultModel},
		{"", defaultModel},
	}
	for _, tt := range tests {
		if got := MapModel(tt.in); got != tt.want {
			t.Errorf("MapModel(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestTranslateRequest_Envelope(t *testing.T) {
	t.Parallel()
	req := &gateway.MessagesRequest{
		Model:     "claude-sonnet-4.5",
		MaxTokens: 2048,
		System:    json.RawMessage(`"Be brief."`),
		Messages: []gateway.Message{
			{Role: "user", Content: json.RawMessage(`"hello"`)},
		},
	}

	out, err := translateRequest(req, "projects/p1")
	if err != nil {
		t.Fatal(err)
	}
	if out.Project != "projects/p1" {
		t.Errorf("project = %s", out.Project)
	}
	if !strings.HasPrefix(out.RequestID, "agent-") {
		t.Errorf("requestId = %s", out.RequestID)
	}
	if out.Model != "claude-sonnet-4-5" {
		t.Errorf("model = %s", out.Model)
	}
	if out.UserAgent != userAgent || out.RequestType != requestType {
		t.Errorf("client identity = %s / %s", out.UserAgent, out.RequestType)
	}

	inner := out.Request
	if inner.SessionID != sessionID {
		t.Errorf("sessionId = %s", inner.SessionID)
	}
	gc := inner.GenerationConfig
	if gc.Temperature != defaultTemperature || gc.TopP != 1 || gc.TopK != 40 || gc.CandidateCount != 1 {
		t.Errorf("generationConfig = %+v", gc)
	}
	if gc.MaxOutputTokens != 2048 {
		t.Errorf("maxOutputTokens = %d", gc.MaxOutputTokens)
	}
	if len(gc.StopSequences) != len(stopSequences) {
		t.Errorf("stopSequences = %v", gc.StopSequences)
	}

	si := inner.SystemInstruction
	if si == nil || si.Role != "user" || si.Parts[0].Text != "Be brief." {
		t.Errorf("systemInstruction = %+v", si)
	}
	if inner.ToolConfig != nil {
		t.Error("toolConfig set with no tools declared")
	}

	if len(inner.Contents) != 1 || inner.Contents[0].Role != "user" || inner.Contents[0].Parts[0].Text != "hello" {
		t.Errorf("contents = %+v", inner.Contents)
	}
}

func TestTranslateRequest_ExplicitTemperature(t *testing.T) {
	t.Parallel()
	temp := 0.9
	req := &gateway.MessagesRequest{
		Model:       "gemini-2.5-pro",
		Temperature: &temp,
		Messages:    []gateway.Message{{Role: "user", Content: json.RawMessage(`"hi"`)}},
	}
	out, err := translateRequest(req, "p")
	if err != nil {
		t.Fatal(err)
	}
	if out.Request.GenerationConfig.Temperature != 0.9 {
		t.Errorf("temperature = %v", out.Request.GenerationConfig.Temperature)
	}
}

func TestTranslateRequest_ToolTurns(t *testing.T) {
	t.Parallel()
	req := &gateway.MessagesRequest{
		Model: "claude-sonnet-4-5",
		Messages: []gateway.Message{
			{Role: "user", Content: json.RawMessage(`"look it up"`)},
			{Role: "assistant", Content: json.RawMessage(
				`[{"type":"tool_use","id":"t1","name":"lookup","input":{"q":"go"}}]`,
			)},
			{Role: "user", Content: json.RawMessage(
				`[{"type":"tool_result","tool_use_id":"t1","content":"found it"}]`,
			)},
		},
		Tools: []gateway.Tool{{
			Name:        "lookup",
			Description: "Searches",
			InputSchema: map[string]any{"type": "object"},
		}},
	}

	out, err := translateRequest(req, "p")
	if err != nil {
		t.Fatal(err)
	}

	asst := out.Request.Contents[1]
	if asst.Role != "model" {
		t.Errorf("assistant role = %s, want model", asst.Role)
	}
	fc := asst.Parts[0].FunctionCall
	if fc == nil || fc.ID != "t1" || fc.Name != "lookup" {
		t.Fatalf("functionCall = %+v", fc)
	}
	if string(fc.Args) != `{"q":"go"}` {
		t.Errorf("args = %s", fc.Args)
	}

	fr := out.Request.Contents[2].Parts[0].FunctionResponse
	if fr == nil || fr.ID != "t1" || fr.Response.Output != "found it" {
		t.Fatalf("functionResponse = %+v", fr)
	}

	if out.Request.ToolConfig == nil || out.Request.ToolConfig.FunctionCallingConfig.Mode != "VALIDATED" {
		t.Errorf("toolConfig = %+v", out.Request.ToolConfig)
	}
	decls := out.Request.Tools[0].FunctionDeclarations
	if len(decls) != 1 || decls[0].Name != "lookup" {
		t.Errorf("declarations = %+v", decls)
	}
}

func TestTranslateRequest_EmptyToolInputDefaultsToObject(t *testing.T) {
	t.Parallel()
	req := &gateway.MessagesRequest{
		Model: "m",
		Messages: []gateway.Message{
			{Role: "assistant", Content: json.RawMessage(
				`[{"type":"tool_use","id":"t1","name":"ping"}]`,
			)},
		},
	}
	out, err := translateRequest(req, "p")
	if err != nil {
		t.Fatal(err)
	}
	fc := out.Request.Contents[0].Parts[0].FunctionCall
	if string(fc.Args) != "{}" {
		t.Errorf("args = %s, want {}", fc.Args)
	}
}

func TestTranslateRequest_ImageBlock(t *testing.T) {
	t.Parallel()
	req := &gateway.MessagesRequest{
		Model: "m",
		Messages: []gateway.Message{{
			Role: "user",
			Content: json.RawMessage(`[
				{"type":"text","text":"what is this?"},
				{"type":"image","source":{"type":"base64","media_type":"image/png","data":"iVBORw0KGgo="}}
			]`),
		}},
	}
	out, err := translateRequest(req, "p")
	if err != nil {
		t.Fatal(err)
	}
	parts := out.Request.Contents[0].Parts
	if len(parts) != 2 {
		t.Fatalf("parts = %+v", parts)
	}
	img := parts[1].InlineData
	if img == nil || img.MimeType != "image/png" || img.Data != "iVBORw0KGgo=" {
		t.Errorf("inlineData = %+v", img)
	}
}

func TestResultText(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"plain string", `"done"`, "done"},
		{"block list", `[{"type":"text","text":"block"}]`, "block"},
		{"first block wins", `[{"type":"text","text":"a"},{"type":"text","text":"b"}]`, "a"},
		{"non-text block", `[{"type":"image"}]`, ""},
		{"empty", ``, ""},
		{"unparsable", `{"x":1}`, ""},
	}
	for _, tt := range tests {
		if got := resultText(json.RawMessage(tt.raw)); got != tt.want {
			t.Errorf("%s: resultText = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestCleanSchema(t *testing.T) {
	t.Parallel()

	schema := map[string]any{
		"$schema":              "http://json-schema.org/draft-07/schema#",
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]any{
			"name": map[string]any{
				"type":        "string",
				"description": "A name",
				"minLength":   float64(2),
				"maxLength":   float64(10),
			},
			"count": map[string]any{
				"type":    "integer",
				"minimum": float64(0),
			},
			"tags": map[string]any{
				"type":     "array",
				"maxItems": float64(5),
				"items":    map[string]any{"type": "string"},
			},
		},
	}

	got := cleanSchema(schema)

	if _, ok := got["$schema"]; ok {
		t.Error("$schema survived")
	}
	if _, ok := got["additionalProperties"]; ok {
		t.Error("additionalProperties survived")
	}

	props := got["properties"].(map[string]any)

	name := props["name"].(map[string]any)
	if _, ok := name["minLength"]; ok {
		t.Error("minLength survived")
	}
	desc := name["description"].(string)
	if !strings.Contains(desc, "A name") || !strings.Contains(desc, "minLength: 2") || !strings.Contains(desc, "maxLength: 10") {
		t.Errorf("folded description = %q", desc)
	}

	// A constraint with no description gets the synthetic one.
	count := props["count"].(map[string]any)
	if desc, _ := count["description"].(string); !strings.HasPrefix(desc, "Validation: ") || !strings.Contains(desc, "minimum: 0") {
		t.Errorf("synthetic description = %q", desc)
	}

	tags := props["tags"].(map[string]any)
	if _, ok := tags["maxItems"]; ok {
		t.Error("maxItems survived on array schema")
	}
	items := tags["items"].(map[string]any)
	if items["type"] != "string" {
		t.Errorf("nested items = %+v", items)
	}

	if cleanSchema(nil) != nil {
		t.Error("nil schema should stay nil")
	}
}
