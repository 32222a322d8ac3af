// Package gemini implements the Gemini Cloud Assist upstream: request
// translation, the SSE stream reader, and the HTTP client.
package gemini

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	gateway "github.com/eugener/palantir/internal"
)

const (
	userAgent   = "antigravity/1.11.3 darwin/arm64"
	requestType = "agent"
	// sessionID is the fixed session marker the Antigravity client sends.
	sessionID = "-3750763034362895578"

	defaultTemperature = 0.4
	defaultModel       = "claude-sonnet-4-5"
)

// stopSequences mirrors the Antigravity client's chat template markers.
var stopSequences = []string{"<|user|>", "<|bot|>", "<|context_request|>", "<|endoftext|>", "<|end_of_turn|>"}

// supportedModels are passed through unchanged.
var supportedModels = map[string]bool{
	"gemini-2.5-flash":           true,
	"gemini-2.5-flash-thinking":  true,
	"gemini-2.5-pro":             true,
	"gemini-3-pro-low":           true,
	"gemini-3-pro-high":          true,
	"gemini-2.5-flash-lite":      true,
	"gemini-2.5-flash-image":     true,
	"claude-sonnet-4-5":          true,
	"claude-sonnet-4-5-thinking": true,
	"gpt-oss-120b-medium":        true,
}

// modelAliases maps well-known Claude model names onto backend models.
var modelAliases = map[string]string{
	"claude-sonnet-4.5":          "claude-sonnet-4-5",
	"claude-3-5-sonnet-20241022": "claude-sonnet-4-5",
	"claude-3-5-sonnet-20240620": "claude-sonnet-4-5",
	"claude-opus-4":              "gemini-3-pro-high",
	"claude-haiku-4":             "claude-haiku-4.5",
	"claude-3-haiku-20240307":    "gemini-2.5-flash",
}

// MapModel resolves a caller-supplied model name: supported names pass
// through, known aliases translate, everything else falls back to the
// default model.
func MapModel(model string) string {
	if supportedModels[model] {
		return model
	}
	if mapped, ok := modelAliases[model]; ok {
		return mapped
	}
	return defaultModel
}

// assistRequest is the v1internal:streamGenerateContent envelope.
type assistRequest struct {
	Project     string       `json:"project"`
	RequestID   string       `json:"requestId"`
	Request     innerRequest `json:"request"`
	Model       string       `json:"model"`
	UserAgent   string       `json:"userAgent"`
	RequestType string       `json:"requestType"`
}

type innerRequest struct {
	Contents          []content        `json:"contents"`
	GenerationConfig  generationConfig `json:"generationConfig"`
	SessionID         string           `json:"sessionId"`
	SystemInstruction *content         `json:"systemInstruction,omitempty"`
	Tools             []toolDecl       `json:"tools,omitempty"`
	ToolConfig        *toolConfig      `json:"toolConfig,omitempty"`
}

type content struct {
	Role  string `json:"role"`
	Parts []part `json:"parts"`
}

type part struct {
	Text             string            `json:"text,omitempty"`
	InlineData       *inlineData       `json:"inlineData,omitempty"`
	FunctionCall     *functionCall     `json:"functionCall,omitempty"`
	FunctionResponse *functionResponse `json:"functionResponse,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type functionCall struct {
	ID   string          `json:"id,omitempty"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

type functionResponse struct {
	ID       string         `json:"id,omitempty"`
	Name     string         `json:"name"`
	Response functionOutput `json:"response"`
}

type functionOutput struct {
	Output string `json:"output"`
}

type generationConfig struct {
	Temperature     float64  `json:"temperature"`
	TopP            int      `json:"topP"`
	TopK            int      `json:"topK"`
	CandidateCount  int      `json:"candidateCount"`
	MaxOutputTokens int      `json:"maxOutputTokens"`
	StopSequences   []string `json:"stopSequences"`
}

type toolDecl struct {
	FunctionDeclarations []functionDeclaration `json:"functionDeclarations"`
}

type functionDeclaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type toolConfig struct {
	FunctionCallingConfig functionCallingConfig `json:"functionCallingConfig"`
}

type functionCallingConfig struct {
	Mode string `json:"mode"`
}

// translateRequest converts a Claude Messages request into the Cloud Assist
// envelope for the given project.
func translateRequest(req *gateway.MessagesRequest, project string) (*assistRequest, error) {
	contents := make([]content, 0, len(req.Messages))
	for _, m := range req.Messages {
		role := "model"
		if m.Role == "user" {
			role = "user"
		}
		blocks, err := m.Blocks()
		if err != nil {
			return nil, err
		}
		parts := make([]part, 0, len(blocks))
		for _, b := range blocks {
			switch b.Type {
			case "text":
				parts = append(parts, part{Text: b.Text})
			case "image":
				if b.Source != nil && b.Source.Type == "base64" {
					parts = append(parts, part{InlineData: &inlineData{
						MimeType: b.Source.MediaType,
						Data:     b.Source.Data,
					}})
				}
			case "tool_use":
				args := b.Input
				if len(args) == 0 {
					args = json.RawMessage(`{}`)
				}
				parts = append(parts, part{FunctionCall: &functionCall{
					ID:   b.ID,
					Name: b.Name,
					Args: args,
				}})
			case "tool_result":
				parts = append(parts, part{FunctionResponse: &functionResponse{
					ID:       b.ToolUseID,
					Name:     b.Name,
					Response: functionOutput{Output: resultText(b.Content)},
				}})
			}
		}
		contents = append(contents, content{Role: role, Parts: parts})
	}

	temp := defaultTemperature
	if req.Temperature != nil {
		temp = *req.Temperature
	}

	out := &assistRequest{
		Project:   project,
		RequestID: "agent-" + uuid.NewString(),
		Request: innerRequest{
			Contents: contents,
			GenerationConfig: generationConfig{
				Temperature:     temp,
				TopP:            1,
				TopK:            40,
				CandidateCount:  1,
				MaxOutputTokens: req.MaxTokens,
				StopSequences:   stopSequences,
			},
			SessionID: sessionID,
		},
		Model:       MapModel(req.Model),
		UserAgent:   userAgent,
		RequestType: requestType,
	}

	if sys := req.SystemText(); sys != "" {
		out.Request.SystemInstruction = &content{
			Role:  "user",
			Parts: []part{{Text: sys}},
		}
	}

	if len(req.Tools) > 0 {
		decls := make([]toolDecl, 0, len(req.Tools))
		for _, t := range req.Tools {
			decls = append(decls, toolDecl{FunctionDeclarations: []functionDeclaration{{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  cleanSchema(t.InputSchema),
			}}})
		}
		out.Request.Tools = decls
		out.Request.ToolConfig = &toolConfig{
			FunctionCallingConfig: functionCallingConfig{Mode: "VALIDATED"},
		}
	}

	return out, nil
}

// resultText flattens a tool_result content value to the single string the
// functionResponse output field carries: strings pass through, block lists
// contribute their first text entry.
func resultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var items []map[string]any
	if err := json.Unmarshal(raw, &items); err == nil && len(items) > 0 {
		if txt, ok := items[0]["text"].(string); ok {
			return txt
		}
	}
	return ""
}

// validationFields are JSON Schema constraints the backend rejects; their
// values are folded into the description instead.
var validationFields = []string{"minLength", "maxLength", "minimum", "maximum", "minItems", "maxItems"}

// cleanSchema strips schema fields the backend's declaration validator does
// not accept. Constraint fields are summarised into the description so the
// model still sees them.
func cleanSchema(schema map[string]any) map[string]any {
	if schema == nil {
		return nil
	}

	var validations []string
	for _, f := range validationFields {
		if v, ok := schema[f]; ok {
			validations = append(validations, fmt.Sprintf("%s: %v", f, v))
		}
	}

	cleaned := make(map[string]any, len(schema))
	for key, value := range schema {
		if key == "$schema" || key == "additionalProperties" {
			continue
		}
		skip := false
		for _, f := range validationFields {
			if key == f {
				skip = true
				break
			}
		}
		if skip {
			continue
		}

		switch v := value.(type) {
		case map[string]any:
			cleaned[key] = cleanSchema(v)
		case []any:
			items := make([]any, len(v))
			for i, item := range v {
				if m, ok := item.(map[string]any); ok {
					items[i] = cleanSchema(m)
				} else {
					items[i] = item
				}
			}
			cleaned[key] = items
		default:
			if key == "description" && len(validations) > 0 {
				cleaned[key] = fmt.Sprintf("%v (%s)", value, strings.Join(validations, ", "))
			} else {
				cleaned[key] = value
			}
		}
	}

	if len(validations) > 0 {
		if _, ok := cleaned["description"]; !ok {
			cleaned["description"] = "Validation: " + strings.Join(validations, ", ")
		}
	}
	return cleaned
}
