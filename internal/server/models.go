package server

import (
	"net/http"
	"time"
)

// servedModels are the model names the gateway accepts. Everything else is
// collapsed onto one of these by the per-channel model mapping.
var servedModels = []modelEntry{
	{ID: "claude-sonnet-4.5", OwnedBy: "anthropic"},
	{ID: "claude-sonnet-4", OwnedBy: "anthropic"},
	{ID: "claude-haiku-4.5", OwnedBy: "anthropic"},
	{ID: "claude-sonnet-4-5", OwnedBy: "anthropic"},
	{ID: "claude-sonnet-4-5-thinking", OwnedBy: "anthropic"},
	{ID: "gemini-2.5-flash", OwnedBy: "google"},
	{ID: "gemini-2.5-flash-thinking", OwnedBy: "google"},
	{ID: "gemini-2.5-flash-lite", OwnedBy: "google"},
	{ID: "gemini-2.5-flash-image", OwnedBy: "google"},
	{ID: "gemini-2.5-pro", OwnedBy: "google"},
	{ID: "gemini-3-pro-low", OwnedBy: "google"},
	{ID: "gemini-3-pro-high", OwnedBy: "google"},
	{ID: "gpt-oss-120b-medium", OwnedBy: "openai"},
}

// handleListModels returns an OpenAI-compatible model list.
func (s *server) handleListModels(w http.ResponseWriter, _ *http.Request) {
	now := time.Now().Unix()
	data := make([]modelEntry, len(servedModels))
	for i, m := range servedModels {
		m.Object = "model"
		m.Created = now
		data[i] = m
	}
	writeJSON(w, http.StatusOK, modelListResponse{
		Object: "list",
		Data:   data,
	})
}

type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

type modelListResponse struct {
	Object string       `json:"object"`
	Data   []modelEntry `json:"data"`
}
