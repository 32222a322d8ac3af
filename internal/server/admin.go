package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	gateway "github.com/eugener/palantir/internal"
)

// maxAdminBody is the maximum allowed admin request body size (1 MB).
const maxAdminBody = 1 << 20

// decodeJSON limits body size, decodes JSON into v, and writes a 400 on error.
// Returns true if decoding succeeded.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxAdminBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid request body"))
		return false
	}
	return true
}

// accountPayload is the writable subset of an account. Secrets are accepted
// on input here but never echoed back (Account redacts them on marshal).
type accountPayload struct {
	Label        *string         `json:"label"`
	Type         gateway.Channel `json:"type"`
	Enabled      *bool           `json:"enabled"`
	ClientID     *string         `json:"clientId"`
	ClientSecret *string         `json:"clientSecret"`
	RefreshToken *string         `json:"refreshToken"`
	AccessToken  *string         `json:"accessToken"`
	Other        json.RawMessage `json:"other"`
}

func (p *accountPayload) apply(a *gateway.Account) {
	if p.Label != nil {
		a.Label = *p.Label
	}
	if p.Type != "" {
		a.Type = p.Type
	}
	if p.Enabled != nil {
		a.Enabled = *p.Enabled
	}
	if p.ClientID != nil {
		a.ClientID = *p.ClientID
	}
	if p.ClientSecret != nil {
		a.ClientSecret = *p.ClientSecret
	}
	if p.RefreshToken != nil {
		a.RefreshToken = *p.RefreshToken
	}
	if p.AccessToken != nil {
		a.AccessToken = *p.AccessToken
	}
	if len(p.Other) > 0 {
		a.Other = p.Other
	}
}

func (s *server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	channel := gateway.Channel(r.URL.Query().Get("type"))
	if channel != "" && !channel.Valid() {
		writeJSON(w, http.StatusBadRequest, errorResponse("unknown account type"))
		return
	}
	accounts, err := s.deps.Accounts.List(r.Context(), channel)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"accounts": accounts,
		"total":    len(accounts),
	})
}

func (s *server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var payload accountPayload
	if !decodeJSON(w, r, &payload) {
		return
	}

	var a gateway.Account
	a.Enabled = true
	payload.apply(&a)

	if err := s.deps.Accounts.Create(r.Context(), &a); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, &a)
}

func (s *server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	a, err := s.deps.Accounts.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *server) handleUpdateAccount(w http.ResponseWriter, r *http.Request) {
	var payload accountPayload
	if !decodeJSON(w, r, &payload) {
		return
	}

	a, err := s.deps.Accounts.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	payload.apply(a)

	if err := s.deps.Accounts.Update(r.Context(), a); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *server) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Accounts.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleRefreshAccount forces a token refresh and reports the outcome. The
// account state is returned even on failure so the operator can see the
// recorded refresh status.
func (s *server) handleRefreshAccount(w http.ResponseWriter, r *http.Request) {
	a, err := s.deps.Accounts.Refresh(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if a == nil {
			writeError(w, err)
			return
		}
		writeJSON(w, errorStatus(err), map[string]any{
			"error":   err.Error(),
			"account": a,
		})
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *server) handleUnsuspendAccount(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Accounts.Unsuspend(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	a, err := s.deps.Accounts.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *server) handleSyncQuota(w http.ResponseWriter, r *http.Request) {
	ci, err := s.deps.Accounts.SyncQuota(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ci)
}
