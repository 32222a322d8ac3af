package server

import (
	"log/slog"
	"net/http"
)

// handleOAuthCallback receives the Google OAuth redirect, exchanges the
// one-time authorisation code, and registers the resulting Gemini account.
// The route is unauthenticated: the code itself is the credential, and the
// redirect arrives from the operator's browser.
func (s *server) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	// FormValue covers both the GET redirect query and POSTed form bodies.
	if errMsg := r.FormValue("error"); errMsg != "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("authorisation denied: "+errMsg))
		return
	}
	code := r.FormValue("code")
	if code == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("missing code parameter"))
		return
	}
	if s.deps.OAuthClientID == "" || s.deps.OAuthClientSecret == "" {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse("oauth import is not configured"))
		return
	}

	a, err := s.deps.Accounts.ImportFromOAuthCode(r.Context(),
		r.FormValue("state"), // label, when the authorisation URL carried one
		s.deps.OAuthClientID,
		s.deps.OAuthClientSecret,
		code,
		s.deps.OAuthRedirectURI,
	)
	if err != nil {
		slog.LogAttrs(r.Context(), slog.LevelError, "oauth import failed",
			slog.String("error", err.Error()),
		)
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"account": a,
	})
}
