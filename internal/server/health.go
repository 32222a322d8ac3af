package server

import (
	"net/http"

	gateway "github.com/eugener/palantir/internal"
)

// Pre-allocated response body and header value slice.
// okBody avoids a []byte("ok") heap escape per call.
// plainCT avoids the []string{v} alloc from Header.Set (see respond.go:jsonCT).
var (
	okBody       = []byte("ok")
	notReadyBody = []byte("not ready")
	plainCT      = []string{"text/plain"}
)

type healthResponse struct {
	Status   string                `json:"status"`
	Accounts healthAccountCounters `json:"accounts"`
}

type healthAccountCounters struct {
	Total         int `json:"total"`
	Enabled       int `json:"enabled"`
	Suspended     int `json:"suspended"`
	CodeWhisperer int `json:"codewhisperer"`
	Gemini        int `json:"gemini"`
}

// handleHealth reports liveness plus a summary of the account pool.
func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok"}

	if s.deps.Accounts != nil {
		accounts, err := s.deps.Accounts.List(r.Context(), "")
		if err != nil {
			resp.Status = "degraded"
		}
		for _, a := range accounts {
			resp.Accounts.Total++
			if a.Enabled {
				resp.Accounts.Enabled++
			}
			if a.Suspended() {
				resp.Accounts.Suspended++
			}
			switch a.Type {
			case gateway.ChannelCodeWhisperer:
				resp.Accounts.CodeWhisperer++
			case gateway.ChannelGemini:
				resp.Accounts.Gemini++
			}
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.deps.ReadyCheck != nil {
		if err := s.deps.ReadyCheck(r.Context()); err != nil {
			w.Header()["Content-Type"] = plainCT
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write(notReadyBody)
			return
		}
	}
	w.Header()["Content-Type"] = plainCT
	w.WriteHeader(http.StatusOK)
	w.Write(okBody)
}
