package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	gateway "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/upstream"
)

type apiError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func errorResponse(msg string) apiError {
	var e apiError
	e.Error.Message = msg
	e.Error.Type = "invalid_request_error"
	return e
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, gateway.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, gateway.ErrForbidden), errors.Is(err, gateway.ErrAccountSuspended):
		return http.StatusForbidden
	case errors.Is(err, gateway.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, gateway.ErrRateLimited), errors.Is(err, gateway.ErrQuotaExhausted):
		return http.StatusTooManyRequests
	case errors.Is(err, gateway.ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, gateway.ErrNoAccountAvailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, gateway.ErrTokenRefresh), errors.Is(err, gateway.ErrUpstreamUnavailable):
		return http.StatusBadGateway
	case errors.Is(err, gateway.ErrTranslation):
		// Translation bugs are ours, not the client's.
		return http.StatusInternalServerError
	default:
		return upstreamErrorStatus(err)
	}
}

// upstreamErrorStatus maps a raw provider error that escaped the failover
// loop unclassified. Rate limits and permission failures keep their status;
// everything else is an upstream failure from the client's point of view.
func upstreamErrorStatus(err error) int {
	var apiErr *upstream.APIError
	if !errors.As(err, &apiErr) {
		return http.StatusInternalServerError
	}
	switch apiErr.StatusCode {
	case http.StatusTooManyRequests:
		return http.StatusTooManyRequests
	case http.StatusForbidden:
		return http.StatusForbidden
	default:
		return http.StatusBadGateway
	}
}

// jsonCT is a pre-allocated header value slice. Direct map assignment
// (w.Header()["Content-Type"] = jsonCT) avoids the []string{v} alloc
// that Header.Set creates on every call. Saves 1 alloc/req.
var jsonCT = []string{"application/json"}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// writeRawJSON writes a pre-marshalled JSON body.
func writeRawJSON(w http.ResponseWriter, status int, body []byte) {
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		slog.Error("failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, errorStatus(err), errorResponse(err.Error()))
}
