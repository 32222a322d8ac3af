package server

import (
	"net/http"
	"sync"
)

// Pre-allocated byte slices for SSE formatting. These avoid heap allocations
// on every write in the streaming hot path.
var (
	sseEventPrefix = []byte("event: ")
	sseDataPrefix  = []byte("data: ")
	sseNewline     = []byte("\n")
	sseFrameEnd    = []byte("\n\n")
	sseKeepAlive   = []byte(": keep-alive\n\n")
)

// Pre-allocated header value slices for SSE responses.
// Direct map assignment avoids the []string{v} alloc that Header.Set creates.
var (
	sseHeaders      = []string{"text/event-stream"}
	sseCacheControl = []string{"no-cache"}
	sseConnection   = []string{"keep-alive"}
	sseAccelBuf     = []string{"no"}
)

// sseWriter serialises SSE frame writes so the keep-alive ticker goroutine
// and the stream renderer never interleave partial frames.
type sseWriter struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	wrote   bool
}

// newSSEWriter sends the SSE response headers and returns a writer, or
// false when the ResponseWriter cannot flush.
func newSSEWriter(w http.ResponseWriter) (*sseWriter, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	h := w.Header()
	h["Content-Type"] = sseHeaders
	h["Cache-Control"] = sseCacheControl
	h["Connection"] = sseConnection
	h["X-Accel-Buffering"] = sseAccelBuf
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &sseWriter{w: w, flusher: flusher}, true
}

// Emit writes one frame. A non-empty event name produces the two-line
// "event:"/"data:" form used by the Claude dialect; an empty name produces
// a bare data frame as OpenAI streams expect.
func (s *sseWriter) Emit(event string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wrote = true
	if event != "" {
		if _, err := s.w.Write(sseEventPrefix); err != nil {
			return err
		}
		if _, err := s.w.Write([]byte(event)); err != nil {
			return err
		}
		if _, err := s.w.Write(sseNewline); err != nil {
			return err
		}
	}
	if _, err := s.w.Write(sseDataPrefix); err != nil {
		return err
	}
	if _, err := s.w.Write(data); err != nil {
		return err
	}
	if _, err := s.w.Write(sseFrameEnd); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// KeepAlive writes an SSE comment to keep the connection open through
// proxies during long upstream stalls.
func (s *sseWriter) KeepAlive() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.w.Write(sseKeepAlive)
	s.flusher.Flush()
}

// Wrote reports whether any frame has been sent.
func (s *sseWriter) Wrote() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wrote
}
