package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/ozgurkan/chatgate/pkg/protocol"
)

// sseWriter frames JSON payloads as server-sent events. Headers go out with
// the first frame, so pre-stream failures can still produce a JSON error
// response with a proper status code.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, protocol.NewError(protocol.KindInternal, "response writer does not support streaming")
	}
	return &sseWriter{w: w, flusher: flusher}, nil
}

func (s *sseWriter) send(v interface{}) error {
	if !s.started {
		h := s.w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		// Tells nginx-style proxies not to buffer the stream.
		h.Set("X-Accel-Buffering", "no")
		s.w.WriteHeader(http.StatusOK)
		s.started = true
	}

	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", payload); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
