package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/abirangers/lbf-lunarai-web-v4/internal/realtime"
)

// eventWriter frames realtime events as Server-Sent Events and flushes each
// frame so intermediaries forward it immediately.
type eventWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func newEventWriter(w http.ResponseWriter) (*eventWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("response writer does not support streaming")
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache, no-transform")
	h.Set("Connection", "keep-alive")
	// Disable nginx buffering.
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &eventWriter{w: w, flusher: flusher}, nil
}

// Send writes one event as a `data:` frame. A write error means the client
// connection is gone and the session must tear down.
func (ew *eventWriter) Send(evt realtime.Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode stream event: %w", err)
	}
	if _, err := fmt.Fprintf(ew.w, "data: %s\n\n", payload); err != nil {
		return fmt.Errorf("write stream event: %w", err)
	}
	ew.flusher.Flush()
	return nil
}
