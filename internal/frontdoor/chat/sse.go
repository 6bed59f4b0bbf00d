package chat

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/tjfontaine/modelkey-gateway/internal/stream"
)

// eventWriter frames events as server-sent events and flushes each one.
type eventWriter struct {
	w  http.ResponseWriter
	rc *http.ResponseController
}

func newEventWriter(w http.ResponseWriter) *eventWriter {
	return &eventWriter{w: w, rc: http.NewResponseController(w)}
}

// Write sends one event. An error means the client can no longer be reached.
func (e *eventWriter) Write(ev stream.Event) error {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", ev.Type, err)
	}
	if _, err := fmt.Fprintf(e.w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
		return err
	}
	return e.rc.Flush()
}
