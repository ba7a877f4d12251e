package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"
)

// eventStream writes a text/event-stream response. Every write is flushed.
type eventStream struct {
	w  http.ResponseWriter
	rc *http.ResponseController
}

func openEventStream(w http.ResponseWriter) (*eventStream, error) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")

	es := &eventStream{w: w, rc: http.NewResponseController(w)}
	// No write deadline for the life of the stream.
	_ = es.rc.SetWriteDeadline(time.Time{})
	w.WriteHeader(http.StatusOK)
	if err := es.rc.Flush(); err != nil {
		return nil, err
	}
	return es, nil
}

func (es *eventStream) write(frame []byte) error {
	if _, err := es.w.Write(frame); err != nil {
		return err
	}
	return es.rc.Flush()
}

// emit sends one named event with a JSON payload.
func (es *eventStream) emit(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	buf.WriteString("event: ")
	buf.WriteString(event)
	buf.WriteString("\ndata: ")
	buf.Write(data)
	buf.WriteString("\n\n")
	return es.write(buf.Bytes())
}

func (es *eventStream) keepAlive() error {
	return es.write([]byte(": keep-alive\n\n"))
}

// finish sends the closing complete event. Errors are dropped since the
// stream ends either way.
func (es *eventStream) finish(runID, status string) {
	_ = es.emit("complete", map[string]string{"run_id": runID, "status": status})
}

func (es *eventStream) fail(message string) {
	_ = es.emit("error", map[string]string{"error": message})
}
