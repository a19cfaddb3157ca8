package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
)

// handleSSE handles GET /runtimes/{ws}/events.
//
// On connect it replays the runtime's events from the start (or from
// Last-Event-ID when reconnecting), then streams new events until the
// client disconnects. Machine log lines are included only with ?logs=true.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	rt, ok := s.getRuntime(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	var fromSeq uint64
	if lastID := r.Header.Get("Last-Event-ID"); lastID != "" {
		if seq, err := strconv.ParseUint(lastID, 10, 64); err == nil {
			fromSeq = seq
		}
	}
	withLogs := r.URL.Query().Get("logs") == "true"

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	filter := func(e Event) bool {
		return withLogs || (e.Type != EventMachineLog && e.Type != EventInstallerLog)
	}
	for event := range rt.Events.Subscribe(r.Context(), fromSeq, filter) {
		if err := writeSSEEvent(w, flusher, event); err != nil {
			return
		}
	}
}

// writeSSEEvent formats and flushes a single SSE frame. The id field is the
// event's sequence number so clients can resume with Last-Event-ID.
func writeSSEEvent(w http.ResponseWriter, flusher http.Flusher, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", event.Seq, event.Type, data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
