package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/codemate-dev/gateway/internal/constants"
)

// handleEvents streams task events as newline-delimited JSON records over
// SSE. The first frame is always a synthesized snapshot event consistent
// with the store at the instant of subscription; subsequent frames are hub
// events, which may overlap the snapshot; clients deduplicate by event id.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")

	if _, err := s.store.GetTask(r.Context(), taskID); err != nil {
		s.writeError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, fmt.Errorf("streaming unsupported by connection"))
		return
	}

	// Subscribe before reading the snapshot so no transition between the
	// two is lost; duplicates are resolved client-side by event id.
	sub := s.hub.Subscribe(taskID)
	defer s.hub.Unsubscribe(sub)

	snap, err := s.store.Snapshot(r.Context(), taskID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if err := writeFrame(w, map[string]any{
		"event_type": constants.EventSnapshot,
		"payload":    snap,
	}); err != nil {
		return
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case event := <-sub.Events():
			if err := writeFrame(w, event); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// writeFrame writes one SSE data frame: "data: <json>\n\n".
func writeFrame(w http.ResponseWriter, body any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", raw)
	return err
}
