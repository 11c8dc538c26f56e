package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/gxo-labs/runway/pkg/runway/v1/events"
)

func isFinal(t events.EventType) bool {
	switch t {
	case events.ExecutionCompleted, events.ExecutionFailed, events.ExecutionStopped:
		return true
	}
	return false
}

// handleEvents handles GET /v1/executions/{executionID}/events as a
// server-sent event stream. The first event is a "status" snapshot; the
// stream ends after the run's final event or when the client goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeError(w, http.StatusNotImplemented, "event streaming is not enabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	id := chi.URLParam(r, "executionID")

	// Subscribe before the snapshot so nothing between the two is lost.
	ch, unsubscribe := s.events.Subscribe(func(e events.Event) bool { return e.ExecutionID == id })
	defer unsubscribe()

	report, err := s.coordinator.GetStatus(r.Context(), principalFrom(r.Context()), id)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if err := writeSSE(w, "status", report); err != nil {
		return
	}
	flusher.Flush()
	if report.Execution != nil && report.Execution.Status.IsTerminal() {
		return
	}

	heartbeat := time.NewTicker(s.cfg.Heartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case evt, open := <-ch:
			if !open {
				return
			}
			if err := writeSSE(w, string(evt.Type), evt); err != nil {
				return
			}
			flusher.Flush()
			if isFinal(evt.Type) {
				return
			}
		}
	}
}

func writeSSE(w http.ResponseWriter, name string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
	return err
}
