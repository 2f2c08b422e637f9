package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"forge/internal/realtime"
	"forge/pkg/api"
)

func sseHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, event string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, raw); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

// handleLogStream streams a job's rendered log over SSE. Every frame
// carries the full buffer; the client replaces, never appends. The
// stream ends when the job's log completes.
func (s *Server) handleLogStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.httpError(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	job, ok := s.jobFromPath(w, r)
	if !ok {
		return
	}

	// Jobs that finished before this process started still have their
	// raw log on disk.
	if job.LogPath != "" {
		s.hub.EnsureFromFile(job.ID, job.LogPath)
	}

	sub := s.hub.Subscribe(job.ID)
	defer s.hub.Unsubscribe(job.ID, sub)

	s.metrics.LogSubscriberChange(1)
	defer s.metrics.LogSubscriberChange(-1)

	sseHeaders(w)

	for {
		select {
		case <-r.Context().Done():
			return
		case html, open := <-sub.HTML():
			if !open {
				return
			}
			if err := writeSSE(w, flusher, "log", api.LogEventPayload{HTML: html}); err != nil {
				return
			}
		}
	}
}

// handleJobEvents streams job state changes over SSE, starting with a
// snapshot of the currently active jobs.
func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.httpError(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	sub, snapshot := s.bus.Subscribe()
	defer s.bus.Unsubscribe(sub)

	s.metrics.EventSubscriberChange(1)
	defer s.metrics.EventSubscriberChange(-1)

	sseHeaders(w)

	if err := writeSSE(w, flusher, "snapshot", struct {
		Jobs []realtime.JobEvent `json:"jobs"`
	}{snapshot}); err != nil {
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-sub.Events():
			if !open {
				return
			}
			if err := writeSSE(w, flusher, "job", ev); err != nil {
				return
			}
		}
	}
}
