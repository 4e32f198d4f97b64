package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

type streamEvent struct {
	Stage     string `json:"stage"`
	Attempt   int    `json:"attempt"`
	Event     string `json:"event"`
	Detail    string `json:"detail,omitempty"`
	Timestamp string `json:"timestamp"`
}

// handleRunStream serves a Server-Sent Events stream of a run's ledger
// events. It polls the ledger every pollInterval and sends each new stage
// event as one "stage" message. When the run reaches a terminal status it
// sends a "done" event.
func (s *Server) handleRunStream(w http.ResponseWriter, r *http.Request, runID string) {
	if s.db == nil {
		http.Error(w, "no ledger configured", http.StatusNotFound)
		return
	}
	if _, err := s.store.Get(runID); err != nil {
		http.NotFound(w, r)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // disable nginx buffering if present

	sendDone := func(reason string) {
		fmt.Fprintf(w, "event: done\ndata: %s\n\n", reason)
		flusher.Flush()
	}

	lastID := 0
	tick := time.NewTicker(s.pollInterval)
	defer tick.Stop()

	for {
		events, err := s.eventsAfter(runID, lastID)
		if err != nil {
			sendDone("ledger unavailable")
			return
		}
		for _, e := range events {
			data, _ := json.Marshal(streamEvent{
				Stage:     e.Stage,
				Attempt:   e.Attempt,
				Event:     e.Event,
				Detail:    e.Detail,
				Timestamp: e.Timestamp,
			})
			fmt.Fprintf(w, "id: %d\nevent: stage\ndata: %s\n\n", e.ID, data)
			lastID = e.ID
		}
		flusher.Flush()

		run, err := s.store.Get(runID)
		if err != nil {
			sendDone("run not found")
			return
		}
		if !isActive(run) {
			sendDone(run.Status)
			return
		}

		select {
		case <-r.Context().Done():
			return
		case <-tick.C:
		}
	}
}
