package web

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/mtzanidakis/postdeck/internal/agentstatus"
)

const sseKeepAlive = 25 * time.Second

// streamStatus sends the current SwarmState, then one event per mutation
// until the client disconnects.
func (s *Server) streamStatus(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		jsonError(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	ctx := r.Context()

	// Subscribe before reading the current state so no mutation falls in
	// between; anything not newer than what was sent is skipped.
	updates := make(chan agentstatus.SwarmState)
	unsub := s.status.Subscribe(func(st agentstatus.SwarmState) {
		select {
		case updates <- st:
		case <-ctx.Done():
		}
	})
	defer unsub()

	current, err := s.status.GetState(ctx)
	if err != nil {
		internalError(w, "failed to load agent status", err)
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if err := writeSSE(w, current); err != nil {
		return
	}
	flusher.Flush()
	last := current.Version

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case st := <-updates:
			if st.Version <= last {
				continue
			}
			if err := writeSSE(w, st); err != nil {
				slog.Debug("status stream closed", "error", err)
				return
			}
			flusher.Flush()
			last = st.Version
		}
	}
}

func writeSSE(w http.ResponseWriter, st agentstatus.SwarmState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: status\nid: %d\ndata: %s\n\n", st.Version, data)
	return err
}
