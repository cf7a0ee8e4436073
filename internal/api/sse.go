package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/documind/documind/internal/tracker"
)

const sseHeartbeat = 15 * time.Second

// processEventsHandler streams snapshots as server-sent events until the
// process is terminal or the client goes away. The current snapshot is
// sent first, so a client attaching late still gets the full state.
func processEventsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if cfg.Hub == nil {
			WriteError(w, http.StatusServiceUnavailable, "event streaming not configured", "SERVICE_UNAVAILABLE")
			return
		}

		// Subscribe before reading so no transition falls between the two.
		updates, cancel := cfg.Hub.Subscribe(id)
		defer cancel()

		current, err := cfg.Registry.Get(id)
		if errors.Is(err, tracker.ErrNotFound) {
			WriteError(w, http.StatusNotFound, "process not found", "NOT_FOUND")
			return
		}
		if err != nil {
			WriteError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
			return
		}

		rc := http.NewResponseController(w)
		h := w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)

		send := func(s tracker.Snapshot) error {
			if err := writeEvent(w, s); err != nil {
				return err
			}
			return rc.Flush()
		}

		if err := send(current); err != nil || current.IsTerminal() {
			return
		}
		last := current.UpdatedAt

		heartbeat := time.NewTicker(sseHeartbeat)
		defer heartbeat.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case s, ok := <-updates:
				if !ok {
					return
				}
				if s.UpdatedAt.Before(last) {
					continue
				}
				last = s.UpdatedAt
				if err := send(s); err != nil {
					cfg.Logger.Debug("event stream closed", "process_id", id, "error", err)
					return
				}
				if s.IsTerminal() {
					return
				}
			case <-heartbeat.C:
				if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
					return
				}
				if err := rc.Flush(); err != nil {
					return
				}
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, s tracker.Snapshot) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	event := "status"
	if s.IsTerminal() {
		event = string(s.Status)
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
