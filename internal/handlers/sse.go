package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/lyallcooper/sweeper/internal/engine"
)

// StateSSE handles GET /sse/state. It sends the current state, then one
// "state" event per engine broadcast, and an "end" event if the engine
// stops.
func (h *Handler) StateSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	// Subscribe before reading the initial state so no change is missed.
	updates := h.engine.Subscribe()
	defer h.engine.Unsubscribe(updates)

	snap, err := h.engine.Snapshot(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
	w.WriteHeader(http.StatusOK)

	if err := h.sendState(w, flusher, snap); err != nil {
		return
	}

	keepAlive := time.NewTicker(h.keepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case snap, ok := <-updates:
			if !ok {
				h.sendEvent(w, flusher, "end", `{"reason":"engine stopped"}`)
				return
			}
			if err := h.sendState(w, flusher, snap); err != nil {
				return
			}
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (h *Handler) sendState(w http.ResponseWriter, flusher http.Flusher, snap engine.Snapshot) error {
	data, err := json.Marshal(toStateView(snap))
	if err != nil {
		h.logger.Error("encoding state event", "error", err)
		return err
	}
	return h.sendEvent(w, flusher, "state", string(data))
}

func (h *Handler) sendEvent(w http.ResponseWriter, flusher http.Flusher, event, data string) error {
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
