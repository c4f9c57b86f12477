package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/toonify/toonify-agent/internal/transfer"
)

// keepAliveInterval spaces comment frames on an idle relay so proxies keep
// the connection open.
var keepAliveInterval = 15 * time.Second

// runEventsHandler relays RunState changes as `state` events. The current
// state is sent first. A client that falls behind receives the newest
// snapshot rather than every intermediate one.
func runEventsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			WriteError(w, http.StatusInternalServerError, "streaming unsupported", "INTERNAL_ERROR")
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")

		projection := cfg.Controller.Projection()

		updates := make(chan transfer.RunState, 1)
		unsubscribe := projection.OnUpdate(func(st transfer.RunState) {
			// Notifications are serialized, so after draining the
			// send cannot block.
			select {
			case <-updates:
			default:
			}
			updates <- st
		})
		defer unsubscribe()

		w.WriteHeader(http.StatusOK)
		if err := writeStateEvent(w, cfg, projection.Snapshot()); err != nil {
			return
		}
		flusher.Flush()

		ticker := time.NewTicker(keepAliveInterval)
		defer ticker.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case st := <-updates:
				if err := writeStateEvent(w, cfg, st); err != nil {
					cfg.Logger.Debug("event relay write failed", "error", err)
					return
				}
				flusher.Flush()
			case <-ticker.C:
				if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
					return
				}
				flusher.Flush()
			}
		}
	}
}

func writeStateEvent(w http.ResponseWriter, cfg ServerConfig, st transfer.RunState) error {
	data, err := json.Marshal(RunToResponse(st, cfg.Registry, cfg.Artifacts))
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: state\ndata: %s\n\n", data)
	return err
}
