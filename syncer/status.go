package syncer

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/vaultsync/vaultsync/docsync"
	"github.com/vaultsync/vaultsync/hub"
	"github.com/vaultsync/vaultsync/reach"
)

// EntryCounter reports the local entry database's size for status pages.
// *entrydb.DB implements it.
type EntryCounter interface {
	EntryCount(ctx context.Context) (int64, error)
}

// StatusHandler exposes the sync core's component status maps over HTTP:
//
//	GET /health  200 when the server is believed reachable, 503 otherwise
//	GET /status  full JSON snapshot of every component
//
// Both endpoints are read-only: polling them never changes connectivity
// state or counters. entries may be nil when no local database is wired.
//
// Mount it on the host application's router:
//
//	r.Mount("/sync", syncer.StatusHandler(s, h, tracker, pipeline, db))
func StatusHandler(s *Syncer, h *hub.Hub, tracker *reach.Tracker, pipeline *docsync.Pipeline, entries EntryCounter) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		ok := tracker.Reachable()
		status := http.StatusOK
		if !ok {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, map[string]any{"reachable": ok})
	})

	r.Get("/status", func(w http.ResponseWriter, req *http.Request) {
		payload := map[string]any{
			"syncer":   s.Status(),
			"hub":      h.Status(),
			"reach":    tracker.Status(),
			"pipeline": pipeline.Status(),
		}
		if entries != nil {
			if n, err := entries.EntryCount(req.Context()); err == nil {
				payload["entries"] = n
			}
		}
		writeJSON(w, http.StatusOK, payload)
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck // client went away
}
