package tracker

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Handler serves the projection:
//
//	GET /graphs
//	GET /graphs/{graphID}
//	GET /events (server-sent events)
func Handler(t *Tracker) http.Handler {
	r := chi.NewRouter()
	r.Get("/graphs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string][]GraphView{
			"graphs": t.Snapshot(),
		})
	})
	r.Get("/graphs/{graphID}", func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "graphID")
		view, ok := t.Graph(id)
		if !ok {
			http.Error(w, "Graph not found", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]GraphView{
			"graph": view,
		})
	})
	r.Get("/events", func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
			return
		}
		events, cancel := t.Subscribe(64)
		defer cancel()
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()
		for {
			select {
			case <-r.Context().Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				data, err := json.Marshal(ev)
				if err != nil {
					continue
				}
				fmt.Fprintf(w, "id: %s\nevent: transition\ndata: %s\n\n", ev.ID, data)
				flusher.Flush()
			}
		}
	})
	return r
}
