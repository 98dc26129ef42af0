// Package journal exposes the agent's outbound journal over HTTP.
package journal

import (
	"encoding/json"
	"net/http"
	"time"

	jstore "github.com/kilianp07/dispenser/infra/journal"
)

// NewHandler returns an HTTP handler serving GET /api/journal. Requests must
// include an Authorization header with "Bearer <token>" when token is
// non-empty. Filters: start, end (RFC3339), device_id, type.
func NewHandler(store jstore.Store, token string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if token != "" && r.Header.Get("Authorization") != "Bearer "+token {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		q := jstore.Query{
			DeviceID: r.URL.Query().Get("device_id"),
			Type:     r.URL.Query().Get("type"),
		}
		if s := r.URL.Query().Get("start"); s != "" {
			t, err := time.Parse(time.RFC3339, s)
			if err != nil {
				http.Error(w, "invalid start", http.StatusBadRequest)
				return
			}
			q.Start = t
		}
		if s := r.URL.Query().Get("end"); s != "" {
			t, err := time.Parse(time.RFC3339, s)
			if err != nil {
				http.Error(w, "invalid end", http.StatusBadRequest)
				return
			}
			q.End = t
		}
		records, err := store.Query(r.Context(), q)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if records == nil {
			records = []jstore.Record{}
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(records); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
}
