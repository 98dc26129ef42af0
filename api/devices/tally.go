package devices

import (
	"net/http"
	"time"

	"github.com/kilianp07/dispenser/core/tally"
	"github.com/kilianp07/dispenser/pkg/export"
)

// NewTallyHandler exposes daily dispense tallies via
// GET /api/devices/{id}/tally?start=...&end=... (RFC3339, default last 7 days).
// format=csv returns CSV instead of JSON.
func NewTallyHandler(store tally.Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		id := r.PathValue("id")
		end, _ := time.Parse(time.RFC3339, r.URL.Query().Get("end"))
		if end.IsZero() {
			end = time.Now()
		}
		start, _ := time.Parse(time.RFC3339, r.URL.Query().Get("start"))
		if start.IsZero() {
			start = end.AddDate(0, 0, -6)
		}
		recs, err := store.Query(id, start, end)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if r.URL.Query().Get("format") == "csv" {
			w.Header().Set("Content-Type", "text/csv")
			_ = export.WriteCSV(w, recs)
			return
		}
		writeJSON(w, http.StatusOK, export.Rows(recs))
	})
}
