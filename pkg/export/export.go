// Package export renders daily dispense tallies for reporting tools.
package export

import (
	"encoding/csv"
	"encoding/json"
	"io"
	"strconv"

	"github.com/kilianp07/dispenser/core/tally"
)

// Row is the flattened form of a tally record.
type Row struct {
	DeviceID    string  `json:"device_id"`
	Date        string  `json:"date"`
	Requests    int     `json:"requests"`
	Failed      int     `json:"failed"`
	Balls       int     `json:"balls"`
	SuccessRate float64 `json:"success_rate"`
}

// Rows flattens recs, formatting dates as YYYY-MM-DD.
func Rows(recs []tally.Record) []Row {
	out := make([]Row, len(recs))
	for i, r := range recs {
		out[i] = Row{
			DeviceID:    r.DeviceID,
			Date:        r.Date.Format("2006-01-02"),
			Requests:    r.Requests,
			Failed:      r.Failed,
			Balls:       r.Balls,
			SuccessRate: r.SuccessRate(),
		}
	}
	return out
}

// WriteJSON writes recs to w as a JSON array of rows.
func WriteJSON(w io.Writer, recs []tally.Record) error {
	return json.NewEncoder(w).Encode(Rows(recs))
}

// WriteCSV writes recs to w as CSV with a header line.
func WriteCSV(w io.Writer, recs []tally.Record) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"device_id", "date", "requests", "failed", "balls", "success_rate"}); err != nil {
		return err
	}
	for _, r := range Rows(recs) {
		rec := []string{
			r.DeviceID,
			r.Date,
			strconv.Itoa(r.Requests),
			strconv.Itoa(r.Failed),
			strconv.Itoa(r.Balls),
			strconv.FormatFloat(r.SuccessRate, 'f', -1, 64),
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
