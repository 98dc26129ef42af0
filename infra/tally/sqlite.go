// Package tally persists daily dispense tallies in SQLite.
package tally

import (
	"database/sql"
	"time"

	_ "modernc.org/sqlite"

	core "github.com/kilianp07/dispenser/core/tally"
)

// SQLiteStore persists tally records in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens or creates the database and ensures schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	schema := `CREATE TABLE IF NOT EXISTS dispense_tally (
        device_id TEXT,
        day INTEGER,
        requests INTEGER,
        failed INTEGER,
        balls INTEGER,
        PRIMARY KEY(device_id, day)
    );`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

// Add inserts or updates the day record.
func (s *SQLiteStore) Add(r core.Record) error {
	d := core.Day(r.Date)
	_, err := s.db.Exec(`INSERT INTO dispense_tally (device_id, day, requests, failed, balls)
        VALUES (?, ?, ?, ?, ?)
        ON CONFLICT(device_id, day) DO UPDATE SET
            requests = requests + excluded.requests,
            failed = failed + excluded.failed,
            balls = balls + excluded.balls`,
		r.DeviceID, d.Unix(), r.Requests, r.Failed, r.Balls)
	return err
}

// Query returns records in the range [start,end].
func (s *SQLiteStore) Query(deviceID string, start, end time.Time) ([]core.Record, error) {
	rows, err := s.db.Query(`SELECT device_id, day, requests, failed, balls
        FROM dispense_tally WHERE device_id = ? AND day >= ? AND day <= ? ORDER BY day`,
		deviceID, core.Day(start).Unix(), core.Day(end).Unix())
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var res []core.Record
	for rows.Next() {
		var (
			r  core.Record
			ts int64
		)
		if err := rows.Scan(&r.DeviceID, &ts, &r.Requests, &r.Failed, &r.Balls); err != nil {
			return nil, err
		}
		r.Date = time.Unix(ts, 0).UTC()
		res = append(res, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return res, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error { return s.db.Close() }
