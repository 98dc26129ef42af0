// Package tally keeps per-device daily dispense counts for the console.
package tally

import "time"

// Store persists daily tallies. Add merges into the existing day.
type Store interface {
	Add(Record) error
	Query(deviceID string, start, end time.Time) ([]Record, error)
}

// Day aligns t to the start of its day in UTC.
func Day(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
