package tally

import (
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps tallies in memory.
type MemoryStore struct {
	mu   sync.Mutex
	data map[string]map[time.Time]*Record
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: map[string]map[time.Time]*Record{}}
}

// Add inserts or updates the record aggregated by day and device.
func (s *MemoryStore) Add(r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data[r.DeviceID] == nil {
		s.data[r.DeviceID] = map[time.Time]*Record{}
	}
	d := Day(r.Date)
	rec := s.data[r.DeviceID][d]
	if rec == nil {
		rec = &Record{DeviceID: r.DeviceID, Date: d}
		s.data[r.DeviceID][d] = rec
	}
	rec.add(r)
	return nil
}

// Query returns records between start and end inclusive, oldest first.
func (s *MemoryStore) Query(deviceID string, start, end time.Time) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	start = Day(start)
	end = Day(end)
	var res []Record
	for d, r := range s.data[deviceID] {
		if d.Before(start) || d.After(end) {
			continue
		}
		res = append(res, *r)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Date.Before(res[j].Date) })
	return res, nil
}
