package tally

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_Aggregation(t *testing.T) {
	s := NewMemoryStore()
	d := Day(time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC))
	require.NoError(t, s.Add(Record{DeviceID: "d1", Date: d, Requests: 1, Balls: 2}))
	require.NoError(t, s.Add(Record{DeviceID: "d1", Date: d.Add(2 * time.Hour), Requests: 1, Failed: 1}))
	require.NoError(t, s.Add(Record{DeviceID: "d1", Date: d.AddDate(0, 0, 1), Requests: 1, Balls: 1}))
	require.NoError(t, s.Add(Record{DeviceID: "d2", Date: d, Requests: 4}))

	recs, err := s.Query("d1", d, d)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, Record{DeviceID: "d1", Date: d, Requests: 2, Failed: 1, Balls: 2}, recs[0])

	recs, err = s.Query("d1", d, d.AddDate(0, 0, 7))
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.True(t, recs[0].Date.Before(recs[1].Date))
}

func TestRecordSuccessRate(t *testing.T) {
	assert.Zero(t, Record{}.SuccessRate())
	assert.InDelta(t, 0.75, Record{Requests: 4, Failed: 1}.SuccessRate(), 1e-9)
}

func TestDayUsesUTC(t *testing.T) {
	loc := time.FixedZone("UTC+3", 3*3600)
	got := Day(time.Date(2026, 3, 15, 1, 0, 0, 0, loc))
	assert.Equal(t, time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC), got)
}
