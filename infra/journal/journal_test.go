package journal

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/dispenser/core/model"
	"github.com/kilianp07/dispenser/internal/eventbus"
)

func sample(base time.Time) []Record {
	return []Record{
		{Timestamp: base, DeviceID: "d1", Type: model.MsgStatus, Delivered: true, Payload: json.RawMessage(`{"type":"status"}`)},
		{Timestamp: base.Add(time.Second), DeviceID: "d1", Type: model.MsgCmdAck, Delivered: false, Payload: json.RawMessage(`{"type":"cmd_ack"}`)},
		{Timestamp: base.Add(2 * time.Second), DeviceID: "d2", Type: model.MsgEvent, Delivered: true, Payload: json.RawMessage(`{"type":"event"}`)},
	}
}

func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()
	base := time.Unix(1_700_000_000, 0)
	for _, r := range sample(base) {
		require.NoError(t, store.Append(ctx, r))
	}

	all, err := store.Query(ctx, Query{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "d1", all[0].DeviceID)
	assert.JSONEq(t, `{"type":"status"}`, string(all[0].Payload))
	assert.False(t, all[1].Delivered)

	byDevice, err := store.Query(ctx, Query{DeviceID: "d1"})
	require.NoError(t, err)
	assert.Len(t, byDevice, 2)

	byType, err := store.Query(ctx, Query{Type: model.MsgEvent})
	require.NoError(t, err)
	require.Len(t, byType, 1)
	assert.Equal(t, "d2", byType[0].DeviceID)

	window, err := store.Query(ctx, Query{Start: base.Add(500 * time.Millisecond), End: base.Add(1500 * time.Millisecond)})
	require.NoError(t, err)
	require.Len(t, window, 1)
	assert.Equal(t, model.MsgCmdAck, window[0].Type)
}

func TestJSONLStore(t *testing.T) {
	store, err := NewJSONLStore(filepath.Join(t.TempDir(), "journal.jsonl"))
	require.NoError(t, err)
	defer func() { _ = store.Close() }()
	exerciseStore(t, store)
}

func TestSQLiteStore(t *testing.T) {
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	defer func() { _ = store.Close() }()
	exerciseStore(t, store)
}

func TestRotatingJSONLStore_Query(t *testing.T) {
	store, err := NewRotatingJSONLStore(filepath.Join(t.TempDir(), "logs", "journal.jsonl"), 1, 2, 1)
	require.NoError(t, err)
	defer func() { _ = store.Close() }()
	exerciseStore(t, store)
}

func TestRotatingJSONLStore_Rotation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.jsonl")
	store, err := NewRotatingJSONLStore(path, 1, 3, 1)
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	big := make([]byte, 64*1024)
	for i := range big {
		big[i] = 'x'
	}
	payload, err := json.Marshal(string(big))
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		require.NoError(t, store.Append(context.Background(), Record{Timestamp: time.Now(), DeviceID: "d1", Type: "status", Payload: payload}))
	}
	backups, err := filepath.Glob(filepath.Join(filepath.Dir(path), "journal-*.jsonl"))
	require.NoError(t, err)
	assert.NotEmpty(t, backups, "expected rotated files")

	out, err := store.Query(context.Background(), Query{DeviceID: "d1"})
	require.NoError(t, err)
	assert.Len(t, out, 20)
}

func TestFromOutboundWrapsInvalidPayload(t *testing.T) {
	now := time.Now()
	r := FromOutbound(model.Outbound{DeviceID: "d1", Type: "status", Payload: []byte("not json"), Time: now})
	assert.JSONEq(t, `"not json"`, string(r.Payload))
	assert.Equal(t, now, r.Timestamp)
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(Config{Enabled: true, Path: filepath.Join(dir, "a.jsonl")})
	require.NoError(t, err)
	assert.IsType(t, &JSONLStore{}, s)

	s, err = Open(Config{Enabled: true, Path: filepath.Join(dir, "b.jsonl"), MaxSizeMB: 1})
	require.NoError(t, err)
	assert.IsType(t, &RotatingJSONLStore{}, s)
	require.NoError(t, s.Close())

	s, err = Open(Config{Enabled: true, Backend: "sqlite", Path: filepath.Join(dir, "c.db")})
	require.NoError(t, err)
	assert.IsType(t, &SQLiteStore{}, s)
	require.NoError(t, s.Close())

	_, err = Open(Config{Enabled: true, Backend: "csv", Path: filepath.Join(dir, "d.csv")})
	assert.Error(t, err)
}

func TestStartRecorder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.jsonl")
	store, err := NewJSONLStore(path)
	require.NoError(t, err)
	bus := eventbus.NewTyped[model.Outbound]()
	done := StartRecorder(context.Background(), bus, store, nil)

	bus.Publish(model.Outbound{DeviceID: "d1", Type: model.MsgEvent, Payload: []byte(`{"type":"event"}`), Delivered: true, Time: time.Now()})
	bus.Publish(model.Outbound{DeviceID: "d1", Type: model.MsgStatus, Payload: []byte(`{"type":"status"}`), Time: time.Now()})
	bus.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("recorder did not stop")
	}

	out, err := store.Query(context.Background(), Query{})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, model.MsgEvent, out[0].Type)
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Positive(t, info.Size())
}
