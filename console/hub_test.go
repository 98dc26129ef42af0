package console

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/dispenser/core/model"
	"github.com/kilianp07/dispenser/core/tally"
)

type fakeConn struct {
	inbound chan []byte
	done    chan struct{}
	sent    chan []byte
	once    sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan []byte, 8), done: make(chan struct{}), sent: make(chan []byte, 8)}
}

func (f *fakeConn) Send(_ context.Context, _ string, payload []byte) error {
	f.sent <- payload
	return nil
}
func (f *fakeConn) Inbound() <-chan []byte { return f.inbound }
func (f *fakeConn) Done() <-chan struct{}  { return f.done }
func (f *fakeConn) Close() error {
	f.once.Do(func() { close(f.done) })
	return nil
}

func statusFrame(id string, balls int) []byte {
	b, _ := json.Marshal(model.StatusMessage{Type: model.MsgStatus, DeviceID: id, BallCount: balls})
	return b
}

// attach runs a session and waits until the hub knows the device.
func attach(t *testing.T, h *Hub, conn *fakeConn, id string) {
	t.Helper()
	go h.Attach(context.Background(), conn, "")
	conn.inbound <- statusFrame(id, 20)
	require.Eventually(t, func() bool {
		d, ok := h.Device(id)
		return ok && d.Online
	}, time.Second, 5*time.Millisecond)
}

// respond acknowledges every command sent on conn.
func respond(conn *fakeConn, id string, success bool, code string, remaining int) {
	go func() {
		for raw := range conn.sent {
			var cmd model.Command
			if err := json.Unmarshal(raw, &cmd); err != nil {
				continue
			}
			ack := model.Ack{Type: model.MsgCmdAck, DeviceID: id, CmdID: cmd.ID, Success: success, Data: model.AckData{BallsRemaining: remaining}}
			if code != "" {
				c := code
				ack.Error = &c
			}
			b, _ := json.Marshal(ack)
			conn.inbound <- b
		}
	}()
}

func TestStatusIdentifiesDevice(t *testing.T) {
	h := NewHub(Options{})
	conn := newFakeConn()
	attach(t, h, conn, "esp32-mock-001")

	devs := h.Devices()
	require.Len(t, devs, 1)
	assert.Equal(t, "esp32-mock-001", devs[0].DeviceID)
	assert.JSONEq(t, string(statusFrame("esp32-mock-001", 20)), string(devs[0].Status))
	n, err := h.BallCount("esp32-mock-001")
	require.NoError(t, err)
	assert.Equal(t, 20, n)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		d, _ := h.Device("esp32-mock-001")
		return !d.Online
	}, time.Second, 5*time.Millisecond)
}

func TestSendCommandRoundTrip(t *testing.T) {
	store := tally.NewMemoryStore()
	h := NewHub(Options{Tally: store})
	conn := newFakeConn()
	attach(t, h, conn, "d1")
	respond(conn, "d1", true, "", 17)

	ack, err := h.SendCommand(context.Background(), "d1", model.ActionDispense, map[string]any{"count": 3})
	require.NoError(t, err)
	assert.True(t, ack.Success)
	assert.Len(t, ack.CmdID, 8)
	assert.Equal(t, 17, ack.Data.BallsRemaining)

	d, _ := h.Device("d1")
	require.Len(t, d.CommandHistory, 1)
	entry := d.CommandHistory[0]
	assert.Equal(t, ack.CmdID, entry.CmdID)
	require.NotNil(t, entry.Ack)
	assert.True(t, entry.Ack.Success)
	assert.NotNil(t, entry.AckedAt)

	recs, err := store.Query("d1", time.Now(), time.Now())
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, 3, recs[0].Balls)
	assert.Equal(t, 1, recs[0].Requests)

	n, _ := h.BallCount("d1")
	assert.Equal(t, 17, n)
}

func TestSendCommandFailedDispenseTallied(t *testing.T) {
	store := tally.NewMemoryStore()
	h := NewHub(Options{Tally: store})
	conn := newFakeConn()
	attach(t, h, conn, "d1")
	respond(conn, "d1", false, "empty", 20)

	ack, err := h.SendCommand(context.Background(), "d1", model.ActionDispense, nil)
	require.NoError(t, err)
	assert.False(t, ack.Success)
	require.NotNil(t, ack.Error)
	assert.Equal(t, "empty", *ack.Error)

	recs, _ := store.Query("d1", time.Now(), time.Now())
	require.Len(t, recs, 1)
	assert.Equal(t, 1, recs[0].Failed)
	assert.Zero(t, recs[0].Balls)
}

func TestFailedDispenseTalliesReleasedBalls(t *testing.T) {
	store := tally.NewMemoryStore()
	h := NewHub(Options{Tally: store})
	conn := newFakeConn()
	attach(t, h, conn, "d1")
	respond(conn, "d1", false, "no_departure", 18)

	ack, err := h.SendCommand(context.Background(), "d1", model.ActionDispense, map[string]any{"count": 5})
	require.NoError(t, err)
	assert.False(t, ack.Success)

	recs, _ := store.Query("d1", time.Now(), time.Now())
	require.Len(t, recs, 1)
	assert.Equal(t, 1, recs[0].Failed)
	assert.Equal(t, 2, recs[0].Balls)
}

func TestSendCommandErrors(t *testing.T) {
	h := NewHub(Options{AckTimeout: 50 * time.Millisecond})
	_, err := h.SendCommand(context.Background(), "ghost", model.ActionPing, nil)
	assert.ErrorIs(t, err, ErrDeviceNotFound)

	conn := newFakeConn()
	attach(t, h, conn, "d1")
	start := time.Now()
	_, err = h.SendCommand(context.Background(), "d1", model.ActionPing, nil)
	assert.ErrorIs(t, err, ErrAckTimeout)
	assert.Less(t, time.Since(start), time.Second)
	h.mu.Lock()
	assert.Empty(t, h.pending)
	h.mu.Unlock()

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		d, _ := h.Device("d1")
		return !d.Online
	}, time.Second, 5*time.Millisecond)
	_, err = h.SendCommand(context.Background(), "d1", model.ActionPing, nil)
	assert.ErrorIs(t, err, ErrDeviceOffline)
}

func TestDisconnectRejectsPending(t *testing.T) {
	h := NewHub(Options{AckTimeout: 5 * time.Second})
	conn := newFakeConn()
	attach(t, h, conn, "d1")
	go func() {
		<-conn.sent
		_ = conn.Close()
	}()

	_, err := h.SendCommand(context.Background(), "d1", model.ActionDispense, map[string]any{"count": 1})
	assert.ErrorIs(t, err, ErrDeviceDisconnected)
}

func TestHistoryBounded(t *testing.T) {
	h := NewHub(Options{HistorySize: 3})
	conn := newFakeConn()
	attach(t, h, conn, "d1")
	respond(conn, "d1", true, "", 17)

	var ids []string
	for i := 0; i < 5; i++ {
		ack, err := h.SendCommand(context.Background(), "d1", model.ActionPing, nil)
		require.NoError(t, err)
		ids = append(ids, ack.CmdID)
	}
	d, _ := h.Device("d1")
	require.Len(t, d.CommandHistory, 3)
	assert.Equal(t, ids[2], d.CommandHistory[0].CmdID)
	assert.Equal(t, ids[4], d.CommandHistory[2].CmdID)
}

func TestReconnectKeepsDevice(t *testing.T) {
	h := NewHub(Options{})
	first := newFakeConn()
	attach(t, h, first, "d1")
	second := newFakeConn()
	go h.Attach(context.Background(), second, "d1")
	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.devices["d1"].conn == second
	}, time.Second, 5*time.Millisecond)

	// The stale session ending must not mark the device offline.
	require.NoError(t, first.Close())
	time.Sleep(20 * time.Millisecond)
	d, _ := h.Device("d1")
	assert.True(t, d.Online)
	assert.Len(t, h.Devices(), 1)
}
