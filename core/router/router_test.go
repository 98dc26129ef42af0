package router

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/dispenser/core/dispenser"
	"github.com/kilianp07/dispenser/core/model"
)

// departingGate reports a ball leaving on every opening.
type departingGate struct{ open bool }

func (g *departingGate) Open(int) error { g.open = true; return nil }
func (g *departingGate) Close() error   { g.open = false; return nil }
func (g *departingGate) Baseline(context.Context) (float64, error) {
	return 100, nil
}
func (g *departingGate) Sample(context.Context) (int, error) {
	if g.open {
		return 400, nil
	}
	return 100, nil
}

type ackLog struct{ acks []model.Ack }

func (l *ackLog) SendAck(_ context.Context, _ time.Time, a model.Ack) { l.acks = append(l.acks, a) }

type statusLog struct{ n int }

func (s *statusLog) EmitStatus(context.Context, time.Time) { s.n++ }

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	ctrl   *dispenser.Controller
	router *Router
	acks   *ackLog
	status *statusLog
}

func newHarness(balls int) *harness {
	ctrl := dispenser.New(&departingGate{}, dispenser.Options{
		InitialBallCount: balls,
		Config:           model.DispenseConfig{OpenAngle: 90, Settle: 200 * time.Millisecond},
	})
	h := &harness{ctrl: ctrl, acks: &ackLog{}, status: &statusLog{}}
	h.router = New("esp32-001", ctrl, h.status, h.acks, nil)
	return h
}

func cmdFrame(t *testing.T, id, action string, params map[string]any) []byte {
	t.Helper()
	b, err := json.Marshal(model.Command{Type: model.MsgCmd, ID: id, Action: action, Params: params})
	require.NoError(t, err)
	return b
}

// finish steps the controller until the running job completes and forwards
// the result to the router.
func (h *harness) finish(t *testing.T) {
	t.Helper()
	now := t0
	for i := 0; i < 100000; i++ {
		if res, done := h.ctrl.Step(context.Background(), now); done {
			h.router.Complete(context.Background(), now, res)
			return
		}
		now = now.Add(10 * time.Millisecond)
	}
	t.Fatal("dispense job did not finish")
}

func TestDispenseAckCarriesRemaining(t *testing.T) {
	h := newHarness(20)
	h.router.Handle(context.Background(), t0, cmdFrame(t, "a1", model.ActionDispense, map[string]any{"count": 1}))
	assert.Empty(t, h.acks.acks, "dispense ack waits for the job")
	assert.True(t, h.router.Pending())

	h.finish(t)
	require.Len(t, h.acks.acks, 1)
	a := h.acks.acks[0]
	assert.Equal(t, "a1", a.CmdID)
	assert.Equal(t, model.MsgCmdAck, a.Type)
	assert.Equal(t, "esp32-001", a.DeviceID)
	assert.True(t, a.Success)
	assert.Nil(t, a.Error)
	assert.Equal(t, 19, a.Data.BallsRemaining)
	assert.False(t, h.router.Pending())
}

func TestDispenseDefaultsToOne(t *testing.T) {
	h := newHarness(5)
	h.router.Handle(context.Background(), t0, cmdFrame(t, "d", model.ActionDispense, nil))
	h.finish(t)
	require.Len(t, h.acks.acks, 1)
	assert.Equal(t, 4, h.acks.acks[0].Data.BallsRemaining)
}

func TestDispenseMoreThanInventory(t *testing.T) {
	h := newHarness(1)
	h.router.Handle(context.Background(), t0, cmdFrame(t, "x", model.ActionDispense, map[string]any{"count": 3.0}))
	h.finish(t)
	require.Len(t, h.acks.acks, 1)
	a := h.acks.acks[0]
	assert.False(t, a.Success)
	require.NotNil(t, a.Error)
	assert.Equal(t, "empty", *a.Error)
	assert.Equal(t, 0, a.Data.BallsRemaining)
	assert.Equal(t, 1, h.ctrl.Status().TotalDispensed)
}

func TestDispenseEmptyAcksImmediately(t *testing.T) {
	h := newHarness(0)
	h.router.Handle(context.Background(), t0, cmdFrame(t, "e", model.ActionDispense, nil))
	require.Len(t, h.acks.acks, 1)
	assert.Equal(t, "empty", *h.acks.acks[0].Error)
	assert.False(t, h.router.Pending())
}

func TestBusyRejection(t *testing.T) {
	h := newHarness(10)
	ctx := context.Background()
	h.router.Handle(ctx, t0, cmdFrame(t, "first", model.ActionDispense, map[string]any{"count": 2}))
	h.router.Handle(ctx, t0, cmdFrame(t, "second", model.ActionDispense, nil))
	h.router.Handle(ctx, t0, cmdFrame(t, "refill", model.ActionSetBallCount, map[string]any{"count": 20}))

	require.Len(t, h.acks.acks, 2)
	for _, a := range h.acks.acks {
		assert.False(t, a.Success)
		assert.Equal(t, "busy", *a.Error)
	}
	h.finish(t)
	require.Len(t, h.acks.acks, 3)
	assert.Equal(t, "first", h.acks.acks[2].CmdID)
	assert.Equal(t, 8, h.acks.acks[2].Data.BallsRemaining)
}

func TestInvalidCount(t *testing.T) {
	h := newHarness(10)
	h.router.Handle(context.Background(), t0, cmdFrame(t, "z", model.ActionDispense, map[string]any{"count": 0}))
	h.router.Handle(context.Background(), t0, cmdFrame(t, "s", model.ActionDispense, map[string]any{"count": "lots"}))
	require.Len(t, h.acks.acks, 2)
	for _, a := range h.acks.acks {
		assert.Equal(t, "invalid_params", *a.Error)
	}
	assert.Equal(t, model.StateIdle, h.ctrl.Status().State)
}

func TestSetBallCount(t *testing.T) {
	h := newHarness(0)
	ctx := context.Background()
	h.router.Handle(ctx, t0, cmdFrame(t, "e", model.ActionDispense, nil))
	require.Equal(t, model.StateError, h.ctrl.Status().State)

	h.router.Handle(ctx, t0, cmdFrame(t, "s", model.ActionSetBallCount, map[string]any{"count": 15}))
	require.Len(t, h.acks.acks, 2)
	a := h.acks.acks[1]
	assert.True(t, a.Success)
	assert.Equal(t, 15, a.Data.BallsRemaining)
	st := h.ctrl.Status()
	assert.Equal(t, model.StateIdle, st.State)
	assert.Equal(t, model.ErrNone, st.Error)

	h.router.Handle(ctx, t0, cmdFrame(t, "d", model.ActionSetBallCount, nil))
	assert.Equal(t, 0, h.ctrl.Status().BallCount)
}

func TestPingEmitsStatusThenAcks(t *testing.T) {
	h := newHarness(3)
	h.router.Handle(context.Background(), t0, cmdFrame(t, "p", model.ActionPing, nil))
	assert.Equal(t, 1, h.status.n)
	require.Len(t, h.acks.acks, 1)
	assert.True(t, h.acks.acks[0].Success)
	assert.Equal(t, 3, h.acks.acks[0].Data.BallsRemaining)
}

func TestSetConfigPartial(t *testing.T) {
	h := newHarness(3)
	h.router.Handle(context.Background(), t0, cmdFrame(t, "c", model.ActionSetConfig, map[string]any{"servo_settle_ms": 350.0}))
	require.Len(t, h.acks.acks, 1)
	assert.True(t, h.acks.acks[0].Success)
	cfg := h.ctrl.Config()
	assert.Equal(t, 90, cfg.OpenAngle)
	assert.Equal(t, 350*time.Millisecond, cfg.Settle)

	h.router.Handle(context.Background(), t0, cmdFrame(t, "c2", model.ActionSetConfig, map[string]any{"servo_open_angle": 120}))
	assert.Equal(t, 120, h.ctrl.Config().OpenAngle)
	assert.Equal(t, 350*time.Millisecond, h.ctrl.Config().Settle)
}

func TestUnknownAction(t *testing.T) {
	h := newHarness(3)
	h.router.Handle(context.Background(), t0, cmdFrame(t, "u", "reboot", nil))
	require.Len(t, h.acks.acks, 1)
	a := h.acks.acks[0]
	assert.Equal(t, "u", a.CmdID)
	assert.False(t, a.Success)
	assert.Equal(t, "unknown_action", *a.Error)
}

func TestIgnoredFrames(t *testing.T) {
	h := newHarness(3)
	ctx := context.Background()
	h.router.Handle(ctx, t0, []byte(`not json`))
	h.router.Handle(ctx, t0, []byte(`{"type":"status","cmd_id":"x"}`))
	h.router.Handle(ctx, t0, []byte(`{"cmd_id":"y","action":"ping"}`))
	assert.Empty(t, h.acks.acks)
	assert.Zero(t, h.status.n)
}

func TestExactlyOneAckPerCommand(t *testing.T) {
	h := newHarness(50)
	ctx := context.Background()
	actions := []string{
		model.ActionPing, model.ActionSetConfig, "nope", model.ActionSetBallCount, model.ActionDispense,
	}
	for i, a := range actions {
		h.router.Handle(ctx, t0, cmdFrame(t, string(rune('a'+i)), a, nil))
		if h.router.Pending() {
			h.finish(t)
		}
	}
	require.Len(t, h.acks.acks, len(actions))
	for i, a := range h.acks.acks {
		assert.Equal(t, string(rune('a'+i)), a.CmdID)
	}
}

func TestCompleteWithoutPending(t *testing.T) {
	h := newHarness(3)
	h.router.Complete(context.Background(), t0, dispenser.Result{})
	assert.Empty(t, h.acks.acks)
}

func TestMistypedEnvelopeStillAcked(t *testing.T) {
	h := newHarness(3)
	ctx := context.Background()
	h.router.Handle(ctx, t0, []byte(`{"type":"cmd","cmd_id":"a1","action":"ping","params":[]}`))
	h.router.Handle(ctx, t0, []byte(`{"type":"cmd","cmd_id":42,"action":"ping"}`))
	h.router.Handle(ctx, t0, []byte(`{"type":"cmd","cmd_id":"a3","action":7}`))

	require.Len(t, h.acks.acks, 3)
	assert.Equal(t, "a1", h.acks.acks[0].CmdID)
	assert.True(t, h.acks.acks[0].Success)
	assert.Equal(t, "", h.acks.acks[1].CmdID)
	assert.True(t, h.acks.acks[1].Success)
	assert.Equal(t, "a3", h.acks.acks[2].CmdID)
	assert.Equal(t, "unknown_action", *h.acks.acks[2].Error)
}

func TestDispenseWithNonObjectParamsDefaultsToOne(t *testing.T) {
	h := newHarness(5)
	h.router.Handle(context.Background(), t0, []byte(`{"type":"cmd","cmd_id":"d","action":"dispense","params":"x"}`))
	h.finish(t)
	require.Len(t, h.acks.acks, 1)
	assert.True(t, h.acks.acks[0].Success)
	assert.Equal(t, 4, h.acks.acks[0].Data.BallsRemaining)
}

func TestSetConfigWrongTypeKeepsCurrent(t *testing.T) {
	h := newHarness(3)
	h.router.Handle(context.Background(), t0, cmdFrame(t, "c", model.ActionSetConfig, map[string]any{
		"servo_open_angle": "wide",
		"servo_settle_ms":  150,
	}))
	require.Len(t, h.acks.acks, 1)
	assert.True(t, h.acks.acks[0].Success)
	assert.Nil(t, h.acks.acks[0].Error)
	cfg := h.ctrl.Config()
	assert.Equal(t, 90, cfg.OpenAngle)
	assert.Equal(t, 150*time.Millisecond, cfg.Settle)
}

func TestSetBallCountWrongTypeReadsZero(t *testing.T) {
	h := newHarness(7)
	h.router.Handle(context.Background(), t0, cmdFrame(t, "s", model.ActionSetBallCount, map[string]any{"count": "ten"}))
	require.Len(t, h.acks.acks, 1)
	assert.True(t, h.acks.acks[0].Success)
	assert.Equal(t, 0, h.acks.acks[0].Data.BallsRemaining)
	assert.Equal(t, 0, h.ctrl.Status().BallCount)
}
