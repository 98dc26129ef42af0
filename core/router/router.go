// Package router decodes operator commands and dispatches them to the
// dispenser. Every accepted command gets exactly one acknowledgment.
package router

import (
	"context"
	"encoding/json"
	"time"

	"github.com/kilianp07/dispenser/core/dispenser"
	"github.com/kilianp07/dispenser/core/logger"
	"github.com/kilianp07/dispenser/core/model"
)

// Dispenser is the controller surface used by the router.
type Dispenser interface {
	Dispense(now time.Time, count int) error
	SetBallCount(n int) error
	SetConfig(p model.ConfigPatch)
	Status() model.Status
}

// StatusEmitter sends an out-of-band status snapshot.
type StatusEmitter interface {
	EmitStatus(ctx context.Context, now time.Time)
}

// AckSender delivers acknowledgments to the operator.
type AckSender interface {
	SendAck(ctx context.Context, now time.Time, ack model.Ack)
}

// envelope keeps every field raw so a badly typed field falls back to its
// default instead of rejecting the whole frame.
type envelope struct {
	Type   json.RawMessage `json:"type"`
	ID     json.RawMessage `json:"cmd_id"`
	Action json.RawMessage `json:"action"`
	Params json.RawMessage `json:"params"`
}

type params map[string]json.RawMessage

// decodeParams yields no keys when raw is missing or not an object.
func decodeParams(raw json.RawMessage) params {
	var p params
	if len(raw) == 0 || json.Unmarshal(raw, &p) != nil {
		return nil
	}
	return p
}

// number reads key as an integer. present is false for a missing or null
// key; err is set when the value is not a number.
func (p params) number(key string) (n int, present bool, err error) {
	raw, ok := p[key]
	if !ok || string(raw) == "null" {
		return 0, false, nil
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return 0, true, err
	}
	return int(f), true, nil
}

func text(raw json.RawMessage) string {
	var s string
	if len(raw) == 0 || json.Unmarshal(raw, &s) != nil {
		return ""
	}
	return s
}

// Router handles one inbound frame at a time.
type Router struct {
	deviceID string
	ctrl     Dispenser
	status   StatusEmitter
	acks     AckSender
	log      logger.Logger

	// pending is the id of the dispense command whose ack waits for the job.
	pending    string
	hasPending bool
}

// New builds a Router.
func New(deviceID string, ctrl Dispenser, status StatusEmitter, acks AckSender, log logger.Logger) *Router {
	return &Router{deviceID: deviceID, ctrl: ctrl, status: status, acks: acks, log: logger.OrNop(log)}
}

// command is a decoded inbound request. A non-string cmd_id or action
// reads as empty.
type command struct {
	ID     string
	Action string
	Params params
}

// Handle decodes raw and runs the command it carries. Frames that are not a
// JSON object or not of type "cmd" are ignored.
func (r *Router) Handle(ctx context.Context, now time.Time, raw []byte) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		r.log.Warnf("ignoring undecodable frame: %v", err)
		return
	}
	if typ := text(env.Type); typ != model.MsgCmd {
		r.log.Debugf("ignoring frame of type %q", typ)
		return
	}
	cmd := command{ID: text(env.ID), Action: text(env.Action), Params: decodeParams(env.Params)}
	r.log.Infof("command %s: %s", cmd.ID, cmd.Action)

	switch cmd.Action {
	case model.ActionDispense:
		r.dispense(ctx, now, cmd)
	case model.ActionSetBallCount:
		r.setBallCount(ctx, now, cmd)
	case model.ActionPing:
		if r.status != nil {
			r.status.EmitStatus(ctx, now)
		}
		r.ack(ctx, now, cmd.ID, model.ErrNone)
	case model.ActionSetConfig:
		r.setConfig(ctx, now, cmd)
	default:
		r.ack(ctx, now, cmd.ID, model.ErrUnknownAction)
	}
}

func (r *Router) dispense(ctx context.Context, now time.Time, cmd command) {
	count, present, err := cmd.Params.number("count")
	if err != nil {
		r.ack(ctx, now, cmd.ID, model.ErrInvalidParams)
		return
	}
	if !present {
		count = 1
	}
	if err := r.ctrl.Dispense(now, count); err != nil {
		r.ack(ctx, now, cmd.ID, dispenser.Code(err))
		return
	}
	r.pending, r.hasPending = cmd.ID, true
}

// Complete sends the deferred acknowledgment of the dispense command once
// the controller reports the job result.
func (r *Router) Complete(ctx context.Context, now time.Time, res dispenser.Result) {
	if !r.hasPending {
		r.log.Warnf("dispense result without a pending command")
		return
	}
	id := r.pending
	r.pending, r.hasPending = "", false
	r.sendAck(ctx, now, model.Ack{
		Type:     model.MsgCmdAck,
		DeviceID: r.deviceID,
		CmdID:    id,
		Success:  res.OK(),
		Error:    model.NullableCode(res.Status.Error),
		Data:     model.AckData{BallsRemaining: res.Status.BallCount},
	})
}

// Pending reports whether a dispense acknowledgment is outstanding.
func (r *Router) Pending() bool { return r.hasPending }

// setBallCount reads a missing or non-numeric count as zero.
func (r *Router) setBallCount(ctx context.Context, now time.Time, cmd command) {
	n, _, err := cmd.Params.number("count")
	if err != nil {
		r.log.Warnf("command %s: count is not a number, using 0", cmd.ID)
		n = 0
	}
	if err := r.ctrl.SetBallCount(n); err != nil {
		r.ack(ctx, now, cmd.ID, dispenser.Code(err))
		return
	}
	r.ack(ctx, now, cmd.ID, model.ErrNone)
}

// setConfig applies the recognized keys holding numbers. Anything else keeps
// the current value.
func (r *Router) setConfig(ctx context.Context, now time.Time, cmd command) {
	var patch model.ConfigPatch
	if a, ok, err := cmd.Params.number("servo_open_angle"); ok && err == nil {
		patch.OpenAngle = &a
	} else if err != nil {
		r.log.Warnf("command %s: ignoring servo_open_angle: %v", cmd.ID, err)
	}
	if ms, ok, err := cmd.Params.number("servo_settle_ms"); ok && err == nil {
		d := time.Duration(ms) * time.Millisecond
		patch.Settle = &d
	} else if err != nil {
		r.log.Warnf("command %s: ignoring servo_settle_ms: %v", cmd.ID, err)
	}
	r.ctrl.SetConfig(patch)
	r.ack(ctx, now, cmd.ID, model.ErrNone)
}

// ack answers a command immediately with the current inventory.
func (r *Router) ack(ctx context.Context, now time.Time, id string, code model.ErrorCode) {
	r.sendAck(ctx, now, model.Ack{
		Type:     model.MsgCmdAck,
		DeviceID: r.deviceID,
		CmdID:    id,
		Success:  code == model.ErrNone,
		Error:    model.NullableCode(code),
		Data:     model.AckData{BallsRemaining: r.ctrl.Status().BallCount},
	})
}

func (r *Router) sendAck(ctx context.Context, now time.Time, a model.Ack) {
	if r.acks == nil {
		r.log.Errorf("no ack sender, dropped ack %s", a.CmdID)
		return
	}
	r.acks.SendAck(ctx, now, a)
}
