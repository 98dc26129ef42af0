// Package console is the operator side of the channel: it accepts device
// sessions, tracks their last status and sends commands correlated with
// their acknowledgments.
package console

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kilianp07/dispenser/core/connection"
	"github.com/kilianp07/dispenser/core/logger"
	"github.com/kilianp07/dispenser/core/model"
	"github.com/kilianp07/dispenser/core/tally"
)

var (
	ErrDeviceNotFound     = errors.New("device_not_found")
	ErrDeviceOffline      = errors.New("device_offline")
	ErrAckTimeout         = errors.New("command_timeout")
	ErrDeviceDisconnected = errors.New("device_disconnected")
)

// Options configure a Hub.
type Options struct {
	AckTimeout  time.Duration
	HistorySize int
	Logger      logger.Logger
	// Tally receives one record per acknowledged dispense command.
	Tally tally.Store
	Now   func() time.Time
}

// HistoryEntry is one command sent to a device.
type HistoryEntry struct {
	CmdID   string         `json:"cmd_id"`
	Action  string         `json:"action"`
	Params  map[string]any `json:"params,omitempty"`
	SentAt  time.Time      `json:"sent_at"`
	Ack     *model.Ack     `json:"ack"`
	AckedAt *time.Time     `json:"acked_at"`
}

// Device is a snapshot of what the hub knows about one dispenser.
type Device struct {
	DeviceID       string          `json:"device_id"`
	Online         bool            `json:"online"`
	LastSeen       time.Time       `json:"last_seen"`
	Status         json.RawMessage `json:"status"`
	LastEvent      json.RawMessage `json:"last_event,omitempty"`
	CommandHistory []HistoryEntry  `json:"command_history"`
}

type device struct {
	id        string
	online    bool
	lastSeen  time.Time
	status    json.RawMessage
	ballCount int
	lastEvent json.RawMessage
	conn      connection.Conn
	history   []HistoryEntry
}

type outcome struct {
	ack model.Ack
	err error
}

type pending struct {
	deviceID string
	action   string
	count    int
	// before is the cached inventory when the command was sent.
	before int
	ch     chan outcome
}

// Hub tracks device sessions. It is safe for concurrent use.
type Hub struct {
	opts Options
	log  logger.Logger

	mu      sync.Mutex
	devices map[string]*device
	pending map[string]*pending
}

// NewHub returns an empty hub.
func NewHub(opts Options) *Hub {
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = 10 * time.Second
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = 50
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Hub{
		opts:    opts,
		log:     logger.OrNop(opts.Logger),
		devices: map[string]*device{},
		pending: map[string]*pending{},
	}
}

// Attach serves one device session until it ends. The session is bound to a
// device id by hint (the handshake header) or by its first status message.
func (h *Hub) Attach(ctx context.Context, conn connection.Conn, hint string) {
	id := ""
	if hint != "" {
		id = hint
		h.mu.Lock()
		h.bind(id, conn)
		h.mu.Unlock()
	}
	defer func() {
		if id != "" {
			h.detach(id, conn)
		}
		_ = conn.Close()
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case <-conn.Done():
			return
		case raw := <-conn.Inbound():
			h.handle(conn, &id, raw)
		}
	}
}

// bind must be called with h.mu held.
func (h *Hub) bind(id string, conn connection.Conn) *device {
	d := h.devices[id]
	if d == nil {
		d = &device{id: id}
		h.devices[id] = d
		h.log.Infof("device identified: %s", id)
	}
	d.online = true
	d.conn = conn
	d.lastSeen = h.opts.Now()
	return d
}

func (h *Hub) handle(conn connection.Conn, id *string, raw []byte) {
	var env model.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		h.log.Warnf("invalid json from %q: %v", *id, err)
		return
	}
	switch env.Type {
	case model.MsgStatus:
		var st struct {
			BallCount int `json:"ball_count"`
		}
		_ = json.Unmarshal(raw, &st)
		if env.DeviceID == "" {
			return
		}
		h.mu.Lock()
		if *id == "" {
			*id = env.DeviceID
		}
		d := h.bind(env.DeviceID, conn)
		d.status = append(json.RawMessage(nil), raw...)
		d.ballCount = st.BallCount
		h.mu.Unlock()

	case model.MsgCmdAck:
		var ack model.Ack
		if err := json.Unmarshal(raw, &ack); err != nil {
			h.log.Warnf("invalid ack: %v", err)
			return
		}
		h.resolve(ack)

	case model.MsgEvent:
		h.log.Infof("event from %s: %s", env.DeviceID, string(raw))
		h.mu.Lock()
		if d := h.devices[env.DeviceID]; d != nil {
			d.lastEvent = append(json.RawMessage(nil), raw...)
			d.lastSeen = h.opts.Now()
		}
		h.mu.Unlock()

	default:
		h.log.Warnf("unknown message type %q", env.Type)
	}
}

func (h *Hub) resolve(ack model.Ack) {
	now := h.opts.Now()
	h.mu.Lock()
	p := h.pending[ack.CmdID]
	delete(h.pending, ack.CmdID)
	if d := h.devices[ack.DeviceID]; d != nil {
		d.lastSeen = now
		d.ballCount = ack.Data.BallsRemaining
		for i := range d.history {
			if d.history[i].CmdID == ack.CmdID {
				a := ack
				d.history[i].Ack = &a
				d.history[i].AckedAt = &now
				break
			}
		}
	}
	h.mu.Unlock()
	h.log.Infof("ack for cmd %s: success=%t", ack.CmdID, ack.Success)
	if p == nil {
		return
	}
	if p.action == model.ActionDispense && h.opts.Tally != nil {
		rec := tally.Record{DeviceID: p.deviceID, Date: now, Requests: 1}
		if ack.Success {
			rec.Balls = p.count
		} else {
			rec.Failed = 1
			// an aborted job may still have released some balls
			rec.Balls = min(max(p.before-ack.Data.BallsRemaining, 0), p.count)
		}
		if err := h.opts.Tally.Add(rec); err != nil {
			h.log.Errorf("tally: %v", err)
		}
	}
	p.ch <- outcome{ack: ack}
}

func (h *Hub) detach(id string, conn connection.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	d := h.devices[id]
	if d == nil || d.conn != conn {
		return
	}
	d.online = false
	d.conn = nil
	h.log.Infof("device disconnected: %s", id)
	for cmdID, p := range h.pending {
		if p.deviceID == id {
			delete(h.pending, cmdID)
			p.ch <- outcome{err: ErrDeviceDisconnected}
		}
	}
}

// SendCommand sends action to the device and waits for its acknowledgment,
// the ack timeout, a disconnect or ctx, whichever comes first.
func (h *Hub) SendCommand(ctx context.Context, deviceID, action string, params map[string]any) (model.Ack, error) {
	if params == nil {
		params = map[string]any{}
	}
	h.mu.Lock()
	d := h.devices[deviceID]
	if d == nil {
		h.mu.Unlock()
		return model.Ack{}, ErrDeviceNotFound
	}
	if !d.online || d.conn == nil {
		h.mu.Unlock()
		return model.Ack{}, ErrDeviceOffline
	}
	cmdID := uuid.NewString()[:8]
	p := &pending{deviceID: deviceID, action: action, count: dispenseCount(params), before: d.ballCount, ch: make(chan outcome, 1)}
	h.pending[cmdID] = p
	d.history = append(d.history, HistoryEntry{CmdID: cmdID, Action: action, Params: params, SentAt: h.opts.Now()})
	if over := len(d.history) - h.opts.HistorySize; over > 0 {
		d.history = append([]HistoryEntry(nil), d.history[over:]...)
	}
	conn := d.conn
	h.mu.Unlock()

	payload, err := json.Marshal(model.Command{Type: model.MsgCmd, ID: cmdID, Action: action, Params: params})
	if err != nil {
		h.forget(cmdID)
		return model.Ack{}, err
	}
	if err := conn.Send(ctx, model.MsgCmd, payload); err != nil {
		h.forget(cmdID)
		return model.Ack{}, fmt.Errorf("send %s to %s: %w", action, deviceID, err)
	}

	timer := time.NewTimer(h.opts.AckTimeout)
	defer timer.Stop()
	select {
	case out := <-p.ch:
		return out.ack, out.err
	case <-timer.C:
		h.forget(cmdID)
		return model.Ack{}, ErrAckTimeout
	case <-ctx.Done():
		h.forget(cmdID)
		return model.Ack{}, ctx.Err()
	}
}

func (h *Hub) forget(cmdID string) {
	h.mu.Lock()
	delete(h.pending, cmdID)
	h.mu.Unlock()
}

// dispenseCount mirrors the device default of one ball.
func dispenseCount(params map[string]any) int {
	switch v := params["count"].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return 1
	}
}

// BallCount returns the last known inventory of a device.
func (h *Hub) BallCount(deviceID string) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	d := h.devices[deviceID]
	if d == nil {
		return 0, ErrDeviceNotFound
	}
	return d.ballCount, nil
}

// Device returns a snapshot of one device.
func (h *Hub) Device(id string) (Device, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	d := h.devices[id]
	if d == nil {
		return Device{}, false
	}
	return d.snapshot(), true
}

// Devices returns snapshots of every known device sorted by id.
func (h *Hub) Devices() []Device {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Device, 0, len(h.devices))
	for _, d := range h.devices {
		out = append(out, d.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// Tally exposes the configured tally store, if any.
func (h *Hub) Tally() tally.Store { return h.opts.Tally }

func (d *device) snapshot() Device {
	hist := make([]HistoryEntry, len(d.history))
	copy(hist, d.history)
	return Device{
		DeviceID:       d.id,
		Online:         d.online,
		LastSeen:       d.lastSeen,
		Status:         d.status,
		LastEvent:      d.lastEvent,
		CommandHistory: hist,
	}
}
