package metrics

import (
	"time"

	"github.com/kilianp07/dispenser/core/model"
)

// DispenseEvent records the outcome of one dispense job.
type DispenseEvent struct {
	DeviceID  string
	Requested int
	Dispensed int
	Error     model.ErrorCode
	Duration  time.Duration
	Time      time.Time
}

// MetricsSink records dispense outcomes for observability purposes.
type MetricsSink interface {
	RecordDispense(ev DispenseEvent) error
}

// ConnectionEvent captures a channel state change or a dial attempt.
type ConnectionEvent struct {
	DeviceID  string
	Connected bool
	Attempt   bool
	Err       error
	Time      time.Time
}

// ConnectionRecorder records channel lifecycle events.
type ConnectionRecorder interface {
	RecordConnection(ev ConnectionEvent) error
}

// MessageEvent describes one outbound frame.
type MessageEvent struct {
	DeviceID string
	Type     string
	Dropped  bool
	Time     time.Time
}

// MessageRecorder records outbound traffic, including frames dropped while
// disconnected.
type MessageRecorder interface {
	RecordMessage(ev MessageEvent) error
}

// InventorySnapshot is a periodic view of the dispenser record.
type InventorySnapshot struct {
	DeviceID       string
	BallCount      int
	TotalDispensed int
	State          model.DispenserState
	Time           time.Time
}

// InventoryRecorder records inventory snapshots.
type InventoryRecorder interface {
	RecordInventory(ev InventorySnapshot) error
}

// InventoryEventRecorder records empty/low/refilled transitions.
type InventoryEventRecorder interface {
	RecordInventoryEvent(deviceID string, ev model.Event) error
}

// AckEvent describes one command acknowledgment sent to the operator.
type AckEvent struct {
	DeviceID string
	CmdID    string
	Success  bool
	Error    model.ErrorCode
	Time     time.Time
}

// AckRecorder records command outcomes.
type AckRecorder interface {
	RecordAck(ev AckEvent) error
}

// NopSink implements every recorder with no-op methods.
type NopSink struct{}

func (NopSink) RecordDispense(DispenseEvent) error             { return nil }
func (NopSink) RecordConnection(ConnectionEvent) error         { return nil }
func (NopSink) RecordMessage(MessageEvent) error               { return nil }
func (NopSink) RecordInventory(InventorySnapshot) error        { return nil }
func (NopSink) RecordInventoryEvent(string, model.Event) error { return nil }
func (NopSink) RecordAck(AckEvent) error                       { return nil }

// RecordConnection forwards ev when sink implements ConnectionRecorder.
func RecordConnection(sink MetricsSink, ev ConnectionEvent) error {
	if rec, ok := sink.(ConnectionRecorder); ok {
		return rec.RecordConnection(ev)
	}
	return nil
}

// RecordMessage forwards ev when sink implements MessageRecorder.
func RecordMessage(sink MetricsSink, ev MessageEvent) error {
	if rec, ok := sink.(MessageRecorder); ok {
		return rec.RecordMessage(ev)
	}
	return nil
}

// RecordInventory forwards ev when sink implements InventoryRecorder.
func RecordInventory(sink MetricsSink, ev InventorySnapshot) error {
	if rec, ok := sink.(InventoryRecorder); ok {
		return rec.RecordInventory(ev)
	}
	return nil
}

// RecordInventoryEvent forwards ev when sink implements InventoryEventRecorder.
func RecordInventoryEvent(sink MetricsSink, deviceID string, ev model.Event) error {
	if rec, ok := sink.(InventoryEventRecorder); ok {
		return rec.RecordInventoryEvent(deviceID, ev)
	}
	return nil
}

// RecordAck forwards ev when sink implements AckRecorder.
func RecordAck(sink MetricsSink, ev AckEvent) error {
	if rec, ok := sink.(AckRecorder); ok {
		return rec.RecordAck(ev)
	}
	return nil
}
