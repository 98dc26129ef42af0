package model

import "time"

// DispenserState is the coarse state of the dispensing mechanism.
type DispenserState int

const (
	StateIdle DispenserState = iota
	StateDispensing
	StateError
)

// String returns the wire representation of the state.
func (s DispenserState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDispensing:
		return "dispensing"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state as its wire name.
func (s DispenserState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// ErrorCode is the short machine-readable failure code reported to operators.
type ErrorCode string

const (
	ErrNone          ErrorCode = ""
	ErrEmpty         ErrorCode = "empty"
	ErrSensorTimeout ErrorCode = "sensor_timeout"
	ErrNoDeparture   ErrorCode = "no_departure"
	ErrUnknownAction ErrorCode = "unknown_action"
	ErrBusy          ErrorCode = "busy"
	ErrInvalidParams ErrorCode = "invalid_params"
	ErrGateFault     ErrorCode = "gate_fault"
)

// Status is the authoritative dispenser record. It is owned by the
// dispenser controller; every other component works on copies.
type Status struct {
	State          DispenserState
	BallCount      int
	TotalDispensed int
	LastDispense   time.Time
	Error          ErrorCode
}

// DispenseConfig holds the tunable gate parameters.
type DispenseConfig struct {
	OpenAngle int           // servo angle used to open the gate, degrees
	Settle    time.Duration // wait after closing the gate before the next unit
}

// ConfigPatch carries a partial DispenseConfig update. Nil fields are left
// unchanged.
type ConfigPatch struct {
	OpenAngle *int
	Settle    *time.Duration
}

// EventName identifies an inventory transition.
type EventName string

const (
	EventEmpty    EventName = "empty"
	EventLowBalls EventName = "low_balls"
	EventRefilled EventName = "refilled"
)

// Event is emitted when the sampled ball count crosses a notable boundary.
type Event struct {
	Name      EventName
	BallCount int
	Time      time.Time
}
