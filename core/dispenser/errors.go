package dispenser

import (
	"errors"

	"github.com/kilianp07/dispenser/core/gate"
	"github.com/kilianp07/dispenser/core/model"
)

var (
	// ErrEmpty is returned when no ball is left to dispense.
	ErrEmpty = errors.New("dispenser empty")
	// ErrNoDeparture is returned when no ball cleared the gate before the
	// dispense timeout. The gate is left open.
	ErrNoDeparture = errors.New("ball did not depart")
	// ErrBusy is returned when a dispense job is already running.
	ErrBusy = errors.New("dispense in progress")
	// ErrInvalidCount is returned for a non-positive dispense count.
	ErrInvalidCount = errors.New("dispense count must be positive")
	// ErrGateFault is returned when the actuator refuses a position.
	ErrGateFault = errors.New("gate actuator fault")
)

// Code maps an error returned by the controller to its wire code.
func Code(err error) model.ErrorCode {
	switch {
	case err == nil:
		return model.ErrNone
	case errors.Is(err, ErrEmpty):
		return model.ErrEmpty
	case errors.Is(err, ErrNoDeparture):
		return model.ErrNoDeparture
	case errors.Is(err, ErrBusy):
		return model.ErrBusy
	case errors.Is(err, ErrInvalidCount):
		return model.ErrInvalidParams
	case errors.Is(err, ErrGateFault):
		return model.ErrGateFault
	case errors.Is(err, gate.ErrSensorTimeout), errors.Is(err, gate.ErrSensorUnavailable):
		return model.ErrSensorTimeout
	default:
		return model.ErrGateFault
	}
}
