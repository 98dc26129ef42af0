package gate

import (
	"fmt"

	"github.com/kilianp07/dispenser/core/factory"
)

// Hardware bundles the primitives of one dispenser. Sensor is nil when the
// board has no distance sensor fitted.
type Hardware struct {
	Actuator Actuator
	Sensor   RangeSensor
}

var hardwareRegistry = factory.NewRegistry[Hardware]()

// RegisterHardware adds a driver factory identified by name.
func RegisterHardware(name string, f factory.Factory[Hardware]) error {
	return hardwareRegistry.Register(name, f)
}

// NewHardware builds the driver named by cfg.Type.
func NewHardware(cfg factory.ModuleConfig) (Hardware, error) {
	hw, err := hardwareRegistry.Create(cfg)
	if err != nil {
		return Hardware{}, err
	}
	if hw.Actuator == nil {
		return Hardware{}, fmt.Errorf("hardware %q: no actuator", cfg.Type)
	}
	return hw, nil
}
