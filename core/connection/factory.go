package connection

import "github.com/kilianp07/dispenser/core/factory"

var dialerRegistry = factory.NewRegistry[Dialer]()

// RegisterDialer adds a transport factory identified by name.
func RegisterDialer(name string, f factory.Factory[Dialer]) error {
	return dialerRegistry.Register(name, f)
}

// NewDialer builds the transport named by cfg.Type. The device id is merged
// into the transport settings under "device_id".
func NewDialer(cfg factory.ModuleConfig, deviceID string) (Dialer, error) {
	conf := make(map[string]any, len(cfg.Conf)+1)
	for k, v := range cfg.Conf {
		conf[k] = v
	}
	conf["device_id"] = deviceID
	return dialerRegistry.Create(factory.ModuleConfig{Type: cfg.Type, Conf: conf})
}

// Transports lists the registered transport names.
func Transports() []string { return dialerRegistry.Names() }
