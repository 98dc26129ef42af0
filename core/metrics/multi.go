package metrics

import "github.com/kilianp07/dispenser/core/model"

// MultiSink fans records out to multiple sinks.
type MultiSink struct {
	Sinks []MetricsSink
}

// NewMultiSink creates a MultiSink with the provided sinks.
func NewMultiSink(sinks ...MetricsSink) *MultiSink {
	return &MultiSink{Sinks: sinks}
}

// RecordDispense forwards the record to all sinks, returning the first error encountered.
func (m *MultiSink) RecordDispense(ev DispenseEvent) error {
	for _, s := range m.Sinks {
		if err := s.RecordDispense(ev); err != nil {
			return err
		}
	}
	return nil
}

// RecordConnection forwards connection events.
func (m *MultiSink) RecordConnection(ev ConnectionEvent) error {
	for _, s := range m.Sinks {
		if err := RecordConnection(s, ev); err != nil {
			return err
		}
	}
	return nil
}

// RecordMessage forwards outbound message events.
func (m *MultiSink) RecordMessage(ev MessageEvent) error {
	for _, s := range m.Sinks {
		if err := RecordMessage(s, ev); err != nil {
			return err
		}
	}
	return nil
}

// RecordInventory forwards inventory snapshots.
func (m *MultiSink) RecordInventory(ev InventorySnapshot) error {
	for _, s := range m.Sinks {
		if err := RecordInventory(s, ev); err != nil {
			return err
		}
	}
	return nil
}

// RecordInventoryEvent forwards inventory transitions.
func (m *MultiSink) RecordInventoryEvent(deviceID string, ev model.Event) error {
	for _, s := range m.Sinks {
		if err := RecordInventoryEvent(s, deviceID, ev); err != nil {
			return err
		}
	}
	return nil
}

// RecordAck forwards acknowledgment outcomes.
func (m *MultiSink) RecordAck(ev AckEvent) error {
	for _, s := range m.Sinks {
		if err := RecordAck(s, ev); err != nil {
			return err
		}
	}
	return nil
}
