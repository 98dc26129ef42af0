package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	coremetrics "github.com/kilianp07/dispenser/core/metrics"
	"github.com/kilianp07/dispenser/core/model"
)

// PromSink records dispenser activity in Prometheus metrics.
type PromSink struct {
	dispenses *prometheus.CounterVec
	balls     *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	connected *prometheus.GaugeVec
	attempts  *prometheus.CounterVec
	messages  *prometheus.CounterVec
	ballCount *prometheus.GaugeVec
	inventory *prometheus.CounterVec
	acks      *prometheus.CounterVec
}

// NewPromSink registers dispenser metrics on the default Prometheus registerer.
func NewPromSink() (*PromSink, error) {
	return NewPromSinkWithRegistry(prometheus.DefaultRegisterer)
}

// register adds c to reg, reusing an identical collector registered earlier.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

// NewPromSinkWithRegistry registers metrics on the provided registerer.
// A nil registerer defaults to the global Prometheus registerer.
func NewPromSinkWithRegistry(reg prometheus.Registerer) (*PromSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PromSink{}
	var err error
	if s.dispenses, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dispenser_dispense_total",
		Help: "Dispense jobs by outcome",
	}, []string{"device_id", "result"})); err != nil {
		return nil, err
	}
	if s.balls, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dispenser_balls_dispensed_total",
		Help: "Balls confirmed leaving the gate",
	}, []string{"device_id"})); err != nil {
		return nil, err
	}
	if s.duration, err = register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dispenser_dispense_duration_seconds",
		Help:    "Duration of dispense jobs",
		Buckets: []float64{0.25, 0.5, 1, 2, 3, 5, 10, 30},
	}, []string{"device_id"})); err != nil {
		return nil, err
	}
	if s.connected, err = register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dispenser_channel_connected",
		Help: "1 while the operator channel is up",
	}, []string{"device_id"})); err != nil {
		return nil, err
	}
	if s.attempts, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dispenser_connect_attempts_total",
		Help: "Channel dial attempts by outcome",
	}, []string{"device_id", "result"})); err != nil {
		return nil, err
	}
	if s.messages, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dispenser_outbound_messages_total",
		Help: "Outbound messages by type and outcome",
	}, []string{"device_id", "type", "outcome"})); err != nil {
		return nil, err
	}
	if s.ballCount, err = register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dispenser_ball_count",
		Help: "Balls currently loaded",
	}, []string{"device_id"})); err != nil {
		return nil, err
	}
	if s.inventory, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dispenser_inventory_events_total",
		Help: "Inventory transitions reported to the operator",
	}, []string{"device_id", "event"})); err != nil {
		return nil, err
	}
	if s.acks, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dispenser_command_acks_total",
		Help: "Command acknowledgments by outcome",
	}, []string{"device_id", "success", "error"})); err != nil {
		return nil, err
	}
	return s, nil
}

func result(code model.ErrorCode) string {
	if code == model.ErrNone {
		return "ok"
	}
	return string(code)
}

// RecordDispense counts the job and the balls it released.
func (s *PromSink) RecordDispense(ev coremetrics.DispenseEvent) error {
	s.dispenses.WithLabelValues(ev.DeviceID, result(ev.Error)).Inc()
	if ev.Dispensed > 0 {
		s.balls.WithLabelValues(ev.DeviceID).Add(float64(ev.Dispensed))
	}
	s.duration.WithLabelValues(ev.DeviceID).Observe(ev.Duration.Seconds())
	return nil
}

// RecordConnection tracks dial attempts and the channel state.
func (s *PromSink) RecordConnection(ev coremetrics.ConnectionEvent) error {
	if ev.Attempt {
		res := "ok"
		if ev.Err != nil {
			res = "error"
		}
		s.attempts.WithLabelValues(ev.DeviceID, res).Inc()
	}
	v := 0.0
	if ev.Connected {
		v = 1
	}
	s.connected.WithLabelValues(ev.DeviceID).Set(v)
	return nil
}

// RecordMessage counts outbound frames.
func (s *PromSink) RecordMessage(ev coremetrics.MessageEvent) error {
	outcome := "sent"
	if ev.Dropped {
		outcome = "dropped"
	}
	s.messages.WithLabelValues(ev.DeviceID, ev.Type, outcome).Inc()
	return nil
}

// RecordInventory sets the ball count gauge.
func (s *PromSink) RecordInventory(ev coremetrics.InventorySnapshot) error {
	s.ballCount.WithLabelValues(ev.DeviceID).Set(float64(ev.BallCount))
	return nil
}

// RecordInventoryEvent counts empty, low and refill transitions.
func (s *PromSink) RecordInventoryEvent(deviceID string, ev model.Event) error {
	s.inventory.WithLabelValues(deviceID, string(ev.Name)).Inc()
	s.ballCount.WithLabelValues(deviceID).Set(float64(ev.BallCount))
	return nil
}

// RecordAck counts acknowledgments.
func (s *PromSink) RecordAck(ev coremetrics.AckEvent) error {
	s.acks.WithLabelValues(ev.DeviceID, strconv.FormatBool(ev.Success), string(ev.Error)).Inc()
	return nil
}
