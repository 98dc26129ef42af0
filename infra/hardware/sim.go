// Package hardware provides gate drivers. Only the simulated bench is built
// in; real boards register their own driver under another name.
package hardware

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/kilianp07/dispenser/core/factory"
	"github.com/kilianp07/dispenser/core/gate"
)

// SimConfig tunes the simulated dispenser.
type SimConfig struct {
	// BaselineMM is the distance read while a ball rests against the gate.
	BaselineMM int `json:"baseline_mm"`
	// DepartureMM is the distance read once the ball has left.
	DepartureMM int `json:"departure_mm"`
	// NoiseMM adds uniform noise in [-NoiseMM, NoiseMM] to every reading.
	NoiseMM int `json:"noise_mm"`
	// TravelTime is how long a ball takes to clear the gate after opening.
	TravelTime time.Duration `json:"travel_time"`
	// JamProbability is the chance that a ball never leaves an open gate.
	JamProbability float64 `json:"jam_probability"`
	// SensorPresent set to false simulates a board without a sensor.
	SensorPresent *bool `json:"sensor_present"`
	// ReadLatency delays every reading.
	ReadLatency time.Duration `json:"read_latency"`
	Seed        int64         `json:"seed"`
}

// SetDefaults fills unset fields with bench values.
func (c *SimConfig) SetDefaults() {
	if c.BaselineMM <= 0 {
		c.BaselineMM = 80
	}
	if c.DepartureMM <= 0 {
		c.DepartureMM = 300
	}
	if c.TravelTime < 0 {
		c.TravelTime = 0
	}
	if c.SensorPresent == nil {
		t := true
		c.SensorPresent = &t
	}
	if c.Seed == 0 {
		c.Seed = time.Now().UnixNano()
	}
}

func init() {
	_ = gate.RegisterHardware("sim", func(conf map[string]any) (gate.Hardware, error) {
		var c SimConfig
		if err := factory.Decode(conf, &c); err != nil {
			return gate.Hardware{}, err
		}
		return NewSim(c).Hardware(), nil
	})
}

// Sim models a gate servo and a distance sensor looking at the ball
// channel. Opening the gate starts a ball travelling unless it jams.
type Sim struct {
	cfg SimConfig
	now func() time.Time

	mu       sync.Mutex
	rng      *rand.Rand
	angle    int
	openedAt time.Time
	open     bool
	jammed   bool
}

// NewSim builds a simulator from cfg.
func NewSim(cfg SimConfig) *Sim {
	cfg.SetDefaults()
	return &Sim{cfg: cfg, now: time.Now, rng: rand.New(rand.NewSource(cfg.Seed))}
}

// SetClock replaces the wall clock used to time ball travel.
func (s *Sim) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// Hardware exposes the simulator as gate primitives.
func (s *Sim) Hardware() gate.Hardware {
	hw := gate.Hardware{Actuator: servo{s}}
	if *s.cfg.SensorPresent {
		hw.Sensor = sensor{s}
	}
	return hw
}

// Angle returns the last commanded servo angle.
func (s *Sim) Angle() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.angle
}

type servo struct{ s *Sim }

// SetAngle treats any non-zero angle as open.
func (v servo) SetAngle(deg int) error {
	if deg < 0 || deg > 180 {
		return errors.New("sim servo: angle out of range")
	}
	s := v.s
	s.mu.Lock()
	defer s.mu.Unlock()
	s.angle = deg
	wasOpen := s.open
	s.open = deg != 0
	if s.open && !wasOpen {
		s.openedAt = s.now()
		s.jammed = s.cfg.JamProbability > 0 && s.rng.Float64() < s.cfg.JamProbability
	}
	return nil
}

type sensor struct{ s *Sim }

func (r sensor) Probe(context.Context) error { return nil }

func (r sensor) ReadDistance(ctx context.Context) (int, error) {
	s := r.s
	if s.cfg.ReadLatency > 0 {
		select {
		case <-time.After(s.cfg.ReadLatency):
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	mm := s.cfg.BaselineMM
	if s.open && !s.jammed && s.now().Sub(s.openedAt) >= s.cfg.TravelTime {
		mm = s.cfg.DepartureMM
	}
	if n := s.cfg.NoiseMM; n > 0 {
		mm += s.rng.Intn(2*n+1) - n
	}
	return mm, nil
}
