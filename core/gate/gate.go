// Package gate wraps the gate actuator and the distance sensor behind a
// single SensorGate with bounded-time reads.
package gate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/kilianp07/dispenser/core/logger"
)

// ErrSensorUnavailable is returned when the sensor failed its startup probe.
var ErrSensorUnavailable = errors.New("distance sensor unavailable")

// ErrSensorTimeout is returned when a distance sample could not be obtained
// within the read timeout.
var ErrSensorTimeout = errors.New("distance sensor timeout")

// Actuator drives the gate servo.
type Actuator interface {
	SetAngle(deg int) error
}

// RangeSensor is the raw distance primitive.
type RangeSensor interface {
	// Probe checks that the sensor answers. It is called once at startup.
	Probe(ctx context.Context) error
	// ReadDistance returns one measurement in millimetres.
	ReadDistance(ctx context.Context) (int, error)
}

// Config tunes the gate primitives.
type Config struct {
	ClosedAngle     int
	ReadTimeout     time.Duration
	BaselineSamples int
}

func (c *Config) setDefaults() {
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 500 * time.Millisecond
	}
	if c.BaselineSamples <= 0 {
		c.BaselineSamples = 5
	}
}

// SensorGate is the leaf component used by the dispenser controller.
type SensorGate struct {
	act    Actuator
	sensor RangeSensor
	cfg    Config
	log    logger.Logger

	available bool
	open      bool
	last      int
	haveLast  bool
}

// New builds a SensorGate. The sensor is considered available until Init
// says otherwise.
func New(act Actuator, sensor RangeSensor, cfg Config, log logger.Logger) *SensorGate {
	cfg.setDefaults()
	return &SensorGate{act: act, sensor: sensor, cfg: cfg, log: logger.OrNop(log), available: sensor != nil}
}

// Init closes the gate and probes the sensor. A probe failure leaves the gate
// usable but degrades distance reporting; the returned error is informative.
func (g *SensorGate) Init(ctx context.Context) error {
	if err := g.Close(); err != nil {
		return fmt.Errorf("close gate: %w", err)
	}
	if g.sensor == nil {
		g.available = false
		return ErrSensorUnavailable
	}
	pctx, cancel := context.WithTimeout(ctx, g.cfg.ReadTimeout)
	defer cancel()
	if err := g.sensor.Probe(pctx); err != nil {
		g.available = false
		return fmt.Errorf("%w: %v", ErrSensorUnavailable, err)
	}
	g.available = true
	return nil
}

// Available reports whether the sensor passed its probe.
func (g *SensorGate) Available() bool { return g.available }

// IsOpen reports the last commanded gate position.
func (g *SensorGate) IsOpen() bool { return g.open }

// Open moves the gate to angle.
func (g *SensorGate) Open(angle int) error {
	if err := g.act.SetAngle(angle); err != nil {
		return err
	}
	g.open = true
	return nil
}

// Close moves the gate to the closed angle.
func (g *SensorGate) Close() error {
	if err := g.act.SetAngle(g.cfg.ClosedAngle); err != nil {
		return err
	}
	g.open = false
	return nil
}

type reading struct {
	mm  int
	err error
}

// Sample takes one distance reading, bounded by the configured read timeout
// even when the driver ignores its context.
func (g *SensorGate) Sample(ctx context.Context) (int, error) {
	if !g.available {
		return 0, ErrSensorUnavailable
	}
	rctx, cancel := context.WithTimeout(ctx, g.cfg.ReadTimeout)
	defer cancel()
	ch := make(chan reading, 1)
	go func() {
		mm, err := g.sensor.ReadDistance(rctx)
		ch <- reading{mm: mm, err: err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			return 0, fmt.Errorf("%w: %v", ErrSensorTimeout, r.err)
		}
		g.last, g.haveLast = r.mm, true
		return r.mm, nil
	case <-rctx.Done():
		return 0, fmt.Errorf("%w after %s", ErrSensorTimeout, g.cfg.ReadTimeout)
	}
}

// Baseline averages BaselineSamples consecutive readings.
func (g *SensorGate) Baseline(ctx context.Context) (float64, error) {
	samples := make([]float64, 0, g.cfg.BaselineSamples)
	for i := 0; i < g.cfg.BaselineSamples; i++ {
		mm, err := g.Sample(ctx)
		if err != nil {
			return 0, err
		}
		samples = append(samples, float64(mm))
	}
	mean, std := stat.MeanStdDev(samples, nil)
	g.log.Debugw("baseline sampled", map[string]any{"mean_mm": mean, "stddev_mm": std, "samples": len(samples)})
	return mean, nil
}

// LastDistance returns the most recent successful reading.
func (g *SensorGate) LastDistance() (int, bool) {
	if !g.available {
		return 0, false
	}
	return g.last, g.haveLast
}

// DepartureThreshold is the distance above which a ball is considered to have
// left the gate: the baseline plus half of it.
func DepartureThreshold(baseline float64) float64 {
	return baseline + baseline/2
}
