package dispenser

import (
	"context"
	"fmt"
	"time"

	"github.com/kilianp07/dispenser/core/gate"
	"github.com/kilianp07/dispenser/core/logger"
	coremetrics "github.com/kilianp07/dispenser/core/metrics"
	"github.com/kilianp07/dispenser/core/model"
	"github.com/kilianp07/dispenser/core/monitoring"
)

// Gate is the subset of gate.SensorGate used by the controller.
type Gate interface {
	Open(angle int) error
	Close() error
	Baseline(ctx context.Context) (float64, error)
	Sample(ctx context.Context) (int, error)
}

// Timing holds the fixed durations of the dispense algorithm.
type Timing struct {
	// DispenseTimeout bounds the wait for a ball to clear an open gate.
	DispenseTimeout time.Duration
	// PollInterval is the cadence of departure readings.
	PollInterval time.Duration
	// ClearanceDelay is the wait between a confirmed departure and closing.
	ClearanceDelay time.Duration
}

// DefaultTiming mirrors the firmware constants.
func DefaultTiming() Timing {
	return Timing{
		DispenseTimeout: 3 * time.Second,
		PollInterval:    10 * time.Millisecond,
		ClearanceDelay:  100 * time.Millisecond,
	}
}

// Options configure a Controller.
type Options struct {
	DeviceID         string
	InitialBallCount int
	Config           model.DispenseConfig
	Timing           Timing
	Logger           logger.Logger
	Metrics          coremetrics.MetricsSink
}

// Result is the outcome of a finished dispense job.
type Result struct {
	Requested int
	Dispensed int
	Err       error
	Status    model.Status
}

// OK reports whether every requested unit was dispensed.
func (r Result) OK() bool { return r.Err == nil }

type phase int

const (
	phaseStartUnit phase = iota
	phaseAwaitDeparture
	phaseClearance
	phaseSettle
)

type job struct {
	requested int
	done      int
	phase     phase
	started   time.Time
	threshold float64
	openedAt  time.Time
	nextPoll  time.Time
	waitUntil time.Time
}

// Controller owns the dispenser record and runs the sensor-verified
// dispense state machine. It is not safe for concurrent use; the scheduling
// loop is its only caller.
type Controller struct {
	gate     Gate
	deviceID string
	status   model.Status
	cfg      model.DispenseConfig
	timing   Timing
	job      *job
	log      logger.Logger
	metrics  coremetrics.MetricsSink
}

// New returns an idle controller holding the initial inventory.
func New(g Gate, opts Options) *Controller {
	t := opts.Timing
	def := DefaultTiming()
	if t.DispenseTimeout <= 0 {
		t.DispenseTimeout = def.DispenseTimeout
	}
	if t.PollInterval <= 0 {
		t.PollInterval = def.PollInterval
	}
	if t.ClearanceDelay < 0 {
		t.ClearanceDelay = 0
	}
	m := opts.Metrics
	if m == nil {
		m = coremetrics.NopSink{}
	}
	count := opts.InitialBallCount
	if count < 0 {
		count = 0
	}
	return &Controller{
		gate:     g,
		deviceID: opts.DeviceID,
		status:   model.Status{State: model.StateIdle, BallCount: count},
		cfg:      opts.Config,
		timing:   t,
		log:      logger.OrNop(opts.Logger),
		metrics:  m,
	}
}

// Status returns a copy of the dispenser record.
func (c *Controller) Status() model.Status { return c.status }

// Config returns a copy of the gate configuration.
func (c *Controller) Config() model.DispenseConfig { return c.cfg }

// Busy reports whether a dispense job is running.
func (c *Controller) Busy() bool { return c.job != nil }

// Dispense starts a job releasing count balls. ErrBusy and ErrInvalidCount
// leave the record untouched. ErrEmpty means the job failed immediately and
// the controller is now in the error state. A nil error means the job runs
// and its Result is returned by a later Step.
func (c *Controller) Dispense(now time.Time, count int) error {
	if count < 1 {
		return fmt.Errorf("%w: %d", ErrInvalidCount, count)
	}
	if c.job != nil {
		return ErrBusy
	}
	if c.status.BallCount <= 0 {
		c.fail(ErrEmpty)
		c.record(count, 0, ErrEmpty, 0, now)
		return ErrEmpty
	}
	c.status.State = model.StateDispensing
	c.status.Error = model.ErrNone
	c.job = &job{requested: count, started: now}
	c.log.Infof("dispense started: count=%d balls=%d", count, c.status.BallCount)
	return nil
}

// Step advances the running job as far as possible at now without waiting.
// It returns the Result once the job has finished.
func (c *Controller) Step(ctx context.Context, now time.Time) (Result, bool) {
	if c.job == nil {
		return Result{}, false
	}
	for {
		progressed, err := c.advance(ctx, now)
		if err != nil {
			return c.finish(now, err), true
		}
		if c.job.done == c.job.requested {
			return c.finish(now, nil), true
		}
		if !progressed {
			return Result{}, false
		}
	}
}

// advance runs one phase transition. It reports whether the job moved on and
// can be advanced again at the same instant.
func (c *Controller) advance(ctx context.Context, now time.Time) (bool, error) {
	j := c.job
	switch j.phase {
	case phaseStartUnit:
		if c.status.BallCount <= 0 {
			return false, ErrEmpty
		}
		baseline, err := c.gate.Baseline(ctx)
		if err != nil {
			return false, err
		}
		j.threshold = gate.DepartureThreshold(baseline)
		if err := c.gate.Open(c.cfg.OpenAngle); err != nil {
			return false, fmt.Errorf("%w: open: %v", ErrGateFault, err)
		}
		j.openedAt = now
		j.nextPoll = now
		j.phase = phaseAwaitDeparture
		c.log.Debugw("gate opened", map[string]any{"unit": j.done + 1, "baseline_mm": baseline, "threshold_mm": j.threshold})
		return true, nil

	case phaseAwaitDeparture:
		if !now.Before(j.nextPoll) {
			j.nextPoll = now.Add(c.timing.PollInterval)
			if mm, err := c.gate.Sample(ctx); err == nil && float64(mm) > j.threshold {
				j.waitUntil = now.Add(c.timing.ClearanceDelay)
				j.phase = phaseClearance
				return true, nil
			}
		}
		if now.Sub(j.openedAt) >= c.timing.DispenseTimeout {
			// The gate stays open so a jammed ball is not crushed.
			return false, ErrNoDeparture
		}
		return false, nil

	case phaseClearance:
		if now.Before(j.waitUntil) {
			return false, nil
		}
		if err := c.gate.Close(); err != nil {
			c.countUnit(now)
			return false, fmt.Errorf("%w: close: %v", ErrGateFault, err)
		}
		j.waitUntil = now.Add(c.cfg.Settle)
		j.phase = phaseSettle
		return true, nil

	case phaseSettle:
		if now.Before(j.waitUntil) {
			return false, nil
		}
		c.countUnit(now)
		j.phase = phaseStartUnit
		return true, nil
	}
	return false, nil
}

func (c *Controller) countUnit(now time.Time) {
	c.status.BallCount--
	c.status.TotalDispensed++
	c.status.LastDispense = now
	c.job.done++
}

func (c *Controller) finish(now time.Time, err error) Result {
	j := c.job
	c.job = nil
	if err != nil {
		c.fail(err)
		c.log.Warnf("dispense aborted after %d/%d: %v", j.done, j.requested, err)
	} else {
		c.status.State = model.StateIdle
		c.status.Error = model.ErrNone
		c.log.Infof("dispense complete: %d balls, %d left", j.done, c.status.BallCount)
	}
	c.record(j.requested, j.done, err, now.Sub(j.started), now)
	return Result{Requested: j.requested, Dispensed: j.done, Err: err, Status: c.status}
}

func (c *Controller) fail(err error) {
	code := Code(err)
	c.status.State = model.StateError
	c.status.Error = code
	if code == model.ErrNoDeparture || code == model.ErrGateFault || code == model.ErrSensorTimeout {
		monitoring.Capture(err, "dispenser", "device_id", c.deviceID, "code", string(code))
	}
}

func (c *Controller) record(requested, dispensed int, err error, d time.Duration, now time.Time) {
	ev := coremetrics.DispenseEvent{
		DeviceID:  c.deviceID,
		Requested: requested,
		Dispensed: dispensed,
		Error:     Code(err),
		Duration:  d,
		Time:      now,
	}
	if rerr := c.metrics.RecordDispense(ev); rerr != nil {
		c.log.Errorf("record dispense: %v", rerr)
	}
}

// SetBallCount overrides the inventory after a refill or correction. It
// forces the idle state and clears any error. Negative counts become zero.
func (c *Controller) SetBallCount(n int) error {
	if c.job != nil {
		return ErrBusy
	}
	if n < 0 {
		n = 0
	}
	c.status.BallCount = n
	c.status.State = model.StateIdle
	c.status.Error = model.ErrNone
	c.log.Infof("ball count set to %d", n)
	return nil
}

// SetConfig applies the supplied fields only. Angles are clamped to the servo
// range and negative settle durations are ignored.
func (c *Controller) SetConfig(p model.ConfigPatch) {
	if p.OpenAngle != nil {
		a := *p.OpenAngle
		if a < 0 {
			a = 0
		} else if a > 180 {
			a = 180
		}
		c.cfg.OpenAngle = a
	}
	if p.Settle != nil && *p.Settle >= 0 {
		c.cfg.Settle = *p.Settle
	}
	c.log.Infof("config updated: open_angle=%d settle=%s", c.cfg.OpenAngle, c.cfg.Settle)
}
