// Package reporter produces the periodic status heartbeat and the sampled
// inventory events.
package reporter

import (
	"context"
	"time"

	"github.com/kilianp07/dispenser/core/logger"
	coremetrics "github.com/kilianp07/dispenser/core/metrics"
	"github.com/kilianp07/dispenser/core/model"
)

// Source exposes copies of the dispenser record and gate configuration.
type Source interface {
	Status() model.Status
	Config() model.DispenseConfig
}

// DistanceSource reports the last successful sensor reading.
type DistanceSource interface {
	LastDistance() (int, bool)
}

// DiagnosticsProvider returns host health figures for the status snapshot.
type DiagnosticsProvider interface {
	Diagnostics(ctx context.Context) model.Diagnostics
}

// Publisher delivers outbound status and event messages.
type Publisher interface {
	PublishStatus(ctx context.Context, now time.Time, msg model.StatusMessage)
	PublishEvent(ctx context.Context, now time.Time, msg model.EventMessage)
}

// Options configure a Reporter.
type Options struct {
	DeviceID            string
	Label               string
	StatusInterval      time.Duration
	SensorCheckInterval time.Duration
	LowBallThreshold    int
	// Start is the boot instant used for uptime figures.
	Start       time.Time
	Distance    DistanceSource
	Diagnostics DiagnosticsProvider
	Logger      logger.Logger
	Metrics     coremetrics.MetricsSink
}

// Reporter is driven by the scheduling loop and must not be used
// concurrently.
type Reporter struct {
	src  Source
	pub  Publisher
	opts Options
	log  logger.Logger
	sink coremetrics.MetricsSink

	nextStatus time.Time
	nextCheck  time.Time
	prevCount  int
}

// New returns a Reporter whose first heartbeat and first sample are one
// interval after opts.Start.
func New(src Source, pub Publisher, opts Options) *Reporter {
	if opts.StatusInterval <= 0 {
		opts.StatusInterval = 2 * time.Second
	}
	if opts.SensorCheckInterval <= 0 {
		opts.SensorCheckInterval = 200 * time.Millisecond
	}
	sink := opts.Metrics
	if sink == nil {
		sink = coremetrics.NopSink{}
	}
	return &Reporter{
		src:        src,
		pub:        pub,
		opts:       opts,
		log:        logger.OrNop(opts.Logger),
		sink:       sink,
		nextStatus: opts.Start.Add(opts.StatusInterval),
		nextCheck:  opts.Start.Add(opts.SensorCheckInterval),
		prevCount:  src.Status().BallCount,
	}
}

// Tick runs whichever periodic duty is due at now.
func (r *Reporter) Tick(ctx context.Context, now time.Time) {
	if !now.Before(r.nextCheck) {
		r.nextCheck = now.Add(r.opts.SensorCheckInterval)
		r.Check(ctx, now)
	}
	if !now.Before(r.nextStatus) {
		r.nextStatus = now.Add(r.opts.StatusInterval)
		r.EmitStatus(ctx, now)
		st := r.src.Status()
		snap := coremetrics.InventorySnapshot{
			DeviceID:       r.opts.DeviceID,
			BallCount:      st.BallCount,
			TotalDispensed: st.TotalDispensed,
			State:          st.State,
			Time:           now,
		}
		if err := coremetrics.RecordInventory(r.sink, snap); err != nil {
			r.log.Errorf("record inventory: %v", err)
		}
	}
}

// Check compares the ball count with the previous sample and publishes at
// most one event. It returns the event, if any.
func (r *Reporter) Check(ctx context.Context, now time.Time) (model.Event, bool) {
	count := r.src.Status().BallCount
	prev := r.prevCount
	if count == prev {
		return model.Event{}, false
	}
	r.prevCount = count

	var name model.EventName
	switch {
	case count == 0:
		name = model.EventEmpty
	case count <= r.opts.LowBallThreshold && prev > r.opts.LowBallThreshold:
		name = model.EventLowBalls
	case count > prev:
		name = model.EventRefilled
	default:
		return model.Event{}, false
	}

	ev := model.Event{Name: name, BallCount: count, Time: now}
	r.log.Infof("inventory event %s: %d balls", name, count)
	r.pub.PublishEvent(ctx, now, model.EventMessage{
		Type:     model.MsgEvent,
		DeviceID: r.opts.DeviceID,
		Event:    name,
		Data:     model.EventData{BallCount: count},
	})
	if err := coremetrics.RecordInventoryEvent(r.sink, r.opts.DeviceID, ev); err != nil {
		r.log.Errorf("record inventory event: %v", err)
	}
	return ev, true
}

// EmitStatus publishes a full snapshot immediately.
func (r *Reporter) EmitStatus(ctx context.Context, now time.Time) {
	r.pub.PublishStatus(ctx, now, r.Snapshot(ctx, now))
}

// Snapshot builds the status message for now.
func (r *Reporter) Snapshot(ctx context.Context, now time.Time) model.StatusMessage {
	st := r.src.Status()
	cfg := r.src.Config()
	msg := model.StatusMessage{
		Type:             model.MsgStatus,
		DeviceID:         r.opts.DeviceID,
		Label:            r.opts.Label,
		UptimeS:          r.uptime(now),
		BallCount:        st.BallCount,
		ServoOpenAngle:   cfg.OpenAngle,
		ServoSettleMS:    cfg.Settle.Milliseconds(),
		LowBallThreshold: r.opts.LowBallThreshold,
		Dispenser: model.DispenserReport{
			State:          st.State,
			TotalDispensed: st.TotalDispensed,
			Error:          model.NullableCode(st.Error),
		},
	}
	if !st.LastDispense.IsZero() {
		msg.Dispenser.LastDispenseTS = r.uptime(st.LastDispense)
	}
	if r.opts.Diagnostics != nil {
		msg.Diagnostics = r.opts.Diagnostics.Diagnostics(ctx)
	}
	if r.opts.Distance != nil {
		if mm, ok := r.opts.Distance.LastDistance(); ok {
			msg.SensorDistanceMM = &mm
		}
	}
	return msg
}

func (r *Reporter) uptime(t time.Time) int64 {
	if t.Before(r.opts.Start) {
		return 0
	}
	return int64(t.Sub(r.opts.Start) / time.Second)
}
