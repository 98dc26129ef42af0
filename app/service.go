// Package app assembles the dispenser agent: gate, controller, channel,
// command router and reporter, driven by a single scheduling loop.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"

	journalapi "github.com/kilianp07/dispenser/api/journal"
	"github.com/kilianp07/dispenser/config"
	"github.com/kilianp07/dispenser/core/connection"
	"github.com/kilianp07/dispenser/core/dispenser"
	"github.com/kilianp07/dispenser/core/gate"
	coremetrics "github.com/kilianp07/dispenser/core/metrics"
	"github.com/kilianp07/dispenser/core/model"
	"github.com/kilianp07/dispenser/core/monitoring"
	"github.com/kilianp07/dispenser/core/reporter"
	"github.com/kilianp07/dispenser/core/router"
	"github.com/kilianp07/dispenser/infra/diagnostics"
	_ "github.com/kilianp07/dispenser/infra/hardware"
	"github.com/kilianp07/dispenser/infra/journal"
	"github.com/kilianp07/dispenser/infra/logger"
	"github.com/kilianp07/dispenser/infra/metrics"
	infmon "github.com/kilianp07/dispenser/infra/monitoring"
	_ "github.com/kilianp07/dispenser/infra/mqtt"
	_ "github.com/kilianp07/dispenser/infra/websocket"
	"github.com/kilianp07/dispenser/internal/eventbus"
)

// Option customizes a Service.
type Option func(*options)

type options struct {
	clock    clockwork.Clock
	dialer   connection.Dialer
	hardware *gate.Hardware
	sink     coremetrics.MetricsSink
}

// WithClock replaces the wall clock driving the scheduling loop.
func WithClock(c clockwork.Clock) Option { return func(o *options) { o.clock = c } }

// WithDialer bypasses the configured channel transport.
func WithDialer(d connection.Dialer) Option { return func(o *options) { o.dialer = d } }

// WithHardware bypasses the configured gate driver.
func WithHardware(hw gate.Hardware) Option { return func(o *options) { o.hardware = &hw } }

// WithMetrics bypasses the configured metrics sinks.
func WithMetrics(s coremetrics.MetricsSink) Option { return func(o *options) { o.sink = s } }

// Service runs one dispenser agent.
type Service struct {
	cfg   *config.Config
	clock clockwork.Clock
	log   logger.Logger

	Gate       *gate.SensorGate
	Controller *dispenser.Controller
	Channel    *connection.Manager
	Router     *router.Router
	Reporter   *reporter.Reporter

	bus       *eventbus.TypedBus[model.Outbound]
	sink      coremetrics.MetricsSink
	journal   journal.Store
	connected bool
	started   bool
	workers   []<-chan struct{}
}

// New wires every component from cfg. A sensor that fails its startup probe
// is logged and reported; the agent keeps running with degraded distance
// readings.
func New(cfg *config.Config, opts ...Option) (*Service, error) {
	o := options{clock: clockwork.NewRealClock()}
	for _, opt := range opts {
		opt(&o)
	}
	if err := logger.SetLevel(cfg.Log.Level); err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	log := logger.New("service")
	id := cfg.Device.ID

	if cfg.Sentry.DSN != "" {
		mon, err := infmon.NewSentryMonitor(cfg.Sentry)
		if err != nil {
			return nil, fmt.Errorf("sentry: %w", err)
		}
		monitoring.Init(mon)
	}

	sink := o.sink
	if sink == nil {
		var err error
		if sink, err = coremetrics.NewMetricsSink(cfg.Metrics.Sinks); err != nil {
			return nil, fmt.Errorf("metrics sinks: %w", err)
		}
	}

	var hw gate.Hardware
	if o.hardware != nil {
		hw = *o.hardware
	} else {
		var err error
		if hw, err = gate.NewHardware(cfg.Hardware.Module()); err != nil {
			return nil, fmt.Errorf("hardware: %w", err)
		}
	}
	g := gate.New(hw.Actuator, hw.Sensor, gate.Config{
		ClosedAngle:     cfg.Gate.ClosedAngle,
		ReadTimeout:     cfg.Gate.ReadTimeout,
		BaselineSamples: cfg.Gate.BaselineSamples,
	}, logger.New("gate"))
	if err := g.Init(context.Background()); err != nil {
		if !errors.Is(err, gate.ErrSensorUnavailable) {
			return nil, fmt.Errorf("gate init: %w", err)
		}
		log.Warnf("gate running degraded: %v", err)
		monitoring.Capture(err, "gate", "device_id", id)
	}

	ctrl := dispenser.New(g, dispenser.Options{
		DeviceID:         id,
		InitialBallCount: *cfg.Dispenser.InitialBallCount,
		Config: model.DispenseConfig{
			OpenAngle: cfg.Dispenser.OpenAngle,
			Settle:    cfg.Dispenser.Settle,
		},
		Timing: dispenser.Timing{
			DispenseTimeout: cfg.Dispenser.DispenseTimeout,
			PollInterval:    cfg.Dispenser.PollInterval,
			ClearanceDelay:  cfg.Dispenser.ClearanceDelay,
		},
		Logger:  logger.New("dispenser"),
		Metrics: sink,
	})

	dialer := o.dialer
	if dialer == nil {
		var err error
		if dialer, err = connection.NewDialer(cfg.Channel.Module(), id); err != nil {
			return nil, fmt.Errorf("channel: %w", err)
		}
	}
	ch := connection.New(dialer, connection.Options{
		DeviceID:          id,
		ReconnectInterval: cfg.Channel.ReconnectInterval,
		DialTimeout:       cfg.Channel.DialTimeout,
		MaxInbound:        cfg.Channel.MaxInbound,
		Logger:            logger.New("channel"),
		Metrics:           sink,
	})

	bus := eventbus.NewTyped[model.Outbound](eventbus.WithBuffer(64))
	pub := &publisher{deviceID: id, conn: ch, bus: bus, log: logger.New("outbound")}

	rep := reporter.New(ctrl, pub, reporter.Options{
		DeviceID:            id,
		Label:               cfg.Device.Label,
		StatusInterval:      cfg.Reporter.StatusInterval,
		SensorCheckInterval: cfg.Reporter.SensorCheckInterval,
		LowBallThreshold:    *cfg.Dispenser.LowBallThreshold,
		Start:               o.clock.Now(),
		Distance:            g,
		Diagnostics:         diagnostics.New(diagnostics.HostProbes(), cfg.Reporter.DiagnosticsMaxAge, logger.New("diagnostics")),
		Logger:              logger.New("reporter"),
		Metrics:             sink,
	})
	rt := router.New(id, ctrl, rep, pub, logger.New("router"))

	s := &Service{
		cfg:        cfg,
		clock:      o.clock,
		log:        log,
		Gate:       g,
		Controller: ctrl,
		Channel:    ch,
		Router:     rt,
		Reporter:   rep,
		bus:        bus,
		sink:       sink,
	}
	if cfg.Journal.Enabled {
		store, err := journal.Open(cfg.Journal)
		if err != nil {
			return nil, fmt.Errorf("journal: %w", err)
		}
		s.journal = store
	}
	return s, nil
}

// Outbound returns the bus mirroring every frame handed to the channel.
func (s *Service) Outbound() *eventbus.TypedBus[model.Outbound] { return s.bus }

// Tick runs one pass of the scheduling loop at now. Inbound commands are
// routed first, then the dispense job advances, then periodic reporting.
// The channel is only redialed while no job runs, since a dial blocks and
// the gate may be open.
func (s *Service) Tick(ctx context.Context, now time.Time) {
	var frames [][]byte
	if s.Controller.Busy() {
		frames = s.Channel.Drain(now)
	} else {
		start := s.clock.Now()
		frames = s.Channel.Poll(ctx, now)
		now = now.Add(s.clock.Since(start))
	}
	if up := s.Channel.Connected(); up != s.connected {
		s.connected = up
		if up {
			s.Reporter.EmitStatus(ctx, now)
		}
	}
	for _, raw := range frames {
		s.Router.Handle(ctx, now, raw)
	}
	if res, done := s.Controller.Step(ctx, now); done {
		s.Router.Complete(ctx, now, res)
	}
	s.Reporter.Tick(ctx, now)
}

// Start launches the outbound observers and the optional HTTP endpoint. Run
// calls it; tests driving Tick by hand may call it directly.
func (s *Service) Start(ctx context.Context) {
	if s.started {
		return
	}
	s.started = true
	s.workers = append(s.workers, metrics.StartOutboundCollector(ctx, s.bus, s.sink))
	if s.journal != nil {
		s.workers = append(s.workers, journal.StartRecorder(ctx, s.bus, s.journal, logger.New("journal")))
	}
	if addr := s.cfg.Metrics.PrometheusAddr; addr != "" {
		extra := map[string]http.Handler{}
		if s.journal != nil {
			extra["/api/journal"] = journalapi.NewHandler(s.journal, s.cfg.Console.Token)
		}
		go func() {
			if err := metrics.StartPromServer(ctx, addr, extra); err != nil {
				s.log.Errorf("metrics server: %v", err)
			}
		}()
	}
}

// Run drives Tick at the configured interval until ctx is canceled.
func (s *Service) Run(ctx context.Context) error {
	defer monitoring.Recover()
	s.Start(ctx)
	s.log.Infof("agent %s running, tick %s", s.cfg.Device.ID, s.cfg.TickInterval)
	t := s.clock.NewTicker(s.cfg.TickInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-t.Chan():
			s.Tick(ctx, now)
		}
	}
}

// Close leaves the gate closed, drops the channel and flushes observers.
func (s *Service) Close() error {
	var errs []error
	if s.Controller.Busy() {
		s.log.Warnf("closing with a dispense job in progress")
	}
	if err := s.Gate.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close gate: %w", err))
	}
	if err := s.Channel.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close channel: %w", err))
	}
	s.bus.Close()
	for _, done := range s.workers {
		<-done
	}
	if s.journal != nil {
		if err := s.journal.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close journal: %w", err))
		}
	}
	monitoring.Flush(2 * time.Second)
	return errors.Join(errs...)
}
