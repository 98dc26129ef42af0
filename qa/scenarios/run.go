package scenarios

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/kilianp07/dispenser/app"
	"github.com/kilianp07/dispenser/config"
	"github.com/kilianp07/dispenser/core/connection"
	"github.com/kilianp07/dispenser/core/model"
	"github.com/kilianp07/dispenser/infra/metrics"
)

const tick = 5 * time.Millisecond

type scriptedConn struct {
	mu   sync.Mutex
	in   chan []byte
	done chan struct{}
	sent [][]byte
}

func (c *scriptedConn) Send(_ context.Context, _ string, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, payload)
	return nil
}

func (c *scriptedConn) Inbound() <-chan []byte { return c.in }
func (c *scriptedConn) Done() <-chan struct{}  { return c.done }
func (c *scriptedConn) Close() error           { return nil }

// Outcome is what the operator observed during a run.
type Outcome struct {
	Acks      []model.Ack
	Events    []string
	Balls     int
	Dispensed int
	// BallsMetric is the dispenser_balls_dispensed_total counter.
	BallsMetric float64
}

// Play runs sc against a simulated agent and returns what the operator saw.
func Play(sc *Scenario) (Outcome, error) {
	cfg := config.Default()
	cfg.Dispenser.InitialBallCount = &sc.Balls
	if sc.LowBalls != nil {
		cfg.Dispenser.LowBallThreshold = sc.LowBalls
	}
	cfg.Hardware.Type = "sim"
	cfg.Hardware.Conf = map[string]any{"seed": 1}
	for k, v := range sc.Hardware {
		cfg.Hardware.Conf[k] = v
	}

	reg := prometheus.NewRegistry()
	sink, err := metrics.NewPromSinkWithRegistry(reg)
	if err != nil {
		return Outcome{}, fmt.Errorf("prom sink: %w", err)
	}
	conn := &scriptedConn{in: make(chan []byte, len(sc.Steps)+1), done: make(chan struct{})}
	start := time.Unix(0, 0)
	svc, err := app.New(cfg,
		app.WithClock(clockwork.NewFakeClockAt(start)),
		app.WithDialer(connection.DialerFunc(func(context.Context) (connection.Conn, error) { return conn, nil })),
		app.WithMetrics(sink),
	)
	if err != nil {
		return Outcome{}, err
	}
	defer func() { _ = svc.Close() }()

	steps := append([]Step(nil), sc.Steps...)
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].AtMS < steps[j].AtMS })

	ctx := context.Background()
	end := start.Add(time.Duration(sc.DurationMS) * time.Millisecond)
	next := 0
	for now := start; !now.After(end); now = now.Add(tick) {
		for next < len(steps) && !start.Add(time.Duration(steps[next].AtMS)*time.Millisecond).After(now) {
			st := steps[next]
			id := st.ID
			if id == "" {
				id = fmt.Sprintf("s%d", next+1)
			}
			raw, err := json.Marshal(model.Command{Type: model.MsgCmd, ID: id, Action: st.Action, Params: st.Params})
			if err != nil {
				return Outcome{}, err
			}
			conn.in <- raw
			next++
		}
		svc.Tick(ctx, now)
	}

	out := Outcome{
		Balls:     svc.Controller.Status().BallCount,
		Dispensed: svc.Controller.Status().TotalDispensed,
	}
	conn.mu.Lock()
	defer conn.mu.Unlock()
	for _, raw := range conn.sent {
		var env model.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return Outcome{}, err
		}
		switch env.Type {
		case model.MsgCmdAck:
			var ack model.Ack
			if err := json.Unmarshal(raw, &ack); err != nil {
				return Outcome{}, err
			}
			out.Acks = append(out.Acks, ack)
		case model.MsgEvent:
			var ev model.EventMessage
			if err := json.Unmarshal(raw, &ev); err != nil {
				return Outcome{}, err
			}
			out.Events = append(out.Events, string(ev.Event))
		}
	}
	out.BallsMetric, err = counterSum(reg, "dispenser_balls_dispensed_total")
	return out, err
}

func counterSum(g prometheus.Gatherer, name string) (float64, error) {
	mfs, err := g.Gather()
	if err != nil {
		return 0, err
	}
	var sum float64
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			sum += m.GetCounter().GetValue()
		}
	}
	return sum, nil
}

// RunScenario plays sc and reports every mismatch with its expectations.
func RunScenario(t *testing.T, sc *Scenario) {
	t.Helper()
	out, err := Play(sc)
	if err != nil {
		t.Fatalf("scenario %s: %v", sc.Name, err)
	}
	var failed int
	var codes []string
	for _, a := range out.Acks {
		if !a.Success {
			failed++
			if a.Error != nil {
				codes = append(codes, *a.Error)
			}
		}
	}
	exp := sc.Expected
	if len(out.Acks) != exp.Acked {
		t.Errorf("scenario %s expected %d acks, got %d", sc.Name, exp.Acked, len(out.Acks))
	}
	if failed != exp.Failed {
		t.Errorf("scenario %s expected %d failed acks, got %d", sc.Name, exp.Failed, failed)
	}
	if exp.Errors != nil && fmt.Sprint(codes) != fmt.Sprint(exp.Errors) {
		t.Errorf("scenario %s expected errors %v, got %v", sc.Name, exp.Errors, codes)
	}
	if exp.Events != nil && fmt.Sprint(out.Events) != fmt.Sprint(exp.Events) {
		t.Errorf("scenario %s expected events %v, got %v", sc.Name, exp.Events, out.Events)
	}
	if out.Balls != exp.Balls {
		t.Errorf("scenario %s expected %d balls left, got %d", sc.Name, exp.Balls, out.Balls)
	}
	if out.Dispensed != exp.Dispensed {
		t.Errorf("scenario %s expected %d dispensed, got %d", sc.Name, exp.Dispensed, out.Dispensed)
	}
	if int(out.BallsMetric) != exp.Dispensed {
		t.Errorf("scenario %s metric counted %v balls, want %d", sc.Name, out.BallsMetric, exp.Dispensed)
	}
}
