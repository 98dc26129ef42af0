package hardware

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/dispenser/core/factory"
	"github.com/kilianp07/dispenser/core/gate"
)

func TestSimBallTravel(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := NewSim(SimConfig{BaselineMM: 80, DepartureMM: 300, TravelTime: 100 * time.Millisecond, Seed: 1})
	s.SetClock(func() time.Time { return now })
	hw := s.Hardware()
	ctx := context.Background()

	mm, err := hw.Sensor.ReadDistance(ctx)
	require.NoError(t, err)
	assert.Equal(t, 80, mm)

	require.NoError(t, hw.Actuator.SetAngle(90))
	mm, _ = hw.Sensor.ReadDistance(ctx)
	assert.Equal(t, 80, mm, "ball still travelling")

	now = now.Add(100 * time.Millisecond)
	mm, _ = hw.Sensor.ReadDistance(ctx)
	assert.Equal(t, 300, mm)

	require.NoError(t, hw.Actuator.SetAngle(0))
	mm, _ = hw.Sensor.ReadDistance(ctx)
	assert.Equal(t, 80, mm)
	assert.Equal(t, 0, s.Angle())
}

func TestSimJam(t *testing.T) {
	s := NewSim(SimConfig{JamProbability: 1, Seed: 7})
	hw := s.Hardware()
	require.NoError(t, hw.Actuator.SetAngle(90))
	time.Sleep(time.Millisecond)
	mm, err := hw.Sensor.ReadDistance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 80, mm)
}

func TestSimNoiseBounded(t *testing.T) {
	s := NewSim(SimConfig{BaselineMM: 100, NoiseMM: 5, Seed: 3})
	hw := s.Hardware()
	for i := 0; i < 200; i++ {
		mm, _ := hw.Sensor.ReadDistance(context.Background())
		assert.InDelta(t, 100, mm, 5)
	}
}

func TestSimAngleRange(t *testing.T) {
	hw := NewSim(SimConfig{}).Hardware()
	assert.Error(t, hw.Actuator.SetAngle(181))
	assert.Error(t, hw.Actuator.SetAngle(-1))
}

func TestSimWithoutSensorDegradesGate(t *testing.T) {
	hw, err := gate.NewHardware(factory.ModuleConfig{Type: "sim", Conf: map[string]any{"sensor_present": false}})
	require.NoError(t, err)
	assert.Nil(t, hw.Sensor)

	g := gate.New(hw.Actuator, hw.Sensor, gate.Config{}, nil)
	assert.ErrorIs(t, g.Init(context.Background()), gate.ErrSensorUnavailable)
	assert.False(t, g.Available())
}

func TestSimReadLatencyHonoursContext(t *testing.T) {
	hw := NewSim(SimConfig{ReadLatency: time.Second}).Hardware()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := hw.Sensor.ReadDistance(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSimThroughGate(t *testing.T) {
	hw, err := gate.NewHardware(factory.ModuleConfig{Type: "sim", Conf: map[string]any{"baseline_mm": 90, "seed": 1}})
	require.NoError(t, err)
	g := gate.New(hw.Actuator, hw.Sensor, gate.Config{}, nil)
	require.NoError(t, g.Init(context.Background()))
	b, err := g.Baseline(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 90.0, b, 1e-9)
}
