package config

import (
	"fmt"
	"time"

	"github.com/kilianp07/dispenser/core/factory"
)

// DeviceConfig identifies the dispenser on the channel.
type DeviceConfig struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

func (c *DeviceConfig) SetDefaults() {
	if c.ID == "" {
		c.ID = "esp32-001"
	}
}

func (c DeviceConfig) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("device.id is required")
	}
	return nil
}

// GateConfig tunes the servo and the distance sensor.
type GateConfig struct {
	ClosedAngle     int           `json:"closed_angle"`
	ReadTimeout     time.Duration `json:"read_timeout"`
	BaselineSamples int           `json:"baseline_samples"`
}

func (c *GateConfig) SetDefaults() {
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 500 * time.Millisecond
	}
	if c.BaselineSamples <= 0 {
		c.BaselineSamples = 5
	}
}

func (c GateConfig) Validate() error {
	if c.ClosedAngle < 0 || c.ClosedAngle > 180 {
		return fmt.Errorf("gate.closed_angle %d out of range [0,180]", c.ClosedAngle)
	}
	return nil
}

// DispenserConfig holds the dispense algorithm settings.
type DispenserConfig struct {
	OpenAngle        int           `json:"servo_open_angle"`
	Settle           time.Duration `json:"servo_settle"`
	InitialBallCount *int          `json:"initial_ball_count"`
	LowBallThreshold *int          `json:"low_ball_threshold"`
	DispenseTimeout  time.Duration `json:"dispense_timeout"`
	PollInterval     time.Duration `json:"poll_interval"`
	ClearanceDelay   time.Duration `json:"clearance_delay"`
}

func (c *DispenserConfig) SetDefaults() {
	if c.OpenAngle == 0 {
		c.OpenAngle = 90
	}
	if c.Settle <= 0 {
		c.Settle = 200 * time.Millisecond
	}
	if c.InitialBallCount == nil {
		n := 20
		c.InitialBallCount = &n
	}
	if c.LowBallThreshold == nil {
		n := 3
		c.LowBallThreshold = &n
	}
	if c.DispenseTimeout <= 0 {
		c.DispenseTimeout = 3 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 10 * time.Millisecond
	}
	if c.ClearanceDelay <= 0 {
		c.ClearanceDelay = 100 * time.Millisecond
	}
}

func (c DispenserConfig) Validate() error {
	if c.OpenAngle < 0 || c.OpenAngle > 180 {
		return fmt.Errorf("dispenser.servo_open_angle %d out of range [0,180]", c.OpenAngle)
	}
	if c.InitialBallCount != nil && *c.InitialBallCount < 0 {
		return fmt.Errorf("dispenser.initial_ball_count must not be negative")
	}
	if c.LowBallThreshold != nil && *c.LowBallThreshold < 0 {
		return fmt.Errorf("dispenser.low_ball_threshold must not be negative")
	}
	return nil
}

// ReporterConfig sets the reporting cadence.
type ReporterConfig struct {
	StatusInterval      time.Duration `json:"status_interval"`
	SensorCheckInterval time.Duration `json:"sensor_check_interval"`
	// DiagnosticsMaxAge caches host figures between heartbeats.
	DiagnosticsMaxAge time.Duration `json:"diagnostics_max_age"`
}

func (c *ReporterConfig) SetDefaults() {
	if c.StatusInterval <= 0 {
		c.StatusInterval = 2 * time.Second
	}
	if c.SensorCheckInterval <= 0 {
		c.SensorCheckInterval = 200 * time.Millisecond
	}
	if c.DiagnosticsMaxAge <= 0 {
		c.DiagnosticsMaxAge = 10 * time.Second
	}
}

// ChannelConfig selects the operator channel transport.
type ChannelConfig struct {
	// Type is a registered transport: "websocket" or "mqtt".
	Type              string         `json:"type"`
	Conf              map[string]any `json:"conf"`
	ReconnectInterval time.Duration  `json:"reconnect_interval"`
	DialTimeout       time.Duration  `json:"dial_timeout"`
	MaxInbound        int            `json:"max_inbound"`
}

func (c *ChannelConfig) SetDefaults() {
	if c.Type == "" {
		c.Type = "websocket"
	}
	if c.Conf == nil {
		c.Conf = map[string]any{"url": "ws://localhost:8080/ws"}
	}
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = 3 * time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.MaxInbound <= 0 {
		c.MaxInbound = 32
	}
}

// Module returns the factory selection for the transport.
func (c ChannelConfig) Module() factory.ModuleConfig {
	return factory.ModuleConfig{Type: c.Type, Conf: c.Conf}
}

// HardwareConfig selects the gate driver.
type HardwareConfig struct {
	Type string         `json:"type"`
	Conf map[string]any `json:"conf"`
}

func (c *HardwareConfig) SetDefaults() {
	if c.Type == "" {
		c.Type = "sim"
	}
}

// Module returns the factory selection for the driver.
func (c HardwareConfig) Module() factory.ModuleConfig {
	return factory.ModuleConfig{Type: c.Type, Conf: c.Conf}
}

// LogConfig sets the process log level.
type LogConfig struct {
	Level string `json:"level"`
}

func (c *LogConfig) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
}

// ConsoleConfig configures the operator hub.
type ConsoleConfig struct {
	Addr        string        `json:"addr"`
	AckTimeout  time.Duration `json:"ack_timeout"`
	HistorySize int           `json:"history_size"`
	// Token, when set, must be presented as a bearer token by devices.
	Token string `json:"token"`
	// TallyPath selects a SQLite tally database. Empty keeps tallies in memory.
	TallyPath string `json:"tally_path"`
}

func (c *ConsoleConfig) SetDefaults() {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = 10 * time.Second
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 50
	}
}
