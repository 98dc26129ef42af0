// Package config loads the agent and console configuration with koanf.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/kilianp07/dispenser/core/metrics"
	"github.com/kilianp07/dispenser/infra/journal"
)

type Config struct {
	Device    DeviceConfig    `json:"device"`
	Hardware  HardwareConfig  `json:"hardware"`
	Gate      GateConfig      `json:"gate"`
	Dispenser DispenserConfig `json:"dispenser"`
	Reporter  ReporterConfig  `json:"reporter"`
	Channel   ChannelConfig   `json:"channel"`
	Metrics   metrics.Config  `json:"metrics"`
	Journal   journal.Config  `json:"journal"`
	Sentry    SentryConfig    `json:"sentry"`
	Log       LogConfig       `json:"log"`
	Console   ConsoleConfig   `json:"console"`
	// TickInterval is the cadence of the scheduling loop.
	TickInterval time.Duration `json:"tick_interval"`
}

// SetDefaults applies defaults to every section.
func (c *Config) SetDefaults() {
	c.Device.SetDefaults()
	c.Hardware.SetDefaults()
	c.Gate.SetDefaults()
	c.Dispenser.SetDefaults()
	c.Reporter.SetDefaults()
	c.Channel.SetDefaults()
	c.Journal.SetDefaults()
	c.Log.SetDefaults()
	c.Console.SetDefaults()
	if c.TickInterval <= 0 {
		c.TickInterval = 5 * time.Millisecond
	}
	c.Sentry.DeviceID = c.Device.ID
}

// Validate checks every section.
func (c Config) Validate() error {
	if err := c.Device.Validate(); err != nil {
		return err
	}
	if err := c.Gate.Validate(); err != nil {
		return err
	}
	if err := c.Dispenser.Validate(); err != nil {
		return err
	}
	if err := c.Journal.Validate(); err != nil {
		return err
	}
	if c.Dispenser.PollInterval < c.TickInterval {
		return fmt.Errorf("dispenser.poll_interval %s is shorter than tick_interval %s",
			c.Dispenser.PollInterval, c.TickInterval)
	}
	return nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	var cfg Config
	cfg.SetDefaults()
	return &cfg
}

// Load reads path (YAML or JSON) when it is not empty, then applies K_
// environment overrides such as K_CHANNEL__CONF__URL, defaults and
// validation.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	if path != "" {
		var parser koanf.Parser
		switch ext := strings.ToLower(filepath.Ext(path)); ext {
		case ".yaml", ".yml":
			parser = yaml.Parser()
		case ".json":
			parser = json.Parser()
		default:
			return nil, fmt.Errorf("unsupported config format: %s", ext)
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return nil, err
		}
	}
	if err := k.Load(env.Provider("K_", "__", func(s string) string {
		s = strings.TrimPrefix(strings.ToLower(s), "k_")
		return strings.ReplaceAll(s, "__", ".")
	}), nil); err != nil {
		return nil, err
	}
	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, err
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
