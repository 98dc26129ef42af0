// Package scenarios replays scripted operator sessions against a simulated
// dispenser and checks the acknowledgments and final inventory.
package scenarios

import (
	"os"

	"gopkg.in/yaml.v3"
)

// Step is one command sent by the operator at AtMS after the agent started.
type Step struct {
	AtMS   int            `yaml:"at_ms"`
	ID     string         `yaml:"id,omitempty"`
	Action string         `yaml:"action"`
	Params map[string]any `yaml:"params,omitempty"`
}

// Expected is checked once the scenario has run for DurationMS.
type Expected struct {
	Acked     int      `yaml:"acked"`
	Failed    int      `yaml:"failed"`
	Errors    []string `yaml:"errors,omitempty"`
	Balls     int      `yaml:"balls"`
	Dispensed int      `yaml:"dispensed"`
	Events    []string `yaml:"events,omitempty"`
}

type Scenario struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`
	Balls       int    `yaml:"balls"`
	LowBalls    *int   `yaml:"low_balls,omitempty"`
	// Hardware is passed to the "sim" gate driver.
	Hardware   map[string]any `yaml:"hardware,omitempty"`
	DurationMS int            `yaml:"duration_ms"`
	Steps      []Step         `yaml:"steps"`
	Expected   Expected       `yaml:"expected"`
}

func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, err
	}
	if sc.DurationMS <= 0 {
		sc.DurationMS = 1000
	}
	return &sc, nil
}
