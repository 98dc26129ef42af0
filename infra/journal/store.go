// Package journal keeps an append-only audit trail of the frames the agent
// hands to its operator channel. It is never replayed and never used to
// restore dispenser state.
package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kilianp07/dispenser/core/model"
)

// Record is one journaled outbound frame.
type Record struct {
	Timestamp time.Time       `json:"timestamp"`
	DeviceID  string          `json:"device_id"`
	Type      string          `json:"type"`
	Delivered bool            `json:"delivered"`
	Payload   json.RawMessage `json:"payload"`
}

// FromOutbound converts a bus message into a Record.
func FromOutbound(out model.Outbound) Record {
	payload := json.RawMessage(out.Payload)
	if !json.Valid(payload) {
		b, _ := json.Marshal(string(out.Payload))
		payload = b
	}
	return Record{
		Timestamp: out.Time,
		DeviceID:  out.DeviceID,
		Type:      out.Type,
		Delivered: out.Delivered,
		Payload:   payload,
	}
}

// Query filters records. Zero fields match everything.
type Query struct {
	Start    time.Time
	End      time.Time
	DeviceID string
	Type     string
}

func (q Query) match(r Record) bool {
	if !q.Start.IsZero() && r.Timestamp.Before(q.Start) {
		return false
	}
	if !q.End.IsZero() && r.Timestamp.After(q.End) {
		return false
	}
	if q.DeviceID != "" && r.DeviceID != q.DeviceID {
		return false
	}
	if q.Type != "" && r.Type != q.Type {
		return false
	}
	return true
}

// Store persists Records and supports querying.
type Store interface {
	Append(ctx context.Context, rec Record) error
	Query(ctx context.Context, q Query) ([]Record, error)
	Close() error
}

// Config selects and tunes the journal backend.
type Config struct {
	// Enabled turns journaling on.
	Enabled bool `json:"enabled"`
	// Backend selects the store type: "jsonl" or "sqlite".
	Backend string `json:"backend"`
	// Path is the file location of the store.
	Path string `json:"path"`
	// MaxSizeMB triggers rotation of the jsonl file. Zero disables rotation.
	MaxSizeMB  int `json:"max_size_mb"`
	MaxBackups int `json:"max_backups"`
	MaxAgeDays int `json:"max_age_days"`
}

// SetDefaults applies defaults for unset fields.
func (c *Config) SetDefaults() {
	if c.Backend == "" {
		c.Backend = "jsonl"
	}
	if c.Path == "" {
		c.Path = "dispenser-journal.jsonl"
	}
}

// Validate checks mandatory fields.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Backend != "jsonl" && c.Backend != "sqlite" {
		return fmt.Errorf("journal: unknown backend %q", c.Backend)
	}
	if c.Path == "" {
		return fmt.Errorf("journal: path is required")
	}
	if c.MaxSizeMB < 0 || c.MaxBackups < 0 || c.MaxAgeDays < 0 {
		return fmt.Errorf("journal: rotation limits must not be negative")
	}
	return nil
}

// Open builds the configured store.
func Open(cfg Config) (Store, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch {
	case cfg.Backend == "sqlite":
		return NewSQLiteStore(cfg.Path)
	case cfg.MaxSizeMB > 0:
		return NewRotatingJSONLStore(cfg.Path, cfg.MaxSizeMB, cfg.MaxBackups, cfg.MaxAgeDays)
	default:
		return NewJSONLStore(cfg.Path)
	}
}
