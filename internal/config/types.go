package config

import (
	"fmt"

	"weekplan/internal/schedule"
	"weekplan/pkg/weektime"
)

type Config struct {
	Server  ServerConfig  `json:"server"`
	Logging LoggingConfig `json:"logging"`
	Pprof   PprofConfig   `json:"pprof,omitempty"`

	// Storage is required: the engine archives every replaced task set and
	// keeps the latest allocation report there.
	Storage StorageConfig `json:"storage"`

	Planner PlannerConfig `json:"planner"`
	Grid    GridSection   `json:"grid"`
}

// ServerConfig controls the HTTP API listener.
//
// All timeouts are Go duration strings (e.g. "10s", "1m").
type ServerConfig struct {
	Addr         string `json:"addr,omitempty"` // default: "127.0.0.1:8745"
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	// RatePerSec limits requests per client IP; 0 disables limiting.
	RatePerSec int `json:"rate_per_sec,omitempty"`
	RateBurst  int `json:"rate_burst,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// PprofConfig controls the optional pprof HTTP server.
//
// Prefer binding to localhost; a non-loopback bind requires a token.
type PprofConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:6060"
	Token   string `json:"token,omitempty"`
}

// StorageConfig selects the persistence driver.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./weekplan.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// PlannerConfig controls the allocation service.
type PlannerConfig struct {
	// Lateness enables the deadline-lateness refinement pass. Off unless
	// explicitly requested.
	Lateness bool `json:"lateness,omitempty"`

	// ReplanSpec is a cron expression for periodic re-allocation of the
	// current task set. Empty disables the job.
	ReplanSpec string `json:"replan_spec,omitempty"`

	// ExportPath, when set, is where the weekly calendar file is written
	// after every allocation run.
	ExportPath string `json:"export_path,omitempty"`

	// Timezone for the cron trigger and calendar export. Defaults to the
	// host's local zone.
	Timezone string `json:"timezone,omitempty"`

	HistorySize int `json:"history_size,omitempty"` // default: 50
}

// GridSection is the wire form of the weekly grid: clock times as "HH:MM"
// strings and break parameters as Go duration strings.
type GridSection struct {
	WorkStart     string `json:"work_start"`               // e.g. "09:00"
	WorkEnd       string `json:"work_end"`                 // e.g. "17:00"
	BreakInterval string `json:"break_interval,omitempty"` // e.g. "2h"
	BreakDuration string `json:"break_duration,omitempty"` // e.g. "15m"
}

// GridConfig resolves the section into allocator minutes.
func (g GridSection) GridConfig() (schedule.GridConfig, error) {
	start, err := weektime.ParseClock(g.WorkStart)
	if err != nil {
		return schedule.GridConfig{}, fmt.Errorf("grid.work_start: %w", err)
	}
	end, err := weektime.ParseClock(g.WorkEnd)
	if err != nil {
		return schedule.GridConfig{}, fmt.Errorf("grid.work_end: %w", err)
	}
	interval, err := ParseDurationField("grid.break_interval", g.BreakInterval)
	if err != nil {
		return schedule.GridConfig{}, err
	}
	duration, err := ParseDurationField("grid.break_duration", g.BreakDuration)
	if err != nil {
		return schedule.GridConfig{}, err
	}
	return schedule.GridConfig{
		WorkStart:     start,
		WorkEnd:       end,
		BreakInterval: int(interval.Minutes()),
		BreakDuration: int(duration.Minutes()),
	}, nil
}

// Validate checks the whole config the way the watch loop does before
// committing a reload: structural problems here must never reach the
// running services.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "file", "sqlite":
	case "":
		return fmt.Errorf("storage.driver is required")
	default:
		return fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver)
	}
	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}
	if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
		return err
	}

	gcfg, err := c.Grid.GridConfig()
	if err != nil {
		return err
	}
	// Cheap dry-run; an invalid grid fails every allocation anyway.
	if _, err := schedule.NewGrid(gcfg); err != nil {
		return err
	}

	for _, f := range []struct{ path, raw string }{
		{"server.read_timeout", c.Server.ReadTimeout},
		{"server.write_timeout", c.Server.WriteTimeout},
		{"server.idle_timeout", c.Server.IdleTimeout},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	if c.Server.RatePerSec < 0 || c.Server.RateBurst < 0 {
		return fmt.Errorf("server rate limit values must be >= 0")
	}
	if c.Planner.HistorySize < 0 {
		return fmt.Errorf("planner.history_size must be >= 0")
	}
	return nil
}
