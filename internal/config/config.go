// Package config loads BEAMFlow's runtime configuration from a TOML
// file, covering exactly the enumerated options of spec.md §6: chaos,
// supervisor/backpressure, and DLQ sweeper. Grounded on nevindra-oasis's
// internal/config/config.go (nested toml:"..." structs plus a Default
// constructor and env-var overrides).
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// ChaosProfile names one of spec.md §4.9's fault-probability bundles.
type ChaosProfile string

const (
	ProfileGentle    ChaosProfile = "gentle"
	ProfileModerate  ChaosProfile = "moderate"
	ProfileAggressive ChaosProfile = "aggressive"
	ProfileCustom    ChaosProfile = "custom"
)

// ChaosConfig is spec.md §6's {chaos_mode, chaos_profile, kill_probability,
// chaos_interval_ms, max_kills_per_interval}.
type ChaosConfig struct {
	Enabled           bool         `toml:"chaos_mode"`
	Profile           ChaosProfile `toml:"chaos_profile"`
	KillProbability   float64      `toml:"kill_probability"`
	IntervalMS        int64        `toml:"chaos_interval_ms"`
	MaxKillsPerWindow int          `toml:"max_kills_per_interval"`
	// Environment gates production refusal (spec.md §6: "Chaos MUST
	// refuse to start in the prod environment"). Not itself a spec
	// field; read from BEAMFLOW_ENV at Load time so operators can't
	// accidentally ship a chaos_mode=true prod TOML file.
	Environment string `toml:"-"`
}

// Interval returns IntervalMS as a time.Duration.
func (c ChaosConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMS) * time.Millisecond
}

// SupervisorConfig is spec.md §6's {max_concurrent_workflows,
// default_step_timeout_ms, supervisor_restart_window_ms,
// supervisor_max_restarts}.
type SupervisorConfig struct {
	MaxConcurrentWorkflows int   `toml:"max_concurrent_workflows"`
	DefaultStepTimeoutMS   int64 `toml:"default_step_timeout_ms"`
	RestartWindowMS        int64 `toml:"supervisor_restart_window_ms"`
	MaxRestarts            int   `toml:"supervisor_max_restarts"`
}

// DefaultStepTimeout returns DefaultStepTimeoutMS as a time.Duration.
func (c SupervisorConfig) DefaultStepTimeout() time.Duration {
	return time.Duration(c.DefaultStepTimeoutMS) * time.Millisecond
}

// RestartWindow returns RestartWindowMS as a time.Duration.
func (c SupervisorConfig) RestartWindow() time.Duration {
	return time.Duration(c.RestartWindowMS) * time.Millisecond
}

// DLQConfig is spec.md §6's {dlq_sweep_interval_ms, dlq_base_retry_minutes,
// dlq_max_retry_minutes}.
type DLQConfig struct {
	SweepIntervalMS   int64 `toml:"dlq_sweep_interval_ms"`
	BaseRetryMinutes  int   `toml:"dlq_base_retry_minutes"`
	MaxRetryMinutes   int   `toml:"dlq_max_retry_minutes"`
}

// SweepInterval returns SweepIntervalMS as a time.Duration.
func (c DLQConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalMS) * time.Millisecond
}

// Config is the root BEAMFlow configuration document.
type Config struct {
	Chaos      ChaosConfig      `toml:"chaos"`
	Supervisor SupervisorConfig `toml:"supervisor"`
	DLQ        DLQConfig        `toml:"dlq"`
}

// Default returns a Config with every field set to the documented
// default, matching the values named throughout spec.md (§4.4's restart
// threshold, §4.7's backoff bounds).
func Default() Config {
	return Config{
		Chaos: ChaosConfig{
			Enabled:           false,
			Profile:           ProfileGentle,
			KillProbability:   0.01,
			IntervalMS:        5000,
			MaxKillsPerWindow: 1,
			Environment:       "dev",
		},
		Supervisor: SupervisorConfig{
			MaxConcurrentWorkflows: 1000,
			DefaultStepTimeoutMS:   30_000,
			RestartWindowMS:        (10 * time.Minute).Milliseconds(),
			MaxRestarts:            5,
		},
		DLQ: DLQConfig{
			SweepIntervalMS:  30_000,
			BaseRetryMinutes: 5,
			MaxRetryMinutes:  720,
		},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins),
// mirroring the teacher pack's layered-override Load pattern.
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "beamflow.toml"
	}
	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	if v := os.Getenv("BEAMFLOW_ENV"); v != "" {
		cfg.Chaos.Environment = v
	}
	if v := os.Getenv("BEAMFLOW_CHAOS_MODE"); v == "true" || v == "1" {
		cfg.Chaos.Enabled = true
	}
	if v := os.Getenv("BEAMFLOW_CHAOS_PROFILE"); v != "" {
		cfg.Chaos.Profile = ChaosProfile(v)
	}
	if v := os.Getenv("BEAMFLOW_MAX_CONCURRENT_WORKFLOWS"); v != "" {
		var n int
		if _, err := fmt.Sscan(v, &n); err == nil {
			cfg.Supervisor.MaxConcurrentWorkflows = n
		}
	}

	return cfg
}
