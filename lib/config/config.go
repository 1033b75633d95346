// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"encoding/json"
	"fmt"
	"time"

	"git.clusterdispatch.org/clusterdispatch.git/sdk/go/task"
)

// Config is the site configuration.
type Config struct {
	SystemLogs struct {
		Format   string
		LogLevel string
	}
	ManagementToken string
	Management      struct {
		Listen string
	}
	Scheduler SchedulerConfig
	Backends  map[string]BackendConfig
}

type SchedulerConfig struct {
	Backend                   string
	DefaultMemory             task.ByteSize
	PollInterval              Duration
	StatusRetryDelay          Duration
	StatusMaxAttempts         int
	MaxConcurrentWrapperCalls int
	DoneMarkerGrace           Duration
	SubmitTimeout             Duration
	StopTimeout               Duration
	LauncherCommand           string
	LauncherArguments         []string
	WorkerLogLevel            string
	ScriptDir                 string
	FinishedJobCacheSize      int
}

// BackendConfig holds the settings of one batch system. Each
// backend uses only the fields that make sense for it.
type BackendConfig struct {
	WrapperScript     string
	Cleanup           bool
	Env               map[string]string
	Queue             string
	Account           string
	Partition         string
	AccountingGroup   string
	NiceUser          bool
	ConcurrencyLimits string
}

// Backend returns the configuration for the named backend.
func (cfg *Config) Backend(name string) (BackendConfig, error) {
	bc, ok := cfg.Backends[name]
	if !ok || name == "*" {
		return BackendConfig{}, fmt.Errorf("no configuration for backend %q", name)
	}
	return bc, nil
}

func (cfg *Config) check() error {
	sc := &cfg.Scheduler
	switch {
	case sc.Backend == "":
		return fmt.Errorf("Scheduler.Backend is empty")
	case sc.PollInterval <= 0:
		return fmt.Errorf("Scheduler.PollInterval must be positive, got %s", sc.PollInterval)
	case sc.StatusRetryDelay < 0:
		return fmt.Errorf("Scheduler.StatusRetryDelay must not be negative, got %s", sc.StatusRetryDelay)
	case sc.StatusMaxAttempts < 1:
		return fmt.Errorf("Scheduler.StatusMaxAttempts must be at least 1, got %d", sc.StatusMaxAttempts)
	case sc.MaxConcurrentWrapperCalls < 1:
		return fmt.Errorf("Scheduler.MaxConcurrentWrapperCalls must be at least 1, got %d", sc.MaxConcurrentWrapperCalls)
	case sc.DoneMarkerGrace < 0:
		return fmt.Errorf("Scheduler.DoneMarkerGrace must not be negative, got %s", sc.DoneMarkerGrace)
	case sc.SubmitTimeout <= 0:
		return fmt.Errorf("Scheduler.SubmitTimeout must be positive, got %s", sc.SubmitTimeout)
	case sc.StopTimeout <= 0:
		return fmt.Errorf("Scheduler.StopTimeout must be positive, got %s", sc.StopTimeout)
	case sc.LauncherCommand == "":
		return fmt.Errorf("Scheduler.LauncherCommand is empty")
	case sc.DefaultMemory < 0:
		return fmt.Errorf("Scheduler.DefaultMemory must not be negative")
	}
	if _, err := cfg.Backend(sc.Backend); err != nil {
		return fmt.Errorf("Scheduler.Backend: %w", err)
	}
	return nil
}

// Duration is time.Duration but looks like "12s" in JSON and YAML,
// rather than a number of nanoseconds.
type Duration time.Duration

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		err := json.Unmarshal(data, &s)
		if err != nil {
			return err
		}
		return d.Set(s)
	}
	// Mostly for backwards compatibility: a bare number is
	// taken as seconds.
	var secs float64
	err := json.Unmarshal(data, &secs)
	if err != nil {
		return fmt.Errorf("duration must be given as a string like \"600s\" or \"1h30m\"")
	}
	*d = Duration(secs * float64(time.Second))
	return nil
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// String implements fmt.Stringer.
func (d Duration) String() string {
	return time.Duration(d).String()
}

// Duration returns a time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Set implements the flag.Value interface and sets the duration value
// by using time.ParseDuration to parse the string.
func (d *Duration) Set(s string) error {
	dur, err := time.ParseDuration(s)
	*d = Duration(dur)
	return err
}
