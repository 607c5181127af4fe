// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package config holds the orchestrator tunables. The agent command merges
// DefaultConfig with an optional HCL file and command line flags.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/hcl"
)

// Config is the orchestrator configuration.
type Config struct {
	// LogLevel is the level for agent logs: TRACE, DEBUG, INFO, WARN, ERROR.
	LogLevel string

	// GlobalConcurrency caps runs in PREPARING or RUNNING across all
	// projects.
	GlobalConcurrency int

	// MaxConcurrentPerProject caps active runs per project.
	MaxConcurrentPerProject int

	// PollInterval is the retry delay when the queue is non-empty but no
	// job is startable.
	PollInterval time.Duration

	// MaxEventsPerRun caps the in-memory event buffer per run. Events past
	// the cap are dropped.
	MaxEventsPerRun int

	// MaxScreenshotsPerRun caps the screenshot subset of the buffer.
	MaxScreenshotsPerRun int

	// FlushInterval is the debounce on incremental log flushes to storage.
	FlushInterval time.Duration

	// MaxConcurrentEmulators caps emulators booted by this process.
	MaxConcurrentEmulators int

	// EmulatorBootTimeout bounds waiting for an emulator's package manager
	// to become responsive after start.
	EmulatorBootTimeout time.Duration

	// ADBPath and EmulatorPath locate the Android SDK tools.
	ADBPath      string
	EmulatorPath string

	// AllowedSchemes lists URL schemes the safety filter accepts.
	AllowedSchemes []string

	// DNSTimeout bounds each hostname resolution in the runtime URL filter.
	DNSTimeout time.Duration

	// DNSCacheTTL is how long failed resolutions are cached. Successes are
	// never cached so rebinding is re-checked on every request.
	DNSCacheTTL time.Duration

	// BlockedRequestLogDedup is the window during which repeated blocked
	// requests for the same hostname and reason emit a single log event.
	BlockedRequestLogDedup time.Duration

	// TestMaxDuration is the global wall-clock budget of a single run.
	TestMaxDuration time.Duration

	// AndroidOpTimeout bounds every agent call against an Android target.
	AndroidOpTimeout time.Duration

	// AppLaunchTimeout bounds launching the app and waiting for it to reach
	// the foreground.
	AppLaunchTimeout time.Duration

	// CodeStatementTimeout is the hard per-statement budget in code steps.
	CodeStatementTimeout time.Duration

	// UploadRoot is the directory holding per-test-case file attachments.
	// Code steps may only reference files below <UploadRoot>/<testCaseId>.
	UploadRoot string
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		LogLevel:                "INFO",
		GlobalConcurrency:       5,
		MaxConcurrentPerProject: 2,
		PollInterval:            5 * time.Second,
		MaxEventsPerRun:         1000,
		MaxScreenshotsPerRun:    100,
		FlushInterval:           time.Second,
		MaxConcurrentEmulators:  2,
		EmulatorBootTimeout:     3 * time.Minute,
		ADBPath:                 "adb",
		EmulatorPath:            "emulator",
		AllowedSchemes:          []string{"http", "https"},
		DNSTimeout:              5 * time.Second,
		DNSCacheTTL:             time.Minute,
		BlockedRequestLogDedup:  10 * time.Second,
		TestMaxDuration:         15 * time.Minute,
		AndroidOpTimeout:        2 * time.Minute,
		AppLaunchTimeout:        30 * time.Second,
		CodeStatementTimeout:    30 * time.Second,
		UploadRoot:              "uploads",
	}
}

// fileConfig is the HCL shape of a config file. Durations are expressed in
// milliseconds to match the wire-level tunable names.
type fileConfig struct {
	LogLevel                 string   `hcl:"log_level"`
	GlobalConcurrency        int      `hcl:"global_concurrency"`
	MaxConcurrentPerProject  int      `hcl:"max_concurrent_per_project"`
	PollIntervalMs           int      `hcl:"poll_interval_ms"`
	MaxEventsPerRun          int      `hcl:"max_events_per_run"`
	MaxScreenshotsPerRun     int      `hcl:"max_screenshots_per_run"`
	FlushIntervalMs          int      `hcl:"flush_interval_ms"`
	MaxConcurrentEmulators   int      `hcl:"max_concurrent_emulators"`
	EmulatorBootTimeoutMs    int      `hcl:"emulator_boot_timeout_ms"`
	ADBPath                  string   `hcl:"adb_path"`
	EmulatorPath             string   `hcl:"emulator_path"`
	AllowedSchemes           []string `hcl:"allowed_schemes"`
	DNSTimeoutMs             int      `hcl:"dns_timeout_ms"`
	DNSCacheTTLMs            int      `hcl:"dns_cache_ttl_ms"`
	BlockedRequestLogDedupMs int      `hcl:"blocked_request_log_dedup_ms"`
	TestMaxDurationMs        int      `hcl:"test_max_duration_ms"`
	AndroidOpTimeoutMs       int      `hcl:"android_op_timeout_ms"`
	AppLaunchTimeoutMs       int      `hcl:"app_launch_timeout_ms"`
	CodeStatementTimeoutMs   int      `hcl:"code_statement_timeout_ms"`
	UploadRoot               string   `hcl:"upload_root"`
}

// LoadFile parses an HCL config file and returns a partial Config holding
// only the values the file sets.
func LoadFile(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %q: %w", path, err)
	}

	var fc fileConfig
	if err := hcl.Decode(&fc, string(raw)); err != nil {
		return nil, fmt.Errorf("failed to parse config file %q: %w", path, err)
	}

	ms := func(v int) time.Duration { return time.Duration(v) * time.Millisecond }
	c := &Config{
		LogLevel:                fc.LogLevel,
		GlobalConcurrency:       fc.GlobalConcurrency,
		MaxConcurrentPerProject: fc.MaxConcurrentPerProject,
		PollInterval:            ms(fc.PollIntervalMs),
		MaxEventsPerRun:         fc.MaxEventsPerRun,
		MaxScreenshotsPerRun:    fc.MaxScreenshotsPerRun,
		FlushInterval:           ms(fc.FlushIntervalMs),
		MaxConcurrentEmulators:  fc.MaxConcurrentEmulators,
		EmulatorBootTimeout:     ms(fc.EmulatorBootTimeoutMs),
		ADBPath:                 fc.ADBPath,
		EmulatorPath:            fc.EmulatorPath,
		AllowedSchemes:          fc.AllowedSchemes,
		DNSTimeout:              ms(fc.DNSTimeoutMs),
		DNSCacheTTL:             ms(fc.DNSCacheTTLMs),
		BlockedRequestLogDedup:  ms(fc.BlockedRequestLogDedupMs),
		TestMaxDuration:         ms(fc.TestMaxDurationMs),
		AndroidOpTimeout:        ms(fc.AndroidOpTimeoutMs),
		AppLaunchTimeout:        ms(fc.AppLaunchTimeoutMs),
		CodeStatementTimeout:    ms(fc.CodeStatementTimeoutMs),
		UploadRoot:              fc.UploadRoot,
	}
	return c, nil
}

// Merge returns a new Config where every value set in b overrides a.
func (a *Config) Merge(b *Config) *Config {
	result := *a
	if b == nil {
		return &result
	}

	if b.LogLevel != "" {
		result.LogLevel = b.LogLevel
	}
	if b.GlobalConcurrency != 0 {
		result.GlobalConcurrency = b.GlobalConcurrency
	}
	if b.MaxConcurrentPerProject != 0 {
		result.MaxConcurrentPerProject = b.MaxConcurrentPerProject
	}
	if b.PollInterval != 0 {
		result.PollInterval = b.PollInterval
	}
	if b.MaxEventsPerRun != 0 {
		result.MaxEventsPerRun = b.MaxEventsPerRun
	}
	if b.MaxScreenshotsPerRun != 0 {
		result.MaxScreenshotsPerRun = b.MaxScreenshotsPerRun
	}
	if b.FlushInterval != 0 {
		result.FlushInterval = b.FlushInterval
	}
	if b.MaxConcurrentEmulators != 0 {
		result.MaxConcurrentEmulators = b.MaxConcurrentEmulators
	}
	if b.EmulatorBootTimeout != 0 {
		result.EmulatorBootTimeout = b.EmulatorBootTimeout
	}
	if b.ADBPath != "" {
		result.ADBPath = b.ADBPath
	}
	if b.EmulatorPath != "" {
		result.EmulatorPath = b.EmulatorPath
	}
	if len(b.AllowedSchemes) != 0 {
		result.AllowedSchemes = b.AllowedSchemes
	}
	if b.DNSTimeout != 0 {
		result.DNSTimeout = b.DNSTimeout
	}
	if b.DNSCacheTTL != 0 {
		result.DNSCacheTTL = b.DNSCacheTTL
	}
	if b.BlockedRequestLogDedup != 0 {
		result.BlockedRequestLogDedup = b.BlockedRequestLogDedup
	}
	if b.TestMaxDuration != 0 {
		result.TestMaxDuration = b.TestMaxDuration
	}
	if b.AndroidOpTimeout != 0 {
		result.AndroidOpTimeout = b.AndroidOpTimeout
	}
	if b.AppLaunchTimeout != 0 {
		result.AppLaunchTimeout = b.AppLaunchTimeout
	}
	if b.CodeStatementTimeout != 0 {
		result.CodeStatementTimeout = b.CodeStatementTimeout
	}
	if b.UploadRoot != "" {
		result.UploadRoot = b.UploadRoot
	}
	return &result
}
