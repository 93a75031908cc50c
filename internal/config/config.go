// Package config validates and holds the fuzzer's run configuration,
// parsed from CLI flags by cmd/snapfuzz. Every field is checked here,
// before any VM is constructed, so a misconfiguration is reported
// immediately rather than after paying for a KVM boot (spec.md §9).
package config

import (
	"fmt"
	"os"
	"runtime"
	"time"
)

// Config is the fully-validated set of knobs one snapfuzz run needs.
type Config struct {
	Jobs      int
	MemoryMB  uint64
	Kernel    string
	InputDir  string
	OutputDir string
	Timeout   time.Duration

	SingleRun       bool
	SingleRunInput  string
	MinimizeCorpus  bool
	MinimizeCrashes bool

	BasicBlocks int

	Target     string
	TargetArgs []string
}

// Default values mirrored from the CLI flag definitions in
// cmd/snapfuzz, kept here so library callers (and tests) can
// construct a Config without going through cobra.
const (
	DefaultMemoryMB    = 256
	DefaultTimeout     = 1 * time.Second
	DefaultBasicBlocks = 1 << 16
)

// Validate checks every field for internal consistency and that
// referenced paths exist, returning the first problem found.
func (c *Config) Validate() error {
	if c.Jobs <= 0 {
		c.Jobs = runtime.NumCPU()
	}
	if c.MemoryMB == 0 {
		c.MemoryMB = DefaultMemoryMB
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.BasicBlocks <= 0 {
		c.BasicBlocks = DefaultBasicBlocks
	}

	if c.Kernel == "" {
		return fmt.Errorf("config: --kernel is required")
	}
	if _, err := os.Stat(c.Kernel); err != nil {
		return fmt.Errorf("config: kernel image %q: %w", c.Kernel, err)
	}

	if c.Target == "" {
		return fmt.Errorf("config: a target path is required")
	}
	if _, err := os.Stat(c.Target); err != nil {
		return fmt.Errorf("config: target %q: %w", c.Target, err)
	}

	modeCount := 0
	if c.SingleRun {
		modeCount++
	}
	if c.MinimizeCorpus {
		modeCount++
	}
	if c.MinimizeCrashes {
		modeCount++
	}
	if modeCount > 1 {
		return fmt.Errorf("config: --single-run, --minimize-corpus, and --minimize-crashes are mutually exclusive")
	}

	if c.SingleRun {
		if c.SingleRunInput == "" {
			return fmt.Errorf("config: --single-run requires --input")
		}
		if _, err := os.Stat(c.SingleRunInput); err != nil {
			return fmt.Errorf("config: --input %q: %w", c.SingleRunInput, err)
		}
		return nil
	}

	if c.InputDir == "" {
		return fmt.Errorf("config: --input-dir is required")
	}
	if info, err := os.Stat(c.InputDir); err != nil || !info.IsDir() {
		return fmt.Errorf("config: --input-dir %q must be an existing directory", c.InputDir)
	}
	if c.OutputDir == "" {
		return fmt.Errorf("config: --output-dir is required")
	}
	if err := os.MkdirAll(c.OutputDir, 0o755); err != nil {
		return fmt.Errorf("config: create --output-dir %q: %w", c.OutputDir, err)
	}
	return nil
}
