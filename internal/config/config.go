// Package config defines the VM's configuration record: the paging
// mode, memory size, core count, and every tunable the execution,
// translation-cache, and MMU layers expose, loaded from a YAML file.
// Grounded on internal/bundle/bundle.go's Metadata/BootConfig tagged
// struct and its Load-then-normalize pattern.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/xarchvm/corevm/internal/jit"
	"github.com/xarchvm/corevm/internal/mmu"
)

// Config is the top-level VM configuration record.
type Config struct {
	Version int `yaml:"version"`

	Memory MemoryConfig `yaml:"memory"`
	Cores  int          `yaml:"cores"`
	Paging PagingConfig `yaml:"paging"`

	Execution ExecutionConfig `yaml:"execution"`
	Xlate     XlateConfig     `yaml:"translationCache"`
	MMU       MMUConfig       `yaml:"mmu"`
}

type MemoryConfig struct {
	SizeBytes uint64 `yaml:"sizeBytes"`
}

type PagingConfig struct {
	// Mode is one of "flat", "sv39", "sv48", "x86-64", "armv8".
	Mode string `yaml:"mode"`
}

type ExecutionConfig struct {
	OptLevel         int    `yaml:"optLevel"`
	HotnessThreshold uint64 `yaml:"hotnessThreshold"`
	CompileWorkers   int64  `yaml:"compileWorkers"`
	CompileDeadline  string `yaml:"compileDeadline"`
	DecodeCacheSize  int    `yaml:"decodeCacheSize"`
}

type XlateConfig struct {
	MaxEntries int   `yaml:"maxEntries"`
	MaxBytes   int64 `yaml:"maxBytes"`
}

type MMUConfig struct {
	TLBShards           int    `yaml:"tlbShards"`
	FlushPolicy         string `yaml:"flushPolicy"`
	FlushSwitchInterval string `yaml:"flushSwitchInterval"`
}

// Default returns a Config populated with the same defaults the
// individual packages fall back to on their own, so a caller can load a
// partial YAML file and still get a runnable configuration.
func Default() Config {
	return Config{
		Version: 1,
		Memory:  MemoryConfig{SizeBytes: 256 << 20},
		Cores:   1,
		Paging:  PagingConfig{Mode: "sv39"},
		Execution: ExecutionConfig{
			OptLevel:         int(jit.LevelAggressive),
			HotnessThreshold: 1000,
			CompileWorkers:   4,
			CompileDeadline:  "500ms",
			DecodeCacheSize:  10000,
		},
		Xlate: XlateConfig{MaxEntries: 4096, MaxBytes: 64 << 20},
		MMU: MMUConfig{
			TLBShards:           16,
			FlushPolicy:         "adaptive",
			FlushSwitchInterval: "2s",
		},
	}
}

// Load reads and parses a YAML config file at path on top of Default():
// any field the file does not set keeps Default()'s value.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// PagingMode resolves the configured Paging.Mode string to an mmu.Mode.
func (c Config) PagingMode() (mmu.Mode, error) {
	switch c.Paging.Mode {
	case "flat":
		return mmu.ModeFlat, nil
	case "sv39":
		return mmu.ModeSV39, nil
	case "sv48":
		return mmu.ModeSV48, nil
	case "x86-64":
		return mmu.ModeX86_64, nil
	case "armv8":
		return mmu.ModeARMv8, nil
	default:
		return 0, fmt.Errorf("config: unknown paging mode %q", c.Paging.Mode)
	}
}

// CompileDeadline parses Execution.CompileDeadline as a duration.
func (c Config) CompileDeadline() (time.Duration, error) {
	return time.ParseDuration(c.Execution.CompileDeadline)
}

// FlushSwitchInterval parses MMU.FlushSwitchInterval as a duration.
func (c Config) FlushSwitchInterval() (time.Duration, error) {
	return time.ParseDuration(c.MMU.FlushSwitchInterval)
}

// FlushPolicy resolves MMU.FlushPolicy to an mmu.FlushPolicy.
func (c Config) FlushPolicy() (mmu.FlushPolicy, error) {
	return mmu.ParseFlushPolicy(c.MMU.FlushPolicy)
}

// Validate checks the fields Load doesn't already structurally enforce.
func (c Config) Validate() error {
	if c.Cores <= 0 {
		return fmt.Errorf("cores must be positive, got %d", c.Cores)
	}
	if c.Memory.SizeBytes == 0 {
		return fmt.Errorf("memory.sizeBytes must be nonzero")
	}
	if _, err := c.PagingMode(); err != nil {
		return err
	}
	if _, err := c.CompileDeadline(); err != nil {
		return fmt.Errorf("execution.compileDeadline: %w", err)
	}
	if _, err := c.FlushSwitchInterval(); err != nil {
		return fmt.Errorf("mmu.flushSwitchInterval: %w", err)
	}
	if _, err := c.FlushPolicy(); err != nil {
		return fmt.Errorf("mmu.flushPolicy: %w", err)
	}
	if c.Execution.OptLevel < 0 || c.Execution.OptLevel > int(jit.LevelAggressive) {
		return fmt.Errorf("execution.optLevel must be 0-%d, got %d", jit.LevelAggressive, c.Execution.OptLevel)
	}
	return nil
}
