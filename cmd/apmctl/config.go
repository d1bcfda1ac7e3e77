package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

const (
	envScenario    = "APMCTL_SCENARIO"
	envMetricsAddr = "APMCTL_METRICS_ADDR"
	envRedisURL    = "APMCTL_REDIS_URL"
)

type RunMode string

const (
	// ModeSync submits and drains on the calling goroutine.
	ModeSync RunMode = "sync"
	// ModeAsync drives a running Manager through its queues.
	ModeAsync RunMode = "async"
)

type RunConfig struct {
	Name           string
	Scenario       string
	Mode           RunMode
	StepTimeout    time.Duration
	DeferQueueSize int
	QueueDepth     int
	MetricsAddr    string
	RedisURL       string
	RedisPrefix    string
	RedisTTL       time.Duration
	PrintTrace     bool
}

func DefaultRunConfig() RunConfig {
	return RunConfig{
		Name:           "apmctl",
		Mode:           ModeSync,
		StepTimeout:    5 * time.Second,
		DeferQueueSize: 16,
		QueueDepth:     64,
		RedisPrefix:    "apmctl",
	}
}

type fileConfig struct {
	Name           string `toml:"name"`
	Scenario       string `toml:"scenario"`
	Mode           string `toml:"mode"`
	StepTimeout    string `toml:"step_timeout"`
	DeferQueueSize int    `toml:"defer_queue_size"`
	QueueDepth     int    `toml:"queue_depth"`
	MetricsAddr    string `toml:"metrics_addr"`
	RedisURL       string `toml:"redis_url"`
	RedisPrefix    string `toml:"redis_prefix"`
	RedisTTL       string `toml:"redis_ttl"`
	PrintTrace     bool   `toml:"print_trace"`
}

func loadRunConfig(path string) (RunConfig, error) {
	cfg := DefaultRunConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return RunConfig{}, fmt.Errorf("load apmctl config: %w", err)
	}

	if meta.IsDefined("name") {
		if name := strings.TrimSpace(raw.Name); name != "" {
			cfg.Name = name
		}
	}
	if meta.IsDefined("scenario") {
		cfg.Scenario = strings.TrimSpace(raw.Scenario)
		// relative scenario paths resolve against the config file
		if cfg.Scenario != "" && !filepath.IsAbs(cfg.Scenario) {
			cfg.Scenario = filepath.Join(filepath.Dir(path), cfg.Scenario)
		}
	}
	if meta.IsDefined("mode") {
		mode, err := parseMode(raw.Mode)
		if err != nil {
			return RunConfig{}, err
		}
		cfg.Mode = mode
	}
	if meta.IsDefined("step_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.StepTimeout))
		if err != nil {
			return RunConfig{}, fmt.Errorf("parse step_timeout: %w", err)
		}
		cfg.StepTimeout = d
	}
	if meta.IsDefined("defer_queue_size") {
		cfg.DeferQueueSize = raw.DeferQueueSize
	}
	if meta.IsDefined("queue_depth") {
		cfg.QueueDepth = raw.QueueDepth
	}
	if meta.IsDefined("metrics_addr") {
		cfg.MetricsAddr = strings.TrimSpace(raw.MetricsAddr)
	}
	if meta.IsDefined("redis_url") {
		cfg.RedisURL = strings.TrimSpace(raw.RedisURL)
	}
	if meta.IsDefined("redis_prefix") {
		cfg.RedisPrefix = strings.TrimSpace(raw.RedisPrefix)
	}
	if meta.IsDefined("redis_ttl") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.RedisTTL))
		if err != nil {
			return RunConfig{}, fmt.Errorf("parse redis_ttl: %w", err)
		}
		cfg.RedisTTL = d
	}
	if meta.IsDefined("print_trace") {
		cfg.PrintTrace = raw.PrintTrace
	}
	return cfg, nil
}

func parseMode(raw string) (RunMode, error) {
	switch RunMode(strings.ToLower(strings.TrimSpace(raw))) {
	case ModeSync:
		return ModeSync, nil
	case ModeAsync:
		return ModeAsync, nil
	default:
		return "", fmt.Errorf("unknown mode %q", raw)
	}
}

// loadEnvFile loads path into the process environment. A missing file is
// not an error.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

// applyEnv overrides cfg from APMCTL_* variables.
func applyEnv(cfg *RunConfig) {
	if v := strings.TrimSpace(os.Getenv(envScenario)); v != "" {
		cfg.Scenario = v
	}
	if v := strings.TrimSpace(os.Getenv(envMetricsAddr)); v != "" {
		cfg.MetricsAddr = v
	}
	if v := strings.TrimSpace(os.Getenv(envRedisURL)); v != "" {
		cfg.RedisURL = v
	}
}
