package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/apmctl/internal/config"
	"github.com/danmuck/apmctl/internal/testutil/testlog"
)

func TestLoadRunConfigExample(t *testing.T) {
	testlog.Start(t)
	cfg, err := loadRunConfig("ex.config.toml")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Name != "apmctl.local" {
		t.Fatalf("unexpected name: %q", cfg.Name)
	}
	if cfg.Scenario != "ex.scenario.toml" {
		t.Fatalf("unexpected scenario path: %q", cfg.Scenario)
	}
	if cfg.Mode != ModeAsync {
		t.Fatalf("unexpected mode: %q", cfg.Mode)
	}
	if cfg.StepTimeout != 2*time.Second {
		t.Fatalf("unexpected step timeout: %v", cfg.StepTimeout)
	}
	if cfg.DeferQueueSize != 8 || cfg.QueueDepth != 32 {
		t.Fatalf("unexpected queue sizes: defer=%d depth=%d", cfg.DeferQueueSize, cfg.QueueDepth)
	}
	if cfg.MetricsAddr != "" {
		t.Fatalf("unexpected metrics addr: %q", cfg.MetricsAddr)
	}
	if cfg.RedisTTL != time.Hour {
		t.Fatalf("unexpected redis ttl: %v", cfg.RedisTTL)
	}
	if !cfg.PrintTrace {
		t.Fatalf("expected print_trace enabled")
	}
}

func TestLoadRunConfigDefaults(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "min.toml")
	if err := os.WriteFile(path, []byte("scenario = \"/abs/s.toml\"\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := loadRunConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	def := DefaultRunConfig()
	if cfg.Name != def.Name || cfg.Mode != def.Mode || cfg.StepTimeout != def.StepTimeout {
		t.Fatalf("defaults not kept: %+v", cfg)
	}
	if cfg.Scenario != "/abs/s.toml" {
		t.Fatalf("absolute scenario rewritten: %q", cfg.Scenario)
	}
}

func TestLoadRunConfigRejectsBadValues(t *testing.T) {
	testlog.Start(t)
	cases := map[string]string{
		"mode":    "mode = \"burst\"\n",
		"timeout": "step_timeout = \"soon\"\n",
		"ttl":     "redis_ttl = \"1 hour\"\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "bad.toml")
			if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
				t.Fatalf("write config: %v", err)
			}
			if _, err := loadRunConfig(path); err == nil {
				t.Fatalf("expected error for %s", name)
			}
		})
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	testlog.Start(t)
	t.Setenv(envScenario, " other.yaml ")
	t.Setenv(envMetricsAddr, "127.0.0.1:9464")
	t.Setenv(envRedisURL, "redis://localhost:6379/0")

	cfg := DefaultRunConfig()
	cfg.Scenario = "ex.scenario.toml"
	applyEnv(&cfg)
	if cfg.Scenario != "other.yaml" {
		t.Fatalf("unexpected scenario: %q", cfg.Scenario)
	}
	if cfg.MetricsAddr != "127.0.0.1:9464" {
		t.Fatalf("unexpected metrics addr: %q", cfg.MetricsAddr)
	}
	if cfg.RedisURL != "redis://localhost:6379/0" {
		t.Fatalf("unexpected redis url: %q", cfg.RedisURL)
	}
}

func TestLoadEnvFile(t *testing.T) {
	testlog.Start(t)
	if err := loadEnvFile(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("missing env file should be ignored: %v", err)
	}

	const key = "APMCTL_TEST_ENV_FILE"
	path := filepath.Join(t.TempDir(), "test.env")
	if err := os.WriteFile(path, []byte(key+"=loaded\n"), 0o600); err != nil {
		t.Fatalf("write env: %v", err)
	}
	t.Cleanup(func() { os.Unsetenv(key) })
	if err := loadEnvFile(path); err != nil {
		t.Fatalf("load env: %v", err)
	}
	if got := os.Getenv(key); got != "loaded" {
		t.Fatalf("unexpected %s: %q", key, got)
	}
}

func TestParseMode(t *testing.T) {
	testlog.Start(t)
	for raw, want := range map[string]RunMode{"sync": ModeSync, " ASYNC ": ModeAsync} {
		got, err := parseMode(raw)
		if err != nil || got != want {
			t.Fatalf("parseMode(%q) = %q, %v", raw, got, err)
		}
	}
	if _, err := parseMode(""); err == nil {
		t.Fatalf("expected error for empty mode")
	}
}

func TestExampleScenarioConverts(t *testing.T) {
	testlog.Start(t)
	scn, err := config.LoadScenario("ex.scenario.toml")
	if err != nil {
		t.Fatalf("load scenario: %v", err)
	}
	cmds, err := scn.Commands()
	if err != nil {
		t.Fatalf("convert scenario: %v", err)
	}
	if len(cmds) != 5 {
		t.Fatalf("unexpected command count: %d", len(cmds))
	}
	if _, err := scn.Behavior(); err != nil {
		t.Fatalf("behavior: %v", err)
	}
}
