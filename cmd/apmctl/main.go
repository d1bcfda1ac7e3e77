package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/apmctl/internal/config"
	"github.com/danmuck/apmctl/internal/logging"
	"github.com/danmuck/apmctl/internal/observability"
	"github.com/rs/zerolog/log"
)

func main() {
	configPath := flag.String("config", "", "apmctl run config (toml)")
	scenario := flag.String("scenario", "", "scenario file (toml|yaml), overrides config")
	mode := flag.String("mode", "", "run mode: sync|async, overrides config")
	envFile := flag.String("env", ".env", "env file loaded before config")
	initPath := flag.String("init", "", "write a scenario template to this path and exit")
	format := flag.String("format", "toml", "template format: toml|yaml")
	force := flag.Bool("force", false, "overwrite an existing template")
	flag.Parse()

	if err := loadEnvFile(*envFile); err != nil {
		fmt.Fprintf(os.Stderr, "apmctl: %v\n", err)
		os.Exit(1)
	}
	observability.InitLogger("apmctl", logging.Resolve(logging.ProfileRuntime))

	if *initPath != "" {
		if err := config.WriteTemplate(*initPath, *format, *force); err != nil {
			log.Fatal().Err(err).Msg("apmctl template write failed")
		}
		log.Info().Str("path", *initPath).Str("format", *format).Msg("apmctl wrote scenario template")
		return
	}

	cfg := DefaultRunConfig()
	if *configPath != "" {
		loaded, err := loadRunConfig(*configPath)
		if err != nil {
			log.Fatal().Err(err).Msg("apmctl config load failed")
		}
		cfg = loaded
	}
	applyEnv(&cfg)
	if *scenario != "" {
		cfg.Scenario = *scenario
	}
	if *mode != "" {
		m, err := parseMode(*mode)
		if err != nil {
			log.Fatal().Err(err).Msg("apmctl bad mode")
		}
		cfg.Mode = m
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "apmctl: %v\n", err)
		stop()
		os.Exit(1)
	}
}
