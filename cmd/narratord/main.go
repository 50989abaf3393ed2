package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/loqalabs/loqa-narrator/internal/assemble"
	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/runtime"
	"github.com/loqalabs/loqa-narrator/internal/synth"
)

var version = "0.1.0-dev"

func main() {
	var (
		configPath  string
		showVersion bool
		checkOnly   bool
	)

	flag.StringVar(&configPath, "config", "narrator.yaml", "Path to configuration file")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.BoolVar(&checkOnly, "check", false, "Validate configuration, probe the transcoder and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("failed to load config", slog.String("path", configPath), slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger = newLogger(os.Stdout, cfg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if checkOnly {
		if err := check(ctx, cfg, logger); err != nil {
			logger.Error("configuration check failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
		return
	}

	if err := runtime.New(cfg, logger).Start(ctx); err != nil {
		logger.Error("runtime exited with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

// newLogger applies the configured level and tags every record with the
// runtime name and version.
func newLogger(w io.Writer, cfg config.Config, fallback *slog.Logger) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Telemetry.LogLevel)); err != nil {
		fallback.Warn("invalid log level, using info", slog.String("log_level", cfg.Telemetry.LogLevel))
		level = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})).
		With(slog.String("runtime", cfg.RuntimeName), slog.String("version", version))
}

// check builds the pieces that depend on the host without starting servers.
func check(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	if _, err := synth.New(cfg.Synthesis, logger); err != nil {
		return fmt.Errorf("synthesis: %w", err)
	}
	transcoder, err := assemble.Detect(ctx, cfg.Transcoder, logger)
	if err != nil {
		return fmt.Errorf("transcoder: %w", err)
	}
	logger.Info("configuration ok",
		slog.String("synthesis_mode", cfg.Synthesis.Mode),
		slog.String("transcoder", transcoder.Name()),
		slog.Bool("transcoder_available", transcoder.Available()),
		slog.Bool("bus", cfg.Bus.Enabled),
		slog.String("output_dir", cfg.Output.Directory),
	)
	return nil
}
