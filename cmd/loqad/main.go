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
	"time"

	"github.com/loqalabs/loqa-recorder/internal/config"
	"github.com/loqalabs/loqa-recorder/internal/runtime"
)

var version = "0.1.0-dev"

func main() {
	var (
		configPath  string
		logLevel    string
		logFormat   string
		nodeID      string
		showVersion bool
	)

	flag.StringVar(&configPath, "config", "loqa.yaml", "Path to configuration file")
	flag.StringVar(&logLevel, "log-level", "", "Override telemetry.log_level (debug, info, warn, error)")
	flag.StringVar(&logFormat, "log-format", "", "Override telemetry.log_format (json or text)")
	flag.StringVar(&nodeID, "node-id", "", "Override node.id; recordings and telemetry are tagged with it")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loqad: load config: %v\n", err)
		os.Exit(1)
	}
	applyFlags(&cfg, logLevel, logFormat, nodeID)

	logger, err := newLogger(os.Stdout, cfg.Telemetry)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loqad: %v\n", err)
		os.Exit(1)
	}
	logger = logger.With(slog.String("node", cfg.Node.ID), slog.String("version", version))

	rt := runtime.New(cfg, version, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("recorder node starting",
		slog.String("tts_mode", cfg.TTS.Mode),
		slog.String("mime_type", cfg.Recorder.MimeType),
		slog.Bool("bus", cfg.Bus.Enabled),
	)
	if err := rt.Start(ctx); err != nil {
		logger.Error("runtime exited with error", slog.String("error", err.Error()))
		time.Sleep(1 * time.Second)
		os.Exit(1)
	}

	logger.Info("shutdown complete")
}

// applyFlags layers non-empty command line values over the loaded config.
func applyFlags(cfg *config.Config, logLevel, logFormat, nodeID string) {
	if logLevel != "" {
		cfg.Telemetry.LogLevel = logLevel
	}
	if logFormat != "" {
		cfg.Telemetry.LogFormat = logFormat
	}
	if nodeID != "" {
		cfg.Node.ID = nodeID
	}
}

func newLogger(w io.Writer, tel config.TelemetryConfig) (*slog.Logger, error) {
	level := new(slog.LevelVar)
	if err := level.UnmarshalText([]byte(tel.LogLevel)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", tel.LogLevel)
	}
	opts := &slog.HandlerOptions{Level: level}
	switch tel.LogFormat {
	case "", "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", tel.LogFormat)
	}
}
