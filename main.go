// Package main provides a clap-activated phone finder: it listens to the
// microphone, raises an alarm when a clap is detected and exposes a JSON API
// and WebSocket for control.
//
// Usage:
//
//	clapfinder [-config path/to/config.json] [-listen] [-log-level debug] [-log-json]
//
// If -config is not specified, clapfinder looks for config.json in the same
// directory as the binary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/oszuidwest/clapfinder/internal/alarm"
	"github.com/oszuidwest/clapfinder/internal/archive"
	"github.com/oszuidwest/clapfinder/internal/audio"
	"github.com/oszuidwest/clapfinder/internal/config"
	"github.com/oszuidwest/clapfinder/internal/eventlog"
	"github.com/oszuidwest/clapfinder/internal/finder"
	"github.com/oszuidwest/clapfinder/internal/listener"
	"github.com/oszuidwest/clapfinder/internal/metrics"
	"github.com/oszuidwest/clapfinder/internal/notify"
	"github.com/oszuidwest/clapfinder/internal/server"
	"github.com/oszuidwest/clapfinder/internal/util"
)

// newLogger returns a text or JSON logger at the named level.
func newLogger(level string, asJSON bool) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	opts := &slog.HandlerOptions{Level: lvl}
	if asJSON {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
}

func main() {
	configPath := flag.String("config", "", "Path to config file, .json or .yaml (default: config.json next to binary)")
	startListening := flag.Bool("listen", false, "Start listening for claps immediately")
	logLevel := flag.String("log-level", "info", "Log level: debug, info, warn or error")
	logJSON := flag.Bool("log-json", false, "Write logs as JSON")
	showVersion := flag.Bool("version", false, "Print version information and exit")
	flag.Parse()

	logger, err := newLogger(*logLevel, *logJSON)
	if err != nil {
		slog.Error("failed to configure logging", "error", err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	if *showVersion {
		slog.Info("version info", "version", Version, "commit", Commit, "build_time", BuildTime)
		return
	}

	if *configPath == "" {
		execPath, err := os.Executable()
		if err != nil {
			slog.Error("failed to get executable path", "error", err)
			os.Exit(1)
		}
		*configPath = filepath.Join(filepath.Dir(execPath), "config.json")
	}

	slog.Info("using config file", "path", *configPath)

	cfg := config.New(*configPath)
	if err := cfg.Load(); err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	snap := cfg.Snapshot()

	ffmpegPath := util.ResolveFFmpegPath(cfg.FFmpegPath())
	ffmpegAvailable := ffmpegPath != ""
	if !ffmpegAvailable {
		slog.Warn("FFmpeg not found, capture relies on the platform recorder",
			"configured_path", cfg.FFmpegPath())
	} else {
		slog.Info("FFmpeg found", "path", ffmpegPath)
	}

	playerPath := util.ResolvePlayerPath(cfg.PlayerPath())
	if playerPath == "" {
		slog.Warn("no audio player found, alarm sound disabled", "configured_path", cfg.PlayerPath())
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	events, err := eventlog.NewLogger(snap.EventLogPath)
	if err != nil {
		// A nil logger discards events.
		slog.Error("failed to open event log", "path", snap.EventLogPath, "error", err)
	}

	detector, err := audio.NewClapDetector(snap.Sensitivity, snap.Cooldown)
	if err != nil {
		slog.Error("invalid detection settings", "error", err)
		os.Exit(1)
	}

	dispatcher := alarm.NewDispatcher(
		alarm.NewCommandSounder(playerPath),
		alarm.NewLEDTorch(alarm.DefaultLEDRoot, snap.Alarm.TorchLED),
		alarm.NewCommandVibrator(snap.Alarm.VibrateCommand),
		alarm.SettingsFromConfig(snap.Alarm),
		m,
	)

	notifier := notify.NewClapNotifier(cfg, m)
	f := finder.New(detector, dispatcher, notifier, events, m)
	f.SetCapture(listener.New(cfg, ffmpegPath, detector, f.Hooks(), m))
	if err := f.ApplySettings(&snap); err != nil {
		slog.Error("failed to apply settings", "error", err)
		os.Exit(1)
	}

	archiver := archive.New(cfg, events, m)
	archiver.Start()

	commands := server.NewCommandHandler(cfg, f, dispatcher, notifier, archiver)
	srv := NewServer(cfg, f, commands, archiver, m, registry, ffmpegAvailable)
	httpServer := srv.Start()

	if *startListening {
		if err := f.StartListening(); err != nil {
			slog.Error("failed to start listening", "error", err)
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, util.ShutdownSignals()...)
	<-sigChan

	slog.Info("shutting down")
	srv.version.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var errs []error
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http server: %w", err))
	}
	if err := f.Shutdown(); err != nil {
		errs = append(errs, fmt.Errorf("finder: %w", err))
	}
	archiver.Stop()
	notifier.Close()
	if err := events.Close(); err != nil {
		errs = append(errs, fmt.Errorf("event log: %w", err))
	}

	if err := errors.Join(errs...); err != nil {
		slog.Error("errors during shutdown", "error", err)
	}
	slog.Info("shutdown complete")
}
