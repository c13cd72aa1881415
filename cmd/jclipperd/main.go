// jclipperd is the clip service daemon: it indexes a subtitle-matched media
// library, plans and renders clips with ffmpeg, and serves the HTTP API.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"jclipper/internal/jobs"
	"jclipper/internal/library"
	"jclipper/internal/mediainfo"
	"jclipper/internal/output"
	"jclipper/internal/planner"
	"jclipper/internal/server"
	"jclipper/internal/transcode"
	"jclipper/internal/upload"
	"jclipper/pkg/config"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "jclipperd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := newLogger(&cfg.Logging)
	logger.Info("Starting jclipperd",
		"config", configPath,
		"media_root", cfg.Library.Root,
		"output_dir", cfg.Output.Directory)

	outputs, err := output.NewManager(&cfg.Output, logger)
	if err != nil {
		return err
	}
	defer outputs.Close()

	history, err := jobs.NewHistory(outputs, logger)
	if err != nil {
		return err
	}
	defer history.Close()

	lib := library.New(&cfg.Library, logger)
	if err := lib.Rescan(ctx); err != nil {
		// A broken media root should not keep the daemon down; the API
		// reports an empty library until a rescan succeeds.
		logger.Error("Initial library scan failed", "error", err)
	}

	if cfg.Library.Watch {
		watcher, err := library.NewWatcher(lib, logger)
		if err != nil {
			logger.Error("Failed to watch media root", "error", err)
		} else {
			go watcher.Run(ctx)
		}
	}

	prober := mediainfo.NewFFProbe(cfg.Transcode.FFprobePath, logger)
	clipPlanner := planner.New(prober, cfg.Library.DefaultLanguage, logger)

	ffmpeg, err := transcode.NewFFmpeg(&cfg.Transcode, logger)
	if err != nil {
		return err
	}

	store := jobs.NewStore(outputs, cfg.Output.Retention, logger)
	go store.RunRetentionSweep(ctx)

	orchestrator := transcode.NewOrchestrator(ffmpeg, store, outputs, history, cfg.Transcode.Timeout, logger)

	var uploader *upload.Uploader
	if cfg.S3.Enabled() {
		uploader, err = upload.New(ctx, &cfg.S3, logger)
		if err != nil {
			return err
		}
		logger.Info("Object store uploads enabled", "bucket", cfg.S3.Bucket)
	}

	srv := server.New(&cfg.Server, server.Components{
		Library:      lib,
		Prober:       prober,
		Planner:      clipPlanner,
		Orchestrator: orchestrator,
		Store:        store,
		History:      history,
		Outputs:      outputs,
		Uploader:     uploader,
	}, logger)
	orchestrator.SetProgressReporter(srv)

	err = srv.Start(ctx)

	// In-flight renders are cancelled, then waited out, before the scratch
	// lock is released.
	store.CancelAll()
	orchestrator.Wait()
	logger.Info("jclipperd stopped")

	return err
}

// newLogger builds the process logger from the logging config.
func newLogger(cfg *config.LoggingConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.GetLogLevel()}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
