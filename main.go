// Package main implements a motion-triggered snapshot recorder.
//
// The application reads frames from a camera, video file or RTSP/HTTP stream,
// compares each one against an adaptive background model and stores a JPEG
// snapshot, with the changed region outlined, whenever the foreground mask's
// standard deviation reaches the configured threshold.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
)

// setupLogger configures structured logging based on the specified format.
func setupLogger(format string) *slog.Logger {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}

	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	case "kv":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

func main() {
	config, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(config.LogFormat).With("session", uuid.NewString())
	slog.SetDefault(logger)

	for _, warning := range config.Warnings {
		logger.Warn("Configuration problem", "detail", warning)
	}

	var privacy string
	if config.Privacy != nil {
		privacy = config.Privacy.String()
	}
	logger.Info("Starting Stream Motion Recorder",
		"input", config.Input,
		"deviation", config.Deviation,
		"output", config.OutputDir,
		"prefix", config.Prefix,
		"timeout", config.Timeout,
		"privacy", privacy,
		"model", config.Model,
		"erode", config.ErodeSize,
		"log_format", config.LogFormat,
	)

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle interrupt signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("Received shutdown signal, stopping...")
		cancel()
	}()

	detector, err := NewDetector(config, logger)
	if err != nil {
		logger.Error("Failed to create detector", "error", err)
		os.Exit(1)
	}
	defer detector.Close()

	summary, err := detector.Run(ctx)
	if err != nil {
		logger.Error("Detector failed", "error", err)
		os.Exit(1)
	}

	logger.Info("Stream Motion Recorder stopped",
		"frames", summary.Frames,
		"events", summary.Events,
		"write_errors", summary.WriteErrors,
		"elapsed_seconds", int64(summary.Elapsed.Seconds()))
}
