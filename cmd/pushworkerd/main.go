// Command pushworkerd runs the background worker: the process that owns
// the platform subscription, listens for inbound push events from the
// relay, renders system notifications and routes activations back to a
// foreground instance over the IPC socket.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/veloxchat/pushkit/internal/config"
	"github.com/veloxchat/pushkit/internal/worker"
)

func main() {
	cfg, err := config.Load("pushworkerd", os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	slog.Info("starting pushworkerd",
		"relay_url", cfg.RelayURL,
		"socket_path", cfg.SocketPath,
		"data_dir", cfg.DataDir,
	)

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		slog.Error("failed to create data directory", "error", err)
		os.Exit(1)
	}

	platform, err := worker.NewPlatform(cfg.RelayURL, cfg.DataDir)
	if err != nil {
		slog.Error("failed to restore platform state", "error", err)
		os.Exit(1)
	}

	var notifier worker.Notifier
	switch cfg.Notifier {
	case "log":
		notifier = worker.LogNotifier{}
	default:
		notifier = &worker.ExecNotifier{}
	}

	open := func(url string) error {
		return exec.Command(cfg.OpenCommand, url).Start()
	}

	w := worker.New(platform, notifier, cfg.SocketPath, open)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := w.Run(ctx); err != nil {
		slog.Error("worker error", "error", err)
		os.Exit(1)
	}

	slog.Info("pushworkerd stopped")
}
