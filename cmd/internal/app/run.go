package app

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// Run loads configuration, builds the App and serves until SIGINT or SIGTERM.
// It returns an error instead of calling os.Exit to keep defers effective.
func Run(ctx context.Context, envFile string) error {
	cfg, err := LoadConfig(envFile)
	if err != nil {
		return err
	}
	log := NewLogger(cfg.LogLevel, cfg.LogFormat, os.Stdout)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := New(ctx, cfg, log)
	if err != nil {
		return err
	}
	return a.Run(ctx)
}
