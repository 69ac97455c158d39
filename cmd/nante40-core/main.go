// Command nante40-core serves the room chat WebSocket endpoint.
//
// Usage:
//
//	nante40-core [serve]
//	nante40-core seed -room <uid> -user <name> [-status active|banned|suspended]
//	nante40-core revoke -session <uid>
//	nante40-core deactivate -user <uid>
//
// Configuration is read from the environment; see package config.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/CGuiho/nante40-core/config"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	cmd := "serve"
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := newLogger(cfg.Mode)

	switch cmd {
	case "serve":
		return serve(ctx, cfg, log)
	case "seed":
		return seed(ctx, cfg, log, args)
	case "revoke":
		return revoke(ctx, cfg, log, args)
	case "deactivate":
		return deactivate(ctx, cfg, log, args)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func newLogger(mode config.Mode) *slog.Logger {
	if mode == config.ModeLocal {
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
}
