// Command pmrouter is the routing engine daemon. It loads configuration,
// unseals credentials, validates everything, wires dependencies, sets up
// signal handling, and starts the application in the configured mode.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/calweber/pmrouter/internal/app"
	"github.com/calweber/pmrouter/internal/config"
	"github.com/calweber/pmrouter/internal/crypto"
)

func main() {
	configPath := flag.String("config", "config.toml", "path to configuration file")
	mode := flag.String("mode", "", "override the configured mode (server, keeper, sim, full)")
	flag.Parse()

	logger := newLogger("info", os.Stdout)
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config",
			slog.String("path", *configPath),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	if *mode != "" {
		cfg.Mode = *mode
	}

	// Sealed credentials fill otherwise-empty secret fields before
	// validation; explicit config and environment values win.
	if cfg.Secrets.EncryptedPath != "" {
		secrets, err := crypto.LoadSecrets(cfg.Secrets.EncryptedPath, cfg.Secrets.Password)
		if err != nil {
			logger.Error("failed to unseal secrets",
				slog.String("path", cfg.Secrets.EncryptedPath),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
		cfg.ApplySecrets(secrets)
	}

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Sim mode prints its report tables on stdout; keep the logs off it.
	logOut := io.Writer(os.Stdout)
	if strings.EqualFold(cfg.Mode, "sim") {
		logOut = os.Stderr
	}
	logger = newLogger(cfg.LogLevel, logOut)
	slog.SetDefault(logger)

	logger.Info("pmrouter starting",
		slog.String("mode", cfg.Mode),
		slog.String("config", *configPath),
	)

	application := app.New(cfg, logger)
	defer application.Close()

	// Graceful shutdown on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx); err != nil {
		// context.Canceled is expected on clean shutdown.
		if err == context.Canceled {
			logger.Info("application shut down gracefully")
		} else {
			logger.Error("application exited with error",
				slog.String("error", err.Error()),
			)
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			os.Exit(1)
		}
	}

	logger.Info("pmrouter stopped")
}

// newLogger builds a structured JSON logger at the given level.
func newLogger(level string, out io.Writer) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: lvl}))
}
