package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jessevdk/go-flags"
	"go.uber.org/zap"

	"github.com/fedmesh/cotrain/config"
	"github.com/fedmesh/cotrain/logging"
	"github.com/fedmesh/cotrain/server"
)

// Binary version, passed during the build with '-ldflags "-X main.version="'.
var version = "unknown"

// cotrainMain is the true entry point. This function is required since defers
// created in the top-level scope of a main method aren't executed if
// os.Exit() is called.
func cotrainMain() error {
	var err error
	// Start with a default config with sane settings.
	cfg := config.DefaultConfig()
	// Pre-parse the command line to check for an alternative config file.
	cfg, err = config.ParseFlags(cfg)
	if err != nil {
		return err
	}
	// Load the configuration file, overwriting defaults.
	cfg, err = config.ReadConfigFile(cfg)
	if err != nil {
		return err
	}
	cfg, err = config.SetupConfig(cfg)
	if err != nil {
		return err
	}
	// Parse the command line again so flags take precedence over the file.
	cfg, err = config.ParseFlags(cfg)
	if err != nil {
		return err
	}

	logLevel := zap.InfoLevel
	if cfg.DebugLog {
		logLevel = zap.DebugLevel
	}
	logger := logging.New(logLevel, cfg.LogFile(), cfg.JSONLog)
	ctx := logging.NewContext(context.Background(), logger)

	defer func() {
		logger.Info("shutdown complete")
	}()

	logger.Sugar().Infof("version: %s, dir: %v, datadir: %v, contract: %v",
		version, cfg.CotrainDir, cfg.DataDir, cfg.ContractID)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := server.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	defer srv.Close()

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("failure in server: %w", err)
	}

	return nil
}

func main() {
	// Call the "real" main in a nested manner so the defers will properly
	// be executed in the case of a graceful shutdown.
	if err := cotrainMain(); err != nil {
		// The flag utility already printed help output.
		if e, ok := err.(*flags.Error); !ok || e.Type != flags.ErrHelp {
			_, _ = fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}
