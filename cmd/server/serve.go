package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/KevinKickass/FieldPoller/internal/config"
	"github.com/KevinKickass/FieldPoller/internal/logging"
	"github.com/KevinKickass/FieldPoller/internal/storage"
	"github.com/KevinKickass/FieldPoller/internal/system"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the poll engine and the HTTP API",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	// leer = nur Defaults und FP_* Umgebungsvariablen
	serveCmd.Flags().StringP("config", "c", "", "path to config file")
}

func runServe(cmd *cobra.Command, args []string) error {
	configFile, _ := cmd.Flags().GetString("config")

	// Config laden
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}

	// Logger initialisieren
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Sync()

	logger.Info("Config loaded successfully", zap.String("path", configFile))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Datenbank verbinden
	store, err := storage.Open(ctx, cfg.Database)
	if err != nil {
		logger.Error("Failed to connect to database", zap.Error(err))
		return err
	}
	defer store.Close()

	logger.Info("Database connected successfully", zap.String("driver", cfg.Database.Driver))

	lifecycle, err := system.NewLifecycleManager(ctx, store, cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize system", zap.Error(err))
		return err
	}

	if err := lifecycle.Start(); err != nil {
		logger.Error("Failed to start system", zap.Error(err))
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		lifecycle.Shutdown(shutdownCtx)
		return err
	}

	// Signal oder Remote-Shutdown
	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case <-lifecycle.Done():
		logger.Info("Shutdown requested via API")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := lifecycle.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown failed", zap.Error(err))
		return fmt.Errorf("shutdown failed: %w", err)
	}

	logger.Info("FieldPoller stopped successfully")
	return nil
}
