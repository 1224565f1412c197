package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"fastintercom/internal/config"
	"fastintercom/internal/db"
	"fastintercom/internal/logger"
	gormrepository "fastintercom/internal/repository/gorm"
)

var (
	cfgPath string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:           "fastintercom",
	Short:         "Mirror Intercom conversations into a local store and query them fast",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	defaultPath := os.Getenv("FI_CONFIG")
	if defaultPath == "" {
		defaultPath = config.DefaultPath()
	}
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", defaultPath, "configuration file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func envOnly() bool {
	raw := os.Getenv("FI_ENV_ONLY")
	return strings.EqualFold(raw, "true") || raw == "1"
}

// app holds what every command beyond init needs: config, logger and an
// opened, migrated store.
type app struct {
	cfg    config.Config
	logger *zap.Logger
	level  zap.AtomicLevel
	db     *db.DB
	store  *gormrepository.Store
}

func openApp() (*app, error) {
	if !envOnly() {
		if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found, run 'fastintercom init' first", cfgPath)
		}
	}
	cfg, err := config.Load(cfgPath, envOnly())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if verbose {
		cfg.Log.Level = "debug"
	}
	log, level, err := logger.New(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	conn, err := db.Open(cfg.DB)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.AutoMigrate(conn); err != nil {
		_ = db.Close(conn)
		return nil, fmt.Errorf("auto-migrate: %w", err)
	}
	return &app{
		cfg:    cfg,
		logger: log,
		level:  level,
		db:     conn,
		store:  gormrepository.New(conn.Gorm),
	}, nil
}

func (a *app) Close() {
	_ = a.logger.Sync()
	_ = db.Close(a.db)
}
