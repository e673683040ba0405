package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/user/roomsync/internal/config"
	"github.com/user/roomsync/internal/kvstore"
	"github.com/user/roomsync/internal/types"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:           "roomsync",
	Short:         "Bridge Matrix rooms to local agent sessions",
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config",
		filepath.Join(os.Getenv("HOME"), ".roomsync", "config.json"),
		"config file path")
}

func loadConfig() *config.Config {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func setupLogging(cfg *config.Config) {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

// openKV selects the persistence substrate from config. The returned close
// func is a no-op for the file store.
func openKV(cfg *config.Config) (types.KVStore, func() error, error) {
	switch cfg.Storage.Driver {
	case "sqlite":
		db, err := kvstore.OpenSQLite(filepath.Join(cfg.DataDir, "roomsync.db"))
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return db, db.Close, nil
	case "", "file":
		return kvstore.NewFile(filepath.Join(cfg.DataDir, "roomsync.json")), func() error { return nil }, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage driver: %s", cfg.Storage.Driver)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
