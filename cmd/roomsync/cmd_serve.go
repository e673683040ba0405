package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/roomsync/internal/backend"
	"github.com/user/roomsync/internal/dispatch"
	"github.com/user/roomsync/internal/httpapi"
	"github.com/user/roomsync/internal/mapping"
	"github.com/user/roomsync/internal/matrix"
	"github.com/user/roomsync/internal/reconcile"
	"github.com/user/roomsync/internal/roomstate"
	"github.com/user/roomsync/internal/scheduler"
	"github.com/user/roomsync/internal/syncer"
	"github.com/user/roomsync/internal/types"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the roomsync daemon",
	RunE:  runServe,
}

func writePIDFile(dataDir string) (string, error) {
	pidPath := filepath.Join(dataDir, "roomsync.pid")
	pid := os.Getpid()
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(pid)+"\n"), 0644); err != nil {
		return "", fmt.Errorf("write PID file: %w", err)
	}
	return pidPath, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)

	if cfg.Matrix.HomeserverURL == "" || cfg.Matrix.AccessToken == "" {
		return fmt.Errorf("matrix.homeserver_url and matrix.access_token must be configured")
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	pidPath, err := writePIDFile(cfg.DataDir)
	if err != nil {
		return err
	}
	defer os.Remove(pidPath)

	kv, closeKV, err := openKV(cfg)
	if err != nil {
		return err
	}
	defer closeKV()

	backendClient := backend.NewClient(cfg.Backend.BaseURL, cfg.Backend.Token)
	matrixClient := matrix.NewClient(cfg.Matrix.HomeserverURL, cfg.Matrix.AccessToken, types.UserID(cfg.Matrix.UserID))

	store := mapping.NewStore(kv, backendClient)
	tracker := roomstate.New(store)
	reconciler := reconcile.New(matrixClient, backendClient)
	coord := syncer.New(reconciler, store, int64(cfg.Sync.MaxConcurrent))
	syncOpts := reconcile.Options{MessageLimit: cfg.Sync.MessageLimit}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Event routing: state events feed the room tracker, new messages
	// trigger a reconcile pass for their room.
	registry := dispatch.NewRegistry()
	registry.Register("m.room.", tracker.HandleRoomEvent)
	registry.Register("m.room.message", func(_ context.Context, ev *types.RoomEvent) error {
		m, err := store.EnsureMappingExists(ctx, ev.RoomID, "")
		if err != nil {
			return err
		}
		// A mapping created from a message event has no roster yet; pull
		// the full member list once instead of waiting for state events.
		if len(m.Participants) == 0 {
			if err := tracker.SeedParticipants(ctx, matrixClient, ev.RoomID); err != nil {
				slog.Warn("seed participants failed", "room_id", ev.RoomID, "error", err)
			}
		}
		go func() {
			result := coord.SyncRoom(ctx, ev.RoomID, m.SessionID, syncOpts)
			if result.AddedCount > 0 {
				slog.Info("room synced", "room_id", ev.RoomID, "added", result.AddedCount)
			}
		}()
		return nil
	})

	stream := matrix.NewStream(matrixClient, registry, kv)
	go stream.Start(ctx)

	sched := scheduler.New(store, coord, scheduler.Config{
		SweepSchedule:  cfg.Sync.SweepSchedule,
		ResyncSchedule: cfg.Sync.ResyncSchedule,
		MaxAge:         time.Duration(cfg.Sync.TTLDays) * 24 * time.Hour,
		SyncOpts:       syncOpts,
	})
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()

	httpServer := &http.Server{
		Addr:    cfg.HTTP.Listen,
		Handler: httpapi.NewServer(store, coord),
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server failed", "error", err)
		}
	}()

	slog.Info("roomsync started",
		"data_dir", cfg.DataDir,
		"storage", cfg.Storage.Driver,
		"homeserver", cfg.Matrix.HomeserverURL,
		"backend", cfg.Backend.BaseURL,
		"http", cfg.HTTP.Listen,
		"max_concurrent", cfg.Sync.MaxConcurrent,
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	slog.Info("shutting down")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	httpServer.Shutdown(shutdownCtx)
	return nil
}
