package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/user/roomsync/internal/backend"
	"github.com/user/roomsync/internal/mapping"
	"github.com/user/roomsync/internal/matrix"
	"github.com/user/roomsync/internal/reconcile"
	"github.com/user/roomsync/internal/syncer"
	"github.com/user/roomsync/internal/types"
)

var syncLimit int

func init() {
	syncCmd.Flags().IntVar(&syncLimit, "limit", 0, "max messages to fetch (0 = config default)")
	rootCmd.AddCommand(syncCmd)
}

var syncCmd = &cobra.Command{
	Use:   "sync <roomID>",
	Short: "Reconcile one room's history with its session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		setupLogging(cfg)
		roomID := types.RoomID(args[0])

		if cfg.Matrix.HomeserverURL == "" || cfg.Matrix.AccessToken == "" {
			return fmt.Errorf("matrix.homeserver_url and matrix.access_token must be configured")
		}

		kv, closeKV, err := openKV(cfg)
		if err != nil {
			return err
		}
		defer closeKV()

		backendClient := backend.NewClient(cfg.Backend.BaseURL, cfg.Backend.Token)
		matrixClient := matrix.NewClient(cfg.Matrix.HomeserverURL, cfg.Matrix.AccessToken, types.UserID(cfg.Matrix.UserID))
		store := mapping.NewStore(kv, backendClient)
		coord := syncer.New(reconcile.New(matrixClient, backendClient), store, 1)

		ctx := context.Background()
		m, err := store.EnsureMappingExists(ctx, roomID, "")
		if err != nil {
			return fmt.Errorf("resolve mapping: %w", err)
		}

		opts := reconcile.Options{MessageLimit: cfg.Sync.MessageLimit}
		if syncLimit > 0 {
			opts.MessageLimit = syncLimit
		}
		result := coord.SyncRoom(ctx, roomID, m.SessionID, opts)

		fmt.Fprintf(os.Stdout, "room:    %s\n", roomID)
		fmt.Fprintf(os.Stdout, "session: %s\n", m.SessionID)
		fmt.Fprintf(os.Stdout, "remote:  %d  local: %d  added: %d\n",
			result.RemoteCount, result.LocalCount, result.AddedCount)
		for _, e := range result.Errors {
			fmt.Fprintf(os.Stderr, "warning: %s\n", e)
		}
		if !result.Success {
			return fmt.Errorf("sync failed")
		}
		return nil
	},
}
