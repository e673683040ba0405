package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/roomsync/internal/backend"
	"github.com/user/roomsync/internal/mapping"
	"github.com/user/roomsync/internal/types"
)

var cleanupDays int

func init() {
	mappingsCleanupCmd.Flags().IntVar(&cleanupDays, "days", 0, "retention in days (0 = config default)")
	rootCmd.AddCommand(mappingsCmd)
	mappingsCmd.AddCommand(mappingsListCmd, mappingsShowCmd, mappingsCleanupCmd, mappingsRecoverCmd, mappingsRemoveCmd)
}

var mappingsCmd = &cobra.Command{
	Use:   "mappings",
	Short: "Manage room-to-session mappings",
}

func openStore() (*mapping.Store, func() error, error) {
	cfg := loadConfig()
	kv, closeKV, err := openKV(cfg)
	if err != nil {
		return nil, nil, err
	}
	backendClient := backend.NewClient(cfg.Backend.BaseURL, cfg.Backend.Token)
	return mapping.NewStore(kv, backendClient), closeKV, nil
}

var mappingsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all mappings",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, closeKV, err := openStore()
		if err != nil {
			return err
		}
		defer closeKV()

		list, err := store.List(context.Background())
		if err != nil {
			return fmt.Errorf("list mappings: %w", err)
		}
		if len(list) == 0 {
			fmt.Println("No mappings found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ROOM\tSESSION\tTITLE\tMEMBERS\tLAST USED")
		for _, m := range list {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
				m.RoomID,
				m.SessionID,
				m.Title,
				len(m.Participants),
				m.LastUsed.Format("2006-01-02 15:04:05"),
			)
		}
		return w.Flush()
	},
}

var mappingsShowCmd = &cobra.Command{
	Use:   "show <roomID>",
	Short: "Show one mapping in full",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, closeKV, err := openStore()
		if err != nil {
			return err
		}
		defer closeKV()

		m, ok, err := store.LookupByRoomID(context.Background(), types.RoomID(args[0]))
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("no mapping for room %s", args[0])
		}
		data, err := json.MarshalIndent(m, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(os.Stdout, string(data))
		return nil
	},
}

var mappingsCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove mappings unused past the retention window",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		store, closeKV, err := openStore()
		if err != nil {
			return err
		}
		defer closeKV()

		days := cfg.Sync.TTLDays
		if cleanupDays > 0 {
			days = cleanupDays
		}
		removed, err := store.CleanupStale(context.Background(), time.Duration(days)*24*time.Hour)
		if err != nil {
			return fmt.Errorf("cleanup: %w", err)
		}
		fmt.Fprintf(os.Stdout, "Removed %d stale mapping(s) older than %d days.\n", removed, days)
		return nil
	},
}

var mappingsRecoverCmd = &cobra.Command{
	Use:   "recover <sessionID>",
	Short: "Rebuild a mapping from a session's embedded metadata",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, closeKV, err := openStore()
		if err != nil {
			return err
		}
		defer closeKV()

		m, err := store.RecoverFromSession(context.Background(), types.SessionID(args[0]))
		if err != nil {
			return fmt.Errorf("recover: %w", err)
		}
		fmt.Fprintf(os.Stdout, "Recovered mapping %s -> %s\n", m.RoomID, m.SessionID)
		return nil
	},
}

var mappingsRemoveCmd = &cobra.Command{
	Use:   "remove <roomID>",
	Short: "Delete one mapping",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, closeKV, err := openStore()
		if err != nil {
			return err
		}
		defer closeKV()

		if err := store.Remove(context.Background(), types.RoomID(args[0])); err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Removed mapping for %s\n", args[0])
		return nil
	},
}
