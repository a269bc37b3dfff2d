package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/membank/membank/internal/config"
)

// --- sync ---

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Pull changed records into the offline cache",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		defer c.Close()

		counts, err := c.IncrementalSync(cmd.Context())
		if err != nil {
			return err
		}

		printSuccess("Synced: %d created, %d updated, %d deleted", counts.Created, counts.Updated, counts.Deleted)
		return nil
	},
}

// --- status ---

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show connectivity and offline cache status",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		c, err := newClient()
		if err != nil {
			return err
		}
		defer c.Close()

		if err := c.Health(cmd.Context()); err != nil {
			printStatus("Server", "unreachable (%v)", err)
		} else {
			printStatus("Server", "reachable at %s", cfg.API.BaseURL)
		}

		state := c.State()
		printStatus("Online", "%t", state.Online)
		if state.LastFreshness != "" {
			printStatus("Last read", "%s", state.LastFreshness)
		}

		if last := c.LastSyncAt(); last.IsZero() {
			printStatus("Offline cache", "never synced")
		} else {
			label := fmt.Sprintf("synced %s ago", time.Since(last).Round(time.Second))
			if c.OfflineStale() {
				label += " (stale)"
			}
			printStatus("Offline cache", "%s", label)
		}

		printStatus("Pending writes", "%d", len(c.PendingWrites()))
		printStatus("Scope", "%s/%s", cfg.API.Org, cfg.API.Project)
		printStatus("Data dir", "%s", cfg.Storage.DataDir)
		return nil
	},
}

// --- pending ---

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "Show writes that never reached the server",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		defer c.Close()

		ops := c.PendingWrites()
		if len(ops) == 0 {
			fmt.Println("No pending writes.")
			return nil
		}
		for _, op := range ops {
			fmt.Printf("%s  %s %s  %s\n",
				colorize(colorCyan, op.ID[:8]),
				op.Method, op.Path,
				op.QueuedAt.Format(time.RFC3339),
			)
		}
		return nil
	},
}

var pendingClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Discard all pending writes",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		defer c.Close()

		if err := c.ClearPendingWrites(); err != nil {
			return err
		}
		printSuccess("Pending writes cleared")
		return nil
	},
}

func init() {
	pendingCmd.AddCommand(pendingClearCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
