package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/membank/membank/internal/client"
)

func splitTags(tagsStr string) []string {
	if tagsStr == "" {
		return nil
	}
	tags := strings.Split(tagsStr, ",")
	for i := range tags {
		tags[i] = strings.TrimSpace(tags[i])
	}
	return tags
}

// noteFreshness tells the user when a read was not served live.
func noteFreshness(f client.Freshness) {
	switch f {
	case client.FreshnessStale:
		printWarning("Served from cache; refreshing in the background")
	case client.FreshnessOffline:
		printWarning("Server unreachable; served from offline cache")
	}
}

func printMemory(m client.Memory) {
	fmt.Printf("%s\n", colorize(colorBold, m.Key))
	if len(m.Tags) > 0 {
		fmt.Printf("  Tags: %s\n", strings.Join(m.Tags, ", "))
	}
	if m.Priority != 0 {
		fmt.Printf("  Priority: %d\n", m.Priority)
	}
	fmt.Printf("  %s\n", m.Content)
}

// --- store ---

var storeCmd = &cobra.Command{
	Use:   "store <key> <content>",
	Short: "Store a memory record",
	Long: `Store a memory record.

Examples:
  membank store deploy-steps "Run make release, then tag the commit"
  membank store go-style "Prefer table tests" --tags preference,go --priority 5`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		tagsStr, _ := cmd.Flags().GetString("tags")
		priority, _ := cmd.Flags().GetInt("priority")
		metaStr, _ := cmd.Flags().GetString("metadata")

		m := client.Memory{
			Key:      args[0],
			Content:  args[1],
			Tags:     splitTags(tagsStr),
			Priority: priority,
		}
		if metaStr != "" {
			if err := json.Unmarshal([]byte(metaStr), &m.Metadata); err != nil {
				return fmt.Errorf("invalid --metadata JSON: %w", err)
			}
		}

		c, err := newClient()
		if err != nil {
			return err
		}
		defer c.Close()

		if _, err := c.StoreMemory(cmd.Context(), m); err != nil {
			var netErr *client.NetworkError
			if errors.As(err, &netErr) {
				queueFailedWrite(c, "POST", "/memories", m)
			}
			return err
		}

		printSuccess("Stored memory %q", m.Key)
		return nil
	},
}

// queueFailedWrite records an unconfirmed mutation in the pending-write
// ledger so it shows up in diagnostics. Nothing replays it.
func queueFailedWrite(c *client.Client, method, path string, body any) {
	data, err := json.Marshal(body)
	if err != nil {
		data = nil
	}
	if err := c.QueueWrite(method, path, data); err != nil {
		printWarning("Could not record pending write: %v", err)
		return
	}
	printWarning("Server unreachable; write recorded in pending ledger (membank pending)")
}

func init() {
	storeCmd.Flags().String("tags", "", "comma-separated tags")
	storeCmd.Flags().Int("priority", 0, "relative priority, higher sorts first")
	storeCmd.Flags().String("metadata", "", "metadata as a JSON object")
}

// --- get ---

var getCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Fetch a memory by key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")

		c, err := newClient()
		if err != nil {
			return err
		}
		defer c.Close()

		m, freshness, err := c.GetMemory(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if m == nil {
			return fmt.Errorf("memory %q not found", args[0])
		}
		noteFreshness(freshness)

		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(m)
		}
		printMemory(*m)
		return nil
	},
}

func init() {
	getCmd.Flags().Bool("json", false, "print the memory as JSON")
}

// --- search ---

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search memories by substring",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := strings.Join(args, " ")
		limit, _ := cmd.Flags().GetInt("limit")

		c, err := newClient()
		if err != nil {
			return err
		}
		defer c.Close()

		memories, freshness, err := c.SearchMemories(cmd.Context(), query, limit)
		if err != nil {
			return err
		}
		noteFreshness(freshness)

		if len(memories) == 0 {
			fmt.Println("No memories found.")
			return nil
		}
		for _, m := range memories {
			printMemory(m)
		}
		return nil
	},
}

func init() {
	searchCmd.Flags().Int("limit", 10, "maximum number of results")
}

// --- list ---

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List memories, most recently updated first",
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")

		c, err := newClient()
		if err != nil {
			return err
		}
		defer c.Close()

		memories, freshness, err := c.ListMemories(cmd.Context())
		if err != nil {
			return err
		}
		noteFreshness(freshness)

		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(memories)
		}

		if len(memories) == 0 {
			fmt.Println("No memories found.")
			return nil
		}
		for _, m := range memories {
			content := m.Content
			if len(content) > 80 {
				content = content[:80] + "..."
			}
			fmt.Printf("%s  %s\n", colorize(colorCyan, m.Key), content)
		}
		return nil
	},
}

func init() {
	listCmd.Flags().Bool("json", false, "print memories as JSON")
}

// --- update ---

var updateCmd = &cobra.Command{
	Use:   "update <key>",
	Short: "Update fields of a memory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fields := map[string]any{}
		if cmd.Flags().Changed("content") {
			content, _ := cmd.Flags().GetString("content")
			fields["content"] = content
		}
		if cmd.Flags().Changed("tags") {
			tagsStr, _ := cmd.Flags().GetString("tags")
			fields["tags"] = splitTags(tagsStr)
		}
		if cmd.Flags().Changed("priority") {
			priority, _ := cmd.Flags().GetInt("priority")
			fields["priority"] = priority
		}
		if len(fields) == 0 {
			return fmt.Errorf("nothing to update: pass --content, --tags, or --priority")
		}

		c, err := newClient()
		if err != nil {
			return err
		}
		defer c.Close()

		path := "/memories/" + args[0]
		if _, err := c.UpdateMemory(cmd.Context(), args[0], fields); err != nil {
			var netErr *client.NetworkError
			if errors.As(err, &netErr) {
				queueFailedWrite(c, "PATCH", path, fields)
			}
			return err
		}

		printSuccess("Updated memory %q", args[0])
		return nil
	},
}

func init() {
	updateCmd.Flags().String("content", "", "new content")
	updateCmd.Flags().String("tags", "", "comma-separated tags")
	updateCmd.Flags().Int("priority", 0, "relative priority")
}

// --- delete ---

var deleteCmd = &cobra.Command{
	Use:   "delete <key>",
	Short: "Delete a memory by key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		defer c.Close()

		if err := c.DeleteMemory(cmd.Context(), args[0]); err != nil {
			var netErr *client.NetworkError
			if errors.As(err, &netErr) {
				queueFailedWrite(c, "DELETE", "/memories/"+args[0], nil)
			}
			return err
		}

		printSuccess("Deleted memory %q", args[0])
		return nil
	},
}
