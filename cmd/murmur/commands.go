package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/murmurchat/murmur/internal/config"
)

// --- submit ---

var submitCmd = &cobra.Command{
	Use:   "submit <message>",
	Short: "Queue a message for the next batch",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		content := strings.Join(args, " ")

		client, err := loadClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/v1/messages", map[string]string{"content": content})
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Queued message %s", result["id"])
		return nil
	},
}

// --- drain ---

var drainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Process all queued messages now as a single batch",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := loadClient()
		if err != nil {
			return err
		}

		printStep("Draining queue...")
		resp, err := client.post(cmd.Context(), "/v1/queue/drain", nil)
		if err != nil {
			return err
		}

		var result struct {
			Error string `json:"error"`
			Stats struct {
				ProcessedMessages int `json:"processed_messages"`
				PendingMessages   int `json:"pending_messages"`
			} `json:"stats"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if result.Error != "" {
			printWarning("Batch failed: %s", result.Error)
			return nil
		}
		printSuccess("Batch processed (%d messages processed total, %d pending)",
			result.Stats.ProcessedMessages, result.Stats.PendingMessages)
		return nil
	},
}

// --- queue ---

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and edit the pending message queue",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued messages in processing order",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := loadClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/v1/state")
		if err != nil {
			return err
		}

		var st struct {
			Queue []struct {
				Message struct {
					ID      string `json:"id"`
					Content string `json:"content"`
				} `json:"message"`
				EnqueuedAt time.Time `json:"enqueued_at"`
			} `json:"queue"`
			IsProcessing bool `json:"is_processing"`
		}
		if err := decodeJSON(resp, &st); err != nil {
			return err
		}

		if st.IsProcessing {
			printStep("A batch is currently processing")
		}
		if len(st.Queue) == 0 {
			fmt.Println("Queue is empty.")
			return nil
		}

		for i, entry := range st.Queue {
			content := entry.Message.Content
			if len(content) > 80 {
				content = content[:80] + "..."
			}
			fmt.Printf("%2d. %s  %s\n", i+1,
				colorize(colorCyan, entry.Message.ID[:8]),
				content,
			)
		}
		return nil
	},
}

var queueRmCmd = &cobra.Command{
	Use:   "rm <id>",
	Short: "Remove a queued message before it is processed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := loadClient()
		if err != nil {
			return err
		}

		id, err := resolveQueueID(cmd, client, args[0])
		if err != nil {
			return err
		}

		resp, err := client.delete(cmd.Context(), "/v1/queue/"+id)
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Removed %s", result["removed"])
		return nil
	},
}

var queueUpCmd = &cobra.Command{
	Use:   "up <id>",
	Short: "Move a queued message one position toward the front",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := loadClient()
		if err != nil {
			return err
		}

		id, err := resolveQueueID(cmd, client, args[0])
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/v1/queue/"+id+"/promote", nil)
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Promoted %s", result["promoted"])
		return nil
	},
}

// resolveQueueID expands an id prefix to a full queued message id.
func resolveQueueID(cmd *cobra.Command, client *apiClient, prefix string) (string, error) {
	resp, err := client.get(cmd.Context(), "/v1/state")
	if err != nil {
		return "", err
	}

	var st struct {
		Queue []struct {
			Message struct {
				ID string `json:"id"`
			} `json:"message"`
		} `json:"queue"`
	}
	if err := decodeJSON(resp, &st); err != nil {
		return "", err
	}

	var match string
	for _, entry := range st.Queue {
		if strings.HasPrefix(entry.Message.ID, prefix) {
			if match != "" {
				return "", fmt.Errorf("id prefix %q is ambiguous", prefix)
			}
			match = entry.Message.ID
		}
	}
	if match == "" {
		return "", fmt.Errorf("no queued message with id %q", prefix)
	}
	return match, nil
}

func init() {
	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueRmCmd)
	queueCmd.AddCommand(queueUpCmd)
}

// --- providers ---

var providersCmd = &cobra.Command{
	Use:   "providers",
	Short: "List backend providers and their availability",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := loadClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/v1/providers")
		if err != nil {
			return err
		}

		var result struct {
			Active       string `json:"active"`
			Availability []struct {
				ID        string `json:"id"`
				Name      string `json:"name"`
				Local     bool   `json:"local"`
				Available bool   `json:"available"`
			} `json:"availability"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		for _, p := range result.Availability {
			marker := " "
			if p.ID == result.Active {
				marker = colorize(colorGreen, "●")
			}
			state := colorize(colorRed, "unavailable")
			if p.Available {
				state = colorize(colorGreen, "available")
			}
			kind := "hosted"
			if p.Local {
				kind = "local"
			}
			fmt.Printf(" %s %-12s %-8s %s\n", marker, p.ID, kind, state)
		}
		return nil
	},
}

var useCmd = &cobra.Command{
	Use:   "use <provider>",
	Short: "Switch the active provider",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := loadClient()
		if err != nil {
			return err
		}

		resp, err := client.put(cmd.Context(), "/v1/providers/active", map[string]string{"id": args[0]})
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Active provider: %s", result["active"])
		return nil
	},
}

// --- auto ---

var autoCmd = &cobra.Command{
	Use:   "auto <on|off>",
	Short: "Toggle automatic batch processing",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var enabled bool
		switch args[0] {
		case "on":
			enabled = true
		case "off":
			enabled = false
		default:
			return fmt.Errorf("argument must be on or off, got %q", args[0])
		}

		client, err := loadClient()
		if err != nil {
			return err
		}

		resp, err := client.put(cmd.Context(), "/v1/settings", map[string]any{"auto_process": enabled})
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Auto-process %s", args[0])
		return nil
	},
}

// --- summary ---

var summaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Synthesize a summary of the conversation so far",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := loadClient()
		if err != nil {
			return err
		}

		printStep("Synthesizing summary...")
		resp, err := client.post(cmd.Context(), "/v1/summary", nil)
		if err != nil {
			return err
		}

		var doc struct {
			Status      string `json:"status"`
			Title       string `json:"title"`
			Overview    string `json:"overview"`
			KeyInsights []struct {
				Title string `json:"title"`
				Body  string `json:"body"`
			} `json:"keyInsights"`
			GeneratedIdeas []struct {
				Title    string `json:"title"`
				Body     string `json:"body"`
				Priority string `json:"priority"`
			} `json:"generatedIdeas"`
			ActionItems []struct {
				Title    string `json:"title"`
				Priority string `json:"priority"`
			} `json:"actionItems"`
			OpenQuestions []string `json:"openQuestions"`
			NextSteps     []string `json:"nextSteps"`
		}
		if err := decodeJSON(resp, &doc); err != nil {
			return err
		}

		if doc.Status == "empty" {
			fmt.Println("No conversation to summarize yet.")
			return nil
		}

		if doc.Title != "" {
			fmt.Println(colorize(colorBold, doc.Title))
		}
		if doc.Overview != "" {
			fmt.Printf("\n%s\n", doc.Overview)
		}
		if len(doc.KeyInsights) > 0 {
			fmt.Printf("\n%s\n", colorize(colorBold, "Key insights"))
			for _, it := range doc.KeyInsights {
				fmt.Printf("  • %s\n", it.Title)
			}
		}
		if len(doc.GeneratedIdeas) > 0 {
			fmt.Printf("\n%s\n", colorize(colorBold, "Ideas"))
			for _, it := range doc.GeneratedIdeas {
				fmt.Printf("  • [%s] %s\n", it.Priority, it.Title)
			}
		}
		if len(doc.ActionItems) > 0 {
			fmt.Printf("\n%s\n", colorize(colorBold, "Action items"))
			for _, it := range doc.ActionItems {
				fmt.Printf("  • [%s] %s\n", it.Priority, it.Title)
			}
		}
		if len(doc.OpenQuestions) > 0 {
			fmt.Printf("\n%s\n", colorize(colorBold, "Open questions"))
			for _, q := range doc.OpenQuestions {
				fmt.Printf("  • %s\n", q)
			}
		}
		if len(doc.NextSteps) > 0 {
			fmt.Printf("\n%s\n", colorize(colorBold, "Next steps"))
			for _, s := range doc.NextSteps {
				fmt.Printf("  • %s\n", s)
			}
		}
		return nil
	},
}

// --- import ---

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import a conversation transcript",
	Long: `Import a conversation transcript into the session.

Examples:
  murmur import --file ./transcript.txt
  murmur import --pdf ./meeting-notes.pdf
  murmur import --url https://example.com/chatlog`,
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")
		pdf, _ := cmd.Flags().GetString("pdf")
		url, _ := cmd.Flags().GetString("url")

		if file == "" && pdf == "" && url == "" {
			return fmt.Errorf("one of --file, --pdf, or --url is required")
		}

		req := map[string]string{}
		switch {
		case file != "":
			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("reading file: %w", err)
			}
			req["type"] = "text"
			req["content"] = string(data)
		case pdf != "":
			abs, err := absPath(pdf)
			if err != nil {
				return err
			}
			req["type"] = "pdf"
			req["path"] = abs
		case url != "":
			req["type"] = "url"
			req["url"] = url
		}

		client, err := loadClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/v1/import", req)
		if err != nil {
			return err
		}

		var result map[string]int
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Imported %d turns", result["imported"])
		return nil
	},
}

func absPath(p string) (string, error) {
	info, err := os.Stat(p)
	if err != nil {
		return "", fmt.Errorf("checking path: %w", err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("%s is a directory", p)
	}
	return p, nil
}

func init() {
	importCmd.Flags().String("file", "", "plain-text transcript file")
	importCmd.Flags().String("pdf", "", "PDF transcript file (path must be readable by the server)")
	importCmd.Flags().String("url", "", "URL to fetch and import")
}

// --- key ---

var keyCmd = &cobra.Command{
	Use:   "key <provider> <api-key>",
	Short: "Install an API key for a hosted provider",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		providerID, apiKey := args[0], args[1]

		// Persist for future runs.
		if err := config.SetKey(providerID+".api_key", apiKey); err != nil {
			return err
		}

		// Push to the running server too, if there is one.
		client, err := loadClient()
		if err == nil {
			resp, err := client.put(cmd.Context(), "/v1/settings", map[string]any{
				"credential_provider": providerID,
				"credential":          apiKey,
			})
			if err == nil {
				resp.Body.Close()
				printSuccess("Key installed and pushed to running server")
				return nil
			}
		}

		printSuccess("Key saved; it takes effect on next server start")
		return nil
	},
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

		keys := config.ShowAll(cfg)
		for _, k := range keys {
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

var configKeysCmd = &cobra.Command{
	Use:   "keys",
	Short: "List valid configuration keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(config.ValidKeys())
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configKeysCmd)
	rootCmd.AddCommand(keyCmd)
}
