package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/walnut-ai/was/internal/config"
	"github.com/walnut-ai/was/internal/corpus"
	"github.com/walnut-ai/was/internal/platform"
	"github.com/walnut-ai/was/internal/retrieval"
	"github.com/walnut-ai/was/internal/ticket"
)

// --- corpus ---

var corpusCmd = &cobra.Command{
	Use:   "corpus",
	Short: "Manage the knowledge corpus",
}

var corpusRebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Read a corpus source and replace the persisted knowledge index",
	Long: `Read a corpus source and replace the persisted knowledge index.

Supported sources are .json, .jsonl, .yaml, .md and .pdf files, optionally
compressed as .gz, .zst or .lz4. On any error the existing index is kept.

Examples:
  was corpus rebuild --source ./knowledge_base.json
  was corpus rebuild --source ./faq.md.gz`,
	RunE: func(cmd *cobra.Command, args []string) error {
		source, _ := cmd.Flags().GetString("source")

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		setupLogging("warn")
		if source == "" {
			source = cfg.Corpus.Source
		}

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		a, err := newApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		printStep("Indexing %s", source)
		start := time.Now()
		n, err := a.loadCorpus(ctx, source)
		var le *corpus.LoadError
		if errors.As(err, &le) {
			printError("%v", le)
			return fmt.Errorf("corpus unchanged (%s entries kept)", humanize.Comma(int64(a.index.Count())))
		}
		if err != nil {
			return err
		}
		printSuccess("Indexed %s entries in %s", humanize.Comma(int64(n)), time.Since(start).Round(time.Millisecond))
		printWarning("A running server keeps its old index until POST /admin/corpus/reload or a restart")
		return nil
	},
}

func init() {
	corpusRebuildCmd.Flags().String("source", "", "corpus source file (default: corpus.source)")
	corpusCmd.AddCommand(corpusRebuildCmd)
}

// --- search ---

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search the knowledge base of the running server",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		topK, _ := cmd.Flags().GetInt("top-k")
		threshold, _ := cmd.Flags().GetFloat64("threshold")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return runSearch(cmd.Context(), client, os.Stdout, strings.Join(args, " "), topK, threshold)
	},
}

func init() {
	searchCmd.Flags().Int("top-k", 0, "maximum number of matches (default: server setting)")
	searchCmd.Flags().Float64("threshold", -1, "minimum similarity (default: server setting)")
}

func runSearch(ctx context.Context, client *apiClient, w io.Writer, query string, topK int, threshold float64) error {
	if ctx == nil {
		ctx = context.Background()
	}
	q := url.Values{"q": {query}}
	if topK > 0 {
		q.Set("top_k", strconv.Itoa(topK))
	}
	if threshold >= 0 {
		q.Set("threshold", strconv.FormatFloat(threshold, 'f', -1, 64))
	}

	resp, err := client.get(ctx, "/api/knowledge/search?"+q.Encode())
	if err != nil {
		return err
	}
	var result struct {
		NoMatch bool              `json:"no_match"`
		Matches []retrieval.Match `json:"matches"`
	}
	if err := decodeJSON(resp, &result); err != nil {
		return err
	}

	if result.NoMatch {
		fmt.Fprintln(w, "No matching knowledge. This question would be escalated to a human.")
		return nil
	}
	for i, m := range result.Matches {
		fmt.Fprintf(w, "\n%s [score: %.3f]\n", colorize(colorBold, fmt.Sprintf("%d. %s", i+1, m.Title)), m.Score)
		fmt.Fprintf(w, "  %s\n", truncate(m.Content, 500))
	}
	return nil
}

// --- tickets ---

var ticketsCmd = &cobra.Command{
	Use:     "tickets",
	Aliases: []string{"ticket"},
	Short:   "List, inspect and answer support tickets",
}

var ticketsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tickets, newest activity first",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return runTicketsList(cmd.Context(), client, os.Stdout, status, limit)
	},
}

var ticketsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a ticket and its conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return runTicketShow(cmd.Context(), client, os.Stdout, args[0])
	},
}

var ticketsRespondCmd = &cobra.Command{
	Use:   "respond <id> <reply>",
	Short: "Reply as a support agent and resolve the ticket",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		body := map[string]string{"content": strings.Join(args[1:], " ")}
		return runTicketAction(cmd.Context(), client, args[0], "respond", body)
	},
}

var ticketsCloseCmd = &cobra.Command{
	Use:   "close <id>",
	Short: "Close a resolved ticket",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return runTicketAction(cmd.Context(), client, args[0], "close", nil)
	},
}

func init() {
	ticketsListCmd.Flags().String("status", "", "filter by status (open, ai_processing, human_needed, resolved, closed)")
	ticketsListCmd.Flags().Int("limit", 20, "maximum number of tickets to list")
	ticketsCmd.AddCommand(ticketsListCmd)
	ticketsCmd.AddCommand(ticketsShowCmd)
	ticketsCmd.AddCommand(ticketsRespondCmd)
	ticketsCmd.AddCommand(ticketsCloseCmd)
}

func runTicketsList(ctx context.Context, client *apiClient, w io.Writer, status string, limit int) error {
	if ctx == nil {
		ctx = context.Background()
	}
	q := url.Values{"limit": {strconv.Itoa(limit)}}
	if status != "" {
		q.Set("status", status)
	}
	resp, err := client.get(ctx, "/api/tickets?"+q.Encode())
	if err != nil {
		return err
	}
	var tickets []ticket.Ticket
	if err := decodeJSON(resp, &tickets); err != nil {
		return err
	}

	if len(tickets) == 0 {
		fmt.Fprintln(w, "No tickets found.")
		return nil
	}
	for _, t := range tickets {
		fmt.Fprintf(w, "%s  %-13s %-14s %s\n",
			colorize(colorCyan, shortID(t.ID)),
			colorize(statusColor(t.Status), string(t.Status)),
			humanize.Time(t.UpdatedAt),
			truncate(t.Title, 60),
		)
	}
	return nil
}

func runTicketShow(ctx context.Context, client *apiClient, w io.Writer, id string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	resp, err := client.get(ctx, "/api/tickets/"+url.PathEscape(id))
	if err != nil {
		return err
	}
	var t ticket.Ticket
	if err := decodeJSON(resp, &t); err != nil {
		return err
	}

	fmt.Fprintf(w, "%s %s\n", colorize(colorBold, t.Title), colorize(statusColor(t.Status), "["+string(t.Status)+"]"))
	fmt.Fprintf(w, "  id: %s  user: %s  category: %s\n", t.ID, t.UserID, t.Category)
	fmt.Fprintf(w, "  opened %s, updated %s\n", humanize.Time(t.CreatedAt), humanize.Time(t.UpdatedAt))
	for _, m := range t.Messages {
		fmt.Fprintf(w, "\n%s %s\n%s\n",
			colorize(colorBold, string(m.Role)),
			m.Timestamp.Local().Format(time.DateTime),
			m.Content,
		)
	}
	return nil
}

func runTicketAction(ctx context.Context, client *apiClient, id, action string, body any) error {
	if ctx == nil {
		ctx = context.Background()
	}
	resp, err := client.post(ctx, "/api/tickets/"+url.PathEscape(id)+"/"+action, body)
	if err != nil {
		return err
	}
	var t ticket.Ticket
	if err := decodeJSON(resp, &t); err != nil {
		return err
	}
	printSuccess("Ticket %s is now %s", shortID(t.ID), t.Status)
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// --- session ---

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage chat sessions",
}

var sessionClearCmd = &cobra.Command{
	Use:       "clear <platform> <user_id>",
	Short:     "Forget a user's conversation context",
	Args:      cobra.ExactArgs(2),
	ValidArgs: []string{platform.Feishu, platform.Telegram},
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		resp, err := client.delete(ctx, "/admin/sessions/"+url.PathEscape(args[0])+"/"+url.PathEscape(args[1]))
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Cleared %s session for %s", args[0], args[1])
		return nil
	},
}

func init() {
	sessionCmd.AddCommand(sessionClearCmd)
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
		printConfig(os.Stdout, config.ShowAll(cfg))
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: `Set a configuration value.

Secrets (API keys and tokens) are written to the owner-only secrets file;
everything else goes to the config file. Run "was config show" for keys.`,
	Args:      cobra.ExactArgs(2),
	ValidArgs: config.ValidKeys(),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		if err := config.SetKey(key, value); err != nil {
			return err
		}
		printSuccess("Set %s", key)
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:       "unset <key>",
	Short:     "Remove a configuration value so its default applies",
	Args:      cobra.ExactArgs(1),
	ValidArgs: config.ValidKeys(),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UnsetKey(args[0]); err != nil {
			return err
		}
		printSuccess("Unset %s", args[0])
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configUnsetCmd)
}

func printConfig(w io.Writer, keys []config.KeyInfo) {
	for _, k := range keys {
		fmt.Fprintf(w, "  %s = %s  (%s)\n", colorize(colorBold, k.Key), k.Value, k.EnvVar)
	}
}
