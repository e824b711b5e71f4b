package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/net/netutil"

	"github.com/walnut-ai/was/internal/api"
	"github.com/walnut-ai/was/internal/config"
	"github.com/walnut-ai/was/internal/dispatch"
	"github.com/walnut-ai/was/internal/jobs"
	"github.com/walnut-ai/was/internal/platform"
	"github.com/walnut-ai/was/internal/scheduler"
	"github.com/walnut-ai/was/internal/storage"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the webhook, ticket and knowledge HTTP server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve knowledge search and ticket tools over MCP stdio",
	Long: `Serve knowledge search and ticket tools over MCP stdio.

Tickets created here are diagnosed by a running "was serve", which shares
the same database.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMCP()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server health and stored data",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(os.Stderr)
	},
}

func setupLogging(level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "was version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	var reload func(ctx context.Context) (int, error)
	if cfg.Corpus.Source != "" {
		reload = a.reloadCorpus
		if a.index.Count() == 0 {
			if _, err := reload(ctx); err != nil {
				slog.Warn("initial corpus load failed", "source", cfg.Corpus.Source, "error", err)
			}
		}
	}
	if a.index.Count() == 0 {
		slog.Warn("knowledge index is empty; every question will be escalated")
	}

	messengers, err := newMessengers(cfg)
	if err != nil {
		return err
	}

	// Background work outlives the signal context so in-flight answers
	// can finish during shutdown.
	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	sessions, persisted := a.sessions()
	disp := dispatch.New(sessions, a.assistant, a.tickets, messengers, dispatch.Config{
		MaxConcurrent: int64(cfg.Dispatch.MaxConcurrent),
		LaneBuffer:    cfg.Dispatch.LaneBuffer,
		LaneIdle:      cfg.Dispatch.LaneIdle,
	})
	disp.Start(runCtx)

	worker := jobs.NewWorker(a.store, cfg.Worker.Concurrency, cfg.Worker.PollInterval)
	worker.Handle(jobs.TypeDiagnose, jobs.DiagnoseHandler(a.tickets))
	worker.HandleExhausted(jobs.TypeDiagnose, jobs.DiagnoseExhausted(a.tickets))
	workerDone := make(chan struct{})
	go func() {
		worker.Run(runCtx)
		close(workerDone)
	}()

	var tasks []scheduler.Task
	if reload != nil {
		tasks = append(tasks, scheduler.CorpusReload(cfg.Corpus.ReloadSchedule, reload))
	}
	if persisted != nil {
		tasks = append(tasks, scheduler.SessionPurge(cfg.Session.PurgeSchedule, persisted))
	}
	sched := scheduler.New(tasks...)
	if err := sched.Start(runCtx); err != nil {
		return err
	}
	defer sched.Stop()

	_, telegramEnabled := messengers[platform.Telegram]
	handler := api.NewHandler(api.Deps{
		Tickets:         a.tickets,
		Knowledge:       a.index,
		Dispatcher:      disp,
		Sessions:        sessions,
		ReloadCorpus:    reload,
		Engine:          a.client,
		AdminToken:      cfg.Admin.Token,
		FeishuToken:     cfg.Feishu.VerificationToken,
		TelegramEnabled: telegramEnabled,
		TelegramSecret:  cfg.Telegram.WebhookSecret,
		TopK:            cfg.Retrieval.TopK,
		Threshold:       cfg.Retrieval.Threshold,
		Started:         time.Now(),
	})
	if cfg.Admin.Token == "" {
		slog.Warn("admin.token is not set; admin routes will reject every request")
	}

	addr := cfg.Server.ListenAddr()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	if cfg.Server.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, cfg.Server.MaxConnections)
	}
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return runCtx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("was listening", "addr", addr, "knowledge_entries", a.index.Count(), "platforms", len(messengers))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown", "error", err)
	}
	if !disp.WaitIdle(shutdownTimeout) {
		slog.Warn("dropping queued chat events at shutdown")
	}
	disp.Stop()
	cancelRun()
	<-workerDone
	return nil
}

func newMessengers(cfg config.Config) (map[string]platform.Messenger, error) {
	messengers := make(map[string]platform.Messenger)
	if cfg.Feishu.AppID != "" {
		messengers[platform.Feishu] = platform.NewFeishuClient(platform.FeishuConfig{
			AppID:     cfg.Feishu.AppID,
			AppSecret: cfg.Feishu.AppSecret,
			BaseURL:   cfg.Feishu.BaseURL,
		})
		slog.Info("feishu messenger enabled", "app_id", cfg.Feishu.AppID)
	}
	if cfg.Telegram.BotToken != "" {
		tg, err := platform.NewTelegramClient(platform.TelegramConfig{Token: cfg.Telegram.BotToken})
		if err != nil {
			return nil, fmt.Errorf("connecting telegram bot: %w", err)
		}
		messengers[platform.Telegram] = tg
		slog.Info("telegram messenger enabled", "username", tg.Username())
	}
	return messengers, nil
}

func runMCP() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Tickets:   a.tickets,
		Knowledge: a.index,
		TopK:      cfg.Retrieval.TopK,
		Threshold: cfg.Retrieval.Threshold,
		Version:   version,
	})
	slog.Info("MCP server started (stdio transport)", "knowledge_entries", a.index.Count())
	if err := server.NewStdioServer(mcpSrv).Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("MCP stdio server: %w", err)
	}
	return nil
}

type healthResponse struct {
	Status           string `json:"status"`
	UptimeSeconds    int64  `json:"uptime_seconds"`
	KnowledgeEntries int    `json:"knowledge_entries"`
	AnswerEngine     string `json:"answer_engine"`
}

func showStatus(w io.Writer) error {
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	client := &http.Client{Timeout: 3 * time.Second}
	health, err := fetchHealth(client, localURL(cfg.Server)+"/health?deep=true")
	if err != nil {
		printStatusTo(w, "Server", "stopped")
	} else {
		printStatusTo(w, "Server", "running on port %d, %s", cfg.Server.Port, formatUptime(health.UptimeSeconds))
		printStatusTo(w, "Knowledge", "%s entries", humanize.Comma(int64(health.KnowledgeEntries)))
		printStatusTo(w, "Answer engine", "%s (%s)", health.AnswerEngine, cfg.Answer.Model)
	}

	printStatusTo(w, "Data dir", "%s", cfg.Storage.DataDir)
	if info, err := os.Stat(cfg.Storage.DBPath()); err == nil {
		printStatusTo(w, "Database", "%s", humanize.Bytes(uint64(info.Size())))
	} else {
		printStatusTo(w, "Database", "not created yet")
		return nil
	}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		printError("opening storage: %v", err)
		return nil
	}
	defer store.Close()

	ctx := context.Background()
	if ms, err := store.Migrations(ctx); err == nil {
		printStatusTo(w, "Schema", "%s", formatSchema(ms))
	}
	if counts, err := store.CountTickets(ctx); err == nil {
		printStatusTo(w, "Tickets", "%s", formatCounts(counts))
	}
	if counts, err := store.CountJobs(ctx); err == nil {
		printStatusTo(w, "Jobs", "%s", formatCounts(counts))
	}
	if n, err := store.CountSessions(ctx); err == nil {
		printStatusTo(w, "Sessions", "%s persisted", humanize.Comma(int64(n)))
	}
	return nil
}

func fetchHealth(client *http.Client, url string) (healthResponse, error) {
	var h healthResponse
	resp, err := client.Get(url)
	if err != nil {
		return h, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return h, fmt.Errorf("health returned HTTP %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return h, fmt.Errorf("decoding health: %w", err)
	}
	return h, nil
}

func formatUptime(seconds int64) string {
	started := time.Now().Add(-time.Duration(seconds) * time.Second)
	return "up since " + humanize.Time(started)
}

// formatSchema names the latest applied migration and when it ran.
func formatSchema(ms []storage.Migration) string {
	if len(ms) == 0 {
		return "empty"
	}
	last := ms[len(ms)-1]
	return fmt.Sprintf("v%d, migrated %s", last.Version, humanize.Time(last.AppliedAt))
}

// formatCounts renders per-status counts in a stable order.
func formatCounts(counts map[string]int) string {
	if len(counts) == 0 {
		return "none"
	}
	keys := make([]string, 0, len(counts))
	total := 0
	for k, n := range counts {
		keys = append(keys, k)
		total += n
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s %d", k, counts[k])
	}
	return fmt.Sprintf("%s (%s)", humanize.Comma(int64(total)), strings.Join(parts, ", "))
}
