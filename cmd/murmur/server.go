package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/murmurchat/murmur/internal/api"
	"github.com/murmurchat/murmur/internal/config"
	"github.com/murmurchat/murmur/internal/ingest"
	"github.com/murmurchat/murmur/internal/provider"
	"github.com/murmurchat/murmur/internal/queue"
	"github.com/murmurchat/murmur/internal/storage"
	"github.com/murmurchat/murmur/internal/summary"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the murmur server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running murmur server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show murmur system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "murmur.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "murmur version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	// Write PID file. Check if a server is already running via health endpoint.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("murmur is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("murmur is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Open storage and restore the previous session, if any.
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	repo := storage.NewSessionRepo(store, storage.DefaultSessionKey)
	state, err := repo.Load()
	if err != nil {
		return fmt.Errorf("restoring session: %w", err)
	}
	if state != nil {
		slog.Info("restored previous session",
			"messages", len(state.History),
			"queued", len(state.Queue))
	}

	// Register backend adapters. Ollama first so a fresh install with no
	// credentials defaults to the local backend.
	registry := provider.NewRegistry()
	registry.Register(provider.NewOllama(cfg.Ollama.BaseURL, cfg.Ollama.Model))
	registry.Register(provider.NewOpenAI(cfg.OpenAI.APIKey, "", cfg.OpenAI.Model))
	registry.Register(provider.NewAnthropic(cfg.Anthropic.APIKey, "", cfg.Anthropic.Model))
	registry.Register(provider.NewGemini(cfg.Gemini.APIKey, "", cfg.Gemini.Model))

	if cfg.Session.Provider != "" {
		if !registry.SetActive(cfg.Session.Provider) {
			printWarning("unknown provider %q in config, using %s", cfg.Session.Provider, registry.ActiveID())
		}
	}
	var update provider.ConfigUpdate
	if cfg.Session.Temperature > 0 {
		update.Temperature = &cfg.Session.Temperature
	}
	if cfg.Session.MaxTokens > 0 {
		update.MaxTokens = &cfg.Session.MaxTokens
	}
	if update.Temperature != nil || update.MaxTokens != nil {
		registry.UpdateSessionConfig(ctx, update)
	}

	synth := summary.NewSynthesizer(registry)
	engine := queue.NewEngine(registry, synth, repo, queue.Options{
		AutoProcess: cfg.Session.AutoProcess,
		Debounce:    time.Duration(cfg.Session.DebounceMS) * time.Millisecond,
	}, state)
	defer engine.Close()

	handler := api.NewHandler(engine, ingest.NewImporter())

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	// Build and start MCP server (stdio transport in a goroutine).
	mcpSrv := api.NewMCPServer(engine, version)
	stdioSrv := server.NewStdioServer(mcpSrv)
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
	}()
	slog.Info("MCP server started (stdio transport)")

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "murmur listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("murmur is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop murmur (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to murmur (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	httpClient := &http.Client{Timeout: 2 * time.Second}

	resp, err := httpClient.Get(serverURL + "/health")
	running := false
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == 200 {
			running = true
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	if running {
		client := newAPIClient(cfg)

		provResp, err := client.get(ctx, "/v1/providers")
		if err == nil {
			var providers struct {
				Active       string `json:"active"`
				Availability []struct {
					ID        string `json:"id"`
					Name      string `json:"name"`
					Local     bool   `json:"local"`
					Available bool   `json:"available"`
				} `json:"availability"`
			}
			if decodeJSON(provResp, &providers) == nil {
				printStatus("Provider", "%s", providers.Active)
				for _, p := range providers.Availability {
					state := "unavailable"
					if p.Available {
						state = "available"
					}
					printStatus("  "+p.Name, "%s", state)
				}
			}
		}

		stateResp, err := client.get(ctx, "/v1/state")
		if err == nil {
			var st struct {
				Stats struct {
					TotalMessages     int `json:"total_messages"`
					ProcessedMessages int `json:"processed_messages"`
					PendingMessages   int `json:"pending_messages"`
					IdeasExtracted    int `json:"ideas_extracted"`
				} `json:"stats"`
				AutoProcess bool `json:"auto_process"`
			}
			if decodeJSON(stateResp, &st) == nil {
				printStatus("Messages", "%d total, %d processed, %d pending",
					st.Stats.TotalMessages, st.Stats.ProcessedMessages, st.Stats.PendingMessages)
				printStatus("Ideas", "%d extracted", st.Stats.IdeasExtracted)
				printStatus("Auto-process", "%v", st.AutoProcess)
			}
		}
	}

	// Check local Ollama independently of the server.
	ollamaResp, err := httpClient.Get(cfg.Ollama.BaseURL + "/api/version")
	if err != nil {
		printStatus("Ollama", "not running")
	} else {
		ollamaResp.Body.Close()
		printStatus("Ollama", "running at %s", cfg.Ollama.BaseURL)
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
