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

	"github.com/kalambet/inkwell/internal/api"
	"github.com/kalambet/inkwell/internal/assembler"
	"github.com/kalambet/inkwell/internal/branches"
	"github.com/kalambet/inkwell/internal/config"
	"github.com/kalambet/inkwell/internal/continuity"
	"github.com/kalambet/inkwell/internal/entities"
	"github.com/kalambet/inkwell/internal/extraction"
	"github.com/kalambet/inkwell/internal/generation"
	"github.com/kalambet/inkwell/internal/hooks"
	"github.com/kalambet/inkwell/internal/jobs"
	"github.com/kalambet/inkwell/internal/limiter"
	"github.com/kalambet/inkwell/internal/llm"
	"github.com/kalambet/inkwell/internal/manuscript"
	"github.com/kalambet/inkwell/internal/storage"
	"github.com/kalambet/inkwell/internal/style"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the inkwell server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running inkwell server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show inkwell system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "inkwell.pid")
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

func logLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// parseDuration reads a validated duration string, falling back to def.
func parseDuration(name, value string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		slog.Warn("invalid duration, using default", "key", name, "value", value, "default", def)
		return def
	}
	return d
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

func continuityConfig(c config.ContinuityConfig) continuity.Config {
	cc := continuity.DefaultConfig()
	cc.PassScore = c.PassScore
	cc.RejectScore = c.RejectScore
	cc.Weights = continuity.Weights{
		Opening:  c.Weights.Opening,
		Event:    c.Weights.Event,
		Hook:     c.Weights.Hook,
		Timeline: c.Weights.Timeline,
	}
	cc.NearMatchRatio = c.NearMatchRatio
	return cc
}

func generationAgents(in map[string]config.Agent) map[string]generation.Agent {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]generation.Agent, len(in))
	for name, a := range in {
		out[name] = generation.Agent{Model: a.Model, Temperature: a.Temperature, SystemPrompt: a.SystemPrompt}
	}
	return out
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "inkwell version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel(cfg.Log.Level)})))

	apiToken, err := config.GetAPIToken(config.NewSecrets())
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	slog.Info("API bearer token available")

	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("inkwell is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("inkwell is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	adapter, err := llm.Detect(ctx, llm.DetectConfig{
		Provider: cfg.LLM.Provider,
		OpenAI: llm.OpenAIConfig{
			BaseURL:           cfg.LLM.BaseURL,
			APIKey:            cfg.LLM.APIKey,
			Model:             cfg.LLM.Model,
			RequestsPerMinute: cfg.LLM.RequestsPerMinute,
			Timeout:           parseDuration("llm.timeout", cfg.LLM.Timeout, 5*time.Minute),
		},
		OllamaURL:   cfg.LLM.OllamaURL,
		OllamaModel: cfg.LLM.OllamaModel,
	})
	if err != nil {
		return fmt.Errorf("detecting model provider: %w", err)
	}
	model := cfg.LLM.Model
	if oc, ok := adapter.(*llm.OllamaClient); ok {
		if err := oc.EnsureModel(ctx, os.Stderr); err != nil {
			return err
		}
		model = cfg.LLM.OllamaModel
	}
	extractionModel := cfg.LLM.ExtractionModel
	if extractionModel == "" {
		extractionModel = model
	}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	lim := limiter.New(limiter.Config{
		MaxConcurrent: cfg.Limiter.MaxConcurrent,
		CallTimeout:   parseDuration("limiter.call_timeout", cfg.Limiter.CallTimeout, limiter.DefaultCallTimeout),
	})

	assessor, err := continuity.NewAssessor(continuityConfig(cfg.Continuity))
	if err != nil {
		return fmt.Errorf("continuity config: %w", err)
	}

	gate := entities.NewGate(store)
	tracker := hooks.NewTracker(store, store, hooks.DefaultConfig())
	styles := style.NewManagerWithClock(store, wallClock{}, parseDuration("style.cache_ttl", cfg.Style.CacheTTL, time.Minute))
	layering := assembler.Layering{
		RecentChapters:  cfg.Generation.RecentChapters,
		SummaryChapters: cfg.Generation.SummaryChapters,
	}

	gen, err := generation.New(generation.Deps{
		Store:     store,
		Assembler: assembler.New(store, cfg.Generation.ContextTokens, layering),
		Assessor:  assessor,
		Hooks:     tracker,
		Entities:  gate,
		Style:     styles,
		Adapter:   adapter,
		Limiter:   lim,
	}, generation.Config{
		Model:             model,
		Temperature:       cfg.Generation.Temperature,
		MaxTokens:         cfg.Generation.MaxTokens,
		MaxRepairAttempts: cfg.Generation.MaxRepairAttempts,
		Budget:            assembler.Budget{MaxTokens: cfg.Generation.ContextTokens, Layering: &layering},
		Agents:            generationAgents(cfg.Agents),
	})
	if err != nil {
		return fmt.Errorf("building generator: %w", err)
	}
	branchGen := branches.NewGenerator(gen, store, branches.Config{Keep: cfg.Branches.Keep})
	extractor := extraction.NewExtractor(store, tracker, gate, adapter, lim, extractionModel)

	pollInterval := parseDuration("jobs.poll_interval", cfg.Jobs.PollInterval, 500*time.Millisecond)
	poolDone := make(chan struct{})
	go func() {
		defer close(poolDone)
		jobs.RunPool(ctx, cfg.Jobs.Workers, func() *jobs.Worker {
			w := jobs.NewWorker(store, pollInterval)
			w.Register(jobs.TypeGenerateChapter, gen.HandleJob)
			w.Register(jobs.TypeGenerateBranches, branchGen.HandleJob)
			extractor.Register(w)
			return w
		})
	}()
	slog.Info("job workers started", "workers", cfg.Jobs.Workers, "poll_interval", pollInterval)

	appHandler := api.NewAppHandler(api.AppDeps{
		Store:     store,
		Generator: gen,
		Branches:  branchGen,
		Hooks:     tracker,
		Entities:  gate,
		Importer:  manuscript.NewImporter(store),
		Style:     styles,
		Limiter:   lim,
		Token:     apiToken,
	})

	if cfg.Server.MCPStdio {
		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Store:     store,
			Generator: gen,
			Branches:  branchGen,
			Hooks:     tracker,
			Entities:  gate,
		})
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           appHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "inkwell listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		stop()
		<-poolDone
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = srv.Shutdown(shutdownCtx)
	<-poolDone
	return err
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
		printError("inkwell is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop inkwell (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to inkwell (PID %d)", pid)
	return nil
}

type healthResponse struct {
	Status  string         `json:"status"`
	Limiter *limiter.Stats `json:"limiter,omitempty"`
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	client := &apiClient{
		baseURL:    fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port),
		httpClient: &http.Client{Timeout: 2 * time.Second},
	}

	var health healthResponse
	resp, err := client.get(ctx, "/health")
	switch {
	case err != nil:
		printStatus("Server", "stopped")
	default:
		if err := decodeJSON(resp, &health); err != nil {
			printStatus("Server", "error (%v)", err)
		} else {
			printStatus("Server", "running on port %d", cfg.Server.Port)
		}
	}
	if health.Limiter != nil {
		printStatus("Model calls", "%d in flight, %d waiting (max %d)", health.Limiter.InFlight, health.Limiter.Waiting, health.Limiter.MaxConcurrent)
		printStatus("Call totals", "%d calls, %d timeouts", health.Limiter.Calls, health.Limiter.Timeouts)
	}

	switch cfg.LLM.Provider {
	case llm.ProviderOllama:
		printStatus("Provider", "ollama at %s", cfg.LLM.OllamaURL)
		printStatus("Model", "%s", cfg.LLM.OllamaModel)
	default:
		printStatus("Provider", "%s (%s)", cfg.LLM.Provider, cfg.LLM.BaseURL)
		printStatus("Model", "%s", cfg.LLM.Model)
	}

	if health.Status == "ok" {
		if c, err := newAPIClient(); err == nil {
			var queued []any
			if resp, err := c.get(ctx, "/jobs?status=queued&limit=100"); err == nil && decodeJSON(resp, &queued) == nil {
				printStatus("Queued jobs", "%s", countLabel(len(queued), 100))
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func countLabel(count, limit int) string {
	if count >= limit {
		return fmt.Sprintf("%d+", count)
	}
	return fmt.Sprintf("%d", count)
}
