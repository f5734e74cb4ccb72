// Command worker runs one user's reasoning agent behind an HTTP surface.
// It is normally launched by the dispatcher as an agent-{user} container
// with its configuration injected through the environment.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	warren "github.com/nevindra/warren"
	"github.com/nevindra/warren/ltm/chromem"
	"github.com/nevindra/warren/ltm/postgres"
	ltmsqlite "github.com/nevindra/warren/ltm/sqlite"
	"github.com/nevindra/warren/observer"
	"github.com/nevindra/warren/provider/resolve"
	stmredis "github.com/nevindra/warren/stm/redis"
	"github.com/nevindra/warren/tools/calc"
	"github.com/nevindra/warren/tools/file"
	"github.com/nevindra/warren/tools/websearch"
	"github.com/nevindra/warren/worker"
)

const defaultSystemPrompt = `You are a helpful assistant. Use the available tools when they help you answer accurately, and answer from your own knowledge otherwise. Be concise.`

type config struct {
	addr string
	user string

	modelID     string
	modelAPIKey string
	modelURL    string
	maxTokens   int
	temperature float64

	redisAddr string
	stmWindow int
	stmTTL    time.Duration

	ltmBackend string // "", "chromem", "sqlite", "postgres"
	ltmDSN     string

	embedModel   string
	embedAPIKey  string
	embedURL     string
	embedDim     int

	maxSteps  int
	topN      int
	filesRoot string
}

func loadConfig() config {
	cfg := config{
		addr:      ":8000",
		stmWindow: 5,
		maxSteps:  8,
		topN:      5,
	}
	cfg.user = os.Getenv("WARREN_USER")
	cfg.modelID = os.Getenv("WARREN_MODEL_ID")
	cfg.modelAPIKey = os.Getenv("WARREN_MODEL_API_KEY")
	cfg.modelURL = os.Getenv("WARREN_MODEL_BASE_URL")
	cfg.redisAddr = os.Getenv("WARREN_REDIS_ADDR")
	cfg.ltmBackend = os.Getenv("WARREN_LTM_BACKEND")
	cfg.ltmDSN = os.Getenv("WARREN_LTM_DSN")
	cfg.embedModel = os.Getenv("WARREN_EMBED_MODEL")
	cfg.embedAPIKey = os.Getenv("WARREN_EMBED_API_KEY")
	cfg.embedURL = os.Getenv("WARREN_EMBED_BASE_URL")
	cfg.filesRoot = os.Getenv("WARREN_FILES_ROOT")

	if v := os.Getenv("WARREN_WORKER_ADDR"); v != "" {
		cfg.addr = v
	}
	if n, err := strconv.Atoi(os.Getenv("WARREN_MODEL_MAX_TOKENS")); err == nil && n > 0 {
		cfg.maxTokens = n
	}
	if f, err := strconv.ParseFloat(os.Getenv("WARREN_MODEL_TEMPERATURE"), 64); err == nil && f > 0 {
		cfg.temperature = f
	}
	if n, err := strconv.Atoi(os.Getenv("WARREN_STM_WINDOW")); err == nil && n > 0 {
		cfg.stmWindow = n
	}
	if d, err := time.ParseDuration(os.Getenv("WARREN_STM_TTL")); err == nil && d > 0 {
		cfg.stmTTL = d
	}
	if n, err := strconv.Atoi(os.Getenv("WARREN_EMBED_DIMENSIONS")); err == nil && n > 0 {
		cfg.embedDim = n
	}
	if n, err := strconv.Atoi(os.Getenv("WARREN_MAX_STEPS")); err == nil && n > 0 {
		cfg.maxSteps = n
	}
	if n, err := strconv.Atoi(os.Getenv("WARREN_TOP_N")); err == nil && n > 0 {
		cfg.topN = n
	}
	return cfg
}

// openLTM wires the configured long-term memory backend, or none.
func openLTM(ctx context.Context, cfg config, logger *slog.Logger) (warren.LongTermStore, error) {
	switch cfg.ltmBackend {
	case "", "none":
		return nil, nil
	case "chromem":
		if cfg.ltmDSN != "" {
			return chromem.Open(cfg.ltmDSN, chromem.WithLogger(logger))
		}
		return chromem.New(chromem.WithLogger(logger)), nil
	case "sqlite":
		return ltmsqlite.Open(ctx, cfg.ltmDSN, ltmsqlite.WithLogger(logger))
	case "postgres":
		return postgres.Open(ctx, cfg.ltmDSN)
	default:
		logger.Warn("unknown long-term memory backend, disabling", "backend", cfg.ltmBackend)
		return nil, nil
	}
}

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	cfg := loadConfig()

	if cfg.user == "" || cfg.modelID == "" || cfg.redisAddr == "" {
		logger.Error("WARREN_USER, WARREN_MODEL_ID, and WARREN_REDIS_ADDR are required")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Model family resolution happens exactly once, here. A bad model ID
	// means the container exits instead of failing mid-conversation.
	provider, err := resolve.Provider(resolve.Config{
		ModelID:     cfg.modelID,
		APIKey:      cfg.modelAPIKey,
		BaseURL:     cfg.modelURL,
		MaxTokens:   cfg.maxTokens,
		Temperature: cfg.temperature,
	})
	if err != nil {
		logger.Error("model resolution failed", "model", cfg.modelID, "error", err)
		os.Exit(1)
	}

	var inst *observer.Instruments
	if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "" {
		var shutdown func(context.Context) error
		inst, shutdown, err = observer.Init(ctx, "warren-worker")
		if err != nil {
			logger.Warn("observer init failed, continuing without", "error", err)
			inst = nil
		} else {
			defer func() {
				shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := shutdown(shutCtx); err != nil {
					logger.Warn("observer shutdown failed", "error", err)
				}
			}()
		}
	}
	if inst != nil {
		provider = observer.WrapProvider(provider, inst)
	}
	provider = warren.WithRetry(provider,
		warren.RetryCallTimeout(60*time.Second),
		warren.RetryLogger(logger),
	)

	stm, err := stmredis.Open(ctx, cfg.redisAddr,
		stmredis.WithWindow(cfg.stmWindow),
		stmredis.WithTTL(cfg.stmTTL),
	)
	if err != nil {
		logger.Error("short-term store init failed", "error", err)
		os.Exit(1)
	}
	defer stm.Close()

	ltm, err := openLTM(ctx, cfg, logger)
	if err != nil {
		logger.Error("long-term store init failed", "backend", cfg.ltmBackend, "error", err)
		os.Exit(1)
	}
	if ltm != nil {
		defer ltm.Close()
	}

	tools := []warren.Tool{calc.New(), websearch.New()}
	if cfg.filesRoot != "" {
		tools = append(tools, file.New(cfg.filesRoot))
	}
	if inst != nil {
		for i, t := range tools {
			tools[i] = observer.WrapTool(t, inst)
		}
	}

	opts := []warren.AgentOption{
		warren.WithTools(tools...),
		warren.WithSystemPrompt(defaultSystemPrompt),
		warren.WithMaxSteps(cfg.maxSteps),
		warren.WithTopN(cfg.topN),
		warren.WithAgentLogger(logger),
		warren.WithSlashCommands(
			warren.SlashCommand{Prefix: "/calc", Tool: "calculator", Param: "expression"},
			warren.SlashCommand{Prefix: "/search", Tool: "web_search", Param: "query"},
			warren.SlashCommand{Prefix: "/read", Tool: "read_file", Param: "path"},
		),
	}
	if ltm != nil && cfg.embedModel != "" {
		embedding := resolve.EmbeddingProvider(resolve.EmbeddingConfig{
			Model:      cfg.embedModel,
			APIKey:     cfg.embedAPIKey,
			BaseURL:    cfg.embedURL,
			Dimensions: cfg.embedDim,
		})
		opts = append(opts, warren.WithLongTermMemory(ltm, embedding))
	}

	agent := warren.NewAgent(provider, stm, opts...)
	defer agent.Close()

	srv := worker.New(agent, cfg.user, worker.WithLogger(logger), worker.WithInstruments(inst))
	httpSrv := &http.Server{
		Addr:         cfg.addr,
		Handler:      srv.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  time.Minute,
	}

	go func() {
		logger.Info("worker listening", "addr", cfg.addr, "user", cfg.user, "model", cfg.modelID)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			stop()
		}
	}()
	srv.SetReady(true)

	<-ctx.Done()
	logger.Info("shutting down")

	shutCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutCtx); err != nil {
		logger.Warn("server shutdown error", "error", err)
	}
	logger.Info("stopped")
}
