// Command dispatcher is the routing front door: it accepts per-user chat
// requests, provisions an isolated worker container per user on demand, and
// relays each request to the user's worker.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/nevindra/warren/dispatcher"
	"github.com/nevindra/warren/observer"
)

type config struct {
	Addr string `toml:"addr"`

	Worker struct {
		Image          string   `toml:"image"`
		Port           int      `toml:"port"`
		Network        string   `toml:"network"`
		ReadyTimeout   duration `toml:"ready_timeout"`
		HealthInterval duration `toml:"health_interval"`
		IdleTTL        duration `toml:"idle_ttl"`
	} `toml:"worker"`

	Model struct {
		ID          string  `toml:"id"`
		BaseURL     string  `toml:"base_url"`
		MaxTokens   int     `toml:"max_tokens"`
		Temperature float64 `toml:"temperature"`
	} `toml:"model"`

	Stores struct {
		RedisAddr  string `toml:"redis_addr"`
		STMWindow  int    `toml:"stm_window"`
		LTMBackend string `toml:"ltm_backend"` // chromem, sqlite, postgres
		LTMDSN     string `toml:"ltm_dsn"`
	} `toml:"stores"`

	Embedding struct {
		Model      string `toml:"model"`
		BaseURL    string `toml:"base_url"`
		Dimensions int    `toml:"dimensions"`
	} `toml:"embedding"`
}

// duration lets TOML carry values like "30s".
type duration struct{ time.Duration }

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	d.Duration = v
	return err
}

func loadConfig(path string) (config, error) {
	cfg := config{Addr: ":8080"}
	cfg.Worker.Image = "warren-worker:latest"
	cfg.Worker.Port = 8000
	cfg.Worker.Network = "warren-net"
	cfg.Worker.ReadyTimeout = duration{30 * time.Second}
	cfg.Worker.HealthInterval = duration{15 * time.Second}
	cfg.Stores.STMWindow = 5

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("load config %s: %w", path, err)
		}
	}

	// Env overrides.
	if v := os.Getenv("WARREN_ADDR"); v != "" {
		cfg.Addr = v
	}
	if v := os.Getenv("WARREN_WORKER_IMAGE"); v != "" {
		cfg.Worker.Image = v
	}
	if v := os.Getenv("WARREN_MODEL_ID"); v != "" {
		cfg.Model.ID = v
	}
	if v := os.Getenv("WARREN_REDIS_ADDR"); v != "" {
		cfg.Stores.RedisAddr = v
	}
	return cfg, nil
}

// workerEnv builds the env block injected into each worker container:
// identity, model configuration, store endpoints, and pass-through
// credentials. Secrets come only from the dispatcher's own environment.
func workerEnv(cfg config) func(user string) []string {
	return func(user string) []string {
		env := []string{
			"WARREN_USER=" + user,
			"WARREN_MODEL_ID=" + cfg.Model.ID,
			"WARREN_MODEL_BASE_URL=" + cfg.Model.BaseURL,
			fmt.Sprintf("WARREN_MODEL_MAX_TOKENS=%d", cfg.Model.MaxTokens),
			fmt.Sprintf("WARREN_MODEL_TEMPERATURE=%g", cfg.Model.Temperature),
			"WARREN_REDIS_ADDR=" + cfg.Stores.RedisAddr,
			fmt.Sprintf("WARREN_STM_WINDOW=%d", cfg.Stores.STMWindow),
			"WARREN_LTM_BACKEND=" + cfg.Stores.LTMBackend,
			"WARREN_LTM_DSN=" + cfg.Stores.LTMDSN,
			"WARREN_EMBED_MODEL=" + cfg.Embedding.Model,
			"WARREN_EMBED_BASE_URL=" + cfg.Embedding.BaseURL,
			fmt.Sprintf("WARREN_EMBED_DIMENSIONS=%d", cfg.Embedding.Dimensions),
		}
		for _, key := range []string{"WARREN_MODEL_API_KEY", "WARREN_EMBED_API_KEY"} {
			if v := os.Getenv(key); v != "" {
				env = append(env, key+"="+v)
			}
		}
		return env
	}
}

func main() {
	configPath := flag.String("config", "", "path to TOML config file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfg, err := loadConfig(*configPath)
	if err != nil {
		logger.Error("config load failed", "error", err)
		os.Exit(1)
	}
	if cfg.Model.ID == "" {
		logger.Error("model id is required (set [model] id or WARREN_MODEL_ID)")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Observability is opt-in via the standard OTEL endpoint env var.
	if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "" {
		_, shutdown, err := observer.Init(ctx, "warren-dispatcher")
		if err != nil {
			logger.Warn("observer init failed, continuing without", "error", err)
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

	runtime, err := dispatcher.NewDockerRuntime(cfg.Worker.Network, dispatcher.WithDockerLogger(logger))
	if err != nil {
		logger.Error("docker runtime init failed", "error", err)
		os.Exit(1)
	}
	defer runtime.Close()

	manager := dispatcher.NewManager(runtime, cfg.Worker.Image, cfg.Worker.Port,
		dispatcher.WithReadyTimeout(cfg.Worker.ReadyTimeout.Duration),
		dispatcher.WithHealthInterval(cfg.Worker.HealthInterval.Duration),
		dispatcher.WithIdleTTL(cfg.Worker.IdleTTL.Duration),
		dispatcher.WithWorkerEnv(workerEnv(cfg)),
		dispatcher.WithManagerLogger(logger),
	)
	if err := manager.Start(ctx); err != nil {
		logger.Error("manager start failed", "error", err)
		os.Exit(1)
	}

	d := dispatcher.New(manager,
		dispatcher.WithModelID(cfg.Model.ID),
		dispatcher.WithDispatcherLogger(logger),
	)
	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      d.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  time.Minute,
	}

	go func() {
		logger.Info("dispatcher listening", "addr", cfg.Addr, "image", cfg.Worker.Image)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		logger.Warn("server shutdown error", "error", err)
	}
	manager.Stop(shutCtx)
	logger.Info("stopped")
}
