// Command voxbridge runs the Voxbridge realtime-room voice agent.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/voxbridge/voxbridge/internal/app"
	"github.com/voxbridge/voxbridge/internal/config"
	"github.com/voxbridge/voxbridge/internal/observe"
	oaembed "github.com/voxbridge/voxbridge/pkg/provider/embeddings/openai"
	oais2s "github.com/voxbridge/voxbridge/pkg/provider/s2s/openai"
	"github.com/voxbridge/voxbridge/pkg/room/wsroom"
)

// defaultEmbeddingModel is used when transcript persistence is enabled but no
// embedding model is configured.
const defaultEmbeddingModel = "text-embedding-3-small"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// Local development secrets; absence is not an error.
	_ = godotenv.Load(".env.local")

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxbridge: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxbridge: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("voxbridge starting",
		"config", *configPath,
		"room", cfg.Room.Name,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "voxbridge",
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Providers ─────────────────────────────────────────────────────────────
	providers, err := buildProviders(cfg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	application, err := app.New(ctx, cfg, providers)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("agent ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// buildProviders instantiates the room platform, the speech-to-speech provider
// and (when persistence is configured) the embeddings provider from cfg.
func buildProviders(cfg *config.Config) (*app.Providers, error) {
	apiKey := cfg.Provider.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}

	roomOpts := []wsroom.Option{
		wsroom.WithIdentity(cfg.Room.Identity, cfg.Room.DisplayName),
	}
	if cfg.Room.Token != "" {
		roomOpts = append(roomOpts, wsroom.WithToken(cfg.Room.Token))
	}

	s2sOpts := []oais2s.Option{}
	if cfg.Provider.Model != "" {
		s2sOpts = append(s2sOpts, oais2s.WithModel(cfg.Provider.Model))
	}
	if cfg.Provider.BaseURL != "" {
		s2sOpts = append(s2sOpts, oais2s.WithBaseURL(cfg.Provider.BaseURL))
	}

	ps := &app.Providers{
		Room: wsroom.New(cfg.Room.URL, roomOpts...),
		S2S:  oais2s.New(apiKey, s2sOpts...),
	}

	if cfg.Memory.PostgresDSN != "" {
		model := cfg.Memory.EmbeddingModel
		if model == "" {
			model = defaultEmbeddingModel
		}
		emb, err := oaembed.New(apiKey, model)
		if err != nil {
			return nil, fmt.Errorf("create embeddings provider: %w", err)
		}
		ps.Embeddings = emb
		slog.Info("transcript persistence enabled", "embedding_model", model)
	}

	return ps, nil
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
