// Package app wires all Voxbridge subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run executes the room-serving loop and the admin HTTP server,
// and Shutdown tears everything down in order.
//
// For testing, inject mock implementations via functional options
// (WithSessionStore, WithSemanticIndex, …). When an option is not provided,
// New creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/voxbridge/voxbridge/internal/agent"
	"github.com/voxbridge/voxbridge/internal/config"
	"github.com/voxbridge/voxbridge/internal/health"
	"github.com/voxbridge/voxbridge/internal/observe"
	"github.com/voxbridge/voxbridge/internal/preconnect"
	"github.com/voxbridge/voxbridge/internal/voicecmd"
	"github.com/voxbridge/voxbridge/pkg/memory"
	"github.com/voxbridge/voxbridge/pkg/memory/postgres"
	"github.com/voxbridge/voxbridge/pkg/provider/embeddings"
	"github.com/voxbridge/voxbridge/pkg/provider/s2s"
	"github.com/voxbridge/voxbridge/pkg/room"
	"github.com/voxbridge/voxbridge/pkg/room/wsroom"
)

// adminShutdownTimeout bounds graceful shutdown of the admin HTTP server.
const adminShutdownTimeout = 5 * time.Second

// Providers holds the external backends the app talks to. Populated by
// main.go from the config; tests hand in mocks.
type Providers struct {
	// Room is the realtime room transport. Must not be nil.
	Room room.Platform

	// S2S creates speech-to-speech model sessions. Must not be nil.
	S2S s2s.Provider

	// Embeddings produces vectors for the semantic index. May be nil; the
	// semantic index is then skipped.
	Embeddings embeddings.Provider
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	sessions memory.SessionStore
	semantic memory.SemanticIndex
	healthH  *health.Handler
	metrics  *observe.Metrics
	log      *slog.Logger

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithSessionStore injects a session store instead of creating one from config.
func WithSessionStore(s memory.SessionStore) Option {
	return func(a *App) { a.sessions = s }
}

// WithSemanticIndex injects a semantic index instead of creating one from config.
func WithSemanticIndex(s memory.SemanticIndex) Option {
	return func(a *App) { a.semantic = s }
}

// WithMetrics injects a metrics set instead of using the global meter provider.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go. Use Option functions to inject test doubles.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.Room == nil {
		return nil, errors.New("app: room platform is required")
	}
	if providers.S2S == nil {
		return nil, errors.New("app: s2s provider is required")
	}

	a := &App{
		cfg:       cfg,
		providers: providers,
		healthH:   health.New(),
	}
	for _, o := range opts {
		o(a)
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	if err := a.initMemory(ctx); err != nil {
		return nil, fmt.Errorf("app: init memory: %w", err)
	}

	return a, nil
}

// initMemory sets up the PostgreSQL transcript store unless mocks were injected
// or persistence is disabled.
func (a *App) initMemory(ctx context.Context) error {
	if a.sessions != nil || a.semantic != nil {
		return nil // injected
	}

	dsn := a.cfg.Memory.PostgresDSN
	if dsn == "" {
		a.log.Warn("transcript persistence disabled: no postgres dsn configured")
		return nil
	}

	dims := a.cfg.Memory.EmbeddingDimensions
	if dims <= 0 {
		dims = 1536 // matches OpenAI text-embedding-3-small
	}

	store, err := postgres.NewStore(ctx, dsn, dims)
	if err != nil {
		return err
	}

	a.sessions = store.Sessions()
	a.semantic = store.Semantic()
	a.healthH.Set("database", store.Ping)
	a.closers = append(a.closers, func() error {
		store.Close()
		return nil
	})
	return nil
}

// Run starts the room-serving loop and the admin HTTP server, blocking until
// ctx is cancelled or a subsystem fails fatally.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if a.cfg.Server.ListenAddr != "" {
		g.Go(func() error { return a.serveAdmin(gctx) })
	}
	g.Go(func() error { return a.serveRoom(gctx) })

	return g.Wait()
}

// adminMux builds the handler for the admin endpoint: health probes plus the
// Prometheus metrics exposition.
func (a *App) adminMux() *http.ServeMux {
	mux := http.NewServeMux()
	a.healthH.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

// serveAdmin runs the health and metrics HTTP endpoint.
func (a *App) serveAdmin(ctx context.Context) error {
	srv := &http.Server{Addr: a.cfg.Server.ListenAddr, Handler: a.adminMux()}

	errCh := make(chan error, 1)
	go func() {
		a.log.Info("admin endpoint listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("app: admin server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), adminShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Warn("admin server shutdown", "error", err)
		}
		return nil
	}
}

// serveRoom joins the configured room and serves it with an [agent.Agent],
// reconnecting with backoff when the connection drops.
func (a *App) serveRoom(ctx context.Context) error {
	connCh := make(chan room.Connection, 1)
	rc := wsroom.NewReconnector(wsroom.ReconnectorConfig{
		Platform: a.providers.Room,
		RoomName: a.cfg.Room.Name,
		OnReconnect: func(c room.Connection) {
			select {
			case connCh <- c:
			default:
			}
		},
	})

	conn, err := rc.Connect(ctx)
	if err != nil {
		return fmt.Errorf("app: join room %q: %w", a.cfg.Room.Name, err)
	}
	rc.Monitor(ctx)
	defer func() { _ = rc.Stop() }()

	for {
		a.healthH.Set("room", roomCheck(conn))

		ag, err := a.buildAgent(conn)
		if err != nil {
			return err
		}
		runErr := ag.Run(ctx)
		if ctx.Err() != nil {
			return nil
		}
		a.log.Warn("room connection lost", "room", a.cfg.Room.Name, "error", runErr)
		a.healthH.Set("room", func(context.Context) error {
			return errors.New("reconnecting")
		})

		rc.NotifyDisconnect()
		select {
		case conn = <-connCh:
		case <-ctx.Done():
			return nil
		}
	}
}

// buildAgent assembles the conversation orchestrator for one connection.
func (a *App) buildAgent(conn room.Connection) (*agent.Agent, error) {
	drain := preconnect.PromptShutdown
	if a.cfg.Preconnect.DrainMode == config.DrainAll {
		drain = preconnect.DrainAll
	}

	ag, err := agent.New(agent.Config{
		Conn:     conn,
		Provider: a.providers.S2S,
		SessionConfig: s2s.SessionConfig{
			Model:         a.cfg.Provider.Model,
			Voice:         a.cfg.Provider.Voice,
			Instructions:  a.cfg.Provider.Instructions,
			Transcription: a.cfg.Provider.Transcription,
			Temperature:   a.cfg.Provider.Temperature,
		},
		Sessions:       a.sessions,
		Semantic:       a.semantic,
		Embedder:       a.providers.Embeddings,
		Detector:       voicecmd.New(),
		Topic:          a.cfg.Preconnect.Topic,
		SampleRateAttr: a.cfg.Preconnect.SampleRateAttr,
		ChannelsAttr:   a.cfg.Preconnect.ChannelsAttr,
		DrainPolicy:    drain,
		FrameMs:        a.cfg.Preconnect.FrameMs,
		Health:         a.healthH,
		Logger:         a.log,
		Metrics:        a.metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("app: build agent: %w", err)
	}
	return ag, nil
}

// roomCheck reports the liveness of a room connection for readiness probes.
func roomCheck(conn room.Connection) health.Check {
	return func(context.Context) error {
		select {
		case <-conn.Done():
			return errors.New("room connection closed")
		default:
			return nil
		}
	}
}

// Health exposes the app's health handler, mainly for tests.
func (a *App) Health() *health.Handler { return a.healthH }

// Shutdown tears down all subsystems in init order. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "closers", len(a.closers))

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				a.log.Warn("closer error", "index", i, "error", err)
			}
		}

		a.log.Info("shutdown complete")
	})
	return shutdownErr
}
