package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ljquan/aitu-sub000/internal/bridge"
	"github.com/ljquan/aitu-sub000/internal/engine"
	"github.com/ljquan/aitu-sub000/internal/identity"
	"github.com/ljquan/aitu-sub000/internal/logging"
	"github.com/ljquan/aitu-sub000/internal/scheduler"
	"github.com/ljquan/aitu-sub000/internal/store"
	"github.com/ljquan/aitu-sub000/internal/streaming"
	"github.com/ljquan/aitu-sub000/internal/tools"
	"github.com/ljquan/aitu-sub000/internal/validation"
	"github.com/ljquan/aitu-sub000/pkg/mcp"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "aitu-engine:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	ident, err := identity.LoadOrCreate(cfg.IdentityPath)
	if err != nil {
		return fmt.Errorf("load identity: %w", err)
	}
	logger.Info("engine starting", "context_id", ident.ContextID)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}

	hub := streaming.NewMemoryHub()

	sessions := mcp.NewSessionRegistry()
	notifier := mcp.NewNotifier(sessions, logger)
	surface := mcp.NewSessionSurface(sessions, ident.ContextID, logger)
	gate := mcp.NewSurfaceGate(sessions, ident.ContextID)

	registry := tools.NewRegistry()
	provider := tools.NewProviderClient(tools.ProviderConfig{
		BaseURL:    cfg.ProviderBaseURL,
		APIKey:     cfg.ProviderAPIKey,
		ImageModel: cfg.ImageModel,
		VideoModel: cfg.VideoModel,
	})
	for _, tool := range []tools.Tool{
		tools.NewAnalyzeRequestTool(),
		tools.NewGenerateImageTool(provider),
		tools.NewGenerateVideoTool(provider),
		tools.NewCanvasInsertTool(surface),
		tools.NewCanvasUpdateTool(surface),
	} {
		if err := registry.Register(tool); err != nil {
			return fmt.Errorf("register tool: %w", err)
		}
	}

	validator, err := validation.NewWorkflowValidator()
	if err != nil {
		return fmt.Errorf("build validator: %w", err)
	}

	sink := engine.MultiSink{
		engine.NewLogSink(logger),
		engine.NewHubSink(hub),
		notifier,
	}
	eng := engine.NewEngine(st, st, registry, sink, engine.Config{
		ContextID: ident.ContextID,
		Validator: validator,
		Logger:    logger,
	})

	poller := bridge.NewPoller(eng, st, registry, gate, bridge.Config{
		Interval:    cfg.PollInterval,
		Concurrency: cfg.PoolSize,
		ContextID:   ident.ContextID,
		Logger:      logger,
	})
	if err := poller.Start(ctx); err != nil {
		return fmt.Errorf("start poller: %w", err)
	}
	defer poller.Stop()

	taskBridge := engine.NewTaskBridge(eng, hub, logger)
	if err := taskBridge.Start(ctx); err != nil {
		return fmt.Errorf("start task bridge: %w", err)
	}
	defer taskBridge.Stop()

	retention := scheduler.NewRetention(st, cfg.RetentionTTL, cfg.RetentionSpec, logger)
	if err := retention.Start(ctx); err != nil {
		return fmt.Errorf("start retention: %w", err)
	}
	defer retention.Stop()

	srv := mcp.NewAituServer(mcp.AituServerDeps{
		Engine:   eng,
		Events:   st,
		Hub:      hub,
		Registry: registry,
		Sessions: sessions,
		Notifier: notifier,
		Surface:  surface,
		Logger:   logger,
	})

	logger.Info("serving MCP on stdio")
	serveErr := srv.Serve(ctx)
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := eng.Shutdown(shutdownCtx); err != nil {
		logger.Warn("engine shutdown incomplete", "error", err)
	}

	if serveErr != nil && ctx.Err() == nil {
		return fmt.Errorf("serve: %w", serveErr)
	}
	logger.Info("engine stopped")
	return nil
}

// newLogger builds the root logger: JSON or text handler per config, wrapped
// so correlation IDs from the context land on every record.
func newLogger(cfg Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(logging.NewCorrelationHandler(handler))
}
