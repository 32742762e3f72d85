package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/zhouzirui/webchat/backend/internal/auth"
	"github.com/zhouzirui/webchat/backend/internal/config"
	"github.com/zhouzirui/webchat/backend/internal/handler"
	"github.com/zhouzirui/webchat/backend/internal/handler/ws"
	"github.com/zhouzirui/webchat/backend/internal/observability"
	"github.com/zhouzirui/webchat/backend/internal/service/ai"
	"github.com/zhouzirui/webchat/backend/internal/service/chat"
	"github.com/zhouzirui/webchat/backend/internal/store"
	"github.com/zhouzirui/webchat/backend/internal/store/memory"
	"github.com/zhouzirui/webchat/backend/internal/store/postgres"
)

const loginPurgeInterval = time.Hour

var (
	rootCmd = &cobra.Command{
		Use:   "webchat",
		Short: "Realtime AI chat backend",
		Long: `webchat serves the websocket chat channel and the REST session API,
backed by PostgreSQL (or memory when DATABASE_URL is empty) and a hosted LLM.`,
		SilenceUsage: true,
		RunE:         runServe,
	}
	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP and websocket server",
		RunE:  runServe,
	}
	migrateCmd = &cobra.Command{
		Use:   "migrate",
		Short: "Apply the embedded database migrations and exit",
		RunE:  runMigrate,
	}
)

func main() {
	rootCmd.AddCommand(serveCmd, migrateCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// bootstrap loads .env and the configuration and installs the default logger.
func bootstrap() (*config.Config, error) {
	// Load .env file
	if err := godotenv.Load(); err != nil {
		slog.Warn("failed to load .env file, continuing with system environment variables only", "error", err)
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	slog.SetDefault(newLogger(cfg.Log))
	return cfg, nil
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, err := bootstrap()
	if err != nil {
		return err
	}
	if cfg.Store.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required for migrate")
	}
	if err := postgres.RunMigrations(cfg.Store.DatabaseURL); err != nil {
		return err
	}
	slog.Info("migrations applied")
	return nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := bootstrap()
	if err != nil {
		return err
	}

	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer st.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(reg)

	gateway := newGateway(ctx, cfg.AI)

	chatSvc := chat.NewService(st, ai.WithMetrics(gateway, metrics), chat.ConfigFrom(cfg.Chat),
		chat.WithMetrics(metrics),
	)

	router := handler.NewRouter(handler.Dependencies{
		Auth:     auth.New(st, auth.OptionsFrom(cfg.Auth, cfg.Server)),
		Store:    st,
		Chat:     chatSvc,
		Metrics:  metrics,
		Gatherer: reg,
		WS:       ws.Config{AllowedOrigins: cfg.Server.AllowedOrigins},
	})

	return startServer(ctx, cfg.Server, router)
}

// openStore picks PostgreSQL when DATABASE_URL is set and memory otherwise.
func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	if cfg.DatabaseURL == "" {
		slog.Warn("DATABASE_URL not set, using in-memory store; data is lost on restart")
		return memory.New(), nil
	}

	if cfg.AutoMigrate {
		if err := postgres.RunMigrations(cfg.DatabaseURL); err != nil {
			return nil, err
		}
	}

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, postgres.PoolOptions{
		MaxConns: cfg.MaxConns,
		MinConns: cfg.MinConns,
	})
	if err != nil {
		return nil, err
	}

	pg := postgres.New(pool)
	go purgeLoginSessions(ctx, pg)
	return pg, nil
}

func purgeLoginSessions(ctx context.Context, pg *postgres.Store) {
	ticker := time.NewTicker(loginPurgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := pg.PurgeExpiredLoginSessions(ctx)
			if err != nil {
				slog.Warn("failed to purge expired login sessions", "error", err)
				continue
			}
			if n > 0 {
				slog.Info("purged expired login sessions", "count", n)
			}
		}
	}
}

// newGateway 初始化模型网关，未配置或初始化失败时退化为固定回复
func newGateway(ctx context.Context, cfg config.AIConfig) ai.Gateway {
	if !cfg.Enabled() {
		slog.Warn("模型凭证未配置，聊天将使用兜底回复", "provider", cfg.Provider)
		return ai.Disabled{}
	}

	gateway, err := ai.NewGateway(ctx, cfg)
	if err != nil {
		slog.Warn("failed to initialize AI gateway, continuing with fallback replies", "provider", cfg.Provider, "error", err)
		return ai.Disabled{}
	}
	slog.Info("AI gateway initialized", "provider", cfg.Provider)
	return gateway
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler) error {
	addr, err := serverCfg.Addr()
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	slog.Info("webchat backend listening", "addr", addr)
	if err := runServer(ctx, srv); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
