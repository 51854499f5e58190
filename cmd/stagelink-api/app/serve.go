package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stagelink/stagelink-server/internal/api"
	"github.com/stagelink/stagelink-server/internal/config"
	"github.com/stagelink/stagelink-server/internal/engine"
	"github.com/stagelink/stagelink-server/internal/gateway"
	"github.com/stagelink/stagelink-server/internal/health"
	"github.com/stagelink/stagelink-server/internal/queue"
	"github.com/stagelink/stagelink-server/internal/repository"
	"github.com/stagelink/stagelink-server/internal/telemetry"
	"github.com/stagelink/stagelink-server/internal/validator"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the stagelink server",
	Long: `Start the stagelink server.

The server requires a configuration file (--config) that specifies:
- The platform API gateway (base URL and token)
- The link repository database (optional, in-memory without it)
- Engine tuning: debounce, retries, sweep and sync intervals

See examples/ directory for sample configurations.`,
	RunE: runServe,
}

const (
	defaultGracefulTimeout = 30 * time.Second
	serverRequestTimeout   = 10 * time.Second
	serverReadTimeout      = 10 * time.Second
	serverWriteTimeout     = 15 * time.Second
	serverIdleTimeout      = 60 * time.Second
)

func init() {
	serveCmd.Flags().String("address", ":8080", "Address to listen on")
	serveCmd.Flags().String("config", "", "Path to configuration file (YAML format, required)")

	if err := viper.BindPFlag("address", serveCmd.Flags().Lookup("address")); err != nil {
		panic(fmt.Sprintf("failed to bind address flag: %v", err))
	}
	if err := viper.BindPFlag("config", serveCmd.Flags().Lookup("config")); err != nil {
		panic(fmt.Sprintf("failed to bind config flag: %v", err))
	}

	if err := serveCmd.MarkFlagRequired("config"); err != nil {
		panic(fmt.Sprintf("failed to mark config flag as required: %v", err))
	}
}

func runServe(_ *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	address := viper.GetString("address")
	configPath := viper.GetString("config")

	cfg, err := config.LoadConfig(config.WithConfigPath(configPath))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	tel, err := telemetry.New(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			slog.Error("Failed to shut down telemetry", "error", err)
		}
	}()

	metrics, err := telemetry.NewEngineMetrics(tel.MeterProvider())
	if err != nil {
		return fmt.Errorf("failed to create engine metrics: %w", err)
	}

	gw, err := buildGateway(cfg)
	if err != nil {
		return err
	}

	repo, pool, err := buildRepository(ctx, cfg)
	if err != nil {
		return err
	}
	if pool != nil {
		defer pool.Close()
	}

	eng := engine.New(gw, repo, engineOptions(cfg, metrics)...)

	if err := eng.RecoverOnStartup(ctx); err != nil {
		return fmt.Errorf("startup recovery failed: %w", err)
	}

	monitor := health.New(eng, validator.New(gw),
		health.WithInterval(config.ParseDurationOr(cfg.Engine.HealthSweepInterval, 10*time.Minute)))

	errCh := make(chan error, 3)

	go func() {
		errCh <- eng.Run(ctx)
	}()
	go func() {
		errCh <- monitor.Start(ctx)
	}()

	server := &http.Server{
		Addr: address,
		Handler: api.NewServer(eng,
			api.WithMiddlewares(
				middleware.Timeout(serverRequestTimeout),
				api.LoggingMiddleware,
			)),
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: serverWriteTimeout,
		IdleTimeout:  serverIdleTimeout,
	}

	go func() {
		slog.Info("Starting stagelink server", "address", address)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("Shutdown signal received")
	case err := <-errCh:
		if err != nil {
			slog.Error("Component failed, shutting down", "error", err)
		}
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultGracefulTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown failed", "error", err)
	}
	if err := monitor.Stop(); err != nil {
		slog.Error("Health monitor shutdown failed", "error", err)
	}

	// Flush the table so a clean shutdown loses nothing.
	if err := eng.SyncToRepository(shutdownCtx); err != nil {
		slog.Error("Final repository sync failed", "error", err)
	}

	slog.Info("Stagelink server stopped")
	return nil
}

func buildGateway(cfg *config.Config) (gateway.Gateway, error) {
	token, err := cfg.Gateway.GetToken()
	if err != nil {
		return nil, err
	}

	gw, err := gateway.NewHTTPClient(gateway.HTTPClientOptions{
		BaseURL:       cfg.Gateway.BaseURL,
		TokenProvider: gateway.StaticToken(token),
		HTTPClient:    &http.Client{Timeout: cfg.Gateway.GetTimeout()},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gateway client: %w", err)
	}
	return gw, nil
}

// buildRepository returns the link repository, plus the pgx pool when one
// was opened so the caller can close it.
func buildRepository(ctx context.Context, cfg *config.Config) (repository.Repository, *pgxpool.Pool, error) {
	if cfg.Database == nil {
		slog.Warn("No database configured, links will not survive a restart")
		return repository.NewMemory(), nil, nil
	}

	connString, err := cfg.Database.GetConnectionString()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build database connection string: %w", err)
	}

	poolCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	if cfg.Database.MaxOpenConns > 0 {
		poolCfg.MaxConns = cfg.Database.MaxOpenConns
	}
	if cfg.Database.ConnMaxLifetime != "" {
		poolCfg.MaxConnLifetime = config.ParseDurationOr(cfg.Database.ConnMaxLifetime, time.Hour)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create database pool: %w", err)
	}

	return repository.NewPostgres(pool), pool, nil
}

func engineOptions(cfg *config.Config, metrics *telemetry.EngineMetrics) []engine.Option {
	opts := []engine.Option{
		engine.WithDebounce(config.ParseDurationOr(cfg.Engine.DebounceWindow, 3*time.Second)),
		engine.WithSyncInterval(config.ParseDurationOr(cfg.Engine.RepositorySyncInterval, 5*time.Minute)),
		engine.WithStaleAfter(config.ParseDurationOr(cfg.Engine.StaleAfter, 168*time.Hour)),
		engine.WithMetrics(metrics),
	}

	if cfg.Engine.PlaceholderPrefix != "" {
		opts = append(opts, engine.WithPlaceholderFunc(engine.PrefixPlaceholder(cfg.Engine.PlaceholderPrefix)))
	}

	if retry := cfg.Engine.Retry; retry != nil {
		policy := queue.DefaultRetryPolicy()
		if retry.MaxAttempts > 0 {
			policy.MaxAttempts = retry.MaxAttempts
		}
		if retry.BaseDelay != "" {
			policy.BaseDelay = config.ParseDurationOr(retry.BaseDelay, policy.BaseDelay)
		}
		if retry.MaxDelay != "" {
			policy.MaxDelay = config.ParseDurationOr(retry.MaxDelay, policy.MaxDelay)
		}
		if retry.Multiplier > 0 {
			policy.Multiplier = retry.Multiplier
		}
		opts = append(opts, engine.WithRetryPolicy(policy))
	}

	return opts
}
