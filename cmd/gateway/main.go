package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/vnmchuo/modelbridge/config"
	"github.com/vnmchuo/modelbridge/internal/access"
	"github.com/vnmchuo/modelbridge/internal/auth"
	"github.com/vnmchuo/modelbridge/internal/billing"
	"github.com/vnmchuo/modelbridge/internal/canonical"
	"github.com/vnmchuo/modelbridge/internal/credential"
	"github.com/vnmchuo/modelbridge/internal/logging"
	"github.com/vnmchuo/modelbridge/internal/orchestrator"
	"github.com/vnmchuo/modelbridge/internal/provider"
	"github.com/vnmchuo/modelbridge/internal/provider/claude"
	"github.com/vnmchuo/modelbridge/internal/provider/gemini"
	"github.com/vnmchuo/modelbridge/internal/provider/openai"
	"github.com/vnmchuo/modelbridge/internal/proxy"
	"github.com/vnmchuo/modelbridge/internal/registry"
	"github.com/vnmchuo/modelbridge/internal/seeder"
	"github.com/vnmchuo/modelbridge/internal/stream"
	"github.com/vnmchuo/modelbridge/internal/telemetry"
	"github.com/vnmchuo/modelbridge/internal/usage"
	"github.com/vnmchuo/modelbridge/pkg/ratelimit"
)

const serviceName = "modelbridge"

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	// 1. Load config
	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// 2. Init logging and telemetry
	logger := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stdout)
	slog.SetDefault(logger)

	shutdownTracer, err := telemetry.InitTracer(serviceName, cfg.Telemetry)
	if err != nil {
		fatal(logger, "failed to init tracer", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			logger.Warn("failed to shutdown tracer provider", "error", err)
		}
	}()

	// 3. Connect PostgreSQL
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.Postgres.DSN)
	if err != nil {
		fatal(logger, "failed to connect postgres", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		fatal(logger, "failed to ping postgres", err)
	}
	logger.Info("postgres connected")

	// 4. Connect Redis
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		fatal(logger, "failed to ping redis", err)
	}
	logger.Info("redis connected")

	// 5. Init auth
	authStore := auth.NewPostgresStore(pool)
	authMiddleware := auth.NewMiddleware(authStore, rdb, logger)

	// 6. Init model registry
	models, err := registry.NewStatic(cfg.Descriptors()...)
	if err != nil {
		fatal(logger, "invalid model registry", err)
	}
	logger.Info("model registry loaded", "models", len(models.Models()))

	// 7. Init credentials
	secrets := credential.NewCachedSecretStore(credential.NewPostgresSecretStore(pool), rdb, cfg.Credentials.CacheTTL, logger)
	resolver := credential.NewResolver(cfg.DefaultKeys(), secrets, cfg.Credentials.SecretTimeout, credential.WithLogger(logger))

	// 8. Init adapters
	adapters := provider.NewRegistry()
	adapters.Register(canonical.ProviderAnthropic, func() provider.Adapter {
		return claude.New(claude.WithBaseURL(baseURL(cfg, canonical.ProviderAnthropic, claude.DefaultBaseURL)))
	})
	adapters.Register(canonical.ProviderOpenAI, func() provider.Adapter {
		return openai.New(openai.WithBaseURL(baseURL(cfg, canonical.ProviderOpenAI, openai.DefaultBaseURL)))
	})
	adapters.Register(canonical.ProviderGemini, func() provider.Adapter {
		return gemini.New(gemini.WithBaseURL(baseURL(cfg, canonical.ProviderGemini, gemini.DefaultBaseURL)))
	})
	logger.Info("adapters registered", "providers", adapters.Providers())

	// 9. Init usage reporting
	registerer := prometheus.NewRegistry()
	registerer.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	billingStore := billing.NewPostgresStore(pool)
	reporter := usage.NewReporter(logger, usage.DefaultEmitTimeout,
		billing.NewSink(billingStore),
		usage.NewPrometheusSink(registerer),
		usage.LogSink{Logger: logger},
	)

	// 10. Init access control
	var authz access.Authorizer = access.AllowAll
	if cfg.Access.Mode == "postgres" {
		authz = access.NewPostgresAuthorizer(pool)
	}

	// 11. Init orchestrator
	orch := orchestrator.New(models, resolver, adapters,
		orchestrator.WithAuthorizer(authz),
		orchestrator.WithReporter(reporter),
		orchestrator.WithLogger(logger),
		orchestrator.WithTracer(otel.Tracer(serviceName)),
		orchestrator.WithDefaultCompletionTokens(cfg.Limits.DefaultCompletionTokens),
		orchestrator.WithRetry(cfg.Retry.MaxAttempts),
		orchestrator.WithStreamOptions(stream.Options{
			BufferSize: cfg.Stream.BufferSize,
			Overflow:   stream.OverflowPolicy(cfg.Stream.Overflow),
			Logger:     logger,
		}),
	)

	// 12. Init handler
	limiter := ratelimit.NewLimiter(rdb, cfg.Limits.RateLimitTPM)
	handler := proxy.NewHandler(orch, models, billingStore, limiter, otel.Tracer(serviceName), logger)

	// 13. Seed test API key if enabled
	if cfg.Seed || os.Getenv("RUN_SEED") == "true" {
		seeder.SeedTestAPIKey(ctx, authStore, logger)
	}

	r := proxy.NewRouter(handler, authMiddleware, promhttp.HandlerFor(registerer, promhttp.HandlerOpts{}))

	// 14. Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("modelbridge starting", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fatal(logger, "server error", err)
		}
	}()

	<-quit
	logger.Info("shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("forced shutdown", "error", err)
	}
	logger.Info("server stopped")
}

// baseURL returns the provider-level base URL from config, or def.
func baseURL(cfg *config.Config, p canonical.Provider, def string) string {
	if pc, ok := cfg.Providers[string(p)]; ok && pc.BaseURL != "" {
		return pc.BaseURL
	}
	return def
}

func fatal(logger *slog.Logger, msg string, err error) {
	logger.Error(msg, "error", err)
	os.Exit(1)
}
