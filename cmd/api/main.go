// Package main is the entrypoint for the VaultAPI server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"regexp"
	"strings"
	"syscall"

	"github.com/vaultapi/vaultapi/internal/auth"
	"github.com/vaultapi/vaultapi/internal/billing"
	"github.com/vaultapi/vaultapi/internal/cache"
	"github.com/vaultapi/vaultapi/internal/config"
	"github.com/vaultapi/vaultapi/internal/handler"
	"github.com/vaultapi/vaultapi/internal/metrics"
	"github.com/vaultapi/vaultapi/internal/migrate"
	"github.com/vaultapi/vaultapi/internal/openapi"
	"github.com/vaultapi/vaultapi/internal/repository"
	"github.com/vaultapi/vaultapi/internal/sealer"
	"github.com/vaultapi/vaultapi/internal/server"
	"github.com/vaultapi/vaultapi/internal/service"
	"github.com/vaultapi/vaultapi/internal/usage"
	"github.com/vaultapi/vaultapi/migrations"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger := initLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server error", slog.String("error", sanitizeError(err, cfg.DatabaseURL, cfg.RedisURL)))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if cfg.MigrateOnStart {
		if err := migrateUp(ctx, cfg, logger); err != nil {
			return err
		}
	}

	// Initialize database
	repo, err := repository.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error(
			"failed to connect to database",
			slog.String("error", sanitizeError(err, cfg.DatabaseURL)),
			slog.String("database_url", redactURL(cfg.DatabaseURL)),
		)
		return errors.New("database unavailable")
	}
	logger.Info("connected to database")

	// Initialize cache
	cacheClient, err := cache.New(ctx, cfg.RedisURL)
	if err != nil {
		repo.Close()
		logger.Error(
			"failed to connect to Redis",
			slog.String("error", sanitizeError(err, cfg.RedisURL)),
			slog.String("redis_url", redactURL(cfg.RedisURL)),
		)
		return errors.New("redis unavailable")
	}
	logger.Info("connected to Redis")

	seal, err := sealer.FromBase64(cfg.CryptoMasterKey)
	if err != nil {
		repo.Close()
		_ = cacheClient.Close()
		return fmt.Errorf("CRYPTO_MASTER_KEY: %w", err)
	}

	issuer, err := auth.NewSessionIssuer(cfg.JWTSecret, cfg.SessionTTL)
	if err != nil {
		repo.Close()
		_ = cacheClient.Close()
		return fmt.Errorf("JWT_SECRET: %w", err)
	}

	recorder := metrics.NewNoop()
	var metricsHandler http.Handler
	if cfg.MetricsEnabled {
		prom := metrics.NewPrometheus()
		recorder = prom
		metricsHandler = prom.Handler()
	}

	var gateway billing.Gateway = billing.Disabled{}
	if cfg.StripeEnabled() {
		gateway = billing.NewStripe(billing.StripeConfig{
			SecretKey:     cfg.StripeSecretKey,
			WebhookSecret: cfg.StripeWebhookSecret,
			PriceID:       cfg.StripePricePro,
			WebBaseURL:    cfg.WebBaseURL,
		})
	} else {
		logger.Warn("Stripe is not configured; billing endpoints return 503")
	}

	// Initialize services
	authService := service.NewAuthService(repo, cacheClient, issuer, recorder, logger)
	keyService := service.NewAPIKeyService(repo, cacheClient, seal, cfg.FreePlanKeyLimit, recorder, logger)
	billingService := service.NewBillingService(repo, gateway, cacheClient, cfg.FreePlanKeyLimit, recorder, logger)

	var (
		usagePublisher *usage.Publisher
		usageWorker    *usage.Worker
	)
	if cfg.UsageStreamEnabled {
		usagePublisher = usage.NewPublisher(cacheClient.Client(), logger, recorder)
		usageWorker = usage.NewWorker(cacheClient.Client(), repo, logger, usage.NewConsumerID(), recorder)
		usageWorker.SetBatchSize(cfg.UsageBatchSize)
		keyService.SetUsageSink(usagePublisher)
	}

	docHandler, err := openapi.Handler(openapi.Document(openapi.Options{CookieName: cfg.SessionCookieName}))
	if err != nil {
		repo.Close()
		_ = cacheClient.Close()
		return err
	}

	router := server.NewRouter(server.Deps{
		Config: server.RouterConfig{
			IsDevelopment:          cfg.IsDevelopment(),
			CookieName:             cfg.SessionCookieName,
			AllowedOrigins:         cfg.GetCORSAllowedOrigins(),
			MaxRequestBodySize:     cfg.MaxRequestBodySize,
			RateLimitEnabled:       cfg.RateLimitAPIEnabled,
			RateLimitAuthPerMinute: cfg.RateLimitAuthPerMinute,
			TrustProxyHeaders:      cfg.TrustProxyHeaders,
			RateLimitVerifyRPS:     cfg.RateLimitVerifyRPS,
			RateLimitVerifyBurst:   cfg.RateLimitVerifyBurst,
		},
		Logger:  logger,
		Metrics: recorder,
		Health:  handler.NewHealthHandler(repo, cacheClient),
		Auth: handler.NewAuthHandler(logger, authService, handler.CookieConfig{
			Name:   cfg.SessionCookieName,
			Secure: !cfg.IsDevelopment(),
			TTL:    cfg.SessionTTL,
		}),
		Keys:           handler.NewAPIKeyHandler(logger, keyService),
		Billing:        handler.NewBillingHandler(logger, billingService),
		Sessions:       authService,
		Verifier:       keyService,
		Limiter:        cacheClient,
		InvalidSession: service.ErrInvalidSession,
		InvalidKey:     service.ErrInvalidAPIKey,
		OpenAPI:        docHandler,
		MetricsHandler: metricsHandler,
	})

	srv := server.New(router, server.Options{
		Port:            cfg.AppPort,
		ReadTimeout:     cfg.ReadTimeout,
		WriteTimeout:    cfg.WriteTimeout,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}, logger)

	// Released in reverse order: pending key usage, the usage worker, Redis, then Postgres.
	srv.OnShutdown("postgres", func(context.Context) error {
		repo.Close()
		return nil
	})
	srv.OnShutdown("redis", func(context.Context) error {
		return cacheClient.Close()
	})
	if usageWorker != nil {
		srv.OnShutdown("usage-worker", usageWorker.Shutdown)
		go func() {
			if err := usageWorker.Run(ctx); err != nil {
				logger.Error("usage worker stopped", slog.String("error", err.Error()))
			}
		}()
	}
	srv.OnShutdown("key-usage-writes", func(ctx context.Context) error {
		done := make(chan struct{})
		go func() {
			keyService.Wait()
			if usagePublisher != nil {
				usagePublisher.Wait()
			}
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	logger.Info("starting server",
		slog.Int("port", cfg.AppPort),
		slog.String("env", cfg.AppEnv),
		slog.Bool("billing", cfg.StripeEnabled()),
		slog.Bool("metrics", cfg.MetricsEnabled),
		slog.Bool("usage_stream", cfg.UsageStreamEnabled),
	)

	return srv.Run(ctx)
}

func migrateUp(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	m, err := migrate.Open(ctx, cfg.DatabaseURL, migrations.FS, logger)
	if err != nil {
		return fmt.Errorf("open migrator: %s", sanitizeError(err, cfg.DatabaseURL))
	}
	defer m.Close()

	applied, err := m.Up(ctx)
	if err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	logger.Info("migrations applied", slog.Int("count", applied))
	return nil
}

// initLogger initializes the slog logger based on configuration.
func initLogger(cfg *config.Config) *slog.Logger {
	var h slog.Handler

	opts := &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	}

	if strings.EqualFold(cfg.LogFormat, "json") {
		h = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		h = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(h)
	slog.SetDefault(logger)

	return logger
}

// parseLogLevel converts string log level to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

var passwordPattern = regexp.MustCompile(`(?i)password=[^\s]+`)

func redactURL(raw string) string {
	if raw == "" {
		return ""
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return "[redacted]"
	}

	if parsed.User != nil {
		username := parsed.User.Username()
		if username == "" {
			parsed.User = url.User("redacted")
		} else {
			parsed.User = url.User(username)
		}
	}

	return parsed.String()
}

func sanitizeError(err error, secrets ...string) string {
	if err == nil {
		return ""
	}

	msg := err.Error()
	for _, secret := range secrets {
		if secret == "" {
			continue
		}
		redacted := redactURL(secret)
		if redacted == "" {
			redacted = "[redacted]"
		}
		msg = strings.ReplaceAll(msg, secret, redacted)
	}

	return passwordPattern.ReplaceAllString(msg, "password=redacted")
}
