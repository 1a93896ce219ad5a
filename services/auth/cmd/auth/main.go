package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/AfshinJalili/authcore/libs/fieldcrypt"
	"github.com/AfshinJalili/authcore/libs/health"
	"github.com/AfshinJalili/authcore/libs/httpmiddleware"
	"github.com/AfshinJalili/authcore/libs/kafka"
	"github.com/AfshinJalili/authcore/libs/logging"
	"github.com/AfshinJalili/authcore/libs/metrics"
	"github.com/AfshinJalili/authcore/libs/trace"
	"github.com/AfshinJalili/authcore/services/auth/internal/config"
	"github.com/AfshinJalili/authcore/services/auth/internal/handlers"
	"github.com/AfshinJalili/authcore/services/auth/internal/mfa"
	"github.com/AfshinJalili/authcore/services/auth/internal/rate"
	"github.com/AfshinJalili/authcore/services/auth/internal/security"
	"github.com/AfshinJalili/authcore/services/auth/internal/storage"
	"github.com/AfshinJalili/authcore/services/auth/migrations"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"log/slog"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg.App.LogLevel, cfg.App.ServiceName, cfg.App.Env)
	shutdownTracer, err := trace.InitTracer(cfg.App.ServiceName, cfg.App.Env)
	if err != nil {
		logger.Error("tracer init failed", "error", err)
	} else {
		defer func() {
			_ = shutdownTracer(context.Background())
		}()
	}

	if cfg.App.Env == "dev" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.Register(registry)

	ready := health.NewManager(true)

	pool, err := connectDB(cfg)
	if err != nil {
		logger.Error("db connection failed", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	migrateCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = migrations.Up(migrateCtx, pool)
	cancel()
	if err != nil {
		logger.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	limiterStore, limiterClose, err := buildLimiterStore(cfg, pool)
	if err != nil {
		logger.Error("rate limiter init failed", "error", err, "backend", cfg.RateLimit.Backend)
		os.Exit(1)
	}
	defer func() {
		_ = limiterClose()
	}()

	limiter := rate.New(limiterStore,
		rate.WithPolicies(cfg.RateLimit.Policies),
		rate.WithFailureMode(cfg.RateLimit.FailureMode, nil),
		rate.WithLogger(logger),
		rate.WithMetrics(rate.NewMetrics(registry)),
		rate.WithDegradedReporter(ready),
	)
	logger.Info("rate limiter ready",
		"backend", limiterStore.Name(),
		"failure_mode", cfg.RateLimit.FailureMode,
	)

	km, err := fieldcrypt.NewKeyMaterial(cfg.Security.EncryptionKey, cfg.Security.EncryptionSalt)
	if err != nil {
		logger.Error("encryption key invalid", "error", err)
		os.Exit(1)
	}
	cipher, err := fieldcrypt.NewCipher(km)
	if err != nil {
		logger.Error("cipher init failed", "error", err)
		os.Exit(1)
	}

	events, err := buildPublisher(cfg, logger, registry)
	if err != nil {
		logger.Error("kafka producer init failed", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = events.Close()
	}()

	store := storage.New(pool)
	facade := security.NewFacade(security.FacadeConfig{
		Cipher:      cipher,
		TOTP:        mfa.NewTOTP(cipher, cfg.Security.MFAIssuer),
		Backup:      mfa.NewBackupVault(cipher),
		Limiter:     limiter,
		Store:       store,
		Events:      events,
		EventsTopic: cfg.Kafka.Topic,
		Logger:      logger,
		Metrics:     security.NewMetrics(registry),
	})

	authHandler := handlers.NewAuthHandler(store, facade, logger, handlers.TokenConfig{
		Secret:     cfg.JWTSecret,
		Issuer:     cfg.JWTIssuer,
		AccessTTL:  cfg.AccessTokenTTL,
		RefreshTTL: cfg.RefreshTokenTTL,
	})

	router := gin.New()
	if err := router.SetTrustedProxies(cfg.App.TrustedProxies); err != nil {
		logger.Error("invalid trusted proxies", "error", err)
		os.Exit(1)
	}
	router.Use(httpmiddleware.RequestID())
	router.Use(httpmiddleware.Logger(logger))
	router.Use(httpmiddleware.Recovery(logger))
	router.Use(trace.Middleware(cfg.App.ServiceName))

	router.GET("/healthz", health.LivenessHandler)
	router.GET("/readyz", health.ReadinessHandler(ready))
	router.GET(cfg.App.MetricsPath, gin.WrapH(metrics.Handler(registry)))

	authHandler.RegisterRoutes(router)

	addr := fmt.Sprintf("%s:%d", cfg.App.HTTP.Host, cfg.App.HTTP.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.App.HTTP.ReadTimeout,
		WriteTimeout: cfg.App.HTTP.WriteTimeout,
		IdleTimeout:  cfg.App.HTTP.IdleTimeout,
	}

	go func() {
		logger.Info("auth service starting", "addr", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
		}
	}()

	waitForShutdown(server, ready, logger)
}

func connectDB(cfg *config.Config) (*pgxpool.Pool, error) {
	connStr := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.DB.User,
		cfg.DB.Password,
		cfg.DB.Host,
		cfg.DB.Port,
		cfg.DB.Name,
		cfg.DB.SSLMode,
	)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return pool, nil
}

// buildLimiterStore returns the configured backend. An unreachable redis is
// not fatal: the limiter's failure mode decides what happens per request.
func buildLimiterStore(cfg *config.Config, pool *pgxpool.Pool) (rate.Store, func() error, error) {
	noop := func() error { return nil }

	switch cfg.RateLimit.Backend {
	case config.BackendPostgres:
		return rate.NewPostgres(pool), noop, nil
	case config.BackendMemory:
		if !cfg.App.IsLocal() {
			return nil, nil, fmt.Errorf("memory rate limit backend is limited to dev and test")
		}
		return rate.NewMemory(), noop, nil
	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RateLimit.Redis.Addr,
			Password: cfg.RateLimit.Redis.Password,
			DB:       cfg.RateLimit.Redis.DB,
		})
		return rate.NewRedis(client, cfg.RateLimit.Redis.Prefix), client.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown rate limit backend %q", cfg.RateLimit.Backend)
	}
}

func buildPublisher(cfg *config.Config, logger *slog.Logger, registry *prometheus.Registry) (kafka.Publisher, error) {
	if len(cfg.Kafka.Brokers) == 0 {
		logger.Warn("kafka brokers not configured, security events disabled")
		return kafka.NopPublisher{}, nil
	}

	producer, err := kafka.NewSyncProducer(cfg.Kafka.Brokers, cfg.Kafka.ClientID, logger, kafka.NewProducerMetrics(registry))
	if err != nil {
		return nil, err
	}
	return kafka.NewDLQPublisher(producer, producer, cfg.Kafka.DLQTopic, logger), nil
}

func waitForShutdown(server *http.Server, ready *health.Manager, logger *slog.Logger) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ready.SetReady(false)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutdown started")
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("shutdown error", "error", err)
		return
	}
	logger.Info("shutdown complete")
}
