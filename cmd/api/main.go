package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/punchamoorthee/rewardops/internal/api"
	"github.com/punchamoorthee/rewardops/internal/audit"
	"github.com/punchamoorthee/rewardops/internal/config"
	"github.com/punchamoorthee/rewardops/internal/logger"
	"github.com/punchamoorthee/rewardops/internal/payout"
	"github.com/punchamoorthee/rewardops/internal/security"
	"github.com/punchamoorthee/rewardops/internal/service"
	"github.com/punchamoorthee/rewardops/internal/store"
	redis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		ServiceName: "rewardops-api",
		Environment: cfg.Env,
		Level:       cfg.LogLevel,
		Format:      cfg.LogFormat,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("server stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.NewStore(ctx, cfg.DBSource)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.Migrate(ctx); err != nil {
		return err
	}

	userLimiter, globalLimiter, closeLimiters, err := newLimiters(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeLimiters()

	maxAmount := decimal.NewFromInt(cfg.RealMockMaxAmount)
	adapter := newAdapter(cfg, maxAmount, globalLimiter, log)
	auditLog := audit.NewLogger(db, log)

	// Initialize Layers
	tokens := service.NewTokenService(service.Deps{
		Limiter:   userLimiter,
		AntiCheat: security.NewAntiCheatEngine(maxAmount, cfg.RequiredMetadataKeys),
		Adapter:   adapter,
		Audit:     auditLog,
		Ledger:    db,
		Log:       log,
	})
	handler := api.NewHandler(tokens, db, auditLog, adapter, log)

	// Router
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	handler.Register(r)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server starting",
			zap.String("addr", srv.Addr),
			zap.String("real_mode", cfg.RealMode),
			zap.String("rate_limit_backend", cfg.RateLimitBackend),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// newLimiters returns the per-user and the adapter-wide limiter. Both share
// the configured per-minute budget but count independently.
func newLimiters(ctx context.Context, cfg *config.Config) (user, global security.Limiter, closeFn func(), err error) {
	if cfg.RateLimitBackend != config.LimiterRedis {
		user = security.NewRateLimiter(cfg.RealRateLimitPerMin, time.Minute)
		global = security.NewRateLimiter(cfg.RealRateLimitPerMin, time.Minute)
		return user, global, func() {}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, nil, nil, fmt.Errorf("redis ping: %w", err)
	}
	user = security.NewRedisRateLimiter(client, "rewardops:ratelimit:user", cfg.RealRateLimitPerMin, time.Minute)
	global = security.NewRedisRateLimiter(client, "rewardops:ratelimit:adapter", cfg.RealRateLimitPerMin, time.Minute)
	return user, global, func() { client.Close() }, nil
}

func newAdapter(cfg *config.Config, maxAmount decimal.Decimal, limiter security.Limiter, log *zap.Logger) payout.Adapter {
	if cfg.RealMode == config.ModeMock {
		return payout.NewMockAdapter(maxAmount, limiter, log)
	}
	return payout.NewProductionAdapter(payout.ProductionConfig{
		BaseURL: cfg.RealAPIBaseURL,
		APIKey:  cfg.RealAPIKey,
		Signer:  security.NewSignatureService(cfg.RealAPISecret),
		Limiter: limiter,
		Timeout: cfg.RealHTTPTimeout,
		Log:     log,
	})
}
