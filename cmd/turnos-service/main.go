package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/crypto/bcrypt"

	"turnos/internal/config"
	"turnos/internal/httpapi"
	"turnos/internal/hub"
	"turnos/internal/queue"
	"turnos/internal/realtime"
	"turnos/internal/store"
	"turnos/internal/store/memory"
	"turnos/internal/store/postgres"
	"turnos/internal/telemetry"
)

const serviceName = "turnos-service"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger, err := newLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("service stopped", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry := telemetry.Setup(ctx, telemetry.Options{
		ServiceName: serviceName,
		Endpoint:    cfg.OTELEndpoint,
		Insecure:    cfg.OTELInsecure,
	}, logger)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(ctx)
	}()

	st, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	defaults, err := cfg.BusinessDefaults()
	if err != nil {
		return err
	}
	manager := queue.NewManager(st, queue.Options{
		Location:               loc,
		FallbackServiceMinutes: cfg.DefaultServiceMinutes,
		MaxInService:           cfg.MaxInService,
		Defaults:               &defaults,
		Logger:                 logger.Named("queue"),
	})

	h := hub.New(logger.Named("hub"))
	push := realtime.NewService(manager, st, h, realtime.Options{
		Debounce:     cfg.RefreshDebounce(),
		TickInterval: cfg.ElapsedTick(),
		Logger:       logger.Named("realtime"),
	})
	auth := httpapi.NewAuth(st, logger.Named("auth"))
	handler := httpapi.NewHandler(manager, st, httpapi.Options{
		SessionTTL: cfg.SessionTTL,
		Logger:     logger.Named("http"),
	})
	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		IPPerMinute:       cfg.RateLimitPerMinute,
		IPBurst:           cfg.RateLimitBurst,
		BusinessPerMinute: cfg.BusinessRateLimitPerMinute,
		BusinessBurst:     cfg.BusinessRateLimitBurst,
	})

	api := httpapi.LoggingMiddleware(logger.Named("http"), limiter.Middleware(auth.Middleware(limiter.BusinessMiddleware(handler.Routes()))))
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/realtime/", push.Handler("/realtime", auth.Realtime))
	mux.Handle("/", otelhttp.NewHandler(api, serviceName))

	server := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	errs := make(chan error, 2)
	go func() {
		if err := push.Run(ctx); err != nil {
			errs <- fmt.Errorf("realtime: %w", err)
		}
	}()
	go func() {
		logger.Info("listening", zap.String("addr", server.Addr), zap.String("store", cfg.StoreDriver))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- fmt.Errorf("http server: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case runErr = <-errs:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	return runErr
}

func openStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (store.Store, func(), error) {
	if cfg.StoreDriver == config.DriverMemory {
		st := memory.NewStore()
		if err := seedMemory(st, cfg); err != nil {
			return nil, nil, err
		}
		logger.Warn("using in-memory store; data is lost on restart")
		return st, func() {}, nil
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("db connect: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("db ping: %w", err)
	}
	return postgres.NewStore(pool, postgres.Options{Logger: logger.Named("postgres")}), pool.Close, nil
}

// seedMemory registers one business with its public token and a staff user
// so the memory driver is usable without a database.
func seedMemory(st *memory.Store, cfg config.Config) error {
	if cfg.SeedBusinessID == "" {
		return nil
	}
	if cfg.SeedBusinessToken != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(cfg.SeedBusinessToken), bcrypt.DefaultCost)
		if err != nil {
			return fmt.Errorf("hash seed token: %w", err)
		}
		st.PutPublicTokenHash(cfg.SeedBusinessID, string(hash))
	}
	if cfg.SeedStaffEmail != "" && cfg.SeedStaffPassword != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(cfg.SeedStaffPassword), bcrypt.DefaultCost)
		if err != nil {
			return fmt.Errorf("hash seed password: %w", err)
		}
		st.PutStaffUser(store.StaffUser{
			UserID:       "seed-staff",
			BusinessID:   cfg.SeedBusinessID,
			Email:        cfg.SeedStaffEmail,
			Role:         "admin",
			PasswordHash: string(hash),
		})
	}
	return nil
}

func newLogger(level, format string) (*zap.Logger, error) {
	var zcfg zap.Config
	if strings.EqualFold(format, "console") {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
		return nil, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	return zcfg.Build(zap.Fields(zap.String("service", serviceName)))
}
