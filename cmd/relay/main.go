package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"relay/internal/authz"
	"relay/internal/config"
	"relay/internal/directory"
	"relay/internal/observability/logging"
	"relay/internal/observability/metrics"
	"relay/internal/observability/middleware"
	"relay/internal/presence"
	"relay/internal/registry"
	"relay/internal/service"
	"relay/internal/store"
	transport "relay/internal/transport/http"
	"relay/internal/transport/ws"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	_ = godotenv.Load(".env.local")

	cfg := config.Load()

	logger := logging.NewLogger(logging.Config{
		ServiceName: "relay",
		Environment: cfg.Environment,
		Level:       cfg.LogLevel,
	})
	slog.SetDefault(logger)
	metrics.MustRegister("relay")

	logger.Info("starting service")

	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{})
	if err != nil {
		logger.Error("gorm open", "error", err)
		os.Exit(1)
	}

	st := store.New(db)
	if err := st.AutoMigrate(context.Background()); err != nil {
		logger.Error("auto migrate", "error", err)
		os.Exit(1)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		logger.Error("redis ping", "error", err)
		os.Exit(1)
	}

	reg := registry.New(rdb, cfg.ConnectionTTL)
	tracker := presence.New(rdb, reg, presence.Config{
		TTL:           cfg.PresenceTTL,
		TypingTimeout: cfg.TypingTimeout,
	})
	defer tracker.Close()

	hub := ws.NewHub()
	coord := service.New(st, reg, tracker, hub, service.Config{
		SendTimeout:    cfg.SendTimeout,
		RescanInterval: cfg.RescanInterval,
		DrainBatch:     cfg.DrainBatch,
	})
	hub.SetCoordinator(coord)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.DirectoryURL != "" {
		syncer := directory.NewSyncer(directory.NewHTTPDirectory(cfg.DirectoryURL), tracker)
		go func() {
			n, err := syncer.Sync(ctx)
			if err != nil {
				logger.Warn("directory sync failed", "error", err)
				return
			}
			logger.Info("directory sync complete", "users", n)
		}()
	}

	go func() {
		if err := coord.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("rescan loop stopped", "error", err)
		}
	}()

	var authMW func(http.Handler) http.Handler
	if cfg.SharedHS256Secret != "" {
		logger.Info("using HS256 shared-secret token validation")
		authMW = authz.NewHMACValidator(cfg.SharedHS256Secret, cfg.Issuer).Middleware
	} else {
		logger.Info("using JWKS token validation", "jwks_url", cfg.JWKSURL)
		jv, err := authz.NewJWTValidator(ctx, cfg.JWKSURL, cfg.Issuer)
		if err != nil {
			logger.Error("jwt validator init", "error", err)
			os.Exit(1)
		}
		authMW = jv.Middleware
	}

	router := transport.NewRouter(coord, tracker, hub.HandleWS, authMW, cfg.CORSOrigins)
	handler := middleware.WithRequestAndTrace(middleware.WithMetrics(router))

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down")
		hub.Close()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()

	logger.Info("relay service listening", "addr", cfg.Addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
