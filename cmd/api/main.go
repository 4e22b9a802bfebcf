package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"call-signaling/internal/auth"
	"call-signaling/internal/calls"
	"call-signaling/internal/config"
	"call-signaling/internal/kv"
	"call-signaling/internal/push"
	"call-signaling/internal/router"
	"call-signaling/internal/sweep"
	"call-signaling/internal/transport"
	"call-signaling/pkg/logger"
	"call-signaling/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	// Call session core over redis.
	store := calls.NewSessionStore(kv.NewRedis(rdb), calls.Policy{
		RingTTL:            cfg.Call.RingTimeout,
		ActiveTTL:          cfg.Call.MaxDuration,
		GraceTTL:           cfg.Call.GraceTTL,
		TransitionAttempts: cfg.Call.TransitionAttempts,
	}, log)
	validator := calls.NewValidator(store, log)

	// Push fallback; degrades to a logging no-op without credentials.
	var sender push.Sender = push.NoopSender{Log: log}
	if cfg.Push.CredentialsFile != "" {
		fcm, err := push.NewFCMSender(rootCtx, cfg.Push.CredentialsFile)
		if err != nil {
			log.Error("fcm init failed", "err", err)
			os.Exit(1)
		}
		sender = fcm
	} else {
		log.Warn("push delivery disabled, no FIREBASE_CREDENTIALS_FILE")
	}
	tokens := push.NewPostgresTokenRepo(db)
	notifier := push.NewService(tokens, sender, log)

	hub := transport.NewHub(log)
	hub.Bind(router.New(store, validator, hub, notifier, log))

	// Every node runs the sweeper; the store's timeout lock keeps them from
	// double-firing.
	sweeper := sweep.NewCoordinator(store, hub, sweep.Config{
		RingTimeout: cfg.Call.RingTimeout,
		Interval:    cfg.Call.SweepInterval,
		BatchSize:   int64(cfg.Call.SweepBatchSize),
	}, log)
	go sweeper.Run(rootCtx)

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	registerRoutes(r, routeDeps{
		cfg:    cfg,
		auth:   authManager,
		authMW: auth.RequireAccessToken(authManager),
		hub:    hub,
		store:  store,
		tokens: tokens,
		log:    log,
	})

	// No ReadTimeout/WriteTimeout: this listener carries long-lived websocket
	// connections and per-message deadlines live in the hub.
	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("signaling api listening", "addr", srv.Addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}
	hub.Close()
}
