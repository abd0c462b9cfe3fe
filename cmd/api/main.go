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

	"call-dispatcher/internal/audit"
	"call-dispatcher/internal/auth"
	"call-dispatcher/internal/config"
	"call-dispatcher/internal/dispatch"
	"call-dispatcher/internal/gateway"
	"call-dispatcher/internal/httpapi"
	"call-dispatcher/internal/metrics"
	"call-dispatcher/internal/migrations"
	"call-dispatcher/internal/rbac"
	"call-dispatcher/internal/reconcile"
	"call-dispatcher/internal/reporting"
	"call-dispatcher/internal/telephony"
	"call-dispatcher/pkg/logger"
	"call-dispatcher/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const cycleCapKey = "call-dispatcher:cycles"

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env, "call-dispatcher")
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}
	authenticator, err := auth.NewAuthenticator(cfg.Auth.Users, rbac.IsKnownRole)
	if err != nil {
		log.Error("auth users invalid", "err", err)
		os.Exit(1)
	}

	db, err := utils.OpenPostgres(rootCtx, cfg.PostgresDSN(), utils.PostgresPoolConfig{MaxOpenConns: cfg.DB.MaxOpenConns})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	if cfg.DB.AutoMigrate {
		if err := migrations.Apply(rootCtx, db); err != nil {
			log.Error("migrations failed", "err", err)
			os.Exit(1)
		}
		log.Info("migrations applied")
	}

	var gate httpapi.CycleGate
	if cfg.RedisEnabled() {
		rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{
			Addr:     cfg.RedisAddr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			log.Error("redis init failed", "err", err)
			os.Exit(1)
		}
		defer rdb.Close()

		if cfg.Dispatch.MaxConcurrentCycles > 0 {
			gate = utils.ConcurrencyCap{
				Client: rdb,
				Key:    cycleCapKey,
				Limit:  cfg.Dispatch.MaxConcurrentCycles,
				TTL:    cfg.Dispatch.CycleLeaseTTL,
			}
		}
	}

	gw, err := gateway.NewClient(gateway.Config{
		URL:     cfg.Gateway.URL,
		Key:     cfg.Gateway.Key,
		Timeout: cfg.Gateway.Timeout,
	})
	if err != nil {
		log.Error("gateway client init failed", "err", err)
		os.Exit(1)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	reconciler := reconcile.NewService(reconcile.NewPGRepo(db)).WithObserver(m)
	store := dispatch.NewPGStore(db)
	dispatcher := dispatch.NewService(store, gw, dispatch.Config{
		DefaultBatchLimit: cfg.Dispatch.DefaultBatchLimit,
		MaxBatchLimit:     cfg.Dispatch.MaxBatchLimit,
	}).WithRecorder(reconciler).WithObserver(m)

	deps := routeDeps{
		authMW:  auth.RequireAccessToken(authManager),
		metrics: m,
		api: httpapi.Handlers{
			Auth:          authManager,
			Authenticator: authenticator,
			Dispatch:      dispatcher,
			Lines:         dispatch.NewLineService(store),
			Audit:         audit.NewService(audit.NewPGRepo(db)),
			Reports:       reporting.NewService(reporting.NewPGRepo(db)),
			CycleGate:     gate,
		},
		webhooks: telephony.StatusWebhookHandler{
			Reconciler:      reconciler,
			TwilioAuthToken: cfg.Twilio.AuthToken,
			PublicBaseURL:   cfg.Twilio.PublicBaseURL,
		},
		ready: func(ctx context.Context) error {
			return utils.HealthCheck(ctx, db, 2*time.Second)
		},
	}

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))
	r.Use(m.Middleware())

	registerRoutes(r, deps)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// A cycle waits on the gateway after commit.
		WriteTimeout: cfg.Gateway.Timeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env, "cycle_cap", cfg.Dispatch.MaxConcurrentCycles)
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
}
