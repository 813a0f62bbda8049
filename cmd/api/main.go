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

	"carecall-platform/internal/auth"
	"carecall-platform/internal/callconfig"
	"carecall-platform/internal/callrecord"
	"carecall-platform/internal/config"
	"carecall-platform/internal/directory"
	"carecall-platform/internal/dispatch"
	"carecall-platform/internal/httpapi"
	"carecall-platform/internal/lock"
	"carecall-platform/internal/notify"
	"carecall-platform/internal/orchestrator"
	"carecall-platform/internal/retry"
	"carecall-platform/internal/tasks"
	"carecall-platform/internal/telephony"
	"carecall-platform/pkg/logger"
	"carecall-platform/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/robfig/cron/v3"
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

	// Persistence and collaborators.
	records := callrecord.NewPostgresRepo(db)
	configs := callconfig.NewPostgresRepo(db)
	dir := directory.NewPostgresDirectory(db)
	locks := lock.NewService(lock.NewPostgresStore(db))
	queue := tasks.NewRedisQueue(rdb)
	kill := dispatch.NewRedisKillSwitch(rdb, log)
	notifier := notify.NewLogSender(log)

	var provider telephony.CallProvider
	switch cfg.Provider.Name {
	case "twilio":
		provider = telephony.NewTwilioProvider(cfg.Provider, rdb)
	default:
		provider = telephony.NewMockProvider(log)
	}
	log.Info("voice provider selected", "provider", provider.Name())

	callTimeout := time.Duration(cfg.Scheduler.CallTimeoutMinutes) * time.Minute

	// Core engine: orchestrator and retry handler reference each other
	// through narrow interfaces; the retry side is attached after both
	// exist.
	orch := orchestrator.New(orchestrator.Config{
		Locks:       locks,
		Records:     records,
		Patients:    dir,
		Medicines:   dir,
		Provider:    provider,
		Tasks:       queue,
		Log:         log,
		BatchSize:   cfg.Scheduler.BatchSize,
		LockTTL:     cfg.Scheduler.LockTTL,
		CallTimeout: callTimeout,
	})
	retries := retry.NewHandler(retry.Config{
		Locks:     locks,
		Records:   records,
		Configs:   configs,
		Patients:  dir,
		Medicines: dir,
		Notifier:  notifier,
		Tasks:     queue,
		Log:       log,
		LockTTL:   cfg.Scheduler.LockTTL,
	}, orch)
	orch.SetRetryScheduler(retries)

	timeouts := dispatch.NewTimeoutDetector(records, dir, retries, callTimeout, log)
	pusher := dispatch.NewPusher(configs, dir, queue, orch, retries, timeouts, kill, notifier, log)

	// Delayed-task consumer: timeout checks always flow through it, and in
	// push mode so do call and retry triggers.
	dispatcher := tasks.NewDispatcher(queue, log)
	dispatcher.Handle(dispatch.CallDispatchPath, pusher.HandleCallTrigger)
	dispatcher.Handle(retry.RetryDispatchPath, pusher.HandleRetryTrigger)
	dispatcher.Handle(orchestrator.TimeoutCheckPath, pusher.HandleTimeoutCheck)
	go dispatcher.Run(rootCtx)

	switch cfg.Scheduler.Strategy {
	case "push":
		// Plan the remainder of today immediately, then every day shortly
		// after midnight. Rerunning the planning pass is idempotent.
		if _, err := pusher.RegisterDay(rootCtx, time.Now()); err != nil {
			log.Error("initial day planning failed", "err", err)
		}
		planner := cron.New()
		if _, err := planner.AddFunc("5 0 * * *", func() {
			if _, err := pusher.RegisterDay(rootCtx, time.Now()); err != nil {
				log.Error("day planning failed", "err", err)
			}
		}); err != nil {
			log.Error("planner init failed", "err", err)
			os.Exit(1)
		}
		planner.Start()
		defer planner.Stop()
	default:
		poller := dispatch.NewPoller(configs, dir, orch, retries, timeouts, kill, notifier, cfg.Scheduler.TickSpec, log)
		go func() {
			if err := poller.Run(rootCtx); err != nil {
				log.Error("poller stopped", "err", err)
				stop()
			}
		}()
	}

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	h := httpapi.Handlers{
		Auth:         authManager,
		Orchestrator: orch,
		Pusher:       pusher,
		Kill:         kill,
		Patients:     dir,
		Configs:      configs,
		Records:      records,
		Provider:     provider,
		DB:           db,
		Redis:        rdb,
	}
	registerRoutes(r, h, auth.RequireAccessToken(authManager))

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env, "strategy", cfg.Scheduler.Strategy)
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
