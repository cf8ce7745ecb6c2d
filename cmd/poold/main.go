package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"AgriPool/internal/api"
	"AgriPool/internal/config"
	"AgriPool/internal/converter"
	"AgriPool/internal/coordinator"
	"AgriPool/internal/ledger"
	"AgriPool/internal/logger"
	"AgriPool/internal/notifier"
	"AgriPool/internal/registry"
	"AgriPool/internal/scheduler"
	"AgriPool/internal/service"
	"AgriPool/internal/store"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	// Load config
	cfgPath := "configs/config.yaml"
	if v := os.Getenv("CONFIG_PATH"); v != "" {
		cfgPath = v
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fatalf("load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		fatalf("config validation: %v", err)
	}

	log, err := logger.New(logger.Options{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	})
	if err != nil {
		fatalf("init logger: %v", err)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("AgriPool stopped with error", zap.Error(err))
	}
	log.Info("AgriPool stopped")
}

func run(cfg *config.Config, log *zap.Logger) error {
	log.Info("AgriPool starting", zap.String("addr", cfg.Server.Addr))

	// Context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer st.Close()
	log.Info("store ready", zap.String("driver", st.Name()))

	// Init intake
	var intake converter.Intake
	if cfg.Intake.BaseURL != "" {
		intake = converter.NewHTTPIntake(cfg.Intake.BaseURL, cfg.Intake.APIKey, cfg.Proxy,
			cfg.Intake.Timeout, cfg.Intake.MaxRetries, log.Named("intake"))
	} else {
		intake = converter.NewMockIntake()
	}
	log.Info("financing intake", zap.String("intake", intake.Name()))

	policy, err := registry.ParseGapPolicy(cfg.Pooling.GapPolicy)
	if err != nil {
		return err
	}
	target, err := cfg.DefaultTarget()
	if err != nil {
		return err
	}
	minTarget, err := cfg.MinTarget()
	if err != nil {
		return err
	}

	sched := scheduler.NewScheduler(ctx, log.Named("scheduler"))
	opts := []coordinator.Option{
		coordinator.WithLogger(log.Named("coordinator")),
		coordinator.WithExpiry(sched),
	}

	// Init Telegram notifier
	var tn *notifier.TelegramNotifier
	var alerter *notifier.Alerter
	if cfg.TelegramEnabled() {
		tn = notifier.NewTelegramNotifier(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Proxy, log.Named("telegram"))
		alerter = notifier.NewAlerter(tn, 256, log.Named("alerts"))
		opts = append(opts, coordinator.WithObserver(alerter))
	} else {
		log.Info("telegram not configured, operator alerts disabled")
	}

	coord := coordinator.New(ledger.New(), registry.New(policy), st,
		converter.New(intake, log.Named("converter")), opts...)
	sched.Bind(coord)

	if err := coord.Recover(ctx); err != nil {
		return err
	}

	svc := service.New(coord, service.Settings{
		DefaultTarget:    target,
		MinTarget:        minTarget,
		MatchWindow:      cfg.Pooling.MatchWindow,
		OperationTimeout: cfg.Pooling.OperationTimeout,
	}, log.Named("service"))

	if tn != nil {
		sched.Digest = func(ctx context.Context) {
			if err := tn.SendWithRetry(ctx, svc.Digest(), 3); err != nil {
				log.Error("send digest failed", zap.Error(err))
			}
		}
	}

	// Catch up on deadlines and conversions missed while down
	sched.RunSweepsNow()
	if err := sched.RegisterAll(cfg.Schedule.SweepCron, cfg.Schedule.RetryCron, cfg.Schedule.DigestCron); err != nil {
		return err
	}
	sched.Start()
	defer sched.Stop()

	var limiter *api.RateLimiter
	if cfg.Server.RateLimit > 0 {
		limiter = api.NewRateLimiter(cfg.Server.RateLimit, cfg.Server.RateBurst, log.Named("ratelimit"))
	}
	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      api.NewRouter(svc, limiter, log.Named("api")),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown signal received, stopping...")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if tn != nil {
		g.Go(func() error {
			alerter.Run(gctx)
			return nil
		})
		g.Go(func() error {
			tn.StartPolling(gctx, svc.HandleCommand)
			return nil
		})
		log.Info("telegram polling started")
	}

	log.Info("AgriPool is running. Press Ctrl+C to stop.")
	return g.Wait()
}

func openStore(ctx context.Context, cfg *config.Config, log *zap.Logger) (store.Store, error) {
	switch cfg.Database.Driver {
	case "sqlite":
		return store.NewSQLiteStore(ctx, cfg.Database.SQLitePath, log.Named("store"))
	case "postgres":
		return store.NewPostgresStore(ctx, cfg.Database.PostgresDSN, log.Named("store"))
	default:
		log.Warn("database driver none: pool state will not survive restarts")
		return store.NewNoopStore(), nil
	}
}

func fatalf(format string, args ...any) {
	zap.NewExample().Sugar().Fatalf(format, args...)
}
