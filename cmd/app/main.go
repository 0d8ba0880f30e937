package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"flowershop-bot/internal/bot"
	"flowershop-bot/internal/cache"
	"flowershop-bot/internal/config"
	"flowershop-bot/internal/crm"
	"flowershop-bot/internal/httpserver"
	"flowershop-bot/internal/ledger"
	"flowershop-bot/internal/logging"
	"flowershop-bot/internal/metrics"
	"flowershop-bot/internal/monitor"
	"flowershop-bot/internal/notify"
	"flowershop-bot/internal/ratelimit"
	"flowershop-bot/migrations"

	"github.com/joho/godotenv"
	tele "gopkg.in/telebot.v3"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting flowershop-bot", "env", cfg.AppEnv, "admins", len(cfg.Admins))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metricRegistry := metrics.Registry(cfg.MetricsNamespace)

	var store ledger.Store
	if cfg.DatabaseURL != "" {
		store, err = ledger.NewPostgres(ctx, cfg.DatabaseURL, logger)
	} else {
		store, err = ledger.NewSQLite(ctx, cfg.DatabasePath, logger)
	}
	if err != nil {
		return fmt.Errorf("init ledger: %w", err)
	}
	defer store.Close()

	if err := store.RunMigrations(ctx, migrations.Files); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	logger.Info("database migrated")

	redisClient := cache.New(cache.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		UseTLS:   cfg.RedisTLS,
	}, logger)
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("failed closing redis", "error", err)
		}
	}()
	if err := redisClient.Ping(ctx); err != nil {
		logger.Warn("redis ping failed, rate limiting fails open", "error", err)
	}

	limiter := ratelimit.New(ratelimit.NewRedisStore(redisClient.Client()), logger)

	crmClient := crm.New(crm.Config{
		BaseURL: cfg.CRMBaseURL,
		APIKey:  cfg.CRMAPIKey,
		Timeout: cfg.CRMTimeout,
	}, logger, metricRegistry, redisClient)

	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.BotToken,
		Poller: &tele.LongPoller{Timeout: 10 * time.Second},
	})
	if err != nil {
		return fmt.Errorf("init telegram bot: %w", err)
	}

	handlers := bot.New(ctx, crmClient, store, limiter, cfg, logger, metricRegistry)
	handlers.Register(b)

	dispatcher := notify.NewDispatcher(notify.NewTelegramMessenger(b), cfg.Admins, logger, metricRegistry)

	mon := monitor.New(crmClient, dispatcher, store, monitor.Options{
		Interval:       cfg.PollInterval,
		StatusTarget:   cfg.StatusTarget,
		StatusReturned: cfg.StatusReturned,
	}, logger, metricRegistry)
	mon.Start(ctx)
	defer mon.Stop()

	go func() {
		b.Start()
	}()
	defer b.Stop()

	httpSrv := httpserver.New(cfg.HTTPListenAddr, logger, httpserver.Dependencies{
		Ledger: store,
		CRM:    crmClient,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := httpSrv.Start(); err != nil {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}

	return nil
}
