// Package main запускает сервис обмена звёзд Telegram: HTTP API, вебхук бота и фоновую очистку.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/starsgate/internal/config"
	"github.com/mmeshcher/starsgate/internal/eventbus"
	"github.com/mmeshcher/starsgate/internal/fanout"
	"github.com/mmeshcher/starsgate/internal/handler"
	"github.com/mmeshcher/starsgate/internal/middleware"
	"github.com/mmeshcher/starsgate/internal/pricing"
	"github.com/mmeshcher/starsgate/internal/ratelimit"
	"github.com/mmeshcher/starsgate/internal/repository"
	"github.com/mmeshcher/starsgate/internal/service"
	"github.com/mmeshcher/starsgate/internal/telegram"
)

const initDataMaxAge = 24 * time.Hour

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}
	if err := cfg.Validate(); err != nil {
		sugar.Fatalw("invalid configuration", "error", err.Error())
	}

	prices, err := pricing.Load(cfg.PriceTablePath)
	if err != nil {
		sugar.Fatalw("price table error", "error", err.Error())
	}
	if cfg.SettlementCurrency != "" {
		prices.Currency = cfg.SettlementCurrency
	}

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bot := telegram.NewClient(cfg.BotAPIURL, cfg.BotToken, cfg.GatewayTimeout)

	opts := service.Options{
		Admins:             cfg.AdminIDs,
		SupportContact:     cfg.SupportContact,
		GatewayTimeout:     cfg.GatewayTimeout,
		PreCheckoutTimeout: cfg.PreCheckoutTimeout,
		DialogTTL:          cfg.DialogTTL,
		SweepInterval:      cfg.SweepInterval,
		Logger:             logger,
	}

	var bus *eventbus.Bus
	if cfg.NatsURL != "" {
		bus, err = eventbus.Connect(cfg.NatsURL, cfg.OrderEventsSubject, logger)
		if err != nil {
			sugar.Fatalw("event bus initialization error", "error", err.Error())
		}
		defer bus.Close()
		opts.Publisher = bus
	}

	svc := service.NewService(repo, bot, bot, fanout.New(bot, cfg.AdminIDs, logger), prices, opts)
	defer svc.Close()

	handlerOpts := handler.Options{
		IntakeRateLimit: cfg.IntakeRateLimit,
		WebhookSecret:   cfg.WebhookSecret,
	}
	if cfg.RedisAddr != "" {
		limiter, err := ratelimit.NewRedisLimiter(ctx, cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			sugar.Warnw("rate limiter disabled", "error", err.Error())
		} else {
			defer limiter.Close()
			handlerOpts.Limiter = limiter
		}
	}

	authMiddleware := middleware.NewAuthMiddleware(cfg.BotToken, initDataMaxAge)
	h := handler.NewHandler(svc, logger, authMiddleware, handlerOpts)

	r := h.SetupRouter()

	server := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	// Просроченные сессии, диалоги и незавершённые возвраты
	g.Go(func() error {
		return svc.StartSweeper(ctx)
	})

	if bus != nil {
		g.Go(func() error {
			return bus.SubscribeGatewayEvents(ctx, cfg.GatewayEventsSubject, svc)
		})
	}

	g.Go(func() error {
		sugar.Infow("starting starsgate server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}
