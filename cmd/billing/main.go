// Package main запускает HTTP-сервер сервиса биллинга.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/campaign-billing/internal/config"
	"github.com/mmeshcher/campaign-billing/internal/gateway"
	"github.com/mmeshcher/campaign-billing/internal/handler"
	"github.com/mmeshcher/campaign-billing/internal/middleware"
	"github.com/mmeshcher/campaign-billing/internal/notify"
	"github.com/mmeshcher/campaign-billing/internal/repository"
	"github.com/mmeshcher/campaign-billing/internal/service"
	"github.com/mmeshcher/campaign-billing/internal/worker"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	var repo service.Repository
	if cfg.DatabaseURI != "" {
		repo, err = repository.NewPostgresRepository(cfg.DatabaseURI)
		if err != nil {
			sugar.Fatalw("database initialization error", "error", err.Error())
		}
	} else {
		sugar.Warn("DATABASE_URI is empty, using in-memory storage")
		repo = repository.NewMemoryRepository()
	}

	var (
		nc       *nats.Conn
		notifier service.Notifier = notify.NewLogNotifier(logger)
	)
	if cfg.NATSURL != "" {
		nc, err = nats.Connect(cfg.NATSURL, nats.Name("campaign-billing"))
		if err != nil {
			sugar.Fatalw("nats connection error", "error", err.Error())
		}
		defer nc.Close()
		notifier = notify.NewNATSNotifier(nc, logger)
	}

	gw := gateway.NewClient(cfg.GatewayBaseURL, cfg.GatewaySecretKey, cfg.WebhookSecret, cfg.GatewayTimeout)

	svc := service.NewService(repo, gw, notifier, logger, service.Options{
		DefaultMonthlyLimit:  cfg.DefaultMonthlyLimit,
		TaxRate:              cfg.TaxRate,
		CallbackURL:          cfg.PaymentCallbackURL,
		GatewayTimeout:       cfg.GatewayTimeout,
		SweepInterval:        cfg.SweepInterval,
		SweepMinAge:          cfg.SweepMinAge,
		TrackerRepairWindow:  cfg.TrackerRepairWindow,
		MaxSecondaryAttempts: cfg.SecondaryMaxAttempts,
	})
	defer svc.Close()

	authMiddleware := middleware.NewAuthMiddleware(cfg.AuthSecret)
	h := handler.NewHandler(svc, logger, authMiddleware)

	server := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           h.SetupRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Фоновая сверка заказов, зависших в Pending. Горутина живёт до отмены ctx,
	// поэтому пул закрывается только после её выхода.
	g.Go(func() error {
		svc.StartPendingSweep(ctx)
		return nil
	})

	if nc != nil {
		retryWorker := worker.NewRetryWorker(svc, nc, logger, cfg.RetryBackoff)
		g.Go(func() error {
			return retryWorker.Start(ctx)
		})
	}

	g.Go(func() error {
		sugar.Infow("starting billing server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
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
