// Package main запускает HTTP-сервер сервиса вывоза отходов.
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

	"github.com/mmeshcher/wastehub-system/internal/config"
	"github.com/mmeshcher/wastehub-system/internal/gateway"
	"github.com/mmeshcher/wastehub-system/internal/handler"
	"github.com/mmeshcher/wastehub-system/internal/middleware"
	"github.com/mmeshcher/wastehub-system/internal/notify"
	"github.com/mmeshcher/wastehub-system/internal/reconcile"
	"github.com/mmeshcher/wastehub-system/internal/repository"
	"github.com/mmeshcher/wastehub-system/internal/service"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}
	defer repo.Close()

	var providers []gateway.Provider
	if cfg.MomoAPIAddress != "" {
		providers = append(providers, gateway.NewMomoProvider(cfg.MomoAPIAddress, cfg.MomoAPIKey))
	}
	if cfg.AirtelAPIAddress != "" {
		providers = append(providers, gateway.NewAirtelProvider(cfg.AirtelAPIAddress, cfg.AirtelAPIKey))
	}
	registry := gateway.NewRegistry(providers...)

	var notifier notify.Notifier = notify.Noop{}
	switch {
	case cfg.AMQPURI != "":
		publisher, err := notify.NewAMQPPublisher(cfg.AMQPURI)
		if err != nil {
			sugar.Fatalw("amqp initialization error", "error", err.Error())
		}
		defer publisher.Close()
		notifier = publisher
	case cfg.SMSGatewayAddress != "":
		notifier = notify.NewSMSClient(cfg.SMSGatewayAddress)
	}

	dispatcher := notify.NewDispatcher(notifier, logger)
	defer dispatcher.Wait()

	engine := reconcile.NewEngine(repo, registry.TranslateStatus, dispatcher, logger)

	svc := service.NewService(repo, registry, engine, dispatcher, logger, service.Options{
		CollectionFee:     cfg.CollectionFee,
		Currency:          cfg.Currency,
		LocationStaleness: cfg.LocationStaleness,
		NearestLimit:      cfg.NearestLimit,
	})
	defer svc.Close()

	authMiddleware := middleware.NewAuthMiddleware(cfg.AuthSecret)
	h := handler.NewHandler(svc, logger, authMiddleware)

	r := h.SetupRouter()

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Запуск фонового цикла достройки проекции платежей
	g.Go(func() error {
		svc.StartProjectionRepair(ctx)
		return nil
	})

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting wastehub server", "addr", cfg.RunAddress)
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
