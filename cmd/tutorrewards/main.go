// Package main запускает HTTP-сервер сервиса вознаграждений репетиторов.
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

	"github.com/mmeshcher/tutor-rewards/internal/config"
	"github.com/mmeshcher/tutor-rewards/internal/handler"
	"github.com/mmeshcher/tutor-rewards/internal/notify"
	"github.com/mmeshcher/tutor-rewards/internal/repository"
	"github.com/mmeshcher/tutor-rewards/internal/service"
)

const dispatchInterval = time.Second

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
		pg, err := repository.NewPostgresRepository(cfg.DatabaseURI)
		if err != nil {
			sugar.Fatalw("database initialization error", "error", err.Error())
		}
		repo = pg
	} else {
		sugar.Warn("DATABASE_URI is empty, using in-memory store")
		repo = repository.NewMemoryRepository()
	}

	var notifier service.Notifier
	if cfg.NotifierAddress != "" {
		notifier = notify.NewClient(cfg.NotifierAddress)
	}

	svc := service.NewService(repo, notifier, logger, service.WithStoreTimeout(cfg.StoreTimeout))
	defer svc.Close()

	h := handler.NewHandler(svc, logger, cfg.CORSOrigins)

	server := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           h.SetupRouter(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Пересчёт ставок, отставших от уровня
	g.Go(func() error {
		svc.RunRateReconciliation(ctx, cfg.ReconcileInterval)
		return nil
	})

	// Доставка фактов о достижениях
	g.Go(func() error {
		svc.RunAchievementDispatch(ctx, dispatchInterval)
		return nil
	})

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting tutor rewards server", "addr", cfg.RunAddress)
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
