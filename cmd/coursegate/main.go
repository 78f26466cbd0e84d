// Package main запускает HTTP-сервер сервиса coursegate.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/coursegate-system/internal/cache"
	"github.com/mmeshcher/coursegate-system/internal/config"
	"github.com/mmeshcher/coursegate-system/internal/content"
	"github.com/mmeshcher/coursegate-system/internal/gateway"
	"github.com/mmeshcher/coursegate-system/internal/handler"
	"github.com/mmeshcher/coursegate-system/internal/middleware"
	"github.com/mmeshcher/coursegate-system/internal/repository"
	"github.com/mmeshcher/coursegate-system/internal/service"
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

	gatewayClient := gateway.NewClient(cfg.GatewayAddress, cfg.GatewayClientID, cfg.GatewayClientSecret)

	storageClient, err := minio.New(cfg.StorageEndpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.StorageAccessKey, cfg.StorageSecretKey, ""),
		Secure: cfg.StorageUseSSL,
	})
	if err != nil {
		sugar.Fatalw("storage initialization error", "error", err.Error())
	}
	storage := content.NewStorage(storageClient, cfg.StorageBucket)

	var accessCache *cache.AccessCache
	if cfg.RedisAddress != "" {
		redisClient := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddress})
		defer redisClient.Close()
		accessCache = cache.NewAccessCache(redisClient)
	}

	svc := service.NewService(repo, gatewayClient, storage, accessCache, cfg.BaseURL)
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

	// Запуск фоновой сверки ожидающих заказов со шлюзом
	g.Go(func() error {
		svc.StartPaymentReconciliation(ctx, time.Minute)
		return nil
	})

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting coursegate server", "addr", cfg.RunAddress)
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
