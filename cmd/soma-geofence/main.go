package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"soma-geofence/common/logger"
	"soma-geofence/internal/config"
	"soma-geofence/internal/service"

	"go.uber.org/zap"
)

func main() {
	// 加载配置
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 初始化Logger
	zapLogger, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, "soma-geofence")
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer zapLogger.Sync()

	zapLogger.Info("Starting soma-geofence service",
		zap.String("http_addr", cfg.HTTP.Addr),
		zap.String("location_stream", cfg.Ingest.LocationStream),
		zap.String("outbox_backend", cfg.Outbox.Backend),
		zap.Int("confirm_samples", cfg.Geofence.ConfirmSamples),
		zap.Float64("threshold_meters", cfg.Geofence.DefaultThresholdMeters),
	)

	// 创建服务
	trackingService, err := service.NewTrackingService(cfg, zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to create tracking service", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 在 goroutine 中启动服务
	go func() {
		if err := trackingService.Start(ctx); err != nil {
			zapLogger.Fatal("Tracking service failed", zap.Error(err))
		}
	}()

	// 等待中断信号
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	zapLogger.Info("Received signal, shutting down", zap.String("signal", sig.String()))

	// 优雅关闭
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := trackingService.Stop(shutdownCtx); err != nil {
		zapLogger.Error("Error during shutdown", zap.Error(err))
	}

	zapLogger.Info("Service stopped")
}
