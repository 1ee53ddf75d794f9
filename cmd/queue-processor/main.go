package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prohmpiriya/booking-core/internal/di"
	"github.com/prohmpiriya/booking-core/internal/worker"
	"github.com/prohmpiriya/booking-core/pkg/config"
	"github.com/prohmpiriya/booking-core/pkg/logger"
	"github.com/prohmpiriya/booking-core/pkg/telemetry"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize logger
	logCfg := &logger.Config{
		Level:       cfg.App.Environment,
		ServiceName: "queue-processor",
		Development: cfg.IsDevelopment(),
	}
	if err := logger.Init(logCfg); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	appLog := logger.Get()
	appLog.Info("Starting Queue Processor...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := telemetry.Init(ctx, &telemetry.Config{
		Enabled:        cfg.OTel.Enabled,
		ServiceName:    "queue-processor",
		ServiceVersion: cfg.App.Version,
		Environment:    cfg.App.Environment,
		CollectorAddr:  cfg.OTel.CollectorAddr,
		SampleRatio:    cfg.OTel.SampleRatio,
	}); err != nil {
		appLog.Warn(fmt.Sprintf("Tracing disabled: %v", err))
	}

	containerCfg, err := di.Connect(ctx, cfg, di.ConnectOptions{Kafka: true}, appLog)
	if err != nil {
		appLog.Fatal(err.Error())
	}
	container, err := di.NewContainer(ctx, containerCfg)
	if err != nil {
		appLog.Fatal(fmt.Sprintf("Failed to build container: %v", err))
	}

	appLog.Info(fmt.Sprintf("Worker configuration: Interval=%v, BatchSize=%d, MaxAttempts=%d",
		cfg.Queue.Interval, cfg.Queue.BatchSize, cfg.Queue.MaxAttempts))

	dispatcherDone := make(chan struct{})
	go func() {
		defer close(dispatcherDone)
		container.EventDispatcher.Run(context.Background(), container.Publisher.Events())
	}()

	processorDone := make(chan struct{})
	go func() {
		defer close(processorDone)
		container.QueueProcessor.Start(ctx)
	}()
	appLog.Info("Queue processor started")

	go reportMetrics(ctx, container.QueueProcessor, appLog)

	// Health and metrics for the orchestrator
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/health", container.HealthHandler.Health)
	router.GET("/ready", container.HealthHandler.Ready)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{Addr: addr, Handler: router, ReadHeaderTimeout: 2 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLog.Error(fmt.Sprintf("Metrics server error: %v", err))
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLog.Info("Shutting down queue processor...")
	cancel()
	<-processorDone

	shutdownCtx, stop := context.WithTimeout(context.Background(), 15*time.Second)
	defer stop()

	container.Publisher.Close()
	select {
	case <-dispatcherDone:
	case <-shutdownCtx.Done():
		appLog.Warn("Event dispatcher did not drain before the shutdown deadline")
	}
	_ = srv.Shutdown(shutdownCtx)
	container.Close()
	_ = telemetry.Shutdown(shutdownCtx)

	appLog.Info("Queue processor stopped")
}

// reportMetrics periodically logs processor metrics
func reportMetrics(ctx context.Context, p *worker.QueueProcessor, log *logger.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m := p.GetMetrics()
			if m.TotalProcessed > 0 {
				log.Info(fmt.Sprintf("Metrics: processed=%d promoted=%d expired=%d failed=%d skipped=%d, last run %v",
					m.TotalProcessed, m.TotalPromoted, m.TotalExpired, m.TotalFailed, m.TotalSkipped, m.LastRun.Format(time.RFC3339)))
			}
		}
	}
}
