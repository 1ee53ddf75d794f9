package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prohmpiriya/booking-core/internal/di"
	"github.com/prohmpiriya/booking-core/internal/handler"
	"github.com/prohmpiriya/booking-core/pkg/config"
	"github.com/prohmpiriya/booking-core/pkg/logger"
	"github.com/prohmpiriya/booking-core/pkg/telemetry"
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
		ServiceName: cfg.App.Name,
		Development: cfg.IsDevelopment(),
	}
	if err := logger.Init(logCfg); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	appLog := logger.Get()
	appLog.Info("Starting booking-core...")

	ctx := context.Background()

	// Initialize tracing
	if _, err := telemetry.Init(ctx, &telemetry.Config{
		Enabled:        cfg.OTel.Enabled,
		ServiceName:    cfg.OTel.ServiceName,
		ServiceVersion: cfg.App.Version,
		Environment:    cfg.App.Environment,
		CollectorAddr:  cfg.OTel.CollectorAddr,
		SampleRatio:    cfg.OTel.SampleRatio,
	}); err != nil {
		appLog.Warn(fmt.Sprintf("Tracing disabled: %v", err))
	}

	// Connect stores and brokers
	containerCfg, err := di.Connect(ctx, cfg, di.ConnectOptions{Kafka: true, PaymentConsumer: true}, appLog)
	if err != nil {
		appLog.Fatal(err.Error())
	}

	container, err := di.NewContainer(ctx, containerCfg)
	if err != nil {
		appLog.Fatal(fmt.Sprintf("Failed to build container: %v", err))
	}
	appLog.Info(fmt.Sprintf("Events sink: %s", container.Sink.Destination()))

	// Start workers
	workerCtx, stopWorkers := context.WithCancel(ctx)
	var workers sync.WaitGroup

	// The dispatcher outlives the workers and stops once the publisher is closed
	dispatcherDone := make(chan struct{})
	go func() {
		defer close(dispatcherDone)
		container.EventDispatcher.Run(context.Background(), container.Publisher.Events())
	}()

	if cfg.Queue.Embedded {
		workers.Add(1)
		go func() {
			defer workers.Done()
			container.QueueProcessor.Start(workerCtx)
		}()
	} else {
		appLog.Info("Embedded queue processor disabled")
	}

	if container.PaymentConsumer != nil {
		workers.Add(1)
		go func() {
			defer workers.Done()
			if err := container.PaymentConsumer.Start(workerCtx); err != nil {
				appLog.Error(fmt.Sprintf("Payment status consumer stopped: %v", err))
			}
		}()
	}

	// Setup Gin
	if !cfg.App.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	router := handler.NewRouter(container.BookingHandler, container.HealthHandler, &handler.RouterConfig{
		ServiceName: cfg.App.Name,
		Version:     cfg.App.Version,
		Idempotency: container.IdempotencyStore(),
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
		ReadHeaderTimeout: 2 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1MB
	}

	// Start server in goroutine
	go func() {
		appLog.Info(fmt.Sprintf("booking-core listening on %s", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLog.Fatal(fmt.Sprintf("Failed to start server: %v", err))
		}
	}()

	// Wait for interrupt signal for graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	appLog.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Stop intake first, then the workers that produce events, then the dispatcher
	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLog.Error(fmt.Sprintf("Server forced to shutdown: %v", err))
	}
	stopWorkers()
	workers.Wait()
	container.Publisher.Close()
	select {
	case <-dispatcherDone:
	case <-shutdownCtx.Done():
		appLog.Warn("Event dispatcher did not drain before the shutdown deadline")
	}

	container.Close()
	if err := telemetry.Shutdown(shutdownCtx); err != nil {
		appLog.Warn(fmt.Sprintf("Failed to flush traces: %v", err))
	}

	appLog.Info("Server exited gracefully")
}
