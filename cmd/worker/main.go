package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/unclebandit/whatsapp-delivery-core/internal/app"
	"github.com/unclebandit/whatsapp-delivery-core/internal/config"
	"github.com/unclebandit/whatsapp-delivery-core/internal/logger"
)

func main() {
	envErr := godotenv.Load()

	cfg := config.MustLoadConfig()
	config.MustPrintConfig(cfg)

	log := logger.MustSetupLogger(cfg.Logger)
	defer log.Sync()

	if envErr != nil {
		log.Debug("No .env file found, relying on environment")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	application := app.MustNew(cfg, log)
	svc := application.Service

	if application.Distributed() {
		if err := application.Queue.Subscribe(cfg.Queue.Topic, svc.Classifier.Handle); err != nil {
			log.Fatal("Failed to subscribe classifier", zap.Error(err))
		}
		log.Info("Classifier consuming", zap.String("topic", cfg.Queue.Topic))
	} else {
		log.Warn("AMQP disabled; classification runs inside the server process")
	}

	var wg sync.WaitGroup

	wg.Add(3)
	go func() {
		defer wg.Done()
		svc.Dispatcher.Start(ctx)
	}()
	go func() {
		defer wg.Done()
		svc.Reaper.Start(ctx)
	}()
	go func() {
		defer wg.Done()
		reportMetrics(ctx, log.Named("metrics"), metricsInterval, metricsSource{
			Queue:      application.QueueStats,
			Dispatcher: svc.Dispatcher.Totals,
		})
	}()

	log.Info("Worker running")

	<-ctx.Done()
	log.Info("Shutdown signal received, waiting for in-flight work")

	wg.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPServer.Timeout.Shutdown)
	defer cancel()

	if err := application.Shutdown(shutdownCtx); err != nil {
		log.Error("Shutdown finished with errors", zap.Error(err))
		return
	}

	log.Info("Worker stopped")
}
