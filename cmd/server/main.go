package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/unclebandit/whatsapp-delivery-core/internal/app"
	"github.com/unclebandit/whatsapp-delivery-core/internal/config"
	"github.com/unclebandit/whatsapp-delivery-core/internal/controller"
	"github.com/unclebandit/whatsapp-delivery-core/internal/handler"
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

	// Without RabbitMQ the queue lives in this process, so the server
	// consumes its own classification jobs.
	if !application.Distributed() {
		if err := application.Queue.Subscribe(cfg.Queue.Topic, svc.Classifier.Handle); err != nil {
			log.Fatal("Failed to subscribe classifier", zap.Error(err))
		}
		log.Info("Classifier running in-process", zap.String("topic", cfg.Queue.Topic))
	}

	webhook := handler.NewWebhookHandler(application.Provider, svc.Ingress, application.Limiter(), svc.Alerter,
		handler.WebhookOptions{
			PublicBaseURL:         cfg.Webhook.PublicBaseURL,
			AllowInvalidSignature: cfg.AllowInvalidSignature(),
			Production:            cfg.IsProduction(),
			SlowThreshold:         cfg.Webhook.SlowThreshold,
		}, log)

	var ops *controller.OpsController
	if cfg.Ops.Token != "" {
		ops = &controller.OpsController{
			Outbox:      svc.Outbox,
			DeadLetters: svc.DeadLetters,
			Token:       cfg.Ops.Token,
			Log:         log.Named("ops"),
		}
	} else {
		log.Info("Ops token not set, internal API disabled")
	}

	srv := &http.Server{
		Addr:         cfg.HTTPServer.Addr(),
		Handler:      newRouter(&handler.HealthHandler{DB: application.DB}, webhook, ops),
		ReadTimeout:  cfg.HTTPServer.Timeout.Read,
		WriteTimeout: cfg.HTTPServer.Timeout.Write,
		IdleTimeout:  cfg.HTTPServer.Timeout.Idle,
	}

	errs := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("Shutdown signal received")
	case err := <-errs:
		log.Error("HTTP server failed", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPServer.Timeout.Shutdown)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Failed to shutdown http server", zap.Error(err))
	}

	if err := application.Shutdown(shutdownCtx); err != nil {
		log.Error("Shutdown finished with errors", zap.Error(err))
		return
	}

	log.Info("Server stopped")
}
