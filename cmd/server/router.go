package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/unclebandit/whatsapp-delivery-core/internal/controller"
	"github.com/unclebandit/whatsapp-delivery-core/internal/handler"
)

// newRouter mounts the public routes and, when ops is non-nil, the internal
// operator API.
func newRouter(health *handler.HealthHandler, webhook *handler.WebhookHandler, ops *controller.OpsController) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", health.Healthz)
	r.Post("/webhooks/twilio", webhook.Receive)

	if ops != nil {
		r.Route("/internal", func(r chi.Router) {
			r.Use(ops.RequireToken)
			r.Post("/outbox", ops.EnqueueOutbound)
			r.Get("/dead-letters", ops.ListDeadLetters)
		})
	}

	return r
}
