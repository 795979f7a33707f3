// internal/handler/webhook_handler.go
package handler

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	appErrors "github.com/unclebandit/whatsapp-delivery-core/internal/errors"
	"github.com/unclebandit/whatsapp-delivery-core/internal/model"
	"github.com/unclebandit/whatsapp-delivery-core/internal/ratelimit"
	"github.com/unclebandit/whatsapp-delivery-core/internal/service"
)

const (
	ackBody          = "OK"
	maxWebhookBody   = 1 << 20
	defaultSlowAfter = time.Second
)

// InboundVerifier is the inbound half of provider.Provider.
type InboundVerifier interface {
	SignatureHeader() string
	VerifySignature(fullURL string, params url.Values, signature string) bool
	ParseInbound(params url.Values) (model.InboundDraft, error)
}

type Ingester interface {
	Ingest(ctx context.Context, draft model.InboundDraft) (service.IngestOutcome, error)
}

type Limiter interface {
	Allow(ctx context.Context, key string) bool
}

type WebhookOptions struct {
	// PublicBaseURL overrides the scheme and host used for signature checks.
	PublicBaseURL string
	// AllowInvalidSignature has effect only in devbypass builds outside production.
	AllowInvalidSignature bool
	Production            bool
	SlowThreshold         time.Duration
}

// WebhookHandler receives provider callbacks. It answers 200 for everything
// except a bad signature in strict mode, so the provider never retries.
type WebhookHandler struct {
	Provider InboundVerifier
	Ingress  Ingester
	Limiter  Limiter
	Alerter  service.Alerter
	Log      *zap.Logger
	Opts     WebhookOptions
}

func NewWebhookHandler(p InboundVerifier, ingress Ingester, limiter Limiter, alerter service.Alerter, opts WebhookOptions, log *zap.Logger) *WebhookHandler {
	if opts.SlowThreshold <= 0 {
		opts.SlowThreshold = defaultSlowAfter
	}
	h := &WebhookHandler{
		Provider: p,
		Ingress:  ingress,
		Limiter:  limiter,
		Alerter:  alerter,
		Log:      log.Named("webhook"),
		Opts:     opts,
	}
	if h.bypassSignature() {
		h.Log.Warn("Webhook signature bypass is ACTIVE; invalid signatures will be accepted")
	}
	return h
}

func (h *WebhookHandler) bypassSignature() bool {
	return devBypassCompiled && h.Opts.AllowInvalidSignature && !h.Opts.Production
}

// Receive handles POST /webhooks/twilio.
func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ip := ratelimit.ClientIP(r)
	log := h.Log.With(zap.String("client_ip", ip))

	defer func() {
		if took := time.Since(start); took > h.Opts.SlowThreshold {
			log.Warn("Slow webhook", zap.Duration("took", took), zap.Duration("threshold", h.Opts.SlowThreshold))
		}
	}()

	// work continues if the provider hangs up
	ctx := context.WithoutCancel(r.Context())

	if !h.Limiter.Allow(ctx, ip) {
		log.Warn("Webhook rate limited")
		ack(w)
		return
	}

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		log.Warn("Unreadable webhook body", zap.Error(err))
		ack(w)
		return
	}

	params, err := url.ParseQuery(string(raw))
	if err != nil {
		log.Warn("Malformed webhook form", zap.Error(err))
		ack(w)
		return
	}

	fullURL := h.externalURL(r)
	signature := r.Header.Get(h.Provider.SignatureHeader())

	if !h.Provider.VerifySignature(fullURL, params, signature) {
		if !h.bypassSignature() {
			log.Error("Invalid webhook signature, request rejected", zap.String("url", fullURL))
			http.Error(w, "Invalid signature", http.StatusUnauthorized)
			return
		}
		log.Warn("Invalid webhook signature accepted by dev bypass", zap.String("url", fullURL))
	}

	draft, err := h.Provider.ParseInbound(params)
	if err != nil {
		log.Warn("Webhook payload rejected", zap.Error(err))
		ack(w)
		return
	}

	log = log.With(
		zap.String("correlation_id", draft.CorrelationID),
		zap.String("provider_message_id", draft.ProviderMessageID),
	)

	outcome, err := h.Ingress.Ingest(ctx, draft)
	if err != nil {
		if appErrors.KindOf(err) == appErrors.KindValidation {
			log.Warn("Webhook ingestion rejected", zap.Error(err))
		} else {
			h.Alerter.Critical(ctx, "Webhook ingestion failed", err,
				zap.String("correlation_id", draft.CorrelationID),
				zap.String("provider_message_id", draft.ProviderMessageID),
			)
		}
		ack(w)
		return
	}

	log.Info("Webhook processed",
		zap.String("outcome", string(outcome)),
		zap.Duration("took", time.Since(start)),
	)
	ack(w)
}

// externalURL rebuilds the URL the provider signed. Behind a proxy the
// forwarded host and scheme win over the local listener.
func (h *WebhookHandler) externalURL(r *http.Request) string {
	if base := strings.TrimRight(h.Opts.PublicBaseURL, "/"); base != "" {
		return base + r.URL.RequestURI()
	}

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if p := firstValue(r.Header.Get("X-Forwarded-Proto")); p != "" {
		scheme = p
	}

	host := r.Host
	if fh := firstValue(r.Header.Get("X-Forwarded-Host")); fh != "" {
		host = fh
	}

	return scheme + "://" + host + r.URL.RequestURI()
}

func firstValue(h string) string {
	v, _, _ := strings.Cut(h, ",")
	return strings.TrimSpace(v)
}

func ack(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, ackBody)
}
