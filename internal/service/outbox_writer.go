package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	appErrors "github.com/unclebandit/whatsapp-delivery-core/internal/errors"
	"github.com/unclebandit/whatsapp-delivery-core/internal/model"
	"github.com/unclebandit/whatsapp-delivery-core/internal/phone"
	"github.com/unclebandit/whatsapp-delivery-core/internal/repository"
)

// OutboxWriter is the only entry point for outbound sends. It persists the
// intent; the Dispatcher delivers it.
type OutboxWriter struct {
	Repo repository.OutboundMessageRepositoryInterface
	Log  *zap.Logger
}

func NewOutboxWriter(repo repository.OutboundMessageRepositoryInterface, log *zap.Logger) *OutboxWriter {
	return &OutboxWriter{Repo: repo, Log: log.Named("outbox")}
}

func (w *OutboxWriter) Write(ctx context.Context, intent model.OutboundIntent) (*model.OutboundMessage, error) {
	if err := validateIntent(intent); err != nil {
		return nil, appErrors.Validation("outbox.write", err)
	}

	msg := &model.OutboundMessage{
		ID:            uuid.NewString(),
		TenantID:      intent.TenantID,
		ToNumber:      phone.StripPrefix(intent.To),
		Body:          intent.Body,
		Status:        model.OutboundPending,
		Attempts:      0,
		CorrelationID: intent.CorrelationID,
	}

	if err := w.Repo.Create(ctx, msg); err != nil {
		return nil, appErrors.Infra("outbox.insert", err)
	}

	w.Log.Info("Outbound message queued",
		zap.String("message_out_id", msg.ID),
		zap.String("tenant_id", msg.TenantID),
		zap.String("correlation_id", msg.CorrelationID),
	)

	return msg, nil
}

func validateIntent(in model.OutboundIntent) error {
	fields := []struct{ name, value string }{
		{"tenant_id", in.TenantID},
		{"to", in.To},
		{"body", in.Body},
		{"correlation_id", in.CorrelationID},
	}
	for _, f := range fields {
		if strings.TrimSpace(f.value) == "" {
			return fmt.Errorf("%w: %s is required", appErrors.ErrInvalidIntent, f.name)
		}
	}
	return nil
}
