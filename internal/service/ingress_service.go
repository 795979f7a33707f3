package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	appErrors "github.com/unclebandit/whatsapp-delivery-core/internal/errors"
	"github.com/unclebandit/whatsapp-delivery-core/internal/model"
	"github.com/unclebandit/whatsapp-delivery-core/internal/phone"
	"github.com/unclebandit/whatsapp-delivery-core/internal/queue"
	"github.com/unclebandit/whatsapp-delivery-core/internal/repository"
)

const DefaultClassifyTopic = "inbound.classify"

// IngestOutcome says what happened to one webhook delivery.
type IngestOutcome string

const (
	IngestAccepted  IngestOutcome = "accepted"
	IngestDuplicate IngestOutcome = "duplicate"
	IngestNoTenant  IngestOutcome = "no_tenant"
)

type TenantResolver interface {
	FindIDByWhatsAppNumber(ctx context.Context, number string) (string, error)
}

// IngressService persists a parsed webhook exactly once and hands it to the
// classification queue.
type IngressService struct {
	Tenants TenantResolver
	Inbound repository.InboundMessageRepositoryInterface
	Events  *EventLogger
	Queue   queue.Queue
	Topic   string
	Log     *zap.Logger
	Now     func() time.Time
}

func NewIngressService(tenants TenantResolver, inbound repository.InboundMessageRepositoryInterface, events *EventLogger, q queue.Queue, topic string, log *zap.Logger) *IngressService {
	if topic == "" {
		topic = DefaultClassifyTopic
	}
	return &IngressService{
		Tenants: tenants,
		Inbound: inbound,
		Events:  events,
		Queue:   q,
		Topic:   topic,
		Log:     log.Named("ingress"),
		Now:     time.Now,
	}
}

// JobID is the queue identity of an inbound message.
func JobID(tenantID, providerMessageID string) string {
	return tenantID + "-" + providerMessageID
}

// Ingest stores the draft and enqueues classification. Duplicates are not an
// error. Returned errors carry an appErrors kind so the caller can tell infra
// failures from bad input.
func (s *IngressService) Ingest(ctx context.Context, draft model.InboundDraft) (IngestOutcome, error) {
	if draft.ProviderMessageID == "" || draft.To == "" {
		return "", appErrors.Validation("ingress.draft", appErrors.ErrMissingField)
	}

	tenantID, err := s.resolveTenant(ctx, draft.To)
	if err != nil {
		return "", appErrors.Infra("ingress.resolve_tenant", err)
	}

	if tenantID == "" {
		return s.ingestOrphan(ctx, draft)
	}

	existing, err := s.Inbound.FindByProviderID(ctx, &tenantID, draft.ProviderMessageID)
	if err != nil {
		return "", appErrors.Infra("ingress.find_duplicate", err)
	}
	if existing != nil {
		s.ignoreDuplicate(ctx, &tenantID, existing.CorrelationID, draft.ProviderMessageID)
		return IngestDuplicate, nil
	}

	msg := s.newMessage(draft, &tenantID)
	if err := s.Inbound.Create(ctx, msg); err != nil {
		if !appErrors.IsUniqueViolation(err) {
			return "", appErrors.Infra("ingress.persist", err)
		}

		// lost a concurrent insert; audit against the winner's correlation id
		corr := draft.CorrelationID
		if winner, ferr := s.Inbound.FindByProviderID(ctx, &tenantID, draft.ProviderMessageID); ferr == nil && winner != nil {
			corr = winner.CorrelationID
		}
		s.ignoreDuplicate(ctx, &tenantID, corr, draft.ProviderMessageID)
		return IngestDuplicate, nil
	}

	logEventSafe(s.Log, model.EventWebhookReceived, msg.CorrelationID,
		s.Events.WebhookReceived(ctx, tenantID, msg.ID, msg.CorrelationID, msg.ProviderMessageID))

	job, err := queue.NewJob(JobID(tenantID, msg.ProviderMessageID), s.Topic, model.NewClassifyJob(*msg))
	if err != nil {
		return "", appErrors.Infra("ingress.encode_job", err)
	}

	if err := s.Queue.Publish(ctx, job); err != nil {
		if errors.Is(err, queue.ErrDuplicateJob) {
			s.Log.Debug("Classification job already queued", zap.String("job_id", job.ID))
			return IngestAccepted, nil
		}
		return "", appErrors.Infra("ingress.enqueue", err)
	}

	s.Log.Info("Inbound message accepted",
		zap.String("tenant_id", tenantID),
		zap.String("message_in_id", msg.ID),
		zap.String("correlation_id", msg.CorrelationID),
		zap.String("job_id", job.ID),
	)

	return IngestAccepted, nil
}

// resolveTenant tries the bare number first, then the prefixed form. An
// unknown number returns "" with no error.
func (s *IngressService) resolveTenant(ctx context.Context, to string) (string, error) {
	for _, candidate := range []string{phone.StripPrefix(to), phone.WithPrefix(to)} {
		id, err := s.Tenants.FindIDByWhatsAppNumber(ctx, candidate)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, appErrors.ErrTenantNotFound) {
			return "", err
		}
	}
	return "", nil
}

// ingestOrphan keeps a trace of messages for unknown numbers. They are never
// classified.
func (s *IngressService) ingestOrphan(ctx context.Context, draft model.InboundDraft) (IngestOutcome, error) {
	s.Log.Warn("Tenant not found for destination number",
		zap.String("correlation_id", draft.CorrelationID),
		zap.String("provider_message_id", draft.ProviderMessageID),
	)

	existing, err := s.Inbound.FindByProviderID(ctx, nil, draft.ProviderMessageID)
	if err != nil {
		return "", appErrors.Infra("ingress.find_orphan", err)
	}
	if existing != nil {
		s.ignoreDuplicate(ctx, nil, draft.CorrelationID, draft.ProviderMessageID)
		return IngestDuplicate, nil
	}

	if err := s.Inbound.Create(ctx, s.newMessage(draft, nil)); err != nil {
		if appErrors.IsUniqueViolation(err) {
			s.Log.Debug("Concurrent orphan duplicate", zap.String("provider_message_id", draft.ProviderMessageID))
			return IngestDuplicate, nil
		}
		return "", appErrors.Infra("ingress.persist_orphan", err)
	}

	return IngestNoTenant, nil
}

func (s *IngressService) ignoreDuplicate(ctx context.Context, tenantID *string, correlationID, providerMessageID string) {
	s.Log.Info("Duplicate webhook ignored",
		zap.String("correlation_id", correlationID),
		zap.String("provider_message_id", providerMessageID),
	)
	logEventSafe(s.Log, model.EventIdempotentIgnored, correlationID,
		s.Events.IdempotentIgnored(ctx, tenantID, correlationID, providerMessageID))
}

func (s *IngressService) newMessage(draft model.InboundDraft, tenantID *string) *model.InboundMessage {
	corr := draft.CorrelationID
	if corr == "" {
		corr = uuid.NewString()
	}
	return &model.InboundMessage{
		ID:                uuid.NewString(),
		TenantID:          tenantID,
		FromNumber:        draft.From,
		ToNumber:          phone.StripPrefix(draft.To),
		Body:              draft.Body,
		MediaURL:          draft.MediaURL,
		ProviderMessageID: draft.ProviderMessageID,
		CorrelationID:     corr,
		ReceivedAt:        s.Now().UTC(),
	}
}
