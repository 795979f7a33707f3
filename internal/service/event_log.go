package service

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	appErrors "github.com/unclebandit/whatsapp-delivery-core/internal/errors"
	"github.com/unclebandit/whatsapp-delivery-core/internal/model"
	"github.com/unclebandit/whatsapp-delivery-core/internal/repository"
)

var (
	uuidToken    = regexp.MustCompile(`[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}`)
	cardNumber   = regexp.MustCompile(`\b\d{4}\s?\d{4}\s?\d{4}\s?\d{4}\b`)
	emailAddress = regexp.MustCompile(`[a-z0-9._%+-]+@[a-z0-9.-]+\.[a-z]{2,}`)
)

// ContainsPII scans a serialized payload for phone numbers, card numbers and
// email addresses. Canonical UUIDs are ignored.
func ContainsPII(serialized string) bool {
	s := strings.ToLower(serialized)
	s = uuidToken.ReplaceAllString(s, "uuid")

	return hasPhoneLikeRun(s) || cardNumber.MatchString(s) || emailAddress.MatchString(s)
}

// hasPhoneLikeRun looks at every maximal digit run that is not followed by a
// letter or digit. A run flags when it is "+" then 9 to 18 digits, when it
// has 10+ digits and is not preceded by a letter, or when it has 11+ digits
// (a 10-digit tail then starts after a digit).
func hasPhoneLikeRun(s string) bool {
	for i := 0; i < len(s); {
		if !isDigit(s[i]) {
			i++
			continue
		}

		start := i
		for i < len(s) && isDigit(s[i]) {
			i++
		}
		n := i - start

		if i < len(s) && isLowerAlpha(s[i]) {
			continue
		}

		var prev byte
		if start > 0 {
			prev = s[start-1]
		}

		switch {
		case prev == '+' && n >= 9 && n <= 18:
			return true
		case n >= 11:
			return true
		case n >= 10 && !isLowerAlpha(prev):
			return true
		}
	}
	return false
}

func isDigit(b byte) bool      { return b >= '0' && b <= '9' }
func isLowerAlpha(b byte) bool { return b >= 'a' && b <= 'z' }

// EventLogger writes the append-only audit trail.
type EventLogger struct {
	Repo repository.EventLogRepositoryInterface
	Log  *zap.Logger
	Now  func() time.Time
}

func NewEventLogger(repo repository.EventLogRepositoryInterface, log *zap.Logger) *EventLogger {
	return &EventLogger{Repo: repo, Log: log.Named("eventlog"), Now: time.Now}
}

// LogEvent validates and persists one event. Validation failures wrap
// ErrInvalidEvent or ErrPIIDetected; storage failures are returned as infra errors.
func (l *EventLogger) LogEvent(ctx context.Context, in model.EventInput) (*model.EventLog, error) {
	if err := validateEvent(in); err != nil {
		return nil, appErrors.Validation("eventlog.validate", err)
	}

	payload := in.Payload
	if payload == nil {
		payload = map[string]any{}
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, appErrors.Validation("eventlog.encode", fmt.Errorf("%w: %v", appErrors.ErrInvalidEvent, err))
	}

	if ContainsPII(string(raw)) {
		return nil, appErrors.Validation("eventlog.validate", appErrors.ErrPIIDetected)
	}

	e := &model.EventLog{
		ID:            uuid.NewString(),
		TenantID:      in.TenantID,
		EventType:     in.EventType,
		EntityType:    in.EntityType,
		CorrelationID: in.CorrelationID,
		ActorType:     in.ActorType,
		Payload:       raw,
		CreatedAt:     l.Now().UTC(),
	}
	if in.EntityID != "" {
		id := in.EntityID
		e.EntityID = &id
	}

	if err := l.Repo.Insert(ctx, e); err != nil {
		return nil, appErrors.Infra("eventlog.insert", err)
	}

	l.Log.Debug("Event logged",
		zap.String("event_type", string(e.EventType)),
		zap.String("tenant_id", e.TenantID),
		zap.String("correlation_id", e.CorrelationID),
	)

	return e, nil
}

func validateEvent(in model.EventInput) error {
	switch {
	case strings.TrimSpace(in.TenantID) == "":
		return fmt.Errorf("%w: tenant id is required", appErrors.ErrInvalidEvent)
	case strings.TrimSpace(in.CorrelationID) == "":
		return fmt.Errorf("%w: correlation id is required", appErrors.ErrInvalidEvent)
	case !in.EventType.Valid():
		return fmt.Errorf("%w: unknown event type %q", appErrors.ErrInvalidEvent, in.EventType)
	case !in.EntityType.Valid():
		return fmt.Errorf("%w: unknown entity type %q", appErrors.ErrInvalidEvent, in.EntityType)
	case !in.ActorType.Valid():
		return fmt.Errorf("%w: unknown actor type %q", appErrors.ErrInvalidEvent, in.ActorType)
	}
	return nil
}

func (l *EventLogger) system(ctx context.Context, tenantID string, et model.EventType, ent model.EntityType, entityID, correlationID string, payload map[string]any) error {
	_, err := l.LogEvent(ctx, model.EventInput{
		TenantID:      tenantID,
		EventType:     et,
		EntityType:    ent,
		EntityID:      entityID,
		CorrelationID: correlationID,
		ActorType:     model.ActorSystem,
		Payload:       payload,
	})
	return err
}

func (l *EventLogger) WebhookReceived(ctx context.Context, tenantID, messageInID, correlationID, providerMessageID string) error {
	return l.system(ctx, tenantID, model.EventWebhookReceived, model.EntityMessageIn, messageInID, correlationID, map[string]any{
		"message_in_id":       messageInID,
		"provider_message_id": providerMessageID,
	})
}

// IdempotentIgnored records a dropped duplicate. Without a tenant the event
// table cannot hold it, so it goes to the application log instead.
func (l *EventLogger) IdempotentIgnored(ctx context.Context, tenantID *string, correlationID, providerMessageID string) error {
	if tenantID == nil || *tenantID == "" {
		l.Log.Warn("Duplicate webhook without tenant",
			zap.String("event_type", string(model.EventIdempotentIgnored)),
			zap.String("correlation_id", correlationID),
			zap.String("provider_message_id", providerMessageID),
		)
		return nil
	}

	return l.system(ctx, *tenantID, model.EventIdempotentIgnored, model.EntityMessageIn, "", correlationID, map[string]any{
		"provider_message_id": providerMessageID,
		"reason":              "duplicate_detected",
	})
}

func (l *EventLogger) MessageSent(ctx context.Context, tenantID, messageOutID, correlationID, providerMessageID string) error {
	return l.system(ctx, tenantID, model.EventMessageSent, model.EntityMessageOut, messageOutID, correlationID, map[string]any{
		"message_out_id":      messageOutID,
		"provider_message_id": providerMessageID,
	})
}

func (l *EventLogger) OptOutRecorded(ctx context.Context, tenantID, optOutID, correlationID string) error {
	return l.system(ctx, tenantID, model.EventOptOutRecorded, model.EntityOptOut, optOutID, correlationID, map[string]any{
		"opt_out_id": optOutID,
	})
}

func (l *EventLogger) MessageBlockedOptOut(ctx context.Context, tenantID, messageOutID, correlationID string) error {
	return l.system(ctx, tenantID, model.EventMessageBlockedOptOut, model.EntityMessageOut, messageOutID, correlationID, map[string]any{
		"message_out_id": messageOutID,
		"reason":         "opt_out",
	})
}

func (l *EventLogger) LiveSessionCreated(ctx context.Context, tenantID, sessionID, correlationID string) error {
	return l.system(ctx, tenantID, model.EventLiveSessionCreated, model.EntitySession, sessionID, correlationID, map[string]any{
		"live_session_id": sessionID,
	})
}

func (l *EventLogger) LiveSessionClosed(ctx context.Context, tenantID, sessionID, correlationID string) error {
	return l.system(ctx, tenantID, model.EventLiveSessionClosed, model.EntitySession, sessionID, correlationID, map[string]any{
		"live_session_id": sessionID,
	})
}

// logEventSafe reports an audit write failure without propagating it.
func logEventSafe(log *zap.Logger, event model.EventType, correlationID string, err error) {
	if err == nil {
		return
	}
	log.Warn("Failed to write event log",
		zap.String("event_type", string(event)),
		zap.String("correlation_id", correlationID),
		zap.Error(err),
	)
}
