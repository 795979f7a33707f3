package service_test

import (
	"context"
	"errors"
	"testing"

	appErrors "github.com/unclebandit/whatsapp-delivery-core/internal/errors"
	"github.com/unclebandit/whatsapp-delivery-core/internal/model"
	"github.com/unclebandit/whatsapp-delivery-core/internal/service"
)

func TestContainsPII(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    bool
	}{
		{"e164 number", `{"from":"+2250700000001"}`, true},
		{"prefixed number", `{"from":"whatsapp:+33612345678"}`, true},
		{"bare ten digits", `{"phone":"0612345678"}`, true},
		{"long run behind letters", `{"ref":"abc123456789012"}`, true},
		{"email", `{"contact":"awa.kone@example.ci"}`, true},
		{"card number", `{"card":"4111 1111 1111 1111"}`, true},
		{"uuid ids", `{"message_in_id":"3f2b8c4e-1a2b-4c3d-9e8f-001122334455"}`, false},
		{"provider sid", `{"provider_message_id":"SM9a8b7c6d5e4f3a2b1c0d9e8f7a6b5c4d"}`, false},
		{"short id behind letters", `{"ref":"id1234567890"}`, false},
		{"counts and enums", `{"attempts":5,"reason":"opt_out"}`, false},
		{"bare domain", `{"host":"example.com"}`, false},
		{"digits before letters", `{"code":"1234567890abc"}`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := service.ContainsPII(tt.payload); got != tt.want {
				t.Errorf("ContainsPII(%s) = %v, want %v", tt.payload, got, tt.want)
			}
		})
	}
}

func validEvent() model.EventInput {
	return model.EventInput{
		TenantID:      "tenant-1",
		EventType:     model.EventWebhookReceived,
		EntityType:    model.EntityMessageIn,
		EntityID:      "msg-1",
		CorrelationID: "corr-1",
		ActorType:     model.ActorSystem,
		Payload:       map[string]any{"message_in_id": "msg-1"},
	}
}

func TestLogEventPersists(t *testing.T) {
	events, repo := newEvents()

	e, err := events.LogEvent(context.Background(), validEvent())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e.EntityID == nil || *e.EntityID != "msg-1" {
		t.Errorf("expected entity id, got %v", e.EntityID)
	}
	if string(e.Payload) != `{"message_in_id":"msg-1"}` {
		t.Errorf("unexpected payload %s", e.Payload)
	}
	if repo.Count(model.EventWebhookReceived) != 1 {
		t.Error("expected one stored event")
	}
}

func TestLogEventRejectsPII(t *testing.T) {
	events, repo := newEvents()
	in := validEvent()
	in.Payload = map[string]any{"from": "+2250700000001"}

	_, err := events.LogEvent(context.Background(), in)
	if !errors.Is(err, appErrors.ErrPIIDetected) {
		t.Fatalf("expected ErrPIIDetected, got %v", err)
	}
	if appErrors.KindOf(err) != appErrors.KindValidation {
		t.Errorf("expected validation kind, got %s", appErrors.KindOf(err))
	}
	if len(repo.events) != 0 {
		t.Error("rejected event must not be stored")
	}
}

func TestLogEventValidatesFields(t *testing.T) {
	events, _ := newEvents()

	mutate := map[string]func(*model.EventInput){
		"missing tenant":      func(in *model.EventInput) { in.TenantID = "" },
		"missing correlation": func(in *model.EventInput) { in.CorrelationID = " " },
		"unknown event":       func(in *model.EventInput) { in.EventType = "order_paid" },
		"unknown entity":      func(in *model.EventInput) { in.EntityType = "invoice" },
		"unknown actor":       func(in *model.EventInput) { in.ActorType = "robot" },
	}

	for name, fn := range mutate {
		t.Run(name, func(t *testing.T) {
			in := validEvent()
			fn(&in)
			if _, err := events.LogEvent(context.Background(), in); !errors.Is(err, appErrors.ErrInvalidEvent) {
				t.Errorf("expected ErrInvalidEvent, got %v", err)
			}
		})
	}
}

func TestLogEventSurfacesStorageError(t *testing.T) {
	events, repo := newEvents()
	repo.err = errDBDown

	_, err := events.LogEvent(context.Background(), validEvent())
	if !errors.Is(err, errDBDown) || appErrors.KindOf(err) != appErrors.KindInfra {
		t.Errorf("expected infra error wrapping db failure, got %v", err)
	}
}

func TestIdempotentIgnoredWithoutTenantIsNotStored(t *testing.T) {
	events, repo := newEvents()

	if err := events.IdempotentIgnored(context.Background(), nil, "corr-1", "SM1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(repo.events) != 0 {
		t.Error("tenant-less duplicate must not reach the event table")
	}
}
