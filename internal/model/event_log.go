package model

import (
	"encoding/json"
	"time"
)

type EventType string

const (
	EventWebhookReceived      EventType = "webhook_received"
	EventMessageSent          EventType = "message_sent"
	EventIdempotentIgnored    EventType = "idempotent_ignored"
	EventOptOutRecorded       EventType = "opt_out_recorded"
	EventMessageBlockedOptOut EventType = "message_blocked_optout"
	EventLiveSessionCreated   EventType = "live_session_created"
	EventLiveSessionClosed    EventType = "live_session_closed"
)

func (t EventType) Valid() bool {
	switch t {
	case EventWebhookReceived, EventMessageSent, EventIdempotentIgnored, EventOptOutRecorded,
		EventMessageBlockedOptOut, EventLiveSessionCreated, EventLiveSessionClosed:
		return true
	}
	return false
}

type EntityType string

const (
	EntityMessageIn   EntityType = "message_in"
	EntityMessageOut  EntityType = "message_out"
	EntityReservation EntityType = "reservation"
	EntityOrder       EntityType = "order"
	EntitySession     EntityType = "session"
	EntityOptOut      EntityType = "opt_out"
)

func (t EntityType) Valid() bool {
	switch t {
	case EntityMessageIn, EntityMessageOut, EntityReservation, EntityOrder, EntitySession, EntityOptOut:
		return true
	}
	return false
}

type ActorType string

const (
	ActorSystem ActorType = "system"
	ActorSeller ActorType = "seller"
	ActorClient ActorType = "client"
)

func (t ActorType) Valid() bool {
	return t == ActorSystem || t == ActorSeller || t == ActorClient
}

type EventLog struct {
	ID            string          `db:"id" json:"id"`
	TenantID      string          `db:"tenant_id" json:"tenant_id"`
	EventType     EventType       `db:"event_type" json:"event_type"`
	EntityType    EntityType      `db:"entity_type" json:"entity_type"`
	EntityID      *string         `db:"entity_id" json:"entity_id,omitempty"`
	CorrelationID string          `db:"correlation_id" json:"correlation_id"`
	ActorType     ActorType       `db:"actor_type" json:"actor_type"`
	Payload       json.RawMessage `db:"payload" json:"payload"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
}

// EventInput is the caller-side shape of an audit event before validation.
type EventInput struct {
	TenantID      string
	EventType     EventType
	EntityType    EntityType
	EntityID      string
	CorrelationID string
	ActorType     ActorType
	Payload       map[string]any
}
