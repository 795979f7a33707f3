// internal/model/inbound_message.go
package model

import "time"

// InboundMessage is an immutable record of a provider webhook delivery.
type InboundMessage struct {
	ID                string    `db:"id" json:"id"`
	TenantID          *string   `db:"tenant_id" json:"tenant_id,omitempty"`
	FromNumber        string    `db:"from_number" json:"from_number"`
	ToNumber          string    `db:"to_number" json:"to_number"`
	Body              string    `db:"body" json:"body"`
	MediaURL          *string   `db:"media_url" json:"media_url,omitempty"`
	ProviderMessageID string    `db:"provider_message_id" json:"provider_message_id"`
	CorrelationID     string    `db:"correlation_id" json:"correlation_id"`
	ReceivedAt        time.Time `db:"received_at" json:"received_at"`
}

// InboundDraft is the provider-neutral shape of a parsed webhook.
type InboundDraft struct {
	ProviderMessageID string  `json:"provider_message_id"`
	From              string  `json:"from"`
	To                string  `json:"to"`
	Body              string  `json:"body"`
	MediaURL          *string `json:"media_url,omitempty"`
	CorrelationID     string  `json:"correlation_id"`
}

type MessageType string

const (
	MessageTypeSeller MessageType = "seller"
	MessageTypeClient MessageType = "client"
)

// EnrichedInboundMessage is the classification worker's output.
type EnrichedInboundMessage struct {
	InboundMessage
	MessageType   MessageType `json:"message_type"`
	LiveSessionID *string     `json:"live_session_id,omitempty"`
}

// ClassifyJob is the queue payload for one inbound message.
type ClassifyJob struct {
	InboundMessageID  string    `json:"inbound_message_id"`
	TenantID          *string   `json:"tenant_id,omitempty"`
	From              string    `json:"from"`
	To                string    `json:"to"`
	Body              string    `json:"body"`
	MediaURL          *string   `json:"media_url,omitempty"`
	ProviderMessageID string    `json:"provider_message_id"`
	CorrelationID     string    `json:"correlation_id"`
	ReceivedAt        time.Time `json:"received_at"`
}

// Inbound rebuilds the persisted message the job was created from.
func (j ClassifyJob) Inbound() InboundMessage {
	return InboundMessage{
		ID:                j.InboundMessageID,
		TenantID:          j.TenantID,
		FromNumber:        j.From,
		ToNumber:          j.To,
		Body:              j.Body,
		MediaURL:          j.MediaURL,
		ProviderMessageID: j.ProviderMessageID,
		CorrelationID:     j.CorrelationID,
		ReceivedAt:        j.ReceivedAt,
	}
}

func NewClassifyJob(msg InboundMessage) ClassifyJob {
	return ClassifyJob{
		InboundMessageID:  msg.ID,
		TenantID:          msg.TenantID,
		From:              msg.FromNumber,
		To:                msg.ToNumber,
		Body:              msg.Body,
		MediaURL:          msg.MediaURL,
		ProviderMessageID: msg.ProviderMessageID,
		CorrelationID:     msg.CorrelationID,
		ReceivedAt:        msg.ReceivedAt,
	}
}
