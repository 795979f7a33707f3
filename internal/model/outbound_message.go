// internal/model/outbound_message.go
package model

import "time"

type OutboundStatus string

const (
	OutboundPending OutboundStatus = "pending"
	OutboundSending OutboundStatus = "sending"
	OutboundSent    OutboundStatus = "sent"
	OutboundFailed  OutboundStatus = "failed"
	OutboundBlocked OutboundStatus = "blocked"
)

type OutboundMessage struct {
	ID                string         `db:"id" json:"id"`
	TenantID          string         `db:"tenant_id" json:"tenant_id"`
	ToNumber          string         `db:"to_number" json:"to_number"`
	Body              string         `db:"body" json:"body"`
	Status            OutboundStatus `db:"status" json:"status"` // pending, sending, sent, failed, blocked
	Attempts          int            `db:"attempts" json:"attempts"`
	NextAttemptAt     *time.Time     `db:"next_attempt_at" json:"next_attempt_at,omitempty"`
	LastError         *string        `db:"last_error" json:"last_error,omitempty"`
	ProviderMessageID *string        `db:"provider_message_id" json:"provider_message_id,omitempty"`
	CorrelationID     string         `db:"correlation_id" json:"correlation_id"`
	CreatedAt         time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time      `db:"updated_at" json:"updated_at"`
}

// OutboundIntent is what business code hands the outbox writer.
type OutboundIntent struct {
	TenantID      string `json:"tenant_id"`
	To            string `json:"to"`
	Body          string `json:"body"`
	CorrelationID string `json:"correlation_id"`
}
