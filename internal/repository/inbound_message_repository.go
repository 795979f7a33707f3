package repository

import (
	"context"
	"database/sql"

	"github.com/unclebandit/whatsapp-delivery-core/internal/model"
)

type InboundMessageRepositoryInterface interface {
	Create(ctx context.Context, msg *model.InboundMessage) error
	FindByProviderID(ctx context.Context, tenantID *string, providerMessageID string) (*model.InboundMessage, error)
}

type InboundMessageRepository struct {
	DB *sql.DB
}

// Create inserts an inbound message. A duplicate surfaces as a pq unique violation.
func (r *InboundMessageRepository) Create(ctx context.Context, msg *model.InboundMessage) error {
	query := `
        INSERT INTO inbound_messages
        (id, tenant_id, from_number, to_number, body, media_url, provider_message_id, correlation_id, received_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
    `
	_, err := r.DB.ExecContext(ctx, query,
		msg.ID,
		msg.TenantID,
		msg.FromNumber,
		msg.ToNumber,
		msg.Body,
		msg.MediaURL,
		msg.ProviderMessageID,
		msg.CorrelationID,
		msg.ReceivedAt,
	)
	return err
}

// FindByProviderID looks up a message by its provider id within a tenant, or
// among tenant-less rows when tenantID is nil. Returns nil when absent.
func (r *InboundMessageRepository) FindByProviderID(ctx context.Context, tenantID *string, providerMessageID string) (*model.InboundMessage, error) {
	query, args := providerLookup(tenantID, providerMessageID)
	var msg model.InboundMessage
	err := r.DB.QueryRowContext(ctx, query, args...).Scan(
		&msg.ID,
		&msg.TenantID,
		&msg.FromNumber,
		&msg.ToNumber,
		&msg.Body,
		&msg.MediaURL,
		&msg.ProviderMessageID,
		&msg.CorrelationID,
		&msg.ReceivedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &msg, nil
}

var _ InboundMessageRepositoryInterface = (*InboundMessageRepository)(nil)

const inboundColumns = `id, tenant_id, from_number, to_number, body, media_url, provider_message_id, correlation_id, received_at`

// providerLookup builds a predicate matching one of the two partial unique
// indexes on inbound_messages.
func providerLookup(tenantID *string, providerMessageID string) (string, []any) {
	if tenantID == nil {
		return `SELECT ` + inboundColumns + `
        FROM inbound_messages
        WHERE tenant_id IS NULL AND provider_message_id = $1`, []any{providerMessageID}
	}
	return `SELECT ` + inboundColumns + `
        FROM inbound_messages
        WHERE tenant_id = $1 AND provider_message_id = $2`, []any{*tenantID, providerMessageID}
}
