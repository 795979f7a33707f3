package repository

import (
	"context"
	"database/sql"

	"github.com/unclebandit/whatsapp-delivery-core/internal/model"
)

type EventLogRepositoryInterface interface {
	Insert(ctx context.Context, e *model.EventLog) error
}

type EventLogRepository struct {
	DB *sql.DB
}

// Insert appends one audit row. Event rows are never updated.
func (r *EventLogRepository) Insert(ctx context.Context, e *model.EventLog) error {
	query := `
        INSERT INTO event_logs
        (id, tenant_id, event_type, entity_type, entity_id, correlation_id, actor_type, payload, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
    `
	_, err := r.DB.ExecContext(ctx, query,
		e.ID,
		e.TenantID,
		e.EventType,
		e.EntityType,
		e.EntityID,
		e.CorrelationID,
		e.ActorType,
		[]byte(e.Payload),
		e.CreatedAt,
	)
	return err
}

var _ EventLogRepositoryInterface = (*EventLogRepository)(nil)
