package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/unclebandit/whatsapp-delivery-core/internal/model"
)

type OutboundMessageRepositoryInterface interface {
	Create(ctx context.Context, msg *model.OutboundMessage) error
	GetByID(ctx context.Context, id string) (*model.OutboundMessage, error)
	ListEligible(ctx context.Context, now time.Time, limit int) ([]model.OutboundMessage, error)
	Claim(ctx context.Context, id string, now time.Time) (bool, error)
	MarkSent(ctx context.Context, id, providerMessageID string, now time.Time) error
	MarkBlocked(ctx context.Context, id string, now time.Time) (bool, error)
	ScheduleRetry(ctx context.Context, id string, attempts int, nextAttemptAt time.Time, lastError string) error
	DeadLetter(ctx context.Context, msg *model.OutboundMessage, attempts int, lastError string) (bool, error)
}

type OutboundMessageRepository struct {
	DB *sql.DB
}

const outboundColumns = `id, tenant_id, to_number, body, status, attempts, next_attempt_at,
        last_error, provider_message_id, correlation_id, created_at, updated_at`

func scanOutbound(row interface{ Scan(dest ...any) error }, msg *model.OutboundMessage) error {
	return row.Scan(
		&msg.ID,
		&msg.TenantID,
		&msg.ToNumber,
		&msg.Body,
		&msg.Status,
		&msg.Attempts,
		&msg.NextAttemptAt,
		&msg.LastError,
		&msg.ProviderMessageID,
		&msg.CorrelationID,
		&msg.CreatedAt,
		&msg.UpdatedAt,
	)
}

// Create inserts a new pending outbound message.
func (r *OutboundMessageRepository) Create(ctx context.Context, msg *model.OutboundMessage) error {
	now := time.Now().UTC()
	msg.CreatedAt = now
	msg.UpdatedAt = now

	query := `
        INSERT INTO outbound_messages
        (id, tenant_id, to_number, body, status, attempts, correlation_id, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
    `
	_, err := r.DB.ExecContext(ctx, query,
		msg.ID,
		msg.TenantID,
		msg.ToNumber,
		msg.Body,
		msg.Status,
		msg.Attempts,
		msg.CorrelationID,
		msg.CreatedAt,
		msg.UpdatedAt,
	)
	return err
}

// GetByID fetches an outbound message by its ID. Returns nil when absent.
func (r *OutboundMessageRepository) GetByID(ctx context.Context, id string) (*model.OutboundMessage, error) {
	var msg model.OutboundMessage
	err := scanOutbound(r.DB.QueryRowContext(ctx,
		`SELECT `+outboundColumns+` FROM outbound_messages WHERE id = $1`, id), &msg)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &msg, nil
}

// ListEligible returns pending rows and failed rows whose retry time has come, oldest first.
func (r *OutboundMessageRepository) ListEligible(ctx context.Context, now time.Time, limit int) ([]model.OutboundMessage, error) {
	query := `
        SELECT ` + outboundColumns + `
        FROM outbound_messages
        WHERE status = 'pending'
           OR (status = 'failed' AND next_attempt_at IS NOT NULL AND next_attempt_at <= $1)
        ORDER BY created_at
        LIMIT $2
    `
	rows, err := r.DB.QueryContext(ctx, query, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []model.OutboundMessage
	for rows.Next() {
		var msg model.OutboundMessage
		if err := scanOutbound(rows, &msg); err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

// Claim moves an eligible row to sending. It returns false when another
// dispatcher got there first or the row is no longer eligible.
func (r *OutboundMessageRepository) Claim(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `
        UPDATE outbound_messages
        SET status = 'sending', updated_at = $2
        WHERE id = $1
          AND (status = 'pending'
               OR (status = 'failed' AND next_attempt_at IS NOT NULL AND next_attempt_at <= $2))
    `, id, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *OutboundMessageRepository) MarkSent(ctx context.Context, id, providerMessageID string, now time.Time) error {
	_, err := r.DB.ExecContext(ctx, `
        UPDATE outbound_messages
        SET status = 'sent', provider_message_id = $2, next_attempt_at = NULL, last_error = NULL, updated_at = $3
        WHERE id = $1
    `, id, providerMessageID, now)
	return err
}

// MarkBlocked only transitions rows this dispatcher holds in sending.
func (r *OutboundMessageRepository) MarkBlocked(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `
        UPDATE outbound_messages
        SET status = 'blocked', next_attempt_at = NULL, updated_at = $2
        WHERE id = $1 AND status = 'sending'
    `, id, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *OutboundMessageRepository) ScheduleRetry(ctx context.Context, id string, attempts int, nextAttemptAt time.Time, lastError string) error {
	_, err := r.DB.ExecContext(ctx, `
        UPDATE outbound_messages
        SET status = 'failed', attempts = $2, next_attempt_at = $3, last_error = $4, updated_at = NOW()
        WHERE id = $1
    `, id, attempts, nextAttemptAt, lastError)
	return err
}

// DeadLetter marks the message terminally failed and records one dead-letter
// job in the same transaction. inserted is false when a dead letter for the
// message already existed.
func (r *OutboundMessageRepository) DeadLetter(ctx context.Context, msg *model.OutboundMessage, attempts int, lastError string) (inserted bool, err error) {
	payload, err := json.Marshal(model.DeadLetterPayload{
		MessageOutID:  msg.ID,
		To:            msg.ToNumber,
		Body:          msg.Body,
		CorrelationID: msg.CorrelationID,
	})
	if err != nil {
		return false, err
	}

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx, `
        UPDATE outbound_messages
        SET status = 'failed', attempts = $2, next_attempt_at = NULL, last_error = $3, updated_at = NOW()
        WHERE id = $1
    `, msg.ID, attempts, lastError)
	if err != nil {
		return false, err
	}

	res, err := tx.ExecContext(ctx, `
        INSERT INTO dead_letter_jobs (id, tenant_id, job_type, payload, last_error, attempts, correlation_id)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        ON CONFLICT ((payload->>'message_out_id')) WHERE job_type = 'message_out' DO NOTHING
    `, uuid.NewString(), msg.TenantID, model.JobTypeMessageOut, payload, lastError, attempts, msg.CorrelationID)
	if err != nil {
		return false, err
	}

	n, _ := res.RowsAffected()
	if err = tx.Commit(); err != nil {
		return false, err
	}
	return n == 1, nil
}

var _ OutboundMessageRepositoryInterface = (*OutboundMessageRepository)(nil)
