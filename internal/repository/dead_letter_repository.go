package repository

import (
	"context"
	"database/sql"

	"github.com/unclebandit/whatsapp-delivery-core/internal/model"
)

type DeadLetterRepositoryInterface interface {
	List(ctx context.Context, offset, limit int) ([]model.DeadLetterJob, int, error)
}

type DeadLetterRepository struct {
	DB *sql.DB
}

// List returns dead-letter jobs newest first along with the total count.
func (r *DeadLetterRepository) List(ctx context.Context, offset, limit int) ([]model.DeadLetterJob, int, error) {
	var total int
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letter_jobs`).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.DB.QueryContext(ctx, `
        SELECT id, tenant_id, job_type, payload, last_error, attempts, correlation_id, created_at
        FROM dead_letter_jobs
        ORDER BY created_at DESC
        LIMIT $1 OFFSET $2
    `, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	jobs := []model.DeadLetterJob{}
	for rows.Next() {
		var j model.DeadLetterJob
		var payload []byte
		if err := rows.Scan(&j.ID, &j.TenantID, &j.JobType, &payload, &j.LastError, &j.Attempts, &j.CorrelationID, &j.CreatedAt); err != nil {
			return nil, 0, err
		}
		j.Payload = payload
		jobs = append(jobs, j)
	}
	return jobs, total, rows.Err()
}

var _ DeadLetterRepositoryInterface = (*DeadLetterRepository)(nil)
