package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/unclebandit/whatsapp-delivery-core/internal/model"
)

type LiveSessionRepositoryInterface interface {
	FindActiveSince(ctx context.Context, tenantID string, cutoff time.Time) (*model.LiveSession, error)
	Touch(ctx context.Context, id string, now time.Time) (bool, error)
	CreateReplacingStale(ctx context.Context, tenantID string, cutoff, now time.Time) (*model.LiveSession, []string, error)
	ListStale(ctx context.Context, cutoff time.Time, limit int) ([]model.LiveSession, error)
	CloseIfStale(ctx context.Context, id string, cutoff, now time.Time) (bool, error)
}

type LiveSessionRepository struct {
	DB *sql.DB
}

const liveSessionColumns = `id, tenant_id, status, started_at, last_activity_at, ended_at`

func scanLiveSession(row interface{ Scan(dest ...any) error }, s *model.LiveSession) error {
	return row.Scan(&s.ID, &s.TenantID, &s.Status, &s.StartedAt, &s.LastActivityAt, &s.EndedAt)
}

// FindActiveSince returns the tenant's active session if its last activity is after cutoff.
func (r *LiveSessionRepository) FindActiveSince(ctx context.Context, tenantID string, cutoff time.Time) (*model.LiveSession, error) {
	var s model.LiveSession
	err := scanLiveSession(r.DB.QueryRowContext(ctx, `
        SELECT `+liveSessionColumns+`
        FROM live_sessions
        WHERE tenant_id = $1 AND status = 'active' AND last_activity_at > $2
        ORDER BY last_activity_at DESC
        LIMIT 1
    `, tenantID, cutoff), &s)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

func (r *LiveSessionRepository) Touch(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `
        UPDATE live_sessions SET last_activity_at = $2
        WHERE id = $1 AND status = 'active'
    `, id, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// CreateReplacingStale closes the tenant's active sessions idle since before
// cutoff and opens a new one, in one transaction. The ids of closed sessions
// are returned for auditing. If a fresh active session exists (a concurrent
// creator won) the insert fails with a unique violation on the
// one-active-per-tenant index.
func (r *LiveSessionRepository) CreateReplacingStale(ctx context.Context, tenantID string, cutoff, now time.Time) (_ *model.LiveSession, closed []string, err error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	rows, err := tx.QueryContext(ctx, `
        UPDATE live_sessions
        SET status = 'closed', ended_at = $3
        WHERE tenant_id = $1 AND status = 'active' AND last_activity_at <= $2
        RETURNING id
    `, tenantID, cutoff, now)
	if err != nil {
		return nil, nil, err
	}
	for rows.Next() {
		var id string
		if err = rows.Scan(&id); err != nil {
			rows.Close()
			return nil, nil, err
		}
		closed = append(closed, id)
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return nil, nil, err
	}

	s := model.LiveSession{
		ID:             uuid.NewString(),
		TenantID:       tenantID,
		Status:         model.LiveSessionActive,
		StartedAt:      now,
		LastActivityAt: now,
	}
	_, err = tx.ExecContext(ctx, `
        INSERT INTO live_sessions (id, tenant_id, status, started_at, last_activity_at)
        VALUES ($1, $2, $3, $4, $5)
    `, s.ID, s.TenantID, s.Status, s.StartedAt, s.LastActivityAt)
	if err != nil {
		return nil, nil, err
	}

	if err = tx.Commit(); err != nil {
		return nil, nil, err
	}
	return &s, closed, nil
}

// ListStale returns active sessions idle since before cutoff, oldest first.
func (r *LiveSessionRepository) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]model.LiveSession, error) {
	rows, err := r.DB.QueryContext(ctx, `
        SELECT `+liveSessionColumns+`
        FROM live_sessions
        WHERE status = 'active' AND last_activity_at < $1
        ORDER BY last_activity_at
        LIMIT $2
    `, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []model.LiveSession
	for rows.Next() {
		var s model.LiveSession
		if err := scanLiveSession(rows, &s); err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// CloseIfStale closes the session only if it is still active and still idle.
func (r *LiveSessionRepository) CloseIfStale(ctx context.Context, id string, cutoff, now time.Time) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `
        UPDATE live_sessions
        SET status = 'closed', ended_at = $3
        WHERE id = $1 AND status = 'active' AND last_activity_at < $2
    `, id, cutoff, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

var _ LiveSessionRepositoryInterface = (*LiveSessionRepository)(nil)
