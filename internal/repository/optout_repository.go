package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/unclebandit/whatsapp-delivery-core/internal/model"
)

type OptOutRepositoryInterface interface {
	Exists(ctx context.Context, tenantID, phoneNumber string) (bool, error)
	Create(ctx context.Context, tenantID, phoneNumber string) (*model.OptOut, bool, error)
}

type OptOutRepository struct {
	DB *sql.DB
}

func (r *OptOutRepository) Exists(ctx context.Context, tenantID, phoneNumber string) (bool, error) {
	var tmp int
	err := r.DB.QueryRowContext(ctx,
		`SELECT 1 FROM opt_outs WHERE tenant_id = $1 AND phone_number = $2 LIMIT 1`,
		tenantID, phoneNumber,
	).Scan(&tmp)
	if err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Create records an opt-out. created is false when the row already existed,
// in which case the existing row is returned.
func (r *OptOutRepository) Create(ctx context.Context, tenantID, phoneNumber string) (*model.OptOut, bool, error) {
	o := model.OptOut{
		ID:          uuid.NewString(),
		TenantID:    tenantID,
		PhoneNumber: phoneNumber,
		CreatedAt:   time.Now().UTC(),
	}

	res, err := r.DB.ExecContext(ctx, `
        INSERT INTO opt_outs (id, tenant_id, phone_number, created_at)
        VALUES ($1, $2, $3, $4)
        ON CONFLICT (tenant_id, phone_number) DO NOTHING
    `, o.ID, o.TenantID, o.PhoneNumber, o.CreatedAt)
	if err != nil {
		return nil, false, err
	}

	if n, _ := res.RowsAffected(); n == 1 {
		return &o, true, nil
	}

	err = r.DB.QueryRowContext(ctx,
		`SELECT id, created_at FROM opt_outs WHERE tenant_id = $1 AND phone_number = $2`,
		tenantID, phoneNumber,
	).Scan(&o.ID, &o.CreatedAt)
	if err != nil {
		return nil, false, err
	}
	return &o, false, nil
}

var _ OptOutRepositoryInterface = (*OptOutRepository)(nil)
