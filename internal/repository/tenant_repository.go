package repository

import (
	"context"
	"database/sql"

	appErrors "github.com/unclebandit/whatsapp-delivery-core/internal/errors"
	"github.com/unclebandit/whatsapp-delivery-core/internal/model"
)

// TenantRepositoryInterface is the read side of the tenant directory.
type TenantRepositoryInterface interface {
	FindIDByWhatsAppNumber(ctx context.Context, number string) (string, error)
	ListSellerPhones(ctx context.Context, tenantID string) ([]string, error)
}

type TenantRepository struct {
	DB *sql.DB
}

// FindIDByWhatsAppNumber returns appErrors.ErrTenantNotFound when no tenant owns the number.
func (r *TenantRepository) FindIDByWhatsAppNumber(ctx context.Context, number string) (string, error) {
	var id string
	err := r.DB.QueryRowContext(ctx,
		`SELECT id FROM tenants WHERE whatsapp_phone_number = $1`, number,
	).Scan(&id)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", appErrors.ErrTenantNotFound
		}
		return "", err
	}
	return id, nil
}

func (r *TenantRepository) ListSellerPhones(ctx context.Context, tenantID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT phone_number FROM seller_phones WHERE tenant_id = $1`, tenantID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var phones []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		phones = append(phones, p)
	}
	return phones, rows.Err()
}

// CreateTenant is used by the seeder; the tenant service owns these rows in production.
func (r *TenantRepository) CreateTenant(ctx context.Context, t *model.Tenant) error {
	_, err := r.DB.ExecContext(ctx,
		`INSERT INTO tenants (id, name, whatsapp_phone_number) VALUES ($1, $2, $3)
         ON CONFLICT (whatsapp_phone_number) DO NOTHING`,
		t.ID, t.Name, t.WhatsAppPhoneNumber,
	)
	return err
}

func (r *TenantRepository) AddSellerPhone(ctx context.Context, p *model.SellerPhone) error {
	_, err := r.DB.ExecContext(ctx,
		`INSERT INTO seller_phones (id, tenant_id, phone_number) VALUES ($1, $2, $3)
         ON CONFLICT (tenant_id, phone_number) DO NOTHING`,
		p.ID, p.TenantID, p.PhoneNumber,
	)
	return err
}

var _ TenantRepositoryInterface = (*TenantRepository)(nil)
