package model

// Tenant and SellerPhone mirror the tenant service's directory tables.
type Tenant struct {
	ID                  string `db:"id" json:"id"`
	Name                string `db:"name" json:"name"`
	WhatsAppPhoneNumber string `db:"whatsapp_phone_number" json:"whatsapp_phone_number"`
}

type SellerPhone struct {
	ID          string `db:"id" json:"id"`
	TenantID    string `db:"tenant_id" json:"tenant_id"`
	PhoneNumber string `db:"phone_number" json:"phone_number"`
}
