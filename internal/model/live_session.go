package model

import "time"

const (
	LiveSessionActive = "active"
	LiveSessionClosed = "closed"
)

type LiveSession struct {
	ID             string     `db:"id" json:"id"`
	TenantID       string     `db:"tenant_id" json:"tenant_id"`
	Status         string     `db:"status" json:"status"`
	StartedAt      time.Time  `db:"started_at" json:"started_at"`
	LastActivityAt time.Time  `db:"last_activity_at" json:"last_activity_at"`
	EndedAt        *time.Time `db:"ended_at" json:"ended_at,omitempty"`
}
