package model

import (
	"encoding/json"
	"time"
)

const JobTypeMessageOut = "message_out"

type DeadLetterJob struct {
	ID            string          `db:"id" json:"id"`
	TenantID      string          `db:"tenant_id" json:"tenant_id"`
	JobType       string          `db:"job_type" json:"job_type"`
	Payload       json.RawMessage `db:"payload" json:"payload"`
	LastError     string          `db:"last_error" json:"last_error"`
	Attempts      int             `db:"attempts" json:"attempts"`
	CorrelationID string          `db:"correlation_id" json:"correlation_id"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
}

type DeadLetterPayload struct {
	MessageOutID  string `json:"message_out_id"`
	To            string `json:"to"`
	Body          string `json:"body"`
	CorrelationID string `json:"correlation_id"`
}
