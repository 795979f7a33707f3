// internal/errors/errors.go
package appErrors

import (
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// Kind separates failures the caller can fix from failures the platform must.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindInfra
	KindConflict
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindInfra:
		return "infra"
	case KindConflict:
		return "conflict"
	case KindNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

var (
	ErrPIIDetected     = errors.New("event payload contains PII")
	ErrInvalidEvent    = errors.New("invalid event")
	ErrInvalidPhone    = errors.New("invalid phone number")
	ErrInvalidIntent   = errors.New("invalid outbound intent")
	ErrSessionConflict = errors.New("live session conflict")
	ErrTenantNotFound  = errors.New("tenant not found")
	ErrMissingField    = errors.New("missing required field")
)

// Error attaches a Kind and the failing operation to an underlying error.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}

	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func Validation(op string, err error) error {
	return &Error{Kind: KindValidation, Op: op, Err: err}
}

func Infra(op string, err error) error {
	return &Error{Kind: KindInfra, Op: op, Err: err}
}

// KindOf walks the chain and returns the first Kind found. Sentinels of this
// package count as validation, unique violations as conflicts.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}

	switch {
	case errors.Is(err, ErrPIIDetected), errors.Is(err, ErrInvalidEvent),
		errors.Is(err, ErrInvalidPhone), errors.Is(err, ErrInvalidIntent),
		errors.Is(err, ErrMissingField):
		return KindValidation
	case errors.Is(err, ErrTenantNotFound):
		return KindNotFound
	case IsUniqueViolation(err), errors.Is(err, ErrSessionConflict):
		return KindConflict
	}

	return KindUnknown
}

// IsUniqueViolation reports whether err is a Postgres 23505.
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}

	return false
}
