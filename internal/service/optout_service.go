package service

import (
	"context"

	"go.uber.org/zap"

	appErrors "github.com/unclebandit/whatsapp-delivery-core/internal/errors"
	"github.com/unclebandit/whatsapp-delivery-core/internal/model"
	"github.com/unclebandit/whatsapp-delivery-core/internal/phone"
	"github.com/unclebandit/whatsapp-delivery-core/internal/repository"
)

// OptOutService owns the per-tenant STOP list. Reads and writes share
// phone.OptOutKey so a number is keyed identically on both paths.
type OptOutService struct {
	Repo   repository.OptOutRepositoryInterface
	Events *EventLogger
	Log    *zap.Logger
}

func NewOptOutService(repo repository.OptOutRepositoryInterface, events *EventLogger, log *zap.Logger) *OptOutService {
	return &OptOutService{Repo: repo, Events: events, Log: log.Named("optout")}
}

// IsOptedOut checks the store on every call. A number that fails E.164
// validation is looked up by its prefix-stripped form.
func (s *OptOutService) IsOptedOut(ctx context.Context, tenantID, number string) (bool, error) {
	key, _ := phone.OptOutKey(number)

	ok, err := s.Repo.Exists(ctx, tenantID, key)
	if err != nil {
		return false, appErrors.Infra("optout.exists", err)
	}
	return ok, nil
}

// Record stores an opt-out for a canonical number and audits the first one.
// A repeat STOP returns the existing row with created=false.
func (s *OptOutService) Record(ctx context.Context, tenantID, number, correlationID string) (*model.OptOut, bool, error) {
	key, canonical := phone.OptOutKey(number)
	if !canonical {
		return nil, false, appErrors.Validation("optout.record", appErrors.ErrInvalidPhone)
	}

	optOut, created, err := s.Repo.Create(ctx, tenantID, key)
	if err != nil {
		return nil, false, appErrors.Infra("optout.create", err)
	}

	if created {
		logEventSafe(s.Log, model.EventOptOutRecorded, correlationID,
			s.Events.OptOutRecorded(ctx, tenantID, optOut.ID, correlationID))

		s.Log.Info("Opt-out recorded",
			zap.String("tenant_id", tenantID),
			zap.String("opt_out_id", optOut.ID),
			zap.String("correlation_id", correlationID),
		)
	}

	return optOut, created, nil
}
