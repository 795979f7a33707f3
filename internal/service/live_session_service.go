package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	appErrors "github.com/unclebandit/whatsapp-delivery-core/internal/errors"
	"github.com/unclebandit/whatsapp-delivery-core/internal/model"
	"github.com/unclebandit/whatsapp-delivery-core/internal/repository"
)

const DefaultLiveSessionWindow = 45 * time.Minute

// SessionCorrelationID derives an audit correlation id for events that have
// no originating message.
func SessionCorrelationID(sessionID string) string {
	return "live-session-" + sessionID
}

// LiveSessionService keeps at most one active live session per tenant.
// Uniqueness is enforced by the database, not by this process.
type LiveSessionService struct {
	Repo   repository.LiveSessionRepositoryInterface
	Events *EventLogger
	Log    *zap.Logger
	Window time.Duration
	Now    func() time.Time
}

func NewLiveSessionService(repo repository.LiveSessionRepositoryInterface, events *EventLogger, window time.Duration, log *zap.Logger) *LiveSessionService {
	if window <= 0 {
		window = DefaultLiveSessionWindow
	}
	return &LiveSessionService{
		Repo:   repo,
		Events: events,
		Log:    log.Named("livesession"),
		Window: window,
		Now:    time.Now,
	}
}

// GetOrCreate returns the tenant's current session, bumping its activity, or
// opens a new one. Losing a creation race is retried once by re-reading the
// winner's row.
func (s *LiveSessionService) GetOrCreate(ctx context.Context, tenantID string) (*model.LiveSession, bool, error) {
	session, created, err := s.getOrCreate(ctx, tenantID)
	if err != nil && appErrors.IsUniqueViolation(err) {
		s.Log.Debug("Live session creation conflict, retrying lookup", zap.String("tenant_id", tenantID))
		session, created, err = s.getOrCreate(ctx, tenantID)
	}

	if err != nil {
		if appErrors.IsUniqueViolation(err) {
			return nil, false, &appErrors.Error{Kind: appErrors.KindConflict, Op: "livesession.create", Err: appErrors.ErrSessionConflict}
		}
		return nil, false, appErrors.Infra("livesession.get_or_create", err)
	}
	return session, created, nil
}

func (s *LiveSessionService) getOrCreate(ctx context.Context, tenantID string) (*model.LiveSession, bool, error) {
	now := s.Now().UTC()
	cutoff := now.Add(-s.Window)

	existing, err := s.Repo.FindActiveSince(ctx, tenantID, cutoff)
	if err != nil {
		return nil, false, err
	}

	if existing != nil {
		touched, err := s.Repo.Touch(ctx, existing.ID, now)
		if err != nil {
			return nil, false, err
		}
		if touched {
			existing.LastActivityAt = now
			return existing, false, nil
		}
		// closed between lookup and touch; open a new one
	}

	session, closed, err := s.Repo.CreateReplacingStale(ctx, tenantID, cutoff, now)
	if err != nil {
		return nil, false, err
	}

	for _, id := range closed {
		corr := SessionCorrelationID(id)
		logEventSafe(s.Log, model.EventLiveSessionClosed, corr, s.Events.LiveSessionClosed(ctx, tenantID, id, corr))
	}

	s.Log.Info("Live session opened",
		zap.String("tenant_id", tenantID),
		zap.String("live_session_id", session.ID),
		zap.Int("replaced", len(closed)),
	)

	return session, true, nil
}

// Touch refreshes activity on a known session. It reports false when the
// session is no longer active.
func (s *LiveSessionService) Touch(ctx context.Context, sessionID string) (bool, error) {
	ok, err := s.Repo.Touch(ctx, sessionID, s.Now().UTC())
	if err != nil {
		return false, appErrors.Infra("livesession.touch", err)
	}
	return ok, nil
}
