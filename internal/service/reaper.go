package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/unclebandit/whatsapp-delivery-core/internal/model"
	"github.com/unclebandit/whatsapp-delivery-core/internal/repository"
)

const (
	DefaultReapInterval = 10 * time.Minute
	DefaultReapBatch    = 100
)

// Reaper closes live sessions that have been idle longer than the window.
type Reaper struct {
	Repo      repository.LiveSessionRepositoryInterface
	Events    *EventLogger
	Log       *zap.Logger
	Window    time.Duration
	Interval  time.Duration
	BatchSize int
	Now       func() time.Time
}

func NewReaper(repo repository.LiveSessionRepositoryInterface, events *EventLogger, window, interval time.Duration, batch int, log *zap.Logger) *Reaper {
	if window <= 0 {
		window = DefaultLiveSessionWindow
	}
	if interval <= 0 {
		interval = DefaultReapInterval
	}
	if batch <= 0 {
		batch = DefaultReapBatch
	}
	return &Reaper{
		Repo:      repo,
		Events:    events,
		Log:       log.Named("reaper"),
		Window:    window,
		Interval:  interval,
		BatchSize: batch,
		Now:       time.Now,
	}
}

// Start runs immediately, then every Interval until ctx is cancelled.
func (r *Reaper) Start(ctx context.Context) {
	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()

	r.Log.Info("Reaper started", zap.Duration("interval", r.Interval), zap.Duration("window", r.Window))

	for {
		if _, err := r.RunOnce(context.WithoutCancel(ctx)); err != nil {
			r.Log.Error("Reaper run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			r.Log.Info("Reaper stopped")
			return
		case <-ticker.C:
		}
	}
}

// RunOnce closes one batch of stale sessions, oldest first, and returns the closed ids.
func (r *Reaper) RunOnce(ctx context.Context) ([]string, error) {
	now := r.Now().UTC()
	cutoff := now.Add(-r.Window)

	stale, err := r.Repo.ListStale(ctx, cutoff, r.BatchSize)
	if err != nil {
		return nil, err
	}

	var closed []string
	for _, s := range stale {
		ok, err := r.Repo.CloseIfStale(ctx, s.ID, cutoff, now)
		if err != nil {
			r.Log.Error("Failed to close live session",
				zap.String("live_session_id", s.ID),
				zap.String("tenant_id", s.TenantID),
				zap.Error(err),
			)
			continue
		}
		if !ok {
			continue
		}
		closed = append(closed, s.ID)

		corr := SessionCorrelationID(s.ID)
		logEventSafe(r.Log, model.EventLiveSessionClosed, corr, r.Events.LiveSessionClosed(ctx, s.TenantID, s.ID, corr))

		r.Log.Info("Live session closed (inactivity)",
			zap.String("live_session_id", s.ID),
			zap.String("tenant_id", s.TenantID),
		)
	}

	if len(stale) > 0 {
		r.Log.Info("Reaper run completed",
			zap.Int("closed", len(closed)),
			zap.Int("candidates", len(stale)),
			zap.Time("cutoff", cutoff),
		)
	}

	return closed, nil
}
