package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	appErrors "github.com/unclebandit/whatsapp-delivery-core/internal/errors"
	"github.com/unclebandit/whatsapp-delivery-core/internal/model"
	"github.com/unclebandit/whatsapp-delivery-core/internal/service"
)

var sessionNow = time.Date(2025, 3, 1, 20, 0, 0, 0, time.UTC)

func newSessionService(repo *MockLiveSessionRepo) (*service.LiveSessionService, *MockEventLogRepo) {
	events, eventRepo := newEvents()
	s := service.NewLiveSessionService(repo, events, 45*time.Minute, zap.NewNop())
	s.Now = fixedClock(sessionNow)
	return s, eventRepo
}

func TestGetOrCreateOpensSession(t *testing.T) {
	repo := &MockLiveSessionRepo{}
	s, _ := newSessionService(repo)

	session, created, err := s.GetOrCreate(context.Background(), "tenant-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !created {
		t.Error("expected a new session")
	}
	if session.Status != model.LiveSessionActive || !session.LastActivityAt.Equal(sessionNow) {
		t.Errorf("unexpected session: %+v", session)
	}
}

func TestGetOrCreateReactivatesRecentSession(t *testing.T) {
	repo := &MockLiveSessionRepo{}
	repo.Add(model.LiveSession{
		ID:             "ls-1",
		TenantID:       "tenant-1",
		Status:         model.LiveSessionActive,
		StartedAt:      sessionNow.Add(-2 * time.Hour),
		LastActivityAt: sessionNow.Add(-30 * time.Minute),
	})
	s, _ := newSessionService(repo)

	session, created, err := s.GetOrCreate(context.Background(), "tenant-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if created || session.ID != "ls-1" {
		t.Errorf("expected existing session ls-1, got %s (created=%v)", session.ID, created)
	}
	if active := repo.Active("tenant-1"); len(active) != 1 || !active[0].LastActivityAt.Equal(sessionNow) {
		t.Errorf("expected last_activity_at bumped, got %+v", active)
	}
}

func TestGetOrCreateReplacesExpiredSession(t *testing.T) {
	repo := &MockLiveSessionRepo{}
	repo.Add(model.LiveSession{
		ID:             "ls-old",
		TenantID:       "tenant-1",
		Status:         model.LiveSessionActive,
		LastActivityAt: sessionNow.Add(-50 * time.Minute),
	})
	s, events := newSessionService(repo)

	session, created, err := s.GetOrCreate(context.Background(), "tenant-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !created || session.ID == "ls-old" {
		t.Errorf("expected a fresh session, got %s", session.ID)
	}
	if repo.Status("ls-old") != model.LiveSessionClosed {
		t.Error("expected expired session closed")
	}

	closed := events.Last(model.EventLiveSessionClosed)
	if closed == nil || closed.CorrelationID != service.SessionCorrelationID("ls-old") {
		t.Errorf("expected closed event for ls-old, got %+v", closed)
	}
}

func TestGetOrCreateConcurrentCallersShareOneSession(t *testing.T) {
	repo := &MockLiveSessionRepo{}
	s, _ := newSessionService(repo)

	const callers = 20
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ids     = make(map[string]int)
		created int
	)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			session, isNew, err := s.GetOrCreate(context.Background(), "tenant-1")
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			mu.Lock()
			ids[session.ID]++
			if isNew {
				created++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(ids) != 1 {
		t.Errorf("expected every caller to get the same session, got %v", ids)
	}
	if created != 1 {
		t.Errorf("expected exactly one creation, got %d", created)
	}
	if active := repo.Active("tenant-1"); len(active) != 1 {
		t.Errorf("expected one active session, got %d", len(active))
	}
}

// conflictingRepo always loses the creation race and never sees the winner.
type conflictingRepo struct {
	*MockLiveSessionRepo
	attempts int
}

func (r *conflictingRepo) CreateReplacingStale(ctx context.Context, tenantID string, cutoff, now time.Time) (*model.LiveSession, []string, error) {
	r.attempts++
	return nil, nil, uniqueViolation()
}

func TestGetOrCreateRetriesConflictOnce(t *testing.T) {
	repo := &conflictingRepo{MockLiveSessionRepo: &MockLiveSessionRepo{}}
	events, _ := newEvents()
	s := service.NewLiveSessionService(repo, events, 45*time.Minute, zap.NewNop())

	_, _, err := s.GetOrCreate(context.Background(), "tenant-1")
	if !errors.Is(err, appErrors.ErrSessionConflict) {
		t.Fatalf("expected ErrSessionConflict, got %v", err)
	}
	if appErrors.KindOf(err) != appErrors.KindConflict {
		t.Errorf("expected conflict kind, got %s", appErrors.KindOf(err))
	}
	if repo.attempts != 2 {
		t.Errorf("expected exactly two creation attempts, got %d", repo.attempts)
	}
}

func TestReaperClosesOnlyStaleSessions(t *testing.T) {
	repo := &MockLiveSessionRepo{}
	repo.Add(model.LiveSession{ID: "stale", TenantID: "tenant-1", Status: model.LiveSessionActive, LastActivityAt: sessionNow.Add(-46 * time.Minute)})
	repo.Add(model.LiveSession{ID: "fresh", TenantID: "tenant-2", Status: model.LiveSessionActive, LastActivityAt: sessionNow.Add(-10 * time.Minute)})

	events, eventRepo := newEvents()
	r := service.NewReaper(repo, events, 45*time.Minute, 0, 0, zap.NewNop())
	r.Now = fixedClock(sessionNow)

	closed, err := r.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(closed) != 1 || closed[0] != "stale" {
		t.Errorf("expected only stale closed, got %v", closed)
	}
	if repo.Status("stale") != model.LiveSessionClosed {
		t.Error("expected stale session closed")
	}
	if repo.Status("fresh") != model.LiveSessionActive {
		t.Error("expected fresh session untouched")
	}

	e := eventRepo.Last(model.EventLiveSessionClosed)
	if e == nil || e.CorrelationID != "live-session-stale" || e.TenantID != "tenant-1" {
		t.Errorf("unexpected closed event: %+v", e)
	}
}

func TestReaperContinuesAfterCloseFailure(t *testing.T) {
	repo := &MockLiveSessionRepo{closeErr: map[string]error{"a": errDBDown}}
	repo.Add(model.LiveSession{ID: "a", TenantID: "tenant-1", Status: model.LiveSessionActive, LastActivityAt: sessionNow.Add(-3 * time.Hour)})
	repo.Add(model.LiveSession{ID: "b", TenantID: "tenant-2", Status: model.LiveSessionActive, LastActivityAt: sessionNow.Add(-2 * time.Hour)})

	events, _ := newEvents()
	r := service.NewReaper(repo, events, 45*time.Minute, time.Minute, 100, zap.NewNop())
	r.Now = fixedClock(sessionNow)

	closed, err := r.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(closed) != 1 || closed[0] != "b" {
		t.Errorf("expected b closed despite a failing, got %v", closed)
	}
}

func TestReaperRespectsBatchSize(t *testing.T) {
	repo := &MockLiveSessionRepo{}
	for i, id := range []string{"s1", "s2", "s3"} {
		repo.Add(model.LiveSession{
			ID:             id,
			TenantID:       "tenant-" + id,
			Status:         model.LiveSessionActive,
			LastActivityAt: sessionNow.Add(-time.Duration(5-i) * time.Hour),
		})
	}

	events, _ := newEvents()
	r := service.NewReaper(repo, events, 45*time.Minute, time.Minute, 2, zap.NewNop())
	r.Now = fixedClock(sessionNow)

	closed, _ := r.RunOnce(context.Background())
	if len(closed) != 2 || closed[0] != "s1" || closed[1] != "s2" {
		t.Errorf("expected oldest two closed, got %v", closed)
	}
}
