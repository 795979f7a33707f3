package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.uber.org/zap"

	appErrors "github.com/unclebandit/whatsapp-delivery-core/internal/errors"
	"github.com/unclebandit/whatsapp-delivery-core/internal/model"
	"github.com/unclebandit/whatsapp-delivery-core/internal/provider"
	"github.com/unclebandit/whatsapp-delivery-core/internal/queue"
	"github.com/unclebandit/whatsapp-delivery-core/internal/service"
)

var errDBDown = errors.New("connection refused")

func uniqueViolation() error {
	return &pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint"}
}

func strPtr(s string) *string { return &s }

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

// MockEventLogRepo records inserted events.
type MockEventLogRepo struct {
	mu     sync.Mutex
	events []model.EventLog
	err    error
}

func (m *MockEventLogRepo) Insert(ctx context.Context, e *model.EventLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, *e)
	return nil
}

func (m *MockEventLogRepo) Count(et model.EventType) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.events {
		if e.EventType == et {
			n++
		}
	}
	return n
}

func (m *MockEventLogRepo) Last(et model.EventType) *model.EventLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.events) - 1; i >= 0; i-- {
		if m.events[i].EventType == et {
			e := m.events[i]
			return &e
		}
	}
	return nil
}

func newEvents() (*service.EventLogger, *MockEventLogRepo) {
	repo := &MockEventLogRepo{}
	return service.NewEventLogger(repo, zap.NewNop()), repo
}

// MockAlerter counts critical alerts.
type MockAlerter struct {
	mu       sync.Mutex
	messages []string
}

func (m *MockAlerter) Critical(ctx context.Context, msg string, err error, fields ...zap.Field) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, msg)
}

func (m *MockAlerter) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.messages)
}

// MockOptOutRepo keeps opt-outs keyed by tenant and number.
type MockOptOutRepo struct {
	mu   sync.Mutex
	rows map[string]model.OptOut
	err  error
}

func NewMockOptOutRepo() *MockOptOutRepo {
	return &MockOptOutRepo{rows: make(map[string]model.OptOut)}
}

func (m *MockOptOutRepo) Exists(ctx context.Context, tenantID, phoneNumber string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	_, ok := m.rows[tenantID+"|"+phoneNumber]
	return ok, nil
}

func (m *MockOptOutRepo) Create(ctx context.Context, tenantID, phoneNumber string) (*model.OptOut, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, false, m.err
	}
	key := tenantID + "|" + phoneNumber
	if o, ok := m.rows[key]; ok {
		return &o, false, nil
	}
	o := model.OptOut{ID: uuid.NewString(), TenantID: tenantID, PhoneNumber: phoneNumber, CreatedAt: time.Now()}
	m.rows[key] = o
	return &o, true, nil
}

// MockOutboundRepo applies the same state guards as the SQL repository.
type MockOutboundRepo struct {
	mu          sync.Mutex
	rows        map[string]*model.OutboundMessage
	order       []string
	deadLetters map[string]model.DeadLetterJob

	claimErr error
	sentErr  error
	listErr  error
}

func NewMockOutboundRepo() *MockOutboundRepo {
	return &MockOutboundRepo{
		rows:        make(map[string]*model.OutboundMessage),
		deadLetters: make(map[string]model.DeadLetterJob),
	}
}

func (m *MockOutboundRepo) Create(ctx context.Context, msg *model.OutboundMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	cp := *msg
	m.rows[msg.ID] = &cp
	m.order = append(m.order, msg.ID)
	return nil
}

func (m *MockOutboundRepo) GetByID(ctx context.Context, id string) (*model.OutboundMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[id]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func eligible(r *model.OutboundMessage, now time.Time) bool {
	switch r.Status {
	case model.OutboundPending:
		return true
	case model.OutboundFailed:
		return r.NextAttemptAt != nil && !r.NextAttemptAt.After(now)
	}
	return false
}

func (m *MockOutboundRepo) ListEligible(ctx context.Context, now time.Time, limit int) ([]model.OutboundMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []model.OutboundMessage
	for _, id := range m.order {
		if r := m.rows[id]; eligible(r, now) {
			out = append(out, *r)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (m *MockOutboundRepo) Claim(ctx context.Context, id string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.claimErr != nil {
		return false, m.claimErr
	}
	r := m.rows[id]
	if r == nil || !eligible(r, now) {
		return false, nil
	}
	r.Status = model.OutboundSending
	return true, nil
}

func (m *MockOutboundRepo) MarkSent(ctx context.Context, id, providerMessageID string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sentErr != nil {
		return m.sentErr
	}
	r := m.rows[id]
	r.Status = model.OutboundSent
	r.ProviderMessageID = strPtr(providerMessageID)
	r.NextAttemptAt = nil
	return nil
}

func (m *MockOutboundRepo) MarkBlocked(ctx context.Context, id string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.rows[id]
	if r.Status != model.OutboundSending {
		return false, nil
	}
	r.Status = model.OutboundBlocked
	r.NextAttemptAt = nil
	return true, nil
}

func (m *MockOutboundRepo) ScheduleRetry(ctx context.Context, id string, attempts int, next time.Time, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.rows[id]
	r.Status = model.OutboundFailed
	r.Attempts = attempts
	r.NextAttemptAt = &next
	r.LastError = strPtr(lastError)
	return nil
}

func (m *MockOutboundRepo) DeadLetter(ctx context.Context, msg *model.OutboundMessage, attempts int, lastError string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.rows[msg.ID]
	r.Status = model.OutboundFailed
	r.Attempts = attempts
	r.NextAttemptAt = nil
	r.LastError = strPtr(lastError)

	if _, ok := m.deadLetters[msg.ID]; ok {
		return false, nil
	}
	payload, _ := json.Marshal(model.DeadLetterPayload{
		MessageOutID:  msg.ID,
		To:            msg.ToNumber,
		Body:          msg.Body,
		CorrelationID: msg.CorrelationID,
	})
	m.deadLetters[msg.ID] = model.DeadLetterJob{
		ID:            uuid.NewString(),
		TenantID:      msg.TenantID,
		JobType:       model.JobTypeMessageOut,
		Payload:       payload,
		LastError:     lastError,
		Attempts:      attempts,
		CorrelationID: msg.CorrelationID,
	}
	return true, nil
}

func (m *MockOutboundRepo) Row(id string) model.OutboundMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.rows[id]
}

// MockSender fails while failures > 0 and panics on panicFor.
type MockSender struct {
	mu       sync.Mutex
	calls    int
	failures int
	panicFor string
}

func (m *MockSender) Send(ctx context.Context, msg model.OutboundMessage) (provider.SendResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if msg.ID == m.panicFor {
		panic("provider client bug")
	}
	if m.failures > 0 {
		m.failures--
		return provider.SendResult{}, errors.New("provider unavailable")
	}
	return provider.SendResult{ProviderMessageID: fmt.Sprintf("SM%d", m.calls)}, nil
}

func (m *MockSender) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// MockLiveSessionRepo enforces one active session per tenant like the
// partial unique index does.
type MockLiveSessionRepo struct {
	mu       sync.Mutex
	sessions []*model.LiveSession
	closeErr map[string]error
}

func (m *MockLiveSessionRepo) FindActiveSince(ctx context.Context, tenantID string, cutoff time.Time) (*model.LiveSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.TenantID == tenantID && s.Status == model.LiveSessionActive && s.LastActivityAt.After(cutoff) {
			cp := *s
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *MockLiveSessionRepo) Touch(ctx context.Context, id string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.ID == id && s.Status == model.LiveSessionActive {
			s.LastActivityAt = now
			return true, nil
		}
	}
	return false, nil
}

func (m *MockLiveSessionRepo) CreateReplacingStale(ctx context.Context, tenantID string, cutoff, now time.Time) (*model.LiveSession, []string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var closed []string
	for _, s := range m.sessions {
		if s.TenantID == tenantID && s.Status == model.LiveSessionActive && !s.LastActivityAt.After(cutoff) {
			closed = append(closed, s.ID)
		}
	}
	for _, s := range m.sessions {
		if s.TenantID == tenantID && s.Status == model.LiveSessionActive && s.LastActivityAt.After(cutoff) {
			return nil, nil, uniqueViolation()
		}
	}
	for _, s := range m.sessions {
		for _, id := range closed {
			if s.ID == id {
				s.Status = model.LiveSessionClosed
				s.EndedAt = &now
			}
		}
	}

	s := &model.LiveSession{
		ID:             uuid.NewString(),
		TenantID:       tenantID,
		Status:         model.LiveSessionActive,
		StartedAt:      now,
		LastActivityAt: now,
	}
	m.sessions = append(m.sessions, s)
	cp := *s
	return &cp, closed, nil
}

func (m *MockLiveSessionRepo) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]model.LiveSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.LiveSession
	for _, s := range m.sessions {
		if s.Status == model.LiveSessionActive && s.LastActivityAt.Before(cutoff) {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActivityAt.Before(out[j].LastActivityAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MockLiveSessionRepo) CloseIfStale(ctx context.Context, id string, cutoff, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.closeErr[id]; err != nil {
		return false, err
	}
	for _, s := range m.sessions {
		if s.ID == id && s.Status == model.LiveSessionActive && s.LastActivityAt.Before(cutoff) {
			s.Status = model.LiveSessionClosed
			s.EndedAt = &now
			return true, nil
		}
	}
	return false, nil
}

func (m *MockLiveSessionRepo) Add(s model.LiveSession) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions = append(m.sessions, &s)
}

func (m *MockLiveSessionRepo) Active(tenantID string) []model.LiveSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.LiveSession
	for _, s := range m.sessions {
		if s.TenantID == tenantID && s.Status == model.LiveSessionActive {
			out = append(out, *s)
		}
	}
	return out
}

func (m *MockLiveSessionRepo) Status(id string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.ID == id {
			return s.Status
		}
	}
	return ""
}

// MockTenantRepo resolves tenants from a fixed directory.
type MockTenantRepo struct {
	numbers map[string]string
	sellers map[string][]string
	err     error
}

func (m *MockTenantRepo) FindIDByWhatsAppNumber(ctx context.Context, number string) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	if id, ok := m.numbers[number]; ok {
		return id, nil
	}
	return "", appErrors.ErrTenantNotFound
}

func (m *MockTenantRepo) ListSellerPhones(ctx context.Context, tenantID string) ([]string, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.sellers[tenantID], nil
}

// MockInboundRepo enforces the (tenant, provider id) uniqueness.
type MockInboundRepo struct {
	mu   sync.Mutex
	rows []model.InboundMessage
	err  error
}

func sameTenant(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func (m *MockInboundRepo) Create(ctx context.Context, msg *model.InboundMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	for _, r := range m.rows {
		if sameTenant(r.TenantID, msg.TenantID) && r.ProviderMessageID == msg.ProviderMessageID {
			return uniqueViolation()
		}
	}
	m.rows = append(m.rows, *msg)
	return nil
}

func (m *MockInboundRepo) FindByProviderID(ctx context.Context, tenantID *string, providerMessageID string) (*model.InboundMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	for _, r := range m.rows {
		if sameTenant(r.TenantID, tenantID) && r.ProviderMessageID == providerMessageID {
			cp := r
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *MockInboundRepo) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

// MockQueue records published jobs and rejects repeated ids.
type MockQueue struct {
	mu   sync.Mutex
	jobs []queue.Job
	seen map[string]bool
	err  error
}

func (m *MockQueue) Publish(ctx context.Context, job queue.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	if m.seen == nil {
		m.seen = make(map[string]bool)
	}
	if m.seen[job.ID] {
		return queue.ErrDuplicateJob
	}
	m.seen[job.ID] = true
	m.jobs = append(m.jobs, job)
	return nil
}

func (m *MockQueue) Subscribe(topic string, handler queue.Handler) error { return nil }
func (m *MockQueue) Close(ctx context.Context) error                     { return nil }

func (m *MockQueue) Jobs() []queue.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]queue.Job(nil), m.jobs...)
}
