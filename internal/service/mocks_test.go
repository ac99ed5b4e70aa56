package service

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/promoflow/promoflow/internal/catalog"
	"github.com/promoflow/promoflow/internal/domain"
	"github.com/promoflow/promoflow/internal/scheduler"
)

// --- testify mocks ---

type mockStore struct {
	mock.Mock
}

func (m *mockStore) IsActive(ctx context.Context, merchantID string, key domain.PromotionKey) (bool, error) {
	args := m.Called(ctx, merchantID, key)
	return args.Bool(0), args.Error(1)
}

func (m *mockStore) Insert(ctx context.Context, merchantID string, key domain.PromotionKey) (*domain.ActivePromotion, error) {
	args := m.Called(ctx, merchantID, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.ActivePromotion), args.Error(1)
}

func (m *mockStore) Remove(ctx context.Context, merchantID string, key domain.PromotionKey) error {
	return m.Called(ctx, merchantID, key).Error(0)
}

func (m *mockStore) ListByMerchant(ctx context.Context, merchantID string) ([]domain.ActivePromotion, error) {
	args := m.Called(ctx, merchantID)
	return args.Get(0).([]domain.ActivePromotion), args.Error(1)
}

func (m *mockStore) ListAll(ctx context.Context) ([]domain.ActivePromotion, error) {
	args := m.Called(ctx)
	return args.Get(0).([]domain.ActivePromotion), args.Error(1)
}

type mockTransitions struct {
	mock.Mock
}

func (m *mockTransitions) MarkPending(ctx context.Context, merchantID string, key domain.PromotionKey, op domain.TransitionOp) error {
	return m.Called(ctx, merchantID, key, op).Error(0)
}

func (m *mockTransitions) ClearPending(ctx context.Context, merchantID string, key domain.PromotionKey, op domain.TransitionOp) (bool, error) {
	args := m.Called(ctx, merchantID, key, op)
	return args.Bool(0), args.Error(1)
}

func (m *mockTransitions) ListPending(ctx context.Context, grace time.Duration) ([]domain.PendingTransition, error) {
	args := m.Called(ctx, grace)
	return args.Get(0).([]domain.PendingTransition), args.Error(1)
}

type mockScheduler struct {
	mock.Mock
}

func (m *mockScheduler) CreateRecurringJob(ctx context.Context, jobID, targetURL, cronSchedule string) error {
	return m.Called(ctx, jobID, targetURL, cronSchedule).Error(0)
}

func (m *mockScheduler) DeleteRecurringJob(ctx context.Context, jobID string) error {
	return m.Called(ctx, jobID).Error(0)
}

func (m *mockScheduler) ListJobIDs(ctx context.Context) ([]string, error) {
	args := m.Called(ctx)
	return args.Get(0).([]string), args.Error(1)
}

// --- in-memory fakes for multi-step scenarios ---

type memStore struct {
	mu      sync.Mutex
	records map[pair]domain.ActivePromotion
	inserts int
}

func newMemStore() *memStore {
	return &memStore{records: map[pair]domain.ActivePromotion{}}
}

func (s *memStore) IsActive(_ context.Context, merchantID string, key domain.PromotionKey) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.records[pair{merchantID, key}]
	return ok, nil
}

func (s *memStore) Insert(_ context.Context, merchantID string, key domain.PromotionKey) (*domain.ActivePromotion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := pair{merchantID, key}
	if _, ok := s.records[p]; ok {
		return nil, domain.ErrDuplicateActive
	}
	s.inserts++
	rec := domain.ActivePromotion{ID: int64(s.inserts), MerchantID: merchantID, PromotionKey: key, ActivatedAt: time.Now().UTC()}
	s.records[p] = rec
	return &rec, nil
}

func (s *memStore) Remove(_ context.Context, merchantID string, key domain.PromotionKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := pair{merchantID, key}
	if _, ok := s.records[p]; !ok {
		return domain.ErrNotActive
	}
	delete(s.records, p)
	return nil
}

func (s *memStore) ListByMerchant(_ context.Context, merchantID string) ([]domain.ActivePromotion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []domain.ActivePromotion{}
	for p, r := range s.records {
		if p.merchantID == merchantID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *memStore) ListAll(context.Context) ([]domain.ActivePromotion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []domain.ActivePromotion{}
	for _, r := range s.records {
		out = append(out, r)
	}
	return out, nil
}

// memTransitions stamps and ages markers with its own clock, standing in
// for the database's NOW().
type memTransitions struct {
	mu      sync.Mutex
	markers map[pair]domain.PendingTransition
	clock   func() time.Time
	// failClear makes ClearPending return an error.
	failClear error
}

func newMemTransitions() *memTransitions {
	return &memTransitions{markers: map[pair]domain.PendingTransition{}, clock: time.Now}
}

func (t *memTransitions) MarkPending(_ context.Context, merchantID string, key domain.PromotionKey, op domain.TransitionOp) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.markers[pair{merchantID, key}] = domain.PendingTransition{MerchantID: merchantID, PromotionKey: key, Operation: op, StartedAt: t.clock().UTC()}
	return nil
}

func (t *memTransitions) ClearPending(_ context.Context, merchantID string, key domain.PromotionKey, op domain.TransitionOp) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failClear != nil {
		return false, t.failClear
	}
	p := pair{merchantID, key}
	if m, ok := t.markers[p]; ok && m.Operation == op {
		delete(t.markers, p)
		return true, nil
	}
	return false, nil
}

func (t *memTransitions) ListPending(_ context.Context, grace time.Duration) ([]domain.PendingTransition, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.clock().Add(-grace)
	out := []domain.PendingTransition{}
	for _, m := range t.markers {
		m.Stale = m.StartedAt.Before(cutoff)
		out = append(out, m)
	}
	return out, nil
}

func (t *memTransitions) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.markers)
}

type memScheduler struct {
	mu      sync.Mutex
	jobs    map[string]string
	creates int
	deletes int
}

func newMemScheduler() *memScheduler {
	return &memScheduler{jobs: map[string]string{}}
}

func (s *memScheduler) CreateRecurringJob(_ context.Context, jobID, targetURL, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creates++
	if _, ok := s.jobs[jobID]; ok {
		return scheduler.ErrJobExists
	}
	s.jobs[jobID] = targetURL
	return nil
}

func (s *memScheduler) DeleteRecurringJob(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletes++
	if _, ok := s.jobs[jobID]; !ok {
		return scheduler.ErrJobNotFound
	}
	delete(s.jobs, jobID)
	return nil
}

func (s *memScheduler) ListJobIDs(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []string{}
	for id := range s.jobs {
		out = append(out, id)
	}
	return out, nil
}

type recordingEvents struct {
	mu          sync.Mutex
	activated   []string
	deactivated []string
	drift       []domain.Drift
	err         error
}

func (e *recordingEvents) PromotionActivated(_ context.Context, merchantID string, _ domain.Promotion, jobID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.activated = append(e.activated, jobID)
	return e.err
}

func (e *recordingEvents) PromotionDeactivated(_ context.Context, res *domain.DeactivationResult) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.deactivated = append(e.deactivated, res.JobID)
	return e.err
}

func (e *recordingEvents) DriftDetected(_ context.Context, d domain.Drift) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.drift = append(e.drift, d)
	return e.err
}

// --- helpers ---

const testBaseURL = "https://api.example.com"

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	c, err := catalog.Default(testBaseURL)
	require.NoError(t, err)
	return c
}
