package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/promoflow/promoflow/internal/domain"
)

type reconcileFixture struct {
	r       *Reconciler
	store   *memStore
	trans   *memTransitions
	sched   *memScheduler
	events  *recordingEvents
	metrics *Metrics
	now     time.Time
}

func newReconcileFixture(t *testing.T) *reconcileFixture {
	t.Helper()
	f := &reconcileFixture{
		store:   newMemStore(),
		trans:   newMemTransitions(),
		sched:   newMemScheduler(),
		events:  &recordingEvents{},
		metrics: NewMetrics(prometheus.NewRegistry()),
		now:     time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	f.r = NewReconciler(testCatalog(t), f.store, f.trans, f.sched, f.events, f.metrics, newTestLogger())
	f.r.now = func() time.Time { return f.now }
	f.trans.clock = func() time.Time { return f.now }
	return f
}

func (f *reconcileFixture) activate(merchantID string, key domain.PromotionKey) {
	f.store.records[pair{merchantID, key}] = domain.ActivePromotion{MerchantID: merchantID, PromotionKey: key}
	f.sched.jobs[domain.JobID(key, merchantID)] = "x"
}

func (f *reconcileFixture) marker(merchantID string, key domain.PromotionKey, op domain.TransitionOp, age time.Duration) {
	f.trans.markers[pair{merchantID, key}] = domain.PendingTransition{
		MerchantID: merchantID, PromotionKey: key, Operation: op, StartedAt: f.now.Add(-age),
	}
}

func kinds(drift []domain.Drift) []domain.DriftKind {
	out := make([]domain.DriftKind, 0, len(drift))
	for _, d := range drift {
		out = append(out, d.Kind)
	}
	return out
}

func TestReconcile_ConsistentStateHasNoDrift(t *testing.T) {
	f := newReconcileFixture(t)
	f.activate("42", "happy-hour")
	f.activate("7", "birthday")

	report, err := f.r.Reconcile(context.Background(), ReconcileOptions{PendingGrace: time.Minute})
	require.NoError(t, err)
	assert.Empty(t, report.Drift)
	assert.Equal(t, 2, report.JobsSeen)
	assert.Equal(t, 2, report.RecordsSeen)
	assert.Equal(t, float64(f.now.Unix()), testutil.ToFloat64(f.metrics.lastRun))
}

func TestReconcile_StalePendingIsDrivenOff(t *testing.T) {
	f := newReconcileFixture(t)
	// Deactivation crashed before touching the job or the record.
	f.activate("42", "happy-hour")
	f.marker("42", "happy-hour", domain.OpDeactivation, 10*time.Minute)

	report, err := f.r.Reconcile(context.Background(), ReconcileOptions{PendingGrace: time.Minute})
	require.NoError(t, err)
	require.Len(t, report.Drift, 1)

	d := report.Drift[0]
	assert.Equal(t, domain.DriftStalePending, d.Kind)
	assert.Equal(t, domain.OpDeactivation, d.Operation)
	assert.Equal(t, "happy-hour-42", d.JobID)
	assert.True(t, d.Repaired)
	assert.Empty(t, f.sched.jobs)
	assert.Empty(t, f.store.records)
	assert.Zero(t, f.trans.count())
	assert.Len(t, f.events.drift, 1)
}

func TestReconcile_StaleActivationOnConsistentPairOnlyClearsMarker(t *testing.T) {
	f := newReconcileFixture(t)
	// Activation finished both steps but the marker was never cleared.
	f.activate("42", "happy-hour")
	f.marker("42", "happy-hour", domain.OpActivation, 10*time.Minute)

	report, err := f.r.Reconcile(context.Background(), ReconcileOptions{PendingGrace: time.Minute})
	require.NoError(t, err)
	assert.Empty(t, report.Drift)
	assert.Contains(t, f.sched.jobs, "happy-hour-42")
	assert.Contains(t, f.store.records, pair{"42", "happy-hour"})
	assert.Zero(t, f.trans.count())
	assert.Zero(t, f.sched.deletes)
}

func TestReconcile_StaleActivationOnConsistentPairDryRunKeepsMarker(t *testing.T) {
	f := newReconcileFixture(t)
	f.activate("42", "happy-hour")
	f.marker("42", "happy-hour", domain.OpActivation, 10*time.Minute)

	report, err := f.r.Reconcile(context.Background(), ReconcileOptions{DryRun: true, PendingGrace: time.Minute})
	require.NoError(t, err)
	assert.Empty(t, report.Drift)
	assert.Equal(t, 1, f.trans.count())
}

func TestReconcile_KeepsActivationWhoseMarkerFailedToClear(t *testing.T) {
	f := newReconcileFixture(t)
	o := NewOrchestrator(testCatalog(t), f.store, f.trans, f.sched, f.events, newTestLogger())
	ctx := context.Background()

	f.trans.failClear = errors.New("connection reset")
	res, err := o.Activate(ctx, "42", "happy-hour")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCreated, res.Status)
	require.Equal(t, 1, f.trans.count())

	f.trans.failClear = nil
	f.now = f.now.Add(time.Hour)

	report, err := f.r.Reconcile(ctx, ReconcileOptions{PendingGrace: time.Minute})
	require.NoError(t, err)
	assert.Empty(t, report.Drift)
	assert.Contains(t, f.sched.jobs, "happy-hour-42")
	assert.Len(t, f.store.records, 1)
	assert.Zero(t, f.trans.count())
}

func TestReconcile_SkewedAppClockDoesNotAgeMarkers(t *testing.T) {
	f := newReconcileFixture(t)
	f.sched.jobs["birthday-42"] = "x"
	f.marker("42", "birthday", domain.OpActivation, 5*time.Second)
	// Only the store's clock decides staleness.
	f.r.now = func() time.Time { return f.now.Add(24 * time.Hour) }

	report, err := f.r.Reconcile(context.Background(), ReconcileOptions{PendingGrace: time.Minute})
	require.NoError(t, err)
	assert.Empty(t, report.Drift)
	assert.Contains(t, f.sched.jobs, "birthday-42")
}

// racingScheduler runs before ahead of the job listing and after once the
// listing is taken, the way a concurrent request would interleave.
type racingScheduler struct {
	*memScheduler
	before, after func()
}

func (s *racingScheduler) ListJobIDs(ctx context.Context) ([]string, error) {
	if s.before != nil {
		s.before()
	}
	ids, err := s.memScheduler.ListJobIDs(ctx)
	if s.after != nil {
		s.after()
	}
	return ids, err
}

func TestReconcile_ConcurrentActivationIsNotTreatedAsOrphan(t *testing.T) {
	f := newReconcileFixture(t)
	sched := &racingScheduler{memScheduler: f.sched}
	r := NewReconciler(testCatalog(t), f.store, f.trans, sched, f.events, f.metrics, newTestLogger())
	r.now = f.r.now
	ctx := context.Background()

	// Marker and job land before the listing, record and marker clear after.
	sched.before = func() {
		require.NoError(t, f.trans.MarkPending(ctx, "42", "birthday", domain.OpActivation))
		require.NoError(t, f.sched.CreateRecurringJob(ctx, "birthday-42", "x", "0 8 * * *"))
	}
	sched.after = func() {
		_, err := f.store.Insert(ctx, "42", "birthday")
		require.NoError(t, err)
		_, err = f.trans.ClearPending(ctx, "42", "birthday", domain.OpActivation)
		require.NoError(t, err)
	}

	report, err := r.Reconcile(ctx, ReconcileOptions{PendingGrace: time.Minute})
	require.NoError(t, err)
	assert.Empty(t, report.Drift)
	assert.Contains(t, f.sched.jobs, "birthday-42")
	assert.Len(t, f.store.records, 1)
	assert.Zero(t, f.sched.deletes)
}

func TestReconcile_FreshMarkerIsInFlight(t *testing.T) {
	f := newReconcileFixture(t)
	// Job created, record not yet written: an orphan unless in flight.
	f.sched.jobs["birthday-42"] = "x"
	f.marker("42", "birthday", domain.OpActivation, 5*time.Second)

	report, err := f.r.Reconcile(context.Background(), ReconcileOptions{PendingGrace: time.Minute})
	require.NoError(t, err)
	assert.Empty(t, report.Drift)
	assert.Contains(t, f.sched.jobs, "birthday-42")
	assert.Equal(t, 1, f.trans.count())
}

func TestReconcile_OrphanJobIsDeleted(t *testing.T) {
	f := newReconcileFixture(t)
	f.sched.jobs["social-media-posts-9"] = "x"

	report, err := f.r.Reconcile(context.Background(), ReconcileOptions{})
	require.NoError(t, err)
	assert.Equal(t, []domain.DriftKind{domain.DriftOrphanJob}, kinds(report.Drift))
	assert.Equal(t, "9", report.Drift[0].MerchantID)
	assert.Equal(t, domain.PromotionKey("social-media-posts"), report.Drift[0].PromotionKey)
	assert.True(t, report.Drift[0].Repaired)
	assert.Empty(t, f.sched.jobs)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.drift.WithLabelValues("orphan_job", "true")))
}

func TestReconcile_PhantomRecordIsRemoved(t *testing.T) {
	f := newReconcileFixture(t)
	f.store.records[pair{"42", "birthday"}] = domain.ActivePromotion{MerchantID: "42", PromotionKey: "birthday"}

	report, err := f.r.Reconcile(context.Background(), ReconcileOptions{})
	require.NoError(t, err)
	assert.Equal(t, []domain.DriftKind{domain.DriftPhantomRecord}, kinds(report.Drift))
	assert.True(t, report.Drift[0].Repaired)
	assert.Empty(t, f.store.records)
	assert.Equal(t, 1, report.Repaired())
}

func TestReconcile_UnknownJobIsReportedOnly(t *testing.T) {
	f := newReconcileFixture(t)
	f.sched.jobs["nightly-backup"] = "x"
	f.sched.jobs["happy-hour-bad-id"] = "x"

	report, err := f.r.Reconcile(context.Background(), ReconcileOptions{})
	require.NoError(t, err)
	assert.ElementsMatch(t, []domain.DriftKind{domain.DriftUnknownJob, domain.DriftUnknownJob}, kinds(report.Drift))
	for _, d := range report.Drift {
		assert.False(t, d.Repaired)
	}
	assert.Len(t, f.sched.jobs, 2)
	assert.Zero(t, f.sched.deletes)
}

func TestReconcile_DryRunChangesNothing(t *testing.T) {
	f := newReconcileFixture(t)
	f.sched.jobs["birthday-1"] = "x"
	f.store.records[pair{"2", "happy-hour"}] = domain.ActivePromotion{MerchantID: "2", PromotionKey: "happy-hour"}
	f.marker("3", "weather-recommendation", domain.OpDeactivation, time.Hour)

	report, err := f.r.Reconcile(context.Background(), ReconcileOptions{DryRun: true, PendingGrace: time.Minute})
	require.NoError(t, err)
	assert.True(t, report.DryRun)
	assert.ElementsMatch(t,
		[]domain.DriftKind{domain.DriftStalePending, domain.DriftOrphanJob, domain.DriftPhantomRecord},
		kinds(report.Drift))
	assert.Zero(t, report.Repaired())
	assert.Len(t, f.sched.jobs, 1)
	assert.Len(t, f.store.records, 1)
	assert.Equal(t, 1, f.trans.count())
}

func TestReconcile_StalePairIsNotReportedTwice(t *testing.T) {
	f := newReconcileFixture(t)
	// The job exists but the record was never written; the marker covers it.
	f.sched.jobs["birthday-42"] = "x"
	f.marker("42", "birthday", domain.OpActivation, time.Hour)

	report, err := f.r.Reconcile(context.Background(), ReconcileOptions{PendingGrace: time.Minute})
	require.NoError(t, err)
	assert.Equal(t, []domain.DriftKind{domain.DriftStalePending}, kinds(report.Drift))
	assert.Empty(t, f.sched.jobs)
}

func TestReconcile_RepairFailureIsRecorded(t *testing.T) {
	store, trans, sched := &mockStore{}, newMemTransitions(), &mockScheduler{}
	r := NewReconciler(testCatalog(t), store, trans, sched, &recordingEvents{}, nil, newTestLogger())

	sched.On("ListJobIDs", mock.Anything).Return([]string{"birthday-42"}, nil)
	store.On("ListAll", mock.Anything).Return([]domain.ActivePromotion{}, nil)
	store.On("IsActive", mock.Anything, "42", domain.PromotionKey("birthday")).Return(false, nil)
	sched.On("DeleteRecurringJob", mock.Anything, "birthday-42").Return(errors.New("503"))

	report, err := r.Reconcile(context.Background(), ReconcileOptions{})
	require.NoError(t, err)
	require.Len(t, report.Drift, 1)
	assert.False(t, report.Drift[0].Repaired)
	assert.Contains(t, report.Drift[0].Error, "503")
	sched.AssertExpectations(t)
}

func TestReconcile_ListFailureAborts(t *testing.T) {
	store, trans, sched := &mockStore{}, &mockTransitions{}, &mockScheduler{}
	r := NewReconciler(testCatalog(t), store, trans, sched, &recordingEvents{}, nil, newTestLogger())
	store.On("ListAll", mock.Anything).Return([]domain.ActivePromotion{}, nil)
	sched.On("ListJobIDs", mock.Anything).Return([]string(nil), errors.New("unauthenticated"))

	_, err := r.Reconcile(context.Background(), ReconcileOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "list scheduler jobs")
	trans.AssertNotCalled(t, "ListPending", mock.Anything, mock.Anything)
	sched.AssertNotCalled(t, "DeleteRecurringJob", mock.Anything, mock.Anything)
}

func TestReconcile_StoreListFailureAborts(t *testing.T) {
	store, sched := &mockStore{}, &mockScheduler{}
	r := NewReconciler(testCatalog(t), store, newMemTransitions(), sched, &recordingEvents{}, nil, newTestLogger())
	store.On("ListAll", mock.Anything).Return([]domain.ActivePromotion(nil), errors.New("connection refused"))

	_, err := r.Reconcile(context.Background(), ReconcileOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "list active promotions")
	sched.AssertNotCalled(t, "ListJobIDs", mock.Anything)
}

func TestReconcile_RepairsOrchestratorCrash(t *testing.T) {
	f := newReconcileFixture(t)
	f.r.now = time.Now
	o := NewOrchestrator(testCatalog(t), f.store, f.trans, f.sched, f.events, newTestLogger())
	ctx := context.Background()

	_, err := o.Activate(ctx, "42", "birthday")
	require.NoError(t, err)
	// Simulate a crash mid-deactivation: job gone, record still present.
	delete(f.sched.jobs, "birthday-42")

	report, err := f.r.Reconcile(ctx, ReconcileOptions{})
	require.NoError(t, err)
	assert.Equal(t, []domain.DriftKind{domain.DriftPhantomRecord}, kinds(report.Drift))

	res, err := o.Activate(ctx, "42", "birthday")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCreated, res.Status)
}
