package ledger

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"quotaledger/internal/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

type mockPlanSource struct {
	mu    sync.Mutex
	plans map[string]*types.Plan
	calls []string
}

func (m *mockPlanSource) Get(_ context.Context, planID string) (*types.Plan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, planID)
	p, ok := m.plans[planID]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundPlan, "plan not found", nil)
	}
	return p, nil
}

type mockCompanyReader struct {
	mu        sync.Mutex
	companies []*types.Company
	err       error
	calls     int
}

func (m *mockCompanyReader) GetByID(_ context.Context, _ string) (*types.Company, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	c := m.companies[0]
	if len(m.companies) > 1 {
		m.companies = m.companies[1:]
	}
	return c, nil
}

type reserveCall struct {
	resource types.ResourceType
	n        int
}

type mockCompanyTx struct {
	mu         sync.Mutex
	company    *types.Company
	reserves   []reserveCall
	releases   []reserveCall
	touched    int
	committed  bool
	rolledBack bool
	reserveErr error
	releaseErr error
	touchErr   error
	commitErr  error
}

func (m *mockCompanyTx) Company() *types.Company { return m.company }

func (m *mockCompanyTx) Reserve(_ context.Context, resource types.ResourceType, n int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reserves = append(m.reserves, reserveCall{resource: resource, n: n})
	return m.reserveErr
}

func (m *mockCompanyTx) Release(_ context.Context, resource types.ResourceType, n int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releases = append(m.releases, reserveCall{resource: resource, n: n})
	return m.releaseErr
}

func (m *mockCompanyTx) closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.committed || m.rolledBack
}

func (m *mockCompanyTx) Touch(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touched++
	return m.touchErr
}

func (m *mockCompanyTx) Commit(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.commitErr != nil {
		return m.commitErr
	}
	m.committed = true
	return nil
}

func (m *mockCompanyTx) Rollback(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.committed {
		m.rolledBack = true
	}
	return nil
}

type mockAdmissionDB struct {
	mu       sync.Mutex
	txs      []*mockCompanyTx
	beginErr error
	begins   int
}

func (m *mockAdmissionDB) BeginCompanyTx(_ context.Context, _ string) (CompanyTx, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.begins++
	if m.beginErr != nil {
		return nil, m.beginErr
	}
	tx := m.txs[0]
	if len(m.txs) > 1 {
		m.txs = m.txs[1:]
	}
	return tx, nil
}

type reconcileCall struct {
	companyID string
	reason    types.ReconcileReason
}

type mockReconcileTrigger struct {
	mu    sync.Mutex
	calls []reconcileCall
	err   error
}

func (m *mockReconcileTrigger) RequestReconcile(_ context.Context, companyID string, reason types.ReconcileReason) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, reconcileCall{companyID: companyID, reason: reason})
	return m.err
}

type driftAlertCall struct {
	companyID   string
	resource    types.ResourceType
	incremental int
	recomputed  int
}

type mockDriftAlerter struct {
	mu    sync.Mutex
	calls []driftAlertCall
	err   error
}

func (m *mockDriftAlerter) NotifyDrift(_ context.Context, companyID string, resource types.ResourceType, incremental, recomputed int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, driftAlertCall{companyID: companyID, resource: resource, incremental: incremental, recomputed: recomputed})
	return m.err
}

type recordingMetrics struct {
	mu         sync.Mutex
	admissions []types.AdmissionOutcome
	clamps     []types.ResourceType
	drifts     []int
	reconciles []types.AdmissionOutcome
}

func (m *recordingMetrics) RecordAdmission(_ context.Context, _ types.ResourceType, outcome types.AdmissionOutcome) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.admissions = append(m.admissions, outcome)
}

func (m *recordingMetrics) RecordClampActivation(_ context.Context, resource types.ResourceType) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clamps = append(m.clamps, resource)
}

func (m *recordingMetrics) RecordDrift(_ context.Context, _ types.ResourceType, magnitude int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drifts = append(m.drifts, magnitude)
}

func (m *recordingMetrics) RecordReconcile(_ context.Context, outcome types.AdmissionOutcome) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reconciles = append(m.reconciles, outcome)
}

var admissionTestNow = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func freshCompany(planID string, counts types.UsageSnapshot) *types.Company {
	updatedAt := admissionTestNow.Add(-time.Minute)
	return &types.Company{
		ID:              "comp-1",
		Name:            "Acme",
		Billing:         types.Billing{PlanID: planID},
		Counts:          counts,
		CountsUpdatedAt: &updatedAt,
	}
}

type admissionFixture struct {
	db      *mockAdmissionDB
	reader  *mockCompanyReader
	plans   *mockPlanSource
	metrics *recordingMetrics
	trigger *mockReconcileTrigger
	alerter *mockDriftAlerter
}

func newAdmissionController(f *admissionFixture, isRetryable RetryableError, opts ...AdmissionOption) *AdmissionController {
	cfg := AdmissionConfig{
		DriftTolerance:    1,
		SnapshotStaleness: 15 * time.Minute,
		Retry:             RetryPolicy{MaxRetries: 3, MinWait: time.Millisecond, MaxWait: 5 * time.Millisecond},
	}
	opts = append([]AdmissionOption{
		WithAdmissionSleepFunc(func(time.Duration) {}),
		WithAdmissionNowFunc(func() time.Time { return admissionTestNow }),
		WithDriftAlerter(f.alerter),
	}, opts...)
	return NewAdmissionController(f.db, f.reader, f.plans, f.metrics, f.trigger, cfg, isRetryable, testLogger(), opts...)
}

func newAdmissionFixture(company *types.Company, plans map[string]*types.Plan) *admissionFixture {
	return &admissionFixture{
		db:      &mockAdmissionDB{txs: []*mockCompanyTx{{company: company}}},
		reader:  &mockCompanyReader{companies: []*types.Company{company}},
		plans:   &mockPlanSource{plans: plans},
		metrics: &recordingMetrics{},
		trigger: &mockReconcileTrigger{},
		alerter: &mockDriftAlerter{},
	}
}

func TestAssertCanAddGrantsWithinLimit(t *testing.T) {
	company := freshCompany("business", types.UsageSnapshot{UsersActiveTotal: 5, UsersPendingTotal: 2})
	f := newAdmissionFixture(company, map[string]*types.Plan{
		"business": {ID: "business", UserLimit: 10, ConnectionLimit: 5},
	})
	c := newAdmissionController(f, nil)

	decision, err := c.AssertCanAdd(context.Background(), "comp-1", types.ResourceUsers, 2, false)
	if err != nil {
		t.Fatalf("AssertCanAdd() error = %v", err)
	}
	if !decision.Allowed {
		t.Fatalf("decision.Allowed = false, want true (limit=%d total=%d)", decision.EffectiveLimit, decision.CurrentTotal)
	}
	if decision.EffectiveLimit != 10 || decision.CurrentTotal != 7 || decision.Requested != 2 {
		t.Errorf("decision = %+v, want limit=10 total=7 requested=2", decision)
	}

	tx := f.db.txs[0]
	if tx.touched != 1 {
		t.Errorf("Touch called %d times, want 1", tx.touched)
	}
	if len(tx.reserves) != 0 {
		t.Errorf("Reserve called %d times, want 0", len(tx.reserves))
	}
	if !tx.committed {
		t.Error("transaction was not committed")
	}
	if len(f.metrics.admissions) != 1 || f.metrics.admissions[0] != types.AdmissionGranted {
		t.Errorf("recorded admissions = %v, want [granted]", f.metrics.admissions)
	}
}

func TestAssertCanAddReservePath(t *testing.T) {
	company := freshCompany("business", types.UsageSnapshot{ConnectionsApprovedTotal: 1})
	f := newAdmissionFixture(company, map[string]*types.Plan{
		"business": {ID: "business", UserLimit: 10, ConnectionLimit: 5},
	})
	c := newAdmissionController(f, nil)

	decision, err := c.AssertCanAdd(context.Background(), "comp-1", types.ResourceConnections, 1, true)
	if err != nil {
		t.Fatalf("AssertCanAdd() error = %v", err)
	}
	if !decision.Allowed {
		t.Fatal("decision.Allowed = false, want true")
	}

	tx := f.db.txs[0]
	if len(tx.reserves) != 1 || tx.reserves[0] != (reserveCall{resource: types.ResourceConnections, n: 1}) {
		t.Errorf("reserves = %+v, want one connections/1 reservation", tx.reserves)
	}
	if tx.touched != 0 {
		t.Errorf("Touch called %d times, want 0 on reserve path", tx.touched)
	}
	if !tx.committed {
		t.Error("transaction was not committed")
	}
}

func TestAssertCanAddRejectsAtLimit(t *testing.T) {
	company := freshCompany("starter", types.UsageSnapshot{UsersActiveTotal: 8, UsersPendingTotal: 2})
	f := newAdmissionFixture(company, map[string]*types.Plan{
		"starter": {ID: "starter", UserLimit: 10, ConnectionLimit: 3},
	})
	c := newAdmissionController(f, nil)

	decision, err := c.AssertCanAdd(context.Background(), "comp-1", types.ResourceUsers, 1, false)
	if err != nil {
		t.Fatalf("AssertCanAdd() error = %v, rejection must not be an error", err)
	}
	if decision.Allowed {
		t.Fatal("decision.Allowed = true, want false")
	}
	if decision.EffectiveLimit != 10 || decision.CurrentTotal != 10 || decision.Requested != 1 {
		t.Errorf("decision = %+v, want limit=10 total=10 requested=1", decision)
	}

	tx := f.db.txs[0]
	if tx.committed {
		t.Error("rejection must not commit the transaction")
	}
	if !tx.rolledBack {
		t.Error("rejection must roll the transaction back")
	}
	if len(f.metrics.admissions) != 1 || f.metrics.admissions[0] != types.AdmissionRejected {
		t.Errorf("recorded admissions = %v, want [rejected]", f.metrics.admissions)
	}

	appErr := decision.RejectionError()
	if appErr.Code != types.ErrCodeQuotaUsersExceeded {
		t.Errorf("rejection code = %s, want %s", appErr.Code, types.ErrCodeQuotaUsersExceeded)
	}
	if appErr.Details["effective_limit"] != 10 || appErr.Details["current_total"] != 10 {
		t.Errorf("rejection details = %v", appErr.Details)
	}
}

func TestAssertCanAddReservationsCountTowardTotal(t *testing.T) {
	company := freshCompany("starter", types.UsageSnapshot{UsersActiveTotal: 9})
	company.Usage.ReservedUsers = 1
	f := newAdmissionFixture(company, map[string]*types.Plan{
		"starter": {ID: "starter", UserLimit: 10},
	})
	c := newAdmissionController(f, nil)

	decision, err := c.AssertCanAdd(context.Background(), "comp-1", types.ResourceUsers, 1, false)
	if err != nil {
		t.Fatalf("AssertCanAdd() error = %v", err)
	}
	if decision.Allowed {
		t.Error("decision.Allowed = true, want false: outstanding reservation holds the last slot")
	}
	if decision.CurrentTotal != 10 {
		t.Errorf("CurrentTotal = %d, want 10 (9 counted + 1 reserved)", decision.CurrentTotal)
	}
}

func TestAssertCanAddUnlimitedPlan(t *testing.T) {
	company := freshCompany("enterprise", types.UsageSnapshot{UsersActiveTotal: 100000})
	f := newAdmissionFixture(company, map[string]*types.Plan{
		"enterprise": {ID: "enterprise", UserLimit: -1, ConnectionLimit: -1},
	})
	c := newAdmissionController(f, nil)

	decision, err := c.AssertCanAdd(context.Background(), "comp-1", types.ResourceUsers, 5000, false)
	if err != nil {
		t.Fatalf("AssertCanAdd() error = %v", err)
	}
	if !decision.Allowed {
		t.Error("decision.Allowed = false, want true on unlimited plan")
	}
	if decision.EffectiveLimit != types.UnlimitedLimit {
		t.Errorf("EffectiveLimit = %d, want %d", decision.EffectiveLimit, types.UnlimitedLimit)
	}
}

func TestAssertCanAddEnforcesPendingDowngrade(t *testing.T) {
	company := freshCompany("business", types.UsageSnapshot{UsersActiveTotal: 20})
	company.Billing.PendingChange = &types.PendingPlanChange{
		NextPlanID:  "starter",
		EffectiveAt: admissionTestNow.Add(72 * time.Hour),
	}
	f := newAdmissionFixture(company, map[string]*types.Plan{
		"business": {ID: "business", UserLimit: 100},
		"starter":  {ID: "starter", UserLimit: 25},
	})
	c := newAdmissionController(f, nil)

	decision, err := c.AssertCanAdd(context.Background(), "comp-1", types.ResourceUsers, 10, false)
	if err != nil {
		t.Fatalf("AssertCanAdd() error = %v", err)
	}
	if decision.Allowed {
		t.Error("decision.Allowed = true, want false: pending downgrade limit applies now")
	}
	if decision.EffectiveLimit != 25 {
		t.Errorf("EffectiveLimit = %d, want 25", decision.EffectiveLimit)
	}
}

func TestAssertCanAddStaleSnapshotFailsClosed(t *testing.T) {
	stale := admissionTestNow.Add(-time.Hour)

	tests := []struct {
		name      string
		updatedAt *time.Time
	}{
		{name: "snapshot never computed", updatedAt: nil},
		{name: "snapshot beyond staleness budget", updatedAt: &stale},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			company := freshCompany("starter", types.UsageSnapshot{})
			company.CountsUpdatedAt = tt.updatedAt
			f := newAdmissionFixture(company, map[string]*types.Plan{
				"starter": {ID: "starter", UserLimit: 10},
			})
			c := newAdmissionController(f, nil)

			decision, err := c.AssertCanAdd(context.Background(), "comp-1", types.ResourceUsers, 1, false)
			if decision != nil {
				t.Errorf("decision = %+v, want nil", decision)
			}
			var appErr *types.AppError
			if !errors.As(err, &appErr) || appErr.Code != types.ErrCodeServiceUnavailable {
				t.Fatalf("error = %v, want %s", err, types.ErrCodeServiceUnavailable)
			}
			if f.db.begins != 0 {
				t.Errorf("BeginCompanyTx called %d times, want 0 on stale snapshot", f.db.begins)
			}
		})
	}
}

func TestAssertCanAddValidatesInput(t *testing.T) {
	f := newAdmissionFixture(freshCompany("starter", types.UsageSnapshot{}), nil)
	c := newAdmissionController(f, nil)

	tests := []struct {
		name      string
		resource  types.ResourceType
		increment int
		wantCode  types.ErrorCode
	}{
		{name: "unknown resource", resource: "seats", increment: 1, wantCode: types.ErrCodeValidationInvalidResource},
		{name: "zero increment", resource: types.ResourceUsers, increment: 0, wantCode: types.ErrCodeValidationInvalidIncrement},
		{name: "negative increment", resource: types.ResourceUsers, increment: -2, wantCode: types.ErrCodeValidationInvalidIncrement},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.AssertCanAdd(context.Background(), "comp-1", tt.resource, tt.increment, false)
			var appErr *types.AppError
			if !errors.As(err, &appErr) || appErr.Code != tt.wantCode {
				t.Fatalf("error = %v, want code %s", err, tt.wantCode)
			}
		})
	}
}

func TestAssertCanAddDriftDetection(t *testing.T) {
	company := freshCompany("business", types.UsageSnapshot{UsersActiveTotal: 5})
	company.Usage.Users = 9 // drift of 4 against the recomputed snapshot
	f := newAdmissionFixture(company, map[string]*types.Plan{
		"business": {ID: "business", UserLimit: 100},
	})
	c := newAdmissionController(f, nil)

	decision, err := c.AssertCanAdd(context.Background(), "comp-1", types.ResourceUsers, 1, false)
	if err != nil {
		t.Fatalf("AssertCanAdd() error = %v, drift must never fail the caller", err)
	}
	if !decision.Allowed {
		t.Error("decision.Allowed = false, want true: the snapshot is authoritative")
	}

	if len(f.metrics.drifts) != 1 || f.metrics.drifts[0] != 4 {
		t.Errorf("recorded drifts = %v, want [4]", f.metrics.drifts)
	}
	if len(f.trigger.calls) != 1 || f.trigger.calls[0].reason != types.ReconcileReasonDrift {
		t.Errorf("reconcile requests = %+v, want one drift request", f.trigger.calls)
	}
	if len(f.alerter.calls) != 1 {
		t.Fatalf("alert calls = %d, want 1", len(f.alerter.calls))
	}
	if got := f.alerter.calls[0]; got.incremental != 9 || got.recomputed != 5 {
		t.Errorf("alert = %+v, want incremental=9 recomputed=5", got)
	}
}

func TestAssertCanAddDriftWithinToleranceIsQuiet(t *testing.T) {
	company := freshCompany("business", types.UsageSnapshot{UsersActiveTotal: 5})
	company.Usage.Users = 6
	f := newAdmissionFixture(company, map[string]*types.Plan{
		"business": {ID: "business", UserLimit: 100},
	})
	c := newAdmissionController(f, nil)

	if _, err := c.AssertCanAdd(context.Background(), "comp-1", types.ResourceUsers, 1, false); err != nil {
		t.Fatalf("AssertCanAdd() error = %v", err)
	}
	if len(f.metrics.drifts) != 0 || len(f.trigger.calls) != 0 || len(f.alerter.calls) != 0 {
		t.Errorf("drift within tolerance must be silent: drifts=%v reconciles=%v alerts=%v",
			f.metrics.drifts, f.trigger.calls, f.alerter.calls)
	}
}

// txObservingTrigger records whether the company transaction was still open
// when the reconcile request fired.
type txObservingTrigger struct {
	tx      *mockCompanyTx
	calls   int
	sawOpen bool
}

func (m *txObservingTrigger) RequestReconcile(_ context.Context, _ string, _ types.ReconcileReason) error {
	m.calls++
	if !m.tx.closed() {
		m.sawOpen = true
	}
	return nil
}

type txObservingAlerter struct {
	tx      *mockCompanyTx
	calls   int
	sawOpen bool
}

func (m *txObservingAlerter) NotifyDrift(_ context.Context, _ string, _ types.ResourceType, _, _ int) error {
	m.calls++
	if !m.tx.closed() {
		m.sawOpen = true
	}
	return nil
}

func TestAssertCanAddDriftReportedAfterTxEnds(t *testing.T) {
	// The drift side effects reach out to SQS, CloudWatch, and a webhook
	// with retries; none of that may run while the row lock is held, on
	// either the granted or the rejected path.
	tests := []struct {
		name      string
		userLimit int
		wantGrant bool
	}{
		{name: "granted", userLimit: 100, wantGrant: true},
		{name: "rejected", userLimit: 5, wantGrant: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			company := freshCompany("business", types.UsageSnapshot{UsersActiveTotal: 5})
			company.Usage.Users = 9 // drift of 4 against the recomputed snapshot
			tx := &mockCompanyTx{company: company}
			trigger := &txObservingTrigger{tx: tx}
			alerter := &txObservingAlerter{tx: tx}

			cfg := AdmissionConfig{
				DriftTolerance:    1,
				SnapshotStaleness: 15 * time.Minute,
				Retry:             RetryPolicy{MaxRetries: 3, MinWait: time.Millisecond, MaxWait: 5 * time.Millisecond},
			}
			c := NewAdmissionController(
				&mockAdmissionDB{txs: []*mockCompanyTx{tx}},
				&mockCompanyReader{companies: []*types.Company{company}},
				&mockPlanSource{plans: map[string]*types.Plan{
					"business": {ID: "business", UserLimit: tt.userLimit},
				}},
				&recordingMetrics{},
				trigger,
				cfg,
				nil,
				testLogger(),
				WithAdmissionSleepFunc(func(time.Duration) {}),
				WithAdmissionNowFunc(func() time.Time { return admissionTestNow }),
				WithDriftAlerter(alerter),
			)

			decision, err := c.AssertCanAdd(context.Background(), "comp-1", types.ResourceUsers, 1, false)
			if err != nil {
				t.Fatalf("AssertCanAdd() error = %v", err)
			}
			if decision.Allowed != tt.wantGrant {
				t.Fatalf("decision.Allowed = %v, want %v", decision.Allowed, tt.wantGrant)
			}

			if trigger.calls != 1 {
				t.Fatalf("reconcile requests = %d, want 1", trigger.calls)
			}
			if trigger.sawOpen {
				t.Error("reconcile request fired while the company transaction was open")
			}
			if alerter.calls != 1 {
				t.Fatalf("alert calls = %d, want 1", alerter.calls)
			}
			if alerter.sawOpen {
				t.Error("drift alert fired while the company transaction was open")
			}
		})
	}
}

func TestReleaseReservation(t *testing.T) {
	company := freshCompany("business", types.UsageSnapshot{UsersActiveTotal: 5})
	company.Usage.ReservedUsers = 1
	f := newAdmissionFixture(company, map[string]*types.Plan{
		"business": {ID: "business", UserLimit: 10},
	})
	c := newAdmissionController(f, nil)

	if err := c.ReleaseReservation(context.Background(), "comp-1", types.ResourceUsers, 1); err != nil {
		t.Fatalf("ReleaseReservation() error = %v", err)
	}

	tx := f.db.txs[0]
	if len(tx.releases) != 1 || tx.releases[0] != (reserveCall{resource: types.ResourceUsers, n: 1}) {
		t.Errorf("releases = %+v, want one users/1 release", tx.releases)
	}
	if !tx.committed {
		t.Error("transaction was not committed")
	}
}

func TestReleaseReservationValidatesInput(t *testing.T) {
	f := newAdmissionFixture(freshCompany("business", types.UsageSnapshot{}), map[string]*types.Plan{
		"business": {ID: "business", UserLimit: 10},
	})
	c := newAdmissionController(f, nil)

	tests := []struct {
		name     string
		resource types.ResourceType
		n        int
		wantCode types.ErrorCode
	}{
		{name: "unknown resource", resource: "widgets", n: 1, wantCode: types.ErrCodeValidationInvalidResource},
		{name: "zero count", resource: types.ResourceUsers, n: 0, wantCode: types.ErrCodeValidationInvalidIncrement},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.ReleaseReservation(context.Background(), "comp-1", tt.resource, tt.n)
			var appErr *types.AppError
			if !errors.As(err, &appErr) || appErr.Code != tt.wantCode {
				t.Fatalf("error = %v, want code %s", err, tt.wantCode)
			}
		})
	}
	if f.db.begins != 0 {
		t.Errorf("BeginCompanyTx called %d times, want 0 on invalid input", f.db.begins)
	}
}

func TestAssertCanAddRetriesOnPlanChangeMidCheck(t *testing.T) {
	pre := freshCompany("business", types.UsageSnapshot{UsersActiveTotal: 1})
	moved := freshCompany("starter", types.UsageSnapshot{UsersActiveTotal: 1})
	settled := freshCompany("business", types.UsageSnapshot{UsersActiveTotal: 1})

	f := newAdmissionFixture(pre, map[string]*types.Plan{
		"business": {ID: "business", UserLimit: 100},
		"starter":  {ID: "starter", UserLimit: 10},
	})
	// First locked read sees a different plan than the pre-read; the retry
	// sees a consistent row.
	f.db.txs = []*mockCompanyTx{{company: moved}, {company: settled}}

	c := newAdmissionController(f, nil)

	decision, err := c.AssertCanAdd(context.Background(), "comp-1", types.ResourceUsers, 1, false)
	if err != nil {
		t.Fatalf("AssertCanAdd() error = %v", err)
	}
	if !decision.Allowed {
		t.Error("decision.Allowed = false, want true after retry")
	}
	if f.db.begins != 2 {
		t.Errorf("BeginCompanyTx called %d times, want 2", f.db.begins)
	}
	if f.reader.calls != 2 {
		t.Errorf("GetByID called %d times, want 2 (fresh pre-read per attempt)", f.reader.calls)
	}
}

func TestAssertCanAddExhaustsRetries(t *testing.T) {
	company := freshCompany("starter", types.UsageSnapshot{})
	f := newAdmissionFixture(company, map[string]*types.Plan{
		"starter": {ID: "starter", UserLimit: 10},
	})
	contention := errors.New("deadlock detected")
	f.db.beginErr = contention

	c := newAdmissionController(f, func(err error) bool { return errors.Is(err, contention) })

	decision, err := c.AssertCanAdd(context.Background(), "comp-1", types.ResourceUsers, 1, false)
	if decision != nil {
		t.Errorf("decision = %+v, want nil", decision)
	}
	var appErr *types.AppError
	if !errors.As(err, &appErr) || appErr.Code != types.ErrCodeServiceUnavailable {
		t.Fatalf("error = %v, want %s", err, types.ErrCodeServiceUnavailable)
	}
	if !errors.Is(err, contention) {
		t.Error("exhaustion error must wrap the last attempt's error")
	}
	if f.db.begins != 3 {
		t.Errorf("BeginCompanyTx called %d times, want 3", f.db.begins)
	}
	if len(f.metrics.admissions) != 1 || f.metrics.admissions[0] != types.AdmissionErrored {
		t.Errorf("recorded admissions = %v, want [errored]", f.metrics.admissions)
	}
}

func TestAssertCanAddNonRetryableErrorFailsFast(t *testing.T) {
	company := freshCompany("starter", types.UsageSnapshot{})
	f := newAdmissionFixture(company, map[string]*types.Plan{
		"starter": {ID: "starter", UserLimit: 10},
	})
	f.reader.err = types.NewAppError(types.ErrCodeNotFoundCompany, "company not found", nil)

	c := newAdmissionController(f, nil)

	_, err := c.AssertCanAdd(context.Background(), "comp-1", types.ResourceUsers, 1, false)
	var appErr *types.AppError
	if !errors.As(err, &appErr) || appErr.Code != types.ErrCodeNotFoundCompany {
		t.Fatalf("error = %v, want %s", err, types.ErrCodeNotFoundCompany)
	}
	if f.reader.calls != 1 {
		t.Errorf("GetByID called %d times, want 1 (no retry on non-retryable error)", f.reader.calls)
	}
}

func TestAssertCanAddCancelledContext(t *testing.T) {
	company := freshCompany("starter", types.UsageSnapshot{})
	f := newAdmissionFixture(company, map[string]*types.Plan{
		"starter": {ID: "starter", UserLimit: 10},
	})
	c := newAdmissionController(f, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.AssertCanAdd(ctx, "comp-1", types.ResourceUsers, 1, false)
	var appErr *types.AppError
	if !errors.As(err, &appErr) || appErr.Code != types.ErrCodeServiceUnavailable {
		t.Fatalf("error = %v, want %s", err, types.ErrCodeServiceUnavailable)
	}
	if f.db.begins != 0 {
		t.Errorf("BeginCompanyTx called %d times, want 0 after cancellation", f.db.begins)
	}
}
