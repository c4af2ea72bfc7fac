package kpi

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medkraiem/veille/internal/alerts"
	"github.com/medkraiem/veille/internal/billing"
)

type memThresholds struct {
	mu         sync.Mutex
	thresholds map[string]Threshold
}

func newMemThresholds(seed ...Threshold) *memThresholds {
	s := &memThresholds{thresholds: make(map[string]Threshold)}
	for _, th := range seed {
		s.thresholds[th.KPIName] = th
	}
	return s
}

func (s *memThresholds) FindByName(ctx context.Context, kpiName string) (*Threshold, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	th, ok := s.thresholds[kpiName]
	if !ok {
		return nil, nil
	}
	return &th, nil
}

func (s *memThresholds) All(ctx context.Context) ([]Threshold, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Threshold, 0, len(s.thresholds))
	for _, th := range s.thresholds {
		out = append(out, th)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].KPIName < out[j].KPIName })
	return out, nil
}

func (s *memThresholds) Save(ctx context.Context, t *Threshold) error {
	if err := t.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.thresholds[t.KPIName] = *t
	return nil
}

func (s *memThresholds) Delete(ctx context.Context, kpiName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.thresholds, kpiName)
	return nil
}

func (s *memThresholds) Count(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.thresholds)), nil
}

type memAlertStore struct {
	mu     sync.Mutex
	alerts map[string]alerts.Alert
	order  []string
}

func newMemAlertStore() *memAlertStore {
	return &memAlertStore{alerts: make(map[string]alerts.Alert)}
}

func (s *memAlertStore) Insert(ctx context.Context, alert *alerts.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts[alert.ID] = *alert
	s.order = append(s.order, alert.ID)
	return nil
}

func (s *memAlertStore) Update(ctx context.Context, alert *alerts.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.alerts[alert.ID]
	if !ok {
		return &alerts.NotFoundError{ID: alert.ID}
	}
	if current.Version != alert.Version {
		return &alerts.ConflictError{ID: alert.ID}
	}
	alert.Version++
	s.alerts[alert.ID] = *alert
	return nil
}

func (s *memAlertStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.alerts[id]; !ok {
		return &alerts.NotFoundError{ID: id}
	}
	delete(s.alerts, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

func (s *memAlertStore) FindByID(ctx context.Context, id string) (*alerts.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[id]
	if !ok {
		return nil, &alerts.NotFoundError{ID: id}
	}
	return &a, nil
}

func (s *memAlertStore) findWhere(match func(*alerts.Alert) bool) []alerts.Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []alerts.Alert
	for _, id := range s.order {
		a := s.alerts[id]
		if match(&a) {
			out = append(out, a)
		}
	}
	return out
}

func (s *memAlertStore) FindActiveByInvoice(ctx context.Context, kpiName, invoiceID string) ([]alerts.Alert, error) {
	return s.findWhere(func(a *alerts.Alert) bool {
		return a.IsActive() && a.KPIName == kpiName && a.RelatedInvoiceID == invoiceID
	}), nil
}

func (s *memAlertStore) FindActiveByDimension(ctx context.Context, kpiName, dimensionValue string) ([]alerts.Alert, error) {
	return s.findWhere(func(a *alerts.Alert) bool {
		return a.IsActive() && a.KPIName == kpiName && a.DimensionValue == dimensionValue
	}), nil
}

func (s *memAlertStore) FindActive(ctx context.Context) ([]alerts.Alert, error) {
	return s.findWhere(func(a *alerts.Alert) bool { return a.IsActive() }), nil
}

func (s *memAlertStore) FindByState(ctx context.Context, state alerts.State) ([]alerts.Alert, error) {
	return s.findWhere(func(a *alerts.Alert) bool { return a.State == state }), nil
}

func (s *memAlertStore) FindByRecipient(ctx context.Context, userID string, states []alerts.State) ([]alerts.Alert, error) {
	return s.findWhere(func(a *alerts.Alert) bool {
		inState := len(states) == 0
		for _, st := range states {
			if a.State == st {
				inState = true
				break
			}
		}
		if !inState {
			return false
		}
		for _, r := range a.Recipients {
			if r == userID {
				return true
			}
		}
		return false
	}), nil
}

func (s *memAlertStore) FindResolvedBefore(ctx context.Context, cutoff time.Time) ([]alerts.Alert, error) {
	return s.findWhere(func(a *alerts.Alert) bool {
		return a.State == alerts.StateResolved && !a.ResolvedAt.IsZero() && a.ResolvedAt.Before(cutoff)
	}), nil
}

func (s *memAlertStore) FindUnnotified(ctx context.Context) ([]alerts.Alert, error) {
	return s.findWhere(func(a *alerts.Alert) bool { return a.IsActive() && !a.NotificationSent }), nil
}

func newTestEvaluator(store *memAlertStore, thresholds ThresholdStore, invoices []billing.Invoice, conventions []billing.Convention) *Evaluator {
	src := &fakeInvoices{invoices: invoices}
	calc := NewCalculator(src, &fakeConventions{conventions: conventions}, WithClock(fixedClock))
	return NewEvaluator(thresholds, store, calc, src, WithEvaluatorClock(fixedClock))
}

func TestEvaluateKPIBands(t *testing.T) {
	thresholds := newMemThresholds(Threshold{
		KPIName:     "TAUX_RETARD",
		Description: "rate of overdue invoices",
		Low:         10,
		High:        20,
		Normal:      5,
		Unit:        "%",
		Direction:   DirectionAbove,
		Enabled:     true,
	})
	e := newTestEvaluator(newMemAlertStore(), thresholds, nil, nil)

	tests := []struct {
		value        float64
		wantStatus   alerts.HealthStatus
		wantSeverity alerts.Severity
	}{
		{5.0, alerts.StatusHealthy, alerts.SeverityLow},
		{10.0, alerts.StatusWatch, alerts.SeverityMedium},
		{15.0, alerts.StatusWatch, alerts.SeverityMedium},
		{20.0, alerts.StatusAbnormal, alerts.SeverityHigh},
		{25.0, alerts.StatusAbnormal, alerts.SeverityHigh},
	}

	for _, tt := range tests {
		eval, err := e.EvaluateKPI(context.Background(), "TAUX_RETARD", tt.value, DimensionGlobal, "")
		require.NoError(t, err)
		assert.Equal(t, tt.wantStatus, eval.Status, "value %.1f", tt.value)
		assert.Equal(t, tt.wantSeverity, eval.Severity, "value %.1f", tt.value)
		if tt.wantStatus == alerts.StatusAbnormal {
			assert.NotEmpty(t, eval.Recommendation, "value %.1f", tt.value)
		}
	}
}

func TestEvaluateKPIFailsOpen(t *testing.T) {
	e := newTestEvaluator(newMemAlertStore(), newMemThresholds(), nil, nil)

	eval, err := e.EvaluateKPI(context.Background(), "TAUX_RETARD", 99.0, DimensionGlobal, "")
	require.NoError(t, err)
	assert.Equal(t, alerts.StatusHealthy, eval.Status)
	assert.Equal(t, alerts.SeverityLow, eval.Severity)
}

func TestEvaluateKPIDisabledThreshold(t *testing.T) {
	thresholds := newMemThresholds(Threshold{
		KPIName: "TAUX_RETARD", Low: 10, High: 20, Direction: DirectionAbove, Enabled: false,
	})
	e := newTestEvaluator(newMemAlertStore(), thresholds, nil, nil)

	eval, err := e.EvaluateKPI(context.Background(), "TAUX_RETARD", 99.0, DimensionGlobal, "")
	require.NoError(t, err)
	assert.Equal(t, alerts.StatusHealthy, eval.Status)
}

func TestAnalyzeAllCreatesAndRefreshesAlerts(t *testing.T) {
	// Every invoice is overdue, so TAUX_RETARD is 100% and crosses the
	// critical threshold, plus one overdue alert per invoice.
	invoices := []billing.Invoice{
		{ID: "inv-1", InvoiceNumber: "F-001", Amount: 100, Status: billing.InvoiceOverdue, DueDate: testNow.AddDate(0, 0, -70)},
		{ID: "inv-2", InvoiceNumber: "F-002", Amount: 200, Status: billing.InvoicePending, DueDate: testNow.AddDate(0, 0, -40)},
		{ID: "inv-3", InvoiceNumber: "F-003", Amount: 300, Status: billing.InvoiceOverdue, DueDate: testNow.AddDate(0, 0, -5)},
	}
	thresholds := newMemThresholds(Threshold{
		KPIName: KPILateRate, Low: 5, High: 10, Direction: DirectionAbove, Enabled: true,
	})
	store := newMemAlertStore()
	e := newTestEvaluator(store, thresholds, invoices, nil)

	out, err := e.AnalyzeAll(context.Background())
	require.NoError(t, err)
	// One KPI alert plus three overdue alerts.
	require.Len(t, out, 4)

	active, err := store.FindActive(context.Background())
	require.NoError(t, err)
	require.Len(t, active, 4)

	bySeverity := make(map[alerts.Severity]int)
	for _, a := range active {
		if a.KPIName == KPIOverdueInvoice {
			bySeverity[a.Severity]++
			assert.Equal(t, DimensionInvoice, a.Dimension)
			assert.Equal(t, alerts.StatusAbnormal, a.Status)
			assert.NotEmpty(t, a.RelatedInvoiceID)
		}
	}
	assert.Equal(t, 1, bySeverity[alerts.SeverityHigh], "70 days overdue")
	assert.Equal(t, 1, bySeverity[alerts.SeverityMedium], "40 days overdue")
	assert.Equal(t, 1, bySeverity[alerts.SeverityLow], "5 days overdue")

	// A second run must refresh in place, not duplicate.
	out, err = e.AnalyzeAll(context.Background())
	require.NoError(t, err)
	require.Len(t, out, 4)

	active, err = store.FindActive(context.Background())
	require.NoError(t, err)
	assert.Len(t, active, 4)
}

func TestAnalyzeAllRemovesDuplicateActives(t *testing.T) {
	invoices := []billing.Invoice{
		{ID: "inv-1", InvoiceNumber: "F-001", Amount: 100, Status: billing.InvoiceOverdue, DueDate: testNow.AddDate(0, 0, -10)},
	}
	store := newMemAlertStore()

	// Two active alerts for the same invoice, simulating a consistency
	// anomaly. The first inserted is the earliest.
	first := alerts.New(KPIOverdueInvoice, 10, alerts.StatusAbnormal, alerts.SeverityLow)
	first.RelatedInvoiceID = "inv-1"
	require.NoError(t, store.Insert(context.Background(), first))
	second := alerts.New(KPIOverdueInvoice, 10, alerts.StatusAbnormal, alerts.SeverityLow)
	second.RelatedInvoiceID = "inv-1"
	require.NoError(t, store.Insert(context.Background(), second))

	e := newTestEvaluator(store, newMemThresholds(), invoices, nil)

	_, err := e.AnalyzeAll(context.Background())
	require.NoError(t, err)

	remaining, err := store.FindActiveByInvoice(context.Background(), KPIOverdueInvoice, "inv-1")
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, first.ID, remaining[0].ID, "the earliest alert survives")
}

type blockingInvoices struct {
	fakeInvoices
	release chan struct{}
	started chan struct{}
	once    sync.Once
}

func (b *blockingInvoices) FindAll(ctx context.Context) ([]billing.Invoice, error) {
	b.once.Do(func() { close(b.started) })
	select {
	case <-b.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return b.invoices, nil
}

func TestAnalyzeAllSingleFlight(t *testing.T) {
	src := &blockingInvoices{
		release: make(chan struct{}),
		started: make(chan struct{}),
	}
	calc := NewCalculator(src, &fakeConventions{}, WithClock(fixedClock))
	e := NewEvaluator(newMemThresholds(), newMemAlertStore(), calc, src, WithEvaluatorClock(fixedClock))

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = e.AnalyzeAll(context.Background())
	}()

	<-src.started

	// The run is in flight; a second trigger must bail out immediately.
	out, err := e.AnalyzeAll(context.Background())
	require.NoError(t, err)
	assert.Nil(t, out)

	close(src.release)
	<-done

	// Once the first run finishes the guard is released again.
	out, err = e.AnalyzeAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, out)
}
