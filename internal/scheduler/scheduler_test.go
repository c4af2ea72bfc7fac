package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medkraiem/veille/internal/alerts"
	"github.com/medkraiem/veille/internal/billing"
	"github.com/medkraiem/veille/internal/kpi"
	"github.com/medkraiem/veille/internal/notify"
)

type stubInvoices struct {
	mu       sync.Mutex
	invoices []billing.Invoice
}

func (s *stubInvoices) set(invoices []billing.Invoice) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invoices = invoices
}

func (s *stubInvoices) FindAll(ctx context.Context) ([]billing.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.invoices, nil
}

func (s *stubInvoices) FindByStatus(ctx context.Context, status string) ([]billing.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []billing.Invoice
	for _, inv := range s.invoices {
		if inv.Status == status {
			out = append(out, inv)
		}
	}
	return out, nil
}

func (s *stubInvoices) Count(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.invoices)), nil
}

type stubConventions struct{}

func (stubConventions) FindAll(ctx context.Context) ([]billing.Convention, error) { return nil, nil }
func (stubConventions) FindByStatus(ctx context.Context, status string) ([]billing.Convention, error) {
	return nil, nil
}
func (stubConventions) Count(ctx context.Context) (int64, error) { return 0, nil }

type stubUsers struct{}

func (stubUsers) FindByRole(ctx context.Context, role string) ([]billing.User, error) {
	return nil, nil
}

type stubThresholds struct{}

func (stubThresholds) FindByName(ctx context.Context, kpiName string) (*kpi.Threshold, error) {
	return nil, nil
}
func (stubThresholds) All(ctx context.Context) ([]kpi.Threshold, error) { return nil, nil }
func (stubThresholds) Save(ctx context.Context, t *kpi.Threshold) error { return nil }
func (stubThresholds) Delete(ctx context.Context, kpiName string) error { return nil }
func (stubThresholds) Count(ctx context.Context) (int64, error)         { return 0, nil }

type countingStore struct {
	mu     sync.Mutex
	alerts map[string]alerts.Alert
}

func newCountingStore() *countingStore {
	return &countingStore{alerts: make(map[string]alerts.Alert)}
}

func (s *countingStore) Insert(ctx context.Context, alert *alerts.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts[alert.ID] = *alert
	return nil
}

func (s *countingStore) Update(ctx context.Context, alert *alerts.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.alerts[alert.ID]; !ok {
		return &alerts.NotFoundError{ID: alert.ID}
	}
	alert.Version++
	s.alerts[alert.ID] = *alert
	return nil
}

func (s *countingStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.alerts, id)
	return nil
}

func (s *countingStore) FindByID(ctx context.Context, id string) (*alerts.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[id]
	if !ok {
		return nil, &alerts.NotFoundError{ID: id}
	}
	return &a, nil
}

func (s *countingStore) findWhere(match func(*alerts.Alert) bool) []alerts.Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []alerts.Alert
	for _, a := range s.alerts {
		if match(&a) {
			out = append(out, a)
		}
	}
	return out
}

func (s *countingStore) FindActiveByInvoice(ctx context.Context, kpiName, invoiceID string) ([]alerts.Alert, error) {
	return s.findWhere(func(a *alerts.Alert) bool {
		return a.IsActive() && a.KPIName == kpiName && a.RelatedInvoiceID == invoiceID
	}), nil
}

func (s *countingStore) FindActiveByDimension(ctx context.Context, kpiName, dimensionValue string) ([]alerts.Alert, error) {
	return s.findWhere(func(a *alerts.Alert) bool {
		return a.IsActive() && a.KPIName == kpiName && a.DimensionValue == dimensionValue
	}), nil
}

func (s *countingStore) FindActive(ctx context.Context) ([]alerts.Alert, error) {
	return s.findWhere(func(a *alerts.Alert) bool { return a.IsActive() }), nil
}

func (s *countingStore) FindByState(ctx context.Context, state alerts.State) ([]alerts.Alert, error) {
	return s.findWhere(func(a *alerts.Alert) bool { return a.State == state }), nil
}

func (s *countingStore) FindByRecipient(ctx context.Context, userID string, states []alerts.State) ([]alerts.Alert, error) {
	return nil, nil
}

func (s *countingStore) FindResolvedBefore(ctx context.Context, cutoff time.Time) ([]alerts.Alert, error) {
	return s.findWhere(func(a *alerts.Alert) bool {
		return a.State == alerts.StateResolved && a.ResolvedAt.Before(cutoff)
	}), nil
}

func (s *countingStore) FindUnnotified(ctx context.Context) ([]alerts.Alert, error) {
	return s.findWhere(func(a *alerts.Alert) bool { return a.IsActive() && !a.NotificationSent }), nil
}

func (s *countingStore) activeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, a := range s.alerts {
		if a.IsActive() {
			n++
		}
	}
	return n
}

func newTestScheduler(store *countingStore, invoices []billing.Invoice, cfg Config) *Scheduler {
	src := &stubInvoices{invoices: invoices}
	calc := kpi.NewCalculator(src, stubConventions{})
	evaluator := kpi.NewEvaluator(stubThresholds{}, store, calc, src)
	dispatcher := notify.NewDispatcher(stubUsers{}, src, stubConventions{}, store)
	manager := alerts.NewManager(store)
	return New(evaluator, dispatcher, manager, cfg)
}

func TestSchedulerRunsAnalysisOnStart(t *testing.T) {
	overdue := billing.Invoice{
		ID:            "inv-1",
		InvoiceNumber: "F-001",
		Amount:        100,
		Status:        billing.InvoiceOverdue,
		DueDate:       time.Now().AddDate(0, 0, -10),
	}
	store := newCountingStore()
	s := newTestScheduler(store, []billing.Invoice{overdue}, Config{
		AnalysisInterval:    time.Hour,
		MaintenanceInterval: time.Hour,
	})

	s.Start(context.Background())
	defer s.Stop()

	require.Eventually(t, func() bool {
		return store.activeCount() == 1
	}, 2*time.Second, 10*time.Millisecond, "the startup analysis run must raise the overdue alert")
}

func TestSchedulerRunNowTriggersAnalysis(t *testing.T) {
	store := newCountingStore()
	invoices := &stubInvoices{}
	src := invoices
	calc := kpi.NewCalculator(src, stubConventions{})
	evaluator := kpi.NewEvaluator(stubThresholds{}, store, calc, src)
	dispatcher := notify.NewDispatcher(stubUsers{}, src, stubConventions{}, store)
	manager := alerts.NewManager(store)
	s := New(evaluator, dispatcher, manager, Config{
		AnalysisInterval:    time.Hour,
		MaintenanceInterval: time.Hour,
	})

	s.Start(context.Background())
	defer s.Stop()

	// Make an invoice overdue after the startup run, then trigger.
	time.Sleep(50 * time.Millisecond)
	invoices.set([]billing.Invoice{{
		ID:            "inv-2",
		InvoiceNumber: "F-002",
		Amount:        50,
		Status:        billing.InvoiceOverdue,
		DueDate:       time.Now().AddDate(0, 0, -5),
	}})
	s.RunNow()

	require.Eventually(t, func() bool {
		return store.activeCount() == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSchedulerStopIsIdempotentlySafe(t *testing.T) {
	store := newCountingStore()
	s := newTestScheduler(store, nil, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	cancel()

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after context cancellation")
	}

	assert.Equal(t, 0, store.activeCount())
}
