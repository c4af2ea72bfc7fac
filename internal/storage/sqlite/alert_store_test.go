package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medkraiem/veille/internal/alerts"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func sampleAlert() *alerts.Alert {
	a := alerts.New("TAUX_RETARD", 25.0, alerts.StatusAbnormal, alerts.SeverityHigh)
	a.Dimension = "GLOBAL"
	a.Message = "late rate critical"
	a.Recommendation = "chase overdue clients"
	return a
}

func TestAlertRoundTrip(t *testing.T) {
	store := NewAlertStore(newTestDB(t))
	ctx := context.Background()

	alert := sampleAlert()
	alert.Comments = []alerts.Comment{{Author: "alice", Text: "on it", Timestamp: time.Now().UTC()}}
	require.NoError(t, store.Insert(ctx, alert))

	loaded, err := store.FindByID(ctx, alert.ID)
	require.NoError(t, err)

	assert.Equal(t, alert.ID, loaded.ID)
	assert.Equal(t, alert.KPIName, loaded.KPIName)
	assert.Equal(t, alert.CurrentValue, loaded.CurrentValue)
	assert.Equal(t, alerts.StatusAbnormal, loaded.Status)
	assert.Equal(t, alerts.SeverityHigh, loaded.Severity)
	assert.Equal(t, alerts.StatePendingDecision, loaded.State)
	assert.True(t, loaded.ResolvedAt.IsZero())
	require.Len(t, loaded.Comments, 1)
	assert.Equal(t, "alice", loaded.Comments[0].Author)
	require.Len(t, loaded.History, 1)
	assert.Equal(t, alerts.ActionCreated, loaded.History[0].Type)
}

func TestFindByIDNotFound(t *testing.T) {
	store := NewAlertStore(newTestDB(t))

	_, err := store.FindByID(context.Background(), "missing")
	var notFound *alerts.NotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "missing", notFound.ID)
}

func TestUpdateVersionConflict(t *testing.T) {
	store := NewAlertStore(newTestDB(t))
	ctx := context.Background()

	alert := sampleAlert()
	require.NoError(t, store.Insert(ctx, alert))

	// Two in-memory copies of the same row.
	first, err := store.FindByID(ctx, alert.ID)
	require.NoError(t, err)
	second, err := store.FindByID(ctx, alert.ID)
	require.NoError(t, err)

	first.Message = "writer one"
	require.NoError(t, store.Update(ctx, first))
	assert.Equal(t, alert.Version+1, first.Version)

	second.Message = "writer two"
	err = store.Update(ctx, second)
	var conflict *alerts.ConflictError
	require.ErrorAs(t, err, &conflict)

	loaded, err := store.FindByID(ctx, alert.ID)
	require.NoError(t, err)
	assert.Equal(t, "writer one", loaded.Message)
}

func TestUpdateMissingAlert(t *testing.T) {
	store := NewAlertStore(newTestDB(t))

	ghost := sampleAlert()
	err := store.Update(context.Background(), ghost)
	var notFound *alerts.NotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestDelete(t *testing.T) {
	store := NewAlertStore(newTestDB(t))
	ctx := context.Background()

	alert := sampleAlert()
	require.NoError(t, store.Insert(ctx, alert))
	require.NoError(t, store.Delete(ctx, alert.ID))

	_, err := store.FindByID(ctx, alert.ID)
	var notFound *alerts.NotFoundError
	assert.ErrorAs(t, err, &notFound)

	err = store.Delete(ctx, alert.ID)
	assert.ErrorAs(t, err, &notFound)
}

func TestFindActiveByInvoiceOrdersOldestFirst(t *testing.T) {
	store := NewAlertStore(newTestDB(t))
	ctx := context.Background()

	older := alerts.New("FACTURE_OVERDUE", 40, alerts.StatusAbnormal, alerts.SeverityMedium)
	older.RelatedInvoiceID = "inv-1"
	older.DetectedAt = time.Now().Add(-2 * time.Hour)
	require.NoError(t, store.Insert(ctx, older))

	// The partial unique index rejects a second active alert for the
	// same invoice, so resolve the first before inserting the next.
	resolved, err := store.FindByID(ctx, older.ID)
	require.NoError(t, err)
	resolved.State = alerts.StateResolved
	resolved.ResolvedAt = time.Now()
	require.NoError(t, store.Update(ctx, resolved))

	newer := alerts.New("FACTURE_OVERDUE", 41, alerts.StatusAbnormal, alerts.SeverityMedium)
	newer.RelatedInvoiceID = "inv-1"
	require.NoError(t, store.Insert(ctx, newer))

	active, err := store.FindActiveByInvoice(ctx, "FACTURE_OVERDUE", "inv-1")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, newer.ID, active[0].ID)
}

func TestUniqueActiveInvoiceIndex(t *testing.T) {
	store := NewAlertStore(newTestDB(t))
	ctx := context.Background()

	first := alerts.New("FACTURE_OVERDUE", 10, alerts.StatusAbnormal, alerts.SeverityLow)
	first.RelatedInvoiceID = "inv-1"
	require.NoError(t, store.Insert(ctx, first))

	dup := alerts.New("FACTURE_OVERDUE", 10, alerts.StatusAbnormal, alerts.SeverityLow)
	dup.RelatedInvoiceID = "inv-1"
	assert.Error(t, store.Insert(ctx, dup), "duplicate active invoice alert must be rejected")

	// KPI alerts carry no invoice id and are not constrained.
	kpiA := sampleAlert()
	kpiB := sampleAlert()
	require.NoError(t, store.Insert(ctx, kpiA))
	require.NoError(t, store.Insert(ctx, kpiB))
}

func TestFindByStateAndActive(t *testing.T) {
	store := NewAlertStore(newTestDB(t))
	ctx := context.Background()

	open := sampleAlert()
	require.NoError(t, store.Insert(ctx, open))

	resolved := alerts.New("TAUX_PAIEMENT", 70, alerts.StatusAbnormal, alerts.SeverityMedium)
	resolved.State = alerts.StateResolved
	resolved.ResolvedAt = time.Now().Add(-time.Hour)
	require.NoError(t, store.Insert(ctx, resolved))

	active, err := store.FindActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, open.ID, active[0].ID)

	inState, err := store.FindByState(ctx, alerts.StateResolved)
	require.NoError(t, err)
	require.Len(t, inState, 1)
	assert.Equal(t, resolved.ID, inState[0].ID)
}

func TestFindByRecipient(t *testing.T) {
	store := NewAlertStore(newTestDB(t))
	ctx := context.Background()

	mine := sampleAlert()
	mine.Recipients = []string{"u-1", "u-2"}
	require.NoError(t, store.Insert(ctx, mine))

	other := alerts.New("TAUX_PAIEMENT", 70, alerts.StatusAbnormal, alerts.SeverityMedium)
	other.Recipients = []string{"u-3"}
	require.NoError(t, store.Insert(ctx, other))

	states := []alerts.State{alerts.StatePendingDecision, alerts.StateSentToPM, alerts.StateInProgress}
	list, err := store.FindByRecipient(ctx, "u-1", states)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, mine.ID, list[0].ID)

	list, err = store.FindByRecipient(ctx, "u-9", states)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestFindResolvedBefore(t *testing.T) {
	store := NewAlertStore(newTestDB(t))
	ctx := context.Background()

	old := alerts.New("TAUX_RETARD", 25, alerts.StatusAbnormal, alerts.SeverityHigh)
	old.State = alerts.StateResolved
	old.ResolvedAt = time.Now().AddDate(0, 0, -40)
	require.NoError(t, store.Insert(ctx, old))

	recent := alerts.New("TAUX_PAIEMENT", 70, alerts.StatusAbnormal, alerts.SeverityMedium)
	recent.State = alerts.StateResolved
	recent.ResolvedAt = time.Now().AddDate(0, 0, -2)
	require.NoError(t, store.Insert(ctx, recent))

	cutoff := time.Now().AddDate(0, 0, -30)
	list, err := store.FindResolvedBefore(ctx, cutoff)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, old.ID, list[0].ID)
}

func TestFindUnnotified(t *testing.T) {
	store := NewAlertStore(newTestDB(t))
	ctx := context.Background()

	pending := sampleAlert()
	require.NoError(t, store.Insert(ctx, pending))

	sent := alerts.New("TAUX_PAIEMENT", 70, alerts.StatusAbnormal, alerts.SeverityMedium)
	sent.NotificationSent = true
	sent.NotificationSentAt = time.Now()
	require.NoError(t, store.Insert(ctx, sent))

	list, err := store.FindUnnotified(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, pending.ID, list[0].ID)
}
