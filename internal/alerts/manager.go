package alerts

import (
	"context"
	"fmt"
	"time"

	"github.com/medkraiem/veille/internal/logger"
)

// DefaultRetention is how long a resolved alert stays visible before the
// auto-archive sweep claims it.
const DefaultRetention = 30 * 24 * time.Hour

// Statistics summarizes the alert population for reporting.
type Statistics struct {
	Total    int64
	Active   int64
	Resolved int64
	Archived int64

	BySeverity map[Severity]int64
	ByState    map[State]int64
}

// Manager drives alerts through their lifecycle. Every transition reloads
// the alert, checks the state guard, and persists through the store's
// compare-and-swap, so concurrent operators cannot corrupt the history.
type Manager struct {
	store     Store
	retention time.Duration
	now       func() time.Time
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithManagerClock overrides the time source, for tests.
func WithManagerClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.now = now
	}
}

// WithRetention overrides how long resolved alerts are kept before
// auto-archiving.
func WithRetention(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.retention = d
		}
	}
}

// NewManager creates a Manager over the given store.
func NewManager(store Store, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:     store,
		retention: DefaultRetention,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SendToProjectManager hands the alert to the project managers. Allowed
// from any active state so a decision maker can re-route an alert that is
// already being looked at; rejected once the alert is closed.
func (m *Manager) SendToProjectManager(ctx context.Context, id, actor, comment string) (*Alert, error) {
	alert, err := m.store.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !alert.State.IsActive() {
		return nil, &InvalidStateError{ID: id, Current: alert.State, Op: "send to project manager"}
	}

	prev := alert.State
	alert.State = StateSentToPM
	alert.RecordAction(ActionSentToPM, actor, comment, prev, StateSentToPM)
	if err := m.store.Update(ctx, alert); err != nil {
		return nil, err
	}

	logger.Info("alert sent to project manager", "id", id, "by", actor)
	return alert, nil
}

// MarkInProgress records that someone started working the alert. Allowed
// from PENDING_DECISION or SENT_TO_PM.
func (m *Manager) MarkInProgress(ctx context.Context, id, actor, comment string) (*Alert, error) {
	alert, err := m.store.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if alert.State != StatePendingDecision && alert.State != StateSentToPM {
		return nil, &InvalidStateError{ID: id, Current: alert.State, Op: "mark in progress"}
	}

	prev := alert.State
	alert.State = StateInProgress
	alert.RecordAction(ActionInProgress, actor, comment, prev, StateInProgress)
	if err := m.store.Update(ctx, alert); err != nil {
		return nil, err
	}

	logger.Info("alert marked in progress", "id", id, "by", actor)
	return alert, nil
}

// Resolve closes the alert. A non-empty resolution note is mandatory; the
// note is what the weekly report and the audit trail show.
func (m *Manager) Resolve(ctx context.Context, id, actor, note string) (*Alert, error) {
	if note == "" {
		return nil, fmt.Errorf("a resolution note is required")
	}

	alert, err := m.store.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !alert.State.IsActive() {
		return nil, &InvalidStateError{ID: id, Current: alert.State, Op: "resolve"}
	}

	prev := alert.State
	alert.State = StateResolved
	alert.ResolvedAt = m.now()
	alert.ResolvedBy = actor
	alert.ResolutionNote = note
	alert.RecordAction(ActionResolved, actor, note, prev, StateResolved)
	if err := m.store.Update(ctx, alert); err != nil {
		return nil, err
	}

	logger.Info("alert resolved", "id", id, "by", actor)
	return alert, nil
}

// Archive moves a resolved alert out of the working set. Only RESOLVED
// alerts can be archived; archiving an open alert would hide a live problem.
func (m *Manager) Archive(ctx context.Context, id, actor string) (*Alert, error) {
	alert, err := m.store.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if alert.State != StateResolved {
		return nil, &InvalidStateError{ID: id, Current: alert.State, Op: "archive"}
	}

	alert.State = StateArchived
	alert.ArchivedAt = m.now()
	alert.RecordAction(ActionArchived, actor, "", StateResolved, StateArchived)
	if err := m.store.Update(ctx, alert); err != nil {
		return nil, err
	}

	logger.Info("alert archived", "id", id, "by", actor)
	return alert, nil
}

// Acknowledge records that a recipient has seen the alert. Not a state
// transition; the alert stays where it is.
func (m *Manager) Acknowledge(ctx context.Context, id, actor string) (*Alert, error) {
	alert, err := m.store.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}

	alert.AcknowledgedAt = m.now()
	alert.RecordAction(ActionAcknowledged, actor, "", alert.State, alert.State)
	if err := m.store.Update(ctx, alert); err != nil {
		return nil, err
	}

	logger.Debug("alert acknowledged", "id", id, "by", actor)
	return alert, nil
}

// AddComment appends to the alert's discussion thread. Allowed in any
// state, including on archived alerts.
func (m *Manager) AddComment(ctx context.Context, id, author, text string) (*Alert, error) {
	if text == "" {
		return nil, fmt.Errorf("comment text is required")
	}

	alert, err := m.store.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}

	alert.Comments = append(alert.Comments, Comment{
		Author:    author,
		Text:      text,
		Timestamp: m.now(),
	})
	alert.RecordAction(ActionCommented, author, text, alert.State, alert.State)
	if err := m.store.Update(ctx, alert); err != nil {
		return nil, err
	}

	return alert, nil
}

// AutoArchiveOldResolved archives every alert resolved more than the
// retention period ago. Returns how many were archived.
func (m *Manager) AutoArchiveOldResolved(ctx context.Context) (int, error) {
	cutoff := m.now().Add(-m.retention)
	old, err := m.store.FindResolvedBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("find resolved alerts: %w", err)
	}

	archived := 0
	for i := range old {
		alert := &old[i]
		alert.State = StateArchived
		alert.ArchivedAt = m.now()
		alert.RecordAction(ActionArchived, "system", "auto-archived after retention period", StateResolved, StateArchived)
		if err := m.store.Update(ctx, alert); err != nil {
			logger.Warn("auto-archive failed", "id", alert.ID, "error", err)
			continue
		}
		archived++
	}

	if archived > 0 {
		logger.Info("auto-archived resolved alerts", "count", archived)
	}
	return archived, nil
}

// ActiveAlerts returns all alerts still demanding attention.
func (m *Manager) ActiveAlerts(ctx context.Context) ([]Alert, error) {
	return m.store.FindActive(ctx)
}

// AlertsByRecipient returns the active alerts addressed to the user.
func (m *Manager) AlertsByRecipient(ctx context.Context, userID string) ([]Alert, error) {
	return m.store.FindByRecipient(ctx, userID, []State{
		StatePendingDecision, StateSentToPM, StateInProgress,
	})
}

// History returns the audit trail for one alert.
func (m *Manager) History(ctx context.Context, id string) ([]Action, error) {
	alert, err := m.store.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return alert.History, nil
}

// Get returns one alert by id.
func (m *Manager) Get(ctx context.Context, id string) (*Alert, error) {
	return m.store.FindByID(ctx, id)
}

// Statistics computes summary counts over the whole alert population.
func (m *Manager) Statistics(ctx context.Context) (*Statistics, error) {
	stats := &Statistics{
		BySeverity: make(map[Severity]int64),
		ByState:    make(map[State]int64),
	}

	for _, state := range []State{StatePendingDecision, StateSentToPM, StateInProgress, StateResolved, StateArchived} {
		list, err := m.store.FindByState(ctx, state)
		if err != nil {
			return nil, fmt.Errorf("count alerts in state %s: %w", state, err)
		}
		n := int64(len(list))
		stats.ByState[state] = n
		stats.Total += n

		switch state {
		case StateResolved:
			stats.Resolved += n
		case StateArchived:
			stats.Archived += n
		default:
			stats.Active += n
		}

		for i := range list {
			stats.BySeverity[list[i].Severity]++
		}
	}

	return stats, nil
}
