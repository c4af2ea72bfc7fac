// Package alerts holds the persisted alert records and the lifecycle
// state machine that human actors drive them through.
package alerts

import (
	"time"

	"github.com/google/uuid"
)

// HealthStatus classifies a KPI value against its threshold band.
type HealthStatus string

const (
	// StatusHealthy indicates the value is below the watch threshold.
	StatusHealthy HealthStatus = "SAIN"
	// StatusWatch indicates the value crossed the watch threshold.
	StatusWatch HealthStatus = "A_SURVEILLER"
	// StatusAbnormal indicates the value crossed the critical threshold.
	StatusAbnormal HealthStatus = "ANORMAL"
)

// String returns the string representation of the health status.
func (s HealthStatus) String() string {
	return string(s)
}

// Severity is the escalation level derived from the threshold band.
type Severity string

const (
	SeverityLow    Severity = "LOW"
	SeverityMedium Severity = "MEDIUM"
	SeverityHigh   Severity = "HIGH"
)

// String returns the string representation of the severity.
func (s Severity) String() string {
	return string(s)
}

// State is the lifecycle state of an alert, driven by the Manager.
type State string

const (
	StatePendingDecision State = "PENDING_DECISION"
	StateSentToPM        State = "SENT_TO_PM"
	StateInProgress      State = "IN_PROGRESS"
	StateResolved        State = "RESOLVED"
	StateArchived        State = "ARCHIVED"
)

// String returns the string representation of the lifecycle state.
func (s State) String() string {
	return string(s)
}

// IsActive reports whether the alert still demands attention. Resolved
// and archived alerts are kept only as an audit trail.
func (s State) IsActive() bool {
	return s != StateResolved && s != StateArchived
}

// Comment is one entry in an alert's discussion thread.
type Comment struct {
	Author    string
	Text      string
	Timestamp time.Time
}

// Action is one entry in an alert's audit history.
type Action struct {
	Type          string
	PerformedBy   string
	PerformedAt   time.Time
	Comment       string
	PreviousState State
	NewState      State
}

// Audit action types.
const (
	ActionCreated      = "CREATED"
	ActionSentToPM     = "SENT_TO_PM"
	ActionInProgress   = "IN_PROGRESS"
	ActionResolved     = "RESOLVED"
	ActionArchived     = "ARCHIVED"
	ActionAcknowledged = "ACKNOWLEDGED"
	ActionCommented    = "COMMENTED"
)

// Alert is one detected anomaly. Created by the evaluator, mutated only
// through the Manager (state) and the Dispatcher (notification flag).
type Alert struct {
	ID string

	// Classification.
	KPIName        string
	Dimension      string
	DimensionValue string
	CurrentValue   float64
	Status         HealthStatus
	Severity       Severity

	// Content.
	Message        string
	Recommendation string

	// Correlation. A back-reference only; the alert does not own the invoice.
	RelatedInvoiceID    string
	RelatedConventionID string

	// Lifecycle.
	State          State
	Recipients     []string
	DetectedAt     time.Time
	ResolvedAt     time.Time
	ResolvedBy     string
	ResolutionNote string
	ArchivedAt     time.Time
	AcknowledgedAt time.Time
	Comments       []Comment
	History        []Action

	// Notification bookkeeping. NotificationSent is the alert-level
	// at-most-effort flag; Channels records which legs actually went out.
	NotificationSent   bool
	NotificationSentAt time.Time
	Channels           []string

	// Version guards concurrent writers via compare-and-swap in the store.
	Version int64
}

// New creates an alert in the initial PENDING_DECISION state.
func New(kpiName string, value float64, status HealthStatus, severity Severity) *Alert {
	now := time.Now()
	a := &Alert{
		ID:           uuid.NewString(),
		KPIName:      kpiName,
		CurrentValue: value,
		Status:       status,
		Severity:     severity,
		State:        StatePendingDecision,
		DetectedAt:   now,
	}
	a.History = append(a.History, Action{
		Type:        ActionCreated,
		PerformedBy: "system",
		PerformedAt: now,
		Comment:     "alert created by automatic analysis",
		NewState:    StatePendingDecision,
	})
	return a
}

// IsActive reports whether the alert is in an active lifecycle state.
func (a *Alert) IsActive() bool {
	return a.State.IsActive()
}

// RecordAction appends an audit entry for a state transition.
func (a *Alert) RecordAction(actionType, actor, comment string, prev, next State) {
	a.History = append(a.History, Action{
		Type:          actionType,
		PerformedBy:   actor,
		PerformedAt:   time.Now(),
		Comment:       comment,
		PreviousState: prev,
		NewState:      next,
	})
}
