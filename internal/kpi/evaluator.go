package kpi

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/medkraiem/veille/internal/alerts"
	"github.com/medkraiem/veille/internal/billing"
	"github.com/medkraiem/veille/internal/logger"
)

// KPIOverdueInvoice is the synthetic KPI name carried by per-invoice
// overdue alerts. Correlation is (KPIOverdueInvoice, relatedInvoiceID).
const KPIOverdueInvoice = "FACTURE_OVERDUE"

// Overdue severity bands, in days past due.
const (
	overdueMediumDays = 30
	overdueHighDays   = 60
)

// Evaluation is the outcome of classifying one KPI value.
type Evaluation struct {
	Status         alerts.HealthStatus
	Severity       alerts.Severity
	Message        string
	Recommendation string
}

// Evaluator classifies KPI values against thresholds and drives alert
// creation. It owns the single-flight guard over the global analysis run.
type Evaluator struct {
	thresholds ThresholdStore
	store      alerts.Store
	calc       *Calculator
	invoices   billing.InvoiceSource

	// running is the single-flight guard: a second AnalyzeAll while one
	// is in flight is a no-op, it never queues.
	running atomic.Bool

	timeout time.Duration
	now     func() time.Time
}

// EvaluatorOption configures an Evaluator.
type EvaluatorOption func(*Evaluator)

// WithAnalysisTimeout bounds one AnalyzeAll pass so a hung data-store
// call cannot pin the single-flight guard.
func WithAnalysisTimeout(d time.Duration) EvaluatorOption {
	return func(e *Evaluator) {
		e.timeout = d
	}
}

// WithEvaluatorClock overrides the time source, for tests.
func WithEvaluatorClock(now func() time.Time) EvaluatorOption {
	return func(e *Evaluator) {
		e.now = now
	}
}

// NewEvaluator creates an Evaluator.
func NewEvaluator(thresholds ThresholdStore, store alerts.Store, calc *Calculator, invoices billing.InvoiceSource, opts ...EvaluatorOption) *Evaluator {
	e := &Evaluator{
		thresholds: thresholds,
		store:      store,
		calc:       calc,
		invoices:   invoices,
		timeout:    2 * time.Minute,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// EvaluateKPI classifies a value against the configured threshold.
// A missing or disabled threshold fails open to SAIN/LOW: misconfiguration
// must never block the pipeline.
func (e *Evaluator) EvaluateKPI(ctx context.Context, name string, value float64, dimension, dimensionValue string) (Evaluation, error) {
	threshold, err := e.thresholds.FindByName(ctx, name)
	if err != nil {
		return Evaluation{}, fmt.Errorf("load threshold for %s: %w", name, err)
	}

	if threshold == nil {
		return Evaluation{
			Status:   alerts.StatusHealthy,
			Severity: alerts.SeverityLow,
			Message:  fmt.Sprintf("no threshold configured for %s", name),
		}, nil
	}
	if !threshold.Enabled {
		return Evaluation{
			Status:   alerts.StatusHealthy,
			Severity: alerts.SeverityLow,
			Message:  fmt.Sprintf("threshold for %s is disabled", name),
		}, nil
	}

	scope := ""
	if dimensionValue != "" {
		scope = fmt.Sprintf(" for %s %s", dimension, dimensionValue)
	}

	switch {
	case threshold.CrossedHigh(value):
		return Evaluation{
			Status:   alerts.StatusAbnormal,
			Severity: alerts.SeverityHigh,
			Message: fmt.Sprintf("%s at %.1f%s%s crosses the critical threshold of %.1f%s",
				threshold.Description, value, threshold.Unit, scope, threshold.High, threshold.Unit),
			Recommendation: recommendationFor(name, value, threshold),
		}, nil
	case threshold.CrossedLow(value):
		return Evaluation{
			Status:   alerts.StatusWatch,
			Severity: alerts.SeverityMedium,
			Message: fmt.Sprintf("%s at %.1f%s%s crosses the watch threshold of %.1f%s",
				threshold.Description, value, threshold.Unit, scope, threshold.Low, threshold.Unit),
			Recommendation: "Watch how this indicator evolves over the coming days.",
		}, nil
	default:
		return Evaluation{
			Status:   alerts.StatusHealthy,
			Severity: alerts.SeverityLow,
			Message: fmt.Sprintf("%s at %.1f%s%s is within the normal range",
				threshold.Description, value, threshold.Unit, scope),
		}, nil
	}
}

// AnalyzeAll runs the full analysis: the global KPI pass, then the
// per-invoice overdue pass. Returns the alerts created or refreshed.
//
// The run is re-entrant-safe but not re-entrant: a concurrent call
// returns nil immediately. Data-source failures abort only the affected
// pass; whatever was already computed is returned.
func (e *Evaluator) AnalyzeAll(ctx context.Context) ([]*alerts.Alert, error) {
	if !e.running.CompareAndSwap(false, true) {
		logger.Warn("kpi analysis already in flight, ignoring trigger")
		return nil, nil
	}
	defer e.running.Store(false)

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	started := e.now()
	var out []*alerts.Alert

	globalAlerts, err := e.analyzeGlobalKPIs(ctx)
	if err != nil {
		logger.Error("global kpi pass failed", "error", err)
	}
	out = append(out, globalAlerts...)

	invoiceAlerts, err := e.analyzeOverdueInvoices(ctx)
	if err != nil {
		logger.Error("overdue invoice pass failed", "error", err)
	}
	out = append(out, invoiceAlerts...)

	logger.Info("kpi analysis complete",
		"alerts", len(out),
		"elapsed", e.now().Sub(started).String())

	return out, nil
}

// analyzeGlobalKPIs evaluates the aggregate KPIs and upserts one alert
// per out-of-band indicator, keyed on (kpiName, dimensionValue).
func (e *Evaluator) analyzeGlobalKPIs(ctx context.Context) ([]*alerts.Alert, error) {
	kpis, err := e.calc.GlobalKPIs(ctx)
	if err != nil {
		return nil, err
	}

	var out []*alerts.Alert
	for name, result := range kpis {
		eval, err := e.EvaluateKPI(ctx, name, result.Value, DimensionGlobal, "")
		if err != nil {
			// One misbehaving threshold lookup must not sink the others.
			logger.Warn("kpi evaluation failed", "kpi", name, "error", err)
			continue
		}

		if eval.Status == alerts.StatusHealthy {
			continue
		}

		alert, err := e.upsertKPIAlert(ctx, name, result, eval)
		if err != nil {
			logger.Warn("kpi alert upsert failed", "kpi", name, "error", err)
			continue
		}
		out = append(out, alert)
	}
	return out, nil
}

// upsertKPIAlert updates the existing active alert for the KPI, or
// creates one. Duplicate actives (a data-consistency anomaly) are
// reduced to the earliest.
func (e *Evaluator) upsertKPIAlert(ctx context.Context, name string, result Result, eval Evaluation) (*alerts.Alert, error) {
	existing, err := e.store.FindActiveByDimension(ctx, name, "")
	if err != nil {
		return nil, err
	}

	if len(existing) > 0 {
		keep := e.dedupe(ctx, existing)
		keep.CurrentValue = result.Value
		keep.Status = eval.Status
		keep.Severity = eval.Severity
		keep.Message = eval.Message
		keep.Recommendation = eval.Recommendation
		keep.DetectedAt = e.now()
		if err := e.store.Update(ctx, keep); err != nil {
			return nil, err
		}
		logger.Debug("kpi alert refreshed", "kpi", name, "id", keep.ID)
		return keep, nil
	}

	alert := alerts.New(name, result.Value, eval.Status, eval.Severity)
	alert.Dimension = DimensionGlobal
	alert.Message = eval.Message
	alert.Recommendation = eval.Recommendation
	if err := e.store.Insert(ctx, alert); err != nil {
		return nil, err
	}
	logger.Info("kpi alert created", "kpi", name, "value", result.Value, "severity", eval.Severity)
	return alert, nil
}

// analyzeOverdueInvoices raises one alert per unpaid invoice past its due
// date, keyed on (FACTURE_OVERDUE, invoiceID).
func (e *Evaluator) analyzeOverdueInvoices(ctx context.Context) ([]*alerts.Alert, error) {
	invoices, err := e.invoices.FindAll(ctx)
	if err != nil {
		return nil, err
	}

	now := e.now()
	var out []*alerts.Alert
	for i := range invoices {
		inv := &invoices[i]
		if !inv.IsOverdue(now) {
			continue
		}

		alert, err := e.upsertOverdueAlert(ctx, inv, now)
		if err != nil {
			logger.Warn("overdue alert upsert failed",
				"invoice", inv.ID,
				"error", err)
			continue
		}
		out = append(out, alert)
	}
	return out, nil
}

// upsertOverdueAlert updates the existing active alert for the invoice or
// creates one.
func (e *Evaluator) upsertOverdueAlert(ctx context.Context, inv *billing.Invoice, now time.Time) (*alerts.Alert, error) {
	daysOverdue := inv.DaysOverdue(now)
	severity := overdueSeverity(daysOverdue)

	existing, err := e.store.FindActiveByInvoice(ctx, KPIOverdueInvoice, inv.ID)
	if err != nil {
		return nil, err
	}

	if len(existing) > 0 {
		keep := e.dedupe(ctx, existing)
		keep.CurrentValue = float64(daysOverdue)
		keep.Severity = severity
		keep.Message = overdueMessage(inv, daysOverdue)
		keep.Recommendation = overdueRecommendation(daysOverdue)
		keep.DetectedAt = now
		if err := e.store.Update(ctx, keep); err != nil {
			return nil, err
		}
		logger.Debug("overdue alert refreshed", "invoice", inv.ID, "days", daysOverdue)
		return keep, nil
	}

	alert := alerts.New(KPIOverdueInvoice, float64(daysOverdue), alerts.StatusAbnormal, severity)
	alert.Dimension = DimensionInvoice
	alert.DimensionValue = inv.InvoiceNumber
	alert.Message = overdueMessage(inv, daysOverdue)
	alert.Recommendation = overdueRecommendation(daysOverdue)
	alert.RelatedInvoiceID = inv.ID
	alert.RelatedConventionID = inv.ConventionID
	if err := e.store.Insert(ctx, alert); err != nil {
		return nil, err
	}
	logger.Info("overdue alert created",
		"invoice", inv.ID,
		"number", inv.InvoiceNumber,
		"days", daysOverdue,
		"severity", severity)
	return alert, nil
}

// dedupe keeps the earliest alert of a correlated set and deletes the
// rest. Called when more than one active alert exists for one key, which
// only happens after a consistency anomaly.
func (e *Evaluator) dedupe(ctx context.Context, existing []alerts.Alert) *alerts.Alert {
	keep := existing[0]
	for i := range existing[1:] {
		dup := &existing[i+1]
		if err := e.store.Delete(ctx, dup.ID); err != nil {
			logger.Warn("duplicate alert delete failed", "id", dup.ID, "error", err)
			continue
		}
		logger.Warn("duplicate alert removed", "id", dup.ID, "kpi", dup.KPIName)
	}
	return &keep
}

// overdueSeverity maps days past due to an escalation level.
func overdueSeverity(daysOverdue int) alerts.Severity {
	switch {
	case daysOverdue > overdueHighDays:
		return alerts.SeverityHigh
	case daysOverdue > overdueMediumDays:
		return alerts.SeverityMedium
	default:
		return alerts.SeverityLow
	}
}

func overdueMessage(inv *billing.Invoice, daysOverdue int) string {
	due := "unknown"
	if !inv.DueDate.IsZero() {
		due = inv.DueDate.Format("2006-01-02")
	}
	return fmt.Sprintf("invoice %s (%.2f) is %d day(s) past its due date of %s",
		inv.InvoiceNumber, inv.Amount, daysOverdue, due)
}

func overdueRecommendation(daysOverdue int) string {
	switch {
	case daysOverdue > overdueHighDays:
		return "Urgent: contact the client immediately, consider a recovery procedure, and verify payment guarantees."
	case daysOverdue > overdueMediumDays:
		return "Call the client, send a formal reminder, and plan a follow-up within 7 days."
	default:
		return "Send an email reminder and check whether payment is already in transit."
	}
}

// recommendationFor produces the per-KPI remediation text attached to
// HIGH severity alerts.
func recommendationFor(name string, value float64, t *Threshold) string {
	switch name {
	case KPILateRate:
		return fmt.Sprintf(
			"Chase clients with overdue invoices. The current late rate (%.1f%%) is well above normal (%.1f%%); review the affected conventions and plan recovery actions.",
			value, t.Normal)
	case KPIPaymentRate:
		return fmt.Sprintf(
			"The payment rate (%.1f%%) is below target (%.1f%%). Analyze the causes and put an action plan in place.",
			value, t.Normal)
	case KPIUnpaidPercent:
		return fmt.Sprintf(
			"Unpaid invoices represent %.1f%% of the billed amount. Prioritize recovery of the largest receivables.",
			value)
	case KPIAvgPaymentDays:
		return fmt.Sprintf(
			"The average payment delay (%.1f days) is too high. Negotiate shorter payment terms with clients.",
			value)
	default:
		return "Analyze the causes of this anomaly and take the appropriate corrective measures."
	}
}
