// Package kpi computes business KPIs from the invoice/convention snapshot
// and evaluates them against configurable thresholds.
package kpi

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/medkraiem/veille/internal/billing"
)

// KPI names. These are the keys the threshold store and the alert
// records are indexed by.
const (
	KPILateRate       = "TAUX_RETARD"
	KPIPaymentRate    = "TAUX_PAIEMENT"
	KPIUnpaidPercent  = "MONTANT_IMPAYE_PERCENT"
	KPIAvgPaymentDays = "DUREE_MOYENNE_PAIEMENT"
	KPIConversionRate = "TAUX_CONVERSION"
)

// Dimension axes for sliced KPI computation.
const (
	DimensionGlobal      = "GLOBAL"
	DimensionGovernorate = "GOUVERNORAT"
	DimensionStructure   = "STRUCTURE"
	DimensionInvoice     = "FACTURE"
)

// Result is one computed KPI value. Produced fresh on every evaluation
// cycle and never mutated.
type Result struct {
	Value       float64
	Unit        string
	Description string
}

// Calculator computes KPIs over the current business snapshot. It holds
// no state and performs no writes.
type Calculator struct {
	invoices    billing.InvoiceSource
	conventions billing.ConventionSource
	now         func() time.Time
}

// CalculatorOption configures a Calculator.
type CalculatorOption func(*Calculator)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) CalculatorOption {
	return func(c *Calculator) {
		c.now = now
	}
}

// NewCalculator creates a Calculator over the given sources.
func NewCalculator(invoices billing.InvoiceSource, conventions billing.ConventionSource, opts ...CalculatorOption) *Calculator {
	c := &Calculator{
		invoices:    invoices,
		conventions: conventions,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GlobalKPIs computes all five KPIs over the full snapshot.
func (c *Calculator) GlobalKPIs(ctx context.Context) (map[string]Result, error) {
	invoices, err := c.invoices.FindAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("load invoices: %w", err)
	}
	conventions, err := c.conventions.FindAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("load conventions: %w", err)
	}

	kpis := map[string]Result{
		KPILateRate:       c.lateRate(invoices),
		KPIPaymentRate:    c.paymentRate(invoices),
		KPIUnpaidPercent:  c.unpaidPercent(invoices),
		KPIAvgPaymentDays: c.avgPaymentDays(invoices),
		KPIConversionRate: c.conversionRate(conventions),
	}
	return kpis, nil
}

// KPIsByGovernorate computes the invoice KPIs sliced by governorate.
func (c *Calculator) KPIsByGovernorate(ctx context.Context) (map[string]map[string]Result, error) {
	return c.kpisByDimension(ctx, func(conv *billing.Convention) string {
		return conv.Governorate
	})
}

// KPIsByStructure computes the invoice KPIs sliced by structure.
func (c *Calculator) KPIsByStructure(ctx context.Context) (map[string]map[string]Result, error) {
	return c.kpisByDimension(ctx, func(conv *billing.Convention) string {
		return conv.StructureID
	})
}

// kpisByDimension groups conventions by the key function, collects the
// invoices issued under each group, and computes the invoice KPIs per slice.
func (c *Calculator) kpisByDimension(ctx context.Context, key func(*billing.Convention) string) (map[string]map[string]Result, error) {
	conventions, err := c.conventions.FindAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("load conventions: %w", err)
	}
	invoices, err := c.invoices.FindAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("load invoices: %w", err)
	}

	// conventionID -> slice key
	sliceOf := make(map[string]string, len(conventions))
	for i := range conventions {
		k := key(&conventions[i])
		if k == "" {
			continue
		}
		sliceOf[conventions[i].ID] = k
	}

	grouped := make(map[string][]billing.Invoice)
	for _, inv := range invoices {
		k, ok := sliceOf[inv.ConventionID]
		if !ok {
			continue
		}
		grouped[k] = append(grouped[k], inv)
	}

	result := make(map[string]map[string]Result, len(grouped))
	for k, slice := range grouped {
		result[k] = map[string]Result{
			KPILateRate:       c.lateRate(slice),
			KPIPaymentRate:    c.paymentRate(slice),
			KPIUnpaidPercent:  c.unpaidPercent(slice),
			KPIAvgPaymentDays: c.avgPaymentDays(slice),
		}
	}
	return result, nil
}

// lateRate = overdue-or-pending-past-due count / total x 100.
func (c *Calculator) lateRate(invoices []billing.Invoice) Result {
	if len(invoices) == 0 {
		return Result{Value: 0, Unit: "%", Description: "no invoices"}
	}

	now := c.now()
	overdue := 0
	for i := range invoices {
		if invoices[i].IsOverdue(now) {
			overdue++
		}
	}

	rate := float64(overdue) * 100.0 / float64(len(invoices))
	return Result{
		Value:       round1(rate),
		Unit:        "%",
		Description: fmt.Sprintf("%d invoice(s) overdue out of %d", overdue, len(invoices)),
	}
}

// paymentRate = paid count / total x 100.
func (c *Calculator) paymentRate(invoices []billing.Invoice) Result {
	if len(invoices) == 0 {
		return Result{Value: 0, Unit: "%", Description: "no invoices"}
	}

	paid := 0
	for i := range invoices {
		if invoices[i].IsPaid() {
			paid++
		}
	}

	rate := float64(paid) * 100.0 / float64(len(invoices))
	return Result{
		Value:       round1(rate),
		Unit:        "%",
		Description: fmt.Sprintf("%d invoice(s) paid out of %d", paid, len(invoices)),
	}
}

// unpaidPercent = unpaid amount / total amount x 100. Missing amounts
// count as zero; a zero total yields 0, never NaN.
func (c *Calculator) unpaidPercent(invoices []billing.Invoice) Result {
	if len(invoices) == 0 {
		return Result{Value: 0, Unit: "%", Description: "no invoices"}
	}

	var total, unpaid float64
	for i := range invoices {
		total += invoices[i].Amount
		if !invoices[i].IsPaid() {
			unpaid += invoices[i].Amount
		}
	}

	if total == 0 {
		return Result{Value: 0, Unit: "%", Description: "total amount is 0"}
	}

	percent := unpaid * 100.0 / total
	return Result{
		Value:       round1(percent),
		Unit:        "%",
		Description: fmt.Sprintf("%.2f unpaid out of %.2f billed", unpaid, total),
	}
}

// avgPaymentDays = mean(paymentDate - issueDate) over paid invoices with
// both dates set; 0 when there are none.
func (c *Calculator) avgPaymentDays(invoices []billing.Invoice) Result {
	var totalDays float64
	count := 0
	for i := range invoices {
		inv := &invoices[i]
		if !inv.IsPaid() || inv.IssueDate.IsZero() || inv.PaymentDate.IsZero() {
			continue
		}
		totalDays += inv.PaymentDate.Sub(inv.IssueDate).Hours() / 24
		count++
	}

	if count == 0 {
		return Result{Value: 0, Unit: "days", Description: "no paid invoices with dates"}
	}

	return Result{
		Value:       round1(totalDays / float64(count)),
		Unit:        "days",
		Description: fmt.Sprintf("based on %d paid invoice(s)", count),
	}
}

// conversionRate = active conventions / total x 100.
func (c *Calculator) conversionRate(conventions []billing.Convention) Result {
	if len(conventions) == 0 {
		return Result{Value: 0, Unit: "%", Description: "no conventions"}
	}

	active := 0
	for i := range conventions {
		if conventions[i].IsActive() {
			active++
		}
	}

	rate := float64(active) * 100.0 / float64(len(conventions))
	return Result{
		Value:       round1(rate),
		Unit:        "%",
		Description: fmt.Sprintf("%d active convention(s) out of %d", active, len(conventions)),
	}
}

// round1 rounds to one decimal place, matching how the KPI values are
// presented everywhere downstream.
func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
