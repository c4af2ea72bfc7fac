package kpi

import (
	"context"
	"fmt"
	"regexp"
)

// Direction says which way a KPI degrades.
type Direction string

const (
	// DirectionAbove: higher values are worse (late rate, unpaid amount).
	DirectionAbove Direction = "above"
	// DirectionBelow: lower values are worse (payment rate, conversion).
	DirectionBelow Direction = "below"
)

// IsValid returns true if the direction is recognized.
func (d Direction) IsValid() bool {
	return d == DirectionAbove || d == DirectionBelow
}

// kpiNamePattern validates KPI names (uppercase letters, digits, underscores).
var kpiNamePattern = regexp.MustCompile(`^[A-Z][A-Z0-9_]*$`)

// Threshold holds the configured alerting band for one KPI.
type Threshold struct {
	KPIName     string
	Description string

	// Low is the watch boundary, High the critical one. For
	// DirectionBelow the ordering is inverted: Low > High.
	Low    float64
	High   float64
	Normal float64

	Unit      string
	Direction Direction
	Enabled   bool
}

// Validate checks the threshold configuration. Called at write time so an
// inverted band is rejected before it can misclassify.
func (t *Threshold) Validate() error {
	if t.KPIName == "" {
		return fmt.Errorf("kpi name is required")
	}
	if !kpiNamePattern.MatchString(t.KPIName) {
		return fmt.Errorf("kpi name %q must match pattern ^[A-Z][A-Z0-9_]*$", t.KPIName)
	}

	if t.Direction == "" {
		t.Direction = DirectionAbove
	}
	if !t.Direction.IsValid() {
		return fmt.Errorf("threshold %q: invalid direction %q", t.KPIName, t.Direction)
	}

	switch t.Direction {
	case DirectionAbove:
		if t.Low >= t.High {
			return fmt.Errorf("threshold %q: for direction %q, low (%.2f) must be less than high (%.2f)",
				t.KPIName, t.Direction, t.Low, t.High)
		}
	case DirectionBelow:
		if t.Low <= t.High {
			return fmt.Errorf("threshold %q: for direction %q, low (%.2f) must be greater than high (%.2f)",
				t.KPIName, t.Direction, t.Low, t.High)
		}
	}

	return nil
}

// CrossedHigh reports whether the value is in the critical band.
func (t *Threshold) CrossedHigh(value float64) bool {
	if t.Direction == DirectionBelow {
		return value <= t.High
	}
	return value >= t.High
}

// CrossedLow reports whether the value is at least in the watch band.
func (t *Threshold) CrossedLow(value float64) bool {
	if t.Direction == DirectionBelow {
		return value <= t.Low
	}
	return value >= t.Low
}

// ThresholdStore persists operator-managed thresholds, keyed by KPI name.
type ThresholdStore interface {
	// FindByName returns the threshold for the KPI, or (nil, nil) when
	// none is configured. Absence is not an error: the evaluator fails
	// open on it.
	FindByName(ctx context.Context, kpiName string) (*Threshold, error)

	// All returns every configured threshold.
	All(ctx context.Context) ([]Threshold, error)

	// Save validates and upserts a threshold.
	Save(ctx context.Context, t *Threshold) error

	// Delete removes the threshold for the KPI.
	Delete(ctx context.Context, kpiName string) error

	// Count returns the number of configured thresholds.
	Count(ctx context.Context) (int64, error)
}

// DefaultThresholds is the seed set applied when the threshold table is
// empty, matching the bands the business has been operating with.
func DefaultThresholds() []Threshold {
	return []Threshold{
		{
			KPIName:     KPILateRate,
			Description: "rate of overdue invoices",
			Low:         5.0,
			High:        10.0,
			Normal:      3.0,
			Unit:        "%",
			Direction:   DirectionAbove,
			Enabled:     true,
		},
		{
			KPIName:     KPIPaymentRate,
			Description: "rate of paid invoices",
			Low:         85.0,
			High:        75.0,
			Normal:      90.0,
			Unit:        "%",
			Direction:   DirectionBelow,
			Enabled:     true,
		},
		{
			KPIName:     KPIUnpaidPercent,
			Description: "unpaid share of billed amount",
			Low:         15.0,
			High:        25.0,
			Normal:      10.0,
			Unit:        "%",
			Direction:   DirectionAbove,
			Enabled:     true,
		},
		{
			KPIName:     KPIAvgPaymentDays,
			Description: "average payment delay",
			Low:         30.0,
			High:        45.0,
			Normal:      20.0,
			Unit:        "days",
			Direction:   DirectionAbove,
			Enabled:     true,
		},
		{
			KPIName:     KPIConversionRate,
			Description: "rate of active conventions",
			Low:         60.0,
			High:        50.0,
			Normal:      70.0,
			Unit:        "%",
			Direction:   DirectionBelow,
			Enabled:     true,
		},
	}
}
