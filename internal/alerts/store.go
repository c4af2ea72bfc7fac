package alerts

import (
	"context"
	"time"
)

// Store persists alert records. Implemented by the SQLite layer; writers
// are the evaluator (insert, update-on-duplicate), the Manager (state
// transitions), and the dispatcher (notification flag).
type Store interface {
	// Insert persists a new alert.
	Insert(ctx context.Context, alert *Alert) error

	// Update persists changes to an existing alert. The write succeeds
	// only if the stored version still matches alert.Version; on success
	// the version is incremented. Returns ConflictError otherwise.
	Update(ctx context.Context, alert *Alert) error

	// Delete removes an alert permanently. Used only for duplicate
	// cleanup and operator purges.
	Delete(ctx context.Context, id string) error

	// FindByID returns the alert or NotFoundError.
	FindByID(ctx context.Context, id string) (*Alert, error)

	// FindActiveByInvoice returns active (non-resolved, non-archived)
	// alerts for the (kpiName, relatedInvoiceID) correlation key,
	// oldest first.
	FindActiveByInvoice(ctx context.Context, kpiName, invoiceID string) ([]Alert, error)

	// FindActiveByDimension returns active alerts for the
	// (kpiName, dimensionValue) correlation key, oldest first.
	FindActiveByDimension(ctx context.Context, kpiName, dimensionValue string) ([]Alert, error)

	// FindActive returns all active alerts.
	FindActive(ctx context.Context) ([]Alert, error)

	// FindByState returns alerts in the given lifecycle state.
	FindByState(ctx context.Context, state State) ([]Alert, error)

	// FindByRecipient returns alerts addressed to the given user in any
	// of the given states.
	FindByRecipient(ctx context.Context, userID string, states []State) ([]Alert, error)

	// FindResolvedBefore returns RESOLVED alerts whose resolution time is
	// older than the cutoff.
	FindResolvedBefore(ctx context.Context, cutoff time.Time) ([]Alert, error)

	// FindUnnotified returns active alerts with NotificationSent false.
	FindUnnotified(ctx context.Context) ([]Alert, error)
}
