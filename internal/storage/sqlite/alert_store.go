package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/medkraiem/veille/internal/alerts"
)

// AlertStore provides SQLite persistence for alerts.
type AlertStore struct {
	db *DB
}

// NewAlertStore creates a new AlertStore.
func NewAlertStore(db *DB) *AlertStore {
	return &AlertStore{db: db}
}

const alertColumns = `id, kpi_name, dimension, dimension_value, current_value,
	health_status, severity, message, recommendation,
	related_invoice_id, related_convention_id,
	state, recipients, detected_at, resolved_at, resolved_by, resolution_note,
	archived_at, acknowledged_at, comments, history,
	notification_sent, notification_sent_at, channels, version`

// Insert persists a new alert.
func (s *AlertStore) Insert(ctx context.Context, alert *alerts.Alert) error {
	recipients, comments, history, channels, err := marshalLists(alert)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO alerts (` + alertColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.conn.ExecContext(ctx, query,
		alert.ID,
		alert.KPIName,
		alert.Dimension,
		alert.DimensionValue,
		alert.CurrentValue,
		alert.Status.String(),
		alert.Severity.String(),
		alert.Message,
		alert.Recommendation,
		alert.RelatedInvoiceID,
		alert.RelatedConventionID,
		alert.State.String(),
		recipients,
		alert.DetectedAt,
		nullTime(alert.ResolvedAt),
		alert.ResolvedBy,
		alert.ResolutionNote,
		nullTime(alert.ArchivedAt),
		nullTime(alert.AcknowledgedAt),
		comments,
		history,
		alert.NotificationSent,
		nullTime(alert.NotificationSentAt),
		channels,
		alert.Version,
	)
	return err
}

// Update persists changes to an existing alert, guarded by the version
// compare-and-swap. On success alert.Version reflects the stored value.
func (s *AlertStore) Update(ctx context.Context, alert *alerts.Alert) error {
	recipients, comments, history, channels, err := marshalLists(alert)
	if err != nil {
		return err
	}

	query := `
		UPDATE alerts SET
			kpi_name = ?, dimension = ?, dimension_value = ?, current_value = ?,
			health_status = ?, severity = ?, message = ?, recommendation = ?,
			related_invoice_id = ?, related_convention_id = ?,
			state = ?, recipients = ?, detected_at = ?, resolved_at = ?,
			resolved_by = ?, resolution_note = ?, archived_at = ?, acknowledged_at = ?,
			comments = ?, history = ?,
			notification_sent = ?, notification_sent_at = ?, channels = ?,
			version = version + 1
		WHERE id = ? AND version = ?
	`

	result, err := s.db.conn.ExecContext(ctx, query,
		alert.KPIName,
		alert.Dimension,
		alert.DimensionValue,
		alert.CurrentValue,
		alert.Status.String(),
		alert.Severity.String(),
		alert.Message,
		alert.Recommendation,
		alert.RelatedInvoiceID,
		alert.RelatedConventionID,
		alert.State.String(),
		recipients,
		alert.DetectedAt,
		nullTime(alert.ResolvedAt),
		alert.ResolvedBy,
		alert.ResolutionNote,
		nullTime(alert.ArchivedAt),
		nullTime(alert.AcknowledgedAt),
		comments,
		history,
		alert.NotificationSent,
		nullTime(alert.NotificationSentAt),
		channels,
		alert.ID,
		alert.Version,
	)
	if err != nil {
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		// Either the row is gone or someone else won the version race.
		if _, findErr := s.FindByID(ctx, alert.ID); findErr != nil {
			return findErr
		}
		return &alerts.ConflictError{ID: alert.ID}
	}

	alert.Version++
	return nil
}

// Delete removes an alert permanently.
func (s *AlertStore) Delete(ctx context.Context, id string) error {
	result, err := s.db.conn.ExecContext(ctx, `DELETE FROM alerts WHERE id = ?`, id)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return &alerts.NotFoundError{ID: id}
	}
	return nil
}

// FindByID returns one alert.
func (s *AlertStore) FindByID(ctx context.Context, id string) (*alerts.Alert, error) {
	query := `SELECT ` + alertColumns + ` FROM alerts WHERE id = ?`

	rows, err := s.db.conn.QueryContext(ctx, query, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	list, err := scanAlerts(rows)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, &alerts.NotFoundError{ID: id}
	}
	return &list[0], nil
}

// activeStates is the WHERE fragment selecting alerts still in play.
const activeStates = `state NOT IN ('RESOLVED', 'ARCHIVED')`

// FindActiveByInvoice returns active alerts for one invoice correlation
// key, oldest first.
func (s *AlertStore) FindActiveByInvoice(ctx context.Context, kpiName, invoiceID string) ([]alerts.Alert, error) {
	query := `
		SELECT ` + alertColumns + ` FROM alerts
		WHERE ` + activeStates + ` AND kpi_name = ? AND related_invoice_id = ?
		ORDER BY detected_at ASC
	`
	return s.query(ctx, query, kpiName, invoiceID)
}

// FindActiveByDimension returns active alerts for one KPI correlation
// key, oldest first.
func (s *AlertStore) FindActiveByDimension(ctx context.Context, kpiName, dimensionValue string) ([]alerts.Alert, error) {
	query := `
		SELECT ` + alertColumns + ` FROM alerts
		WHERE ` + activeStates + ` AND kpi_name = ? AND dimension_value = ?
		ORDER BY detected_at ASC
	`
	return s.query(ctx, query, kpiName, dimensionValue)
}

// FindActive returns all active alerts, newest first.
func (s *AlertStore) FindActive(ctx context.Context) ([]alerts.Alert, error) {
	query := `
		SELECT ` + alertColumns + ` FROM alerts
		WHERE ` + activeStates + `
		ORDER BY detected_at DESC
	`
	return s.query(ctx, query)
}

// FindByState returns alerts in one lifecycle state, newest first.
func (s *AlertStore) FindByState(ctx context.Context, state alerts.State) ([]alerts.Alert, error) {
	query := `
		SELECT ` + alertColumns + ` FROM alerts
		WHERE state = ?
		ORDER BY detected_at DESC
	`
	return s.query(ctx, query, state.String())
}

// FindByRecipient returns alerts addressed to the user in any of the
// given states. Recipients live in a JSON array column; the scan is done
// in SQL via json_each.
func (s *AlertStore) FindByRecipient(ctx context.Context, userID string, states []alerts.State) ([]alerts.Alert, error) {
	if len(states) == 0 {
		return nil, nil
	}

	query := `
		SELECT ` + alertColumns + ` FROM alerts
		WHERE state IN (?` + repeatPlaceholder(len(states)-1) + `)
		AND EXISTS (
			SELECT 1 FROM json_each(alerts.recipients) WHERE json_each.value = ?
		)
		ORDER BY detected_at DESC
	`

	args := make([]any, 0, len(states)+1)
	for _, st := range states {
		args = append(args, st.String())
	}
	args = append(args, userID)
	return s.query(ctx, query, args...)
}

// FindResolvedBefore returns RESOLVED alerts older than the cutoff.
func (s *AlertStore) FindResolvedBefore(ctx context.Context, cutoff time.Time) ([]alerts.Alert, error) {
	query := `
		SELECT ` + alertColumns + ` FROM alerts
		WHERE state = 'RESOLVED' AND resolved_at IS NOT NULL AND resolved_at < ?
		ORDER BY resolved_at ASC
	`
	return s.query(ctx, query, cutoff)
}

// FindUnnotified returns active alerts not yet notified, oldest first.
func (s *AlertStore) FindUnnotified(ctx context.Context) ([]alerts.Alert, error) {
	query := `
		SELECT ` + alertColumns + ` FROM alerts
		WHERE ` + activeStates + ` AND notification_sent = 0
		ORDER BY detected_at ASC
	`
	return s.query(ctx, query)
}

func (s *AlertStore) query(ctx context.Context, query string, args ...any) ([]alerts.Alert, error) {
	rows, err := s.db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAlerts(rows)
}

// repeatPlaceholder returns n copies of ", ?".
func repeatPlaceholder(n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += ", ?"
	}
	return out
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func marshalLists(alert *alerts.Alert) (recipients, comments, history, channels string, err error) {
	recipients, err = marshalJSON(alert.Recipients)
	if err != nil {
		return "", "", "", "", fmt.Errorf("marshal recipients: %w", err)
	}
	comments, err = marshalJSON(alert.Comments)
	if err != nil {
		return "", "", "", "", fmt.Errorf("marshal comments: %w", err)
	}
	history, err = marshalJSON(alert.History)
	if err != nil {
		return "", "", "", "", fmt.Errorf("marshal history: %w", err)
	}
	channels, err = marshalJSON(alert.Channels)
	if err != nil {
		return "", "", "", "", fmt.Errorf("marshal channels: %w", err)
	}
	return recipients, comments, history, channels, nil
}

// marshalJSON encodes a list column, normalizing nil to an empty array so
// json_each always has something to walk.
func marshalJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	out := string(data)
	if out == "null" {
		out = "[]"
	}
	return out, nil
}

// scanAlerts scans rows into a slice of Alert.
func scanAlerts(rows *sql.Rows) ([]alerts.Alert, error) {
	var list []alerts.Alert

	for rows.Next() {
		var a alerts.Alert
		var status, severity, state string
		var recipients, comments, history, channels string
		var resolvedAt, archivedAt, acknowledgedAt, notifiedAt sql.NullTime

		err := rows.Scan(
			&a.ID,
			&a.KPIName,
			&a.Dimension,
			&a.DimensionValue,
			&a.CurrentValue,
			&status,
			&severity,
			&a.Message,
			&a.Recommendation,
			&a.RelatedInvoiceID,
			&a.RelatedConventionID,
			&state,
			&recipients,
			&a.DetectedAt,
			&resolvedAt,
			&a.ResolvedBy,
			&a.ResolutionNote,
			&archivedAt,
			&acknowledgedAt,
			&comments,
			&history,
			&a.NotificationSent,
			&notifiedAt,
			&channels,
			&a.Version,
		)
		if err != nil {
			return nil, err
		}

		a.Status = alerts.HealthStatus(status)
		a.Severity = alerts.Severity(severity)
		a.State = alerts.State(state)

		if resolvedAt.Valid {
			a.ResolvedAt = resolvedAt.Time
		}
		if archivedAt.Valid {
			a.ArchivedAt = archivedAt.Time
		}
		if acknowledgedAt.Valid {
			a.AcknowledgedAt = acknowledgedAt.Time
		}
		if notifiedAt.Valid {
			a.NotificationSentAt = notifiedAt.Time
		}

		if err := json.Unmarshal([]byte(recipients), &a.Recipients); err != nil {
			return nil, fmt.Errorf("unmarshal recipients for %s: %w", a.ID, err)
		}
		if err := json.Unmarshal([]byte(comments), &a.Comments); err != nil {
			return nil, fmt.Errorf("unmarshal comments for %s: %w", a.ID, err)
		}
		if err := json.Unmarshal([]byte(history), &a.History); err != nil {
			return nil, fmt.Errorf("unmarshal history for %s: %w", a.ID, err)
		}
		if err := json.Unmarshal([]byte(channels), &a.Channels); err != nil {
			return nil, fmt.Errorf("unmarshal channels for %s: %w", a.ID, err)
		}

		list = append(list, a)
	}

	return list, rows.Err()
}
