package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/medkraiem/veille/internal/kpi"
)

// ThresholdStore provides SQLite persistence for KPI thresholds.
type ThresholdStore struct {
	db *DB
}

// NewThresholdStore creates a new ThresholdStore.
func NewThresholdStore(db *DB) *ThresholdStore {
	return &ThresholdStore{db: db}
}

const thresholdColumns = `kpi_name, description, low, high, normal, unit, direction, enabled`

// FindByName returns the threshold for one KPI, or (nil, nil) when none
// is configured.
func (s *ThresholdStore) FindByName(ctx context.Context, kpiName string) (*kpi.Threshold, error) {
	query := `SELECT ` + thresholdColumns + ` FROM thresholds WHERE kpi_name = ?`

	rows, err := s.db.conn.QueryContext(ctx, query, kpiName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	list, err := scanThresholds(rows)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}
	return &list[0], nil
}

// All returns every configured threshold, ordered by KPI name.
func (s *ThresholdStore) All(ctx context.Context) ([]kpi.Threshold, error) {
	query := `SELECT ` + thresholdColumns + ` FROM thresholds ORDER BY kpi_name`

	rows, err := s.db.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanThresholds(rows)
}

// Save validates and upserts a threshold.
func (s *ThresholdStore) Save(ctx context.Context, t *kpi.Threshold) error {
	if err := t.Validate(); err != nil {
		return err
	}

	query := `
		INSERT INTO thresholds (kpi_name, description, low, high, normal, unit, direction, enabled, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(kpi_name) DO UPDATE SET
			description = excluded.description,
			low = excluded.low,
			high = excluded.high,
			normal = excluded.normal,
			unit = excluded.unit,
			direction = excluded.direction,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err := s.db.conn.ExecContext(ctx, query,
		t.KPIName,
		t.Description,
		t.Low,
		t.High,
		t.Normal,
		t.Unit,
		string(t.Direction),
		t.Enabled,
		time.Now(),
	)
	return err
}

// Delete removes the threshold for one KPI.
func (s *ThresholdStore) Delete(ctx context.Context, kpiName string) error {
	_, err := s.db.conn.ExecContext(ctx, `DELETE FROM thresholds WHERE kpi_name = ?`, kpiName)
	return err
}

// Count returns the number of configured thresholds.
func (s *ThresholdStore) Count(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM thresholds`).Scan(&count)
	return count, err
}

// SeedDefaults inserts the default thresholds when the table is empty.
// Existing operator configuration is never overwritten.
func (s *ThresholdStore) SeedDefaults(ctx context.Context) error {
	count, err := s.Count(ctx)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	for _, t := range kpi.DefaultThresholds() {
		if err := s.Save(ctx, &t); err != nil {
			return err
		}
	}
	return nil
}

// scanThresholds scans rows into a slice of Threshold.
func scanThresholds(rows *sql.Rows) ([]kpi.Threshold, error) {
	var list []kpi.Threshold

	for rows.Next() {
		var t kpi.Threshold
		var direction string

		err := rows.Scan(
			&t.KPIName,
			&t.Description,
			&t.Low,
			&t.High,
			&t.Normal,
			&t.Unit,
			&direction,
			&t.Enabled,
		)
		if err != nil {
			return nil, err
		}

		t.Direction = kpi.Direction(direction)
		list = append(list, t)
	}

	return list, rows.Err()
}
