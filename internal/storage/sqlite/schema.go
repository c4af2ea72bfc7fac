package sqlite

// initSchema creates the database schema if it doesn't exist.
func (db *DB) initSchema() error {
	schema := `
	-- Alert records
	CREATE TABLE IF NOT EXISTS alerts (
		id TEXT PRIMARY KEY,
		kpi_name TEXT NOT NULL,
		dimension TEXT NOT NULL DEFAULT '',
		dimension_value TEXT NOT NULL DEFAULT '',
		current_value REAL NOT NULL DEFAULT 0,
		health_status TEXT NOT NULL,
		severity TEXT NOT NULL,
		message TEXT NOT NULL DEFAULT '',
		recommendation TEXT NOT NULL DEFAULT '',
		related_invoice_id TEXT NOT NULL DEFAULT '',
		related_convention_id TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL,
		recipients TEXT NOT NULL DEFAULT '[]',
		detected_at DATETIME NOT NULL,
		resolved_at DATETIME,
		resolved_by TEXT NOT NULL DEFAULT '',
		resolution_note TEXT NOT NULL DEFAULT '',
		archived_at DATETIME,
		acknowledged_at DATETIME,
		comments TEXT NOT NULL DEFAULT '[]',
		history TEXT NOT NULL DEFAULT '[]',
		notification_sent INTEGER NOT NULL DEFAULT 0,
		notification_sent_at DATETIME,
		channels TEXT NOT NULL DEFAULT '[]',
		version INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_alerts_state ON alerts(state);
	CREATE INDEX IF NOT EXISTS idx_alerts_kpi ON alerts(kpi_name, dimension_value);
	CREATE INDEX IF NOT EXISTS idx_alerts_detected ON alerts(detected_at DESC);

	-- Backstop against duplicate active invoice alerts. The application
	-- deduplicates before writing; this index catches what slips through.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_alerts_active_invoice
		ON alerts(kpi_name, related_invoice_id)
		WHERE state NOT IN ('RESOLVED', 'ARCHIVED') AND related_invoice_id != '';

	-- Operator-managed thresholds
	CREATE TABLE IF NOT EXISTS thresholds (
		kpi_name TEXT PRIMARY KEY,
		description TEXT NOT NULL DEFAULT '',
		low REAL NOT NULL,
		high REAL NOT NULL,
		normal REAL NOT NULL DEFAULT 0,
		unit TEXT NOT NULL DEFAULT '',
		direction TEXT NOT NULL DEFAULT 'above',
		enabled INTEGER NOT NULL DEFAULT 1,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`

	_, err := db.conn.Exec(schema)
	return err
}
