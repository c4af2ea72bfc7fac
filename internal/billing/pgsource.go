package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medkraiem/veille/internal/logger"
)

// PGConfig holds the connection parameters for the business database.
type PGConfig struct {
	Host         string
	Port         int
	Database     string
	User         string
	Password     string
	SSLMode      string
	PoolMaxConns int
	PoolMinConns int
}

// NewPool creates a PostgreSQL connection pool for the business database.
func NewPool(ctx context.Context, cfg PGConfig) (*pgxpool.Pool, error) {
	connString := fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.User,
		cfg.Password,
		cfg.Host,
		cfg.Port,
		cfg.Database,
		cfg.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.PoolMaxConns)
	poolConfig.MinConns = int32(cfg.PoolMinConns)
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute
	poolConfig.ConnConfig.RuntimeParams["application_name"] = "veille"

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf(
			"connection refused: ensure PostgreSQL is running on %s:%d (error: %w)",
			cfg.Host, cfg.Port, err,
		)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Debug("business database pool created",
		"host", cfg.Host,
		"port", cfg.Port,
		"database", cfg.Database)

	return pool, nil
}

// PGSource reads invoices, conventions, and users from the business database.
// It implements InvoiceSource, ConventionSource, and UserDirectory.
type PGSource struct {
	pool *pgxpool.Pool
}

// NewPGSource wraps an existing pool.
func NewPGSource(pool *pgxpool.Pool) *PGSource {
	return &PGSource{pool: pool}
}

const invoiceColumns = `id, convention_id, invoice_number, amount, status, issue_date, due_date, payment_date`

// FindAll returns the full invoice snapshot.
func (s *PGSource) FindAll(ctx context.Context) ([]Invoice, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+invoiceColumns+` FROM invoices`)
	if err != nil {
		return nil, fmt.Errorf("query invoices: %w", err)
	}
	defer rows.Close()
	return scanInvoices(rows)
}

// FindByStatus returns invoices with the given status.
func (s *PGSource) FindByStatus(ctx context.Context, status string) ([]Invoice, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+invoiceColumns+` FROM invoices WHERE status = $1`, status)
	if err != nil {
		return nil, fmt.Errorf("query invoices by status: %w", err)
	}
	defer rows.Close()
	return scanInvoices(rows)
}

// Count returns the total invoice count.
func (s *PGSource) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM invoices`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count invoices: %w", err)
	}
	return n, nil
}

func scanInvoices(rows pgx.Rows) ([]Invoice, error) {
	var invoices []Invoice
	for rows.Next() {
		var inv Invoice
		var issueDate, dueDate, paymentDate *time.Time
		err := rows.Scan(
			&inv.ID,
			&inv.ConventionID,
			&inv.InvoiceNumber,
			&inv.Amount,
			&inv.Status,
			&issueDate,
			&dueDate,
			&paymentDate,
		)
		if err != nil {
			return nil, err
		}
		if issueDate != nil {
			inv.IssueDate = *issueDate
		}
		if dueDate != nil {
			inv.DueDate = *dueDate
		}
		if paymentDate != nil {
			inv.PaymentDate = *paymentDate
		}
		invoices = append(invoices, inv)
	}
	return invoices, rows.Err()
}

// Conventions returns a ConventionSource view over the same pool.
func (s *PGSource) Conventions() ConventionSource {
	return &pgConventionSource{pool: s.pool}
}

// Users returns a UserDirectory view over the same pool.
func (s *PGSource) Users() UserDirectory {
	return &pgUserDirectory{pool: s.pool}
}

type pgConventionSource struct {
	pool *pgxpool.Pool
}

const conventionColumns = `id, reference, governorate, structure_id, commercial, status`

func (s *pgConventionSource) FindAll(ctx context.Context) ([]Convention, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+conventionColumns+` FROM conventions`)
	if err != nil {
		return nil, fmt.Errorf("query conventions: %w", err)
	}
	defer rows.Close()
	return scanConventions(rows)
}

func (s *pgConventionSource) FindByStatus(ctx context.Context, status string) ([]Convention, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+conventionColumns+` FROM conventions WHERE status = $1`, status)
	if err != nil {
		return nil, fmt.Errorf("query conventions by status: %w", err)
	}
	defer rows.Close()
	return scanConventions(rows)
}

func (s *pgConventionSource) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM conventions`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count conventions: %w", err)
	}
	return n, nil
}

func scanConventions(rows pgx.Rows) ([]Convention, error) {
	var conventions []Convention
	for rows.Next() {
		var c Convention
		var governorate, structureID, commercial *string
		err := rows.Scan(
			&c.ID,
			&c.Reference,
			&governorate,
			&structureID,
			&commercial,
			&c.Status,
		)
		if err != nil {
			return nil, err
		}
		if governorate != nil {
			c.Governorate = *governorate
		}
		if structureID != nil {
			c.StructureID = *structureID
		}
		if commercial != nil {
			c.Commercial = *commercial
		}
		conventions = append(conventions, c)
	}
	return conventions, rows.Err()
}

type pgUserDirectory struct {
	pool *pgxpool.Pool
}

func (d *pgUserDirectory) FindByRole(ctx context.Context, role string) ([]User, error) {
	rows, err := d.pool.Query(ctx, `
		SELECT u.id, u.username, u.email, u.phone, array_agg(r.name)
		FROM users u
		JOIN user_roles ur ON ur.user_id = u.id
		JOIN roles r ON r.id = ur.role_id
		GROUP BY u.id, u.username, u.email, u.phone
		HAVING bool_or(r.name = $1)
	`, role)
	if err != nil {
		return nil, fmt.Errorf("query users by role: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var u User
		var email, phone *string
		err := rows.Scan(&u.ID, &u.Username, &email, &phone, &u.Roles)
		if err != nil {
			return nil, err
		}
		if email != nil {
			u.Email = *email
		}
		if phone != nil {
			u.Phone = *phone
		}
		users = append(users, u)
	}
	return users, rows.Err()
}
