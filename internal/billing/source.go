package billing

import "context"

// InvoiceSource is the query surface over the upstream invoice collection.
type InvoiceSource interface {
	FindAll(ctx context.Context) ([]Invoice, error)
	FindByStatus(ctx context.Context, status string) ([]Invoice, error)
	Count(ctx context.Context) (int64, error)
}

// ConventionSource is the query surface over the upstream convention collection.
type ConventionSource interface {
	FindAll(ctx context.Context) ([]Convention, error)
	FindByStatus(ctx context.Context, status string) ([]Convention, error)
	Count(ctx context.Context) (int64, error)
}

// UserDirectory resolves notification recipients by role.
type UserDirectory interface {
	FindByRole(ctx context.Context, role string) ([]User, error)
}
