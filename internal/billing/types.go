// Package billing defines the business records the alert engine observes:
// invoices, conventions, and the users who act on alerts. The records are
// owned by the upstream management application; this package only reads them.
package billing

import "time"

// Invoice statuses as stored by the upstream application.
const (
	InvoicePending = "PENDING"
	InvoicePaid    = "PAID"
	InvoiceOverdue = "OVERDUE"
)

// Convention statuses.
const (
	ConventionActive  = "ACTIVE"
	ConventionDraft   = "DRAFT"
	ConventionExpired = "EXPIRED"
)

// Roles used for alert recipient resolution.
const (
	RoleDecisionMaker  = "decision_maker"
	RoleProjectManager = "project_manager"
	RoleAdmin          = "admin"
	RoleCommercial     = "commercial"
)

// Invoice is a single billing record.
type Invoice struct {
	ID            string
	ConventionID  string
	InvoiceNumber string
	Amount        float64
	Status        string
	IssueDate     time.Time
	DueDate       time.Time
	PaymentDate   time.Time
}

// IsPaid reports whether the invoice has been settled.
func (i *Invoice) IsPaid() bool {
	return i.Status == InvoicePaid
}

// IsOverdue reports whether the invoice is unpaid past its due date at now.
func (i *Invoice) IsOverdue(now time.Time) bool {
	if i.IsPaid() || i.DueDate.IsZero() {
		return false
	}
	return i.DueDate.Before(now)
}

// DaysOverdue returns how many whole days the invoice is past due at now.
// Zero for invoices that are not overdue.
func (i *Invoice) DaysOverdue(now time.Time) int {
	if !i.IsOverdue(now) {
		return 0
	}
	return int(now.Sub(i.DueDate).Hours() / 24)
}

// Convention is a contract under which invoices are issued.
type Convention struct {
	ID          string
	Reference   string
	Governorate string
	StructureID string
	Commercial  string
	Status      string
}

// IsActive reports whether the convention is currently in force.
func (c *Convention) IsActive() bool {
	return c.Status == ConventionActive
}

// User is a recipient of alert notifications.
type User struct {
	ID       string
	Username string
	Email    string
	Phone    string
	Roles    []string
}

// HasRole reports whether the user carries the given role.
func (u *User) HasRole(role string) bool {
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}
