package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/medkraiem/veille/internal/alerts"
	"github.com/medkraiem/veille/internal/billing"
	"github.com/medkraiem/veille/internal/logger"
)

// Escalation maps a severity to the roles that must be notified. It is
// data, not code, so operators can re-route severities without a deploy.
type Escalation map[alerts.Severity][]string

// DefaultEscalation routes HIGH alerts to everyone with decision power
// and lower severities to decision makers only.
func DefaultEscalation() Escalation {
	return Escalation{
		alerts.SeverityHigh: {
			billing.RoleDecisionMaker,
			billing.RoleProjectManager,
			billing.RoleAdmin,
		},
		alerts.SeverityMedium: {billing.RoleDecisionMaker},
		alerts.SeverityLow:    {billing.RoleDecisionMaker},
	}
}

// Dispatcher fans alert notifications out to the resolved recipients over
// the configured channels. Delivery is best effort: one failing leg never
// blocks the others, and the notification flag is set once any leg lands.
type Dispatcher struct {
	users       billing.UserDirectory
	invoices    billing.InvoiceSource
	conventions billing.ConventionSource
	store       alerts.Store

	pusher Pusher
	email  Emailer
	sms    SMSSender

	escalation Escalation
	now        func() time.Time
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithPusher overrides the in-app channel.
func WithPusher(p Pusher) DispatcherOption {
	return func(d *Dispatcher) { d.pusher = p }
}

// WithEmailer overrides the email channel.
func WithEmailer(e Emailer) DispatcherOption {
	return func(d *Dispatcher) { d.email = e }
}

// WithSMSSender overrides the SMS channel.
func WithSMSSender(s SMSSender) DispatcherOption {
	return func(d *Dispatcher) { d.sms = s }
}

// WithEscalation overrides the severity-to-roles routing table.
func WithEscalation(e Escalation) DispatcherOption {
	return func(d *Dispatcher) { d.escalation = e }
}

// WithDispatcherClock overrides the time source, for tests.
func WithDispatcherClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) { d.now = now }
}

// NewDispatcher creates a Dispatcher. Channels default to the logging
// implementations.
func NewDispatcher(users billing.UserDirectory, invoices billing.InvoiceSource, conventions billing.ConventionSource, store alerts.Store, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		users:       users,
		invoices:    invoices,
		conventions: conventions,
		store:       store,
		pusher:      LogPusher{},
		email:       LogEmailer{},
		sms:         LogSMSSender{},
		escalation:  DefaultEscalation(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// recipientsFor resolves the deduplicated recipient set for a severity.
func (d *Dispatcher) recipientsFor(ctx context.Context, severity alerts.Severity) ([]billing.User, error) {
	roles, ok := d.escalation[severity]
	if !ok {
		roles = []string{billing.RoleDecisionMaker}
	}

	seen := make(map[string]bool)
	var out []billing.User
	for _, role := range roles {
		users, err := d.users.FindByRole(ctx, role)
		if err != nil {
			return nil, fmt.Errorf("resolve users with role %s: %w", role, err)
		}
		for _, u := range users {
			if seen[u.ID] {
				continue
			}
			seen[u.ID] = true
			out = append(out, u)
		}
	}
	return out, nil
}

// SendAlertNotifications delivers notifications for the given alerts.
// Already-notified alerts are skipped. When no recipient resolves, the
// flag stays false so a later run retries once users exist.
func (d *Dispatcher) SendAlertNotifications(ctx context.Context, list []*alerts.Alert) {
	for _, alert := range list {
		if alert.NotificationSent {
			continue
		}
		if err := d.notifyAlert(ctx, alert); err != nil {
			logger.Warn("alert notification failed", "id", alert.ID, "error", err)
		}
	}
}

// SendPendingNotifications delivers notifications for every active alert
// that has not been notified yet. The scheduler calls this after each
// analysis run to catch alerts whose first delivery attempt failed.
func (d *Dispatcher) SendPendingNotifications(ctx context.Context) error {
	pending, err := d.store.FindUnnotified(ctx)
	if err != nil {
		return fmt.Errorf("load unnotified alerts: %w", err)
	}

	refs := make([]*alerts.Alert, len(pending))
	for i := range pending {
		refs[i] = &pending[i]
	}
	d.SendAlertNotifications(ctx, refs)
	return nil
}

// notifyAlert fans one alert out to its recipients and records the result.
func (d *Dispatcher) notifyAlert(ctx context.Context, alert *alerts.Alert) error {
	recipients, err := d.recipientsFor(ctx, alert.Severity)
	if err != nil {
		return err
	}
	if len(recipients) == 0 {
		logger.Warn("no recipients resolve for alert, will retry later",
			"id", alert.ID, "severity", alert.Severity)
		return nil
	}

	now := d.now()
	subject := emailSubject(alert)
	body := emailBody(alert, now)
	channels := make(map[string]bool)
	var notified []string

	for i := range recipients {
		user := &recipients[i]
		delivered := false

		if err := d.pusher.PushToUser(ctx, user.ID, subject, pushBody(alert)); err != nil {
			logger.Warn("in-app delivery failed", "id", alert.ID, "user", user.ID, "error", err)
		} else {
			channels[ChannelInApp] = true
			delivered = true
		}

		if user.Email != "" {
			if err := d.email.SendEmail(ctx, user.Email, subject, body); err != nil {
				logger.Warn("email delivery failed", "id", alert.ID, "user", user.ID, "error", err)
			} else {
				channels[ChannelEmail] = true
				delivered = true
			}
		}

		// SMS is reserved for HIGH severity; it is the expensive channel.
		if alert.Severity == alerts.SeverityHigh && user.Phone != "" {
			if err := d.sms.SendSMS(ctx, user.Phone, smsBody(alert)); err != nil {
				logger.Warn("sms delivery failed", "id", alert.ID, "user", user.ID, "error", err)
			} else {
				channels[ChannelSMS] = true
				delivered = true
			}
		}

		if delivered {
			notified = append(notified, user.ID)
		}
	}

	if len(notified) == 0 {
		return fmt.Errorf("no delivery succeeded for any of %d recipient(s)", len(recipients))
	}

	alert.NotificationSent = true
	alert.NotificationSentAt = now
	alert.Recipients = notified
	alert.Channels = alert.Channels[:0]
	for _, ch := range []string{ChannelInApp, ChannelEmail, ChannelSMS} {
		if channels[ch] {
			alert.Channels = append(alert.Channels, ch)
		}
	}

	if err := d.store.Update(ctx, alert); err != nil {
		// The flag write lost a race or the store hiccuped. The next
		// sweep will re-deliver; recipients may see the alert twice,
		// which beats never seeing it.
		return fmt.Errorf("record notification: %w", err)
	}

	logger.Info("alert notifications sent",
		"id", alert.ID,
		"recipients", len(notified),
		"channels", alert.Channels)
	return nil
}

// SendUrgentAlerts emails a consolidated digest of all open HIGH alerts
// to the decision makers.
func (d *Dispatcher) SendUrgentAlerts(ctx context.Context) error {
	active, err := d.store.FindActive(ctx)
	if err != nil {
		return fmt.Errorf("load active alerts: %w", err)
	}

	var urgent []alerts.Alert
	for i := range active {
		if active[i].Severity == alerts.SeverityHigh {
			urgent = append(urgent, active[i])
		}
	}
	if len(urgent) == 0 {
		return nil
	}

	return d.sendDigest(ctx,
		fmt.Sprintf("[URGENT] %d high severity alert(s) open", len(urgent)),
		reportBody("Urgent alerts requiring a decision", urgent, 0))
}

// SendWeeklyReport emails the weekly alert digest to the decision makers.
func (d *Dispatcher) SendWeeklyReport(ctx context.Context) error {
	return d.sendPeriodicReport(ctx, "Weekly alert report", 7*24*time.Hour)
}

// SendMonthlyReport emails the monthly alert digest to the decision makers.
func (d *Dispatcher) SendMonthlyReport(ctx context.Context) error {
	return d.sendPeriodicReport(ctx, "Monthly alert report", 30*24*time.Hour)
}

func (d *Dispatcher) sendPeriodicReport(ctx context.Context, title string, period time.Duration) error {
	active, err := d.store.FindActive(ctx)
	if err != nil {
		return fmt.Errorf("load active alerts: %w", err)
	}

	resolved, err := d.store.FindByState(ctx, alerts.StateResolved)
	if err != nil {
		return fmt.Errorf("load resolved alerts: %w", err)
	}
	since := d.now().Add(-period)
	var resolvedInPeriod int64
	for i := range resolved {
		if resolved[i].ResolvedAt.After(since) {
			resolvedInPeriod++
		}
	}

	subject := fmt.Sprintf("%s: %d active, %d resolved", title, len(active), resolvedInPeriod)
	return d.sendDigest(ctx, subject, reportBody(title, active, resolvedInPeriod))
}

// sendDigest emails one rendered digest to every decision maker.
func (d *Dispatcher) sendDigest(ctx context.Context, subject, body string) error {
	deciders, err := d.users.FindByRole(ctx, billing.RoleDecisionMaker)
	if err != nil {
		return fmt.Errorf("resolve decision makers: %w", err)
	}
	if len(deciders) == 0 {
		logger.Warn("no decision makers configured, digest skipped", "subject", subject)
		return nil
	}

	sent := 0
	for i := range deciders {
		u := &deciders[i]
		if u.Email == "" {
			continue
		}
		if err := d.email.SendEmail(ctx, u.Email, subject, body); err != nil {
			logger.Warn("digest delivery failed", "to", u.ID, "error", err)
			continue
		}
		sent++
	}

	logger.Info("digest sent", "subject", subject, "recipients", sent)
	return nil
}

// reminderOffsets are the day marks before an invoice due date at which a
// reminder goes out.
var reminderOffsets = []int{7, 3, 1}

// SendDueDateReminders emails the commercial in charge of each convention
// about invoices coming due in 7, 3, or 1 day(s).
func (d *Dispatcher) SendDueDateReminders(ctx context.Context) error {
	invoices, err := d.invoices.FindByStatus(ctx, billing.InvoicePending)
	if err != nil {
		return fmt.Errorf("load pending invoices: %w", err)
	}
	if len(invoices) == 0 {
		return nil
	}

	conventions, err := d.conventions.FindAll(ctx)
	if err != nil {
		return fmt.Errorf("load conventions: %w", err)
	}
	commercialOf := make(map[string]string, len(conventions))
	for i := range conventions {
		commercialOf[conventions[i].ID] = conventions[i].Commercial
	}

	commercials, err := d.users.FindByRole(ctx, billing.RoleCommercial)
	if err != nil {
		return fmt.Errorf("resolve commercials: %w", err)
	}
	byUsername := make(map[string]*billing.User, len(commercials))
	for i := range commercials {
		byUsername[commercials[i].Username] = &commercials[i]
	}

	today := d.now().Truncate(24 * time.Hour)
	sent := 0
	for i := range invoices {
		inv := &invoices[i]
		if inv.DueDate.IsZero() {
			continue
		}
		daysLeft := int(inv.DueDate.Truncate(24 * time.Hour).Sub(today).Hours() / 24)
		if !isReminderDay(daysLeft) {
			continue
		}

		user, ok := byUsername[commercialOf[inv.ConventionID]]
		if !ok || user.Email == "" {
			logger.Debug("no commercial to remind for invoice", "invoice", inv.ID)
			continue
		}

		subject := fmt.Sprintf("Payment reminder: invoice %s due in %d day(s)", inv.InvoiceNumber, daysLeft)
		body := reminderBody(inv.InvoiceNumber, inv.Amount, inv.DueDate, daysLeft)
		if err := d.email.SendEmail(ctx, user.Email, subject, body); err != nil {
			logger.Warn("reminder delivery failed", "invoice", inv.ID, "to", user.ID, "error", err)
			continue
		}
		sent++
	}

	if sent > 0 {
		logger.Info("due date reminders sent", "count", sent)
	}
	return nil
}

func isReminderDay(daysLeft int) bool {
	for _, d := range reminderOffsets {
		if daysLeft == d {
			return true
		}
	}
	return false
}
