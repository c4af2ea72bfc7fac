// Package notify delivers alert notifications over in-app, email, and SMS
// channels, with recipients resolved from an escalation table keyed by
// severity.
package notify

import (
	"context"

	"github.com/medkraiem/veille/internal/logger"
)

// Channel names recorded on the alert after a successful send.
const (
	ChannelInApp = "IN_APP"
	ChannelEmail = "EMAIL"
	ChannelSMS   = "SMS"
)

// Pusher delivers in-app notifications.
type Pusher interface {
	PushToUser(ctx context.Context, userID, title, body string) error
}

// Emailer delivers email notifications.
type Emailer interface {
	SendEmail(ctx context.Context, to, subject, body string) error
}

// SMSSender delivers SMS notifications.
type SMSSender interface {
	SendSMS(ctx context.Context, phone, text string) error
}

// LogPusher is the default Pusher: it writes the notification to the log.
// Stands in until a real push gateway is wired up.
type LogPusher struct{}

func (LogPusher) PushToUser(ctx context.Context, userID, title, body string) error {
	logger.Info("in-app notification", "user", userID, "title", title)
	return nil
}

// LogEmailer is the default Emailer, logging instead of sending.
type LogEmailer struct{}

func (LogEmailer) SendEmail(ctx context.Context, to, subject, body string) error {
	logger.Info("email notification", "to", to, "subject", subject)
	return nil
}

// LogSMSSender is the default SMSSender, logging instead of sending.
type LogSMSSender struct{}

func (LogSMSSender) SendSMS(ctx context.Context, phone, text string) error {
	logger.Info("sms notification", "phone", phone)
	return nil
}
