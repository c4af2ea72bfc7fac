package notify

import (
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/medkraiem/veille/internal/alerts"
)

var alertEmailTmpl = template.Must(template.New("alertEmail").Parse(
	`An anomaly was detected by the monitoring engine.

Indicator:      {{.KPIName}}
Severity:       {{.Severity}}
Current value:  {{.Value}}
Detected:       {{.Detected}}

{{.Message}}
{{- if .Recommendation}}

Recommended action:
{{.Recommendation}}
{{- end}}
`))

var reportTmpl = template.Must(template.New("report").Parse(
	`{{.Title}}

Active alerts: {{.Active}}
  high:   {{.High}}
  medium: {{.Medium}}
  low:    {{.Low}}
Resolved over the period: {{.Resolved}}
{{- if .Lines}}

Open alerts:
{{- range .Lines}}
  - {{.}}
{{- end}}
{{- end}}
`))

type alertEmailData struct {
	KPIName        string
	Severity       string
	Value          string
	Detected       string
	Message        string
	Recommendation string
}

// emailSubject builds the subject line for one alert.
func emailSubject(a *alerts.Alert) string {
	return fmt.Sprintf("[%s] alert: %s", a.Severity, a.KPIName)
}

// emailBody renders the full notification email for one alert.
func emailBody(a *alerts.Alert, now time.Time) string {
	var sb strings.Builder
	err := alertEmailTmpl.Execute(&sb, alertEmailData{
		KPIName:        a.KPIName,
		Severity:       a.Severity.String(),
		Value:          humanize.CommafWithDigits(a.CurrentValue, 1),
		Detected:       humanize.RelTime(a.DetectedAt, now, "ago", "from now"),
		Message:        a.Message,
		Recommendation: a.Recommendation,
	})
	if err != nil {
		// The template is static; execution can only fail on a broken
		// writer, which strings.Builder is not.
		return a.Message
	}
	return sb.String()
}

// pushBody is the short in-app form of the alert.
func pushBody(a *alerts.Alert) string {
	return a.Message
}

// smsBody is the minimal SMS form, capped to stay inside one segment.
func smsBody(a *alerts.Alert) string {
	text := fmt.Sprintf("URGENT %s: %s", a.KPIName, a.Message)
	if len(text) > 160 {
		text = text[:157] + "..."
	}
	return text
}

type reportData struct {
	Title    string
	Active   int
	High     int
	Medium   int
	Low      int
	Resolved int64
	Lines    []string
}

// reportBody renders a periodic digest email.
func reportBody(title string, active []alerts.Alert, resolved int64) string {
	data := reportData{Title: title, Active: len(active), Resolved: resolved}
	for i := range active {
		a := &active[i]
		switch a.Severity {
		case alerts.SeverityHigh:
			data.High++
		case alerts.SeverityMedium:
			data.Medium++
		default:
			data.Low++
		}
		data.Lines = append(data.Lines, fmt.Sprintf("[%s] %s: %s", a.Severity, a.KPIName, a.Message))
	}

	var sb strings.Builder
	if err := reportTmpl.Execute(&sb, data); err != nil {
		return title
	}
	return sb.String()
}

// reminderBody renders a due-date reminder for one upcoming invoice.
func reminderBody(invoiceNumber string, amount float64, dueDate time.Time, daysLeft int) string {
	return fmt.Sprintf(
		"Invoice %s for %s is due on %s (in %d day(s)). Please make sure the client has been reminded.",
		invoiceNumber,
		humanize.CommafWithDigits(amount, 2),
		dueDate.Format("2006-01-02"),
		daysLeft,
	)
}
