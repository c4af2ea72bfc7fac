// Package scheduler runs the periodic jobs: KPI analysis, notification
// sweeps, due date reminders, reports, and archive maintenance.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/medkraiem/veille/internal/alerts"
	"github.com/medkraiem/veille/internal/kpi"
	"github.com/medkraiem/veille/internal/logger"
	"github.com/medkraiem/veille/internal/notify"
)

// Default cadences. Overridable through Config.
const (
	DefaultAnalysisInterval    = 1 * time.Hour
	DefaultMaintenanceInterval = 24 * time.Hour

	iterationTimeout = 5 * time.Minute
)

// Config holds the scheduler cadences.
type Config struct {
	// AnalysisInterval is the time between automatic analysis runs.
	AnalysisInterval time.Duration
	// MaintenanceInterval is the time between reminder/archive/report
	// sweeps. Reports additionally gate on the calendar.
	MaintenanceInterval time.Duration
}

// Scheduler owns the background goroutines. One analysis loop, one
// maintenance loop; both stop when the context given to Start is
// cancelled or Stop is called.
type Scheduler struct {
	evaluator  *kpi.Evaluator
	dispatcher *notify.Dispatcher
	manager    *alerts.Manager
	cfg        Config

	trigger chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	now     func() time.Time

	mu          sync.Mutex
	lastWeekly  time.Time
	lastMonthly time.Time
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New creates a Scheduler. Zero cadences fall back to the defaults.
func New(evaluator *kpi.Evaluator, dispatcher *notify.Dispatcher, manager *alerts.Manager, cfg Config, opts ...Option) *Scheduler {
	if cfg.AnalysisInterval <= 0 {
		cfg.AnalysisInterval = DefaultAnalysisInterval
	}
	if cfg.MaintenanceInterval <= 0 {
		cfg.MaintenanceInterval = DefaultMaintenanceInterval
	}
	s := &Scheduler{
		evaluator:  evaluator,
		dispatcher: dispatcher,
		manager:    manager,
		cfg:        cfg,
		trigger:    make(chan struct{}, 1),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the background loops. It returns immediately.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(2)
	go s.analysisLoop(ctx)
	go s.maintenanceLoop(ctx)

	logger.Info("scheduler started",
		"analysis_interval", s.cfg.AnalysisInterval.String(),
		"maintenance_interval", s.cfg.MaintenanceInterval.String())
}

// Stop cancels the loops and waits for them to drain.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	logger.Info("scheduler stopped")
}

// RunNow requests an immediate analysis run. Non-blocking; if a trigger
// is already queued the request coalesces into it.
func (s *Scheduler) RunNow() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

func (s *Scheduler) analysisLoop(ctx context.Context) {
	defer s.wg.Done()

	// First run right away so a fresh start does not wait a full interval.
	s.runAnalysis(ctx)

	ticker := time.NewTicker(s.cfg.AnalysisInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runAnalysis(ctx)
		case <-s.trigger:
			s.runAnalysis(ctx)
		}
	}
}

// runAnalysis performs one analysis pass followed by the notification
// sweep, under its own deadline.
func (s *Scheduler) runAnalysis(ctx context.Context) {
	runCtx, cancel := context.WithTimeout(ctx, iterationTimeout)
	defer cancel()

	created, err := s.evaluator.AnalyzeAll(runCtx)
	if err != nil {
		logger.Error("scheduled analysis failed", "error", err)
		return
	}

	s.dispatcher.SendAlertNotifications(runCtx, created)
	if err := s.dispatcher.SendPendingNotifications(runCtx); err != nil {
		logger.Warn("pending notification sweep failed", "error", err)
	}
}

func (s *Scheduler) maintenanceLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runMaintenance(ctx)
		}
	}
}

// runMaintenance performs one reminder/archive/report sweep.
func (s *Scheduler) runMaintenance(ctx context.Context) {
	runCtx, cancel := context.WithTimeout(ctx, iterationTimeout)
	defer cancel()

	if err := s.dispatcher.SendDueDateReminders(runCtx); err != nil {
		logger.Warn("due date reminders failed", "error", err)
	}

	if _, err := s.manager.AutoArchiveOldResolved(runCtx); err != nil {
		logger.Warn("auto-archive sweep failed", "error", err)
	}

	s.runCalendarReports(runCtx)
}

// runCalendarReports fires the weekly report on Mondays and the monthly
// report on the first of the month, at most once per period.
func (s *Scheduler) runCalendarReports(ctx context.Context) {
	now := s.now()

	s.mu.Lock()
	weeklyDue := now.Weekday() == time.Monday && now.Sub(s.lastWeekly) > 6*24*time.Hour
	monthlyDue := now.Day() == 1 && now.Sub(s.lastMonthly) > 27*24*time.Hour
	if weeklyDue {
		s.lastWeekly = now
	}
	if monthlyDue {
		s.lastMonthly = now
	}
	s.mu.Unlock()

	if weeklyDue {
		if err := s.dispatcher.SendWeeklyReport(ctx); err != nil {
			logger.Warn("weekly report failed", "error", err)
		}
	}
	if monthlyDue {
		if err := s.dispatcher.SendMonthlyReport(ctx); err != nil {
			logger.Warn("monthly report failed", "error", err)
		}
	}
}
