package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/medkraiem/veille/internal/alerts"
	"github.com/medkraiem/veille/internal/billing"
	"github.com/medkraiem/veille/internal/config"
	"github.com/medkraiem/veille/internal/kpi"
	"github.com/medkraiem/veille/internal/logger"
	"github.com/medkraiem/veille/internal/notify"
	"github.com/medkraiem/veille/internal/scheduler"
	"github.com/medkraiem/veille/internal/storage/sqlite"
)

var (
	// Version info (set by ldflags)
	version = "dev"

	// Flags
	debug bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "veille",
		Short: "Billing KPI monitoring and alerting engine",
		Long: `veille watches the billing database, computes the business KPIs,
raises alerts when thresholds are crossed, and notifies the people who
can act on them.

Daemon:
  veille run                     Run the analysis scheduler in foreground

One-shot:
  veille analyze                 Run one analysis pass now
  veille kpis [--by <axis>]      Print current KPI values

Alert management:
  veille alerts list             List alerts
  veille alerts resolve <id>     Resolve an alert
  veille alerts archive <id>     Archive a resolved alert
  veille alerts history <id>     Show an alert's audit trail
  veille stats                   Show alert statistics

Threshold management:
  veille thresholds list         Show configured thresholds
  veille thresholds set <kpi>    Create or update a threshold`,
		Version: version,
	}

	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	rootCmd.AddCommand(
		newRunCmd(),
		newAnalyzeCmd(),
		newKPIsCmd(),
		newAlertsCmd(),
		newThresholdsCmd(),
		newStatsCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		// Error already printed by cobra
		os.Exit(1)
	}
}

// app bundles the wired components behind the subcommands.
type app struct {
	cfg        *config.Config
	db         *sqlite.DB
	source     *billing.PGSource
	alertStore *sqlite.AlertStore
	thresholds *sqlite.ThresholdStore
	calculator *kpi.Calculator
	evaluator  *kpi.Evaluator
	manager    *alerts.Manager
	dispatcher *notify.Dispatcher

	close func()
}

// buildApp loads configuration and wires every component. withBilling
// controls whether the PostgreSQL pool is opened; commands that only
// touch local state skip it.
func buildApp(ctx context.Context, withBilling bool) (*app, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	level := logger.ParseLevel(cfg.Logging.Level)
	if debug {
		level = logger.LevelDebug
	}
	logger.InitLogger(level, cfg.Logging.File)

	db, err := sqlite.Open(cfg.Storage.Path)
	if err != nil {
		logger.Close()
		return nil, fmt.Errorf("open alert store: %w", err)
	}

	a := &app{
		cfg:        cfg,
		db:         db,
		alertStore: sqlite.NewAlertStore(db),
		thresholds: sqlite.NewThresholdStore(db),
	}
	a.close = func() {
		db.Close()
		logger.Close()
	}

	if err := a.thresholds.SeedDefaults(ctx); err != nil {
		a.close()
		return nil, fmt.Errorf("seed thresholds: %w", err)
	}

	a.manager = alerts.NewManager(a.alertStore, alerts.WithRetention(cfg.Scheduler.ResolvedRetention))

	if !withBilling {
		return a, nil
	}

	pool, err := billing.NewPool(ctx, billing.PGConfig{
		Host:         cfg.Database.Host,
		Port:         cfg.Database.Port,
		Database:     cfg.Database.Database,
		User:         cfg.Database.User,
		Password:     cfg.Database.Password,
		SSLMode:      cfg.Database.SSLMode,
		PoolMaxConns: cfg.Database.PoolMaxConns,
		PoolMinConns: cfg.Database.PoolMinConns,
	})
	if err != nil {
		a.close()
		return nil, err
	}
	closeDB := a.close
	a.close = func() {
		pool.Close()
		closeDB()
	}

	a.source = billing.NewPGSource(pool)
	a.calculator = kpi.NewCalculator(a.source, a.source.Conventions())
	a.evaluator = kpi.NewEvaluator(a.thresholds, a.alertStore, a.calculator, a.source,
		kpi.WithAnalysisTimeout(cfg.Scheduler.AnalysisTimeout))

	var dispatchOpts []notify.DispatcherOption
	if esc := escalationFromConfig(cfg.Notify.Escalation); esc != nil {
		dispatchOpts = append(dispatchOpts, notify.WithEscalation(esc))
	}
	a.dispatcher = notify.NewDispatcher(a.source.Users(), a.source, a.source.Conventions(), a.alertStore, dispatchOpts...)

	return a, nil
}

// escalationFromConfig converts the config routing table, or returns nil
// to keep the built-in defaults.
func escalationFromConfig(raw map[string][]string) notify.Escalation {
	if len(raw) == 0 {
		return nil
	}
	esc := notify.Escalation{}
	for severity, roles := range raw {
		esc[alerts.Severity(strings.ToUpper(severity))] = roles
	}
	return esc
}

// newRunCmd creates the run subcommand for foreground execution
func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the analysis scheduler in foreground",
		Long:  `Run the scheduler in foreground mode until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := buildApp(ctx, true)
			if err != nil {
				return err
			}
			defer a.close()

			sched := scheduler.New(a.evaluator, a.dispatcher, a.manager, scheduler.Config{
				AnalysisInterval:    a.cfg.Scheduler.AnalysisInterval,
				MaintenanceInterval: a.cfg.Scheduler.MaintenanceInterval,
			})
			sched.Start(ctx)

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
			sig := <-sigChan
			fmt.Printf("\nReceived signal %v, shutting down...\n", sig)

			sched.Stop()
			return nil
		},
	}
}

// newAnalyzeCmd creates the analyze subcommand
func newAnalyzeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "analyze",
		Short: "Run one analysis pass now",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := buildApp(ctx, true)
			if err != nil {
				return err
			}
			defer a.close()

			raised, err := a.evaluator.AnalyzeAll(ctx)
			if err != nil {
				return err
			}
			a.dispatcher.SendAlertNotifications(ctx, raised)

			if len(raised) == 0 {
				color.Green("All indicators within normal range, no alerts raised.")
				return nil
			}

			fmt.Printf("%d alert(s) raised or refreshed:\n\n", len(raised))
			for _, alert := range raised {
				printAlertLine(alert)
			}
			return nil
		},
	}
}

// newKPIsCmd creates the kpis subcommand
func newKPIsCmd() *cobra.Command {
	var by string
	cmd := &cobra.Command{
		Use:   "kpis",
		Short: "Print current KPI values",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := buildApp(ctx, true)
			if err != nil {
				return err
			}
			defer a.close()

			switch by {
			case "":
				kpis, err := a.calculator.GlobalKPIs(ctx)
				if err != nil {
					return err
				}
				printKPIs(ctx, a, kpis)
				return nil
			case "governorate":
				slices, err := a.calculator.KPIsByGovernorate(ctx)
				if err != nil {
					return err
				}
				printKPISlices(slices)
				return nil
			case "structure":
				slices, err := a.calculator.KPIsByStructure(ctx)
				if err != nil {
					return err
				}
				printKPISlices(slices)
				return nil
			default:
				return fmt.Errorf("--by must be governorate or structure, got %q", by)
			}
		},
	}
	cmd.Flags().StringVar(&by, "by", "", "slice KPIs by dimension (governorate, structure)")
	return cmd
}

func printKPIs(ctx context.Context, a *app, kpis map[string]kpi.Result) {
	for _, name := range []string{
		kpi.KPILateRate, kpi.KPIPaymentRate, kpi.KPIUnpaidPercent,
		kpi.KPIAvgPaymentDays, kpi.KPIConversionRate,
	} {
		result, ok := kpis[name]
		if !ok {
			continue
		}
		eval, err := a.evaluator.EvaluateKPI(ctx, name, result.Value, kpi.DimensionGlobal, "")
		value := fmt.Sprintf("%.1f%s", result.Value, result.Unit)
		status := ""
		if err == nil {
			status = colorStatus(eval.Status)
		}
		fmt.Printf("  %-24s %10s  %s  (%s)\n", name, value, status, result.Description)
	}
}

func printKPISlices(slices map[string]map[string]kpi.Result) {
	for slice, kpis := range slices {
		color.Cyan("%s:", slice)
		for name, result := range kpis {
			fmt.Printf("  %-24s %10.1f%s\n", name, result.Value, result.Unit)
		}
	}
}

// newAlertsCmd creates the alerts subcommand group
func newAlertsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "alerts",
		Short: "Manage alerts",
	}
	cmd.AddCommand(
		newAlertsListCmd(),
		newAlertsResolveCmd(),
		newAlertsArchiveCmd(),
		newAlertsCommentCmd(),
		newAlertsHistoryCmd(),
	)
	return cmd
}

func newAlertsListCmd() *cobra.Command {
	var state string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List alerts",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := buildApp(ctx, false)
			if err != nil {
				return err
			}
			defer a.close()

			var list []alerts.Alert
			if state == "" {
				list, err = a.manager.ActiveAlerts(ctx)
			} else {
				list, err = a.alertStore.FindByState(ctx, alerts.State(strings.ToUpper(state)))
			}
			if err != nil {
				return err
			}

			if len(list) == 0 {
				fmt.Println("No alerts.")
				return nil
			}
			for i := range list {
				printAlertLine(&list[i])
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "filter by lifecycle state (default: active alerts)")
	return cmd
}

func newAlertsResolveCmd() *cobra.Command {
	var note, by string
	cmd := &cobra.Command{
		Use:   "resolve <id>",
		Short: "Resolve an alert",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := buildApp(ctx, false)
			if err != nil {
				return err
			}
			defer a.close()

			alert, err := a.manager.Resolve(ctx, args[0], by, note)
			if err != nil {
				return err
			}
			color.Green("Alert %s resolved.", alert.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&note, "note", "", "resolution note (required)")
	cmd.Flags().StringVar(&by, "by", "operator", "who resolves the alert")
	return cmd
}

func newAlertsArchiveCmd() *cobra.Command {
	var by string
	cmd := &cobra.Command{
		Use:   "archive <id>",
		Short: "Archive a resolved alert",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := buildApp(ctx, false)
			if err != nil {
				return err
			}
			defer a.close()

			alert, err := a.manager.Archive(ctx, args[0], by)
			if err != nil {
				return err
			}
			color.Green("Alert %s archived.", alert.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&by, "by", "operator", "who archives the alert")
	return cmd
}

func newAlertsCommentCmd() *cobra.Command {
	var text, author string
	cmd := &cobra.Command{
		Use:   "comment <id>",
		Short: "Comment on an alert",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := buildApp(ctx, false)
			if err != nil {
				return err
			}
			defer a.close()

			_, err = a.manager.AddComment(ctx, args[0], author, text)
			if err != nil {
				return err
			}
			fmt.Println("Comment added.")
			return nil
		},
	}
	cmd.Flags().StringVar(&text, "text", "", "comment text (required)")
	cmd.Flags().StringVar(&author, "author", "operator", "comment author")
	return cmd
}

func newAlertsHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <id>",
		Short: "Show an alert's audit trail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := buildApp(ctx, false)
			if err != nil {
				return err
			}
			defer a.close()

			history, err := a.manager.History(ctx, args[0])
			if err != nil {
				return err
			}
			for _, action := range history {
				line := fmt.Sprintf("%s  %-14s by %s",
					action.PerformedAt.Format("2006-01-02 15:04"),
					action.Type,
					action.PerformedBy)
				if action.Comment != "" {
					line += ": " + action.Comment
				}
				fmt.Println(line)
			}
			return nil
		},
	}
}

// newThresholdsCmd creates the thresholds subcommand group
func newThresholdsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "thresholds",
		Short: "Manage KPI thresholds",
	}
	cmd.AddCommand(newThresholdsListCmd(), newThresholdsSetCmd())
	return cmd
}

func newThresholdsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Show configured thresholds",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := buildApp(ctx, false)
			if err != nil {
				return err
			}
			defer a.close()

			all, err := a.thresholds.All(ctx)
			if err != nil {
				return err
			}
			for _, t := range all {
				enabled := color.GreenString("enabled")
				if !t.Enabled {
					enabled = color.RedString("disabled")
				}
				fmt.Printf("  %-24s watch %.1f%s  critical %.1f%s  normal %.1f%s  (%s, %s)\n",
					t.KPIName, t.Low, t.Unit, t.High, t.Unit, t.Normal, t.Unit, t.Direction, enabled)
			}
			return nil
		},
	}
}

func newThresholdsSetCmd() *cobra.Command {
	var (
		low, high, normal float64
		unit, direction   string
		description       string
		disabled          bool
	)
	cmd := &cobra.Command{
		Use:   "set <kpi>",
		Short: "Create or update a threshold",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := buildApp(ctx, false)
			if err != nil {
				return err
			}
			defer a.close()

			t := &kpi.Threshold{
				KPIName:     strings.ToUpper(args[0]),
				Description: description,
				Low:         low,
				High:        high,
				Normal:      normal,
				Unit:        unit,
				Direction:   kpi.Direction(direction),
				Enabled:     !disabled,
			}
			if err := a.thresholds.Save(ctx, t); err != nil {
				return err
			}
			color.Green("Threshold %s saved.", t.KPIName)
			return nil
		},
	}
	cmd.Flags().Float64Var(&low, "low", 0, "watch threshold")
	cmd.Flags().Float64Var(&high, "high", 0, "critical threshold")
	cmd.Flags().Float64Var(&normal, "normal", 0, "reference value shown in recommendations")
	cmd.Flags().StringVar(&unit, "unit", "%", "display unit")
	cmd.Flags().StringVar(&direction, "direction", "above", "degradation direction (above, below)")
	cmd.Flags().StringVar(&description, "description", "", "human description")
	cmd.Flags().BoolVar(&disabled, "disabled", false, "save the threshold disabled")
	return cmd
}

// newStatsCmd creates the stats subcommand
func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show alert statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := buildApp(ctx, false)
			if err != nil {
				return err
			}
			defer a.close()

			stats, err := a.manager.Statistics(ctx)
			if err != nil {
				return err
			}

			fmt.Printf("Total alerts:    %d\n", stats.Total)
			fmt.Printf("  active:        %d\n", stats.Active)
			fmt.Printf("  resolved:      %d\n", stats.Resolved)
			fmt.Printf("  archived:      %d\n", stats.Archived)
			fmt.Println("By severity:")
			for _, sev := range []alerts.Severity{alerts.SeverityHigh, alerts.SeverityMedium, alerts.SeverityLow} {
				fmt.Printf("  %-8s %d\n", strings.ToLower(sev.String()), stats.BySeverity[sev])
			}
			return nil
		},
	}
}

// printAlertLine prints one alert as a colored summary line.
func printAlertLine(a *alerts.Alert) {
	age := humanize.Time(a.DetectedAt)
	fmt.Printf("%s  %s  %-24s %-16s %s  %s\n",
		a.ID[:8],
		colorSeverity(a.Severity),
		a.KPIName,
		a.State,
		age,
		a.Message)
}

func colorSeverity(s alerts.Severity) string {
	switch s {
	case alerts.SeverityHigh:
		return color.RedString("%-6s", s)
	case alerts.SeverityMedium:
		return color.YellowString("%-6s", s)
	default:
		return color.GreenString("%-6s", s)
	}
}

func colorStatus(s alerts.HealthStatus) string {
	switch s {
	case alerts.StatusAbnormal:
		return color.RedString("%s", s)
	case alerts.StatusWatch:
		return color.YellowString("%s", s)
	default:
		return color.GreenString("%s", s)
	}
}
