package billing

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/platinummonkey/tollgate/pkg/clock"
)

// HistoryDays is the window of generation history in the diagnostics report
const HistoryDays = 7

// ScheduledAccount is an account due today
type ScheduledAccount struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	BillingDay int    `json:"billing_day"`
	Invoiced   bool   `json:"invoiced"`
}

// DailyGeneration aggregates the generate runs of one day
type DailyGeneration struct {
	Date      string `json:"date"`
	Runs      int    `json:"runs"`
	Selected  int    `json:"selected"`
	Generated int    `json:"generated"`
	Skipped   int    `json:"skipped"`
	Failed    int    `json:"failed"`
}

// DiagnosticsReport is the operator view of today's billing
type DiagnosticsReport struct {
	Date           string             `json:"date"`
	GeneratedAt    time.Time          `json:"generated_at"`
	Invoices       Summary            `json:"invoices"`
	Statements     Summary            `json:"statements"`
	ScheduledToday []ScheduledAccount `json:"scheduled_today"`
	History        []DailyGeneration  `json:"history"`
}

// Diagnostics builds DiagnosticsReport from a ReportStore
type Diagnostics struct {
	store ReportStore
	clock clock.Clock
	loc   *time.Location
	clamp bool
}

// NewDiagnostics creates a diagnostics reader using the billing calendar of loc
func NewDiagnostics(store ReportStore, c clock.Clock, loc *time.Location, clampShortMonths bool) *Diagnostics {
	if loc == nil {
		loc = time.UTC
	}
	if c == nil {
		c = clock.NewSystem(loc)
	}
	return &Diagnostics{store: store, clock: c, loc: loc, clamp: clampShortMonths}
}

// Report reads today's counts and totals, the accounts due today and the
// last HistoryDays of generation runs. It never writes.
func (d *Diagnostics) Report(ctx context.Context) (*DiagnosticsReport, error) {
	now := d.clock.Now()
	today := BillingDate(now, d.loc)
	tomorrow := today.AddDate(0, 0, 1)

	invoices, err := d.store.InvoiceSummary(ctx, today, tomorrow)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize invoices: %w", err)
	}
	statements, err := d.store.StatementSummary(ctx, today, tomorrow)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize statements: %w", err)
	}

	due, err := d.store.ListDueAccounts(ctx, DueBillingDays(today, nil, d.clamp))
	if err != nil {
		return nil, fmt.Errorf("failed to list due accounts: %w", err)
	}
	ids := make([]string, 0, len(due))
	for _, a := range due {
		ids = append(ids, a.ID)
	}
	invoiced, err := d.store.InvoicedAccounts(ctx, PeriodOf(today), ids)
	if err != nil {
		return nil, fmt.Errorf("failed to check invoiced accounts: %w", err)
	}
	scheduled := make([]ScheduledAccount, 0, len(due))
	for _, a := range due {
		scheduled = append(scheduled, ScheduledAccount{
			ID:         a.ID,
			Name:       a.Name,
			BillingDay: a.BillingDay,
			Invoiced:   invoiced[a.ID],
		})
	}

	since := today.AddDate(0, 0, -(HistoryDays - 1))
	runs, err := d.store.RecentRuns(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("failed to load run history: %w", err)
	}

	return &DiagnosticsReport{
		Date:           today.Format("2006-01-02"),
		GeneratedAt:    now,
		Invoices:       invoices,
		Statements:     statements,
		ScheduledToday: scheduled,
		History:        dailyHistory(runs, since, d.loc),
	}, nil
}

// dailyHistory buckets generate runs per day, one entry per day from since
// through since+HistoryDays-1, newest first. Days without runs are zero.
func dailyHistory(runs []GenerationRun, since time.Time, loc *time.Location) []DailyGeneration {
	byDate := make(map[string]*DailyGeneration, HistoryDays)
	days := make([]string, 0, HistoryDays)
	for i := 0; i < HistoryDays; i++ {
		key := since.AddDate(0, 0, i).Format("2006-01-02")
		byDate[key] = &DailyGeneration{Date: key}
		days = append(days, key)
	}

	for _, run := range runs {
		if run.Mode != RunModeGenerate {
			continue
		}
		day, ok := byDate[BillingDate(run.StartedAt, loc).Format("2006-01-02")]
		if !ok {
			continue
		}
		day.Runs++
		day.Selected += run.Selected
		day.Generated += run.Generated
		day.Skipped += run.Skipped
		day.Failed += run.Failed
	}

	sort.Sort(sort.Reverse(sort.StringSlice(days)))
	out := make([]DailyGeneration, 0, len(days))
	for _, key := range days {
		out = append(out, *byDate[key])
	}
	return out
}
