package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/platinummonkey/tollgate/pkg/billing"
)

var (
	_ billing.Store       = (*Store)(nil)
	_ billing.ReportStore = (*Store)(nil)
	_ billing.Tx          = (*billingTx)(nil)
)

const accountColumns = `id, name, email, billing_day, plan_name, monthly_fee, balance, balance_updated_at, status`

const invoiceColumns = `id, invoice_number, account_id, period, period_start, period_end, due_date,
	period_charges, discount_applied, rebate_applied, staggered_applied, service_charges,
	advance_applied, carried_forward, subtotal, vat, total_amount_due, received_payment,
	status, run_id, created_at`

const statementColumns = `id, invoice_id, account_id, period, previous_balance, payment_received,
	remaining_balance, current_charges, total_amount_due, created_at`

// instrumentTables maps each consumable kind to its table
var instrumentTables = map[billing.InstrumentKind]string{
	billing.InstrumentDiscount:      "discounts",
	billing.InstrumentRebate:        "rebate_usages",
	billing.InstrumentStaggered:     "staggered_installments",
	billing.InstrumentServiceCharge: "service_charges",
	billing.InstrumentAdvance:       "advance_payments",
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAccount(row rowScanner) (*billing.Account, error) {
	var (
		a         billing.Account
		updatedAt sql.NullTime
		status    string
	)
	if err := row.Scan(&a.ID, &a.Name, &a.Email, &a.BillingDay, &a.PlanName,
		&a.MonthlyFee, &a.Balance, &updatedAt, &status); err != nil {
		return nil, err
	}
	a.BalanceUpdatedAt = timePtr(updatedAt)
	a.Status = billing.AccountStatus(status)
	return &a, nil
}

func scanInvoice(row rowScanner) (*billing.Invoice, error) {
	var (
		inv    billing.Invoice
		status string
	)
	if err := row.Scan(&inv.ID, &inv.InvoiceNumber, &inv.AccountID, periodColumn{&inv.Period},
		&inv.PeriodStart, &inv.PeriodEnd, &inv.DueDate,
		&inv.PeriodCharges, &inv.DiscountApplied, &inv.RebateApplied, &inv.StaggeredApplied,
		&inv.ServiceCharges, &inv.AdvanceApplied, &inv.CarriedForward, &inv.Subtotal, &inv.VAT,
		&inv.TotalAmountDue, &inv.ReceivedPayment, &status, &inv.RunID, &inv.CreatedAt); err != nil {
		return nil, err
	}
	inv.Status = billing.InvoiceStatus(status)
	return &inv, nil
}

func scanStatement(row rowScanner) (*billing.Statement, error) {
	var st billing.Statement
	if err := row.Scan(&st.ID, &st.InvoiceID, &st.AccountID, periodColumn{&st.Period},
		&st.PreviousBalance, &st.PaymentReceived, &st.RemainingBalance,
		&st.CurrentCharges, &st.TotalAmountDue, &st.CreatedAt); err != nil {
		return nil, err
	}
	return &st, nil
}

func scanRun(row rowScanner) (*billing.GenerationRun, error) {
	var (
		run  billing.GenerationRun
		mode string
	)
	if err := row.Scan(&run.ID, &run.RunDate, &run.Operator, &mode, &run.Selected,
		&run.Generated, &run.Skipped, &run.Failed, &run.StartedAt, &run.FinishedAt); err != nil {
		return nil, err
	}
	run.Mode = billing.RunMode(mode)
	return &run, nil
}

// ListDueAccounts returns active accounts whose billing day is in days, by ID
func (s *Store) ListDueAccounts(ctx context.Context, days []int) ([]billing.Account, error) {
	ctx, span := startSpan(ctx, "ListDueAccounts")
	defer span.End()

	want := make(pq.Int64Array, 0, len(days))
	for _, d := range days {
		want = append(want, int64(d))
	}

	rows, err := s.conns.Replica().QueryContext(ctx,
		`SELECT `+accountColumns+` FROM accounts
		 WHERE status = 'active' AND billing_day = ANY($1)
		 ORDER BY id`, want)
	if err != nil {
		return nil, fmt.Errorf("failed to list due accounts: %w", err)
	}
	defer rows.Close()

	var out []billing.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// LoadSnapshot reads a snapshot from a replica without locking
func (s *Store) LoadSnapshot(ctx context.Context, accountID string, period billing.Period) (*billing.Snapshot, error) {
	ctx, span := startSpan(ctx, "LoadSnapshot")
	defer span.End()
	return loadSnapshot(ctx, s.conns.Replica(), accountID, period)
}

// WithAccountTx runs fn in a primary transaction
func (s *Store) WithAccountTx(ctx context.Context, fn func(ctx context.Context, tx billing.Tx) error) error {
	ctx, span := startSpan(ctx, "WithAccountTx")
	defer span.End()
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return fn(ctx, &billingTx{tx: tx})
	})
}

// RecordRun inserts the audit row of a generation run
func (s *Store) RecordRun(ctx context.Context, run *billing.GenerationRun) error {
	_, err := s.conns.Primary().ExecContext(ctx,
		`INSERT INTO generation_runs
		 (id, run_date, operator, mode, selected, generated, skipped, failed, started_at, finished_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		run.ID, run.RunDate, run.Operator, string(run.Mode), run.Selected,
		run.Generated, run.Skipped, run.Failed, run.StartedAt, run.FinishedAt)
	if err != nil {
		return fmt.Errorf("failed to record run %s: %w", run.ID, err)
	}
	return nil
}

func (s *Store) summary(ctx context.Context, table string, from, to time.Time) (billing.Summary, error) {
	sum := billing.Summary{Total: decimal.Zero}
	err := s.conns.Replica().QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(total_amount_due), 0) FROM `+table+`
		 WHERE created_at >= $1 AND created_at < $2`, from, to,
	).Scan(&sum.Count, &sum.Total)
	if err != nil {
		return sum, fmt.Errorf("failed to summarize %s: %w", table, err)
	}
	return sum, nil
}

// InvoiceSummary counts and totals invoices created in [from, to)
func (s *Store) InvoiceSummary(ctx context.Context, from, to time.Time) (billing.Summary, error) {
	return s.summary(ctx, "invoices", from, to)
}

// StatementSummary counts and totals statements created in [from, to)
func (s *Store) StatementSummary(ctx context.Context, from, to time.Time) (billing.Summary, error) {
	return s.summary(ctx, "statements", from, to)
}

// InvoicedAccounts reports which of accountIDs have an invoice for period
func (s *Store) InvoicedAccounts(ctx context.Context, period billing.Period, accountIDs []string) (map[string]bool, error) {
	out := make(map[string]bool, len(accountIDs))
	for _, id := range accountIDs {
		out[id] = false
	}
	if len(accountIDs) == 0 {
		return out, nil
	}

	rows, err := s.conns.Replica().QueryContext(ctx,
		`SELECT account_id FROM invoices WHERE period = $1 AND account_id = ANY($2)`,
		period.String(), pq.StringArray(accountIDs))
	if err != nil {
		return nil, fmt.Errorf("failed to check invoiced accounts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = true
	}
	return out, rows.Err()
}

// RecentRuns returns runs started at or after since, newest first
func (s *Store) RecentRuns(ctx context.Context, since time.Time) ([]billing.GenerationRun, error) {
	rows, err := s.conns.Replica().QueryContext(ctx,
		`SELECT id, run_date, operator, mode, selected, generated, skipped, failed, started_at, finished_at
		 FROM generation_runs WHERE started_at >= $1 ORDER BY started_at DESC`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to load runs: %w", err)
	}
	defer rows.Close()

	var out []billing.GenerationRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *run)
	}
	return out, rows.Err()
}

// loadSnapshot assembles the allocator input. The previous invoice is the
// latest one before period and the previous statement is the one issued with it.
func loadSnapshot(ctx context.Context, q querier, accountID string, period billing.Period) (*billing.Snapshot, error) {
	account, err := scanAccount(q.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1`, accountID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: account %s", billing.ErrNotFound, accountID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load account %s: %w", accountID, err)
	}

	snap := &billing.Snapshot{Account: *account, Period: period}
	if err := q.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM invoices WHERE account_id = $1 AND period = $2)`,
		accountID, period.String(),
	).Scan(&snap.AlreadyInvoiced); err != nil {
		return nil, fmt.Errorf("failed to check invoice: %w", err)
	}

	prev, err := scanInvoice(q.QueryRowContext(ctx,
		`SELECT `+invoiceColumns+` FROM invoices
		 WHERE account_id = $1 AND period < $2
		 ORDER BY period DESC LIMIT 1`, accountID, period.String()))
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, fmt.Errorf("failed to load previous invoice: %w", err)
	default:
		snap.PreviousInvoice = prev
		st, err := scanStatement(q.QueryRowContext(ctx,
			`SELECT `+statementColumns+` FROM statements WHERE invoice_id = $1`, prev.ID))
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return nil, fmt.Errorf("failed to load previous statement: %w", err)
		default:
			snap.PreviousStatement = st
		}
	}

	if err := loadInstruments(ctx, q, snap); err != nil {
		return nil, err
	}
	return snap, nil
}

// loadInstruments reads the account's unused instruments, oldest first
func loadInstruments(ctx context.Context, q querier, snap *billing.Snapshot) error {
	id := snap.Account.ID
	each := func(query string, scan func(rows *sql.Rows) error) error {
		rows, err := q.QueryContext(ctx, query, id)
		if err != nil {
			return fmt.Errorf("failed to load instruments: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			if err := scan(rows); err != nil {
				return fmt.Errorf("failed to scan instrument: %w", err)
			}
		}
		return rows.Err()
	}

	base := func(inst *billing.Instrument, status *string, invoiceID *sql.NullString) {
		inst.AccountID = id
		inst.Status = billing.InstrumentStatus(*status)
		inst.InvoiceID = invoiceID.String
	}

	if err := each(`SELECT id, amount, status, invoice_id, created_at FROM discounts
		WHERE account_id = $1 AND status = 'Unused' ORDER BY created_at, id`,
		func(rows *sql.Rows) error {
			var (
				d   billing.Discount
				st  string
				inv sql.NullString
			)
			if err := rows.Scan(&d.ID, &d.Amount, &st, &inv, &d.CreatedAt); err != nil {
				return err
			}
			base(&d.Instrument, &st, &inv)
			snap.Discounts = append(snap.Discounts, d)
			return nil
		}); err != nil {
		return err
	}

	if err := each(`SELECT id, rebate_id, period, amount, status, invoice_id, created_at FROM rebate_usages
		WHERE account_id = $1 AND status = 'Unused' ORDER BY created_at, id`,
		func(rows *sql.Rows) error {
			var (
				r   billing.RebateUsage
				st  string
				inv sql.NullString
			)
			if err := rows.Scan(&r.ID, &r.RebateID, periodColumn{&r.Period}, &r.Amount, &st, &inv, &r.CreatedAt); err != nil {
				return err
			}
			base(&r.Instrument, &st, &inv)
			snap.Rebates = append(snap.Rebates, r)
			return nil
		}); err != nil {
		return err
	}

	if err := each(`SELECT id, schedule_ref, installment_no, period, amount, status, invoice_id, created_at
		FROM staggered_installments
		WHERE account_id = $1 AND status = 'Unused' ORDER BY created_at, id`,
		func(rows *sql.Rows) error {
			var (
				si  billing.StaggeredInstallment
				st  string
				inv sql.NullString
			)
			if err := rows.Scan(&si.ID, &si.ScheduleRef, &si.InstallmentNo, periodColumn{&si.Period},
				&si.Amount, &st, &inv, &si.CreatedAt); err != nil {
				return err
			}
			base(&si.Instrument, &st, &inv)
			snap.Staggered = append(snap.Staggered, si)
			return nil
		}); err != nil {
		return err
	}

	if err := each(`SELECT id, period, amount, description, status, invoice_id, created_at FROM service_charges
		WHERE account_id = $1 AND status = 'Unused' ORDER BY created_at, id`,
		func(rows *sql.Rows) error {
			var (
				sc  billing.ServiceCharge
				st  string
				inv sql.NullString
			)
			if err := rows.Scan(&sc.ID, periodColumn{&sc.Period}, &sc.Amount, &sc.Description, &st, &inv, &sc.CreatedAt); err != nil {
				return err
			}
			base(&sc.Instrument, &st, &inv)
			snap.ServiceCharges = append(snap.ServiceCharges, sc)
			return nil
		}); err != nil {
		return err
	}

	return each(`SELECT id, period, amount, applied_amount, status, invoice_id, created_at FROM advance_payments
		WHERE account_id = $1 AND status = 'Unused' ORDER BY created_at, id`,
		func(rows *sql.Rows) error {
			var (
				a   billing.AdvancePayment
				st  string
				inv sql.NullString
			)
			if err := rows.Scan(&a.ID, periodColumn{&a.Period}, &a.Amount, &a.AppliedAmount, &st, &inv, &a.CreatedAt); err != nil {
				return err
			}
			base(&a.Instrument, &st, &inv)
			snap.Advances = append(snap.Advances, a)
			return nil
		})
}

// billingTx is one account transaction on the primary
type billingTx struct {
	tx *sql.Tx
}

// LockAccount takes the account row lock with SELECT ... FOR UPDATE
func (t *billingTx) LockAccount(ctx context.Context, accountID string) (*billing.Account, error) {
	a, err := scanAccount(t.tx.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1 FOR UPDATE`, accountID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: account %s", billing.ErrNotFound, accountID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock account %s: %w", accountID, err)
	}
	return a, nil
}

// GetInvoice reads the invoice and holds its row lock until the transaction ends
func (t *billingTx) GetInvoice(ctx context.Context, invoiceID string) (*billing.Invoice, error) {
	inv, err := scanInvoice(t.tx.QueryRowContext(ctx,
		`SELECT `+invoiceColumns+` FROM invoices WHERE id = $1 FOR UPDATE`, invoiceID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: invoice %s", billing.ErrNotFound, invoiceID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get invoice %s: %w", invoiceID, err)
	}
	return inv, nil
}

func (t *billingTx) UpdateInvoicePayment(ctx context.Context, invoiceID string, received decimal.Decimal, status billing.InvoiceStatus) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE invoices SET received_payment = $2, status = $3 WHERE id = $1`,
		invoiceID, received, string(status))
	if err != nil {
		return fmt.Errorf("failed to update invoice %s: %w", invoiceID, err)
	}
	return expectOne(res, fmt.Errorf("%w: invoice %s", billing.ErrNotFound, invoiceID))
}

func (t *billingTx) UpdateBalance(ctx context.Context, accountID string, balance decimal.Decimal, at time.Time) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE accounts SET balance = $2, balance_updated_at = $3 WHERE id = $1`,
		accountID, balance, at)
	if err != nil {
		return fmt.Errorf("failed to update balance of %s: %w", accountID, err)
	}
	return expectOne(res, fmt.Errorf("%w: account %s", billing.ErrNotFound, accountID))
}

func (t *billingTx) LoadSnapshot(ctx context.Context, accountID string, period billing.Period) (*billing.Snapshot, error) {
	return loadSnapshot(ctx, t.tx, accountID, period)
}

// InsertInvoice maps the (account_id, period) unique violation to ErrAlreadyInvoiced
func (t *billingTx) InsertInvoice(ctx context.Context, inv *billing.Invoice) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO invoices (`+invoiceColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)`,
		inv.ID, inv.InvoiceNumber, inv.AccountID, inv.Period.String(),
		inv.PeriodStart, inv.PeriodEnd, inv.DueDate,
		inv.PeriodCharges, inv.DiscountApplied, inv.RebateApplied, inv.StaggeredApplied,
		inv.ServiceCharges, inv.AdvanceApplied, inv.CarriedForward, inv.Subtotal, inv.VAT,
		inv.TotalAmountDue, inv.ReceivedPayment, string(inv.Status), inv.RunID, inv.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation && pqErr.Constraint == "invoices_account_id_period_key" {
			return billing.ErrAlreadyInvoiced
		}
		return fmt.Errorf("failed to insert invoice %s: %w", inv.ID, err)
	}
	return nil
}

func (t *billingTx) InsertStatement(ctx context.Context, st *billing.Statement) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO statements (`+statementColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		st.ID, st.InvoiceID, st.AccountID, st.Period.String(), st.PreviousBalance,
		st.PaymentReceived, st.RemainingBalance, st.CurrentCharges, st.TotalAmountDue, st.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert statement %s: %w", st.ID, err)
	}
	return nil
}

// ConsumeInstrument runs the guarded Unused to Used update. Zero affected
// rows means another run consumed it first.
func (t *billingTx) ConsumeInstrument(ctx context.Context, c billing.Consumption, invoiceID string, at time.Time) error {
	table, ok := instrumentTables[c.Kind]
	if !ok {
		return fmt.Errorf("unknown instrument kind %q", c.Kind)
	}

	var (
		res sql.Result
		err error
	)
	if c.Kind == billing.InstrumentAdvance {
		res, err = t.tx.ExecContext(ctx,
			`UPDATE advance_payments SET status = 'Used', invoice_id = $2, used_at = $3, applied_amount = $4
			 WHERE id = $1 AND status = 'Unused'`, c.InstrumentID, invoiceID, at, c.Applied)
	} else {
		res, err = t.tx.ExecContext(ctx,
			`UPDATE `+table+` SET status = 'Used', invoice_id = $2, used_at = $3
			 WHERE id = $1 AND status = 'Unused'`, c.InstrumentID, invoiceID, at)
	}
	if err != nil {
		return fmt.Errorf("failed to consume %s %s: %w", c.Kind, c.InstrumentID, err)
	}
	return expectOne(res, billing.ErrInstrumentConsumed)
}
