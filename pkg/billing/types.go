package billing

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// AccountStatus represents the lifecycle status of a billing account
type AccountStatus string

const (
	AccountStatusActive    AccountStatus = "active"
	AccountStatusInactive  AccountStatus = "inactive"
	AccountStatusSuspended AccountStatus = "suspended"
)

// Valid reports whether s is a known status
func (s AccountStatus) Valid() bool {
	switch s {
	case AccountStatusActive, AccountStatusInactive, AccountStatusSuspended:
		return true
	}
	return false
}

// Account is a subscriber billing account. BillingDay 0 means the last day of the month.
type Account struct {
	ID               string          `json:"id"`
	Name             string          `json:"name"`
	Email            string          `json:"email"`
	BillingDay       int             `json:"billing_day"`
	PlanName         string          `json:"plan_name"`
	MonthlyFee       decimal.Decimal `json:"monthly_fee"`
	Balance          decimal.Decimal `json:"balance"`
	BalanceUpdatedAt *time.Time      `json:"balance_updated_at,omitempty"`
	Status           AccountStatus   `json:"status"`
}

// Period is a billing month
type Period struct {
	Year  int
	Month time.Month
}

// PeriodOf returns the period containing t
func PeriodOf(t time.Time) Period {
	return Period{Year: t.Year(), Month: t.Month()}
}

// ParsePeriod parses a YYYY-MM period
func ParsePeriod(s string) (Period, error) {
	t, err := time.Parse("2006-01", s)
	if err != nil {
		return Period{}, fmt.Errorf("invalid period %q: %w", s, err)
	}
	return PeriodOf(t), nil
}

// String formats the period as YYYY-MM
func (p Period) String() string {
	return fmt.Sprintf("%04d-%02d", p.Year, int(p.Month))
}

// Compact formats the period as YYYYMM for document numbers
func (p Period) Compact() string {
	return fmt.Sprintf("%04d%02d", p.Year, int(p.Month))
}

// After reports whether p is later than o
func (p Period) After(o Period) bool {
	if p.Year != o.Year {
		return p.Year > o.Year
	}
	return p.Month > o.Month
}

// MarshalText implements encoding.TextMarshaler
func (p Period) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (p *Period) UnmarshalText(text []byte) error {
	parsed, err := ParsePeriod(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// InvoiceStatus is the payment status of an invoice
type InvoiceStatus string

const (
	InvoiceStatusUnpaid  InvoiceStatus = "Unpaid"
	InvoiceStatusPartial InvoiceStatus = "Partial"
	InvoiceStatusPaid    InvoiceStatus = "Paid"
)

// Valid reports whether s is a known status
func (s InvoiceStatus) Valid() bool {
	switch s {
	case InvoiceStatusUnpaid, InvoiceStatusPartial, InvoiceStatusPaid:
		return true
	}
	return false
}

// Invoice is the billed amount for one account and period
type Invoice struct {
	ID               string          `json:"id"`
	InvoiceNumber    string          `json:"invoice_number"`
	AccountID        string          `json:"account_id"`
	Period           Period          `json:"period"`
	PeriodStart      time.Time       `json:"period_start"`
	PeriodEnd        time.Time       `json:"period_end"`
	DueDate          time.Time       `json:"due_date"`
	PeriodCharges    decimal.Decimal `json:"period_charges"`
	DiscountApplied  decimal.Decimal `json:"discount_applied"`
	RebateApplied    decimal.Decimal `json:"rebate_applied"`
	StaggeredApplied decimal.Decimal `json:"staggered_applied"`
	ServiceCharges   decimal.Decimal `json:"service_charges"`
	AdvanceApplied   decimal.Decimal `json:"advance_applied"`
	CarriedForward   decimal.Decimal `json:"carried_forward"`
	Subtotal         decimal.Decimal `json:"subtotal"`
	VAT              decimal.Decimal `json:"vat"`
	TotalAmountDue   decimal.Decimal `json:"total_amount_due"`
	ReceivedPayment  decimal.Decimal `json:"received_payment"`
	Status           InvoiceStatus   `json:"status"`
	RunID            string          `json:"run_id,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

// Outstanding returns the unpaid part of the invoice
func (i *Invoice) Outstanding() decimal.Decimal {
	return i.TotalAmountDue.Sub(i.ReceivedPayment)
}

// Statement is the statement of account paired with each invoice
type Statement struct {
	ID               string          `json:"id"`
	InvoiceID        string          `json:"invoice_id"`
	AccountID        string          `json:"account_id"`
	Period           Period          `json:"period"`
	PreviousBalance  decimal.Decimal `json:"previous_balance"`
	PaymentReceived  decimal.Decimal `json:"payment_received"`
	RemainingBalance decimal.Decimal `json:"remaining_balance"`
	CurrentCharges   decimal.Decimal `json:"current_charges"`
	TotalAmountDue   decimal.Decimal `json:"total_amount_due"`
	CreatedAt        time.Time       `json:"created_at"`
}

// InstrumentKind identifies a financial instrument table
type InstrumentKind string

const (
	InstrumentDiscount      InstrumentKind = "discount"
	InstrumentRebate        InstrumentKind = "rebate"
	InstrumentStaggered     InstrumentKind = "staggered"
	InstrumentServiceCharge InstrumentKind = "service_charge"
	InstrumentAdvance       InstrumentKind = "advance_payment"
)

// Valid reports whether k is a known kind
func (k InstrumentKind) Valid() bool {
	switch k {
	case InstrumentDiscount, InstrumentRebate, InstrumentStaggered, InstrumentServiceCharge, InstrumentAdvance:
		return true
	}
	return false
}

// InstrumentStatus moves one way from Unused to Used
type InstrumentStatus string

const (
	InstrumentUnused InstrumentStatus = "Unused"
	InstrumentUsed   InstrumentStatus = "Used"
)

// Instrument is the state shared by every consumable instrument
type Instrument struct {
	ID        string           `json:"id"`
	AccountID string           `json:"account_id"`
	Amount    decimal.Decimal  `json:"amount"`
	Status    InstrumentStatus `json:"status"`
	InvoiceID string           `json:"invoice_id,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}

// Unused reports whether the instrument can still be applied
func (i Instrument) Unused() bool {
	return i.Status == InstrumentUnused
}

// Discount is a one-off credit applied in full to the next invoice
type Discount struct {
	Instrument
}

// MassRebate is an outage rebate issued to many accounts for a period
type MassRebate struct {
	ID     string          `json:"id"`
	Period Period          `json:"period"`
	Amount decimal.Decimal `json:"amount"`
	Reason string          `json:"reason"`
}

// RebateUsage is one account's share of a MassRebate
type RebateUsage struct {
	Instrument
	RebateID string `json:"rebate_id"`
	Period   Period `json:"period"`
}

// StaggeredInstallment is one monthly due of an installation fee schedule
type StaggeredInstallment struct {
	Instrument
	ScheduleRef   string `json:"schedule_ref"`
	InstallmentNo int    `json:"installment_no"`
	Period        Period `json:"period"`
}

// ServiceCharge is a one-off charge logged against a period
type ServiceCharge struct {
	Instrument
	Period      Period `json:"period"`
	Description string `json:"description"`
}

// AdvancePayment is a prepayment earmarked for a period. AppliedAmount is
// recorded when consumed and may be less than Amount.
type AdvancePayment struct {
	Instrument
	Period        Period          `json:"period"`
	AppliedAmount decimal.Decimal `json:"applied_amount"`
}

// RunMode selects between projection and commit
type RunMode string

const (
	RunModePreview  RunMode = "preview"
	RunModeGenerate RunMode = "generate"
)

// Valid reports whether m is a known mode
func (m RunMode) Valid() bool {
	return m == RunModePreview || m == RunModeGenerate
}

// GenerationRun is the audit row of one scheduler run
type GenerationRun struct {
	ID         string    `json:"id"`
	RunDate    time.Time `json:"run_date"`
	Operator   string    `json:"operator"`
	Mode       RunMode   `json:"mode"`
	Selected   int       `json:"selected"`
	Generated  int       `json:"generated"`
	Skipped    int       `json:"skipped"`
	Failed     int       `json:"failed"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Snapshot is everything the allocator needs for one account and period,
// loaded once and never mutated. Instrument slices hold candidates; the
// allocator filters Unused ones and orders them oldest first.
type Snapshot struct {
	Account           Account
	Period            Period
	PreviousStatement *Statement
	PreviousInvoice   *Invoice
	AlreadyInvoiced   bool

	Discounts      []Discount
	Rebates        []RebateUsage
	Staggered      []StaggeredInstallment
	ServiceCharges []ServiceCharge
	Advances       []AdvancePayment
}
