package billing

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// StepKind names one line of an allocation
type StepKind string

const (
	StepCarryForward  StepKind = "carry_forward"
	StepMonthlyFee    StepKind = "monthly_fee"
	StepStaggered     StepKind = "staggered_installment"
	StepDiscount      StepKind = "discount"
	StepRebate        StepKind = "rebate"
	StepServiceCharge StepKind = "service_charge"
	StepAdvance       StepKind = "advance_payment"
	StepVAT           StepKind = "vat"
)

// AllocationStep is one signed movement of the running remainder
type AllocationStep struct {
	Kind         StepKind        `json:"kind"`
	InstrumentID string          `json:"instrument_id,omitempty"`
	Description  string          `json:"description"`
	Amount       decimal.Decimal `json:"amount"`
	Running      decimal.Decimal `json:"running"`
}

// Consumption is an instrument the plan flips from Unused to Used.
// Applied is the amount that reached the invoice; Unapplied is only
// non-zero for advance payments capped by the remainder.
type Consumption struct {
	Kind         InstrumentKind  `json:"kind"`
	InstrumentID string          `json:"instrument_id"`
	Applied      decimal.Decimal `json:"applied"`
	Unapplied    decimal.Decimal `json:"unapplied"`
}

// AllocationPlan is the computed invoice for a snapshot before anything is written
type AllocationPlan struct {
	AccountID string `json:"account_id"`
	Period    Period `json:"period"`

	CarriedForward   decimal.Decimal `json:"carried_forward"`
	PaymentReceived  decimal.Decimal `json:"payment_received"`
	PreviousBalance  decimal.Decimal `json:"previous_balance"`
	PeriodCharges    decimal.Decimal `json:"period_charges"`
	StaggeredApplied decimal.Decimal `json:"staggered_applied"`
	DiscountApplied  decimal.Decimal `json:"discount_applied"`
	RebateApplied    decimal.Decimal `json:"rebate_applied"`
	ServiceCharges   decimal.Decimal `json:"service_charges"`
	AdvanceApplied   decimal.Decimal `json:"advance_applied"`
	AdvanceUnapplied decimal.Decimal `json:"advance_unapplied"`
	Subtotal         decimal.Decimal `json:"subtotal"`
	VAT              decimal.Decimal `json:"vat"`
	TotalAmountDue   decimal.Decimal `json:"total_amount_due"`

	Steps        []AllocationStep `json:"steps"`
	Consumptions []Consumption    `json:"consumptions"`
}

// CurrentCharges is the newly billed amount, excluding the carried balance
func (p *AllocationPlan) CurrentCharges() decimal.Decimal {
	return p.TotalAmountDue.Sub(p.CarriedForward)
}

// Verify checks that the steps sum to the total and the running column agrees
func (p *AllocationPlan) Verify() error {
	running := decimal.Zero
	for i, step := range p.Steps {
		running = running.Add(step.Amount)
		if !running.Equal(step.Running) {
			return fmt.Errorf("%w: step %d (%s) running %s, expected %s", ErrConservation, i, step.Kind, step.Running, running)
		}
	}
	if !running.Equal(p.TotalAmountDue) {
		return fmt.Errorf("%w: steps sum to %s, total is %s", ErrConservation, running, p.TotalAmountDue)
	}
	if !p.Subtotal.Add(p.VAT).Equal(p.TotalAmountDue) {
		return fmt.Errorf("%w: subtotal %s + VAT %s != total %s", ErrConservation, p.Subtotal, p.VAT, p.TotalAmountDue)
	}
	return nil
}

// Options parameterize allocation
type Options struct {
	VATRate decimal.Decimal
}

// DefaultOptions returns the standard 12% VAT allocation
func DefaultOptions() Options {
	return Options{VATRate: DefaultVATRate}
}

type planBuilder struct {
	plan    *AllocationPlan
	running decimal.Decimal
}

func (b *planBuilder) step(kind StepKind, instrumentID, description string, amount decimal.Decimal) {
	amount = Round(amount)
	b.running = b.running.Add(amount)
	b.plan.Steps = append(b.plan.Steps, AllocationStep{
		Kind:         kind,
		InstrumentID: instrumentID,
		Description:  description,
		Amount:       amount,
		Running:      b.running,
	})
}

func (b *planBuilder) consume(kind InstrumentKind, id string, applied, unapplied decimal.Decimal) {
	b.plan.Consumptions = append(b.plan.Consumptions, Consumption{
		Kind:         kind,
		InstrumentID: id,
		Applied:      Round(applied),
		Unapplied:    Round(unapplied),
	})
}

// Allocate applies the fixed precedence to a snapshot:
//
//  1. carry forward the previous statement's remaining balance
//  2. add the plan monthly fee
//  3. add staggered installments due this period
//  4. subtract the oldest unused discount
//  5. subtract the oldest unused rebate for this or an earlier period
//  6. add service charges logged for this period
//  7. subtract advance payments earmarked for this period, never below zero
//  8. VAT on a positive subtotal
//  9. total = subtotal + VAT
//
// Allocate is pure; the snapshot is not modified.
func Allocate(s *Snapshot, opts Options) (*AllocationPlan, error) {
	if s.AlreadyInvoiced {
		return nil, ErrAlreadyInvoiced
	}
	if err := validateSnapshot(s); err != nil {
		return nil, err
	}

	b := &planBuilder{plan: &AllocationPlan{
		AccountID: s.Account.ID,
		Period:    s.Period,
	}}
	p := b.plan

	// 1
	p.PreviousBalance, p.PaymentReceived, p.CarriedForward = carryForward(s)
	b.step(StepCarryForward, "", "Balance carried forward", p.CarriedForward)

	// 2
	p.PeriodCharges = Round(s.Account.MonthlyFee)
	b.step(StepMonthlyFee, "", fmt.Sprintf("%s monthly fee", s.Account.PlanName), p.PeriodCharges)

	// 3
	p.StaggeredApplied = decimal.Zero
	for _, inst := range sortedStaggered(s) {
		b.step(StepStaggered, inst.ID, fmt.Sprintf("Installation installment %d (%s)", inst.InstallmentNo, inst.ScheduleRef), inst.Amount)
		b.consume(InstrumentStaggered, inst.ID, inst.Amount, decimal.Zero)
		p.StaggeredApplied = p.StaggeredApplied.Add(Round(inst.Amount))
	}

	// 4
	p.DiscountApplied = decimal.Zero
	if d, ok := oldestDiscount(s); ok {
		b.step(StepDiscount, d.ID, "Discount", d.Amount.Neg())
		b.consume(InstrumentDiscount, d.ID, d.Amount, decimal.Zero)
		p.DiscountApplied = Round(d.Amount)
	}

	// 5
	p.RebateApplied = decimal.Zero
	if r, ok := oldestRebate(s); ok {
		b.step(StepRebate, r.ID, fmt.Sprintf("Rebate for %s", r.Period), r.Amount.Neg())
		b.consume(InstrumentRebate, r.ID, r.Amount, decimal.Zero)
		p.RebateApplied = Round(r.Amount)
	}

	// 6
	p.ServiceCharges = decimal.Zero
	for _, sc := range sortedServiceCharges(s) {
		b.step(StepServiceCharge, sc.ID, sc.Description, sc.Amount)
		b.consume(InstrumentServiceCharge, sc.ID, sc.Amount, decimal.Zero)
		p.ServiceCharges = p.ServiceCharges.Add(Round(sc.Amount))
	}

	// 7
	p.AdvanceApplied = decimal.Zero
	p.AdvanceUnapplied = decimal.Zero
	for _, adv := range sortedAdvances(s) {
		amount := Round(adv.Amount)
		applied := decimal.Min(amount, decimal.Max(b.running, decimal.Zero))
		unapplied := amount.Sub(applied)
		b.step(StepAdvance, adv.ID, fmt.Sprintf("Advance payment for %s", adv.Period), applied.Neg())
		b.consume(InstrumentAdvance, adv.ID, applied, unapplied)
		p.AdvanceApplied = p.AdvanceApplied.Add(applied)
		p.AdvanceUnapplied = p.AdvanceUnapplied.Add(unapplied)
	}

	// 8
	p.Subtotal = b.running
	p.VAT = VAT(p.Subtotal, opts.VATRate)
	if !p.VAT.IsZero() {
		b.step(StepVAT, "", fmt.Sprintf("VAT %s%%", opts.VATRate.Shift(2).String()), p.VAT)
	}

	// 9
	p.TotalAmountDue = p.Subtotal.Add(p.VAT)

	if err := p.Verify(); err != nil {
		return nil, err
	}
	return p, nil
}

// carryForward returns the previous statement total, the payments received
// since that statement, and the remainder carried into this period. The
// remainder is the ledger balance, so payments booked against any earlier
// invoice count. Accounts without a statement carry their opening balance.
func carryForward(s *Snapshot) (previous, received, carried decimal.Decimal) {
	carried = Round(s.Account.Balance)
	if s.PreviousStatement == nil {
		return carried, decimal.Zero, carried
	}
	previous = Round(s.PreviousStatement.TotalAmountDue)
	return previous, previous.Sub(carried), carried
}

func validateSnapshot(s *Snapshot) error {
	check := func(kind InstrumentKind, id string, amount decimal.Decimal) error {
		if amount.IsNegative() {
			return fmt.Errorf("%w: %s %s has amount %s", ErrInvalidAmount, kind, id, amount)
		}
		return nil
	}
	if s.Account.MonthlyFee.IsNegative() {
		return fmt.Errorf("%w: monthly fee %s", ErrInvalidAmount, s.Account.MonthlyFee)
	}
	for _, d := range s.Discounts {
		if err := check(InstrumentDiscount, d.ID, d.Amount); err != nil {
			return err
		}
	}
	for _, r := range s.Rebates {
		if err := check(InstrumentRebate, r.ID, r.Amount); err != nil {
			return err
		}
	}
	for _, st := range s.Staggered {
		if err := check(InstrumentStaggered, st.ID, st.Amount); err != nil {
			return err
		}
	}
	for _, sc := range s.ServiceCharges {
		if err := check(InstrumentServiceCharge, sc.ID, sc.Amount); err != nil {
			return err
		}
	}
	for _, a := range s.Advances {
		if err := check(InstrumentAdvance, a.ID, a.Amount); err != nil {
			return err
		}
	}
	return nil
}

func olderFirst(a, b Instrument) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func oldestDiscount(s *Snapshot) (Discount, bool) {
	var (
		best  Discount
		found bool
	)
	for _, d := range s.Discounts {
		if !d.Unused() {
			continue
		}
		if !found || olderFirst(d.Instrument, best.Instrument) {
			best, found = d, true
		}
	}
	return best, found
}

func oldestRebate(s *Snapshot) (RebateUsage, bool) {
	var (
		best  RebateUsage
		found bool
	)
	for _, r := range s.Rebates {
		if !r.Unused() || r.Period.After(s.Period) {
			continue
		}
		if !found || olderFirst(r.Instrument, best.Instrument) {
			best, found = r, true
		}
	}
	return best, found
}

func sortedStaggered(s *Snapshot) []StaggeredInstallment {
	var out []StaggeredInstallment
	for _, st := range s.Staggered {
		if st.Unused() && st.Period == s.Period {
			out = append(out, st)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].ScheduleRef != out[j].ScheduleRef {
			return out[i].ScheduleRef < out[j].ScheduleRef
		}
		return out[i].InstallmentNo < out[j].InstallmentNo
	})
	return out
}

func sortedServiceCharges(s *Snapshot) []ServiceCharge {
	var out []ServiceCharge
	for _, sc := range s.ServiceCharges {
		if sc.Unused() && sc.Period == s.Period {
			out = append(out, sc)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return olderFirst(out[i].Instrument, out[j].Instrument) })
	return out
}

func sortedAdvances(s *Snapshot) []AdvancePayment {
	var out []AdvancePayment
	for _, a := range s.Advances {
		if a.Unused() && a.Period == s.Period {
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return olderFirst(out[i].Instrument, out[j].Instrument) })
	return out
}
