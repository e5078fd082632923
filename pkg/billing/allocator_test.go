package billing

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func assertDec(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...interface{}) {
	t.Helper()
	assert.True(t, dec(want).Equal(got), append([]interface{}{"want %s, got %s", want, got.String()}, msgAndArgs...)...)
}

var october = Period{Year: 2026, Month: time.October}

func baseSnapshot() *Snapshot {
	return &Snapshot{
		Account: Account{
			ID:         "ACC-1001",
			Name:       "Juan Dela Cruz",
			BillingDay: 15,
			PlanName:   "Fiber 100",
			MonthlyFee: dec("999"),
			Balance:    dec("500"),
			Status:     AccountStatusActive,
		},
		Period: october,
	}
}

func instrument(id string, amount string, created time.Time) Instrument {
	return Instrument{ID: id, AccountID: "ACC-1001", Amount: dec(amount), Status: InstrumentUnused, CreatedAt: created}
}

func TestAllocate_ExampleScenario(t *testing.T) {
	snap := baseSnapshot()
	snap.Discounts = []Discount{{Instrument: instrument("D-1", "100", time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC))}}

	plan, err := Allocate(snap, DefaultOptions())
	require.NoError(t, err)

	assertDec(t, "500", plan.CarriedForward)
	assertDec(t, "999", plan.PeriodCharges)
	assertDec(t, "100", plan.DiscountApplied)
	assertDec(t, "1399", plan.Subtotal)
	assertDec(t, "167.88", plan.VAT)
	assertDec(t, "1566.88", plan.TotalAmountDue)
	assertDec(t, "1066.88", plan.CurrentCharges())

	require.Len(t, plan.Consumptions, 1)
	assert.Equal(t, InstrumentDiscount, plan.Consumptions[0].Kind)
	assert.Equal(t, "D-1", plan.Consumptions[0].InstrumentID)

	kinds := make([]StepKind, 0, len(plan.Steps))
	for _, s := range plan.Steps {
		kinds = append(kinds, s.Kind)
	}
	assert.Equal(t, []StepKind{StepCarryForward, StepMonthlyFee, StepDiscount, StepVAT}, kinds)
	assert.NoError(t, plan.Verify())
}

func TestAllocate_PrecedenceOrder(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	snap := baseSnapshot()
	snap.Account.Balance = decimal.Zero
	snap.Staggered = []StaggeredInstallment{
		{Instrument: instrument("S-2", "250", t0), ScheduleRef: "INST-1", InstallmentNo: 2, Period: october},
		{Instrument: instrument("S-3", "250", t0), ScheduleRef: "INST-1", InstallmentNo: 3, Period: Period{2026, time.November}},
	}
	snap.Discounts = []Discount{{Instrument: instrument("D-1", "50", t0)}}
	snap.Rebates = []RebateUsage{{Instrument: instrument("R-1", "33.33", t0), RebateID: "MR-1", Period: Period{2026, time.September}}}
	snap.ServiceCharges = []ServiceCharge{
		{Instrument: instrument("SC-1", "150", t0), Period: october, Description: "Router replacement"},
		{Instrument: instrument("SC-0", "75", t0), Period: Period{2026, time.August}, Description: "Old"},
	}
	snap.Advances = []AdvancePayment{{Instrument: instrument("A-1", "200", t0), Period: october}}

	plan, err := Allocate(snap, DefaultOptions())
	require.NoError(t, err)

	var kinds []StepKind
	for _, s := range plan.Steps {
		kinds = append(kinds, s.Kind)
	}
	assert.Equal(t, []StepKind{
		StepCarryForward, StepMonthlyFee, StepStaggered, StepDiscount,
		StepRebate, StepServiceCharge, StepAdvance, StepVAT,
	}, kinds)

	// 0 + 999 + 250 - 50 - 33.33 + 150 - 200 = 1115.67
	assertDec(t, "1115.67", plan.Subtotal)
	assertDec(t, "133.88", plan.VAT)
	assertDec(t, "1249.55", plan.TotalAmountDue)
	assertDec(t, "250", plan.StaggeredApplied)
	assertDec(t, "150", plan.ServiceCharges)
	assertDec(t, "200", plan.AdvanceApplied)
	assert.Len(t, plan.Consumptions, 5)
}

func TestAllocate_OnlyOldestDiscountAndRebate(t *testing.T) {
	snap := baseSnapshot()
	snap.Discounts = []Discount{
		{Instrument: instrument("D-new", "300", time.Date(2026, 9, 10, 0, 0, 0, 0, time.UTC))},
		{Instrument: instrument("D-old", "100", time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC))},
		{Instrument: Instrument{ID: "D-used", Amount: dec("999"), Status: InstrumentUsed}},
	}
	snap.Rebates = []RebateUsage{
		{Instrument: instrument("R-future", "10", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)), Period: Period{2026, time.December}},
		{Instrument: instrument("R-now", "20", time.Date(2026, 10, 2, 0, 0, 0, 0, time.UTC)), Period: october},
	}

	plan, err := Allocate(snap, DefaultOptions())
	require.NoError(t, err)

	assertDec(t, "100", plan.DiscountApplied)
	assertDec(t, "20", plan.RebateApplied)
	ids := []string{plan.Consumptions[0].InstrumentID, plan.Consumptions[1].InstrumentID}
	assert.Equal(t, []string{"D-old", "R-now"}, ids)
}

func TestAllocate_AdvanceCappedAtRemainder(t *testing.T) {
	snap := baseSnapshot()
	snap.Account.Balance = decimal.Zero
	snap.Account.MonthlyFee = dec("999")
	snap.Advances = []AdvancePayment{
		{Instrument: instrument("A-1", "800", time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)), Period: october},
		{Instrument: instrument("A-2", "500", time.Date(2026, 9, 2, 0, 0, 0, 0, time.UTC)), Period: october},
	}

	plan, err := Allocate(snap, DefaultOptions())
	require.NoError(t, err)

	assertDec(t, "999", plan.AdvanceApplied)
	assertDec(t, "301", plan.AdvanceUnapplied)
	assertDec(t, "0", plan.Subtotal)
	assertDec(t, "0", plan.VAT)
	assertDec(t, "0", plan.TotalAmountDue)

	require.Len(t, plan.Consumptions, 2)
	assertDec(t, "800", plan.Consumptions[0].Applied)
	assertDec(t, "199", plan.Consumptions[1].Applied)
	assertDec(t, "301", plan.Consumptions[1].Unapplied)
}

func TestAllocate_CreditSubtotalBearsNoVAT(t *testing.T) {
	snap := baseSnapshot()
	snap.Account.Balance = dec("-1200")
	snap.Discounts = []Discount{{Instrument: instrument("D-1", "100", time.Now())}}

	plan, err := Allocate(snap, DefaultOptions())
	require.NoError(t, err)

	assertDec(t, "-301", plan.Subtotal)
	assertDec(t, "0", plan.VAT)
	assertDec(t, "-301", plan.TotalAmountDue)
	assert.NoError(t, plan.Verify())
}

func TestAllocate_CarryForwardFromPreviousStatement(t *testing.T) {
	snap := baseSnapshot()
	snap.Account.Balance = dec("566.88")
	snap.PreviousStatement = &Statement{TotalAmountDue: dec("1566.88")}
	snap.PreviousInvoice = &Invoice{TotalAmountDue: dec("1566.88"), ReceivedPayment: dec("1000")}

	plan, err := Allocate(snap, DefaultOptions())
	require.NoError(t, err)

	assertDec(t, "1566.88", plan.PreviousBalance)
	assertDec(t, "1000", plan.PaymentReceived)
	assertDec(t, "566.88", plan.CarriedForward)
	// (566.88 + 999) * 1.12 = 1753.7856 -> 1753.79
	assertDec(t, "1753.79", plan.TotalAmountDue)
}

func TestAllocate_CarryForwardCountsPaymentsOnOlderInvoices(t *testing.T) {
	// 1000 was paid against an invoice older than the previous one; only the
	// ledger balance reflects it
	snap := baseSnapshot()
	snap.Account.Balance = dec("566.88")
	snap.PreviousStatement = &Statement{TotalAmountDue: dec("1566.88")}
	snap.PreviousInvoice = &Invoice{TotalAmountDue: dec("1566.88")}

	plan, err := Allocate(snap, DefaultOptions())
	require.NoError(t, err)

	assertDec(t, "1000", plan.PaymentReceived)
	assertDec(t, "566.88", plan.CarriedForward)
	assertDec(t, "1753.79", plan.TotalAmountDue)
	assert.NoError(t, plan.Verify())
}

func TestAllocate_VATRounding(t *testing.T) {
	snap := baseSnapshot()
	snap.Account.Balance = decimal.Zero
	snap.Account.MonthlyFee = dec("1.125")

	plan, err := Allocate(snap, Options{VATRate: dec("0.12")})
	require.NoError(t, err)

	assertDec(t, "1.13", plan.PeriodCharges, "fee rounds half up")
	assertDec(t, "0.14", plan.VAT)
	assertDec(t, "1.27", plan.TotalAmountDue)
}

func TestAllocate_AlreadyInvoiced(t *testing.T) {
	snap := baseSnapshot()
	snap.AlreadyInvoiced = true

	_, err := Allocate(snap, DefaultOptions())
	assert.ErrorIs(t, err, ErrAlreadyInvoiced)
}

func TestAllocate_RejectsNegativeInstrument(t *testing.T) {
	snap := baseSnapshot()
	snap.Discounts = []Discount{{Instrument: instrument("D-1", "-5", time.Now())}}

	_, err := Allocate(snap, DefaultOptions())
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestAllocate_DoesNotMutateSnapshot(t *testing.T) {
	snap := baseSnapshot()
	snap.Discounts = []Discount{{Instrument: instrument("D-1", "100", time.Now())}}

	_, err := Allocate(snap, DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, InstrumentUnused, snap.Discounts[0].Status)
	assertDec(t, "500", snap.Account.Balance)
}

func TestAllocationPlan_VerifyDetectsTampering(t *testing.T) {
	plan, err := Allocate(baseSnapshot(), DefaultOptions())
	require.NoError(t, err)
	require.NoError(t, plan.Verify())

	plan.TotalAmountDue = plan.TotalAmountDue.Add(dec("0.01"))
	assert.ErrorIs(t, plan.Verify(), ErrConservation)

	plan, _ = Allocate(baseSnapshot(), DefaultOptions())
	plan.Steps[1].Amount = dec("1")
	assert.ErrorIs(t, plan.Verify(), ErrConservation)
}

func TestAllocate_Conservation(t *testing.T) {
	// Conservation must hold across a grid of instrument mixes
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	balances := []string{"0", "500", "-2000", "0.005"}
	discounts := []string{"", "100", "5000"}
	advances := []string{"", "10.10", "99999"}

	for _, bal := range balances {
		for _, disc := range discounts {
			for _, adv := range advances {
				snap := baseSnapshot()
				snap.Account.Balance = dec(bal)
				if disc != "" {
					snap.Discounts = []Discount{{Instrument: instrument("D", disc, t0)}}
				}
				if adv != "" {
					snap.Advances = []AdvancePayment{{Instrument: instrument("A", adv, t0), Period: october}}
				}
				plan, err := Allocate(snap, DefaultOptions())
				require.NoError(t, err)
				require.NoError(t, plan.Verify(), "balance=%s discount=%s advance=%s", bal, disc, adv)
				assert.False(t, plan.AdvanceApplied.IsNegative())
			}
		}
	}
}
