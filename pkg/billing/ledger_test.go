package billing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tollgate/pkg/clock"
)

func TestLedger_ApplyInvoice(t *testing.T) {
	account := Account{ID: "ACC-1", Balance: dec("500")}
	tx := newFakeTx(account)
	ledger := NewLedger(clock.NewMock(runDate))

	inv := &Invoice{TotalAmountDue: dec("1566.88"), CarriedForward: dec("500")}
	balance, err := ledger.ApplyInvoice(context.Background(), tx, &account, inv)
	require.NoError(t, err)

	assertDec(t, "1566.88", balance)
	assertDec(t, "1566.88", tx.balances["ACC-1"])
	require.NotNil(t, account.BalanceUpdatedAt)
	assert.Equal(t, runDate, *account.BalanceUpdatedAt)
}

func TestLedger_ApplyPayment(t *testing.T) {
	account := Account{ID: "ACC-1", Balance: dec("1566.88")}
	tx := newFakeTx(account)
	tx.invoices["INV-1"] = &Invoice{ID: "INV-1", AccountID: "ACC-1", TotalAmountDue: dec("1566.88"), Status: InvoiceStatusUnpaid}
	ledger := NewLedger(clock.NewMock(runDate))

	inv, err := ledger.ApplyPayment(context.Background(), tx, "INV-1", dec("1000"))
	require.NoError(t, err)
	assert.Equal(t, InvoiceStatusPartial, inv.Status)
	assertDec(t, "1000", inv.ReceivedPayment)
	assertDec(t, "566.88", tx.balances["ACC-1"])

	inv, err = ledger.ApplyPayment(context.Background(), tx, "INV-1", dec("566.88"))
	require.NoError(t, err)
	assert.Equal(t, InvoiceStatusPaid, inv.Status)
	assertDec(t, "0", tx.balances["ACC-1"])

	_, err = ledger.ApplyPayment(context.Background(), tx, "INV-1", dec("0"))
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = ledger.ApplyPayment(context.Background(), tx, "missing", dec("1"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPaymentStatus(t *testing.T) {
	assert.Equal(t, InvoiceStatusUnpaid, PaymentStatus(dec("100"), dec("0")))
	assert.Equal(t, InvoiceStatusPartial, PaymentStatus(dec("100"), dec("99.99")))
	assert.Equal(t, InvoiceStatusPaid, PaymentStatus(dec("100"), dec("100")))
	assert.Equal(t, InvoiceStatusPaid, PaymentStatus(dec("100"), dec("120")))
}

func TestRecompute(t *testing.T) {
	assertDec(t, "500", Recompute(dec("500"), nil))

	invoices := []Invoice{
		{Period: Period{2026, 11}, CarriedForward: dec("566.88"), TotalAmountDue: dec("1753.79"), ReceivedPayment: dec("53.79")},
		{Period: october, CarriedForward: dec("500"), TotalAmountDue: dec("1566.88"), ReceivedPayment: dec("1000")},
	}
	assertDec(t, "1700", Recompute(dec("500"), invoices))

	// a late payment on the superseded invoice still lowers the balance
	invoices[1].ReceivedPayment = dec("1566.88")
	assertDec(t, "1133.12", Recompute(dec("500"), invoices))
}

func TestLedger_BalanceMatchesRecompute(t *testing.T) {
	// Balance written through the ledger agrees with invoice history
	account := Account{ID: "ACC-1", Balance: dec("500")}
	tx := newFakeTx(account)
	ledger := NewLedger(clock.NewMock(runDate))

	snap := baseSnapshot()
	snap.Account = account
	snap.Account.MonthlyFee = dec("999")
	plan, err := Allocate(snap, DefaultOptions())
	require.NoError(t, err)
	inv, _ := NewComposer(clock.NewMock(runDate), 15).Build(snap, plan, runDate, "run")
	require.NoError(t, tx.InsertInvoice(context.Background(), inv))

	_, err = ledger.ApplyInvoice(context.Background(), tx, &account, inv)
	require.NoError(t, err)
	_, err = ledger.ApplyPayment(context.Background(), tx, inv.ID, dec("700"))
	require.NoError(t, err)

	stored := *tx.invoices[inv.ID]
	assert.True(t, Recompute(dec("500"), []Invoice{stored}).Equal(tx.balances["ACC-1"]))
}
