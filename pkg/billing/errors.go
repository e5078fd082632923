package billing

import "errors"

var (
	// ErrAlreadyInvoiced is returned when an invoice exists for the account and period.
	ErrAlreadyInvoiced = errors.New("billing: account already invoiced for period")
	// ErrInstrumentConsumed is returned when a guarded Unused to Used transition
	// affects no row because another run got there first.
	ErrInstrumentConsumed = errors.New("billing: instrument already consumed")
	// ErrRunInProgress is returned when another generation run holds the scheduler lease.
	ErrRunInProgress = errors.New("billing: generation run already in progress")
	// ErrNotFound is returned by stores for missing accounts and invoices.
	ErrNotFound = errors.New("billing: not found")
	// ErrConservation is returned when an allocation plan's steps do not sum to its total.
	ErrConservation = errors.New("billing: allocation plan does not conserve amounts")
	// ErrInvalidAmount is returned for negative instrument amounts.
	ErrInvalidAmount = errors.New("billing: invalid instrument amount")
	// ErrOperatorRequired is returned for generate runs without an operator identifier.
	ErrOperatorRequired = errors.New("billing: operator is required to generate")
	// ErrInvalidDay is returned for day overrides outside 0..31.
	ErrInvalidDay = errors.New("billing: billing day override must be between 0 and 31")
)
