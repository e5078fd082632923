package memory

import (
	"fmt"
	"sort"
	"sync"

	"github.com/platinummonkey/tollgate/pkg/billing"
	"github.com/platinummonkey/tollgate/pkg/dispatch"
	"github.com/platinummonkey/tollgate/pkg/settlement"
)

// Store holds every table in maps keyed by ID
type Store struct {
	mu    sync.Mutex
	state *state
}

type state struct {
	accounts       map[string]billing.Account
	invoices       map[string]billing.Invoice
	statements     map[string]billing.Statement
	discounts      map[string]billing.Discount
	massRebates    map[string]billing.MassRebate
	rebates        map[string]billing.RebateUsage
	staggered      map[string]billing.StaggeredInstallment
	serviceCharges map[string]billing.ServiceCharge
	advances       map[string]billing.AdvancePayment
	runs           []billing.GenerationRun
	entries        map[string]dispatch.Entry
	intents        map[string]settlement.Intent
}

// New creates an empty store
func New() *Store {
	return &Store{state: &state{
		accounts:       make(map[string]billing.Account),
		invoices:       make(map[string]billing.Invoice),
		statements:     make(map[string]billing.Statement),
		discounts:      make(map[string]billing.Discount),
		massRebates:    make(map[string]billing.MassRebate),
		rebates:        make(map[string]billing.RebateUsage),
		staggered:      make(map[string]billing.StaggeredInstallment),
		serviceCharges: make(map[string]billing.ServiceCharge),
		advances:       make(map[string]billing.AdvancePayment),
		entries:        make(map[string]dispatch.Entry),
		intents:        make(map[string]settlement.Intent),
	}}
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (s *state) clone() *state {
	return &state{
		accounts:       cloneMap(s.accounts),
		invoices:       cloneMap(s.invoices),
		statements:     cloneMap(s.statements),
		discounts:      cloneMap(s.discounts),
		massRebates:    cloneMap(s.massRebates),
		rebates:        cloneMap(s.rebates),
		staggered:      cloneMap(s.staggered),
		serviceCharges: cloneMap(s.serviceCharges),
		advances:       cloneMap(s.advances),
		runs:           append([]billing.GenerationRun(nil), s.runs...),
		entries:        cloneMap(s.entries),
		intents:        cloneMap(s.intents),
	}
}

// sortedValues returns map values ordered by less
func sortedValues[V any](m map[string]V, less func(a, b V) bool) []V {
	out := make([]V, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

func olderFirst(a, b billing.Instrument) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// Seed helpers. They overwrite rows with the same ID.

// AddAccount stores an account
func (s *Store) AddAccount(a billing.Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.accounts[a.ID] = a
}

// AddInvoice stores a historical invoice
func (s *Store) AddInvoice(inv billing.Invoice) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.invoices[inv.ID] = inv
}

// AddStatement stores a historical statement
func (s *Store) AddStatement(st billing.Statement) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.statements[st.ID] = st
}

// AddDiscount stores a discount
func (s *Store) AddDiscount(d billing.Discount) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.discounts[d.ID] = d
}

// AddMassRebate stores a rebate and one usage row per account share
func (s *Store) AddMassRebate(r billing.MassRebate, usages ...billing.RebateUsage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.massRebates[r.ID] = r
	for _, u := range usages {
		u.RebateID = r.ID
		if u.Period == (billing.Period{}) {
			u.Period = r.Period
		}
		s.state.rebates[u.ID] = u
	}
}

// AddStaggered stores an installment
func (s *Store) AddStaggered(st billing.StaggeredInstallment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.staggered[st.ID] = st
}

// AddServiceCharge stores a service charge log
func (s *Store) AddServiceCharge(sc billing.ServiceCharge) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.serviceCharges[sc.ID] = sc
}

// AddAdvance stores an advance payment
func (s *Store) AddAdvance(a billing.AdvancePayment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.advances[a.ID] = a
}

// Inspection helpers

// Account returns a stored account
func (s *Store) Account(id string) (billing.Account, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.state.accounts[id]
	return a, ok
}

// Invoices returns an account's invoices ordered by period
func (s *Store) Invoices(accountID string) []billing.Invoice {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []billing.Invoice
	for _, inv := range s.state.invoices {
		if inv.AccountID == accountID {
			out = append(out, inv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[j].Period.After(out[i].Period) })
	return out
}

// Statements returns an account's statements ordered by period
func (s *Store) Statements(accountID string) []billing.Statement {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []billing.Statement
	for _, st := range s.state.statements {
		if st.AccountID == accountID {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[j].Period.After(out[i].Period) })
	return out
}

// Instrument returns the shared fields of any stored instrument
func (s *Store) Instrument(kind billing.InstrumentKind, id string) (billing.Instrument, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch kind {
	case billing.InstrumentDiscount:
		v, ok := s.state.discounts[id]
		return v.Instrument, ok
	case billing.InstrumentRebate:
		v, ok := s.state.rebates[id]
		return v.Instrument, ok
	case billing.InstrumentStaggered:
		v, ok := s.state.staggered[id]
		return v.Instrument, ok
	case billing.InstrumentServiceCharge:
		v, ok := s.state.serviceCharges[id]
		return v.Instrument, ok
	case billing.InstrumentAdvance:
		v, ok := s.state.advances[id]
		return v.Instrument, ok
	}
	return billing.Instrument{}, false
}

// Advance returns a stored advance payment
func (s *Store) Advance(id string) (billing.AdvancePayment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.state.advances[id]
	return a, ok
}

// Runs returns recorded generation runs in insertion order
func (s *Store) Runs() []billing.GenerationRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]billing.GenerationRun(nil), s.state.runs...)
}

// Entries returns every dispatch entry, oldest first
func (s *Store) Entries() []dispatch.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedValues(s.state.entries, entryOlder)
}

func notFound(err error, what, id string) error {
	return fmt.Errorf("%w: %s %s", err, what, id)
}
