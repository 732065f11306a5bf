package billing

import (
	"context"

	"github.com/shopspring/decimal"
)

// =============================================================================
// OUTSTANDING BALANCE CALCULATOR - Pure projections over the session ledger
// =============================================================================

// BalanceScope selects what an outstanding balance is summed over.
type BalanceScope string

const (
	ScopeSession  BalanceScope = "session"
	ScopeContract BalanceScope = "contract"
	ScopePatient  BalanceScope = "patient"
)

// BalanceCalculator reads the ledger's current state on every call.
// Nothing is cached, so results are as fresh as the store.
type BalanceCalculator struct {
	deps *deps
}

// BalanceSummary breaks a set of sessions down by payment state.
type BalanceSummary struct {
	SessionCount int
	UnpaidCount  int
	PartialCount int
	PaidCount    int
	Billed       decimal.Decimal // Σ cost
	Paid         decimal.Decimal // Σ paid amount
	Outstanding  decimal.Decimal // Σ debt
}

func summarize(sessions []Session) BalanceSummary {
	sum := BalanceSummary{
		SessionCount: len(sessions),
		Billed:       decimal.Zero,
		Paid:         decimal.Zero,
		Outstanding:  decimal.Zero,
	}
	for _, s := range sessions {
		sum.Billed = sum.Billed.Add(s.Cost)
		sum.Paid = sum.Paid.Add(s.PaidAmount)
		sum.Outstanding = sum.Outstanding.Add(s.Debt())
		switch s.PaymentStatus() {
		case StatusUnpaid:
			sum.UnpaidCount++
		case StatusPartial:
			sum.PartialCount++
		default:
			sum.PaidCount++
		}
	}
	return sum
}

// DebtFor is cost - paid for one session.
func (b *BalanceCalculator) DebtFor(ctx context.Context, id SessionID) (decimal.Decimal, error) {
	s, err := b.deps.store.GetSession(ctx, id)
	if err != nil {
		return decimal.Zero, err
	}
	return s.Debt(), nil
}

// DebtForContract sums debt over a contract's sessions, optionally limited
// to one month.
func (b *BalanceCalculator) DebtForContract(ctx context.Context, id ContractID, period *Period) (decimal.Decimal, error) {
	sum, err := b.ContractSummary(ctx, id, period)
	if err != nil {
		return decimal.Zero, err
	}
	return sum.Outstanding, nil
}

func (b *BalanceCalculator) DebtForPatient(ctx context.Context, id PatientID) (decimal.Decimal, error) {
	sum, err := b.PatientSummary(ctx, id)
	if err != nil {
		return decimal.Zero, err
	}
	return sum.Outstanding, nil
}

func (b *BalanceCalculator) ContractSummary(ctx context.Context, id ContractID, period *Period) (BalanceSummary, error) {
	if _, err := b.deps.store.GetContract(ctx, id); err != nil {
		return BalanceSummary{}, err
	}
	filter := SessionFilter{ContractID: id}
	if period != nil {
		filter.From = period.Start()
		filter.To = period.End()
	}
	sessions, err := b.deps.store.ListSessions(ctx, filter)
	if err != nil {
		return BalanceSummary{}, err
	}
	return summarize(sessions), nil
}

func (b *BalanceCalculator) PatientSummary(ctx context.Context, id PatientID) (BalanceSummary, error) {
	if id == "" {
		return BalanceSummary{}, invalid("patient_id", "is required")
	}
	sessions, err := b.deps.store.ListSessions(ctx, SessionFilter{PatientID: id})
	if err != nil {
		return BalanceSummary{}, err
	}
	return summarize(sessions), nil
}

// Outstanding dispatches on scope.
func (b *BalanceCalculator) Outstanding(ctx context.Context, scope BalanceScope, id string) (decimal.Decimal, error) {
	if id == "" {
		return decimal.Zero, invalid("id", "is required")
	}
	switch scope {
	case ScopeSession:
		return b.DebtFor(ctx, SessionID(id))
	case ScopeContract:
		return b.DebtForContract(ctx, ContractID(id), nil)
	case ScopePatient:
		return b.DebtForPatient(ctx, PatientID(id))
	default:
		return decimal.Zero, invalid("scope", "unknown balance scope %q", scope)
	}
}
