package billing

import (
	"context"
	"sort"

	"github.com/shopspring/decimal"
)

// =============================================================================
// PARTIAL PAYMENT ALLOCATOR - Ad-hoc collection outside the report cycle
// =============================================================================

// AllocationOrder decides which selected session is paid first.
type AllocationOrder string

const (
	// OrderOldestFirst pays sessions by date ascending, ties by id. Default.
	OrderOldestFirst AllocationOrder = "oldest_first"
	// OrderGiven pays sessions in the order the caller listed them.
	OrderGiven AllocationOrder = "given_order"
	// OrderSingle applies the whole amount to exactly one session.
	OrderSingle AllocationOrder = "single"
)

func (o AllocationOrder) Valid() bool {
	switch o {
	case OrderOldestFirst, OrderGiven, OrderSingle:
		return true
	}
	return false
}

// PartialPaymentRequest is one collection from a patient.
type PartialPaymentRequest struct {
	PatientID      PatientID // optional: every session must belong to this patient
	SessionIDs     []SessionID
	Amount         decimal.Decimal
	Order          AllocationOrder
	Method         PaymentMethod
	Reference      string
	Payer          string
	IdempotencyKey string
}

func (r PartialPaymentRequest) validate() error {
	if !r.Amount.IsPositive() {
		return invalid("amount", "must be positive, got %s", r.Amount)
	}
	if err := checkMoney("amount", r.Amount); err != nil {
		return err
	}
	if len(r.SessionIDs) == 0 {
		return invalid("session_ids", "at least one session is required")
	}
	if !r.Order.Valid() {
		return invalid("order", "unknown allocation order %q", r.Order)
	}
	if r.Order == OrderSingle && len(r.SessionIDs) != 1 {
		return invalid("session_ids", "single allocation takes exactly one session, got %d", len(r.SessionIDs))
	}
	seen := make(map[SessionID]struct{}, len(r.SessionIDs))
	for _, id := range r.SessionIDs {
		if id == "" {
			return invalid("session_ids", "empty session id")
		}
		if _, dup := seen[id]; dup {
			return invalid("session_ids", "session %s listed twice", id)
		}
		seen[id] = struct{}{}
	}
	return PaymentInfo{Method: r.Method}.validate()
}

// orderSessions returns the sessions in payment order for the policy.
func orderSessions(order AllocationOrder, sessions []Session) []Session {
	ordered := append([]Session(nil), sessions...)
	if order == OrderOldestFirst {
		sort.SliceStable(ordered, func(i, j int) bool {
			if !ordered[i].Date.Equal(ordered[j].Date) {
				return ordered[i].Date.Before(ordered[j].Date)
			}
			return ordered[i].ID < ordered[j].ID
		})
	}
	return ordered
}

type PartialPaymentAllocator struct {
	deps   *deps
	ledger *SessionLedger
}

// Apply distributes the amount across the selected sessions until it is
// exhausted. The amount may not exceed the sessions' combined debt: excess
// is rejected, never kept as credit. All sessions change in one
// transaction or none do.
func (a *PartialPaymentAllocator) Apply(ctx context.Context, req PartialPaymentRequest) ([]LedgerEntry, error) {
	if req.Order == "" {
		req.Order = OrderOldestFirst
	}
	if err := req.validate(); err != nil {
		return nil, err
	}

	info := PaymentInfo{
		Method:         req.Method,
		Reference:      req.Reference,
		Payer:          req.Payer,
		IdempotencyKey: req.IdempotencyKey,
	}

	var entries []LedgerEntry
	err := a.deps.inTx(ctx, func(st Store) error {
		if err := checkIdempotencyKey(ctx, st, req.IdempotencyKey); err != nil {
			return err
		}

		sessions := make([]Session, 0, len(req.SessionIDs))
		totalDebt := decimal.Zero
		for _, id := range req.SessionIDs {
			s, err := st.GetSession(ctx, id)
			if err != nil {
				return err
			}
			if req.PatientID != "" && s.PatientID != req.PatientID {
				return invalid("session_ids", "session %s belongs to another patient", id)
			}
			if s.IsClaimed() {
				return NewConflict("session", string(id),
					"session is billed by report "+string(s.ReportID)+" and settles through it")
			}
			totalDebt = totalDebt.Add(s.Debt())
			sessions = append(sessions, *s)
		}
		if req.Amount.GreaterThan(totalDebt) {
			return invalid("amount", "%s exceeds outstanding debt %s on the selected sessions", req.Amount, totalDebt)
		}

		remaining := req.Amount
		journal := make([]PaymentEntry, 0, len(sessions))
		for _, s := range orderSessions(req.Order, sessions) {
			if remaining.IsZero() {
				break
			}
			apply := decimal.Min(remaining, s.Debt())
			if apply.IsZero() {
				continue
			}
			entry, j, err := a.ledger.applyPayment(ctx, st, s, apply, info)
			if err != nil {
				return err
			}
			entries = append(entries, entry)
			journal = append(journal, j)
			remaining = remaining.Sub(apply)
		}
		return st.AppendPayments(ctx, journal)
	})
	if err != nil {
		return nil, err
	}

	a.deps.log.Info().
		Str("patient_id", string(req.PatientID)).
		Str("amount", req.Amount.String()).
		Str("order", string(req.Order)).
		Int("sessions", len(entries)).
		Msg("partial payment applied")
	return entries, nil
}
