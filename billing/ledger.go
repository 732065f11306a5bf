/*
ledger.go - Session ledger and payment journal

PURPOSE:
  Sessions are the billable atoms. Each carries a fixed cost and a running
  paid amount. The paid amount only moves up, and every move is journaled
  as a PaymentEntry so the history explains the current value.

CRITICAL INVARIANTS:
  1. 0 <= paid_amount <= cost, always
  2. Σ journal amounts for a session == its paid_amount
  3. A session claimed by a monthly report settles through that report
     only; direct payments on it are refused

WRITERS:
  - SessionLedger.ApplyPayment / PartialPaymentAllocator: partial payments
  - ReconciliationEngine: settlement to full cost
  - ReportGenerator: sets the report link, never the amount

SEE ALSO:
  - allocation.go: Multi-session partial payments
  - reconciliation.go: Settlement cascade
*/
package billing

import (
	"context"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SESSION LEDGER
// =============================================================================

type SessionLedger struct {
	deps *deps
}

// PaymentInfo is the provenance attached to a journal entry.
type PaymentInfo struct {
	Method         PaymentMethod // optional for partial payments
	Reference      string
	Payer          string
	IdempotencyKey string
}

func (p PaymentInfo) validate() error {
	if p.Method != "" && !p.Method.Valid() {
		return invalid("method", "unknown payment method %q", p.Method)
	}
	return nil
}

// Record stores a held session. Cost is fixed here and never changes.
func (l *SessionLedger) Record(ctx context.Context, s Session) (*Session, error) {
	if s.ID == "" {
		s.ID = NewSessionID()
	}
	if s.ReportID != "" {
		return nil, invalid("report_id", "sessions are linked to reports by generation only")
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	s.Date = s.Date.UTC()
	s.CreatedAt = l.deps.now().UTC()

	err := l.deps.inTx(ctx, func(st Store) error {
		if s.HasContract() {
			c, err := st.GetContract(ctx, s.ContractID)
			if err != nil {
				return err
			}
			if c.Status == ContractCancelled {
				return invalid("contract_id", "contract %s is cancelled", c.ID)
			}
			if !c.Covers(s.Date) {
				return invalid("date", "session date %s is outside contract validity %s..%s",
					s.Date.Format(DateLayout), c.StartDate.Format(DateLayout), c.EndDate.Format(DateLayout))
			}
		}
		if err := st.InsertSession(ctx, s); err != nil {
			return err
		}
		if s.PaidAmount.IsPositive() {
			return st.AppendPayments(ctx, []PaymentEntry{{
				ID:         NewPaymentID(),
				SessionID:  s.ID,
				Kind:       KindPartial,
				Amount:     s.PaidAmount,
				PaidBefore: decimal.Zero,
				PaidAfter:  s.PaidAmount,
				Reference:  "recorded with session",
				CreatedAt:  s.CreatedAt,
			}})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.deps.log.Debug().
		Str("session_id", string(s.ID)).
		Str("patient_id", string(s.PatientID)).
		Str("contract_id", string(s.ContractID)).
		Str("cost", s.Cost.String()).
		Msg("session recorded")
	return &s, nil
}

func (l *SessionLedger) Get(ctx context.Context, id SessionID) (*Session, error) {
	return l.deps.store.GetSession(ctx, id)
}

func (l *SessionLedger) List(ctx context.Context, filter SessionFilter) ([]Session, error) {
	filter.Lock = false
	return l.deps.store.ListSessions(ctx, filter)
}

// Payments returns the journal for a session, oldest first.
func (l *SessionLedger) Payments(ctx context.Context, id SessionID) ([]PaymentEntry, error) {
	if _, err := l.deps.store.GetSession(ctx, id); err != nil {
		return nil, err
	}
	return l.deps.store.ListPayments(ctx, id)
}

// ApplyPayment pays part or all of one session's debt. Overpaying is
// rejected, never absorbed.
func (l *SessionLedger) ApplyPayment(ctx context.Context, id SessionID, amount decimal.Decimal, info PaymentInfo) (*LedgerEntry, error) {
	if err := info.validate(); err != nil {
		return nil, err
	}

	var result LedgerEntry
	err := l.deps.inTx(ctx, func(st Store) error {
		if err := checkIdempotencyKey(ctx, st, info.IdempotencyKey); err != nil {
			return err
		}
		s, err := st.GetSession(ctx, id)
		if err != nil {
			return err
		}
		entry, journal, err := l.applyPayment(ctx, st, *s, amount, info)
		if err != nil {
			return err
		}
		result = entry
		return st.AppendPayments(ctx, []PaymentEntry{journal})
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// applyPayment moves one session's paid amount inside an open transaction.
// The caller appends the returned journal entry.
func (l *SessionLedger) applyPayment(ctx context.Context, st Store, s Session, amount decimal.Decimal, info PaymentInfo) (LedgerEntry, PaymentEntry, error) {
	if !amount.IsPositive() {
		return LedgerEntry{}, PaymentEntry{}, invalid("amount", "must be positive, got %s", amount)
	}
	if err := checkMoney("amount", amount); err != nil {
		return LedgerEntry{}, PaymentEntry{}, err
	}
	if s.IsClaimed() {
		return LedgerEntry{}, PaymentEntry{}, NewConflict("session", string(s.ID),
			"session is billed by report "+string(s.ReportID)+" and settles through it")
	}
	debt := s.Debt()
	if amount.GreaterThan(debt) {
		return LedgerEntry{}, PaymentEntry{}, invalid("amount",
			"%s exceeds outstanding debt %s on session %s", amount, debt, s.ID)
	}

	after := s.PaidAmount.Add(amount)
	if err := st.SetSessionPaid(ctx, s.ID, "", s.PaidAmount, after); err != nil {
		return LedgerEntry{}, PaymentEntry{}, err
	}

	settled := s
	settled.PaidAmount = after
	entry := LedgerEntry{
		SessionID:  s.ID,
		Applied:    amount,
		PaidBefore: s.PaidAmount,
		PaidAfter:  after,
		Remaining:  settled.Debt(),
		Status:     settled.PaymentStatus(),
	}
	journal := PaymentEntry{
		ID:             NewPaymentID(),
		SessionID:      s.ID,
		Kind:           KindPartial,
		Amount:         amount,
		PaidBefore:     s.PaidAmount,
		PaidAfter:      after,
		Method:         info.Method,
		Reference:      info.Reference,
		Payer:          info.Payer,
		IdempotencyKey: info.IdempotencyKey,
		CreatedAt:      l.deps.now().UTC(),
	}
	return entry, journal, nil
}

func checkIdempotencyKey(ctx context.Context, st Store, key string) error {
	if key == "" {
		return nil
	}
	exists, err := st.PaymentKeyExists(ctx, key)
	if err != nil {
		return err
	}
	if exists {
		return ErrDuplicateIdempotencyKey
	}
	return nil
}
