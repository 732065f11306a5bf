/*
reconciliation.go - Report payment state machine

PURPOSE:
  Marks a monthly report paid and cascades settlement to every session it
  covers, recording who paid, how, and with what reference.

STATE MACHINE:
  pending ──markPaid──▶ paid (terminal)

  A second markPaid on the same report fails with ConflictError. It is not
  a silent no-op so callers can detect duplicate submissions.

MARK PAID STEPS:
  1. Validate input (reference, payer, method, date not in the future)
  2. Load and lock the report        → NotFoundError
  3. Require status pending          → ConflictError
  4. Re-verify total == Σ session cost and every session still points
     at this report                  → ConsistencyError (logged)
  5. Set paid_amount = cost on every session, journal the deltas,
     flip the report to paid

  Steps 2-5 run in one store transaction: either every session and the
  report change, or nothing does. There is no automatic retry.
*/
package billing

import (
	"context"
	"errors"
)

// =============================================================================
// RECONCILIATION ENGINE
// =============================================================================

type ReconciliationEngine struct {
	deps *deps
}

func (e *ReconciliationEngine) validate(p ReportPayment) error {
	if p.PaidAt.IsZero() {
		return invalid("payment_date", "is required")
	}
	if dayOf(p.PaidAt).After(dayOf(e.deps.now())) {
		return invalid("payment_date", "%s is in the future", p.PaidAt.Format(DateLayout))
	}
	if !p.Method.Valid() {
		return invalid("method", "unknown payment method %q", p.Method)
	}
	if p.Reference == "" {
		return invalid("reference", "is required")
	}
	if p.PaidBy == "" {
		return invalid("payer", "is required")
	}
	return nil
}

// MarkPaid settles a pending report.
func (e *ReconciliationEngine) MarkPaid(ctx context.Context, id ReportID, payment ReportPayment) (*MonthlyReport, error) {
	if err := e.validate(payment); err != nil {
		return nil, err
	}
	payment.PaidAt = payment.PaidAt.UTC()

	var paid MonthlyReport
	settled := 0
	err := e.deps.inTx(ctx, func(st Store) error {
		report, err := st.LockReport(ctx, id)
		if err != nil {
			return err
		}
		if report.Status != ReportPending {
			return NewConflict("report", string(id), "report is already "+string(report.Status))
		}

		sessions, err := e.verify(ctx, st, *report)
		if err != nil {
			return err
		}

		now := e.deps.now().UTC()
		journal := make([]PaymentEntry, 0, len(sessions))
		for _, s := range sessions {
			delta := s.Debt()
			if delta.IsZero() {
				continue
			}
			if err := st.SetSessionPaid(ctx, s.ID, report.ID, s.PaidAmount, s.Cost); err != nil {
				return err
			}
			journal = append(journal, PaymentEntry{
				ID:         NewPaymentID(),
				SessionID:  s.ID,
				ReportID:   report.ID,
				Kind:       KindSettlement,
				Amount:     delta,
				PaidBefore: s.PaidAmount,
				PaidAfter:  s.Cost,
				Method:     payment.Method,
				Reference:  payment.Reference,
				Payer:      payment.PaidBy,
				CreatedAt:  now,
			})
		}
		if err := st.AppendPayments(ctx, journal); err != nil {
			return err
		}
		if err := st.MarkReportPaid(ctx, id, payment); err != nil {
			return err
		}
		settled = len(journal)

		paid = *report
		paidAt := payment.PaidAt
		paid.Status = ReportPaid
		paid.PaidAt = &paidAt
		paid.PaidBy = payment.PaidBy
		paid.PaymentMethod = payment.Method
		paid.PaymentReference = payment.Reference
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrConsistency) {
			e.deps.log.Error().Err(err).Str("report_id", string(id)).Msg("report failed consistency check")
		}
		return nil, err
	}

	e.deps.log.Info().
		Str("report_id", string(id)).
		Str("method", string(payment.Method)).
		Str("reference", payment.Reference).
		Str("paid_by", payment.PaidBy).
		Int("sessions_settled", settled).
		Str("total", paid.TotalAmount.String()).
		Msg("monthly report paid")
	return &paid, nil
}

// verify reloads the report's sessions and checks the generation-time
// invariants still hold: every session links back, none has been paid
// and the costs still add up to the invoiced total.
func (e *ReconciliationEngine) verify(ctx context.Context, st Store, report MonthlyReport) ([]Session, error) {
	if len(report.SessionIDs) != report.SessionCount {
		return nil, &ConsistencyError{ReportID: report.ID, Reason: "session count does not match linked sessions"}
	}

	sessions := make([]Session, 0, len(report.SessionIDs))
	for _, sid := range report.SessionIDs {
		s, err := st.GetSession(ctx, sid)
		if errors.Is(err, ErrNotFound) {
			return nil, &ConsistencyError{ReportID: report.ID, Reason: "linked session " + string(sid) + " is missing"}
		}
		if err != nil {
			return nil, err
		}
		if s.ReportID != report.ID {
			return nil, &ConsistencyError{ReportID: report.ID, Reason: "session " + string(sid) + " is not linked back to the report"}
		}
		// Billed sessions had nothing paid at generation and settle only here.
		if !s.PaidAmount.IsZero() {
			return nil, &ConsistencyError{ReportID: report.ID,
				Reason: "session " + string(sid) + " received " + s.PaidAmount.StringFixed(2) + " outside the report"}
		}
		sessions = append(sessions, *s)
	}

	actual := sumCosts(sessions)
	if !actual.Equal(report.TotalAmount) {
		return nil, &ConsistencyError{ReportID: report.ID, Expected: report.TotalAmount, Actual: actual}
	}
	return sessions, nil
}
