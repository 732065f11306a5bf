/*
report.go - Monthly report generation

PURPOSE:
  A monthly report is the unit of invoicing: all of a contract's billable
  sessions for one calendar month, summed into one amount the company pays.

SELECTION:
  A session qualifies when
  - it references the contract,
  - its date falls in the month (UTC, [first day, first day of next month)),
  - no report has claimed it yet, and
  - nothing has been paid on it yet (sessions already being collected
    through partial payments stay on that path).

  The "not claimed" rule is applied at selection time AND at commit time:
  generation claims the selected sessions with a conditional update inside
  the same transaction, so two concurrent generations for the same month
  cannot both bill a session. The second one to commit fails with a
  ConflictError.

PREVIEW vs GENERATE:
  Preview runs the selection without a transaction and persists nothing.
  It is not a reservation: a generate right after may see a different set.

FLOW:
  ┌─────────┐  select    ┌──────────┐  claim + insert  ┌──────────────────┐
  │ session │ ─────────▶ │ preview  │ ───────────────▶ │ report (pending) │
  └─────────┘            └──────────┘   one tx         └──────────────────┘

MONTHLY CAP:
  The contract's monthly limit is advisory. Preview and report carry
  ExceedsMonthlyLimit and generation logs a warning; nothing is blocked.
*/
package billing

import (
	"context"
	"errors"
)

// =============================================================================
// REPORT GENERATOR
// =============================================================================

type ReportGenerator struct {
	deps *deps
}

// Preview selects the sessions a report would cover, without persisting.
func (g *ReportGenerator) Preview(ctx context.Context, contractID ContractID, period Period) (*ReportPreview, error) {
	c, err := g.deps.store.GetContract(ctx, contractID)
	if err != nil {
		return nil, err
	}
	preview, err := selectSessions(ctx, g.deps.store, *c, period, false)
	if err != nil {
		return nil, err
	}
	if preview.SessionCount == 0 {
		return nil, emptySelection(ctx, g.deps.store, *c, period)
	}
	return preview, nil
}

// Generate persists a pending report and claims its sessions atomically.
func (g *ReportGenerator) Generate(ctx context.Context, contractID ContractID, period Period) (*MonthlyReport, error) {
	var report MonthlyReport
	err := g.deps.inTx(ctx, func(st Store) error {
		c, err := st.GetContract(ctx, contractID)
		if err != nil {
			return err
		}
		preview, err := selectSessions(ctx, st, *c, period, true)
		if err != nil {
			return err
		}
		if preview.SessionCount == 0 {
			return emptySelection(ctx, st, *c, period)
		}

		report = MonthlyReport{
			ID:                  NewReportID(),
			ContractID:          c.ID,
			CompanyID:           c.CompanyID,
			Period:              period,
			SessionIDs:          preview.SessionIDs,
			SessionCount:        preview.SessionCount,
			PatientCount:        preview.PatientCount,
			TotalAmount:         preview.TotalAmount,
			Status:              ReportPending,
			GeneratedAt:         g.deps.now().UTC(),
			ExceedsMonthlyLimit: preview.ExceedsMonthlyLimit,
		}
		if err := st.InsertReport(ctx, report); err != nil {
			return err
		}
		return st.ClaimSessions(ctx, report.ID, report.SessionIDs)
	})
	if err != nil {
		if errors.Is(err, ErrConflict) {
			g.deps.log.Warn().Err(err).
				Str("contract_id", string(contractID)).
				Str("period", period.String()).
				Msg("report generation lost a race for sessions")
		}
		return nil, err
	}

	evt := g.deps.log.Info()
	if report.ExceedsMonthlyLimit {
		evt = g.deps.log.Warn().Bool("exceeds_monthly_limit", true)
	}
	evt.Str("report_id", string(report.ID)).
		Str("contract_id", string(report.ContractID)).
		Str("period", period.String()).
		Int("sessions", report.SessionCount).
		Str("total", report.TotalAmount.String()).
		Msg("monthly report generated")
	return &report, nil
}

func (g *ReportGenerator) Get(ctx context.Context, id ReportID) (*MonthlyReport, error) {
	return g.deps.store.GetReport(ctx, id)
}

func (g *ReportGenerator) List(ctx context.Context, filter ReportFilter) ([]ReportSummary, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, invalid("status", "unknown report status %q", filter.Status)
	}
	if filter.Month != 0 && (filter.Month < 1 || filter.Month > 12) {
		return nil, invalid("month", "must be between 1 and 12, got %d", filter.Month)
	}
	reports, err := g.deps.store.ListReports(ctx, filter)
	if err != nil {
		return nil, err
	}
	summaries := make([]ReportSummary, len(reports))
	for i, r := range reports {
		summaries[i] = r.Summary()
	}
	return summaries, nil
}

// selectSessions is shared by preview and generate so both apply exactly
// the same rules.
func selectSessions(ctx context.Context, st Store, c Contract, period Period, lock bool) (*ReportPreview, error) {
	candidates, err := st.ListSessions(ctx, SessionFilter{
		ContractID: c.ID,
		From:       period.Start(),
		To:         period.End(),
		Unclaimed:  true,
		Lock:       lock,
	})
	if err != nil {
		return nil, err
	}

	var selected []Session
	for _, s := range candidates {
		if s.IsClaimed() || !s.PaidAmount.IsZero() {
			continue
		}
		selected = append(selected, s)
	}

	ids := make([]SessionID, len(selected))
	for i, s := range selected {
		ids[i] = s.ID
	}
	total := sumCosts(selected)
	return &ReportPreview{
		ContractID:            c.ID,
		CompanyID:             c.CompanyID,
		Period:                period,
		Sessions:              selected,
		SessionIDs:            ids,
		SessionCount:          len(selected),
		PatientCount:          distinctPatients(selected),
		TotalAmount:           total,
		MonthlyLimit:          c.MonthlyLimit,
		ExceedsMonthlyLimit:   c.ExceedsLimit(total),
		OutsideContractWindow: !period.Overlaps(c.StartDate, c.EndDate),
	}, nil
}

// emptySelection distinguishes "nothing to bill" from "already billed":
// when the month has sessions and every one of them is claimed, the period
// is settled by an earlier report and the caller gets a ConflictError.
// Unclaimed sessions left out because they were partly paid make it an
// ordinary empty selection.
func emptySelection(ctx context.Context, st Store, c Contract, period Period) error {
	all, err := st.ListSessions(ctx, SessionFilter{
		ContractID: c.ID,
		From:       period.Start(),
		To:         period.End(),
	})
	if err != nil {
		return err
	}
	var claimedBy ReportID
	for _, s := range all {
		if !s.IsClaimed() {
			return &EmptySelectionError{ContractID: c.ID, Period: period}
		}
		claimedBy = s.ReportID
	}
	if claimedBy == "" {
		return &EmptySelectionError{ContractID: c.ID, Period: period}
	}
	return NewConflict("period", period.String(),
		"sessions for contract "+string(c.ID)+" are already billed by report "+string(claimedBy))
}
