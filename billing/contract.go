package billing

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// CONTRACT REGISTRY
// =============================================================================

// ContractRegistry owns service contracts between the clinic and client
// companies.
//
// Historical terms (cost, cap, validity window) are frozen for any span a
// paid report already covers: editing them would change what was settled.
type ContractRegistry struct {
	deps *deps
}

// ContractListFilter filters on the effective status, not the stored one.
type ContractListFilter struct {
	CompanyID CompanyID
	Status    ContractStatus
}

// ContractTerms is an edit of a contract. Every field is replaced.
type ContractTerms struct {
	Name             string
	StartDate        time.Time
	EndDate          time.Time
	CostPerSession   decimal.Decimal
	MonthlyLimit     *decimal.Decimal
	PaymentFrequency PaymentFrequency
	Notes            string
}

func (r *ContractRegistry) Create(ctx context.Context, c Contract) (*Contract, error) {
	if c.ID == "" {
		c.ID = NewContractID()
	}
	if c.Status == "" {
		c.Status = ContractActive
	}
	if c.PaymentFrequency == "" {
		c.PaymentFrequency = FrequencyMonthly
	}
	c.StartDate = dayOf(c.StartDate)
	c.EndDate = dayOf(c.EndDate)
	if err := c.Validate(); err != nil {
		return nil, err
	}

	now := r.deps.now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now
	if err := r.deps.store.InsertContract(ctx, c); err != nil {
		return nil, err
	}

	r.deps.log.Info().
		Str("contract_id", string(c.ID)).
		Str("company_id", string(c.CompanyID)).
		Str("cost_per_session", c.CostPerSession.String()).
		Msg("contract created")
	return r.withEffectiveStatus(c), nil
}

// Get returns the contract with its effective status.
func (r *ContractRegistry) Get(ctx context.Context, id ContractID) (*Contract, error) {
	c, err := r.deps.store.GetContract(ctx, id)
	if err != nil {
		return nil, err
	}
	return r.withEffectiveStatus(*c), nil
}

func (r *ContractRegistry) List(ctx context.Context, filter ContractListFilter) ([]Contract, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, invalid("status", "unknown status %q", filter.Status)
	}
	contracts, err := r.deps.store.ListContracts(ctx, filter.CompanyID)
	if err != nil {
		return nil, err
	}

	result := make([]Contract, 0, len(contracts))
	for _, c := range contracts {
		eff := r.withEffectiveStatus(c)
		if filter.Status != "" && eff.Status != filter.Status {
			continue
		}
		result = append(result, *eff)
	}
	return result, nil
}

// UpdateStatus applies an operator status change.
//
// Cancelled and expired are lifecycle flags and always allowed, except that
// cancelled is terminal. Moving back to active or pending is refused once
// any report on the contract has been paid.
func (r *ContractRegistry) UpdateStatus(ctx context.Context, id ContractID, status ContractStatus) (*Contract, error) {
	if !status.Valid() {
		return nil, invalid("status", "unknown status %q", status)
	}

	var updated Contract
	err := r.deps.inTx(ctx, func(st Store) error {
		c, err := st.GetContract(ctx, id)
		if err != nil {
			return err
		}
		if c.Status == status {
			updated = *c
			return nil
		}
		if c.Status == ContractCancelled {
			return NewConflict("contract", string(id), "cancelled contracts cannot change status")
		}
		if !status.IsLifecycleFlag() {
			paid, err := hasPaidReport(ctx, st, id, nil)
			if err != nil {
				return err
			}
			if paid {
				return NewConflict("contract", string(id), "contract has paid reports; only cancel or expire is allowed")
			}
		}

		c.Status = status
		c.UpdatedAt = r.deps.now().UTC()
		updated = *c
		return st.UpdateContract(ctx, *c)
	})
	if err != nil {
		return nil, err
	}

	r.deps.log.Info().
		Str("contract_id", string(id)).
		Str("status", string(status)).
		Msg("contract status updated")
	return r.withEffectiveStatus(updated), nil
}

// UpdateTerms replaces a contract's terms. Changing cost, cap or window is
// refused when a paid report covers a month inside the old or new window.
func (r *ContractRegistry) UpdateTerms(ctx context.Context, id ContractID, terms ContractTerms) (*Contract, error) {
	var updated Contract
	err := r.deps.inTx(ctx, func(st Store) error {
		c, err := st.GetContract(ctx, id)
		if err != nil {
			return err
		}
		if c.Status == ContractCancelled {
			return NewConflict("contract", string(id), "cancelled contracts cannot be edited")
		}

		next := *c
		next.Name = terms.Name
		next.StartDate = dayOf(terms.StartDate)
		next.EndDate = dayOf(terms.EndDate)
		next.CostPerSession = terms.CostPerSession
		next.MonthlyLimit = terms.MonthlyLimit
		next.PaymentFrequency = terms.PaymentFrequency
		next.Notes = terms.Notes
		if next.PaymentFrequency == "" {
			next.PaymentFrequency = c.PaymentFrequency
		}
		if err := next.Validate(); err != nil {
			return err
		}

		if !c.termsEqual(next) {
			span := &[2]time.Time{minTime(c.StartDate, next.StartDate), maxTime(c.EndDate, next.EndDate)}
			paid, err := hasPaidReport(ctx, st, id, span)
			if err != nil {
				return err
			}
			if paid {
				return NewConflict("contract", string(id), "terms are settled by a paid report in the affected period")
			}
		}

		next.UpdatedAt = r.deps.now().UTC()
		updated = next
		return st.UpdateContract(ctx, next)
	})
	if err != nil {
		return nil, err
	}

	r.deps.log.Info().Str("contract_id", string(id)).Msg("contract terms updated")
	return r.withEffectiveStatus(updated), nil
}

// ExpireOverdue stores the expired status on active or pending contracts
// whose validity window has ended. It returns how many were changed.
func (r *ContractRegistry) ExpireOverdue(ctx context.Context) (int, error) {
	expired := 0
	err := r.deps.inTx(ctx, func(st Store) error {
		expired = 0
		contracts, err := st.ListContracts(ctx, "")
		if err != nil {
			return err
		}
		now := r.deps.now()
		for _, c := range contracts {
			if c.Status.IsLifecycleFlag() || c.EffectiveStatus(now) != ContractExpired {
				continue
			}
			c.Status = ContractExpired
			c.UpdatedAt = now.UTC()
			if err := st.UpdateContract(ctx, c); err != nil {
				return err
			}
			expired++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if expired > 0 {
		r.deps.log.Info().Int("contracts", expired).Msg("overdue contracts expired")
	}
	return expired, nil
}

func (r *ContractRegistry) withEffectiveStatus(c Contract) *Contract {
	c.Status = c.EffectiveStatus(r.deps.now())
	return &c
}

// hasPaidReport reports whether the contract has a paid report, optionally
// restricted to reports whose month overlaps span.
func hasPaidReport(ctx context.Context, st Store, id ContractID, span *[2]time.Time) (bool, error) {
	reports, err := st.ListReports(ctx, ReportFilter{ContractID: id, Status: ReportPaid})
	if err != nil {
		return false, err
	}
	for _, rep := range reports {
		if span == nil || rep.Period.Overlaps(span[0], span[1]) {
			return true, nil
		}
	}
	return false, nil
}

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}

func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
