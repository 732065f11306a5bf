package billing_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/contract-billing/billing"
)

func TestCreateContract_Defaults(t *testing.T) {
	svc, _ := newService(t)
	c := createContract(t, svc, "1500", nil)

	assert.NotEmpty(t, c.ID)
	assert.Equal(t, billing.ContractActive, c.Status)
	assert.Equal(t, billing.FrequencyMonthly, c.PaymentFrequency)
	assert.Equal(t, today, c.CreatedAt)

	got, err := svc.Contracts.Get(context.Background(), c.ID)
	require.NoError(t, err)
	assert.True(t, got.CostPerSession.Equal(d("1500")))
}

func TestCreateContract_Validation(t *testing.T) {
	svc, _ := newService(t)
	valid := func() billing.Contract {
		return billing.Contract{
			CompanyID:      "acme",
			Name:           "ACME",
			StartDate:      day(2024, time.January, 1),
			EndDate:        day(2024, time.December, 31),
			CostPerSession: d("100"),
		}
	}
	zero := d("0")
	fractional := d("3000.555")

	tests := []struct {
		name   string
		mutate func(c *billing.Contract)
		field  string
	}{
		{"missing company", func(c *billing.Contract) { c.CompanyID = "" }, "company_id"},
		{"missing name", func(c *billing.Contract) { c.Name = "" }, "name"},
		{"end before start", func(c *billing.Contract) { c.EndDate = day(2023, time.December, 1) }, "validity"},
		{"same day window", func(c *billing.Contract) { c.EndDate = c.StartDate }, "validity"},
		{"zero cost", func(c *billing.Contract) { c.CostPerSession = zero }, "cost_per_session"},
		{"zero limit", func(c *billing.Contract) { c.MonthlyLimit = &zero }, "monthly_limit"},
		{"cost finer than a cent", func(c *billing.Contract) { c.CostPerSession = d("100.001") }, "cost_per_session"},
		{"limit finer than a cent", func(c *billing.Contract) { c.MonthlyLimit = &fractional }, "monthly_limit"},
		{"unknown frequency", func(c *billing.Contract) { c.PaymentFrequency = "weekly" }, "payment_frequency"},
		{"unknown status", func(c *billing.Contract) { c.Status = "draft" }, "status"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(&c)
			_, err := svc.Contracts.Create(context.Background(), c)
			var verr *billing.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestContract_EffectiveStatusAndExpirySweep(t *testing.T) {
	// GIVEN: One contract that ended in January, one still running
	svc, _ := newService(t)
	ctx := context.Background()
	ended, err := svc.Contracts.Create(ctx, billing.Contract{
		CompanyID:      "acme",
		Name:           "ACME Q4",
		StartDate:      day(2023, time.October, 1),
		EndDate:        day(2024, time.January, 31),
		CostPerSession: d("100"),
	})
	require.NoError(t, err)
	running := createContract(t, svc, "100", nil)

	// THEN: Reads already report the ended one as expired
	assert.Equal(t, billing.ContractExpired, ended.Status)
	expired, err := svc.Contracts.List(ctx, billing.ContractListFilter{Status: billing.ContractExpired})
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, ended.ID, expired[0].ID)

	// WHEN: The sweep runs twice
	n, err := svc.Contracts.ExpireOverdue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = svc.Contracts.ExpireOverdue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "already stored as expired")

	got, err := svc.Contracts.Get(ctx, running.ID)
	require.NoError(t, err)
	assert.Equal(t, billing.ContractActive, got.Status)
}

func TestUpdateStatus_Transitions(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	c := createContract(t, svc, "100", nil)

	// Pending and back to active with no reports is allowed
	got, err := svc.Contracts.UpdateStatus(ctx, c.ID, billing.ContractPending)
	require.NoError(t, err)
	assert.Equal(t, billing.ContractPending, got.Status)
	got, err = svc.Contracts.UpdateStatus(ctx, c.ID, billing.ContractActive)
	require.NoError(t, err)
	assert.Equal(t, billing.ContractActive, got.Status)

	_, err = svc.Contracts.UpdateStatus(ctx, c.ID, "paused")
	assert.ErrorIs(t, err, billing.ErrValidation)

	// Cancelled is terminal
	_, err = svc.Contracts.UpdateStatus(ctx, c.ID, billing.ContractCancelled)
	require.NoError(t, err)
	_, err = svc.Contracts.UpdateStatus(ctx, c.ID, billing.ContractActive)
	assert.True(t, billing.IsConflict(err))

	// No new sessions on a cancelled contract
	_, err = svc.Sessions.Record(ctx, billing.Session{
		PatientID: "p-ana", ContractID: c.ID, Date: day(2024, time.March, 1), Cost: d("100"),
	})
	assert.ErrorIs(t, err, billing.ErrValidation)
}

func TestUpdateStatus_PaidReportBlocksReactivation(t *testing.T) {
	// GIVEN: A contract with a paid January report
	svc, _ := newService(t)
	ctx := context.Background()
	contract, _ := januaryFixture(t, svc)
	report, err := svc.GenerateReport(ctx, contract.ID, 1, 2024)
	require.NoError(t, err)
	_, err = svc.MarkReportPaid(ctx, report.ID, day(2024, time.February, 1), billing.MethodTransfer, "TRANS-001", "Admin")
	require.NoError(t, err)

	// THEN: Moving to pending is refused, cancelling is allowed
	_, err = svc.Contracts.UpdateStatus(ctx, contract.ID, billing.ContractPending)
	assert.True(t, billing.IsConflict(err))

	got, err := svc.Contracts.UpdateStatus(ctx, contract.ID, billing.ContractCancelled)
	require.NoError(t, err)
	assert.Equal(t, billing.ContractCancelled, got.Status)
}

func TestUpdateTerms_FrozenBySettledPeriod(t *testing.T) {
	// GIVEN: A paid January report
	svc, _ := newService(t)
	ctx := context.Background()
	contract, _ := januaryFixture(t, svc)
	report, err := svc.GenerateReport(ctx, contract.ID, 1, 2024)
	require.NoError(t, err)
	_, err = svc.MarkReportPaid(ctx, report.ID, day(2024, time.February, 1), billing.MethodTransfer, "TRANS-001", "Admin")
	require.NoError(t, err)

	terms := billing.ContractTerms{
		Name:           "ACME 2024 (renamed)",
		StartDate:      contract.StartDate,
		EndDate:        contract.EndDate,
		CostPerSession: d("1800"),
		Notes:          "price review",
	}

	// WHEN: Changing the price
	_, err = svc.Contracts.UpdateTerms(ctx, contract.ID, terms)

	// THEN: Conflict; the paid month depends on the old price
	assert.True(t, billing.IsConflict(err), "got %v", err)

	// AND: Cosmetic edits still go through
	terms.CostPerSession = contract.CostPerSession
	got, err := svc.Contracts.UpdateTerms(ctx, contract.ID, terms)
	require.NoError(t, err)
	assert.Equal(t, "ACME 2024 (renamed)", got.Name)
	assert.Equal(t, "price review", got.Notes)
}

func TestUpdateTerms_AllowedWithoutPaidReports(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	contract := createContract(t, svc, "1500", nil)
	limit := d("5000")

	got, err := svc.Contracts.UpdateTerms(ctx, contract.ID, billing.ContractTerms{
		Name:           contract.Name,
		StartDate:      contract.StartDate,
		EndDate:        day(2025, time.June, 30),
		CostPerSession: d("1600"),
		MonthlyLimit:   &limit,
	})
	require.NoError(t, err)
	assert.True(t, got.CostPerSession.Equal(d("1600")))
	require.NotNil(t, got.MonthlyLimit)
	assert.True(t, got.MonthlyLimit.Equal(limit))
	assert.Equal(t, billing.FrequencyMonthly, got.PaymentFrequency, "empty frequency keeps the current one")

	_, err = svc.Contracts.UpdateTerms(ctx, "missing", billing.ContractTerms{})
	assert.True(t, billing.IsNotFound(err))
}

func TestListContracts_FilterByCompany(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	createContract(t, svc, "100", nil)
	_, err := svc.Contracts.Create(ctx, billing.Contract{
		CompanyID:      "globex",
		Name:           "Globex",
		StartDate:      day(2024, time.January, 1),
		EndDate:        day(2024, time.December, 31),
		CostPerSession: d("100"),
	})
	require.NoError(t, err)

	all, err := svc.Contracts.List(ctx, billing.ContractListFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	globex, err := svc.Contracts.List(ctx, billing.ContractListFilter{CompanyID: "globex"})
	require.NoError(t, err)
	require.Len(t, globex, 1)
	assert.Equal(t, "Globex", globex[0].Name)

	_, err = svc.Contracts.List(ctx, billing.ContractListFilter{Status: "bogus"})
	assert.ErrorIs(t, err, billing.ErrValidation)
}
