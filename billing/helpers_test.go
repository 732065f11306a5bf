package billing_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/warp/contract-billing/billing"
	"github.com/warp/contract-billing/billing/store"
)

// =============================================================================
// TEST INFRASTRUCTURE
// =============================================================================

// today is the pinned service clock: mid February 2024, so January 2024 is
// the default period and 2024-02-01 is a valid payment date.
var today = time.Date(2024, time.February, 15, 12, 0, 0, 0, time.UTC)

func newService(t *testing.T) (*billing.Service, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	return billing.NewService(mem, billing.WithClock(func() time.Time { return today })), mem
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func day(year int, month time.Month, dd int) time.Time {
	return time.Date(year, month, dd, 0, 0, 0, 0, time.UTC)
}

func createContract(t *testing.T, svc *billing.Service, cost string, limit *decimal.Decimal) *billing.Contract {
	t.Helper()
	c, err := svc.Contracts.Create(context.Background(), billing.Contract{
		CompanyID:      "acme",
		Name:           "ACME 2024",
		StartDate:      day(2024, time.January, 1),
		EndDate:        day(2024, time.December, 31),
		CostPerSession: d(cost),
		MonthlyLimit:   limit,
	})
	require.NoError(t, err)
	return c
}

func recordSession(t *testing.T, svc *billing.Service, contract *billing.Contract, patient billing.PatientID, date time.Time) *billing.Session {
	t.Helper()
	s, err := svc.Sessions.Record(context.Background(), billing.Session{
		PatientID:  patient,
		ContractID: contract.ID,
		Date:       date,
		Cost:       contract.CostPerSession,
	})
	require.NoError(t, err)
	return s
}

func recordAdHoc(t *testing.T, svc *billing.Service, patient billing.PatientID, date time.Time, cost string) *billing.Session {
	t.Helper()
	s, err := svc.Sessions.Record(context.Background(), billing.Session{
		PatientID: patient,
		Date:      date,
		Cost:      d(cost),
	})
	require.NoError(t, err)
	return s
}

// januaryFixture is Scenario A's setup: three January sessions on a
// 1500-per-session contract.
func januaryFixture(t *testing.T, svc *billing.Service) (*billing.Contract, []*billing.Session) {
	t.Helper()
	c := createContract(t, svc, "1500", nil)
	return c, []*billing.Session{
		recordSession(t, svc, c, "p-ana", day(2024, time.January, 10)),
		recordSession(t, svc, c, "p-luis", day(2024, time.January, 17)),
		recordSession(t, svc, c, "p-ana", day(2024, time.January, 24)),
	}
}

// journalSum is Σ amount over a session's payment journal.
func journalSum(t *testing.T, svc *billing.Service, id billing.SessionID) decimal.Decimal {
	t.Helper()
	entries, err := svc.Sessions.Payments(context.Background(), id)
	require.NoError(t, err)
	sum := decimal.Zero
	for _, e := range entries {
		sum = sum.Add(e.Amount)
	}
	return sum
}
