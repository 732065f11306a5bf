package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/contract-billing/billing"
)

func seedSession(t *testing.T, m *Memory, id billing.SessionID) {
	t.Helper()
	require.NoError(t, m.InsertSession(context.Background(), billing.Session{
		ID:        id,
		PatientID: "p-ana",
		Date:      time.Date(2024, time.January, 10, 0, 0, 0, 0, time.UTC),
		Cost:      decimal.RequireFromString("1500"),
	}))
}

func TestMemory_WithTxRollsBackOnError(t *testing.T) {
	// GIVEN: A stored session
	m := NewMemory()
	ctx := context.Background()
	seedSession(t, m, "s1")

	// WHEN: A transaction writes and then fails
	boom := errors.New("boom")
	err := m.WithTx(ctx, func(st billing.Store) error {
		require.NoError(t, st.SetSessionPaid(ctx, "s1", "", decimal.Zero, decimal.RequireFromString("100")))
		require.NoError(t, st.AppendPayments(ctx, []billing.PaymentEntry{{ID: "p1", SessionID: "s1", IdempotencyKey: "k1"}}))
		return boom
	})

	// THEN: Nothing it wrote is visible
	assert.ErrorIs(t, err, boom)
	s, err := m.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, s.PaidAmount.IsZero())
	entries, err := m.ListPayments(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, entries)
	exists, err := m.PaymentKeyExists(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestMemory_WithTxRollsBackOnCancel(t *testing.T) {
	m := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	seedSession(t, m, "s1")

	err := m.WithTx(ctx, func(st billing.Store) error {
		if err := st.SetSessionPaid(ctx, "s1", "", decimal.Zero, decimal.RequireFromString("100")); err != nil {
			return err
		}
		cancel()
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)

	s, err := m.GetSession(context.Background(), "s1")
	require.NoError(t, err)
	assert.True(t, s.PaidAmount.IsZero())

	// Already cancelled: fn never runs
	ran := false
	err = m.WithTx(ctx, func(billing.Store) error { ran = true; return nil })
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, ran)
}

func TestMemory_ReportClaimsAreUnique(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	seedSession(t, m, "s1")
	seedSession(t, m, "s2")

	require.NoError(t, m.InsertReport(ctx, billing.MonthlyReport{ID: "r1", Status: billing.ReportPending, SessionIDs: []billing.SessionID{"s1"}}))
	require.NoError(t, m.ClaimSessions(ctx, "r1", []billing.SessionID{"s1"}))

	err := m.InsertReport(ctx, billing.MonthlyReport{ID: "r2", Status: billing.ReportPending, SessionIDs: []billing.SessionID{"s2", "s1"}})
	assert.True(t, billing.IsConflict(err))
	_, err = m.GetReport(ctx, "r2")
	assert.True(t, billing.IsNotFound(err), "partial insert must not be kept")

	err = m.ClaimSessions(ctx, "r2", []billing.SessionID{"s1"})
	assert.True(t, billing.IsConflict(err))

	err = m.ClaimSessions(ctx, "r2", []billing.SessionID{"nope"})
	assert.True(t, billing.IsNotFound(err))
}

func TestMemory_SetSessionPaidChecksClaim(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	seedSession(t, m, "s1")
	seedSession(t, m, "s2")
	require.NoError(t, m.InsertReport(ctx, billing.MonthlyReport{ID: "r1", Status: billing.ReportPending, SessionIDs: []billing.SessionID{"s1"}}))
	require.NoError(t, m.ClaimSessions(ctx, "r1", []billing.SessionID{"s1"}))
	full := decimal.RequireFromString("1500")

	// A writer that saw s1 unclaimed loses
	assert.True(t, billing.IsConflict(m.SetSessionPaid(ctx, "s1", "", decimal.Zero, decimal.RequireFromString("700"))))
	// s2 is billed by no report
	assert.True(t, billing.IsConflict(m.SetSessionPaid(ctx, "s2", "r1", decimal.Zero, full)))

	require.NoError(t, m.SetSessionPaid(ctx, "s1", "r1", decimal.Zero, full))
	s, err := m.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, s.PaidAmount.Equal(full))
	s, err = m.GetSession(ctx, "s2")
	require.NoError(t, err)
	assert.True(t, s.PaidAmount.IsZero())
}

func TestMemory_MarkReportPaidOnlyOnce(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	require.NoError(t, m.InsertReport(ctx, billing.MonthlyReport{ID: "r1", Status: billing.ReportPending}))

	p := billing.ReportPayment{PaidAt: time.Date(2024, time.February, 1, 0, 0, 0, 0, time.UTC), Method: billing.MethodTransfer, Reference: "T-1", PaidBy: "Admin"}
	require.NoError(t, m.MarkReportPaid(ctx, "r1", p))
	assert.True(t, billing.IsConflict(m.MarkReportPaid(ctx, "r1", p)))

	r, err := m.GetReport(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, billing.ReportPaid, r.Status)
	assert.Equal(t, "T-1", r.PaymentReference)
}

func TestMemory_DuplicateIdempotencyKey(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	entry := billing.PaymentEntry{ID: "p1", SessionID: "s1", IdempotencyKey: "k1"}

	require.NoError(t, m.AppendPayments(ctx, []billing.PaymentEntry{entry}))
	entry.ID = "p2"
	assert.ErrorIs(t, m.AppendPayments(ctx, []billing.PaymentEntry{entry}), billing.ErrDuplicateIdempotencyKey)

	// Same key on another session is a separate line of the same receipt
	entry.SessionID = "s2"
	require.NoError(t, m.AppendPayments(ctx, []billing.PaymentEntry{entry}))
}

func TestMemory_Reset(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	seedSession(t, m, "s1")

	require.NoError(t, m.Reset(ctx))

	_, err := m.GetSession(ctx, "s1")
	assert.True(t, billing.IsNotFound(err))
}
