package api

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/contract-billing/billing"
	"github.com/warp/contract-billing/billing/store"
)

type fakeExpirer struct {
	calls atomic.Int32
	n     int
	err   error
}

func (f *fakeExpirer) ExpireOverdue(ctx context.Context) (int, error) {
	f.calls.Add(1)
	return f.n, f.err
}

func TestExpirySweeper_RunNow(t *testing.T) {
	f := &fakeExpirer{n: 2}
	s := NewExpirySweeper(f, time.Hour, zerolog.Nop())

	assert.Equal(t, 2, s.RunNow())

	f.err = errors.New("database is locked")
	assert.Equal(t, 0, s.RunNow(), "failures are logged, not returned")
	assert.Equal(t, int32(2), f.calls.Load())
}

func TestExpirySweeper_StartRunsImmediately(t *testing.T) {
	f := &fakeExpirer{}
	s := NewExpirySweeper(f, time.Hour, zerolog.Nop())

	s.Start()
	s.Start() // no-op
	require.Eventually(t, func() bool { return f.calls.Load() >= 1 }, time.Second, 5*time.Millisecond)
	s.Stop()
	s.Stop() // no-op

	assert.Equal(t, int32(1), f.calls.Load())
}

func TestExpirySweeper_TicksUntilStopped(t *testing.T) {
	f := &fakeExpirer{}
	s := NewExpirySweeper(f, 10*time.Millisecond, zerolog.Nop())

	s.Start()
	require.Eventually(t, func() bool { return f.calls.Load() >= 3 }, time.Second, 5*time.Millisecond)
	s.Stop()

	after := f.calls.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, f.calls.Load())
}

func TestExpirySweeper_DisabledByZeroInterval(t *testing.T) {
	f := &fakeExpirer{}
	s := NewExpirySweeper(f, 0, zerolog.Nop())

	s.Start()
	s.Stop()

	assert.Equal(t, int32(0), f.calls.Load())
}

func TestExpirySweeper_WithRegistry(t *testing.T) {
	// GIVEN: A contract whose window closed before today
	now := time.Date(2024, time.February, 15, 0, 0, 0, 0, time.UTC)
	mem := store.NewMemory()
	svc := billing.NewService(mem, billing.WithClock(func() time.Time { return now }))
	c, err := svc.Contracts.Create(context.Background(), billing.Contract{
		CompanyID:      "acme",
		Name:           "ACME Q4",
		StartDate:      time.Date(2023, time.October, 1, 0, 0, 0, 0, time.UTC),
		EndDate:        time.Date(2024, time.January, 31, 0, 0, 0, 0, time.UTC),
		CostPerSession: decimal.RequireFromString("100"),
	})
	require.NoError(t, err)

	// WHEN: The sweeper runs against the registry
	s := NewExpirySweeper(svc.Contracts, time.Hour, zerolog.Nop())
	n := s.RunNow()

	// THEN: The stored status is expired
	assert.Equal(t, 1, n)
	stored, err := mem.GetContract(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, billing.ContractExpired, stored.Status)
}
