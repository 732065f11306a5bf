/*
service.go - Core-facing entry point

PURPOSE:
  Wires the six billing components over one TxStore and exposes the
  operations the HTTP API and demo scenarios call. Components share a logger,
  a clock and the transaction timeout; none of them keeps state between
  calls.

COMPONENTS:
  Contracts      Contract Registry
  Sessions       Session Ledger
  Balances       Outstanding Balance Calculator
  Reports        Monthly Report Generator
  Reconciliation Payment Reconciliation Engine
  Allocator      Partial Payment Allocator

EXAMPLE:
  svc := billing.NewService(store, billing.WithLogger(logger))

  preview, err := svc.PreviewReport(ctx, contractID, 1, 2024)
  report, err := svc.GenerateReport(ctx, contractID, 1, 2024)
  report, err = svc.MarkReportPaid(ctx, report.ID, paidAt,
      billing.MethodTransfer, "TRANS-001", "Admin")
*/
package billing

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// =============================================================================
// SHARED DEPENDENCIES
// =============================================================================

type deps struct {
	store     TxStore
	log       zerolog.Logger
	now       func() time.Time
	txTimeout time.Duration
}

// inTx runs fn in one store transaction bounded by the configured timeout.
func (d *deps) inTx(ctx context.Context, fn func(Store) error) error {
	if d.txTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.txTimeout)
		defer cancel()
	}
	return d.store.WithTx(ctx, fn)
}

// Option configures a Service.
type Option func(*deps)

func WithLogger(l zerolog.Logger) Option {
	return func(d *deps) { d.log = l }
}

// WithClock replaces time.Now. Tests pin "today" with it.
func WithClock(now func() time.Time) Option {
	return func(d *deps) { d.now = now }
}

// WithTxTimeout bounds every store transaction. Zero means no bound
// beyond the caller's context.
func WithTxTimeout(timeout time.Duration) Option {
	return func(d *deps) { d.txTimeout = timeout }
}

// =============================================================================
// SERVICE
// =============================================================================

type Service struct {
	Contracts      *ContractRegistry
	Sessions       *SessionLedger
	Balances       *BalanceCalculator
	Reports        *ReportGenerator
	Reconciliation *ReconciliationEngine
	Allocator      *PartialPaymentAllocator

	deps *deps
}

func NewService(store TxStore, opts ...Option) *Service {
	d := &deps{
		store: store,
		log:   zerolog.Nop(),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}

	ledger := &SessionLedger{deps: d}
	return &Service{
		Contracts:      &ContractRegistry{deps: d},
		Sessions:       ledger,
		Balances:       &BalanceCalculator{deps: d},
		Reports:        &ReportGenerator{deps: d},
		Reconciliation: &ReconciliationEngine{deps: d},
		Allocator:      &PartialPaymentAllocator{deps: d, ledger: ledger},
		deps:           d,
	}
}

// Now is the service clock.
func (s *Service) Now() time.Time { return s.deps.now() }

// DefaultPeriod suggests the month preceding today.
func (s *Service) DefaultPeriod() Period { return DefaultPeriod(s.deps.now()) }

func (s *Service) PreviewReport(ctx context.Context, contractID ContractID, month, year int) (*ReportPreview, error) {
	period, err := NewPeriod(month, year)
	if err != nil {
		return nil, err
	}
	return s.Reports.Preview(ctx, contractID, period)
}

func (s *Service) GenerateReport(ctx context.Context, contractID ContractID, month, year int) (*MonthlyReport, error) {
	period, err := NewPeriod(month, year)
	if err != nil {
		return nil, err
	}
	return s.Reports.Generate(ctx, contractID, period)
}

func (s *Service) MarkReportPaid(ctx context.Context, reportID ReportID, paymentDate time.Time, method PaymentMethod, reference, payer string) (*MonthlyReport, error) {
	return s.Reconciliation.MarkPaid(ctx, reportID, ReportPayment{
		PaidAt:    paymentDate,
		Method:    method,
		Reference: reference,
		PaidBy:    payer,
	})
}

func (s *Service) GetReport(ctx context.Context, id ReportID) (*MonthlyReport, error) {
	return s.Reports.Get(ctx, id)
}

func (s *Service) ListReports(ctx context.Context, filter ReportFilter) ([]ReportSummary, error) {
	return s.Reports.List(ctx, filter)
}

func (s *Service) GetOutstandingBalance(ctx context.Context, scope BalanceScope, id string) (decimal.Decimal, error) {
	return s.Balances.Outstanding(ctx, scope, id)
}

func (s *Service) ApplyPartialPayment(ctx context.Context, req PartialPaymentRequest) ([]LedgerEntry, error) {
	return s.Allocator.Apply(ctx, req)
}
