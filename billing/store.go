/*
store.go - Persistence interface for contracts, sessions, reports and payments

PURPOSE:
  Defines the boundary between the billing rules and the database. The
  rules never hold state between calls: every operation reads what it needs
  from a Store and writes back through it.

KEY INTERFACES:
  Store:   Reads and writes for all four record kinds
  TxStore: Store plus WithTx for all-or-nothing units of work

ATOMIC UNITS:
  Report generation and report payment each run inside one WithTx call.
  If fn returns an error the transaction is rolled back and the store is
  left exactly as it was. Cancelling ctx before commit has the same effect.

CONCURRENCY CONTRACT:
  Implementations must make these writes conditional so that a concurrent
  writer loses with ErrConflict instead of overwriting:
  - ClaimSessions:   only sessions with no report link are claimed
  - SetSessionPaid:  only if the paid amount is still the expected one and
                     the report link is still the expected one ("" means
                     unclaimed), so a partial payment cannot land on a
                     session a concurrent generation just billed
  - MarkReportPaid:  only if the report is still pending
  A session id may appear in at most one report row, enforced by a unique
  constraint where the backend has one.

  LockReport and ListSessions with Lock=true take row locks on backends
  that support them (PostgreSQL FOR UPDATE). SQLite and the in-memory store
  serialize transactions instead.

IMPLEMENTATIONS:
  - billing/store/memory.go: In-memory for tests
  - store/sqlite/sqlite.go:  SQLite (default, single node)
  - store/postgres/postgres.go: PostgreSQL via pgx
*/
package billing

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// FILTERS
// =============================================================================

// SessionFilter selects sessions. Zero values mean "any".
type SessionFilter struct {
	ContractID ContractID
	PatientID  PatientID
	From       time.Time // inclusive
	To         time.Time // exclusive
	Unclaimed  bool      // only sessions not linked to a report
	Lock       bool      // take row locks (inside WithTx)
}

// ReportFilter selects reports. Zero values mean "any".
type ReportFilter struct {
	CompanyID  CompanyID
	ContractID ContractID
	Status     ReportStatus
	Month      int
	Year       int
}

// =============================================================================
// STORE
// =============================================================================

type Store interface {
	// Contracts
	InsertContract(ctx context.Context, c Contract) error
	GetContract(ctx context.Context, id ContractID) (*Contract, error)
	ListContracts(ctx context.Context, companyID CompanyID) ([]Contract, error)
	UpdateContract(ctx context.Context, c Contract) error

	// Sessions
	InsertSession(ctx context.Context, s Session) error
	GetSession(ctx context.Context, id SessionID) (*Session, error)
	ListSessions(ctx context.Context, filter SessionFilter) ([]Session, error)
	// SetSessionPaid moves paid_amount from expected to paid while the
	// session is still linked to reportID ("" for unclaimed).
	SetSessionPaid(ctx context.Context, id SessionID, reportID ReportID, expected, paid decimal.Decimal) error
	// ClaimSessions links unclaimed sessions to a report.
	ClaimSessions(ctx context.Context, reportID ReportID, ids []SessionID) error

	// Reports
	InsertReport(ctx context.Context, r MonthlyReport) error
	GetReport(ctx context.Context, id ReportID) (*MonthlyReport, error)
	LockReport(ctx context.Context, id ReportID) (*MonthlyReport, error)
	ListReports(ctx context.Context, filter ReportFilter) ([]MonthlyReport, error)
	MarkReportPaid(ctx context.Context, id ReportID, payment ReportPayment) error

	// Payment journal (append-only)
	AppendPayments(ctx context.Context, entries []PaymentEntry) error
	ListPayments(ctx context.Context, sessionID SessionID) ([]PaymentEntry, error)
	PaymentKeyExists(ctx context.Context, idempotencyKey string) (bool, error)
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}
