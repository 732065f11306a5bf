/*
Package sqlite provides a SQLite-backed implementation of billing.TxStore.

PURPOSE:
  Default single-node persistence for contracts, sessions, monthly reports
  and the payment journal. store/postgres carries the same schema for
  multi-instance deployments.

KEY TABLES:
  contracts:       Service contracts (terms, validity window, status)
  sessions:        Billable sessions; report_id is the claim link
  reports:         Monthly reports (pending → paid)
  report_sessions: Ordered session list per report
  payments:        Append-only journal of paid-amount changes

CRITICAL CONSTRAINTS:
  - report_sessions(session_id) is UNIQUE: a session is billed at most once
  - payments(idempotency_key, session_id) is UNIQUE: a retried payment is
    journaled at most once
  - Conditional UPDATEs (report_id IS NULL, status = 'pending', paid_amount
    = expected) turn lost races into billing.ErrConflict

MONEY:
  Amounts are stored as TEXT through decimal.Decimal's sql.Scanner and
  driver.Valuer, so nothing passes through float64.

CONCURRENCY:
  Uses sync.RWMutex and a single connection. WithTx holds the write lock
  for the whole unit of work, so SQLite transactions are serialized.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) and foreign keys on.

USAGE:
  store, err := sqlite.New("./data/billing.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  svc := billing.NewService(store)

SEE ALSO:
  - billing/store.go: Interface definitions
  - billing/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/contract-billing/billing"
)

// Store implements billing.TxStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: ":memory:" databases are per-connection, and SQLite
	// allows a single writer anyway.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates the database schema. It is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

const schema = `
	CREATE TABLE IF NOT EXISTS contracts (
		id TEXT PRIMARY KEY,
		company_id TEXT NOT NULL,
		name TEXT NOT NULL,
		start_date TEXT NOT NULL,
		end_date TEXT NOT NULL,
		cost_per_session TEXT NOT NULL,
		monthly_limit TEXT,
		payment_frequency TEXT NOT NULL DEFAULT 'monthly',
		status TEXT NOT NULL DEFAULT 'active',
		notes TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_contracts_company
		ON contracts(company_id);

	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		patient_id TEXT NOT NULL,
		contract_id TEXT REFERENCES contracts(id),
		date TEXT NOT NULL,
		type TEXT NOT NULL DEFAULT '',
		cost TEXT NOT NULL,
		paid_amount TEXT NOT NULL DEFAULT '0',
		report_id TEXT,
		created_at TEXT NOT NULL
	);

	-- Report selection (hot path): contract + month range
	CREATE INDEX IF NOT EXISTS idx_sessions_contract_date
		ON sessions(contract_id, date);
	CREATE INDEX IF NOT EXISTS idx_sessions_patient
		ON sessions(patient_id, date);
	CREATE INDEX IF NOT EXISTS idx_sessions_report
		ON sessions(report_id) WHERE report_id IS NOT NULL;

	CREATE TABLE IF NOT EXISTS reports (
		id TEXT PRIMARY KEY,
		contract_id TEXT NOT NULL REFERENCES contracts(id),
		company_id TEXT NOT NULL,
		month INTEGER NOT NULL,
		year INTEGER NOT NULL,
		session_count INTEGER NOT NULL,
		patient_count INTEGER NOT NULL,
		total_amount TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		generated_at TEXT NOT NULL,
		exceeds_monthly_limit BOOLEAN NOT NULL DEFAULT FALSE,
		paid_at TEXT,
		paid_by TEXT NOT NULL DEFAULT '',
		payment_method TEXT NOT NULL DEFAULT '',
		payment_reference TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_reports_contract_period
		ON reports(contract_id, year, month);
	CREATE INDEX IF NOT EXISTS idx_reports_status
		ON reports(status);

	CREATE TABLE IF NOT EXISTS report_sessions (
		report_id TEXT NOT NULL REFERENCES reports(id),
		session_id TEXT NOT NULL REFERENCES sessions(id),
		position INTEGER NOT NULL,
		PRIMARY KEY (report_id, session_id)
	);

	-- CRITICAL: a session belongs to at most one report
	CREATE UNIQUE INDEX IF NOT EXISTS idx_report_sessions_session
		ON report_sessions(session_id);

	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(id),
		report_id TEXT,
		kind TEXT NOT NULL,
		amount TEXT NOT NULL,
		paid_before TEXT NOT NULL,
		paid_after TEXT NOT NULL,
		method TEXT NOT NULL DEFAULT '',
		reference TEXT NOT NULL DEFAULT '',
		payer TEXT NOT NULL DEFAULT '',
		idempotency_key TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_payments_session
		ON payments(session_id, created_at);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_payments_idempotency
		ON payments(idempotency_key, session_id) WHERE idempotency_key IS NOT NULL;
`

// =============================================================================
// TRANSACTIONAL STORE (billing.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store billing.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&queries{q: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// Reset clears all data (for demo scenarios).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"payments", "report_sessions", "reports", "sessions", "contracts"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// LOCKED ENTRY POINTS (billing.Store interface)
// =============================================================================

func (s *Store) InsertContract(ctx context.Context, c billing.Contract) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&queries{q: s.db}).InsertContract(ctx, c)
}

func (s *Store) GetContract(ctx context.Context, id billing.ContractID) (*billing.Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return (&queries{q: s.db}).GetContract(ctx, id)
}

func (s *Store) ListContracts(ctx context.Context, companyID billing.CompanyID) ([]billing.Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return (&queries{q: s.db}).ListContracts(ctx, companyID)
}

func (s *Store) UpdateContract(ctx context.Context, c billing.Contract) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&queries{q: s.db}).UpdateContract(ctx, c)
}

func (s *Store) InsertSession(ctx context.Context, sess billing.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&queries{q: s.db}).InsertSession(ctx, sess)
}

func (s *Store) GetSession(ctx context.Context, id billing.SessionID) (*billing.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return (&queries{q: s.db}).GetSession(ctx, id)
}

func (s *Store) ListSessions(ctx context.Context, filter billing.SessionFilter) ([]billing.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return (&queries{q: s.db}).ListSessions(ctx, filter)
}

// SetSessionPaid, ClaimSessions, InsertReport and AppendPayments run
// multiple statements and go through WithTx so they apply all or nothing.

func (s *Store) SetSessionPaid(ctx context.Context, id billing.SessionID, reportID billing.ReportID, expected, paid decimal.Decimal) error {
	return s.WithTx(ctx, func(st billing.Store) error {
		return st.SetSessionPaid(ctx, id, reportID, expected, paid)
	})
}

func (s *Store) ClaimSessions(ctx context.Context, reportID billing.ReportID, ids []billing.SessionID) error {
	return s.WithTx(ctx, func(st billing.Store) error {
		return st.ClaimSessions(ctx, reportID, ids)
	})
}

func (s *Store) InsertReport(ctx context.Context, r billing.MonthlyReport) error {
	return s.WithTx(ctx, func(st billing.Store) error {
		return st.InsertReport(ctx, r)
	})
}

func (s *Store) GetReport(ctx context.Context, id billing.ReportID) (*billing.MonthlyReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return (&queries{q: s.db}).GetReport(ctx, id)
}

func (s *Store) LockReport(ctx context.Context, id billing.ReportID) (*billing.MonthlyReport, error) {
	return s.GetReport(ctx, id)
}

func (s *Store) ListReports(ctx context.Context, filter billing.ReportFilter) ([]billing.MonthlyReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return (&queries{q: s.db}).ListReports(ctx, filter)
}

func (s *Store) MarkReportPaid(ctx context.Context, id billing.ReportID, payment billing.ReportPayment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&queries{q: s.db}).MarkReportPaid(ctx, id, payment)
}

func (s *Store) AppendPayments(ctx context.Context, entries []billing.PaymentEntry) error {
	return s.WithTx(ctx, func(st billing.Store) error {
		return st.AppendPayments(ctx, entries)
	})
}

func (s *Store) ListPayments(ctx context.Context, sessionID billing.SessionID) ([]billing.PaymentEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return (&queries{q: s.db}).ListPayments(ctx, sessionID)
}

func (s *Store) PaymentKeyExists(ctx context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return (&queries{q: s.db}).PaymentKeyExists(ctx, key)
}

// =============================================================================
// QUERIES - Shared by the plain handle and open transactions
// =============================================================================

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries implements billing.Store over *sql.DB or *sql.Tx. It never
// locks; callers hold Store.mu.
type queries struct {
	q querier
}

// --- contracts ---

const contractColumns = `id, company_id, name, start_date, end_date, cost_per_session,
	monthly_limit, payment_frequency, status, notes, created_at, updated_at`

func (qs *queries) InsertContract(ctx context.Context, c billing.Contract) error {
	_, err := qs.q.ExecContext(ctx, `
		INSERT INTO contracts (`+contractColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.CompanyID, c.Name,
		formatDate(c.StartDate), formatDate(c.EndDate),
		c.CostPerSession, nullDecimal(c.MonthlyLimit),
		c.PaymentFrequency, c.Status, c.Notes,
		formatTime(c.CreatedAt), formatTime(c.UpdatedAt),
	)
	if isUniqueConstraintError(err) {
		return billing.NewConflict("contract", string(c.ID), "already exists")
	}
	if err != nil {
		return fmt.Errorf("failed to insert contract: %w", err)
	}
	return nil
}

func (qs *queries) GetContract(ctx context.Context, id billing.ContractID) (*billing.Contract, error) {
	row := qs.q.QueryRowContext(ctx, `SELECT `+contractColumns+` FROM contracts WHERE id = ?`, id)
	c, err := scanContract(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, billing.NewNotFound("contract", string(id))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get contract: %w", err)
	}
	return &c, nil
}

func (qs *queries) ListContracts(ctx context.Context, companyID billing.CompanyID) ([]billing.Contract, error) {
	query := `SELECT ` + contractColumns + ` FROM contracts`
	var args []any
	if companyID != "" {
		query += ` WHERE company_id = ?`
		args = append(args, companyID)
	}
	query += ` ORDER BY name, id`

	rows, err := qs.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query contracts: %w", err)
	}
	defer rows.Close()

	var result []billing.Contract
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

func (qs *queries) UpdateContract(ctx context.Context, c billing.Contract) error {
	res, err := qs.q.ExecContext(ctx, `
		UPDATE contracts
		SET name = ?, start_date = ?, end_date = ?, cost_per_session = ?, monthly_limit = ?,
		    payment_frequency = ?, status = ?, notes = ?, updated_at = ?
		WHERE id = ?`,
		c.Name, formatDate(c.StartDate), formatDate(c.EndDate),
		c.CostPerSession, nullDecimal(c.MonthlyLimit),
		c.PaymentFrequency, c.Status, c.Notes, formatTime(c.UpdatedAt),
		c.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update contract: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return billing.NewNotFound("contract", string(c.ID))
	}
	return nil
}

// --- sessions ---

const sessionColumns = `id, patient_id, contract_id, date, type, cost, paid_amount, report_id, created_at`

func (qs *queries) InsertSession(ctx context.Context, sess billing.Session) error {
	_, err := qs.q.ExecContext(ctx, `
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.PatientID, nullString(string(sess.ContractID)),
		formatTime(sess.Date), sess.Type, sess.Cost, sess.PaidAmount,
		nullString(string(sess.ReportID)), formatTime(sess.CreatedAt),
	)
	if isUniqueConstraintError(err) {
		return billing.NewConflict("session", string(sess.ID), "already exists")
	}
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

func (qs *queries) GetSession(ctx context.Context, id billing.SessionID) (*billing.Session, error) {
	row := qs.q.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, billing.NewNotFound("session", string(id))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return &sess, nil
}

// ListSessions ignores filter.Lock: WithTx already serializes writers.
func (qs *queries) ListSessions(ctx context.Context, f billing.SessionFilter) ([]billing.Session, error) {
	var where []string
	var args []any
	if f.ContractID != "" {
		where = append(where, "contract_id = ?")
		args = append(args, f.ContractID)
	}
	if f.PatientID != "" {
		where = append(where, "patient_id = ?")
		args = append(args, f.PatientID)
	}
	if !f.From.IsZero() {
		where = append(where, "date >= ?")
		args = append(args, formatTime(f.From))
	}
	if !f.To.IsZero() {
		where = append(where, "date < ?")
		args = append(args, formatTime(f.To))
	}
	if f.Unclaimed {
		where = append(where, "report_id IS NULL")
	}

	query := `SELECT ` + sessionColumns + ` FROM sessions`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY date ASC, id ASC`

	rows, err := qs.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var result []billing.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, sess)
	}
	return result, rows.Err()
}

func (qs *queries) SetSessionPaid(ctx context.Context, id billing.SessionID, reportID billing.ReportID, expected, paid decimal.Decimal) error {
	// Compare as decimals: "50" and "50.00" are the same amount.
	var stored, linked string
	err := qs.q.QueryRowContext(ctx,
		`SELECT paid_amount, COALESCE(report_id, '') FROM sessions WHERE id = ?`, id).Scan(&stored, &linked)
	if errors.Is(err, sql.ErrNoRows) {
		return billing.NewNotFound("session", string(id))
	}
	if err != nil {
		return fmt.Errorf("failed to read paid amount: %w", err)
	}
	if billing.ReportID(linked) != reportID {
		return claimMismatch(id, billing.ReportID(linked))
	}
	current, err := decimal.NewFromString(stored)
	if err != nil {
		return fmt.Errorf("session %s: bad paid amount %q: %w", id, stored, err)
	}
	if !current.Equal(expected) {
		return billing.NewConflict("session", string(id), "paid amount changed concurrently")
	}

	res, err := qs.q.ExecContext(ctx,
		`UPDATE sessions SET paid_amount = ?
		WHERE id = ? AND paid_amount = ? AND COALESCE(report_id, '') = ?`,
		paid, id, stored, reportID)
	if err != nil {
		return fmt.Errorf("failed to update paid amount: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return billing.NewConflict("session", string(id), "paid amount changed concurrently")
	}
	return nil
}

func claimMismatch(id billing.SessionID, current billing.ReportID) error {
	if current == "" {
		return billing.NewConflict("session", string(id), "session is not billed by the report")
	}
	return billing.NewConflict("session", string(id), "session is billed by report "+string(current))
}

func (qs *queries) ClaimSessions(ctx context.Context, reportID billing.ReportID, ids []billing.SessionID) error {
	for _, id := range ids {
		res, err := qs.q.ExecContext(ctx,
			`UPDATE sessions SET report_id = ? WHERE id = ? AND report_id IS NULL`,
			reportID, id)
		if err != nil {
			return fmt.Errorf("failed to claim session: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			continue
		}
		sess, err := qs.GetSession(ctx, id)
		if err != nil {
			return err
		}
		return billing.NewConflict("session", string(id), "already billed by report "+string(sess.ReportID))
	}
	return nil
}

// --- reports ---

const reportColumns = `id, contract_id, company_id, month, year, session_count, patient_count,
	total_amount, status, generated_at, exceeds_monthly_limit, paid_at, paid_by,
	payment_method, payment_reference`

func (qs *queries) InsertReport(ctx context.Context, r billing.MonthlyReport) error {
	_, err := qs.q.ExecContext(ctx, `
		INSERT INTO reports (`+reportColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.ContractID, r.CompanyID, int(r.Period.Month), r.Period.Year,
		r.SessionCount, r.PatientCount, r.TotalAmount, r.Status,
		formatTime(r.GeneratedAt), r.ExceedsMonthlyLimit, nullTime(r.PaidAt),
		r.PaidBy, r.PaymentMethod, r.PaymentReference,
	)
	if isUniqueConstraintError(err) {
		return billing.NewConflict("report", string(r.ID), "already exists")
	}
	if err != nil {
		return fmt.Errorf("failed to insert report: %w", err)
	}

	for i, sid := range r.SessionIDs {
		_, err := qs.q.ExecContext(ctx,
			`INSERT INTO report_sessions (report_id, session_id, position) VALUES (?, ?, ?)`,
			r.ID, sid, i)
		if isUniqueConstraintError(err) {
			return billing.NewConflict("session", string(sid), "already billed by another report")
		}
		if err != nil {
			return fmt.Errorf("failed to link session to report: %w", err)
		}
	}
	return nil
}

func (qs *queries) GetReport(ctx context.Context, id billing.ReportID) (*billing.MonthlyReport, error) {
	row := qs.q.QueryRowContext(ctx, `SELECT `+reportColumns+` FROM reports WHERE id = ?`, id)
	r, err := scanReport(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, billing.NewNotFound("report", string(id))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get report: %w", err)
	}
	if r.SessionIDs, err = qs.reportSessionIDs(ctx, r.ID); err != nil {
		return nil, err
	}
	return &r, nil
}

func (qs *queries) LockReport(ctx context.Context, id billing.ReportID) (*billing.MonthlyReport, error) {
	return qs.GetReport(ctx, id)
}

func (qs *queries) ListReports(ctx context.Context, f billing.ReportFilter) ([]billing.MonthlyReport, error) {
	var where []string
	var args []any
	if f.CompanyID != "" {
		where = append(where, "company_id = ?")
		args = append(args, f.CompanyID)
	}
	if f.ContractID != "" {
		where = append(where, "contract_id = ?")
		args = append(args, f.ContractID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.Month != 0 {
		where = append(where, "month = ?")
		args = append(args, f.Month)
	}
	if f.Year != 0 {
		where = append(where, "year = ?")
		args = append(args, f.Year)
	}

	query := `SELECT ` + reportColumns + ` FROM reports`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY year DESC, month DESC, generated_at DESC, id ASC`

	rows, err := qs.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query reports: %w", err)
	}
	var result []billing.MonthlyReport
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		result = append(result, r)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, err
	}

	// Session lists are loaded after the cursor is closed: one connection.
	for i := range result {
		if result[i].SessionIDs, err = qs.reportSessionIDs(ctx, result[i].ID); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func (qs *queries) reportSessionIDs(ctx context.Context, id billing.ReportID) ([]billing.SessionID, error) {
	rows, err := qs.q.QueryContext(ctx,
		`SELECT session_id FROM report_sessions WHERE report_id = ? ORDER BY position`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query report sessions: %w", err)
	}
	defer rows.Close()

	var ids []billing.SessionID
	for rows.Next() {
		var sid string
		if err := rows.Scan(&sid); err != nil {
			return nil, err
		}
		ids = append(ids, billing.SessionID(sid))
	}
	return ids, rows.Err()
}

func (qs *queries) MarkReportPaid(ctx context.Context, id billing.ReportID, p billing.ReportPayment) error {
	res, err := qs.q.ExecContext(ctx, `
		UPDATE reports
		SET status = ?, paid_at = ?, paid_by = ?, payment_method = ?, payment_reference = ?
		WHERE id = ? AND status = ?`,
		billing.ReportPaid, formatTime(p.PaidAt), p.PaidBy, p.Method, p.Reference,
		id, billing.ReportPending,
	)
	if err != nil {
		return fmt.Errorf("failed to mark report paid: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	r, err := qs.GetReport(ctx, id)
	if err != nil {
		return err
	}
	return billing.NewConflict("report", string(id), "report is already "+string(r.Status))
}

// --- payment journal ---

const paymentColumns = `id, session_id, report_id, kind, amount, paid_before, paid_after,
	method, reference, payer, idempotency_key, created_at`

func (qs *queries) AppendPayments(ctx context.Context, entries []billing.PaymentEntry) error {
	for _, e := range entries {
		_, err := qs.q.ExecContext(ctx, `
			INSERT INTO payments (`+paymentColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID, e.SessionID, nullString(string(e.ReportID)), e.Kind,
			e.Amount, e.PaidBefore, e.PaidAfter,
			e.Method, e.Reference, e.Payer, nullString(e.IdempotencyKey),
			formatTime(e.CreatedAt),
		)
		if isUniqueConstraintError(err) {
			return billing.ErrDuplicateIdempotencyKey
		}
		if err != nil {
			return fmt.Errorf("failed to append payment: %w", err)
		}
	}
	return nil
}

func (qs *queries) ListPayments(ctx context.Context, sessionID billing.SessionID) ([]billing.PaymentEntry, error) {
	rows, err := qs.q.QueryContext(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE session_id = ?
		ORDER BY created_at ASC, rowid ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query payments: %w", err)
	}
	defer rows.Close()

	var result []billing.PaymentEntry
	for rows.Next() {
		var (
			e                     billing.PaymentEntry
			reportID, key         sql.NullString
			kind, method, created string
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &reportID, &kind,
			&e.Amount, &e.PaidBefore, &e.PaidAfter,
			&method, &e.Reference, &e.Payer, &key, &created); err != nil {
			return nil, err
		}
		e.ReportID = billing.ReportID(reportID.String)
		e.Kind = billing.PaymentKind(kind)
		e.Method = billing.PaymentMethod(method)
		e.IdempotencyKey = key.String
		if e.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func (qs *queries) PaymentKeyExists(ctx context.Context, key string) (bool, error) {
	var count int
	err := qs.q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM payments WHERE idempotency_key = ?", key,
	).Scan(&count)
	return count > 0, err
}

// =============================================================================
// SCANNING
// =============================================================================

type scanner interface {
	Scan(dest ...any) error
}

func scanContract(row scanner) (billing.Contract, error) {
	var (
		c                        billing.Contract
		start, end, created, upd string
		limit                    decimal.NullDecimal
		frequency, status        string
	)
	if err := row.Scan(&c.ID, &c.CompanyID, &c.Name, &start, &end, &c.CostPerSession,
		&limit, &frequency, &status, &c.Notes, &created, &upd); err != nil {
		return c, err
	}
	c.PaymentFrequency = billing.PaymentFrequency(frequency)
	c.Status = billing.ContractStatus(status)
	if limit.Valid {
		l := limit.Decimal
		c.MonthlyLimit = &l
	}

	var err error
	if c.StartDate, err = parseDate(start); err != nil {
		return c, err
	}
	if c.EndDate, err = parseDate(end); err != nil {
		return c, err
	}
	if c.CreatedAt, err = parseTime(created); err != nil {
		return c, err
	}
	if c.UpdatedAt, err = parseTime(upd); err != nil {
		return c, err
	}
	return c, nil
}

func scanSession(row scanner) (billing.Session, error) {
	var (
		s                  billing.Session
		contractID, report sql.NullString
		date, created      string
	)
	if err := row.Scan(&s.ID, &s.PatientID, &contractID, &date, &s.Type,
		&s.Cost, &s.PaidAmount, &report, &created); err != nil {
		return s, err
	}
	s.ContractID = billing.ContractID(contractID.String)
	s.ReportID = billing.ReportID(report.String)

	var err error
	if s.Date, err = parseTime(date); err != nil {
		return s, err
	}
	if s.CreatedAt, err = parseTime(created); err != nil {
		return s, err
	}
	return s, nil
}

func scanReport(row scanner) (billing.MonthlyReport, error) {
	var (
		r              billing.MonthlyReport
		month          int
		status, method string
		generated      string
		paidAt         sql.NullString
	)
	if err := row.Scan(&r.ID, &r.ContractID, &r.CompanyID, &month, &r.Period.Year,
		&r.SessionCount, &r.PatientCount, &r.TotalAmount, &status, &generated,
		&r.ExceedsMonthlyLimit, &paidAt, &r.PaidBy, &method, &r.PaymentReference); err != nil {
		return r, err
	}
	r.Period.Month = time.Month(month)
	r.Status = billing.ReportStatus(status)
	r.PaymentMethod = billing.PaymentMethod(method)

	var err error
	if r.GeneratedAt, err = parseTime(generated); err != nil {
		return r, err
	}
	if paidAt.Valid {
		t, err := parseTime(paidAt.String)
		if err != nil {
			return r, err
		}
		r.PaidAt = &t
	}
	return r, nil
}

// =============================================================================
// HELPERS
// =============================================================================

// Times are stored as RFC3339 in UTC so string order is time order.
func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339) }

func parseTime(s string) (time.Time, error) { return time.Parse(time.RFC3339, s) }

func formatDate(t time.Time) string { return t.UTC().Format(billing.DateLayout) }

func parseDate(s string) (time.Time, error) { return time.Parse(billing.DateLayout, s) }

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
