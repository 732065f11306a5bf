/*
Package postgres provides a PostgreSQL-backed billing.TxStore using pgx.

PURPOSE:
  Multi-instance persistence. Unlike SQLite, several API processes may
  generate and pay reports against the same database at once, so races are
  settled by the database instead of a process mutex.

CONCURRENCY:
  - LockReport and ListSessions{Lock: true} use SELECT ... FOR UPDATE
  - Claims, settlements and report payment are conditional UPDATEs
  - report_sessions(session_id) is UNIQUE
  - unique_violation (23505) and serialization_failure (40001) surface as
    billing.ErrConflict; nothing is retried here

MONEY:
  NUMERIC(14,2) columns. Values cross the driver as text so decimal.Decimal
  never passes through float64.

USAGE:
  pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
  store := postgres.New(pool)
  if err := store.Migrate(ctx); err != nil { ... }
*/
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/warp/contract-billing/billing"
)

//go:embed schema.sql
var schemaSQL string

// NewPool opens and pings a pgx connection pool.
func NewPool(ctx context.Context, databaseURL string, maxConns, minConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	cfg.MaxConns = maxConns
	cfg.MinConns = minConns

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

// Store implements billing.TxStore over a pgx pool. Outside WithTx every
// call runs on its own pooled connection.
type Store struct {
	*queries
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{queries: &queries{q: pool}, pool: pool}
}

// Migrate applies schema.sql.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schemaSQL)
	return err
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Reset clears all data (for demo scenarios).
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `TRUNCATE payments, report_sessions, reports, sessions, contracts`)
	return err
}

// WithTx runs fn in a READ COMMITTED transaction. Row locks and
// conditional updates inside the billing operations provide isolation.
func (s *Store) WithTx(ctx context.Context, fn func(billing.Store) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&queries{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return mapError(err, "commit")
	}
	return nil
}

// Multi-statement writes get their own transaction when called directly.

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

func (s *Store) AppendPayments(ctx context.Context, entries []billing.PaymentEntry) error {
	return s.WithTx(ctx, func(st billing.Store) error {
		return st.AppendPayments(ctx, entries)
	})
}

// =============================================================================
// QUERIES
// =============================================================================

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type queries struct {
	q queryable
}

// --- contracts ---

const contractCols = `id, company_id, name, start_date, end_date, cost_per_session::text,
	monthly_limit::text, payment_frequency, status, notes, created_at, updated_at`

func (r *queries) InsertContract(ctx context.Context, c billing.Contract) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO contracts (id, company_id, name, start_date, end_date, cost_per_session,
			monthly_limit, payment_frequency, status, notes, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6::numeric,$7::numeric,$8,$9,$10,$11,$12)`,
		string(c.ID), string(c.CompanyID), c.Name, c.StartDate, c.EndDate,
		c.CostPerSession.String(), optDecimal(c.MonthlyLimit),
		string(c.PaymentFrequency), string(c.Status), c.Notes, c.CreatedAt, c.UpdatedAt)
	if isUniqueViolation(err) {
		return billing.NewConflict("contract", string(c.ID), "already exists")
	}
	return mapError(err, "insert contract")
}

func (r *queries) GetContract(ctx context.Context, id billing.ContractID) (*billing.Contract, error) {
	c, err := scanContract(r.q.QueryRow(ctx, `SELECT `+contractCols+` FROM contracts WHERE id = $1`, string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, billing.NewNotFound("contract", string(id))
	}
	if err != nil {
		return nil, mapError(err, "get contract")
	}
	return &c, nil
}

func (r *queries) ListContracts(ctx context.Context, companyID billing.CompanyID) ([]billing.Contract, error) {
	rows, err := r.q.Query(ctx, `
		SELECT `+contractCols+` FROM contracts
		WHERE $1 = '' OR company_id = $1
		ORDER BY name, id`, string(companyID))
	if err != nil {
		return nil, mapError(err, "list contracts")
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

func (r *queries) UpdateContract(ctx context.Context, c billing.Contract) error {
	tag, err := r.q.Exec(ctx, `
		UPDATE contracts SET name=$2, start_date=$3, end_date=$4, cost_per_session=$5::numeric,
			monthly_limit=$6::numeric, payment_frequency=$7, status=$8, notes=$9, updated_at=$10
		WHERE id = $1`,
		string(c.ID), c.Name, c.StartDate, c.EndDate, c.CostPerSession.String(),
		optDecimal(c.MonthlyLimit), string(c.PaymentFrequency), string(c.Status), c.Notes, c.UpdatedAt)
	if err != nil {
		return mapError(err, "update contract")
	}
	if tag.RowsAffected() == 0 {
		return billing.NewNotFound("contract", string(c.ID))
	}
	return nil
}

// --- sessions ---

const sessionCols = `id, patient_id, COALESCE(contract_id, ''), date, type, cost::text,
	paid_amount::text, COALESCE(report_id, ''), created_at`

func (r *queries) InsertSession(ctx context.Context, s billing.Session) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO sessions (id, patient_id, contract_id, date, type, cost, paid_amount, report_id, created_at)
		VALUES ($1,$2,NULLIF($3,''),$4,$5,$6::numeric,$7::numeric,NULLIF($8,''),$9)`,
		string(s.ID), string(s.PatientID), string(s.ContractID), s.Date, s.Type,
		s.Cost.String(), s.PaidAmount.String(), string(s.ReportID), s.CreatedAt)
	if isUniqueViolation(err) {
		return billing.NewConflict("session", string(s.ID), "already exists")
	}
	return mapError(err, "insert session")
}

func (r *queries) GetSession(ctx context.Context, id billing.SessionID) (*billing.Session, error) {
	s, err := scanSession(r.q.QueryRow(ctx, `SELECT `+sessionCols+` FROM sessions WHERE id = $1`, string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, billing.NewNotFound("session", string(id))
	}
	if err != nil {
		return nil, mapError(err, "get session")
	}
	return &s, nil
}

func (r *queries) ListSessions(ctx context.Context, f billing.SessionFilter) ([]billing.Session, error) {
	var where []string
	var args []interface{}
	add := func(cond string, v interface{}) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.ContractID != "" {
		add("contract_id = $%d", string(f.ContractID))
	}
	if f.PatientID != "" {
		add("patient_id = $%d", string(f.PatientID))
	}
	if !f.From.IsZero() {
		add("date >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("date < $%d", f.To)
	}
	if f.Unclaimed {
		where = append(where, "report_id IS NULL")
	}

	query := `SELECT ` + sessionCols + ` FROM sessions`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY date, id`
	if f.Lock {
		query += ` FOR UPDATE`
	}

	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, mapError(err, "list sessions")
	}
	defer rows.Close()

	var result []billing.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, s)
	}
	return result, mapError(rows.Err(), "list sessions")
}

func (r *queries) SetSessionPaid(ctx context.Context, id billing.SessionID, reportID billing.ReportID, expected, paid decimal.Decimal) error {
	// The report_id predicate is re-checked by PostgreSQL after waiting on a
	// row lock, so a session claimed meanwhile is not updated.
	tag, err := r.q.Exec(ctx, `
		UPDATE sessions SET paid_amount = $3::numeric
		WHERE id = $1 AND paid_amount = $2::numeric
		  AND COALESCE(report_id, '') = $4`,
		string(id), expected.String(), paid.String(), string(reportID))
	if err != nil {
		return mapError(err, "set paid amount")
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	current, err := r.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if current.ReportID != reportID {
		if current.ReportID == "" {
			return billing.NewConflict("session", string(id), "session is not billed by the report")
		}
		return billing.NewConflict("session", string(id), "session is billed by report "+string(current.ReportID))
	}
	return billing.NewConflict("session", string(id), "paid amount changed concurrently")
}

func (r *queries) ClaimSessions(ctx context.Context, reportID billing.ReportID, ids []billing.SessionID) error {
	for _, id := range ids {
		tag, err := r.q.Exec(ctx,
			`UPDATE sessions SET report_id = $1 WHERE id = $2 AND report_id IS NULL`,
			string(reportID), string(id))
		if err != nil {
			return mapError(err, "claim session")
		}
		if tag.RowsAffected() == 1 {
			continue
		}
		s, err := r.GetSession(ctx, id)
		if err != nil {
			return err
		}
		return billing.NewConflict("session", string(id), "already billed by report "+string(s.ReportID))
	}
	return nil
}

// --- reports ---

const reportCols = `id, contract_id, company_id, month, year, session_count, patient_count,
	total_amount::text, status, generated_at, exceeds_monthly_limit, paid_at, paid_by,
	payment_method, payment_reference`

func (r *queries) InsertReport(ctx context.Context, rep billing.MonthlyReport) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO reports (id, contract_id, company_id, month, year, session_count, patient_count,
			total_amount, status, generated_at, exceeds_monthly_limit, paid_at, paid_by,
			payment_method, payment_reference)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8::numeric,$9,$10,$11,$12,$13,$14,$15)`,
		string(rep.ID), string(rep.ContractID), string(rep.CompanyID),
		int(rep.Period.Month), rep.Period.Year, rep.SessionCount, rep.PatientCount,
		rep.TotalAmount.String(), string(rep.Status), rep.GeneratedAt, rep.ExceedsMonthlyLimit,
		rep.PaidAt, rep.PaidBy, string(rep.PaymentMethod), rep.PaymentReference)
	if isUniqueViolation(err) {
		return billing.NewConflict("report", string(rep.ID), "already exists")
	}
	if err != nil {
		return mapError(err, "insert report")
	}

	for i, sid := range rep.SessionIDs {
		_, err := r.q.Exec(ctx,
			`INSERT INTO report_sessions (report_id, session_id, position) VALUES ($1,$2,$3)`,
			string(rep.ID), string(sid), i)
		if isUniqueViolation(err) {
			return billing.NewConflict("session", string(sid), "already billed by another report")
		}
		if err != nil {
			return mapError(err, "link report session")
		}
	}
	return nil
}

func (r *queries) GetReport(ctx context.Context, id billing.ReportID) (*billing.MonthlyReport, error) {
	return r.getReport(ctx, id, false)
}

// LockReport reads the report FOR UPDATE; concurrent payers queue on it.
func (r *queries) LockReport(ctx context.Context, id billing.ReportID) (*billing.MonthlyReport, error) {
	return r.getReport(ctx, id, true)
}

func (r *queries) getReport(ctx context.Context, id billing.ReportID, lock bool) (*billing.MonthlyReport, error) {
	query := `SELECT ` + reportCols + ` FROM reports WHERE id = $1`
	if lock {
		query += ` FOR UPDATE`
	}
	rep, err := scanReport(r.q.QueryRow(ctx, query, string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, billing.NewNotFound("report", string(id))
	}
	if err != nil {
		return nil, mapError(err, "get report")
	}
	if rep.SessionIDs, err = r.reportSessionIDs(ctx, rep.ID); err != nil {
		return nil, err
	}
	return &rep, nil
}

func (r *queries) ListReports(ctx context.Context, f billing.ReportFilter) ([]billing.MonthlyReport, error) {
	rows, err := r.q.Query(ctx, `
		SELECT `+reportCols+` FROM reports
		WHERE ($1 = '' OR company_id = $1)
		  AND ($2 = '' OR contract_id = $2)
		  AND ($3 = '' OR status = $3)
		  AND ($4 = 0 OR month = $4)
		  AND ($5 = 0 OR year = $5)
		ORDER BY year DESC, month DESC, generated_at DESC, id`,
		string(f.CompanyID), string(f.ContractID), string(f.Status), f.Month, f.Year)
	if err != nil {
		return nil, mapError(err, "list reports")
	}
	var result []billing.MonthlyReport
	for rows.Next() {
		rep, err := scanReport(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		result = append(result, rep)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, mapError(err, "list reports")
	}

	// A transaction's connection cannot run a query while rows are open.
	for i := range result {
		if result[i].SessionIDs, err = r.reportSessionIDs(ctx, result[i].ID); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func (r *queries) reportSessionIDs(ctx context.Context, id billing.ReportID) ([]billing.SessionID, error) {
	rows, err := r.q.Query(ctx,
		`SELECT session_id FROM report_sessions WHERE report_id = $1 ORDER BY position`, string(id))
	if err != nil {
		return nil, mapError(err, "list report sessions")
	}
	ids, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (billing.SessionID, error) {
		var sid string
		err := row.Scan(&sid)
		return billing.SessionID(sid), err
	})
	if err != nil {
		return nil, mapError(err, "list report sessions")
	}
	return ids, nil
}

func (r *queries) MarkReportPaid(ctx context.Context, id billing.ReportID, p billing.ReportPayment) error {
	tag, err := r.q.Exec(ctx, `
		UPDATE reports SET status=$2, paid_at=$3, paid_by=$4, payment_method=$5, payment_reference=$6
		WHERE id = $1 AND status = $7`,
		string(id), string(billing.ReportPaid), p.PaidAt, p.PaidBy, string(p.Method), p.Reference,
		string(billing.ReportPending))
	if err != nil {
		return mapError(err, "mark report paid")
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	rep, err := r.GetReport(ctx, id)
	if err != nil {
		return err
	}
	return billing.NewConflict("report", string(id), "report is already "+string(rep.Status))
}

// --- payment journal ---

func (r *queries) AppendPayments(ctx context.Context, entries []billing.PaymentEntry) error {
	for _, e := range entries {
		_, err := r.q.Exec(ctx, `
			INSERT INTO payments (id, session_id, report_id, kind, amount, paid_before, paid_after,
				method, reference, payer, idempotency_key, created_at)
			VALUES ($1,$2,NULLIF($3,''),$4,$5::numeric,$6::numeric,$7::numeric,$8,$9,$10,NULLIF($11,''),$12)`,
			string(e.ID), string(e.SessionID), string(e.ReportID), string(e.Kind),
			e.Amount.String(), e.PaidBefore.String(), e.PaidAfter.String(),
			string(e.Method), e.Reference, e.Payer, e.IdempotencyKey, e.CreatedAt)
		if isUniqueViolation(err) {
			return billing.ErrDuplicateIdempotencyKey
		}
		if err != nil {
			return mapError(err, "append payment")
		}
	}
	return nil
}

func (r *queries) ListPayments(ctx context.Context, sessionID billing.SessionID) ([]billing.PaymentEntry, error) {
	rows, err := r.q.Query(ctx, `
		SELECT id, session_id, COALESCE(report_id, ''), kind, amount::text, paid_before::text,
			paid_after::text, method, reference, payer, COALESCE(idempotency_key, ''), created_at
		FROM payments WHERE session_id = $1
		ORDER BY seq`, string(sessionID))
	if err != nil {
		return nil, mapError(err, "list payments")
	}
	defer rows.Close()

	var result []billing.PaymentEntry
	for rows.Next() {
		var (
			e                        billing.PaymentEntry
			id, sid, rid, kind, meth string
			amount, before, after    string
		)
		if err := rows.Scan(&id, &sid, &rid, &kind, &amount, &before, &after,
			&meth, &e.Reference, &e.Payer, &e.IdempotencyKey, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.ID = billing.PaymentID(id)
		e.SessionID = billing.SessionID(sid)
		e.ReportID = billing.ReportID(rid)
		e.Kind = billing.PaymentKind(kind)
		e.Method = billing.PaymentMethod(meth)
		e.CreatedAt = e.CreatedAt.UTC()
		if e.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, err
		}
		if e.PaidBefore, err = decimal.NewFromString(before); err != nil {
			return nil, err
		}
		if e.PaidAfter, err = decimal.NewFromString(after); err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func (r *queries) PaymentKeyExists(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := r.q.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM payments WHERE idempotency_key = $1)`, key).Scan(&exists)
	return exists, mapError(err, "check idempotency key")
}

// =============================================================================
// SCANNING
// =============================================================================

func scanContract(row pgx.Row) (billing.Contract, error) {
	var (
		c                         billing.Contract
		id, company, freq, status string
		cost                      string
		limit                     *string
	)
	err := row.Scan(&id, &company, &c.Name, &c.StartDate, &c.EndDate, &cost, &limit,
		&freq, &status, &c.Notes, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return c, err
	}
	c.ID = billing.ContractID(id)
	c.CompanyID = billing.CompanyID(company)
	c.PaymentFrequency = billing.PaymentFrequency(freq)
	c.Status = billing.ContractStatus(status)
	c.StartDate = c.StartDate.UTC()
	c.EndDate = c.EndDate.UTC()
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	if c.CostPerSession, err = decimal.NewFromString(cost); err != nil {
		return c, err
	}
	if limit != nil {
		l, err := decimal.NewFromString(*limit)
		if err != nil {
			return c, err
		}
		c.MonthlyLimit = &l
	}
	return c, nil
}

func scanSession(row pgx.Row) (billing.Session, error) {
	var (
		s                               billing.Session
		id, patient, contract, reportID string
		cost, paid                      string
	)
	err := row.Scan(&id, &patient, &contract, &s.Date, &s.Type, &cost, &paid, &reportID, &s.CreatedAt)
	if err != nil {
		return s, err
	}
	s.ID = billing.SessionID(id)
	s.PatientID = billing.PatientID(patient)
	s.ContractID = billing.ContractID(contract)
	s.ReportID = billing.ReportID(reportID)
	s.Date = s.Date.UTC()
	s.CreatedAt = s.CreatedAt.UTC()
	if s.Cost, err = decimal.NewFromString(cost); err != nil {
		return s, err
	}
	if s.PaidAmount, err = decimal.NewFromString(paid); err != nil {
		return s, err
	}
	return s, nil
}

func scanReport(row pgx.Row) (billing.MonthlyReport, error) {
	var (
		rep                                 billing.MonthlyReport
		id, contract, company, status, meth string
		month                               int
		total                               string
		paidAt                              *time.Time
	)
	err := row.Scan(&id, &contract, &company, &month, &rep.Period.Year, &rep.SessionCount,
		&rep.PatientCount, &total, &status, &rep.GeneratedAt, &rep.ExceedsMonthlyLimit,
		&paidAt, &rep.PaidBy, &meth, &rep.PaymentReference)
	if err != nil {
		return rep, err
	}
	rep.ID = billing.ReportID(id)
	rep.ContractID = billing.ContractID(contract)
	rep.CompanyID = billing.CompanyID(company)
	rep.Period.Month = time.Month(month)
	rep.Status = billing.ReportStatus(status)
	rep.PaymentMethod = billing.PaymentMethod(meth)
	rep.GeneratedAt = rep.GeneratedAt.UTC()
	if paidAt != nil {
		t := paidAt.UTC()
		rep.PaidAt = &t
	}
	if rep.TotalAmount, err = decimal.NewFromString(total); err != nil {
		return rep, err
	}
	return rep, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func optDecimal(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// mapError turns lost races into billing.ErrConflict and wraps the rest.
func mapError(err error, op string) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505", "40001", "40P01":
			return fmt.Errorf("%s: %s: %w", op, pgErr.Message, billing.ErrConflict)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
