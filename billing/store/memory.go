// Package store provides Store implementations.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/warp/contract-billing/billing"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory is a billing.TxStore kept in process memory. Transactions are
// serialized behind one lock and rolled back from a snapshot.
type Memory struct {
	mu sync.RWMutex
	s  *state
}

func NewMemory() *Memory {
	return &Memory{s: newState()}
}

type state struct {
	contracts map[billing.ContractID]billing.Contract
	sessions  map[billing.SessionID]billing.Session
	reports   map[billing.ReportID]billing.MonthlyReport
	claims    map[billing.SessionID]billing.ReportID // report_sessions
	payments  []billing.PaymentEntry
	keys      map[string]map[billing.SessionID]bool
}

func newState() *state {
	return &state{
		contracts: make(map[billing.ContractID]billing.Contract),
		sessions:  make(map[billing.SessionID]billing.Session),
		reports:   make(map[billing.ReportID]billing.MonthlyReport),
		claims:    make(map[billing.SessionID]billing.ReportID),
		keys:      make(map[string]map[billing.SessionID]bool),
	}
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.contracts {
		c.contracts[k] = v
	}
	for k, v := range s.sessions {
		c.sessions[k] = v
	}
	for k, v := range s.reports {
		v.SessionIDs = append([]billing.SessionID(nil), v.SessionIDs...)
		c.reports[k] = v
	}
	for k, v := range s.claims {
		c.claims[k] = v
	}
	c.payments = append([]billing.PaymentEntry(nil), s.payments...)
	for k, v := range s.keys {
		inner := make(map[billing.SessionID]bool, len(v))
		for sid := range v {
			inner[sid] = true
		}
		c.keys[k] = inner
	}
	return c
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(billing.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	snapshot := m.s.clone()
	if err := fn(m.s); err != nil {
		m.s = snapshot
		return err
	}
	// A cancelled caller gets no side effects, same as an uncommitted SQL tx.
	if err := ctx.Err(); err != nil {
		m.s = snapshot
		return err
	}
	return nil
}

// Reset clears all data.
func (m *Memory) Reset(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.s = newState()
	return nil
}

// =============================================================================
// LOCKED WRAPPERS (billing.Store)
// =============================================================================

func (m *Memory) InsertContract(ctx context.Context, c billing.Contract) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.InsertContract(ctx, c)
}

func (m *Memory) GetContract(ctx context.Context, id billing.ContractID) (*billing.Contract, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.GetContract(ctx, id)
}

func (m *Memory) ListContracts(ctx context.Context, companyID billing.CompanyID) ([]billing.Contract, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.ListContracts(ctx, companyID)
}

func (m *Memory) UpdateContract(ctx context.Context, c billing.Contract) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.UpdateContract(ctx, c)
}

func (m *Memory) InsertSession(ctx context.Context, s billing.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.InsertSession(ctx, s)
}

func (m *Memory) GetSession(ctx context.Context, id billing.SessionID) (*billing.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.GetSession(ctx, id)
}

func (m *Memory) ListSessions(ctx context.Context, filter billing.SessionFilter) ([]billing.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.ListSessions(ctx, filter)
}

func (m *Memory) SetSessionPaid(ctx context.Context, id billing.SessionID, reportID billing.ReportID, expected, paid decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.SetSessionPaid(ctx, id, reportID, expected, paid)
}

func (m *Memory) ClaimSessions(ctx context.Context, reportID billing.ReportID, ids []billing.SessionID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot := m.s.clone()
	if err := m.s.ClaimSessions(ctx, reportID, ids); err != nil {
		m.s = snapshot
		return err
	}
	return nil
}

func (m *Memory) InsertReport(ctx context.Context, r billing.MonthlyReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.InsertReport(ctx, r)
}

func (m *Memory) GetReport(ctx context.Context, id billing.ReportID) (*billing.MonthlyReport, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.GetReport(ctx, id)
}

func (m *Memory) LockReport(ctx context.Context, id billing.ReportID) (*billing.MonthlyReport, error) {
	return m.GetReport(ctx, id)
}

func (m *Memory) ListReports(ctx context.Context, filter billing.ReportFilter) ([]billing.MonthlyReport, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.ListReports(ctx, filter)
}

func (m *Memory) MarkReportPaid(ctx context.Context, id billing.ReportID, p billing.ReportPayment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.MarkReportPaid(ctx, id, p)
}

func (m *Memory) AppendPayments(ctx context.Context, entries []billing.PaymentEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot := m.s.clone()
	if err := m.s.AppendPayments(ctx, entries); err != nil {
		m.s = snapshot
		return err
	}
	return nil
}

func (m *Memory) ListPayments(ctx context.Context, sessionID billing.SessionID) ([]billing.PaymentEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.ListPayments(ctx, sessionID)
}

func (m *Memory) PaymentKeyExists(ctx context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.PaymentKeyExists(ctx, key)
}

// =============================================================================
// STATE (unlocked; used directly inside WithTx)
// =============================================================================

func (s *state) InsertContract(_ context.Context, c billing.Contract) error {
	if _, ok := s.contracts[c.ID]; ok {
		return billing.NewConflict("contract", string(c.ID), "already exists")
	}
	s.contracts[c.ID] = c
	return nil
}

func (s *state) GetContract(_ context.Context, id billing.ContractID) (*billing.Contract, error) {
	c, ok := s.contracts[id]
	if !ok {
		return nil, billing.NewNotFound("contract", string(id))
	}
	return &c, nil
}

func (s *state) ListContracts(_ context.Context, companyID billing.CompanyID) ([]billing.Contract, error) {
	var result []billing.Contract
	for _, c := range s.contracts {
		if companyID != "" && c.CompanyID != companyID {
			continue
		}
		result = append(result, c)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Name != result[j].Name {
			return result[i].Name < result[j].Name
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

func (s *state) UpdateContract(_ context.Context, c billing.Contract) error {
	if _, ok := s.contracts[c.ID]; !ok {
		return billing.NewNotFound("contract", string(c.ID))
	}
	s.contracts[c.ID] = c
	return nil
}

func (s *state) InsertSession(_ context.Context, sess billing.Session) error {
	if _, ok := s.sessions[sess.ID]; ok {
		return billing.NewConflict("session", string(sess.ID), "already exists")
	}
	s.sessions[sess.ID] = sess
	return nil
}

func (s *state) GetSession(_ context.Context, id billing.SessionID) (*billing.Session, error) {
	sess, ok := s.sessions[id]
	if !ok {
		return nil, billing.NewNotFound("session", string(id))
	}
	return &sess, nil
}

func (s *state) ListSessions(_ context.Context, f billing.SessionFilter) ([]billing.Session, error) {
	var result []billing.Session
	for _, sess := range s.sessions {
		if f.ContractID != "" && sess.ContractID != f.ContractID {
			continue
		}
		if f.PatientID != "" && sess.PatientID != f.PatientID {
			continue
		}
		if !f.From.IsZero() && sess.Date.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && !sess.Date.Before(f.To) {
			continue
		}
		if f.Unclaimed && sess.IsClaimed() {
			continue
		}
		result = append(result, sess)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].Date.Equal(result[j].Date) {
			return result[i].Date.Before(result[j].Date)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

func (s *state) SetSessionPaid(_ context.Context, id billing.SessionID, reportID billing.ReportID, expected, paid decimal.Decimal) error {
	sess, ok := s.sessions[id]
	if !ok {
		return billing.NewNotFound("session", string(id))
	}
	if sess.ReportID != reportID {
		return claimMismatch(id, sess.ReportID)
	}
	if !sess.PaidAmount.Equal(expected) {
		return billing.NewConflict("session", string(id), "paid amount changed concurrently")
	}
	sess.PaidAmount = paid
	s.sessions[id] = sess
	return nil
}

func (s *state) ClaimSessions(_ context.Context, reportID billing.ReportID, ids []billing.SessionID) error {
	for _, id := range ids {
		sess, ok := s.sessions[id]
		if !ok {
			return billing.NewNotFound("session", string(id))
		}
		if sess.IsClaimed() {
			return billing.NewConflict("session", string(id), "already billed by report "+string(sess.ReportID))
		}
		sess.ReportID = reportID
		s.sessions[id] = sess
	}
	return nil
}

func (s *state) InsertReport(_ context.Context, r billing.MonthlyReport) error {
	if _, ok := s.reports[r.ID]; ok {
		return billing.NewConflict("report", string(r.ID), "already exists")
	}
	for _, sid := range r.SessionIDs {
		if other, ok := s.claims[sid]; ok {
			return billing.NewConflict("session", string(sid), "already billed by report "+string(other))
		}
	}
	for _, sid := range r.SessionIDs {
		s.claims[sid] = r.ID
	}
	r.SessionIDs = append([]billing.SessionID(nil), r.SessionIDs...)
	s.reports[r.ID] = r
	return nil
}

func (s *state) GetReport(_ context.Context, id billing.ReportID) (*billing.MonthlyReport, error) {
	r, ok := s.reports[id]
	if !ok {
		return nil, billing.NewNotFound("report", string(id))
	}
	r.SessionIDs = append([]billing.SessionID(nil), r.SessionIDs...)
	return &r, nil
}

func (s *state) LockReport(ctx context.Context, id billing.ReportID) (*billing.MonthlyReport, error) {
	return s.GetReport(ctx, id)
}

func (s *state) ListReports(_ context.Context, f billing.ReportFilter) ([]billing.MonthlyReport, error) {
	var result []billing.MonthlyReport
	for _, r := range s.reports {
		if f.CompanyID != "" && r.CompanyID != f.CompanyID {
			continue
		}
		if f.ContractID != "" && r.ContractID != f.ContractID {
			continue
		}
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		if f.Month != 0 && int(r.Period.Month) != f.Month {
			continue
		}
		if f.Year != 0 && r.Period.Year != f.Year {
			continue
		}
		r.SessionIDs = append([]billing.SessionID(nil), r.SessionIDs...)
		result = append(result, r)
	}
	sort.Slice(result, func(i, j int) bool {
		a, b := result[i], result[j]
		if a.Period.Year != b.Period.Year {
			return a.Period.Year > b.Period.Year
		}
		if a.Period.Month != b.Period.Month {
			return a.Period.Month > b.Period.Month
		}
		if !a.GeneratedAt.Equal(b.GeneratedAt) {
			return a.GeneratedAt.After(b.GeneratedAt)
		}
		return a.ID < b.ID
	})
	return result, nil
}

func (s *state) MarkReportPaid(_ context.Context, id billing.ReportID, p billing.ReportPayment) error {
	r, ok := s.reports[id]
	if !ok {
		return billing.NewNotFound("report", string(id))
	}
	if r.Status != billing.ReportPending {
		return billing.NewConflict("report", string(id), "report is already "+string(r.Status))
	}
	paidAt := p.PaidAt
	r.Status = billing.ReportPaid
	r.PaidAt = &paidAt
	r.PaidBy = p.PaidBy
	r.PaymentMethod = p.Method
	r.PaymentReference = p.Reference
	s.reports[id] = r
	return nil
}

func (s *state) AppendPayments(_ context.Context, entries []billing.PaymentEntry) error {
	for _, e := range entries {
		if e.IdempotencyKey == "" {
			continue
		}
		if s.keys[e.IdempotencyKey][e.SessionID] {
			return billing.ErrDuplicateIdempotencyKey
		}
	}
	for _, e := range entries {
		if e.IdempotencyKey != "" {
			if s.keys[e.IdempotencyKey] == nil {
				s.keys[e.IdempotencyKey] = make(map[billing.SessionID]bool)
			}
			s.keys[e.IdempotencyKey][e.SessionID] = true
		}
		s.payments = append(s.payments, e)
	}
	return nil
}

func (s *state) ListPayments(_ context.Context, sessionID billing.SessionID) ([]billing.PaymentEntry, error) {
	var result []billing.PaymentEntry
	for _, e := range s.payments {
		if e.SessionID == sessionID {
			result = append(result, e)
		}
	}
	return result, nil
}

func (s *state) PaymentKeyExists(_ context.Context, key string) (bool, error) {
	return len(s.keys[key]) > 0, nil
}

func claimMismatch(id billing.SessionID, current billing.ReportID) error {
	if current == "" {
		return billing.NewConflict("session", string(id), "session is not billed by the report")
	}
	return billing.NewConflict("session", string(id), "session is billed by report "+string(current))
}
