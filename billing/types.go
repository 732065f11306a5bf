/*
Package billing provides the contract billing and payment reconciliation core.

PURPOSE:
  Turns a stream of billable clinic sessions into monthly reports tied to a
  company service contract, and settles those reports against the sessions
  without double billing or double payment. Everything else in the clinic
  application (scheduling, patient CRUD, exports) feeds data into this
  package or reads from it.

KEY CONCEPTS IN THIS FILE (types.go):
  - Contract:      Per-session price and validity window agreed with a company
  - Session:       One billable appointment with a cost and a running paid amount
  - MonthlyReport: Invoice covering a contract's sessions for one month
  - PaymentEntry:  Append-only journal row for every paid-amount change
  - Typed IDs:     Prevent mixing contract/session/report identifiers

DESIGN PRINCIPLES:
  1. Precision: All money is decimal.Decimal, never float64
  2. Derived state: Payment status and effective contract status are computed
  3. Single settlement path: A session is paid either through its report or
     through partial payments, never both
  4. Auditability: Every paid-amount change is journaled

SEE ALSO:
  - store.go: Persistence interfaces
  - report.go: Monthly report generation
  - reconciliation.go: Report payment cascade
  - allocation.go: Partial payments
*/
package billing

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type ContractID string
type CompanyID string
type SessionID string
type PatientID string
type ReportID string
type PaymentID string

func NewContractID() ContractID { return ContractID(uuid.NewString()) }
func NewSessionID() SessionID   { return SessionID(uuid.NewString()) }
func NewReportID() ReportID     { return ReportID(uuid.NewString()) }
func NewPaymentID() PaymentID   { return PaymentID(uuid.NewString()) }

// =============================================================================
// ENUMERATIONS
// =============================================================================

type ContractStatus string

const (
	ContractActive    ContractStatus = "active"
	ContractPending   ContractStatus = "pending"
	ContractExpired   ContractStatus = "expired"
	ContractCancelled ContractStatus = "cancelled"
)

func (s ContractStatus) Valid() bool {
	switch s {
	case ContractActive, ContractPending, ContractExpired, ContractCancelled:
		return true
	}
	return false
}

// IsLifecycleFlag reports whether the status only ends a contract's life
// and never rewrites its historical terms.
func (s ContractStatus) IsLifecycleFlag() bool {
	return s == ContractExpired || s == ContractCancelled
}

type PaymentFrequency string

const (
	FrequencyMonthly   PaymentFrequency = "monthly"
	FrequencyQuarterly PaymentFrequency = "quarterly"
	FrequencyAnnual    PaymentFrequency = "annual"
)

func (f PaymentFrequency) Valid() bool {
	switch f {
	case FrequencyMonthly, FrequencyQuarterly, FrequencyAnnual:
		return true
	}
	return false
}

type ReportStatus string

const (
	ReportPending ReportStatus = "pending"
	ReportPaid    ReportStatus = "paid"
)

func (s ReportStatus) Valid() bool { return s == ReportPending || s == ReportPaid }

type PaymentMethod string

const (
	MethodTransfer PaymentMethod = "transfer"
	MethodCash     PaymentMethod = "cash"
	MethodCheck    PaymentMethod = "check"
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case MethodTransfer, MethodCash, MethodCheck:
		return true
	}
	return false
}

// PaymentStatus is derived from cost and paid amount, never stored.
type PaymentStatus string

const (
	StatusUnpaid  PaymentStatus = "unpaid"
	StatusPartial PaymentStatus = "partial"
	StatusPaid    PaymentStatus = "paid"
)

type PaymentKind string

const (
	KindPartial    PaymentKind = "partial"    // Allocator, outside the report cycle
	KindSettlement PaymentKind = "settlement" // Report marked paid
)

// =============================================================================
// CONTRACT
// =============================================================================

type Contract struct {
	ID               ContractID
	CompanyID        CompanyID
	Name             string
	StartDate        time.Time
	EndDate          time.Time
	CostPerSession   decimal.Decimal
	MonthlyLimit     *decimal.Decimal // nil = unlimited
	PaymentFrequency PaymentFrequency
	Status           ContractStatus
	Notes            string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Validate checks the contract terms. It does not touch the store.
func (c Contract) Validate() error {
	if c.CompanyID == "" {
		return invalid("company_id", "is required")
	}
	if c.Name == "" {
		return invalid("name", "is required")
	}
	if c.StartDate.IsZero() || c.EndDate.IsZero() {
		return invalid("validity", "start and end dates are required")
	}
	if !c.StartDate.Before(c.EndDate) {
		return invalid("validity", "start date %s must be before end date %s",
			c.StartDate.Format(DateLayout), c.EndDate.Format(DateLayout))
	}
	if !c.CostPerSession.IsPositive() {
		return invalid("cost_per_session", "must be positive, got %s", c.CostPerSession)
	}
	if err := checkMoney("cost_per_session", c.CostPerSession); err != nil {
		return err
	}
	if c.MonthlyLimit != nil {
		if !c.MonthlyLimit.IsPositive() {
			return invalid("monthly_limit", "must be positive or absent, got %s", *c.MonthlyLimit)
		}
		if err := checkMoney("monthly_limit", *c.MonthlyLimit); err != nil {
			return err
		}
	}
	if !c.PaymentFrequency.Valid() {
		return invalid("payment_frequency", "unknown frequency %q", c.PaymentFrequency)
	}
	if !c.Status.Valid() {
		return invalid("status", "unknown status %q", c.Status)
	}
	return nil
}

// EffectiveStatus derives expiry from the validity window. A cancelled
// contract stays cancelled.
func (c Contract) EffectiveStatus(now time.Time) ContractStatus {
	if c.Status == ContractCancelled || c.Status == ContractExpired {
		return c.Status
	}
	if dayOf(now).After(dayOf(c.EndDate)) {
		return ContractExpired
	}
	return c.Status
}

// Covers reports whether t falls on a day inside the validity window.
func (c Contract) Covers(t time.Time) bool {
	d := dayOf(t)
	return !d.Before(dayOf(c.StartDate)) && !d.After(dayOf(c.EndDate))
}

// ExceedsLimit reports whether amount goes over the monthly cap.
// The cap is advisory: callers flag it, nothing is blocked.
func (c Contract) ExceedsLimit(amount decimal.Decimal) bool {
	return c.MonthlyLimit != nil && amount.GreaterThan(*c.MonthlyLimit)
}

// termsEqual compares the fields that settled amounts depend on.
func (c Contract) termsEqual(o Contract) bool {
	if !c.CostPerSession.Equal(o.CostPerSession) {
		return false
	}
	if !dayOf(c.StartDate).Equal(dayOf(o.StartDate)) || !dayOf(c.EndDate).Equal(dayOf(o.EndDate)) {
		return false
	}
	if (c.MonthlyLimit == nil) != (o.MonthlyLimit == nil) {
		return false
	}
	return c.MonthlyLimit == nil || c.MonthlyLimit.Equal(*o.MonthlyLimit)
}

// =============================================================================
// SESSION
// =============================================================================

type Session struct {
	ID         SessionID
	PatientID  PatientID
	ContractID ContractID // empty for ad-hoc sessions
	Date       time.Time
	Type       string
	Cost       decimal.Decimal
	PaidAmount decimal.Decimal
	ReportID   ReportID // set once a monthly report claims the session
	CreatedAt  time.Time
}

func (s Session) Validate() error {
	if s.PatientID == "" {
		return invalid("patient_id", "is required")
	}
	if s.Date.IsZero() {
		return invalid("date", "is required")
	}
	if !s.Cost.IsPositive() {
		return invalid("cost", "must be positive, got %s", s.Cost)
	}
	if err := checkMoney("cost", s.Cost); err != nil {
		return err
	}
	if s.PaidAmount.IsNegative() || s.PaidAmount.GreaterThan(s.Cost) {
		return invalid("paid_amount", "must be between 0 and cost %s, got %s", s.Cost, s.PaidAmount)
	}
	if err := checkMoney("paid_amount", s.PaidAmount); err != nil {
		return err
	}
	return nil
}

// Debt is what is still owed on the session.
func (s Session) Debt() decimal.Decimal { return s.Cost.Sub(s.PaidAmount) }

func (s Session) PaymentStatus() PaymentStatus {
	switch {
	case s.PaidAmount.IsZero():
		return StatusUnpaid
	case s.PaidAmount.LessThan(s.Cost):
		return StatusPartial
	default:
		return StatusPaid
	}
}

func (s Session) HasContract() bool { return s.ContractID != "" }
func (s Session) IsClaimed() bool   { return s.ReportID != "" }

// =============================================================================
// MONTHLY REPORT
// =============================================================================

type MonthlyReport struct {
	ID           ReportID
	ContractID   ContractID
	CompanyID    CompanyID
	Period       Period
	SessionIDs   []SessionID // ordered by session date
	SessionCount int
	PatientCount int
	TotalAmount  decimal.Decimal
	Status       ReportStatus
	GeneratedAt  time.Time

	// Advisory: total went over the contract's monthly cap at generation.
	ExceedsMonthlyLimit bool

	// Set exactly once, by the reconciliation engine.
	PaidAt           *time.Time
	PaidBy           string
	PaymentMethod    PaymentMethod
	PaymentReference string
}

func (r MonthlyReport) IsPaid() bool { return r.Status == ReportPaid }

// ReportSummary is the listing view of a report, without session ids.
type ReportSummary struct {
	ID                  ReportID
	ContractID          ContractID
	CompanyID           CompanyID
	Period              Period
	SessionCount        int
	PatientCount        int
	TotalAmount         decimal.Decimal
	Status              ReportStatus
	GeneratedAt         time.Time
	PaidAt              *time.Time
	ExceedsMonthlyLimit bool
}

func (r MonthlyReport) Summary() ReportSummary {
	return ReportSummary{
		ID:                  r.ID,
		ContractID:          r.ContractID,
		CompanyID:           r.CompanyID,
		Period:              r.Period,
		SessionCount:        r.SessionCount,
		PatientCount:        r.PatientCount,
		TotalAmount:         r.TotalAmount,
		Status:              r.Status,
		GeneratedAt:         r.GeneratedAt,
		PaidAt:              r.PaidAt,
		ExceedsMonthlyLimit: r.ExceedsMonthlyLimit,
	}
}

// ReportPayment is the provenance recorded when a report is paid.
type ReportPayment struct {
	PaidAt    time.Time
	Method    PaymentMethod
	Reference string
	PaidBy    string
}

// ReportPreview is an unpersisted selection. It is not a reservation.
type ReportPreview struct {
	ContractID            ContractID
	CompanyID             CompanyID
	Period                Period
	Sessions              []Session
	SessionIDs            []SessionID
	SessionCount          int
	PatientCount          int
	TotalAmount           decimal.Decimal
	MonthlyLimit          *decimal.Decimal
	ExceedsMonthlyLimit   bool
	OutsideContractWindow bool
}

// =============================================================================
// PAYMENT JOURNAL
// =============================================================================

// PaymentEntry is an append-only record of one paid-amount change.
// Σ Amount over a session's entries equals the session's PaidAmount.
type PaymentEntry struct {
	ID             PaymentID
	SessionID      SessionID
	ReportID       ReportID // set for settlements
	Kind           PaymentKind
	Amount         decimal.Decimal
	PaidBefore     decimal.Decimal
	PaidAfter      decimal.Decimal
	Method         PaymentMethod
	Reference      string
	Payer          string
	IdempotencyKey string
	CreatedAt      time.Time
}

// LedgerEntry is the per-session outcome of a partial payment.
type LedgerEntry struct {
	SessionID  SessionID
	Applied    decimal.Decimal
	PaidBefore decimal.Decimal
	PaidAfter  decimal.Decimal
	Remaining  decimal.Decimal
	Status     PaymentStatus
}

// =============================================================================
// HELPERS
// =============================================================================

const DateLayout = "2006-01-02"

// moneyPlaces is the precision every stored amount fits in.
const moneyPlaces = 2

// checkMoney rejects amounts finer than a cent. PostgreSQL stores money
// as NUMERIC(14,2) and would round them.
func checkMoney(field string, d decimal.Decimal) error {
	if !d.Equal(d.Round(moneyPlaces)) {
		return invalid(field, "%s has more than %d decimal places", d, moneyPlaces)
	}
	return nil
}

func dayOf(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

func sumCosts(sessions []Session) decimal.Decimal {
	total := decimal.Zero
	for _, s := range sessions {
		total = total.Add(s.Cost)
	}
	return total
}

func distinctPatients(sessions []Session) int {
	seen := make(map[PatientID]struct{}, len(sessions))
	for _, s := range sessions {
		seen[s.PatientID] = struct{}{}
	}
	return len(seen)
}
