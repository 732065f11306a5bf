/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the billing domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY:
  Amounts are decimal strings with two places ("4500.00") in both
  directions. JSON numbers are never used for money.

TYPES:
  Contracts: ContractDTO (wraps factory.ContractJSON), UpdateStatusRequest
  Sessions:  SessionDTO, PaymentEntryDTO
  Reports:   ReportRequest, PreviewDTO, ReportDTO, ReportSummaryDTO,
             MarkPaidRequest, PeriodDTO
  Payments:  PartialPaymentRequest, LedgerEntryDTO
  Balances:  BalanceDTO, BalanceSummaryDTO
  Scenarios: ScenarioDTO, LoadScenarioRequest

VALIDATION:
  Validation is done by the factory and the billing package, not in DTOs.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/billing.go: ContractJSON and SessionJSON
*/
package api

import (
	"time"

	"github.com/warp/contract-billing/billing"
	"github.com/warp/contract-billing/factory"
)

// =============================================================================
// CONTRACTS
// =============================================================================

// ContractDTO represents a contract in API responses. Status is the
// effective status.
type ContractDTO struct {
	factory.ContractJSON
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// UpdateStatusRequest changes a contract's status.
type UpdateStatusRequest struct {
	Status string `json:"status"`
}

// =============================================================================
// SESSIONS
// =============================================================================

// SessionDTO represents a session in API responses.
type SessionDTO struct {
	ID            string `json:"id"`
	PatientID     string `json:"patient_id"`
	ContractID    string `json:"contract_id,omitempty"`
	Date          string `json:"date"`
	Type          string `json:"type,omitempty"`
	Cost          string `json:"cost"`
	PaidAmount    string `json:"paid_amount"`
	Debt          string `json:"debt"`
	PaymentStatus string `json:"payment_status"`
	ReportID      string `json:"report_id,omitempty"`
	CreatedAt     string `json:"created_at"`
}

// PaymentEntryDTO is one journal row.
type PaymentEntryDTO struct {
	ID         string `json:"id"`
	SessionID  string `json:"session_id"`
	ReportID   string `json:"report_id,omitempty"`
	Kind       string `json:"kind"`
	Amount     string `json:"amount"`
	PaidBefore string `json:"paid_before"`
	PaidAfter  string `json:"paid_after"`
	Method     string `json:"method,omitempty"`
	Reference  string `json:"reference,omitempty"`
	Payer      string `json:"payer,omitempty"`
	CreatedAt  string `json:"created_at"`
}

// =============================================================================
// REPORTS
// =============================================================================

// ReportRequest selects a contract and month for preview or generation.
type ReportRequest struct {
	ContractID string `json:"contract_id"`
	Month      int    `json:"month"`
	Year       int    `json:"year"`
}

// PeriodDTO is a calendar month.
type PeriodDTO struct {
	Month int    `json:"month"`
	Year  int    `json:"year"`
	Label string `json:"label"` // YYYY-MM
	Start string `json:"start"`
	End   string `json:"end"` // inclusive last day
}

// PreviewDTO is an unpersisted report selection.
type PreviewDTO struct {
	ContractID            string       `json:"contract_id"`
	CompanyID             string       `json:"company_id"`
	Period                PeriodDTO    `json:"period"`
	Sessions              []SessionDTO `json:"sessions"`
	SessionCount          int          `json:"session_count"`
	PatientCount          int          `json:"patient_count"`
	TotalAmount           string       `json:"total_amount"`
	MonthlyLimit          *string      `json:"monthly_limit,omitempty"`
	ExceedsMonthlyLimit   bool         `json:"exceeds_monthly_limit"`
	OutsideContractWindow bool         `json:"outside_contract_window"`
}

// ReportSummaryDTO is the listing view of a report.
type ReportSummaryDTO struct {
	ID                  string    `json:"id"`
	ContractID          string    `json:"contract_id"`
	CompanyID           string    `json:"company_id"`
	Period              PeriodDTO `json:"period"`
	SessionCount        int       `json:"session_count"`
	PatientCount        int       `json:"patient_count"`
	TotalAmount         string    `json:"total_amount"`
	Status              string    `json:"status"`
	GeneratedAt         string    `json:"generated_at"`
	PaidAt              *string   `json:"paid_at,omitempty"`
	ExceedsMonthlyLimit bool      `json:"exceeds_monthly_limit"`
}

// ReportDTO is a full report with its session ids and payment provenance.
type ReportDTO struct {
	ReportSummaryDTO
	SessionIDs       []string `json:"session_ids"`
	PaidBy           string   `json:"paid_by,omitempty"`
	PaymentMethod    string   `json:"payment_method,omitempty"`
	PaymentReference string   `json:"payment_reference,omitempty"`
}

// MarkPaidRequest records a company's payment of a report.
type MarkPaidRequest struct {
	PaymentDate string `json:"payment_date"` // YYYY-MM-DD
	Method      string `json:"method"`
	Reference   string `json:"reference"`
	Payer       string `json:"payer"`
}

// =============================================================================
// PARTIAL PAYMENTS
// =============================================================================

// PartialPaymentRequest applies an amount across sessions.
type PartialPaymentRequest struct {
	PatientID      string   `json:"patient_id,omitempty"`
	SessionIDs     []string `json:"session_ids"`
	Amount         string   `json:"amount"`
	Order          string   `json:"order,omitempty"` // oldest_first (default), given_order, single
	Method         string   `json:"method,omitempty"`
	Reference      string   `json:"reference,omitempty"`
	Payer          string   `json:"payer,omitempty"`
	IdempotencyKey string   `json:"idempotency_key,omitempty"`
}

// LedgerEntryDTO is the per-session outcome of a partial payment.
type LedgerEntryDTO struct {
	SessionID     string `json:"session_id"`
	Applied       string `json:"applied"`
	PaidBefore    string `json:"paid_before"`
	PaidAfter     string `json:"paid_after"`
	Remaining     string `json:"remaining"`
	PaymentStatus string `json:"payment_status"`
}

// PartialPaymentResponse wraps the allocation result.
type PartialPaymentResponse struct {
	Amount  string           `json:"amount"`
	Entries []LedgerEntryDTO `json:"entries"`
}

// =============================================================================
// BALANCES
// =============================================================================

// BalanceDTO is an outstanding balance for one scope.
type BalanceDTO struct {
	Scope       string `json:"scope"`
	ID          string `json:"id"`
	Outstanding string `json:"outstanding"`
}

// BalanceSummaryDTO breaks a set of sessions down by payment state.
type BalanceSummaryDTO struct {
	Scope        string     `json:"scope"`
	ID           string     `json:"id"`
	Period       *PeriodDTO `json:"period,omitempty"`
	SessionCount int        `json:"session_count"`
	UnpaidCount  int        `json:"unpaid_count"`
	PartialCount int        `json:"partial_count"`
	PaidCount    int        `json:"paid_count"`
	Billed       string     `json:"billed"`
	Paid         string     `json:"paid"`
	Outstanding  string     `json:"outstanding"`
}

// =============================================================================
// SCENARIOS
// =============================================================================

// ScenarioDTO describes a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// LoadScenarioRequest selects a scenario to load.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func toContractDTO(f *factory.Factory, c billing.Contract) ContractDTO {
	return ContractDTO{
		ContractJSON: f.ContractToJSON(c),
		CreatedAt:    formatTime(c.CreatedAt),
		UpdatedAt:    formatTime(c.UpdatedAt),
	}
}

func toSessionDTO(s billing.Session) SessionDTO {
	return SessionDTO{
		ID:            string(s.ID),
		PatientID:     string(s.PatientID),
		ContractID:    string(s.ContractID),
		Date:          s.Date.Format(billing.DateLayout),
		Type:          s.Type,
		Cost:          s.Cost.StringFixed(2),
		PaidAmount:    s.PaidAmount.StringFixed(2),
		Debt:          s.Debt().StringFixed(2),
		PaymentStatus: string(s.PaymentStatus()),
		ReportID:      string(s.ReportID),
		CreatedAt:     formatTime(s.CreatedAt),
	}
}

func toSessionDTOs(sessions []billing.Session) []SessionDTO {
	dtos := make([]SessionDTO, len(sessions))
	for i, s := range sessions {
		dtos[i] = toSessionDTO(s)
	}
	return dtos
}

func toPaymentEntryDTO(e billing.PaymentEntry) PaymentEntryDTO {
	return PaymentEntryDTO{
		ID:         string(e.ID),
		SessionID:  string(e.SessionID),
		ReportID:   string(e.ReportID),
		Kind:       string(e.Kind),
		Amount:     e.Amount.StringFixed(2),
		PaidBefore: e.PaidBefore.StringFixed(2),
		PaidAfter:  e.PaidAfter.StringFixed(2),
		Method:     string(e.Method),
		Reference:  e.Reference,
		Payer:      e.Payer,
		CreatedAt:  formatTime(e.CreatedAt),
	}
}

func toPeriodDTO(p billing.Period) PeriodDTO {
	return PeriodDTO{
		Month: int(p.Month),
		Year:  p.Year,
		Label: p.String(),
		Start: p.Start().Format(billing.DateLayout),
		End:   p.LastDay().Format(billing.DateLayout),
	}
}

func toPreviewDTO(p billing.ReportPreview) PreviewDTO {
	dto := PreviewDTO{
		ContractID:            string(p.ContractID),
		CompanyID:             string(p.CompanyID),
		Period:                toPeriodDTO(p.Period),
		Sessions:              toSessionDTOs(p.Sessions),
		SessionCount:          p.SessionCount,
		PatientCount:          p.PatientCount,
		TotalAmount:           p.TotalAmount.StringFixed(2),
		ExceedsMonthlyLimit:   p.ExceedsMonthlyLimit,
		OutsideContractWindow: p.OutsideContractWindow,
	}
	if p.MonthlyLimit != nil {
		l := p.MonthlyLimit.StringFixed(2)
		dto.MonthlyLimit = &l
	}
	return dto
}

func toReportSummaryDTO(r billing.ReportSummary) ReportSummaryDTO {
	dto := ReportSummaryDTO{
		ID:                  string(r.ID),
		ContractID:          string(r.ContractID),
		CompanyID:           string(r.CompanyID),
		Period:              toPeriodDTO(r.Period),
		SessionCount:        r.SessionCount,
		PatientCount:        r.PatientCount,
		TotalAmount:         r.TotalAmount.StringFixed(2),
		Status:              string(r.Status),
		GeneratedAt:         formatTime(r.GeneratedAt),
		ExceedsMonthlyLimit: r.ExceedsMonthlyLimit,
	}
	if r.PaidAt != nil {
		paid := r.PaidAt.Format(billing.DateLayout)
		dto.PaidAt = &paid
	}
	return dto
}

func toReportDTO(r billing.MonthlyReport) ReportDTO {
	ids := make([]string, len(r.SessionIDs))
	for i, id := range r.SessionIDs {
		ids[i] = string(id)
	}
	return ReportDTO{
		ReportSummaryDTO: toReportSummaryDTO(r.Summary()),
		SessionIDs:       ids,
		PaidBy:           r.PaidBy,
		PaymentMethod:    string(r.PaymentMethod),
		PaymentReference: r.PaymentReference,
	}
}

func toLedgerEntryDTO(e billing.LedgerEntry) LedgerEntryDTO {
	return LedgerEntryDTO{
		SessionID:     string(e.SessionID),
		Applied:       e.Applied.StringFixed(2),
		PaidBefore:    e.PaidBefore.StringFixed(2),
		PaidAfter:     e.PaidAfter.StringFixed(2),
		Remaining:     e.Remaining.StringFixed(2),
		PaymentStatus: string(e.Status),
	}
}

func toBalanceSummaryDTO(scope billing.BalanceScope, id string, period *billing.Period, s billing.BalanceSummary) BalanceSummaryDTO {
	dto := BalanceSummaryDTO{
		Scope:        string(scope),
		ID:           id,
		SessionCount: s.SessionCount,
		UnpaidCount:  s.UnpaidCount,
		PartialCount: s.PartialCount,
		PaidCount:    s.PaidCount,
		Billed:       s.Billed.StringFixed(2),
		Paid:         s.Paid.StringFixed(2),
		Outstanding:  s.Outstanding.StringFixed(2),
	}
	if period != nil {
		p := toPeriodDTO(*period)
		dto.Period = &p
	}
	return dto
}
