/*
handlers.go - HTTP API handlers for contract billing

PURPOSE:
  Exposes the billing service via REST API. Handles HTTP request/response
  and JSON serialization, and delegates every rule to the billing package.

ENDPOINTS:
  Contracts:
    POST   /api/contracts                    Create contract (factory JSON)
    GET    /api/contracts                    List (?company_id, ?status)
    GET    /api/contracts/{id}               Get contract
    PUT    /api/contracts/{id}/status        Change status
    PUT    /api/contracts/{id}/terms         Edit terms
    GET    /api/contracts/{id}/balance       Balance summary (?month&year)

  Sessions:
    POST   /api/sessions                     Record session
    GET    /api/sessions                     List (?contract_id, ?patient_id)
    GET    /api/sessions/{id}                Get session
    GET    /api/sessions/{id}/payments       Payment journal
    GET    /api/patients/{id}/balance        Patient balance summary
    POST   /api/payments/partial             Apply partial payment

  Reports:
    GET    /api/reports                      List summaries
    GET    /api/reports/default-period       Previous month
    POST   /api/reports/preview              Preview selection
    POST   /api/reports                      Generate report
    GET    /api/reports/{id}                 Get report
    POST   /api/reports/{id}/pay             Mark report paid

  Balances:
    GET    /api/balance/{scope}/{id}         Outstanding (session|contract|patient)

ERROR HANDLING:
  Errors are returned as JSON {"error", "code", "details"}:
  - 400 validation_error:  invalid input (details names the field)
  - 404 not_found:         referenced entity is absent
  - 409 conflict:          re-fetch and retry (already paid, already billed)
  - 422 empty_selection:   nothing to bill for the period
  - 500 consistency_error: stored report no longer matches its sessions
  - 500 internal_error:    anything else

SECURITY NOTE:
  No authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/warp/contract-billing/billing"
	"github.com/warp/contract-billing/factory"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Resetter clears all stored data. Used by demo scenarios only.
type Resetter interface {
	Reset(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Service *billing.Service
	Factory *factory.Factory

	store Resetter
	log   zerolog.Logger

	// Track currently loaded scenario
	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a new handler over the billing service.
func NewHandler(svc *billing.Service, store Resetter, log zerolog.Logger) *Handler {
	return &Handler{
		Service: svc,
		Factory: factory.New(),
		store:   store,
		log:     log,
	}
}

// =============================================================================
// CONTRACT HANDLERS
// =============================================================================

// CreateContract creates a contract from a factory JSON payload.
func (h *Handler) CreateContract(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read request body", err)
		return
	}
	contract, err := h.Factory.ParseContract(body)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	created, err := h.Service.Contracts.Create(r.Context(), *contract)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toContractDTO(h.Factory, *created))
}

// ListContracts lists contracts, filtered by company and effective status.
func (h *Handler) ListContracts(w http.ResponseWriter, r *http.Request) {
	contracts, err := h.Service.Contracts.List(r.Context(), billing.ContractListFilter{
		CompanyID: billing.CompanyID(r.URL.Query().Get("company_id")),
		Status:    billing.ContractStatus(r.URL.Query().Get("status")),
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	dtos := make([]ContractDTO, len(contracts))
	for i, c := range contracts {
		dtos[i] = toContractDTO(h.Factory, c)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetContract(w http.ResponseWriter, r *http.Request) {
	c, err := h.Service.Contracts.Get(r.Context(), billing.ContractID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toContractDTO(h.Factory, *c))
}

func (h *Handler) UpdateContractStatus(w http.ResponseWriter, r *http.Request) {
	var req UpdateStatusRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	c, err := h.Service.Contracts.UpdateStatus(r.Context(),
		billing.ContractID(chi.URLParam(r, "id")), billing.ContractStatus(req.Status))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toContractDTO(h.Factory, *c))
}

func (h *Handler) UpdateContractTerms(w http.ResponseWriter, r *http.Request) {
	var req factory.ContractJSON
	if err := decodeJSON(r, &req); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	terms, err := h.Factory.TermsFromJSON(req)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	c, err := h.Service.Contracts.UpdateTerms(r.Context(), billing.ContractID(chi.URLParam(r, "id")), terms)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toContractDTO(h.Factory, *c))
}

// GetContractBalance summarizes a contract's sessions, optionally for one
// month (?month=1&year=2024).
func (h *Handler) GetContractBalance(w http.ResponseWriter, r *http.Request) {
	period, err := optionalPeriod(r)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	id := chi.URLParam(r, "id")
	sum, err := h.Service.Balances.ContractSummary(r.Context(), billing.ContractID(id), period)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceSummaryDTO(billing.ScopeContract, id, period, sum))
}

// =============================================================================
// SESSION HANDLERS
// =============================================================================

// RecordSession stores a session. With a contract_id and no cost the
// session takes the contract's per-session cost.
func (h *Handler) RecordSession(w http.ResponseWriter, r *http.Request) {
	var req factory.SessionJSON
	if err := decodeJSON(r, &req); err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	var contract *billing.Contract
	if req.ContractID != "" {
		c, err := h.Service.Contracts.Get(r.Context(), billing.ContractID(req.ContractID))
		if err != nil {
			h.writeDomainError(w, r, err)
			return
		}
		contract = c
	}

	session, err := h.Factory.SessionFromJSON(req, contract)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	recorded, err := h.Service.Sessions.Record(r.Context(), *session)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSessionDTO(*recorded))
}

func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.Service.Sessions.List(r.Context(), billing.SessionFilter{
		ContractID: billing.ContractID(r.URL.Query().Get("contract_id")),
		PatientID:  billing.PatientID(r.URL.Query().Get("patient_id")),
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionDTOs(sessions))
}

func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	s, err := h.Service.Sessions.Get(r.Context(), billing.SessionID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionDTO(*s))
}

// ListSessionPayments returns the session's payment journal.
func (h *Handler) ListSessionPayments(w http.ResponseWriter, r *http.Request) {
	entries, err := h.Service.Sessions.Payments(r.Context(), billing.SessionID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	dtos := make([]PaymentEntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toPaymentEntryDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetPatientBalance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sum, err := h.Service.Balances.PatientSummary(r.Context(), billing.PatientID(id))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceSummaryDTO(billing.ScopePatient, id, nil, sum))
}

// ApplyPartialPayment distributes an amount across sessions.
func (h *Handler) ApplyPartialPayment(w http.ResponseWriter, r *http.Request) {
	var req PartialPaymentRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	amount, err := factory.ParseAmount("amount", req.Amount)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	ids := make([]billing.SessionID, len(req.SessionIDs))
	for i, id := range req.SessionIDs {
		ids[i] = billing.SessionID(id)
	}
	entries, err := h.Service.ApplyPartialPayment(r.Context(), billing.PartialPaymentRequest{
		PatientID:      billing.PatientID(req.PatientID),
		SessionIDs:     ids,
		Amount:         amount,
		Order:          billing.AllocationOrder(req.Order),
		Method:         billing.PaymentMethod(req.Method),
		Reference:      req.Reference,
		Payer:          req.Payer,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	resp := PartialPaymentResponse{Amount: amount.StringFixed(2), Entries: make([]LedgerEntryDTO, len(entries))}
	for i, e := range entries {
		resp.Entries[i] = toLedgerEntryDTO(e)
	}
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// REPORT HANDLERS
// =============================================================================

// ListReports returns report summaries, newest period first.
func (h *Handler) ListReports(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	month, err := queryInt(r, "month")
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	year, err := queryInt(r, "year")
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	summaries, err := h.Service.ListReports(r.Context(), billing.ReportFilter{
		CompanyID:  billing.CompanyID(q.Get("company_id")),
		ContractID: billing.ContractID(q.Get("contract_id")),
		Status:     billing.ReportStatus(q.Get("status")),
		Month:      month,
		Year:       year,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	dtos := make([]ReportSummaryDTO, len(summaries))
	for i, s := range summaries {
		dtos[i] = toReportSummaryDTO(s)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetDefaultPeriod suggests the month to bill: the one before today.
func (h *Handler) GetDefaultPeriod(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, toPeriodDTO(h.Service.DefaultPeriod()))
}

func (h *Handler) PreviewReport(w http.ResponseWriter, r *http.Request) {
	var req ReportRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	preview, err := h.Service.PreviewReport(r.Context(), billing.ContractID(req.ContractID), req.Month, req.Year)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPreviewDTO(*preview))
}

func (h *Handler) GenerateReport(w http.ResponseWriter, r *http.Request) {
	var req ReportRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	report, err := h.Service.GenerateReport(r.Context(), billing.ContractID(req.ContractID), req.Month, req.Year)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toReportDTO(*report))
}

func (h *Handler) GetReport(w http.ResponseWriter, r *http.Request) {
	report, err := h.Service.GetReport(r.Context(), billing.ReportID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReportDTO(*report))
}

// MarkReportPaid settles a pending report and all of its sessions.
func (h *Handler) MarkReportPaid(w http.ResponseWriter, r *http.Request) {
	var req MarkPaidRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	paidAt, err := factory.ParseDate("payment_date", req.PaymentDate)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	report, err := h.Service.MarkReportPaid(r.Context(), billing.ReportID(chi.URLParam(r, "id")),
		paidAt, billing.PaymentMethod(req.Method), req.Reference, req.Payer)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReportDTO(*report))
}

// =============================================================================
// BALANCE HANDLERS
// =============================================================================

func (h *Handler) GetOutstandingBalance(w http.ResponseWriter, r *http.Request) {
	scope := chi.URLParam(r, "scope")
	id := chi.URLParam(r, "id")

	outstanding, err := h.Service.GetOutstandingBalance(r.Context(), billing.BalanceScope(scope), id)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceDTO{
		Scope:       scope,
		ID:          id,
		Outstanding: outstanding.StringFixed(2),
	})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps the billing error kinds to HTTP statuses.
func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *billing.ValidationError
	switch {
	case errors.As(err, &verr):
		resp := ErrorResponse{Error: err.Error(), Code: "validation_error"}
		if verr.Field != "" {
			resp.Details = map[string]string{"field": verr.Field}
		}
		writeJSON(w, http.StatusBadRequest, resp)
	case errors.Is(err, billing.ErrNotFound):
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: err.Error(), Code: "not_found"})
	case errors.Is(err, billing.ErrConflict):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: err.Error(), Code: "conflict"})
	case errors.Is(err, billing.ErrEmptySelection):
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{Error: err.Error(), Code: "empty_selection"})
	case errors.Is(err, billing.ErrConsistency):
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: "consistency_error"})
	default:
		h.log.Error().Err(err).
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("path", r.URL.Path).
			Msg("request failed")
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "internal error", Code: "internal_error"})
	}
}

// decodeJSON reads a bounded JSON body. Malformed bodies are validation
// errors.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return &billing.ValidationError{Message: fmt.Sprintf("invalid request body: %v", err)}
	}
	return nil
}

// queryInt parses an optional integer query parameter. Absent is zero.
func queryInt(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, &billing.ValidationError{Field: name, Message: fmt.Sprintf("not a number: %q", raw)}
	}
	return n, nil
}

// optionalPeriod reads ?month&year. Both or neither must be present.
func optionalPeriod(r *http.Request) (*billing.Period, error) {
	month, err := queryInt(r, "month")
	if err != nil {
		return nil, err
	}
	year, err := queryInt(r, "year")
	if err != nil {
		return nil, err
	}
	if month == 0 && year == 0 {
		return nil, nil
	}
	p, err := billing.NewPeriod(month, year)
	if err != nil {
		return nil, err
	}
	return &p, nil
}
