/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the store with realistic
	billing data. Each scenario creates a company contract and sessions,
	and some go on to bill or collect them.

AVAILABLE SCENARIOS:

	january-billing:  Three January sessions ready for a monthly report
	paid-report:      January report generated and paid by transfer
	partial-payments: Patient paid part of a session directly
	monthly-cap:      January total above the contract's monthly limit
	empty-period:     Nothing to bill in January

HOW SCENARIOS WORK:
 1. Reset the store (clear all data)
 2. Create contracts via factory JSON
 3. Record sessions via factory JSON
 4. Optionally generate, pay, or partially pay through the service

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "paid-report"}

NOTE:

	Scenarios reset the store. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Handler context
  - factory/billing.go: Contract and session JSON definitions
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/contract-billing/billing"
	"github.com/warp/contract-billing/factory"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "january-billing",
		Name:        "January Billing",
		Description: "ACME contract at 1500.00 per session with three January 2024 sessions",
	},
	{
		ID:          "paid-report",
		Name:        "Paid Report",
		Description: "January 2024 report generated and paid by transfer TRANS-001",
	},
	{
		ID:          "partial-payments",
		Name:        "Partial Payments",
		Description: "A 1500.00 session with 700.00 collected directly from the patient",
	},
	{
		ID:          "monthly-cap",
		Name:        "Monthly Cap",
		Description: "January total of 4500.00 against a 3000.00 monthly limit",
	},
	{
		ID:          "empty-period",
		Name:        "Empty Period",
		Description: "Contract sessions fall in February only; January has nothing to bill",
	},
}

const scenarioContractID = "contract-acme-2024"

var scenarioLoaders = map[string]func(h *Handler, ctx context.Context) error{
	"january-billing":  (*Handler).loadJanuaryBillingScenario,
	"paid-report":      (*Handler).loadPaidReportScenario,
	"partial-payments": (*Handler).loadPartialPaymentsScenario,
	"monthly-cap":      (*Handler).loadMonthlyCapScenario,
	"empty-period":     (*Handler).loadEmptyPeriodScenario,
}

// =============================================================================
// SCENARIO HANDLERS
// =============================================================================

func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, ScenarioDTO{ID: current, Name: current})
}

// LoadScenario resets the store and loads the requested scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	load, ok := scenarioLoaders[req.ScenarioID]
	if !ok {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error: fmt.Sprintf("unknown scenario %q", req.ScenarioID),
			Code:  "validation_error",
		})
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ctx := r.Context()
	if err := h.store.Reset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	h.currentScenario = ""

	if err := load(h, ctx); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}
	h.currentScenario = req.ScenarioID

	h.log.Info().Str("scenario", req.ScenarioID).Msg("scenario loaded")
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// ResetDatabase clears all data.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.store.Reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	h.currentScenario = ""
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadJanuaryBillingScenario(ctx context.Context) error {
	contract, err := h.createContractFromJSON(ctx, `{
		"id": "contract-acme-2024",
		"company_id": "acme",
		"name": "ACME Wellness 2024",
		"start_date": "2024-01-01",
		"end_date": "2024-12-31",
		"cost_per_session": "1500.00",
		"payment_frequency": "monthly"
	}`)
	if err != nil {
		return err
	}

	for _, s := range []factory.SessionJSON{
		{ID: "s-jan-10", PatientID: "patient-ana", Date: "2024-01-10", Type: "physiotherapy"},
		{ID: "s-jan-17", PatientID: "patient-luis", Date: "2024-01-17", Type: "physiotherapy"},
		{ID: "s-jan-24", PatientID: "patient-ana", Date: "2024-01-24", Type: "follow-up"},
	} {
		if err := h.recordSession(ctx, s, contract); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) loadPaidReportScenario(ctx context.Context) error {
	if err := h.loadJanuaryBillingScenario(ctx); err != nil {
		return err
	}

	report, err := h.Service.GenerateReport(ctx, scenarioContractID, 1, 2024)
	if err != nil {
		return fmt.Errorf("generate report: %w", err)
	}
	paidAt := time.Date(2024, time.February, 1, 0, 0, 0, 0, time.UTC)
	if _, err := h.Service.MarkReportPaid(ctx, report.ID, paidAt, billing.MethodTransfer, "TRANS-001", "Admin"); err != nil {
		return fmt.Errorf("mark report paid: %w", err)
	}
	return nil
}

func (h *Handler) loadPartialPaymentsScenario(ctx context.Context) error {
	if _, err := h.createContractFromJSON(ctx, `{
		"id": "contract-acme-2024",
		"company_id": "acme",
		"name": "ACME Wellness 2024",
		"start_date": "2024-01-01",
		"end_date": "2024-12-31",
		"cost_per_session": "1500.00"
	}`); err != nil {
		return err
	}

	// Ad-hoc session outside any contract, collected from the patient
	cost := "1500.00"
	if err := h.recordSession(ctx, factory.SessionJSON{
		ID: "s-adhoc-1", PatientID: "patient-ana", Date: "2024-01-12", Type: "evaluation", Cost: &cost,
	}, nil); err != nil {
		return err
	}

	_, err := h.Service.ApplyPartialPayment(ctx, billing.PartialPaymentRequest{
		PatientID:      "patient-ana",
		SessionIDs:     []billing.SessionID{"s-adhoc-1"},
		Amount:         decimal.RequireFromString("700.00"),
		Order:          billing.OrderSingle,
		Method:         billing.MethodCash,
		Reference:      "front-desk",
		Payer:          "patient-ana",
		IdempotencyKey: "scenario-partial-1",
	})
	if err != nil {
		return fmt.Errorf("apply partial payment: %w", err)
	}
	return nil
}

func (h *Handler) loadMonthlyCapScenario(ctx context.Context) error {
	contract, err := h.createContractFromJSON(ctx, `{
		"id": "contract-acme-2024",
		"company_id": "acme",
		"name": "ACME Wellness 2024 (capped)",
		"start_date": "2024-01-01",
		"end_date": "2024-12-31",
		"cost_per_session": "1500.00",
		"monthly_limit": "3000.00"
	}`)
	if err != nil {
		return err
	}

	for _, s := range []factory.SessionJSON{
		{ID: "s-jan-08", PatientID: "patient-ana", Date: "2024-01-08"},
		{ID: "s-jan-15", PatientID: "patient-luis", Date: "2024-01-15"},
		{ID: "s-jan-22", PatientID: "patient-marta", Date: "2024-01-22"},
	} {
		if err := h.recordSession(ctx, s, contract); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) loadEmptyPeriodScenario(ctx context.Context) error {
	contract, err := h.createContractFromJSON(ctx, `{
		"id": "contract-acme-2024",
		"company_id": "acme",
		"name": "ACME Wellness 2024",
		"start_date": "2024-01-01",
		"end_date": "2024-12-31",
		"cost_per_session": "1500.00"
	}`)
	if err != nil {
		return err
	}
	return h.recordSession(ctx, factory.SessionJSON{
		ID: "s-feb-05", PatientID: "patient-ana", Date: "2024-02-05",
	}, contract)
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) createContractFromJSON(ctx context.Context, jsonStr string) (*billing.Contract, error) {
	c, err := h.Factory.ParseContract([]byte(jsonStr))
	if err != nil {
		return nil, fmt.Errorf("parse contract: %w", err)
	}
	created, err := h.Service.Contracts.Create(ctx, *c)
	if err != nil {
		return nil, fmt.Errorf("create contract: %w", err)
	}
	return created, nil
}

func (h *Handler) recordSession(ctx context.Context, sj factory.SessionJSON, contract *billing.Contract) error {
	s, err := h.Factory.SessionFromJSON(sj, contract)
	if err != nil {
		return fmt.Errorf("session %s: %w", sj.ID, err)
	}
	if _, err := h.Service.Sessions.Record(ctx, *s); err != nil {
		return fmt.Errorf("record session %s: %w", sj.ID, err)
	}
	return nil
}
