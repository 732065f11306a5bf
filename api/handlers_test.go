/*
handlers_test.go - HTTP tests for the billing API

Tests for:
- Contract and session creation through factory JSON
- Report preview, generation and payment
- Error kind to status code mapping
- Partial payments and balances
*/
package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/contract-billing/billing"
	"github.com/warp/contract-billing/store/sqlite"
)

var testNow = time.Date(2024, time.February, 15, 12, 0, 0, 0, time.UTC)

type testServer struct {
	t       *testing.T
	handler *Handler
	router  http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	svc := billing.NewService(store, billing.WithClock(func() time.Time { return testNow }))
	h := NewHandler(svc, store, zerolog.Nop())
	return &testServer{t: t, handler: h, router: NewRouter(h, []string{"*"}, zerolog.Nop())}
}

// do sends a request and decodes the JSON response into out when non-nil.
func (s *testServer) do(method, path string, body any, out any) int {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else {
			require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	if out != nil {
		require.NoError(s.t, json.Unmarshal(rec.Body.Bytes(), out), rec.Body.String())
	}
	return rec.Code
}

func (s *testServer) createContract(limit string) ContractDTO {
	s.t.Helper()
	body := map[string]any{
		"company_id":       "acme",
		"name":             "ACME 2024",
		"start_date":       "2024-01-01",
		"end_date":         "2024-12-31",
		"cost_per_session": "1500.00",
	}
	if limit != "" {
		body["monthly_limit"] = limit
	}
	var c ContractDTO
	require.Equal(s.t, http.StatusCreated, s.do(http.MethodPost, "/api/contracts", body, &c))
	return c
}

func (s *testServer) recordSession(contractID, patient, date string) SessionDTO {
	s.t.Helper()
	var sess SessionDTO
	code := s.do(http.MethodPost, "/api/sessions", map[string]string{
		"patient_id": patient, "contract_id": contractID, "date": date,
	}, &sess)
	require.Equal(s.t, http.StatusCreated, code)
	return sess
}

func TestAPI_MonthlyBillingCycle(t *testing.T) {
	// GIVEN: A contract with three January sessions
	s := newTestServer(t)
	c := s.createContract("")
	s.recordSession(c.ID, "p-ana", "2024-01-10")
	s.recordSession(c.ID, "p-luis", "2024-01-17")
	s.recordSession(c.ID, "p-ana", "2024-01-24")

	var period PeriodDTO
	require.Equal(t, http.StatusOK, s.do(http.MethodGet, "/api/reports/default-period", nil, &period))
	assert.Equal(t, PeriodDTO{Month: 1, Year: 2024, Label: "2024-01", Start: "2024-01-01", End: "2024-01-31"}, period)

	// WHEN: Previewing and then generating January
	req := ReportRequest{ContractID: c.ID, Month: 1, Year: 2024}
	var preview PreviewDTO
	require.Equal(t, http.StatusOK, s.do(http.MethodPost, "/api/reports/preview", req, &preview))
	assert.Equal(t, 3, preview.SessionCount)
	assert.Equal(t, 2, preview.PatientCount)
	assert.Equal(t, "4500.00", preview.TotalAmount)

	var report ReportDTO
	require.Equal(t, http.StatusCreated, s.do(http.MethodPost, "/api/reports", req, &report))
	assert.Equal(t, "pending", report.Status)
	assert.Len(t, report.SessionIDs, 3)

	// THEN: A second generation conflicts
	var errResp ErrorResponse
	assert.Equal(t, http.StatusConflict, s.do(http.MethodPost, "/api/reports", req, &errResp))
	assert.Equal(t, "conflict", errResp.Code)

	// WHEN: The company pays
	var paid ReportDTO
	require.Equal(t, http.StatusOK, s.do(http.MethodPost, "/api/reports/"+report.ID+"/pay", MarkPaidRequest{
		PaymentDate: "2024-02-01", Method: "transfer", Reference: "TRANS-001", Payer: "Admin",
	}, &paid))

	// THEN: The report and its sessions are settled
	assert.Equal(t, "paid", paid.Status)
	require.NotNil(t, paid.PaidAt)
	assert.Equal(t, "2024-02-01", *paid.PaidAt)
	assert.Equal(t, "TRANS-001", paid.PaymentReference)

	var sessions []SessionDTO
	require.Equal(t, http.StatusOK, s.do(http.MethodGet, "/api/sessions?contract_id="+c.ID, nil, &sessions))
	require.Len(t, sessions, 3)
	for _, sess := range sessions {
		assert.Equal(t, "paid", sess.PaymentStatus)
		assert.Equal(t, "0.00", sess.Debt)
		assert.Equal(t, report.ID, sess.ReportID)
	}

	var bal BalanceDTO
	require.Equal(t, http.StatusOK, s.do(http.MethodGet, "/api/balance/contract/"+c.ID, nil, &bal))
	assert.Equal(t, "0.00", bal.Outstanding)

	var summaries []ReportSummaryDTO
	require.Equal(t, http.StatusOK, s.do(http.MethodGet, "/api/reports?status=paid&year=2024", nil, &summaries))
	require.Len(t, summaries, 1)
	assert.Equal(t, report.ID, summaries[0].ID)
}

func TestAPI_ErrorStatusCodes(t *testing.T) {
	s := newTestServer(t)
	c := s.createContract("")
	s.recordSession(c.ID, "p-ana", "2024-02-05")

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{"malformed body", http.MethodPost, "/api/contracts", "{nope", http.StatusBadRequest, "validation_error"},
		{"invalid month", http.MethodPost, "/api/reports/preview", ReportRequest{ContractID: c.ID, Month: 13, Year: 2024}, http.StatusBadRequest, "validation_error"},
		{"unknown contract", http.MethodPost, "/api/reports", ReportRequest{ContractID: "missing", Month: 1, Year: 2024}, http.StatusNotFound, "not_found"},
		{"unknown report", http.MethodGet, "/api/reports/missing", nil, http.StatusNotFound, "not_found"},
		{"empty month", http.MethodPost, "/api/reports", ReportRequest{ContractID: c.ID, Month: 1, Year: 2024}, http.StatusUnprocessableEntity, "empty_selection"},
		{"bad scope", http.MethodGet, "/api/balance/company/acme", nil, http.StatusBadRequest, "validation_error"},
		{"bad month query", http.MethodGet, "/api/contracts/" + c.ID + "/balance?month=x&year=2024", nil, http.StatusBadRequest, "validation_error"},
		{"unknown scenario", http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "nope"}, http.StatusBadRequest, "validation_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var resp ErrorResponse
			assert.Equal(t, tt.status, s.do(tt.method, tt.path, tt.body, &resp))
			assert.Equal(t, tt.code, resp.Code)
			assert.NotEmpty(t, resp.Error)
		})
	}
}

func TestAPI_ValidationNamesField(t *testing.T) {
	s := newTestServer(t)

	var resp struct {
		Code    string            `json:"code"`
		Details map[string]string `json:"details"`
	}
	code := s.do(http.MethodPost, "/api/contracts", map[string]string{
		"company_id": "acme", "name": "ACME", "start_date": "2024-12-31", "end_date": "2024-01-01", "cost_per_session": "10",
	}, &resp)

	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "validation_error", resp.Code)
	assert.Equal(t, "validity", resp.Details["field"])
}

func TestAPI_MarkPaidRejectsFutureDate(t *testing.T) {
	s := newTestServer(t)
	c := s.createContract("")
	s.recordSession(c.ID, "p-ana", "2024-01-10")
	var report ReportDTO
	require.Equal(t, http.StatusCreated, s.do(http.MethodPost, "/api/reports", ReportRequest{ContractID: c.ID, Month: 1, Year: 2024}, &report))

	var resp struct {
		Code    string            `json:"code"`
		Details map[string]string `json:"details"`
	}
	code := s.do(http.MethodPost, "/api/reports/"+report.ID+"/pay", MarkPaidRequest{
		PaymentDate: "2024-03-01", Method: "transfer", Reference: "T-1", Payer: "Admin",
	}, &resp)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "payment_date", resp.Details["field"])

	var got ReportDTO
	require.Equal(t, http.StatusOK, s.do(http.MethodGet, "/api/reports/"+report.ID, nil, &got))
	assert.Equal(t, "pending", got.Status)
}

func TestAPI_PartialPayment(t *testing.T) {
	// GIVEN: Two ad-hoc sessions for one patient
	s := newTestServer(t)
	var first, second SessionDTO
	require.Equal(t, http.StatusCreated, s.do(http.MethodPost, "/api/sessions",
		map[string]string{"patient_id": "p-ana", "date": "2024-01-05", "cost": "1000"}, &first))
	require.Equal(t, http.StatusCreated, s.do(http.MethodPost, "/api/sessions",
		map[string]string{"patient_id": "p-ana", "date": "2024-01-12", "cost": "1000"}, &second))

	// WHEN: Paying 1500 across both
	req := PartialPaymentRequest{
		PatientID:      "p-ana",
		SessionIDs:     []string{second.ID, first.ID},
		Amount:         "1500.00",
		Method:         "cash",
		IdempotencyKey: "receipt-1",
	}
	var resp PartialPaymentResponse
	require.Equal(t, http.StatusOK, s.do(http.MethodPost, "/api/payments/partial", req, &resp))

	// THEN: Oldest first: the 5th is settled, the 12th half paid
	require.Len(t, resp.Entries, 2)
	assert.Equal(t, first.ID, resp.Entries[0].SessionID)
	assert.Equal(t, "paid", resp.Entries[0].PaymentStatus)
	assert.Equal(t, "500.00", resp.Entries[1].Applied)
	assert.Equal(t, "partial", resp.Entries[1].PaymentStatus)

	var summary BalanceSummaryDTO
	require.Equal(t, http.StatusOK, s.do(http.MethodGet, "/api/patients/p-ana/balance", nil, &summary))
	assert.Equal(t, "2000.00", summary.Billed)
	assert.Equal(t, "1500.00", summary.Paid)
	assert.Equal(t, "500.00", summary.Outstanding)

	var journal []PaymentEntryDTO
	require.Equal(t, http.StatusOK, s.do(http.MethodGet, "/api/sessions/"+second.ID+"/payments", nil, &journal))
	require.Len(t, journal, 1)
	assert.Equal(t, "partial", journal[0].Kind)

	// AND: Replaying the receipt conflicts and changes nothing
	var errResp ErrorResponse
	assert.Equal(t, http.StatusConflict, s.do(http.MethodPost, "/api/payments/partial", req, &errResp))

	// AND: Overpaying is rejected outright
	req.IdempotencyKey = ""
	req.Amount = "600"
	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodPost, "/api/payments/partial", req, &errResp))

	var bal BalanceDTO
	require.Equal(t, http.StatusOK, s.do(http.MethodGet, "/api/balance/patient/p-ana", nil, &bal))
	assert.Equal(t, "500.00", bal.Outstanding)
}

func TestAPI_ContractStatusAndTerms(t *testing.T) {
	s := newTestServer(t)
	c := s.createContract("3000")
	assert.Equal(t, "active", c.Status)
	require.NotNil(t, c.MonthlyLimit)
	assert.Equal(t, "3000.00", *c.MonthlyLimit)

	var updated ContractDTO
	require.Equal(t, http.StatusOK, s.do(http.MethodPut, "/api/contracts/"+c.ID+"/terms", map[string]string{
		"name": "ACME 2024 v2", "start_date": "2024-01-01", "end_date": "2024-12-31", "cost_per_session": "1600",
	}, &updated))
	assert.Equal(t, "1600.00", updated.CostPerSession)
	assert.Nil(t, updated.MonthlyLimit, "absent limit clears it")

	require.Equal(t, http.StatusOK, s.do(http.MethodPut, "/api/contracts/"+c.ID+"/status",
		UpdateStatusRequest{Status: "cancelled"}, &updated))
	assert.Equal(t, "cancelled", updated.Status)

	var errResp ErrorResponse
	assert.Equal(t, http.StatusConflict, s.do(http.MethodPut, "/api/contracts/"+c.ID+"/status",
		UpdateStatusRequest{Status: "active"}, &errResp))

	var list []ContractDTO
	require.Equal(t, http.StatusOK, s.do(http.MethodGet, "/api/contracts?company_id=acme", nil, &list))
	assert.Len(t, list, 1)
}

func TestAPI_Health(t *testing.T) {
	s := newTestServer(t)
	var resp map[string]string
	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/health", nil, &resp))
	assert.Equal(t, "ok", resp["status"])
}
