package factory

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/contract-billing/billing"
)

func TestParseContract_Defaults(t *testing.T) {
	f := New()

	c, err := f.ParseContract([]byte(`{
		"company_id": " acme ",
		"name": "ACME 2024",
		"start_date": "2024-01-01",
		"end_date": "2024-12-31",
		"cost_per_session": "1500.00"
	}`))
	require.NoError(t, err)

	assert.Equal(t, billing.CompanyID("acme"), c.CompanyID)
	assert.Equal(t, time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC), c.StartDate)
	assert.Equal(t, "1500.00", c.CostPerSession.StringFixed(2))
	assert.Nil(t, c.MonthlyLimit, "absent limit means unlimited")
	assert.Equal(t, billing.FrequencyMonthly, c.PaymentFrequency)
	assert.Equal(t, billing.ContractActive, c.Status)
}

func TestParseContract_FieldErrors(t *testing.T) {
	f := New()
	tests := []struct {
		name  string
		body  string
		field string
	}{
		{"bad start", `{"company_id":"a","name":"n","start_date":"01/01/2024","end_date":"2024-12-31","cost_per_session":"1"}`, "start_date"},
		{"missing end", `{"company_id":"a","name":"n","start_date":"2024-01-01","cost_per_session":"1"}`, "end_date"},
		{"bad cost", `{"company_id":"a","name":"n","start_date":"2024-01-01","end_date":"2024-12-31","cost_per_session":"abc"}`, "cost_per_session"},
		{"bad limit", `{"company_id":"a","name":"n","start_date":"2024-01-01","end_date":"2024-12-31","cost_per_session":"1","monthly_limit":"x"}`, "monthly_limit"},
		{"negative cost", `{"company_id":"a","name":"n","start_date":"2024-01-01","end_date":"2024-12-31","cost_per_session":"-5"}`, "cost_per_session"},
		{"cost finer than a cent", `{"company_id":"a","name":"n","start_date":"2024-01-01","end_date":"2024-12-31","cost_per_session":"1.005"}`, "cost_per_session"},
		{"missing company", `{"name":"n","start_date":"2024-01-01","end_date":"2024-12-31","cost_per_session":"1"}`, "company_id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.ParseContract([]byte(tt.body))
			var verr *billing.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}

	_, err := f.ParseContract([]byte(`{not json`))
	assert.ErrorIs(t, err, billing.ErrValidation)
}

func TestSessionFromJSON_CostFromContract(t *testing.T) {
	f := New()
	contract := &billing.Contract{ID: "c-1", CostPerSession: decimal.RequireFromString("1500")}

	s, err := f.SessionFromJSON(SessionJSON{PatientID: "p-ana", Date: "2024-01-10"}, contract)
	require.NoError(t, err)
	assert.Equal(t, billing.ContractID("c-1"), s.ContractID)
	assert.True(t, s.Cost.Equal(contract.CostPerSession))
	assert.True(t, s.PaidAmount.IsZero())

	// An explicit cost wins
	cost := "1200"
	s, err = f.SessionFromJSON(SessionJSON{PatientID: "p-ana", Date: "2024-01-10", Cost: &cost}, contract)
	require.NoError(t, err)
	assert.Equal(t, "1200.00", s.Cost.StringFixed(2))
}

func TestSessionFromJSON_Errors(t *testing.T) {
	f := New()
	contract := &billing.Contract{ID: "c-1", CostPerSession: decimal.RequireFromString("1500")}
	cost := "300"

	tests := []struct {
		name     string
		sj       SessionJSON
		contract *billing.Contract
		field    string
	}{
		{"contract mismatch", SessionJSON{PatientID: "p", ContractID: "c-2", Date: "2024-01-10"}, contract, "contract_id"},
		{"ad-hoc needs cost", SessionJSON{PatientID: "p", Date: "2024-01-10"}, nil, "cost"},
		{"bad date", SessionJSON{PatientID: "p", Date: "10-01-2024", Cost: &cost}, nil, "date"},
		{"bad paid", SessionJSON{PatientID: "p", Date: "2024-01-10", Cost: &cost, PaidAmount: "lots"}, nil, "paid_amount"},
		{"overpaid", SessionJSON{PatientID: "p", Date: "2024-01-10", Cost: &cost, PaidAmount: "301"}, nil, "paid_amount"},
		{"missing patient", SessionJSON{Date: "2024-01-10", Cost: &cost}, nil, "patient_id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.SessionFromJSON(tt.sj, tt.contract)
			var verr *billing.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestParseDate_AcceptsRFC3339(t *testing.T) {
	got, err := ParseDate("date", "2024-01-10T09:30:00-03:00")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, time.January, 10, 12, 30, 0, 0, time.UTC), got)
}

func TestContractToJSON(t *testing.T) {
	f := New()
	limit := decimal.RequireFromString("3000")
	cj := f.ContractToJSON(billing.Contract{
		ID:               "c-1",
		CompanyID:        "acme",
		Name:             "ACME",
		StartDate:        time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC),
		EndDate:          time.Date(2024, time.December, 31, 0, 0, 0, 0, time.UTC),
		CostPerSession:   decimal.RequireFromString("1500"),
		MonthlyLimit:     &limit,
		PaymentFrequency: billing.FrequencyMonthly,
		Status:           billing.ContractActive,
	})

	assert.Equal(t, "2024-12-31", cj.EndDate)
	assert.Equal(t, "1500.00", cj.CostPerSession)
	require.NotNil(t, cj.MonthlyLimit)
	assert.Equal(t, "3000.00", *cj.MonthlyLimit)

	back, err := f.ContractFromJSON(cj)
	require.NoError(t, err)
	assert.Equal(t, billing.ContractID("c-1"), back.ID)
	assert.True(t, back.MonthlyLimit.Equal(limit))
}
