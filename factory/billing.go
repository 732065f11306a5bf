/*
Package factory converts JSON contract and session payloads into billing types.

PURPOSE:
  Contracts and sessions arrive as JSON (API bodies, demo scenario files,
  admin imports). The factory parses them into billing.Contract and
  billing.Session, turning every malformed field into a
  *billing.ValidationError that names it.

WHY STRINGS FOR MONEY?
  Amounts are decimal strings ("50.00"), never JSON numbers, so no value
  is rounded through float64 on the way in.

JSON SCHEMA:
  Contract:
  {
    "company_id": "acme",
    "name": "ACME 2024",
    "start_date": "2024-01-01",
    "end_date": "2024-12-31",
    "cost_per_session": "50.00",
    "monthly_limit": "1000.00",      // optional, absent = unlimited
    "payment_frequency": "monthly",  // optional, default monthly
    "status": "active"               // optional, default active
  }

  Session:
  {
    "patient_id": "p-1",
    "contract_id": "<contract id>",  // optional, absent = ad-hoc
    "date": "2024-01-15",
    "type": "physiotherapy",
    "cost": "50.00",                 // optional with a contract
    "paid_amount": "0"               // optional
  }

USAGE:
  f := factory.New()
  contract, err := f.ParseContract(body)
  session, err := f.SessionFromJSON(sj, contract)
*/
package factory

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/contract-billing/billing"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// ContractJSON is the JSON representation of a contract.
type ContractJSON struct {
	ID               string  `json:"id,omitempty"`
	CompanyID        string  `json:"company_id"`
	Name             string  `json:"name"`
	StartDate        string  `json:"start_date"` // YYYY-MM-DD
	EndDate          string  `json:"end_date"`   // YYYY-MM-DD, inclusive
	CostPerSession   string  `json:"cost_per_session"`
	MonthlyLimit     *string `json:"monthly_limit,omitempty"`
	PaymentFrequency string  `json:"payment_frequency,omitempty"`
	Status           string  `json:"status,omitempty"`
	Notes            string  `json:"notes,omitempty"`
}

// SessionJSON is the JSON representation of a session.
type SessionJSON struct {
	ID         string  `json:"id,omitempty"`
	PatientID  string  `json:"patient_id"`
	ContractID string  `json:"contract_id,omitempty"`
	Date       string  `json:"date"` // YYYY-MM-DD or RFC3339
	Type       string  `json:"type,omitempty"`
	Cost       *string `json:"cost,omitempty"`
	PaidAmount string  `json:"paid_amount,omitempty"`
}

// =============================================================================
// FACTORY
// =============================================================================

// Factory converts JSON payloads to billing types.
type Factory struct{}

func New() *Factory {
	return &Factory{}
}

// ParseContract parses a JSON document into a Contract.
func (f *Factory) ParseContract(data []byte) (*billing.Contract, error) {
	var cj ContractJSON
	if err := json.Unmarshal(data, &cj); err != nil {
		return nil, &billing.ValidationError{Message: fmt.Sprintf("malformed contract JSON: %v", err)}
	}
	return f.ContractFromJSON(cj)
}

// ContractFromJSON converts and validates a ContractJSON.
func (f *Factory) ContractFromJSON(cj ContractJSON) (*billing.Contract, error) {
	start, err := ParseDate("start_date", cj.StartDate)
	if err != nil {
		return nil, err
	}
	end, err := ParseDate("end_date", cj.EndDate)
	if err != nil {
		return nil, err
	}
	cost, err := ParseAmount("cost_per_session", cj.CostPerSession)
	if err != nil {
		return nil, err
	}
	limit, err := parseOptionalAmount("monthly_limit", cj.MonthlyLimit)
	if err != nil {
		return nil, err
	}

	c := &billing.Contract{
		ID:               billing.ContractID(cj.ID),
		CompanyID:        billing.CompanyID(strings.TrimSpace(cj.CompanyID)),
		Name:             strings.TrimSpace(cj.Name),
		StartDate:        start,
		EndDate:          end,
		CostPerSession:   cost,
		MonthlyLimit:     limit,
		PaymentFrequency: billing.PaymentFrequency(cj.PaymentFrequency),
		Status:           billing.ContractStatus(cj.Status),
		Notes:            cj.Notes,
	}
	if c.PaymentFrequency == "" {
		c.PaymentFrequency = billing.FrequencyMonthly
	}
	if c.Status == "" {
		c.Status = billing.ContractActive
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// TermsFromJSON converts a ContractJSON into a terms edit. Identity and
// status fields are ignored.
func (f *Factory) TermsFromJSON(cj ContractJSON) (billing.ContractTerms, error) {
	start, err := ParseDate("start_date", cj.StartDate)
	if err != nil {
		return billing.ContractTerms{}, err
	}
	end, err := ParseDate("end_date", cj.EndDate)
	if err != nil {
		return billing.ContractTerms{}, err
	}
	cost, err := ParseAmount("cost_per_session", cj.CostPerSession)
	if err != nil {
		return billing.ContractTerms{}, err
	}
	limit, err := parseOptionalAmount("monthly_limit", cj.MonthlyLimit)
	if err != nil {
		return billing.ContractTerms{}, err
	}
	return billing.ContractTerms{
		Name:             strings.TrimSpace(cj.Name),
		StartDate:        start,
		EndDate:          end,
		CostPerSession:   cost,
		MonthlyLimit:     limit,
		PaymentFrequency: billing.PaymentFrequency(cj.PaymentFrequency),
		Notes:            cj.Notes,
	}, nil
}

// ParseSession parses a JSON document into a Session. The contract, when
// given, supplies the cost if the payload has none.
func (f *Factory) ParseSession(data []byte, contract *billing.Contract) (*billing.Session, error) {
	var sj SessionJSON
	if err := json.Unmarshal(data, &sj); err != nil {
		return nil, &billing.ValidationError{Message: fmt.Sprintf("malformed session JSON: %v", err)}
	}
	return f.SessionFromJSON(sj, contract)
}

// SessionFromJSON converts and validates a SessionJSON.
func (f *Factory) SessionFromJSON(sj SessionJSON, contract *billing.Contract) (*billing.Session, error) {
	if contract != nil && sj.ContractID != "" && billing.ContractID(sj.ContractID) != contract.ID {
		return nil, &billing.ValidationError{Field: "contract_id",
			Message: fmt.Sprintf("payload names contract %s, resolved %s", sj.ContractID, contract.ID)}
	}

	date, err := ParseDate("date", sj.Date)
	if err != nil {
		return nil, err
	}

	var cost decimal.Decimal
	switch {
	case sj.Cost != nil:
		if cost, err = ParseAmount("cost", *sj.Cost); err != nil {
			return nil, err
		}
	case contract != nil:
		cost = contract.CostPerSession
	default:
		return nil, &billing.ValidationError{Field: "cost", Message: "is required for sessions without a contract"}
	}

	paid := decimal.Zero
	if sj.PaidAmount != "" {
		if paid, err = ParseAmount("paid_amount", sj.PaidAmount); err != nil {
			return nil, err
		}
	}

	s := &billing.Session{
		ID:         billing.SessionID(sj.ID),
		PatientID:  billing.PatientID(strings.TrimSpace(sj.PatientID)),
		ContractID: billing.ContractID(sj.ContractID),
		Date:       date,
		Type:       sj.Type,
		Cost:       cost,
		PaidAmount: paid,
	}
	if contract != nil {
		s.ContractID = contract.ID
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// ContractToJSON converts a Contract back to its JSON form.
func (f *Factory) ContractToJSON(c billing.Contract) ContractJSON {
	cj := ContractJSON{
		ID:               string(c.ID),
		CompanyID:        string(c.CompanyID),
		Name:             c.Name,
		StartDate:        c.StartDate.Format(billing.DateLayout),
		EndDate:          c.EndDate.Format(billing.DateLayout),
		CostPerSession:   c.CostPerSession.StringFixed(2),
		PaymentFrequency: string(c.PaymentFrequency),
		Status:           string(c.Status),
		Notes:            c.Notes,
	}
	if c.MonthlyLimit != nil {
		l := c.MonthlyLimit.StringFixed(2)
		cj.MonthlyLimit = &l
	}
	return cj
}

// =============================================================================
// PARSING HELPERS
// =============================================================================

// ParseDate accepts YYYY-MM-DD or RFC3339 and returns a UTC time.
func ParseDate(field, s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, &billing.ValidationError{Field: field, Message: "is required"}
	}
	if t, err := time.Parse(billing.DateLayout, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, &billing.ValidationError{Field: field,
			Message: fmt.Sprintf("invalid date %q, expected YYYY-MM-DD", s)}
	}
	return t.UTC(), nil
}

// ParseAmount parses a decimal money string. Negative values are left to
// the domain validators, which know the field's range.
func ParseAmount(field, s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, &billing.ValidationError{Field: field, Message: "is required"}
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, &billing.ValidationError{Field: field,
			Message: fmt.Sprintf("invalid amount %q", s)}
	}
	return d, nil
}

func parseOptionalAmount(field string, s *string) (*decimal.Decimal, error) {
	if s == nil || strings.TrimSpace(*s) == "" {
		return nil, nil
	}
	d, err := ParseAmount(field, *s)
	if err != nil {
		return nil, err
	}
	return &d, nil
}
