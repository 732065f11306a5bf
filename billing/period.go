package billing

import (
	"fmt"
	"time"
)

// =============================================================================
// PERIOD - One calendar month, the unit of invoicing
// =============================================================================

// Period is a calendar month. Its range is [Start, End) in UTC.
type Period struct {
	Month time.Month
	Year  int
}

const (
	minYear = 2000
	maxYear = 9999
)

// NewPeriod validates month and year from caller input.
func NewPeriod(month, year int) (Period, error) {
	if month < 1 || month > 12 {
		return Period{}, invalid("month", "must be between 1 and 12, got %d", month)
	}
	if year < minYear || year > maxYear {
		return Period{}, invalid("year", "must be between %d and %d, got %d", minYear, maxYear, year)
	}
	return Period{Month: time.Month(month), Year: year}, nil
}

// PeriodOf returns the month containing t.
func PeriodOf(t time.Time) Period {
	u := t.UTC()
	return Period{Month: u.Month(), Year: u.Year()}
}

// DefaultPeriod is the month immediately preceding now. It is what the
// operator is usually about to bill.
func DefaultPeriod(now time.Time) Period {
	return PeriodOf(now).Previous()
}

// Start is midnight UTC on the first day of the month.
func (p Period) Start() time.Time {
	return time.Date(p.Year, p.Month, 1, 0, 0, 0, 0, time.UTC)
}

// End is the exclusive upper bound: the first instant of the next month.
func (p Period) End() time.Time {
	return p.Start().AddDate(0, 1, 0)
}

// LastDay is the inclusive last day of the month.
func (p Period) LastDay() time.Time {
	return p.End().AddDate(0, 0, -1)
}

func (p Period) Contains(t time.Time) bool {
	u := t.UTC()
	return !u.Before(p.Start()) && u.Before(p.End())
}

// Overlaps reports whether the month shares at least one day with [from, to].
func (p Period) Overlaps(from, to time.Time) bool {
	return !dayOf(to).Before(p.Start()) && !dayOf(from).After(p.LastDay())
}

func (p Period) Previous() Period { return PeriodOf(p.Start().AddDate(0, -1, 0)) }
func (p Period) Next() Period     { return PeriodOf(p.End()) }

func (p Period) String() string {
	return fmt.Sprintf("%04d-%02d", p.Year, int(p.Month))
}
