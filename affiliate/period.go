package affiliate

import (
	"fmt"
	"time"
)

// =============================================================================
// PERIOD - Calendar-month settlement window
// =============================================================================

// periodLayout is the period identifier format, e.g. "2025-08".
const periodLayout = "2006-01"

// closeDay is the day of the following month on which a period becomes payable.
const closeDay = 25

// Period is a calendar month in UTC, half-open: [Start, End).
type Period struct {
	Start time.Time
	End   time.Time
}

// MonthPeriod returns the period for year/month.
func MonthPeriod(year int, month time.Month) Period {
	start := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	return Period{Start: start, End: start.AddDate(0, 1, 0)}
}

// PeriodFor returns the period containing t.
func PeriodFor(t time.Time) Period {
	t = t.UTC()
	return MonthPeriod(t.Year(), t.Month())
}

// ParsePeriod parses a "YYYY-MM" identifier.
func ParsePeriod(id string) (Period, error) {
	t, err := time.Parse(periodLayout, id)
	if err != nil {
		return Period{}, invalid("period_id", "expected YYYY-MM, got %q", id)
	}
	return MonthPeriod(t.Year(), t.Month()), nil
}

// ID returns the "YYYY-MM" identifier.
func (p Period) ID() string { return p.Start.Format(periodLayout) }

// Contains returns true if t is within [Start, End).
func (p Period) Contains(t time.Time) bool {
	return !t.Before(p.Start) && t.Before(p.End)
}

// CloseDate is the 25th of the month following the period.
func (p Period) CloseDate() time.Time {
	return time.Date(p.End.Year(), p.End.Month(), closeDay, 0, 0, 0, 0, time.UTC)
}

// Closed reports whether the period is payable at now.
func (p Period) Closed(now time.Time) bool {
	return !now.Before(p.CloseDate())
}

// Next returns the following month.
func (p Period) Next() Period { return PeriodFor(p.End) }

// Previous returns the preceding month.
func (p Period) Previous() Period { return PeriodFor(p.Start.AddDate(0, 0, -1)) }

func (p Period) String() string {
	return fmt.Sprintf("%s [%s, %s)", p.ID(), p.Start.Format(time.DateOnly), p.End.Format(time.DateOnly))
}

// NextSettlementDate is the 25th of the current month if today is before
// the 25th, otherwise the 25th of the next month.
func NextSettlementDate(now time.Time) time.Time {
	now = now.UTC()
	if now.Day() < closeDay {
		return time.Date(now.Year(), now.Month(), closeDay, 0, 0, 0, 0, time.UTC)
	}
	// time.Date normalises month 13 to January of the next year.
	return time.Date(now.Year(), now.Month()+1, closeDay, 0, 0, 0, 0, time.UTC)
}

// LatestClosedPeriod returns the most recent period whose close date has
// been reached at now.
func LatestClosedPeriod(now time.Time) Period {
	p := PeriodFor(now).Previous()
	if !p.Closed(now) {
		p = p.Previous()
	}
	return p
}

// =============================================================================
// DAY BUCKETS - For trend series
// =============================================================================

// StartOfDay truncates t to midnight UTC.
func StartOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// Days returns every calendar day in [from, to), as midnights UTC.
func Days(from, to time.Time) []time.Time {
	var days []time.Time
	for d := StartOfDay(from); d.Before(to); d = d.AddDate(0, 0, 1) {
		days = append(days, d)
	}
	return days
}
