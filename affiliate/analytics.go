/*
analytics.go - Admin dashboard rollups

PURPOSE:
  Read-only aggregation over clicks, conversions and affiliates for a time
  range: totals, a leaderboard, a per-product revenue rollup and a daily
  trend. Reads never take engine locks, so a report may trail concurrent
  writes slightly.

RULES:
  - Voided conversions are excluded from every figure.
  - Unattributed conversions count toward totals, products and the trend
    (they are real revenue) but appear on no leaderboard row.
  - Every affiliate appears on the leaderboard, zero-valued if idle.
  - The trend has exactly one point per UTC calendar day in the range.

RANGES:
  7d, 30d, 90d, 1y: that many days ending with today (inclusive).
*/
package affiliate

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Range is a named dashboard window.
type Range struct {
	Key  string
	Days int
}

var ranges = map[string]int{"7d": 7, "30d": 30, "90d": 90, "1y": 365}

// DefaultRange is used when no range is requested.
const DefaultRange = "30d"

// ParseRange resolves a range key.
func ParseRange(key string) (Range, error) {
	if key == "" {
		key = DefaultRange
	}
	days, ok := ranges[key]
	if !ok {
		return Range{}, invalid("range", "must be one of 7d, 30d, 90d, 1y; got %q", key)
	}
	return Range{Key: key, Days: days}, nil
}

// Bounds returns [from, to) for the range ending with the day of now.
func (r Range) Bounds(now time.Time) (time.Time, time.Time) {
	to := StartOfDay(now).AddDate(0, 0, 1)
	return to.AddDate(0, 0, -r.Days), to
}

// Totals are range-wide sums.
type Totals struct {
	Clicks      int64
	Conversions int64
	Revenue     decimal.Decimal
	Commission  decimal.Decimal
}

// AffiliateMetrics is one leaderboard row.
type AffiliateMetrics struct {
	AffiliateID  string
	DisplayName  string
	ReferralCode string
	Tier         Tier
	Status       AffiliateStatus
	Clicks       int64
	Conversions  int64
	Revenue      decimal.Decimal
	Commission   decimal.Decimal
}

// ProductMetrics is one row of the per-product rollup.
type ProductMetrics struct {
	ProductID string
	Title     string
	Quantity  int64
	Orders    int64
	Revenue   decimal.Decimal
}

// TrendPoint is one day of activity.
type TrendPoint struct {
	Date        time.Time
	Clicks      int64
	Conversions int64
	Revenue     decimal.Decimal
	Commission  decimal.Decimal
}

// Report is the full dashboard payload.
type Report struct {
	Range       string
	From        time.Time
	To          time.Time
	Totals      Totals
	Leaderboard []AffiliateMetrics
	Products    []ProductMetrics
	Trend       []TrendPoint
}

// Aggregator computes reports.
type Aggregator struct {
	Store Store
	Now   func() time.Time
}

// NewAggregator creates an aggregator over store.
func NewAggregator(store Store) *Aggregator {
	return &Aggregator{Store: store, Now: time.Now}
}

// Compute builds the report for a named range.
func (a *Aggregator) Compute(ctx context.Context, rangeKey string) (*Report, error) {
	r, err := ParseRange(rangeKey)
	if err != nil {
		return nil, err
	}
	from, to := r.Bounds(a.Now())
	rep, err := a.Between(ctx, from, to)
	if err != nil {
		return nil, err
	}
	rep.Range = r.Key
	return rep, nil
}

// Between builds the report for [from, to), bucketed by UTC day.
func (a *Aggregator) Between(ctx context.Context, from, to time.Time) (*Report, error) {
	from, to = StartOfDay(from), to.UTC()
	if !to.After(from) {
		return nil, invalid("range", "end must be after start")
	}

	affs, err := a.Store.ListAffiliates(ctx)
	if err != nil {
		return nil, storageErr("list affiliates", err)
	}
	clicks, err := a.Store.ListClicks(ctx, from, to)
	if err != nil {
		return nil, storageErr("list clicks", err)
	}
	convs, err := a.Store.ListConversions(ctx, ConversionFilter{
		Statuses: []ConversionStatus{ConversionPending, ConversionConfirmed},
		From:     from,
		To:       to,
	})
	if err != nil {
		return nil, storageErr("list conversions", err)
	}

	rep := &Report{
		From:   from,
		To:     to,
		Totals: Totals{Revenue: decimal.Zero, Commission: decimal.Zero},
	}

	days := Days(from, to)
	trend := make([]TrendPoint, len(days))
	dayIndex := make(map[time.Time]int, len(days))
	for i, d := range days {
		trend[i] = TrendPoint{Date: d, Revenue: decimal.Zero, Commission: decimal.Zero}
		dayIndex[d] = i
	}

	board := make(map[string]*AffiliateMetrics, len(affs))
	for _, aff := range affs {
		board[aff.ID] = &AffiliateMetrics{
			AffiliateID:  aff.ID,
			DisplayName:  aff.DisplayName,
			ReferralCode: aff.ReferralCode,
			Tier:         aff.Tier,
			Status:       aff.Status,
			Revenue:      decimal.Zero,
			Commission:   decimal.Zero,
		}
	}
	row := func(id string) *AffiliateMetrics {
		if id == "" {
			return nil
		}
		m, ok := board[id]
		if !ok {
			m = &AffiliateMetrics{AffiliateID: id, Revenue: decimal.Zero, Commission: decimal.Zero}
			board[id] = m
		}
		return m
	}

	for _, c := range clicks {
		rep.Totals.Clicks++
		if i, ok := dayIndex[StartOfDay(c.CreatedAt)]; ok {
			trend[i].Clicks++
		}
		if m := row(c.AffiliateID); m != nil {
			m.Clicks++
		}
	}

	products := map[string]*ProductMetrics{}
	for _, c := range convs {
		rep.Totals.Conversions++
		rep.Totals.Revenue = rep.Totals.Revenue.Add(c.OrderValue)
		rep.Totals.Commission = rep.Totals.Commission.Add(c.Commission)
		if i, ok := dayIndex[StartOfDay(c.OccurredAt)]; ok {
			trend[i].Conversions++
			trend[i].Revenue = trend[i].Revenue.Add(c.OrderValue)
			trend[i].Commission = trend[i].Commission.Add(c.Commission)
		}
		if m := row(c.AffiliateID); m != nil {
			m.Conversions++
			m.Revenue = m.Revenue.Add(c.OrderValue)
			m.Commission = m.Commission.Add(c.Commission)
		}
		for _, item := range c.Items {
			p, ok := products[item.ProductID]
			if !ok {
				p = &ProductMetrics{ProductID: item.ProductID, Title: item.Title, Revenue: decimal.Zero}
				products[item.ProductID] = p
			}
			p.Quantity += item.Quantity
			p.Orders++
			p.Revenue = p.Revenue.Add(item.Total())
		}
	}

	rep.Trend = trend
	rep.Leaderboard = make([]AffiliateMetrics, 0, len(board))
	for _, m := range board {
		rep.Leaderboard = append(rep.Leaderboard, *m)
	}
	sort.Slice(rep.Leaderboard, func(i, j int) bool {
		a, b := rep.Leaderboard[i], rep.Leaderboard[j]
		if c := a.Commission.Cmp(b.Commission); c != 0 {
			return c > 0
		}
		if c := a.Revenue.Cmp(b.Revenue); c != 0 {
			return c > 0
		}
		return a.AffiliateID < b.AffiliateID
	})

	rep.Products = make([]ProductMetrics, 0, len(products))
	for _, p := range products {
		rep.Products = append(rep.Products, *p)
	}
	sort.Slice(rep.Products, func(i, j int) bool {
		a, b := rep.Products[i], rep.Products[j]
		if c := a.Revenue.Cmp(b.Revenue); c != 0 {
			return c > 0
		}
		return a.ProductID < b.ProductID
	})
	return rep, nil
}
