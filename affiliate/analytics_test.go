package affiliate_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/affiliate-engine/affiliate"
)

func TestParseRange(t *testing.T) {
	for key, days := range map[string]int{"7d": 7, "30d": 30, "90d": 90, "1y": 365, "": 30} {
		r, err := affiliate.ParseRange(key)
		require.NoError(t, err, key)
		assert.Equal(t, days, r.Days, key)
	}
	_, err := affiliate.ParseRange("2w")
	assert.ErrorIs(t, err, affiliate.ErrValidation)
}

func TestAnalytics_Rollups(t *testing.T) {
	// GIVEN: Two affiliates with clicks and conversions this week, one idle
	//        affiliate, one unattributed order and one voided order
	// WHEN: Computing the 7d report
	// THEN: Totals include unattributed revenue, exclude voided orders, the
	//       leaderboard lists all three affiliates by commission, and the
	//       trend has one point per day

	eng, clk := newTestEngine(t)
	ctx := context.Background()
	gold := newAffiliate(t, eng, "gold@example.com", affiliate.TierGold)
	bronze := newAffiliate(t, eng, "bronze@example.com", affiliate.TierBronze)
	idle := newAffiliate(t, eng, "idle@example.com", "")

	for i := 0; i < 3; i++ {
		_, err := eng.Events.RecordClick(ctx, affiliate.ClickInput{AffiliateID: gold.ID})
		require.NoError(t, err)
	}
	_, err := eng.Events.RecordClick(ctx, affiliate.ClickInput{AffiliateID: bronze.ID})
	require.NoError(t, err)
	_, err = eng.Events.RecordClick(ctx, affiliate.ClickInput{Code: "Nobody1"})
	require.NoError(t, err)

	twoDaysAgo := march10.AddDate(0, 0, -2)
	bowl := affiliate.LineItem{ProductID: "cer-01", Title: "Celadon Bowl", Quantity: 2, UnitPrice: dec("500")}
	_, err = eng.Events.RecordConversion(ctx, affiliate.ConversionInput{
		AffiliateID: gold.ID, OrderID: "a1", OrderValue: dec("1000"), OccurredAt: twoDaysAgo,
		Items: []affiliate.LineItem{bowl},
	})
	require.NoError(t, err)
	confirmedOrder(t, eng, bronze.ID, "a2", "2000", march10)
	_, err = eng.Events.RecordConversion(ctx, affiliate.ConversionInput{
		OrderID: "a3", OrderValue: dec("500"), OccurredAt: twoDaysAgo,
		Items: []affiliate.LineItem{{ProductID: "cer-01", Title: "Celadon Bowl", Quantity: 1, UnitPrice: dec("500")}},
	})
	require.NoError(t, err)
	refunded := confirmedOrder(t, eng, gold.ID, "a4", "9000", march10)
	_, err = eng.Events.VoidConversion(ctx, refunded.ID, "refunded", "service:test")
	require.NoError(t, err)

	// Outside the window.
	confirmedOrder(t, eng, gold.ID, "a5", "7000", march10.AddDate(0, 0, -8))

	clk.Set(march10.Add(2 * time.Hour))
	rep, err := eng.Analytics.Compute(ctx, "7d")
	require.NoError(t, err)

	assert.Equal(t, "7d", rep.Range)
	assert.Equal(t, time.Date(2026, time.March, 4, 0, 0, 0, 0, time.UTC), rep.From)
	assert.Equal(t, time.Date(2026, time.March, 11, 0, 0, 0, 0, time.UTC), rep.To)

	assert.Equal(t, int64(5), rep.Totals.Clicks)
	assert.Equal(t, int64(3), rep.Totals.Conversions)
	assert.Equal(t, "3500.00", rep.Totals.Revenue.StringFixed(2))
	assert.Equal(t, "220.00", rep.Totals.Commission.StringFixed(2)) // 120 gold + 100 bronze

	require.Len(t, rep.Leaderboard, 3)
	assert.Equal(t, gold.ID, rep.Leaderboard[0].AffiliateID)
	assert.Equal(t, "120.00", rep.Leaderboard[0].Commission.StringFixed(2))
	assert.Equal(t, int64(3), rep.Leaderboard[0].Clicks)
	assert.Equal(t, bronze.ID, rep.Leaderboard[1].AffiliateID)
	assert.Equal(t, idle.ID, rep.Leaderboard[2].AffiliateID)
	assert.True(t, rep.Leaderboard[2].Revenue.IsZero())

	require.Len(t, rep.Products, 1)
	assert.Equal(t, "cer-01", rep.Products[0].ProductID)
	assert.Equal(t, int64(3), rep.Products[0].Quantity)
	assert.Equal(t, int64(2), rep.Products[0].Orders)
	assert.Equal(t, "1500.00", rep.Products[0].Revenue.StringFixed(2))

	require.Len(t, rep.Trend, 7)
	for i, p := range rep.Trend {
		assert.Equal(t, rep.From.AddDate(0, 0, i), p.Date)
	}
	assert.Equal(t, int64(2), rep.Trend[4].Conversions) // March 8
	assert.Equal(t, int64(1), rep.Trend[6].Conversions) // March 10
	assert.Equal(t, int64(5), rep.Trend[6].Clicks)
}

func TestAnalytics_Empty_ZeroFilled(t *testing.T) {
	eng, _ := newTestEngine(t)

	rep, err := eng.Analytics.Compute(context.Background(), "")
	require.NoError(t, err)

	assert.Equal(t, "30d", rep.Range)
	assert.Len(t, rep.Trend, 30)
	assert.Empty(t, rep.Leaderboard)
	assert.Empty(t, rep.Products)
	assert.True(t, rep.Totals.Revenue.IsZero())
}
