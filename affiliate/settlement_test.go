package affiliate_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/affiliate-engine/affiliate"
)

var feb = time.Date(2026, time.February, 14, 9, 0, 0, 0, time.UTC)

func TestRunSettlement_SumsConfirmedUnsettledInPeriod(t *testing.T) {
	// GIVEN: February has two confirmed, one pending and one voided
	//        conversion; January and March have one confirmed each
	// WHEN: Settling February
	// THEN: The amount is exactly the two confirmed February commissions

	eng, _ := newTestEngine(t)
	ctx := context.Background()
	aff := newAffiliate(t, eng, "sum@example.com", affiliate.TierSilver)

	c1 := confirmedOrder(t, eng, aff.ID, "o1", "1000", feb)
	c2 := confirmedOrder(t, eng, aff.ID, "o2", "250", feb.Add(24*time.Hour))
	_, err := eng.Events.RecordConversion(ctx, affiliate.ConversionInput{AffiliateID: aff.ID, OrderID: "o3", OrderValue: dec("999"), OccurredAt: feb})
	require.NoError(t, err)
	voided := confirmedOrder(t, eng, aff.ID, "o4", "500", feb)
	_, err = eng.Events.VoidConversion(ctx, voided.ID, "refunded", "service:test")
	require.NoError(t, err)
	confirmedOrder(t, eng, aff.ID, "o5", "700", time.Date(2026, time.January, 31, 23, 59, 0, 0, time.UTC))
	confirmedOrder(t, eng, aff.ID, "o6", "700", time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC))

	s, err := eng.Settlements.RunSettlement(ctx, aff.ID, "2026-02", "admin:test")
	require.NoError(t, err)
	require.NotNil(t, s)

	assert.Equal(t, "100.00", s.Amount.StringFixed(2)) // 80.00 + 20.00
	assert.ElementsMatch(t, []string{c1.ID, c2.ID}, s.ConversionIDs)
	assert.Equal(t, affiliate.SettlementPending, s.Status)
	assert.Equal(t, "2026-02", s.PeriodID)

	// Invariant: the amount equals the sum of the referenced commissions.
	sum := decimal.Zero
	for _, id := range s.ConversionIDs {
		c, err := eng.Events.GetConversion(ctx, id)
		require.NoError(t, err)
		sum = sum.Add(c.Commission)
	}
	assert.True(t, sum.Equal(s.Amount))
}

func TestRunSettlement_NothingToSettle_NoRecord(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()
	aff := newAffiliate(t, eng, "idle@example.com", "")

	s, err := eng.Settlements.RunSettlement(ctx, aff.ID, "2026-02", "admin:test")
	require.NoError(t, err)
	assert.Nil(t, s)

	list, err := eng.Settlements.ListSettlements(ctx, affiliate.SettlementFilter{AffiliateID: aff.ID})
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestRunSettlement_Rerun_IsIdempotentAndFoldsInNewConversions(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()
	aff := newAffiliate(t, eng, "rerun@example.com", affiliate.TierBronze)
	confirmedOrder(t, eng, aff.ID, "r1", "1000", feb)

	first, err := eng.Settlements.RunSettlement(ctx, aff.ID, "2026-02", "admin:test")
	require.NoError(t, err)

	// Same inputs: same settlement, same amount.
	again, err := eng.Settlements.RunSettlement(ctx, aff.ID, "2026-02", "admin:test")
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.True(t, first.Amount.Equal(again.Amount))

	// A late confirmation tops up the pending settlement.
	late := confirmedOrder(t, eng, aff.ID, "r2", "200", feb)
	topped, err := eng.Settlements.RunSettlement(ctx, aff.ID, "2026-02", "admin:test")
	require.NoError(t, err)
	assert.Equal(t, first.ID, topped.ID)
	assert.Equal(t, "60.00", topped.Amount.StringFixed(2))
	assert.Contains(t, topped.ConversionIDs, late.ID)

	list, err := eng.Settlements.ListSettlements(ctx, affiliate.SettlementFilter{AffiliateID: aff.ID, PeriodID: "2026-02"})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestRunSettlement_SettledPeriodIsFrozen(t *testing.T) {
	// GIVEN: February was settled and paid
	// WHEN: A new February conversion is confirmed and settlement re-runs
	// THEN: The paid settlement is returned unchanged

	eng, _ := newTestEngine(t)
	ctx := context.Background()
	aff := newAffiliate(t, eng, "frozen@example.com", affiliate.TierBronze)
	confirmedOrder(t, eng, aff.ID, "f1", "1000", feb)

	s, err := eng.Settlements.RunSettlement(ctx, aff.ID, "2026-02", "admin:test")
	require.NoError(t, err)
	paid, err := eng.Settlements.MarkSettled(ctx, s.ID, "bank_transfer", "TX-99", "admin:test")
	require.NoError(t, err)
	require.NotNil(t, paid.SettledAt)

	confirmedOrder(t, eng, aff.ID, "f2", "1000", feb)
	rerun, err := eng.Settlements.RunSettlement(ctx, aff.ID, "2026-02", "admin:test")
	require.NoError(t, err)

	assert.Equal(t, s.ID, rerun.ID)
	assert.Equal(t, affiliate.SettlementSettled, rerun.Status)
	assert.Equal(t, "50.00", rerun.Amount.StringFixed(2))
}

func TestRunSettlement_FuturePeriodOrUnknownAffiliate(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()
	aff := newAffiliate(t, eng, "future@example.com", "")

	_, err := eng.Settlements.RunSettlement(ctx, aff.ID, "2026-04", "admin:test")
	assert.ErrorIs(t, err, affiliate.ErrValidation)

	_, err = eng.Settlements.RunSettlement(ctx, aff.ID, "April", "admin:test")
	assert.ErrorIs(t, err, affiliate.ErrValidation)

	_, err = eng.Settlements.RunSettlement(ctx, "aff_missing", "2026-02", "admin:test")
	assert.ErrorIs(t, err, affiliate.ErrNotFound)
}

func TestSettlementTransitions(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()
	aff := newAffiliate(t, eng, "tr@example.com", "")
	confirmedOrder(t, eng, aff.ID, "t1", "1000", feb)

	s, err := eng.Settlements.RunSettlement(ctx, aff.ID, "2026-02", "admin:test")
	require.NoError(t, err)

	_, err = eng.Settlements.MarkSettled(ctx, s.ID, "", "ref", "admin:test")
	assert.ErrorIs(t, err, affiliate.ErrValidation, "method is required")

	// Voiding releases the conversions for a new settlement.
	voided, err := eng.Settlements.VoidSettlement(ctx, s.ID, "wrong bank details", "admin:test")
	require.NoError(t, err)
	assert.Equal(t, affiliate.SettlementVoided, voided.Status)

	_, err = eng.Settlements.MarkSettled(ctx, s.ID, "bank_transfer", "", "admin:test")
	assert.ErrorIs(t, err, affiliate.ErrInvalidState)

	fresh, err := eng.Settlements.RunSettlement(ctx, aff.ID, "2026-02", "admin:test")
	require.NoError(t, err)
	assert.NotEqual(t, s.ID, fresh.ID)
	assert.True(t, fresh.Amount.Equal(s.Amount))

	trail, err := eng.Audit(ctx, s.ID)
	require.NoError(t, err)
	actions := make([]affiliate.AuditAction, 0, len(trail))
	for _, e := range trail {
		actions = append(actions, e.Action)
	}
	assert.Equal(t, []affiliate.AuditAction{affiliate.AuditSettlementCreated, affiliate.AuditSettlementVoided}, actions)
}

func TestSummary(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()
	aff := newAffiliate(t, eng, "sum2@example.com", affiliate.TierGold)

	confirmedOrder(t, eng, aff.ID, "m1", "1000", time.Date(2026, time.January, 5, 0, 0, 0, 0, time.UTC))
	confirmedOrder(t, eng, aff.ID, "m2", "500", feb)
	jan, err := eng.Settlements.RunSettlement(ctx, aff.ID, "2026-01", "admin:test")
	require.NoError(t, err)
	_, err = eng.Settlements.MarkSettled(ctx, jan.ID, "bank_transfer", "TX-1", "admin:test")
	require.NoError(t, err)

	sum, err := eng.Settlements.Summary(ctx, aff.ID)
	require.NoError(t, err)

	assert.Equal(t, "180.00", sum.TotalEarned.StringFixed(2))
	assert.Equal(t, "120.00", sum.TotalSettled.StringFixed(2))
	assert.Equal(t, "60.00", sum.PendingSettlement.StringFixed(2))
	assert.Equal(t, time.Date(2026, time.March, 25, 0, 0, 0, 0, time.UTC), sum.NextSettlementDate)
}

func TestSummary_NoData_ZeroValued(t *testing.T) {
	eng, _ := newTestEngine(t)

	sum, err := eng.Settlements.Summary(context.Background(), "aff_nobody")
	require.NoError(t, err)

	assert.True(t, sum.TotalEarned.IsZero())
	assert.True(t, sum.TotalSettled.IsZero())
	assert.True(t, sum.PendingSettlement.IsZero())
	assert.Equal(t, time.Date(2026, time.March, 25, 0, 0, 0, 0, time.UTC), sum.NextSettlementDate)
}
