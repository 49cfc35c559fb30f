/*
Package storetest is the behavioral contract shared by every affiliate.Store.

PURPOSE:
  The engine's correctness rests on a few guarantees the store gives
  (uniqueness, compare-and-swap, all-or-nothing transactions). Each
  implementation runs this suite from its own tests so the in-memory and
  SQLite stores cannot drift apart.

USAGE:
  func TestContract(t *testing.T) {
      storetest.Run(t, func(t *testing.T) affiliate.Store { return newStore(t) })
  }
*/
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/affiliate-engine/affiliate"
)

// Factory returns an empty store. It is called once per subtest.
type Factory func(t *testing.T) affiliate.Store

var base = time.Date(2026, time.February, 10, 9, 30, 0, 0, time.UTC)

// Run executes the contract against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("MissingRowsAreNil", func(t *testing.T) { testMissingRows(t, newStore(t)) })
	t.Run("AffiliateUniqueness", func(t *testing.T) { testAffiliateUniqueness(t, newStore(t)) })
	t.Run("LinkCounters", func(t *testing.T) { testLinkCounters(t, newStore(t)) })
	t.Run("Clicks", func(t *testing.T) { testClicks(t, newStore(t)) })
	t.Run("ConversionOrderUnique", func(t *testing.T) { testConversionOrderUnique(t, newStore(t)) })
	t.Run("ConversionCAS", func(t *testing.T) { testConversionCAS(t, newStore(t)) })
	t.Run("ConversionFilter", func(t *testing.T) { testConversionFilter(t, newStore(t)) })
	t.Run("SettlementClaims", func(t *testing.T) { testSettlementClaims(t, newStore(t)) })
	t.Run("ApplicationCAS", func(t *testing.T) { testApplicationCAS(t, newStore(t)) })
	t.Run("WithTxRollback", func(t *testing.T) { testWithTxRollback(t, newStore(t)) })
	t.Run("Audit", func(t *testing.T) { testAudit(t, newStore(t)) })
}

// =============================================================================
// FIXTURES
// =============================================================================

func seedAffiliate(t *testing.T, s affiliate.Store, id, email, code string) affiliate.Affiliate {
	t.Helper()
	a := affiliate.Affiliate{
		ID:           id,
		Email:        email,
		DisplayName:  "Partner " + id,
		ReferralCode: code,
		Tier:         affiliate.TierBronze,
		Status:       affiliate.AffiliateActive,
		Currency:     affiliate.DefaultCurrency,
		CreatedAt:    base,
		UpdatedAt:    base,
	}
	require.NoError(t, s.CreateAffiliate(context.Background(), a))
	return a
}

func conversion(id, affID, orderID string, status affiliate.ConversionStatus, at time.Time) affiliate.Conversion {
	return affiliate.Conversion{
		ID:          id,
		AffiliateID: affID,
		OrderID:     orderID,
		OrderValue:  decimal.RequireFromString("1000"),
		Commission:  decimal.RequireFromString("50"),
		Tier:        affiliate.TierBronze,
		Rate:        decimal.RequireFromString("0.05"),
		Currency:    affiliate.DefaultCurrency,
		Status:      status,
		Items: []affiliate.LineItem{
			{ProductID: "cer-01", Title: "Celadon Bowl", Quantity: 2, UnitPrice: decimal.RequireFromString("500")},
		},
		OccurredAt: at,
		CreatedAt:  at,
	}
}

func settlement(id, affID, period string, status affiliate.SettlementStatus, convIDs ...string) affiliate.Settlement {
	return affiliate.Settlement{
		ID:            id,
		AffiliateID:   affID,
		PeriodID:      period,
		Amount:        decimal.NewFromInt(int64(50 * len(convIDs))),
		Currency:      affiliate.DefaultCurrency,
		Status:        status,
		ConversionIDs: convIDs,
		CreatedAt:     base,
		UpdatedAt:     base,
	}
}

// =============================================================================
// CASES
// =============================================================================

func testMissingRows(t *testing.T, s affiliate.Store) {
	ctx := context.Background()

	a, err := s.GetAffiliate(ctx, "aff_none")
	require.NoError(t, err)
	assert.Nil(t, a)
	a, err = s.GetAffiliateByCode(ctx, "Nobody1")
	require.NoError(t, err)
	assert.Nil(t, a)
	l, err := s.GetLinkByCode(ctx, "Nobody1")
	require.NoError(t, err)
	assert.Nil(t, l)
	c, err := s.GetConversionByOrder(ctx, "order-none")
	require.NoError(t, err)
	assert.Nil(t, c)
	st, err := s.ActiveSettlement(ctx, "aff_none", "2026-02")
	require.NoError(t, err)
	assert.Nil(t, st)
	app, err := s.PendingApplicationByEmail(ctx, "none@example.com")
	require.NoError(t, err)
	assert.Nil(t, app)

	// Updates of missing rows are NotFound, not silent no-ops.
	err = s.UpdateConversionStatus(ctx, "conv_none", affiliate.ConversionPending, affiliate.ConversionConfirmed, base, "")
	assert.ErrorIs(t, err, affiliate.ErrNotFound)
	err = s.UpdateAffiliate(ctx, affiliate.Affiliate{ID: "aff_none", Email: "x@example.com", ReferralCode: "Zzzzzz"})
	assert.ErrorIs(t, err, affiliate.ErrNotFound)
}

func testAffiliateUniqueness(t *testing.T, s affiliate.Store) {
	ctx := context.Background()
	a := seedAffiliate(t, s, "aff_1", "one@example.com", "Abc123")

	dupCode := a
	dupCode.ID, dupCode.Email = "aff_2", "two@example.com"
	assert.ErrorIs(t, s.CreateAffiliate(ctx, dupCode), affiliate.ErrDuplicateKey)

	dupEmail := a
	dupEmail.ID, dupEmail.ReferralCode = "aff_3", "Xyz789"
	assert.ErrorIs(t, s.CreateAffiliate(ctx, dupEmail), affiliate.ErrDuplicateKey)

	got, err := s.GetAffiliateByEmail(ctx, "one@example.com")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, a.ID, got.ID)
	assert.True(t, a.CreatedAt.Equal(got.CreatedAt))

	a.Tier = affiliate.TierGold
	a.Status = affiliate.AffiliateSuspended
	require.NoError(t, s.UpdateAffiliate(ctx, a))
	got, err = s.GetAffiliateByCode(ctx, "Abc123")
	require.NoError(t, err)
	assert.Equal(t, affiliate.TierGold, got.Tier)
	assert.Equal(t, affiliate.AffiliateSuspended, got.Status)

	all, err := s.ListAffiliates(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func testLinkCounters(t *testing.T, s affiliate.Store) {
	ctx := context.Background()
	seedAffiliate(t, s, "aff_1", "one@example.com", "Abc123")

	l := affiliate.Link{
		ID: "lnk_1", AffiliateID: "aff_1", Code: "Lnk12345", Name: "Spring post",
		TargetURL: "https://shop.example.com/p/1",
		UTM:       affiliate.UTM{Source: "ig", Campaign: "spring"},
		CreatedAt: base,
	}
	require.NoError(t, s.CreateLink(ctx, l))

	dup := l
	dup.ID = "lnk_2"
	assert.ErrorIs(t, s.CreateLink(ctx, dup), affiliate.ErrDuplicateKey)

	require.NoError(t, s.IncrementLinkClicks(ctx, l.ID))
	require.NoError(t, s.IncrementLinkClicks(ctx, l.ID))
	require.NoError(t, s.IncrementLinkConversions(ctx, l.ID))

	got, err := s.GetLinkByCode(ctx, "Lnk12345")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(2), got.Clicks)
	assert.Equal(t, int64(1), got.Conversions)
	assert.Equal(t, l.UTM, got.UTM)

	links, err := s.ListLinks(ctx, "aff_1")
	require.NoError(t, err)
	assert.Len(t, links, 1)
}

func testClicks(t *testing.T, s affiliate.Store) {
	ctx := context.Background()

	for i, at := range []time.Time{base, base.Add(time.Hour), base.Add(48 * time.Hour)} {
		c := affiliate.Click{
			ID:          []string{"clk_1", "clk_2", "clk_3"}[i],
			AffiliateID: "aff_1",
			Metadata:    affiliate.ClickMetadata{UserAgent: "test", LandingURL: "/?ref=Abc123"},
			CreatedAt:   at,
			ExpiresAt:   at.Add(affiliate.DefaultAttributionWindow),
		}
		require.NoError(t, s.AppendClick(ctx, c))
	}
	require.NoError(t, s.AppendClick(ctx, affiliate.Click{ID: "clk_anon", Code: "Nobody1", CreatedAt: base, ExpiresAt: base}))
	assert.ErrorIs(t, s.AppendClick(ctx, affiliate.Click{ID: "clk_1", CreatedAt: base, ExpiresAt: base}), affiliate.ErrDuplicateKey)

	latest, err := s.LatestClick(ctx, "aff_1", base.Add(2*time.Hour))
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "clk_2", latest.ID)
	assert.Equal(t, "/?ref=Abc123", latest.Metadata.LandingURL)

	none, err := s.LatestClick(ctx, "aff_1", base.Add(-time.Minute))
	require.NoError(t, err)
	assert.Nil(t, none)

	inDay, err := s.ListClicks(ctx, base, base.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Len(t, inDay, 3, "two affiliate clicks and the anonymous one")
}

func testConversionOrderUnique(t *testing.T, s affiliate.Store) {
	ctx := context.Background()

	require.NoError(t, s.AppendConversion(ctx, conversion("conv_1", "aff_1", "order-1", affiliate.ConversionPending, base)))
	err := s.AppendConversion(ctx, conversion("conv_2", "aff_1", "order-1", affiliate.ConversionPending, base))
	assert.ErrorIs(t, err, affiliate.ErrDuplicateOrder)

	got, err := s.GetConversionByOrder(ctx, "order-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "conv_1", got.ID)
	assert.Equal(t, "50.00", got.Commission.StringFixed(2))
	assert.Equal(t, "0.05", got.Rate.String())
	require.Len(t, got.Items, 1)
	assert.Equal(t, int64(2), got.Items[0].Quantity)
	assert.True(t, got.Items[0].UnitPrice.Equal(decimal.NewFromInt(500)))
}

func testConversionCAS(t *testing.T, s affiliate.Store) {
	ctx := context.Background()
	require.NoError(t, s.AppendConversion(ctx, conversion("conv_1", "aff_1", "order-1", affiliate.ConversionPending, base)))

	at := base.Add(time.Hour)
	require.NoError(t, s.UpdateConversionStatus(ctx, "conv_1", affiliate.ConversionPending, affiliate.ConversionConfirmed, at, ""))

	// A second writer that read the old status loses.
	err := s.UpdateConversionStatus(ctx, "conv_1", affiliate.ConversionPending, affiliate.ConversionVoided, at, "refunded")
	assert.ErrorIs(t, err, affiliate.ErrConcurrentModification)

	require.NoError(t, s.UpdateConversionStatus(ctx, "conv_1", affiliate.ConversionConfirmed, affiliate.ConversionVoided, at, "refunded"))
	got, err := s.GetConversion(ctx, "conv_1")
	require.NoError(t, err)
	assert.Equal(t, affiliate.ConversionVoided, got.Status)
	assert.Equal(t, "refunded", got.VoidReason)
	require.NotNil(t, got.ConfirmedAt)
	require.NotNil(t, got.VoidedAt)
	assert.True(t, at.Equal(*got.VoidedAt))
}

func testConversionFilter(t *testing.T, s affiliate.Store) {
	ctx := context.Background()
	seedAffiliate(t, s, "aff_1", "one@example.com", "Abc123")

	feb := time.Date(2026, time.February, 1, 0, 0, 0, 0, time.UTC)
	mar := time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.AppendConversion(ctx, conversion("conv_b", "aff_1", "o-b", affiliate.ConversionConfirmed, base.Add(time.Hour))))
	require.NoError(t, s.AppendConversion(ctx, conversion("conv_a", "aff_1", "o-a", affiliate.ConversionConfirmed, base)))
	require.NoError(t, s.AppendConversion(ctx, conversion("conv_p", "aff_1", "o-p", affiliate.ConversionPending, base)))
	require.NoError(t, s.AppendConversion(ctx, conversion("conv_m", "aff_1", "o-m", affiliate.ConversionConfirmed, mar)))
	require.NoError(t, s.AppendConversion(ctx, conversion("conv_x", "aff_2", "o-x", affiliate.ConversionConfirmed, base)))

	got, err := s.ListConversions(ctx, affiliate.ConversionFilter{
		AffiliateID: "aff_1",
		Statuses:    []affiliate.ConversionStatus{affiliate.ConversionConfirmed},
		From:        feb,
		To:          mar,
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "conv_a", got[0].ID, "oldest first")
	assert.Equal(t, "conv_b", got[1].ID)

	require.NoError(t, s.CreateSettlement(ctx, settlement("stl_1", "aff_1", "2026-02", affiliate.SettlementPending, "conv_a")))
	unsettled, err := s.ListConversions(ctx, affiliate.ConversionFilter{
		AffiliateID: "aff_1",
		Statuses:    []affiliate.ConversionStatus{affiliate.ConversionConfirmed},
		From:        feb,
		To:          mar,
		Unsettled:   true,
	})
	require.NoError(t, err)
	require.Len(t, unsettled, 1)
	assert.Equal(t, "conv_b", unsettled[0].ID)
}

func testSettlementClaims(t *testing.T, s affiliate.Store) {
	// GIVEN: A pending February settlement claiming conv_1
	// THEN: No second active settlement for the period, no double claim,
	//       and voiding releases both

	ctx := context.Background()
	seedAffiliate(t, s, "aff_1", "one@example.com", "Abc123")

	first := settlement("stl_1", "aff_1", "2026-02", affiliate.SettlementPending, "conv_1")
	require.NoError(t, s.CreateSettlement(ctx, first))

	err := s.CreateSettlement(ctx, settlement("stl_2", "aff_1", "2026-02", affiliate.SettlementPending, "conv_2"))
	assert.ErrorIs(t, err, affiliate.ErrDuplicateKey, "one active settlement per period")

	err = s.CreateSettlement(ctx, settlement("stl_3", "aff_1", "2026-01", affiliate.SettlementPending, "conv_1"))
	assert.ErrorIs(t, err, affiliate.ErrDuplicateKey, "conversion already claimed")

	owner, err := s.SettlementForConversion(ctx, "conv_1")
	require.NoError(t, err)
	require.NotNil(t, owner)
	assert.Equal(t, "stl_1", owner.ID)

	// Top-up: claims follow ConversionIDs.
	first.ConversionIDs = []string{"conv_1", "conv_2"}
	first.Amount = decimal.NewFromInt(100)
	require.NoError(t, s.UpdateSettlement(ctx, first))
	owner, err = s.SettlementForConversion(ctx, "conv_2")
	require.NoError(t, err)
	require.NotNil(t, owner)
	assert.Equal(t, "stl_1", owner.ID)

	first.Status = affiliate.SettlementVoided
	first.VoidReason = "wrong details"
	require.NoError(t, s.UpdateSettlement(ctx, first))

	owner, err = s.SettlementForConversion(ctx, "conv_1")
	require.NoError(t, err)
	assert.Nil(t, owner)
	active, err := s.ActiveSettlement(ctx, "aff_1", "2026-02")
	require.NoError(t, err)
	assert.Nil(t, active)

	require.NoError(t, s.CreateSettlement(ctx, settlement("stl_4", "aff_1", "2026-02", affiliate.SettlementPending, "conv_1", "conv_2")))
	require.NoError(t, s.CreateSettlement(ctx, settlement("stl_5", "aff_1", "2026-01", affiliate.SettlementPending, "conv_0")))

	all, err := s.ListSettlements(ctx, affiliate.SettlementFilter{AffiliateID: "aff_1"})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "2026-02", all[0].PeriodID, "newest period first")
	assert.Equal(t, "2026-01", all[2].PeriodID)

	voided, err := s.ListSettlements(ctx, affiliate.SettlementFilter{Status: affiliate.SettlementVoided})
	require.NoError(t, err)
	require.Len(t, voided, 1)
	assert.Equal(t, "stl_1", voided[0].ID)
	assert.Equal(t, []string{"conv_1", "conv_2"}, voided[0].ConversionIDs)
}

func testApplicationCAS(t *testing.T, s affiliate.Store) {
	ctx := context.Background()
	app := affiliate.Application{
		ID: "app_1", Email: "new@example.com", DisplayName: "New", PasswordHash: "hash",
		Status: affiliate.ApplicationPending, CreatedAt: base,
	}
	require.NoError(t, s.CreateApplication(ctx, app))

	pending, err := s.PendingApplicationByEmail(ctx, "new@example.com")
	require.NoError(t, err)
	require.NotNil(t, pending)

	reviewed := base.Add(time.Hour)
	app.Status = affiliate.ApplicationRejected
	app.ReviewerID = "admin:test"
	app.ReviewedAt = &reviewed
	app.RejectionReason = "not a fit"
	require.NoError(t, s.UpdateApplication(ctx, app, affiliate.ApplicationPending))

	app.Status = affiliate.ApplicationApproved
	err = s.UpdateApplication(ctx, app, affiliate.ApplicationPending)
	assert.ErrorIs(t, err, affiliate.ErrConcurrentModification)

	got, err := s.GetApplication(ctx, "app_1")
	require.NoError(t, err)
	assert.Equal(t, affiliate.ApplicationRejected, got.Status)
	assert.Equal(t, "not a fit", got.RejectionReason)

	rejected, err := s.ListApplications(ctx, affiliate.ApplicationRejected)
	require.NoError(t, err)
	assert.Len(t, rejected, 1)
	pendingList, err := s.ListApplications(ctx, affiliate.ApplicationPending)
	require.NoError(t, err)
	assert.Empty(t, pendingList)
}

func testWithTxRollback(t *testing.T, s affiliate.Store) {
	// GIVEN: A transaction that writes an affiliate and an audit entry
	// WHEN: fn fails afterwards
	// THEN: Neither write is visible

	ctx := context.Background()
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(tx affiliate.Store) error {
		seedAffiliate(t, tx, "aff_tx", "tx@example.com", "TxCode1")
		require.NoError(t, tx.AppendAudit(ctx, affiliate.AuditEntry{
			ID: "aud_1", At: base, ActorID: "admin:test", Action: affiliate.AuditAffiliateTier,
			EntityKind: "affiliate", EntityID: "aff_tx",
		}))

		// Nested calls join the outer transaction.
		return tx.WithTx(ctx, func(inner affiliate.Store) error {
			got, err := inner.GetAffiliate(ctx, "aff_tx")
			require.NoError(t, err)
			require.NotNil(t, got)
			return boom
		})
	})
	assert.ErrorIs(t, err, boom)

	got, err := s.GetAffiliate(ctx, "aff_tx")
	require.NoError(t, err)
	assert.Nil(t, got)
	trail, err := s.ListAudit(ctx, "aff_tx")
	require.NoError(t, err)
	assert.Empty(t, trail)

	// A committed transaction keeps its writes.
	require.NoError(t, s.WithTx(ctx, func(tx affiliate.Store) error {
		return tx.CreateAffiliate(ctx, affiliate.Affiliate{
			ID: "aff_ok", Email: "ok@example.com", DisplayName: "Ok", ReferralCode: "OkCode1",
			Tier: affiliate.TierBronze, Status: affiliate.AffiliateActive,
			Currency: affiliate.DefaultCurrency, CreatedAt: base, UpdatedAt: base,
		})
	}))
	got, err = s.GetAffiliate(ctx, "aff_ok")
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func testAudit(t *testing.T, s affiliate.Store) {
	ctx := context.Background()
	for i, action := range []affiliate.AuditAction{affiliate.AuditSettlementCreated, affiliate.AuditSettlementSettled} {
		require.NoError(t, s.AppendAudit(ctx, affiliate.AuditEntry{
			ID:         []string{"aud_1", "aud_2"}[i],
			At:         base.Add(time.Duration(i) * time.Minute),
			ActorID:    "admin:test",
			Action:     action,
			EntityKind: "settlement",
			EntityID:   "stl_1",
			Metadata:   map[string]string{"amount": "50.00"},
		}))
	}
	require.NoError(t, s.AppendAudit(ctx, affiliate.AuditEntry{ID: "aud_3", At: base, Action: affiliate.AuditConversionVoided, EntityID: "conv_1"}))

	trail, err := s.ListAudit(ctx, "stl_1")
	require.NoError(t, err)
	require.Len(t, trail, 2)
	assert.Equal(t, affiliate.AuditSettlementCreated, trail[0].Action)
	assert.Equal(t, "50.00", trail[1].Metadata["amount"])

	all, err := s.ListAudit(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}
