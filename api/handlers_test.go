package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/affiliate-engine/affiliate"
)

// =============================================================================
// ATTRIBUTION & CLICKS
// =============================================================================

func TestResolveAttribution_SetsCookieAndCreditsLaterOrder(t *testing.T) {
	// GIVEN: A visitor lands with an affiliate's referral code
	// WHEN: The storefront resolves the landing URL
	// THEN: An HttpOnly attribution cookie is set, and an order forwarding
	//       that cookie is credited to the affiliate with the click linked

	ts := newTestServer(t)
	aff := ts.newAffiliate(t, "maya@example.com", affiliate.TierGold)

	rec := ts.do(t, http.MethodPost, "/attribution/resolve", ResolveAttributionRequest{
		URL: "/shop?ref=" + aff.ReferralCode + "&utm_source=ig&color=red",
	}, "")
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[ResolveAttributionResponse](t, rec)
	assert.True(t, resp.Fresh)
	assert.Equal(t, "/shop?color=red", resp.Redirect)
	require.NotNil(t, resp.Attribution)
	assert.Equal(t, aff.ID, resp.Attribution.AffiliateID)
	assert.Equal(t, "ig", resp.Attribution.UTMSource)

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	cookie := cookies[0]
	assert.Equal(t, DefaultCookieName, cookie.Name)
	assert.True(t, cookie.HttpOnly)
	assert.Equal(t, http.SameSiteLaxMode, cookie.SameSite)
	assert.Equal(t, int((30 * 24 * time.Hour).Seconds()), cookie.MaxAge)

	conv := ts.do(t, http.MethodPost, "/events/conversion", map[string]any{
		"orderId":     "order-1",
		"orderValue":  "1000",
		"attribution": cookie.Value,
	}, serviceToken(t))
	require.Equal(t, http.StatusCreated, conv.Code)

	got := decode[RecordConversionResponse](t, conv)
	assert.Equal(t, aff.ID, got.Conversion.AffiliateID)
	require.NotNil(t, got.Conversion.ClickID)
	assert.Equal(t, resp.ClickID, *got.Conversion.ClickID)
	assert.Equal(t, "120.00", got.Conversion.Commission)
}

func TestResolveAttribution_NoParams_PassesCookieThrough(t *testing.T) {
	ts := newTestServer(t)
	aff := ts.newAffiliate(t, "wen@example.com", "")

	first := ts.do(t, http.MethodPost, "/attribution/resolve", ResolveAttributionRequest{URL: "/?ref=" + aff.ReferralCode}, "")
	require.Equal(t, http.StatusOK, first.Code)
	cookie := first.Result().Cookies()[0]

	again := ts.do(t, http.MethodPost, "/attribution/resolve", ResolveAttributionRequest{URL: "/cart"}, "", cookie)
	require.Equal(t, http.StatusOK, again.Code)

	resp := decode[ResolveAttributionResponse](t, again)
	assert.False(t, resp.Fresh)
	assert.Empty(t, resp.ClickID)
	require.NotNil(t, resp.Attribution)
	assert.Equal(t, aff.ID, resp.Attribution.AffiliateID)
	assert.Empty(t, again.Result().Cookies(), "cookie is not rewritten")
}

func TestRecordConversion_ForgedAttributionIsIgnored(t *testing.T) {
	// GIVEN: A cookie naming an active affiliate that this server never
	//        issued, one signed with a different key and one plain JSON
	// WHEN: Orders forward them as attribution
	// THEN: Both orders are recorded unattributed with zero commission

	ts := newTestServer(t)
	aff := ts.newAffiliate(t, "target@example.com", affiliate.TierPlatinum)
	p := affiliate.AttributionPayload{
		AffiliateID: aff.ID,
		IssuedAt:    march10,
		ExpiresAt:   march10.Add(30 * 24 * time.Hour),
	}
	otherKey, err := affiliate.NewAttributionCodec([]byte("minted-elsewhere")).Encode(p)
	require.NoError(t, err)
	raw, err := json.Marshal(p)
	require.NoError(t, err)
	plain := base64.RawURLEncoding.EncodeToString(raw)

	for i, forged := range []string{otherKey, plain} {
		rec := ts.do(t, http.MethodPost, "/events/conversion", map[string]any{
			"orderId":     fmt.Sprintf("forged-%d", i),
			"orderValue":  "1000",
			"attribution": forged,
		}, serviceToken(t))
		require.Equal(t, http.StatusCreated, rec.Code)

		got := decode[RecordConversionResponse](t, rec)
		assert.Empty(t, got.Conversion.AffiliateID)
		assert.Equal(t, "0.00", got.Conversion.Commission)
	}
}

func TestRecordClick_LinkCode(t *testing.T) {
	ts := newTestServer(t)
	aff := ts.newAffiliate(t, "kai@example.com", "")
	tok := token(t, RoleAffiliate, aff.ID)

	rec := ts.do(t, http.MethodPost, "/affiliates/"+aff.ID+"/links", CreateLinkRequest{
		Name:      "Review post",
		TargetURL: "https://shop.example.com/p/1",
		UTM:       UTMDTO{Source: "blog"},
	}, tok)
	require.Equal(t, http.StatusCreated, rec.Code)
	link := decode[LinkDTO](t, rec)
	assert.Contains(t, link.TrackingURL, "ref="+link.Code)

	click := ts.do(t, http.MethodPost, "/events/click", RecordClickRequest{Code: link.Code}, "")
	require.Equal(t, http.StatusCreated, click.Code)
	got := decode[RecordClickResponse](t, click)
	assert.Equal(t, aff.ID, got.AffiliateID)
	assert.Equal(t, link.ID, got.LinkID)

	list := ts.do(t, http.MethodGet, "/affiliates/"+aff.ID+"/links", nil, tok)
	require.Equal(t, http.StatusOK, list.Code)
	links := decode[[]LinkDTO](t, list)
	require.Len(t, links, 1)
	assert.Equal(t, int64(1), links[0].Clicks)
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func TestRecordConversion_RepeatedOrder_200AlreadyRecorded(t *testing.T) {
	ts := newTestServer(t)
	aff := ts.newAffiliate(t, "lee@example.com", affiliate.TierBronze)
	body := map[string]any{"affiliateId": aff.ID, "orderId": "order-7", "orderValue": 1000}

	first := ts.do(t, http.MethodPost, "/events/conversion", body, serviceToken(t))
	require.Equal(t, http.StatusCreated, first.Code)
	created := decode[RecordConversionResponse](t, first)
	assert.False(t, created.AlreadyRecorded)
	assert.Equal(t, "50.00", created.Conversion.Commission)
	assert.Nil(t, created.Conversion.ClickID)

	body["orderValue"] = 9999
	second := ts.do(t, http.MethodPost, "/events/conversion", body, serviceToken(t))
	require.Equal(t, http.StatusOK, second.Code)
	repeat := decode[RecordConversionResponse](t, second)
	assert.True(t, repeat.AlreadyRecorded)
	assert.Equal(t, created.ConversionID, repeat.ConversionID)
	assert.Equal(t, "1000.00", repeat.Conversion.OrderValue)
}

func TestRecordConversion_Invalid_400(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name string
		body any
	}{
		{"missing order value", map[string]any{"orderId": "o-1"}},
		{"negative order value", map[string]any{"orderId": "o-1", "orderValue": "-1"}},
		{"missing order id", map[string]any{"orderValue": "10"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodPost, "/events/conversion", tt.body, serviceToken(t))
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, "validation", decode[ErrorResponse](t, rec).Code)
		})
	}
}

func TestConversionTransitions(t *testing.T) {
	ts := newTestServer(t)
	aff := ts.newAffiliate(t, "c@example.com", "")
	rec := ts.do(t, http.MethodPost, "/events/conversion",
		map[string]any{"affiliateId": aff.ID, "orderId": "o-1", "orderValue": "200"}, serviceToken(t))
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decode[RecordConversionResponse](t, rec).ConversionID

	confirmed := ts.do(t, http.MethodPost, "/conversions/"+id+"/confirm", nil, serviceToken(t))
	require.Equal(t, http.StatusOK, confirmed.Code)
	assert.Equal(t, "confirmed", decode[ConversionDTO](t, confirmed).Status)

	voided := ts.do(t, http.MethodPost, "/conversions/"+id+"/void", VoidRequest{Reason: "refunded"}, adminToken(t))
	require.Equal(t, http.StatusOK, voided.Code)
	assert.Equal(t, "refunded", decode[ConversionDTO](t, voided).VoidReason)

	again := ts.do(t, http.MethodPost, "/conversions/"+id+"/confirm", nil, serviceToken(t))
	assert.Equal(t, http.StatusConflict, again.Code)
	assert.Equal(t, "invalid_state", decode[ErrorResponse](t, again).Code)

	missing := ts.do(t, http.MethodPost, "/conversions/conv_missing/void", VoidRequest{Reason: "x"}, serviceToken(t))
	assert.Equal(t, http.StatusNotFound, missing.Code)

	// The trail records both transitions with the acting principal.
	audit := ts.do(t, http.MethodGet, "/admin/audit?entityId="+id, nil, adminToken(t))
	require.Equal(t, http.StatusOK, audit.Code)
	entries := decode[[]AuditEntryDTO](t, audit)
	require.Len(t, entries, 2)
	assert.Equal(t, "service:shop", entries[0].ActorID)
	assert.Equal(t, "admin:alice", entries[1].ActorID)
}

// =============================================================================
// SETTLEMENTS
// =============================================================================

func TestSettlementFlow(t *testing.T) {
	// GIVEN: A bronze affiliate with a confirmed January order
	// WHEN: An admin runs settlement without naming a period, then pays it
	// THEN: January (the latest closed period) is settled and the
	//       affiliate's summary moves from pending to settled

	ts := newTestServer(t)
	aff := ts.newAffiliate(t, "pay@example.com", affiliate.TierBronze)
	ts.confirmedOrder(t, aff.ID, "jan-1", "1000", time.Date(2026, time.January, 15, 0, 0, 0, 0, time.UTC))
	affTok := token(t, RoleAffiliate, aff.ID)

	run := ts.do(t, http.MethodPost, "/admin/settlements/run", nil, adminToken(t))
	require.Equal(t, http.StatusOK, run.Code)
	result := decode[SettlementRunDTO](t, run)
	assert.Equal(t, "2026-01", result.PeriodID)
	assert.Equal(t, 1, result.Processed)
	require.Len(t, result.Settlements, 1)
	st := result.Settlements[0]
	assert.Equal(t, "50.00", st.Amount)
	assert.Equal(t, "pending", st.Status)

	list := ts.do(t, http.MethodGet, "/settlements", nil, affTok)
	require.Equal(t, http.StatusOK, list.Code)
	before := decode[SettlementsResponse](t, list)
	assert.Equal(t, "50.00", before.Summary.TotalEarned)
	assert.Equal(t, "0.00", before.Summary.TotalSettled)
	assert.Equal(t, "50.00", before.Summary.PendingSettlement)
	assert.Equal(t, "2026-03-25", before.Summary.NextSettlementDate)
	require.Len(t, before.Settlements, 1)

	// Affiliates cannot pay themselves.
	assert.Equal(t, http.StatusForbidden,
		ts.do(t, http.MethodPost, "/settlements/"+st.ID+"/settle", MarkSettledRequest{Method: "bank_transfer"}, affTok).Code)

	paid := ts.do(t, http.MethodPost, "/settlements/"+st.ID+"/settle",
		MarkSettledRequest{Method: "bank_transfer", Reference: "TX-1"}, adminToken(t))
	require.Equal(t, http.StatusOK, paid.Code)
	settled := decode[SettlementDTO](t, paid)
	assert.Equal(t, "settled", settled.Status)
	assert.NotNil(t, settled.SettledAt)

	twice := ts.do(t, http.MethodPost, "/settlements/"+st.ID+"/settle",
		MarkSettledRequest{Method: "bank_transfer"}, adminToken(t))
	assert.Equal(t, http.StatusConflict, twice.Code)

	after := decode[SettlementsResponse](t, ts.do(t, http.MethodGet, "/settlements", nil, affTok))
	assert.Equal(t, "50.00", after.Summary.TotalSettled)
	assert.Equal(t, "0.00", after.Summary.PendingSettlement)

	one := ts.do(t, http.MethodGet, "/settlements/"+st.ID, nil, affTok)
	require.Equal(t, http.StatusOK, one.Code)
	assert.Equal(t, settled.ConversionIDs, decode[SettlementDTO](t, one).ConversionIDs)
}

func TestRunSettlements_SingleAffiliateAndFuturePeriod(t *testing.T) {
	ts := newTestServer(t)
	aff := ts.newAffiliate(t, "one@example.com", "")

	idle := ts.do(t, http.MethodPost, "/admin/settlements/run",
		RunSettlementRequest{AffiliateID: aff.ID, PeriodID: "2026-01"}, adminToken(t))
	require.Equal(t, http.StatusOK, idle.Code)
	res := decode[SettlementRunDTO](t, idle)
	assert.Equal(t, 1, res.Skipped)
	assert.Empty(t, res.Settlements)

	future := ts.do(t, http.MethodPost, "/admin/settlements/run",
		RunSettlementRequest{PeriodID: "2026-04"}, adminToken(t))
	assert.Equal(t, http.StatusBadRequest, future.Code)
}

func TestRunSettlements_SingleAffiliate_FrozenPeriodIsSkipped(t *testing.T) {
	// GIVEN: An affiliate whose January settlement has been paid
	// WHEN: An admin re-runs January for that affiliate
	// THEN: The paid settlement is left alone and the run reports it as
	//       skipped, the same way a full run does

	ts := newTestServer(t)
	ctx := context.Background()
	aff := ts.newAffiliate(t, "frozen@example.com", "")
	ts.confirmedOrder(t, aff.ID, "jan-f", "1000", time.Date(2026, time.January, 15, 0, 0, 0, 0, time.UTC))

	st, err := ts.eng.Settlements.RunSettlement(ctx, aff.ID, "2026-01", "admin:test")
	require.NoError(t, err)
	_, err = ts.eng.Settlements.MarkSettled(ctx, st.ID, "bank_transfer", "TX-7", "admin:test")
	require.NoError(t, err)

	single := decode[SettlementRunDTO](t, ts.do(t, http.MethodPost, "/admin/settlements/run",
		RunSettlementRequest{AffiliateID: aff.ID, PeriodID: "2026-01"}, adminToken(t)))
	assert.Equal(t, 0, single.Processed)
	assert.Equal(t, 1, single.Skipped)
	assert.Empty(t, single.Settlements)

	full := decode[SettlementRunDTO](t, ts.do(t, http.MethodPost, "/admin/settlements/run",
		RunSettlementRequest{PeriodID: "2026-01"}, adminToken(t)))
	assert.Equal(t, single.Processed, full.Processed)
	assert.Equal(t, single.Skipped, full.Skipped)
}

func TestGetSettlement_OtherAffiliatesLookMissing(t *testing.T) {
	// GIVEN: A settlement belonging to affiliate A
	// WHEN: Affiliate B asks for it, and for an id that does not exist
	// THEN: Both answers are the same 404; A and an admin still see it

	ts := newTestServer(t)
	ctx := context.Background()
	a := ts.newAffiliate(t, "owner@example.com", "")
	b := ts.newAffiliate(t, "nosy@example.com", "")
	ts.confirmedOrder(t, a.ID, "jan-o", "1000", time.Date(2026, time.January, 15, 0, 0, 0, 0, time.UTC))
	st, err := ts.eng.Settlements.RunSettlement(ctx, a.ID, "2026-01", "admin:test")
	require.NoError(t, err)

	bTok := token(t, RoleAffiliate, b.ID)
	foreign := ts.do(t, http.MethodGet, "/settlements/"+st.ID, nil, bTok)
	missing := ts.do(t, http.MethodGet, "/settlements/stl_missing", nil, bTok)
	assert.Equal(t, http.StatusNotFound, foreign.Code)
	assert.Equal(t, http.StatusNotFound, missing.Code)
	assert.Equal(t,
		decode[ErrorResponse](t, missing).Code,
		decode[ErrorResponse](t, foreign).Code)

	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/settlements/"+st.ID, nil, token(t, RoleAffiliate, a.ID)).Code)
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/settlements/"+st.ID, nil, adminToken(t)).Code)
}

// =============================================================================
// APPLICATIONS & AFFILIATES
// =============================================================================

func TestApplicationReview(t *testing.T) {
	ts := newTestServer(t)

	submit := func(email string) ApplicationDTO {
		rec := ts.do(t, http.MethodPost, "/applications", SubmitApplicationRequest{
			Email: email, DisplayName: "Studio", Password: "correct-horse",
		}, "")
		require.Equal(t, http.StatusCreated, rec.Code)
		return decode[ApplicationDTO](t, rec)
	}
	a := submit("a@example.com")
	b := submit("b@example.com")
	assert.Equal(t, "pending", a.Status)

	dup := ts.do(t, http.MethodPost, "/applications", SubmitApplicationRequest{
		Email: "A@example.com", DisplayName: "Again", Password: "correct-horse",
	}, "")
	assert.Equal(t, http.StatusConflict, dup.Code)

	rec := ts.do(t, http.MethodPost, "/applications/"+a.ID+"/approve", nil, adminToken(t))
	require.Equal(t, http.StatusOK, rec.Code)
	approved := decode[ApproveApplicationResponse](t, rec)
	assert.Equal(t, "approved", approved.Application.Status)
	assert.Equal(t, "admin:alice", approved.Application.ReviewerID)
	assert.Equal(t, "bronze", approved.Affiliate.Tier)
	assert.Equal(t, "active", approved.Affiliate.Status)
	assert.Len(t, approved.Affiliate.ReferralCode, 6)

	assert.Equal(t, http.StatusConflict,
		ts.do(t, http.MethodPost, "/applications/"+a.ID+"/approve", nil, adminToken(t)).Code)

	noReason := ts.do(t, http.MethodPost, "/applications/"+b.ID+"/reject", RejectApplicationRequest{}, adminToken(t))
	assert.Equal(t, http.StatusBadRequest, noReason.Code)
	rejected := ts.do(t, http.MethodPost, "/applications/"+b.ID+"/reject", RejectApplicationRequest{Reason: "not a fit"}, adminToken(t))
	require.Equal(t, http.StatusOK, rejected.Code)
	assert.Equal(t, "not a fit", decode[ApplicationDTO](t, rejected).RejectionReason)

	pending := decode[[]ApplicationDTO](t, ts.do(t, http.MethodGet, "/applications?status=pending", nil, adminToken(t)))
	assert.Empty(t, pending)
	affs := decode[[]AffiliateDTO](t, ts.do(t, http.MethodGet, "/affiliates", nil, adminToken(t)))
	assert.Len(t, affs, 1)

	assert.Equal(t, http.StatusNotFound,
		ts.do(t, http.MethodGet, "/applications/app_missing", nil, adminToken(t)).Code)
}

func TestAffiliateAdmin_SuspendStopsCommission(t *testing.T) {
	ts := newTestServer(t)
	aff := ts.newAffiliate(t, "rex@example.com", "")

	tier := ts.do(t, http.MethodPost, "/affiliates/"+aff.ID+"/tier", SetTierRequest{Tier: "platinum"}, adminToken(t))
	require.Equal(t, http.StatusOK, tier.Code)
	assert.Equal(t, "platinum", decode[AffiliateDTO](t, tier).Tier)

	bad := ts.do(t, http.MethodPost, "/affiliates/"+aff.ID+"/tier", SetTierRequest{Tier: "diamond"}, adminToken(t))
	assert.Equal(t, http.StatusBadRequest, bad.Code)

	sus := ts.do(t, http.MethodPost, "/affiliates/"+aff.ID+"/status",
		SetStatusRequest{Status: "suspended", Reason: "fraud review"}, adminToken(t))
	require.Equal(t, http.StatusOK, sus.Code)

	rec := ts.do(t, http.MethodPost, "/events/conversion",
		map[string]any{"affiliateId": aff.ID, "orderId": "o-sus", "orderValue": "1000"}, serviceToken(t))
	require.Equal(t, http.StatusCreated, rec.Code)
	conv := decode[RecordConversionResponse](t, rec).Conversion
	assert.Empty(t, conv.AffiliateID)
	assert.Equal(t, "0.00", conv.Commission)
}

// =============================================================================
// ANALYTICS, COMMISSION, HEALTH
// =============================================================================

func TestGetAnalytics(t *testing.T) {
	ts := newTestServer(t)
	aff := ts.newAffiliate(t, "gold@example.com", affiliate.TierGold)
	ts.confirmedOrder(t, aff.ID, "a-1", "1000", march10.Add(-time.Hour))

	rec := ts.do(t, http.MethodGet, "/admin/analytics?range=7d", nil, adminToken(t))
	require.Equal(t, http.StatusOK, rec.Code)
	rep := decode[AnalyticsDTO](t, rec)

	assert.Equal(t, "7d", rep.Range)
	assert.Equal(t, "2026-03-04", rep.From)
	assert.Equal(t, "2026-03-10", rep.To)
	assert.Equal(t, "1000.00", rep.Totals.Revenue)
	assert.Equal(t, "120.00", rep.Totals.Commission)
	require.Len(t, rep.Leaderboard, 1)
	assert.Equal(t, aff.ID, rep.Leaderboard[0].AffiliateID)
	require.Len(t, rep.Trend, 7)
	assert.Equal(t, "2026-03-10", rep.Trend[6].Date)
	assert.Equal(t, int64(1), rep.Trend[6].Conversions)

	bad := ts.do(t, http.MethodGet, "/admin/analytics?range=2w", nil, adminToken(t))
	assert.Equal(t, http.StatusBadRequest, bad.Code)
}

func TestGetCommission(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/commission?orderValue=1234.565&tier=silver", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[CommissionDTO](t, rec)
	assert.Equal(t, "98.77", got.Commission)
	assert.Equal(t, "0.08", got.Rate)
	assert.Equal(t, "silver", got.AppliedTier)

	unknown := decode[CommissionDTO](t, ts.do(t, http.MethodGet, "/commission?orderValue=100&tier=diamond", nil, ""))
	assert.Equal(t, "bronze", unknown.AppliedTier)
	assert.Equal(t, "5.00", unknown.Commission)

	for _, q := range []string{"orderValue=abc", "orderValue=-1&tier=gold", ""} {
		rec := ts.do(t, http.MethodGet, "/commission?"+q, nil, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t)
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/healthz", nil, "").Code)

	ts.handler.Health = func(context.Context) error { return errors.New("database is locked") }
	rec := ts.do(t, http.MethodGet, "/healthz", nil, "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.True(t, strings.Contains(decode[ErrorResponse](t, rec).Details, "locked"))
}

func TestMalformedBody_400(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/applications", "not an object", "")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation", decode[ErrorResponse](t, rec).Code)
}
