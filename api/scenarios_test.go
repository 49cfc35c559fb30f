package api

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/affiliate-engine/affiliate"
)

func TestListScenarios_EmbeddedInOrder(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/admin/scenarios", nil, adminToken(t))
	require.Equal(t, http.StatusOK, rec.Code)

	list := decode[[]ScenarioDTO](t, rec)
	ids := make([]string, 0, len(list))
	for _, sc := range list {
		ids = append(ids, sc.ID)
		assert.NotEmpty(t, sc.Name, sc.ID)
	}
	assert.Equal(t, []string{"launch-week", "month-end-settlement", "review-queue"}, ids)
}

func TestLoadScenario_MonthEndSettlement(t *testing.T) {
	// GIVEN: The clock at 2026-03-10, so December and January are closed
	// WHEN: Loading month-end-settlement
	// THEN: Each partner has a December and a January settlement; December
	//       is paid, January (latest closed) is pending

	ts := newTestServer(t)
	ctx := context.Background()

	rec := ts.do(t, http.MethodPost, "/admin/scenarios/load", LoadScenarioRequest{ScenarioID: "month-end-settlement"}, adminToken(t))
	require.Equal(t, http.StatusOK, rec.Code)
	res := decode[LoadScenarioResponse](t, rec)
	assert.Equal(t, 2, res.Affiliates)
	assert.Equal(t, 9, res.Conversions)
	assert.Equal(t, 4, res.Settlements)

	settled, err := ts.eng.Settlements.ListSettlements(ctx, affiliate.SettlementFilter{Status: affiliate.SettlementSettled})
	require.NoError(t, err)
	require.Len(t, settled, 2)
	for _, s := range settled {
		assert.Equal(t, "2025-12", s.PeriodID)
	}
	pending, err := ts.eng.Settlements.ListSettlements(ctx, affiliate.SettlementFilter{Status: affiliate.SettlementPending})
	require.NoError(t, err)
	require.Len(t, pending, 2)
	for _, s := range pending {
		assert.Equal(t, "2026-01", s.PeriodID)
	}

	current := decode[map[string]string](t, ts.do(t, http.MethodGet, "/admin/scenarios/current", nil, adminToken(t)))
	assert.Equal(t, "month-end-settlement", current["scenarioId"])
}

func TestLoadScenario_ReloadIsHarmless(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		for _, id := range []string{"launch-week", "month-end-settlement", "review-queue"} {
			rec := ts.do(t, http.MethodPost, "/admin/scenarios/load", LoadScenarioRequest{ScenarioID: id}, adminToken(t))
			require.Equal(t, http.StatusOK, rec.Code, "%s: %s", id, rec.Body.String())
		}
	}

	convs, err := ts.eng.Events.ListConversions(ctx, affiliate.ConversionFilter{})
	require.NoError(t, err)
	seen := map[string]bool{}
	for _, c := range convs {
		assert.False(t, seen[c.OrderID], "order %s recorded twice", c.OrderID)
		seen[c.OrderID] = true
	}

	settlements, err := ts.eng.Settlements.ListSettlements(ctx, affiliate.SettlementFilter{})
	require.NoError(t, err)
	active := map[string]bool{}
	for _, s := range settlements {
		if s.Status == affiliate.SettlementVoided {
			continue
		}
		key := s.AffiliateID + "|" + s.PeriodID
		assert.False(t, active[key], "two active settlements for %s", key)
		active[key] = true
	}
}

func TestLoadScenario_Unknown404AndDisabled(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/admin/scenarios/load", LoadScenarioRequest{ScenarioID: "nope"}, adminToken(t))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	disabled := NewRouter(ts.handler, RouterConfig{Auth: NewAuthenticator(testSecret)})
	ts.router = disabled
	rec = ts.do(t, http.MethodGet, "/admin/scenarios", nil, adminToken(t))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
