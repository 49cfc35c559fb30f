package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/warp/affiliate-engine/affiliate"
	"github.com/warp/affiliate-engine/affiliate/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

const testSecret = "test-secret"

// march10 is the default test "now": mid-month, before the 25th.
var march10 = time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

type testServer struct {
	eng     *affiliate.Engine
	handler *Handler
	router  http.Handler
	clock   *testClock
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	clk := &testClock{t: march10}
	eng := affiliate.New(store.NewMemory(), affiliate.Options{
		BcryptCost: bcrypt.MinCost,
		Retry:      affiliate.RetryPolicy{Attempts: 1},
		Now:        clk.Now,
	})
	h := NewHandler(eng)
	h.Scheduler = NewSettlementScheduler(eng)
	router := NewRouter(h, RouterConfig{
		Auth:            NewAuthenticator(testSecret),
		EnableScenarios: true,
	})
	return &testServer{eng: eng, handler: h, router: router, clock: clk}
}

func token(t *testing.T, role Role, subject string) string {
	t.Helper()
	tok, err := IssueToken(testSecret, Principal{Subject: subject, Role: role}, time.Hour)
	require.NoError(t, err)
	return tok
}

func adminToken(t *testing.T) string { return token(t, RoleAdmin, "alice") }
func serviceToken(t *testing.T) string { return token(t, RoleService, "shop") }

// do sends body as JSON with an optional bearer token and cookies.
func (ts *testServer) do(t *testing.T, method, path string, body any, tok string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

// newAffiliate onboards an affiliate through the engine.
func (ts *testServer) newAffiliate(t *testing.T, email string, tier affiliate.Tier) *affiliate.Affiliate {
	t.Helper()
	ctx := context.Background()
	app, err := ts.eng.Applications.Submit(ctx, affiliate.SubmitInput{
		Email:       email,
		DisplayName: "Partner " + email,
		Password:    "correct-horse",
	})
	require.NoError(t, err)
	_, aff, err := ts.eng.Applications.Approve(ctx, app.ID, "admin:test")
	require.NoError(t, err)
	if tier != "" && tier != aff.Tier {
		aff, err = ts.eng.Affiliates.SetTier(ctx, aff.ID, tier, "admin:test")
		require.NoError(t, err)
	}
	return aff
}

// confirmedOrder records and confirms an order through the engine.
func (ts *testServer) confirmedOrder(t *testing.T, affID, orderID, value string, at time.Time) *affiliate.Conversion {
	t.Helper()
	ctx := context.Background()
	res, err := ts.eng.Events.RecordConversion(ctx, affiliate.ConversionInput{
		AffiliateID: affID,
		OrderID:     orderID,
		OrderValue:  decimal.RequireFromString(value),
		OccurredAt:  at,
	})
	require.NoError(t, err)
	conv, err := ts.eng.Events.ConfirmConversion(ctx, res.Conversion.ID, "service:test")
	require.NoError(t, err)
	return conv
}
