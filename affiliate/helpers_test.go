package affiliate_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/warp/affiliate-engine/affiliate"
	"github.com/warp/affiliate-engine/affiliate/store"
	"golang.org/x/crypto/bcrypt"
)

// =============================================================================
// TEST SETUP
// =============================================================================

// clock is a settable time source shared by every engine service.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock(t time.Time) *clock { return &clock{t: t} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// march10 is the default test "now": mid-month, before the 25th.
var march10 = time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T) (*affiliate.Engine, *clock) {
	t.Helper()
	clk := newClock(march10)
	eng := affiliate.New(store.NewMemory(), affiliate.Options{
		BcryptCost: bcrypt.MinCost,
		Retry:      affiliate.RetryPolicy{Attempts: 1},
		Now:        clk.Now,
	})
	return eng, clk
}

// newAffiliate onboards an affiliate through the application workflow.
func newAffiliate(t *testing.T, eng *affiliate.Engine, email string, tier affiliate.Tier) *affiliate.Affiliate {
	t.Helper()
	ctx := context.Background()

	app, err := eng.Applications.Submit(ctx, affiliate.SubmitInput{
		Email:       email,
		DisplayName: "Partner " + email,
		Password:    "correct-horse",
	})
	require.NoError(t, err)
	_, aff, err := eng.Applications.Approve(ctx, app.ID, "admin:test")
	require.NoError(t, err)

	if tier != "" && tier != aff.Tier {
		aff, err = eng.Affiliates.SetTier(ctx, aff.ID, tier, "admin:test")
		require.NoError(t, err)
	}
	return aff
}

// confirmedOrder records and confirms a conversion at the given time.
func confirmedOrder(t *testing.T, eng *affiliate.Engine, affID, orderID, value string, at time.Time) *affiliate.Conversion {
	t.Helper()
	ctx := context.Background()
	res, err := eng.Events.RecordConversion(ctx, affiliate.ConversionInput{
		AffiliateID: affID,
		OrderID:     orderID,
		OrderValue:  dec(value),
		OccurredAt:  at,
	})
	require.NoError(t, err)
	conv, err := eng.Events.ConfirmConversion(ctx, res.Conversion.ID, "service:test")
	require.NoError(t, err)
	return conv
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }
