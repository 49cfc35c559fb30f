package affiliate_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/affiliate-engine/affiliate"
)

func TestCommission_TierRates(t *testing.T) {
	tests := []struct {
		name  string
		value string
		tier  affiliate.Tier
		want  string
	}{
		{"bronze 5%", "1000", affiliate.TierBronze, "50.00"},
		{"silver 8%", "1000", affiliate.TierSilver, "80.00"},
		{"gold 12%", "1000", affiliate.TierGold, "120.00"},
		{"platinum 15%", "1000", affiliate.TierPlatinum, "150.00"},
		{"rounds half up", "199.99", affiliate.TierBronze, "10.00"},
		{"half cent goes up", "0.10", affiliate.TierBronze, "0.01"},
		{"below half cent goes down", "0.09", affiliate.TierBronze, "0.00"},
		{"zero order", "0", affiliate.TierGold, "0.00"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := affiliate.Commission(dec(tt.value), tt.tier)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.StringFixed(2))
		})
	}
}

func TestCommission_UnknownTier_FallsBackToBronze(t *testing.T) {
	// GIVEN: A tier the calculator does not know
	// WHEN: Computing commission
	// THEN: The bronze rate applies, never a higher one

	got, err := affiliate.Commission(dec("1000"), affiliate.Tier("diamond"))
	require.NoError(t, err)
	assert.Equal(t, "50.00", got.StringFixed(2))

	rate, ok := affiliate.Rate(affiliate.Tier("diamond"))
	assert.False(t, ok)
	assert.Equal(t, "0.05", rate.String())
}

func TestCommission_NegativeOrderValue_Rejected(t *testing.T) {
	_, err := affiliate.Commission(dec("-1"), affiliate.TierBronze)

	var verr *affiliate.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "order_value", verr.Field)
	assert.ErrorIs(t, err, affiliate.ErrValidation)
}

func TestCommission_Deterministic(t *testing.T) {
	// GIVEN: The same inputs
	// WHEN: Computing twice
	// THEN: Identical results, so stored commission can be re-verified

	a, err := affiliate.Commission(dec("1234.565"), affiliate.TierSilver)
	require.NoError(t, err)
	b, err := affiliate.Commission(dec("1234.565"), affiliate.TierSilver)
	require.NoError(t, err)
	assert.True(t, a.Equal(b))
	assert.Equal(t, "98.77", a.StringFixed(2))
}
