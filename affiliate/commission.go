package affiliate

import (
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// =============================================================================
// COMMISSION CALCULATOR - Pure mapping (order value, tier) -> commission
// =============================================================================

var tierRates = map[Tier]decimal.Decimal{
	TierBronze:   decimal.RequireFromString("0.05"),
	TierSilver:   decimal.RequireFromString("0.08"),
	TierGold:     decimal.RequireFromString("0.12"),
	TierPlatinum: decimal.RequireFromString("0.15"),
}

// Tiers lists the known tiers from lowest to highest rate.
func Tiers() []Tier {
	return []Tier{TierBronze, TierSilver, TierGold, TierPlatinum}
}

// Rate returns the commission rate for tier. Unknown tiers get the bronze
// rate and ok=false; never a higher tier.
func Rate(tier Tier) (rate decimal.Decimal, ok bool) {
	if r, found := tierRates[tier]; found {
		return r, true
	}
	return tierRates[TierBronze], false
}

// Commission computes orderValue * rate[tier], rounded half-up to 2 places.
// The result depends only on its inputs, so it can be recomputed for audit.
func Commission(orderValue decimal.Decimal, tier Tier) (decimal.Decimal, error) {
	c, _, err := commission(orderValue, tier)
	return c, err
}

// commission also returns the tier actually applied.
func commission(orderValue decimal.Decimal, tier Tier) (decimal.Decimal, Tier, error) {
	if orderValue.IsNegative() {
		return decimal.Zero, tier, invalid("order_value", "must not be negative, got %s", orderValue)
	}
	rate, ok := Rate(tier)
	if !ok {
		zap.L().Warn("unknown commission tier, falling back to bronze",
			zap.String("tier", string(tier)),
			zap.String("order_value", orderValue.String()))
		tier = TierBronze
	}
	// decimal.Round rounds half away from zero, which is half-up for
	// the non-negative values accepted here.
	return orderValue.Mul(rate).Round(2), tier, nil
}
