package risk

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polyarb/internal/domain"
)

// tierTable selects thresholds by win rate.
type tierTable []Tier

func newTierTable(tiers []Tier) tierTable {
	t := make(tierTable, len(tiers))
	copy(t, tiers)
	sort.SliceStable(t, func(i, j int) bool {
		return t[i].MinWinRate.GreaterThan(t[j].MinWinRate)
	})
	return t
}

// For returns the thresholds of the highest tier whose minimum winRate
// reaches. Below every tier the lowest one applies.
func (t tierTable) For(winRate decimal.Decimal) (domain.Thresholds, bool) {
	if len(t) == 0 {
		return domain.Thresholds{}, false
	}
	for _, tier := range t {
		if winRate.GreaterThanOrEqual(tier.MinWinRate) {
			return tier.Thresholds, true
		}
	}
	return t[len(t)-1].Thresholds, true
}

func thresholdsEqual(a, b domain.Thresholds) bool {
	return a.HeatLimit.Equal(b.HeatLimit) &&
		a.DrawdownLimit.Equal(b.DrawdownLimit) &&
		a.ConsecutiveLossLimit == b.ConsecutiveLossLimit &&
		a.PerAssetLimit == b.PerAssetLimit
}
