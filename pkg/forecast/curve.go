package forecast

import (
	"fmt"
	"sort"
	"time"

	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/types"
	"gonum.org/v1/gonum/stat"
)

// Curve is an ordered, contiguous series of hourly delivered prices for one
// day. It backs the relative price scoring and the sell-timing peak scan.
type Curve struct {
	prices []types.PriceComponents
}

// NewCurve validates that the given components form an ordered, contiguous
// hourly series and returns a Curve. A day with a gap hour is rejected whole
// rather than silently interpolated.
func NewCurve(prices []types.PriceComponents) (*Curve, error) {
	if len(prices) == 0 {
		return nil, fmt.Errorf("empty price curve")
	}
	for i := 1; i < len(prices); i++ {
		prev, cur := prices[i-1].TSStart, prices[i].TSStart
		if !cur.After(prev) {
			return nil, fmt.Errorf("price curve not ordered at %s", cur.Format(time.RFC3339))
		}
		if cur.Sub(prev) != time.Hour {
			return nil, fmt.Errorf("price curve has a gap between %s and %s",
				prev.Format(time.RFC3339), cur.Format(time.RFC3339))
		}
	}
	return &Curve{prices: prices}, nil
}

// Len returns the number of hourly intervals in the curve.
func (c *Curve) Len() int {
	return len(c.prices)
}

// Prices returns the underlying hourly components.
func (c *Curve) Prices() []types.PriceComponents {
	return c.prices
}

// At returns the components for the hour containing ts, if present.
func (c *Curve) At(ts time.Time) (types.PriceComponents, bool) {
	for _, p := range c.prices {
		if !ts.Before(p.TSStart) && ts.Before(p.TSStart.Add(time.Hour)) {
			return p, true
		}
	}
	return types.PriceComponents{}, false
}

// PercentileRank returns where the given final price falls within the day's
// distribution, in [0, 1]. A rank of 0.95 means the price is higher than 95%
// of the day's hours.
func (c *Curve) PercentileRank(finalPrice float64) float64 {
	sorted := make([]float64, len(c.prices))
	for i, p := range c.prices {
		sorted[i] = p.FinalPrice
	}
	sort.Float64s(sorted)
	return stat.CDF(finalPrice, stat.Empirical, sorted, nil)
}

// Quantile returns the final price at the given quantile q in [0, 1] of the
// day's distribution.
func (c *Curve) Quantile(q float64) float64 {
	sorted := make([]float64, len(c.prices))
	for i, p := range c.prices {
		sorted[i] = p.FinalPrice
	}
	sort.Float64s(sorted)
	return stat.Quantile(q, stat.Empirical, sorted, nil)
}

// Peak returns the highest-priced hour strictly after from and starting no
// later than from+horizon. ok is false when no such hour remains in the
// curve.
func (c *Curve) Peak(from time.Time, horizon time.Duration) (types.PriceComponents, bool) {
	var best types.PriceComponents
	var ok bool
	limit := from.Add(horizon)
	for _, p := range c.prices {
		if !p.TSStart.After(from) || p.TSStart.After(limit) {
			continue
		}
		if !ok || p.FinalPrice > best.FinalPrice {
			best = p
			ok = true
		}
	}
	return best, ok
}
