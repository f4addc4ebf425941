package selltiming

import (
	"fmt"
	"time"

	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/forecast"
	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/types"
)

// Analyzer decides between selling at the current price and waiting for a
// forecast peak. It is a pure function of the forecast and the current
// price; it never looks at battery state, that is the coordinator's job.
type Analyzer struct {
	settings types.Settings
}

// NewAnalyzer returns an Analyzer using the given settings.
func NewAnalyzer(settings types.Settings) *Analyzer {
	return &Analyzer{settings: settings}
}

// Analyze scans the forecast ahead of now, bounded by the max-wait horizon,
// and recommends when to sell.
//
// The relative-gain checks run before the percentile check. A large future
// peak must produce a wait recommendation even when the current price sits
// low in the day's distribution; percentile rank and opportunity size are
// independent signals and the larger one wins.
func (a *Analyzer) Analyze(current types.PriceComponents, curve *forecast.Curve, now time.Time) types.SellTimingRecommendation {
	if curve == nil || curve.Len() == 0 {
		return types.SellTimingRecommendation{
			Decision: types.NoOpportunity,
			Reason:   "no price forecast available",
		}
	}
	if current.FinalPrice <= 0 {
		return types.SellTimingRecommendation{
			Decision: types.NoOpportunity,
			Reason:   fmt.Sprintf("current price %.4f is not sellable", current.FinalPrice),
		}
	}

	horizon := time.Duration(a.settings.MaxWaitHorizonHours) * time.Hour
	rank := curve.PercentileRank(current.FinalPrice)
	// the price at the configured percentile of the day's distribution;
	// being at or above it counts as "already high"
	highPrice := curve.Quantile(a.settings.HighPricePercentile)

	peak, ok := curve.Peak(now, horizon)
	if ok {
		gain := (peak.FinalPrice - current.FinalPrice) / current.FinalPrice
		conf := forecastConfidence(now, peak.TSStart, horizon)

		if gain >= a.settings.SignificantGainPct && conf >= a.settings.MinConfidence {
			ts := peak.TSStart
			return types.SellTimingRecommendation{
				Decision:           types.WaitForPeak,
				TargetTime:         &ts,
				ExpectedPrice:      peak.FinalPrice,
				OpportunityGainPct: gain,
				Confidence:         conf,
				Reason: fmt.Sprintf("peak %.4f at %s is %.0f%% above current %.4f",
					peak.FinalPrice, ts.Format("15:04"), gain*100, current.FinalPrice),
			}
		}
		if gain >= a.settings.SecondaryGainPct && conf >= a.settings.MinConfidence {
			ts := peak.TSStart
			return types.SellTimingRecommendation{
				Decision:           types.WaitForHigher,
				TargetTime:         &ts,
				ExpectedPrice:      peak.FinalPrice,
				OpportunityGainPct: gain,
				Confidence:         conf,
				Reason: fmt.Sprintf("peak %.4f at %s is %.0f%% above current %.4f, below the significant threshold",
					peak.FinalPrice, ts.Format("15:04"), gain*100, current.FinalPrice),
			}
		}

		// no worthwhile future peak; fall through to the percentile check
		if current.FinalPrice >= highPrice {
			return types.SellTimingRecommendation{
				Decision:           types.SellNow,
				OpportunityGainPct: gain,
				Confidence:         rank,
				Reason: fmt.Sprintf("current price %.4f is at or above the day's %.0fth percentile price %.4f and no better peak remains",
					current.FinalPrice, a.settings.HighPricePercentile*100, highPrice),
			}
		}
		return types.SellTimingRecommendation{
			Decision:           types.NoOpportunity,
			OpportunityGainPct: gain,
			Confidence:         conf,
			Reason: fmt.Sprintf("best remaining peak %.4f is only %.0f%% above current %.4f and price rank %.2f is below %.2f",
				peak.FinalPrice, gain*100, current.FinalPrice, rank, a.settings.HighPricePercentile),
		}
	}

	// nothing ahead of us in the curve; selling now is the only option left
	if current.FinalPrice >= highPrice {
		return types.SellTimingRecommendation{
			Decision:   types.SellNow,
			Confidence: rank,
			Reason: fmt.Sprintf("current price %.4f is at or above the day's %.0fth percentile price %.4f with no forecast hours remaining",
				current.FinalPrice, a.settings.HighPricePercentile*100, highPrice),
		}
	}
	return types.SellTimingRecommendation{
		Decision: types.NoOpportunity,
		Reason: fmt.Sprintf("no forecast hours remain and current price rank %.2f is below %.2f",
			rank, a.settings.HighPricePercentile),
	}
}

// forecastConfidence discounts peaks further away in the horizon. A peak in
// the next hour is near certain; one at the far edge of the horizon carries
// more forecast risk.
func forecastConfidence(now, peakStart time.Time, horizon time.Duration) float64 {
	if horizon <= 0 {
		return 0
	}
	away := peakStart.Sub(now)
	if away < 0 {
		away = 0
	}
	conf := 1 - 0.5*(float64(away)/float64(horizon))
	if conf < 0 {
		return 0
	}
	return conf
}
