package scoring

import (
	"fmt"
	"sort"
	"strings"

	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/forecast"
	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/types"
)

// Engine combines four independent sub-scores into a charging action
// recommendation. It is constructed per evaluation cycle from the current
// settings; all methods are pure functions of their inputs.
type Engine struct {
	settings types.Settings
}

// NewEngine validates the scoring configuration and returns an Engine.
// Weights that do not sum to 1.0 are fatal here, before any cycle runs.
func NewEngine(settings types.Settings) (*Engine, error) {
	if err := settings.Weights.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scoring weights: %w", err)
	}
	if settings.StartThreshold <= settings.StopThreshold {
		return nil, fmt.Errorf("start threshold (%f) must be above stop threshold (%f)",
			settings.StartThreshold, settings.StopThreshold)
	}
	return &Engine{settings: settings}, nil
}

// Evaluate scores the current system state against the day's price curve and
// resolves a charging action. The returned breakdown carries the sub-scores,
// the weighted total and the confidence; the reason string explains which
// factors dominated.
func (e *Engine) Evaluate(state types.SystemState, price types.PriceComponents, curve *forecast.Curve) (types.ScoreBreakdown, types.Action, string) {
	b := types.ScoreBreakdown{
		PriceScore:       e.priceScore(price, curve),
		BatteryScore:     e.batteryScore(state.BatterySOC),
		PVScore:          e.pvScore(state.PVPowerW),
		ConsumptionScore: e.consumptionScore(state.ConsumptionPowerW),
		CriticalBattery:  state.BatterySOC <= e.settings.CriticalBatterySOC,
	}

	w := e.settings.Weights
	b.WeightedTotal = w.Price*b.PriceScore +
		w.Battery*b.BatteryScore +
		w.PV*b.PVScore +
		w.Consumption*b.ConsumptionScore
	b.Confidence = confidence(b)

	action, reason := e.resolve(b, state)
	return b, action, reason
}

// priceScore is the inverse of the price's percentile rank within the day's
// curve. Rank is relative, not an absolute threshold, so the score adapts
// when the whole market shifts up or down.
func (e *Engine) priceScore(price types.PriceComponents, curve *forecast.Curve) float64 {
	if curve == nil || curve.Len() == 0 {
		// without a curve we cannot rank; treat the price as median
		return 0.5
	}
	return 1 - curve.PercentileRank(price.FinalPrice)
}

// batteryScore maps state of charge onto charging urgency bands. The
// critical band is handled by the override path in resolve, not here.
func (e *Engine) batteryScore(soc float64) float64 {
	switch {
	case soc <= e.settings.CriticalBatterySOC:
		return 1.0
	case soc < 40:
		return 0.8
	case soc < 70:
		return 0.5
	case soc < 90:
		return 0.2
	default:
		return 0.0
	}
}

// pvScore maps solar production onto bands relative to the configured
// nameplate capacity.
func (e *Engine) pvScore(pvW float64) float64 {
	nameplate := e.settings.PVNameplateW
	if nameplate <= 0 {
		return 0.0
	}
	switch ratio := pvW / nameplate; {
	case ratio < 0.05:
		return 0.0
	case ratio < 0.25:
		return 0.3
	case ratio < 0.60:
		return 0.6
	default:
		return 1.0
	}
}

// consumptionScore is inverse-banded against the configured household
// reference load. Lower consumption leaves more headroom to charge.
func (e *Engine) consumptionScore(consumptionW float64) float64 {
	reference := e.settings.ConsumptionReferenceW
	if reference <= 0 {
		return 0.5
	}
	switch ratio := consumptionW / reference; {
	case ratio < 0.25:
		return 1.0
	case ratio < 0.50:
		return 0.7
	case ratio < 1.00:
		return 0.4
	default:
		return 0.1
	}
}

// confidence is the spread between the top contributing sub-score and the
// mean of the rest, clamped to [0, 1]. Four similar scores mean the factors
// disagree on nothing and agree on nothing either, so confidence is low.
func confidence(b types.ScoreBreakdown) float64 {
	scores := []float64{b.PriceScore, b.BatteryScore, b.PVScore, b.ConsumptionScore}
	sort.Sort(sort.Reverse(sort.Float64Slice(scores)))
	top := scores[0]
	rest := (scores[1] + scores[2] + scores[3]) / 3
	spread := top - rest
	if spread < 0 {
		return 0
	}
	if spread > 1 {
		return 1
	}
	return spread
}

// resolve turns a breakdown into an action. The critical battery override is
// checked before the weighted result in all cases.
func (e *Engine) resolve(b types.ScoreBreakdown, state types.SystemState) (types.Action, string) {
	if b.CriticalBattery {
		return e.chargeAction(state), fmt.Sprintf(
			"critical battery override: soc %.1f%% at or below %.1f%%, charging regardless of score (%s)",
			state.BatterySOC, e.settings.CriticalBatterySOC, dominantFactors(b))
	}

	switch {
	case b.WeightedTotal >= e.settings.StartThreshold:
		return e.chargeAction(state), fmt.Sprintf(
			"weighted score %.2f at or above start threshold %.2f (%s)",
			b.WeightedTotal, e.settings.StartThreshold, dominantFactors(b))
	case b.WeightedTotal <= e.settings.StopThreshold:
		if state.Charging() {
			return types.ActionStop, fmt.Sprintf(
				"weighted score %.2f at or below stop threshold %.2f (%s)",
				b.WeightedTotal, e.settings.StopThreshold, dominantFactors(b))
		}
		return types.ActionNone, fmt.Sprintf(
			"weighted score %.2f below start threshold %.2f, not charging (%s)",
			b.WeightedTotal, e.settings.StartThreshold, dominantFactors(b))
	default:
		if state.Charging() {
			return types.ActionContinue, fmt.Sprintf(
				"weighted score %.2f between thresholds, continuing charge (%s)",
				b.WeightedTotal, dominantFactors(b))
		}
		return types.ActionNone, fmt.Sprintf(
			"weighted score %.2f below start threshold %.2f (%s)",
			b.WeightedTotal, e.settings.StartThreshold, dominantFactors(b))
	}
}

// chargeAction picks the charging source: solar surplus when the panels
// cover the house load with room to spare, grid otherwise.
func (e *Engine) chargeAction(state types.SystemState) types.Action {
	if state.PVSurplusW() > 0 {
		return types.ActionStartPVCharge
	}
	return types.ActionStartGridCharge
}

// dominantFactors names the sub-scores in descending contribution order.
func dominantFactors(b types.ScoreBreakdown) string {
	type factor struct {
		name  string
		score float64
	}
	factors := []factor{
		{"price", b.PriceScore},
		{"battery", b.BatteryScore},
		{"pv", b.PVScore},
		{"consumption", b.ConsumptionScore},
	}
	sort.SliceStable(factors, func(i, j int) bool {
		return factors[i].score > factors[j].score
	})
	parts := make([]string, 0, len(factors))
	for _, f := range factors {
		parts = append(parts, fmt.Sprintf("%s=%.2f", f.name, f.score))
	}
	return strings.Join(parts, " ")
}
