package types

import (
	"fmt"
	"time"
)

// TariffType selects how the distribution component of the delivered price
// is computed. The set of pricing modes is closed; dispatch is exhaustive.
type TariffType string

const (
	TariffStatic      TariffType = "static"
	TariffTimeBased   TariffType = "time_based"
	TariffKompasBased TariffType = "kompas_based"
)

// StaticDistribution is a time-independent distribution price.
type StaticDistribution struct {
	PricePerKWH float64 `json:"pricePerKWH" yaml:"pricePerKWH"`
}

// TimeBasedDistribution selects between a peak and off-peak distribution
// price based on the hour of day. The peak window is [HourStart, HourEnd)
// and is configured per tariff (G12: 06-22, G12w: 07-22, G13: 07-13 are all
// observed in the wild), so no window may be hard-coded.
type TimeBasedDistribution struct {
	PeakHourStart   int     `json:"peakHourStart" yaml:"peakHourStart"`
	PeakHourEnd     int     `json:"peakHourEnd" yaml:"peakHourEnd"`
	PeakPricePerKWH float64 `json:"peakPricePerKWH" yaml:"peakPricePerKWH"`
	OffPeakPerKWH   float64 `json:"offPeakPerKWH" yaml:"offPeakPerKWH"`
	// Location the peak window hours are expressed in. Empty means the
	// timestamp's own location (typically Europe/Warsaw).
	Location string `json:"location,omitempty" yaml:"location,omitempty"`
}

// KompasDistribution maps the 4-level grid-load status to a distribution
// price tier. FallbackPerKWH is applied by callers when the status signal is
// unavailable; it is a required part of the configuration, not an optional
// nicety, because the kompas feed does go down.
type KompasDistribution struct {
	Tiers          map[KompasStatus]float64 `json:"tiers" yaml:"tiers"`
	FallbackPerKWH float64                  `json:"fallbackPerKWH" yaml:"fallbackPerKWH"`
}

// TariffConfig is the tariff definition consumed by the pricing calculator.
// Exactly one of the distribution rule variants must be set, matching Type.
type TariffConfig struct {
	Type TariffType `json:"type" yaml:"type"`
	// SCComponent is the fixed surcharge (składnik cenotwórczy, PLN/kWh)
	// applied exactly once on top of the market price for every tariff type.
	SCComponent float64                `json:"scComponent" yaml:"scComponent"`
	Static      *StaticDistribution    `json:"static,omitempty" yaml:"static,omitempty"`
	TimeBased   *TimeBasedDistribution `json:"timeBased,omitempty" yaml:"timeBased,omitempty"`
	Kompas      *KompasDistribution    `json:"kompas,omitempty" yaml:"kompas,omitempty"`
}

// Validate checks the tariff table shape. Failures here are fatal at load
// time; the control loop must not start with a malformed tariff.
func (c TariffConfig) Validate() error {
	switch c.Type {
	case TariffStatic:
		if c.Static == nil {
			return fmt.Errorf("static tariff missing static distribution rule")
		}
	case TariffTimeBased:
		tb := c.TimeBased
		if tb == nil {
			return fmt.Errorf("time_based tariff missing timeBased distribution rule")
		}
		if tb.PeakHourStart < 0 || tb.PeakHourEnd > 24 || tb.PeakHourStart >= tb.PeakHourEnd {
			return fmt.Errorf("time_based tariff has invalid peak window [%d, %d)", tb.PeakHourStart, tb.PeakHourEnd)
		}
		if tb.Location != "" {
			if _, err := time.LoadLocation(tb.Location); err != nil {
				return fmt.Errorf("time_based tariff has invalid location %q: %w", tb.Location, err)
			}
		}
	case TariffKompasBased:
		k := c.Kompas
		if k == nil {
			return fmt.Errorf("kompas_based tariff missing kompas distribution rule")
		}
		for _, status := range []KompasStatus{KompasRecommendedUse, KompasNormal, KompasRecommendedSaving, KompasRequiredReduction} {
			if _, ok := k.Tiers[status]; !ok {
				return fmt.Errorf("kompas_based tariff missing tier for status %s", status)
			}
		}
	default:
		return fmt.Errorf("unknown tariff type: %q", c.Type)
	}
	return nil
}
