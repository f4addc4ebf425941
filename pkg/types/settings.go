package types

import (
	"fmt"
	"math"
)

// CurrentSettingsVersion is the current version of the settings struct.
// Increment this value when adding new fields that require default values.
const CurrentSettingsVersion = 4

// weightSumEpsilon is the tolerance for the scoring weight sum invariant.
const weightSumEpsilon = 1e-6

// ScoringWeights are the relative weights of the four scoring factors.
// They must sum to 1.0 (within epsilon); the engine refuses to start
// otherwise.
type ScoringWeights struct {
	Price       float64 `json:"price"`
	Battery     float64 `json:"battery"`
	PV          float64 `json:"pv"`
	Consumption float64 `json:"consumption"`
}

// Validate enforces the weight sum invariant.
func (w ScoringWeights) Validate() error {
	sum := w.Price + w.Battery + w.PV + w.Consumption
	if math.Abs(sum-1.0) > weightSumEpsilon {
		return fmt.Errorf("scoring weights must sum to 1.0, got %v", sum)
	}
	for name, v := range map[string]float64{
		"price": w.Price, "battery": w.Battery, "pv": w.PV, "consumption": w.Consumption,
	} {
		if v < 0 {
			return fmt.Errorf("scoring weight %s must not be negative, got %v", name, v)
		}
	}
	return nil
}

// SafetyLimits are the hard physical limits of the battery. Breaching any
// of them forces an emergency stop regardless of every economic signal.
type SafetyLimits struct {
	MinBatteryTempC   float64 `json:"minBatteryTempC"`
	MaxBatteryTempC   float64 `json:"maxBatteryTempC"`
	MinBatteryVoltage float64 `json:"minBatteryVoltage"`
	MaxBatteryVoltage float64 `json:"maxBatteryVoltage"`
}

// Settings is the dynamic configuration stored in the database. It can be
// changed at runtime without redeploying; the coordinator re-reads it every
// cycle.
type Settings struct {
	// DryRun computes and records decisions without commanding the inverter.
	DryRun bool `json:"dryRun"`
	// Pause skips evaluation entirely; each cycle records a paused decision.
	Pause bool `json:"pause"`

	// Tariff definition used by the pricing calculator.
	Tariff TariffConfig `json:"tariff"`

	// Scoring
	Weights ScoringWeights `json:"weights"`
	// StartThreshold and StopThreshold bracket the weighted total: at or
	// above start we begin charging, at or below stop we stop, in between we
	// continue whatever we were doing.
	StartThreshold float64 `json:"startThreshold"`
	StopThreshold  float64 `json:"stopThreshold"`
	// CriticalBatterySOC forces charging below this SoC regardless of score.
	CriticalBatterySOC float64 `json:"criticalBatterySOC"`
	// MinConfidence gates execution: decisions below it degrade to wait.
	MinConfidence float64 `json:"minConfidence"`
	// PVNameplateW and ConsumptionReferenceW anchor the PV and consumption
	// score bands.
	PVNameplateW          float64 `json:"pvNameplateW"`
	ConsumptionReferenceW float64 `json:"consumptionReferenceW"`

	// Sell timing
	// MinSellableSOC is the SoC floor below which selling is never
	// considered.
	MinSellableSOC float64 `json:"minSellableSOC"`
	// SignificantGainPct is the relative future-peak gain that justifies
	// waiting (0.20 = 20%).
	SignificantGainPct float64 `json:"significantGainPct"`
	// SecondaryGainPct is the smaller positive gain that still justifies a
	// soft wait.
	SecondaryGainPct float64 `json:"secondaryGainPct"`
	// MaxWaitHorizonHours bounds how far ahead a peak may be to wait for it.
	MaxWaitHorizonHours int `json:"maxWaitHorizonHours"`
	// HighPricePercentile is the percentile rank above which the current
	// price counts as "already high" and selling now is recommended.
	HighPricePercentile float64 `json:"highPricePercentile"`

	Safety SafetyLimits `json:"safety"`
}

// Validate checks the cross-field invariants that must hold before the
// control loop starts. A failure here is an invalid configuration and is
// fatal at load time.
func (s Settings) Validate() error {
	if err := s.Weights.Validate(); err != nil {
		return err
	}
	if err := s.Tariff.Validate(); err != nil {
		return err
	}
	if s.StartThreshold <= s.StopThreshold {
		return fmt.Errorf("startThreshold (%v) must be greater than stopThreshold (%v)", s.StartThreshold, s.StopThreshold)
	}
	if s.CriticalBatterySOC < 0 || s.CriticalBatterySOC > 100 {
		return fmt.Errorf("criticalBatterySOC must be within [0, 100], got %v", s.CriticalBatterySOC)
	}
	if s.MinSellableSOC < s.CriticalBatterySOC {
		return fmt.Errorf("minSellableSOC (%v) must not be below criticalBatterySOC (%v)", s.MinSellableSOC, s.CriticalBatterySOC)
	}
	if s.HighPricePercentile <= 0 || s.HighPricePercentile >= 1 {
		return fmt.Errorf("highPricePercentile must be within (0, 1), got %v", s.HighPricePercentile)
	}
	if s.MaxWaitHorizonHours <= 0 {
		return fmt.Errorf("maxWaitHorizonHours must be positive, got %d", s.MaxWaitHorizonHours)
	}
	if s.Safety.MaxBatteryTempC <= s.Safety.MinBatteryTempC {
		return fmt.Errorf("safety temperature limits are inverted")
	}
	if s.Safety.MaxBatteryVoltage <= s.Safety.MinBatteryVoltage {
		return fmt.Errorf("safety voltage limits are inverted")
	}
	return nil
}

// MigrateSettings migrates the settings to the current version, filling in
// defaults added since the stored version. It returns the migrated settings
// and a boolean indicating if changes were made.
func MigrateSettings(s Settings, currentVersion int) (Settings, bool, error) {
	if currentVersion >= CurrentSettingsVersion {
		return s, false, nil
	}

	migrated := false
	for version := currentVersion + 1; version <= CurrentSettingsVersion; version++ {
		switch version {
		case 1:
			// version 1: scoring defaults
			if s.Weights == (ScoringWeights{}) {
				s.Weights = ScoringWeights{Price: 0.40, Battery: 0.25, PV: 0.20, Consumption: 0.15}
				migrated = true
			}
			if s.StartThreshold == 0 {
				s.StartThreshold = 0.65
				migrated = true
			}
			if s.StopThreshold == 0 {
				s.StopThreshold = 0.35
				migrated = true
			}
			if s.CriticalBatterySOC == 0 {
				s.CriticalBatterySOC = 20.0
				migrated = true
			}
		case 2:
			// version 2: sell timing defaults
			if s.SignificantGainPct == 0 {
				s.SignificantGainPct = 0.20
				migrated = true
			}
			if s.SecondaryGainPct == 0 {
				s.SecondaryGainPct = 0.05
				migrated = true
			}
			if s.MaxWaitHorizonHours == 0 {
				s.MaxWaitHorizonHours = 6
				migrated = true
			}
			if s.HighPricePercentile == 0 {
				s.HighPricePercentile = 0.75
				migrated = true
			}
			if s.MinSellableSOC == 0 {
				s.MinSellableSOC = 50.0
				migrated = true
			}
		case 3:
			// version 3: safety limits for the GoodWe Lynx battery stack
			if s.Safety == (SafetyLimits{}) {
				s.Safety = SafetyLimits{
					MinBatteryTempC:   0,
					MaxBatteryTempC:   53,
					MinBatteryVoltage: 320,
					MaxBatteryVoltage: 480,
				}
				migrated = true
			}
		case 4:
			// version 4: confidence gate and band anchors
			if s.MinConfidence == 0 {
				s.MinConfidence = 0.3
				migrated = true
			}
			if s.PVNameplateW == 0 {
				s.PVNameplateW = 10000
				migrated = true
			}
			if s.ConsumptionReferenceW == 0 {
				s.ConsumptionReferenceW = 5000
				migrated = true
			}
		default:
			return s, false, fmt.Errorf("unknown settings version: %d", version)
		}
	}

	return s, migrated, nil
}
