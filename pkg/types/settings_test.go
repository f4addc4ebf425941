package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validSettings() Settings {
	s := Settings{
		Tariff: TariffConfig{
			Type:        TariffStatic,
			SCComponent: 0.0892,
			Static:      &StaticDistribution{PricePerKWH: 0.3125},
		},
	}
	s, _, err := MigrateSettings(s, 0)
	if err != nil {
		panic(err)
	}
	return s
}

func TestSettingsValidate(t *testing.T) {
	t.Run("Migrated Defaults Are Valid", func(t *testing.T) {
		require.NoError(t, validSettings().Validate())
	})

	t.Run("Weights Not Summing To One", func(t *testing.T) {
		s := validSettings()
		s.Weights = ScoringWeights{Price: 0.40, Battery: 0.25, PV: 0.20, Consumption: 0.20}
		err := s.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "sum to 1.0")
	})

	t.Run("Weights Within Epsilon", func(t *testing.T) {
		s := validSettings()
		s.Weights = ScoringWeights{Price: 0.4000000001, Battery: 0.25, PV: 0.20, Consumption: 0.15}
		assert.NoError(t, s.Validate())
	})

	t.Run("Negative Weight", func(t *testing.T) {
		s := validSettings()
		s.Weights = ScoringWeights{Price: 1.2, Battery: -0.2, PV: 0.0, Consumption: 0.0}
		assert.Error(t, s.Validate())
	})

	t.Run("Inverted Thresholds", func(t *testing.T) {
		s := validSettings()
		s.StartThreshold = 0.3
		s.StopThreshold = 0.6
		assert.Error(t, s.Validate())
	})

	t.Run("Sellable SOC Below Critical", func(t *testing.T) {
		s := validSettings()
		s.MinSellableSOC = 10.0
		assert.Error(t, s.Validate())
	})
}

func TestTariffConfigValidate(t *testing.T) {
	t.Run("Static Missing Rule", func(t *testing.T) {
		cfg := TariffConfig{Type: TariffStatic}
		assert.Error(t, cfg.Validate())
	})

	t.Run("Time Based Window", func(t *testing.T) {
		cfg := TariffConfig{
			Type: TariffTimeBased,
			TimeBased: &TimeBasedDistribution{
				PeakHourStart:   22,
				PeakHourEnd:     6,
				PeakPricePerKWH: 0.5,
				OffPeakPerKWH:   0.2,
			},
		}
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "peak window")

		cfg.TimeBased.PeakHourStart = 6
		cfg.TimeBased.PeakHourEnd = 22
		assert.NoError(t, cfg.Validate())
	})

	t.Run("Kompas Missing Tier", func(t *testing.T) {
		cfg := TariffConfig{
			Type: TariffKompasBased,
			Kompas: &KompasDistribution{
				Tiers: map[KompasStatus]float64{
					KompasRecommendedUse:    0.0,
					KompasNormal:            0.3125,
					KompasRecommendedSaving: 0.8,
				},
				FallbackPerKWH: 0.3125,
			},
		}
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), string(KompasRequiredReduction))

		cfg.Kompas.Tiers[KompasRequiredReduction] = 2.8931
		assert.NoError(t, cfg.Validate())
	})

	t.Run("Unknown Type", func(t *testing.T) {
		cfg := TariffConfig{Type: "exotic"}
		assert.Error(t, cfg.Validate())
	})
}

func TestMigrateSettings(t *testing.T) {
	t.Run("Fills Defaults", func(t *testing.T) {
		s, migrated, err := MigrateSettings(Settings{}, 0)
		require.NoError(t, err)
		assert.True(t, migrated)
		assert.InDelta(t, 0.40, s.Weights.Price, 1e-9)
		assert.InDelta(t, 20.0, s.CriticalBatterySOC, 1e-9)
		assert.InDelta(t, 0.20, s.SignificantGainPct, 1e-9)
		assert.InDelta(t, 53.0, s.Safety.MaxBatteryTempC, 1e-9)
		assert.InDelta(t, 480.0, s.Safety.MaxBatteryVoltage, 1e-9)
		assert.Equal(t, 6, s.MaxWaitHorizonHours)
	})

	t.Run("Current Version Untouched", func(t *testing.T) {
		orig := validSettings()
		s, migrated, err := MigrateSettings(orig, CurrentSettingsVersion)
		require.NoError(t, err)
		assert.False(t, migrated)
		assert.Equal(t, orig, s)
	})

	t.Run("Preserves Custom Values", func(t *testing.T) {
		custom := Settings{CriticalBatterySOC: 15.0}
		s, _, err := MigrateSettings(custom, 0)
		require.NoError(t, err)
		assert.InDelta(t, 15.0, s.CriticalBatterySOC, 1e-9)
	})
}
