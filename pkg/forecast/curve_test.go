package forecast

import (
	"testing"
	"time"

	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hourlyComponents(start time.Time, finals ...float64) []types.PriceComponents {
	out := make([]types.PriceComponents, 0, len(finals))
	for i, f := range finals {
		out = append(out, types.PriceComponents{
			TSStart:    start.Add(time.Duration(i) * time.Hour),
			FinalPrice: f,
		})
	}
	return out
}

func TestNewCurve(t *testing.T) {
	start := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)

	t.Run("Contiguous", func(t *testing.T) {
		c, err := NewCurve(hourlyComponents(start, 0.1, 0.2, 0.3))
		require.NoError(t, err)
		assert.Equal(t, 3, c.Len())
	})

	t.Run("Empty", func(t *testing.T) {
		_, err := NewCurve(nil)
		assert.Error(t, err)
	})

	t.Run("Gap Hour Rejected", func(t *testing.T) {
		prices := hourlyComponents(start, 0.1, 0.2, 0.3)
		prices[2].TSStart = prices[2].TSStart.Add(time.Hour)
		_, err := NewCurve(prices)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "gap")
	})

	t.Run("Out Of Order Rejected", func(t *testing.T) {
		prices := hourlyComponents(start, 0.1, 0.2, 0.3)
		prices[0], prices[1] = prices[1], prices[0]
		_, err := NewCurve(prices)
		assert.Error(t, err)
	})
}

func TestCurvePercentileRank(t *testing.T) {
	start := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	finals := make([]float64, 0, 20)
	for i := 1; i <= 20; i++ {
		finals = append(finals, float64(i)*0.05)
	}
	c, err := NewCurve(hourlyComponents(start, finals...))
	require.NoError(t, err)

	assert.InDelta(t, 1.0, c.PercentileRank(1.00), 1e-9)
	assert.InDelta(t, 0.05, c.PercentileRank(0.05), 1e-9)
	assert.InDelta(t, 0.5, c.PercentileRank(0.50), 1e-9)
	assert.InDelta(t, 0.0, c.PercentileRank(0.01), 1e-9)
}

func TestCurvePeak(t *testing.T) {
	start := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	c, err := NewCurve(hourlyComponents(start,
		0.30, 0.25, 0.20, 0.60, 0.95, 0.40, 0.35, 0.30))
	require.NoError(t, err)

	t.Run("Finds Peak Within Horizon", func(t *testing.T) {
		peak, ok := c.Peak(start, 6*time.Hour)
		require.True(t, ok)
		assert.InDelta(t, 0.95, peak.FinalPrice, 1e-9)
		assert.Equal(t, start.Add(4*time.Hour), peak.TSStart)
	})

	t.Run("Horizon Bounds The Scan", func(t *testing.T) {
		peak, ok := c.Peak(start, 2*time.Hour)
		require.True(t, ok)
		assert.InDelta(t, 0.25, peak.FinalPrice, 1e-9)
	})

	t.Run("Current Hour Excluded", func(t *testing.T) {
		peak, ok := c.Peak(start.Add(4*time.Hour), 3*time.Hour)
		require.True(t, ok)
		assert.InDelta(t, 0.40, peak.FinalPrice, 1e-9)
	})

	t.Run("No Hours Remaining", func(t *testing.T) {
		_, ok := c.Peak(start.Add(8*time.Hour), 6*time.Hour)
		assert.False(t, ok)
	})
}

func TestCurveAt(t *testing.T) {
	start := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	c, err := NewCurve(hourlyComponents(start, 0.1, 0.2))
	require.NoError(t, err)

	pc, ok := c.At(start.Add(90 * time.Minute))
	require.True(t, ok)
	assert.InDelta(t, 0.2, pc.FinalPrice, 1e-9)

	_, ok = c.At(start.Add(3 * time.Hour))
	assert.False(t, ok)
}
