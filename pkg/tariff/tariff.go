package tariff

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/log"
	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/types"
)

// MissingSignalError is returned when a tariff needs an external signal
// (the kompas grid-load status) and it is absent. Callers recover by
// applying the configured fallback distribution price; this error must never
// escape the evaluation cycle as a crash.
type MissingSignalError struct {
	Signal string
}

func (e *MissingSignalError) Error() string {
	return fmt.Sprintf("required signal missing: %s", e.Signal)
}

// Calculator converts raw market prices into final delivered prices using a
// validated tariff configuration. It is a pure function of its inputs; all
// methods are safe for concurrent use.
type Calculator struct {
	cfg types.TariffConfig
	loc *time.Location
}

// NewCalculator validates the tariff configuration and returns a Calculator.
// An invalid configuration is fatal at load time.
func NewCalculator(cfg types.TariffConfig) (*Calculator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid tariff config: %w", err)
	}
	c := &Calculator{cfg: cfg}
	if cfg.Type == types.TariffTimeBased && cfg.TimeBased.Location != "" {
		// already validated by cfg.Validate
		loc, err := time.LoadLocation(cfg.TimeBased.Location)
		if err != nil {
			return nil, fmt.Errorf("failed to load tariff location %s: %w", cfg.TimeBased.Location, err)
		}
		c.loc = loc
	}
	return c, nil
}

// FinalPrice computes the fully loaded delivered price for one interval:
// market price + sc component + tariff distribution price. The sc component
// is applied exactly once regardless of tariff type.
//
// For kompas-based tariffs the current status must be passed; if it is
// unknown a MissingSignalError is returned and the caller should use
// FallbackPrice instead.
func (c *Calculator) FinalPrice(ctx context.Context, marketPrice float64, ts time.Time, kompas types.KompasStatus) (types.PriceComponents, error) {
	var distribution float64
	switch c.cfg.Type {
	case types.TariffStatic:
		distribution = c.cfg.Static.PricePerKWH
	case types.TariffTimeBased:
		distribution = c.timeBasedDistribution(ts)
	case types.TariffKompasBased:
		if !kompas.Valid() {
			return types.PriceComponents{}, &MissingSignalError{Signal: "kompas status"}
		}
		distribution = c.cfg.Kompas.Tiers[kompas]
	default:
		// cfg.Validate keeps the variant set closed
		return types.PriceComponents{}, fmt.Errorf("unknown tariff type: %q", c.cfg.Type)
	}

	return c.components(marketPrice, ts, distribution), nil
}

// FallbackPrice computes the delivered price using the configured fallback
// distribution price. It is the required recovery path when the kompas feed
// is unavailable.
func (c *Calculator) FallbackPrice(ctx context.Context, marketPrice float64, ts time.Time) types.PriceComponents {
	distribution := c.cfg.Kompas.FallbackPerKWH
	log.Ctx(ctx).WarnContext(
		ctx,
		"kompas status unavailable, using fallback distribution price",
		slog.Float64("fallback", distribution),
		slog.Time("ts", ts),
	)
	return c.components(marketPrice, ts, distribution)
}

// PriceOrFallback is the combined entry point used by the coordinator: it
// tries the tariff's own rule and degrades to the fallback price on a
// missing signal. Any other error is returned unchanged.
func (c *Calculator) PriceOrFallback(ctx context.Context, marketPrice float64, ts time.Time, kompas types.KompasStatus) (types.PriceComponents, error) {
	pc, err := c.FinalPrice(ctx, marketPrice, ts, kompas)
	if err == nil {
		return pc, nil
	}
	var missing *MissingSignalError
	if errors.As(err, &missing) {
		return c.FallbackPrice(ctx, marketPrice, ts), nil
	}
	return types.PriceComponents{}, err
}

// NormalizeCurve converts an ordered forecast of market price samples into
// delivered-price components. The same kompas status is applied to every
// sample; for a kompas-based tariff with an unknown status the fallback
// price is used for the whole curve.
func (c *Calculator) NormalizeCurve(ctx context.Context, samples []types.PriceSample, kompas types.KompasStatus) ([]types.PriceComponents, error) {
	out := make([]types.PriceComponents, 0, len(samples))
	for _, s := range samples {
		pc, err := c.PriceOrFallback(ctx, s.MarketPrice, s.TSStart, kompas)
		if err != nil {
			return nil, err
		}
		out = append(out, pc)
	}
	return out, nil
}

func (c *Calculator) timeBasedDistribution(ts time.Time) float64 {
	tb := c.cfg.TimeBased
	if c.loc != nil {
		ts = ts.In(c.loc)
	}
	// peak window is [start, end): the hour at exactly peak end is off-peak
	if h := ts.Hour(); h >= tb.PeakHourStart && h < tb.PeakHourEnd {
		return tb.PeakPricePerKWH
	}
	return tb.OffPeakPerKWH
}

func (c *Calculator) components(marketPrice float64, ts time.Time, distribution float64) types.PriceComponents {
	return types.PriceComponents{
		TSStart:           ts,
		MarketPrice:       marketPrice,
		SCComponent:       c.cfg.SCComponent,
		DistributionPrice: distribution,
		FinalPrice:        marketPrice + c.cfg.SCComponent + distribution,
	}
}
