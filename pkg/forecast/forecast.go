package forecast

import (
	"context"
	"fmt"
	"time"

	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/types"
	"github.com/levenlabs/go-lflag"
)

// Provider defines the interface for a day-ahead market price source.
type Provider interface {
	// GetDayAheadPrices returns the hourly market prices for the given
	// business date. The returned samples are ordered and contiguous.
	GetDayAheadPrices(ctx context.Context, businessDate time.Time) ([]types.PriceSample, error)

	// GetCurrentPrice returns the market price for the hour containing now.
	GetCurrentPrice(ctx context.Context, now time.Time) (types.PriceSample, error)
}

// Configured sets up the forecast provider flags and returns the instance.
func Configured() *PSE {
	p := &PSE{}
	apiURL := lflag.String("pse-api-url", "https://api.raporty.pse.pl/api", "URL for the PSE reports API")

	lflag.Do(func() {
		p.init(*apiURL)
		if err := p.Validate(); err != nil {
			panic(fmt.Sprintf("invalid forecast configuration: %v", err))
		}
	})

	return p
}
