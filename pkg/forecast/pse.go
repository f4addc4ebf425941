package forecast

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/common"
	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/log"
	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/types"
)

// PSE publishes in local Polish time
var plLocation = func() *time.Location {
	loc, err := time.LoadLocation("Europe/Warsaw")
	if err != nil {
		panic(fmt.Errorf("failed to load warsaw location: %w", err))
	}
	return loc
}()

// PSE implements the Provider interface against the PSE reports API. It
// retrieves day-ahead market prices (RCE) published in 15-minute periods and
// averages them into hourly buckets.
type PSE struct {
	apiURL string
	client *http.Client

	mu            sync.Mutex
	lastFetchTime time.Time
	cachedDate    string
	cachedPrices  []types.PriceSample
}

func (p *PSE) init(apiURL string) {
	p.apiURL = apiURL
	p.client = common.HTTPClient(10 * time.Second)
}

// Validate ensures the configuration is valid.
func (p *PSE) Validate() error {
	if p.apiURL == "" {
		return fmt.Errorf("pse-api-url is required")
	}
	if _, err := url.Parse(p.apiURL); err != nil {
		return fmt.Errorf("failed to parse pse url (%s): %w", p.apiURL, err)
	}
	return nil
}

// pseEntry represents one row of the rce-pln report.
type pseEntry struct {
	DTime        string  `json:"dtime"`
	RCEPLN       float64 `json:"rce_pln"`
	BusinessDate string  `json:"business_date"`
}

type pseResponse struct {
	Value []pseEntry `json:"value"`
}

// GetDayAheadPrices returns the hourly market prices for the given business
// date in PLN/kWh. Results are cached for 5 minutes per date.
func (p *PSE) GetDayAheadPrices(ctx context.Context, businessDate time.Time) ([]types.PriceSample, error) {
	date := businessDate.In(plLocation).Format("2006-01-02")
	now := time.Now()

	p.mu.Lock()
	if p.cachedDate == date && !p.lastFetchTime.IsZero() && now.Sub(p.lastFetchTime) < 5*time.Minute {
		prices := p.cachedPrices
		p.mu.Unlock()
		return prices, nil
	}
	p.mu.Unlock()

	prices, err := p.fetchDay(ctx, date)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.cachedDate = date
	p.cachedPrices = prices
	p.lastFetchTime = now
	p.mu.Unlock()

	return prices, nil
}

// GetCurrentPrice returns the market price for the hour containing now.
func (p *PSE) GetCurrentPrice(ctx context.Context, now time.Time) (types.PriceSample, error) {
	prices, err := p.GetDayAheadPrices(ctx, now)
	if err != nil {
		return types.PriceSample{}, err
	}
	for _, s := range prices {
		if !now.Before(s.TSStart) && now.Before(s.TSStart.Add(time.Hour)) {
			return s, nil
		}
	}
	return types.PriceSample{}, fmt.Errorf("no price for hour containing %s", now.Format(time.RFC3339))
}

func (p *PSE) fetchDay(ctx context.Context, date string) ([]types.PriceSample, error) {
	u, err := url.Parse(p.apiURL + "/rce-pln")
	if err != nil {
		return nil, fmt.Errorf("invalid api url: %w", err)
	}

	params := url.Values{}
	params.Set("$filter", fmt.Sprintf("business_date eq '%s'", date))
	params.Set("$first", "200")
	u.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, "GET", u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	log.Ctx(ctx).DebugContext(ctx, "fetching prices from pse", "url", u.String())

	resp, err := p.client.Do(req)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to fetch prices", "error", err)
		return nil, fmt.Errorf("failed to fetch prices: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("pse api returned status: %d", resp.StatusCode)
	}

	var data pseResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to decode pse response", slog.Any("error", err))
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	log.Ctx(ctx).DebugContext(
		ctx,
		"fetched prices",
		slog.Int("count", len(data.Value)),
		slog.String("businessDate", date),
	)

	// The report is published in 15-minute periods; average them by hour.
	type hourlyData struct {
		start time.Time
		sum   float64
		count int
	}
	hours := make(map[int64]*hourlyData)

	for _, item := range data.Value {
		// dtime marks the end of the period
		ts, err := time.ParseInLocation("2006-01-02 15:04:05", item.DTime, plLocation)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to parse pse dtime", slog.String("value", item.DTime), slog.Any("error", err))
			continue
		}
		hourStart := ts.Add(-time.Second).Truncate(time.Hour)
		key := hourStart.Unix()

		if _, exists := hours[key]; !exists {
			hours[key] = &hourlyData{start: hourStart}
		}
		h := hours[key]
		// PLN/MWh to PLN/kWh
		h.sum += item.RCEPLN / 1000
		h.count++
	}

	prices := make([]types.PriceSample, 0, len(hours))
	for _, h := range hours {
		prices = append(prices, types.PriceSample{
			TSStart:     h.start,
			MarketPrice: h.sum / float64(h.count),
		})
	}

	sort.Slice(prices, func(i, j int) bool {
		return prices[i].TSStart.Before(prices[j].TSStart)
	})

	return prices, nil
}
