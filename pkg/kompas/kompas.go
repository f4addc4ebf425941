package kompas

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/common"
	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/log"
	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/types"
	"github.com/levenlabs/go-lflag"
)

// Provider defines the interface for the grid-load status signal.
type Provider interface {
	// GetStatus returns the current grid-load status. A provider failure
	// returns an error; callers degrade to the tariff fallback price rather
	// than aborting the cycle.
	GetStatus(ctx context.Context) (types.KompasStatus, error)
}

// Configured sets up the kompas provider flags and returns the instance.
func Configured() *PSE {
	p := &PSE{}
	apiURL := lflag.String("kompas-api-url", "https://api.raporty.pse.pl/api", "URL for the PSE reports API serving the kompas status")

	lflag.Do(func() {
		p.apiURL = *apiURL
		p.client = common.HTTPClient(10 * time.Second)
		if err := p.Validate(); err != nil {
			panic(fmt.Sprintf("invalid kompas configuration: %v", err))
		}
	})

	return p
}

// PSE implements Provider against the PSE reports API.
type PSE struct {
	apiURL string
	client *http.Client

	mu            sync.Mutex
	lastFetchTime time.Time
	cachedStatus  types.KompasStatus
}

// Validate ensures the configuration is valid.
func (p *PSE) Validate() error {
	if p.apiURL == "" {
		return fmt.Errorf("kompas-api-url is required")
	}
	if _, err := url.Parse(p.apiURL); err != nil {
		return fmt.Errorf("failed to parse kompas url (%s): %w", p.apiURL, err)
	}
	return nil
}

type kompasEntry struct {
	DTime  string `json:"dtime"`
	Status string `json:"status"`
}

type kompasResponse struct {
	Value []kompasEntry `json:"value"`
}

// GetStatus returns the current grid-load status, cached for 5 minutes.
func (p *PSE) GetStatus(ctx context.Context) (types.KompasStatus, error) {
	now := time.Now()

	p.mu.Lock()
	if !p.lastFetchTime.IsZero() && now.Sub(p.lastFetchTime) < 5*time.Minute {
		status := p.cachedStatus
		p.mu.Unlock()
		return status, nil
	}
	p.mu.Unlock()

	status, err := p.fetchStatus(ctx)
	if err != nil {
		return types.KompasUnknown, err
	}

	p.mu.Lock()
	p.cachedStatus = status
	p.lastFetchTime = now
	p.mu.Unlock()

	return status, nil
}

func (p *PSE) fetchStatus(ctx context.Context) (types.KompasStatus, error) {
	u, err := url.Parse(p.apiURL + "/kompas-energetyczny")
	if err != nil {
		return types.KompasUnknown, fmt.Errorf("invalid api url: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "GET", u.String(), nil)
	if err != nil {
		return types.KompasUnknown, fmt.Errorf("failed to create request: %w", err)
	}
	log.Ctx(ctx).DebugContext(ctx, "fetching kompas status from pse", "url", u.String())

	resp, err := p.client.Do(req)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to fetch kompas status", "error", err)
		return types.KompasUnknown, fmt.Errorf("failed to fetch kompas status: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return types.KompasUnknown, fmt.Errorf("kompas api returned status: %d", resp.StatusCode)
	}

	var data kompasResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return types.KompasUnknown, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(data.Value) == 0 {
		return types.KompasUnknown, fmt.Errorf("kompas api returned no entries")
	}

	// the last entry is the most recent period
	raw := data.Value[len(data.Value)-1].Status
	status := parseStatus(raw)
	if !status.Valid() {
		log.Ctx(ctx).WarnContext(ctx, "unrecognized kompas status", slog.String("status", raw))
		return types.KompasUnknown, fmt.Errorf("unrecognized kompas status: %q", raw)
	}
	return status, nil
}

// parseStatus maps the report's status labels onto the four known levels.
func parseStatus(raw string) types.KompasStatus {
	switch raw {
	case "ZALECANE UZYTKOWANIE", "RECOMMENDED_USE":
		return types.KompasRecommendedUse
	case "NORMALNE UZYTKOWANIE", "NORMAL":
		return types.KompasNormal
	case "ZALECANE OSZCZEDZANIE", "RECOMMENDED_SAVING":
		return types.KompasRecommendedSaving
	case "WYMAGANA REDUKCJA", "REQUIRED_REDUCTION":
		return types.KompasRequiredReduction
	}
	return types.KompasUnknown
}
