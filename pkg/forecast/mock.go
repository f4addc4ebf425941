package forecast

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/types"
)

// Mock implements Provider for testing with a fixed set of samples.
type Mock struct {
	mu      sync.Mutex
	samples []types.PriceSample
	err     error
}

// NewMock returns a Mock serving the given samples.
func NewMock(samples []types.PriceSample) *Mock {
	return &Mock{samples: samples}
}

// SetSamples replaces the served samples.
func (m *Mock) SetSamples(samples []types.PriceSample) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples = samples
}

// SetError makes all calls fail with the given error.
func (m *Mock) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// GetDayAheadPrices implements Provider.
func (m *Mock) GetDayAheadPrices(ctx context.Context, businessDate time.Time) ([]types.PriceSample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	out := make([]types.PriceSample, len(m.samples))
	copy(out, m.samples)
	return out, nil
}

// GetCurrentPrice implements Provider.
func (m *Mock) GetCurrentPrice(ctx context.Context, now time.Time) (types.PriceSample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return types.PriceSample{}, m.err
	}
	for _, s := range m.samples {
		if !now.Before(s.TSStart) && now.Before(s.TSStart.Add(time.Hour)) {
			return s, nil
		}
	}
	return types.PriceSample{}, fmt.Errorf("no price for hour containing %s", now.Format(time.RFC3339))
}
