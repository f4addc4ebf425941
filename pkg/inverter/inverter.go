package inverter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/types"
	"github.com/levenlabs/go-lflag"
)

// System defines the interface for the hybrid inverter driver.
type System interface {
	// GetStatus returns a point-in-time snapshot of the inverter. May fail
	// transiently; the coordinator retries per its backoff policy.
	GetStatus(ctx context.Context) (types.SystemState, error)

	// ApplyDecision issues the decision's action to the inverter. A no-op
	// for none and wait actions.
	ApplyDecision(ctx context.Context, d types.Decision) error
}

// Configured sets up the inverter provider flags and returns a Map.
func Configured() *Map {
	m := NewMap()
	provider := lflag.String("inverter-provider", "goodwe", "Inverter driver to use (goodwe or mock)")
	semsURL := lflag.String("sems-api-url", "https://eu.semsportal.com/api", "URL for the GoodWe SEMS portal API")
	semsAccount := lflag.String("sems-account", "", "SEMS portal account email")
	semsPassword := lflag.String("sems-password", "", "SEMS portal account password")
	semsStation := lflag.String("sems-station-id", "", "SEMS power station ID")

	lflag.Do(func() {
		switch *provider {
		case "goodwe":
			g := newGoodWe(*semsURL, *semsAccount, *semsPassword, *semsStation)
			if err := g.Validate(); err != nil {
				panic(fmt.Sprintf("invalid inverter configuration: %v", err))
			}
			m.system = g
		case "mock":
			m.system = NewMock(time.Now())
		default:
			panic(fmt.Sprintf("unknown inverter provider: %s", *provider))
		}
	})

	return m
}

// Map holds the configured inverter system.
type Map struct {
	mu     sync.Mutex
	system System
}

// NewMap creates a new inverter Map.
func NewMap() *Map {
	return &Map{}
}

// System returns the configured inverter driver.
func (m *Map) System(ctx context.Context) (System, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.system == nil {
		return nil, fmt.Errorf("no inverter provider configured")
	}
	return m.system, nil
}

// SetSystem sets the inverter driver. This is primarily used for testing.
func (m *Map) SetSystem(sys System) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.system = sys
}
