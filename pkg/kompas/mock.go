package kompas

import (
	"context"
	"sync"

	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/types"
)

// Mock implements Provider for testing.
type Mock struct {
	mu     sync.Mutex
	status types.KompasStatus
	err    error
}

// NewMock returns a Mock serving the given status.
func NewMock(status types.KompasStatus) *Mock {
	return &Mock{status: status}
}

// SetStatus replaces the served status.
func (m *Mock) SetStatus(status types.KompasStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = status
	m.err = nil
}

// SetError makes GetStatus fail with the given error.
func (m *Mock) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// GetStatus implements Provider.
func (m *Mock) GetStatus(ctx context.Context) (types.KompasStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return types.KompasUnknown, m.err
	}
	return m.status, nil
}
