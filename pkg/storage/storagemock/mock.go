package storagemock

import (
	"context"
	"time"

	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/storage"
	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/types"
	"github.com/stretchr/testify/mock"
)

type MockDatabase struct {
	mock.Mock
}

var _ storage.Database = (*MockDatabase)(nil)

func (m *MockDatabase) GetSettings(ctx context.Context) (types.Settings, int, error) {
	args := m.Called(ctx)
	if len(args) > 0 {
		return args.Get(0).(types.Settings), args.Int(1), args.Error(2)
	}
	return types.Settings{}, 0, nil
}

func (m *MockDatabase) SetSettings(ctx context.Context, settings types.Settings, version int) error {
	args := m.Called(ctx, settings, version)
	return args.Error(0)
}

func (m *MockDatabase) InsertDecision(ctx context.Context, d types.Decision) error {
	args := m.Called(ctx, d)
	return args.Error(0)
}

func (m *MockDatabase) GetDecisionHistory(ctx context.Context, start, end time.Time) ([]types.Decision, error) {
	args := m.Called(ctx, start, end)
	if len(args) > 0 {
		return args.Get(0).([]types.Decision), args.Error(1)
	}
	return nil, nil
}

func (m *MockDatabase) InsertScore(ctx context.Context, r types.ScoreRecord) error {
	args := m.Called(ctx, r)
	return args.Error(0)
}

func (m *MockDatabase) GetScoreHistory(ctx context.Context, start, end time.Time) ([]types.ScoreRecord, error) {
	args := m.Called(ctx, start, end)
	if len(args) > 0 {
		return args.Get(0).([]types.ScoreRecord), args.Error(1)
	}
	return nil, nil
}

func (m *MockDatabase) UpsertPrice(ctx context.Context, pc types.PriceComponents) error {
	args := m.Called(ctx, pc)
	return args.Error(0)
}

func (m *MockDatabase) GetPriceHistory(ctx context.Context, start, end time.Time) ([]types.PriceComponents, error) {
	args := m.Called(ctx, start, end)
	if len(args) > 0 {
		return args.Get(0).([]types.PriceComponents), args.Error(1)
	}
	return nil, nil
}

func (m *MockDatabase) GetLatestPriceTime(ctx context.Context) (time.Time, error) {
	args := m.Called(ctx)
	if len(args) > 0 {
		return args.Get(0).(time.Time), args.Error(1)
	}
	return time.Time{}, nil
}

func (m *MockDatabase) InsertTelemetry(ctx context.Context, state types.SystemState) error {
	args := m.Called(ctx, state)
	return args.Error(0)
}

func (m *MockDatabase) GetTelemetry(ctx context.Context, start, end time.Time) ([]types.SystemState, error) {
	args := m.Called(ctx, start, end)
	if len(args) > 0 {
		return args.Get(0).([]types.SystemState), args.Error(1)
	}
	return nil, nil
}

func (m *MockDatabase) Init(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockDatabase) Close() error {
	args := m.Called()
	return args.Error(0)
}
