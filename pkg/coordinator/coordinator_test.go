package coordinator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/forecast"
	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/inverter"
	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/kompas"
	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/storage"
	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/storage/storagemock"
	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/tariff"
	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// stubSystem is a fixed-state inverter for coordinator tests.
type stubSystem struct {
	mu        sync.Mutex
	state     types.SystemState
	statusErr error
	applyErr  error
	applied   []types.Decision
}

func (s *stubSystem) GetStatus(ctx context.Context) (types.SystemState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.statusErr != nil {
		return types.SystemState{}, s.statusErr
	}
	return s.state, nil
}

func (s *stubSystem) ApplyDecision(ctx context.Context, d types.Decision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.applyErr != nil {
		return s.applyErr
	}
	s.applied = append(s.applied, d)
	return nil
}

func (s *stubSystem) appliedActions() []types.Action {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.Action, 0, len(s.applied))
	for _, d := range s.applied {
		out = append(out, d.Action)
	}
	return out
}

func testSettings(t *testing.T) types.Settings {
	t.Helper()
	s, _, err := types.MigrateSettings(types.Settings{}, 0)
	require.NoError(t, err)
	s.Tariff = types.TariffConfig{
		Type:        types.TariffStatic,
		SCComponent: 0.05,
		Static:      &types.StaticDistribution{PricePerKWH: 0.10},
	}
	return s
}

// daySamples builds a contiguous hourly forecast around the current hour
// with the given market price now and elsewhere.
func daySamples(nowPrice, otherPrice float64) []types.PriceSample {
	currentHour := time.Now().Truncate(time.Hour)
	start := currentHour.Add(-6 * time.Hour)
	samples := make([]types.PriceSample, 0, 24)
	for i := 0; i < 24; i++ {
		ts := start.Add(time.Duration(i) * time.Hour)
		price := otherPrice
		if ts.Equal(currentHour) {
			price = nowPrice
		}
		samples = append(samples, types.PriceSample{TSStart: ts, MarketPrice: price})
	}
	return samples
}

func permissiveDB(t *testing.T, settings types.Settings) *storagemock.MockDatabase {
	t.Helper()
	db := &storagemock.MockDatabase{}
	db.On("GetSettings", mock.Anything).Return(settings, types.CurrentSettingsVersion, nil)
	db.On("InsertDecision", mock.Anything, mock.Anything).Return(nil)
	db.On("InsertScore", mock.Anything, mock.Anything).Return(nil)
	db.On("InsertTelemetry", mock.Anything, mock.Anything).Return(nil)
	db.On("UpsertPrice", mock.Anything, mock.Anything).Return(nil)
	return db
}

func newTestCoordinator(t *testing.T, db *storagemock.MockDatabase, sys inverter.System, samples []types.PriceSample, kp kompas.Provider) *Coordinator {
	t.Helper()
	invMap := inverter.NewMap()
	invMap.SetSystem(sys)
	c := New(db, invMap, forecast.NewMock(samples), kp, nil)
	c.retryBackoff = time.Millisecond
	return c
}

func TestCycleChargesOnCheapHour(t *testing.T) {
	sys := &stubSystem{state: types.SystemState{
		Timestamp:         time.Now(),
		BatterySOC:        35,
		BatteryVoltage:    400,
		BatteryTempC:      25,
		ConsumptionPowerW: 500,
	}}
	db := permissiveDB(t, testSettings(t))
	c := newTestCoordinator(t, db, sys, daySamples(0.01, 0.50), kompas.NewMock(types.KompasNormal))

	d, err := c.RunCycle(context.Background())
	require.NoError(t, err)
	require.NotNil(t, d)

	assert.Equal(t, types.ActionStartGridCharge, d.Action)
	assert.False(t, d.Failed)
	assert.Equal(t, []types.Action{types.ActionStartGridCharge}, sys.appliedActions())
	assert.Equal(t, StateCharging, c.State())
	require.NotNil(t, d.Price)
	assert.InDelta(t, 0.01+0.05+0.10, d.Price.FinalPrice, 1e-9)

	assert.Same(t, d, c.LatestDecision())
	db.AssertCalled(t, "InsertDecision", mock.Anything, mock.Anything)
	db.AssertCalled(t, "InsertScore", mock.Anything, mock.Anything)
}

func TestCycleDryRun(t *testing.T) {
	settings := testSettings(t)
	settings.DryRun = true

	sys := &stubSystem{state: types.SystemState{
		Timestamp:         time.Now(),
		BatterySOC:        35,
		BatteryVoltage:    400,
		BatteryTempC:      25,
		ConsumptionPowerW: 500,
	}}
	c := newTestCoordinator(t, permissiveDB(t, settings), sys, daySamples(0.01, 0.50), nil)

	d, err := c.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.ActionStartGridCharge, d.Action)
	assert.True(t, d.DryRun)
	assert.Empty(t, sys.appliedActions())
}

func TestCycleCriticalBatteryOverride(t *testing.T) {
	sys := &stubSystem{state: types.SystemState{
		Timestamp:         time.Now(),
		BatterySOC:        15,
		BatteryVoltage:    400,
		BatteryTempC:      25,
		ConsumptionPowerW: 6000,
	}}
	// most expensive hour of the day: score alone would never charge
	c := newTestCoordinator(t, permissiveDB(t, testSettings(t)), sys, daySamples(0.95, 0.20), nil)

	d, err := c.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.ActionStartGridCharge, d.Action)
	assert.Contains(t, d.Reason, "critical battery override")
}

func TestCycleSellsAtPeak(t *testing.T) {
	sys := &stubSystem{state: types.SystemState{
		Timestamp:         time.Now(),
		BatterySOC:        80,
		BatteryVoltage:    400,
		BatteryTempC:      25,
		ConsumptionPowerW: 6000,
	}}
	c := newTestCoordinator(t, permissiveDB(t, testSettings(t)), sys, daySamples(0.95, 0.30), nil)

	d, err := c.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.ActionSell, d.Action)
	assert.Equal(t, StateSelling, c.State())
	assert.Equal(t, []types.Action{types.ActionSell}, sys.appliedActions())
}

func TestCycleSellBlockedBelowSellableFloor(t *testing.T) {
	sys := &stubSystem{state: types.SystemState{
		Timestamp:         time.Now(),
		BatterySOC:        40, // above critical, below the 50% sellable floor
		BatteryVoltage:    400,
		BatteryTempC:      25,
		ConsumptionPowerW: 6000,
	}}
	c := newTestCoordinator(t, permissiveDB(t, testSettings(t)), sys, daySamples(0.95, 0.30), nil)

	d, err := c.RunCycle(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, types.ActionSell, d.Action)
	assert.Empty(t, sys.appliedActions())
}

func TestCycleEmergencyStop(t *testing.T) {
	sys := &stubSystem{state: types.SystemState{
		Timestamp:         time.Now(),
		BatterySOC:        60,
		BatteryVoltage:    400,
		BatteryTempC:      55, // over the 53°C limit
		ConsumptionPowerW: 1000,
	}}
	c := newTestCoordinator(t, permissiveDB(t, testSettings(t)), sys, daySamples(0.30, 0.30), nil)
	ctx := context.Background()

	d, err := c.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.ActionStop, d.Action)
	assert.Contains(t, d.Reason, "emergency stop")
	assert.Equal(t, StateEmergencyStop, c.State())
	assert.Equal(t, []types.Action{types.ActionStop}, sys.appliedActions())

	// the state is absorbing: the next cycle does not evaluate even though
	// the hardware has recovered
	sys.mu.Lock()
	sys.state.BatteryTempC = 25
	sys.mu.Unlock()

	d, err = c.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.ActionNone, d.Action)
	assert.Contains(t, d.Reason, "manual reset")
	assert.Equal(t, StateEmergencyStop, c.State())
	assert.Len(t, sys.appliedActions(), 1)

	// only the manual reset exits it
	require.NoError(t, c.ResetEmergencyStop(ctx))
	assert.Equal(t, StateIdle, c.State())
	assert.Error(t, c.ResetEmergencyStop(ctx))

	d, err = c.RunCycle(ctx)
	require.NoError(t, err)
	assert.NotContains(t, d.Reason, "manual reset")
}

func TestCycleVoltageEmergency(t *testing.T) {
	sys := &stubSystem{state: types.SystemState{
		Timestamp:         time.Now(),
		BatterySOC:        60,
		BatteryVoltage:    500, // over the 480V limit
		BatteryTempC:      25,
		ConsumptionPowerW: 1000,
	}}
	c := newTestCoordinator(t, permissiveDB(t, testSettings(t)), sys, daySamples(0.30, 0.30), nil)

	d, err := c.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.ActionStop, d.Action)
	assert.Equal(t, StateEmergencyStop, c.State())
}

func TestCycleComplianceVeto(t *testing.T) {
	sys := &stubSystem{state: types.SystemState{
		Timestamp:         time.Now(),
		BatterySOC:        35,
		BatteryVoltage:    400,
		BatteryTempC:      25,
		ConsumptionPowerW: 500,
	}}
	// cheapest hour wants a grid charge, but the operator signals
	// REQUIRED_REDUCTION
	c := newTestCoordinator(t, permissiveDB(t, testSettings(t)), sys,
		daySamples(0.01, 0.50), kompas.NewMock(types.KompasRequiredReduction))

	d, err := c.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.ActionNone, d.Action)
	assert.Contains(t, d.Reason, "vetoed")
	assert.Empty(t, sys.appliedActions())
}

func TestCycleRetriesThenDegrades(t *testing.T) {
	sys := &stubSystem{statusErr: fmt.Errorf("inverter unreachable")}
	c := newTestCoordinator(t, permissiveDB(t, testSettings(t)), sys, daySamples(0.30, 0.30), nil)

	d, err := c.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.ActionNone, d.Action)
	assert.Contains(t, d.Reason, "state fetch failed")
	assert.Equal(t, StateIdle, c.State())
}

func TestCycleForecastFailureDegrades(t *testing.T) {
	sys := &stubSystem{state: types.SystemState{
		Timestamp:      time.Now(),
		BatterySOC:     50,
		BatteryVoltage: 400,
		BatteryTempC:   25,
	}}
	fc := forecast.NewMock(nil)
	fc.SetError(fmt.Errorf("pse api down"))

	invMap := inverter.NewMap()
	invMap.SetSystem(sys)
	c := New(permissiveDB(t, testSettings(t)), invMap, fc, nil, nil)
	c.retryBackoff = time.Millisecond

	d, err := c.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.ActionNone, d.Action)
	assert.Contains(t, d.Reason, "forecast unavailable")
}

func TestCyclePaused(t *testing.T) {
	settings := testSettings(t)
	settings.Pause = true

	sys := &stubSystem{state: types.SystemState{Timestamp: time.Now()}}
	c := newTestCoordinator(t, permissiveDB(t, settings), sys, daySamples(0.30, 0.30), nil)

	d, err := c.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.ActionNone, d.Action)
	assert.Contains(t, d.Reason, "paused")
	assert.Empty(t, sys.appliedActions())
}

func TestCyclePersistsMigratedSettings(t *testing.T) {
	db := &storagemock.MockDatabase{}
	// stored settings predate the current version
	stored := types.Settings{
		Tariff: types.TariffConfig{
			Type:        types.TariffStatic,
			SCComponent: 0.05,
			Static:      &types.StaticDistribution{PricePerKWH: 0.10},
		},
	}
	db.On("GetSettings", mock.Anything).Return(stored, 0, nil)
	db.On("SetSettings", mock.Anything, mock.Anything, types.CurrentSettingsVersion).Return(nil)
	db.On("InsertDecision", mock.Anything, mock.Anything).Return(nil)
	db.On("InsertScore", mock.Anything, mock.Anything).Return(nil)
	db.On("InsertTelemetry", mock.Anything, mock.Anything).Return(nil)
	db.On("UpsertPrice", mock.Anything, mock.Anything).Return(nil)

	sys := &stubSystem{state: types.SystemState{
		Timestamp:      time.Now(),
		BatterySOC:     50,
		BatteryVoltage: 400,
		BatteryTempC:   25,
	}}
	c := newTestCoordinator(t, db, sys, daySamples(0.30, 0.30), nil)

	_, err := c.RunCycle(context.Background())
	require.NoError(t, err)
	db.AssertCalled(t, "SetSettings", mock.Anything, mock.Anything, types.CurrentSettingsVersion)
}

func TestCycleCurveCachedPerDay(t *testing.T) {
	sys := &stubSystem{state: types.SystemState{
		Timestamp:      time.Now(),
		BatterySOC:     50,
		BatteryVoltage: 400,
		BatteryTempC:   25,
	}}
	fc := forecast.NewMock(daySamples(0.30, 0.30))
	invMap := inverter.NewMap()
	invMap.SetSystem(sys)
	c := New(permissiveDB(t, testSettings(t)), invMap, fc, nil, nil)
	c.retryBackoff = time.Millisecond

	ctx := context.Background()
	_, err := c.RunCycle(ctx)
	require.NoError(t, err)

	// a provider failure after the first cycle is invisible while the
	// cached curve is still for today
	fc.SetError(fmt.Errorf("pse api down"))
	d, err := c.RunCycle(ctx)
	require.NoError(t, err)
	assert.NotContains(t, d.Reason, "forecast unavailable")
}

func TestCycleTracksKompasTierChange(t *testing.T) {
	settings := testSettings(t)
	settings.Tariff = types.TariffConfig{
		Type:        types.TariffKompasBased,
		SCComponent: 0.0892,
		Kompas: &types.KompasDistribution{
			Tiers: map[types.KompasStatus]float64{
				types.KompasRecommendedUse:    0.15,
				types.KompasNormal:            0.3125,
				types.KompasRecommendedSaving: 0.60,
				types.KompasRequiredReduction: 2.8931,
			},
			FallbackPerKWH: 0.3125,
		},
	}
	sys := &stubSystem{state: types.SystemState{
		Timestamp:         time.Now(),
		BatterySOC:        45,
		BatteryVoltage:    400,
		BatteryTempC:      25,
		ConsumptionPowerW: 3000,
	}}
	kp := kompas.NewMock(types.KompasNormal)
	c := newTestCoordinator(t, permissiveDB(t, settings), sys, daySamples(0.40, 0.40), kp)

	ctx := context.Background()
	d, err := c.RunCycle(ctx)
	require.NoError(t, err)
	require.NotNil(t, d.Price)
	assert.InDelta(t, 0.40+0.0892+0.3125, d.Price.FinalPrice, 1e-9)

	// a mid-day tier change must reprice the current hour on the very next
	// cycle even though the day's forecast is already cached
	kp.SetStatus(types.KompasRequiredReduction)
	d, err = c.RunCycle(ctx)
	require.NoError(t, err)
	require.NotNil(t, d.Price)
	assert.InDelta(t, 0.40+0.0892+2.8931, d.Price.FinalPrice, 1e-9)
}

func TestCycleDeadlineAbandons(t *testing.T) {
	sys := &stubSystem{state: types.SystemState{
		Timestamp:         time.Now(),
		BatterySOC:        35,
		BatteryVoltage:    400,
		BatteryTempC:      25,
		ConsumptionPowerW: 500,
	}}
	db := permissiveDB(t, testSettings(t))
	c := newTestCoordinator(t, db, sys, daySamples(0.01, 0.50), nil)
	c.cycleTimeout = time.Nanosecond

	d, err := c.RunCycle(context.Background())
	require.Error(t, err)
	assert.Nil(t, d)

	// an abandoned cycle commands nothing and records nothing
	assert.Empty(t, sys.appliedActions())
	assert.Nil(t, c.LatestDecision())
	db.AssertNotCalled(t, "InsertDecision", mock.Anything, mock.Anything)
	assert.Equal(t, StateIdle, c.State())
}

func TestCycleBootstrapsWithoutStoredSettings(t *testing.T) {
	db := &storagemock.MockDatabase{}
	db.On("GetSettings", mock.Anything).Return(types.Settings{}, 0, storage.ErrNotFound)
	db.On("SetSettings", mock.Anything, mock.Anything, types.CurrentSettingsVersion).Return(nil)
	db.On("InsertDecision", mock.Anything, mock.Anything).Return(nil)
	db.On("InsertScore", mock.Anything, mock.Anything).Return(nil)
	db.On("InsertTelemetry", mock.Anything, mock.Anything).Return(nil)
	db.On("UpsertPrice", mock.Anything, mock.Anything).Return(nil)

	sys := &stubSystem{state: types.SystemState{
		Timestamp:         time.Now(),
		BatterySOC:        35,
		BatteryVoltage:    400,
		BatteryTempC:      25,
		ConsumptionPowerW: 500,
	}}
	invMap := inverter.NewMap()
	invMap.SetSystem(sys)
	td := tariff.NewDefault(types.TariffConfig{
		Type:        types.TariffStatic,
		SCComponent: 0.05,
		Static:      &types.StaticDistribution{PricePerKWH: 0.10},
	})
	c := New(db, invMap, forecast.NewMock(daySamples(0.01, 0.50)), nil, td)
	c.retryBackoff = time.Millisecond

	d, err := c.RunCycle(context.Background())
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, types.ActionStartGridCharge, d.Action)

	// the migrated defaults plus the bootstrap tariff are persisted
	db.AssertCalled(t, "SetSettings", mock.Anything, mock.Anything, types.CurrentSettingsVersion)
}
