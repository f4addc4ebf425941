package inverter

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/types"
)

// Mock implements System with a deterministic simulation of a 10kWh battery
// behind a 10kW PV array. It advances the state of charge based on elapsed
// wall-clock time and the last applied action.
type Mock struct {
	mu         sync.Mutex
	now        func() time.Time
	lastUpdate time.Time
	soc        float64
	lastAction types.Action

	statusErr error
	applyErr  error
	applied   []types.Decision
}

const (
	mockCapacityKWH    = 10.0
	mockChargeRateW    = 5000.0
	mockDischargeRateW = 5000.0
)

// NewMock returns a Mock starting at 50% state of charge.
func NewMock(start time.Time) *Mock {
	if start.IsZero() {
		start = time.Now()
	}
	return &Mock{
		now:        time.Now,
		lastUpdate: start,
		soc:        50,
		lastAction: types.ActionNone,
	}
}

// SetNow overrides the simulation clock. This is primarily used for testing.
func (m *Mock) SetNow(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// SetSOC pins the state of charge.
func (m *Mock) SetSOC(soc float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.soc = soc
}

// SetStatusError makes GetStatus fail with the given error.
func (m *Mock) SetStatusError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statusErr = err
}

// SetApplyError makes ApplyDecision fail with the given error.
func (m *Mock) SetApplyError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applyErr = err
}

// Applied returns the decisions applied so far.
func (m *Mock) Applied() []types.Decision {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.Decision, len(m.applied))
	copy(out, m.applied)
	return out
}

// advance steps the simulation from the last update to now.
func (m *Mock) advance(now time.Time) {
	elapsed := now.Sub(m.lastUpdate)
	if elapsed <= 0 {
		return
	}

	var batteryW float64
	switch m.lastAction {
	case types.ActionStartGridCharge, types.ActionStartPVCharge, types.ActionContinue:
		batteryW = -mockChargeRateW
	case types.ActionSell:
		batteryW = mockDischargeRateW
	}

	deltaKWH := -batteryW / 1000 * elapsed.Hours()
	m.soc += deltaKWH / mockCapacityKWH * 100
	if m.soc > 100 {
		m.soc = 100
		m.lastAction = types.ActionNone
	}
	if m.soc < 0 {
		m.soc = 0
		m.lastAction = types.ActionNone
	}
	m.lastUpdate = now
}

// GetStatus implements System.
func (m *Mock) GetStatus(ctx context.Context) (types.SystemState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.statusErr != nil {
		return types.SystemState{}, m.statusErr
	}

	now := m.now()
	m.advance(now)

	var batteryW float64
	switch m.lastAction {
	case types.ActionStartGridCharge, types.ActionStartPVCharge, types.ActionContinue:
		batteryW = -mockChargeRateW
	case types.ActionSell:
		batteryW = mockDischargeRateW
	}

	pvW := simulatedPV(now)
	loadW := simulatedLoad(now)
	gridW := loadW - pvW - batteryW

	return types.SystemState{
		Timestamp:          now,
		BatterySOC:         m.soc,
		BatteryVoltage:     400,
		BatteryTempC:       25,
		BatteryPowerW:      batteryW,
		BatteryCapacityKWH: mockCapacityKWH,
		PVPowerW:           pvW,
		ConsumptionPowerW:  loadW,
		GridPowerW:         gridW,
		GridFlow:           gridFlow(gridW),
	}, nil
}

// ApplyDecision implements System.
func (m *Mock) ApplyDecision(ctx context.Context, d types.Decision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.applyErr != nil {
		return m.applyErr
	}

	m.advance(m.now())
	m.applied = append(m.applied, d)

	switch d.Action {
	case types.ActionStartGridCharge, types.ActionStartPVCharge, types.ActionSell:
		m.lastAction = d.Action
	case types.ActionStop:
		m.lastAction = types.ActionNone
	}
	return nil
}

// simulatedPV is a bell curve peaking at 13:00 local time.
func simulatedPV(now time.Time) float64 {
	hour := float64(now.Hour()) + float64(now.Minute())/60
	if hour < 6 || hour > 19 {
		return 0
	}
	return 8000 * math.Sin((hour-6)/13*math.Pi)
}

// simulatedLoad is a household load between 1 and 2.5 kW on a slow sine.
func simulatedLoad(now time.Time) float64 {
	hour := float64(now.Hour()) + float64(now.Minute())/60
	load := 1500 + 500*math.Sin(hour*math.Pi/12)
	if load < 1000 {
		load = 1000
	}
	return load
}
