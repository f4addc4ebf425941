package types

import "time"

// GridFlowDirection describes which way power is flowing at the meter.
type GridFlowDirection string

const (
	GridFlowIdle      GridFlowDirection = "idle"
	GridFlowImporting GridFlowDirection = "importing"
	GridFlowExporting GridFlowDirection = "exporting"
)

// SystemState is a point-in-time snapshot of the inverter and household.
// It is refreshed once per coordinator cycle; the coordinator owns it for
// that cycle and components receive copies, never pointers they could
// mutate.
type SystemState struct {
	Timestamp time.Time `json:"timestamp"`

	// Battery
	BatterySOC         float64 `json:"batterySOC"`         // 0-100
	BatteryVoltage     float64 `json:"batteryVoltage"`     // V
	BatteryTempC       float64 `json:"batteryTempC"`       // °C
	BatteryPowerW      float64 `json:"batteryPowerW"`      // + discharge, - charge
	BatteryCapacityKWH float64 `json:"batteryCapacityKWH"` // nameplate capacity

	// Production and consumption
	PVPowerW          float64 `json:"pvPowerW"`
	ConsumptionPowerW float64 `json:"consumptionPowerW"`

	GridFlow   GridFlowDirection `json:"gridFlow"`
	GridPowerW float64           `json:"gridPowerW"` // + import, - export

	// KompasStatus is filled in by the coordinator when the tariff needs it.
	// Unknown when the feed is unavailable.
	KompasStatus KompasStatus `json:"kompasStatus,omitempty"`
}

// Charging reports whether the battery is currently being charged.
func (s SystemState) Charging() bool {
	return s.BatteryPowerW < 0
}

// PVSurplusW returns the PV power not consumed by the household. Negative
// means the household draws more than PV produces.
func (s SystemState) PVSurplusW() float64 {
	return s.PVPowerW - s.ConsumptionPowerW
}
