package safety

import (
	"fmt"

	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/types"
)

// Gate validates physical battery limits and compliance rules. It never
// scores or ranks; it only accepts or vetoes, and it is the final authority
// in the coordinator's resolution order.
type Gate struct {
	limits  types.SafetyLimits
	profile ComplianceProfile
}

// ComplianceProfile is an additional veto layer on top of the hard physical
// limits, specific to a hardware model or tariff obligation.
type ComplianceProfile interface {
	// Name identifies the profile in logs and reasons.
	Name() string
	// Check returns the actions the profile forbids for the given state,
	// with a reason. An empty slice means no veto.
	Check(state types.SystemState) ([]types.Action, string)
}

// NewGate returns a Gate enforcing the given limits. profile may be nil.
func NewGate(limits types.SafetyLimits, profile ComplianceProfile) *Gate {
	return &Gate{limits: limits, profile: profile}
}

// Check validates the state against the hard limits first and the
// compliance profile second. A hard limit breach is an emergency stop that
// overrides everything, including any economic signal, at any SoC or price.
func (g *Gate) Check(state types.SystemState) types.SafetyVerdict {
	if state.BatteryTempC < g.limits.MinBatteryTempC || state.BatteryTempC > g.limits.MaxBatteryTempC {
		return types.SafetyVerdict{
			Status: types.SafetyEmergencyStop,
			Reason: fmt.Sprintf("battery temperature %.1f°C outside [%.1f, %.1f]",
				state.BatteryTempC, g.limits.MinBatteryTempC, g.limits.MaxBatteryTempC),
		}
	}
	if state.BatteryVoltage < g.limits.MinBatteryVoltage || state.BatteryVoltage > g.limits.MaxBatteryVoltage {
		return types.SafetyVerdict{
			Status: types.SafetyEmergencyStop,
			Reason: fmt.Sprintf("battery voltage %.1fV outside [%.1f, %.1f]",
				state.BatteryVoltage, g.limits.MinBatteryVoltage, g.limits.MaxBatteryVoltage),
		}
	}

	if g.profile != nil {
		if vetoed, reason := g.profile.Check(state); len(vetoed) > 0 {
			return types.SafetyVerdict{
				Status:        types.SafetyVeto,
				Reason:        fmt.Sprintf("%s: %s", g.profile.Name(), reason),
				VetoedActions: vetoed,
			}
		}
	}

	return types.SafetyVerdict{Status: types.SafetyOK}
}

// GW10KET is the compliance profile for the GoodWe GW10K-ET hybrid
// inverter on a kompas-based tariff: grid charging is forbidden while the
// operator signals REQUIRED_REDUCTION.
type GW10KET struct{}

// Name implements ComplianceProfile.
func (GW10KET) Name() string {
	return "gw10k-et"
}

// Check implements ComplianceProfile.
func (GW10KET) Check(state types.SystemState) ([]types.Action, string) {
	if state.KompasStatus == types.KompasRequiredReduction {
		return []types.Action{types.ActionStartGridCharge},
			"grid charging forbidden during REQUIRED_REDUCTION"
	}
	return nil, ""
}
