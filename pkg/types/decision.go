package types

import "time"

// Action is the control command resolved at the end of an evaluation cycle.
type Action string

const (
	ActionStartGridCharge Action = "start_grid_charge"
	ActionStartPVCharge   Action = "start_pv_charge"
	ActionStop            Action = "stop"
	ActionContinue        Action = "continue"
	ActionSell            Action = "sell"
	ActionWait            Action = "wait"
	ActionNone            Action = "none"
)

// Decision is the immutable outcome of one coordinator cycle. Every cycle
// produces one, including failed or degraded cycles: the Reason field is the
// audit trail and is never left empty.
type Decision struct {
	Action     Action    `json:"action"`
	Reason     string    `json:"reason"`
	Confidence float64   `json:"confidence"`
	Timestamp  time.Time `json:"timestamp"`

	// Execution metadata filled in by the coordinator after the command was
	// issued to the inverter.
	DryRun         bool          `json:"dryRun,omitempty"`
	ExecuteLatency time.Duration `json:"executeLatency,omitempty"`
	Failed         bool          `json:"failed,omitempty"`
	Error          string        `json:"error,omitempty"`

	SystemState SystemState      `json:"systemState"`
	Price       *PriceComponents `json:"price,omitempty"`
}

// ScoreBreakdown is the per-factor output of the scoring engine. All
// sub-scores are normalized to [0,1]. It is recomputed every cycle and only
// persisted through the storage collaborator, never cached by the core.
type ScoreBreakdown struct {
	PriceScore       float64 `json:"priceScore"`
	BatteryScore     float64 `json:"batteryScore"`
	PVScore          float64 `json:"pvScore"`
	ConsumptionScore float64 `json:"consumptionScore"`
	WeightedTotal    float64 `json:"weightedTotal"`
	Confidence       float64 `json:"confidence"`
	// CriticalBattery is set when SoC was at or below the critical threshold
	// and the override path was taken instead of the weighted result.
	CriticalBattery bool `json:"criticalBattery,omitempty"`
}

// ScoreRecord is a persisted ScoreBreakdown with the cycle timestamp.
type ScoreRecord struct {
	Timestamp time.Time      `json:"timestamp"`
	Breakdown ScoreBreakdown `json:"breakdown"`
}

// SellTimingDecision is the recommendation class of the sell-timing
// analyzer.
type SellTimingDecision string

const (
	SellNow       SellTimingDecision = "SELL_NOW"
	WaitForPeak   SellTimingDecision = "WAIT_FOR_PEAK"
	WaitForHigher SellTimingDecision = "WAIT_FOR_HIGHER"
	NoOpportunity SellTimingDecision = "NO_OPPORTUNITY"
)

// SellTimingRecommendation trades off selling at the current price against
// waiting for a forecast peak.
type SellTimingRecommendation struct {
	Decision           SellTimingDecision `json:"decision"`
	TargetTime         *time.Time         `json:"targetTime,omitempty"`
	ExpectedPrice      float64            `json:"expectedPrice,omitempty"`
	OpportunityGainPct float64            `json:"opportunityGainPct"`
	Confidence         float64            `json:"confidence"`
	Reason             string             `json:"reason"`
}

// SafetyStatus classifies the safety gate verdict.
type SafetyStatus string

const (
	SafetyOK            SafetyStatus = "ok"
	SafetyVeto          SafetyStatus = "veto"
	SafetyEmergencyStop SafetyStatus = "emergency_stop"
)

// SafetyVerdict is the output of the safety gate. It accepts or vetoes, it
// never ranks: an emergency stop overrides every other recommendation
// unconditionally, a veto blocks the named actions only.
type SafetyVerdict struct {
	Status SafetyStatus `json:"status"`
	Reason string       `json:"reason,omitempty"`
	// VetoedActions lists the actions blocked by a compliance veto. Empty for
	// ok and emergency_stop (an emergency stop blocks everything).
	VetoedActions []Action `json:"vetoedActions,omitempty"`
}

// Blocks reports whether the verdict forbids the given action.
func (v SafetyVerdict) Blocks(a Action) bool {
	if v.Status == SafetyEmergencyStop {
		return a != ActionStop && a != ActionNone
	}
	for _, blocked := range v.VetoedActions {
		if blocked == a {
			return true
		}
	}
	return false
}
