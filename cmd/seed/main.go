package main

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"os"
	"time"

	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/log"
	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/storage"
	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/types"
	"github.com/levenlabs/go-lflag"
)

// seeds the firestore emulator with a plausible day of decisions, prices
// and telemetry so the dashboard has something to show during development.
func main() {
	os.Setenv("FIRESTORE_EMULATOR_HOST", "127.0.0.1:8087")
	db := storage.Configured()
	lflag.Configure()

	ctx := context.Background()

	log.Ctx(ctx).InfoContext(ctx, "seeding mock data")

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	now := time.Now()
	start := now.Truncate(24 * time.Hour)

	const (
		batteryCapacityKWH = 10.0
		maxBatteryKW       = 5.0
		homeAvgKW          = 1.5
		solarPeakKW        = 8.0
		scComponent        = 0.0892
		distribution       = 0.3125
	)
	currentSOC := 40.0

	for t := start; t.Before(now); t = t.Add(time.Hour) {
		hour := t.Hour()

		// market price shape: cheap at night and midday, dear in the evening
		marketPrice := 0.35
		if hour >= 10 && hour < 15 {
			marketPrice = 0.20
		} else if hour >= 17 && hour < 21 {
			marketPrice = 0.75
		} else if hour < 6 {
			marketPrice = 0.28
		}
		marketPrice += (rng.Float64() * 0.04) - 0.02

		price := types.PriceComponents{
			TSStart:           t,
			MarketPrice:       marketPrice,
			SCComponent:       scComponent,
			DistributionPrice: distribution,
			FinalPrice:        marketPrice + scComponent + distribution,
		}

		// solar bell curve
		solarKW := 0.0
		if hour > 6 && hour < 19 {
			dist := math.Abs(float64(hour) - 13.0)
			solarKW = solarPeakKW * math.Exp(-(dist*dist)/12.0)
		}

		homeKW := homeAvgKW + (rng.Float64() * 1.0)
		if hour >= 7 && hour < 9 {
			homeKW += 2.0
		} else if hour >= 18 && hour < 22 {
			homeKW += 3.0
		}

		var action types.Action
		var reason string
		switch {
		case hour < 6 && currentSOC < 80:
			action = types.ActionStartGridCharge
			reason = "overnight charging at low price"
		case hour >= 10 && hour < 15 && solarKW > homeKW && currentSOC < 95:
			action = types.ActionStartPVCharge
			reason = "charging from PV surplus"
		case hour >= 17 && hour < 21 && currentSOC > 50:
			action = types.ActionSell
			reason = "selling into the evening peak"
		default:
			action = types.ActionNone
			reason = "holding"
		}

		batKW := 0.0
		switch action {
		case types.ActionStartGridCharge:
			batKW = -maxBatteryKW
		case types.ActionStartPVCharge:
			surplus := solarKW - homeKW
			if surplus > 0 {
				batKW = -math.Min(surplus, maxBatteryKW)
			}
		case types.ActionSell:
			batKW = maxBatteryKW
		}

		currentSOC += (-batKW / batteryCapacityKWH) * 100.0
		if currentSOC > 100 {
			currentSOC = 100
			batKW = 0
		}
		if currentSOC < 5 {
			currentSOC = 5
			batKW = 0
		}

		state := types.SystemState{
			Timestamp:          t,
			BatterySOC:         currentSOC,
			BatteryVoltage:     400 + rng.Float64()*20,
			BatteryTempC:       25 + rng.Float64()*8,
			BatteryPowerW:      batKW * 1000,
			BatteryCapacityKWH: batteryCapacityKWH,
			PVPowerW:           solarKW * 1000,
			ConsumptionPowerW:  homeKW * 1000,
			GridPowerW:         (homeKW - solarKW - batKW) * 1000,
		}
		switch {
		case state.GridPowerW > 50:
			state.GridFlow = types.GridFlowImporting
		case state.GridPowerW < -50:
			state.GridFlow = types.GridFlowExporting
		default:
			state.GridFlow = types.GridFlowIdle
		}

		decision := types.Decision{
			Action:      action,
			Reason:      fmt.Sprintf("mock: %s", reason),
			Confidence:  0.4 + rng.Float64()*0.5,
			Timestamp:   t,
			DryRun:      rng.Float64() > 0.9,
			SystemState: state,
			Price:       &price,
		}

		if err := db.InsertDecision(ctx, decision); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to seed decision", "error", err)
			os.Exit(1)
		}
		if err := db.UpsertPrice(ctx, price); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to seed price", "error", err)
			os.Exit(1)
		}
		if err := db.InsertTelemetry(ctx, state); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to seed telemetry", "error", err)
			os.Exit(1)
		}
	}

	log.Ctx(ctx).InfoContext(ctx, "seeding complete", "hours", int(now.Sub(start).Hours()))
}
