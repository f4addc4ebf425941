package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/forecast"
	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/inverter"
	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/kompas"
	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/log"
	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/safety"
	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/scoring"
	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/selltiming"
	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/storage"
	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/tariff"
	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/types"
	"github.com/levenlabs/go-lflag"
	"github.com/robfig/cron/v3"
)

// State is the control loop state.
type State string

const (
	StateIdle          State = "IDLE"
	StateEvaluating    State = "EVALUATING"
	StateCharging      State = "CHARGING"
	StateSelling       State = "SELLING"
	StateEmergencyStop State = "EMERGENCY_STOP"
)

// marketLocation is the timezone PSE business dates roll over in.
var marketLocation = func() *time.Location {
	loc, err := time.LoadLocation("Europe/Warsaw")
	if err != nil {
		panic(fmt.Sprintf("failed to load Europe/Warsaw location: %v", err))
	}
	return loc
}()

// Coordinator runs the evaluation loop: it reads external state, invokes
// scoring, sell timing and the safety gate, resolves the final action,
// issues it to the inverter and records the decision. It never terminates
// because of a single cycle's failure.
type Coordinator struct {
	db            storage.Database
	inverters     *inverter.Map
	prices        forecast.Provider
	kompas        kompas.Provider
	tariffDefault *tariff.Default

	tick         time.Duration
	cycleTimeout time.Duration
	fetchRetries int
	retryBackoff time.Duration

	// cycleMu serializes cycles: a tick that fires while the previous cycle
	// still runs is skipped, never run concurrently.
	cycleMu sync.Mutex

	mu    sync.Mutex
	state State
	// samples is the raw market forecast for curveDate; curve is the
	// delivered-price normalization of it under curveStatus. The samples are
	// refetched when the business date rolls over, the curve is additionally
	// rebuilt whenever the kompas status changes so kompas-based tariffs
	// always price the current tier.
	samples     []types.PriceSample
	curve       *forecast.Curve
	curveDate   string
	curveStatus types.KompasStatus

	latest atomic.Pointer[types.Decision]

	cron *cron.Cron
}

// Configured initializes the Coordinator with dependencies.
// It uses lflag to register command-line flags for configuration.
func Configured(db storage.Database, inv *inverter.Map, prices forecast.Provider, kp kompas.Provider, td *tariff.Default) *Coordinator {
	c := New(db, inv, prices, kp, td)

	tick := lflag.Duration("tick-interval", time.Minute, "Interval between evaluation cycles")
	cycleTimeout := lflag.Duration("cycle-timeout", 45*time.Second, "Deadline for a single evaluation cycle")
	fetchRetries := lflag.Int("fetch-retries", 3, "Attempts for transient state/forecast fetch failures")
	retryBackoff := lflag.Duration("retry-backoff", 2*time.Second, "Initial backoff between fetch retries")

	lflag.Do(func() {
		c.tick = *tick
		c.cycleTimeout = *cycleTimeout
		c.fetchRetries = *fetchRetries
		c.retryBackoff = *retryBackoff
	})

	return c
}

// New returns a Coordinator with default timing, primarily for tests.
func New(db storage.Database, inv *inverter.Map, prices forecast.Provider, kp kompas.Provider, td *tariff.Default) *Coordinator {
	return &Coordinator{
		db:            db,
		inverters:     inv,
		prices:        prices,
		kompas:        kp,
		tariffDefault: td,
		tick:          time.Minute,
		cycleTimeout:  45 * time.Second,
		fetchRetries:  3,
		retryBackoff:  2 * time.Second,
		state:         StateIdle,
	}
}

// State returns the current control loop state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LatestDecision returns the most recent decision, or nil before the first
// cycle completes.
func (c *Coordinator) LatestDecision() *types.Decision {
	return c.latest.Load()
}

// ResetEmergencyStop exits the absorbing emergency state. It is the only
// way out; a human confirms the hardware is safe before calling it.
func (c *Coordinator) ResetEmergencyStop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateEmergencyStop {
		return fmt.Errorf("not in emergency stop (state %s)", c.state)
	}
	c.state = StateIdle
	log.Ctx(ctx).WarnContext(ctx, "emergency stop manually reset")
	return nil
}

// Run executes evaluation cycles on the configured tick until the context
// is canceled. A cron schedule in the market's timezone drops the cached
// price curve at the day rollover so the new day's forecast is fetched
// promptly rather than on the next cache miss.
func (c *Coordinator) Run(ctx context.Context) error {
	c.cron = cron.New(cron.WithLocation(marketLocation))
	if _, err := c.cron.AddFunc("0 0 * * *", func() {
		c.mu.Lock()
		c.samples = nil
		c.curve = nil
		c.curveDate = ""
		c.curveStatus = types.KompasUnknown
		c.mu.Unlock()
		log.Ctx(ctx).InfoContext(ctx, "business date rolled over, price curve invalidated")
	}); err != nil {
		return fmt.Errorf("failed to schedule forecast refresh: %w", err)
	}
	c.cron.Start()
	defer c.cron.Stop()

	ticker := time.NewTicker(c.tick)
	defer ticker.Stop()

	log.Ctx(ctx).InfoContext(ctx, "starting coordinator", slog.Duration("tick", c.tick))

	// run one cycle immediately rather than waiting a full tick
	c.runCycleLogged(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Ctx(ctx).InfoContext(ctx, "coordinator stopping")
			return nil
		case <-ticker.C:
			c.runCycleLogged(ctx)
		}
	}
}

func (c *Coordinator) runCycleLogged(ctx context.Context) {
	if d, err := c.RunCycle(ctx); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "cycle failed", slog.Any("error", err))
	} else if d != nil {
		log.Ctx(ctx).InfoContext(
			ctx,
			"cycle complete",
			slog.String("action", string(d.Action)),
			slog.String("reason", d.Reason),
			slog.Float64("confidence", d.Confidence),
		)
	}
}

// RunCycle executes a single evaluation cycle. Concurrent calls are
// serialized; each cycle runs under its own deadline and is abandoned when
// the deadline passes.
func (c *Coordinator) RunCycle(ctx context.Context) (*types.Decision, error) {
	c.cycleMu.Lock()
	defer c.cycleMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.cycleTimeout)
	defer cancel()

	now := time.Now()

	if c.State() == StateEmergencyStop {
		d := c.record(ctx, types.Decision{
			Action:    types.ActionNone,
			Reason:    "in emergency stop, awaiting manual reset",
			Timestamp: now,
		}, nil)
		return d, nil
	}

	settings, err := c.loadSettings(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load settings: %w", err)
	}

	if settings.Pause {
		d := c.record(ctx, types.Decision{
			Action:    types.ActionNone,
			Reason:    "paused by settings",
			Timestamp: now,
		}, nil)
		return d, nil
	}

	c.setState(StateEvaluating)

	sys, err := c.inverters.System(ctx)
	if err != nil {
		return nil, err
	}

	// fetch the external signals concurrently with independent timeouts;
	// both must finish before scoring so it never sees partial state. The
	// inverter fetch retries on transient failures, the kompas feed
	// degrades to the fallback price instead.
	var (
		wg           sync.WaitGroup
		state        types.SystemState
		stateErr     error
		kompasStatus = types.KompasUnknown
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		fetchCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
		defer cancel()
		state, stateErr = fetchWithRetry(fetchCtx, c.fetchRetries, c.retryBackoff, func(ctx context.Context) (types.SystemState, error) {
			return sys.GetStatus(ctx)
		})
	}()
	if c.kompas != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fetchCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			if ks, err := c.kompas.GetStatus(fetchCtx); err != nil {
				log.Ctx(ctx).WarnContext(ctx, "kompas status unavailable", slog.Any("error", err))
			} else {
				kompasStatus = ks
			}
		}()
	}
	wg.Wait()

	// an over-deadline cycle is abandoned whole: no command, no record, the
	// next tick starts clean
	if err := ctx.Err(); err != nil {
		c.setState(StateIdle)
		log.Ctx(ctx).WarnContext(ctx, "cycle deadline exceeded, abandoning", slog.Any("error", err))
		return nil, fmt.Errorf("cycle abandoned: %w", err)
	}

	if stateErr != nil {
		d := c.record(ctx, types.Decision{
			Action:    types.ActionNone,
			Reason:    fmt.Sprintf("state fetch failed after %d attempts: %v", c.fetchRetries, stateErr),
			Timestamp: now,
		}, nil)
		c.setState(StateIdle)
		return d, nil
	}
	state.KompasStatus = kompasStatus

	calc, err := tariff.NewCalculator(settings.Tariff)
	if err != nil {
		return nil, fmt.Errorf("invalid tariff configuration: %w", err)
	}

	curve, curveErr := c.priceCurve(ctx, calc, kompasStatus, now)
	if curveErr != nil {
		d := c.record(ctx, types.Decision{
			Action:      types.ActionNone,
			Reason:      fmt.Sprintf("forecast unavailable: %v", curveErr),
			Timestamp:   now,
			SystemState: state,
		}, nil)
		c.setState(StateIdle)
		return d, nil
	}

	current, ok := curve.At(now)
	if !ok {
		d := c.record(ctx, types.Decision{
			Action:      types.ActionNone,
			Reason:      fmt.Sprintf("no price for hour containing %s", now.Format(time.RFC3339)),
			Timestamp:   now,
			SystemState: state,
		}, nil)
		c.setState(StateIdle)
		return d, nil
	}

	decision, breakdown := c.evaluate(ctx, settings, state, current, curve, now)

	if err := ctx.Err(); err != nil {
		c.setState(StateIdle)
		log.Ctx(ctx).WarnContext(ctx, "cycle deadline exceeded, abandoning before execution", slog.Any("error", err))
		return nil, fmt.Errorf("cycle abandoned: %w", err)
	}

	if err := c.execute(ctx, sys, settings, &decision); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to execute decision", slog.Any("error", err))
	}

	d := c.record(ctx, decision, breakdown)
	return d, nil
}

// evaluate resolves the final decision for one cycle. Resolution order:
// safety emergency stop, safety veto, critical battery override, scoring
// engine action, sell-timing recommendation.
func (c *Coordinator) evaluate(ctx context.Context, settings types.Settings, state types.SystemState, current types.PriceComponents, curve *forecast.Curve, now time.Time) (types.Decision, *types.ScoreBreakdown) {
	gate := safety.NewGate(settings.Safety, safety.GW10KET{})
	verdict := gate.Check(state)

	if verdict.Status == types.SafetyEmergencyStop {
		c.setState(StateEmergencyStop)
		return types.Decision{
			Action:      types.ActionStop,
			Reason:      fmt.Sprintf("emergency stop: %s", verdict.Reason),
			Confidence:  1,
			Timestamp:   now,
			SystemState: state,
			Price:       &current,
		}, nil
	}

	engine, err := scoring.NewEngine(settings)
	if err != nil {
		// invalid scoring configuration never starts the loop; reaching
		// this means settings changed underneath us, degrade to none
		c.setState(StateIdle)
		return types.Decision{
			Action:      types.ActionNone,
			Reason:      fmt.Sprintf("invalid scoring configuration: %v", err),
			Timestamp:   now,
			SystemState: state,
			Price:       &current,
		}, nil
	}

	breakdown, action, reason := engine.Evaluate(state, current, curve)
	confidence := breakdown.Confidence

	// the sell-timing recommendation only applies when we are not charging,
	// the battery is above the sellable floor and scoring found nothing
	// better to do
	if !breakdown.CriticalBattery && !state.Charging() &&
		state.BatterySOC > settings.MinSellableSOC &&
		(action == types.ActionNone || action == types.ActionStop) {
		analyzer := selltiming.NewAnalyzer(settings)
		rec := analyzer.Analyze(current, curve, now)
		switch rec.Decision {
		case types.SellNow:
			action = types.ActionSell
			reason = rec.Reason
			confidence = rec.Confidence
		case types.WaitForPeak, types.WaitForHigher:
			action = types.ActionWait
			reason = rec.Reason
			confidence = rec.Confidence
		}
	}

	// low-confidence actions degrade to wait rather than commanding the
	// inverter on a weak signal
	if confidence < settings.MinConfidence && isExecutable(action) && !breakdown.CriticalBattery {
		reason = fmt.Sprintf("confidence %.2f below minimum %.2f, holding: %s", confidence, settings.MinConfidence, reason)
		action = types.ActionWait
	}

	if verdict.Blocks(action) {
		reason = fmt.Sprintf("%s vetoed: %s", action, verdict.Reason)
		action = types.ActionNone
	}

	c.setState(stateForAction(action, state))

	return types.Decision{
		Action:      action,
		Reason:      reason,
		Confidence:  confidence,
		Timestamp:   now,
		SystemState: state,
		Price:       &current,
	}, &breakdown
}

// execute issues the decision to the inverter and records latency and
// outcome on the decision itself.
func (c *Coordinator) execute(ctx context.Context, sys inverter.System, settings types.Settings, d *types.Decision) error {
	d.DryRun = settings.DryRun
	if settings.DryRun || !isExecutable(d.Action) {
		return nil
	}

	start := time.Now()
	err := sys.ApplyDecision(ctx, *d)
	d.ExecuteLatency = time.Since(start)
	if err != nil {
		d.Failed = true
		d.Error = err.Error()
		return err
	}
	return nil
}

// record persists the decision and breakdown and publishes the decision as
// the latest. Write failures are logged, never fatal to the loop.
func (c *Coordinator) record(ctx context.Context, d types.Decision, breakdown *types.ScoreBreakdown) *types.Decision {
	if err := c.db.InsertDecision(ctx, d); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to persist decision", slog.Any("error", err))
	}
	if breakdown != nil {
		if err := c.db.InsertScore(ctx, types.ScoreRecord{Timestamp: d.Timestamp, Breakdown: *breakdown}); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to persist score", slog.Any("error", err))
		}
	}
	if !d.SystemState.Timestamp.IsZero() {
		if err := c.db.InsertTelemetry(ctx, d.SystemState); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to persist telemetry", slog.Any("error", err))
		}
	}

	c.latest.Store(&d)
	return &d
}

// loadSettings reads the stored settings, migrates them to the current
// version and fills in the bootstrap tariff when none is stored. A fresh
// installation with no settings document starts from migrated defaults.
func (c *Coordinator) loadSettings(ctx context.Context) (types.Settings, error) {
	settings, version, err := c.db.GetSettings(ctx)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return types.Settings{}, err
	}

	settings, migrated, err := types.MigrateSettings(settings, version)
	if err != nil {
		return types.Settings{}, err
	}
	if c.tariffDefault != nil {
		settings = c.tariffDefault.Apply(settings)
	}
	if migrated {
		if err := c.db.SetSettings(ctx, settings, types.CurrentSettingsVersion); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to persist migrated settings", slog.Any("error", err))
		}
	}

	if err := settings.Validate(); err != nil {
		return types.Settings{}, err
	}
	return settings, nil
}

// priceCurve returns the delivered-price curve for the business date
// containing now. The raw market samples are fetched once per date; the
// normalization is redone whenever the kompas status changes, so a mid-day
// tier change (or a feed outage resolving) reprices the whole day rather
// than serving the tier that happened to be in effect at first fetch. The
// curve is also synced to price history so the dashboard can chart the day.
func (c *Coordinator) priceCurve(ctx context.Context, calc *tariff.Calculator, kompasStatus types.KompasStatus, now time.Time) (*forecast.Curve, error) {
	date := now.In(marketLocation).Format("2006-01-02")

	c.mu.Lock()
	if c.curve != nil && c.curveDate == date && c.curveStatus == kompasStatus {
		curve := c.curve
		c.mu.Unlock()
		return curve, nil
	}
	samples := c.samples
	if c.curveDate != date {
		samples = nil
	}
	c.mu.Unlock()

	if samples == nil {
		var err error
		samples, err = fetchWithRetry(ctx, c.fetchRetries, c.retryBackoff, func(ctx context.Context) ([]types.PriceSample, error) {
			return c.prices.GetDayAheadPrices(ctx, now)
		})
		if err != nil {
			return nil, err
		}
	}

	components, err := calc.NormalizeCurve(ctx, samples, kompasStatus)
	if err != nil {
		return nil, err
	}
	curve, err := forecast.NewCurve(components)
	if err != nil {
		return nil, err
	}

	for _, pc := range curve.Prices() {
		if err := c.db.UpsertPrice(ctx, pc); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to sync price history", slog.Any("error", err))
			break
		}
	}

	c.mu.Lock()
	c.samples = samples
	c.curve = curve
	c.curveDate = date
	c.curveStatus = kompasStatus
	c.mu.Unlock()

	return curve, nil
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	// emergency stop is absorbing; only ResetEmergencyStop leaves it
	if c.state == StateEmergencyStop && s != StateEmergencyStop {
		return
	}
	c.state = s
}

func stateForAction(a types.Action, state types.SystemState) State {
	switch a {
	case types.ActionStartGridCharge, types.ActionStartPVCharge:
		return StateCharging
	case types.ActionContinue:
		if state.Charging() {
			return StateCharging
		}
		return StateIdle
	case types.ActionSell:
		return StateSelling
	default:
		return StateIdle
	}
}

func isExecutable(a types.Action) bool {
	switch a {
	case types.ActionStartGridCharge, types.ActionStartPVCharge, types.ActionSell, types.ActionStop:
		return true
	}
	return false
}

// fetchWithRetry calls fn up to attempts times with doubling backoff,
// respecting context cancellation between attempts.
func fetchWithRetry[T any](ctx context.Context, attempts int, backoff time.Duration, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error
	if attempts < 1 {
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err
		log.Ctx(ctx).WarnContext(
			ctx,
			"transient fetch failed",
			slog.Int("attempt", i+1),
			slog.Int("attempts", attempts),
			slog.Any("error", err),
		)
	}
	return zero, lastErr
}
