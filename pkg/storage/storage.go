package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/types"
	"github.com/levenlabs/go-lflag"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Database defines the persistence interface. The coordinator writes
// decisions, scores, prices and telemetry through it every cycle; write
// failures are logged by the caller, never fatal to the loop.
type Database interface {
	// GetSettings retrieves the dynamic configuration and its stored
	// version. A missing document returns ErrNotFound; callers bootstrap
	// from migrated defaults.
	GetSettings(ctx context.Context) (types.Settings, int, error)
	// SetSettings saves the dynamic configuration at the given version.
	SetSettings(ctx context.Context, settings types.Settings, version int) error

	// InsertDecision adds a decision record keyed by its timestamp.
	InsertDecision(ctx context.Context, d types.Decision) error
	// GetDecisionHistory retrieves decisions within [start, end).
	GetDecisionHistory(ctx context.Context, start, end time.Time) ([]types.Decision, error)

	// InsertScore adds a score breakdown record.
	InsertScore(ctx context.Context, r types.ScoreRecord) error
	// GetScoreHistory retrieves score records within [start, end).
	GetScoreHistory(ctx context.Context, start, end time.Time) ([]types.ScoreRecord, error)

	// UpsertPrice adds or updates a delivered-price record keyed by its
	// interval start.
	UpsertPrice(ctx context.Context, pc types.PriceComponents) error
	// GetPriceHistory retrieves price records within [start, end).
	GetPriceHistory(ctx context.Context, start, end time.Time) ([]types.PriceComponents, error)
	// GetLatestPriceTime returns the interval start of the newest stored
	// price, or the zero time when none exist.
	GetLatestPriceTime(ctx context.Context) (time.Time, error)

	// InsertTelemetry adds a system state snapshot.
	InsertTelemetry(ctx context.Context, state types.SystemState) error
	// GetTelemetry retrieves snapshots within [start, end).
	GetTelemetry(ctx context.Context, start, end time.Time) ([]types.SystemState, error)

	// Init initializes the underlying client. Must be called before any
	// other method.
	Init(ctx context.Context) error
	// Close releases the underlying client.
	Close() error
}

// Configured sets up the Storage provider based on flags.
func Configured() Database {
	provider := lflag.String("storage-provider", "firestore", "Storage provider to use (available: firestore)")

	var p struct{ Database }

	fs := configuredFirestore()

	lflag.Do(func() {
		switch *provider {
		case "firestore":
			p.Database = fs
			if err := fs.Init(context.Background()); err != nil {
				panic(fmt.Sprintf("firestore init failed: %v", err))
			}
		default:
			panic(fmt.Sprintf("unknown storage provider: %s", *provider))
		}
	})

	return &p
}
