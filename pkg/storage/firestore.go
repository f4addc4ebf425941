package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/log"
	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/types"
	"github.com/levenlabs/go-lflag"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreProvider implements the Database interface using Google Cloud
// Firestore. Records are stored as JSON blobs keyed by RFC3339 timestamps so
// range queries run on document IDs without extra indexes.
type FirestoreProvider struct {
	client    *firestore.Client
	projectID string
	database  string
	root      string
}

// configuredFirestore sets up the Firestore provider.
// It registers flags for configuration.
func configuredFirestore() *FirestoreProvider {
	projectID := lflag.String("firestore-project-id", "", "Google Cloud Project ID for Firestore")
	database := lflag.String("firestore-database", "", "Google Cloud Firestore Database")
	root := lflag.String("firestore-root", "default", "Installation document under the optimisers collection")
	emulator := lflag.String("firestore-emulator", "", "Use Firestore emulator")

	f := &FirestoreProvider{}

	lflag.Do(func() {
		f.projectID = *projectID
		f.database = *database
		f.root = *root

		// set this because that's how firestore client expects it
		if *emulator != "" {
			os.Setenv("FIRESTORE_EMULATOR_HOST", *emulator)
		}
	})

	return f
}

// Init initializes the Firestore client.
// This must be called before using the provider methods.
func (f *FirestoreProvider) Init(ctx context.Context) error {
	projectID := f.projectID
	if projectID == "" {
		projectID = firestore.DetectProjectID
	}
	database := f.database
	if database == "" {
		database = firestore.DefaultDatabaseID
	}
	client, err := firestore.NewClientWithDatabase(ctx, projectID, database)
	if err != nil {
		return fmt.Errorf("failed to create firestore client (project=%s, database=%s): %w", projectID, database, err)
	}
	f.client = client
	return nil
}

// Close closes the Firestore client connection.
func (f *FirestoreProvider) Close() error {
	if f.client != nil {
		return f.client.Close()
	}
	return nil
}

func (f *FirestoreProvider) collection(name string) *firestore.CollectionRef {
	return f.client.Collection("optimisers").Doc(f.root).Collection(name)
}

// GetSettings retrieves the dynamic configuration from the "config/settings"
// document.
func (f *FirestoreProvider) GetSettings(ctx context.Context) (types.Settings, int, error) {
	doc, err := f.collection("config").Doc("settings").Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return types.Settings{}, 0, ErrNotFound
		}
		return types.Settings{}, 0, fmt.Errorf("failed to fetch settings doc: %w", err)
	}

	// Read version if available (default 0)
	var version int
	if v, err := doc.DataAt("version"); err == nil {
		if vInt, ok := v.(int64); ok {
			version = int(vInt)
		}
	}

	var s types.Settings
	if err := unmarshalDoc(doc, &s); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to read settings doc", slog.Any("err", err))
		return types.Settings{}, 0, err
	}
	return s, version, nil
}

// SetSettings saves the dynamic configuration to the "config/settings"
// document. It stores the settings as a JSON string for portability.
func (f *FirestoreProvider) SetSettings(ctx context.Context, settings types.Settings, version int) error {
	jsonBytes, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}

	_, err = f.collection("config").Doc("settings").Set(ctx, map[string]interface{}{
		"json":    string(jsonBytes),
		"version": version,
	})
	if err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	return nil
}

// InsertDecision adds a decision record to the "decision_history" collection
// as a JSON blob. The document ID is the RFC3339 timestamp for efficient
// range queries.
func (f *FirestoreProvider) InsertDecision(ctx context.Context, d types.Decision) error {
	return f.insertAt(ctx, "decision_history", d.Timestamp, d)
}

// GetDecisionHistory retrieves decision records within the specified time
// range.
func (f *FirestoreProvider) GetDecisionHistory(ctx context.Context, start, end time.Time) ([]types.Decision, error) {
	var decisions []types.Decision
	err := f.iterateRange(ctx, "decision_history", start, end, func(doc *firestore.DocumentSnapshot) error {
		var d types.Decision
		if err := unmarshalDoc(doc, &d); err != nil {
			return err
		}
		decisions = append(decisions, d)
		return nil
	})
	return decisions, err
}

// InsertScore adds a score breakdown record to the "score_history"
// collection.
func (f *FirestoreProvider) InsertScore(ctx context.Context, r types.ScoreRecord) error {
	return f.insertAt(ctx, "score_history", r.Timestamp, r)
}

// GetScoreHistory retrieves score records within the specified time range.
func (f *FirestoreProvider) GetScoreHistory(ctx context.Context, start, end time.Time) ([]types.ScoreRecord, error) {
	var records []types.ScoreRecord
	err := f.iterateRange(ctx, "score_history", start, end, func(doc *firestore.DocumentSnapshot) error {
		var r types.ScoreRecord
		if err := unmarshalDoc(doc, &r); err != nil {
			return err
		}
		records = append(records, r)
		return nil
	})
	return records, err
}

// UpsertPrice adds or updates a price record in the "price_history"
// collection. The document ID is the RFC3339 timestamp of the interval
// start, so re-syncing the same day overwrites instead of duplicating.
func (f *FirestoreProvider) UpsertPrice(ctx context.Context, pc types.PriceComponents) error {
	return f.insertAt(ctx, "price_history", pc.TSStart, pc)
}

// GetPriceHistory retrieves price records within the specified time range.
func (f *FirestoreProvider) GetPriceHistory(ctx context.Context, start, end time.Time) ([]types.PriceComponents, error) {
	var prices []types.PriceComponents
	err := f.iterateRange(ctx, "price_history", start, end, func(doc *firestore.DocumentSnapshot) error {
		var pc types.PriceComponents
		if err := unmarshalDoc(doc, &pc); err != nil {
			return err
		}
		prices = append(prices, pc)
		return nil
	})
	return prices, err
}

// GetLatestPriceTime retrieves the interval start of the last stored price
// record.
func (f *FirestoreProvider) GetLatestPriceTime(ctx context.Context) (time.Time, error) {
	// firestore automatically creates indexes for top-level fields
	iter := f.collection("price_history").
		OrderBy("timestamp", firestore.Desc).
		Limit(1).
		Documents(ctx)
	defer iter.Stop()

	doc, err := iter.Next()
	if err == iterator.Done {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to get latest price doc: %w", err)
	}

	ts, err := time.Parse(time.RFC3339, doc.Ref.ID)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid price doc id %s: %w", doc.Ref.ID, err)
	}
	return ts, nil
}

// InsertTelemetry adds a system state snapshot to the "telemetry"
// collection.
func (f *FirestoreProvider) InsertTelemetry(ctx context.Context, state types.SystemState) error {
	return f.insertAt(ctx, "telemetry", state.Timestamp, state)
}

// GetTelemetry retrieves snapshots within the specified time range.
func (f *FirestoreProvider) GetTelemetry(ctx context.Context, start, end time.Time) ([]types.SystemState, error) {
	var states []types.SystemState
	err := f.iterateRange(ctx, "telemetry", start, end, func(doc *firestore.DocumentSnapshot) error {
		var s types.SystemState
		if err := unmarshalDoc(doc, &s); err != nil {
			return err
		}
		states = append(states, s)
		return nil
	})
	return states, err
}

// insertAt writes v as a JSON blob document keyed by ts.
func (f *FirestoreProvider) insertAt(ctx context.Context, coll string, ts time.Time, v any) error {
	if ts.IsZero() {
		return fmt.Errorf("%s record missing timestamp", coll)
	}
	jsonBytes, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s record: %w", coll, err)
	}

	// Use RFC3339 as document ID for lexicographic ordering and efficient
	// range queries
	docID := ts.UTC().Format(time.RFC3339)
	_, err = f.collection(coll).Doc(docID).Set(ctx, map[string]interface{}{
		"json":      string(jsonBytes),
		"timestamp": ts,
	})
	if err != nil {
		return fmt.Errorf("failed to write %s record: %w", coll, err)
	}
	return nil
}

// iterateRange runs fn over every document in [start, end) of the named
// collection, using document ID range queries so we never read documents
// outside the window.
func (f *FirestoreProvider) iterateRange(ctx context.Context, coll string, start, end time.Time, fn func(*firestore.DocumentSnapshot) error) error {
	c := f.collection(coll)
	startDocID := start.UTC().Format(time.RFC3339)
	endDocID := end.UTC().Format(time.RFC3339)

	iter := c.
		Where(firestore.DocumentID, ">=", c.Doc(startDocID)).
		Where(firestore.DocumentID, "<", c.Doc(endDocID)).
		OrderBy(firestore.DocumentID, firestore.Asc).
		Documents(ctx)
	defer iter.Stop()

	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			return nil
		}
		if err != nil {
			return fmt.Errorf("error iterating %s: %w", coll, err)
		}
		if err := fn(doc); err != nil {
			return fmt.Errorf("error reading %s document %s: %w", coll, doc.Ref.ID, err)
		}
	}
}

// unmarshalDoc decodes the "json" blob field of a document into v.
func unmarshalDoc(doc *firestore.DocumentSnapshot, v any) error {
	val, err := doc.DataAt("json")
	if err != nil {
		return fmt.Errorf("document %s missing 'json' field: %w", doc.Ref.ID, err)
	}
	jsonStr, ok := val.(string)
	if !ok {
		return fmt.Errorf("document %s 'json' field is not a string", doc.Ref.ID)
	}
	if err := json.Unmarshal([]byte(jsonStr), v); err != nil {
		return fmt.Errorf("failed to unmarshal document %s: %w", doc.Ref.ID, err)
	}
	return nil
}
