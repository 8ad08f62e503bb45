package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"slices"

	"cloud.google.com/go/firestore"
	"github.com/levenlabs/go-lflag"
	"github.com/plugwatch/plugwatch/pkg/log"
	"github.com/plugwatch/plugwatch/pkg/types"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreProvider implements Database using Google Cloud Firestore.
// Everything for a user lives under users/{userID}.
type FirestoreProvider struct {
	client    *firestore.Client
	projectID string
	database  string
}

// configuredFirestore sets up the Firestore provider.
// It registers flags for configuration.
func configuredFirestore() *FirestoreProvider {
	projectID := lflag.String("firestore-project-id", "", "Google Cloud Project ID for Firestore")
	database := lflag.String("firestore-database", "", "Google Cloud Firestore Database")
	emulator := lflag.String("firestore-emulator", "", "Use Firestore emulator")

	f := &FirestoreProvider{}

	lflag.Do(func() {
		f.projectID = *projectID
		f.database = *database

		// set this because that's how firestore client expects it
		if *emulator != "" {
			os.Setenv("FIRESTORE_EMULATOR_HOST", *emulator)
		}
	})

	return f
}

// Validate checks if the provider is properly configured.
func (f *FirestoreProvider) Validate() error {
	// project ID is allowed to be empty and inferred from the environment
	return nil
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

func (f *FirestoreProvider) getCollection(userID, name string) (*firestore.CollectionRef, error) {
	if userID == "" {
		return nil, fmt.Errorf("userID cannot be empty")
	}
	return f.client.Collection("users").Doc(userID).Collection(name), nil
}

// document IDs cannot contain slashes so each part is escaped
func currentDocID(rec types.UsageRecord) string {
	return url.PathEscape(rec.ProviderID) + ":" + url.PathEscape(rec.DeviceID)
}

func historyDocID(rec types.UsageRecord) string {
	return rec.Day + ":" + currentDocID(rec)
}

func usageDoc(rec types.UsageRecord) (map[string]interface{}, error) {
	jsonBytes, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal usage record: %w", err)
	}
	return map[string]interface{}{
		"json": string(jsonBytes),
		"day":  rec.Day,
	}, nil
}

func decodeJSONDoc(doc *firestore.DocumentSnapshot, v any) error {
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

// GetCredential retrieves the encrypted credential for a provider.
func (f *FirestoreProvider) GetCredential(ctx context.Context, userID, providerID string) (types.CredentialRecord, error) {
	coll, err := f.getCollection(userID, "credentials")
	if err != nil {
		return types.CredentialRecord{}, err
	}
	doc, err := coll.Doc(providerID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return types.CredentialRecord{}, ErrCredentialNotFound
		}
		return types.CredentialRecord{}, fmt.Errorf("failed to fetch credential doc: %w", err)
	}
	var rec types.CredentialRecord
	if err := decodeJSONDoc(doc, &rec); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "invalid credential doc", slog.String("userID", userID), slog.String("providerID", providerID), slog.Any("error", err))
		return types.CredentialRecord{}, err
	}
	return rec, nil
}

// SetCredential creates or replaces the credential for a provider.
func (f *FirestoreProvider) SetCredential(ctx context.Context, rec types.CredentialRecord) error {
	if rec.ProviderID == "" {
		return fmt.Errorf("providerID cannot be empty")
	}
	coll, err := f.getCollection(rec.UserID, "credentials")
	if err != nil {
		return err
	}
	jsonBytes, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal credential: %w", err)
	}
	_, err = coll.Doc(rec.ProviderID).Set(ctx, map[string]interface{}{
		"json": string(jsonBytes),
	})
	if err != nil {
		return fmt.Errorf("failed to save credential: %w", err)
	}
	return nil
}

// DeleteCredential removes the credential for a provider. Deleting a missing
// credential is not an error.
func (f *FirestoreProvider) DeleteCredential(ctx context.Context, userID, providerID string) error {
	coll, err := f.getCollection(userID, "credentials")
	if err != nil {
		return err
	}
	if _, err := coll.Doc(providerID).Delete(ctx); err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	return nil
}

// UpsertCurrentUsage replaces the current usage doc for a device.
func (f *FirestoreProvider) UpsertCurrentUsage(ctx context.Context, rec types.UsageRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	coll, err := f.getCollection(rec.UserID, "usage_current")
	if err != nil {
		return err
	}
	data, err := usageDoc(rec)
	if err != nil {
		return err
	}
	if _, err := coll.Doc(currentDocID(rec)).Set(ctx, data); err != nil {
		return fmt.Errorf("failed to upsert current usage: %w", err)
	}
	return nil
}

// UpsertUsageHistory replaces the history doc for each device and day.
func (f *FirestoreProvider) UpsertUsageHistory(ctx context.Context, recs []types.UsageRecord) error {
	return f.runUsageTransaction(ctx, nil, recs)
}

// UpsertUsage writes the current docs, their history docs and then the closed
// history docs in a single transaction. Batches larger than one transaction
// allows are committed in chunks, each atomic on its own.
func (f *FirestoreProvider) UpsertUsage(ctx context.Context, current, closed []types.UsageRecord) error {
	return f.runUsageTransaction(ctx, current, closed)
}

// maxTransactionWrites is the most writes Firestore accepts in one transaction.
const maxTransactionWrites = 500

type usageChunk struct {
	current []types.UsageRecord
	closed  []types.UsageRecord
}

// writes is the number of docs the chunk sets.
func (c usageChunk) writes() int {
	return 2*len(c.current) + len(c.closed)
}

// chunkUsage splits a batch into chunks of at most limit writes. A current
// record costs two writes, its current and history docs, which always land
// in the same chunk.
func chunkUsage(current, closed []types.UsageRecord, limit int) []usageChunk {
	var chunks []usageChunk
	var c usageChunk
	add := func(cost int) {
		if c.writes()+cost > limit && c.writes() > 0 {
			chunks = append(chunks, c)
			c = usageChunk{}
		}
	}
	for _, rec := range current {
		add(2)
		c.current = append(c.current, rec)
	}
	for _, rec := range closed {
		add(1)
		c.closed = append(c.closed, rec)
	}
	if c.writes() > 0 {
		chunks = append(chunks, c)
	}
	return chunks
}

type usageWrite struct {
	ref  *firestore.DocumentRef
	data map[string]interface{}
}

func (f *FirestoreProvider) usageWrite(rec types.UsageRecord, collection, docID string) (usageWrite, error) {
	coll, err := f.getCollection(rec.UserID, collection)
	if err != nil {
		return usageWrite{}, err
	}
	data, err := usageDoc(rec)
	if err != nil {
		return usageWrite{}, err
	}
	return usageWrite{coll.Doc(docID), data}, nil
}

func (f *FirestoreProvider) runUsageTransaction(ctx context.Context, current, closed []types.UsageRecord) error {
	if len(current) == 0 && len(closed) == 0 {
		return nil
	}
	if err := validateRecords(current); err != nil {
		return err
	}
	if err := validateRecords(closed); err != nil {
		return err
	}

	for _, chunk := range chunkUsage(current, closed, maxTransactionWrites) {
		writes := make([]usageWrite, 0, chunk.writes())
		for _, rec := range chunk.current {
			w, err := f.usageWrite(rec, "usage_current", currentDocID(rec))
			if err != nil {
				return err
			}
			writes = append(writes, w)
		}
		for _, rec := range slices.Concat(chunk.current, chunk.closed) {
			w, err := f.usageWrite(rec, "usage_history", historyDocID(rec))
			if err != nil {
				return err
			}
			writes = append(writes, w)
		}

		err := f.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
			for _, w := range writes {
				if err := tx.Set(w.ref, w.data); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to upsert usage batch: %w", err)
		}
	}
	return nil
}

// GetCurrentUsage returns every current usage doc for the user.
func (f *FirestoreProvider) GetCurrentUsage(ctx context.Context, userID string) ([]types.UsageRecord, error) {
	coll, err := f.getCollection(userID, "usage_current")
	if err != nil {
		return nil, err
	}
	return f.readUsage(ctx, userID, coll.Documents(ctx))
}

// GetUsageHistory returns history docs with a day on or after sinceDay.
func (f *FirestoreProvider) GetUsageHistory(ctx context.Context, userID, sinceDay string) ([]types.UsageRecord, error) {
	coll, err := f.getCollection(userID, "usage_history")
	if err != nil {
		return nil, err
	}
	return f.readUsage(ctx, userID, coll.Where("day", ">=", sinceDay).Documents(ctx))
}

func (f *FirestoreProvider) readUsage(ctx context.Context, userID string, iter *firestore.DocumentIterator) ([]types.UsageRecord, error) {
	defer iter.Stop()

	var recs []types.UsageRecord
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to iterate usage: %w", err)
		}
		var rec types.UsageRecord
		if err := decodeJSONDoc(doc, &rec); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "skipping invalid usage doc", slog.String("userID", userID), slog.Any("error", err))
			continue
		}
		recs = append(recs, rec)
	}
	return recs, nil
}
