// Package mongostore implements storage.Port on a MongoDB collection.
//
// Each paste is one document keyed by _id. Deleting a paste keeps the
// document as a tombstone (retired, payload unset) so the id can never be
// inserted again. No TTL index is used: it would remove tombstones too.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"pastebin/internal/expiry"
	"pastebin/internal/storage"
)

const (
	// MaxPayload leaves headroom under MongoDB's 16 MiB document limit.
	MaxPayload   = 15 * 1024 * 1024
	scanPageSize = 256
)

// Store implements storage.Port backed by MongoDB.
type Store struct {
	client     *mongo.Client
	collection *mongo.Collection
}

var (
	_ storage.Port           = (*Store)(nil)
	_ storage.PayloadLimiter = (*Store)(nil)
)

type document struct {
	ID          string     `bson:"_id"`
	Payload     []byte     `bson:"payload"`
	ContentType string     `bson:"content_type"`
	FileName    string     `bson:"file_name,omitempty"`
	CreatedAt   time.Time  `bson:"created_at"`
	ExpiresAt   *time.Time `bson:"expires_at,omitempty"`
	Retired     bool       `bson:"retired"`
}

// Open connects to uri and prepares the collection indexes.
func Open(ctx context.Context, uri, database, collection string) (*Store, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	store := &Store{
		client:     client,
		collection: client.Database(database).Collection(collection),
	}
	if err := store.createIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return store, nil
}

func (s *Store) createIndexes(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	expiresIndex := mongo.IndexModel{
		Keys: bson.D{{Key: "expires_at", Value: 1}},
		Options: options.Index().
			SetName("live_expires_at").
			SetPartialFilterExpression(bson.D{
				{Key: "retired", Value: false},
				{Key: "expires_at", Value: bson.D{{Key: "$exists", Value: true}}},
			}),
	}
	if _, err := s.collection.Indexes().CreateOne(ctx, expiresIndex); err != nil {
		return fmt.Errorf("create expires index: %w", err)
	}
	return nil
}

// MaxPayloadBytes reports the largest payload a document can carry.
func (s *Store) MaxPayloadBytes() int64 { return MaxPayload }

// InsertIfAbsent inserts a document; a duplicate _id means a live or retired id.
func (s *Store) InsertIfAbsent(ctx context.Context, id string, meta storage.Metadata, payload []byte) error {
	if payload == nil {
		payload = []byte{}
	}
	doc := document{
		ID:          id,
		Payload:     payload,
		ContentType: meta.ContentType,
		FileName:    meta.FileName,
		CreatedAt:   meta.CreatedAt.UTC(),
	}
	if at, ok := meta.ExpiresAt.Time(); ok {
		doc.ExpiresAt = &at
	}
	if _, err := s.collection.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return storage.ErrConflict
		}
		return fmt.Errorf("insert paste: %w", err)
	}
	return nil
}

// Get retrieves a live paste by id.
func (s *Store) Get(ctx context.Context, id string) (*storage.Record, error) {
	var doc document
	err := s.collection.FindOne(ctx, bson.M{"_id": id, "retired": false}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("find paste: %w", err)
	}
	payload := doc.Payload
	if payload == nil {
		payload = []byte{}
	}
	rec := &storage.Record{
		ID: doc.ID,
		Metadata: storage.Metadata{
			ContentType: doc.ContentType,
			FileName:    doc.FileName,
			CreatedAt:   doc.CreatedAt.UTC(),
			ExpiresAt:   expiry.Never(),
		},
		Payload: payload,
	}
	if doc.ExpiresAt != nil {
		rec.ExpiresAt = expiry.At(*doc.ExpiresAt)
	}
	return rec, nil
}

// Delete turns a live document into a tombstone in a single update.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	res, err := s.collection.UpdateOne(ctx,
		bson.M{"_id": id, "retired": false},
		bson.M{
			"$set":   bson.M{"retired": true, "retired_at": time.Now().UTC()},
			"$unset": bson.M{"payload": "", "expires_at": ""},
		},
	)
	if err != nil {
		return false, fmt.Errorf("retire paste: %w", err)
	}
	return res.ModifiedCount > 0, nil
}

// ScanExpired pages through expired ids in _id order.
func (s *Store) ScanExpired(ctx context.Context, now time.Time) iter.Seq2[string, error] {
	cutoff := now.UTC()
	return func(yield func(string, error) bool) {
		after := ""
		for {
			ids, err := s.expiredPage(ctx, after, cutoff)
			if err != nil {
				yield("", err)
				return
			}
			for _, id := range ids {
				if !yield(id, nil) {
					return
				}
			}
			if len(ids) < scanPageSize {
				return
			}
			after = ids[len(ids)-1]
		}
	}
}

func (s *Store) expiredPage(ctx context.Context, after string, cutoff time.Time) ([]string, error) {
	filter := bson.M{
		"retired":    false,
		"expires_at": bson.M{"$lte": cutoff},
		"_id":        bson.M{"$gt": after},
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "_id", Value: 1}}).
		SetLimit(scanPageSize).
		SetProjection(bson.D{{Key: "_id", Value: 1}})

	cursor, err := s.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("scan expired: %w", err)
	}
	var rows []struct {
		ID string `bson:"_id"`
	}
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, fmt.Errorf("decode expired ids: %w", err)
	}
	ids := make([]string, len(rows))
	for i, row := range rows {
		ids[i] = row.ID
	}
	return ids, nil
}

// Close disconnects the client.
func (s *Store) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}
