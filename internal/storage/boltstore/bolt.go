package boltstore

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"time"

	bolt "go.etcd.io/bbolt"

	"pastebin/internal/expiry"
	"pastebin/internal/storage"
)

var (
	pasteBucket   = []byte("pastes")
	payloadBucket = []byte("payloads")
	expireBucket  = []byte("expires")
	retiredBucket = []byte("retired")
)

const scanPageSize = 128

// Store implements storage.Port backed by BoltDB.
type Store struct {
	db *bolt.DB
}

var _ storage.Port = (*Store)(nil)

type record struct {
	ContentType string     `json:"content_type"`
	FileName    string     `json:"file_name,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

// Open initializes a BoltDB-backed store located at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{pasteBucket, payloadBucket, expireBucket, retiredBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create %s bucket: %w", name, err)
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// InsertIfAbsent stores a paste unless id is live or retired.
func (s *Store) InsertIfAbsent(ctx context.Context, id string, meta storage.Metadata, payload []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	rec := record{
		ContentType: meta.ContentType,
		FileName:    meta.FileName,
		CreatedAt:   meta.CreatedAt.UTC(),
	}
	if at, ok := meta.ExpiresAt.Time(); ok {
		rec.ExpiresAt = &at
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal paste: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		pBucket, dBucket, eBucket, rBucket := buckets(tx)
		if pBucket == nil || dBucket == nil || eBucket == nil || rBucket == nil {
			return errors.New("buckets not initialized")
		}
		key := []byte(id)
		if pBucket.Get(key) != nil || rBucket.Get(key) != nil {
			return storage.ErrConflict
		}
		if err := pBucket.Put(key, data); err != nil {
			return fmt.Errorf("save paste: %w", err)
		}
		if err := dBucket.Put(key, payload); err != nil {
			return fmt.Errorf("save payload: %w", err)
		}
		if rec.ExpiresAt != nil {
			if err := eBucket.Put(expireKey(*rec.ExpiresAt, id), key); err != nil {
				return fmt.Errorf("index expiry: %w", err)
			}
		}
		return nil
	})
}

// Get retrieves a paste by id.
func (s *Store) Get(ctx context.Context, id string) (*storage.Record, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	var out *storage.Record
	err := s.db.View(func(tx *bolt.Tx) error {
		pBucket, dBucket, _, _ := buckets(tx)
		if pBucket == nil || dBucket == nil {
			return errors.New("pastes bucket missing")
		}
		raw := pBucket.Get([]byte(id))
		if raw == nil {
			return storage.ErrNotFound
		}
		var rec record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return fmt.Errorf("unmarshal paste: %w", err)
		}
		payload := bytes.Clone(dBucket.Get([]byte(id)))
		if payload == nil {
			payload = []byte{}
		}
		out = &storage.Record{
			ID:       id,
			Metadata: rec.metadata(),
			Payload:  payload,
		}
		return nil
	})

	return out, err
}

// Delete removes a paste and retires its id.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	default:
	}

	var removed bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		pBucket, dBucket, eBucket, rBucket := buckets(tx)
		if pBucket == nil || dBucket == nil || eBucket == nil || rBucket == nil {
			return errors.New("buckets not initialized")
		}
		key := []byte(id)
		raw := pBucket.Get(key)
		if raw == nil {
			return nil
		}
		var rec record
		if err := json.Unmarshal(raw, &rec); err == nil && rec.ExpiresAt != nil {
			if err := eBucket.Delete(expireKey(*rec.ExpiresAt, id)); err != nil {
				return fmt.Errorf("delete expiry index: %w", err)
			}
		}
		if err := pBucket.Delete(key); err != nil {
			return fmt.Errorf("delete paste: %w", err)
		}
		if err := dBucket.Delete(key); err != nil {
			return fmt.Errorf("delete payload: %w", err)
		}
		if err := rBucket.Put(key, timeBytes(time.Now())); err != nil {
			return fmt.Errorf("retire id: %w", err)
		}
		removed = true
		return nil
	})

	return removed, err
}

// ScanExpired walks the expiry index in pages. Each page runs in its own
// read transaction so the caller can delete between yields.
func (s *Store) ScanExpired(ctx context.Context, now time.Time) iter.Seq2[string, error] {
	cutoff := toTimestamp(now)
	return func(yield func(string, error) bool) {
		var after []byte
		for {
			if err := ctx.Err(); err != nil {
				yield("", err)
				return
			}
			ids, last, err := s.expiredPage(after, cutoff)
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
			after = last
		}
	}
}

func (s *Store) expiredPage(after []byte, cutoff uint64) ([]string, []byte, error) {
	var (
		ids  []string
		last []byte
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		eBucket := tx.Bucket(expireBucket)
		if eBucket == nil {
			return errors.New("expires bucket missing")
		}
		cursor := eBucket.Cursor()
		var key, val []byte
		if after == nil {
			key, val = cursor.First()
		} else {
			key, val = cursor.Seek(after)
			if key != nil && bytes.Equal(key, after) {
				key, val = cursor.Next()
			}
		}
		for ; key != nil && len(ids) < scanPageSize; key, val = cursor.Next() {
			if binary.BigEndian.Uint64(key[:8]) > cutoff {
				break
			}
			ids = append(ids, string(val))
			last = bytes.Clone(key)
		}
		return nil
	})
	return ids, last, err
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func buckets(tx *bolt.Tx) (pastes, payloads, expires, retired *bolt.Bucket) {
	return tx.Bucket(pasteBucket), tx.Bucket(payloadBucket), tx.Bucket(expireBucket), tx.Bucket(retiredBucket)
}

func (r record) metadata() storage.Metadata {
	meta := storage.Metadata{
		ContentType: r.ContentType,
		FileName:    r.FileName,
		CreatedAt:   r.CreatedAt.UTC(),
		ExpiresAt:   expiry.Never(),
	}
	if r.ExpiresAt != nil {
		meta.ExpiresAt = expiry.At(*r.ExpiresAt)
	}
	return meta
}

func expireKey(t time.Time, id string) []byte {
	key := make([]byte, 8+len(id))
	binary.BigEndian.PutUint64(key, toTimestamp(t))
	copy(key[8:], id)
	return key
}

// toTimestamp returns unix milliseconds, which cover every accepted expiry.
func toTimestamp(t time.Time) uint64 {
	if t.IsZero() {
		return 0
	}
	return uint64(t.UTC().UnixMilli())
}

func timeBytes(t time.Time) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, toTimestamp(t))
	return b
}
