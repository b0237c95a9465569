// Package redisstore implements storage.Port on Redis.
//
// A paste is a hash at <prefix>paste:<id>; pastes with an expiry are also
// members of the <prefix>expires sorted set, scored by expiry in unix
// milliseconds. Deleted pastes keep their hash with a retired
// field so the id stays taken.
package redisstore

import (
	"context"
	"fmt"
	"iter"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"pastebin/internal/expiry"
	"pastebin/internal/storage"
)

const scanCount = 256

var insertScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
	return 0
end
redis.call("HSET", KEYS[1], "payload", ARGV[1], "content_type", ARGV[2], "file_name", ARGV[3], "created_at", ARGV[4])
if ARGV[5] ~= "" then
	redis.call("HSET", KEYS[1], "expires_at", ARGV[5])
	redis.call("ZADD", KEYS[2], ARGV[5], ARGV[6])
end
return 1
`)

var retireScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	return 0
end
if redis.call("HEXISTS", KEYS[1], "retired") == 1 then
	return 0
end
redis.call("HDEL", KEYS[1], "payload", "expires_at")
redis.call("HSET", KEYS[1], "retired", ARGV[1])
redis.call("ZREM", KEYS[2], ARGV[2])
return 1
`)

// Store implements storage.Port backed by Redis.
type Store struct {
	client *redis.Client
	prefix string
}

var _ storage.Port = (*Store)(nil)

// Open parses url, connects and verifies the server responds.
func Open(ctx context.Context, url, prefix string) (*Store, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opt.MaxRetries = 3
	opt.MinRetryBackoff = 8 * time.Millisecond
	opt.MaxRetryBackoff = 512 * time.Millisecond

	client := redis.NewClient(opt)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Store{client: client, prefix: prefix}, nil
}

func (s *Store) pasteKey(id string) string { return s.prefix + "paste:" + id }
func (s *Store) expiresKey() string        { return s.prefix + "expires" }

// InsertIfAbsent writes the paste hash and its expiry entry in one script.
func (s *Store) InsertIfAbsent(ctx context.Context, id string, meta storage.Metadata, payload []byte) error {
	if payload == nil {
		payload = []byte{}
	}
	var expiresMillis string
	if at, ok := meta.ExpiresAt.Time(); ok {
		expiresMillis = strconv.FormatInt(at.UnixMilli(), 10)
	}
	inserted, err := insertScript.Run(ctx, s.client,
		[]string{s.pasteKey(id), s.expiresKey()},
		payload,
		meta.ContentType,
		meta.FileName,
		strconv.FormatInt(meta.CreatedAt.UTC().UnixMilli(), 10),
		expiresMillis,
		id,
	).Int()
	if err != nil {
		return fmt.Errorf("insert paste: %w", err)
	}
	if inserted == 0 {
		return storage.ErrConflict
	}
	return nil
}

// Get reads a live paste hash.
func (s *Store) Get(ctx context.Context, id string) (*storage.Record, error) {
	fields, err := s.client.HGetAll(ctx, s.pasteKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("get paste: %w", err)
	}
	if len(fields) == 0 {
		return nil, storage.ErrNotFound
	}
	if _, retired := fields["retired"]; retired {
		return nil, storage.ErrNotFound
	}

	createdAt, err := strconv.ParseInt(fields["created_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	rec := &storage.Record{
		ID: id,
		Metadata: storage.Metadata{
			ContentType: fields["content_type"],
			FileName:    fields["file_name"],
			CreatedAt:   time.UnixMilli(createdAt).UTC(),
			ExpiresAt:   expiry.Never(),
		},
		Payload: []byte(fields["payload"]),
	}
	if raw, ok := fields["expires_at"]; ok && raw != "" {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse expires_at: %w", err)
		}
		rec.ExpiresAt = expiry.At(time.UnixMilli(ms))
	}
	return rec, nil
}

// Delete retires a live paste.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	removed, err := retireScript.Run(ctx, s.client,
		[]string{s.pasteKey(id), s.expiresKey()},
		strconv.FormatInt(time.Now().UTC().UnixMilli(), 10),
		id,
	).Int()
	if err != nil {
		return false, fmt.Errorf("delete paste: %w", err)
	}
	return removed == 1, nil
}

// ScanExpired walks the expiry set with ZSCAN. ZSCAN tolerates writes
// between calls but may repeat members, so ids are deduplicated per scan.
func (s *Store) ScanExpired(ctx context.Context, now time.Time) iter.Seq2[string, error] {
	cutoff := now.UTC().UnixMilli()
	return func(yield func(string, error) bool) {
		seen := make(map[string]struct{})
		var cursor uint64
		for {
			pairs, next, err := s.client.ZScan(ctx, s.expiresKey(), cursor, "", scanCount).Result()
			if err != nil {
				yield("", fmt.Errorf("scan expired: %w", err))
				return
			}
			for i := 0; i+1 < len(pairs); i += 2 {
				id := pairs[i]
				score, err := strconv.ParseFloat(pairs[i+1], 64)
				if err != nil {
					yield("", fmt.Errorf("parse expiry score: %w", err))
					return
				}
				if int64(score) > cutoff {
					continue
				}
				if _, dup := seen[id]; dup {
					continue
				}
				seen[id] = struct{}{}
				if !yield(id, nil) {
					return
				}
			}
			if next == 0 {
				return
			}
			cursor = next
		}
	}
}

// Close releases the connection pool.
func (s *Store) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}
