package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"pastebin/internal/expiry"
	"pastebin/internal/storage"
)

const scanPageSize = 256

// Store implements storage.Port using SQLite. A retired id keeps its row
// with deleted_at set and the payload cleared.
type Store struct {
	db *sql.DB
}

var _ storage.Port = (*Store)(nil)

// Open initializes the SQLite database at path.
func Open(path string) (*Store, error) {
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := initialize(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func initialize(db *sql.DB) error {
	// Timestamps are unix milliseconds.
	schema := `
CREATE TABLE IF NOT EXISTS pastes (
    id TEXT PRIMARY KEY,
    payload BLOB,
    content_type TEXT NOT NULL,
    file_name TEXT,
    created_at INTEGER NOT NULL,
    expires_at INTEGER,
    deleted_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_pastes_live_expires_at ON pastes (expires_at) WHERE deleted_at IS NULL;
`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// InsertIfAbsent inserts a paste; the primary key rejects live and retired ids alike.
func (s *Store) InsertIfAbsent(ctx context.Context, id string, meta storage.Metadata, payload []byte) error {
	if payload == nil {
		payload = []byte{}
	}
	const q = `
INSERT INTO pastes (id, payload, content_type, file_name, created_at, expires_at)
VALUES (?, ?, ?, ?, ?, ?);
`
	_, err := s.db.ExecContext(ctx, q,
		id,
		payload,
		meta.ContentType,
		nullString(meta.FileName),
		meta.CreatedAt.UTC().UnixMilli(),
		nullableExpiry(meta.ExpiresAt),
	)
	if err != nil {
		if isPrimaryKeyViolation(err) {
			return storage.ErrConflict
		}
		return fmt.Errorf("insert paste: %w", err)
	}
	return nil
}

// Get fetches a live paste by id.
func (s *Store) Get(ctx context.Context, id string) (*storage.Record, error) {
	const q = `
SELECT payload, content_type, file_name, created_at, expires_at
FROM pastes WHERE id = ? AND deleted_at IS NULL;
`
	row := s.db.QueryRowContext(ctx, q, id)

	var (
		payload     []byte
		contentType string
		fileName    sql.NullString
		createdAt   int64
		expiresAt   sql.NullInt64
	)
	if err := row.Scan(&payload, &contentType, &fileName, &createdAt, &expiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("query paste: %w", err)
	}
	if payload == nil {
		payload = []byte{}
	}

	rec := &storage.Record{
		ID: id,
		Metadata: storage.Metadata{
			ContentType: contentType,
			FileName:    fileName.String,
			CreatedAt:   time.UnixMilli(createdAt).UTC(),
			ExpiresAt:   expiry.Never(),
		},
		Payload: payload,
	}
	if expiresAt.Valid {
		rec.ExpiresAt = expiry.At(time.UnixMilli(expiresAt.Int64))
	}
	return rec, nil
}

// Delete clears a live paste and retires its id.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	const q = `
UPDATE pastes SET payload = NULL, deleted_at = ?
WHERE id = ? AND deleted_at IS NULL;
`
	res, err := s.db.ExecContext(ctx, q, time.Now().UTC().UnixMilli(), id)
	if err != nil {
		return false, fmt.Errorf("delete paste: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return rows > 0, nil
}

// ScanExpired pages through expired ids ordered by id. Each page is read
// completely before yielding so no connection is held across yields.
func (s *Store) ScanExpired(ctx context.Context, now time.Time) iter.Seq2[string, error] {
	cutoff := now.UTC().UnixMilli()
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

func (s *Store) expiredPage(ctx context.Context, after string, cutoff int64) ([]string, error) {
	const q = `
SELECT id FROM pastes
WHERE deleted_at IS NULL AND expires_at IS NOT NULL AND expires_at <= ? AND id > ?
ORDER BY id LIMIT ?;
`
	rows, err := s.db.QueryContext(ctx, q, cutoff, after, scanPageSize)
	if err != nil {
		return nil, fmt.Errorf("scan expired: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0, scanPageSize)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan expired row: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan expired rows: %w", err)
	}
	return ids, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func isPrimaryKeyViolation(err error) bool {
	var serr *sqlite.Error
	if errors.As(err, &serr) {
		return serr.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func nullableExpiry(e expiry.ExpiresAt) any {
	at, ok := e.Time()
	if !ok {
		return nil
	}
	return at.UTC().UnixMilli()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
