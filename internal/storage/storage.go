package storage

import (
	"context"
	"errors"
	"iter"
	"time"

	"pastebin/internal/expiry"
)

var (
	// ErrNotFound is returned when a paste does not exist.
	ErrNotFound = errors.New("paste not found")
	// ErrConflict is returned by InsertIfAbsent when the id is taken or retired.
	ErrConflict = errors.New("paste id already in use")
)

// Metadata is everything stored alongside a payload.
type Metadata struct {
	ContentType string
	FileName    string
	CreatedAt   time.Time
	ExpiresAt   expiry.ExpiresAt
}

// HasFileName reports whether the paste was created with a file name.
func (m Metadata) HasFileName() bool {
	return m.FileName != ""
}

// Record is a fully stored paste.
type Record struct {
	ID string
	Metadata
	Payload []byte
}

// Port is the persistence contract consumed by the paste store.
//
// InsertIfAbsent is the only linearization point for identifier
// uniqueness: it either stores metadata and payload together or returns
// ErrConflict without touching existing data. Identifiers that were ever
// stored stay retired after Delete, so inserting one again conflicts too.
//
// Get returns ErrNotFound for absent ids and does not evaluate expiry.
// Delete reports whether something was removed. ScanExpired yields ids
// whose concrete expiry is not after now; every call starts a fresh scan,
// and callers may Delete yielded ids while iterating.
//
// Instants are kept at millisecond precision. Callers pass
// millisecond-aligned times no later than expiry.Max.
type Port interface {
	InsertIfAbsent(ctx context.Context, id string, meta Metadata, payload []byte) error
	Get(ctx context.Context, id string) (*Record, error)
	Delete(ctx context.Context, id string) (bool, error)
	ScanExpired(ctx context.Context, now time.Time) iter.Seq2[string, error]
	Close() error
}

// PayloadLimiter is implemented by backends with their own size ceiling.
type PayloadLimiter interface {
	MaxPayloadBytes() int64
}
