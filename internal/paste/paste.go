// Package paste orchestrates paste creation, reading and deletion on top
// of a storage.Port. Expiry is enforced here on every read; the backend
// never decides whether a paste is visible.
package paste

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"pastebin/internal/expiry"
	"pastebin/internal/id"
	"pastebin/internal/metrics"
	"pastebin/internal/storage"
)

const (
	DefaultTTL             = 7 * 24 * time.Hour
	DefaultMaxPayloadBytes = 15 * 1024 * 1024
	DefaultMaxAttempts     = 8
	defaultPurgeTimeout    = 5 * time.Second
)

// IDGenerator produces candidate identifiers.
type IDGenerator interface {
	Generate(ctx context.Context) (string, error)
}

// Config wires a Store.
type Config struct {
	Port            storage.Port
	IDs             IDGenerator
	DefaultTTL      time.Duration
	MaxPayloadBytes int64
	// MaxAttempts bounds id generation retries on conflict.
	MaxAttempts int
	// PurgeOnRead deletes an expired paste in the background when a read finds it.
	PurgeOnRead  bool
	PurgeTimeout time.Duration
	Logger       *slog.Logger
	Metrics      *metrics.Metrics
	Now          func() time.Time
}

// CreateRequest carries already-parsed client input.
type CreateRequest struct {
	Payload     []byte
	ContentType string
	FileName    string
	Expiry      expiry.Request
}

// Store is the paste lifecycle engine. It holds no paste state of its own.
type Store struct {
	port         storage.Port
	ids          IDGenerator
	defaultTTL   time.Duration
	maxBytes     int64
	maxAttempts  int
	purgeOnRead  bool
	purgeTimeout time.Duration
	logger       *slog.Logger
	metrics      *metrics.Metrics
	now          func() time.Time
	purges       sync.WaitGroup
}

// New constructs a Store. Zero values in cfg fall back to defaults. The
// effective payload ceiling is the smaller of cfg.MaxPayloadBytes and the
// backend's own limit, if it has one.
func New(cfg Config) (*Store, error) {
	if cfg.Port == nil {
		return nil, errors.New("storage port required")
	}
	if cfg.IDs == nil {
		cfg.IDs = id.New(0)
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = DefaultTTL
	}
	if cfg.MaxPayloadBytes <= 0 {
		cfg.MaxPayloadBytes = DefaultMaxPayloadBytes
	}
	if l, ok := cfg.Port.(storage.PayloadLimiter); ok {
		if limit := l.MaxPayloadBytes(); limit > 0 && limit < cfg.MaxPayloadBytes {
			cfg.MaxPayloadBytes = limit
		}
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.PurgeTimeout <= 0 {
		cfg.PurgeTimeout = defaultPurgeTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Store{
		port:         cfg.Port,
		ids:          cfg.IDs,
		defaultTTL:   cfg.DefaultTTL,
		maxBytes:     cfg.MaxPayloadBytes,
		maxAttempts:  cfg.MaxAttempts,
		purgeOnRead:  cfg.PurgeOnRead,
		purgeTimeout: cfg.PurgeTimeout,
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
		now:          cfg.Now,
	}, nil
}

// MaxPayloadBytes returns the effective payload ceiling.
func (s *Store) MaxPayloadBytes() int64 { return s.maxBytes }

// clock returns the current instant at millisecond precision, the finest
// resolution every backend keeps.
func (s *Store) clock() time.Time {
	return s.now().UTC().Truncate(time.Millisecond)
}

// Create validates req, stores it under a fresh id and returns the id.
func (s *Store) Create(ctx context.Context, req CreateRequest) (string, error) {
	if size := int64(len(req.Payload)); size > s.maxBytes {
		return "", fmt.Errorf("%w: %d bytes exceeds %d", ErrPayloadTooLarge, size, s.maxBytes)
	}

	now := s.clock()
	contentType := ResolveContentType(req.ContentType, req.FileName, req.Payload)
	// A sub-millisecond request is cut down, never rounded up, so the paste
	// is gone at every instant at or after the requested one.
	expires, err := expiry.Resolve(req.Expiry.Truncate(time.Millisecond), s.defaultTTL, now)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidExpiry, err)
	}
	meta := storage.Metadata{
		ContentType: contentType,
		FileName:    req.FileName,
		CreatedAt:   now,
		ExpiresAt:   truncMillis(expires),
	}

	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		pasteID, err := s.ids.Generate(ctx)
		if err != nil {
			return "", fmt.Errorf("generate id: %w", err)
		}
		err = s.port.InsertIfAbsent(ctx, pasteID, meta, req.Payload)
		switch {
		case err == nil:
			s.metrics.Created()
			s.logger.Debug("paste created", "id", pasteID, "size", len(req.Payload), "expires_at", meta.ExpiresAt.String())
			return pasteID, nil
		case errors.Is(err, storage.ErrConflict):
			s.metrics.Conflict()
			s.logger.Debug("id conflict, retrying", "id", pasteID, "attempt", attempt)
		default:
			return "", fmt.Errorf("%w: insert paste: %w", ErrStorage, err)
		}
	}

	s.logger.Error("identifier space exhausted", "attempts", s.maxAttempts)
	return "", fmt.Errorf("%w after %d attempts", ErrIdentifierSpaceExhausted, s.maxAttempts)
}

// Read returns a live paste. Absent and expired pastes are both ErrNotFound.
func (s *Store) Read(ctx context.Context, pasteID string) (*storage.Record, error) {
	rec, err := s.port.Get(ctx, pasteID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.metrics.Read(metrics.ResultMiss)
			return nil, ErrNotFound
		}
		s.metrics.Read(metrics.ResultError)
		return nil, fmt.Errorf("%w: get paste: %w", ErrStorage, err)
	}
	if expiry.IsExpired(rec.ExpiresAt, s.clock()) {
		s.metrics.Read(metrics.ResultExpired)
		s.purge(ctx, pasteID)
		return nil, ErrNotFound
	}
	s.metrics.Read(metrics.ResultHit)
	return rec, nil
}

// Delete removes a paste whether or not it has expired.
func (s *Store) Delete(ctx context.Context, pasteID string) error {
	removed, err := s.port.Delete(ctx, pasteID)
	if err != nil {
		s.metrics.Deleted(metrics.ResultError)
		return fmt.Errorf("%w: delete paste: %w", ErrStorage, err)
	}
	if !removed {
		s.metrics.Deleted(metrics.ResultAbsent)
		return ErrNotFound
	}
	s.metrics.Deleted(metrics.ResultRemoved)
	s.logger.Debug("paste deleted", "id", pasteID)
	return nil
}

// Wait blocks until background purges started by Read have finished.
func (s *Store) Wait() {
	s.purges.Wait()
}

func (s *Store) purge(ctx context.Context, pasteID string) {
	if !s.purgeOnRead {
		return
	}
	s.purges.Add(1)
	go func() {
		defer s.purges.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.purgeTimeout)
		defer cancel()
		if _, err := s.port.Delete(ctx, pasteID); err != nil {
			s.logger.Warn("purge expired paste", "id", pasteID, "error", err)
		}
	}()
}

// truncMillis drops sub-millisecond precision from a default expiry.
func truncMillis(e expiry.ExpiresAt) expiry.ExpiresAt {
	at, ok := e.Time()
	if !ok {
		return e
	}
	return expiry.At(at.Truncate(time.Millisecond))
}
