package paste

import "errors"

var (
	// ErrPayloadTooLarge rejects a payload above the configured ceiling.
	ErrPayloadTooLarge = errors.New("payload too large")
	// ErrInvalidExpiry wraps expiry.ErrInPast or expiry.ErrMalformed.
	ErrInvalidExpiry = errors.New("invalid expiry")
	// ErrIdentifierSpaceExhausted means every generated id in the retry
	// budget was taken. It signals an undersized id length or alphabet.
	ErrIdentifierSpaceExhausted = errors.New("identifier space exhausted")
	// ErrStorage wraps a failure reported by the persistence backend.
	ErrStorage = errors.New("storage error")
	// ErrNotFound covers absent, deleted and expired pastes alike.
	ErrNotFound = errors.New("paste not found")
)
