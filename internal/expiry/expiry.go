// Package expiry resolves client expiration requests into concrete
// deadlines and decides whether a paste is past its deadline.
package expiry

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// NeverLiteral is the wire form of a request for a paste that never expires.
const NeverLiteral = "never"

// Max is the latest concrete expiry accepted. Backends store instants as
// unix milliseconds and JSON or BSON dates, all of which hold it exactly.
var Max = time.Date(9999, time.December, 31, 23, 59, 59, 0, time.UTC)

var (
	// ErrInPast is returned when a concrete expiry is not after now.
	ErrInPast = errors.New("expiry is not in the future")
	// ErrMalformed is returned when an expiry request cannot be parsed.
	ErrMalformed = errors.New("malformed expiry")
)

// ExpiresAt is either a concrete instant or "never". The zero value means
// never; Never and At are the only constructors callers should need.
type ExpiresAt struct {
	at  time.Time
	set bool
}

// Never returns the never-expire sentinel.
func Never() ExpiresAt { return ExpiresAt{} }

// At returns a concrete expiry instant, normalized to UTC.
func At(t time.Time) ExpiresAt { return ExpiresAt{at: t.UTC(), set: true} }

// IsNever reports whether e is the never-expire sentinel.
func (e ExpiresAt) IsNever() bool { return !e.set }

// Time returns the concrete instant and true, or the zero time and false
// for the never-expire sentinel.
func (e ExpiresAt) Time() (time.Time, bool) { return e.at, e.set }

// Equal reports whether two expiries denote the same deadline.
func (e ExpiresAt) Equal(o ExpiresAt) bool {
	if e.set != o.set {
		return false
	}
	return !e.set || e.at.Equal(o.at)
}

func (e ExpiresAt) String() string {
	if !e.set {
		return NeverLiteral
	}
	return e.at.Format(time.RFC3339Nano)
}

// IsExpired reports whether e is concrete and not after now.
func IsExpired(e ExpiresAt, now time.Time) bool {
	return e.set && !e.at.After(now)
}

type requestKind uint8

const (
	kindDefault requestKind = iota
	kindNever
	kindAt
)

// Request is what a client asked for: nothing, never, or a timestamp.
// The zero value asks for the server default.
type Request struct {
	kind requestKind
	at   time.Time
}

// Default asks for the server default lifetime.
func Default() Request { return Request{} }

// NeverRequest asks for a paste that never expires.
func NeverRequest() Request { return Request{kind: kindNever} }

// AtRequest asks for a paste that expires at t. Expiry is kept at
// millisecond precision; see Truncate.
func AtRequest(t time.Time) Request { return Request{kind: kindAt, at: t} }

// Truncate drops the part of a concrete request finer than d.
func (r Request) Truncate(d time.Duration) Request {
	if r.kind == kindAt {
		r.at = r.at.Truncate(d)
	}
	return r
}

func (r Request) String() string {
	switch r.kind {
	case kindNever:
		return NeverLiteral
	case kindAt:
		return strconv.FormatInt(r.at.Unix(), 10)
	default:
		return "default"
	}
}

// ParseRequest parses the wire form: empty, the literal "never", or unix
// seconds.
func ParseRequest(raw string) (Request, error) {
	raw = strings.TrimSpace(raw)
	switch {
	case raw == "":
		return Default(), nil
	case strings.EqualFold(raw, NeverLiteral):
		return NeverRequest(), nil
	}
	secs, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return Request{}, fmt.Errorf("%w: %q", ErrMalformed, raw)
	}
	if secs > Max.Unix() {
		return Request{}, fmt.Errorf("%w: %q is after %s", ErrMalformed, raw, Max.Format(time.RFC3339))
	}
	return AtRequest(time.Unix(secs, 0)), nil
}

// Resolve turns a request into a deadline. A concrete request must be
// strictly after now and not after Max; it is never clamped.
func Resolve(req Request, serverDefault time.Duration, now time.Time) (ExpiresAt, error) {
	var at time.Time
	switch req.kind {
	case kindNever:
		return Never(), nil
	case kindAt:
		if !req.at.After(now) {
			return ExpiresAt{}, fmt.Errorf("%w: %s", ErrInPast, req.at.UTC().Format(time.RFC3339))
		}
		at = req.at
	default:
		if serverDefault <= 0 {
			return ExpiresAt{}, fmt.Errorf("%w: non-positive server default %s", ErrMalformed, serverDefault)
		}
		at = now.Add(serverDefault)
	}
	if at.After(Max) {
		return ExpiresAt{}, fmt.Errorf("%w: %s is after %s", ErrMalformed, at.UTC().Format(time.RFC3339), Max.Format(time.RFC3339))
	}
	return At(at), nil
}
