package id

import (
	"context"
	"errors"
	"fmt"
	"strings"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

const (
	// DefaultLength gives 62^12 possible identifiers with the default alphabet.
	DefaultLength = 12
	// DefaultAlphabet is base62: letters and digits only.
	DefaultAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

	minAlphabet = 16
	urlSafe     = DefaultAlphabet + "-._~"
)

// Generator produces unique, URL-safe identifiers.
type Generator struct {
	alphabet string
	length   int
}

// New returns a base62 Generator with the provided length. If length <= 0, a sane default is used.
func New(length int) *Generator {
	if length <= 0 {
		length = DefaultLength
	}
	return &Generator{alphabet: DefaultAlphabet, length: length}
}

// NewWithAlphabet returns a Generator drawing from alphabet, which must
// consist of at least 16 distinct URL-unreserved characters.
func NewWithAlphabet(length int, alphabet string) (*Generator, error) {
	if alphabet == "" {
		alphabet = DefaultAlphabet
	}
	if err := ValidateAlphabet(alphabet); err != nil {
		return nil, err
	}
	g := New(length)
	g.alphabet = alphabet
	return g, nil
}

// ValidateAlphabet checks that alphabet is usable as an identifier alphabet.
func ValidateAlphabet(alphabet string) error {
	seen := make(map[rune]struct{}, len(alphabet))
	for _, r := range alphabet {
		if !strings.ContainsRune(urlSafe, r) {
			return fmt.Errorf("alphabet character %q is not URL-safe", r)
		}
		if _, dup := seen[r]; dup {
			return fmt.Errorf("alphabet character %q repeated", r)
		}
		seen[r] = struct{}{}
	}
	if len(seen) < minAlphabet {
		return errors.New("alphabet needs at least 16 characters")
	}
	return nil
}

// Length returns the identifier length.
func (g *Generator) Length() int { return g.length }

// Generate returns a new identifier.
func (g *Generator) Generate(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}
	return gonanoid.Generate(g.alphabet, g.length)
}
