// Package ident generates short identifiers for events and identities.
//
// An identifier is a fixed number of case-sensitive letters followed by a fixed
// number of digits ("aBc123" with the default scheme). Generation is retried
// against a caller-supplied existence check until a free token is found, and
// fails with a resource-exhausted error once the attempt bound is reached.
package ident

import (
	"context"
	crand "crypto/rand"
	"fmt"
	"math/big"
	"strings"

	apperrors "github.com/mmynk/splitledger/internal/errors"
)

const (
	// Letters is the default letter alphabet.
	Letters = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
	// Digits is the default digit alphabet.
	Digits = "0123456789"

	// DefaultMaxAttempts bounds random draws before giving up.
	DefaultMaxAttempts = 64
)

// Checker reports whether a token is already taken.
type Checker func(ctx context.Context, token string) (bool, error)

// Scheme describes the shape of generated tokens.
type Scheme struct {
	Letters     string
	Digits      string
	LetterCount int
	DigitCount  int
}

// DefaultScheme produces 3 letters followed by 3 digits.
var DefaultScheme = Scheme{
	Letters:     Letters,
	Digits:      Digits,
	LetterCount: 3,
	DigitCount:  3,
}

// Size returns the number of distinct tokens the scheme can produce.
func (s Scheme) Size() *big.Int {
	size := big.NewInt(1)
	for range s.LetterCount {
		size.Mul(size, big.NewInt(int64(len(s.Letters))))
	}
	for range s.DigitCount {
		size.Mul(size, big.NewInt(int64(len(s.Digits))))
	}
	return size
}

// token renders the n-th token of the scheme, with 0 <= n < Size().
func (s Scheme) token(n *big.Int) string {
	var b strings.Builder
	b.Grow(s.LetterCount + s.DigitCount)

	rest := new(big.Int).Set(n)
	digits := make([]byte, s.DigitCount)
	for i := s.DigitCount - 1; i >= 0; i-- {
		var m big.Int
		rest.DivMod(rest, big.NewInt(int64(len(s.Digits))), &m)
		digits[i] = s.Digits[m.Int64()]
	}
	letters := make([]byte, s.LetterCount)
	for i := s.LetterCount - 1; i >= 0; i-- {
		var m big.Int
		rest.DivMod(rest, big.NewInt(int64(len(s.Letters))), &m)
		letters[i] = s.Letters[m.Int64()]
	}

	b.Write(letters)
	b.Write(digits)
	return b.String()
}

// Valid reports whether tok has the scheme's shape.
func (s Scheme) Valid(tok string) bool {
	if len(tok) != s.LetterCount+s.DigitCount {
		return false
	}
	for i := range tok {
		set := s.Digits
		if i < s.LetterCount {
			set = s.Letters
		}
		if !strings.ContainsRune(set, rune(tok[i])) {
			return false
		}
	}
	return true
}

// AttemptObserver is notified of every candidate tested.
type AttemptObserver interface {
	ObserveIDAttempt()
}

// Generator produces tokens that are free according to a Checker.
type Generator struct {
	scheme      Scheme
	maxAttempts int
	observer    AttemptObserver
}

// Option configures a Generator.
type Option func(*Generator)

// WithScheme overrides DefaultScheme.
func WithScheme(s Scheme) Option {
	return func(g *Generator) { g.scheme = s }
}

// WithMaxAttempts overrides DefaultMaxAttempts.
func WithMaxAttempts(n int) Option {
	return func(g *Generator) {
		if n > 0 {
			g.maxAttempts = n
		}
	}
}

// WithObserver registers an observer for attempt counts.
func WithObserver(o AttemptObserver) Option {
	return func(g *Generator) { g.observer = o }
}

// NewGenerator creates a generator with the default scheme and attempt bound.
func NewGenerator(opts ...Option) *Generator {
	g := &Generator{
		scheme:      DefaultScheme,
		maxAttempts: DefaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Scheme returns the generator's token scheme.
func (g *Generator) Scheme() Scheme {
	return g.scheme
}

// Generate returns a token for which exists reports false.
//
// When the whole token space fits within the attempt bound, every token is
// tried once in random order, so a free token is always found if one exists.
// Otherwise up to maxAttempts random tokens are drawn.
func (g *Generator) Generate(ctx context.Context, exists Checker) (string, error) {
	size := g.scheme.Size()
	if size.Sign() == 0 {
		return "", apperrors.New(apperrors.CodeResourceExhausted, "identifier scheme is empty")
	}

	if size.IsInt64() && size.Int64() <= int64(g.maxAttempts) {
		return g.exhaustive(ctx, size.Int64(), exists)
	}

	for range g.maxAttempts {
		n, err := crand.Int(crand.Reader, size)
		if err != nil {
			return "", apperrors.Wrap(apperrors.CodeInternal, "read random identifier", err)
		}
		tok, ok, err := g.try(ctx, g.scheme.token(n), exists)
		if err != nil {
			return "", err
		}
		if ok {
			return tok, nil
		}
	}

	return "", apperrors.New(apperrors.CodeResourceExhausted,
		fmt.Sprintf("no free identifier after %d attempts", g.maxAttempts))
}

func (g *Generator) exhaustive(ctx context.Context, size int64, exists Checker) (string, error) {
	order := make([]int64, size)
	for i := range order {
		order[i] = int64(i)
	}
	// Fisher-Yates with crypto/rand.
	for i := len(order) - 1; i > 0; i-- {
		j, err := crand.Int(crand.Reader, big.NewInt(int64(i+1)))
		if err != nil {
			return "", apperrors.Wrap(apperrors.CodeInternal, "read random identifier", err)
		}
		order[i], order[j.Int64()] = order[j.Int64()], order[i]
	}

	for _, n := range order {
		tok, ok, err := g.try(ctx, g.scheme.token(big.NewInt(n)), exists)
		if err != nil {
			return "", err
		}
		if ok {
			return tok, nil
		}
	}

	return "", apperrors.New(apperrors.CodeResourceExhausted,
		fmt.Sprintf("all %d identifiers are taken", size))
}

func (g *Generator) try(ctx context.Context, tok string, exists Checker) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, apperrors.Wrap(apperrors.CodeUnavailable, "identifier generation cancelled", err)
	}
	if g.observer != nil {
		g.observer.ObserveIDAttempt()
	}
	taken, err := exists(ctx, tok)
	if err != nil {
		if apperrors.GetCode(err) != apperrors.CodeUnknown {
			return "", false, err
		}
		return "", false, apperrors.Wrap(apperrors.CodeUnavailable, "check identifier", err)
	}
	return tok, !taken, nil
}
