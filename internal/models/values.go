package models

import (
	"fmt"
	"math"
	"regexp"
	"strings"

	apperrors "github.com/mmynk/splitledger/internal/errors"
)

// MinNameLength is the minimum length for usernames and event names.
const MinNameLength = 3

var emailPattern = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)

// Username is a validated account name.
type Username string

// NewUsername trims s and requires at least MinNameLength characters.
func NewUsername(s string) (Username, error) {
	s = strings.TrimSpace(s)
	if len([]rune(s)) < MinNameLength {
		return "", apperrors.WithMetadata(apperrors.CodeValidation,
			fmt.Sprintf("username must be at least %d characters", MinNameLength),
			map[string]string{apperrors.MetaField: "username"})
	}
	return Username(s), nil
}

func (u Username) String() string { return string(u) }

// Email is a validated email address.
type Email string

// NewEmail checks s against a local@domain.tld pattern.
func NewEmail(s string) (Email, error) {
	s = strings.TrimSpace(s)
	if !emailPattern.MatchString(s) {
		return "", apperrors.WithMetadata(apperrors.CodeValidation, "invalid email format",
			map[string]string{apperrors.MetaField: "email"})
	}
	return Email(s), nil
}

func (e Email) String() string { return string(e) }

// EventName is a validated, trimmed event name.
type EventName string

// NewEventName trims s and requires at least MinNameLength characters.
func NewEventName(s string) (EventName, error) {
	s = strings.TrimSpace(s)
	if len([]rune(s)) < MinNameLength {
		return "", apperrors.WithMetadata(apperrors.CodeValidation,
			fmt.Sprintf("event name must be at least %d characters", MinNameLength),
			map[string]string{apperrors.MetaField: "name"})
	}
	return EventName(s), nil
}

func (n EventName) String() string { return string(n) }

// Amount is a non-negative, finite monetary value.
type Amount float64

// NewAmount rejects negative, NaN and infinite values.
func NewAmount(v float64) (Amount, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0, apperrors.WithMetadata(apperrors.CodeValidation,
			fmt.Sprintf("amount must be a non-negative number, got %v", v),
			map[string]string{apperrors.MetaField: "amount"})
	}
	return Amount(v), nil
}

// Float64 returns the amount as a plain float.
func (a Amount) Float64() float64 { return float64(a) }
