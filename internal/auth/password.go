package auth

import (
	"errors"
	"fmt"
	"unicode"

	"golang.org/x/crypto/bcrypt"

	apperrors "github.com/mmynk/splitledger/internal/errors"
)

// MinPasswordLength is the minimum accepted password length.
const MinPasswordLength = 6

var (
	ErrCredentialMismatch = errors.New("credential does not match")
	ErrWeakPassword       = apperrors.WithMetadata(apperrors.CodeValidation,
		fmt.Sprintf("password must be at least %d characters and contain upper/lowercase letters and a number", MinPasswordLength),
		map[string]string{apperrors.MetaField: "password"})
)

// PasswordDeriver implements CredentialDeriver using bcrypt.
// bcrypt compares derived values in constant time.
type PasswordDeriver struct {
	cost int
}

// NewPasswordDeriver creates a bcrypt deriver. A cost outside bcrypt's
// accepted range falls back to bcrypt.DefaultCost.
func NewPasswordDeriver(cost int) *PasswordDeriver {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &PasswordDeriver{cost: cost}
}

// ValidateCredential requires MinPasswordLength characters with at least one
// uppercase letter, one lowercase letter and one digit.
func (d *PasswordDeriver) ValidateCredential(secret string) error {
	if len([]rune(secret)) < MinPasswordLength {
		return ErrWeakPassword
	}
	var upper, lower, digit bool
	for _, r := range secret {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		}
	}
	if !upper || !lower || !digit {
		return ErrWeakPassword
	}
	return nil
}

// Derive hashes the secret.
func (d *PasswordDeriver) Derive(secret string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(secret), d.cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hashed), nil
}

// Verify compares the secret with a stored bcrypt hash.
func (d *PasswordDeriver) Verify(stored, secret string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(stored), []byte(secret)); err != nil {
		return ErrCredentialMismatch
	}
	return nil
}
