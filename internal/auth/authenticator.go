// Package auth defines the credential contract used by the identity service.
package auth

// CredentialDeriver defines the interface for credential implementations.
// This abstraction allows swapping the derivation algorithm without changing
// the service layer code. Implementations must be one-way: the stored value
// can verify a secret but never reveal it.
type CredentialDeriver interface {
	// ValidateCredential checks if the secret meets the implementation's
	// strength requirements.
	ValidateCredential(secret string) error

	// Derive returns the value to persist for secret.
	Derive(secret string) (string, error)

	// Verify recomputes the derivation for secret and compares it with the
	// stored value. Returns ErrCredentialMismatch on mismatch.
	Verify(stored, secret string) error
}
