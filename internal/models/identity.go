package models

import "slices"

// Identity represents a registered account.
type Identity struct {
	// ID is the generated short identifier (3 letters + 3 digits).
	ID string

	// Username is the unique login name.
	Username Username

	// Email is the unique email address.
	Email Email

	// CredentialHash is the one-way derived credential. The raw secret is never stored.
	CredentialHash string

	// MembershipRefs is the set of event IDs this identity has joined.
	MembershipRefs []string

	// TotalSpent is the running total of recorded spend.
	TotalSpent Amount

	// OverallBudget is the identity's personal budget.
	OverallBudget Amount

	// CreatedAt is the Unix timestamp when the account was registered.
	CreatedAt int64
}

// HasMembership reports whether eventID is in the identity's membership refs.
func (i *Identity) HasMembership(eventID string) bool {
	return slices.Contains(i.MembershipRefs, eventID)
}
