// Package models defines the core domain models for the membership ledger.
//
// # Models
//
//   - Identity: a registered account with credential and numeric aggregates
//   - Event: a named shared activity with a budget and an ordered participant list
//   - Membership: one identity's participation in one event (embedded in Event)
//   - PendingOp: a saga journal entry for a two-write membership change
//
// # Value constructors
//
// Usernames, emails, event names and amounts are distinct string/float types
// built through NewUsername, NewEmail, NewEventName and NewAmount. The
// constructors reject malformed input with a validation error, so values held
// by Identity and Event have already been checked.
//
// # Relationships
//
// Identities and events are stored independently and reference each other by
// ID: Identity.MembershipRefs lists event IDs and Event.Participants holds the
// identity ID and a denormalized username. The two sides describe a single
// relation and are kept consistent by the ledger service.
package models
