package models

import "time"

// Event represents a named shared activity.
type Event struct {
	// ID is the generated short identifier (3 letters + 3 digits).
	ID string

	// Name is the unique, trimmed display name.
	Name EventName

	// Budget is the planned spend for the event.
	Budget Amount

	// Date is when the event takes place, if known.
	Date *time.Time

	// Participants is the ordered membership list, in join order.
	// The creator is always the first entry at creation time.
	Participants []Membership

	// CreatedBy is the identity ID of the creator.
	CreatedBy string

	// CreatedAt is the Unix timestamp when the event was created.
	CreatedAt int64
}

// Participant returns the membership for identityID, if present.
func (e *Event) Participant(identityID string) (Membership, bool) {
	for _, m := range e.Participants {
		if m.IdentityID == identityID {
			return m, true
		}
	}
	return Membership{}, false
}

// Membership is one identity's participation in an event.
// It only exists embedded in Event.Participants.
type Membership struct {
	// IdentityID references the participating identity.
	IdentityID string

	// Username is a denormalized copy of the identity's username.
	Username Username

	// Contribution is what the participant has put in so far.
	Contribution Amount

	// Willingness is the participant's declared willingness to contribute.
	// Nothing computes or mutates it yet.
	Willingness float64
}

// NewMembership builds the initial membership for a joining identity.
func NewMembership(identityID string, username Username) Membership {
	return Membership{
		IdentityID: identityID,
		Username:   username,
	}
}
