package models

// PendingOpKind identifies which membership change a journal entry describes.
type PendingOpKind string

const (
	// PendingJoin records that identity is being added to event.
	PendingJoin PendingOpKind = "join"
	// PendingLeave records that identity is being removed from event.
	PendingLeave PendingOpKind = "leave"
)

// PendingOp is a saga journal entry written before the two writes of a
// membership change and deleted once both have been applied.
type PendingOp struct {
	// ID is the unique identifier for the entry (UUID format).
	ID string

	Kind       PendingOpKind
	EventID    string
	IdentityID string
	Username   Username

	// CreatedAt is the Unix timestamp in nanoseconds; it orders entries for
	// the same pair.
	CreatedAt int64
}
