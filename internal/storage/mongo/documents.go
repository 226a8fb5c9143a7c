package mongo

import (
	"time"

	"github.com/mmynk/splitledger/internal/models"
)

type identityDoc struct {
	ID             string   `bson:"_id"`
	Username       string   `bson:"username"`
	Email          string   `bson:"email"`
	Credential     string   `bson:"credential"`
	MembershipRefs []string `bson:"membershipRefs"`
	TotalSpent     float64  `bson:"totalSpent"`
	OverallBudget  float64  `bson:"overallBudget"`
	CreatedAt      int64    `bson:"createdAt"`
}

type membershipDoc struct {
	IdentityID   string  `bson:"identityId"`
	Username     string  `bson:"username"`
	Contribution float64 `bson:"contribution"`
	Willingness  float64 `bson:"willingness"`
}

type eventDoc struct {
	ID           string          `bson:"_id"`
	Name         string          `bson:"name"`
	Budget       float64         `bson:"budget"`
	Date         *time.Time      `bson:"date,omitempty"`
	Participants []membershipDoc `bson:"participants"`
	CreatedBy    string          `bson:"createdBy"`
	CreatedAt    int64           `bson:"createdAt"`
}

type pendingOpDoc struct {
	ID         string `bson:"_id"`
	Kind       string `bson:"kind"`
	EventID    string `bson:"eventId"`
	IdentityID string `bson:"identityId"`
	Username   string `bson:"username"`
	CreatedAt  int64  `bson:"createdAt"`
}

func toIdentityDoc(i *models.Identity) identityDoc {
	refs := i.MembershipRefs
	if refs == nil {
		refs = []string{}
	}
	return identityDoc{
		ID:             i.ID,
		Username:       string(i.Username),
		Email:          string(i.Email),
		Credential:     i.CredentialHash,
		MembershipRefs: refs,
		TotalSpent:     float64(i.TotalSpent),
		OverallBudget:  float64(i.OverallBudget),
		CreatedAt:      i.CreatedAt,
	}
}

func (d identityDoc) model() *models.Identity {
	refs := d.MembershipRefs
	if refs == nil {
		refs = []string{}
	}
	return &models.Identity{
		ID:             d.ID,
		Username:       models.Username(d.Username),
		Email:          models.Email(d.Email),
		CredentialHash: d.Credential,
		MembershipRefs: refs,
		TotalSpent:     models.Amount(d.TotalSpent),
		OverallBudget:  models.Amount(d.OverallBudget),
		CreatedAt:      d.CreatedAt,
	}
}

func toMembershipDoc(m models.Membership) membershipDoc {
	return membershipDoc{
		IdentityID:   m.IdentityID,
		Username:     string(m.Username),
		Contribution: float64(m.Contribution),
		Willingness:  m.Willingness,
	}
}

func toEventDoc(e *models.Event) eventDoc {
	participants := make([]membershipDoc, len(e.Participants))
	for i, m := range e.Participants {
		participants[i] = toMembershipDoc(m)
	}
	return eventDoc{
		ID:           e.ID,
		Name:         string(e.Name),
		Budget:       float64(e.Budget),
		Date:         e.Date,
		Participants: participants,
		CreatedBy:    e.CreatedBy,
		CreatedAt:    e.CreatedAt,
	}
}

func (d eventDoc) model() *models.Event {
	participants := make([]models.Membership, len(d.Participants))
	for i, m := range d.Participants {
		participants[i] = models.Membership{
			IdentityID:   m.IdentityID,
			Username:     models.Username(m.Username),
			Contribution: models.Amount(m.Contribution),
			Willingness:  m.Willingness,
		}
	}
	var date *time.Time
	if d.Date != nil {
		t := d.Date.UTC()
		date = &t
	}
	return &models.Event{
		ID:           d.ID,
		Name:         models.EventName(d.Name),
		Budget:       models.Amount(d.Budget),
		Date:         date,
		Participants: participants,
		CreatedBy:    d.CreatedBy,
		CreatedAt:    d.CreatedAt,
	}
}

func (d pendingOpDoc) model() *models.PendingOp {
	return &models.PendingOp{
		ID:         d.ID,
		Kind:       models.PendingOpKind(d.Kind),
		EventID:    d.EventID,
		IdentityID: d.IdentityID,
		Username:   models.Username(d.Username),
		CreatedAt:  d.CreatedAt,
	}
}
