package service

import (
	"context"
	"testing"

	apperrors "github.com/mmynk/splitledger/internal/errors"
	"github.com/mmynk/splitledger/internal/models"
)

// assertConsistent checks that every participant of the event holds the
// event's ref and every identity holding the ref is a participant.
func assertConsistent(t *testing.T, env *testEnv, name string) {
	t.Helper()
	ctx := context.Background()

	event, err := env.store.GetEventByName(ctx, models.EventName(name))
	if err != nil {
		t.Fatalf("GetEventByName failed: %v", err)
	}
	for _, p := range event.Participants {
		identity, err := env.store.GetIdentityByID(ctx, p.IdentityID)
		if err != nil {
			t.Fatalf("participant %s has no identity: %v", p.IdentityID, err)
		}
		if !identity.HasMembership(event.ID) {
			t.Errorf("participant %s lacks ref to %s", p.Username, event.ID)
		}
	}

	members, err := env.store.ListIdentitiesByMembershipRef(ctx, event.ID)
	if err != nil {
		t.Fatalf("ListIdentitiesByMembershipRef failed: %v", err)
	}
	for _, identity := range members {
		if _, ok := event.Participant(identity.ID); !ok {
			t.Errorf("identity %s holds ref to %s but is not a participant", identity.Username, event.ID)
		}
	}
	if len(members) != len(event.Participants) {
		t.Errorf("expected %d ref holders, got %d", len(event.Participants), len(members))
	}
}

// setupDinner registers alice and bob and creates "Dinner" owned by alice.
func setupDinner(t *testing.T, env *testEnv) (event *models.Event, bobID string) {
	t.Helper()
	mustRegister(t, env, "a@x.com", "alice")
	bobID = mustRegister(t, env, "bob@x.com", "bob")

	event, err := env.Events.CreateEvent(context.Background(), "alice", "Dinner", 100, nil)
	if err != nil {
		t.Fatalf("CreateEvent failed: %v", err)
	}
	return event, bobID
}

func TestJoinTwice(t *testing.T) {
	env, cleanup := setupTestServices(t)
	defer cleanup()
	ctx := context.Background()

	event, bobID := setupDinner(t, env)

	for i := 0; i < 2; i++ {
		if _, err := env.Ledger.Join(ctx, "Dinner", "bob"); err != nil {
			t.Fatalf("Join #%d failed: %v", i+1, err)
		}
	}

	participants, err := env.Events.GetParticipants(ctx, "Dinner")
	if err != nil {
		t.Fatalf("GetParticipants failed: %v", err)
	}
	count := 0
	for _, p := range participants {
		if p.IdentityID == bobID {
			count++
		}
	}
	if count != 1 {
		t.Errorf("expected bob once, got %d times in %+v", count, participants)
	}

	bob, err := env.store.GetIdentityByID(ctx, bobID)
	if err != nil {
		t.Fatalf("GetIdentityByID failed: %v", err)
	}
	refs := 0
	for _, ref := range bob.MembershipRefs {
		if ref == event.ID {
			refs++
		}
	}
	if refs != 1 {
		t.Errorf("expected event ref once, got %v", bob.MembershipRefs)
	}
}

func TestJoinConcurrent(t *testing.T) {
	env, cleanup := setupTestServices(t)
	defer cleanup()

	setupDinner(t, env)

	const n = 6
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := env.Ledger.Join(context.Background(), "Dinner", "bob")
			errs <- err
		}()
	}
	for i := 0; i < n; i++ {
		if err := <-errs; err != nil {
			t.Errorf("Join failed: %v", err)
		}
	}

	participants, err := env.Events.GetParticipants(context.Background(), "Dinner")
	if err != nil {
		t.Fatalf("GetParticipants failed: %v", err)
	}
	if len(participants) != 2 {
		t.Errorf("expected 2 participants, got %+v", participants)
	}
	assertConsistent(t, env, "Dinner")
}

func TestLeave(t *testing.T) {
	env, cleanup := setupTestServices(t)
	defer cleanup()
	ctx := context.Background()

	event, bobID := setupDinner(t, env)

	if _, err := env.Ledger.Join(ctx, "Dinner", "bob"); err != nil {
		t.Fatalf("Join failed: %v", err)
	}

	left, err := env.Ledger.Leave(ctx, "Dinner", "bob")
	if err != nil {
		t.Fatalf("Leave failed: %v", err)
	}
	if _, ok := left.Participant(bobID); ok {
		t.Error("bob still listed in returned event")
	}

	bob, _ := env.store.GetIdentityByID(ctx, bobID)
	if bob.HasMembership(event.ID) {
		t.Errorf("bob still holds ref: %v", bob.MembershipRefs)
	}

	t.Run("non-member is a no-op", func(t *testing.T) {
		got, err := env.Ledger.Leave(ctx, "Dinner", "bob")
		if err != nil {
			t.Fatalf("Leave failed: %v", err)
		}
		if len(got.Participants) != 1 {
			t.Errorf("expected 1 participant, got %+v", got.Participants)
		}
	})

	t.Run("missing sides", func(t *testing.T) {
		_, err := env.Ledger.Leave(ctx, "Brunch", "bob")
		assertCode(t, err, apperrors.CodeNotFound)
		_, err = env.Ledger.Leave(ctx, "Dinner", "carol")
		assertCode(t, err, apperrors.CodeNotFound)
	})

	assertConsistent(t, env, "Dinner")
}

func TestJoinPartialFailure(t *testing.T) {
	env, cleanup := setupTestServices(t)
	defer cleanup()
	ctx := context.Background()

	event, bobID := setupDinner(t, env)

	env.faults.failAddRef.Store(true)
	_, err := env.Ledger.Join(ctx, "Dinner", "bob")
	env.faults.failAddRef.Store(false)

	assertCode(t, err, apperrors.CodePartialFailure)
	meta := apperrors.GetMetadata(err)
	if meta[apperrors.MetaEventID] != event.ID || meta[apperrors.MetaIdentityID] != bobID {
		t.Errorf("metadata: got %v", meta)
	}
	if meta[apperrors.MetaPendingOpID] == "" {
		t.Error("expected pending op id in metadata")
	}
	if n := seriesCount(t, env, "splitledger_partial_failures_total"); n != 1 {
		t.Errorf("expected 1 partial failure series, got %d", n)
	}

	ops, err := env.store.ListPendingOps(ctx, event.ID)
	if err != nil {
		t.Fatalf("ListPendingOps failed: %v", err)
	}
	if len(ops) != 1 || ops[0].Kind != models.PendingJoin {
		t.Fatalf("expected one pending join, got %+v", ops)
	}

	repairs, err := env.Ledger.Reconcile(ctx, "Dinner")
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if len(repairs) != 1 || repairs[0].Kind != RepairAddedRef || repairs[0].IdentityID != bobID {
		t.Errorf("expected added_ref for bob, got %+v", repairs)
	}
	assertConsistent(t, env, "Dinner")

	ops, _ = env.store.ListPendingOps(ctx, event.ID)
	if len(ops) != 0 {
		t.Errorf("expected journal cleared, got %+v", ops)
	}

	repairs, err = env.Ledger.Reconcile(ctx, "Dinner")
	if err != nil {
		t.Fatalf("second Reconcile failed: %v", err)
	}
	if len(repairs) != 0 {
		t.Errorf("expected no repairs on a consistent event, got %+v", repairs)
	}
}

func TestReconcile(t *testing.T) {
	tests := []struct {
		name    string
		corrupt func(t *testing.T, env *testEnv, eventID, bobID string)
		want    RepairKind
	}{
		{
			name: "ref without participant",
			corrupt: func(t *testing.T, env *testEnv, eventID, bobID string) {
				if _, err := env.store.AddMembershipRef(context.Background(), bobID, eventID); err != nil {
					t.Fatalf("AddMembershipRef failed: %v", err)
				}
			},
			want: RepairAddedParticipant,
		},
		{
			name: "participant without ref",
			corrupt: func(t *testing.T, env *testEnv, eventID, bobID string) {
				if _, err := env.store.AppendParticipant(context.Background(), eventID, models.NewMembership(bobID, "bob")); err != nil {
					t.Fatalf("AppendParticipant failed: %v", err)
				}
			},
			want: RepairAddedRef,
		},
		{
			name: "participant whose identity is gone",
			corrupt: func(t *testing.T, env *testEnv, eventID, bobID string) {
				if _, err := env.store.AppendParticipant(context.Background(), eventID, models.NewMembership("zzz999", "ghost")); err != nil {
					t.Fatalf("AppendParticipant failed: %v", err)
				}
			},
			want: RepairRemovedParticipant,
		},
		{
			name: "interrupted leave",
			corrupt: func(t *testing.T, env *testEnv, eventID, bobID string) {
				ctx := context.Background()
				if _, err := env.Ledger.Join(ctx, "Dinner", "bob"); err != nil {
					t.Fatalf("Join failed: %v", err)
				}
				op := &models.PendingOp{Kind: models.PendingLeave, EventID: eventID, IdentityID: bobID, Username: "bob"}
				if err := env.store.InsertPendingOp(ctx, op); err != nil {
					t.Fatalf("InsertPendingOp failed: %v", err)
				}
				if _, err := env.store.RemoveParticipant(ctx, eventID, bobID); err != nil {
					t.Fatalf("RemoveParticipant failed: %v", err)
				}
			},
			want: RepairRemovedRef,
		},
		{
			name: "stale participant username",
			corrupt: func(t *testing.T, env *testEnv, eventID, bobID string) {
				ctx := context.Background()
				if _, err := env.Ledger.Join(ctx, "Dinner", "bob"); err != nil {
					t.Fatalf("Join failed: %v", err)
				}
				if err := env.store.RenameParticipant(ctx, eventID, bobID, "bobby"); err != nil {
					t.Fatalf("RenameParticipant failed: %v", err)
				}
			},
			want: RepairRenamedParticipant,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, cleanup := setupTestServices(t)
			defer cleanup()

			event, bobID := setupDinner(t, env)
			tt.corrupt(t, env, event.ID, bobID)

			repairs, err := env.Ledger.Reconcile(context.Background(), "Dinner")
			if err != nil {
				t.Fatalf("Reconcile failed: %v", err)
			}
			if len(repairs) != 1 || repairs[0].Kind != tt.want {
				t.Errorf("expected one %s repair, got %+v", tt.want, repairs)
			}
			assertConsistent(t, env, "Dinner")
		})
	}
}

func TestReconcileAll(t *testing.T) {
	env, cleanup := setupTestServices(t)
	defer cleanup()
	ctx := context.Background()

	event, bobID := setupDinner(t, env)
	if _, err := env.Events.CreateEvent(ctx, "bob", "Lunch", 0, nil); err != nil {
		t.Fatalf("CreateEvent failed: %v", err)
	}
	if _, err := env.store.AddMembershipRef(ctx, bobID, event.ID); err != nil {
		t.Fatalf("AddMembershipRef failed: %v", err)
	}

	repairs, err := env.Ledger.ReconcileAll(ctx)
	if err != nil {
		t.Fatalf("ReconcileAll failed: %v", err)
	}
	if len(repairs) != 1 {
		t.Errorf("expected 1 repair, got %+v", repairs)
	}
	assertConsistent(t, env, "Dinner")
	assertConsistent(t, env, "Lunch")
}

func TestDeleteAccount(t *testing.T) {
	env, cleanup := setupTestServices(t)
	defer cleanup()
	ctx := context.Background()

	setupDinner(t, env)
	if _, err := env.Ledger.Join(ctx, "Dinner", "bob"); err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	if _, err := env.Events.CreateEvent(ctx, "bob", "Lunch", 0, nil); err != nil {
		t.Fatalf("CreateEvent failed: %v", err)
	}

	err := env.Identities.DeleteAccount(ctx, "bob", "Wrong1")
	assertCode(t, err, apperrors.CodeInvalidCredential)

	if err := env.Identities.DeleteAccount(ctx, "bob", "Abc123"); err != nil {
		t.Fatalf("DeleteAccount failed: %v", err)
	}

	_, err = env.Identities.Authenticate(ctx, "bob", "Abc123")
	assertCode(t, err, apperrors.CodeNotFound)

	dinner, err := env.Events.GetParticipants(ctx, "Dinner")
	if err != nil {
		t.Fatalf("GetParticipants failed: %v", err)
	}
	if len(dinner) != 1 || dinner[0].Username != "alice" {
		t.Errorf("expected only alice in Dinner, got %+v", dinner)
	}

	lunch, err := env.Events.GetParticipants(ctx, "Lunch")
	if err != nil {
		t.Fatalf("GetParticipants failed: %v", err)
	}
	if len(lunch) != 0 {
		t.Errorf("expected Lunch to be empty, got %+v", lunch)
	}

	assertConsistent(t, env, "Dinner")

	if _, err := env.Identities.Register(ctx, "bob@x.com", "bob", "Abc123"); err != nil {
		t.Errorf("username and email should be free again: %v", err)
	}
}

func TestJoinAfterReplayedAppend(t *testing.T) {
	env, cleanup := setupTestServices(t)
	defer cleanup()

	_, bobID := setupDinner(t, env)

	env.faults.replayAppend.Store(true)
	event, err := env.Ledger.Join(context.Background(), "Dinner", "bob")
	env.faults.replayAppend.Store(false)
	if err != nil {
		t.Fatalf("Join failed: %v", err)
	}

	if _, ok := event.Participant(bobID); !ok {
		t.Errorf("returned event is missing bob: %+v", event.Participants)
	}
	if len(event.Participants) != 2 {
		t.Errorf("expected 2 participants, got %+v", event.Participants)
	}
	assertConsistent(t, env, "Dinner")
}

func TestFinishKeepsLaterPendingOps(t *testing.T) {
	env, cleanup := setupTestServices(t)
	defer cleanup()
	ctx := context.Background()

	event, bobID := setupDinner(t, env)
	bob, err := env.store.GetIdentityByID(ctx, bobID)
	if err != nil {
		t.Fatalf("GetIdentityByID failed: %v", err)
	}

	var ops []*models.PendingOp
	for _, kind := range []models.PendingOpKind{models.PendingJoin, models.PendingLeave, models.PendingJoin} {
		op, err := env.Ledger.begin(ctx, kind, event.ID, bob)
		if err != nil {
			t.Fatalf("begin %s failed: %v", kind, err)
		}
		ops = append(ops, op)
	}
	stale, current, later := ops[0], ops[1], ops[2]

	env.Ledger.finish(ctx, current)

	remaining, err := env.store.ListPendingOps(ctx, event.ID)
	if err != nil {
		t.Fatalf("ListPendingOps failed: %v", err)
	}
	if len(remaining) != 1 || remaining[0].ID != later.ID {
		t.Fatalf("expected only %s to remain, got %+v", later.ID, remaining)
	}
	for _, op := range remaining {
		if op.ID == stale.ID {
			t.Errorf("stale op %s was not cleared", stale.ID)
		}
	}

	// finish for an op already cleared elsewhere leaves the later entry alone.
	env.Ledger.finish(ctx, current)
	remaining, err = env.store.ListPendingOps(ctx, event.ID)
	if err != nil {
		t.Fatalf("ListPendingOps failed: %v", err)
	}
	if len(remaining) != 1 {
		t.Errorf("expected later op to survive, got %+v", remaining)
	}
}
