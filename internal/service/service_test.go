package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"golang.org/x/crypto/bcrypt"

	"github.com/mmynk/splitledger/internal/auth"
	apperrors "github.com/mmynk/splitledger/internal/errors"
	"github.com/mmynk/splitledger/internal/ident"
	"github.com/mmynk/splitledger/internal/metrics"
	"github.com/mmynk/splitledger/internal/models"
	"github.com/mmynk/splitledger/internal/storage"
	"github.com/mmynk/splitledger/internal/storage/sqlite"
)

// faultStore fails selected writes with storage.ErrUnavailable.
// replayAppend applies each append twice and reports the second result, as a
// retry after a committed but timed-out attempt would.
type faultStore struct {
	storage.Store
	failAddRef   atomic.Bool
	failRename   atomic.Bool
	replayAppend atomic.Bool
}

func (f *faultStore) AppendParticipant(ctx context.Context, eventID string, m models.Membership) (bool, error) {
	if f.replayAppend.Load() {
		if _, err := f.Store.AppendParticipant(ctx, eventID, m); err != nil {
			return false, err
		}
	}
	return f.Store.AppendParticipant(ctx, eventID, m)
}

func (f *faultStore) AddMembershipRef(ctx context.Context, identityID, eventID string) (bool, error) {
	if f.failAddRef.Load() {
		return false, fmt.Errorf("add membership ref: %w", storage.ErrUnavailable)
	}
	return f.Store.AddMembershipRef(ctx, identityID, eventID)
}

func (f *faultStore) RenameParticipant(ctx context.Context, eventID, identityID string, username models.Username) error {
	if f.failRename.Load() {
		return fmt.Errorf("rename participant: %w", storage.ErrUnavailable)
	}
	return f.Store.RenameParticipant(ctx, eventID, identityID, username)
}

type testEnv struct {
	*Services
	store    *sqlite.SQLiteStore
	faults   *faultStore
	registry *prometheus.Registry
}

// setupTestServices creates services over a temp sqlite database.
func setupTestServices(t *testing.T) (*testEnv, func()) {
	t.Helper()

	tempDir, err := os.MkdirTemp("", "splitledger-service-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}

	store, err := sqlite.New(filepath.Join(tempDir, "test.db"), sqlite.WithMaxOpenConns(4))
	if err != nil {
		os.RemoveAll(tempDir)
		t.Fatalf("failed to create store: %v", err)
	}

	faults := &faultStore{Store: store}
	registry := prometheus.NewRegistry()
	m := metrics.New(registry)
	services := New(faults, auth.NewPasswordDeriver(bcrypt.MinCost), ident.NewGenerator(ident.WithObserver(m)), m)

	cleanup := func() {
		store.Close()
		os.RemoveAll(tempDir)
	}

	return &testEnv{Services: services, store: store, faults: faults, registry: registry}, cleanup
}

func mustRegister(t *testing.T, env *testEnv, email, username string) string {
	t.Helper()
	id, err := env.Identities.Register(context.Background(), email, username, "Abc123")
	if err != nil {
		t.Fatalf("Register(%s) failed: %v", username, err)
	}
	return id
}

func assertCode(t *testing.T, err error, want apperrors.Code) {
	t.Helper()
	if got := apperrors.GetCode(err); got != want {
		t.Fatalf("expected %s, got %s (%v)", want, got, err)
	}
}

func seriesCount(t *testing.T, env *testEnv, name string) int {
	t.Helper()
	n, err := testutil.GatherAndCount(env.registry, name)
	if err != nil {
		t.Fatalf("gather %s: %v", name, err)
	}
	return n
}

func TestScenario(t *testing.T) {
	env, cleanup := setupTestServices(t)
	defer cleanup()
	ctx := context.Background()

	aliceID, err := env.Identities.Register(ctx, "a@x.com", "alice", "Abc123")
	if err != nil {
		t.Fatalf("Register alice failed: %v", err)
	}
	if !ident.DefaultScheme.Valid(aliceID) {
		t.Errorf("id %q does not match the identifier scheme", aliceID)
	}

	_, err = env.Identities.Register(ctx, "b@x.com", "alice", "Abc999")
	assertCode(t, err, apperrors.CodeConflict)

	event, err := env.Events.CreateEvent(ctx, "alice", "Dinner", 100, nil)
	if err != nil {
		t.Fatalf("CreateEvent failed: %v", err)
	}
	if len(event.Participants) != 1 || event.Participants[0].Username != "alice" {
		t.Fatalf("expected alice as sole participant, got %+v", event.Participants)
	}
	if event.Budget != 100 {
		t.Errorf("budget: got %v, want 100", event.Budget)
	}

	_, err = env.Ledger.Join(ctx, "Dinner", "bob")
	assertCode(t, err, apperrors.CodeNotFound)

	bobID := mustRegister(t, env, "bob@x.com", "bob")
	event, err = env.Ledger.Join(ctx, "Dinner", "bob")
	if err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	if len(event.Participants) != 2 {
		t.Fatalf("expected 2 participants, got %+v", event.Participants)
	}

	bob, err := env.store.GetIdentityByID(ctx, bobID)
	if err != nil {
		t.Fatalf("GetIdentityByID failed: %v", err)
	}
	if !bob.HasMembership(event.ID) {
		t.Errorf("bob's refs %v missing %s", bob.MembershipRefs, event.ID)
	}

	participants, err := env.Events.GetParticipants(ctx, "Dinner")
	if err != nil {
		t.Fatalf("GetParticipants failed: %v", err)
	}
	if participants[0].Username != "alice" || participants[1].Username != "bob" {
		t.Errorf("expected join order [alice bob], got %+v", participants)
	}

	ops, err := env.store.ListPendingOps(ctx, event.ID)
	if err != nil {
		t.Fatalf("ListPendingOps failed: %v", err)
	}
	if len(ops) != 0 {
		t.Errorf("expected empty journal after completed operations, got %d entries", len(ops))
	}
}

func TestRegisterValidation(t *testing.T) {
	env, cleanup := setupTestServices(t)
	defer cleanup()

	tests := []struct {
		name     string
		email    string
		username string
		password string
	}{
		{"bad email", "not-an-email", "alice", "Abc123"},
		{"short username", "a@x.com", "al", "Abc123"},
		{"short password", "a@x.com", "alice", "Ab1"},
		{"no uppercase", "a@x.com", "alice", "abc123"},
		{"no digit", "a@x.com", "alice", "Abcdef"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.Identities.Register(context.Background(), tt.email, tt.username, tt.password)
			assertCode(t, err, apperrors.CodeValidation)
		})
	}
}

func TestRegisterConcurrentSameUsername(t *testing.T) {
	env, cleanup := setupTestServices(t)
	defer cleanup()

	const n = 8
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			_, err := env.Identities.Register(context.Background(), fmt.Sprintf("user%d@x.com", i), "alice", "Abc123")
			errs <- err
		}(i)
	}

	var ok, conflicts int
	for i := 0; i < n; i++ {
		err := <-errs
		switch {
		case err == nil:
			ok++
		case apperrors.IsCode(err, apperrors.CodeConflict):
			conflicts++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if ok != 1 || conflicts != n-1 {
		t.Errorf("expected 1 success and %d conflicts, got %d and %d", n-1, ok, conflicts)
	}
}

func TestAuthenticate(t *testing.T) {
	env, cleanup := setupTestServices(t)
	defer cleanup()
	ctx := context.Background()

	id := mustRegister(t, env, "a@x.com", "alice")

	stored, err := env.store.GetIdentityByID(ctx, id)
	if err != nil {
		t.Fatalf("GetIdentityByID failed: %v", err)
	}
	if stored.CredentialHash == "Abc123" {
		t.Error("raw credential was stored")
	}

	identity, err := env.Identities.Authenticate(ctx, "alice", "Abc123")
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if identity.ID != id {
		t.Errorf("ID: got %s, want %s", identity.ID, id)
	}

	_, err = env.Identities.Authenticate(ctx, "alice", "Abc124")
	assertCode(t, err, apperrors.CodeInvalidCredential)

	_, err = env.Identities.Authenticate(ctx, "nobody", "Abc123")
	assertCode(t, err, apperrors.CodeNotFound)
}

func TestUpdateProfile(t *testing.T) {
	env, cleanup := setupTestServices(t)
	defer cleanup()
	ctx := context.Background()

	aliceID := mustRegister(t, env, "a@x.com", "alice")
	mustRegister(t, env, "b@x.com", "bob")

	t.Run("email conflict", func(t *testing.T) {
		err := env.Identities.UpdateEmail(ctx, "alice", "b@x.com")
		assertCode(t, err, apperrors.CodeConflict)
	})

	t.Run("own email is not a conflict", func(t *testing.T) {
		if err := env.Identities.UpdateEmail(ctx, "alice", "a@x.com"); err != nil {
			t.Fatalf("UpdateEmail failed: %v", err)
		}
	})

	t.Run("email", func(t *testing.T) {
		if err := env.Identities.UpdateEmail(ctx, "alice", "alice@y.org"); err != nil {
			t.Fatalf("UpdateEmail failed: %v", err)
		}
		identity, _ := env.store.GetIdentityByID(ctx, aliceID)
		if identity.Email != "alice@y.org" {
			t.Errorf("email: got %s", identity.Email)
		}
	})

	t.Run("username conflict", func(t *testing.T) {
		err := env.Identities.UpdateUsername(ctx, "alice", "bob")
		assertCode(t, err, apperrors.CodeConflict)
	})

	t.Run("username cascades to events", func(t *testing.T) {
		if _, err := env.Events.CreateEvent(ctx, "alice", "Dinner", 0, nil); err != nil {
			t.Fatalf("CreateEvent failed: %v", err)
		}
		if err := env.Identities.UpdateUsername(ctx, "alice", "alicia"); err != nil {
			t.Fatalf("UpdateUsername failed: %v", err)
		}
		participants, err := env.Events.GetParticipants(ctx, "Dinner")
		if err != nil {
			t.Fatalf("GetParticipants failed: %v", err)
		}
		if participants[0].Username != "alicia" {
			t.Errorf("participant username: got %s, want alicia", participants[0].Username)
		}
	})

	participantName := func(t *testing.T) models.Username {
		t.Helper()
		participants, err := env.Events.GetParticipants(ctx, "Dinner")
		if err != nil {
			t.Fatalf("GetParticipants failed: %v", err)
		}
		return participants[0].Username
	}

	t.Run("username cascade failure is reconciled", func(t *testing.T) {
		env.faults.failRename.Store(true)
		err := env.Identities.UpdateUsername(ctx, "alicia", "alison")
		env.faults.failRename.Store(false)

		assertCode(t, err, apperrors.CodePartialFailure)
		if meta := apperrors.GetMetadata(err); meta[apperrors.MetaIdentityID] != aliceID {
			t.Errorf("metadata: got %v", meta)
		}
		if got := participantName(t); got != "alicia" {
			t.Fatalf("participant username before reconcile: got %s, want alicia", got)
		}

		repairs, err := env.Ledger.Reconcile(ctx, "Dinner")
		if err != nil {
			t.Fatalf("Reconcile failed: %v", err)
		}
		if len(repairs) != 1 || repairs[0].Kind != RepairRenamedParticipant {
			t.Errorf("expected one renamed_participant repair, got %+v", repairs)
		}
		if got := participantName(t); got != "alison" {
			t.Errorf("participant username after reconcile: got %s, want alison", got)
		}
	})

	t.Run("username cascade failure is completed by retry", func(t *testing.T) {
		env.faults.failRename.Store(true)
		err := env.Identities.UpdateUsername(ctx, "alison", "alyssa")
		env.faults.failRename.Store(false)
		assertCode(t, err, apperrors.CodePartialFailure)

		if err := env.Identities.UpdateUsername(ctx, "alyssa", "alyssa"); err != nil {
			t.Fatalf("UpdateUsername retry failed: %v", err)
		}
		if got := participantName(t); got != "alyssa" {
			t.Errorf("participant username after retry: got %s, want alyssa", got)
		}
	})

	t.Run("credential", func(t *testing.T) {
		err := env.Identities.UpdateCredential(ctx, "bob", "weak")
		assertCode(t, err, apperrors.CodeValidation)

		if err := env.Identities.UpdateCredential(ctx, "bob", "Xyz789"); err != nil {
			t.Fatalf("UpdateCredential failed: %v", err)
		}
		if _, err := env.Identities.Authenticate(ctx, "bob", "Xyz789"); err != nil {
			t.Errorf("Authenticate with new credential failed: %v", err)
		}
		_, err = env.Identities.Authenticate(ctx, "bob", "Abc123")
		assertCode(t, err, apperrors.CodeInvalidCredential)
	})
}

func TestCreateEvent(t *testing.T) {
	env, cleanup := setupTestServices(t)
	defer cleanup()
	ctx := context.Background()

	mustRegister(t, env, "a@x.com", "alice")

	t.Run("trims name", func(t *testing.T) {
		event, err := env.Events.CreateEvent(ctx, "alice", "  Picnic  ", 0, nil)
		if err != nil {
			t.Fatalf("CreateEvent failed: %v", err)
		}
		if event.Name != "Picnic" {
			t.Errorf("name: got %q, want Picnic", event.Name)
		}
	})

	t.Run("duplicate name", func(t *testing.T) {
		_, err := env.Events.CreateEvent(ctx, "alice", "Picnic", 0, nil)
		assertCode(t, err, apperrors.CodeConflict)
	})

	t.Run("validation", func(t *testing.T) {
		_, err := env.Events.CreateEvent(ctx, "alice", "ab", 0, nil)
		assertCode(t, err, apperrors.CodeValidation)
		_, err = env.Events.CreateEvent(ctx, "alice", "Lunch", -1, nil)
		assertCode(t, err, apperrors.CodeValidation)
	})

	t.Run("unknown creator", func(t *testing.T) {
		_, err := env.Events.CreateEvent(ctx, "nobody", "Lunch", 0, nil)
		assertCode(t, err, apperrors.CodeNotFound)
	})

	t.Run("unknown event", func(t *testing.T) {
		_, err := env.Events.GetEvent(ctx, "Brunch")
		assertCode(t, err, apperrors.CodeNotFound)
	})

	t.Run("partial failure is reconcilable", func(t *testing.T) {
		env.faults.failAddRef.Store(true)
		_, err := env.Events.CreateEvent(ctx, "alice", "Lunch", 20, nil)
		env.faults.failAddRef.Store(false)

		assertCode(t, err, apperrors.CodePartialFailure)
		meta := apperrors.GetMetadata(err)
		if meta[apperrors.MetaOperation] != "create_event" || meta[apperrors.MetaPendingOpID] == "" {
			t.Fatalf("metadata: got %v", meta)
		}

		repairs, err := env.Ledger.Reconcile(ctx, "Lunch")
		if err != nil {
			t.Fatalf("Reconcile failed: %v", err)
		}
		if len(repairs) != 1 || repairs[0].Kind != RepairAddedRef {
			t.Errorf("expected one added_ref repair, got %+v", repairs)
		}
		assertConsistent(t, env, "Lunch")
	})

	names, err := env.Events.ListEvents(ctx)
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	if len(names) != 2 {
		t.Errorf("expected 2 events, got %v", names)
	}
}
