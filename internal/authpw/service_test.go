package authpw

import (
	"context"
	"errors"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/lxke19/submission-bachelorthesis-bl-ws2526-sub000/internal/store"
)

// mockResearcherStore is a mock implementation of ResearcherStore for testing
type mockResearcherStore struct {
	researchers map[string]store.Researcher // email -> researcher
}

func newMockResearcherStore() *mockResearcherStore {
	return &mockResearcherStore{researchers: make(map[string]store.Researcher)}
}

func (m *mockResearcherStore) GetResearcherByEmail(_ context.Context, email string) (store.Researcher, error) {
	if r, ok := m.researchers[email]; ok {
		return r, nil
	}
	return store.Researcher{}, store.ErrNotFound
}

func (m *mockResearcherStore) CreateResearcher(_ context.Context, email, displayName, passwordHash, role string) (store.Researcher, error) {
	if _, ok := m.researchers[email]; ok {
		return store.Researcher{}, store.ErrConflict
	}
	r := store.Researcher{ID: "res_" + email, Email: email, DisplayName: displayName, PasswordHash: passwordHash, Role: role}
	m.researchers[email] = r
	return r, nil
}

func (m *mockResearcherStore) CountResearchers(context.Context) (int, error) {
	return len(m.researchers), nil
}

func newTestService() (*Service, *mockResearcherStore) {
	st := newMockResearcherStore()
	svc := NewService(st)
	svc.cost = bcrypt.MinCost
	return svc, st
}

func TestRegisterAndSignIn(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	created, err := svc.Register(ctx, RegisterRequest{Email: " Lab@Example.org ", Password: "correct-horse", Role: "manager"})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if created.Email != "lab@example.org" || created.Role != "manager" {
		t.Fatalf("unexpected researcher: %+v", created)
	}

	got, err := svc.SignIn(ctx, SignInRequest{Email: "lab@example.org", Password: "correct-horse"})
	if err != nil {
		t.Fatalf("SignIn failed: %v", err)
	}
	if got.ID != created.ID {
		t.Fatalf("expected %s, got %s", created.ID, got.ID)
	}
}

func TestSignInRejectsWrongPassword(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	if _, err := svc.Register(ctx, RegisterRequest{Email: "a@b.c", Password: "correct-horse"}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if _, err := svc.SignIn(ctx, SignInRequest{Email: "a@b.c", Password: "wrong-horse"}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if _, err := svc.SignIn(ctx, SignInRequest{Email: "nobody@b.c", Password: "correct-horse"}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for unknown email, got %v", err)
	}
}

func TestSignInRejectsDeactivated(t *testing.T) {
	svc, st := newTestService()
	ctx := context.Background()
	r, err := svc.Register(ctx, RegisterRequest{Email: "old@b.c", Password: "correct-horse"})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	now := time.Now()
	r.DeactivatedAt = &now
	st.researchers[r.Email] = r

	if _, err := svc.SignIn(ctx, SignInRequest{Email: "old@b.c", Password: "correct-horse"}); !errors.Is(err, ErrDeactivated) {
		t.Fatalf("expected ErrDeactivated, got %v", err)
	}
}

func TestRegisterValidation(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	if _, err := svc.Register(ctx, RegisterRequest{Email: "a@b.c", Password: "short"}); !errors.Is(err, ErrWeakPassword) {
		t.Fatalf("expected ErrWeakPassword, got %v", err)
	}
	if _, err := svc.Register(ctx, RegisterRequest{Email: "a@b.c", Password: "long-enough"}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if _, err := svc.Register(ctx, RegisterRequest{Email: "a@b.c", Password: "long-enough"}); !errors.Is(err, ErrEmailTaken) {
		t.Fatalf("expected ErrEmailTaken, got %v", err)
	}
}

func TestEnsureAdminOnlyOnEmptyStore(t *testing.T) {
	svc, st := newTestService()
	ctx := context.Background()

	created, err := svc.EnsureAdmin(ctx, "admin@lab.org", "admin-password")
	if err != nil || !created {
		t.Fatalf("expected admin created, got %v %v", created, err)
	}
	if st.researchers["admin@lab.org"].Role != "admin" {
		t.Fatalf("expected admin role, got %q", st.researchers["admin@lab.org"].Role)
	}

	created, err = svc.EnsureAdmin(ctx, "second@lab.org", "admin-password")
	if err != nil || created {
		t.Fatalf("expected no second admin, got %v %v", created, err)
	}
}
