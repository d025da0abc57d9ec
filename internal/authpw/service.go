// Package authpw provides email/password authentication for researchers.
package authpw

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/lxke19/submission-bachelorthesis-bl-ws2526-sub000/internal/rbac"
	"github.com/lxke19/submission-bachelorthesis-bl-ws2526-sub000/internal/store"
)

var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrDeactivated        = errors.New("researcher account deactivated")
	ErrWeakPassword       = errors.New("password must be at least 8 characters")
	ErrEmailTaken         = errors.New("email already registered")
)

// ResearcherStore defines the storage interface for auth
type ResearcherStore interface {
	GetResearcherByEmail(ctx context.Context, email string) (store.Researcher, error)
	CreateResearcher(ctx context.Context, email, displayName, passwordHash, role string) (store.Researcher, error)
	CountResearchers(ctx context.Context) (int, error)
}

// Service provides email/password authentication
type Service struct {
	store ResearcherStore
	cost  int
}

// NewService creates a new auth service
func NewService(store ResearcherStore) *Service {
	return &Service{store: store, cost: bcrypt.DefaultCost}
}

// SignInRequest contains sign-in parameters
type SignInRequest struct {
	Email    string
	Password string
}

// SignIn authenticates a researcher
func (s *Service) SignIn(ctx context.Context, req SignInRequest) (store.Researcher, error) {
	if strings.TrimSpace(req.Email) == "" || req.Password == "" {
		return store.Researcher{}, ErrInvalidCredentials
	}

	researcher, err := s.store.GetResearcherByEmail(ctx, req.Email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.Researcher{}, ErrInvalidCredentials
		}
		return store.Researcher{}, fmt.Errorf("lookup researcher: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(researcher.PasswordHash), []byte(req.Password)); err != nil {
		return store.Researcher{}, ErrInvalidCredentials
	}
	if researcher.DeactivatedAt != nil {
		return store.Researcher{}, ErrDeactivated
	}
	return researcher, nil
}

// RegisterRequest contains researcher creation parameters
type RegisterRequest struct {
	Email       string
	Password    string
	DisplayName string
	Role        string
}

// Register creates a researcher account with a bcrypt password hash.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (store.Researcher, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email == "" || !strings.Contains(email, "@") {
		return store.Researcher{}, errors.New("a valid email is required")
	}
	if len(req.Password) < 8 {
		return store.Researcher{}, ErrWeakPassword
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.cost)
	if err != nil {
		return store.Researcher{}, fmt.Errorf("hash password: %w", err)
	}

	displayName := strings.TrimSpace(req.DisplayName)
	if displayName == "" {
		displayName = email
	}
	researcher, err := s.store.CreateResearcher(ctx, email, displayName, string(hash), string(rbac.Normalize(req.Role)))
	if errors.Is(err, store.ErrConflict) {
		return store.Researcher{}, ErrEmailTaken
	}
	if err != nil {
		return store.Researcher{}, fmt.Errorf("create researcher: %w", err)
	}
	return researcher, nil
}

// EnsureAdmin creates the first admin account when no researcher exists yet.
// It reports whether an account was created.
func (s *Service) EnsureAdmin(ctx context.Context, email, password string) (bool, error) {
	if strings.TrimSpace(email) == "" || password == "" {
		return false, nil
	}
	count, err := s.store.CountResearchers(ctx)
	if err != nil {
		return false, err
	}
	if count > 0 {
		return false, nil
	}
	if _, err := s.Register(ctx, RegisterRequest{Email: email, Password: password, DisplayName: "Administrator", Role: string(rbac.RoleAdmin)}); err != nil {
		if errors.Is(err, ErrEmailTaken) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
