// Package auth registers users, issues bearer tokens and guards handlers
// that need an authenticated caller.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/felipepmaragno/token-gateway/internal/domain"
	"github.com/felipepmaragno/token-gateway/internal/repository"
	"github.com/google/uuid"
)

type Service struct {
	users  repository.UserRepository
	tokens *TokenIssuer
}

func NewService(users repository.UserRepository, tokens *TokenIssuer) *Service {
	return &Service{users: users, tokens: tokens}
}

type RegisterInput struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

// Register creates an active user with a zero balance.
func (s *Service) Register(ctx context.Context, in RegisterInput) (*domain.User, error) {
	return s.create(ctx, in, false)
}

func (s *Service) create(ctx context.Context, in RegisterInput, superuser bool) (*domain.User, error) {
	email := domain.NormalizeEmail(in.Email)
	if email == "" {
		return nil, fmt.Errorf("%w: email is required", domain.ErrInvalidRequest)
	}
	if !strings.Contains(email, "@") {
		return nil, fmt.Errorf("%w: email is invalid", domain.ErrInvalidRequest)
	}
	if len(in.Password) < MinPasswordLength {
		return nil, fmt.Errorf("%w: password must be at least %d characters", domain.ErrInvalidRequest, MinPasswordLength)
	}

	hash, err := HashPassword(in.Password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	user := &domain.User{
		ID:           uuid.NewString(),
		Email:        email,
		Name:         strings.TrimSpace(in.Name),
		PasswordHash: hash,
		IsSuperuser:  superuser,
		IsActive:     true,
		CreatedAt:    time.Now().UTC().Truncate(time.Second),
	}

	if err := s.users.Create(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

type Token struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Login checks the credentials and issues a token. Unknown email, wrong
// password and inactive account are indistinguishable to the caller.
func (s *Service) Login(ctx context.Context, email, password string) (*Token, error) {
	user, err := s.users.GetByEmail(ctx, domain.NormalizeEmail(email))
	if errors.Is(err, domain.ErrUserNotFound) {
		return nil, domain.ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}

	if !user.IsActive || !CheckPassword(user.PasswordHash, password) {
		return nil, domain.ErrInvalidCredentials
	}

	signed, expiresAt, err := s.tokens.Issue(user)
	if err != nil {
		return nil, err
	}
	return &Token{Token: signed, ExpiresAt: expiresAt}, nil
}

// Authenticate resolves a bearer token to an active user.
func (s *Service) Authenticate(ctx context.Context, token string) (*domain.User, error) {
	claims, err := s.tokens.Parse(token)
	if err != nil {
		return nil, err
	}

	user, err := s.users.GetByID(ctx, claims.Subject)
	if errors.Is(err, domain.ErrUserNotFound) {
		return nil, domain.ErrAuthenticationRequired
	}
	if err != nil {
		return nil, err
	}
	if !user.IsActive {
		return nil, domain.ErrAuthenticationRequired
	}
	return user, nil
}

// EnsureSuperuser creates the bootstrap superuser if no user holds email.
// An existing account is left untouched.
func (s *Service) EnsureSuperuser(ctx context.Context, email, password string) (*domain.User, error) {
	existing, err := s.users.GetByEmail(ctx, domain.NormalizeEmail(email))
	if err == nil {
		if !existing.IsSuperuser {
			slog.WarnContext(ctx, "bootstrap admin email belongs to a regular user", "user_id", existing.ID)
		}
		return existing, nil
	}
	if !errors.Is(err, domain.ErrUserNotFound) {
		return nil, err
	}

	user, err := s.create(ctx, RegisterInput{Email: email, Password: password, Name: "admin"}, true)
	if err != nil {
		return nil, err
	}

	slog.InfoContext(ctx, "bootstrap superuser created", "user_id", user.ID, "email", user.Email)
	return user, nil
}
