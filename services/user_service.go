//go:generate go run go.uber.org/mock/mockgen -source=user_service.go -destination=../mocks/mock_user_service.go -package=mocks
package services

import (
	"chat-relay/domain"
	apperrors "chat-relay/errors"
	"chat-relay/identity"
	"chat-relay/repositories"
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/google/uuid"
)

type IUserService interface {
	Provision(ctx context.Context, providerUser identity.ProviderUser) (domain.User, error)
	FindByExternalID(ctx context.Context, externalID string) (domain.User, error)
	MarkOnline(ctx context.Context, id uuid.UUID) error
	MarkOffline(ctx context.Context, id uuid.UUID) error
}

// UserService owns the mapping between provider identities and local
// users, plus the presence transitions driven by the realtime edge.
type UserService struct {
	users repositories.IUserRepository
	log   *slog.Logger
}

func NewUserService(users repositories.IUserRepository, log *slog.Logger) *UserService {
	return &UserService{users: users, log: log}
}

// Provision finds the local user for a provider identity, creating it
// on first login. The username is derived from the email local part.
func (s *UserService) Provision(ctx context.Context, providerUser identity.ProviderUser) (domain.User, error) {
	user, err := s.users.FindByExternalID(ctx, providerUser.ID)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, apperrors.ErrNotFound) {
		return domain.User{}, err
	}

	user = domain.User{
		Username:    usernameFromEmail(providerUser.Email),
		DisplayName: strings.TrimSpace(providerUser.FirstName + " " + providerUser.LastName),
		ExternalID:  providerUser.ID,
	}
	if err := s.users.Create(ctx, &user); err != nil {
		return domain.User{}, err
	}
	s.log.Info("Provisioned local user", "username", user.Username)
	return user, nil
}

func (s *UserService) FindByExternalID(ctx context.Context, externalID string) (domain.User, error) {
	return s.users.FindByExternalID(ctx, externalID)
}

// MarkOnline refreshes last-seen and flips the status, so the
// inactive-user cleanup never reaps a connected user.
func (s *UserService) MarkOnline(ctx context.Context, id uuid.UUID) error {
	return s.users.TouchLastSeen(ctx, id)
}

func (s *UserService) MarkOffline(ctx context.Context, id uuid.UUID) error {
	return s.users.SetStatus(ctx, id, domain.StatusOffline)
}

func usernameFromEmail(email string) string {
	local, _, _ := strings.Cut(email, "@")
	return strings.ToLower(local)
}
