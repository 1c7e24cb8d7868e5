//go:generate go run go.uber.org/mock/mockgen -source=user.go -destination=../mocks/mock_user_repository.go -package=mocks
package repositories

import (
	"chat-relay/domain"
	apperrors "chat-relay/errors"
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type IUserRepository interface {
	Create(ctx context.Context, user *domain.User) error
	FindByID(ctx context.Context, id uuid.UUID) (domain.User, error)
	FindByExternalID(ctx context.Context, externalID string) (domain.User, error)
	FindByUsername(ctx context.Context, username string) (domain.User, error)
	TouchLastSeen(ctx context.Context, id uuid.UUID) error
	SetStatus(ctx context.Context, id uuid.UUID, status string) error
	MarkInactiveSince(ctx context.Context, cutoff time.Time) (int64, error)
}

type UserRepository struct {
	db *gorm.DB
}

func NewUserRepository(db *gorm.DB) UserRepository {
	return UserRepository{db: db}
}

func (r UserRepository) Create(ctx context.Context, user *domain.User) error {
	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}
	if user.LastSeenAt.IsZero() {
		user.LastSeenAt = time.Now().UTC()
	}
	return r.db.WithContext(ctx).Create(user).Error
}

func (r UserRepository) FindByID(ctx context.Context, id uuid.UUID) (domain.User, error) {
	var user domain.User
	err := r.db.WithContext(ctx).First(&user, "id = ?", id).Error
	return user, notFoundOr(err, "user %s", id)
}

func (r UserRepository) FindByExternalID(ctx context.Context, externalID string) (domain.User, error) {
	var user domain.User
	err := r.db.WithContext(ctx).First(&user, "external_id = ?", externalID).Error
	return user, notFoundOr(err, "external identity %s", externalID)
}

func (r UserRepository) FindByUsername(ctx context.Context, username string) (domain.User, error) {
	var user domain.User
	err := r.db.WithContext(ctx).First(&user, "username = ?", username).Error
	return user, notFoundOr(err, "username %s", username)
}

func (r UserRepository) TouchLastSeen(ctx context.Context, id uuid.UUID) error {
	return r.db.WithContext(ctx).
		Model(&domain.User{}).
		Where("id = ?", id).
		Updates(map[string]any{"last_seen_at": time.Now().UTC(), "status": domain.StatusOnline}).Error
}

func (r UserRepository) SetStatus(ctx context.Context, id uuid.UUID, status string) error {
	return r.db.WithContext(ctx).
		Model(&domain.User{}).
		Where("id = ?", id).
		Update("status", status).Error
}

// MarkInactiveSince flips still-online users who have not been seen
// since cutoff to inactive, reporting how many changed. Idempotent:
// a second run with the same cutoff matches nothing.
func (r UserRepository) MarkInactiveSince(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&domain.User{}).
		Where("last_seen_at < ? AND status = ?", cutoff, domain.StatusOnline).
		Update("status", domain.StatusInactive)
	return result.RowsAffected, result.Error
}

func notFoundOr(err error, format string, args ...any) error {
	if err == gorm.ErrRecordNotFound {
		return fmt.Errorf("%w: %s", apperrors.ErrNotFound, fmt.Sprintf(format, args...))
	}
	return err
}
