//go:generate go run go.uber.org/mock/mockgen -source=channel.go -destination=../mocks/mock_channel_repository.go -package=mocks
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

type IChannelRepository interface {
	Create(ctx context.Context, channel *domain.Channel) error
	List(ctx context.Context) ([]domain.Channel, error)
	FindByID(ctx context.Context, id uuid.UUID) (domain.Channel, error)
	FindByName(ctx context.Context, name string) (domain.Channel, error)
}

type ChannelRepository struct {
	db *gorm.DB
}

func NewChannelRepository(db *gorm.DB) ChannelRepository {
	return ChannelRepository{db: db}
}

func (r ChannelRepository) Create(ctx context.Context, channel *domain.Channel) error {
	if channel.ID == uuid.Nil {
		channel.ID = uuid.New()
	}
	if channel.CreatedAt.IsZero() {
		channel.CreatedAt = time.Now().UTC()
	}
	if err := r.db.WithContext(ctx).Create(channel).Error; err != nil {
		return fmt.Errorf("create channel %q: %w", channel.Name, err)
	}
	return nil
}

// List returns every channel, oldest first.
func (r ChannelRepository) List(ctx context.Context) ([]domain.Channel, error) {
	var channels []domain.Channel
	err := r.db.WithContext(ctx).Order("created_at asc").Find(&channels).Error
	return channels, err
}

func (r ChannelRepository) FindByID(ctx context.Context, id uuid.UUID) (domain.Channel, error) {
	var channel domain.Channel
	err := r.db.WithContext(ctx).First(&channel, "id = ?", id).Error
	if err == gorm.ErrRecordNotFound {
		return domain.Channel{}, fmt.Errorf("%w: channel %s", apperrors.ErrNotFound, id)
	}
	return channel, err
}

func (r ChannelRepository) FindByName(ctx context.Context, name string) (domain.Channel, error) {
	var channel domain.Channel
	err := r.db.WithContext(ctx).First(&channel, "name = ?", name).Error
	if err == gorm.ErrRecordNotFound {
		return domain.Channel{}, fmt.Errorf("%w: channel %q", apperrors.ErrNotFound, name)
	}
	return channel, err
}
