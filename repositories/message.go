//go:generate go run go.uber.org/mock/mockgen -source=message.go -destination=../mocks/mock_message_repository.go -package=mocks
package repositories

import (
	"chat-relay/domain"
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type IMessageRepository interface {
	Create(ctx context.Context, message *domain.Message) error
	ListByChannel(ctx context.Context, channelID uuid.UUID, limit int) ([]domain.Message, error)
	CountOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

type MessageRepository struct {
	db *gorm.DB
}

func NewMessageRepository(db *gorm.DB) MessageRepository {
	return MessageRepository{db: db}
}

func (r MessageRepository) Create(ctx context.Context, message *domain.Message) error {
	if message.ID == uuid.Nil {
		message.ID = uuid.New()
	}
	if message.CreatedAt.IsZero() {
		message.CreatedAt = time.Now().UTC()
	}
	if err := r.db.WithContext(ctx).Create(message).Error; err != nil {
		return fmt.Errorf("create message in channel %s: %w", message.ChannelID, err)
	}
	// Reload with the author attached so broadcast and cache carry the
	// same canonical shape as a page read.
	return r.db.WithContext(ctx).Preload("User").First(message, "id = ?", message.ID).Error
}

// ListByChannel returns the latest limit messages, newest first.
// Callers that need chronological order reverse the page themselves.
func (r MessageRepository) ListByChannel(ctx context.Context, channelID uuid.UUID, limit int) ([]domain.Message, error) {
	var messages []domain.Message
	err := r.db.WithContext(ctx).
		Preload("User").
		Where("channel_id = ?", channelID).
		Order("created_at desc").
		Limit(limit).
		Find(&messages).Error
	return messages, err
}

func (r MessageRepository) CountOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&domain.Message{}).
		Where("created_at < ?", cutoff).
		Count(&count).Error
	return count, err
}

// DeleteOlderThan removes messages older than cutoff and reports how
// many went away. Re-running with the same cutoff is a no-op.
func (r MessageRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Delete(&domain.Message{})
	return result.RowsAffected, result.Error
}
