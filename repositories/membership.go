package repositories

import (
	"chat-relay/domain"
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type IMembershipRepository interface {
	Add(ctx context.Context, channelID, userID uuid.UUID) error
	ListUserIDs(ctx context.Context, channelID uuid.UUID) ([]uuid.UUID, error)
}

type MembershipRepository struct {
	db *gorm.DB
}

func NewMembershipRepository(db *gorm.DB) MembershipRepository {
	return MembershipRepository{db: db}
}

// Add is idempotent: joining a channel twice leaves a single row.
func (r MembershipRepository) Add(ctx context.Context, channelID, userID uuid.UUID) error {
	membership := domain.Membership{
		ChannelID: channelID,
		UserID:    userID,
		CreatedAt: time.Now().UTC(),
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&membership).Error
}

func (r MembershipRepository) ListUserIDs(ctx context.Context, channelID uuid.UUID) ([]uuid.UUID, error) {
	var memberships []domain.Membership
	err := r.db.WithContext(ctx).
		Where("channel_id = ?", channelID).
		Find(&memberships).Error
	if err != nil {
		return nil, err
	}
	return lo.Map(memberships, func(m domain.Membership, _ int) uuid.UUID {
		return m.UserID
	}), nil
}
