//go:generate go run go.uber.org/mock/mockgen -source=channel_service.go -destination=../mocks/mock_channel_service.go -package=mocks
package services

import (
	"chat-relay/cache"
	"chat-relay/domain"
	apperrors "chat-relay/errors"
	"chat-relay/repositories"
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

type IChannelService interface {
	Create(ctx context.Context, input domain.CreateChannelInput, createdBy uuid.UUID) (domain.Channel, error)
	List(ctx context.Context) ([]domain.Channel, bool, error)
	FindByID(ctx context.Context, id uuid.UUID) (domain.Channel, error)
	Join(ctx context.Context, channelID, userID uuid.UUID) error
}

type ChannelService struct {
	channels    repositories.IChannelRepository
	memberships repositories.IMembershipRepository
	store       *cache.Store
	log         *slog.Logger
}

func NewChannelService(channels repositories.IChannelRepository, memberships repositories.IMembershipRepository,
	store *cache.Store, log *slog.Logger) *ChannelService {
	return &ChannelService{channels: channels, memberships: memberships, store: store, log: log}
}

// Create persists the channel and invalidates the collection cache
// before returning. An invalidation failure is returned wrapped in
// ErrCacheInvalidation together with the created channel: the write
// happened, callers must treat it as a degraded success.
func (s *ChannelService) Create(ctx context.Context, input domain.CreateChannelInput, createdBy uuid.UUID) (domain.Channel, error) {
	if err := input.Validate(); err != nil {
		return domain.Channel{}, fmt.Errorf("%w: %v", apperrors.ErrValidation, err)
	}
	if _, err := s.channels.FindByName(ctx, input.Name); err == nil {
		return domain.Channel{}, fmt.Errorf("%w: channel %q already exists", apperrors.ErrValidation, input.Name)
	} else if !errors.Is(err, apperrors.ErrNotFound) {
		return domain.Channel{}, err
	}

	channel := domain.Channel{
		Name:        input.Name,
		Description: input.Description,
		CreatedBy:   createdBy,
	}
	err := s.store.WriteThrough(ctx, func(ctx context.Context) error {
		return s.channels.Create(ctx, &channel)
	}, cache.ChannelsKey)

	if errors.Is(err, apperrors.ErrCacheInvalidation) {
		s.log.Warn("Channel created but cache is stale until TTL", "channel", channel.Name)
		return channel, err
	}
	if err != nil {
		return domain.Channel{}, err
	}
	return channel, nil
}

// List serves the channel collection cache-aside. The boolean reports
// whether the result came from the cache.
func (s *ChannelService) List(ctx context.Context) ([]domain.Channel, bool, error) {
	return cache.GetOrLoad(s.store, ctx, cache.ChannelsKey, cache.ChannelsTTL,
		func(ctx context.Context) ([]domain.Channel, error) {
			return s.channels.List(ctx)
		})
}

func (s *ChannelService) FindByID(ctx context.Context, id uuid.UUID) (domain.Channel, error) {
	return s.channels.FindByID(ctx, id)
}

// Join records the membership and invalidates the cached member list so
// the next notification fan-out sees the new member. Joining twice is a
// no-op. Invalidation failure degrades to a stale-until-TTL member list.
func (s *ChannelService) Join(ctx context.Context, channelID, userID uuid.UUID) error {
	err := s.store.WriteThrough(ctx, func(ctx context.Context) error {
		return s.memberships.Add(ctx, channelID, userID)
	}, cache.MembersKey(channelID.String()))

	if errors.Is(err, apperrors.ErrCacheInvalidation) {
		s.log.Warn("Member joined but member cache is stale until TTL", "channel", channelID)
		return nil
	}
	return err
}
