//go:generate go run go.uber.org/mock/mockgen -source=message_service.go -destination=../mocks/mock_message_service.go -package=mocks
package services

import (
	"chat-relay/cache"
	"chat-relay/domain"
	apperrors "chat-relay/errors"
	"chat-relay/jobs"
	"chat-relay/repositories"
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

type IMessageService interface {
	Create(ctx context.Context, externalUserID string, input domain.CreateMessageInput) (domain.Message, error)
	ListByChannel(ctx context.Context, channelID uuid.UUID, pageSize int) ([]domain.Message, bool, error)
}

// MessageService owns the message write path. Both the websocket
// gateway and the HTTP surface go through Create so persistence,
// invalidation and job fan-out stay in one place.
type MessageService struct {
	messages   repositories.IMessageRepository
	channels   repositories.IChannelRepository
	users      repositories.IUserRepository
	store      *cache.Store
	dispatcher *jobs.Dispatcher
	log        *slog.Logger
}

func NewMessageService(
	messages repositories.IMessageRepository,
	channels repositories.IChannelRepository,
	users repositories.IUserRepository,
	store *cache.Store,
	dispatcher *jobs.Dispatcher,
	log *slog.Logger,
) *MessageService {
	return &MessageService{
		messages:   messages,
		channels:   channels,
		users:      users,
		store:      store,
		dispatcher: dispatcher,
		log:        log,
	}
}

// Create validates, persists and fans out a message. The reply to the
// sender depends only on validation and persistence: enqueue failures
// and mention resolution are best effort and never fail the write.
func (s *MessageService) Create(ctx context.Context, externalUserID string, input domain.CreateMessageInput) (domain.Message, error) {
	if err := input.Validate(); err != nil {
		return domain.Message{}, fmt.Errorf("%w: %v", apperrors.ErrValidation, err)
	}

	user, err := s.users.FindByExternalID(ctx, externalUserID)
	if err != nil {
		return domain.Message{}, err
	}
	if _, err := s.channels.FindByID(ctx, input.ChannelID); err != nil {
		return domain.Message{}, err
	}

	message := domain.Message{
		ChannelID: input.ChannelID,
		UserID:    user.ID,
		Content:   input.Content,
	}
	err = s.store.WriteThrough(ctx, func(ctx context.Context) error {
		return s.messages.Create(ctx, &message)
	}, cache.MessagesKey(input.ChannelID.String(), cache.DefaultPageSize))

	if errors.Is(err, apperrors.ErrCacheInvalidation) {
		s.log.Warn("Message persisted but page cache is stale until TTL",
			"channel", input.ChannelID, "message", message.ID)
	} else if err != nil {
		return domain.Message{}, err
	}

	s.dispatcher.Enqueue(ctx, jobs.QueueNotifications, jobs.NewMessageJob{
		MessageID: message.ID,
		ChannelID: message.ChannelID,
		UserID:    message.UserID,
		Content:   message.Content,
	})
	s.dispatcher.Enqueue(ctx, jobs.QueueAnalytics, jobs.MessageSentJob{
		UserID:    message.UserID,
		ChannelID: message.ChannelID,
		Timestamp: message.CreatedAt.UnixMilli(),
	})
	s.enqueueMentions(ctx, message)

	return message, nil
}

// enqueueMentions resolves @username references and enqueues one
// mention job per resolved user. Unknown usernames are skipped, and a
// lookup failure only costs that one mention.
func (s *MessageService) enqueueMentions(ctx context.Context, message domain.Message) {
	for _, username := range domain.ExtractMentions(message.Content) {
		mentioned, err := s.users.FindByUsername(ctx, username)
		if errors.Is(err, apperrors.ErrNotFound) {
			continue
		}
		if err != nil {
			s.log.Warn("Skipping mention, user lookup failed", "username", username, "error", err)
			continue
		}
		if mentioned.ID == message.UserID {
			continue
		}
		s.dispatcher.Enqueue(ctx, jobs.QueueNotifications, jobs.MentionJob{
			MessageID:       message.ID,
			MentionedUserID: mentioned.ID,
			UserID:          message.UserID,
			Content:         message.Content,
		})
	}
}

// ListByChannel serves a page of messages cache-aside, oldest first.
// The repository stores pages newest first so the cached value keeps
// that shape; the reversal happens on a copy per call.
func (s *MessageService) ListByChannel(ctx context.Context, channelID uuid.UUID, pageSize int) ([]domain.Message, bool, error) {
	if pageSize <= 0 {
		pageSize = cache.DefaultPageSize
	}

	page, cached, err := cache.GetOrLoad(s.store, ctx, cache.MessagesKey(channelID.String(), pageSize), cache.MessagesTTL,
		func(ctx context.Context) ([]domain.Message, error) {
			return s.messages.ListByChannel(ctx, channelID, pageSize)
		})
	if err != nil {
		return nil, false, err
	}
	return lo.Reverse(append([]domain.Message(nil), page...)), cached, nil
}
