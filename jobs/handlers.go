package jobs

import (
	"chat-relay/cache"
	apperrors "chat-relay/errors"
	"chat-relay/repositories"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

// NotificationHandler fans a message out to the channel's members.
type NotificationHandler struct {
	store       *cache.Store
	memberships repositories.IMembershipRepository
	users       repositories.IUserRepository
	log         *slog.Logger
}

func NewNotificationHandler(store *cache.Store, memberships repositories.IMembershipRepository,
	users repositories.IUserRepository, log *slog.Logger) *NotificationHandler {
	return &NotificationHandler{store: store, memberships: memberships, users: users, log: log}
}

func (h *NotificationHandler) Handle(ctx context.Context, env Envelope) (int, error) {
	job, err := DecodeNotification(env)
	if err != nil {
		return 0, err
	}

	switch job := job.(type) {
	case NewMessageJob:
		return h.notifyMembers(ctx, job)
	case MentionJob:
		return h.notifyMention(ctx, job)
	}
	return 0, fmt.Errorf("%w: %T", apperrors.ErrUnknownJobKind, job)
}

// notifyMembers resolves the member list cache-aside and notifies every
// member except the author. Duplicate deliveries only repeat the
// notification, which the at-least-once contract allows.
func (h *NotificationHandler) notifyMembers(ctx context.Context, job NewMessageJob) (int, error) {
	members, _, err := cache.GetOrLoad(h.store, ctx, cache.MembersKey(job.ChannelID.String()), cache.MembersTTL,
		func(ctx context.Context) ([]uuid.UUID, error) {
			return h.memberships.ListUserIDs(ctx, job.ChannelID)
		})
	if err != nil {
		return 0, err
	}

	notified := 0
	for _, memberID := range members {
		if memberID == job.UserID {
			continue
		}
		// Delivery channel (push, email) is outside this system:
		// the notification itself is just logged.
		h.log.Info("Notifying member of new message",
			"user", memberID, "channel", job.ChannelID, "message", job.MessageID)
		notified++
	}
	return notified, nil
}

// notifyMention treats a vanished mentioned user as nothing-to-do, not
// as a failure: retrying would never make the user exist.
func (h *NotificationHandler) notifyMention(ctx context.Context, job MentionJob) (int, error) {
	user, err := h.users.FindByID(ctx, job.MentionedUserID)
	if errors.Is(err, apperrors.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	h.log.Info("Notifying mentioned user",
		"user", user.Username, "message", job.MessageID, "by", job.UserID)
	return 1, nil
}

// AnalyticsHandler tracks message counters in day buckets.
type AnalyticsHandler struct {
	client *redis.Client
	log    *slog.Logger
}

func NewAnalyticsHandler(client *redis.Client, log *slog.Logger) *AnalyticsHandler {
	return &AnalyticsHandler{client: client, log: log}
}

const statsRetention = 30 * 24 * time.Hour

func (h *AnalyticsHandler) Handle(ctx context.Context, env Envelope) (int, error) {
	job, err := DecodeAnalytics(env)
	if err != nil {
		return 0, err
	}

	switch job := job.(type) {
	case MessageSentJob:
		day := time.UnixMilli(job.Timestamp).UTC().Format("2006-01-02")
		keys := []string{
			fmt.Sprintf("stats:messages:%s", day),
			fmt.Sprintf("stats:user:%s:messages:%s", job.UserID, day),
			fmt.Sprintf("stats:channel:%s:messages:%s", job.ChannelID, day),
		}
		pipe := h.client.Pipeline()
		for _, key := range keys {
			pipe.Incr(ctx, key)
			pipe.Expire(ctx, key, statsRetention)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return 0, fmt.Errorf("analytics counters: %w", err)
		}
		return len(keys), nil
	}
	return 0, fmt.Errorf("%w: %T", apperrors.ErrUnknownJobKind, job)
}

// CleanupHandler runs the recurring maintenance jobs. Every branch is
// idempotent and reports a count so reruns are observable no-ops.
type CleanupHandler struct {
	messages      repositories.IMessageRepository
	users         repositories.IUserRepository
	client        *redis.Client
	inactiveAfter time.Duration
	log           *slog.Logger
}

func NewCleanupHandler(messages repositories.IMessageRepository, users repositories.IUserRepository,
	client *redis.Client, inactiveAfter time.Duration, log *slog.Logger) *CleanupHandler {
	return &CleanupHandler{
		messages:      messages,
		users:         users,
		client:        client,
		inactiveAfter: inactiveAfter,
		log:           log,
	}
}

func (h *CleanupHandler) Handle(ctx context.Context, env Envelope) (int, error) {
	job, err := DecodeCleanup(env)
	if err != nil {
		return 0, err
	}

	switch job := job.(type) {
	case OldMessagesJob:
		return h.purgeOldMessages(ctx, job.OlderThanDays)
	case InactiveUsersJob:
		return h.markInactiveUsers(ctx)
	case ExpiredCacheJob:
		return h.purgeExpiredCache(ctx)
	}
	return 0, fmt.Errorf("%w: %T", apperrors.ErrUnknownJobKind, job)
}

func (h *CleanupHandler) purgeOldMessages(ctx context.Context, olderThanDays int) (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -olderThanDays)

	// Count first: most runs find nothing and skip the delete entirely.
	count, err := h.messages.CountOlderThan(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if count == 0 {
		h.log.Info("No messages to clean up")
		return 0, nil
	}

	deleted, err := h.messages.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	h.log.Info("Cleaned up old messages", "deleted", deleted, "older_than_days", olderThanDays)
	return int(deleted), nil
}

func (h *CleanupHandler) markInactiveUsers(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-h.inactiveAfter)
	marked, err := h.users.MarkInactiveSince(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if marked == 0 {
		h.log.Info("No inactive users to mark")
		return 0, nil
	}
	h.log.Info("Marked users inactive", "marked", marked)
	return int(marked), nil
}

// cachePatterns are the key families this system owns. Entries without
// a TTL in these families are leaks and get deleted in batches.
var cachePatterns = []string{"channels:*", "messages:*", "channel:*", "stats:*"}

// purgeExpiredCache scans the key families in parallel, one goroutine
// per pattern. The patterns are disjoint so the scans never race on the
// same keys.
func (h *CleanupHandler) purgeExpiredCache(ctx context.Context) (int, error) {
	var deleted atomic.Int64
	g, ctx := errgroup.WithContext(ctx)
	for _, pattern := range cachePatterns {
		g.Go(func() error {
			n, err := h.purgePattern(ctx, pattern)
			deleted.Add(int64(n))
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return int(deleted.Load()), err
	}
	h.log.Info("Cleaned up cache keys without TTL", "deleted", deleted.Load())
	return int(deleted.Load()), nil
}

func (h *CleanupHandler) purgePattern(ctx context.Context, pattern string) (int, error) {
	deleted := 0
	var cursor uint64
	for {
		keys, next, err := h.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return deleted, fmt.Errorf("cache scan %s: %w", pattern, err)
		}

		var leaked []string
		for _, key := range keys {
			ttl, err := h.client.TTL(ctx, key).Result()
			if err != nil {
				continue
			}
			if ttl == -1 {
				leaked = append(leaked, key)
			}
		}
		if len(leaked) > 0 {
			if err := h.client.Del(ctx, leaked...).Err(); err != nil {
				return deleted, err
			}
			deleted += len(leaked)
		}

		cursor = next
		if cursor == 0 {
			return deleted, nil
		}
	}
}
