// Package jobs decouples the write path from slow side effects.
// Producers enqueue fire-and-forget payloads on named queues; bounded
// pools of supervised workers consume them at-least-once, so every
// handler must tolerate duplicate side effects.
package jobs

import (
	apperrors "chat-relay/errors"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

type Queue string

const (
	QueueNotifications Queue = "notifications"
	QueueAnalytics     Queue = "analytics"
	QueueCleanup       Queue = "cleanup"
)

// Job kinds, the wire discriminator of the envelope.
const (
	KindNewMessage    = "new-message"
	KindMention       = "mention"
	KindMessageSent   = "message-sent"
	KindOldMessages   = "old-messages"
	KindInactiveUsers = "inactive-users"
	KindExpiredCache  = "expired-cache"
)

// NotificationJob is the closed set of payloads accepted by the
// notifications queue. The sealed method gives handlers a compile-time
// checked type switch instead of a stringly-typed default-case throw.
type NotificationJob interface{ notificationJob() }

type NewMessageJob struct {
	MessageID uuid.UUID `json:"messageId"`
	ChannelID uuid.UUID `json:"channelId"`
	UserID    uuid.UUID `json:"userId"`
	Content   string    `json:"content"`
}

func (NewMessageJob) notificationJob() {}

type MentionJob struct {
	MessageID       uuid.UUID `json:"messageId"`
	MentionedUserID uuid.UUID `json:"mentionedUserId"`
	UserID          uuid.UUID `json:"userId"`
	Content         string    `json:"content"`
}

func (MentionJob) notificationJob() {}

// AnalyticsJob is the closed set of payloads of the analytics queue.
type AnalyticsJob interface{ analyticsJob() }

type MessageSentJob struct {
	UserID    uuid.UUID `json:"userId"`
	ChannelID uuid.UUID `json:"channelId"`
	Timestamp int64     `json:"timestamp"`
}

func (MessageSentJob) analyticsJob() {}

// CleanupJob is the closed set of payloads of the cleanup queue.
// All of them are idempotent by construction: re-running with the same
// cutoff is a no-op when nothing qualifies.
type CleanupJob interface{ cleanupJob() }

type OldMessagesJob struct {
	OlderThanDays int `json:"olderThanDays"`
}

func (OldMessagesJob) cleanupJob() {}

type InactiveUsersJob struct{}

func (InactiveUsersJob) cleanupJob() {}

type ExpiredCacheJob struct{}

func (ExpiredCacheJob) cleanupJob() {}

// Envelope is the queue wire format: a kind tag plus the encoded payload.
type Envelope struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// Encode wraps a typed job into its envelope. Unknown types are a
// programming error and rejected up front.
func Encode(job any) (Envelope, error) {
	var kind string
	switch job.(type) {
	case NewMessageJob:
		kind = KindNewMessage
	case MentionJob:
		kind = KindMention
	case MessageSentJob:
		kind = KindMessageSent
	case OldMessagesJob:
		kind = KindOldMessages
	case InactiveUsersJob:
		kind = KindInactiveUsers
	case ExpiredCacheJob:
		kind = KindExpiredCache
	default:
		return Envelope{}, fmt.Errorf("%w: %T", apperrors.ErrUnknownJobKind, job)
	}

	payload, err := json.Marshal(job)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Kind: kind, Payload: payload}, nil
}

func DecodeNotification(env Envelope) (NotificationJob, error) {
	switch env.Kind {
	case KindNewMessage:
		var job NewMessageJob
		return job, json.Unmarshal(env.Payload, &job)
	case KindMention:
		var job MentionJob
		return job, json.Unmarshal(env.Payload, &job)
	default:
		return nil, fmt.Errorf("%w: %s on %s", apperrors.ErrUnknownJobKind, env.Kind, QueueNotifications)
	}
}

func DecodeAnalytics(env Envelope) (AnalyticsJob, error) {
	switch env.Kind {
	case KindMessageSent:
		var job MessageSentJob
		return job, json.Unmarshal(env.Payload, &job)
	default:
		return nil, fmt.Errorf("%w: %s on %s", apperrors.ErrUnknownJobKind, env.Kind, QueueAnalytics)
	}
}

func DecodeCleanup(env Envelope) (CleanupJob, error) {
	switch env.Kind {
	case KindOldMessages:
		var job OldMessagesJob
		return job, json.Unmarshal(env.Payload, &job)
	case KindInactiveUsers:
		return InactiveUsersJob{}, nil
	case KindExpiredCache:
		return ExpiredCacheJob{}, nil
	default:
		return nil, fmt.Errorf("%w: %s on %s", apperrors.ErrUnknownJobKind, env.Kind, QueueCleanup)
	}
}
