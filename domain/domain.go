// Package domain holds the persisted entities of the messaging backend and
// the validation rules applied to inbound payloads before any persistence,
// broadcast or side effect is attempted.
package domain

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/samber/lo"
)

const (
	MaxChannelNameLength = 50
	MaxDescriptionLength = 200
	MaxMessageLength     = 2000
)

// Channel is a named group of users. Read-mostly, cached as one collection.
type Channel struct {
	ID          uuid.UUID `gorm:"type:text;primaryKey" json:"id"`
	Name        string    `gorm:"uniqueIndex;not null" json:"name"`
	Description *string   `json:"description,omitempty"`
	CreatedBy   uuid.UUID `gorm:"type:text" json:"created_by"`
	CreatedAt   time.Time `json:"created_at"`
}

// Message is immutable once created. Owned by its channel.
type Message struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey" json:"id"`
	ChannelID uuid.UUID `gorm:"type:text;index;not null" json:"channel_id"`
	UserID    uuid.UUID `gorm:"type:text;not null" json:"user_id"`
	Content   string    `gorm:"not null" json:"content"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`

	User *User `gorm:"foreignKey:UserID" json:"user,omitempty"`
}

// User is the local principal resolved from the external identity provider.
type User struct {
	ID          uuid.UUID `gorm:"type:text;primaryKey" json:"id"`
	Username    string    `gorm:"uniqueIndex;not null" json:"username"`
	DisplayName string    `json:"display_name"`
	ExternalID  string    `gorm:"uniqueIndex;not null" json:"-"`
	Status      string    `gorm:"default:offline" json:"status"`
	LastSeenAt  time.Time `json:"last_seen_at"`
}

const (
	StatusOnline   = "online"
	StatusOffline  = "offline"
	StatusInactive = "inactive"
)

// Membership links a user to a channel. Backs notification fan-out.
type Membership struct {
	ChannelID uuid.UUID `gorm:"type:text;primaryKey" json:"channel_id"`
	UserID    uuid.UUID `gorm:"type:text;primaryKey" json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
}

type CreateChannelInput struct {
	Name        string  `json:"name" validate:"required,max=50,channel_slug"`
	Description *string `json:"description" validate:"omitempty,max=200"`
}

type CreateMessageInput struct {
	ChannelID uuid.UUID `json:"channelId" validate:"required"`
	Content   string    `json:"content" validate:"required,max=2000"`
}

var slugPattern = regexp.MustCompile(`^[a-z0-9-]+$`)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// Channel names are lowercase/hyphen slugs so they can double as
	// room names on the wire.
	_ = v.RegisterValidation("channel_slug", func(fl validator.FieldLevel) bool {
		return slugPattern.MatchString(fl.Field().String())
	})
	return v
}

func (in CreateChannelInput) Validate() error {
	if err := validate.Struct(in); err != nil {
		return fmt.Errorf("invalid channel: %v", err)
	}
	return nil
}

// Validate rejects blank-after-trim and oversized contents before the
// message reaches the durable store.
func (in CreateMessageInput) Validate() error {
	if strings.TrimSpace(in.Content) == "" {
		return fmt.Errorf("message content is blank")
	}
	if err := validate.Struct(in); err != nil {
		return fmt.Errorf("invalid message: %v", err)
	}
	return nil
}

var mentionPattern = regexp.MustCompile(`@(\w+)`)

// ExtractMentions returns the unique usernames referenced as @username in
// content, without the @ symbol, in order of first appearance.
func ExtractMentions(content string) []string {
	matches := mentionPattern.FindAllStringSubmatch(content, -1)
	usernames := lo.Map(matches, func(m []string, _ int) string {
		return m[1]
	})
	return lo.Uniq(usernames)
}
