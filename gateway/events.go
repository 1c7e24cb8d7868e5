package gateway

import (
	"chat-relay/domain"

	"github.com/google/uuid"
)

// Inbound event types.
const (
	EventJoinChannel  = "join_channel"
	EventLeaveChannel = "leave_channel"
	EventSendMessage  = "send_message"
	EventTypingStart  = "typing_start"
	EventTypingStop   = "typing_stop"
)

// Outbound event types.
const (
	EventJoined            = "joined"
	EventLeft              = "left"
	EventAck               = "ack"
	EventNewMessage        = "new_message"
	EventUserTyping        = "user_typing"
	EventUserStoppedTyping = "user_stopped_typing"
	EventError             = "error"
)

// ClientEvent is the inbound wire frame. Fields beyond Type are
// populated per event type; unused ones stay zero.
type ClientEvent struct {
	Type      string    `json:"type"`
	ChannelID uuid.UUID `json:"channelId,omitempty"`
	Content   string    `json:"content,omitempty"`
}

// Event is the outbound wire frame, one flat shape for every type so
// clients decode a single envelope.
type Event struct {
	Type      string          `json:"type"`
	ChannelID string          `json:"channelId,omitempty"`
	UserID    string          `json:"userId,omitempty"`
	Username  string          `json:"username,omitempty"`
	Status    string          `json:"status,omitempty"`
	Error     string          `json:"error,omitempty"`
	Message   *domain.Message `json:"message,omitempty"`
}

func errorEvent(msg string) Event {
	return Event{Type: EventError, Error: msg}
}
