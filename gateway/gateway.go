// Package gateway is the realtime edge: it authenticates websocket
// connections against the external identity provider, tracks channel
// membership per session and relays messages and typing state between
// the members of a channel.
package gateway

import (
	"chat-relay/domain"
	apperrors "chat-relay/errors"
	"chat-relay/identity"
	"chat-relay/services"
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
)

// Handshake rejection reasons sent to the client before closing.
const (
	reasonAuthRequired = "authentication required"
	reasonInvalidToken = "invalid token"
	reasonUserNotFound = "user not found"
	reasonAuthFailed   = "authentication failed"
)

type Gateway struct {
	registry *Registry
	channels services.IChannelService
	messages services.IMessageService
	users    services.IUserService
	identity *identity.Client
	log      *slog.Logger

	locksMu   sync.Mutex
	roomLocks map[string]*sync.Mutex
}

func NewGateway(
	registry *Registry,
	channels services.IChannelService,
	messages services.IMessageService,
	users services.IUserService,
	identityClient *identity.Client,
	log *slog.Logger,
) *Gateway {
	return &Gateway{
		registry:  registry,
		channels:  channels,
		messages:  messages,
		users:     users,
		identity:  identityClient,
		log:       log,
		roomLocks: make(map[string]*sync.Mutex),
	}
}

// Upgrade gates the websocket upgrade on the HTTP route.
func Upgrade(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// Handler returns the fiber websocket handler for the /ws route.
func (g *Gateway) Handler() fiber.Handler {
	return websocket.New(g.handle)
}

func (g *Gateway) handle(conn *websocket.Conn) {
	ctx := context.Background()

	user, reason := g.authenticate(ctx, conn.Query("token"))
	if reason != "" {
		_ = conn.WriteJSON(errorEvent(reason))
		_ = conn.Close()
		return
	}

	session := NewSession(user, g.log)
	g.registry.Register(session)
	prepareRead(conn)
	go session.writePump(conn)
	g.log.Info("Session connected", "session", session.ID(), "user", user.Username)

	defer g.disconnect(ctx, session)

	for {
		var evt ClientEvent
		if err := conn.ReadJSON(&evt); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				g.log.Debug("Session read failed", "session", session.ID(), "error", err)
			}
			return
		}
		g.handleEvent(ctx, session, evt)
	}
}

// authenticate resolves the handshake token into a local user. The
// returned reason is empty on success and is the exact string sent to
// the client on rejection.
func (g *Gateway) authenticate(ctx context.Context, token string) (domain.User, string) {
	if token == "" {
		return domain.User{}, reasonAuthRequired
	}

	providerUser, err := g.identity.FetchUser(ctx, token)
	if errors.Is(err, apperrors.ErrServiceUnavailable) || errors.Is(err, apperrors.ErrCallTimeout) {
		// The provider being down is not the client's fault; do not
		// report the token as invalid.
		return domain.User{}, reasonAuthFailed
	}
	if err != nil {
		return domain.User{}, reasonInvalidToken
	}

	user, err := g.users.FindByExternalID(ctx, providerUser.ID)
	if errors.Is(err, apperrors.ErrNotFound) {
		return domain.User{}, reasonUserNotFound
	}
	if err != nil {
		return domain.User{}, reasonAuthFailed
	}

	if err := g.users.MarkOnline(ctx, user.ID); err != nil {
		g.log.Warn("Presence update failed", "user", user.ID, "error", err)
	}
	return user, ""
}

func (g *Gateway) disconnect(ctx context.Context, session *Session) {
	rooms := g.registry.Drop(session.ID())
	session.Close()
	for _, room := range rooms {
		g.broadcast(room, Event{
			Type:      EventUserStoppedTyping,
			ChannelID: room,
			UserID:    session.User().ID.String(),
		}, session.ID())
	}
	if err := g.users.MarkOffline(ctx, session.User().ID); err != nil {
		g.log.Warn("Presence update failed", "user", session.User().ID, "error", err)
	}
	g.log.Info("Session disconnected", "session", session.ID(), "user", session.User().Username)
}

func (g *Gateway) handleEvent(ctx context.Context, session *Session, evt ClientEvent) {
	switch evt.Type {
	case EventJoinChannel:
		g.handleJoin(ctx, session, evt)
	case EventLeaveChannel:
		g.handleLeave(session, evt)
	case EventSendMessage:
		g.handleSend(ctx, session, evt)
	case EventTypingStart:
		g.relayTyping(session, evt, EventUserTyping)
	case EventTypingStop:
		g.relayTyping(session, evt, EventUserStoppedTyping)
	default:
		session.Send(errorEvent("unknown event type: " + evt.Type))
	}
}

func (g *Gateway) handleJoin(ctx context.Context, session *Session, evt ClientEvent) {
	if _, err := g.channels.FindByID(ctx, evt.ChannelID); err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			session.Send(errorEvent("channel not found"))
		} else {
			session.Send(errorEvent("could not join channel"))
		}
		return
	}
	if err := g.channels.Join(ctx, evt.ChannelID, session.User().ID); err != nil {
		g.log.Warn("Membership write failed", "channel", evt.ChannelID, "error", err)
		session.Send(errorEvent("could not join channel"))
		return
	}
	room := evt.ChannelID.String()
	g.registry.Join(session.ID(), room)
	session.Send(Event{Type: EventJoined, ChannelID: room})
}

func (g *Gateway) handleLeave(session *Session, evt ClientEvent) {
	room := evt.ChannelID.String()
	g.registry.Leave(session.ID(), room)
	session.Send(Event{Type: EventLeft, ChannelID: room})
}

// roomLock returns the mutex serializing persist-then-broadcast for one
// room. A lock per room is never reclaimed; a sync.Mutex is small enough
// that the map stays negligible next to the room's message history.
func (g *Gateway) roomLock(room string) *sync.Mutex {
	g.locksMu.Lock()
	defer g.locksMu.Unlock()
	mu, ok := g.roomLocks[room]
	if !ok {
		mu = &sync.Mutex{}
		g.roomLocks[room] = mu
	}
	return mu
}

// handleSend persists the message and broadcasts it to every member of
// the channel, sender included: the broadcast frame doubles as the
// sender's rendered copy. The ack carries the persisted message or the
// failure. The room lock is held from persist through broadcast so
// concurrent senders cannot deliver frames in an order that inverts the
// order the store committed them.
func (g *Gateway) handleSend(ctx context.Context, session *Session, evt ClientEvent) {
	room := evt.ChannelID.String()
	if !g.registry.InRoom(session.ID(), room) {
		session.Send(Event{Type: EventAck, Status: "error", Error: "join the channel first"})
		return
	}

	mu := g.roomLock(room)
	mu.Lock()
	defer mu.Unlock()

	message, err := g.messages.Create(ctx, session.User().ExternalID, domain.CreateMessageInput{
		ChannelID: evt.ChannelID,
		Content:   evt.Content,
	})
	if err != nil {
		session.Send(Event{Type: EventAck, Status: "error", Error: ackError(err)})
		return
	}

	session.Send(Event{Type: EventAck, Status: "ok", Message: &message})
	g.broadcast(room, Event{Type: EventNewMessage, ChannelID: room, Message: &message}, "")
}

// relayTyping forwards typing state to everyone in the channel except
// the typist. Nothing is persisted or acked; a lost frame just costs an
// indicator blink.
func (g *Gateway) relayTyping(session *Session, evt ClientEvent, outType string) {
	room := evt.ChannelID.String()
	if !g.registry.InRoom(session.ID(), room) {
		return
	}
	out := Event{
		Type:      outType,
		ChannelID: room,
		UserID:    session.User().ID.String(),
	}
	if outType == EventUserTyping {
		out.Username = session.User().Username
	}
	g.broadcast(room, out, session.ID())
}

// broadcast fans evt out to the room, skipping exceptID when non-empty,
// and reports how many sinks accepted it.
func (g *Gateway) broadcast(room string, evt Event, exceptID string) int {
	sent := 0
	for _, sink := range g.registry.SinksForRoom(room) {
		if exceptID != "" && sink.ID() == exceptID {
			continue
		}
		if sink.Send(evt) {
			sent++
		}
	}
	return sent
}

func ackError(err error) string {
	switch {
	case errors.Is(err, apperrors.ErrValidation):
		return err.Error()
	case errors.Is(err, apperrors.ErrNotFound):
		return "channel not found"
	default:
		return "message could not be delivered"
	}
}
