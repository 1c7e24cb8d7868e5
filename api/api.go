// Package api is the HTTP surface: authentication against the external
// identity provider, channel and message CRUD, and the health report.
package api

import (
	"chat-relay/cache"
	"chat-relay/domain"
	apperrors "chat-relay/errors"
	"chat-relay/identity"
	"chat-relay/services"
	"errors"
	"log/slog"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

type Server struct {
	channels services.IChannelService
	messages services.IMessageService
	users    services.IUserService
	identity *identity.Client
	store    *cache.Store
	log      *slog.Logger
}

func NewServer(
	channels services.IChannelService,
	messages services.IMessageService,
	users services.IUserService,
	identityClient *identity.Client,
	store *cache.Store,
	log *slog.Logger,
) *Server {
	return &Server{
		channels: channels,
		messages: messages,
		users:    users,
		identity: identityClient,
		store:    store,
		log:      log,
	}
}

func (s *Server) Register(app *fiber.App) {
	app.Get("/healthz", s.health)

	api := app.Group("/api")
	api.Post("/auth/magic-link", s.sendMagicLink)
	api.Post("/auth/verify", s.verifyCode)
	api.Post("/auth/refresh", s.refreshToken)
	api.Get("/channels", s.listChannels)
	api.Post("/channels", s.createChannel)
	api.Get("/channels/:id/messages", s.listMessages)
}

// health reports degraded (still 200) when any identity operation's
// circuit is not closed, so probes keep routing traffic while the
// report shows what is broken.
func (s *Server) health(c *fiber.Ctx) error {
	status := "ok"
	if s.identity.Degraded() {
		status = "degraded"
	}
	return c.JSON(fiber.Map{
		"status":   status,
		"identity": s.identity.Health(),
		"cache":    s.store.Snapshot(),
	})
}

func (s *Server) sendMagicLink(c *fiber.Ctx) error {
	var body struct {
		Email string `json:"email"`
	}
	if err := c.BodyParser(&body); err != nil || body.Email == "" {
		return fiber.NewError(fiber.StatusBadRequest, "email is required")
	}

	auth, err := s.identity.SendMagicLink(c.Context(), body.Email)
	if err != nil {
		return s.identityError(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(auth)
}

// verifyCode exchanges the emailed code for tokens and provisions the
// local user on first login.
func (s *Server) verifyCode(c *fiber.Ctx) error {
	var body struct {
		Email string `json:"email"`
		Code  string `json:"code"`
	}
	if err := c.BodyParser(&body); err != nil || body.Email == "" || body.Code == "" {
		return fiber.NewError(fiber.StatusBadRequest, "email and code are required")
	}

	result, err := s.identity.VerifyCode(c.Context(), body.Email, body.Code)
	if err != nil {
		return s.identityError(c, err)
	}

	user, err := s.users.Provision(c.Context(), result.User)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{
		"user":          user,
		"access_token":  result.AccessToken,
		"refresh_token": result.RefreshToken,
	})
}

func (s *Server) refreshToken(c *fiber.Ctx) error {
	var body struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := c.BodyParser(&body); err != nil || body.RefreshToken == "" {
		return fiber.NewError(fiber.StatusBadRequest, "refresh_token is required")
	}

	result, err := s.identity.RefreshToken(c.Context(), body.RefreshToken)
	if err != nil {
		return s.identityError(c, err)
	}
	return c.JSON(fiber.Map{
		"access_token":  result.AccessToken,
		"refresh_token": result.RefreshToken,
	})
}

func (s *Server) listChannels(c *fiber.Ctx) error {
	channels, cached, err := s.channels.List(c.Context())
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{
		"channels": channels,
		"total":    len(channels),
		"cached":   cached,
	})
}

func (s *Server) createChannel(c *fiber.Ctx) error {
	user, err := s.requireUser(c)
	if err != nil {
		return err
	}

	var input domain.CreateChannelInput
	if err := c.BodyParser(&input); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	channel, err := s.channels.Create(c.Context(), input, user.ID)
	if errors.Is(err, apperrors.ErrCacheInvalidation) {
		// The channel exists; reads are stale until the TTL.
		return c.Status(fiber.StatusCreated).JSON(channel)
	}
	if errors.Is(err, apperrors.ErrValidation) {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(channel)
}

func (s *Server) listMessages(c *fiber.Ctx) error {
	channelID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid channel id")
	}
	if _, err := s.channels.FindByID(c.Context(), channelID); err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return fiber.NewError(fiber.StatusNotFound, "channel not found")
		}
		return err
	}

	limit := c.QueryInt("limit", cache.DefaultPageSize)
	messages, cached, err := s.messages.ListByChannel(c.Context(), channelID, limit)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{
		"messages": messages,
		"total":    len(messages),
		"cached":   cached,
	})
}

// requireUser resolves the bearer token into the local user.
func (s *Server) requireUser(c *fiber.Ctx) (domain.User, error) {
	token := strings.TrimPrefix(c.Get(fiber.HeaderAuthorization), "Bearer ")
	if token == "" {
		return domain.User{}, fiber.NewError(fiber.StatusUnauthorized, "authentication required")
	}

	providerUser, err := s.identity.FetchUser(c.Context(), token)
	if errors.Is(err, apperrors.ErrServiceUnavailable) || errors.Is(err, apperrors.ErrCallTimeout) {
		return domain.User{}, fiber.NewError(fiber.StatusServiceUnavailable, "authentication temporarily unavailable")
	}
	if err != nil {
		return domain.User{}, fiber.NewError(fiber.StatusUnauthorized, "invalid token")
	}

	user, err := s.users.FindByExternalID(c.Context(), providerUser.ID)
	if errors.Is(err, apperrors.ErrNotFound) {
		return domain.User{}, fiber.NewError(fiber.StatusUnauthorized, "user not found")
	}
	return user, err
}

// identityError maps provider failures onto transport statuses: an open
// circuit is 503 with Retry-After, a timeout 504, anything else 502.
func (s *Server) identityError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, apperrors.ErrServiceUnavailable):
		c.Set(fiber.HeaderRetryAfter, "30")
		return fiber.NewError(fiber.StatusServiceUnavailable, "identity service unavailable")
	case errors.Is(err, apperrors.ErrCallTimeout):
		return fiber.NewError(fiber.StatusGatewayTimeout, "identity service timed out")
	default:
		s.log.Warn("Identity call failed", "error", err)
		return fiber.NewError(fiber.StatusBadGateway, "identity service error")
	}
}
