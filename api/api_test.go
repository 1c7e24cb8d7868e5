package api

import (
	"bytes"
	"chat-relay/cache"
	"chat-relay/domain"
	apperrors "chat-relay/errors"
	"chat-relay/identity"
	"chat-relay/services"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type stubChannels struct {
	channels map[uuid.UUID]domain.Channel
	list     []domain.Channel
}

func (s *stubChannels) Create(ctx context.Context, input domain.CreateChannelInput, createdBy uuid.UUID) (domain.Channel, error) {
	if err := input.Validate(); err != nil {
		return domain.Channel{}, fmt.Errorf("%w: %v", apperrors.ErrValidation, err)
	}
	channel := domain.Channel{ID: uuid.New(), Name: input.Name, CreatedBy: createdBy}
	s.list = append(s.list, channel)
	return channel, nil
}

func (s *stubChannels) List(ctx context.Context) ([]domain.Channel, bool, error) {
	return s.list, false, nil
}

func (s *stubChannels) FindByID(ctx context.Context, id uuid.UUID) (domain.Channel, error) {
	if channel, ok := s.channels[id]; ok {
		return channel, nil
	}
	return domain.Channel{}, fmt.Errorf("%w: channel %s", apperrors.ErrNotFound, id)
}

func (s *stubChannels) Join(ctx context.Context, channelID, userID uuid.UUID) error {
	return nil
}

type stubMessages struct{}

func (stubMessages) Create(ctx context.Context, externalUserID string, input domain.CreateMessageInput) (domain.Message, error) {
	return domain.Message{}, fmt.Errorf("not used")
}

func (stubMessages) ListByChannel(ctx context.Context, channelID uuid.UUID, pageSize int) ([]domain.Message, bool, error) {
	return []domain.Message{{ID: uuid.New(), ChannelID: channelID, Content: "hi"}}, true, nil
}

type stubUsers struct {
	byExternal map[string]domain.User
}

func (s *stubUsers) Create(ctx context.Context, user *domain.User) error {
	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}
	if s.byExternal == nil {
		s.byExternal = make(map[string]domain.User)
	}
	s.byExternal[user.ExternalID] = *user
	return nil
}

func (s *stubUsers) FindByID(ctx context.Context, id uuid.UUID) (domain.User, error) {
	return domain.User{}, fmt.Errorf("%w: user %s", apperrors.ErrNotFound, id)
}

func (s *stubUsers) FindByExternalID(ctx context.Context, externalID string) (domain.User, error) {
	if user, ok := s.byExternal[externalID]; ok {
		return user, nil
	}
	return domain.User{}, fmt.Errorf("%w: external identity %s", apperrors.ErrNotFound, externalID)
}

func (s *stubUsers) FindByUsername(ctx context.Context, username string) (domain.User, error) {
	return domain.User{}, fmt.Errorf("%w: username %s", apperrors.ErrNotFound, username)
}

func (s *stubUsers) TouchLastSeen(ctx context.Context, id uuid.UUID) error { return nil }

func (s *stubUsers) SetStatus(ctx context.Context, id uuid.UUID, status string) error { return nil }
func (s *stubUsers) MarkInactiveSince(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

type stubProvider struct {
	user identity.ProviderUser
	err  error
}

func (p stubProvider) SendMagicLink(ctx context.Context, email string) (identity.MagicAuth, error) {
	if p.err != nil {
		return identity.MagicAuth{}, p.err
	}
	return identity.MagicAuth{ID: "ma_1", Email: email}, nil
}

func (p stubProvider) VerifyCode(ctx context.Context, email, code string) (identity.AuthResult, error) {
	if p.err != nil {
		return identity.AuthResult{}, p.err
	}
	return identity.AuthResult{User: p.user, AccessToken: "at", RefreshToken: "rt"}, nil
}

func (p stubProvider) FetchUser(ctx context.Context, credential string) (identity.ProviderUser, error) {
	if p.err != nil {
		return identity.ProviderUser{}, p.err
	}
	return p.user, nil
}

func (p stubProvider) RefreshToken(ctx context.Context, refreshToken string) (identity.AuthResult, error) {
	if p.err != nil {
		return identity.AuthResult{}, p.err
	}
	return identity.AuthResult{AccessToken: "at2", RefreshToken: "rt2"}, nil
}

func setupApp(t *testing.T, provider identity.Provider, channels *stubChannels, users *stubUsers) *fiber.App {
	t.Helper()
	store := cache.NewStore(redis.NewClient(&redis.Options{Addr: "localhost:6379"}), slog.Default())
	userService := services.NewUserService(users, slog.Default())
	server := NewServer(channels, stubMessages{}, userService, identity.NewClient(provider, slog.Default()),
		store, slog.Default())

	app := fiber.New()
	server.Register(app)
	return app
}

func doJSON(t *testing.T, app *fiber.App, method, path string, body any, headers map[string]string) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	return resp
}

func Test_Health_Reports_Identity_And_Cache(t *testing.T) {
	req := require.New(t)
	app := setupApp(t, stubProvider{}, &stubChannels{}, &stubUsers{})

	resp := doJSON(t, app, http.MethodGet, "/healthz", nil, nil)
	req.Equal(http.StatusOK, resp.StatusCode)

	var body struct {
		Status   string                              `json:"status"`
		Identity map[string]identity.OperationHealth `json:"identity"`
	}
	req.NoError(json.NewDecoder(resp.Body).Decode(&body))
	req.Equal("ok", body.Status)
	req.Len(body.Identity, 4)
	req.True(body.Identity[identity.OpFetchUser].Healthy)
}

func Test_Magic_Link_Requires_Email(t *testing.T) {
	req := require.New(t)
	app := setupApp(t, stubProvider{}, &stubChannels{}, &stubUsers{})

	resp := doJSON(t, app, http.MethodPost, "/api/auth/magic-link", map[string]string{}, nil)
	req.Equal(http.StatusBadRequest, resp.StatusCode)
}

func Test_Magic_Link_Maps_Unavailable_Provider_To_503(t *testing.T) {
	req := require.New(t)
	app := setupApp(t, stubProvider{err: apperrors.ErrServiceUnavailable}, &stubChannels{}, &stubUsers{})

	resp := doJSON(t, app, http.MethodPost, "/api/auth/magic-link",
		map[string]string{"email": "alice@example.com"}, nil)
	req.Equal(http.StatusServiceUnavailable, resp.StatusCode)
	req.Equal("30", resp.Header.Get(fiber.HeaderRetryAfter))
}

func Test_Verify_Provisions_Local_User_Once(t *testing.T) {
	req := require.New(t)
	users := &stubUsers{}
	provider := stubProvider{user: identity.ProviderUser{
		ID: "ext_1", Email: "Alice@Example.com", FirstName: "Alice", LastName: "Liddell",
	}}
	app := setupApp(t, provider, &stubChannels{}, users)

	body := map[string]string{"email": "alice@example.com", "code": "123456"}
	resp := doJSON(t, app, http.MethodPost, "/api/auth/verify", body, nil)
	req.Equal(http.StatusOK, resp.StatusCode)

	var out struct {
		User        domain.User `json:"user"`
		AccessToken string      `json:"access_token"`
	}
	req.NoError(json.NewDecoder(resp.Body).Decode(&out))
	req.Equal("alice", out.User.Username)
	req.Equal("Alice Liddell", out.User.DisplayName)
	req.Equal("at", out.AccessToken)
	firstID := out.User.ID

	// Second login reuses the provisioned user.
	resp = doJSON(t, app, http.MethodPost, "/api/auth/verify", body, nil)
	req.Equal(http.StatusOK, resp.StatusCode)
	req.NoError(json.NewDecoder(resp.Body).Decode(&out))
	req.Equal(firstID, out.User.ID)
}

func Test_Create_Channel_Requires_Auth(t *testing.T) {
	req := require.New(t)
	app := setupApp(t, stubProvider{}, &stubChannels{}, &stubUsers{})

	resp := doJSON(t, app, http.MethodPost, "/api/channels",
		map[string]string{"name": "general"}, nil)
	req.Equal(http.StatusUnauthorized, resp.StatusCode)
}

func Test_Create_Channel_Validates_Name(t *testing.T) {
	req := require.New(t)
	alice := domain.User{ID: uuid.New(), Username: "alice", ExternalID: "ext_1"}
	users := &stubUsers{byExternal: map[string]domain.User{"ext_1": alice}}
	app := setupApp(t, stubProvider{user: identity.ProviderUser{ID: "ext_1"}}, &stubChannels{}, users)

	auth := map[string]string{fiber.HeaderAuthorization: "Bearer tok"}

	resp := doJSON(t, app, http.MethodPost, "/api/channels",
		map[string]string{"name": "Not A Slug"}, auth)
	req.Equal(http.StatusBadRequest, resp.StatusCode)

	resp = doJSON(t, app, http.MethodPost, "/api/channels",
		map[string]string{"name": "general"}, auth)
	req.Equal(http.StatusCreated, resp.StatusCode)
}

func Test_List_Messages_Unknown_Channel_Is_404(t *testing.T) {
	req := require.New(t)
	app := setupApp(t, stubProvider{}, &stubChannels{}, &stubUsers{})

	resp := doJSON(t, app, http.MethodGet, "/api/channels/"+uuid.NewString()+"/messages", nil, nil)
	req.Equal(http.StatusNotFound, resp.StatusCode)
}

func Test_List_Messages_Serves_Page(t *testing.T) {
	req := require.New(t)
	channelID := uuid.New()
	channels := &stubChannels{channels: map[uuid.UUID]domain.Channel{channelID: {ID: channelID}}}
	app := setupApp(t, stubProvider{}, channels, &stubUsers{})

	resp := doJSON(t, app, http.MethodGet, "/api/channels/"+channelID.String()+"/messages?limit=10", nil, nil)
	req.Equal(http.StatusOK, resp.StatusCode)

	var out struct {
		Total  int  `json:"total"`
		Cached bool `json:"cached"`
	}
	req.NoError(json.NewDecoder(resp.Body).Decode(&out))
	req.Equal(1, out.Total)
	req.True(out.Cached)
}
