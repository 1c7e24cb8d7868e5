package jobs

import (
	"chat-relay/cache"
	"chat-relay/domain"
	apperrors "chat-relay/errors"
	"chat-relay/repositories"
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupDB(t *testing.T) *gorm.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "jobs_test.db")
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, repositories.Migrate(db))
	return db
}

func setupRedisStore(t *testing.T) *cache.Store {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return cache.NewStore(client, slog.Default())
}

func mustEncode(t *testing.T, job any) Envelope {
	t.Helper()
	env, err := Encode(job)
	require.NoError(t, err)
	return env
}

func Test_Mention_Of_Missing_User_Is_A_NoOp(t *testing.T) {
	req := require.New(t)
	db := setupDB(t)
	handler := NewNotificationHandler(nil, repositories.NewMembershipRepository(db),
		repositories.NewUserRepository(db), slog.Default())

	env := mustEncode(t, MentionJob{
		MessageID:       uuid.New(),
		MentionedUserID: uuid.New(), // nobody has this id
		UserID:          uuid.New(),
		Content:         "hello @ghost",
	})

	count, err := handler.Handle(context.Background(), env)
	req.NoError(err)
	req.Equal(0, count)
}

func Test_New_Message_Notifies_All_Members_Except_Author(t *testing.T) {
	req := require.New(t)
	db := setupDB(t)
	store := setupRedisStore(t)
	ctx := context.Background()

	users := repositories.NewUserRepository(db)
	memberships := repositories.NewMembershipRepository(db)
	channelID := uuid.New()

	var author domain.User
	for i, name := range []string{"alice", "bob", "clara"} {
		user := domain.User{Username: name, ExternalID: "ext_" + name}
		req.NoError(users.Create(ctx, &user))
		req.NoError(memberships.Add(ctx, channelID, user.ID))
		if i == 0 {
			author = user
		}
	}

	handler := NewNotificationHandler(store, memberships, users, slog.Default())
	env := mustEncode(t, NewMessageJob{
		MessageID: uuid.New(),
		ChannelID: channelID,
		UserID:    author.ID,
		Content:   "hi all",
	})

	count, err := handler.Handle(ctx, env)
	req.NoError(err)
	req.Equal(2, count)

	// cleanup of the member cache key this test populated
	_ = store.Invalidate(ctx, cache.MembersKey(channelID.String()))
}

func Test_Old_Messages_Cleanup_Second_Run_Is_Zero(t *testing.T) {
	req := require.New(t)
	db := setupDB(t)
	ctx := context.Background()

	users := repositories.NewUserRepository(db)
	messages := repositories.NewMessageRepository(db)
	channels := repositories.NewChannelRepository(db)

	alice := domain.User{Username: "alice", ExternalID: "ext_alice"}
	req.NoError(users.Create(ctx, &alice))
	channel := domain.Channel{Name: "general"}
	req.NoError(channels.Create(ctx, &channel))

	old := domain.Message{
		ChannelID: channel.ID,
		UserID:    alice.ID,
		Content:   "from another era",
		CreatedAt: time.Now().UTC().AddDate(0, 0, -120),
	}
	req.NoError(messages.Create(ctx, &old))

	handler := NewCleanupHandler(messages, users, nil, 30*24*time.Hour, slog.Default())
	env := mustEncode(t, OldMessagesJob{OlderThanDays: 90})

	count, err := handler.Handle(ctx, env)
	req.NoError(err)
	req.Equal(1, count)

	count, err = handler.Handle(ctx, env)
	req.NoError(err)
	req.Equal(0, count)
}

func Test_Handler_Propagates_Dependency_Failure(t *testing.T) {
	req := require.New(t)
	store := setupRedisStore(t)
	handler := NewNotificationHandler(store, failingMemberships{}, nil, slog.Default())

	// The member lookup fails: the job must fail (and be redelivered),
	// not masquerade as an empty channel.
	env := mustEncode(t, NewMessageJob{ChannelID: uuid.New(), UserID: uuid.New()})

	_, err := handler.Handle(context.Background(), env)
	req.Error(err)
	req.NotErrorIs(err, apperrors.ErrNotFound)
}

type failingMemberships struct{}

func (failingMemberships) Add(ctx context.Context, channelID, userID uuid.UUID) error {
	return fmt.Errorf("store down")
}

func (failingMemberships) ListUserIDs(ctx context.Context, channelID uuid.UUID) ([]uuid.UUID, error) {
	return nil, fmt.Errorf("store down")
}
