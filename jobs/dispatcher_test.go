package jobs

import (
	apperrors "chat-relay/errors"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type countingHandler struct {
	handled  int32
	failures int32 // fail the first N deliveries
}

func (h *countingHandler) Handle(ctx context.Context, env Envelope) (int, error) {
	n := atomic.AddInt32(&h.handled, 1)
	if n <= atomic.LoadInt32(&h.failures) {
		return 0, fmt.Errorf("transient dependency failure")
	}
	return 1, nil
}

func Test_Worker_Consumes_Enqueued_Jobs(t *testing.T) {
	req := require.New(t)
	transport := NewChannelTransport(slog.Default())
	defer transport.Close()
	dispatcher := NewDispatcher(transport, slog.Default())

	handler := &countingHandler{}
	deliveries, err := transport.Subscribe(context.Background(), QueueAnalytics)
	req.NoError(err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	worker := NewQueueWorker(QueueAnalytics, deliveries, handler, slog.Default())
	go func() { _ = worker.Run(ctx) }()

	for i := 0; i < 3; i++ {
		dispatcher.Enqueue(ctx, QueueAnalytics, MessageSentJob{
			UserID:    uuid.New(),
			ChannelID: uuid.New(),
			Timestamp: time.Now().UnixMilli(),
		})
	}

	req.Eventually(func() bool {
		return atomic.LoadInt32(&handler.handled) == 3
	}, time.Second, 10*time.Millisecond)
}

func Test_Failed_Job_Is_Redelivered(t *testing.T) {
	req := require.New(t)
	transport := NewChannelTransport(slog.Default())
	defer transport.Close()
	dispatcher := NewDispatcher(transport, slog.Default())

	handler := &countingHandler{failures: 1}
	deliveries, err := transport.Subscribe(context.Background(), QueueNotifications)
	req.NoError(err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	worker := NewQueueWorker(QueueNotifications, deliveries, handler, slog.Default())
	go func() { _ = worker.Run(ctx) }()

	dispatcher.Enqueue(ctx, QueueNotifications, NewMessageJob{
		MessageID: uuid.New(),
		ChannelID: uuid.New(),
		UserID:    uuid.New(),
		Content:   "hi",
	})

	// First delivery fails and is naked back onto the queue; the
	// second attempt succeeds.
	req.Eventually(func() bool {
		return atomic.LoadInt32(&handler.handled) == 2
	}, time.Second, 10*time.Millisecond)
}

func Test_Publish_Racing_Close_Fails_Cleanly(t *testing.T) {
	req := require.New(t)
	transport := NewChannelTransport(slog.Default())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				_ = transport.Publish(context.Background(), QueueNotifications, Envelope{Kind: KindNewMessage})
			}
		}()
	}
	req.NoError(transport.Close())
	wg.Wait()

	err := transport.Publish(context.Background(), QueueNotifications, Envelope{Kind: KindNewMessage})
	req.ErrorIs(err, apperrors.ErrQueueClosed)
}

func Test_Enqueue_Rejects_Unknown_Job_Type(t *testing.T) {
	req := require.New(t)
	_, err := Encode(struct{ X int }{X: 1})
	req.ErrorIs(err, apperrors.ErrUnknownJobKind)
}

func Test_Decode_Rejects_Foreign_Kind(t *testing.T) {
	req := require.New(t)
	env, err := Encode(OldMessagesJob{OlderThanDays: 90})
	req.NoError(err)

	// A cleanup payload on the notifications queue is a bug, not a retry.
	_, err = DecodeNotification(env)
	req.ErrorIs(err, apperrors.ErrUnknownJobKind)

	job, err := DecodeCleanup(env)
	req.NoError(err)
	req.Equal(OldMessagesJob{OlderThanDays: 90}, job)
}

func Test_Enqueue_Never_Blocks_Producer(t *testing.T) {
	req := require.New(t)
	transport := NewChannelTransport(slog.Default())
	defer transport.Close()
	dispatcher := NewDispatcher(transport, slog.Default())

	// No worker consumes; producers still return promptly, overflow
	// jobs are dropped.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			dispatcher.Enqueue(context.Background(), QueueAnalytics, MessageSentJob{Timestamp: int64(i)})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		req.Fail("producer blocked on full queue")
	}
}
