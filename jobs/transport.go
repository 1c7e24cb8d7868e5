//go:generate go run go.uber.org/mock/mockgen -source=transport.go -destination=../mocks/mock_transport.go -package=mocks
package jobs

import (
	apperrors "chat-relay/errors"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Delivery is one consumed job. Ack confirms processing; Nak asks the
// transport to redeliver it according to its own retry policy.
type Delivery struct {
	Queue    Queue
	Envelope Envelope
	Ack      func() error
	Nak      func() error
}

// Transport moves envelopes between producers and worker pools.
// Publish must never block the producer on worker availability.
type Transport interface {
	Publish(ctx context.Context, queue Queue, env Envelope) error
	Subscribe(ctx context.Context, queue Queue) (<-chan Delivery, error)
	Close() error
}

const (
	streamName    = "JOBS"
	subjectPrefix = "jobs"
	consumerGroup = "chat-relay-workers"
)

// NatsTransport backs the queues with JetStream. Explicit acks give
// at-least-once delivery: a worker crash mid-job causes redelivery.
type NatsTransport struct {
	nc  *nats.Conn
	js  jetstream.JetStream
	log *slog.Logger

	mu       sync.Mutex
	consumes []jetstream.ConsumeContext
}

func NewNatsTransport(url string, log *slog.Logger) (*NatsTransport, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create jetstream context: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err = js.Stream(ctx, streamName)
	if err != nil {
		log.Info("Job stream not found, creating", "stream", streamName)
		_, err = js.CreateStream(ctx, jetstream.StreamConfig{
			Name:      streamName,
			Subjects:  []string{subjectPrefix + ".*"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.WorkQueuePolicy,
		})
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("failed to create stream %q: %w", streamName, err)
		}
	}

	return &NatsTransport{nc: nc, js: js, log: log}, nil
}

func subject(queue Queue) string {
	return fmt.Sprintf("%s.%s", subjectPrefix, queue)
}

func (t *NatsTransport) Publish(ctx context.Context, queue Queue, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	_, err = t.js.Publish(ctx, subject(queue), data)
	return err
}

// Subscribe creates a durable queue consumer and pumps its messages
// into a channel shared by the queue's worker pool.
func (t *NatsTransport) Subscribe(ctx context.Context, queue Queue) (<-chan Delivery, error) {
	cons, err := t.js.CreateOrUpdateConsumer(ctx, streamName, jetstream.ConsumerConfig{
		Durable:       fmt.Sprintf("%s-%s", consumerGroup, queue),
		FilterSubject: subject(queue),
		AckPolicy:     jetstream.AckExplicitPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer for %s: %w", queue, err)
	}

	deliveries := make(chan Delivery, 64)
	consumeCtx, err := cons.Consume(func(msg jetstream.Msg) {
		var env Envelope
		if err := json.Unmarshal(msg.Data(), &env); err != nil {
			t.log.Error("Dropping undecodable job", "queue", queue, "error", err)
			_ = msg.Term()
			return
		}
		select {
		case deliveries <- Delivery{
			Queue:    queue,
			Envelope: env,
			Ack:      msg.Ack,
			Nak:      func() error { return msg.Nak() },
		}:
		case <-ctx.Done():
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to consume %s: %w", queue, err)
	}

	t.mu.Lock()
	t.consumes = append(t.consumes, consumeCtx)
	t.mu.Unlock()
	return deliveries, nil
}

func (t *NatsTransport) Close() error {
	t.mu.Lock()
	for _, c := range t.consumes {
		c.Stop()
	}
	t.consumes = nil
	t.mu.Unlock()
	t.nc.Close()
	return nil
}

// ChannelTransport is the in-process fallback used by tests and
// single-node deployments without a broker. Redelivery on Nak is
// best-effort.
type ChannelTransport struct {
	log *slog.Logger

	mu     sync.Mutex
	queues map[Queue]chan Delivery
	closed bool
}

func NewChannelTransport(log *slog.Logger) *ChannelTransport {
	return &ChannelTransport{
		log:    log,
		queues: make(map[Queue]chan Delivery),
	}
}

func (t *ChannelTransport) channelLocked(queue Queue) chan Delivery {
	ch, ok := t.queues[queue]
	if !ok {
		ch = make(chan Delivery, 256)
		t.queues[queue] = ch
	}
	return ch
}

// Publish never blocks the producer: a full queue drops the job with a
// warning, which is acceptable for best-effort side effects. The closed
// check and the send share one critical section with Close, so the
// queue channel cannot be closed between them.
func (t *ChannelTransport) Publish(ctx context.Context, queue Queue, env Envelope) error {
	delivery := Delivery{
		Queue:    queue,
		Envelope: env,
		Ack:      func() error { return nil },
	}
	delivery.Nak = func() error { return t.Publish(ctx, queue, env) }

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return apperrors.ErrQueueClosed
	}
	select {
	case t.channelLocked(queue) <- delivery:
		return nil
	default:
		t.log.Warn("Queue full, dropping job", "queue", queue, "kind", env.Kind)
		return fmt.Errorf("queue %s full", queue)
	}
}

func (t *ChannelTransport) Subscribe(ctx context.Context, queue Queue) (<-chan Delivery, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, apperrors.ErrQueueClosed
	}
	return t.channelLocked(queue), nil
}

func (t *ChannelTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		for _, ch := range t.queues {
			close(ch)
		}
	}
	return nil
}
