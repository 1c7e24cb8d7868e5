package jobs

import (
	"chat-relay/contract"
	"context"
	"fmt"
	"log/slog"
)

// Concurrency per queue. Cleanup is serialized because its jobs perform
// bulk destructive operations.
const (
	NotificationWorkers = 5
	AnalyticsWorkers    = 3
	CleanupWorkers      = 1
)

// Dispatcher is the producer side: fire-and-forget enqueue with
// best-effort ordering. Enqueue failures are logged, never surfaced to
// the request that triggered the side effect.
type Dispatcher struct {
	transport Transport
	log       *slog.Logger
}

func NewDispatcher(transport Transport, log *slog.Logger) *Dispatcher {
	return &Dispatcher{transport: transport, log: log}
}

func (d *Dispatcher) Enqueue(ctx context.Context, queue Queue, job any) {
	env, err := Encode(job)
	if err != nil {
		d.log.Error("Refusing to enqueue job", "queue", queue, "error", err)
		return
	}
	if err := d.transport.Publish(ctx, queue, env); err != nil {
		d.log.Warn("Job enqueue failed", "queue", queue, "kind", env.Kind, "error", err)
	}
}

// Handler processes one envelope and reports how many entities it
// touched. It must distinguish "nothing to do" (zero count, nil error)
// from a dependency failure (non-nil error, triggers redelivery).
type Handler interface {
	Handle(ctx context.Context, env Envelope) (int, error)
}

// QueueWorker drains one queue's delivery channel. Several workers can
// share the same channel to bound a queue's concurrency.
type QueueWorker struct {
	queue      Queue
	deliveries <-chan Delivery
	handler    Handler
	log        *slog.Logger
}

func NewQueueWorker(queue Queue, deliveries <-chan Delivery, handler Handler, log *slog.Logger) *QueueWorker {
	return &QueueWorker{queue: queue, deliveries: deliveries, handler: handler, log: log}
}

func (w *QueueWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case delivery, ok := <-w.deliveries:
			if !ok {
				return nil
			}
			w.process(ctx, delivery)
		}
	}
}

func (w *QueueWorker) process(ctx context.Context, delivery Delivery) {
	count, err := w.handler.Handle(ctx, delivery.Envelope)
	if err != nil {
		w.log.Error("Job failed, requesting redelivery",
			"queue", w.queue, "kind", delivery.Envelope.Kind, "error", err)
		if delivery.Nak != nil {
			_ = delivery.Nak()
		}
		return
	}
	if delivery.Ack != nil {
		if err := delivery.Ack(); err != nil {
			w.log.Warn("Job ack failed", "queue", w.queue, "error", err)
		}
	}
	w.log.Debug("Job done", "queue", w.queue, "kind", delivery.Envelope.Kind, "count", count)
}

// RegisterWorkers subscribes every queue and adds its bounded worker
// pool to the supervisor.
func RegisterWorkers(ctx context.Context, sup contract.ISupervisor, transport Transport,
	notifications, analytics, cleanup Handler, log *slog.Logger) error {

	pools := []struct {
		queue   Queue
		size    int
		handler Handler
	}{
		{QueueNotifications, NotificationWorkers, notifications},
		{QueueAnalytics, AnalyticsWorkers, analytics},
		{QueueCleanup, CleanupWorkers, cleanup},
	}

	for _, pool := range pools {
		deliveries, err := transport.Subscribe(ctx, pool.queue)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", pool.queue, err)
		}
		for i := 0; i < pool.size; i++ {
			sup.Add(NewQueueWorker(pool.queue, deliveries, pool.handler, log))
		}
	}
	return nil
}
