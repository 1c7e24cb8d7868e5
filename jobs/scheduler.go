package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// SchedulerConfig drives the recurring cleanup enqueues.
type SchedulerConfig struct {
	OldMessagesInterval   time.Duration `envconfig:"CLEANUP_OLD_MESSAGES_INTERVAL" default:"24h"`
	OldMessagesMaxAgeDays int           `envconfig:"CLEANUP_OLD_MESSAGES_MAX_AGE_DAYS" default:"90"`
	InactiveUsersInterval time.Duration `envconfig:"CLEANUP_INACTIVE_USERS_INTERVAL" default:"168h"`
	ExpiredCacheInterval  time.Duration `envconfig:"CLEANUP_EXPIRED_CACHE_INTERVAL" default:"6h"`
}

func LoadSchedulerConfig() (SchedulerConfig, error) {
	var cfg SchedulerConfig
	err := envconfig.Process("", &cfg)
	return cfg, err
}

// Scheduler enqueues the recurring cleanup jobs on fixed intervals.
// The jobs themselves are idempotent, so an extra run after a restart
// is harmless.
type Scheduler struct {
	dispatcher *Dispatcher
	cfg        SchedulerConfig
	log        *slog.Logger
}

func NewScheduler(dispatcher *Dispatcher, cfg SchedulerConfig, log *slog.Logger) *Scheduler {
	return &Scheduler{dispatcher: dispatcher, cfg: cfg, log: log}
}

func (s *Scheduler) Run(ctx context.Context) error {
	oldMessages := time.NewTicker(s.cfg.OldMessagesInterval)
	inactiveUsers := time.NewTicker(s.cfg.InactiveUsersInterval)
	expiredCache := time.NewTicker(s.cfg.ExpiredCacheInterval)
	defer oldMessages.Stop()
	defer inactiveUsers.Stop()
	defer expiredCache.Stop()

	s.log.Info("Scheduled jobs configured",
		"old_messages_every", s.cfg.OldMessagesInterval,
		"inactive_users_every", s.cfg.InactiveUsersInterval,
		"expired_cache_every", s.cfg.ExpiredCacheInterval)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-oldMessages.C:
			s.dispatcher.Enqueue(ctx, QueueCleanup, OldMessagesJob{OlderThanDays: s.cfg.OldMessagesMaxAgeDays})
		case <-inactiveUsers.C:
			s.dispatcher.Enqueue(ctx, QueueCleanup, InactiveUsersJob{})
		case <-expiredCache.C:
			s.dispatcher.Enqueue(ctx, QueueCleanup, ExpiredCacheJob{})
		}
	}
}
