package main

import "time"

type Config struct {
	Port             int           `env:"PORT,default=3000"`
	LogLevel         string        `env:"LOG_LEVEL,default=INFO"`
	DatabasePath     string        `env:"DATABASE_PATH,default=chat-relay.db"`
	RedisAddr        string        `env:"REDIS_ADDR,default=localhost:6379"`
	NatsURL          string        `env:"NATS_URL"`
	IdentityBaseURL  string        `env:"IDENTITY_BASE_URL,required=true"`
	IdentityAPIKey   string        `env:"IDENTITY_API_KEY,required=true"`
	IdentityClientID string        `env:"IDENTITY_CLIENT_ID,required=true"`
	RestartInterval  time.Duration `env:"RESTART_INTERVAL,default=5s"`
	InactiveAfter    time.Duration `env:"INACTIVE_USERS_AFTER,default=720h"`
	ShutdownTimeout  time.Duration `env:"SHUTDOWN_TIMEOUT,default=10s"`
}
