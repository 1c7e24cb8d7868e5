// Package identity wraps every call to the external identity service in
// a per-operation circuit breaker, so a slow or broken provider cannot
// cascade into the whole request path.
package identity

import (
	"chat-relay/breaker"
	"context"
	"log/slog"
	"time"
)

// Operation names. Each one owns an independent breaker: failures of one
// operation never trip the breaker of another.
const (
	OpSendMagicLink = "send-magic-link"
	OpVerifyCode    = "verify-code"
	OpFetchUser     = "fetch-user"
	OpRefreshToken  = "refresh-token"
)

// Client is constructed once at startup and passed by reference to
// whichever component needs it. Not a package-level global, so tests
// can substitute a stub provider.
type Client struct {
	provider Provider
	log      *slog.Logger

	sendMagicLink *breaker.Breaker
	verifyCode    *breaker.Breaker
	fetchUser     *breaker.Breaker
	refreshToken  *breaker.Breaker
}

func NewClient(provider Provider, log *slog.Logger) *Client {
	obs := &slogObserver{log: log}

	// Login-link and code verification tolerate a slower provider and a
	// higher error rate than the read-mostly user operations.
	authCfg := breaker.DefaultConfig()
	authCfg.Timeout = 5 * time.Second
	authCfg.ErrorThresholdPct = 60
	authCfg.ResetTimeout = 30 * time.Second

	readCfg := breaker.DefaultConfig()
	readCfg.Timeout = 3 * time.Second
	readCfg.ErrorThresholdPct = 50
	readCfg.ResetTimeout = 20 * time.Second

	return &Client{
		provider:      provider,
		log:           log,
		sendMagicLink: breaker.New(OpSendMagicLink, authCfg, obs),
		verifyCode:    breaker.New(OpVerifyCode, authCfg, obs),
		fetchUser:     breaker.New(OpFetchUser, readCfg, obs),
		refreshToken:  breaker.New(OpRefreshToken, readCfg, obs),
	}
}

func (c *Client) SendMagicLink(ctx context.Context, email string) (MagicAuth, error) {
	return breaker.Do(c.sendMagicLink, ctx, func(ctx context.Context) (MagicAuth, error) {
		return c.provider.SendMagicLink(ctx, email)
	})
}

func (c *Client) VerifyCode(ctx context.Context, email, code string) (AuthResult, error) {
	return breaker.Do(c.verifyCode, ctx, func(ctx context.Context) (AuthResult, error) {
		return c.provider.VerifyCode(ctx, email, code)
	})
}

func (c *Client) FetchUser(ctx context.Context, credential string) (ProviderUser, error) {
	return breaker.Do(c.fetchUser, ctx, func(ctx context.Context) (ProviderUser, error) {
		return c.provider.FetchUser(ctx, credential)
	})
}

func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (AuthResult, error) {
	return breaker.Do(c.refreshToken, ctx, func(ctx context.Context) (AuthResult, error) {
		return c.provider.RefreshToken(ctx, refreshToken)
	})
}

// OperationHealth is the per-operation entry of the health report.
type OperationHealth struct {
	State   string `json:"state"`
	Healthy bool   `json:"healthy"`
}

// Health reports each operation's breaker state. The aggregate is
// degraded as soon as any operation is not closed.
func (c *Client) Health() map[string]OperationHealth {
	report := make(map[string]OperationHealth, 4)
	for _, b := range c.breakers() {
		report[b.Name()] = OperationHealth{
			State:   b.State().String(),
			Healthy: b.Healthy(),
		}
	}
	return report
}

func (c *Client) Degraded() bool {
	for _, b := range c.breakers() {
		if !b.Healthy() {
			return true
		}
	}
	return false
}

// Stats exposes the cumulative per-operation counters.
func (c *Client) Stats() map[string]breaker.Stats {
	stats := make(map[string]breaker.Stats, 4)
	for _, b := range c.breakers() {
		stats[b.Name()] = b.Stats()
	}
	return stats
}

func (c *Client) breakers() []*breaker.Breaker {
	return []*breaker.Breaker{c.sendMagicLink, c.verifyCode, c.fetchUser, c.refreshToken}
}

// slogObserver logs breaker transitions. An opening circuit is the only
// transition worth a warning; recovery steps are informational.
type slogObserver struct {
	log *slog.Logger
}

func (o *slogObserver) OnStateChange(name string, from, to breaker.State) {
	switch to {
	case breaker.Open:
		o.log.Warn("Circuit opened", "operation", name, "from", from.String())
	case breaker.HalfOpen:
		o.log.Info("Circuit half-open, trial allowed", "operation", name)
	case breaker.Closed:
		o.log.Info("Circuit closed", "operation", name)
	}
}
