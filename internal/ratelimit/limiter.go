package ratelimit

import "context"

// Scopes the relay throttles independently.
const (
	ScopeSend   = "send"
	ScopeUpdate = "update"
)

// RateLimiter throttles outbound transport calls per scope (e.g. send, update).
type RateLimiter interface {
	Allow(ctx context.Context, scope string) (bool, error)
	Wait(ctx context.Context, scope string) error
}

// Unlimited admits every call; used when no shared limiter is configured.
type Unlimited struct{}

func (Unlimited) Allow(context.Context, string) (bool, error) { return true, nil }

func (Unlimited) Wait(ctx context.Context, _ string) error {
	if ctx == nil {
		return nil
	}
	return ctx.Err()
}
