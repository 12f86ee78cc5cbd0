// Package ratelimit provides a Redis-backed fixed-window rate limiter used
// to throttle message sends per user. Counters live in Redis so the limit
// holds across server instances and survives reconnects.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Rule describes one limit: at most Max events per Window.
type Rule struct {
	Name   string
	Max    int
	Window time.Duration
}

// RuleSendMessage caps message sends per user.
var RuleSendMessage = Rule{Name: "send", Max: 5, Window: 10 * time.Second}

// Limiter counts events in Redis fixed windows.
type Limiter struct {
	rdb *redis.Client
}

// NewLimiter creates a limiter on an existing Redis client.
func NewLimiter(rdb *redis.Client) *Limiter {
	return &Limiter{rdb: rdb}
}

// Allow records one event for the user under the rule and reports whether it
// stays within the limit. The first event in a window sets the key's expiry;
// INCR and EXPIRE run in one pipeline so a crashed client cannot leave an
// immortal counter.
func (l *Limiter) Allow(ctx context.Context, rule Rule, userID int64) (bool, error) {
	key := fmt.Sprintf("ratelimit:%s:%d", rule.Name, userID)

	pipe := l.rdb.Pipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, rule.Window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("ratelimit: %w", err)
	}

	return incr.Val() <= int64(rule.Max), nil
}
