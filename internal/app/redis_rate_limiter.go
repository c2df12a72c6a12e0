/**
 * @description
 * Redis-backed transfer throttling. Each principal gets a fixed one-window
 * counter keyed by the window's start epoch, so every instance of the service
 * agrees on the window boundary without coordinating. The allow/deny decision
 * happens inside Redis, which keeps the check to a single round trip.
 */

package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// transferWindowScript bumps the window counter and answers in one shot:
// {allowed, secondsUntilReset}. The key expires shortly after the window ends
// so stale counters clean themselves up.
var transferWindowScript = redis.NewScript(`
local hits = redis.call("INCR", KEYS[1])
if hits == 1 then
  redis.call("EXPIRE", KEYS[1], tonumber(ARGV[2]) + 1)
end
if hits > tonumber(ARGV[1]) then
  return {0, redis.call("TTL", KEYS[1])}
end
return {1, 0}
`)

// RedisTransferRateLimiter caps how many transfers a principal may start per
// window across all service instances.
type RedisTransferRateLimiter struct {
	client redis.UniversalClient
	prefix string
	limit  int
	window time.Duration
}

// NewRedisTransferRateLimiter builds a limiter allowing limitPerMinute
// transfers per principal per minute. A non-positive limit yields a limiter
// that allows everything.
func NewRedisTransferRateLimiter(client redis.UniversalClient, prefix string, limitPerMinute int) *RedisTransferRateLimiter {
	trimmedPrefix := strings.TrimSpace(prefix)
	if trimmedPrefix == "" {
		trimmedPrefix = "cardledger:rate_limit"
	}
	trimmedPrefix = strings.TrimSuffix(trimmedPrefix, ":")

	return &RedisTransferRateLimiter{
		client: client,
		prefix: trimmedPrefix,
		limit:  limitPerMinute,
		window: time.Minute,
	}
}

// Allow reports whether the subject may start another transfer in the current
// window. Denials include how long until the window resets.
func (r *RedisTransferRateLimiter) Allow(ctx context.Context, subject string) (bool, time.Duration, error) {
	if r == nil || r.client == nil || r.limit <= 0 {
		return true, 0, nil
	}
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return true, 0, nil
	}

	windowSecs := int64(r.window / time.Second)
	if windowSecs < 1 {
		windowSecs = 1
	}
	windowStart := time.Now().Unix() / windowSecs * windowSecs
	key := fmt.Sprintf("%s:transfer:%s:%d", r.prefix, subject, windowStart)

	reply, err := transferWindowScript.Run(ctx, r.client, []string{key}, r.limit, windowSecs).Int64Slice()
	if err != nil {
		return false, 0, err
	}
	if len(reply) != 2 {
		return false, 0, fmt.Errorf("unexpected redis limiter reply length: %d", len(reply))
	}

	if reply[0] == 1 {
		return true, 0, nil
	}
	resetSecs := reply[1]
	if resetSecs < 1 {
		resetSecs = 1
	}
	return false, time.Duration(resetSecs) * time.Second, nil
}
