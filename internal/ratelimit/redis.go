package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// keyPrefix namespaces limiter state in a Redis instance shared with other
// services.
const keyPrefix = "ledgerd:ratelimit:"

// SlidingWindow is a Redis-backed rate limit backend for multi-replica
// deployments. Each request is stored in a sorted set with its timestamp as
// the score; entries older than the window are discarded before counting, so
// the limit slides rather than resetting on a fixed boundary.
type SlidingWindow struct {
	client      *redis.Client
	defaultRate int
	window      time.Duration
}

// NewSlidingWindow creates a SlidingWindow that allows defaultRate requests
// per window for keys without a custom rate.
func NewSlidingWindow(client *redis.Client, defaultRate int, window time.Duration) *SlidingWindow {
	return &SlidingWindow{
		client:      client,
		defaultRate: defaultRate,
		window:      window,
	}
}

// Check implements Backend.
func (s *SlidingWindow) Check(ctx context.Context, key string, rate int) (Decision, error) {
	if rate <= 0 {
		rate = s.defaultRate
	}

	now := time.Now()
	windowStart := now.Add(-s.window).UnixMicro()
	rkey := keyPrefix + key

	// Drop entries outside the window, then count what is left.
	pipe := s.client.Pipeline()
	pipe.ZRemRangeByScore(ctx, rkey, "-inf", strconv.FormatInt(windowStart, 10))
	countCmd := pipe.ZCard(ctx, rkey)
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return Decision{}, fmt.Errorf("checking rate limit: %w", err)
	}

	count := int(countCmd.Val())
	d := Decision{
		Limit:   rate,
		ResetAt: now.Add(s.window),
	}

	if count >= rate {
		return d, nil
	}

	// Microsecond timestamps keep members unique even for rapid requests.
	stamp := strconv.FormatInt(now.UnixMicro(), 10)
	if err := s.client.ZAdd(ctx, rkey, redis.Z{
		Score:  float64(now.UnixMicro()),
		Member: stamp,
	}).Err(); err != nil {
		return Decision{}, fmt.Errorf("recording rate limit entry: %w", err)
	}

	// Expire idle keys; Redis reclaims them once the window has passed.
	_ = s.client.Expire(ctx, rkey, s.window+time.Second).Err()

	d.Allowed = true
	d.Remaining = rate - count - 1
	return d, nil
}
