package contact

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Tracker counts per-(target, mode) sends in fixed windows. Counters
// live in redis so every sender process in the pool sees the same
// totals.
type Tracker struct {
	rdb *redis.Client
}

func NewTracker(rdb *redis.Client) *Tracker {
	return &Tracker{rdb: rdb}
}

// Incr bumps the counter for the current window and returns the new
// total. The window length comes from the reprioritization rule.
func (t *Tracker) Incr(ctx context.Context, target, mode string, window int64) (int64, error) {
	bucket := time.Now().Unix() / window
	key := fmt.Sprintf("klaxon:reprio:%s:%s:%d", target, mode, bucket)

	n, err := t.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("incrementing send counter: %w", err)
	}
	if n == 1 {
		// Buckets only need to outlive their own window.
		if err := t.rdb.Expire(ctx, key, 2*time.Duration(window)*time.Second).Err(); err != nil {
			return n, fmt.Errorf("expiring send counter: %w", err)
		}
	}
	return n, nil
}
