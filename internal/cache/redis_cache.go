package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/LeventeLantos/bulk-messaging/internal/model"
)

const (
	fieldDailyCount    = "dailyMessageCount"
	fieldLastResetDate = "lastResetDate"
)

type RedisCache struct {
	rdb *redis.Client
	ttl time.Duration
	key string
}

// NewRedisCache stores the rate state in one hash under prefix+"rate".
// The TTL only has to outlive a day; a fresh hash reads as a zero state.
func NewRedisCache(rdb *redis.Client, ttl time.Duration, prefix string) *RedisCache {
	return &RedisCache{rdb: rdb, ttl: ttl, key: prefix + "rate"}
}

func (c *RedisCache) LoadRateState(ctx context.Context) (model.RateState, error) {
	vals, err := c.rdb.HGetAll(ctx, c.key).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return model.RateState{}, err
	}

	var st model.RateState
	if raw, ok := vals[fieldDailyCount]; ok {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return model.RateState{}, fmt.Errorf("invalid %s in %s: %q", fieldDailyCount, c.key, raw)
		}
		st.DailyCount = n
	}
	st.LastResetDate = vals[fieldLastResetDate]
	return st, nil
}

func (c *RedisCache) SaveRateState(ctx context.Context, st model.RateState) error {
	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, c.key,
			fieldDailyCount, st.DailyCount,
			fieldLastResetDate, st.LastResetDate,
		)
		if c.ttl > 0 {
			pipe.Expire(ctx, c.key, c.ttl)
		}
		return nil
	})
	return err
}
