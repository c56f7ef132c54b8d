package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"

	"meter_billing/internal/anomaly"
	"meter_billing/internal/model"
)

// RedisHistory keeps daily totals in a Redis hash, date -> kWh, so alert
// jobs and later batches share a rolling baseline.
type RedisHistory struct {
	rdb *redis.Client
	key string
}

var _ anomaly.History = (*RedisHistory)(nil)

func NewRedisHistory(rdb *redis.Client, key string) *RedisHistory {
	return &RedisHistory{rdb: rdb, key: key}
}

func (h *RedisHistory) Record(ctx context.Context, aggs []model.DailyAggregate) error {
	if len(aggs) == 0 {
		return nil
	}
	if err := h.rdb.HSet(ctx, h.key, encodeTotals(aggs)).Err(); err != nil {
		return fmt.Errorf("recording history in %s: %w", h.key, err)
	}
	return nil
}

func (h *RedisHistory) Baseline(ctx context.Context, before model.Day, window int) (anomaly.Baseline, error) {
	raw, err := h.rdb.HGetAll(ctx, h.key).Result()
	if err != nil {
		return anomaly.Baseline{}, fmt.Errorf("reading history %s: %w", h.key, err)
	}
	return anomaly.WindowBaseline(decodeTotals(raw), before, window), nil
}

func encodeTotals(aggs []model.DailyAggregate) map[string]any {
	fields := make(map[string]any, len(aggs))
	for _, a := range aggs {
		fields[a.Date.String()] = strconv.FormatFloat(a.TotalDailySum, 'f', -1, 64)
	}
	return fields
}

// decodeTotals ignores entries that do not parse.
func decodeTotals(raw map[string]string) []anomaly.DayTotal {
	out := make([]anomaly.DayTotal, 0, len(raw))
	for k, v := range raw {
		day, err := model.ParseDay(k)
		if err != nil {
			continue
		}
		total, err := strconv.ParseFloat(v, 64)
		if err != nil {
			continue
		}
		out = append(out, anomaly.DayTotal{Date: day, Total: total})
	}
	return out
}

// ErrLocked is returned when another batch run holds the lock.
var ErrLocked = errors.New("another billing run is in progress")

// RunLock serializes batch runs across hosts.
type RunLock struct {
	locker *redislock.Client
	key    string
	ttl    time.Duration
}

func NewRunLock(rdb *redis.Client, key string, ttl time.Duration) *RunLock {
	return &RunLock{locker: redislock.New(rdb), key: key, ttl: ttl}
}

// Acquire obtains the lock and returns its release func.
func (l *RunLock) Acquire(ctx context.Context) (func(context.Context) error, error) {
	lock, err := l.locker.Obtain(ctx, l.key, l.ttl, nil)
	if err == redislock.ErrNotObtained {
		return nil, ErrLocked
	} else if err != nil {
		return nil, fmt.Errorf("obtaining lock %s: %w", l.key, err)
	}
	return func(ctx context.Context) error {
		err := lock.Release(ctx)
		if err == redislock.ErrLockNotHeld {
			return nil
		}
		return err
	}, nil
}
