package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"os"
	"strconv"
	"time"

	"bitbucket.org/mmdatafocus/billing_jobs/config"
	"github.com/redis/go-redis/v9"
)

// RetryZSet holds envelopes awaiting a delayed re-publish, scored by the unix
// time at which they become due. Scheduling into this set instead of
// republishing immediately is what turns "retry a couple of times fast" into
// exponential backoff, and it is the single place a failed job lives between
// ack of the original delivery and the retry publish.
const RetryZSet = "jobs:retry"

type retryConfig struct {
	baseBackoff time.Duration
	maxBackoff  time.Duration
}

func getRetryConfig() retryConfig {
	cfg := retryConfig{
		baseBackoff: 5 * time.Second,
		maxBackoff:  10 * time.Minute,
	}

	if v := os.Getenv("JOB_RETRY_BASE_BACKOFF_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.baseBackoff = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("JOB_RETRY_MAX_BACKOFF_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.maxBackoff = time.Duration(n) * time.Second
		}
	}

	return cfg
}

// RetryBackoff returns the delay before the next attempt after failedAttempts
// have failed: base * 2^(failedAttempts-1), capped.
func RetryBackoff(failedAttempts int, cfg retryConfig) time.Duration {
	if failedAttempts <= 0 {
		return cfg.baseBackoff
	}
	exp := float64(failedAttempts - 1)
	delay := time.Duration(float64(cfg.baseBackoff) * math.Pow(2, exp))
	if delay > cfg.maxBackoff {
		return cfg.maxBackoff
	}
	return delay
}

// ScheduleRetry stores an already-incremented retry copy (Envelope.NextAttempt)
// in the delay set. The consumer acks the original delivery only after this
// write succeeds, so the job always exists either in the queue or here.
func ScheduleRetry(ctx context.Context, env Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	rdb := config.GetRedisDB()
	if rdb == nil {
		return errors.New("redis is not connected; cannot schedule retry")
	}

	failed := env.Attempt - 1
	delay := RetryBackoff(failed, getRetryConfig())

	member, err := json.Marshal(env)
	if err != nil {
		return err
	}
	readyAt := time.Now().UTC().Add(delay)
	return rdb.ZAdd(ctx, RetryZSet, redis.Z{
		Score:  float64(readyAt.Unix()),
		Member: member,
	}).Err()
}

// DueRetries returns up to limit raw envelope members whose ready-at time has
// passed. Members stay in the set until RemoveRetry confirms the re-publish.
func DueRetries(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	rdb := config.GetRedisDB()
	if rdb == nil {
		return nil, errors.New("redis is not connected")
	}
	return rdb.ZRangeByScore(ctx, RetryZSet, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.Unix(), 10),
		Count: limit,
	}).Result()
}

func RemoveRetry(ctx context.Context, member string) error {
	rdb := config.GetRedisDB()
	if rdb == nil {
		return errors.New("redis is not connected")
	}
	return rdb.ZRem(ctx, RetryZSet, member).Err()
}
