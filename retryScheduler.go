package main

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/billing_jobs/config"
	"bitbucket.org/mmdatafocus/billing_jobs/jobs"
	"github.com/bsm/redislock"
	"github.com/sirupsen/logrus"
)

const retryDrainLockKey = "jobs:retry:drain"

// RetryScheduler drains due envelopes from the delay set and re-publishes
// them with the same confirmation guarantees as the original enqueue. A
// member stays in the set until its re-publish is confirmed, so a crash
// mid-drain re-delivers rather than loses.
type RetryScheduler struct {
	Logger       *logrus.Logger
	PollInterval time.Duration
	BatchSize    int64
	LockTTL      time.Duration

	republish func(ctx context.Context, env jobs.Envelope) error
}

func NewRetryScheduler(logger *logrus.Logger) *RetryScheduler {
	return &RetryScheduler{
		Logger:       logger,
		PollInterval: time.Duration(envInt("JOB_RETRY_POLL_INTERVAL_SECONDS", 1)) * time.Second,
		BatchSize:    int64(envInt("JOB_RETRY_BATCH_SIZE", 10)),
		LockTTL:      30 * time.Second,
		republish:    jobs.Republish,
	}
}

func (s *RetryScheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.drainOnce(ctx)
		}
	}
}

func (s *RetryScheduler) drainOnce(ctx context.Context) {
	locker := config.GetRedisLock()
	if locker != nil {
		// Only one process drains at a time; the others skip the tick.
		lock, err := locker.Obtain(ctx, retryDrainLockKey, s.LockTTL, nil)
		if err != nil {
			if !errors.Is(err, redislock.ErrNotObtained) && ctx.Err() == nil {
				config.LogError(s.Logger, "retryScheduler.go", "drainOnce", "obtain drain lock", nil, err)
			}
			return
		}
		defer lock.Release(ctx)
	}

	members, err := jobs.DueRetries(ctx, time.Now().UTC(), s.BatchSize)
	if err != nil {
		if ctx.Err() == nil {
			config.LogError(s.Logger, "retryScheduler.go", "drainOnce", "read due retries", nil, err)
		}
		return
	}

	for _, raw := range members {
		var env jobs.Envelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			// A member that cannot be decoded can never be published; drop it
			// so it does not wedge the drain loop.
			config.LogError(s.Logger, "retryScheduler.go", "drainOnce", "decode delayed envelope", raw, err)
			_ = jobs.RemoveRetry(ctx, raw)
			continue
		}
		if err := s.republish(ctx, env); err != nil {
			config.LogError(s.Logger, "retryScheduler.go", "drainOnce", "re-publish delayed job", env.ID, err)
			continue
		}
		if err := jobs.RemoveRetry(ctx, raw); err != nil {
			config.LogError(s.Logger, "retryScheduler.go", "drainOnce", "remove drained member", env.ID, err)
			continue
		}
		s.Logger.WithFields(logrus.Fields{
			"field":    "RetryScheduler",
			"job_id":   env.ID,
			"job_type": env.Type,
			"attempt":  env.Attempt,
		}).Info("delayed job re-published")
	}
}
