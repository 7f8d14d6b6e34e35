package scanner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"bitbucket.org/mmdatafocus/billing_jobs/config"
	"bitbucket.org/mmdatafocus/billing_jobs/jobs"
	"bitbucket.org/mmdatafocus/billing_jobs/models"
	"github.com/bsm/redislock"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const renewalScanLockKey = "jobs:renewal-scan"

// RenewalScanStatusKey holds the last completed scan's summary in Redis for
// the ops status endpoint.
const RenewalScanStatusKey = "jobs:renewal-scan:last"

type ScanStatus struct {
	RanAt    time.Time `json:"ran_at"`
	Matched  int       `json:"matched"`
	Enqueued int       `json:"enqueued"`
}

// RenewalScanner periodically enqueues a renewal reminder job for every
// active contract expiring inside the reminder window. The idempotency key is
// scoped to the calendar day, so re-scans and overlapping deployments enqueue
// duplicates that the consumer's ledger collapses to one send per contract
// per day.
type RenewalScanner struct {
	DB             *gorm.DB
	Logger         *logrus.Logger
	Interval       time.Duration
	ReminderWindow time.Duration
	LockTTL        time.Duration

	enqueue func(ctx context.Context, contract models.Contract, key string) error
}

func NewRenewalScanner(db *gorm.DB, logger *logrus.Logger) *RenewalScanner {
	return &RenewalScanner{
		DB:             db,
		Logger:         logger,
		Interval:       time.Duration(intFromEnv("RENEWAL_SCAN_INTERVAL_SECONDS", 3600)) * time.Second,
		ReminderWindow: time.Duration(intFromEnv("RENEWAL_REMINDER_WINDOW_DAYS", 14)) * 24 * time.Hour,
		LockTTL:        5 * time.Minute,
		enqueue:        enqueueRenewalReminder,
	}
}

// RenewalIdempotencyKey derives the day-scoped dedup key for one contract.
func RenewalIdempotencyKey(contractId int, day time.Time) string {
	return fmt.Sprintf("renewal-%d-%s", contractId, day.UTC().Format("2006-01-02"))
}

func (s *RenewalScanner) Run(ctx context.Context) {
	// First pass immediately so a fresh deploy does not wait a full interval.
	s.scanOnce(ctx)

	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.scanOnce(ctx)
		}
	}
}

func (s *RenewalScanner) scanOnce(ctx context.Context) {
	locker := config.GetRedisLock()
	if locker != nil {
		lock, err := locker.Obtain(ctx, renewalScanLockKey, s.LockTTL, nil)
		if err != nil {
			if !errors.Is(err, redislock.ErrNotObtained) && ctx.Err() == nil {
				config.LogError(s.Logger, "renewal.go", "scanOnce", "obtain scan lock", nil, err)
			}
			return
		}
		defer lock.Release(ctx)
	}

	now := time.Now().UTC()
	contracts, err := models.FindContractsExpiringWithin(s.DB.WithContext(ctx), now, s.ReminderWindow)
	if err != nil {
		config.LogError(s.Logger, "renewal.go", "scanOnce", "find expiring contracts", nil, err)
		return
	}

	enqueued := 0
	for _, contract := range contracts {
		key := RenewalIdempotencyKey(contract.ID, now)
		if err := s.enqueue(ctx, contract, key); err != nil {
			// One bad contract must not abort the rest of the scan.
			config.LogError(s.Logger, "renewal.go", "scanOnce", "enqueue renewal reminder", contract.ID, err)
			continue
		}
		enqueued++
	}

	status := ScanStatus{RanAt: now, Matched: len(contracts), Enqueued: enqueued}
	if err := config.SetRedisObject(ctx, RenewalScanStatusKey, status, 48*time.Hour); err != nil {
		config.LogError(s.Logger, "renewal.go", "scanOnce", "record scan status", nil, err)
	}

	if len(contracts) > 0 {
		s.Logger.WithFields(logrus.Fields{
			"field":    "RenewalScanner",
			"matched":  len(contracts),
			"enqueued": enqueued,
		}).Info("renewal scan completed")
	}
}

func enqueueRenewalReminder(ctx context.Context, contract models.Contract, key string) error {
	payload := map[string]int{"contractId": contract.ID}
	_, err := jobs.Enqueue(ctx, jobs.TypeRenewalEmail, contract.TenantId, payload, jobs.Options{
		IdempotencyKey: key,
	})
	return err
}

func intFromEnv(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}
