package workflow

import (
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/billing_jobs/models"
	mysqlDriver "github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
)

var ErrIdempotencyInProgress = errors.New("idempotency in progress")

// inProgressStaleAfter bounds how long a STARTED claim blocks other workers.
// Longer than the handler timeout, so a live worker is never preempted.
const inProgressStaleAfter = 5 * time.Minute

func isDuplicateKeyErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}

// BeginIdempotency atomically claims a unit of work by inserting a STARTED
// row; the unique (tenant_id, idempotency_key) constraint fails the second
// writer, closing the cross-worker check-then-act race.
//
// Returns (true, nil) when a SUCCEEDED record already exists; the delivery
// is a replay and must be acked without re-running side effects. Returns
// ErrIdempotencyInProgress when another worker holds a fresh claim; the
// caller nacks so the broker redelivers later. A stale STARTED or FAILED row
// is re-claimed in place.
func BeginIdempotency(tx *gorm.DB, tenantId, jobType, idempotencyKey string) (skip bool, err error) {
	rec := models.IdempotencyRecord{
		TenantId:       tenantId,
		IdempotencyKey: idempotencyKey,
		JobType:        jobType,
		Status:         models.IdempotencyStatusStarted,
	}
	if err := tx.Create(&rec).Error; err == nil {
		return false, nil
	} else if !isDuplicateKeyErr(err) {
		return false, err
	}

	var existing models.IdempotencyRecord
	if err := tx.Where("tenant_id = ? AND idempotency_key = ?", tenantId, idempotencyKey).
		First(&existing).Error; err != nil {
		return false, err
	}

	switch claimDecision(existing, time.Now().UTC()) {
	case claimSkip:
		return true, nil
	case claimWait:
		return false, ErrIdempotencyInProgress
	default:
		return false, reclaim(tx, existing.ID)
	}
}

type claimAction int

const (
	claimSkip claimAction = iota
	claimWait
	claimReclaim
)

// claimDecision resolves what the losing writer does with the row it collided
// with: a SUCCEEDED row means the work is done and the delivery is skipped; a
// fresh STARTED row belongs to a live worker and the delivery waits for
// redelivery; a stale STARTED row (crashed worker) or a FAILED row is
// re-claimed in place.
func claimDecision(existing models.IdempotencyRecord, now time.Time) claimAction {
	switch existing.Status {
	case models.IdempotencyStatusSucceeded:
		return claimSkip
	case models.IdempotencyStatusStarted:
		if now.Sub(existing.UpdatedAt) < inProgressStaleAfter {
			return claimWait
		}
		return claimReclaim
	default: // FAILED or anything unexpected
		return claimReclaim
	}
}

func reclaim(tx *gorm.DB, id int) error {
	return tx.Model(&models.IdempotencyRecord{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":     models.IdempotencyStatusStarted,
			"last_error": nil,
		}).Error
}

// MarkIdempotencySucceeded records the side effect's result summary. Must
// complete (in the same transaction as the side effect) before the delivery
// is acked, else a crash in between produces a legitimate duplicate on
// redelivery.
func MarkIdempotencySucceeded(tx *gorm.DB, tenantId, idempotencyKey, resultSummary string) error {
	now := time.Now().UTC()
	return tx.Model(&models.IdempotencyRecord{}).
		Where("tenant_id = ? AND idempotency_key = ?", tenantId, idempotencyKey).
		Updates(map[string]interface{}{
			"status":         models.IdempotencyStatusSucceeded,
			"result_summary": &resultSummary,
			"completed_at":   &now,
			"last_error":     nil,
		}).Error
}

// MarkIdempotencyFailed runs on the outer connection, not the rolled-back
// transaction, so the failure note survives.
func MarkIdempotencyFailed(db *gorm.DB, tenantId, idempotencyKey string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return db.Model(&models.IdempotencyRecord{}).
		Where("tenant_id = ? AND idempotency_key = ? AND status <> ?",
			tenantId, idempotencyKey, models.IdempotencyStatusSucceeded).
		Updates(map[string]interface{}{
			"status":     models.IdempotencyStatusFailed,
			"last_error": &msg,
		}).Error
}

// GetIdempotencyRecord is used by the ops API for inspection.
func GetIdempotencyRecord(db *gorm.DB, tenantId, idempotencyKey string) (*models.IdempotencyRecord, error) {
	var rec models.IdempotencyRecord
	err := db.Where("tenant_id = ? AND idempotency_key = ?", tenantId, idempotencyKey).
		Take(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}
