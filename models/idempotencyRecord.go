package models

import (
	"time"
)

type IdempotencyStatus string

const (
	IdempotencyStatusStarted   IdempotencyStatus = "STARTED"
	IdempotencyStatusSucceeded IdempotencyStatus = "SUCCEEDED"
	IdempotencyStatusFailed    IdempotencyStatus = "FAILED"
)

// IdempotencyRecord is the durable ledger row for one logical unit of work.
// The unique (tenant_id, idempotency_key) index is what turns check-then-act
// into a single atomic claim: the second writer's INSERT fails with a
// duplicate-key error and must read the winner's row instead.
//
// A SUCCEEDED row is never mutated afterwards; pruning old rows after a
// retention window is an operator concern, not enforced here.
type IdempotencyRecord struct {
	ID             int               `gorm:"primary_key" json:"id"`
	TenantId       string            `gorm:"size:64;not null;index:uniq_idem,unique" json:"tenant_id"`
	IdempotencyKey string            `gorm:"size:255;not null;index:uniq_idem,unique" json:"idempotency_key"`
	JobType        string            `gorm:"size:64;not null;index" json:"job_type"`
	Status         IdempotencyStatus `gorm:"size:20;not null;index" json:"status"`
	ResultSummary  *string           `gorm:"type:text" json:"result_summary"`
	LastError      *string           `gorm:"type:text" json:"last_error"`
	CompletedAt    *time.Time        `gorm:"index" json:"completed_at"`
	CreatedAt      time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}
