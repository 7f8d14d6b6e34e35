package models

import (
	"time"
)

// DeadLetterEntry is written once by the dead-letter monitor when a job goes
// terminal (retries exhausted or poison message). Read-only thereafter except
// for the operator replay endpoint, which stamps ReplayedAt.
type DeadLetterEntry struct {
	ID            int        `gorm:"primary_key" json:"id"`
	JobId         string     `gorm:"size:64;not null;index:uniq_dead_job,unique" json:"job_id"`
	JobType       string     `gorm:"size:64;not null;index" json:"job_type"`
	TenantId      string     `gorm:"size:64;not null;index" json:"tenant_id"`
	Attempt       int        `gorm:"not null" json:"attempt"`
	MaxAttempts   int        `gorm:"not null" json:"max_attempts"`
	Reason        string     `gorm:"type:text" json:"reason"`
	Envelope      []byte     `gorm:"type:blob" json:"envelope"`
	CorrelationId string     `gorm:"size:64;index" json:"correlation_id"`
	ReplayedAt    *time.Time `gorm:"index" json:"replayed_at"`
	CreatedAt     time.Time  `gorm:"autoCreateTime" json:"created_at"`
}
