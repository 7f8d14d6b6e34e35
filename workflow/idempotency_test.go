package workflow

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/billing_jobs/models"
	mysqlDriver "github.com/go-sql-driver/mysql"
)

// NOTE: These tests are intentionally DB-free. They validate the claim
// resolution semantics after a duplicate-key collision: completed work is
// skipped, a live claim makes the delivery wait, and abandoned or failed
// claims are re-claimed. The INSERT race itself rides on the MySQL unique
// index and needs a real database to exercise.

func claimRecord(status models.IdempotencyStatus, updatedAt time.Time) models.IdempotencyRecord {
	return models.IdempotencyRecord{
		ID:             1,
		TenantId:       "tenant-1",
		IdempotencyKey: "invoice-pdf-7",
		JobType:        "invoice_pdf_generation",
		Status:         status,
		UpdatedAt:      updatedAt,
	}
}

func TestClaimDecision_SucceededRowSkipsRedelivery(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	rec := claimRecord(models.IdempotencyStatusSucceeded, now.Add(-time.Hour))

	if got := claimDecision(rec, now); got != claimSkip {
		t.Fatalf("claimDecision = %v, want skip", got)
	}
	// Age is irrelevant once the work succeeded; even a just-written row skips.
	rec.UpdatedAt = now
	if got := claimDecision(rec, now); got != claimSkip {
		t.Fatalf("fresh SUCCEEDED row: claimDecision = %v, want skip", got)
	}
}

func TestClaimDecision_FreshStartedClaimWaits(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	rec := claimRecord(models.IdempotencyStatusStarted, now.Add(-time.Minute))

	if got := claimDecision(rec, now); got != claimWait {
		t.Fatalf("claimDecision = %v, want wait (live worker holds the claim)", got)
	}
}

func TestClaimDecision_StaleStartedClaimIsReclaimed(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	rec := claimRecord(models.IdempotencyStatusStarted, now.Add(-inProgressStaleAfter))
	if got := claimDecision(rec, now); got != claimReclaim {
		t.Fatalf("claim at the stale boundary: claimDecision = %v, want reclaim", got)
	}

	rec.UpdatedAt = now.Add(-inProgressStaleAfter + time.Second)
	if got := claimDecision(rec, now); got != claimWait {
		t.Fatalf("claim just inside the window: claimDecision = %v, want wait", got)
	}
}

func TestClaimDecision_FailedRowIsReclaimed(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	rec := claimRecord(models.IdempotencyStatusFailed, now)

	if got := claimDecision(rec, now); got != claimReclaim {
		t.Fatalf("claimDecision = %v, want reclaim", got)
	}
}

func TestClaimDecision_UnknownStatusIsReclaimed(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	rec := claimRecord(models.IdempotencyStatus("CORRUPT"), now)

	if got := claimDecision(rec, now); got != claimReclaim {
		t.Fatalf("claimDecision = %v, want reclaim", got)
	}
}

func TestIsDuplicateKeyErr(t *testing.T) {
	dup := &mysqlDriver.MySQLError{Number: 1062, Message: "Duplicate entry"}
	if !isDuplicateKeyErr(dup) {
		t.Errorf("1062 not recognized as duplicate key")
	}
	if !isDuplicateKeyErr(fmt.Errorf("create idempotency record: %w", dup)) {
		t.Errorf("wrapped 1062 not recognized")
	}
	if isDuplicateKeyErr(&mysqlDriver.MySQLError{Number: 1213}) {
		t.Errorf("deadlock error misread as duplicate key")
	}
	if isDuplicateKeyErr(errors.New("connection refused")) {
		t.Errorf("plain error misread as duplicate key")
	}
}
