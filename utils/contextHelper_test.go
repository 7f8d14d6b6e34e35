package utils

import (
	"context"
	"testing"
)

func TestContextLogFields_CollectsSetValues(t *testing.T) {
	ctx := context.Background()
	ctx = SetTenantIdInContext(ctx, "tenant-1")
	ctx = SetUserNameInContext(ctx, "System")
	ctx = SetCorrelationIdInContext(ctx, "corr-1")
	ctx = SetJobIdInContext(ctx, "job-1")

	fields := ContextLogFields(ctx)
	want := map[string]string{
		"tenant_id":      "tenant-1",
		"user":           "System",
		"correlation_id": "corr-1",
		"job_id":         "job-1",
	}
	for key, val := range want {
		if fields[key] != val {
			t.Errorf("fields[%q] = %v, want %q", key, fields[key], val)
		}
	}
}

func TestContextLogFields_OmitsAbsentValues(t *testing.T) {
	ctx := SetJobIdInContext(context.Background(), "job-1")

	fields := ContextLogFields(ctx)
	if len(fields) != 1 {
		t.Fatalf("fields = %v, want only job_id", fields)
	}
	if _, ok := fields["tenant_id"]; ok {
		t.Errorf("unset tenant leaked into fields")
	}
}

func TestContextLogFields_NilContext(t *testing.T) {
	if fields := ContextLogFields(nil); len(fields) != 0 {
		t.Errorf("nil context produced fields: %v", fields)
	}
}
