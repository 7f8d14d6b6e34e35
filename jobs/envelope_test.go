package jobs

import (
	"encoding/json"
	"testing"
	"time"
)

func validEnvelope() Envelope {
	return Envelope{
		ID:             "9b1deb4d-3b7d-4bad-9bdd-2b0d7b3dcb6d",
		Type:           TypeInvoicePdfGeneration,
		TenantId:       "tenant-1",
		Payload:        json.RawMessage(`{"invoiceId":42}`),
		IdempotencyKey: "invoice-pdf-42",
		Attempt:        1,
		MaxAttempts:    3,
		CreatedAt:      time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		CorrelationId:  "corr-1",
	}
}

func TestNextAttempt_PreservesIdentity(t *testing.T) {
	env := validEnvelope()
	next := env.NextAttempt()

	if next.Attempt != env.Attempt+1 {
		t.Fatalf("attempt = %d, want %d", next.Attempt, env.Attempt+1)
	}
	if next.ID != env.ID {
		t.Errorf("id changed across attempts: %q -> %q", env.ID, next.ID)
	}
	if next.IdempotencyKey != env.IdempotencyKey {
		t.Errorf("idempotency key changed across attempts: %q -> %q", env.IdempotencyKey, next.IdempotencyKey)
	}
	if string(next.Payload) != string(env.Payload) {
		t.Errorf("payload changed across attempts")
	}
	if !next.CreatedAt.Equal(env.CreatedAt) {
		t.Errorf("createdAt changed across attempts")
	}
	if next.MaxAttempts != env.MaxAttempts {
		t.Errorf("maxAttempts changed across attempts")
	}

	// The original must be untouched; NextAttempt returns a copy.
	if env.Attempt != 1 {
		t.Errorf("original mutated: attempt = %d", env.Attempt)
	}
}

func TestAttributes_MirrorEnvelopeForFiltering(t *testing.T) {
	env := validEnvelope()
	attrs := env.Attributes()

	if attrs["job_type"] != env.Type {
		t.Errorf("job_type attr = %q, want %q", attrs["job_type"], env.Type)
	}
	if attrs["x-idempotency-key"] != env.IdempotencyKey {
		t.Errorf("idempotency key attr = %q, want %q", attrs["x-idempotency-key"], env.IdempotencyKey)
	}
	if attrs["x-tenant-id"] != env.TenantId {
		t.Errorf("tenant attr = %q, want %q", attrs["x-tenant-id"], env.TenantId)
	}
}

func TestValidate_RejectsIncompleteEnvelopes(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Envelope)
	}{
		{"missing id", func(e *Envelope) { e.ID = "" }},
		{"missing type", func(e *Envelope) { e.Type = "" }},
		{"missing tenant", func(e *Envelope) { e.TenantId = "" }},
		{"missing idempotency key", func(e *Envelope) { e.IdempotencyKey = "" }},
		{"zero attempt", func(e *Envelope) { e.Attempt = 0 }},
		{"zero max attempts", func(e *Envelope) { e.MaxAttempts = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := validEnvelope()
			tc.mutate(&env)
			if err := env.Validate(); err == nil {
				t.Errorf("Validate() = nil, want error")
			}
		})
	}

	env := validEnvelope()
	if err := env.Validate(); err != nil {
		t.Fatalf("valid envelope rejected: %v", err)
	}
}

func TestJSONKeysAreStable(t *testing.T) {
	raw, err := json.Marshal(validEnvelope())
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"id", "type", "tenantId", "payload", "idempotencyKey", "attempt", "maxAttempts", "createdAt", "correlationId"} {
		if _, ok := m[key]; !ok {
			t.Errorf("marshalled envelope missing key %q", key)
		}
	}
}

func TestIsKnownType(t *testing.T) {
	for _, jt := range AllTypes() {
		if !IsKnownType(jt) {
			t.Errorf("IsKnownType(%q) = false", jt)
		}
	}
	if IsKnownType("report_generation") {
		t.Errorf("IsKnownType accepted an unregistered type")
	}
}
