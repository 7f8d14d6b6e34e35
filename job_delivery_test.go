package main

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/billing_jobs/jobs"
	"bitbucket.org/mmdatafocus/billing_jobs/utils"
	"bitbucket.org/mmdatafocus/billing_jobs/workflow"
	"github.com/sirupsen/logrus"
)

// NOTE: These tests are intentionally DB- and broker-free. They validate the
// delivery state machine in isolation: which deliveries are acked, which are
// nacked, when a retry copy is scheduled, and when a message is dead-lettered.
// Full DB+PubSub integration tests should be added in an environment that can
// run MySQL + the Pub/Sub emulator.

type fakeDelivery struct {
	processErr   error
	processCalls []jobs.Envelope
	retries      []jobs.Envelope
	retryErr     error
	deadLetters  []string
	rawDead      int
}

func newTestWorker(f *fakeDelivery) *JobWorker {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return &JobWorker{
		Logger:         logger,
		HandlerTimeout: time.Minute,
		process: func(ctx context.Context, env jobs.Envelope) error {
			f.processCalls = append(f.processCalls, env)
			return f.processErr
		},
		scheduleRetry: func(ctx context.Context, env jobs.Envelope) error {
			if f.retryErr != nil {
				return f.retryErr
			}
			f.retries = append(f.retries, env)
			return nil
		},
		deadLetter: func(ctx context.Context, env jobs.Envelope, reason string) error {
			f.deadLetters = append(f.deadLetters, reason)
			return nil
		},
		deadLetterRaw: func(ctx context.Context, raw []byte, reason string) error {
			f.rawDead++
			return nil
		},
	}
}

func testEnvelope(attempt, maxAttempts int) jobs.Envelope {
	return jobs.Envelope{
		ID:             "job-1",
		Type:           jobs.TypeInvoicePdfGeneration,
		TenantId:       "tenant-1",
		Payload:        json.RawMessage(`{"invoiceId":7}`),
		IdempotencyKey: "invoice-pdf-7",
		Attempt:        attempt,
		MaxAttempts:    maxAttempts,
		CreatedAt:      time.Now().UTC(),
	}
}

func deliver(w *JobWorker, env jobs.Envelope) deliveryOutcome {
	raw, err := json.Marshal(env)
	if err != nil {
		panic(err)
	}
	return w.handleDelivery(context.Background(), raw)
}

func TestDelivery_SuccessAcksWithoutRetry(t *testing.T) {
	f := &fakeDelivery{}
	w := newTestWorker(f)

	if got := deliver(w, testEnvelope(1, 3)); got != outcomeAck {
		t.Fatalf("outcome = %v, want ack", got)
	}
	if len(f.processCalls) != 1 {
		t.Errorf("process calls = %d, want 1", len(f.processCalls))
	}
	if len(f.retries) != 0 || len(f.deadLetters) != 0 {
		t.Errorf("success scheduled retry or dead letter")
	}
}

func TestDelivery_FailFailSucceedRunsThreeAttempts(t *testing.T) {
	f := &fakeDelivery{}
	w := newTestWorker(f)

	// First two attempts fail, third succeeds. Each failed delivery must ack
	// after scheduling the retry copy; the chain is driven by feeding the
	// scheduled copy back in as the next delivery.
	f.processErr = errors.New("downstream unavailable")
	env := testEnvelope(1, 3)
	for i := 0; i < 2; i++ {
		if got := deliver(w, env); got != outcomeAck {
			t.Fatalf("attempt %d outcome = %v, want ack", i+1, got)
		}
		if len(f.retries) != i+1 {
			t.Fatalf("attempt %d scheduled %d retries, want %d", i+1, len(f.retries), i+1)
		}
		env = f.retries[len(f.retries)-1]
	}

	f.processErr = nil
	if got := deliver(w, env); got != outcomeAck {
		t.Fatalf("final outcome = %v, want ack", got)
	}

	if len(f.processCalls) != 3 {
		t.Fatalf("process calls = %d, want 3", len(f.processCalls))
	}
	for i, call := range f.processCalls {
		if call.Attempt != i+1 {
			t.Errorf("call %d attempt = %d, want %d", i, call.Attempt, i+1)
		}
		if call.ID != "job-1" || call.IdempotencyKey != "invoice-pdf-7" {
			t.Errorf("call %d lost identity: id=%q key=%q", i, call.ID, call.IdempotencyKey)
		}
	}
	if len(f.deadLetters) != 0 {
		t.Errorf("dead letter published for a job that eventually succeeded")
	}
}

func TestDelivery_ExhaustedAttemptsDeadLetter(t *testing.T) {
	f := &fakeDelivery{processErr: errors.New("still broken")}
	w := newTestWorker(f)

	env := testEnvelope(1, 2)
	if got := deliver(w, env); got != outcomeAck {
		t.Fatalf("first outcome = %v, want ack", got)
	}
	if got := deliver(w, f.retries[0]); got != outcomeAck {
		t.Fatalf("second outcome = %v, want ack", got)
	}

	if len(f.processCalls) != 2 {
		t.Errorf("process calls = %d, want exactly maxAttempts (2)", len(f.processCalls))
	}
	if len(f.retries) != 1 {
		t.Errorf("retries scheduled = %d, want 1", len(f.retries))
	}
	if len(f.deadLetters) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(f.deadLetters))
	}
	if f.deadLetters[0] != "still broken" {
		t.Errorf("dead letter reason = %q, want the final failure", f.deadLetters[0])
	}
}

func TestDelivery_MalformedBodyIsPoison(t *testing.T) {
	f := &fakeDelivery{}
	w := newTestWorker(f)

	if got := w.handleDelivery(context.Background(), []byte("{not json")); got != outcomeAck {
		t.Fatalf("outcome = %v, want ack", got)
	}
	if len(f.processCalls) != 0 {
		t.Errorf("poison message reached the callback")
	}
	if f.rawDead != 1 {
		t.Errorf("rawDead = %d, want 1", f.rawDead)
	}
	if len(f.retries) != 0 {
		t.Errorf("poison message scheduled a retry")
	}
}

func TestDelivery_InvalidEnvelopeIsPoison(t *testing.T) {
	f := &fakeDelivery{}
	w := newTestWorker(f)

	env := testEnvelope(1, 3)
	env.IdempotencyKey = ""
	if got := deliver(w, env); got != outcomeAck {
		t.Fatalf("outcome = %v, want ack", got)
	}
	if len(f.processCalls) != 0 || f.rawDead != 1 {
		t.Errorf("invalid envelope was not dead-lettered before the callback")
	}
}

func TestDelivery_UnknownTypeIsPoison(t *testing.T) {
	f := &fakeDelivery{}
	w := newTestWorker(f)

	env := testEnvelope(1, 3)
	env.Type = "report_generation"
	if got := deliver(w, env); got != outcomeAck {
		t.Fatalf("outcome = %v, want ack", got)
	}
	if len(f.processCalls) != 0 {
		t.Errorf("unknown type reached the callback")
	}
	if len(f.deadLetters) != 1 {
		t.Errorf("dead letters = %d, want 1", len(f.deadLetters))
	}
	if len(f.retries) != 0 {
		t.Errorf("unknown type scheduled a retry")
	}
}

func TestDelivery_PermanentErrorSkipsRetries(t *testing.T) {
	f := &fakeDelivery{processErr: utils.Permanent(errors.New("invoice does not exist"))}
	w := newTestWorker(f)

	if got := deliver(w, testEnvelope(1, 3)); got != outcomeAck {
		t.Fatalf("outcome = %v, want ack", got)
	}
	if len(f.processCalls) != 1 {
		t.Errorf("process calls = %d, want 1", len(f.processCalls))
	}
	if len(f.retries) != 0 {
		t.Errorf("permanent failure scheduled a retry")
	}
	if len(f.deadLetters) != 1 {
		t.Errorf("dead letters = %d, want 1", len(f.deadLetters))
	}
}

func TestDelivery_InProgressClaimNacks(t *testing.T) {
	f := &fakeDelivery{processErr: workflow.ErrIdempotencyInProgress}
	w := newTestWorker(f)

	if got := deliver(w, testEnvelope(1, 3)); got != outcomeNack {
		t.Fatalf("outcome = %v, want nack", got)
	}
	if len(f.retries) != 0 || len(f.deadLetters) != 0 {
		t.Errorf("in-progress claim triggered retry or dead letter")
	}
}

func TestDelivery_RetryScheduleFailureNacks(t *testing.T) {
	f := &fakeDelivery{
		processErr: errors.New("downstream unavailable"),
		retryErr:   errors.New("redis down"),
	}
	w := newTestWorker(f)

	// The original delivery must stay unacked when the retry copy could not
	// be stored, otherwise the job would vanish.
	if got := deliver(w, testEnvelope(1, 3)); got != outcomeNack {
		t.Fatalf("outcome = %v, want nack", got)
	}
	if len(f.deadLetters) != 0 {
		t.Errorf("bookkeeping failure dead-lettered the job")
	}
}

func TestDelivery_PanicInCallbackIsFailure(t *testing.T) {
	f := &fakeDelivery{}
	w := newTestWorker(f)
	w.process = func(ctx context.Context, env jobs.Envelope) error {
		f.processCalls = append(f.processCalls, env)
		panic("nil map write")
	}

	if got := deliver(w, testEnvelope(1, 3)); got != outcomeAck {
		t.Fatalf("outcome = %v, want ack", got)
	}
	if len(f.retries) != 1 {
		t.Fatalf("retries = %d, want 1 (panic treated as retriable failure)", len(f.retries))
	}
	if f.retries[0].Attempt != 2 {
		t.Errorf("retry attempt = %d, want 2", f.retries[0].Attempt)
	}
}

func TestDelivery_RetryCopyPreservesIdentity(t *testing.T) {
	f := &fakeDelivery{processErr: errors.New("flaky")}
	w := newTestWorker(f)

	env := testEnvelope(2, 5)
	if got := deliver(w, env); got != outcomeAck {
		t.Fatalf("outcome = %v, want ack", got)
	}
	retry := f.retries[0]
	if retry.ID != env.ID || retry.IdempotencyKey != env.IdempotencyKey {
		t.Errorf("retry copy lost identity: id=%q key=%q", retry.ID, retry.IdempotencyKey)
	}
	if retry.Attempt != 3 {
		t.Errorf("retry attempt = %d, want 3", retry.Attempt)
	}
	if string(retry.Payload) != string(env.Payload) {
		t.Errorf("retry copy altered the payload")
	}
}
