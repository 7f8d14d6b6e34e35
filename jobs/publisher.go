package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/billing_jobs/config"
	"bitbucket.org/mmdatafocus/billing_jobs/utils"
	"github.com/google/uuid"
)

// Options are the caller-supplied knobs for Enqueue. Callers SHOULD supply a
// deterministic IdempotencyKey (e.g. "invoice-pdf-42") so duplicate enqueues
// of the same logical work collapse in the ledger; it defaults to the job id,
// which only protects against broker redelivery, not duplicate submission.
type Options struct {
	IdempotencyKey string
	MaxAttempts    int
}

// Enqueue builds an envelope with attempt=1 and publishes it to the primary
// topic, blocking until the broker confirms durable acceptance. It performs
// no domain-state mutation; on confirmation timeout or broker error the
// caller decides whether to retry the enqueue or proceed without the
// background effect.
func Enqueue(ctx context.Context, jobType string, tenantId string, payload interface{}, opts Options) (string, error) {
	if !IsKnownType(jobType) {
		return "", fmt.Errorf("unknown job type %q", jobType)
	}
	if tenantId == "" {
		return "", fmt.Errorf("tenantId is required")
	}

	var raw json.RawMessage
	switch p := payload.(type) {
	case json.RawMessage:
		raw = p
	case []byte:
		raw = p
	default:
		b, err := json.Marshal(payload)
		if err != nil {
			return "", fmt.Errorf("marshal payload: %w", err)
		}
		raw = b
	}

	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	env := Envelope{
		ID:            uuid.NewString(),
		Type:          jobType,
		TenantId:      tenantId,
		Payload:       raw,
		Attempt:       1,
		MaxAttempts:   maxAttempts,
		CreatedAt:     time.Now().UTC(),
		CorrelationId: correlationIdFromContextOrNew(ctx),
	}
	env.IdempotencyKey = opts.IdempotencyKey
	if env.IdempotencyKey == "" {
		env.IdempotencyKey = env.ID
	}

	if err := publish(ctx, env); err != nil {
		return "", err
	}
	return env.ID, nil
}

// Republish re-publishes a retry copy produced by Envelope.NextAttempt with
// the same persistence and confirmation guarantees as Enqueue.
func Republish(ctx context.Context, env Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	return publish(ctx, env)
}

func publish(ctx context.Context, env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	_, err = config.PublishWithResult(ctx, config.JobsTopicName(), body, env.Attributes())
	if err != nil {
		return fmt.Errorf("publish job %s (%s): %w", env.ID, env.Type, err)
	}
	return nil
}

// PublishDeadLetter sends a terminal envelope to the dead-letter topic with
// the failure context as an attribute. The original delivery is acked by the
// caller only after this publish is confirmed.
func PublishDeadLetter(ctx context.Context, env Envelope, reason string) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	attrs := env.Attributes()
	attrs[config.AttrDeadReason] = reason
	_, err = config.PublishWithResult(ctx, config.JobsDeadLetterTopicName(), body, attrs)
	return err
}

// PublishDeadLetterRaw dead-letters wire bytes that failed to deserialize.
// There is no envelope to mirror, so only the reason attribute is attached.
func PublishDeadLetterRaw(ctx context.Context, raw []byte, reason string) error {
	attrs := map[string]string{config.AttrDeadReason: reason}
	_, err := config.PublishWithResult(ctx, config.JobsDeadLetterTopicName(), raw, attrs)
	return err
}

func correlationIdFromContextOrNew(ctx context.Context) string {
	if ctx != nil {
		if v, ok := utils.GetCorrelationIdFromContext(ctx); ok && v != "" {
			return v
		}
	}
	return uuid.NewString()
}
