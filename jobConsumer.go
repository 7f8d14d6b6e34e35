package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/billing_jobs/config"
	"bitbucket.org/mmdatafocus/billing_jobs/jobs"
	"bitbucket.org/mmdatafocus/billing_jobs/utils"
	"bitbucket.org/mmdatafocus/billing_jobs/workflow"
	"cloud.google.com/go/pubsub"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// deliveryOutcome is the acknowledgment decision for one delivery attempt.
// Every delivery resolves to exactly one of these; callback errors never
// escape the consumer loop.
type deliveryOutcome int

const (
	outcomeAck deliveryOutcome = iota
	outcomeNack
)

var errUnknownJobType = errors.New("unknown job type")

// JobWorker turns one delivered message into at most one attempted execution
// of the domain callback plus an acknowledgment decision. The function fields
// default to the production implementations; tests swap them out to exercise
// the state machine without a broker or database.
type JobWorker struct {
	Logger         *logrus.Logger
	HandlerTimeout time.Duration

	process       func(ctx context.Context, env jobs.Envelope) error
	scheduleRetry func(ctx context.Context, env jobs.Envelope) error
	deadLetter    func(ctx context.Context, env jobs.Envelope, reason string) error
	deadLetterRaw func(ctx context.Context, raw []byte, reason string) error
}

func NewJobWorker(logger *logrus.Logger) *JobWorker {
	return &JobWorker{
		Logger:         logger,
		HandlerTimeout: time.Duration(envInt("JOB_HANDLER_TIMEOUT_SECONDS", 120)) * time.Second,
		process:        ProcessJobMessage,
		scheduleRetry:  jobs.ScheduleRetry,
		deadLetter:     jobs.PublishDeadLetter,
		deadLetterRaw:  jobs.PublishDeadLetterRaw,
	}
}

// RunJobConsumers starts one receive loop per job type, pulling one message
// at a time per worker process. Horizontal scale-out is more processes
// against the same subscriptions; the broker arbitrates which worker gets
// which message, so no cross-worker locking is needed here.
func RunJobConsumers(ctx context.Context, logger *logrus.Logger) error {
	client, err := config.GetClient(ctx)
	if err != nil {
		return err
	}

	worker := NewJobWorker(logger)
	for _, jt := range jobs.AllTypes() {
		sub := client.Subscription(config.JobSubscriptionName(jt))
		sub.ReceiveSettings.MaxOutstandingMessages = 1
		sub.ReceiveSettings.NumGoroutines = 1
		sub.ReceiveSettings.Synchronous = true

		go func(jobType string, sub *pubsub.Subscription) {
			err := sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
				switch worker.handleDelivery(ctx, msg.Data) {
				case outcomeAck:
					msg.Ack()
				default:
					msg.Nack()
				}
			})
			if err != nil && ctx.Err() == nil {
				config.LogError(logger, "jobConsumer.go", "RunJobConsumers", "Receive loop stopped", jobType, err)
			}
		}(jt, sub)
	}
	return nil
}

// handleDelivery is the per-delivery state machine:
// malformed/unknown envelope -> dead-letter immediately (poison, no retries);
// idempotent replay -> ack; success -> ack; failure with attempts left ->
// schedule delayed retry then ack; exhausted or permanent failure ->
// dead-letter then ack. Any failure of the bookkeeping itself nacks, and the
// broker's dead-letter policy caps total redeliveries.
func (w *JobWorker) handleDelivery(ctx context.Context, raw []byte) deliveryOutcome {
	var env jobs.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return w.poisonRaw(ctx, raw, "malformed envelope: "+err.Error())
	}
	if err := env.Validate(); err != nil {
		return w.poisonRaw(ctx, raw, "invalid envelope: "+err.Error())
	}
	if !jobs.IsKnownType(env.Type) {
		return w.poison(ctx, env, fmt.Sprintf("unknown job type %q", env.Type))
	}

	err := w.runCallback(ctx, env)
	if err == nil {
		return outcomeAck
	}
	if errors.Is(err, workflow.ErrIdempotencyInProgress) {
		// Another worker holds a live claim on this key; redeliver later.
		return outcomeNack
	}
	if utils.IsPermanent(err) {
		return w.poison(ctx, env, err.Error())
	}

	w.Logger.WithFields(logrus.Fields{
		"field":        "JobConsumer",
		"job_id":       env.ID,
		"job_type":     env.Type,
		"tenant_id":    env.TenantId,
		"attempt":      env.Attempt,
		"max_attempts": env.MaxAttempts,
	}).Error("job callback failed: " + err.Error())

	if env.Attempt < env.MaxAttempts {
		// Schedule the retry copy BEFORE acking the original, so the job
		// always exists either in the queue or in the delay store.
		if schedErr := w.scheduleRetry(ctx, env.NextAttempt()); schedErr != nil {
			config.LogError(w.Logger, "jobConsumer.go", "handleDelivery", "schedule retry", env.ID, schedErr)
			return outcomeNack
		}
		return outcomeAck
	}

	if dlErr := w.deadLetter(ctx, env, err.Error()); dlErr != nil {
		config.LogError(w.Logger, "jobConsumer.go", "handleDelivery", "dead-letter publish", env.ID, dlErr)
		return outcomeNack
	}
	return outcomeAck
}

// runCallback wraps the delivery processing with a deadline and panic
// recovery; both resolve to a Failure feeding the retry decision. The broker
// has no visibility into callback duration, so a hung callback would
// otherwise hold this worker's only prefetch slot forever.
func (w *JobWorker) runCallback(ctx context.Context, env jobs.Envelope) (err error) {
	if w.HandlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.HandlerTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job callback panicked: %v", r)
		}
	}()
	return w.process(ctx, env)
}

func (w *JobWorker) poison(ctx context.Context, env jobs.Envelope, reason string) deliveryOutcome {
	w.Logger.WithFields(logrus.Fields{
		"field":     "JobConsumer",
		"job_id":    env.ID,
		"job_type":  env.Type,
		"tenant_id": env.TenantId,
		"attempt":   env.Attempt,
	}).Warn("poison message dead-lettered: " + reason)
	if err := w.deadLetter(ctx, env, reason); err != nil {
		config.LogError(w.Logger, "jobConsumer.go", "poison", "dead-letter publish", env.ID, err)
		return outcomeNack
	}
	return outcomeAck
}

func (w *JobWorker) poisonRaw(ctx context.Context, raw []byte, reason string) deliveryOutcome {
	w.Logger.WithFields(logrus.Fields{
		"field": "JobConsumer",
	}).Warn("poison message dead-lettered: " + reason)
	if err := w.deadLetterRaw(ctx, raw, reason); err != nil {
		config.LogError(w.Logger, "jobConsumer.go", "poisonRaw", "dead-letter publish", nil, err)
		return outcomeNack
	}
	return outcomeAck
}

// ProcessJobMessage claims the idempotency key, runs the domain callback, and
// records the result summary, all inside one DB transaction. Returning error
// rolls the claim's transaction back; the failure note is then written on the
// outer connection so it survives.
func ProcessJobMessage(ctx context.Context, env jobs.Envelope) error {
	logger := config.GetLogger()
	db := config.GetDB()
	if db == nil {
		return errors.New("db is nil")
	}

	ctx = utils.SetTenantIdInContext(ctx, env.TenantId)
	ctx = utils.SetJobIdInContext(ctx, env.ID)
	ctx = utils.SetUserNameInContext(ctx, "System")
	if env.CorrelationId != "" {
		ctx = utils.SetCorrelationIdInContext(ctx, env.CorrelationId)
	}

	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		skip, err := workflow.BeginIdempotency(tx, env.TenantId, env.Type, env.IdempotencyKey)
		if err != nil {
			return err
		}
		if skip {
			fields := utils.ContextLogFields(ctx)
			fields["field"] = "JobConsumer"
			fields["job_type"] = env.Type
			fields["idempotency_key"] = env.IdempotencyKey
			logger.WithFields(fields).Info("duplicate delivery skipped; side effect already recorded")
			return nil
		}

		summary, err := ProcessJob(tx, logger, env)
		if err != nil {
			return err
		}
		return workflow.MarkIdempotencySucceeded(tx, env.TenantId, env.IdempotencyKey, summary)
	})
	if err != nil && !errors.Is(err, workflow.ErrIdempotencyInProgress) {
		_ = workflow.MarkIdempotencyFailed(db.WithContext(ctx), env.TenantId, env.IdempotencyKey, err)
	}
	return err
}

// ProcessJob selects the domain callback for the envelope's job type.
func ProcessJob(tx *gorm.DB, logger *logrus.Logger, env jobs.Envelope) (string, error) {
	switch env.Type {
	case jobs.TypeInvoicePdfGeneration:
		return workflow.ProcessInvoicePdfWorkflow(tx, logger, env)
	case jobs.TypeRenewalEmail:
		return workflow.ProcessRenewalEmailWorkflow(tx, logger, env)
	}
	return "", fmt.Errorf("%w: %s", errUnknownJobType, env.Type)
}
