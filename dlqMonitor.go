package main

import (
	"context"
	"encoding/json"
	"errors"

	"bitbucket.org/mmdatafocus/billing_jobs/config"
	"bitbucket.org/mmdatafocus/billing_jobs/jobs"
	"bitbucket.org/mmdatafocus/billing_jobs/models"
	"cloud.google.com/go/pubsub"
	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/sirupsen/logrus"
)

// RunDeadLetterMonitor consumes the dead-letter subscription, persists one
// terminal entry per job, and logs it for operator visibility. Nothing is
// replayed automatically; replay is an explicit operator action through the
// ops API.
func RunDeadLetterMonitor(ctx context.Context, logger *logrus.Logger) error {
	client, err := config.GetClient(ctx)
	if err != nil {
		return err
	}

	sub := client.Subscription(config.DeadLetterSubscriptionName())
	sub.ReceiveSettings.MaxOutstandingMessages = 10

	go func() {
		err := sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
			recordDeadLetter(ctx, logger, msg)
		})
		if err != nil && ctx.Err() == nil {
			config.LogError(logger, "dlqMonitor.go", "RunDeadLetterMonitor", "Receive loop stopped", nil, err)
		}
	}()
	return nil
}

func recordDeadLetter(ctx context.Context, logger *logrus.Logger, msg *pubsub.Message) {
	entry := models.DeadLetterEntry{
		Envelope: msg.Data,
		Reason:   msg.Attributes[config.AttrDeadReason],
	}
	if entry.Reason == "" {
		// The broker's own dead-letter policy forwards without our attribute.
		entry.Reason = "delivery attempts exhausted at broker"
	}

	var env jobs.Envelope
	if err := json.Unmarshal(msg.Data, &env); err == nil && env.ID != "" {
		entry.JobId = env.ID
		entry.JobType = env.Type
		entry.TenantId = env.TenantId
		entry.Attempt = env.Attempt
		entry.MaxAttempts = env.MaxAttempts
		entry.CorrelationId = env.CorrelationId
	} else {
		// Malformed poison body; key the row by broker message id so it is
		// still recorded exactly once.
		entry.JobId = "raw-" + msg.ID
		entry.JobType = msg.Attributes[config.AttrJobType]
		entry.TenantId = msg.Attributes[config.AttrTenantId]
	}

	db := config.GetDB()
	if db == nil {
		msg.Nack()
		return
	}
	if err := db.WithContext(ctx).Create(&entry).Error; err != nil {
		if !isDuplicateDeadLetter(err) {
			config.LogError(logger, "dlqMonitor.go", "recordDeadLetter", "persist dead letter", entry.JobId, err)
			msg.Nack()
			return
		}
	}

	logger.WithFields(logrus.Fields{
		"field":        "DeadLetterMonitor",
		"job_id":       entry.JobId,
		"job_type":     entry.JobType,
		"tenant_id":    entry.TenantId,
		"attempt":      entry.Attempt,
		"max_attempts": entry.MaxAttempts,
		"reason":       entry.Reason,
	}).Warn("job dead-lettered")
	msg.Ack()
}

func isDuplicateDeadLetter(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	return errors.As(err, &mysqlErr) && mysqlErr.Number == 1062
}
