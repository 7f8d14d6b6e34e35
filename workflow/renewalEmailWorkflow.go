package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/billing_jobs/jobs"
	"bitbucket.org/mmdatafocus/billing_jobs/models"
	"bitbucket.org/mmdatafocus/billing_jobs/utils"
	"github.com/mailgun/mailgun-go/v4"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type renewalEmailPayload struct {
	ContractId int `json:"contractId"`
}

// ProcessRenewalEmailWorkflow sends the renewal reminder for one contract.
// The returned summary names the recipient and the provider message id.
func ProcessRenewalEmailWorkflow(tx *gorm.DB, logger *logrus.Logger, env jobs.Envelope) (string, error) {
	var payload renewalEmailPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return "", utils.Permanent(fmt.Errorf("invalid renewal_email payload: %w", err))
	}
	if payload.ContractId <= 0 {
		return "", utils.Permanent(errors.New("contractId is required"))
	}

	c, err := models.GetContract(tx, env.TenantId, payload.ContractId)
	if err != nil {
		if errors.Is(err, utils.ErrorRecordNotFound) {
			return "", utils.Permanent(fmt.Errorf("contract %d not found for tenant %s", payload.ContractId, env.TenantId))
		}
		return "", err
	}
	if c.CustomerEmail == "" {
		return "", utils.Permanent(fmt.Errorf("contract %d has no customer email", c.ID))
	}
	if c.CurrentStatus != models.ContractStatusActive {
		// Cancelled/expired between scan and delivery; nothing to remind.
		return fmt.Sprintf("contract %d no longer active; reminder not sent", c.ID), nil
	}

	ctx := tx.Statement.Context
	if ctx == nil {
		ctx = context.Background()
	}
	messageId, err := sendRenewalEmail(ctx, logger, c)
	if err != nil {
		return "", err
	}

	logger.WithFields(logrus.Fields{
		"field":       "RenewalEmailWorkflow",
		"tenant_id":   env.TenantId,
		"contract_id": c.ID,
		"job_id":      env.ID,
		"recipient":   c.CustomerEmail,
		"message_id":  messageId,
	}).Info("renewal reminder sent")

	return fmt.Sprintf("renewal reminder sent to %s (message_id=%s)", c.CustomerEmail, messageId), nil
}

func sendRenewalEmail(ctx context.Context, logger *logrus.Logger, c *models.Contract) (string, error) {
	domain := strings.TrimSpace(os.Getenv("MAILGUN_DOMAIN"))
	apiKey := strings.TrimSpace(os.Getenv("MAILGUN_API_KEY"))
	fromAddr := strings.TrimSpace(os.Getenv("EMAIL_FROM_ADDRESS"))
	if domain == "" || apiKey == "" || fromAddr == "" {
		return "", errors.New("mailgun is not configured (MAILGUN_DOMAIN/MAILGUN_API_KEY/EMAIL_FROM_ADDRESS)")
	}
	fromName := strings.TrimSpace(os.Getenv("EMAIL_FROM_NAME"))
	if fromName == "" {
		fromName = "Billing"
	}

	mg := mailgun.NewMailgun(domain, apiKey)

	from := fmt.Sprintf("%s <%s>", fromName, fromAddr)
	to := c.CustomerEmail
	if c.CustomerName != "" {
		to = fmt.Sprintf("%s <%s>", c.CustomerName, c.CustomerEmail)
	}
	subject := fmt.Sprintf("Your contract %s expires on %s", c.ContractNumber, c.ExpiresAt.Format("2006-01-02"))
	text := fmt.Sprintf(
		"Hello %s,\n\nYour contract %s expires on %s. The renewal amount is %s %s.\n\nPlease renew before the expiry date to avoid interruption.\n",
		c.CustomerName, c.ContractNumber, c.ExpiresAt.Format("2006-01-02"),
		c.CurrencyCode, c.RenewalAmount.StringFixed(2),
	)

	message := mg.NewMessage(from, subject, text, to)

	sendCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	_, messageId, err := mg.Send(sendCtx, message)
	if err != nil {
		return "", fmt.Errorf("mailgun send: %w", err)
	}
	return messageId, nil
}
