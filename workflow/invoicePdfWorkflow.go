package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"bitbucket.org/mmdatafocus/billing_jobs/jobs"
	"bitbucket.org/mmdatafocus/billing_jobs/models"
	"bitbucket.org/mmdatafocus/billing_jobs/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type invoicePdfPayload struct {
	InvoiceId int `json:"invoiceId"`
}

// ProcessInvoicePdfWorkflow renders the invoice PDF, uploads it to GCS, and
// stores the artifact URL on the invoice row inside the job transaction.
// The returned summary is the artifact URL.
func ProcessInvoicePdfWorkflow(tx *gorm.DB, logger *logrus.Logger, env jobs.Envelope) (string, error) {
	var payload invoicePdfPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return "", utils.Permanent(fmt.Errorf("invalid invoice_pdf_generation payload: %w", err))
	}
	if payload.InvoiceId <= 0 {
		return "", utils.Permanent(errors.New("invoiceId is required"))
	}

	inv, err := models.GetInvoice(tx, env.TenantId, payload.InvoiceId)
	if err != nil {
		if errors.Is(err, utils.ErrorRecordNotFound) {
			// Invoice deleted between enqueue and delivery; retrying cannot help.
			return "", utils.Permanent(fmt.Errorf("invoice %d not found for tenant %s", payload.InvoiceId, env.TenantId))
		}
		return "", err
	}

	doc := RenderInvoicePdf(inv)

	ctx := tx.Statement.Context
	if ctx == nil {
		ctx = context.Background()
	}
	objectName := fmt.Sprintf("%s/invoices/%d.pdf", env.TenantId, inv.ID)
	url, err := utils.UploadObject(ctx, objectName, "application/pdf", doc)
	if err != nil {
		return "", fmt.Errorf("upload invoice pdf: %w", err)
	}

	if err := tx.Model(&models.Invoice{}).
		Where("id = ?", inv.ID).
		Update("pdf_url", url).Error; err != nil {
		return "", err
	}

	logger.WithFields(logrus.Fields{
		"field":      "InvoicePdfWorkflow",
		"tenant_id":  env.TenantId,
		"invoice_id": inv.ID,
		"job_id":     env.ID,
		"pdf_url":    url,
	}).Info("invoice pdf generated")

	return url, nil
}
