package models

import (
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/billing_jobs/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type InvoiceStatus string

const (
	InvoiceStatusDraft     InvoiceStatus = "Draft"
	InvoiceStatusConfirmed InvoiceStatus = "Confirmed"
	InvoiceStatusPaid      InvoiceStatus = "Paid"
	InvoiceStatusVoid      InvoiceStatus = "Void"
)

type Invoice struct {
	ID            int             `gorm:"primary_key" json:"id"`
	TenantId      string          `gorm:"size:64;not null;index;index:idx_invoice_tenant_number,priority:1" json:"tenant_id"`
	InvoiceNumber string          `gorm:"size:64;not null;index:idx_invoice_tenant_number,priority:2" json:"invoice_number"`
	CustomerName  string          `gorm:"size:255" json:"customer_name"`
	CustomerEmail string          `gorm:"size:255" json:"customer_email"`
	CurrencyCode  string          `gorm:"size:8;not null;default:'USD'" json:"currency_code"`
	Total         decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"total"`
	CurrentStatus InvoiceStatus   `gorm:"size:16;not null;index" json:"current_status"`
	IssuedAt      time.Time       `gorm:"index" json:"issued_at"`
	// PdfUrl is set by the PDF generation job after the artifact is uploaded.
	PdfUrl    *string   `gorm:"size:512" json:"pdf_url"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func GetInvoice(tx *gorm.DB, tenantId string, invoiceId int) (*Invoice, error) {
	var inv Invoice
	err := tx.Where("tenant_id = ? AND id = ?", tenantId, invoiceId).Take(&inv).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &inv, nil
}

