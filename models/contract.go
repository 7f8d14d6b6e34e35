package models

import (
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/billing_jobs/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type ContractStatus string

const (
	ContractStatusActive    ContractStatus = "Active"
	ContractStatusExpired   ContractStatus = "Expired"
	ContractStatusCancelled ContractStatus = "Cancelled"
)

type Contract struct {
	ID             int             `gorm:"primary_key" json:"id"`
	TenantId       string          `gorm:"size:64;not null;index;index:idx_contract_tenant_expiry,priority:1" json:"tenant_id"`
	ContractNumber string          `gorm:"size:64;not null" json:"contract_number"`
	CustomerName   string          `gorm:"size:255" json:"customer_name"`
	CustomerEmail  string          `gorm:"size:255" json:"customer_email"`
	RenewalAmount  decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"renewal_amount"`
	CurrencyCode   string          `gorm:"size:8;not null;default:'USD'" json:"currency_code"`
	CurrentStatus  ContractStatus  `gorm:"size:16;not null;index" json:"current_status"`
	ExpiresAt      time.Time       `gorm:"index;index:idx_contract_tenant_expiry,priority:2;not null" json:"expires_at"`
	CreatedAt      time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func GetContract(tx *gorm.DB, tenantId string, contractId int) (*Contract, error) {
	var c Contract
	err := tx.Where("tenant_id = ? AND id = ?", tenantId, contractId).Take(&c).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &c, nil
}

// FindContractsExpiringWithin returns active contracts whose expiry falls
// inside [now, now+window), across all tenants. Ordered by id so repeated
// scans walk entities in a stable order.
func FindContractsExpiringWithin(tx *gorm.DB, now time.Time, window time.Duration) ([]Contract, error) {
	var contracts []Contract
	err := tx.
		Where("current_status = ?", ContractStatusActive).
		Where("expires_at >= ? AND expires_at < ?", now, now.Add(window)).
		Order("id ASC").
		Find(&contracts).Error
	return contracts, err
}
