package jobs

import (
	"encoding/json"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/billing_jobs/config"
)

// Job type discriminators. One consumer subscription and one domain callback
// exist per type; the dispatch table lives with the consumer.
const (
	TypeInvoicePdfGeneration = "invoice_pdf_generation"
	TypeRenewalEmail         = "renewal_email"
)

// AllTypes enumerates every registered job type. Topology declaration and
// consumer startup both iterate this list, so adding a type here is the only
// registration step besides the dispatch switch.
func AllTypes() []string {
	return []string{
		TypeInvoicePdfGeneration,
		TypeRenewalEmail,
	}
}

func IsKnownType(jobType string) bool {
	for _, t := range AllTypes() {
		if t == jobType {
			return true
		}
	}
	return false
}

const DefaultMaxAttempts = 3

// Envelope is the wire format for one unit of work. Retries are re-publishes
// of the same envelope content with only Attempt bumped: ID and
// IdempotencyKey never change across a retry chain.
type Envelope struct {
	ID             string          `json:"id"`
	Type           string          `json:"type"`
	TenantId       string          `json:"tenantId"`
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey string          `json:"idempotencyKey"`
	Attempt        int             `json:"attempt"`
	MaxAttempts    int             `json:"maxAttempts"`
	CreatedAt      time.Time       `json:"createdAt"`
	CorrelationId  string          `json:"correlationId,omitempty"`
}

// NextAttempt returns a copy for the retry re-publish. Only the attempt
// counter changes.
func (e Envelope) NextAttempt() Envelope {
	next := e
	next.Attempt = e.Attempt + 1
	return next
}

// Attributes mirrors identity fields into message attributes so the broker
// side (subscription filters, DLQ monitoring) can inspect a message without
// deserializing the body.
func (e Envelope) Attributes() map[string]string {
	return map[string]string{
		config.AttrJobType:        e.Type,
		config.AttrIdempotencyKey: e.IdempotencyKey,
		config.AttrTenantId:       e.TenantId,
	}
}

func (e Envelope) Validate() error {
	if e.ID == "" {
		return errors.New("envelope id is required")
	}
	if e.Type == "" {
		return errors.New("envelope type is required")
	}
	if e.TenantId == "" {
		return errors.New("envelope tenantId is required")
	}
	if e.IdempotencyKey == "" {
		return errors.New("envelope idempotencyKey is required")
	}
	if e.Attempt < 1 {
		return errors.New("envelope attempt must be >= 1")
	}
	if e.MaxAttempts < 1 {
		return errors.New("envelope maxAttempts must be >= 1")
	}
	return nil
}
