package webhook

import (
	"time"

	"gorm.io/datatypes"
)

type Status string

const (
	StatusReceived Status = "RECEIVED"
	StatusRejected Status = "REJECTED"
)

// Rejection reasons surfaced in the audit trail and metrics.
const (
	ReasonRateLimited        = "rate-limited"
	ReasonProviderNotAllowed = "provider-not-allowed"
	ReasonBadSignature       = "bad-signature"
	ReasonConfigUnavailable  = "config-unavailable"
)

// WebhookAuditLog is the proof-of-receipt row written for every inbound call,
// accepted or rejected, before any business logic runs. The sha256 of the raw
// body supports replay detection during reconciliation.
type WebhookAuditLog struct {
	ID            string         `gorm:"column:id;primaryKey"`
	Provider      string         `gorm:"column:provider;type:varchar(16);index;not null"`
	Chain         string         `gorm:"column:chain;type:varchar(16);index"`
	Endpoint      string         `gorm:"column:endpoint;not null"`
	IP            string         `gorm:"column:ip"`
	Headers       datatypes.JSON `gorm:"column:headers"`
	Payload       []byte         `gorm:"column:payload"`
	SHA256        string         `gorm:"column:sha256;index"`
	Status        Status         `gorm:"column:status;type:varchar(10);not null"`
	FailureReason string         `gorm:"column:failure_reason"`
	CreatedAt     time.Time      `gorm:"column:created_at"`
}
