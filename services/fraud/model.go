package fraud

import (
	"time"

	"gorm.io/datatypes"
)

type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// rank orders severities for escalation; re-raising with a higher severity
// escalates the stored alert, never downgrades it.
func (s Severity) rank() int {
	switch s {
	case SeverityLow:
		return 0
	case SeverityMedium:
		return 1
	case SeverityHigh:
		return 2
	case SeverityCritical:
		return 3
	default:
		return -1
	}
}

type Status string

const (
	StatusOpen     Status = "OPEN"
	StatusAcked    Status = "ACKED"
	StatusResolved Status = "RESOLVED"
)

// Alert kinds observed in the system.
const (
	KindDuplicateTxHash    = "duplicate-tx-hash"
	KindLargeManualCredit  = "large-manual-credit"
	KindSubmitRateBreached = "submit-rate-breached"
	KindUnmatchedTransfer  = "unmatched-transfer"
)

// FraudAlert is a deduplicated suspicious-activity record. One row exists
// per (kind, dedupe_key); re-triggering the same condition enriches the row.
type FraudAlert struct {
	ID         string         `gorm:"column:id;primaryKey"`
	Kind       string         `gorm:"column:kind;uniqueIndex:idx_fraud_alerts_dedupe;not null"`
	DedupeKey  string         `gorm:"column:dedupe_key;uniqueIndex:idx_fraud_alerts_dedupe;not null"`
	Severity   Severity       `gorm:"column:severity;type:varchar(10);not null"`
	Status     Status         `gorm:"column:status;type:varchar(10);not null;default:'OPEN'"`
	Title      string         `gorm:"column:title;not null"`
	Message    string         `gorm:"column:message;type:text"`
	Payload    datatypes.JSON `gorm:"column:payload"`
	UserID     string         `gorm:"column:user_id;index"`
	DepositID  string         `gorm:"column:deposit_id;index"`
	Count      int64          `gorm:"column:count;not null;default:1"`
	LastSeenAt time.Time      `gorm:"column:last_seen_at"`
	CreatedAt  time.Time      `gorm:"column:created_at"`
	UpdatedAt  time.Time      `gorm:"column:updated_at"`
}
