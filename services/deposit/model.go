package deposit

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// Chain identifies one of the supported blockchains.
type Chain string

const (
	ChainEth     Chain = "eth"
	ChainPolygon Chain = "polygon"
	ChainBsc     Chain = "bsc"
	ChainSol     Chain = "sol"
	ChainTon     Chain = "ton"
	ChainTron    Chain = "tron"
)

// Provider identifies a webhook source. The set is closed; there is no
// open-ended plugin registration.
type Provider string

const (
	ProviderAlchemy    Provider = "alchemy"
	ProviderQuicknode  Provider = "quicknode"
	ProviderTonconsole Provider = "tonconsole"
	ProviderTronwatch  Provider = "tronwatch"
)

type Status string

const (
	StatusCreated     Status = "CREATED"
	StatusSubmitted   Status = "SUBMITTED"
	StatusConfirmed   Status = "CONFIRMED"
	StatusCredited    Status = "CREDITED"
	StatusUnmatched   Status = "UNMATCHED"
	StatusNeedsReview Status = "NEEDS_REVIEW"
	StatusFailed      Status = "FAILED"
)

// Deposit is a pending or realized crypto top-up. UserID stays empty for
// transfers observed on-chain before any intent claims them.
type Deposit struct {
	ID                 string          `gorm:"column:id;primaryKey"`
	UserID             string          `gorm:"column:user_id;index"`
	Chain              Chain           `gorm:"column:chain;type:varchar(16);not null"`
	TokenID            string          `gorm:"column:token_id;not null"`
	CustodialAddressID string          `gorm:"column:custodial_address_id;index"`
	PackageID          string          `gorm:"column:package_id"`
	CouponID           string          `gorm:"column:coupon_id"`
	ExpectedAmount     decimal.Decimal `gorm:"column:expected_amount;type:decimal(38,18)"`
	ActualAmount       decimal.Decimal `gorm:"column:actual_amount;type:decimal(38,18)"`
	TxHash             string          `gorm:"column:tx_hash;index"`
	Memo               string          `gorm:"column:memo;index"`
	Provider           Provider        `gorm:"column:provider;type:varchar(16)"`
	Status             Status          `gorm:"column:status;type:varchar(16);not null;default:'CREATED'"`
	SubmittedAt        *time.Time      `gorm:"column:submitted_at"`
	CreditedStars      int64           `gorm:"column:credited_stars"`
	CreatedAt          time.Time       `gorm:"column:created_at"`
	UpdatedAt          time.Time       `gorm:"column:updated_at"`
}

// DepositEvent is the append-only audit trail per deposit. One row per state
// transition or notable observation, never mutated.
type DepositEvent struct {
	ID        string    `gorm:"column:id;primaryKey"`
	DepositID string    `gorm:"column:deposit_id;index;not null"`
	Type      string    `gorm:"column:type;not null"`
	Message   string    `gorm:"column:message;type:text"`
	CreatedAt time.Time `gorm:"column:created_at"`
}

const (
	EventCreated      = "created"
	EventSubmitted    = "submitted"
	EventConfirmed    = "confirmed"
	EventCredited     = "credited"
	EventUnmatched    = "unmatched"
	EventNeedsReview  = "needs_review"
	EventFailed       = "failed"
	EventUserAssigned = "user_assigned"
	EventManualCredit = "manual_credit"
)

// CustodialAddress is a platform-controlled receiving address for a chain and
// token. Incoming transfer evidence is matched against these rows.
type CustodialAddress struct {
	ID        string    `gorm:"column:id;primaryKey"`
	Chain     Chain     `gorm:"column:chain;type:varchar(16);uniqueIndex:idx_custodial_chain_token;not null"`
	TokenID   string    `gorm:"column:token_id;uniqueIndex:idx_custodial_chain_token;not null"`
	Address   string    `gorm:"column:address;index;not null"`
	Active    bool      `gorm:"column:active;not null;default:true"`
	CreatedAt time.Time `gorm:"column:created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

// StarPackage maps a crypto price on one chain/token to a star amount plus an
// optional bundle bonus percentage.
type StarPackage struct {
	ID        string          `gorm:"column:id;primaryKey"`
	Chain     Chain           `gorm:"column:chain;type:varchar(16);not null"`
	TokenID   string          `gorm:"column:token_id;not null"`
	Price     decimal.Decimal `gorm:"column:price;type:decimal(38,18);not null"`
	Stars     int64           `gorm:"column:stars;not null"`
	BonusPct  int             `gorm:"column:bonus_pct;not null;default:0"`
	Active    bool            `gorm:"column:active;not null;default:true"`
	CreatedAt time.Time       `gorm:"column:created_at"`
	UpdatedAt time.Time       `gorm:"column:updated_at"`
}

// Coupon grants an extra bonus on top of a package: a percentage of the
// package stars, a flat star amount, or both.
type Coupon struct {
	ID        string    `gorm:"column:id;primaryKey"`
	Code      string    `gorm:"column:code;uniqueIndex;not null"`
	BonusPct  int       `gorm:"column:bonus_pct;not null;default:0"`
	FlatBonus int64     `gorm:"column:flat_bonus;not null;default:0"`
	Active    bool      `gorm:"column:active;not null;default:true"`
	CreatedAt time.Time `gorm:"column:created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

// paymentConfigID pins the PaymentConfig table to a single row.
const paymentConfigID = "payment"

// PaymentConfig is the singleton operational policy consulted by every
// ingestion and reconciliation decision.
type PaymentConfig struct {
	ID                        string         `gorm:"column:id;primaryKey"`
	StrictMode                bool           `gorm:"column:strict_mode;not null;default:false"`
	ProviderAccuracyMode      bool           `gorm:"column:provider_accuracy_mode;not null;default:false"`
	ToleranceBps              int            `gorm:"column:tolerance_bps;not null;default:100"`
	SubmittedStaleMinutes     int            `gorm:"column:submitted_stale_minutes;not null;default:120"`
	ReconcileEveryMs          int            `gorm:"column:reconcile_every_ms;not null;default:60000"`
	Allowlist                 datatypes.JSON `gorm:"column:allowlist"`
	AdminCreditAlertThreshold int64          `gorm:"column:admin_credit_alert_threshold;not null;default:100000"`
	UpdatedAt                 time.Time      `gorm:"column:updated_at"`
}

// Snapshot is the immutable view of PaymentConfig handed to the gateway and
// worker per invocation. Allowlist maps chain to the providers trusted for it.
type Snapshot struct {
	StrictMode                bool                 `json:"strict_mode"`
	ProviderAccuracyMode      bool                 `json:"provider_accuracy_mode"`
	ToleranceBps              int                  `json:"tolerance_bps"`
	SubmittedStaleMinutes     int                  `json:"submitted_stale_minutes"`
	ReconcileEveryMs          int                  `json:"reconcile_every_ms"`
	Allowlist                 map[Chain][]Provider `json:"allowlist"`
	AdminCreditAlertThreshold int64                `json:"admin_credit_alert_threshold"`
}

func (c *PaymentConfig) Snapshot() (*Snapshot, error) {
	allowlist := make(map[Chain][]Provider)
	if len(c.Allowlist) > 0 {
		if err := json.Unmarshal(c.Allowlist, &allowlist); err != nil {
			return nil, err
		}
	}

	return &Snapshot{
		StrictMode:                c.StrictMode,
		ProviderAccuracyMode:      c.ProviderAccuracyMode,
		ToleranceBps:              c.ToleranceBps,
		SubmittedStaleMinutes:     c.SubmittedStaleMinutes,
		ReconcileEveryMs:          c.ReconcileEveryMs,
		Allowlist:                 allowlist,
		AdminCreditAlertThreshold: c.AdminCreditAlertThreshold,
	}, nil
}

// Allowed reports whether the provider is trusted for the chain.
func (s *Snapshot) Allowed(chain Chain, provider Provider) bool {
	for _, p := range s.Allowlist[chain] {
		if p == provider {
			return true
		}
	}
	return false
}
