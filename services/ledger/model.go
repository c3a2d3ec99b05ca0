package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"gorm.io/datatypes"
)

// EntryKind classifies the economic event behind a ledger entry.
type EntryKind string

const (
	KindPurchase     EntryKind = "purchase"
	KindGift         EntryKind = "gift"
	KindTip          EntryKind = "tip"
	KindBoost        EntryKind = "boost"
	KindMintFee      EntryKind = "mint_fee"
	KindMembership   EntryKind = "membership"
	KindUnlock       EntryKind = "unlock"
	KindAdminGrant   EntryKind = "admin_grant"
	KindHold         EntryKind = "hold"
	KindHoldRelease  EntryKind = "hold_release"
	KindHoldSettle   EntryKind = "hold_settle"
	KindSaleProceeds EntryKind = "sale_proceeds"
	KindRoyalty      EntryKind = "royalty"
)

func (k EntryKind) String() string { return string(k) }

// Balance is the spendable star balance per user. Mutated only inside ledger
// transactions, never written directly by callers.
type Balance struct {
	ID        string    `gorm:"column:id;primaryKey"`
	UserID    string    `gorm:"column:user_id;uniqueIndex;not null"`
	Balance   int64     `gorm:"column:balance;not null"`
	CreatedAt time.Time `gorm:"column:created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

// LedgerEntry is the immutable record of one balance change. Entries are
// hash-chained per user so tampering is detectable after the fact.
type LedgerEntry struct {
	ID           string         `gorm:"column:id;primaryKey"`
	CreatedAt    time.Time      `gorm:"column:created_at"`
	UserID       string         `gorm:"column:user_id;index;not null"`
	Delta        int64          `gorm:"column:delta;not null"`
	Kind         string         `gorm:"column:kind;type:varchar(30);not null"`
	Magnitude    int64          `gorm:"column:magnitude;not null"`
	VideoID      string         `gorm:"column:video_id;index"`
	GiftID       string         `gorm:"column:gift_id;index"`
	DepositID    string         `gorm:"column:deposit_id;index"`
	Note         string         `gorm:"column:note;type:text"`
	PreviousHash string         `gorm:"column:previous_hash"`
	Hash         string         `gorm:"column:hash"`
	Metadata     datatypes.JSON `gorm:"column:metadata"`
}

type EntryParams struct {
	EntryID      string
	UserID       string
	Delta        int64
	Kind         EntryKind
	VideoID      string
	GiftID       string
	DepositID    string
	Note         string
	PreviousHash string
	Metadata     datatypes.JSON
}

func NewLedgerEntry(p EntryParams) *LedgerEntry {
	magnitude := p.Delta
	if magnitude < 0 {
		magnitude = -magnitude
	}

	return &LedgerEntry{
		ID:           p.EntryID,
		UserID:       p.UserID,
		Delta:        p.Delta,
		Kind:         p.Kind.String(),
		Magnitude:    magnitude,
		VideoID:      p.VideoID,
		GiftID:       p.GiftID,
		DepositID:    p.DepositID,
		Note:         p.Note,
		PreviousHash: p.PreviousHash,
		Metadata:     p.Metadata,
	}
}

func (m *LedgerEntry) HashFields() map[string]string {
	return map[string]string{
		"id":            m.ID,
		"user_id":       m.UserID,
		"delta":         fmt.Sprintf("%d", m.Delta),
		"kind":          m.Kind,
		"video_id":      m.VideoID,
		"gift_id":       m.GiftID,
		"deposit_id":    m.DepositID,
		"note":          m.Note,
		"created_at":    m.CreatedAt.UTC().Format(time.RFC3339Nano),
		"previous_hash": m.PreviousHash,
	}
}

func (m *LedgerEntry) GenerateHash() string {
	fields := m.HashFields()
	var keys []string
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var parts []string
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, fields[k]))
	}

	joined := strings.Join(parts, "|")
	hash := sha256.Sum256([]byte(joined))
	return hex.EncodeToString(hash[:])
}
