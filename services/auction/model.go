package auction

import (
	"time"
)

type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusCancelled Status = "CANCELLED"
	StatusEnded     Status = "ENDED"
)

// NftItem carries the marketplace attributes the bidding and settlement
// paths need. A frozen or exported item cannot be bid on.
type NftItem struct {
	ID              string    `gorm:"column:id;primaryKey"`
	OwnerID         string    `gorm:"column:owner_id;index;not null"`
	CreatorID       string    `gorm:"column:creator_id;not null"`
	AuthorID        string    `gorm:"column:author_id"`
	RoyaltyBps      int       `gorm:"column:royalty_bps;not null;default:0"`
	CreatorSharePct int       `gorm:"column:creator_share_pct;not null;default:100"`
	Frozen          bool      `gorm:"column:frozen;not null;default:false"`
	Exported        bool      `gorm:"column:exported;not null;default:false"`
	CreatedAt       time.Time `gorm:"column:created_at"`
	UpdatedAt       time.Time `gorm:"column:updated_at"`
}

// HasSeparateAuthor reports whether royalty splits between creator and a
// distinct author.
func (i *NftItem) HasSeparateAuthor() bool {
	return i.AuthorID != "" && i.AuthorID != i.CreatorID
}

type NftAuction struct {
	ID           string     `gorm:"column:id;primaryKey"`
	ItemID       string     `gorm:"column:item_id;index;not null"`
	SellerID     string     `gorm:"column:seller_id;index;not null"`
	StartPrice   int64      `gorm:"column:start_price;not null"`
	Status       Status     `gorm:"column:status;type:varchar(10);not null;default:'ACTIVE'"`
	HighestBidID string     `gorm:"column:highest_bid_id"`
	EndsAt       *time.Time `gorm:"column:ends_at"`
	CreatedAt    time.Time  `gorm:"column:created_at"`
	UpdatedAt    time.Time  `gorm:"column:updated_at"`
}

// Bid records one offer. HoldID points at the escrow backing it; the losing
// bid's hold is released when it is outbid.
type Bid struct {
	ID        string    `gorm:"column:id;primaryKey"`
	AuctionID string    `gorm:"column:auction_id;index;not null"`
	BidderID  string    `gorm:"column:bidder_id;index;not null"`
	Amount    int64     `gorm:"column:amount;not null"`
	HoldID    string    `gorm:"column:hold_id;not null"`
	CreatedAt time.Time `gorm:"column:created_at"`
}
