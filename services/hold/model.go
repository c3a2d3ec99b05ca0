package hold

import "time"

type Status string

const (
	StatusActive   Status = "ACTIVE"
	StatusReleased Status = "RELEASED"
	StatusConsumed Status = "CONSUMED"
)

// RefType tags what a hold collateralizes.
const (
	RefNftAuction = "NftAuction"
	RefBoost      = "Boost"
	RefMembership = "Membership"
	RefUnlock     = "Unlock"
)

// Hold is a reservation of stars. The debit lands on the balance the moment
// the hold is created, so a hold is reversible (RELEASED) until it is
// finalized (CONSUMED). Each transition happens exactly once.
type Hold struct {
	ID        string     `gorm:"column:id;primaryKey"`
	UserID    string     `gorm:"column:user_id;index;not null"`
	Amount    int64      `gorm:"column:amount;not null"`
	Reason    string     `gorm:"column:reason;type:text"`
	RefType   string     `gorm:"column:ref_type;index:idx_holds_ref"`
	RefID     string     `gorm:"column:ref_id;index:idx_holds_ref"`
	Status    Status     `gorm:"column:status;type:varchar(20);not null;default:'ACTIVE'"`
	ReleaseAt *time.Time `gorm:"column:release_at;index"`
	EntryID   string     `gorm:"column:entry_id"`
	CreatedAt time.Time  `gorm:"column:created_at"`
	UpdatedAt time.Time  `gorm:"column:updated_at"`
}
