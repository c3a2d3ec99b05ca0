package hold

import (
	"context"
	"errors"
	"fmt"
	"time"

	"starhub-payments/pkg/errutil"
	"starhub-payments/services/ledger"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Service struct {
	db     *gorm.DB
	node   *snowflake.Node
	ledger *ledger.Service
}

type ServiceParams struct {
	fx.In
	DB     *gorm.DB
	Node   *snowflake.Node
	Ledger *ledger.Service
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:     p.DB,
		node:   p.Node,
		ledger: p.Ledger,
	}
}

type CreateParams struct {
	UserID    string
	Amount    int64
	Reason    string
	RefType   string
	RefID     string
	ReleaseAt *time.Time
}

// Create reserves stars for the user. Matured holds are swept first so a
// stale reservation never blocks a legitimate spend, then the amount is
// debited through the ledger primitive and the ACTIVE hold row is written in
// the same transaction.
func (s *Service) Create(ctx context.Context, p CreateParams) (*Hold, error) {
	var h *Hold
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var txErr error
		h, txErr = s.CreateTx(ctx, tx, p)
		return txErr
	})
	if err != nil {
		return nil, err
	}
	return h, nil
}

func (s *Service) CreateTx(ctx context.Context, tx *gorm.DB, p CreateParams) (*Hold, error) {
	if p.Amount <= 0 {
		return nil, errutil.Validation("amount must be > 0")
	}

	if err := s.ReleaseMaturedTx(ctx, tx, p.UserID); err != nil {
		return nil, err
	}

	entry, err := s.ledger.ApplyDeltaTx(ctx, tx, ledger.ApplyDeltaParams{
		UserID: p.UserID,
		Delta:  -p.Amount,
		Kind:   ledger.KindHold,
		Note:   fmt.Sprintf("hold: %s", p.Reason),
	})
	if err != nil {
		return nil, err
	}

	h := &Hold{
		ID:        s.node.Generate().String(),
		UserID:    p.UserID,
		Amount:    p.Amount,
		Reason:    p.Reason,
		RefType:   p.RefType,
		RefID:     p.RefID,
		Status:    StatusActive,
		ReleaseAt: p.ReleaseAt,
		EntryID:   entry.ID,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if err := tx.WithContext(ctx).Create(h).Error; err != nil {
		return nil, err
	}

	return h, nil
}

// ReleaseNow returns the held stars to the user. Releasing a hold that is no
// longer ACTIVE is a no-op, so outbid refunds and cancellations can retry
// safely.
func (s *Service) ReleaseNow(ctx context.Context, holdID, note string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		return s.ReleaseNowTx(ctx, tx, holdID, note)
	})
}

func (s *Service) ReleaseNowTx(ctx context.Context, tx *gorm.DB, holdID, note string) error {
	var h Hold
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", holdID).
		First(&h).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return errutil.NotFound("hold not found")
	}
	if err != nil {
		return err
	}

	if h.Status != StatusActive {
		return nil
	}

	res := tx.WithContext(ctx).Model(&Hold{}).
		Where("id = ? AND status = ?", holdID, StatusActive).
		Updates(map[string]any{
			"status":     StatusReleased,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errutil.RaceCondition("hold state changed concurrently")
	}

	if _, err := s.ledger.ApplyDeltaTx(ctx, tx, ledger.ApplyDeltaParams{
		UserID: h.UserID,
		Delta:  h.Amount,
		Kind:   ledger.KindHoldRelease,
		Note:   note,
	}); err != nil {
		return err
	}

	return nil
}

// Consume finalizes the hold as spent. The original debit stands; no
// reversing entry is written.
func (s *Service) Consume(ctx context.Context, holdID, note string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		return s.ConsumeTx(ctx, tx, holdID, note)
	})
}

func (s *Service) ConsumeTx(ctx context.Context, tx *gorm.DB, holdID, note string) error {
	var h Hold
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", holdID).
		First(&h).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return errutil.NotFound("hold not found")
	}
	if err != nil {
		return err
	}

	switch h.Status {
	case StatusConsumed:
		return nil
	case StatusReleased:
		return errutil.Conflict("hold already released")
	}

	res := tx.WithContext(ctx).Model(&Hold{}).
		Where("id = ? AND status = ?", holdID, StatusActive).
		Updates(map[string]any{
			"status":     StatusConsumed,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errutil.RaceCondition("hold state changed concurrently")
	}

	zap.L().Info("hold consumed",
		zap.String("hold_id", holdID),
		zap.String("user_id", h.UserID),
		zap.Int64("amount", h.Amount),
		zap.String("note", note))

	return nil
}

// ReleaseMatured releases every ACTIVE hold for the user whose release_at
// has passed. Called at the start of every balance-sensitive operation
// ("sweep before spend") rather than from a scheduled job.
func (s *Service) ReleaseMatured(ctx context.Context, userID string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		return s.ReleaseMaturedTx(ctx, tx, userID)
	})
}

func (s *Service) ReleaseMaturedTx(ctx context.Context, tx *gorm.DB, userID string) error {
	var matured []Hold
	if err := tx.WithContext(ctx).
		Where("user_id = ? AND status = ? AND release_at IS NOT NULL AND release_at <= ?",
			userID, StatusActive, time.Now()).
		Find(&matured).Error; err != nil {
		return err
	}

	for _, h := range matured {
		if err := s.ReleaseNowTx(ctx, tx, h.ID, "hold matured"); err != nil {
			zap.L().Error("failed to release matured hold",
				zap.String("hold_id", h.ID),
				zap.String("user_id", userID),
				zap.Error(err))
			return err
		}
	}

	return nil
}

// ActiveTotal sums the ACTIVE holds for a user.
func (s *Service) ActiveTotal(ctx context.Context, userID string) (int64, error) {
	var total int64
	err := s.db.WithContext(ctx).Model(&Hold{}).
		Where("user_id = ? AND status = ?", userID, StatusActive).
		Select("COALESCE(SUM(amount), 0)").
		Scan(&total).Error
	return total, err
}

// Get loads a hold by id.
func (s *Service) Get(ctx context.Context, holdID string) (*Hold, error) {
	var h Hold
	err := s.db.WithContext(ctx).Where("id = ?", holdID).First(&h).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errutil.NotFound("hold not found")
	}
	if err != nil {
		return nil, err
	}
	return &h, nil
}
