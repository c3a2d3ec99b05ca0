package auction

import (
	"context"
	"errors"
	"fmt"
	"time"

	"starhub-payments/pkg/config"
	"starhub-payments/pkg/errutil"
	"starhub-payments/services/fees"
	"starhub-payments/services/hold"
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
	holds  *hold.Service
	ledger *ledger.Service
	cfg    *config.Config
}

type ServiceParams struct {
	fx.In
	DB     *gorm.DB
	Node   *snowflake.Node
	Holds  *hold.Service
	Ledger *ledger.Service
	Config *config.Config
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:     p.DB,
		node:   p.Node,
		holds:  p.Holds,
		ledger: p.Ledger,
		cfg:    p.Config,
	}
}

// PlaceBid escrows the bid amount before replacing the highest bid and only
// then refunds the outbid user. Two holds can briefly be ACTIVE for one
// auction; the auction never sits without valid collateral.
func (s *Service) PlaceBid(ctx context.Context, auctionID, userID string, amount int64) (*Bid, error) {
	if amount <= 0 {
		return nil, errutil.Validation("amount must be > 0")
	}

	var bid *Bid
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.holds.ReleaseMaturedTx(ctx, tx, userID); err != nil {
			return err
		}

		var auc NftAuction
		err := tx.WithContext(ctx).
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", auctionID).
			First(&auc).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return errutil.NotFound("auction not found")
		}
		if err != nil {
			return err
		}

		if auc.Status != StatusActive {
			return errutil.Conflict("auction is not active")
		}
		if auc.EndsAt != nil && time.Now().After(*auc.EndsAt) {
			return errutil.Conflict("auction has ended")
		}
		if auc.SellerID == userID {
			return errutil.Forbidden("cannot bid on your own auction")
		}

		var item NftItem
		if err := tx.WithContext(ctx).Where("id = ?", auc.ItemID).First(&item).Error; err != nil {
			return err
		}
		if item.Frozen || item.Exported {
			return errutil.Conflict("item is not biddable")
		}

		var prevBid *Bid
		minBid := auc.StartPrice
		if auc.HighestBidID != "" {
			var highest Bid
			if err := tx.WithContext(ctx).Where("id = ?", auc.HighestBidID).First(&highest).Error; err != nil {
				return err
			}
			prevBid = &highest
			if highest.Amount+1 > minBid {
				minBid = highest.Amount + 1
			}
		}
		if amount < minBid {
			return errutil.Validation(fmt.Sprintf("bid below minimum of %d", minBid))
		}

		h, err := s.holds.CreateTx(ctx, tx, hold.CreateParams{
			UserID:  userID,
			Amount:  amount,
			Reason:  fmt.Sprintf("bid on auction %s", auctionID),
			RefType: hold.RefNftAuction,
			RefID:   auctionID,
		})
		if err != nil {
			return err
		}

		bid = &Bid{
			ID:        s.node.Generate().String(),
			AuctionID: auctionID,
			BidderID:  userID,
			Amount:    amount,
			HoldID:    h.ID,
			CreatedAt: time.Now(),
		}
		if err := tx.WithContext(ctx).Create(bid).Error; err != nil {
			return err
		}

		res := tx.WithContext(ctx).Model(&NftAuction{}).
			Where("id = ? AND status = ? AND highest_bid_id = ?", auctionID, StatusActive, auc.HighestBidID).
			Updates(map[string]any{
				"highest_bid_id": bid.ID,
				"updated_at":     time.Now(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errutil.RaceCondition("auction changed concurrently, retry the bid")
		}

		if prevBid != nil {
			if err := s.holds.ReleaseNowTx(ctx, tx, prevBid.HoldID,
				fmt.Sprintf("outbid on auction %s", auctionID)); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return bid, nil
}

// Cancel withdraws an auction that never attracted a bid.
func (s *Service) Cancel(ctx context.Context, auctionID, sellerID string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var auc NftAuction
		err := tx.WithContext(ctx).
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", auctionID).
			First(&auc).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return errutil.NotFound("auction not found")
		}
		if err != nil {
			return err
		}
		if auc.SellerID != sellerID {
			return errutil.Forbidden("not the seller")
		}

		res := tx.WithContext(ctx).Model(&NftAuction{}).
			Where("id = ? AND status = ? AND (highest_bid_id IS NULL OR highest_bid_id = '')",
				auctionID, StatusActive).
			Updates(map[string]any{
				"status":     StatusCancelled,
				"updated_at": time.Now(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errutil.Conflict("auction has bids or is no longer active")
		}

		return nil
	})
}

// Settle ends the auction. With a winner, the winning hold is consumed and
// the proceeds split between seller, creator and author in the same
// transaction, so a crash can never leave the seller paid twice or not at
// all.
func (s *Service) Settle(ctx context.Context, auctionID string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var auc NftAuction
		err := tx.WithContext(ctx).
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", auctionID).
			First(&auc).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return errutil.NotFound("auction not found")
		}
		if err != nil {
			return err
		}
		if auc.Status != StatusActive {
			return errutil.Conflict("auction is not active")
		}

		res := tx.WithContext(ctx).Model(&NftAuction{}).
			Where("id = ? AND status = ?", auctionID, StatusActive).
			Updates(map[string]any{
				"status":     StatusEnded,
				"updated_at": time.Now(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errutil.RaceCondition("auction state changed concurrently")
		}

		if auc.HighestBidID == "" {
			return nil
		}

		var winner Bid
		if err := tx.WithContext(ctx).Where("id = ?", auc.HighestBidID).First(&winner).Error; err != nil {
			return err
		}

		var item NftItem
		if err := tx.WithContext(ctx).
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", auc.ItemID).
			First(&item).Error; err != nil {
			return err
		}

		if err := s.holds.ConsumeTx(ctx, tx, winner.HoldID,
			fmt.Sprintf("won auction %s", auctionID)); err != nil {
			return err
		}

		split := fees.CalcSaleFees(winner.Amount, s.cfg.Payment.PlatformFeeBps,
			item.RoyaltyBps, item.CreatorSharePct, item.HasSeparateAuthor())

		if split.SellerProceeds > 0 {
			if _, err := s.ledger.ApplyDeltaTx(ctx, tx, ledger.ApplyDeltaParams{
				UserID: auc.SellerID,
				Delta:  split.SellerProceeds,
				Kind:   ledger.KindSaleProceeds,
				Note:   fmt.Sprintf("auction %s settled", auctionID),
			}); err != nil {
				return err
			}
		}
		if split.CreatorRoyalty > 0 {
			if _, err := s.ledger.ApplyDeltaTx(ctx, tx, ledger.ApplyDeltaParams{
				UserID: item.CreatorID,
				Delta:  split.CreatorRoyalty,
				Kind:   ledger.KindRoyalty,
				Note:   fmt.Sprintf("creator royalty for auction %s", auctionID),
			}); err != nil {
				return err
			}
		}
		if split.AuthorRoyalty > 0 {
			if _, err := s.ledger.ApplyDeltaTx(ctx, tx, ledger.ApplyDeltaParams{
				UserID: item.AuthorID,
				Delta:  split.AuthorRoyalty,
				Kind:   ledger.KindRoyalty,
				Note:   fmt.Sprintf("author royalty for auction %s", auctionID),
			}); err != nil {
				return err
			}
		}

		if err := tx.WithContext(ctx).Model(&NftItem{}).
			Where("id = ?", item.ID).
			Updates(map[string]any{
				"owner_id":   winner.BidderID,
				"updated_at": time.Now(),
			}).Error; err != nil {
			return err
		}

		zap.L().Info("auction settled",
			zap.String("auction_id", auctionID),
			zap.String("winner_id", winner.BidderID),
			zap.Int64("amount", winner.Amount),
			zap.Int64("seller_proceeds", split.SellerProceeds))

		return nil
	})
}

func (s *Service) Get(ctx context.Context, auctionID string) (*NftAuction, error) {
	var auc NftAuction
	err := s.db.WithContext(ctx).Where("id = ?", auctionID).First(&auc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errutil.NotFound("auction not found")
	}
	if err != nil {
		return nil, err
	}
	return &auc, nil
}

// ListBids returns all bids for an auction, newest first.
func (s *Service) ListBids(ctx context.Context, auctionID string) ([]*Bid, error) {
	var bids []*Bid
	err := s.db.WithContext(ctx).
		Where("auction_id = ?", auctionID).
		Order("created_at DESC, id DESC").
		Find(&bids).Error
	return bids, err
}
