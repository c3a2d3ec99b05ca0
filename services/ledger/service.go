package ledger

import (
	"context"
	"errors"
	"time"

	"starhub-payments/pkg/errutil"
	"starhub-payments/pkg/pagination"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const genesisHash = "GENESIS"

type Service struct {
	db   *gorm.DB
	node *snowflake.Node
}

type ServiceParams struct {
	fx.In
	DB   *gorm.DB
	Node *snowflake.Node
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:   p.DB,
		node: p.Node,
	}
}

type ApplyDeltaParams struct {
	UserID    string
	Delta     int64
	Kind      EntryKind
	VideoID   string
	GiftID    string
	DepositID string
	Note      string
	Metadata  datatypes.JSON
}

// ApplyDelta is the only way a balance changes. It re-reads the balance under
// a row lock, rejects any result below zero, and writes the new balance plus
// an immutable ledger entry in one transaction.
func (s *Service) ApplyDelta(ctx context.Context, p ApplyDeltaParams) (*LedgerEntry, error) {
	var entry *LedgerEntry
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var txErr error
		entry, txErr = s.ApplyDeltaTx(ctx, tx, p)
		return txErr
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// ApplyDeltaTx runs the debit/credit primitive inside a caller-owned
// transaction so hold creation, crediting and auction settlement can compose
// their own writes with the balance mutation atomically.
func (s *Service) ApplyDeltaTx(ctx context.Context, tx *gorm.DB, p ApplyDeltaParams) (*LedgerEntry, error) {
	if p.UserID == "" {
		return nil, errutil.Validation("user_id is required")
	}
	if p.Delta == 0 {
		return nil, errutil.Validation("delta must be non-zero")
	}
	if p.Kind == "" {
		return nil, errutil.Validation("kind is required")
	}

	var balance Balance
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", p.UserID).
		First(&balance).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		if p.Delta < 0 {
			return nil, errutil.InsufficientStars("balance too low")
		}
		balance = Balance{
			ID:        s.node.Generate().String(),
			UserID:    p.UserID,
			Balance:   0,
			CreatedAt: time.Now(),
			UpdatedAt: time.Now(),
		}
		if err := tx.WithContext(ctx).Create(&balance).Error; err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	}

	newBalance := balance.Balance + p.Delta
	if newBalance < 0 {
		return nil, errutil.InsufficientStars("balance too low")
	}

	previousHash := genesisHash
	var lastEntry LedgerEntry
	err = tx.WithContext(ctx).
		Where("user_id = ?", p.UserID).
		Order("created_at DESC, id DESC").
		First(&lastEntry).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	if err == nil {
		previousHash = lastEntry.Hash
	}

	entry := NewLedgerEntry(EntryParams{
		EntryID:      s.node.Generate().String(),
		UserID:       p.UserID,
		Delta:        p.Delta,
		Kind:         p.Kind,
		VideoID:      p.VideoID,
		GiftID:       p.GiftID,
		DepositID:    p.DepositID,
		Note:         p.Note,
		PreviousHash: previousHash,
		Metadata:     p.Metadata,
	})
	entry.CreatedAt = time.Now()
	entry.Hash = entry.GenerateHash()

	if err := tx.WithContext(ctx).Create(entry).Error; err != nil {
		return nil, err
	}

	if err := tx.WithContext(ctx).Model(&Balance{}).
		Where("id = ?", balance.ID).
		Updates(map[string]any{
			"balance":    gorm.Expr("balance + ?", p.Delta),
			"updated_at": time.Now(),
		}).Error; err != nil {
		return nil, err
	}

	return entry, nil
}

func (s *Service) GetBalance(ctx context.Context, userID string) (int64, error) {
	span := trace.SpanFromContext(ctx)
	defer span.End()

	var balance Balance
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&balance).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		zap.L().Error("failed to query balance", zap.String("user_id", userID), zap.Error(err))
		return 0, err
	}

	return balance.Balance, nil
}

func (s *Service) ListEntries(ctx context.Context, userID string, page pagination.Pagination) ([]*LedgerEntry, *pagination.PageInfo, error) {
	span := trace.SpanFromContext(ctx)
	defer span.End()

	limit := page.Limit
	if limit <= 0 {
		limit = 10
	}

	query := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC, id DESC").
		Limit(limit + 1)

	if page.Cursor != "" {
		cursor, err := pagination.DecodeCursor(page.Cursor)
		if err != nil {
			return nil, nil, errutil.Validation("invalid cursor", errutil.WithErr(err))
		}
		query = query.Where("id < ?", cursor.ID)
	}

	var entries []*LedgerEntry
	if err := query.Find(&entries).Error; err != nil {
		zap.L().Error("failed to query list entries", zap.Error(err))
		return nil, nil, err
	}

	pageInfo := pagination.BuildCursorPageInfo(entries, int32(limit), func(e *LedgerEntry) string {
		cursor, _ := pagination.EncodeCursor(pagination.Cursor{ID: e.ID})
		return cursor
	})

	if len(entries) > limit {
		entries = entries[:limit]
	}

	return entries, pageInfo, nil
}

// VerifyChain recomputes the per-user hash chain and reports whether every
// entry still matches what was written.
func (s *Service) VerifyChain(ctx context.Context, userID string) (bool, error) {
	span := trace.SpanFromContext(ctx)
	defer span.End()

	var entries []*LedgerEntry
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at ASC, id ASC").
		Find(&entries).Error; err != nil {
		zap.L().Error("failed to query entries for chain verification", zap.Error(err))
		return false, err
	}

	lastHash := genesisHash
	for _, entry := range entries {
		expectedHash := entry.GenerateHash()
		if entry.Hash != expectedHash || entry.PreviousHash != lastHash {
			return false, nil
		}
		lastHash = entry.Hash
	}

	return true, nil
}
