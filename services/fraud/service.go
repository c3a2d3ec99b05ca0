package fraud

import (
	"context"
	"errors"
	"time"

	"starhub-payments/pkg/errutil"
	"starhub-payments/pkg/pagination"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

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

type RaiseParams struct {
	Kind      string
	DedupeKey string
	Severity  Severity
	Title     string
	Message   string
	Payload   datatypes.JSON
	UserID    string
	DepositID string
}

// Raise upserts an alert keyed by (kind, dedupe_key). A fresh condition
// opens an alert; a repeated one bumps the counter, refreshes context and
// escalates severity if the new trigger is worse. A RESOLVED alert keeps its
// status: repeated detection enriches it but never silently reopens it.
func (s *Service) Raise(ctx context.Context, p RaiseParams) (*FraudAlert, error) {
	if p.Kind == "" || p.DedupeKey == "" {
		return nil, errutil.Validation("kind and dedupe_key are required")
	}
	if p.Severity.rank() < 0 {
		return nil, errutil.Validation("unknown severity")
	}

	var alert FraudAlert
	err := s.db.Transaction(func(tx *gorm.DB) error {
		err := tx.WithContext(ctx).
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("kind = ? AND dedupe_key = ?", p.Kind, p.DedupeKey).
			First(&alert).Error

		if errors.Is(err, gorm.ErrRecordNotFound) {
			alert = FraudAlert{
				ID:         s.node.Generate().String(),
				Kind:       p.Kind,
				DedupeKey:  p.DedupeKey,
				Severity:   p.Severity,
				Status:     StatusOpen,
				Title:      p.Title,
				Message:    p.Message,
				Payload:    p.Payload,
				UserID:     p.UserID,
				DepositID:  p.DepositID,
				Count:      1,
				LastSeenAt: time.Now(),
				CreatedAt:  time.Now(),
				UpdatedAt:  time.Now(),
			}
			return tx.WithContext(ctx).Create(&alert).Error
		}
		if err != nil {
			return err
		}

		updates := map[string]any{
			"count":        gorm.Expr("count + 1"),
			"last_seen_at": time.Now(),
			"updated_at":   time.Now(),
			"message":      p.Message,
		}
		if len(p.Payload) > 0 {
			updates["payload"] = p.Payload
		}
		if p.Severity.rank() > alert.Severity.rank() {
			updates["severity"] = p.Severity
		}

		if err := tx.WithContext(ctx).Model(&FraudAlert{}).
			Where("id = ?", alert.ID).
			Updates(updates).Error; err != nil {
			return err
		}

		return tx.WithContext(ctx).Where("id = ?", alert.ID).First(&alert).Error
	})
	if err != nil {
		zap.L().Error("failed to raise fraud alert",
			zap.String("kind", p.Kind),
			zap.String("dedupe_key", p.DedupeKey),
			zap.Error(err))
		return nil, err
	}

	if alert.Severity == SeverityCritical {
		zap.L().Warn("critical fraud alert",
			zap.String("kind", alert.Kind),
			zap.String("dedupe_key", alert.DedupeKey),
			zap.String("user_id", alert.UserID),
			zap.String("deposit_id", alert.DepositID))
	}

	return &alert, nil
}

type ListFilter struct {
	Kind     string
	Severity Severity
	Status   Status
}

func (s *Service) List(ctx context.Context, filter ListFilter, page pagination.Pagination) ([]*FraudAlert, *pagination.PageInfo, error) {
	limit := page.Limit
	if limit <= 0 {
		limit = 10
	}

	query := s.db.WithContext(ctx).
		Order("created_at DESC, id DESC").
		Limit(limit + 1)

	if filter.Kind != "" {
		query = query.Where("kind = ?", filter.Kind)
	}
	if filter.Severity != "" {
		query = query.Where("severity = ?", filter.Severity)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}

	if page.Cursor != "" {
		cursor, err := pagination.DecodeCursor(page.Cursor)
		if err != nil {
			return nil, nil, errutil.Validation("invalid cursor", errutil.WithErr(err))
		}
		query = query.Where("id < ?", cursor.ID)
	}

	var alerts []*FraudAlert
	if err := query.Find(&alerts).Error; err != nil {
		return nil, nil, err
	}

	pageInfo := pagination.BuildCursorPageInfo(alerts, int32(limit), func(a *FraudAlert) string {
		cursor, _ := pagination.EncodeCursor(pagination.Cursor{ID: a.ID})
		return cursor
	})

	if len(alerts) > limit {
		alerts = alerts[:limit]
	}

	return alerts, pageInfo, nil
}

func (s *Service) Ack(ctx context.Context, alertID string) error {
	return s.transition(ctx, alertID, StatusOpen, StatusAcked)
}

func (s *Service) Resolve(ctx context.Context, alertID string) error {
	res := s.db.WithContext(ctx).Model(&FraudAlert{}).
		Where("id = ? AND status IN ?", alertID, []Status{StatusOpen, StatusAcked}).
		Updates(map[string]any{"status": StatusResolved, "updated_at": time.Now()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errutil.RaceCondition("alert not in a resolvable state")
	}
	return nil
}

func (s *Service) transition(ctx context.Context, alertID string, from, to Status) error {
	res := s.db.WithContext(ctx).Model(&FraudAlert{}).
		Where("id = ? AND status = ?", alertID, from).
		Updates(map[string]any{"status": to, "updated_at": time.Now()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errutil.RaceCondition("alert state changed concurrently")
	}
	return nil
}
