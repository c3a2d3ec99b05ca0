package deposit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"starhub-payments/pkg/config"
	"starhub-payments/pkg/errutil"
	"starhub-payments/pkg/pagination"
	"starhub-payments/pkg/ratelimit"
	"starhub-payments/pkg/rediskey"
	"starhub-payments/pkg/task"
	"starhub-payments/pkg/taskname"
	"starhub-payments/services/fraud"
	"starhub-payments/services/ledger"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Service struct {
	db       *gorm.DB
	node     *snowflake.Node
	ledger   *ledger.Service
	fraud    *fraud.Service
	limiter  ratelimit.Limiter
	enqueuer task.Enqueuer
	cfg      *config.Config
	cache    *ConfigCache
}

type ServiceParams struct {
	fx.In
	DB       *gorm.DB
	Node     *snowflake.Node
	Ledger   *ledger.Service
	Fraud    *fraud.Service
	Limiter  ratelimit.Limiter
	Enqueuer task.Enqueuer `optional:"true"`
	Config   *config.Config
	Cache    *ConfigCache
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:       p.DB,
		node:     p.Node,
		ledger:   p.Ledger,
		fraud:    p.Fraud,
		limiter:  p.Limiter,
		enqueuer: p.Enqueuer,
		cfg:      p.Config,
		cache:    p.Cache,
	}
}

type CreateIntentParams struct {
	UserID     string
	Chain      Chain
	TokenID    string
	PackageID  string
	CouponCode string
}

// CreateIntent opens a deposit before any funds move. The generated memo is
// what ties an on-chain transfer back to this intent on memo-capable chains.
func (s *Service) CreateIntent(ctx context.Context, p CreateIntentParams) (*Deposit, error) {
	if p.UserID == "" {
		return nil, errutil.Validation("user_id is required")
	}

	var pkg StarPackage
	err := s.db.WithContext(ctx).
		Where("id = ? AND active = ?", p.PackageID, true).
		First(&pkg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errutil.NotFound("star package not found")
	}
	if err != nil {
		return nil, err
	}
	if pkg.Chain != p.Chain || pkg.TokenID != p.TokenID {
		return nil, errutil.Validation("package does not match chain/token")
	}

	var addr CustodialAddress
	err = s.db.WithContext(ctx).
		Where("chain = ? AND token_id = ? AND active = ?", p.Chain, p.TokenID, true).
		First(&addr).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errutil.Validation("no custodial address for chain/token")
	}
	if err != nil {
		return nil, err
	}

	var couponID string
	if p.CouponCode != "" {
		var coupon Coupon
		err = s.db.WithContext(ctx).
			Where("code = ? AND active = ?", p.CouponCode, true).
			First(&coupon).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errutil.Validation("coupon not found or inactive")
		}
		if err != nil {
			return nil, err
		}
		couponID = coupon.ID
	}

	dep := &Deposit{
		ID:                 s.node.Generate().String(),
		UserID:             p.UserID,
		Chain:              p.Chain,
		TokenID:            p.TokenID,
		CustodialAddressID: addr.ID,
		PackageID:          pkg.ID,
		CouponID:           couponID,
		ExpectedAmount:     pkg.Price,
		Memo:               s.generateMemo(),
		Status:             StatusCreated,
		CreatedAt:          time.Now(),
		UpdatedAt:          time.Now(),
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.WithContext(ctx).Create(dep).Error; err != nil {
			return err
		}
		return s.appendEventTx(ctx, tx, dep.ID, EventCreated,
			fmt.Sprintf("intent for package %s on %s/%s", pkg.ID, dep.Chain, dep.TokenID))
	})
	if err != nil {
		return nil, err
	}

	return dep, nil
}

func (s *Service) generateMemo() string {
	return strings.ToUpper(s.node.Generate().Base36())
}

// SubmitTxHash records the transaction hash the user claims to have sent. A
// hash already owned by a different user's deposit is the strongest fraud
// signal in the pipeline: the deposit is parked for review instead of being
// credited.
func (s *Service) SubmitTxHash(ctx context.Context, userID, depositID, txHash string) (*Deposit, error) {
	txHash = strings.TrimSpace(txHash)
	if txHash == "" {
		return nil, errutil.Validation("tx_hash is required")
	}

	bucket := time.Now().Unix() / 60
	key := rediskey.BuildSubmitRateKey(userID, bucket)
	if !s.limiter.Allow(ctx, key, s.cfg.Payment.SubmitRateLimitPerMin, time.Minute) {
		_, raiseErr := s.fraud.Raise(ctx, fraud.RaiseParams{
			Kind:      fraud.KindSubmitRateBreached,
			DedupeKey: fmt.Sprintf("%s:%d", userID, bucket),
			Severity:  fraud.SeverityHigh,
			Title:     "submit-transaction rate limit breached",
			Message:   fmt.Sprintf("user %s exceeded %d submits/min", userID, s.cfg.Payment.SubmitRateLimitPerMin),
			UserID:    userID,
		})
		if raiseErr != nil {
			zap.L().Error("failed to raise rate-breach alert", zap.Error(raiseErr))
		}
		return nil, errutil.RateLimited("too many submissions, slow down")
	}

	var dep Deposit
	var duplicate bool
	err := s.db.Transaction(func(tx *gorm.DB) error {
		err := tx.WithContext(ctx).
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", depositID).
			First(&dep).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return errutil.NotFound("deposit not found")
		}
		if err != nil {
			return err
		}
		if dep.UserID != userID {
			return errutil.Forbidden("deposit belongs to another user")
		}
		switch dep.Status {
		case StatusCreated, StatusSubmitted:
		default:
			return errutil.Conflict(fmt.Sprintf("deposit is %s", dep.Status))
		}

		var other Deposit
		err = tx.WithContext(ctx).
			Where("tx_hash = ? AND user_id <> ? AND id <> ?", txHash, userID, depositID).
			First(&other).Error
		if err == nil {
			duplicate = true
			if err := tx.WithContext(ctx).Model(&Deposit{}).
				Where("id = ?", depositID).
				Updates(map[string]any{
					"status":     StatusNeedsReview,
					"tx_hash":    txHash,
					"updated_at": time.Now(),
				}).Error; err != nil {
				return err
			}
			dep.Status = StatusNeedsReview
			dep.TxHash = txHash
			return s.appendEventTx(ctx, tx, depositID, EventNeedsReview,
				fmt.Sprintf("tx hash %s already claimed by deposit %s", txHash, other.ID))
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		now := time.Now()
		if err := tx.WithContext(ctx).Model(&Deposit{}).
			Where("id = ?", depositID).
			Updates(map[string]any{
				"status":       StatusSubmitted,
				"tx_hash":      txHash,
				"submitted_at": now,
				"updated_at":   now,
			}).Error; err != nil {
			return err
		}
		dep.Status = StatusSubmitted
		dep.TxHash = txHash
		dep.SubmittedAt = &now
		return s.appendEventTx(ctx, tx, depositID, EventSubmitted, fmt.Sprintf("tx hash %s", txHash))
	})
	if err != nil {
		return nil, err
	}

	if duplicate {
		_, raiseErr := s.fraud.Raise(ctx, fraud.RaiseParams{
			Kind:      fraud.KindDuplicateTxHash,
			DedupeKey: txHash,
			Severity:  fraud.SeverityCritical,
			Title:     "transaction hash reused across users",
			Message:   fmt.Sprintf("tx %s submitted by user %s for deposit %s", txHash, userID, depositID),
			UserID:    userID,
			DepositID: depositID,
		})
		if raiseErr != nil {
			zap.L().Error("failed to raise duplicate-hash alert", zap.Error(raiseErr))
		}
		return nil, errutil.NeedsReview("transaction hash requires manual review")
	}

	s.enqueueSubmitted(ctx, &dep)

	return &dep, nil
}

func (s *Service) enqueueSubmitted(ctx context.Context, dep *Deposit) {
	if s.enqueuer == nil {
		return
	}

	snap, err := s.cache.Get(ctx)
	if err != nil {
		zap.L().Error("failed to load payment config, using defaults", zap.Error(err))
		snap = &Snapshot{SubmittedStaleMinutes: 120}
	}

	payload, _ := json.Marshal(taskname.DepositSubmittedPayload{DepositID: dep.ID})
	if _, err := s.enqueuer.Enqueue(
		asynq.NewTask(taskname.DepositSubmitted, payload),
		asynq.Queue("critical"),
		asynq.MaxRetry(10),
	); err != nil {
		zap.L().Error("failed to enqueue reconciliation", zap.String("deposit_id", dep.ID), zap.Error(err))
	}

	stale, _ := json.Marshal(taskname.DepositStaleCheckPayload{DepositID: dep.ID})
	if _, err := s.enqueuer.Enqueue(
		asynq.NewTask(taskname.DepositStaleCheck, stale),
		asynq.Queue("low"),
		asynq.ProcessIn(time.Duration(snap.SubmittedStaleMinutes)*time.Minute),
	); err != nil {
		zap.L().Error("failed to schedule stale check", zap.String("deposit_id", dep.ID), zap.Error(err))
	}
}

type CreditParams struct {
	DepositID    string
	ActualAmount decimal.Decimal
	TxHash       string
	Provider     Provider
}

// Credit moves a deposit to CREDITED and writes exactly one crediting ledger
// entry. Re-running it on an already-CREDITED deposit is a no-op; the status
// check and the ledger write share one transaction so a duplicate webhook can
// never credit twice.
func (s *Service) Credit(ctx context.Context, p CreditParams) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var dep Deposit
		err := tx.WithContext(ctx).
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", p.DepositID).
			First(&dep).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return errutil.NotFound("deposit not found")
		}
		if err != nil {
			return err
		}

		if dep.Status == StatusCredited {
			return nil
		}
		switch dep.Status {
		case StatusCreated, StatusSubmitted, StatusConfirmed, StatusUnmatched:
		default:
			return errutil.Conflict(fmt.Sprintf("deposit is %s", dep.Status))
		}
		if dep.UserID == "" {
			return errutil.Conflict("deposit has no assigned user")
		}

		stars, err := s.computeStarsTx(ctx, tx, &dep)
		if err != nil {
			return err
		}

		if err := s.appendEventTx(ctx, tx, dep.ID, EventConfirmed,
			fmt.Sprintf("matched transfer %s via %s", p.TxHash, p.Provider)); err != nil {
			return err
		}

		if _, err := s.ledger.ApplyDeltaTx(ctx, tx, ledger.ApplyDeltaParams{
			UserID:    dep.UserID,
			Delta:     stars,
			Kind:      ledger.KindPurchase,
			DepositID: dep.ID,
			Note:      fmt.Sprintf("deposit %s on %s", dep.ID, dep.Chain),
		}); err != nil {
			return err
		}

		updates := map[string]any{
			"status":         StatusCredited,
			"credited_stars": stars,
			"updated_at":     time.Now(),
		}
		if !p.ActualAmount.IsZero() {
			updates["actual_amount"] = p.ActualAmount
		}
		if p.TxHash != "" {
			updates["tx_hash"] = p.TxHash
		}
		if p.Provider != "" {
			updates["provider"] = p.Provider
		}
		if err := tx.WithContext(ctx).Model(&Deposit{}).
			Where("id = ?", dep.ID).
			Updates(updates).Error; err != nil {
			return err
		}

		return s.appendEventTx(ctx, tx, dep.ID, EventCredited, fmt.Sprintf("%d stars credited", stars))
	})
}

// computeStarsTx resolves package stars plus bundle and coupon bonuses. Every
// bonus floors, never rounds up, so a mis-sized coupon cannot over-credit.
func (s *Service) computeStarsTx(ctx context.Context, tx *gorm.DB, dep *Deposit) (int64, error) {
	var pkg StarPackage
	err := tx.WithContext(ctx).Where("id = ?", dep.PackageID).First(&pkg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, errutil.Conflict("deposit references a missing package")
	}
	if err != nil {
		return 0, err
	}

	stars := pkg.Stars
	stars += pkg.Stars * int64(pkg.BonusPct) / 100

	if dep.CouponID != "" {
		var coupon Coupon
		err := tx.WithContext(ctx).Where("id = ?", dep.CouponID).First(&coupon).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, err
		}
		if err == nil {
			stars += pkg.Stars * int64(coupon.BonusPct) / 100
			stars += coupon.FlatBonus
		}
	}

	return stars, nil
}

type ManualCreditParams struct {
	DepositID string
	AdminID   string
	Stars     int64
	Note      string
}

// ManualCredit lets an admin credit a reviewed deposit with an explicit star
// amount. Amounts at or above the configured threshold raise a HIGH alert so
// large grants leave a trail beyond the ledger itself.
func (s *Service) ManualCredit(ctx context.Context, p ManualCreditParams) error {
	if p.Stars <= 0 {
		return errutil.Validation("stars must be > 0")
	}

	err := s.db.Transaction(func(tx *gorm.DB) error {
		var dep Deposit
		err := tx.WithContext(ctx).
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", p.DepositID).
			First(&dep).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return errutil.NotFound("deposit not found")
		}
		if err != nil {
			return err
		}

		if dep.Status == StatusCredited {
			return errutil.Conflict("deposit already credited")
		}
		if dep.UserID == "" {
			return errutil.Conflict("assign a user before crediting")
		}

		if _, err := s.ledger.ApplyDeltaTx(ctx, tx, ledger.ApplyDeltaParams{
			UserID:    dep.UserID,
			Delta:     p.Stars,
			Kind:      ledger.KindAdminGrant,
			DepositID: dep.ID,
			Note:      p.Note,
		}); err != nil {
			return err
		}

		if err := tx.WithContext(ctx).Model(&Deposit{}).
			Where("id = ?", dep.ID).
			Updates(map[string]any{
				"status":         StatusCredited,
				"credited_stars": p.Stars,
				"updated_at":     time.Now(),
			}).Error; err != nil {
			return err
		}

		return s.appendEventTx(ctx, tx, dep.ID, EventManualCredit,
			fmt.Sprintf("admin %s credited %d stars: %s", p.AdminID, p.Stars, p.Note))
	})
	if err != nil {
		return err
	}

	if p.Stars >= s.cfg.Payment.AdminCreditAlertThreshold {
		_, raiseErr := s.fraud.Raise(ctx, fraud.RaiseParams{
			Kind:      fraud.KindLargeManualCredit,
			DedupeKey: p.DepositID,
			Severity:  fraud.SeverityHigh,
			Title:     "large manual credit",
			Message:   fmt.Sprintf("admin %s credited %d stars on deposit %s", p.AdminID, p.Stars, p.DepositID),
			DepositID: p.DepositID,
		})
		if raiseErr != nil {
			zap.L().Error("failed to raise manual-credit alert", zap.Error(raiseErr))
		}
	}

	return nil
}

// AssignUser attaches a user to an UNMATCHED or NEEDS_REVIEW deposit so it
// can be credited, then queues it for another reconciliation pass.
func (s *Service) AssignUser(ctx context.Context, depositID, userID string) error {
	if userID == "" {
		return errutil.Validation("user_id is required")
	}

	err := s.db.Transaction(func(tx *gorm.DB) error {
		res := tx.WithContext(ctx).Model(&Deposit{}).
			Where("id = ? AND status IN ?", depositID, []Status{StatusUnmatched, StatusNeedsReview}).
			Updates(map[string]any{
				"user_id":    userID,
				"updated_at": time.Now(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errutil.Conflict("deposit is not awaiting assignment")
		}

		return s.appendEventTx(ctx, tx, depositID, EventUserAssigned,
			fmt.Sprintf("assigned to user %s", userID))
	})
	if err != nil {
		return err
	}

	if s.enqueuer != nil {
		payload, _ := json.Marshal(taskname.DepositSubmittedPayload{DepositID: depositID})
		if _, err := s.enqueuer.Enqueue(
			asynq.NewTask(taskname.DepositSubmitted, payload),
			asynq.Queue("default"),
			asynq.MaxRetry(10),
		); err != nil {
			zap.L().Error("failed to enqueue re-reconciliation", zap.String("deposit_id", depositID), zap.Error(err))
		}
	}

	return nil
}

// MarkUnmatched parks a SUBMITTED deposit that produced no matching evidence
// within the stale window. No-op when the deposit moved on in the meantime.
func (s *Service) MarkUnmatched(ctx context.Context, depositID string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		res := tx.WithContext(ctx).Model(&Deposit{}).
			Where("id = ? AND status = ?", depositID, StatusSubmitted).
			Updates(map[string]any{
				"status":     StatusUnmatched,
				"updated_at": time.Now(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}

		return s.appendEventTx(ctx, tx, depositID, EventUnmatched,
			"no matching transfer evidence within the stale window")
	})
}

// MarkNeedsReview parks a deposit for manual review, recording why.
func (s *Service) MarkNeedsReview(ctx context.Context, depositID, reason string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		res := tx.WithContext(ctx).Model(&Deposit{}).
			Where("id = ? AND status NOT IN ?", depositID, []Status{StatusCredited, StatusFailed, StatusNeedsReview}).
			Updates(map[string]any{
				"status":     StatusNeedsReview,
				"updated_at": time.Now(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}

		return s.appendEventTx(ctx, tx, depositID, EventNeedsReview, reason)
	})
}

// MarkFailed parks a deposit whose reconciliation retries are exhausted so it
// surfaces in the admin inbox instead of looping. No-op when the deposit
// already credited or failed.
func (s *Service) MarkFailed(ctx context.Context, depositID, reason string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		res := tx.WithContext(ctx).Model(&Deposit{}).
			Where("id = ? AND status NOT IN ?", depositID, []Status{StatusCredited, StatusFailed}).
			Updates(map[string]any{
				"status":     StatusFailed,
				"updated_at": time.Now(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}

		return s.appendEventTx(ctx, tx, depositID, EventFailed, reason)
	})
}

func (s *Service) Get(ctx context.Context, depositID string) (*Deposit, error) {
	var dep Deposit
	err := s.db.WithContext(ctx).Where("id = ?", depositID).First(&dep).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errutil.NotFound("deposit not found")
	}
	if err != nil {
		return nil, err
	}
	return &dep, nil
}

func (s *Service) ListEvents(ctx context.Context, depositID string) ([]*DepositEvent, error) {
	var events []*DepositEvent
	err := s.db.WithContext(ctx).
		Where("deposit_id = ?", depositID).
		Order("created_at ASC, id ASC").
		Find(&events).Error
	return events, err
}

type ListFilter struct {
	UserID string
	Chain  Chain
	Status Status
}

func (s *Service) ListDeposits(ctx context.Context, filter ListFilter, page pagination.Pagination) ([]*Deposit, *pagination.PageInfo, error) {
	limit := page.Limit
	if limit <= 0 {
		limit = 10
	}

	query := s.db.WithContext(ctx).
		Order("created_at DESC, id DESC").
		Limit(limit + 1)

	if filter.UserID != "" {
		query = query.Where("user_id = ?", filter.UserID)
	}
	if filter.Chain != "" {
		query = query.Where("chain = ?", filter.Chain)
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

	var deposits []*Deposit
	if err := query.Find(&deposits).Error; err != nil {
		return nil, nil, err
	}

	pageInfo := pagination.BuildCursorPageInfo(deposits, int32(limit), func(d *Deposit) string {
		cursor, _ := pagination.EncodeCursor(pagination.Cursor{ID: d.ID})
		return cursor
	})

	if len(deposits) > limit {
		deposits = deposits[:limit]
	}

	return deposits, pageInfo, nil
}

// ListStaleSubmitted returns SUBMITTED deposits older than the cutoff, used
// by the periodic sweep.
func (s *Service) ListStaleSubmitted(ctx context.Context, cutoff time.Time) ([]*Deposit, error) {
	var deposits []*Deposit
	err := s.db.WithContext(ctx).
		Where("status = ? AND submitted_at IS NOT NULL AND submitted_at <= ?", StatusSubmitted, cutoff).
		Find(&deposits).Error
	return deposits, err
}

// FindByTxHash returns every deposit claiming the hash, oldest first.
func (s *Service) FindByTxHash(ctx context.Context, txHash string) ([]*Deposit, error) {
	var deposits []*Deposit
	err := s.db.WithContext(ctx).
		Where("tx_hash = ?", txHash).
		Order("created_at ASC").
		Find(&deposits).Error
	return deposits, err
}

// FindCustodialAddress resolves a receiving address observed in transfer
// evidence back to the custodial address row, if it is one of ours. EVM hex
// addresses compare case-insensitively since stored rows may carry the
// checksummed mixed-case form; base58/base64 encodings are case-sensitive.
func (s *Service) FindCustodialAddress(ctx context.Context, chain Chain, address string) (*CustodialAddress, error) {
	query := s.db.WithContext(ctx).Where("chain = ? AND active = ?", chain, true)
	switch chain {
	case ChainEth, ChainPolygon, ChainBsc:
		query = query.Where("LOWER(address) = ?", strings.ToLower(address))
	default:
		query = query.Where("address = ?", address)
	}

	var addr CustodialAddress
	err := query.First(&addr).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errutil.NotFound("not a custodial address")
	}
	if err != nil {
		return nil, err
	}
	return &addr, nil
}

// FindOpenForAddress lists deposits waiting on transfers to the given
// custodial address and token. UNMATCHED deposits stay in the pool so that
// late evidence, or an admin assignment followed by a re-reconcile, can still
// credit them.
func (s *Service) FindOpenForAddress(ctx context.Context, custodialAddressID, tokenID string) ([]*Deposit, error) {
	var deposits []*Deposit
	err := s.db.WithContext(ctx).
		Where("custodial_address_id = ? AND token_id = ? AND status IN ?",
			custodialAddressID, tokenID, []Status{StatusCreated, StatusSubmitted, StatusUnmatched}).
		Order("created_at ASC").
		Find(&deposits).Error
	return deposits, err
}

// GetConfig returns the stored PaymentConfig row, creating the default row on
// first read.
func (s *Service) GetConfig(ctx context.Context) (*PaymentConfig, error) {
	var row PaymentConfig
	err := s.db.WithContext(ctx).Where("id = ?", paymentConfigID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		row = defaultPaymentConfig()
		row.UpdatedAt = time.Now()
		if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
			return nil, err
		}
		return &row, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

type UpdateConfigParams struct {
	StrictMode                *bool
	ProviderAccuracyMode      *bool
	ToleranceBps              *int
	SubmittedStaleMinutes     *int
	ReconcileEveryMs          *int
	Allowlist                 map[Chain][]Provider
	AdminCreditAlertThreshold *int64
}

// UpdateConfig patches the singleton row and drops the cached snapshot so the
// next gateway/worker decision sees the new policy.
func (s *Service) UpdateConfig(ctx context.Context, p UpdateConfigParams) (*PaymentConfig, error) {
	row, err := s.GetConfig(ctx)
	if err != nil {
		return nil, err
	}

	updates := map[string]any{"updated_at": time.Now()}
	if p.StrictMode != nil {
		updates["strict_mode"] = *p.StrictMode
	}
	if p.ProviderAccuracyMode != nil {
		updates["provider_accuracy_mode"] = *p.ProviderAccuracyMode
	}
	if p.ToleranceBps != nil {
		if *p.ToleranceBps < 0 || *p.ToleranceBps > 10000 {
			return nil, errutil.Validation("tolerance_bps must be within 0-10000")
		}
		updates["tolerance_bps"] = *p.ToleranceBps
	}
	if p.SubmittedStaleMinutes != nil {
		if *p.SubmittedStaleMinutes <= 0 {
			return nil, errutil.Validation("submitted_stale_minutes must be > 0")
		}
		updates["submitted_stale_minutes"] = *p.SubmittedStaleMinutes
	}
	if p.ReconcileEveryMs != nil {
		if *p.ReconcileEveryMs <= 0 {
			return nil, errutil.Validation("reconcile_every_ms must be > 0")
		}
		updates["reconcile_every_ms"] = *p.ReconcileEveryMs
	}
	if p.Allowlist != nil {
		raw, err := json.Marshal(p.Allowlist)
		if err != nil {
			return nil, errutil.Validation("invalid allowlist", errutil.WithErr(err))
		}
		updates["allowlist"] = raw
	}
	if p.AdminCreditAlertThreshold != nil {
		updates["admin_credit_alert_threshold"] = *p.AdminCreditAlertThreshold
	}

	if err := s.db.WithContext(ctx).Model(&PaymentConfig{}).
		Where("id = ?", row.ID).
		Updates(updates).Error; err != nil {
		return nil, err
	}

	s.cache.Invalidate()

	return s.GetConfig(ctx)
}

func (s *Service) appendEventTx(ctx context.Context, tx *gorm.DB, depositID, eventType, message string) error {
	return tx.WithContext(ctx).Create(&DepositEvent{
		ID:        s.node.Generate().String(),
		DepositID: depositID,
		Type:      eventType,
		Message:   message,
		CreatedAt: time.Now(),
	}).Error
}
