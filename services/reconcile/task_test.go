package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"starhub-payments/pkg/config"
	"starhub-payments/pkg/ratelimit"
	"starhub-payments/pkg/taskname"
	"starhub-payments/services/deposit"
	"starhub-payments/services/fraud"
	"starhub-payments/services/ledger"
	"starhub-payments/services/testutil"
	"starhub-payments/services/webhook"
)

type fixture struct {
	worker   *Worker
	deposits *deposit.Service
	webhooks *webhook.Service
	ledger   *ledger.Service
	db       *gorm.DB
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db := testutil.NewTestDB(t,
		&ledger.Balance{}, &ledger.LedgerEntry{},
		&fraud.FraudAlert{},
		&deposit.Deposit{}, &deposit.DepositEvent{}, &deposit.CustodialAddress{},
		&deposit.StarPackage{}, &deposit.Coupon{}, &deposit.PaymentConfig{},
		&webhook.WebhookAuditLog{},
	)
	node, err := snowflake.NewNode(8)
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.Payment.SubmitRateLimitPerMin = 100
	cfg.Payment.WebhookRateLimitPerMin = 1000

	limiter := ratelimit.NewFixedWindow(ratelimit.Params{})
	cache := deposit.NewConfigCache(db, time.Minute)

	ledgerSvc := ledger.NewService(ledger.ServiceParams{DB: db, Node: node})
	fraudSvc := fraud.NewService(fraud.ServiceParams{DB: db, Node: node})
	depositSvc := deposit.NewService(deposit.ServiceParams{
		DB: db, Node: node, Ledger: ledgerSvc, Fraud: fraudSvc,
		Limiter: limiter, Config: cfg, Cache: cache,
	})
	webhookSvc := webhook.NewService(webhook.ServiceParams{
		DB: db, Node: node, Limiter: limiter, Config: cfg, Cache: cache,
	})

	worker := NewWorker(WorkerParams{
		Deposits: depositSvc,
		Webhooks: webhookSvc,
		Fraud:    fraudSvc,
		Cache:    cache,
	})

	return &fixture{
		worker:   worker,
		deposits: depositSvc,
		webhooks: webhookSvc,
		ledger:   ledgerSvc,
		db:       db,
	}
}

func (f *fixture) seedCatalog(t *testing.T) {
	t.Helper()

	require.NoError(t, f.db.Create(&deposit.StarPackage{
		ID: "pkg-1", Chain: deposit.ChainTon, TokenID: "TON",
		Price: decimal.RequireFromString("10"), Stars: 100, Active: true,
	}).Error)
	require.NoError(t, f.db.Create(&deposit.CustodialAddress{
		ID: "addr-1", Chain: deposit.ChainTon, TokenID: "TON",
		Address: "EQtestaddress", Active: true,
	}).Error)
}

func (f *fixture) submittedDeposit(t *testing.T, userID, txHash string) *deposit.Deposit {
	t.Helper()

	dep, err := f.deposits.CreateIntent(context.Background(), deposit.CreateIntentParams{
		UserID: userID, Chain: deposit.ChainTon, TokenID: "TON", PackageID: "pkg-1",
	})
	require.NoError(t, err)

	dep, err = f.deposits.SubmitTxHash(context.Background(), userID, dep.ID, txHash)
	require.NoError(t, err)
	return dep
}

func (f *fixture) ingestTonTransfer(t *testing.T, amount, txHash, comment string) string {
	t.Helper()

	body := fmt.Sprintf(`{"account":"EQtestaddress","token":"TON","amount":%q,"tx_hash":%q,"comment":%q}`,
		amount, txHash, comment)
	result := f.webhooks.Ingest(context.Background(), webhook.IngestRequest{
		Provider: "tonconsole",
		Endpoint: "/webhooks/tonconsole",
		IP:       "203.0.113.9",
		Headers:  map[string][]string{},
		RawBody:  []byte(body),
	})
	require.True(t, result.Accepted)
	return result.AuditLogID
}

func webhookTask(t *testing.T, auditLogID string) *asynq.Task {
	t.Helper()
	payload, err := json.Marshal(taskname.WebhookEventPayload{AuditLogID: auditLogID})
	require.NoError(t, err)
	return asynq.NewTask(taskname.WebhookEvent, payload)
}

func TestWebhookEventCreditsMatchingDeposit(t *testing.T) {
	f := newFixture(t)
	f.seedCatalog(t)
	ctx := context.Background()

	dep := f.submittedDeposit(t, "user-1", "tx-aaa")
	auditID := f.ingestTonTransfer(t, "10", "tx-aaa", "")

	require.NoError(t, f.worker.HandleWebhookEvent(ctx, webhookTask(t, auditID)))

	got, err := f.deposits.Get(ctx, dep.ID)
	require.NoError(t, err)
	require.Equal(t, deposit.StatusCredited, got.Status)
	require.Equal(t, deposit.ProviderTonconsole, got.Provider)
	require.True(t, got.ActualAmount.Equal(decimal.RequireFromString("10")))

	balance, err := f.ledger.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, int64(100), balance)
}

func TestWebhookEventMatchesByMemoBeforeSubmission(t *testing.T) {
	f := newFixture(t)
	f.seedCatalog(t)
	ctx := context.Background()

	dep, err := f.deposits.CreateIntent(ctx, deposit.CreateIntentParams{
		UserID: "user-1", Chain: deposit.ChainTon, TokenID: "TON", PackageID: "pkg-1",
	})
	require.NoError(t, err)

	auditID := f.ingestTonTransfer(t, "10", "tx-memo", dep.Memo)
	require.NoError(t, f.worker.HandleWebhookEvent(ctx, webhookTask(t, auditID)))

	got, err := f.deposits.Get(ctx, dep.ID)
	require.NoError(t, err)
	require.Equal(t, deposit.StatusCredited, got.Status)
}

func TestReplayedWebhookDoesNotDoubleCredit(t *testing.T) {
	f := newFixture(t)
	f.seedCatalog(t)
	ctx := context.Background()

	dep := f.submittedDeposit(t, "user-1", "tx-aaa")

	first := f.ingestTonTransfer(t, "10", "tx-aaa", "")
	require.NoError(t, f.worker.HandleWebhookEvent(ctx, webhookTask(t, first)))

	second := f.ingestTonTransfer(t, "10", "tx-aaa", "")
	require.NoError(t, f.worker.HandleWebhookEvent(ctx, webhookTask(t, second)))

	balance, err := f.ledger.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, int64(100), balance)

	var entries int64
	require.NoError(t, f.db.Model(&ledger.LedgerEntry{}).
		Where("deposit_id = ?", dep.ID).
		Count(&entries).Error)
	require.Equal(t, int64(1), entries)
}

func TestAmountOutsideToleranceDoesNotMatch(t *testing.T) {
	f := newFixture(t)
	f.seedCatalog(t)
	ctx := context.Background()

	dep := f.submittedDeposit(t, "user-1", "tx-aaa")

	// default tolerance is 100bps; 10 vs 10.05 fits, 10 vs 11 does not
	auditID := f.ingestTonTransfer(t, "11", "tx-aaa", "")
	require.NoError(t, f.worker.HandleWebhookEvent(ctx, webhookTask(t, auditID)))

	got, err := f.deposits.Get(ctx, dep.ID)
	require.NoError(t, err)
	require.Equal(t, deposit.StatusSubmitted, got.Status)

	var alert fraud.FraudAlert
	require.NoError(t, f.db.
		Where("kind = ? AND dedupe_key = ?", fraud.KindUnmatchedTransfer, "tx-aaa").
		First(&alert).Error)

	within := f.ingestTonTransfer(t, "10.05", "tx-aaa", "")
	require.NoError(t, f.worker.HandleWebhookEvent(ctx, webhookTask(t, within)))

	got, err = f.deposits.Get(ctx, dep.ID)
	require.NoError(t, err)
	require.Equal(t, deposit.StatusCredited, got.Status)
}

func TestAmountMatchesExactInAccuracyMode(t *testing.T) {
	strictSnap := &deposit.Snapshot{ProviderAccuracyMode: true, ToleranceBps: 100}
	looseSnap := &deposit.Snapshot{ToleranceBps: 100}

	expected := decimal.RequireFromString("10")
	near := decimal.RequireFromString("10.05")

	require.False(t, amountMatches(expected, near, strictSnap))
	require.True(t, amountMatches(expected, expected, strictSnap))
	require.True(t, amountMatches(expected, near, looseSnap))
}

func TestUnknownAddressRaisesUnmatchedAlert(t *testing.T) {
	f := newFixture(t)
	f.seedCatalog(t)
	ctx := context.Background()

	body := `{"account":"EQsomeoneelse","token":"TON","amount":"10","tx_hash":"tx-stray","comment":""}`
	result := f.webhooks.Ingest(ctx, webhook.IngestRequest{
		Provider: "tonconsole",
		Endpoint: "/webhooks/tonconsole",
		IP:       "203.0.113.9",
		Headers:  map[string][]string{},
		RawBody:  []byte(body),
	})
	require.True(t, result.Accepted)

	require.NoError(t, f.worker.HandleWebhookEvent(ctx, webhookTask(t, result.AuditLogID)))

	var alert fraud.FraudAlert
	require.NoError(t, f.db.
		Where("kind = ? AND dedupe_key = ?", fraud.KindUnmatchedTransfer, "tx-stray").
		First(&alert).Error)
	require.Equal(t, fraud.SeverityMedium, alert.Severity)
}

func TestDuplicateHashAcrossUsersParksForReview(t *testing.T) {
	f := newFixture(t)
	f.seedCatalog(t)
	ctx := context.Background()

	now := time.Now()
	for i, user := range []string{"user-1", "user-2"} {
		require.NoError(t, f.db.Create(&deposit.Deposit{
			ID:                 fmt.Sprintf("dep-%d", i),
			UserID:             user,
			Chain:              deposit.ChainTon,
			TokenID:            "TON",
			CustodialAddressID: "addr-1",
			PackageID:          "pkg-1",
			ExpectedAmount:     decimal.RequireFromString("10"),
			TxHash:             "tx-dup",
			Status:             deposit.StatusSubmitted,
			SubmittedAt:        &now,
			CreatedAt:          now.Add(time.Duration(i) * time.Second),
		}).Error)
	}

	auditID := f.ingestTonTransfer(t, "10", "tx-dup", "")
	require.NoError(t, f.worker.HandleWebhookEvent(ctx, webhookTask(t, auditID)))

	var alert fraud.FraudAlert
	require.NoError(t, f.db.
		Where("kind = ? AND dedupe_key = ?", fraud.KindDuplicateTxHash, "tx-dup").
		First(&alert).Error)
	require.Equal(t, fraud.SeverityCritical, alert.Severity)

	second, err := f.deposits.Get(ctx, "dep-1")
	require.NoError(t, err)
	require.Equal(t, deposit.StatusNeedsReview, second.Status)

	var credited int64
	require.NoError(t, f.db.Model(&deposit.Deposit{}).
		Where("status = ?", deposit.StatusCredited).
		Count(&credited).Error)
	require.Equal(t, int64(0), credited)
}

func TestDepositSubmittedMatchesEarlierEvidence(t *testing.T) {
	f := newFixture(t)
	f.seedCatalog(t)
	ctx := context.Background()

	// Webhook arrives before the user submits the hash.
	f.ingestTonTransfer(t, "10", "tx-early", "")

	dep := f.submittedDeposit(t, "user-1", "tx-early")

	payload, err := json.Marshal(taskname.DepositSubmittedPayload{DepositID: dep.ID})
	require.NoError(t, err)
	require.NoError(t, f.worker.HandleDepositSubmitted(ctx,
		asynq.NewTask(taskname.DepositSubmitted, payload)))

	got, err := f.deposits.Get(ctx, dep.ID)
	require.NoError(t, err)
	require.Equal(t, deposit.StatusCredited, got.Status)
}

func TestAssignedUnmatchedDepositCreditsOnRequeue(t *testing.T) {
	f := newFixture(t)
	f.seedCatalog(t)
	ctx := context.Background()

	// Deposit went stale before its transfer evidence arrived.
	dep := f.submittedDeposit(t, "user-1", "tx-late")
	require.NoError(t, f.deposits.MarkUnmatched(ctx, dep.ID))

	f.ingestTonTransfer(t, "10", "tx-late", "")

	// Admin assignment re-queues the deposit for matching.
	require.NoError(t, f.deposits.AssignUser(ctx, dep.ID, "user-1"))

	payload, err := json.Marshal(taskname.DepositSubmittedPayload{DepositID: dep.ID})
	require.NoError(t, err)
	require.NoError(t, f.worker.HandleDepositSubmitted(ctx,
		asynq.NewTask(taskname.DepositSubmitted, payload)))

	got, err := f.deposits.Get(ctx, dep.ID)
	require.NoError(t, err)
	require.Equal(t, deposit.StatusCredited, got.Status)

	balance, err := f.ledger.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, int64(100), balance)
}

func TestStaleCheckParksOverdueDeposit(t *testing.T) {
	f := newFixture(t)
	f.seedCatalog(t)
	ctx := context.Background()

	dep := f.submittedDeposit(t, "user-1", "tx-aaa")

	old := time.Now().Add(-3 * time.Hour)
	require.NoError(t, f.db.Model(&deposit.Deposit{}).
		Where("id = ?", dep.ID).
		Update("submitted_at", old).Error)

	payload, err := json.Marshal(taskname.DepositStaleCheckPayload{DepositID: dep.ID})
	require.NoError(t, err)
	require.NoError(t, f.worker.HandleStaleCheck(ctx,
		asynq.NewTask(taskname.DepositStaleCheck, payload)))

	got, err := f.deposits.Get(ctx, dep.ID)
	require.NoError(t, err)
	require.Equal(t, deposit.StatusUnmatched, got.Status)
}

func TestStaleCheckLeavesFreshDepositAlone(t *testing.T) {
	f := newFixture(t)
	f.seedCatalog(t)
	ctx := context.Background()

	dep := f.submittedDeposit(t, "user-1", "tx-aaa")

	payload, err := json.Marshal(taskname.DepositStaleCheckPayload{DepositID: dep.ID})
	require.NoError(t, err)
	require.NoError(t, f.worker.HandleStaleCheck(ctx,
		asynq.NewTask(taskname.DepositStaleCheck, payload)))

	got, err := f.deposits.Get(ctx, dep.ID)
	require.NoError(t, err)
	require.Equal(t, deposit.StatusSubmitted, got.Status)
}

func TestStaleSweepParksAllOverdue(t *testing.T) {
	f := newFixture(t)
	f.seedCatalog(t)
	ctx := context.Background()

	old := time.Now().Add(-3 * time.Hour)
	for i := 0; i < 3; i++ {
		dep := f.submittedDeposit(t, fmt.Sprintf("user-%d", i), fmt.Sprintf("tx-%d", i))
		require.NoError(t, f.db.Model(&deposit.Deposit{}).
			Where("id = ?", dep.ID).
			Update("submitted_at", old).Error)
	}
	fresh := f.submittedDeposit(t, "user-fresh", "tx-fresh")

	require.NoError(t, f.worker.HandleStaleSweep(ctx,
		asynq.NewTask(taskname.DepositStaleSweep, nil)))

	var unmatched int64
	require.NoError(t, f.db.Model(&deposit.Deposit{}).
		Where("status = ?", deposit.StatusUnmatched).
		Count(&unmatched).Error)
	require.Equal(t, int64(3), unmatched)

	got, err := f.deposits.Get(ctx, fresh.ID)
	require.NoError(t, err)
	require.Equal(t, deposit.StatusSubmitted, got.Status)
}
