package deposit

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"starhub-payments/pkg/config"
	"starhub-payments/pkg/errutil"
	"starhub-payments/pkg/ratelimit"
	"starhub-payments/services/fraud"
	"starhub-payments/services/ledger"
	"starhub-payments/services/testutil"
)

type fixture struct {
	svc    *Service
	ledger *ledger.Service
	fraud  *fraud.Service
	cache  *ConfigCache
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db := testutil.NewTestDB(t,
		&ledger.Balance{}, &ledger.LedgerEntry{},
		&fraud.FraudAlert{},
		&Deposit{}, &DepositEvent{}, &CustodialAddress{}, &StarPackage{}, &Coupon{}, &PaymentConfig{},
	)
	node, err := snowflake.NewNode(5)
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.Payment.SubmitRateLimitPerMin = 100
	cfg.Payment.AdminCreditAlertThreshold = 1000
	cfg.Payment.ConfigCacheTTL = time.Minute

	ledgerSvc := ledger.NewService(ledger.ServiceParams{DB: db, Node: node})
	fraudSvc := fraud.NewService(fraud.ServiceParams{DB: db, Node: node})
	cache := NewConfigCache(db, cfg.Payment.ConfigCacheTTL)
	limiter := ratelimit.NewFixedWindow(ratelimit.Params{})

	svc := NewService(ServiceParams{
		DB:      db,
		Node:    node,
		Ledger:  ledgerSvc,
		Fraud:   fraudSvc,
		Limiter: limiter,
		Config:  cfg,
		Cache:   cache,
	})

	return &fixture{svc: svc, ledger: ledgerSvc, fraud: fraudSvc, cache: cache}
}

func (f *fixture) seedCatalog(t *testing.T) (*StarPackage, *CustodialAddress) {
	t.Helper()

	pkg := &StarPackage{
		ID:      "pkg-1",
		Chain:   ChainTon,
		TokenID: "TON",
		Price:   decimal.RequireFromString("10"),
		Stars:   100,
		Active:  true,
	}
	require.NoError(t, f.svc.db.Create(pkg).Error)

	addr := &CustodialAddress{
		ID:      "addr-1",
		Chain:   ChainTon,
		TokenID: "TON",
		Address: "EQtestaddress",
		Active:  true,
	}
	require.NoError(t, f.svc.db.Create(addr).Error)

	return pkg, addr
}

func (f *fixture) newIntent(t *testing.T, userID string) *Deposit {
	t.Helper()
	dep, err := f.svc.CreateIntent(context.Background(), CreateIntentParams{
		UserID:    userID,
		Chain:     ChainTon,
		TokenID:   "TON",
		PackageID: "pkg-1",
	})
	require.NoError(t, err)
	return dep
}

func TestCreateIntent(t *testing.T) {
	f := newFixture(t)
	f.seedCatalog(t)

	dep := f.newIntent(t, "user-1")
	require.Equal(t, StatusCreated, dep.Status)
	require.NotEmpty(t, dep.Memo)
	require.Equal(t, "addr-1", dep.CustodialAddressID)
	require.True(t, dep.ExpectedAmount.Equal(decimal.RequireFromString("10")))

	events, err := f.svc.ListEvents(context.Background(), dep.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, EventCreated, events[0].Type)
}

func TestCreateIntentRejectsMismatchedPackage(t *testing.T) {
	f := newFixture(t)
	f.seedCatalog(t)

	_, err := f.svc.CreateIntent(context.Background(), CreateIntentParams{
		UserID:    "user-1",
		Chain:     ChainEth,
		TokenID:   "ETH",
		PackageID: "pkg-1",
	})
	require.True(t, errutil.HasStatus(err, errutil.StatusValidation))
}

func TestSubmitTxHash(t *testing.T) {
	f := newFixture(t)
	f.seedCatalog(t)
	ctx := context.Background()

	dep := f.newIntent(t, "user-1")
	got, err := f.svc.SubmitTxHash(ctx, "user-1", dep.ID, "tx-aaa")
	require.NoError(t, err)
	require.Equal(t, StatusSubmitted, got.Status)
	require.Equal(t, "tx-aaa", got.TxHash)
	require.NotNil(t, got.SubmittedAt)
}

func TestSubmitTxHashRejectsForeignDeposit(t *testing.T) {
	f := newFixture(t)
	f.seedCatalog(t)

	dep := f.newIntent(t, "user-1")
	_, err := f.svc.SubmitTxHash(context.Background(), "user-2", dep.ID, "tx-aaa")
	require.True(t, errutil.HasStatus(err, errutil.StatusForbidden))
}

func TestSubmitDuplicateTxHashAcrossUsers(t *testing.T) {
	f := newFixture(t)
	f.seedCatalog(t)
	ctx := context.Background()

	first := f.newIntent(t, "user-1")
	_, err := f.svc.SubmitTxHash(ctx, "user-1", first.ID, "tx-shared")
	require.NoError(t, err)

	second := f.newIntent(t, "user-2")
	_, err = f.svc.SubmitTxHash(ctx, "user-2", second.ID, "tx-shared")
	require.True(t, errutil.HasStatus(err, errutil.StatusNeedsReview))

	got, err := f.svc.Get(ctx, second.ID)
	require.NoError(t, err)
	require.Equal(t, StatusNeedsReview, got.Status)

	var alert fraud.FraudAlert
	require.NoError(t, f.svc.db.
		Where("kind = ? AND dedupe_key = ?", fraud.KindDuplicateTxHash, "tx-shared").
		First(&alert).Error)
	require.Equal(t, fraud.SeverityCritical, alert.Severity)
}

func TestSubmitRateLimitBreachRaisesAlert(t *testing.T) {
	f := newFixture(t)
	f.seedCatalog(t)
	f.svc.cfg.Payment.SubmitRateLimitPerMin = 2
	ctx := context.Background()

	dep := f.newIntent(t, "user-1")
	for i := 0; i < 2; i++ {
		_, err := f.svc.SubmitTxHash(ctx, "user-1", dep.ID, fmt.Sprintf("tx-%d", i))
		require.NoError(t, err)
	}

	_, err := f.svc.SubmitTxHash(ctx, "user-1", dep.ID, "tx-3")
	require.True(t, errutil.HasStatus(err, errutil.StatusRateLimited))

	var alert fraud.FraudAlert
	require.NoError(t, f.svc.db.
		Where("kind = ?", fraud.KindSubmitRateBreached).
		First(&alert).Error)
	require.Equal(t, fraud.SeverityHigh, alert.Severity)
}

func TestCreditIsIdempotentAndFloorsBonuses(t *testing.T) {
	f := newFixture(t)
	pkg, _ := f.seedCatalog(t)
	ctx := context.Background()

	require.NoError(t, f.svc.db.Model(pkg).Update("bonus_pct", 15).Error)
	require.NoError(t, f.svc.db.Create(&Coupon{
		ID: "coupon-1", Code: "WELCOME", BonusPct: 7, FlatBonus: 3, Active: true,
	}).Error)

	dep, err := f.svc.CreateIntent(ctx, CreateIntentParams{
		UserID:     "user-1",
		Chain:      ChainTon,
		TokenID:    "TON",
		PackageID:  "pkg-1",
		CouponCode: "WELCOME",
	})
	require.NoError(t, err)

	_, err = f.svc.SubmitTxHash(ctx, "user-1", dep.ID, "tx-aaa")
	require.NoError(t, err)

	params := CreditParams{
		DepositID:    dep.ID,
		ActualAmount: decimal.RequireFromString("10"),
		TxHash:       "tx-aaa",
		Provider:     ProviderTonconsole,
	}
	require.NoError(t, f.svc.Credit(ctx, params))
	require.NoError(t, f.svc.Credit(ctx, params))

	// 100 + floor(100*15%) + floor(100*7%) + 3
	balance, err := f.ledger.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, int64(125), balance)

	var entries int64
	require.NoError(t, f.svc.db.Model(&ledger.LedgerEntry{}).
		Where("deposit_id = ?", dep.ID).
		Count(&entries).Error)
	require.Equal(t, int64(1), entries)

	got, err := f.svc.Get(ctx, dep.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCredited, got.Status)
	require.Equal(t, int64(125), got.CreditedStars)
}

func TestManualCreditRaisesAlertAboveThreshold(t *testing.T) {
	f := newFixture(t)
	f.seedCatalog(t)
	ctx := context.Background()

	dep := f.newIntent(t, "user-1")
	require.NoError(t, f.svc.ManualCredit(ctx, ManualCreditParams{
		DepositID: dep.ID,
		AdminID:   "admin-1",
		Stars:     5000,
		Note:      "support case 812",
	}))

	balance, err := f.ledger.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, int64(5000), balance)

	var alert fraud.FraudAlert
	require.NoError(t, f.svc.db.
		Where("kind = ? AND dedupe_key = ?", fraud.KindLargeManualCredit, dep.ID).
		First(&alert).Error)
	require.Equal(t, fraud.SeverityHigh, alert.Severity)

	err = f.svc.ManualCredit(ctx, ManualCreditParams{DepositID: dep.ID, AdminID: "admin-1", Stars: 10})
	require.True(t, errutil.HasStatus(err, errutil.StatusConflict))
}

func TestAssignUserOnlyWhenAwaiting(t *testing.T) {
	f := newFixture(t)
	f.seedCatalog(t)
	ctx := context.Background()

	dep := f.newIntent(t, "user-1")
	err := f.svc.AssignUser(ctx, dep.ID, "user-2")
	require.True(t, errutil.HasStatus(err, errutil.StatusConflict))

	_, err = f.svc.SubmitTxHash(ctx, "user-1", dep.ID, "tx-aaa")
	require.NoError(t, err)
	require.NoError(t, f.svc.MarkUnmatched(ctx, dep.ID))

	require.NoError(t, f.svc.AssignUser(ctx, dep.ID, "user-2"))

	got, err := f.svc.Get(ctx, dep.ID)
	require.NoError(t, err)
	require.Equal(t, "user-2", got.UserID)
}

func TestMarkUnmatchedOnlyFromSubmitted(t *testing.T) {
	f := newFixture(t)
	f.seedCatalog(t)
	ctx := context.Background()

	dep := f.newIntent(t, "user-1")
	require.NoError(t, f.svc.MarkUnmatched(ctx, dep.ID))

	got, err := f.svc.Get(ctx, dep.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCreated, got.Status)

	_, err = f.svc.SubmitTxHash(ctx, "user-1", dep.ID, "tx-aaa")
	require.NoError(t, err)
	require.NoError(t, f.svc.MarkUnmatched(ctx, dep.ID))

	got, err = f.svc.Get(ctx, dep.ID)
	require.NoError(t, err)
	require.Equal(t, StatusUnmatched, got.Status)

	events, err := f.svc.ListEvents(ctx, dep.ID)
	require.NoError(t, err)
	require.Equal(t, EventUnmatched, events[len(events)-1].Type)
}

func TestMarkFailedParksOpenDepositOnly(t *testing.T) {
	f := newFixture(t)
	f.seedCatalog(t)
	ctx := context.Background()

	dep := f.newIntent(t, "user-1")
	_, err := f.svc.SubmitTxHash(ctx, "user-1", dep.ID, "tx-aaa")
	require.NoError(t, err)

	require.NoError(t, f.svc.MarkFailed(ctx, dep.ID, "reconciliation retries exhausted"))

	got, err := f.svc.Get(ctx, dep.ID)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, got.Status)

	events, err := f.svc.ListEvents(ctx, dep.ID)
	require.NoError(t, err)
	require.Equal(t, EventFailed, events[len(events)-1].Type)

	// Repeat call is a no-op, no second event row.
	require.NoError(t, f.svc.MarkFailed(ctx, dep.ID, "again"))
	again, err := f.svc.ListEvents(ctx, dep.ID)
	require.NoError(t, err)
	require.Len(t, again, len(events))

	// A credited deposit keeps its stars.
	other := f.newIntent(t, "user-2")
	_, err = f.svc.SubmitTxHash(ctx, "user-2", other.ID, "tx-bbb")
	require.NoError(t, err)
	require.NoError(t, f.svc.Credit(ctx, CreditParams{
		DepositID:    other.ID,
		ActualAmount: decimal.RequireFromString("10"),
		TxHash:       "tx-bbb",
		Provider:     ProviderTonconsole,
	}))
	require.NoError(t, f.svc.MarkFailed(ctx, other.ID, "late failure"))

	got, err = f.svc.Get(ctx, other.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCredited, got.Status)
}

func TestFindCustodialAddressIgnoresEvmCase(t *testing.T) {
	f := newFixture(t)
	_, tonAddr := f.seedCatalog(t)
	ctx := context.Background()

	require.NoError(t, f.svc.db.Create(&CustodialAddress{
		ID:      "addr-evm",
		Chain:   ChainEth,
		TokenID: "ETH",
		Address: "0xAb5801a7D398351b8bE11C439e05C5B3259aeC9B",
		Active:  true,
	}).Error)

	// EVM evidence arrives lowercased; the stored row keeps its checksum case.
	found, err := f.svc.FindCustodialAddress(ctx, ChainEth, "0xab5801a7d398351b8be11c439e05c5b3259aec9b")
	require.NoError(t, err)
	require.Equal(t, "addr-evm", found.ID)

	// TON addresses are base64url; case changes the address.
	_, err = f.svc.FindCustodialAddress(ctx, ChainTon, strings.ToLower(tonAddr.Address))
	require.True(t, errutil.HasStatus(err, errutil.StatusNotFound))
}

func TestConfigUpdateInvalidatesSnapshot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	snap, err := f.cache.Get(ctx)
	require.NoError(t, err)
	require.False(t, snap.StrictMode)

	strict := true
	tolerance := 50
	_, err = f.svc.UpdateConfig(ctx, UpdateConfigParams{
		StrictMode:   &strict,
		ToleranceBps: &tolerance,
		Allowlist: map[Chain][]Provider{
			ChainTon: {ProviderTonconsole},
		},
	})
	require.NoError(t, err)

	snap, err = f.cache.Get(ctx)
	require.NoError(t, err)
	require.True(t, snap.StrictMode)
	require.Equal(t, 50, snap.ToleranceBps)
	require.True(t, snap.Allowed(ChainTon, ProviderTonconsole))
	require.False(t, snap.Allowed(ChainTon, ProviderAlchemy))

	bad := 20000
	_, err = f.svc.UpdateConfig(ctx, UpdateConfigParams{ToleranceBps: &bad})
	require.True(t, errutil.HasStatus(err, errutil.StatusValidation))
}
