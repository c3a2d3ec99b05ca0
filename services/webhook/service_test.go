package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"starhub-payments/pkg/config"
	"starhub-payments/pkg/ratelimit"
	"starhub-payments/services/deposit"
	"starhub-payments/services/testutil"
)

func newTestService(t *testing.T, cfg *config.Config) (*Service, *gorm.DB) {
	t.Helper()

	db := testutil.NewTestDB(t, &WebhookAuditLog{}, &deposit.PaymentConfig{})
	node, err := snowflake.NewNode(6)
	require.NoError(t, err)

	if cfg == nil {
		cfg = &config.Config{}
	}
	if cfg.Payment.WebhookRateLimitPerMin == 0 {
		cfg.Payment.WebhookRateLimitPerMin = 120
	}

	svc := NewService(ServiceParams{
		DB:      db,
		Node:    node,
		Limiter: ratelimit.NewFixedWindow(ratelimit.Params{}),
		Config:  cfg,
		Cache:   deposit.NewConfigCache(db, time.Minute),
	})

	return svc, db
}

func signBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func alchemyRequest(body []byte, headers http.Header) IngestRequest {
	if headers == nil {
		headers = http.Header{}
	}
	return IngestRequest{
		Provider: "alchemy",
		Endpoint: "/webhooks/alchemy",
		IP:       "198.51.100.7",
		Headers:  headers,
		RawBody:  body,
	}
}

func TestIngestAcceptedWritesReceivedAudit(t *testing.T) {
	svc, db := newTestService(t, nil)

	body := []byte(`{"event":{"network":"ETH_MAINNET","activity":[]}}`)
	result := svc.Ingest(context.Background(), alchemyRequest(body, nil))

	require.True(t, result.Accepted)
	require.Equal(t, http.StatusOK, result.HTTPStatus)
	require.NotEmpty(t, result.AuditLogID)

	var audit WebhookAuditLog
	require.NoError(t, db.Where("id = ?", result.AuditLogID).First(&audit).Error)
	require.Equal(t, StatusReceived, audit.Status)
	require.Equal(t, "eth", audit.Chain)

	sum := sha256.Sum256(body)
	require.Equal(t, hex.EncodeToString(sum[:]), audit.SHA256)
}

func TestIngestRejectsUnknownProvider(t *testing.T) {
	svc, db := newTestService(t, nil)

	result := svc.Ingest(context.Background(), IngestRequest{
		Provider: "shadyprovider",
		Endpoint: "/webhooks/shadyprovider",
		IP:       "198.51.100.7",
		Headers:  http.Header{},
		RawBody:  []byte(`{}`),
	})

	require.False(t, result.Accepted)
	require.Equal(t, http.StatusForbidden, result.HTTPStatus)

	var audit WebhookAuditLog
	require.NoError(t, db.Where("id = ?", result.AuditLogID).First(&audit).Error)
	require.Equal(t, StatusRejected, audit.Status)
	require.Equal(t, ReasonProviderNotAllowed, audit.FailureReason)
}

func TestIngestRateLimit(t *testing.T) {
	cfg := &config.Config{}
	cfg.Payment.WebhookRateLimitPerMin = 2
	svc, db := newTestService(t, cfg)
	ctx := context.Background()

	body := []byte(`{"event":{"network":"ETH_MAINNET"}}`)
	for i := 0; i < 2; i++ {
		result := svc.Ingest(ctx, alchemyRequest(body, nil))
		require.True(t, result.Accepted)
	}

	result := svc.Ingest(ctx, alchemyRequest(body, nil))
	require.False(t, result.Accepted)
	require.Equal(t, http.StatusTooManyRequests, result.HTTPStatus)

	var audit WebhookAuditLog
	require.NoError(t, db.Where("id = ?", result.AuditLogID).First(&audit).Error)
	require.Equal(t, ReasonRateLimited, audit.FailureReason)
}

func TestIngestStrictModeAllowlist(t *testing.T) {
	svc, db := newTestService(t, nil)
	ctx := context.Background()

	require.NoError(t, db.Create(&deposit.PaymentConfig{
		ID:         "payment",
		StrictMode: true,
		Allowlist:  []byte(`{"eth":["quicknode"]}`),
	}).Error)

	result := svc.Ingest(ctx, alchemyRequest([]byte(`{"event":{"network":"ETH_MAINNET"}}`), nil))
	require.False(t, result.Accepted)
	require.Equal(t, http.StatusForbidden, result.HTTPStatus)

	var audit WebhookAuditLog
	require.NoError(t, db.Where("id = ?", result.AuditLogID).First(&audit).Error)
	require.Equal(t, ReasonProviderNotAllowed, audit.FailureReason)
}

func TestIngestSignatureVerification(t *testing.T) {
	cfg := &config.Config{}
	cfg.Payment.Providers = map[string]config.ProviderCredentials{
		"alchemy": {SigningSecret: "topsecret"},
	}
	svc, db := newTestService(t, cfg)
	ctx := context.Background()

	require.NoError(t, db.Create(&deposit.PaymentConfig{
		ID:                   "payment",
		ProviderAccuracyMode: true,
	}).Error)

	body := []byte(`{"event":{"network":"ETH_MAINNET","activity":[]}}`)

	badHeaders := http.Header{}
	badHeaders.Set("X-Alchemy-Signature", "deadbeef")
	result := svc.Ingest(ctx, alchemyRequest(body, badHeaders))
	require.False(t, result.Accepted)
	require.Equal(t, http.StatusUnauthorized, result.HTTPStatus)

	var audit WebhookAuditLog
	require.NoError(t, db.Where("id = ?", result.AuditLogID).First(&audit).Error)
	require.Contains(t, audit.FailureReason, ReasonBadSignature)

	goodHeaders := http.Header{}
	goodHeaders.Set("X-Alchemy-Signature", signBody("topsecret", body))
	result = svc.Ingest(ctx, alchemyRequest(body, goodHeaders))
	require.True(t, result.Accepted)
}

func TestIngestFailsClosedWhenConfigUnavailable(t *testing.T) {
	// No PaymentConfig table, so the snapshot load errors instead of falling
	// back to the default row.
	db := testutil.NewTestDB(t, &WebhookAuditLog{})
	node, err := snowflake.NewNode(6)
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.Payment.WebhookRateLimitPerMin = 120

	svc := NewService(ServiceParams{
		DB:      db,
		Node:    node,
		Limiter: ratelimit.NewFixedWindow(ratelimit.Params{}),
		Config:  cfg,
		Cache:   deposit.NewConfigCache(db, time.Minute),
	})

	result := svc.Ingest(context.Background(), alchemyRequest([]byte(`{"event":{"network":"ETH_MAINNET"}}`), nil))
	require.False(t, result.Accepted)
	require.Equal(t, http.StatusInternalServerError, result.HTTPStatus)

	var audit WebhookAuditLog
	require.NoError(t, db.Where("id = ?", result.AuditLogID).First(&audit).Error)
	require.Equal(t, StatusRejected, audit.Status)
	require.Equal(t, ReasonConfigUnavailable, audit.FailureReason)
}

func TestIngestFailsOpenWithoutSecret(t *testing.T) {
	svc, db := newTestService(t, nil)
	ctx := context.Background()

	require.NoError(t, db.Create(&deposit.PaymentConfig{
		ID:                   "payment",
		ProviderAccuracyMode: true,
	}).Error)

	result := svc.Ingest(ctx, alchemyRequest([]byte(`{"event":{"network":"ETH_MAINNET"}}`), nil))
	require.True(t, result.Accepted)
}

func TestBearerAndPresharedVerifiers(t *testing.T) {
	v := &bearerVerifier{provider: deposit.ProviderTonconsole, token: "tok-123"}

	headers := http.Header{}
	headers.Set("Authorization", "Bearer tok-123")
	require.NoError(t, v.Verify(nil, headers))

	headers.Set("Authorization", "Bearer wrong")
	require.Error(t, v.Verify(nil, headers))

	p := &presharedVerifier{provider: deposit.ProviderTronwatch, secret: "shh"}

	headers = http.Header{}
	headers.Set("X-Watcher-Secret", "shh")
	require.NoError(t, p.Verify(nil, headers))

	headers.Set("X-Watcher-Secret", "nope")
	require.Error(t, p.Verify(nil, headers))
}

func TestResolveChain(t *testing.T) {
	require.Equal(t, deposit.ChainPolygon,
		resolveChain(deposit.ProviderAlchemy, []byte(`{"event":{"network":"MATIC_MAINNET"}}`), ""))
	require.Equal(t, deposit.ChainEth,
		resolveChain(deposit.ProviderAlchemy, []byte(`not-json`), "eth"))
	require.Equal(t, deposit.ChainBsc,
		resolveChain(deposit.ProviderQuicknode, nil, "bsc"))
	require.Equal(t, deposit.ChainTon,
		resolveChain(deposit.ProviderTonconsole, nil, ""))
	require.Equal(t, deposit.ChainTron,
		resolveChain(deposit.ProviderTronwatch, nil, ""))
}
