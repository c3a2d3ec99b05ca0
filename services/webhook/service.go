package webhook

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"starhub-payments/pkg/config"
	"starhub-payments/pkg/ratelimit"
	"starhub-payments/pkg/rediskey"
	"starhub-payments/pkg/task"
	"starhub-payments/pkg/taskname"
	"starhub-payments/services/deposit"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var (
	ingestAccepted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "webhook_ingest_accepted_total",
	}, []string{"provider"})
	ingestRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "webhook_ingest_rejected_total",
	}, []string{"provider", "reason"})
)

func init() {
	prometheus.MustRegister(ingestAccepted, ingestRejected)
}

type Service struct {
	db        *gorm.DB
	node      *snowflake.Node
	limiter   ratelimit.Limiter
	enqueuer  task.Enqueuer
	cfg       *config.Config
	cache     *deposit.ConfigCache
	verifiers map[deposit.Provider]Verifier
}

type ServiceParams struct {
	fx.In
	DB       *gorm.DB
	Node     *snowflake.Node
	Limiter  ratelimit.Limiter
	Enqueuer task.Enqueuer `optional:"true"`
	Config   *config.Config
	Cache    *deposit.ConfigCache
}

func NewService(p ServiceParams) *Service {
	verifiers := make(map[deposit.Provider]Verifier)
	for _, provider := range []deposit.Provider{
		deposit.ProviderAlchemy,
		deposit.ProviderQuicknode,
		deposit.ProviderTonconsole,
		deposit.ProviderTronwatch,
	} {
		verifiers[provider] = newVerifier(provider, p.Config.Payment.Providers[string(provider)])
	}

	return &Service{
		db:        p.DB,
		node:      p.Node,
		limiter:   p.Limiter,
		enqueuer:  p.Enqueuer,
		cfg:       p.Config,
		cache:     p.Cache,
		verifiers: verifiers,
	}
}

type IngestRequest struct {
	Provider      string
	Endpoint      string
	IP            string
	Headers       http.Header
	RawBody       []byte
	ChainOverride string
}

type IngestResult struct {
	Accepted   bool
	HTTPStatus int
	AuditLogID string
}

// Ingest runs the gateway pipeline. Every stage short-circuits to a REJECTED
// audit row; on success the RECEIVED row is durably written and the
// reconciliation job enqueued before the HTTP response goes out, so the
// caller never waits on matching.
func (s *Service) Ingest(ctx context.Context, req IngestRequest) IngestResult {
	provider := deposit.Provider(req.Provider)

	bucket := time.Now().Unix() / 60
	key := rediskey.BuildWebhookRateKey(req.Provider, req.IP, bucket)
	if !s.limiter.Allow(ctx, key, s.cfg.Payment.WebhookRateLimitPerMin, time.Minute) {
		return s.reject(ctx, req, "", http.StatusTooManyRequests, ReasonRateLimited)
	}

	verifier, known := s.verifiers[provider]
	if !known {
		return s.reject(ctx, req, "", http.StatusForbidden, ReasonProviderNotAllowed)
	}

	chain := resolveChain(provider, req.RawBody, req.ChainOverride)

	// Without the config snapshot there is no way to tell whether strict mode
	// or signature checks apply, so the gateway fails closed.
	snap, err := s.cache.Get(ctx)
	if err != nil {
		zap.L().Error("failed to load payment config", zap.Error(err))
		return s.reject(ctx, req, string(chain), http.StatusInternalServerError, ReasonConfigUnavailable)
	}

	if snap.StrictMode && !snap.Allowed(chain, provider) {
		return s.reject(ctx, req, string(chain), http.StatusForbidden, ReasonProviderNotAllowed)
	}

	if snap.ProviderAccuracyMode {
		if err := verifier.Verify(req.RawBody, req.Headers); err != nil {
			reason := fmt.Sprintf("%s:%s", ReasonBadSignature, err.Error())
			return s.reject(ctx, req, string(chain), http.StatusUnauthorized, reason)
		}
	}

	sum := sha256.Sum256(req.RawBody)
	digest := hex.EncodeToString(sum[:])

	// Replays are accepted here and neutralized at credit time; the log line
	// keeps the resend visible to operators.
	if seen, err := s.CountBySHA256(ctx, digest); err == nil && seen > 0 {
		zap.L().Warn("webhook body seen before",
			zap.String("provider", req.Provider),
			zap.String("sha256", digest),
			zap.Int64("previous", seen))
	}

	audit := s.newAuditLog(req, string(chain))
	audit.Status = StatusReceived
	audit.SHA256 = digest

	if err := s.db.WithContext(ctx).Create(audit).Error; err != nil {
		zap.L().Error("failed to persist webhook audit log", zap.Error(err))
		return IngestResult{Accepted: false, HTTPStatus: http.StatusInternalServerError}
	}

	s.enqueueReconcile(audit.ID)
	ingestAccepted.WithLabelValues(req.Provider).Inc()

	return IngestResult{Accepted: true, HTTPStatus: http.StatusOK, AuditLogID: audit.ID}
}

func (s *Service) reject(ctx context.Context, req IngestRequest, chain string, status int, reason string) IngestResult {
	audit := s.newAuditLog(req, chain)
	audit.Status = StatusRejected
	audit.FailureReason = reason

	if err := s.db.WithContext(ctx).Create(audit).Error; err != nil {
		zap.L().Error("failed to persist rejected webhook audit log", zap.Error(err))
	}

	label := reason
	if idx := strings.Index(reason, ":"); idx > 0 {
		label = reason[:idx]
	}
	ingestRejected.WithLabelValues(req.Provider, label).Inc()

	zap.L().Warn("webhook rejected",
		zap.String("provider", req.Provider),
		zap.String("ip", req.IP),
		zap.String("reason", reason))

	return IngestResult{Accepted: false, HTTPStatus: status, AuditLogID: audit.ID}
}

func (s *Service) newAuditLog(req IngestRequest, chain string) *WebhookAuditLog {
	headers, _ := json.Marshal(req.Headers)

	return &WebhookAuditLog{
		ID:        s.node.Generate().String(),
		Provider:  req.Provider,
		Chain:     chain,
		Endpoint:  req.Endpoint,
		IP:        req.IP,
		Headers:   datatypes.JSON(headers),
		Payload:   req.RawBody,
		CreatedAt: time.Now(),
	}
}

func (s *Service) enqueueReconcile(auditLogID string) {
	if s.enqueuer == nil {
		return
	}

	payload, _ := json.Marshal(taskname.WebhookEventPayload{AuditLogID: auditLogID})
	if _, err := s.enqueuer.Enqueue(
		asynq.NewTask(taskname.WebhookEvent, payload),
		asynq.Queue("critical"),
		asynq.MaxRetry(10),
	); err != nil {
		zap.L().Error("failed to enqueue webhook reconciliation",
			zap.String("audit_log_id", auditLogID),
			zap.Error(err))
	}
}

// GetAuditLog loads one audit row; the reconciliation worker re-reads the raw
// payload from here instead of carrying it through the queue.
func (s *Service) GetAuditLog(ctx context.Context, id string) (*WebhookAuditLog, error) {
	var audit WebhookAuditLog
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&audit).Error
	if err != nil {
		return nil, err
	}
	return &audit, nil
}

// ListRecentReceived returns the newest RECEIVED rows for a chain, used when
// re-matching a deposit against evidence that arrived before its hash was
// submitted.
func (s *Service) ListRecentReceived(ctx context.Context, chain string, limit int) ([]*WebhookAuditLog, error) {
	var audits []*WebhookAuditLog
	err := s.db.WithContext(ctx).
		Where("chain = ? AND status = ?", chain, StatusReceived).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&audits).Error
	return audits, err
}

// CountBySHA256 reports how many RECEIVED rows share a content hash; more
// than one marks a replayed webhook body.
func (s *Service) CountBySHA256(ctx context.Context, sum string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&WebhookAuditLog{}).
		Where("sha256 = ? AND status = ?", sum, StatusReceived).
		Count(&count).Error
	return count, err
}

// alchemyEvent is the subset of the address-activity payload the gateway
// needs for chain inference.
type alchemyEvent struct {
	Event struct {
		Network string `json:"network"`
	} `json:"event"`
}

func resolveChain(provider deposit.Provider, rawBody []byte, override string) deposit.Chain {
	switch provider {
	case deposit.ProviderAlchemy:
		var evt alchemyEvent
		if err := json.Unmarshal(rawBody, &evt); err == nil {
			switch strings.ToUpper(evt.Event.Network) {
			case "ETH_MAINNET", "ETH_SEPOLIA":
				return deposit.ChainEth
			case "MATIC_MAINNET", "POLYGON_MAINNET":
				return deposit.ChainPolygon
			}
		}
		if override != "" {
			return deposit.Chain(override)
		}
		return deposit.ChainEth
	case deposit.ProviderQuicknode:
		return deposit.Chain(override)
	case deposit.ProviderTonconsole:
		return deposit.ChainTon
	case deposit.ProviderTronwatch:
		return deposit.ChainTron
	default:
		return ""
	}
}
