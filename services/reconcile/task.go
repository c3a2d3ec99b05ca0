package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"starhub-payments/pkg/taskname"
	"starhub-payments/services/deposit"
	"starhub-payments/services/fraud"
	"starhub-payments/services/webhook"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var reconcileOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "reconcile_outcomes_total",
}, []string{"outcome"})

func init() {
	prometheus.MustRegister(reconcileOutcomes)
}

type Worker struct {
	deposits *deposit.Service
	webhooks *webhook.Service
	fraud    *fraud.Service
	cache    *deposit.ConfigCache
}

type WorkerParams struct {
	fx.In
	Deposits *deposit.Service
	Webhooks *webhook.Service
	Fraud    *fraud.Service
	Cache    *deposit.ConfigCache
}

func NewWorker(p WorkerParams) *Worker {
	return &Worker{
		deposits: p.Deposits,
		webhooks: p.Webhooks,
		fraud:    p.Fraud,
		cache:    p.Cache,
	}
}

// HandleWebhookEvent matches one accepted webhook's transfer evidence against
// open deposits. Unparseable payloads and terminal outcomes return without a
// retryable error; only infrastructure failures bubble up for backoff.
func (w *Worker) HandleWebhookEvent(ctx context.Context, t *asynq.Task) error {
	var payload taskname.WebhookEventPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("decode payload: %v: %w", err, asynq.SkipRetry)
	}

	audit, err := w.webhooks.GetAuditLog(ctx, payload.AuditLogID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("audit log %s missing: %w", payload.AuditLogID, asynq.SkipRetry)
	}
	if err != nil {
		return err
	}

	evidence, err := extractEvidence(audit)
	if err != nil {
		zap.L().Warn("webhook payload did not parse",
			zap.String("audit_log_id", audit.ID),
			zap.String("provider", audit.Provider),
			zap.Error(err))
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	snap, err := w.cache.Get(ctx)
	if err != nil {
		return err
	}

	for _, ev := range evidence {
		outcome, err := w.matchEvidence(ctx, ev, snap)
		if err != nil {
			return err
		}
		reconcileOutcomes.WithLabelValues(string(outcome)).Inc()
	}

	return nil
}

// HandleDepositSubmitted re-runs matching for one deposit against evidence
// already received. It covers the race where the provider's webhook arrived
// before the user submitted the hash, and UNMATCHED deposits re-queued after
// an admin assigned an owner.
func (w *Worker) HandleDepositSubmitted(ctx context.Context, t *asynq.Task) error {
	var payload taskname.DepositSubmittedPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("decode payload: %v: %w", err, asynq.SkipRetry)
	}

	dep, err := w.deposits.Get(ctx, payload.DepositID)
	if err != nil {
		return fmt.Errorf("load deposit %s: %v: %w", payload.DepositID, err, asynq.SkipRetry)
	}
	switch dep.Status {
	case deposit.StatusSubmitted, deposit.StatusUnmatched:
	default:
		return nil
	}
	if dep.TxHash == "" {
		return nil
	}

	snap, err := w.cache.Get(ctx)
	if err != nil {
		return w.failWhenExhausted(ctx, dep.ID, err)
	}

	audits, err := w.webhooks.ListRecentReceived(ctx, string(dep.Chain), 500)
	if err != nil {
		return w.failWhenExhausted(ctx, dep.ID, err)
	}

	for _, audit := range audits {
		evidence, err := extractEvidence(audit)
		if err != nil {
			continue
		}
		for _, ev := range evidence {
			if ev.TxHash != dep.TxHash {
				continue
			}
			outcome, err := w.matchEvidence(ctx, ev, snap)
			if err != nil {
				return w.failWhenExhausted(ctx, dep.ID, err)
			}
			reconcileOutcomes.WithLabelValues(string(outcome)).Inc()
			return nil
		}
	}

	return nil
}

// failWhenExhausted parks the deposit as FAILED when the current delivery is
// the task's final attempt, then returns the original error for the queue's
// bookkeeping. Earlier attempts pass the error through untouched for backoff.
func (w *Worker) failWhenExhausted(ctx context.Context, depositID string, err error) error {
	retried, ok := asynq.GetRetryCount(ctx)
	if !ok {
		return err
	}
	maxRetry, ok := asynq.GetMaxRetry(ctx)
	if !ok || retried < maxRetry {
		return err
	}

	if ferr := w.deposits.MarkFailed(ctx, depositID,
		fmt.Sprintf("reconciliation retries exhausted: %v", err)); ferr != nil {
		zap.L().Error("failed to park exhausted deposit",
			zap.String("deposit_id", depositID),
			zap.Error(ferr))
	}

	return err
}

// HandleStaleCheck parks one SUBMITTED deposit as UNMATCHED once its stale
// deadline passes. The deadline is re-read from the current config because it
// may have changed since the task was scheduled.
func (w *Worker) HandleStaleCheck(ctx context.Context, t *asynq.Task) error {
	var payload taskname.DepositStaleCheckPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("decode payload: %v: %w", err, asynq.SkipRetry)
	}

	dep, err := w.deposits.Get(ctx, payload.DepositID)
	if err != nil {
		return fmt.Errorf("load deposit %s: %v: %w", payload.DepositID, err, asynq.SkipRetry)
	}
	if dep.Status != deposit.StatusSubmitted || dep.SubmittedAt == nil {
		return nil
	}

	snap, err := w.cache.Get(ctx)
	if err != nil {
		return w.failWhenExhausted(ctx, dep.ID, err)
	}

	deadline := dep.SubmittedAt.Add(time.Duration(snap.SubmittedStaleMinutes) * time.Minute)
	if time.Now().Before(deadline) {
		return nil
	}

	if err := w.deposits.MarkUnmatched(ctx, dep.ID); err != nil {
		return w.failWhenExhausted(ctx, dep.ID, err)
	}
	return nil
}

// HandleStaleSweep catches deposits whose scheduled check was lost, so a
// SUBMITTED deposit is never silently dropped.
func (w *Worker) HandleStaleSweep(ctx context.Context, t *asynq.Task) error {
	snap, err := w.cache.Get(ctx)
	if err != nil {
		return err
	}

	cutoff := time.Now().Add(-time.Duration(snap.SubmittedStaleMinutes) * time.Minute)
	stale, err := w.deposits.ListStaleSubmitted(ctx, cutoff)
	if err != nil {
		return err
	}

	for _, dep := range stale {
		if err := w.deposits.MarkUnmatched(ctx, dep.ID); err != nil {
			zap.L().Error("failed to park stale deposit",
				zap.String("deposit_id", dep.ID),
				zap.Error(err))
			return err
		}
	}

	if len(stale) > 0 {
		zap.L().Info("stale sweep parked deposits", zap.Int("count", len(stale)))
	}

	return nil
}
