package reconcile

import (
	"context"
	"fmt"

	"starhub-payments/pkg/errutil"
	"starhub-payments/services/deposit"
	"starhub-payments/services/fraud"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// matchOutcome classifies one evidence observation after a matching pass.
type matchOutcome string

const (
	outcomeCredited  matchOutcome = "credited"
	outcomeDuplicate matchOutcome = "duplicate"
	outcomeUnmatched matchOutcome = "unmatched"
	outcomeReplay    matchOutcome = "replay"
)

// matchEvidence runs the matching predicate for one observed transfer:
// custodial address first, then token, then memo-or-user, then amount within
// tolerance. Terminal outcomes (duplicate, unmatched) raise alerts and
// return nil errors so the job is not retried.
func (w *Worker) matchEvidence(ctx context.Context, ev TransferEvidence, snap *deposit.Snapshot) (matchOutcome, error) {
	if ev.TxHash == "" {
		return outcomeUnmatched, nil
	}

	claimed, err := w.deposits.FindByTxHash(ctx, ev.TxHash)
	if err != nil {
		return "", err
	}
	for _, dep := range claimed {
		if dep.Status == deposit.StatusCredited {
			return outcomeReplay, nil
		}
	}
	if len(claimed) > 1 && differentOwners(claimed) {
		return w.flagDuplicate(ctx, ev, claimed)
	}

	addr, err := w.deposits.FindCustodialAddress(ctx, ev.Chain, ev.ToAddress)
	if errutil.HasStatus(err, errutil.StatusNotFound) {
		return w.flagUnmatched(ctx, ev, "transfer to unknown address")
	}
	if err != nil {
		return "", err
	}

	candidates, err := w.deposits.FindOpenForAddress(ctx, addr.ID, ev.TokenID)
	if err != nil {
		return "", err
	}

	for _, dep := range candidates {
		if !identityMatches(dep, ev) {
			continue
		}
		if !amountMatches(dep.ExpectedAmount, ev.Amount, snap) {
			continue
		}

		if err := w.deposits.Credit(ctx, deposit.CreditParams{
			DepositID:    dep.ID,
			ActualAmount: ev.Amount,
			TxHash:       ev.TxHash,
			Provider:     ev.Provider,
		}); err != nil {
			return "", err
		}

		zap.L().Info("deposit credited from transfer evidence",
			zap.String("deposit_id", dep.ID),
			zap.String("tx_hash", ev.TxHash),
			zap.String("chain", string(ev.Chain)))
		return outcomeCredited, nil
	}

	return w.flagUnmatched(ctx, ev, "no open deposit matches")
}

// identityMatches ties evidence to an intent: a memo-capable transfer must
// carry the deposit's memo; otherwise the user-submitted hash is the link.
func identityMatches(dep *deposit.Deposit, ev TransferEvidence) bool {
	if ev.Memo != "" {
		return dep.Memo == ev.Memo
	}
	if dep.TxHash != "" {
		return dep.TxHash == ev.TxHash
	}
	return false
}

// amountMatches applies the tolerance policy. providerAccuracyMode demands an
// exact match; otherwise the observed amount may deviate from the expected
// amount by up to toleranceBps.
func amountMatches(expected, actual decimal.Decimal, snap *deposit.Snapshot) bool {
	if snap.ProviderAccuracyMode {
		return expected.Equal(actual)
	}

	tolerance := expected.Mul(decimal.NewFromInt(int64(snap.ToleranceBps))).Div(decimal.NewFromInt(10000))
	return actual.Sub(expected).Abs().LessThanOrEqual(tolerance)
}

func differentOwners(deposits []*deposit.Deposit) bool {
	owner := ""
	for _, dep := range deposits {
		if dep.UserID == "" {
			continue
		}
		if owner == "" {
			owner = dep.UserID
			continue
		}
		if dep.UserID != owner {
			return true
		}
	}
	return false
}

func (w *Worker) flagDuplicate(ctx context.Context, ev TransferEvidence, claimed []*deposit.Deposit) (matchOutcome, error) {
	for _, dep := range claimed[1:] {
		if err := w.deposits.MarkNeedsReview(ctx, dep.ID,
			fmt.Sprintf("tx hash %s claimed by multiple users", ev.TxHash)); err != nil {
			return "", err
		}
	}

	if _, err := w.fraud.Raise(ctx, fraud.RaiseParams{
		Kind:      fraud.KindDuplicateTxHash,
		DedupeKey: ev.TxHash,
		Severity:  fraud.SeverityCritical,
		Title:     "transaction hash reused across users",
		Message:   fmt.Sprintf("tx %s on %s claimed by %d deposits", ev.TxHash, ev.Chain, len(claimed)),
		DepositID: claimed[0].ID,
	}); err != nil {
		zap.L().Error("failed to raise duplicate-hash alert", zap.Error(err))
	}

	return outcomeDuplicate, nil
}

func (w *Worker) flagUnmatched(ctx context.Context, ev TransferEvidence, detail string) (matchOutcome, error) {
	if _, err := w.fraud.Raise(ctx, fraud.RaiseParams{
		Kind:      fraud.KindUnmatchedTransfer,
		DedupeKey: ev.TxHash,
		Severity:  fraud.SeverityMedium,
		Title:     "unmatched inbound transfer",
		Message:   fmt.Sprintf("%s: tx %s, %s %s to %s on %s", detail, ev.TxHash, ev.Amount, ev.TokenID, ev.ToAddress, ev.Chain),
	}); err != nil {
		zap.L().Error("failed to raise unmatched-transfer alert", zap.Error(err))
	}

	return outcomeUnmatched, nil
}
