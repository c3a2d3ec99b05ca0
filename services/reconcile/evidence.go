package reconcile

import (
	"encoding/json"
	"fmt"
	"strings"

	"starhub-payments/services/deposit"
	"starhub-payments/services/webhook"

	"github.com/shopspring/decimal"
)

// TransferEvidence is the normalized view of one observed on-chain transfer.
// Each provider's payload shape maps into this before matching runs.
type TransferEvidence struct {
	Provider  deposit.Provider
	Chain     deposit.Chain
	ToAddress string
	TokenID   string
	Amount    decimal.Decimal
	TxHash    string
	Memo      string
}

type alchemyPayload struct {
	Event struct {
		Network  string `json:"network"`
		Activity []struct {
			ToAddress string      `json:"toAddress"`
			Asset     string      `json:"asset"`
			Value     json.Number `json:"value"`
			Hash      string      `json:"hash"`
		} `json:"activity"`
	} `json:"event"`
}

type quicknodePayload struct {
	Transfers []struct {
		To     string `json:"to"`
		Token  string `json:"token"`
		Amount string `json:"amount"`
		TxHash string `json:"txHash"`
	} `json:"transfers"`
}

type tonconsolePayload struct {
	Account string `json:"account"`
	Token   string `json:"token"`
	Amount  string `json:"amount"`
	TxHash  string `json:"tx_hash"`
	Comment string `json:"comment"`
}

type tronwatchPayload struct {
	To     string `json:"to"`
	Token  string `json:"token"`
	Amount string `json:"amount"`
	TxID   string `json:"tx_id"`
	Memo   string `json:"memo"`
}

// extractEvidence parses the provider-specific payload into zero or more
// transfer observations. A payload that does not parse is a terminal error;
// retrying the job cannot make it parse.
func extractEvidence(audit *webhook.WebhookAuditLog) ([]TransferEvidence, error) {
	provider := deposit.Provider(audit.Provider)
	chain := deposit.Chain(audit.Chain)

	switch provider {
	case deposit.ProviderAlchemy:
		var p alchemyPayload
		if err := json.Unmarshal(audit.Payload, &p); err != nil {
			return nil, fmt.Errorf("parse alchemy payload: %w", err)
		}
		var out []TransferEvidence
		for _, act := range p.Event.Activity {
			amount, err := decimal.NewFromString(act.Value.String())
			if err != nil {
				continue
			}
			out = append(out, TransferEvidence{
				Provider:  provider,
				Chain:     chain,
				ToAddress: strings.ToLower(act.ToAddress),
				TokenID:   strings.ToUpper(act.Asset),
				Amount:    amount,
				TxHash:    act.Hash,
			})
		}
		return out, nil

	case deposit.ProviderQuicknode:
		var p quicknodePayload
		if err := json.Unmarshal(audit.Payload, &p); err != nil {
			return nil, fmt.Errorf("parse quicknode payload: %w", err)
		}
		var out []TransferEvidence
		for _, tr := range p.Transfers {
			amount, err := decimal.NewFromString(tr.Amount)
			if err != nil {
				continue
			}
			out = append(out, TransferEvidence{
				Provider:  provider,
				Chain:     chain,
				ToAddress: strings.ToLower(tr.To),
				TokenID:   strings.ToUpper(tr.Token),
				Amount:    amount,
				TxHash:    tr.TxHash,
			})
		}
		return out, nil

	case deposit.ProviderTonconsole:
		var p tonconsolePayload
		if err := json.Unmarshal(audit.Payload, &p); err != nil {
			return nil, fmt.Errorf("parse tonconsole payload: %w", err)
		}
		amount, err := decimal.NewFromString(p.Amount)
		if err != nil {
			return nil, fmt.Errorf("parse tonconsole amount: %w", err)
		}
		return []TransferEvidence{{
			Provider:  provider,
			Chain:     chain,
			ToAddress: p.Account,
			TokenID:   strings.ToUpper(p.Token),
			Amount:    amount,
			TxHash:    p.TxHash,
			Memo:      strings.TrimSpace(p.Comment),
		}}, nil

	case deposit.ProviderTronwatch:
		var p tronwatchPayload
		if err := json.Unmarshal(audit.Payload, &p); err != nil {
			return nil, fmt.Errorf("parse tronwatch payload: %w", err)
		}
		amount, err := decimal.NewFromString(p.Amount)
		if err != nil {
			return nil, fmt.Errorf("parse tronwatch amount: %w", err)
		}
		return []TransferEvidence{{
			Provider:  provider,
			Chain:     chain,
			ToAddress: p.To,
			TokenID:   strings.ToUpper(p.Token),
			Amount:    amount,
			TxHash:    p.TxID,
			Memo:      strings.TrimSpace(p.Memo),
		}}, nil

	default:
		return nil, fmt.Errorf("unknown provider %q", audit.Provider)
	}
}
