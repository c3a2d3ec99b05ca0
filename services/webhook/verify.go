package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"

	"starhub-payments/pkg/config"
	"starhub-payments/services/deposit"

	"go.uber.org/zap"
)

// Verifier checks the authenticity of one provider's callbacks. The set of
// implementations is closed; the provider enum selects one.
type Verifier interface {
	Verify(rawBody []byte, headers http.Header) error
}

// Signature header per provider.
const (
	alchemySignatureHeader   = "X-Alchemy-Signature"
	quicknodeSignatureHeader = "X-QN-Signature"
	tronwatchSecretHeader    = "X-Watcher-Secret"
)

// newVerifier builds the verifier for a provider from its configured
// credentials. Providers with no material configured verify as a warn-and-
// allow no-op until secrets are provisioned.
func newVerifier(provider deposit.Provider, creds config.ProviderCredentials) Verifier {
	switch provider {
	case deposit.ProviderAlchemy:
		return &hmacVerifier{provider: provider, header: alchemySignatureHeader, secret: creds.SigningSecret}
	case deposit.ProviderQuicknode:
		return &hmacVerifier{provider: provider, header: quicknodeSignatureHeader, secret: creds.SigningSecret}
	case deposit.ProviderTonconsole:
		return &bearerVerifier{provider: provider, token: creds.BearerToken}
	case deposit.ProviderTronwatch:
		return &presharedVerifier{provider: provider, secret: creds.PresharedSecret}
	default:
		return nil
	}
}

// hmacVerifier checks an HMAC-SHA256 hex signature computed over the raw
// request body.
type hmacVerifier struct {
	provider deposit.Provider
	header   string
	secret   string
}

func (v *hmacVerifier) Verify(rawBody []byte, headers http.Header) error {
	if v.secret == "" {
		zap.L().Warn("no signing secret configured, accepting unverified webhook",
			zap.String("provider", string(v.provider)))
		return nil
	}

	got := headers.Get(v.header)
	if got == "" {
		return fmt.Errorf("missing %s header", v.header)
	}

	mac := hmac.New(sha256.New, []byte(v.secret))
	mac.Write(rawBody)
	want := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(strings.ToLower(got)), []byte(want)) {
		return fmt.Errorf("hmac mismatch")
	}

	return nil
}

// bearerVerifier compares the Authorization bearer token against the
// configured shared secret.
type bearerVerifier struct {
	provider deposit.Provider
	token    string
}

func (v *bearerVerifier) Verify(rawBody []byte, headers http.Header) error {
	if v.token == "" {
		zap.L().Warn("no bearer token configured, accepting unverified webhook",
			zap.String("provider", string(v.provider)))
		return nil
	}

	auth := headers.Get("Authorization")
	got, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		return fmt.Errorf("missing bearer token")
	}

	if subtle.ConstantTimeCompare([]byte(got), []byte(v.token)) != 1 {
		return fmt.Errorf("bearer token mismatch")
	}

	return nil
}

// presharedVerifier checks the pre-shared secret header supplied by the
// external watcher process that pushes on behalf of a provider without a
// public webhook.
type presharedVerifier struct {
	provider deposit.Provider
	secret   string
}

func (v *presharedVerifier) Verify(rawBody []byte, headers http.Header) error {
	if v.secret == "" {
		zap.L().Warn("no pre-shared secret configured, accepting unverified webhook",
			zap.String("provider", string(v.provider)))
		return nil
	}

	got := headers.Get(tronwatchSecretHeader)
	if got == "" {
		return fmt.Errorf("missing %s header", tronwatchSecretHeader)
	}

	if subtle.ConstantTimeCompare([]byte(got), []byte(v.secret)) != 1 {
		return fmt.Errorf("pre-shared secret mismatch")
	}

	return nil
}
