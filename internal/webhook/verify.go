package webhook

import (
	"crypto/hmac"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/stripe/stripe-go/v82/webhook"
)

// Signature headers by provider scheme.
const (
	HeaderMerchantSignature = "X-Merchant-Signature"
	HeaderClientToken       = "X-Client-Token"
	HeaderStripeSignature   = "Stripe-Signature"
)

// ErrInvalidSignature marks a payload that failed authenticity verification.
// Terminal per request: no state change, no retry encouraged.
var ErrInvalidSignature = errors.New("invalid webhook signature")

// Verifier checks the authenticity of a raw webhook payload.
type Verifier interface {
	Verify(header http.Header, body []byte) error
}

// WayForPayVerifier implements the WayForPay-style scheme: an HMAC-MD5 hex
// digest of the raw body keyed with the merchant secret, carried in the
// X-Merchant-Signature header.
type WayForPayVerifier struct {
	secret string
}

// NewWayForPayVerifier creates a WayForPay-style verifier.
func NewWayForPayVerifier(secret string) *WayForPayVerifier {
	return &WayForPayVerifier{secret: secret}
}

// Verify checks the HMAC-MD5 body signature.
func (v *WayForPayVerifier) Verify(header http.Header, body []byte) error {
	got := strings.TrimSpace(header.Get(HeaderMerchantSignature))
	if got == "" {
		return fmt.Errorf("%w: missing %s header", ErrInvalidSignature, HeaderMerchantSignature)
	}
	want := SignBody(body, v.secret)
	if !hmac.Equal([]byte(strings.ToLower(got)), []byte(want)) {
		return ErrInvalidSignature
	}
	return nil
}

// SignBody computes the WayForPay-style HMAC-MD5 hex signature of body.
// Exported for clients and tests building signed requests.
func SignBody(body []byte, secret string) string {
	mac := hmac.New(md5.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// TokenVerifier implements the static client token scheme used by providers
// without payload signing: the configured token must match the
// X-Client-Token header exactly.
type TokenVerifier struct {
	token string
}

// NewTokenVerifier creates a static token verifier.
func NewTokenVerifier(token string) *TokenVerifier {
	return &TokenVerifier{token: token}
}

// Verify compares the client token in constant time.
func (v *TokenVerifier) Verify(header http.Header, body []byte) error {
	got := strings.TrimSpace(header.Get(HeaderClientToken))
	if got == "" {
		return fmt.Errorf("%w: missing %s header", ErrInvalidSignature, HeaderClientToken)
	}
	if !hmac.Equal([]byte(got), []byte(v.token)) {
		return ErrInvalidSignature
	}
	return nil
}

// StripeVerifier validates Stripe's timestamped v1 signature scheme.
type StripeVerifier struct {
	secret string
}

// NewStripeVerifier creates a Stripe signature verifier.
func NewStripeVerifier(secret string) *StripeVerifier {
	return &StripeVerifier{secret: secret}
}

// Verify checks the Stripe-Signature header against the raw body.
func (v *StripeVerifier) Verify(header http.Header, body []byte) error {
	sigHeader := strings.TrimSpace(header.Get(HeaderStripeSignature))
	if sigHeader == "" {
		return fmt.Errorf("%w: missing %s header", ErrInvalidSignature, HeaderStripeSignature)
	}
	_, err := webhook.ConstructEventWithOptions(body, sigHeader, v.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return nil
}
