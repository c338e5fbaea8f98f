package paystack

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/smallbiznis/collectr/internal/providers/payment/domain"
)

const SignatureHeader = "x-paystack-signature"

// SignatureVerifier checks the HMAC-SHA512 of the raw body keyed with the secret key.
type SignatureVerifier struct {
	secret []byte
}

func NewSignatureVerifier(secretKey string) *SignatureVerifier {
	return &SignatureVerifier{secret: []byte(strings.TrimSpace(secretKey))}
}

func (v *SignatureVerifier) Verify(payload []byte, headers http.Header) error {
	if len(v.secret) == 0 {
		return domain.ErrInvalidConfig
	}
	got := strings.TrimSpace(headers.Get(SignatureHeader))
	if got == "" {
		return domain.ErrInvalidSignature
	}
	if !hmac.Equal([]byte(strings.ToLower(got)), []byte(Sign(v.secret, payload))) {
		return domain.ErrInvalidSignature
	}
	return nil
}

func Sign(secret, payload []byte) string {
	mac := hmac.New(sha512.New, secret)
	_, _ = mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

var _ domain.Verifier = (*SignatureVerifier)(nil)
