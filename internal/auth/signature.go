package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

const (
	// SignatureHeader carries the producer's body signature.
	SignatureHeader = "X-Hook-Signature"

	signaturePrefix = "sha256="
)

// SignatureOutcome classifies a webhook signature check.
type SignatureOutcome string

const (
	SignatureValid   SignatureOutcome = "valid"
	SignatureInvalid SignatureOutcome = "invalid"
	SignatureAbsent  SignatureOutcome = "absent"
)

// Valid returns the tri-state flag stored on events: nil when no signature was supplied.
func (o SignatureOutcome) Valid() *bool {
	switch o {
	case SignatureValid:
		v := true
		return &v
	case SignatureInvalid:
		v := false
		return &v
	default:
		return nil
	}
}

// SignatureVerifier checks HMAC-SHA256 webhook signatures.
type SignatureVerifier struct {
	secret []byte
}

// NewSignatureVerifier constructs a verifier. An empty secret is a startup error.
func NewSignatureVerifier(secret []byte) (*SignatureVerifier, error) {
	if len(secret) == 0 {
		return nil, errors.New("signature verifier: empty secret")
	}
	key := make([]byte, len(secret))
	copy(key, secret)
	return &SignatureVerifier{secret: key}, nil
}

// Verify reports whether signature matches body. Only the exact lowercase
// "sha256=" prefix is stripped and the hex digest must match byte for byte.
// Any failure yields false.
func (v *SignatureVerifier) Verify(body []byte, signature string) bool {
	if v == nil || len(v.secret) == 0 {
		return false
	}
	signature = strings.TrimPrefix(signature, signaturePrefix)
	if signature == "" {
		return false
	}
	expected := computeSignature(v.secret, body)
	return hmac.Equal([]byte(signature), []byte(expected))
}

// Check classifies the header value for body.
func (v *SignatureVerifier) Check(body []byte, header string) SignatureOutcome {
	if strings.TrimSpace(header) == "" {
		return SignatureAbsent
	}
	if v.Verify(body, header) {
		return SignatureValid
	}
	return SignatureInvalid
}

// Sign returns the prefixed header value for body.
func (v *SignatureVerifier) Sign(body []byte) string {
	if v == nil {
		return ""
	}
	return signaturePrefix + computeSignature(v.secret, body)
}

func computeSignature(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
