// Package webhook authenticates and decodes Coinbase Commerce callbacks.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw request body.
const SignatureHeader = "X-CC-Webhook-Signature"

var (
	ErrEmptySecret       = errors.New("webhook signature: secret is empty")
	ErrMissingSignature  = errors.New("webhook signature: header is empty")
	ErrSignatureMismatch = errors.New("webhook signature: mismatch")
)

// Check verifies that header is the hex HMAC-SHA256 of payload under
// secret. The payload must be the exact bytes received.
func Check(payload []byte, header string, secret []byte) error {
	if len(secret) == 0 {
		return ErrEmptySecret
	}
	header = strings.TrimSpace(header)
	if header == "" {
		return ErrMissingSignature
	}

	got, err := hex.DecodeString(strings.TrimPrefix(header, "sha256="))
	if err != nil {
		return fmt.Errorf("webhook signature: invalid hex: %w", err)
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	if subtle.ConstantTimeCompare(mac.Sum(nil), got) != 1 {
		return ErrSignatureMismatch
	}
	return nil
}

// Verify reports whether header authenticates payload. It never panics.
func Verify(payload []byte, header string, secret []byte) bool {
	return Check(payload, header, secret) == nil
}

// Sign returns the header value Coinbase would send for payload.
func Sign(payload, secret []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
