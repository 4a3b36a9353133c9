package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const (
	SignatureHeader = "X-Rollbox-Signature-256"
	SignaturePrefix = "sha256="
)

// Sign returns the signature header value for payload.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return SignaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature verifies an HMAC-SHA256 signature of payload.
func VerifySignature(payload []byte, signature, secret string) bool {
	if signature == "" || secret == "" {
		return false
	}

	// Signature format: "sha256=<hex_digest>"
	if !strings.HasPrefix(signature, SignaturePrefix) {
		return false
	}
	receivedMAC := strings.TrimPrefix(signature, SignaturePrefix)
	if receivedMAC == "" {
		return false
	}

	expectedMAC := strings.TrimPrefix(Sign(payload, secret), SignaturePrefix)

	// Constant-time comparison
	return hmac.Equal([]byte(expectedMAC), []byte(strings.ToLower(receivedMAC)))
}
