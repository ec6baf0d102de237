package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Sign returns the hex HMAC-SHA256 of body under secret, as expected in the
// signature header.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether provided is the HMAC-SHA256 of body under
// secret. An optional 0x prefix is accepted.
func VerifySignature(secret string, body []byte, provided string) bool {
	if strings.TrimSpace(secret) == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := mac.Sum(nil)
	cleaned := strings.TrimSpace(strings.ToLower(provided))
	cleaned = strings.TrimPrefix(cleaned, "0x")
	if cleaned == "" {
		return false
	}
	decoded, err := hex.DecodeString(cleaned)
	if err != nil {
		return false
	}
	return hmac.Equal(expected, decoded)
}
