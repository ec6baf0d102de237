package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue replaces sensitive values in log records.
const RedactedValue = "[REDACTED]"

var redactionAllowlist = map[string]struct{}{
	"service":   {},
	"env":       {},
	"message":   {},
	"severity":  {},
	"timestamp": {},
	"error":     {},
	"reason":    {},
	"role":      {},
	"chain":     {},
	"bounty":    {},
	"action":    {},
	"account":   {},
	"url":       {},
}

// IsAllowlisted reports whether key may be logged without redaction.
func IsAllowlisted(key string) bool {
	_, ok := redactionAllowlist[strings.ToLower(strings.TrimSpace(key))]
	return ok
}

// MaskField returns a slog.Attr that redacts value unless key is
// allowlisted. Empty values pass through so operators can see what is unset.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || IsAllowlisted(key) {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}
