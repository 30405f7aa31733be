package logging

import (
	"log/slog"
	"sort"
	"strings"
)

// RedactedValue replaces secret material in log output.
const RedactedValue = "[REDACTED]"

// Keys whose values are signing material or operator credentials. Matched
// case-insensitively against the attr key.
var secretKeys = map[string]struct{}{
	"masterprivatekey": {},
	"privatekey":       {},
	"secretkey":        {},
	"admintoken":       {},
	"token":            {},
	"authorization":    {},
}

// IsSecret reports whether values logged under key must be masked.
func IsSecret(key string) bool {
	_, ok := secretKeys[strings.ToLower(strings.TrimSpace(key))]
	return ok
}

// SecretKeys returns the masked key set, sorted. Tests pin the set so new
// credential fields do not slip into logs unmasked.
func SecretKeys() []string {
	keys := make([]string, 0, len(secretKeys))
	for key := range secretKeys {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// MaskValue masks non-empty values. Empty values pass through so absent
// optional secrets stay visibly absent.
func MaskValue(value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	return RedactedValue
}

// MaskField builds a slog.Attr, masking the value when the key is secret.
// The caller's key casing is preserved.
func MaskField(key, value string) slog.Attr {
	if IsSecret(key) {
		return slog.String(key, MaskValue(value))
	}
	return slog.String(key, value)
}
