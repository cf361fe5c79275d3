package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue is the canonical placeholder used for sensitive fields in logs.
const RedactedValue = "[REDACTED]"

// Session tokens, wallet credentials and multisig key material never appear in
// logs. Pubkeys, session ids and phases are operational identifiers and pass
// through.
var sensitiveKeys = map[string]struct{}{
	"token":         {},
	"secret":        {},
	"password":      {},
	"multisig_info": {},
	"tx_data_hex":   {},
	"authorization": {},
}

// IsSensitive reports whether a log key carries material that must be masked.
func IsSensitive(key string) bool {
	_, ok := sensitiveKeys[strings.ToLower(strings.TrimSpace(key))]
	return ok
}

// MaskField returns a slog.Attr with the value replaced by the redaction
// placeholder when the key is sensitive. Empty values pass through unchanged
// to avoid introducing noise in logs.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || !IsSensitive(key) {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}
