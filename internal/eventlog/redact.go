// SPDX-License-Identifier: MIT

package eventlog

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const (
	anonPrefix   = "anon_"
	anonHexLen   = 16
	maxUserAgent = 100
)

// hashIP maps a raw IP to a deterministic, salted token. The same IP always
// yields the same token so abuse patterns stay correlatable after redaction.
func hashIP(salt, ip string) string {
	sum := sha256.Sum256([]byte(salt + "|ip|" + ip))
	return "ip_" + hex.EncodeToString(sum[:])[:anonHexLen]
}

// anonymizeValue replaces an identifier with a salted SHA-256 prefix token.
// Already-anonymized values pass through unchanged, which makes the
// anonymization task idempotent.
func anonymizeValue(salt, value string) string {
	if value == "" || strings.HasPrefix(value, anonPrefix) {
		return value
	}
	sum := sha256.Sum256([]byte(salt + "|" + value))
	return anonPrefix + hex.EncodeToString(sum[:])[:anonHexLen]
}

// truncateUserAgent bounds user-agent strings at maxUserAgent runes.
func truncateUserAgent(ua string) string {
	runes := []rune(ua)
	if len(runes) <= maxUserAgent {
		return ua
	}
	return string(runes[:maxUserAgent]) + "…"
}

// redactDetails applies the write-time redaction rules to a serialized
// details map: raw IPs are hashed, long user agents truncated, and device IDs
// hashed when a device_hash is already present.
func redactDetails(salt string, details map[string]any) {
	if raw, ok := details["ip_address"].(string); ok && raw != "" && !strings.HasPrefix(raw, "ip_") {
		details["ip_address"] = hashIP(salt, raw)
	}
	if ua, ok := details["user_agent"].(string); ok {
		details["user_agent"] = truncateUserAgent(ua)
	}
	if _, hasHash := details["device_hash"]; hasHash {
		if dev, ok := details["device_id"].(string); ok && dev != "" {
			details["device_id"] = anonymizeValue(salt, dev)
		}
	}
}
