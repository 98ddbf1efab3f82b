// Package redact strips credentials from text and structured data before it
// leaves the process boundary.
//
// # Threat model
//
// Secrets (API keys, bearer tokens, Matrix access tokens) must never appear in:
//   - log lines
//   - audit entry details
//   - prompts sent to the inference backend
//   - chat replies
//
// Two mechanisms are offered. String and Map remove values the caller knows
// to be sensitive. ContainsSecret and Text recognise well-known credential
// formats in free text typed by users, who sometimes paste a key into chat.
package redact

import (
	"regexp"
	"strings"
)

const placeholder = "[REDACTED]"

// namedSecretPatterns matches vendor credential formats. Each pattern carries
// a vendor prefix and a minimum length to keep false positives rare.
var namedSecretPatterns = []*regexp.Regexp{
	// OpenAI classic and project keys
	regexp.MustCompile(`\bsk-[A-Za-z0-9]{20,}\b`),
	regexp.MustCompile(`\bsk-proj-[A-Za-z0-9_\-]{20,}\b`),
	regexp.MustCompile(`\bsk-ant-[A-Za-z0-9_\-]{20,}\b`),
	// AWS access key ID
	regexp.MustCompile(`\bAKIA[A-Z0-9]{16}\b`),
	// GitHub tokens
	regexp.MustCompile(`\bghp_[A-Za-z0-9]{36,}\b`),
	regexp.MustCompile(`\bgithub_pat_[A-Za-z0-9_]{20,}\b`),
	// Slack tokens
	regexp.MustCompile(`\bxox[baprs]-[A-Za-z0-9\-]{10,}\b`),
	// Stripe keys
	regexp.MustCompile(`\b(?:sk|rk)_(?:live|test)_[A-Za-z0-9]{20,}\b`),
	// Matrix access tokens
	regexp.MustCompile(`\bsyt_[A-Za-z0-9_]{20,}\b`),
	// PEM private key header
	regexp.MustCompile(`-----BEGIN (?:RSA |EC |OPENSSH |)PRIVATE KEY-----`),
	// Bearer header pasted verbatim
	regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9\-_\.=]{24,}`),
}

// genericSecretPatterns catches long high-entropy runs that rarely occur in
// prose. 48 characters keeps SHA-1 digests (40) out while still catching
// SHA-256 digests and most opaque tokens.
var genericSecretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`[A-Za-z0-9+/]{48,}={0,2}`),
	regexp.MustCompile(`[0-9a-f]{48,}`),
}

// String replaces every occurrence of each sensitive value in s with
// [REDACTED]. Values shorter than 4 characters are skipped to avoid
// spurious redaction of common substrings.
//
// Example:
//
//	safe := redact.String(logLine, apiKey, jwtSecret)
func String(s string, sensitiveValues ...string) string {
	for _, v := range sensitiveValues {
		if len(v) < 4 {
			continue
		}
		s = strings.ReplaceAll(s, v, placeholder)
	}
	return s
}

// Map returns a shallow copy of m with values replaced by [REDACTED] for
// every key whose name suggests it contains a secret (password, token, key,
// secret, credential, auth). Non-string values are left unchanged.
func Map(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if isSensitiveKey(k) {
			if str, ok := v.(string); ok && str != "" {
				out[k] = placeholder
				continue
			}
		}
		out[k] = v
	}
	return out
}

// ContainsSecret reports whether text appears to contain a credential.
func ContainsSecret(text string) bool {
	for _, re := range namedSecretPatterns {
		if re.MatchString(text) {
			return true
		}
	}
	for _, re := range genericSecretPatterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// Text replaces every credential-shaped substring of text with [REDACTED].
func Text(text string) string {
	for _, re := range namedSecretPatterns {
		text = re.ReplaceAllString(text, placeholder)
	}
	for _, re := range genericSecretPatterns {
		text = re.ReplaceAllString(text, placeholder)
	}
	return text
}

// isSensitiveKey returns true when the key name suggests it holds a secret.
func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, word := range []string{"password", "passwd", "token", "secret", "key", "credential", "auth", "apikey"} {
		if strings.Contains(lower, word) {
			return true
		}
	}
	return false
}
