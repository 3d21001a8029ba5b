// Package redact scrubs secrets from anything headed for logs or wire-level
// error bodies. It lives at the observability boundary only; data-path
// payloads are never rewritten.
package redact

import (
	"math"
	"regexp"
	"strings"
)

// Sentinel replaces any redacted value.
const Sentinel = "***REDACTED***"

// sensitiveKeyRe matches map keys whose values must always be redacted.
var sensitiveKeyRe = regexp.MustCompile(`(?i)(auth|key|secret|token|password|credential|bearer|signature|hmac)`)

// knownPrefixRes match API-key shapes by prefix regardless of entropy.
var knownPrefixRes = []*regexp.Regexp{
	regexp.MustCompile(`sk-[A-Za-z0-9_-]{16,}`),
	regexp.MustCompile(`gw_[a-f0-9]{16}\.[a-f0-9]{48}`),
	regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._~+/-]{16,}=*`),
	regexp.MustCompile(`eyJ[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}`), // JWT
}

// entropy thresholds for the high-entropy run detector.
const (
	minEntropyTokenLen = 20
	entropyThreshold   = 4.5
)

var tokenRe = regexp.MustCompile(`[A-Za-z0-9+/=_-]{20,}`)

// shannonEntropy measures per-character randomness in bits.
func shannonEntropy(s string) float64 {
	if len(s) == 0 {
		return 0
	}
	counts := make(map[rune]int)
	for _, r := range s {
		counts[r]++
	}
	var h float64
	n := float64(len(s))
	for _, c := range counts {
		p := float64(c) / n
		h -= p * math.Log2(p)
	}
	return h
}

// String scrubs a free-form string: known key prefixes first, then any
// long token whose Shannon entropy suggests key material.
func String(s string) string {
	for _, re := range knownPrefixRes {
		s = re.ReplaceAllString(s, Sentinel)
	}
	return tokenRe.ReplaceAllStringFunc(s, func(tok string) string {
		if len(tok) >= minEntropyTokenLen && shannonEntropy(tok) >= entropyThreshold {
			return Sentinel
		}
		return tok
	})
}

// IsSensitiveKey reports whether a map key implies a secret value.
func IsSensitiveKey(key string) bool {
	return sensitiveKeyRe.MatchString(key)
}

// Map returns a copy of params with sensitive keys replaced by the sentinel
// and remaining string values scrubbed. Nested maps are handled recursively.
func Map(params map[string]interface{}) map[string]interface{} {
	if params == nil {
		return nil
	}
	out := make(map[string]interface{}, len(params))
	for k, v := range params {
		if IsSensitiveKey(k) {
			out[k] = Sentinel
			continue
		}
		switch t := v.(type) {
		case string:
			out[k] = String(t)
		case map[string]interface{}:
			out[k] = Map(t)
		default:
			out[k] = v
		}
	}
	return out
}

// AllowFields keeps only the allowlisted keys of summary, scrubbing string
// values. Used for invariant-failure input summaries where free-form
// context must never leak.
func AllowFields(summary map[string]interface{}, allowed []string) map[string]interface{} {
	out := make(map[string]interface{}, len(allowed))
	for _, k := range allowed {
		v, ok := summary[k]
		if !ok {
			continue
		}
		if s, isStr := v.(string); isStr {
			out[k] = String(s)
		} else {
			out[k] = v
		}
	}
	return out
}

// SafeErrorBody truncates and scrubs an upstream error message so provider
// bodies never reach a client verbatim.
func SafeErrorBody(body string) string {
	body = strings.TrimSpace(body)
	if len(body) > 200 {
		body = body[:200]
	}
	if body == "" {
		return "(empty body)"
	}
	return String(body)
}
