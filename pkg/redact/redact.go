// Package redact scrubs secret-bearing fields and value patterns from
// arbitrary nested values before they leave the process. Every outbound
// error message, audit detail and success payload passes through here.
package redact

import "regexp"

// Placeholder is the literal substituted for any redacted value.
const Placeholder = "[REDACTED]"

var (
	keyPattern    = regexp.MustCompile(`(?i)(token|secret|api[_-]?key|password|credential|authorization)`)
	secretKeyLit  = regexp.MustCompile(`(?i)sk_[a-z0-9]{8,}`)
	bearerPattern = regexp.MustCompile(`(?i)bearer\s+[a-z0-9._-]+`)
)

// Value returns a deep copy of v with secret-bearing content replaced by
// Placeholder. Structure is never altered: maps stay maps, slices stay
// slices, only offending leaves change.
func Value(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, elem := range t {
			if keyPattern.MatchString(k) {
				out[k] = Placeholder
				continue
			}
			out[k] = Value(elem)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, elem := range t {
			out[i] = Value(elem)
		}
		return out
	case string:
		return String(t)
	default:
		return v
	}
}

// String scrubs secret patterns inside a scalar string.
func String(s string) string {
	if secretKeyLit.MatchString(s) || bearerPattern.MatchString(s) {
		s = secretKeyLit.ReplaceAllString(s, Placeholder)
		s = bearerPattern.ReplaceAllString(s, Placeholder)
	}
	return s
}

// Map is a convenience wrapper for map-typed details.
func Map(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out, _ := Value(m).(map[string]any)
	return out
}
