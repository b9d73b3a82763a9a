// Package redact scrubs credential-shaped values out of structured data
// before it reaches a log sink, an audit event, or a debug endpoint.
//
// Grounded on daemon-python/arcanos/utils/telemetry.py's
// sanitize_sensitive_data: a depth-bounded recursive walk that redacts any
// map value whose key matches a sensitive pattern, leaving the shape of the
// structure (keys, list lengths) intact so the redacted payload is still
// useful for debugging.
package redact

import (
	"fmt"
	"regexp"
)

// DefaultMaxDepth bounds recursion so a pathological or cyclic-looking
// payload cannot stack-overflow the redactor.
const DefaultMaxDepth = 10

// sensitivePatterns mirrors telemetry.py's SENSITIVE_PATTERNS list.
var sensitivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)api[_-]?key`),
	regexp.MustCompile(`(?i)token`),
	regexp.MustCompile(`(?i)password`),
	regexp.MustCompile(`(?i)secret`),
	regexp.MustCompile(`(?i)authorization`),
	regexp.MustCompile(`(?i)credential`),
}

// IsSensitiveKey reports whether key matches any enumerated sensitive
// pattern, case-insensitively.
func IsSensitiveKey(key string) bool {
	for _, p := range sensitivePatterns {
		if p.MatchString(key) {
			return true
		}
	}
	return false
}

// Value redacts any sensitive-keyed entries found within data, recursing
// into maps and slices up to maxDepth. data is never mutated in place; a new
// structure is returned. Use DefaultMaxDepth unless a caller has a reason to
// override it.
func Value(data any, maxDepth int) any {
	return walk(data, 0, maxDepth)
}

func walk(v any, depth, maxDepth int) any {
	if depth > maxDepth {
		return "[max depth reached]"
	}

	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			if IsSensitiveKey(k) {
				out[k] = redactLeaf(child)
				continue
			}
			out[k] = walk(child, depth+1, maxDepth)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, child := range val {
			out[i] = walk(child, depth+1, maxDepth)
		}
		return out
	default:
		return v
	}
}

// redactLeaf replaces a sensitive value. String values report their
// original length to aid debugging without leaking content; anything else
// is replaced with a plain marker.
func redactLeaf(v any) any {
	if s, ok := v.(string); ok {
		return fmt.Sprintf("[REDACTED:%d chars]", len(s))
	}
	return "[REDACTED]"
}
