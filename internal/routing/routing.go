// Package routing implements C7: the pure local-vs-backend route decision
// for a conversation turn, plus the confidence gate C11 applies afterward.
//
// Grounded on daemon-python/arcanos/conversation_routing.py:
// determine_conversation_route (steps 1-5 below are a direct port,
// including the subtle empty-message edge case — an empty message returns
// the original, unstripped message as normalized_message) and
// compute_backend_confidence (early-exit regexes, additive bonuses, clamp).
package routing

import (
	"regexp"
	"strings"
)

// Route is the local-vs-backend decision.
type Route string

const (
	RouteLocal   Route = "local"
	RouteBackend Route = "backend"
)

// Decision is the pure value produced per turn.
type Decision struct {
	Route            Route
	NormalizedMessage string
	UsedPrefix        string // empty when no explicit prefix matched
}

// Mode mirrors config.RoutingMode without importing the config package,
// keeping this package free of a dependency cycle.
type Mode string

const (
	ModeLocal   Mode = "local"
	ModeBackend Mode = "backend"
	ModeHybrid  Mode = "hybrid"
)

// DetermineRoute implements spec.md §4.7 steps 1-5.
func DetermineRoute(message string, mode Mode, deepPrefixes []string) Decision {
	trimmed := strings.TrimSpace(message)
	if trimmed == "" {
		// Edge case ported verbatim from conversation_routing.py: an empty
		// message routes local and preserves the *original* (unstripped)
		// message as normalized_message.
		return Decision{Route: RouteLocal, NormalizedMessage: message}
	}

	if mode == ModeBackend {
		return Decision{Route: RouteBackend, NormalizedMessage: message}
	}
	if mode == ModeLocal {
		return Decision{Route: RouteLocal, NormalizedMessage: message}
	}

	for _, prefix := range deepPrefixes {
		if len(prefix) == 0 {
			continue
		}
		if strings.HasPrefix(strings.ToLower(trimmed), strings.ToLower(prefix)) {
			stripped := strings.TrimSpace(trimmed[len(prefix):])
			if stripped == "" {
				stripped = message
			}
			return Decision{Route: RouteBackend, NormalizedMessage: stripped, UsedPrefix: prefix}
		}
	}

	return Decision{Route: RouteLocal, NormalizedMessage: message}
}

// localOnlyIntent matches messages whose intent is inherently local — shell
// execution or screen/camera capture — which always zero out confidence
// regardless of any other bonus. spec.md describes this as a loose
// "keywords" check rather than pinning an exact regex, so this is a
// generalization of conversation_routing.py's early-exit regexes (which
// anchor run/execute to the message start and use a narrower screen/camera
// phrase) rather than a verbatim port.
var localOnlyIntent = regexp.MustCompile(`(?i)\b(run|execute)\b|\b(see|screen|camera)\b`)

var planningVerb = regexp.MustCompile(`(?i)\b(analyze|research|compare|orchestrate|plan|brainstorm|deep dive|synthesize)\b`)

// ComputeConfidence implements spec.md §4.7's confidence gate formula.
// domainKeywords is the flattened list of every keyword across all domain
// groups (spec.md §6); any case-insensitive substring match counts.
func ComputeConfidence(message string, domainKeywords []string) float64 {
	if localOnlyIntent.MatchString(message) {
		return 0.0
	}

	confidence := 0.5

	lower := strings.ToLower(message)
	for _, kw := range domainKeywords {
		if kw == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(kw)) {
			confidence += 0.3
			break
		}
	}

	if len(message) > 200 || planningVerb.MatchString(message) {
		confidence += 0.2
	}

	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}
	return confidence
}

// ApplyConfidenceGate downgrades a backend route to local when the computed
// confidence is strictly below threshold. An explicit prefix override or a
// per-turn override should be checked by the caller before invoking this —
// per spec.md, the gate only applies to routes that reached backend without
// an explicit override.
func ApplyConfidenceGate(decision Decision, confidence, threshold float64) Decision {
	if decision.Route != RouteBackend {
		return decision
	}
	if confidence < threshold {
		decision.Route = RouteLocal
	}
	return decision
}
