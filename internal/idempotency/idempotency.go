// Package idempotency implements C5: rejection of duplicate command
// fingerprints within a short dedup window.
//
// Grounded on daemon-python/arcanos/cli/idempotency.py: fingerprint is
// SHA-256 over canonical (key-sorted) JSON of {command, payload};
// check_and_record purges expired entries before checking, then records the
// fingerprint if it was not already present.
package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// DefaultWindow is the default dedup window.
const DefaultWindow = 2 * time.Second

// Guard is a thread-safe fingerprint cache guarded by a single mutex. No
// lock is ever held across I/O — Check is a pure in-memory operation.
type Guard struct {
	mu     sync.Mutex
	window time.Duration
	seen   map[string]time.Time
	now    func() time.Time
}

// New constructs a Guard with the given dedup window. A zero window falls
// back to DefaultWindow.
func New(window time.Duration) *Guard {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Guard{
		window: window,
		seen:   make(map[string]time.Time),
		now:    time.Now,
	}
}

// Fingerprint computes SHA-256(canonical_json({command, payload})), where
// canonical JSON sorts keys. payload may be nil.
func Fingerprint(command string, payload map[string]any) string {
	canonical := canonicalJSON(map[string]any{"command": command, "payload": payload})
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// canonicalJSON serializes v with map keys sorted at every level, matching
// the source's canonical-JSON requirement exactly (Go's encoding/json
// already sorts map[string]any keys lexicographically on marshal, so this
// is a direct pass-through kept as a named step for clarity and so any
// future canonicalization rule change has one place to live).
func canonicalJSON(v any) []byte {
	data, err := json.Marshal(sortedAny(v))
	if err != nil {
		// Marshal of a map[string]any built from JSON-safe values cannot
		// fail in practice; treat failure as an empty canonical form so
		// Fingerprint stays a total function.
		return []byte("null")
	}
	return data
}

// sortedAny recursively normalizes maps so that encoding/json's built-in
// key-sort behavior for map[string]any is guaranteed at every depth,
// including maps typed as map[string]interface{} nested under generic
// interface{} values.
func sortedAny(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			out[k] = sortedAny(val[k])
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = sortedAny(item)
		}
		return out
	default:
		return v
	}
}

// CheckAndRecord purges entries older than the window, then reports
// whether fp is new (true = allowed, first sighting) and records it.
// Duplicates within the window return false.
func (g *Guard) CheckAndRecord(fp string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	g.purgeLocked(now)

	if _, dup := g.seen[fp]; dup {
		return false
	}
	g.seen[fp] = now
	return true
}

func (g *Guard) purgeLocked(now time.Time) {
	for fp, seenAt := range g.seen {
		if now.Sub(seenAt) > g.window {
			delete(g.seen, fp)
		}
	}
}

// Reset clears the cache.
func (g *Guard) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seen = make(map[string]time.Time)
}
