// Package audit implements C6: an append-only, write-only (from the
// runtime's point of view) sink of structured events.
//
// Grounded on daemon-python/arcanos/cli/audit.py's record() function
// (timestamp + event name + kwargs, written forward-only) for the basic
// event shape, and on the teacher's
// internal/governance/constitutional.go decision-hash chaining (SHA-256 of
// canonical JSON, each entry carrying the previous entry's hash as
// ParentHash) adapted here into an optional tamper-evident mode: since
// ARCANOS's audit trail — unlike the teacher's escalation-decision ledger —
// has no natural monotonic-time precondition of its own, the chain is kept
// opt-in and never rejects an event; it only makes later tampering
// detectable.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pbjustin/arcanos/internal/redact"
)

// Event is one append-only audit record.
type Event struct {
	Timestamp  time.Time      `json:"timestamp"`
	Name       string         `json:"event"`
	Fields     map[string]any `json:"fields,omitempty"`
	Hash       string         `json:"hash,omitempty"`
	ParentHash string         `json:"parent_hash,omitempty"`
}

// Sink is the audit append point. Events are redacted before being handed
// to the configured writer; the sink never reads events back.
type Sink struct {
	mu         sync.Mutex
	logger     *zap.Logger
	chained    bool
	lastHash   string
	maxDepth   int
}

// New constructs a Sink. When chained is true, each event's Hash covers its
// own canonical JSON plus the previous event's hash, producing a verifiable
// chain; this is an enrichment beyond spec.md's minimum requirement and can
// be left false for a plain append log.
func New(logger *zap.Logger, chained bool) *Sink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sink{logger: logger, chained: chained, maxDepth: redact.DefaultMaxDepth}
}

// Record appends one event: timestamp (ISO-8601 UTC), event name, and
// arbitrary fields. Keys matching the sensitive-pattern denylist are
// redacted, nested structures traversed depth-bounded.
func (s *Sink) Record(event string, fields map[string]any) {
	redacted, _ := redact.Value(toAny(fields), s.maxDepth).(map[string]any)

	e := Event{
		Timestamp: time.Now().UTC(),
		Name:      event,
		Fields:    redacted,
	}

	s.mu.Lock()
	if s.chained {
		e.ParentHash = s.lastHash
		e.Hash = hashEvent(e)
		s.lastHash = e.Hash
	}
	s.mu.Unlock()

	s.logger.Info("audit",
		zap.String("event", e.Name),
		zap.Time("timestamp", e.Timestamp),
		zap.Any("fields", e.Fields),
		zap.String("hash", e.Hash),
	)
}

func toAny(fields map[string]any) any {
	if fields == nil {
		return map[string]any{}
	}
	return map[string]any(fields)
}

// hashEvent computes SHA-256 over the canonical JSON of the event's
// name+fields+parent hash, mirroring the teacher's decision-hash
// construction (EscalationDecision's hashed fields plus ParentHash
// chaining) but applied to an audit event instead of an escalation
// decision.
func hashEvent(e Event) string {
	canonical, err := json.Marshal(struct {
		Name       string         `json:"event"`
		Fields     map[string]any `json:"fields"`
		ParentHash string         `json:"parent_hash"`
	}{e.Name, e.Fields, e.ParentHash})
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}
