// Package trust implements C3: the backend capability registry cache and
// the three-valued trust state it derives.
//
// Grounded on daemon-python/arcanos/cli/trust_state.py (the enum values and
// FULL/DEGRADED derivation) and the teacher's
// internal/escalation/state_machine.go for the single-mutex, atomic-under-lock
// idiom (Escalate/Decay's "read current, compute, replace, stamp time" shape
// is mirrored in recomputeLocked below; unlike escalation's monotonic state
// machine, trust recomputes freely in either direction per spec.md §4.3).
package trust

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is the three-valued derived trust enum.
type State uint8

const (
	StateFull State = iota
	StateDegraded
	StateUnsafe
)

func (s State) String() string {
	switch s {
	case StateFull:
		return "FULL"
	case StateDegraded:
		return "DEGRADED"
	case StateUnsafe:
		return "UNSAFE"
	default:
		return "UNKNOWN"
	}
}

// Registry is the opaque capability payload served by the backend. Its
// shape is never interpreted here; C3 only tracks freshness.
type Registry map[string]any

// AuditFunc records a trust-state transition. May be nil.
type AuditFunc func(event string, fields map[string]any)

// Store owns the registry cache and the derived trust state. All access is
// serialized by a single mutex; no lock is ever held across the backend
// call that refreshes the registry (RefreshRegistry releases the lock
// before calling out, and re-acquires it only to install the result).
type Store struct {
	mu sync.Mutex

	backendConfigured bool
	ttl               time.Duration

	registry  Registry
	updatedAt time.Time
	hasCache  bool

	current State

	logger *zap.Logger
	audit  AuditFunc

	warnedOnce bool
}

// New constructs a Store. backendConfigured should reflect
// config.Config.BackendConfigured() at construction time; it does not
// change afterward (a restart is required to pick up a newly-configured
// backend, matching the teacher's "destructive config change requires
// restart" policy).
func New(backendConfigured bool, ttl time.Duration, logger *zap.Logger, audit AuditFunc) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		backendConfigured: backendConfigured,
		ttl:               ttl,
		current:           StateDegraded,
		logger:            logger,
		audit:             audit,
	}
	return s
}

// RegistryFetcher is the shape of backendclient.Client.Registry, kept as a
// function type here so this package does not import backendclient and
// create a cycle.
type RegistryFetcher func() (map[string]any, error)

// RefreshRegistry calls fetch(); on success it atomically replaces the
// cache and stamps the update time, then recomputes trust. On failure the
// existing cache is left untouched and a one-time warning is logged.
func (s *Store) RefreshRegistry(fetch RegistryFetcher) {
	reg, err := fetch()
	if err != nil {
		s.mu.Lock()
		warn := !s.warnedOnce
		s.warnedOnce = true
		s.mu.Unlock()
		if warn {
			s.logger.Warn("registry refresh failed; using stale or absent cache", zap.Error(err))
		}
		return
	}

	s.mu.Lock()
	s.registry = reg
	s.updatedAt = time.Now()
	s.hasCache = true
	s.mu.Unlock()

	s.recompute()
}

// IsValid reports whether the cache is present and within its TTL.
func (s *Store) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isValidLocked()
}

func (s *Store) isValidLocked() bool {
	return s.hasCache && time.Since(s.updatedAt) <= s.ttl
}

// Registry returns a snapshot of the cached registry, or nil if absent.
// Callers receive the map value directly; since the cache is replaced
// atomically (never mutated in place) this is safe without copying.
func (s *Store) Registry() (Registry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registry, s.hasCache
}

// Current returns the current trust state.
func (s *Store) Current() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// RecomputeTrust derives FULL iff backend-configured and the cache is
// valid; otherwise DEGRADED. Audits on change.
func (s *Store) RecomputeTrust() State {
	return s.recompute()
}

func (s *Store) recompute() State {
	s.mu.Lock()
	next := StateDegraded
	if s.backendConfigured && s.isValidLocked() {
		next = StateFull
	}
	prev := s.current
	s.current = next
	s.mu.Unlock()

	if prev != next {
		s.emitAudit("trust_transition", map[string]any{"from": prev.String(), "to": next.String()})
	}
	return next
}

// SetTrust performs an explicit transition — e.g. to UNSAFE after a
// governance denial. This is a per-decision override; it does not persist
// across the next RecomputeTrust call.
func (s *Store) SetTrust(next State) {
	s.mu.Lock()
	prev := s.current
	s.current = next
	s.mu.Unlock()

	if prev != next {
		s.emitAudit("trust_transition", map[string]any{"from": prev.String(), "to": next.String()})
	}
}

func (s *Store) emitAudit(event string, fields map[string]any) {
	if s.audit != nil {
		s.audit(event, fields)
	}
}
