// Package memstore implements ARCANOS's persisted memory adapter
// (adapters.Memory) on top of BoltDB.
//
// Grounded on the teacher's internal/storage/bolt.go: the bucket-per-domain
// schema (there: baselines/ledger/meta; here: conversation/counters/
// settings/meta), the sortable-timestamp key for the append-only bucket
// (there: ledgerKey; here: turnKey), the single-write-transaction-per-call
// idiom, and the schema-version-checked-on-open guard are all carried over
// unchanged in shape. ARCANOS has no baseline/covariance concept, and its
// conversation history is pruned by count rather than by calendar
// retention, so PruneOldLedgerEntries's date-cutoff cursor scan becomes
// TrimConversation's keep-last-N cursor scan below.
package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/pbjustin/arcanos/internal/adapters"
)

const (
	// SchemaVersion is the current database schema version.
	SchemaVersion = "1"

	bucketConversation = "conversation"
	bucketCounters     = "counters"
	bucketSettings     = "settings"
	bucketMeta         = "meta"

	schemaVersionKey = "schema_version"
	instanceIDKey    = "instance_id"
)

// Store wraps a BoltDB instance behind the adapters.Memory interface.
type Store struct {
	db *bolt.DB
}

// Open opens (or creates) the BoltDB database at path and initializes all
// required buckets. Returns an error if the database is corrupt or its
// schema version is incompatible with this build.
func Open(path string) (*Store, error) {
	bdb, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("memstore: bolt.Open(%q): %w", path, err)
	}

	s := &Store{db: bdb}

	if err := s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketConversation, bucketCounters, bucketSettings, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("CreateBucketIfNotExists(%q): %w", name, err)
			}
		}
		meta := tx.Bucket([]byte(bucketMeta))
		if meta.Get([]byte(schemaVersionKey)) == nil {
			return meta.Put([]byte(schemaVersionKey), []byte(SchemaVersion))
		}
		return nil
	}); err != nil {
		_ = bdb.Close()
		return nil, fmt.Errorf("memstore: database initialization failed: %w", err)
	}

	if err := s.checkSchemaVersion(); err != nil {
		_ = bdb.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) checkSchemaVersion() error {
	return s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(bucketMeta)).Get([]byte(schemaVersionKey))
		if string(v) != SchemaVersion {
			return fmt.Errorf("memstore: schema version mismatch: database has %q, build requires %q", string(v), SchemaVersion)
		}
		return nil
	})
}

// Close closes the underlying BoltDB file.
func (s *Store) Close() error {
	return s.db.Close()
}

// turnRecord is the JSON form stored per conversation turn.
type turnRecord struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// turnKey mirrors bolt.go's ledgerKey: a fixed-width (nine fractional
// digits) RFC3339 UTC timestamp prefix keeps bucket iteration order
// chronological without a secondary index. A monotonically increasing
// sequence number disambiguates turns recorded within the same nanosecond.
func turnKey(t time.Time, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s_%020d", t.UTC().Format("2006-01-02T15:04:05.000000000Z07:00"), seq))
}

// AppendTurn implements adapters.Memory.
func (s *Store) AppendTurn(ctx context.Context, turn adapters.Turn) error {
	rec := turnRecord{Role: turn.Role, Content: turn.Content, Timestamp: time.Now().UTC()}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("memstore: marshal turn: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketConversation))
		seq, _ := b.NextSequence()
		return b.Put(turnKey(rec.Timestamp, seq), data)
	})
}

// RecentTurns implements adapters.Memory, returning up to limit turns in
// chronological order (oldest first).
func (s *Store) RecentTurns(ctx context.Context, limit int) ([]adapters.Turn, error) {
	if limit <= 0 {
		return nil, nil
	}

	var all []adapters.Turn
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketConversation))
		return b.ForEach(func(_, v []byte) error {
			var rec turnRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			all = append(all, adapters.Turn{Role: rec.Role, Content: rec.Content})
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("memstore: read conversation: %w", err)
	}

	if len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all, nil
}

// TrimConversation deletes all but the most recent keep turns, mirroring
// bolt.go's PruneOldLedgerEntries cursor-collect-then-delete shape (bbolt
// forbids deleting while a cursor iterates). Intended to run periodically
// so the conversation bucket does not grow unbounded.
func (s *Store) TrimConversation(keep int) (int, error) {
	var deleted int
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketConversation))
		total := b.Stats().KeyN
		if total <= keep {
			return nil
		}
		toDelete := total - keep

		c := b.Cursor()
		var keys [][]byte
		for k, _ := c.First(); k != nil && len(keys) < toDelete; k, _ = c.Next() {
			keyCopy := make([]byte, len(k))
			copy(keyCopy, k)
			keys = append(keys, keyCopy)
		}
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return fmt.Errorf("TrimConversation delete: %w", err)
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}

// GetSetting implements adapters.Memory.
func (s *Store) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var value string
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(bucketSettings)).Get([]byte(key))
		if v == nil {
			return nil
		}
		found = true
		value = string(v)
		return nil
	})
	if err != nil {
		return "", false, fmt.Errorf("memstore: get setting %q: %w", key, err)
	}
	return value, found, nil
}

// SetSetting implements adapters.Memory.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketSettings)).Put([]byte(key), []byte(value))
	})
}

// InstanceID implements adapters.Memory: returns the persisted instance ID,
// or errNoInstanceID when none is stored yet. It never generates one;
// EnsureInstanceID does that with an injected generator, so this package
// does not import google/uuid directly — the orchestrator (C11) owns ID
// generation policy.
func (s *Store) InstanceID(ctx context.Context) (string, error) {
	id, found, err := s.GetSetting(ctx, instanceIDKey)
	if err != nil {
		return "", err
	}
	if !found {
		return "", errNoInstanceID
	}
	return id, nil
}

// EnsureInstanceID returns the persisted instance ID, generating one via
// gen and persisting it on first call.
func (s *Store) EnsureInstanceID(ctx context.Context, gen func() string) (string, error) {
	id, found, err := s.GetSetting(ctx, instanceIDKey)
	if err != nil {
		return "", err
	}
	if found {
		return id, nil
	}
	id = gen()
	if err := s.SetSetting(ctx, instanceIDKey, id); err != nil {
		return "", err
	}
	return id, nil
}

// IncrementCounter atomically increments and returns a named counter
// (e.g. total commands executed), stored as a decimal string.
func (s *Store) IncrementCounter(name string) (uint64, error) {
	var next uint64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketCounters))
		cur := b.Get([]byte(name))
		var v uint64
		if cur != nil {
			fmt.Sscanf(string(cur), "%d", &v)
		}
		v++
		next = v
		return b.Put([]byte(name), []byte(fmt.Sprintf("%d", v)))
	})
	return next, err
}

var errNoInstanceID = fmt.Errorf("memstore: no instance id persisted yet; call EnsureInstanceID first")
