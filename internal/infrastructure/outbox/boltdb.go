// Package outbox persists ledger operations whose snapshots have not reached
// the escrow repository yet.
package outbox

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/fastygo/escrow/domain"
)

var (
	bucketPending = []byte("outbox")
	bucketDead    = []byte("dead")
	// bucketIndex maps an entry id to its key in the pending or dead bucket.
	bucketIndex = []byte("ids")
)

// Store wraps BoltDB. Pending entries are ordered by creation time; entries
// that exhausted their retries live in the dead bucket until discarded.
type Store struct {
	db  *bolt.DB
	now func() time.Time
}

// Open initializes the BoltDB file and ensures the buckets exist.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("outbox: open: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("outbox: open: %w", err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketPending, bucketDead, bucketIndex} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("outbox: init buckets: %w", err)
	}

	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Put inserts entry, or replaces the pending entry with the same id. A
// missing id is generated and written back.
func (s *Store) Put(entry *domain.OutboxEntry) error {
	if s == nil || s.db == nil {
		return bolt.ErrDatabaseNotOpen
	}
	if entry == nil || entry.EscrowID == "" {
		return domain.ErrInvalidPayload
	}
	now := s.now()
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	entry.UpdatedAt = now

	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("outbox: encode %s: %w", entry.ID, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		index := tx.Bucket(bucketIndex)
		if old := index.Get([]byte(entry.ID)); old != nil {
			if err := deleteKey(tx, old); err != nil {
				return err
			}
		}
		key := pendingKey(entry)
		if err := tx.Bucket(bucketPending).Put(key, payload); err != nil {
			return err
		}
		return index.Put([]byte(entry.ID), key)
	})
}

// Get returns the entry with id from either bucket.
func (s *Store) Get(id string) (*domain.OutboxEntry, error) {
	if s == nil || s.db == nil {
		return nil, bolt.ErrDatabaseNotOpen
	}
	var entry *domain.OutboxEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		key := tx.Bucket(bucketIndex).Get([]byte(id))
		if key == nil {
			return domain.ErrOutboxNotFound
		}
		raw := bucketFor(tx, key).Get(key)
		if raw == nil {
			return domain.ErrOutboxNotFound
		}
		entry = new(domain.OutboxEntry)
		return json.Unmarshal(raw, entry)
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// Remove deletes the entry with id. Removing an unknown id is a no-op.
func (s *Store) Remove(id string) error {
	if s == nil || s.db == nil {
		return bolt.ErrDatabaseNotOpen
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		index := tx.Bucket(bucketIndex)
		key := index.Get([]byte(id))
		if key == nil {
			return nil
		}
		if err := deleteKey(tx, key); err != nil {
			return err
		}
		return index.Delete([]byte(id))
	})
}

// Batch returns up to limit pending entries, oldest first, without removing them.
func (s *Store) Batch(limit int) ([]domain.OutboxEntry, error) {
	return s.scan(bucketPending, limit)
}

// List returns every entry of the pending or the dead bucket.
func (s *Store) List(dead bool) ([]domain.OutboxEntry, error) {
	if dead {
		return s.scan(bucketDead, 0)
	}
	return s.scan(bucketPending, 0)
}

// Bury moves a pending entry to the dead bucket, recording reason.
func (s *Store) Bury(entry domain.OutboxEntry, reason string) error {
	if s == nil || s.db == nil {
		return bolt.ErrDatabaseNotOpen
	}
	entry.LastError = reason
	entry.UpdatedAt = s.now()
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("outbox: encode %s: %w", entry.ID, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		index := tx.Bucket(bucketIndex)
		if old := index.Get([]byte(entry.ID)); old != nil {
			if err := deleteKey(tx, old); err != nil {
				return err
			}
		}
		key := deadKey(&entry)
		if err := tx.Bucket(bucketDead).Put(key, payload); err != nil {
			return err
		}
		return index.Put([]byte(entry.ID), key)
	})
}

// Revive moves a dead entry back to the pending bucket with its retry
// counter reset.
func (s *Store) Revive(id string) (*domain.OutboxEntry, error) {
	entry, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	entry.Attempts = 0
	entry.LastError = ""
	if err := s.Put(entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// Size returns the number of pending entries.
func (s *Store) Size() (int, error) {
	return s.count(bucketPending)
}

// DeadSize returns the number of dead entries.
func (s *Store) DeadSize() (int, error) {
	return s.count(bucketDead)
}

// Cleanup removes dead entries last touched before olderThan. Pending entries
// are never expired.
func (s *Store) Cleanup(olderThan time.Time) (int, error) {
	if s == nil || s.db == nil {
		return 0, bolt.ErrDatabaseNotOpen
	}
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		dead := tx.Bucket(bucketDead)
		var expired []domain.OutboxEntry
		var keys [][]byte
		if err := dead.ForEach(func(k, v []byte) error {
			var entry domain.OutboxEntry
			if err := json.Unmarshal(v, &entry); err != nil || !entry.UpdatedAt.Before(olderThan) {
				return nil
			}
			expired = append(expired, entry)
			keys = append(keys, append([]byte(nil), k...))
			return nil
		}); err != nil {
			return err
		}
		index := tx.Bucket(bucketIndex)
		for i, key := range keys {
			if err := dead.Delete(key); err != nil {
				return err
			}
			if err := index.Delete([]byte(expired[i].ID)); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}

// Close closes the Bolt database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Stats exposes Bolt statistics for monitoring endpoints.
func (s *Store) Stats() bolt.Stats {
	if s == nil || s.db == nil {
		return bolt.Stats{}
	}
	return s.db.Stats()
}

func (s *Store) scan(bucket []byte, limit int) ([]domain.OutboxEntry, error) {
	if s == nil || s.db == nil {
		return nil, bolt.ErrDatabaseNotOpen
	}
	var entries []domain.OutboxEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucket).Cursor()
		for k, v := c.First(); k != nil && (limit <= 0 || len(entries) < limit); k, v = c.Next() {
			var entry domain.OutboxEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				continue
			}
			entries = append(entries, entry)
		}
		return nil
	})
	return entries, err
}

func (s *Store) count(bucket []byte) (int, error) {
	if s == nil || s.db == nil {
		return 0, bolt.ErrDatabaseNotOpen
	}
	var count int
	err := s.db.View(func(tx *bolt.Tx) error {
		count = tx.Bucket(bucket).Stats().KeyN
		return nil
	})
	return count, err
}

func pendingKey(entry *domain.OutboxEntry) []byte {
	return []byte(fmt.Sprintf("p_%020d_%s", entry.CreatedAt.UnixNano(), entry.ID))
}

func deadKey(entry *domain.OutboxEntry) []byte {
	return []byte(fmt.Sprintf("d_%020d_%s", entry.CreatedAt.UnixNano(), entry.ID))
}

func bucketFor(tx *bolt.Tx, key []byte) *bolt.Bucket {
	if len(key) > 0 && key[0] == 'd' {
		return tx.Bucket(bucketDead)
	}
	return tx.Bucket(bucketPending)
}

func deleteKey(tx *bolt.Tx, key []byte) error {
	return bucketFor(tx, key).Delete(key)
}
