package cursor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const cursorBucket = "cursors"

// State is the persisted pagination position for one stream. Page-based
// streams advance Page; id-range streams advance LastID. Completed stops a
// bounded stream; Cycles counts wrap-arounds on unbounded ones.
type State struct {
	Page      int64     `json:"page"`
	LastID    int64     `json:"last_id"`
	Completed bool      `json:"completed"`
	Cycles    int64     `json:"cycles"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Manager owns durable cursor state for all streams. Cursors are advanced
// only after a page's upsert has committed, so replaying a page after a crash
// is always possible (and safe, because upserts are idempotent).
type Manager struct {
	db *bolt.DB
}

// Open initializes the cursor database at path, creating directories as needed.
func Open(path string) (*Manager, error) {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create cursor directory: %w", err)
		}
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open cursor db: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(cursorBucket))
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("init cursor bucket: %w", err)
	}

	return &Manager{db: db}, nil
}

// Close closes the underlying database.
func (m *Manager) Close() error {
	if m == nil || m.db == nil {
		return nil
	}
	return m.db.Close()
}

// Load returns the stored cursor for the stream, or a zero State if the
// stream has never advanced.
func (m *Manager) Load(streamID string) (State, error) {
	var st State
	err := m.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(cursorBucket))
		if bucket == nil {
			return fmt.Errorf("cursor bucket missing")
		}
		value := bucket.Get([]byte(streamID))
		if value == nil {
			return nil
		}
		if err := json.Unmarshal(value, &st); err != nil {
			return fmt.Errorf("decode cursor for %s: %w", streamID, err)
		}
		return nil
	})
	return st, err
}

// Advance durably records the new cursor position for the stream.
func (m *Manager) Advance(streamID string, st State) error {
	st.UpdatedAt = time.Now().UTC()
	payload, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode cursor for %s: %w", streamID, err)
	}
	return m.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(cursorBucket))
		if bucket == nil {
			return fmt.Errorf("cursor bucket missing")
		}
		return bucket.Put([]byte(streamID), payload)
	})
}

// All returns every persisted cursor keyed by stream id, for status output.
func (m *Manager) All() (map[string]State, error) {
	out := make(map[string]State)
	err := m.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(cursorBucket))
		if bucket == nil {
			return fmt.Errorf("cursor bucket missing")
		}
		return bucket.ForEach(func(k, v []byte) error {
			var st State
			if err := json.Unmarshal(v, &st); err != nil {
				return fmt.Errorf("decode cursor for %s: %w", k, err)
			}
			out[string(k)] = st
			return nil
		})
	})
	return out, err
}
