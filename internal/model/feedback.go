package model

import (
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/opsline/anomalyd/internal/schema"
)

var bFeedback = []byte("feedback")

// FeedbackStore keeps labeled examples until the next training pass
// consumes them. Backed by a bolt bucket keyed by insertion sequence so
// drop-oldest pruning is a cursor walk from the front. Saving feedback
// never triggers retraining on its own.
type FeedbackStore struct {
	db  *bolt.DB
	cap int
}

// OpenFeedback opens (creating if needed) the feedback database.
func OpenFeedback(path string, capacity int) (*FeedbackStore, error) {
	if capacity < 1 {
		capacity = 1
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, e := tx.CreateBucketIfNotExists(bFeedback)
		return e
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &FeedbackStore{db: db, cap: capacity}, nil
}

// Close releases the underlying database.
func (f *FeedbackStore) Close() error { return f.db.Close() }

// Add appends entries, stamping IngestTime when unset, then prunes the
// oldest entries beyond the configured cap. Returns the number stored.
func (f *FeedbackStore) Add(entries []schema.FeedbackEntry) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}
	now := time.Now().UTC()
	err := f.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bFeedback)
		// Stats only reflect the committed state, so capture the count
		// before writing.
		existing := b.Stats().KeyN
		for _, e := range entries {
			if e.IngestTime.IsZero() {
				e.IngestTime = now
			}
			seq, err := b.NextSequence()
			if err != nil {
				return err
			}
			key := make([]byte, 8)
			binary.BigEndian.PutUint64(key, seq)
			raw, err := json.Marshal(e)
			if err != nil {
				return err
			}
			if err := b.Put(key, raw); err != nil {
				return err
			}
		}
		// Drop-oldest down to cap.
		c := b.Cursor()
		for excess := existing + len(entries) - f.cap; excess > 0; excess-- {
			k, _ := c.First()
			if k == nil {
				break
			}
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

// Count reports the stored entry count.
func (f *FeedbackStore) Count() (int, error) {
	var n int
	err := f.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bFeedback).Stats().KeyN
		return nil
	})
	return n, err
}

// All returns every stored entry, oldest first. Exposed for whoever
// schedules training over accumulated feedback.
func (f *FeedbackStore) All() ([]schema.FeedbackEntry, error) {
	var out []schema.FeedbackEntry
	err := f.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bFeedback).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var e schema.FeedbackEntry
			if json.Unmarshal(v, &e) == nil {
				out = append(out, e)
			}
		}
		return nil
	})
	return out, err
}
