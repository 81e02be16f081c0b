// Package history keeps a bounded in-memory ring of recent anomalies.
// Nothing here survives a restart; that is deliberate.
package history

import (
	"sync"

	"github.com/opsline/anomalyd/internal/schema"
)

// Ring is a fixed-capacity anomaly buffer. Appends evict the oldest entry
// once full. All operations take a single short-held mutex; writes are
// O(1) and reads copy out at most the requested limit.
type Ring struct {
	mu    sync.Mutex
	buf   []schema.AnomalyRecord
	head  int // next write position
	count int
}

// New creates a ring holding at most capacity records.
func New(capacity int) *Ring {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring{buf: make([]schema.AnomalyRecord, capacity)}
}

// Append stores rec, evicting the oldest record when full.
func (r *Ring) Append(rec schema.AnomalyRecord) {
	r.mu.Lock()
	r.buf[r.head] = rec
	r.head = (r.head + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
	r.mu.Unlock()
}

// Recent returns up to limit records, newest first.
func (r *Ring) Recent(limit int) []schema.AnomalyRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	if limit <= 0 || limit > r.count {
		limit = r.count
	}
	out := make([]schema.AnomalyRecord, 0, limit)
	for i := 1; i <= limit; i++ {
		pos := (r.head - i + len(r.buf)) % len(r.buf)
		out = append(out, r.buf[pos])
	}
	return out
}

// Len reports the current number of stored records.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Clear removes all records. Safe to call repeatedly.
func (r *Ring) Clear() {
	r.mu.Lock()
	for i := range r.buf {
		r.buf[i] = schema.AnomalyRecord{}
	}
	r.head = 0
	r.count = 0
	r.mu.Unlock()
}

// AverageScore is the mean anomaly score across the buffer, 0 when empty.
// Serves as the rough model-accuracy estimate in the metrics surface.
func (r *Ring) AverageScore() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.count == 0 {
		return 0
	}
	var sum float64
	for i := 1; i <= r.count; i++ {
		pos := (r.head - i + len(r.buf)) % len(r.buf)
		sum += r.buf[pos].AnomalyScore
	}
	return sum / float64(r.count)
}
