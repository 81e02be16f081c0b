package alert

import (
	"time"

	"github.com/opsline/anomalyd/internal/schema"
)

// sampleCap bounds how many recent anomalies ride along on an alert event.
const sampleCap = 5

// window is one service's rolling record of anomaly timestamps, pruned on
// every insert so it never holds entries older than the rule's window.
type window struct {
	times   []time.Time
	samples []schema.AnomalyRecord
}

func (w *window) add(now time.Time, rec schema.AnomalyRecord, keep time.Duration) {
	w.times = append(w.times, now)
	cut := now.Add(-keep)
	i := 0
	for ; i < len(w.times); i++ {
		if w.times[i].After(cut) {
			break
		}
	}
	if i > 0 {
		w.times = w.times[i:]
	}
	w.samples = append(w.samples, rec)
	if len(w.samples) > sampleCap {
		w.samples = w.samples[len(w.samples)-sampleCap:]
	}
}

func (w *window) count() int { return len(w.times) }

// reset empties the window so the next alert requires a full new
// accumulation.
func (w *window) reset() {
	w.times = w.times[:0]
	w.samples = w.samples[:0]
}
