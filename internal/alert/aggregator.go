package alert

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opsline/anomalyd/internal/metrics"
	"github.com/opsline/anomalyd/internal/rules"
	"github.com/opsline/anomalyd/internal/schema"
)

// Aggregator maintains the per-service rolling rate windows and emits one
// high_anomaly_rate event per window crossing. Individual anomalies are
// never alerted on.
type Aggregator struct {
	rules *rules.Set
	disp  *Dispatcher
	now   func() time.Time

	mu  sync.Mutex
	win map[string]*window
}

// NewAggregator wires the aggregator to the live rule set and a
// dispatcher. disp may be nil, in which case crossings are still tracked
// (and windows reset) but nothing is delivered.
func NewAggregator(rs *rules.Set, disp *Dispatcher) *Aggregator {
	return &Aggregator{rules: rs, disp: disp, now: time.Now, win: map[string]*window{}}
}

// Observe records one anomaly. When the service's window reaches its
// configured count, the event is handed to the dispatcher and the window
// resets. The mutex is held only for the window bookkeeping; delivery is
// asynchronous.
func (a *Aggregator) Observe(rec schema.AnomalyRecord) {
	rule, ok := a.rules.AlertRule(rec.Service)
	if !ok {
		return
	}
	keep := time.Duration(rule.WindowSeconds) * time.Second

	a.mu.Lock()
	w := a.win[rec.Service]
	if w == nil {
		w = &window{}
		a.win[rec.Service] = w
	}
	w.add(a.now(), rec, keep)
	var ev *Event
	if w.count() >= rule.Count {
		samples := make([]schema.AnomalyRecord, len(w.samples))
		copy(samples, w.samples)
		ev = &Event{
			ID:            uuid.NewString(),
			Type:          EventTypeHighRate,
			Service:       rec.Service,
			Count:         w.count(),
			WindowSeconds: rule.WindowSeconds,
			Timestamp:     a.now().UTC(),
			Samples:       samples,
		}
		w.reset()
	}
	metrics.RateWindowGauge.WithLabelValues(rec.Service).Set(float64(w.count()))
	a.mu.Unlock()

	if ev != nil && a.disp != nil {
		a.disp.Publish(*ev)
	}
}
