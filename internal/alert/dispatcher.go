package alert

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/opsline/anomalyd/internal/logger"
	"github.com/opsline/anomalyd/internal/metrics"
)

const (
	maxAttempts   = 3
	retryBase     = 500 * time.Millisecond
	retryFactor   = 2
	perAlertLimit = 10 * time.Second
)

// Dispatcher fans alert events out to the configured sinks. Publishing
// never blocks the detection path: events land on a bounded queue that
// drops its oldest entry on overflow (the drop is counted and logged).
// Delivery is best effort with capped exponential backoff per sink; sinks
// are independent, so one failing sink never delays another.
type Dispatcher struct {
	log     *logger.Logger
	sinks   []Sink
	queue   chan Event
	limiter *rate.Limiter
	workers int

	mu sync.Mutex // serializes the drop-oldest dance on overflow

	wg sync.WaitGroup
}

// DispatcherOptions configures the dispatcher.
type DispatcherOptions struct {
	QueueSize int
	Workers   int
	// Outbound events per second across all sinks; 0 disables throttling.
	RateLimit float64
}

// NewDispatcher builds a dispatcher over the given sinks.
func NewDispatcher(sinks []Sink, opts DispatcherOptions, log *logger.Logger) *Dispatcher {
	if opts.QueueSize < 1 {
		opts.QueueSize = 256
	}
	if opts.Workers < 1 {
		opts.Workers = 2
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), 1)
	}
	d := &Dispatcher{
		log:     log,
		sinks:   sinks,
		queue:   make(chan Event, opts.QueueSize),
		limiter: limiter,
	}
	d.workers = opts.Workers
	return d
}

// Run starts the dispatch workers and blocks until ctx is done and the
// in-flight deliveries finish.
func (d *Dispatcher) Run(ctx context.Context) {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case ev := <-d.queue:
					if err := d.limiter.Wait(ctx); err != nil {
						return
					}
					d.deliver(ctx, ev)
				}
			}
		}()
	}
	d.wg.Wait()
}

// Publish enqueues an event, dropping the oldest queued event when full.
func (d *Dispatcher) Publish(ev Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for {
		select {
		case d.queue <- ev:
			return
		default:
		}
		select {
		case old := <-d.queue:
			metrics.AlertsDropped.Inc()
			d.log.Warn().Str("alert_id", old.ID).Str("service", old.Service).
				Msg("alert queue full, dropped oldest event")
		default:
		}
	}
}

// deliver pushes one event to every sink concurrently under the per-alert
// deadline.
func (d *Dispatcher) deliver(ctx context.Context, ev Event) {
	ctx, cancel := context.WithTimeout(ctx, perAlertLimit)
	defer cancel()

	var wg sync.WaitGroup
	for _, s := range d.sinks {
		wg.Add(1)
		go func(s Sink) {
			defer wg.Done()
			d.deliverTo(ctx, s, ev)
		}(s)
	}
	wg.Wait()
}

func (d *Dispatcher) deliverTo(ctx context.Context, s Sink, ev Event) {
	backoff := retryBase
	for attempt := 1; ; attempt++ {
		err := s.Deliver(ctx, ev)
		if err == nil {
			metrics.AlertsDelivered.WithLabelValues(s.Name(), "ok").Inc()
			return
		}
		if IsPermanent(err) {
			metrics.AlertsDelivered.WithLabelValues(s.Name(), "permanent_failure").Inc()
			d.log.Error().Err(err).Str("sink", s.Name()).Str("alert_id", ev.ID).
				Msg("alert rejected by sink, not retrying")
			return
		}
		if attempt >= maxAttempts {
			metrics.AlertsDelivered.WithLabelValues(s.Name(), "gave_up").Inc()
			d.log.Error().Err(err).Str("sink", s.Name()).Str("alert_id", ev.ID).
				Int("attempts", attempt).Msg("alert delivery failed")
			return
		}
		d.log.Warn().Err(err).Str("sink", s.Name()).Str("alert_id", ev.ID).
			Int("attempt", attempt).Msg("alert delivery failed, retrying")
		select {
		case <-ctx.Done():
			metrics.AlertsDelivered.WithLabelValues(s.Name(), "timeout").Inc()
			return
		case <-time.After(backoff):
		}
		backoff *= retryFactor
	}
}
