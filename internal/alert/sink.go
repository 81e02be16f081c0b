// Package alert holds the rate aggregator that turns sustained anomaly
// activity into alert events, and the sinks and dispatcher that deliver
// those events.
package alert

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opsline/anomalyd/internal/logger"
	"github.com/opsline/anomalyd/internal/schema"
)

// EventTypeHighRate is the only event type the aggregator emits:
// individual anomalies are recorded but never alerted on.
const EventTypeHighRate = "high_anomaly_rate"

// Event is one alert occurrence handed to every configured sink.
type Event struct {
	ID            string                 `json:"id"`
	Type          string                 `json:"type"`
	Service       string                 `json:"service"`
	Count         int                    `json:"count"`
	WindowSeconds int                    `json:"window_seconds"`
	Timestamp     time.Time              `json:"timestamp"`
	Samples       []schema.AnomalyRecord `json:"sample_anomalies,omitempty"`
}

// Message is the human-readable alert line shared by all sinks.
func (e Event) Message() string {
	return fmt.Sprintf("High anomaly rate detected for service %s: %d anomalies in %ds",
		e.Service, e.Count, e.WindowSeconds)
}

// Sink delivers alert events to one external destination. Deliver returns
// a permanentError (via Permanent) when retrying cannot help.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, ev Event) error
}

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as non-retryable.
func Permanent(err error) error { return &permanentError{err: err} }

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// ConsoleSink writes alerts to the service log. Always registered, so
// local runs without any webhook configured still surface alerts.
type ConsoleSink struct {
	Log *logger.Logger
}

func (c *ConsoleSink) Name() string { return "console" }

func (c *ConsoleSink) Deliver(_ context.Context, ev Event) error {
	c.Log.Warn().
		Str("alert_id", ev.ID).
		Str("type", ev.Type).
		Str("service", ev.Service).
		Int("count", ev.Count).
		Int("window_seconds", ev.WindowSeconds).
		Msg(ev.Message())
	return nil
}
