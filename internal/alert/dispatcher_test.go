package alert

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsline/anomalyd/internal/logger"
)

// fakeSink fails the first failures deliveries, then succeeds.
type fakeSink struct {
	mu       sync.Mutex
	calls    int
	failures int
	err      error
}

func (f *fakeSink) Name() string { return "fake" }

func (f *fakeSink) Deliver(context.Context, Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return f.err
	}
	return nil
}

func (f *fakeSink) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func runDispatcher(t *testing.T, d *Dispatcher) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx)
	return cancel
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached")
}

func TestDispatcherRetriesTransientFailures(t *testing.T) {
	sink := &fakeSink{failures: 2, err: errors.New("connection refused")}
	d := NewDispatcher([]Sink{sink}, DispatcherOptions{QueueSize: 4}, logger.Nop())
	cancel := runDispatcher(t, d)
	defer cancel()

	d.Publish(Event{ID: "ev-1", Type: EventTypeHighRate, Service: "web_server"})
	waitFor(t, func() bool { return sink.callCount() == 3 })
}

func TestDispatcherGivesUpAfterMaxAttempts(t *testing.T) {
	sink := &fakeSink{failures: 100, err: errors.New("still down")}
	d := NewDispatcher([]Sink{sink}, DispatcherOptions{QueueSize: 4}, logger.Nop())
	cancel := runDispatcher(t, d)
	defer cancel()

	d.Publish(Event{ID: "ev-1"})
	waitFor(t, func() bool { return sink.callCount() == maxAttempts })
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, maxAttempts, sink.callCount())
}

func TestDispatcherPermanentFailureSkipsRetry(t *testing.T) {
	sink := &fakeSink{failures: 100, err: Permanent(errors.New("bad payload"))}
	d := NewDispatcher([]Sink{sink}, DispatcherOptions{QueueSize: 4}, logger.Nop())
	cancel := runDispatcher(t, d)
	defer cancel()

	d.Publish(Event{ID: "ev-1"})
	waitFor(t, func() bool { return sink.callCount() == 1 })
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, sink.callCount())
}

func TestDispatcherFansOutToAllSinks(t *testing.T) {
	a := &fakeSink{}
	b := &fakeSink{}
	d := NewDispatcher([]Sink{a, b}, DispatcherOptions{QueueSize: 4}, logger.Nop())
	cancel := runDispatcher(t, d)
	defer cancel()

	d.Publish(Event{ID: "ev-1"})
	waitFor(t, func() bool { return a.callCount() == 1 && b.callCount() == 1 })
}

func TestPublishDropsOldestOnOverflow(t *testing.T) {
	// No workers running, so the queue only fills.
	d := NewDispatcher(nil, DispatcherOptions{QueueSize: 2}, logger.Nop())

	d.Publish(Event{ID: "a"})
	d.Publish(Event{ID: "b"})
	d.Publish(Event{ID: "c"})

	require.Len(t, d.queue, 2)
	assert.Equal(t, "b", (<-d.queue).ID)
	assert.Equal(t, "c", (<-d.queue).ID)
}

func TestIsPermanent(t *testing.T) {
	base := errors.New("boom")
	assert.False(t, IsPermanent(base))
	assert.True(t, IsPermanent(Permanent(base)))
	assert.True(t, IsPermanent(fmt.Errorf("deliver: %w", Permanent(base))), "wrapped errors unwrap")
	assert.ErrorIs(t, Permanent(base), base)
}
