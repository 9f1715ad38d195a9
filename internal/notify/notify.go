// Package notify fans alert events out to external consumers: message
// brokers, the browser event stream and WebRTC data channels.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/dj-oyu/esp32-object-sentry/internal/logger"
	"github.com/dj-oyu/esp32-object-sentry/internal/metrics"
	"github.com/dj-oyu/esp32-object-sentry/pkg/types"
)

// Sink consumes alert events.
type Sink interface {
	Name() string
	Deliver(context.Context, types.AlertEvent) error
}

// Closer is implemented by sinks holding connections.
type Closer interface {
	Close() error
}

// Fanout delivers each event to every sink, each in its own goroutine, so a
// slow broker never delays the frame loop or the other sinks.
type Fanout struct {
	sinks   []Sink
	timeout time.Duration
	metrics *metrics.Metrics

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewFanout creates a fanout over sinks. m may be nil.
func NewFanout(timeout time.Duration, m *metrics.Metrics, sinks ...Sink) *Fanout {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Fanout{sinks: sinks, timeout: timeout, metrics: m}
}

// Add registers another sink.
func (f *Fanout) Add(s Sink) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sinks = append(f.sinks, s)
}

// Sinks returns the registered sink names.
func (f *Fanout) Sinks() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	names := make([]string, 0, len(f.sinks))
	for _, s := range f.sinks {
		names = append(names, s.Name())
	}
	return names
}

// Notify hands ev to every sink and returns immediately.
func (f *Fanout) Notify(ev types.AlertEvent) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return
	}

	for _, s := range f.sinks {
		f.wg.Add(1)
		go f.deliver(s, ev)
	}
}

func (f *Fanout) deliver(s Sink, ev types.AlertEvent) {
	defer f.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
	defer cancel()

	if err := s.Deliver(ctx, ev); err != nil {
		logger.Warn("Notify", "%s: deliver %q from %s failed: %v", s.Name(), ev.Message, ev.Camera, err)
		if f.metrics != nil {
			f.metrics.NotifyFailed.Add(1)
		}
		return
	}
	if f.metrics != nil {
		f.metrics.NotifyDelivered.Add(1)
	}
}

// Wait blocks until in-flight deliveries finish.
func (f *Fanout) Wait() {
	f.wg.Wait()
}

// Close waits for in-flight deliveries and closes sinks that hold
// connections.
func (f *Fanout) Close() error {
	f.mu.Lock()
	f.closed = true
	sinks := f.sinks
	f.mu.Unlock()

	f.wg.Wait()

	var firstErr error
	for _, s := range sinks {
		if c, ok := s.(Closer); ok {
			if err := c.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
