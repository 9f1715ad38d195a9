// Package dispatch delivers single-character signals to the ESP32 actuator.
//
// Delivery is best-effort: each signal is one short TCP connection made from
// its own goroutine, failures are logged and counted, and nothing is retried.
package dispatch

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/dj-oyu/esp32-object-sentry/internal/logger"
	"github.com/dj-oyu/esp32-object-sentry/internal/metrics"
)

// DefaultDialTimeout bounds the connect phase of a signal.
const DefaultDialTimeout = 2 * time.Second

// Send connects to addr, writes msg as UTF-8 and closes the connection.
// No response is read.
func Send(ctx context.Context, addr, msg string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}

	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial actuator %s: %w", addr, err)
	}
	defer conn.Close()

	if err := conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("set deadline: %w", err)
	}
	if _, err := conn.Write([]byte(msg)); err != nil {
		return fmt.Errorf("write to actuator %s: %w", addr, err)
	}
	return nil
}

// Dispatcher fires signals off the frame loop.
type Dispatcher struct {
	addr    string
	timeout time.Duration
	metrics *metrics.Metrics

	// ctx ends in-flight dials on shutdown.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a dispatcher for one actuator address. m may be nil.
func New(addr string, timeout time.Duration, m *metrics.Metrics) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		addr:    addr,
		timeout: timeout,
		metrics: m,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Addr returns the actuator address.
func (d *Dispatcher) Addr() string {
	return d.addr
}

// Dispatch sends msg in a detached goroutine and returns immediately.
func (d *Dispatcher) Dispatch(msg string) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		if err := Send(d.ctx, d.addr, msg, d.timeout); err != nil {
			logger.Warn("Dispatch", "Signal %q lost: %v", msg, err)
			if d.metrics != nil {
				d.metrics.DispatchFailed.Add(1)
			}
			return
		}

		logger.Debug("Dispatch", "Signal %q sent to %s", msg, d.addr)
		if d.metrics != nil {
			d.metrics.DispatchOK.Add(1)
		}
	}()
}

// Wait blocks until every dispatched signal has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Close aborts in-flight signals and waits for them.
func (d *Dispatcher) Close() {
	d.cancel()
	d.wg.Wait()
}
