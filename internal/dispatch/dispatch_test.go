package dispatch

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dj-oyu/esp32-object-sentry/internal/metrics"
)

// actuator accepts connections and reports each payload.
func actuator(t *testing.T) (string, <-chan string) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	got := make(chan string, 16)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				b, _ := io.ReadAll(c)
				got <- string(b)
			}(conn)
		}
	}()

	return ln.Addr().String(), got
}

func closedAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func TestSendWritesMessageAndCloses(t *testing.T) {
	addr, got := actuator(t)

	require.NoError(t, Send(context.Background(), addr, "a", time.Second))

	select {
	case msg := <-got:
		assert.Equal(t, "a", msg)
	case <-time.After(2 * time.Second):
		t.Fatal("actuator received nothing")
	}
}

func TestSendRefused(t *testing.T) {
	err := Send(context.Background(), closedAddr(t), "a", time.Second)
	assert.Error(t, err)
}

func TestDispatchIsAsyncAndCounted(t *testing.T) {
	addr, got := actuator(t)
	m := metrics.New()
	d := New(addr, time.Second, m)

	d.Dispatch("b")
	d.Wait()

	assert.Equal(t, "b", <-got)
	assert.Equal(t, uint64(1), m.DispatchOK.Load())
	assert.Equal(t, uint64(0), m.DispatchFailed.Load())
}

func TestDispatchFailureIsSwallowed(t *testing.T) {
	m := metrics.New()
	d := New(closedAddr(t), 200*time.Millisecond, m)

	d.Dispatch("a")
	d.Dispatch("a")
	d.Close()

	assert.Equal(t, uint64(2), m.DispatchFailed.Load())
	assert.Equal(t, uint64(0), m.DispatchOK.Load())
}

func TestDispatchDoesNotBlockCaller(t *testing.T) {
	// A listener that never accepts keeps the dial pending in the backlog or
	// times out; either way the caller must return at once.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	d := New(ln.Addr().String(), 500*time.Millisecond, nil)
	start := time.Now()
	for i := 0; i < 10; i++ {
		d.Dispatch("a")
	}
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	d.Close()
}
