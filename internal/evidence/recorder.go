package evidence

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dj-oyu/esp32-object-sentry/internal/logger"
	"github.com/dj-oyu/esp32-object-sentry/internal/metrics"
)

// ErrRecorderClosed is returned by Record after Close.
var ErrRecorderClosed = errors.New("evidence recorder closed")

// writeTimeout bounds a single store write.
const writeTimeout = 10 * time.Second

// Recorder writes evidence in trigger order. With a zero queue each write
// happens inline on the caller; otherwise one writer drains a FIFO queue and
// a full queue blocks the caller rather than dropping evidence.
type Recorder struct {
	mu      sync.RWMutex
	store   Store
	metrics *metrics.Metrics
	queue   chan entry
	closed  bool
	wg      sync.WaitGroup

	written atomic.Uint64
	failed  atomic.Uint64
	lastID  atomic.Int64
}

type entry struct {
	timestamp string
	jpeg      []byte
}

// Status reports recorder progress.
type Status struct {
	Async    bool   `json:"async"`
	Pending  int    `json:"pending"`
	Capacity int    `json:"capacity"`
	Written  uint64 `json:"written"`
	Failed   uint64 `json:"failed"`
	LastID   int64  `json:"last_id"`
}

// NewRecorder wraps store. m may be nil.
func NewRecorder(store Store, queue int, m *metrics.Metrics) *Recorder {
	r := &Recorder{
		store:   store,
		metrics: m,
	}

	if queue > 0 {
		r.queue = make(chan entry, queue)
		r.wg.Add(1)
		go r.writeEntries()
	}

	return r
}

// Record persists one JPEG captured at t. The jpeg slice must not be
// modified afterwards. Write failures are logged and counted; the returned
// error only reports a closed recorder.
func (r *Recorder) Record(t time.Time, jpeg []byte) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return ErrRecorderClosed
	}

	e := entry{timestamp: FormatTimestamp(t), jpeg: jpeg}
	if r.queue == nil {
		r.write(e)
		return nil
	}

	r.queue <- e
	if r.metrics != nil {
		r.metrics.UpdateQueueUsage(len(r.queue), cap(r.queue))
	}
	return nil
}

// writeEntries drains the queue until Close
func (r *Recorder) writeEntries() {
	defer r.wg.Done()

	for e := range r.queue {
		r.write(e)
		if r.metrics != nil {
			r.metrics.UpdateQueueUsage(len(r.queue), cap(r.queue))
		}
	}
}

func (r *Recorder) write(e entry) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	id, err := r.store.Append(ctx, e.timestamp, e.jpeg)
	if err != nil {
		r.failed.Add(1)
		if r.metrics != nil {
			r.metrics.EvidenceFailed.Add(1)
		}
		logger.Warn("Evidence", "Write failed (%d bytes at %s): %v", len(e.jpeg), e.timestamp, err)
		return
	}

	r.written.Add(1)
	r.lastID.Store(id)
	if r.metrics != nil {
		r.metrics.EvidenceWritten.Add(1)
	}
	logger.Info("Evidence", "Stored record %d (%d bytes)", id, len(e.jpeg))
}

// All reads every stored record.
func (r *Recorder) All(ctx context.Context) ([]Record, error) {
	return r.store.All(ctx)
}

// GetStatus returns the recorder status
func (r *Recorder) GetStatus() Status {
	s := Status{
		Written: r.written.Load(),
		Failed:  r.failed.Load(),
		LastID:  r.lastID.Load(),
	}
	if r.queue != nil {
		s.Async = true
		s.Pending = len(r.queue)
		s.Capacity = cap(r.queue)
	}
	return s
}

// Close drains pending writes and closes the store.
func (r *Recorder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	if r.queue != nil {
		close(r.queue)
	}
	r.mu.Unlock()

	r.wg.Wait()
	return r.store.Close()
}
