package evidence

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dj-oyu/esp32-object-sentry/internal/metrics"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	store, err := Open(context.Background(), Config{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "suspicious_objects.db"),
	})
	require.NoError(t, err)
	return store
}

func TestSQLiteRoundTrip(t *testing.T) {
	store := openTestStore(t)
	defer store.Close()
	ctx := context.Background()

	payload := []byte{0xff, 0xd8, 0x01, 0x02, 0x00, 0xff, 0xd9}
	ts := FormatTimestamp(time.Date(2026, 10, 9, 7, 5, 3, 0, time.Local))
	assert.Equal(t, "Fri Oct  9 07:05:03 2026", ts)

	id, err := store.Append(ctx, ts, payload)
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)

	records, err := store.All(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, ts, records[0].Timestamp)

	// The JSON shape served over HTTP decodes back to the same bytes.
	raw, err := json.Marshal(records)
	require.NoError(t, err)
	var wire []struct {
		ID        int64  `json:"id"`
		Timestamp string `json:"timestamp"`
		Image     string `json:"image"`
	}
	require.NoError(t, json.Unmarshal(raw, &wire))
	decoded, err := base64.StdEncoding.DecodeString(wire[0].Image)
	require.NoError(t, err)
	assert.Equal(t, payload, decoded)
	assert.Equal(t, ts, wire[0].Timestamp)
	assert.Equal(t, int64(1), wire[0].ID)
}

func TestEmptyStoreReturnsEmptyArray(t *testing.T) {
	store := openTestStore(t)
	defer store.Close()

	records, err := store.All(context.Background())
	require.NoError(t, err)

	raw, err := json.Marshal(records)
	require.NoError(t, err)
	assert.JSONEq(t, "[]", string(raw))
}

func TestReopenKeepsRecords(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "evidence.db")
	ctx := context.Background()

	first, err := OpenSQL(ctx, "sqlite", dsn)
	require.NoError(t, err)
	_, err = first.Append(ctx, "t1", []byte("one"))
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := OpenSQL(ctx, "sqlite", dsn)
	require.NoError(t, err)
	defer second.Close()
	id, err := second.Append(ctx, "t2", []byte("two"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), id)
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), Config{Driver: "redis"})
	assert.ErrorIs(t, err, ErrUnsupportedDriver)
}

func TestRecorderInlineWritesBeforeReturning(t *testing.T) {
	m := metrics.New()
	rec := NewRecorder(openTestStore(t), 0, m)
	defer rec.Close()

	require.NoError(t, rec.Record(time.Now(), []byte("frame")))

	records, err := rec.All(context.Background())
	require.NoError(t, err)
	assert.Len(t, records, 1)
	assert.Equal(t, uint64(1), m.EvidenceWritten.Load())
	assert.False(t, rec.GetStatus().Async)
}

func TestRecorderQueuePreservesOrder(t *testing.T) {
	store := openTestStore(t)
	rec := NewRecorder(store, 2, nil)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 20; i++ {
		require.NoError(t, rec.Record(base.Add(time.Duration(i)*time.Second), []byte(fmt.Sprintf("f%02d", i))))
	}

	status := rec.GetStatus()
	assert.True(t, status.Async)
	assert.Equal(t, 2, status.Capacity)

	var records []Record
	require.Eventually(t, func() bool {
		var err error
		records, err = rec.All(context.Background())
		return err == nil && len(records) == 20
	}, 5*time.Second, 10*time.Millisecond)

	for i, r := range records {
		assert.Equal(t, fmt.Sprintf("f%02d", i), string(r.Image))
		assert.Equal(t, FormatTimestamp(base.Add(time.Duration(i)*time.Second)), r.Timestamp)
	}
	require.NoError(t, rec.Close())
	assert.Equal(t, uint64(20), rec.GetStatus().Written)
}

type failingStore struct {
	mu    sync.Mutex
	calls int
}

func (f *failingStore) Append(context.Context, string, []byte) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return 0, errors.New("disk full")
}

func (f *failingStore) All(context.Context) ([]Record, error) { return nil, nil }
func (f *failingStore) Close() error                          { return nil }

func TestRecorderFailureIsCountedNotReturned(t *testing.T) {
	m := metrics.New()
	store := &failingStore{}
	rec := NewRecorder(store, 0, m)

	assert.NoError(t, rec.Record(time.Now(), []byte("x")))
	assert.Equal(t, uint64(1), m.EvidenceFailed.Load())
	assert.Equal(t, uint64(1), rec.GetStatus().Failed)

	require.NoError(t, rec.Close())
	assert.ErrorIs(t, rec.Record(time.Now(), []byte("y")), ErrRecorderClosed)
	assert.Equal(t, 1, store.calls)
}
