// Package evidence persists the frames that triggered a suspicious-only
// alert and serves them back in bulk.
package evidence

import (
	"context"
	"errors"
	"time"
)

// TimestampLayout is the ctime layout evidence timestamps are written in,
// e.g. "Mon Oct 19 14:03:07 2026".
const TimestampLayout = time.ANSIC

// Table is the table (or collection) evidence is stored in.
const Table = "SuspiciousObjects"

// ErrUnsupportedDriver is returned by Open for an unknown driver name.
var ErrUnsupportedDriver = errors.New("unsupported evidence driver")

// Record is one stored evidence frame. Image marshals to standard base64 in
// JSON.
type Record struct {
	ID        int64  `json:"id"`
	Timestamp string `json:"timestamp"`
	Image     []byte `json:"image"`
}

// Store is an append-only evidence log.
type Store interface {
	// Append stores one JPEG and returns its assigned id.
	Append(ctx context.Context, timestamp string, jpeg []byte) (int64, error)
	// All returns every record in id order.
	All(ctx context.Context) ([]Record, error)
	Close() error
}

// FormatTimestamp renders t in TimestampLayout.
func FormatTimestamp(t time.Time) string {
	return t.Format(TimestampLayout)
}
