// Package source turns a camera device or network video feed into a blocking
// sequence of decoded frames.
package source

import (
	"bytes"
	"errors"
	"image/jpeg"
	"io"
	"sync"

	"github.com/benbjohnson/clock"

	"github.com/dj-oyu/esp32-object-sentry/internal/logger"
	"github.com/dj-oyu/esp32-object-sentry/pkg/types"
)

// Source yields frames one at a time. Read blocks until the next frame is
// available; ok=false means the stream has ended and the caller should stop.
type Source interface {
	Read() (frame types.Frame, ok bool)
	Close() error
}

// maxBadFrames ends the stream after this many consecutive undecodable
// images.
const maxBadFrames = 30

// ReaderSource reads an MJPEG byte stream.
type ReaderSource struct {
	name     string
	splitter *Splitter
	closer   io.Closer
	clock    clock.Clock

	mu     sync.Mutex
	seq    uint64
	closed bool
}

// NewReaderSource reads frames from r. If r is an io.Closer, Close closes
// it. clk may be nil.
func NewReaderSource(name string, r io.Reader, clk clock.Clock) *ReaderSource {
	if clk == nil {
		clk = clock.New()
	}
	s := &ReaderSource{
		name:     name,
		splitter: NewSplitter(r, 0),
		clock:    clk,
	}
	if c, ok := r.(io.Closer); ok {
		s.closer = c
	}
	return s
}

// Read implements Source.
func (s *ReaderSource) Read() (types.Frame, bool) {
	bad := 0
	for {
		data, err := s.splitter.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) && !s.isClosed() {
				logger.Warn("Source", "[%s] stream ended: %v", s.name, err)
			}
			return types.Frame{}, false
		}

		img, err := jpeg.Decode(bytes.NewReader(data))
		if err != nil {
			bad++
			logger.Debug("Source", "[%s] skipping undecodable frame (%d bytes): %v", s.name, len(data), err)
			if bad >= maxBadFrames {
				logger.Error("Source", "[%s] %d consecutive bad frames, giving up", s.name, bad)
				return types.Frame{}, false
			}
			continue
		}

		s.mu.Lock()
		s.seq++
		seq := s.seq
		s.mu.Unlock()

		b := img.Bounds()
		return types.Frame{
			Image:     img,
			JPEG:      data,
			Timestamp: s.clock.Now(),
			Seq:       seq,
			Width:     b.Dx(),
			Height:    b.Dy(),
		}, true
	}
}

func (s *ReaderSource) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close implements Source.
func (s *ReaderSource) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}
