package source

import (
	"bufio"
	"errors"
	"fmt"
	"io"
)

// JPEG markers
const (
	markerPrefix = 0xFF
	markerTEM    = 0x01
	markerRST0   = 0xD0
	markerRST7   = 0xD7
	markerSOI    = 0xD8
	markerEOI    = 0xD9
	markerSOS    = 0xDA
)

// DefaultMaxFrameSize bounds one JPEG in the stream.
const DefaultMaxFrameSize = 8 << 20

// ErrFrameTooLarge is returned when no end-of-image marker is found within
// the size limit.
var ErrFrameTooLarge = errors.New("jpeg frame exceeds size limit")

// errBadSegment is returned for a marker segment shorter than its length field.
var errBadSegment = errors.New("invalid jpeg segment length")

// Splitter cuts a concatenated MJPEG byte stream (ffmpeg image2pipe, a
// replayed capture) into single JPEG images. Marker segments are skipped by
// their length, so an EXIF thumbnail's own SOI/EOI inside APP1 does not end
// the image.
type Splitter struct {
	r       *bufio.Reader
	maxSize int
}

// NewSplitter reads JPEG images from r.
func NewSplitter(r io.Reader, maxSize int) *Splitter {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	return &Splitter{
		r:       bufio.NewReaderSize(r, 64<<10),
		maxSize: maxSize,
	}
}

// Next returns the next complete image, SOI through EOI. It returns io.EOF
// when the stream ends between images and io.ErrUnexpectedEOF when it ends
// inside one. The returned slice is owned by the caller.
func (s *Splitter) Next() ([]byte, error) {
	if err := s.seekSOI(); err != nil {
		return nil, err
	}

	frame := make([]byte, 2, 64<<10)
	frame[0], frame[1] = markerPrefix, markerSOI

	marker, err := s.nextMarker(&frame)
	for {
		if err != nil {
			return nil, unexpected(err)
		}
		if len(frame) > s.maxSize {
			return nil, fmt.Errorf("%w (%d bytes)", ErrFrameTooLarge, len(frame))
		}

		switch {
		case marker == markerEOI:
			return frame, nil
		case standalone(marker):
			marker, err = s.nextMarker(&frame)
		default:
			if err = s.readSegment(&frame); err != nil {
				continue
			}
			if marker == markerSOS {
				marker, err = s.scanEntropy(&frame)
			} else {
				marker, err = s.nextMarker(&frame)
			}
		}
	}
}

// standalone reports markers that carry no length field.
func standalone(m byte) bool {
	return m == markerTEM || m == markerSOI || (m >= markerRST0 && m <= markerRST7)
}

// nextMarker appends bytes up to and including the next marker and returns
// the marker code. Stray bytes and fill bytes are kept as read.
func (s *Splitter) nextMarker(frame *[]byte) (byte, error) {
	for {
		b, err := s.r.ReadByte()
		if err != nil {
			return 0, err
		}
		*frame = append(*frame, b)
		if len(*frame) > s.maxSize {
			return 0, fmt.Errorf("%w (%d bytes)", ErrFrameTooLarge, len(*frame))
		}
		if b == markerPrefix {
			break
		}
	}
	for {
		b, err := s.r.ReadByte()
		if err != nil {
			return 0, err
		}
		*frame = append(*frame, b)
		if b != markerPrefix {
			return b, nil
		}
		if len(*frame) > s.maxSize {
			return 0, fmt.Errorf("%w (%d bytes)", ErrFrameTooLarge, len(*frame))
		}
	}
}

// readSegment appends a length-prefixed marker segment.
func (s *Splitter) readSegment(frame *[]byte) error {
	var size [2]byte
	if _, err := io.ReadFull(s.r, size[:]); err != nil {
		return err
	}
	n := int(size[0])<<8 | int(size[1])
	if n < 2 {
		return fmt.Errorf("%w: %d", errBadSegment, n)
	}
	if len(*frame)+n > s.maxSize {
		return fmt.Errorf("%w (%d bytes)", ErrFrameTooLarge, len(*frame)+n)
	}

	start := len(*frame)
	*frame = append(*frame, size[0], size[1])
	*frame = append(*frame, make([]byte, n-2)...)
	_, err := io.ReadFull(s.r, (*frame)[start+2:])
	return err
}

// scanEntropy appends entropy-coded scan data up to the next real marker
// and returns it. Stuffed zero bytes and restart markers stay in the scan.
func (s *Splitter) scanEntropy(frame *[]byte) (byte, error) {
	for {
		chunk, err := s.r.ReadSlice(markerPrefix)
		*frame = append(*frame, chunk...)
		if len(*frame) > s.maxSize {
			return 0, fmt.Errorf("%w (%d bytes)", ErrFrameTooLarge, len(*frame))
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if err != nil {
			return 0, err
		}

		next, err := s.r.ReadByte()
		if err != nil {
			return 0, err
		}
		switch {
		case next == markerPrefix:
			// fill byte, the marker follows
			_ = s.r.UnreadByte()
		case next == 0x00, next >= markerRST0 && next <= markerRST7:
			*frame = append(*frame, next)
		default:
			*frame = append(*frame, next)
			return next, nil
		}
	}
}

// seekSOI discards bytes up to and including the next start-of-image marker.
func (s *Splitter) seekSOI() error {
	for {
		if _, err := s.r.ReadSlice(markerPrefix); err != nil {
			if errors.Is(err, bufio.ErrBufferFull) {
				continue
			}
			return err
		}

		next, err := s.r.ReadByte()
		if err != nil {
			return err
		}
		switch next {
		case markerSOI:
			return nil
		case markerPrefix:
			_ = s.r.UnreadByte()
		}
	}
}

func unexpected(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
