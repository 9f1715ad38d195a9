package types

import (
	"image"
	"time"
)

// Frame is one decoded frame from a camera feed
type Frame struct {
	Image     image.Image // Decoded frame
	JPEG      []byte      // Encoded frame as delivered by the source
	Timestamp time.Time   // Capture timestamp
	Seq       uint64      // Sequential frame number, starts at 1
	Width     int
	Height    int
}

// BoundingBox is an axis-aligned box in frame pixel coordinates
type BoundingBox struct {
	X1 int `json:"x1"`
	Y1 int `json:"y1"`
	X2 int `json:"x2"`
	Y2 int `json:"y2"`
}

// Rect converts the box to an image.Rectangle
func (b BoundingBox) Rect() image.Rectangle {
	return image.Rect(b.X1, b.Y1, b.X2, b.Y2)
}

// Area returns the box area in pixels
func (b BoundingBox) Area() int {
	r := b.Rect()
	return r.Dx() * r.Dy()
}

// Detection is one object found in a frame
type Detection struct {
	ClassID    int         `json:"class_id"`
	ClassName  string      `json:"class_name"`
	Confidence float64     `json:"confidence"`
	Box        BoundingBox `json:"box"`
}

// AlertEvent describes one fired alert signal
type AlertEvent struct {
	Camera          string    `json:"camera"`
	Condition       string    `json:"condition"`
	Message         string    `json:"message"`
	SuspiciousCount int       `json:"suspicious_count"`
	AllowedCount    int       `json:"allowed_count"`
	FrameSeq        uint64    `json:"frame_seq"`
	Persisted       bool      `json:"persisted"`
	Timestamp       time.Time `json:"timestamp"`
}
