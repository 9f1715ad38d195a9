package detector

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	"net"
	"time"

	"github.com/dj-oyu/esp32-object-sentry/pkg/types"
)

// prediction is one object in the inference server reply.
type prediction struct {
	Object     int       `json:"object"`
	ClassName  string    `json:"class_name"`
	Box        []float64 `json:"box"` // x1, y1, x2, y2
	Confidence float64   `json:"confidence"`
}

// Network sends each frame to an inference server: a big-endian uint32
// length and the JPEG, answered by one JSON array terminated by a newline.
type Network struct {
	addr        string
	dialTimeout time.Duration
	labels      []string
}

// NewNetwork talks to the server at addr.
func NewNetwork(addr string, labels []string) *Network {
	return &Network{
		addr:        addr,
		dialTimeout: 10 * time.Second,
		labels:      labels,
	}
}

// Detect implements Detector. Only the connect phase is bounded.
func (n *Network) Detect(img image.Image) ([]types.Detection, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}

	conn, err := net.DialTimeout("tcp", n.addr, n.dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial detector %s: %w", n.addr, err)
	}
	defer conn.Close()

	size := make([]byte, 4)
	binary.BigEndian.PutUint32(size, uint32(buf.Len()))
	if _, err := conn.Write(size); err != nil {
		return nil, fmt.Errorf("send size: %w", err)
	}
	if _, err := conn.Write(buf.Bytes()); err != nil {
		return nil, fmt.Errorf("send frame: %w", err)
	}

	resp, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("read reply: %w", err)
	}

	var preds []prediction
	if err := json.Unmarshal(resp, &preds); err != nil {
		return nil, fmt.Errorf("parse reply: %w", err)
	}

	b := img.Bounds()
	dets := make([]types.Detection, 0, len(preds))
	for _, p := range preds {
		if len(p.Box) != 4 {
			continue
		}
		name := p.ClassName
		if name == "" {
			name = n.ClassName(p.Object)
		}
		dets = append(dets, types.Detection{
			ClassID:    p.Object,
			ClassName:  name,
			Confidence: p.Confidence,
			Box: types.BoundingBox{
				X1: clamp(int(p.Box[0]), b.Min.X, b.Max.X),
				Y1: clamp(int(p.Box[1]), b.Min.Y, b.Max.Y),
				X2: clamp(int(p.Box[2]), b.Min.X, b.Max.X),
				Y2: clamp(int(p.Box[3]), b.Min.Y, b.Max.Y),
			},
		})
	}
	return dets, nil
}

// ClassName implements Detector.
func (n *Network) ClassName(id int) string {
	return className(n.labels, id)
}

// Close implements Detector.
func (n *Network) Close() error {
	return nil
}
