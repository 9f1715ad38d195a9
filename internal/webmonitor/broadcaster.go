package webmonitor

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/dj-oyu/esp32-object-sentry/internal/logger"
	"github.com/dj-oyu/esp32-object-sentry/internal/metrics"
	"github.com/dj-oyu/esp32-object-sentry/pkg/types"
)

// FrameBroadcaster fans annotated JPEG frames out to MJPEG clients, one
// subscriber set per camera. It is the frame sink of every pipeline.
type FrameBroadcaster struct {
	mu      sync.Mutex
	clients map[string]map[int]chan []byte
	nextID  int
	stopped bool
	metrics *metrics.Metrics
}

// NewFrameBroadcaster creates a broadcaster. m may be nil.
func NewFrameBroadcaster(m *metrics.Metrics) *FrameBroadcaster {
	return &FrameBroadcaster{
		clients: make(map[string]map[int]chan []byte),
		metrics: m,
	}
}

// Subscribe adds a client of camera and returns a channel for its frames.
func (fb *FrameBroadcaster) Subscribe(camera string) (int, <-chan []byte) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	id := fb.nextID
	fb.nextID++
	ch := make(chan []byte, 2) // Buffer 2 frames to avoid blocking
	if fb.stopped {
		close(ch)
		return id, ch
	}
	if fb.clients[camera] == nil {
		fb.clients[camera] = make(map[int]chan []byte)
	}
	fb.clients[camera][id] = ch

	logger.Debug("FrameBroadcaster", "Client #%d subscribed to %s (total clients: %d)", id, camera, len(fb.clients[camera]))
	return id, ch
}

// Unsubscribe removes a client.
func (fb *FrameBroadcaster) Unsubscribe(camera string, id int) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	if ch, ok := fb.clients[camera][id]; ok {
		close(ch)
		delete(fb.clients[camera], id)
		logger.Debug("FrameBroadcaster", "Client #%d unsubscribed from %s (remaining clients: %d)", id, camera, len(fb.clients[camera]))
	}
}

// ClientCount returns the number of clients of camera.
func (fb *FrameBroadcaster) ClientCount(camera string) int {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return len(fb.clients[camera])
}

// Publish implements pipeline.FrameSink. A client still holding two frames
// skips this one.
func (fb *FrameBroadcaster) Publish(camera string, jpeg []byte) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	for _, ch := range fb.clients[camera] {
		select {
		case ch <- jpeg:
		default:
			if fb.metrics != nil {
				fb.metrics.FramesDropped.Add(1)
			}
		}
	}
}

// Stop disconnects every client.
func (fb *FrameBroadcaster) Stop() {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	if fb.stopped {
		return
	}
	fb.stopped = true
	for camera, clients := range fb.clients {
		for id, ch := range clients {
			close(ch)
			delete(clients, id)
		}
		delete(fb.clients, camera)
	}
}

// SerializedEvent holds pre-serialized data in both formats.
// This avoids redundant serialization when broadcasting to multiple clients.
type SerializedEvent struct {
	JSONData     []byte // Pre-serialized JSON
	ProtobufData []byte // Pre-serialized Protobuf (base64 encoded for SSE)
}

// AlertBroadcaster fans alert events out to SSE clients. It is a notify
// sink.
type AlertBroadcaster struct {
	mu      sync.Mutex
	clients map[int]chan *SerializedEvent
	nextID  int
	stopped bool
}

// NewAlertBroadcaster creates a broadcaster for alert events.
func NewAlertBroadcaster() *AlertBroadcaster {
	return &AlertBroadcaster{clients: make(map[int]chan *SerializedEvent)}
}

// Subscribe adds a new client and returns a channel for receiving events.
func (ab *AlertBroadcaster) Subscribe() (int, <-chan *SerializedEvent) {
	ab.mu.Lock()
	defer ab.mu.Unlock()

	id := ab.nextID
	ab.nextID++
	ch := make(chan *SerializedEvent, 8)
	if ab.stopped {
		close(ch)
		return id, ch
	}
	ab.clients[id] = ch

	logger.Debug("AlertBroadcaster", "Client #%d subscribed (total clients: %d)", id, len(ab.clients))
	return id, ch
}

// Unsubscribe removes a client.
func (ab *AlertBroadcaster) Unsubscribe(id int) {
	ab.mu.Lock()
	defer ab.mu.Unlock()

	if ch, ok := ab.clients[id]; ok {
		close(ch)
		delete(ab.clients, id)
		logger.Debug("AlertBroadcaster", "Client #%d unsubscribed (remaining clients: %d)", id, len(ab.clients))
	}
}

// ClientCount returns the number of SSE clients.
func (ab *AlertBroadcaster) ClientCount() int {
	ab.mu.Lock()
	defer ab.mu.Unlock()
	return len(ab.clients)
}

// Name implements notify.Sink.
func (ab *AlertBroadcaster) Name() string { return "sse" }

// Deliver implements notify.Sink. The event is serialized once for all
// clients.
func (ab *AlertBroadcaster) Deliver(_ context.Context, ev types.AlertEvent) error {
	event, err := SerializeAlert(ev)
	if err != nil {
		return err
	}
	ab.broadcast(event)
	return nil
}

func (ab *AlertBroadcaster) broadcast(event *SerializedEvent) {
	ab.mu.Lock()
	defer ab.mu.Unlock()

	for _, ch := range ab.clients {
		select {
		case ch <- event:
		default:
			// Client too slow, skip this event for this client
		}
	}
}

// Stop disconnects every client.
func (ab *AlertBroadcaster) Stop() {
	ab.mu.Lock()
	defer ab.mu.Unlock()

	if ab.stopped {
		return
	}
	ab.stopped = true
	for id, ch := range ab.clients {
		close(ch)
		delete(ab.clients, id)
	}
}

// SerializeAlert encodes ev as JSON and as a base64 protobuf Struct.
func SerializeAlert(ev types.AlertEvent) (*SerializedEvent, error) {
	jsonData, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("json marshal alert: %w", err)
	}

	st, err := structpb.NewStruct(alertFields(ev))
	if err != nil {
		return nil, fmt.Errorf("build alert struct: %w", err)
	}
	pbData, err := proto.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("protobuf marshal alert: %w", err)
	}

	return &SerializedEvent{
		JSONData:     jsonData,
		ProtobufData: []byte(base64.StdEncoding.EncodeToString(pbData)),
	}, nil
}

// alertFields is the Struct form of an alert; keys match the JSON form.
func alertFields(ev types.AlertEvent) map[string]any {
	return map[string]any{
		"camera":           ev.Camera,
		"condition":        ev.Condition,
		"message":          ev.Message,
		"suspicious_count": ev.SuspiciousCount,
		"allowed_count":    ev.AllowedCount,
		"frame_seq":        float64(ev.FrameSeq),
		"persisted":        ev.Persisted,
		"timestamp":        ev.Timestamp.Format(time.RFC3339Nano),
	}
}
