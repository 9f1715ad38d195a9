package webmonitor

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/dj-oyu/esp32-object-sentry/internal/pipeline"
	"github.com/dj-oyu/esp32-object-sentry/pkg/types"
)

// Monitor aggregates per-camera frame results and the recent alert history.
// It observes every pipeline and is a notify sink for alert events.
type Monitor struct {
	clock     clock.Clock
	startTime time.Time
	window    time.Duration
	history   int

	mu      sync.Mutex
	cameras map[string]*cameraState
	alerts  []types.AlertEvent // newest first
}

type cameraState struct {
	stats  CameraStats
	recent []time.Time // frame times inside the fps window
}

// NewMonitor creates a Monitor. clk may be nil.
func NewMonitor(cameras []string, window time.Duration, history int, clk clock.Clock) *Monitor {
	if clk == nil {
		clk = clock.New()
	}
	m := &Monitor{
		clock:     clk,
		startTime: clk.Now(),
		window:    window,
		history:   history,
		cameras:   make(map[string]*cameraState),
	}
	for _, name := range cameras {
		m.cameras[name] = &cameraState{stats: CameraStats{Name: name, Condition: "none"}}
	}
	return m
}

// Observe implements pipeline.Observer.
func (m *Monitor) Observe(st pipeline.FrameStats) {
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	cam, ok := m.cameras[st.Camera]
	if !ok {
		cam = &cameraState{stats: CameraStats{Name: st.Camera}}
		m.cameras[st.Camera] = cam
	}

	cam.recent = append(cam.recent, now)
	cam.trim(now, m.window)

	s := &cam.stats
	s.FramesProcessed++
	s.LastSeq = st.Seq
	if !st.Timestamp.IsZero() {
		ts := st.Timestamp
		s.LastFrameAt = &ts
	}
	s.LatencyMs = st.Latency.Milliseconds()
	if st.DetectError {
		s.DetectErrors++
	} else {
		s.Detections = st.Detections
		s.Suspicious = st.Counts.Suspicious
		s.Allowed = st.Counts.Allowed
		s.Condition = st.Condition.String()
	}
	if st.Fired {
		s.AlertsFired++
	}
	s.Alert = AlertState{SignalActive: st.State.SignalActive}
	if !st.State.CooldownExpiry.IsZero() {
		exp := st.State.CooldownExpiry
		s.Alert.CooldownExpiry = &exp
	}
}

func (c *cameraState) trim(now time.Time, window time.Duration) {
	cut := 0
	for cut < len(c.recent) && now.Sub(c.recent[cut]) > window {
		cut++
	}
	c.recent = c.recent[cut:]
}

func (c *cameraState) fps(window time.Duration) float64 {
	if len(c.recent) < 2 {
		return 0
	}
	span := c.recent[len(c.recent)-1].Sub(c.recent[0])
	if span <= 0 {
		return 0
	}
	if span > window {
		span = window
	}
	return float64(len(c.recent)-1) / span.Seconds()
}

// Name implements notify.Sink.
func (m *Monitor) Name() string { return "history" }

// Deliver implements notify.Sink by recording the alert.
func (m *Monitor) Deliver(_ context.Context, ev types.AlertEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.alerts = append([]types.AlertEvent{ev}, m.alerts...)
	if len(m.alerts) > m.history {
		m.alerts = m.alerts[:m.history]
	}
	return nil
}

// Snapshot returns the status payload.
func (m *Monitor) Snapshot() StatusResponse {
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	cams := make([]CameraStats, 0, len(m.cameras))
	for _, cam := range m.cameras {
		cam.trim(now, m.window)
		s := cam.stats
		s.CurrentFPS = cam.fps(m.window)
		cams = append(cams, s)
	}
	sort.Slice(cams, func(i, j int) bool { return cams[i].Name < cams[j].Name })

	alerts := make([]types.AlertEvent, len(m.alerts))
	copy(alerts, m.alerts)

	return StatusResponse{
		Cameras:      cams,
		RecentAlerts: alerts,
		Uptime:       now.Sub(m.startTime).Seconds(),
		Timestamp:    float64(now.Unix()),
	}
}

// HasCamera reports whether name is a known camera.
func (m *Monitor) HasCamera(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.cameras[name]
	return ok
}
