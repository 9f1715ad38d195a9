package webmonitor

import (
	"time"

	"github.com/dj-oyu/esp32-object-sentry/pkg/types"
)

// CameraStats is the /status view of one camera pipeline.
type CameraStats struct {
	Name            string     `json:"name"`
	FramesProcessed uint64     `json:"frames_processed"`
	CurrentFPS      float64    `json:"current_fps"`
	LastSeq         uint64     `json:"last_seq"`
	LastFrameAt     *time.Time `json:"last_frame_at,omitempty"`
	Detections      int        `json:"detections"`
	Suspicious      int        `json:"suspicious"`
	Allowed         int        `json:"allowed"`
	Condition       string     `json:"condition"`
	DetectErrors    uint64     `json:"detect_errors"`
	AlertsFired     uint64     `json:"alerts_fired"`
	Alert           AlertState `json:"alert_state"`
	LatencyMs       int64      `json:"latency_ms"`
}

// AlertState mirrors the edge-trigger state of a camera.
type AlertState struct {
	SignalActive   bool       `json:"signal_active"`
	CooldownExpiry *time.Time `json:"cooldown_expiry,omitempty"`
}

// StatusResponse is the /status payload.
type StatusResponse struct {
	Cameras      []CameraStats      `json:"cameras"`
	RecentAlerts []types.AlertEvent `json:"recent_alerts"`
	Uptime       float64            `json:"uptime_seconds"`
	Timestamp    float64            `json:"timestamp"`
}
