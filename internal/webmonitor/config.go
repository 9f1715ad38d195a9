package webmonitor

import (
	"time"
)

// Config defines the runtime configuration for the presentation server.
type Config struct {
	Addr           string
	Cameras        []string      // first entry is the default /video feed
	AssetsDir      string        // optional static files under /assets/
	StreamTimeout  time.Duration // blank frame after this long without a frame
	KeepAlive      time.Duration // SSE keepalive comment interval
	StatusInterval time.Duration
	AlertHistory   int // recent alerts kept for /status
	FPSWindow      time.Duration
}

// DefaultConfig returns the settings the Flask-era server behaved like.
func DefaultConfig() Config {
	return Config{
		Addr:           ":5000",
		Cameras:        []string{"cam0"},
		StreamTimeout:  5 * time.Second,
		KeepAlive:      30 * time.Second,
		StatusInterval: 2 * time.Second,
		AlertHistory:   20,
		FPSWindow:      5 * time.Second,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Addr == "" {
		c.Addr = d.Addr
	}
	if len(c.Cameras) == 0 {
		c.Cameras = d.Cameras
	}
	if c.StreamTimeout <= 0 {
		c.StreamTimeout = d.StreamTimeout
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = d.KeepAlive
	}
	if c.StatusInterval <= 0 {
		c.StatusInterval = d.StatusInterval
	}
	if c.AlertHistory <= 0 {
		c.AlertHistory = d.AlertHistory
	}
	if c.FPSWindow <= 0 {
		c.FPSWindow = d.FPSWindow
	}
}
